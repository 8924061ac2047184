// Copyright 2024 the Brush Authors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package cpu

import (
	"github.com/simonbethke/brush/renderer"
	"honnef.co/go/safeish"
)

// ScanBlocks mirrors scan_blocks.wgsl.
func ScanBlocks(groups [3]uint32, resources []CPUBinding) {
	params := fromBytes[renderer.ScanParams](resources[0].(CPUBuffer))
	data := safeish.SliceCast[[]uint32](resources[1].(CPUBuffer))
	totals := safeish.SliceCast[[]uint32](resources[2].(CPUBuffer))

	for block := range groups[0] {
		start := block * WG_SIZE
		end := min(start+WG_SIZE, params.NumElements)
		var sum uint32
		for i := start; i < end; i++ {
			v := data[i]
			data[i] = sum
			sum += v
		}
		totals[block] = sum
	}
}

// ScanFixup mirrors scan_fixup.wgsl.
func ScanFixup(groups [3]uint32, resources []CPUBinding) {
	params := fromBytes[renderer.ScanParams](resources[0].(CPUBuffer))
	data := safeish.SliceCast[[]uint32](resources[1].(CPUBuffer))
	totals := safeish.SliceCast[[]uint32](resources[2].(CPUBuffer))

	for block := range groups[0] {
		start := block * WG_SIZE
		end := min(start+WG_SIZE, params.NumElements)
		for i := start; i < end; i++ {
			data[i] += totals[block]
		}
	}
}
