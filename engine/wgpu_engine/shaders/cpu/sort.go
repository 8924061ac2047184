// Copyright 2024 the Brush Authors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package cpu

import (
	"github.com/simonbethke/brush/renderer"
	"honnef.co/go/safeish"
)

// SortCount mirrors sort_count.wgsl.
func SortCount(groups [3]uint32, resources []CPUBinding) {
	params := fromBytes[renderer.SortParams](resources[0].(CPUBuffer))
	src_keys := safeish.SliceCast[[]uint32](resources[1].(CPUBuffer))
	hist := safeish.SliceCast[[]uint32](resources[2].(CPUBuffer))

	for block := range groups[0] {
		var local_hist [256]uint32
		start := block * WG_SIZE
		end := min(start+WG_SIZE, params.NumElements)
		for i := start; i < end; i++ {
			digit := (src_keys[i] >> params.Shift) & 0xff
			local_hist[digit]++
		}
		for d := range uint32(256) {
			hist[d*params.NumBlocks+block] = local_hist[d]
		}
	}
}

// SortScatter mirrors sort_scatter.wgsl. The per-block walk is in
// input order, which keeps the sort stable.
func SortScatter(groups [3]uint32, resources []CPUBinding) {
	params := fromBytes[renderer.SortParams](resources[0].(CPUBuffer))
	src_keys := safeish.SliceCast[[]uint32](resources[1].(CPUBuffer))
	src_ids := safeish.SliceCast[[]uint32](resources[2].(CPUBuffer))
	hist := safeish.SliceCast[[]uint32](resources[3].(CPUBuffer))
	dst_keys := safeish.SliceCast[[]uint32](resources[4].(CPUBuffer))
	dst_ids := safeish.SliceCast[[]uint32](resources[5].(CPUBuffer))

	for block := range groups[0] {
		var cursors [256]uint32
		for d := range uint32(256) {
			cursors[d] = hist[d*params.NumBlocks+block]
		}
		start := block * WG_SIZE
		end := min(start+WG_SIZE, params.NumElements)
		for i := start; i < end; i++ {
			key := src_keys[i]
			d := (key >> params.Shift) & 0xff
			o := cursors[d]
			cursors[d] = o + 1
			dst_keys[o] = key
			dst_ids[o] = src_ids[i]
		}
	}
}

// TileBinEdges mirrors tile_bin_edges.wgsl.
func TileBinEdges(_ [3]uint32, resources []CPUBinding) {
	config := fromBytes[renderer.ConfigUniform](resources[0].(CPUBuffer))
	isect_keys := safeish.SliceCast[[]uint32](resources[1].(CPUBuffer))
	tile_ranges := safeish.SliceCast[[]renderer.TileRange](resources[2].(CPUBuffer))

	tile_of := func(key uint32) uint32 {
		if config.DepthBits >= 32 {
			return 0
		}
		return key >> config.DepthBits
	}

	for i := range config.NumIntersects {
		tile := tile_of(isect_keys[i])
		if i == 0 {
			tile_ranges[tile].Start = 0
		} else {
			prev := tile_of(isect_keys[i-1])
			if prev != tile {
				tile_ranges[prev].End = i
				tile_ranges[tile].Start = i
			}
		}
		if i == config.NumIntersects-1 {
			tile_ranges[tile].End = config.NumIntersects
		}
	}
}
