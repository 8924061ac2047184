// Copyright 2024 the Brush Authors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package cpu

import (
	"math/rand/v2"
	"testing"

	"github.com/simonbethke/brush/renderer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"honnef.co/go/safeish"
)

func u32buf(n int) (CPUBuffer, []uint32) {
	b := make([]byte, n*4)
	return CPUBuffer(b), safeish.SliceCast[[]uint32](b)
}

func scanParams(n uint32) CPUBuffer {
	p := renderer.ScanParams{NumElements: n}
	return CPUBuffer(append([]byte(nil), safeish.AsBytes(&p)...))
}

// scanHierarchical runs the scan the way the pipeline records it: one
// block pass per level, recursing on the block totals, then fixing up.
// Returns the grand total.
func scanHierarchical(data CPUBuffer, n uint32) uint32 {
	numBlocks := max((n+WG_SIZE-1)/WG_SIZE, 1)
	totals, totalVals := u32buf(int(numBlocks))
	ScanBlocks([3]uint32{numBlocks, 1, 1}, []CPUBinding{scanParams(n), data, totals})
	if numBlocks == 1 {
		return totalVals[0]
	}
	total := scanHierarchical(totals, numBlocks)
	ScanFixup([3]uint32{numBlocks, 1, 1}, []CPUBinding{scanParams(n), data, totals})
	return total
}

// TestScanExactness verifies the exclusive scan is exact for sizes
// around block boundaries and across multiple levels.
func TestScanExactness(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for _, n := range []uint32{1, 5, 255, 256, 257, 1000, 65536, 65537, 200000} {
		buf, vals := u32buf(int(n))
		want := make([]uint32, n)
		var sum uint32
		for i := range vals {
			vals[i] = rng.Uint32N(8)
			want[i] = sum
			sum += vals[i]
		}

		total := scanHierarchical(buf, n)
		require.Equal(t, sum, total, "grand total for n=%d", n)
		assert.Equal(t, want, vals, "scanned values for n=%d", n)
	}
}
