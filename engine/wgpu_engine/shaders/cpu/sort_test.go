// Copyright 2024 the Brush Authors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package cpu

import (
	"math/rand/v2"
	"sort"
	"testing"

	"github.com/simonbethke/brush/renderer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"honnef.co/go/safeish"
)

func sortParams(n, shift, numBlocks uint32) CPUBuffer {
	p := renderer.SortParams{NumElements: n, Shift: shift, NumBlocks: numBlocks}
	return CPUBuffer(append([]byte(nil), safeish.AsBytes(&p)...))
}

// radixSort runs the four count/scan/scatter passes over the buffers,
// like the recorded pipeline does, and returns the sorted slices.
func radixSort(keys, ids CPUBuffer, n uint32) ([]uint32, []uint32) {
	numBlocks := max((n+WG_SIZE-1)/WG_SIZE, 1)
	altKeys, _ := u32buf(int(n))
	altIDs, _ := u32buf(int(n))
	hist, _ := u32buf(int(numBlocks) * 256)

	src := [2]CPUBuffer{keys, ids}
	dst := [2]CPUBuffer{altKeys, altIDs}
	for pass := range uint32(4) {
		params := sortParams(n, pass*8, numBlocks)
		SortCount([3]uint32{numBlocks, 1, 1}, []CPUBinding{params, src[0], hist})
		scanHierarchical(hist, numBlocks*256)
		SortScatter([3]uint32{numBlocks, 1, 1}, []CPUBinding{params, src[0], src[1], hist, dst[0], dst[1]})
		src, dst = dst, src
	}
	return safeish.SliceCast[[]uint32](src[0]), safeish.SliceCast[[]uint32](src[1])
}

// TestRadixSortStable verifies full-key ordering and that records
// with equal keys keep their input order.
func TestRadixSortStable(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	for _, n := range []uint32{1, 7, 256, 1000, 5000} {
		keysBuf, keys := u32buf(int(n))
		idsBuf, ids := u32buf(int(n))
		// Duplicate-heavy keys with bits in every digit.
		for i := range keys {
			keys[i] = rng.Uint32N(512) | rng.Uint32N(4)<<30
			ids[i] = uint32(i)
		}

		type record struct{ key, id uint32 }
		want := make([]record, n)
		for i := range want {
			want[i] = record{keys[i], ids[i]}
		}
		sort.SliceStable(want, func(i, j int) bool { return want[i].key < want[j].key })

		gotKeys, gotIDs := radixSort(keysBuf, idsBuf, n)
		for i, w := range want {
			require.Equal(t, w.key, gotKeys[i], "key at %d for n=%d", i, n)
			require.Equal(t, w.id, gotIDs[i], "id at %d for n=%d", i, n)
		}
	}
}

// TestTileBinEdges verifies the extracted ranges partition the sorted
// records and that empty tiles keep a zero range.
func TestTileBinEdges(t *testing.T) {
	const depthBits = 28
	tiles := []uint32{1, 1, 1, 3, 3, 7, 15}
	config := renderer.ConfigUniform{
		TileBounds:    [2]uint32{4, 4},
		DepthBits:     depthBits,
		NumIntersects: uint32(len(tiles)),
	}

	keysBuf, keys := u32buf(len(tiles))
	for i, tile := range tiles {
		keys[i] = tile<<depthBits | uint32(i)
	}
	rangesBuf := make(CPUBuffer, 16*8)
	TileBinEdges([3]uint32{1, 1, 1}, []CPUBinding{
		CPUBuffer(safeish.AsBytes(&config)), keysBuf, rangesBuf,
	})

	ranges := safeish.SliceCast[[]renderer.TileRange](rangesBuf)
	assert.Equal(t, renderer.TileRange{Start: 0, End: 3}, ranges[1])
	assert.Equal(t, renderer.TileRange{Start: 3, End: 5}, ranges[3])
	assert.Equal(t, renderer.TileRange{Start: 5, End: 6}, ranges[7])
	assert.Equal(t, renderer.TileRange{Start: 6, End: 7}, ranges[15])

	var covered uint32
	for tile, rng := range ranges {
		if rng == (renderer.TileRange{}) {
			continue
		}
		assert.LessOrEqual(t, rng.Start, rng.End, "tile %d", tile)
		covered += rng.End - rng.Start
	}
	assert.Equal(t, uint32(len(tiles)), covered, "ranges must cover every record exactly once")
}
