// Copyright 2024 the Brush Authors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package renderer

import (
	"math/bits"
	"unsafe"

	"github.com/simonbethke/brush/jmath"
	"github.com/simonbethke/brush/mem"
)

type WorkgroupSize [3]uint32

const tileWidth = 16
const tileHeight = 16
const wgSize = 256

// Per-splat stride, in floats, of the screen-space gradient buffer.
// Layout: v_xy (2), v_conic (3), v_color (3), v_opacity (1).
const gradStride = 9

const defaultClipThresh = 0.01

// Camera describes a pinhole camera. The view matrix maps world space
// to view space; the camera looks down +Z.
type Camera struct {
	View           jmath.Mat4
	Focal          [2]float32
	PrincipalPoint [2]float32
}

type RenderParams struct {
	Camera Camera
	Width  uint32
	Height uint32
	// Background color in linear sRGB, composited behind the splats.
	Background [3]float32
	// Minimum view-space depth. Zero selects the default of 0.01.
	ClipThresh float32
}

type RenderConfig struct {
	gpu             ConfigUniform
	workgroupCounts WorkgroupCounts
	bufferSizes     BufferSizes
	numSplats       uint32
}

func NewRenderConfig(arena *mem.Arena, params *RenderParams, numSplats uint32) *RenderConfig {
	tilesX := jmath.DivRoundUp32(params.Width, tileWidth)
	tilesY := jmath.DivRoundUp32(params.Height, tileHeight)
	numTiles := tilesX * tilesY
	// High bits of the sort key index the tile, the rest hold
	// quantized depth.
	tileBits := uint32(bits.Len32(numTiles - 1))
	depthBits := 32 - tileBits
	clipThresh := params.ClipThresh
	if clipThresh == 0 {
		clipThresh = defaultClipThresh
	}
	out := mem.New[RenderConfig](arena)
	*out = RenderConfig{
		gpu: ConfigUniform{
			View:           params.Camera.View.Cells,
			Focal:          params.Camera.Focal,
			PrincipalPoint: params.Camera.PrincipalPoint,
			ImgSize:        [2]uint32{params.Width, params.Height},
			TileBounds:     [2]uint32{tilesX, tilesY},
			Background:     params.Background,
			ClipThresh:     clipThresh,
			NumSplats:      numSplats,
			DepthBits:      depthBits,
		},
		workgroupCounts: NewWorkgroupCounts(numSplats, tilesX, tilesY),
		bufferSizes:     NewBufferSizes(numSplats, numTiles, params.Width, params.Height),
		numSplats:       numSplats,
	}
	return out
}

func NewBufferSizes(numSplats, numTiles, width, height uint32) BufferSizes {
	numPixels := width * height
	return BufferSizes{
		Projected:  NewBufferSize[ProjectedSplat](numSplats),
		TileCounts: NewBufferSize[uint32](numSplats),
		ColorsOp:   NewBufferSize[[4]float32](numSplats),
		TileRanges: NewBufferSize[TileRange](numTiles),
		OutImg:     NewBufferSize[[4]float32](numPixels),
		FinalIndex: NewBufferSize[uint32](numPixels),
		VSplats:    NewBufferSize[float32](numSplats * gradStride),
		VMeans:     NewBufferSize[[3]float32](numSplats),
		VScales:    NewBufferSize[[3]float32](numSplats),
		VQuats:     NewBufferSize[[4]float32](numSplats),
	}
}

func NewWorkgroupCounts(numSplats, tilesX, tilesY uint32) WorkgroupCounts {
	splatWgs := max(jmath.DivRoundUp32(numSplats, wgSize), 1)
	return WorkgroupCounts{
		Project: WorkgroupSize{splatWgs, 1, 1},
		Raster:  WorkgroupSize{tilesX, tilesY, 1},
	}
}

type BufferSizes struct {
	Projected  BufferSize[ProjectedSplat]
	TileCounts BufferSize[uint32]
	ColorsOp   BufferSize[[4]float32]
	TileRanges BufferSize[TileRange]
	OutImg     BufferSize[[4]float32]
	FinalIndex BufferSize[uint32]
	VSplats    BufferSize[float32]
	VMeans     BufferSize[[3]float32]
	VScales    BufferSize[[3]float32]
	VQuats     BufferSize[[4]float32]
}

type WorkgroupCounts struct {
	Project WorkgroupSize
	Raster  WorkgroupSize
}

type BufferSize[T any] uint32

func NewBufferSize[T any](x uint32) BufferSize[T] {
	return BufferSize[T](max(x, 1))
}

func (s BufferSize[T]) sizeInBytes() uint64 {
	return uint64(s) * uint64(unsafe.Sizeof(*new(T)))
}
