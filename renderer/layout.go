// Copyright 2024 the Brush Authors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package renderer

import (
	"structs"
)

// ConfigUniform contains uniform render configuration data used by all GPU
// stages.
//
// This data structure must be kept in sync with the Config struct the
// WGSL kernels declare.
type ConfigUniform struct {
	_ structs.HostLayout

	// World-to-view transform, row-major.
	View [16]float32
	// Focal lengths in pixels.
	Focal [2]float32
	// Principal point in pixels.
	PrincipalPoint [2]float32
	// Width and height of the target in pixels.
	ImgSize [2]uint32
	// Width and height of the target in tiles.
	TileBounds [2]uint32
	// Background color in linear sRGB.
	Background [3]float32
	// Minimum view-space depth; splats closer than this are culled.
	ClipThresh float32
	// Number of input splats.
	NumSplats uint32
	// Number of low bits of the sort key holding quantized depth. The
	// remaining high bits hold the tile index.
	DepthBits uint32
	// Number of intersection records. Zero until the scan total has
	// been read back.
	NumIntersects uint32
	_             uint32
}

// ProjectedSplat is the screen-space footprint of one splat, written
// by the projection kernel and consumed by every later stage.
type ProjectedSplat struct {
	_ structs.HostLayout

	// Center in pixels.
	X float32
	Y float32
	// Conic (inverse 2D covariance), upper triangle.
	ConicA float32
	ConicB float32
	ConicC float32
	// View-space depth.
	Depth float32
	// Bounding radius in pixels; 0 marks a culled splat.
	Radius uint32
	_      uint32
}

// ScanParams parameterizes one level of the hierarchical prefix sum.
type ScanParams struct {
	_ structs.HostLayout

	NumElements uint32
	_           uint32
	_           uint32
	_           uint32
}

// SortParams parameterizes one pass of the radix sort.
type SortParams struct {
	_ structs.HostLayout

	NumElements uint32
	// Bit shift selecting the 8-bit digit of this pass.
	Shift     uint32
	NumBlocks uint32
	_         uint32
}

// TileRange is the half-open range of sorted intersection records
// that belong to one tile.
type TileRange struct {
	_ structs.HostLayout

	Start uint32
	End   uint32
}
