// Copyright 2024 the Brush Authors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package shaders

import (
	_ "embed"
)

var (
	//go:embed wgsl/project_forward.wgsl
	projectForwardWGSL []byte
	//go:embed wgsl/scan_blocks.wgsl
	scanBlocksWGSL []byte
	//go:embed wgsl/scan_fixup.wgsl
	scanFixupWGSL []byte
	//go:embed wgsl/map_intersects.wgsl
	mapIntersectsWGSL []byte
	//go:embed wgsl/sort_count.wgsl
	sortCountWGSL []byte
	//go:embed wgsl/sort_scatter.wgsl
	sortScatterWGSL []byte
	//go:embed wgsl/tile_bin_edges.wgsl
	tileBinEdgesWGSL []byte
	//go:embed wgsl/rasterize.wgsl
	rasterizeWGSL []byte
	//go:embed wgsl/rasterize_backward.wgsl
	rasterizeBackwardWGSL []byte
	//go:embed wgsl/project_backward.wgsl
	projectBackwardWGSL []byte
)

// Collection lists every kernel with its bind layout, in the binding
// order the pipeline builders in package renderer use.
var Collection = struct {
	ProjectForward    ComputeShader
	ScanBlocks        ComputeShader
	ScanFixup         ComputeShader
	MapIntersects     ComputeShader
	SortCount         ComputeShader
	SortScatter       ComputeShader
	TileBinEdges      ComputeShader
	Rasterize         ComputeShader
	RasterizeBackward ComputeShader
	ProjectBackward   ComputeShader
}{
	ProjectForward: ComputeShader{
		Name:          "project_forward",
		WorkgroupSize: [3]uint32{256, 1, 1},
		Bindings: []BindType{
			Uniform, BufReadOnly, BufReadOnly, BufReadOnly, Buffer, Buffer,
		},
		WGSL: projectForwardWGSL,
	},
	ScanBlocks: ComputeShader{
		Name:          "scan_blocks",
		WorkgroupSize: [3]uint32{256, 1, 1},
		Bindings: []BindType{
			Uniform, Buffer, Buffer,
		},
		WGSL: scanBlocksWGSL,
	},
	ScanFixup: ComputeShader{
		Name:          "scan_fixup",
		WorkgroupSize: [3]uint32{256, 1, 1},
		Bindings: []BindType{
			Uniform, Buffer, BufReadOnly,
		},
		WGSL: scanFixupWGSL,
	},
	MapIntersects: ComputeShader{
		Name:          "map_intersects",
		WorkgroupSize: [3]uint32{256, 1, 1},
		Bindings: []BindType{
			Uniform, BufReadOnly, BufReadOnly, Buffer, Buffer,
		},
		WGSL: mapIntersectsWGSL,
	},
	SortCount: ComputeShader{
		Name:          "sort_count",
		WorkgroupSize: [3]uint32{256, 1, 1},
		Bindings: []BindType{
			Uniform, BufReadOnly, Buffer,
		},
		WGSL: sortCountWGSL,
	},
	SortScatter: ComputeShader{
		Name:          "sort_scatter",
		WorkgroupSize: [3]uint32{256, 1, 1},
		Bindings: []BindType{
			Uniform, BufReadOnly, BufReadOnly, BufReadOnly, Buffer, Buffer,
		},
		WGSL: sortScatterWGSL,
	},
	TileBinEdges: ComputeShader{
		Name:          "tile_bin_edges",
		WorkgroupSize: [3]uint32{256, 1, 1},
		Bindings: []BindType{
			Uniform, BufReadOnly, Buffer,
		},
		WGSL: tileBinEdgesWGSL,
	},
	Rasterize: ComputeShader{
		Name:          "rasterize",
		WorkgroupSize: [3]uint32{16, 16, 1},
		Bindings: []BindType{
			Uniform, BufReadOnly, BufReadOnly, BufReadOnly, BufReadOnly, Buffer, Buffer,
		},
		WGSL: rasterizeWGSL,
	},
	RasterizeBackward: ComputeShader{
		Name:          "rasterize_backward",
		WorkgroupSize: [3]uint32{16, 16, 1},
		Bindings: []BindType{
			Uniform, BufReadOnly, BufReadOnly, BufReadOnly, BufReadOnly, BufReadOnly, BufReadOnly, BufReadOnly, Buffer,
		},
		WGSL: rasterizeBackwardWGSL,
	},
	ProjectBackward: ComputeShader{
		Name:          "project_backward",
		WorkgroupSize: [3]uint32{256, 1, 1},
		Bindings: []BindType{
			Uniform, BufReadOnly, BufReadOnly, BufReadOnly, BufReadOnly, BufReadOnly, Buffer, Buffer, Buffer,
		},
		WGSL: projectBackwardWGSL,
	},
}
