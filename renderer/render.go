// Copyright 2024 the Brush Authors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package renderer

import (
	"fmt"

	"github.com/simonbethke/brush/jmath"
	"github.com/simonbethke/brush/mem"
	"honnef.co/go/safeish"
)

type FullShaders struct {
	ProjectForward    ShaderID
	ScanBlocks        ShaderID
	ScanFixup         ShaderID
	MapIntersects     ShaderID
	SortCount         ShaderID
	SortScatter       ShaderID
	TileBinEdges      ShaderID
	Rasterize         ShaderID
	RasterizeBackward ShaderID
	ProjectBackward   ShaderID
}

// SplatBuffers holds the raw input tensors, each a little-endian f32
// buffer. Means, LogScales are [N,3], Quats is [N,4] in (w,x,y,z)
// order, ColorsOp is [N,4] holding linear RGB plus raw (pre-sigmoid)
// opacity. The caller keeps them alive across the forward/backward
// pair; the recordings re-upload them as needed and never retain the
// input buffers on the device.
type SplatBuffers struct {
	Means     []byte
	LogScales []byte
	Quats     []byte
	ColorsOp  []byte
}

// ForwardState carries the buffers a forward render leaves on the
// device, which the paired backward recording consumes and frees.
type ForwardState struct {
	Config *RenderConfig

	projected   BufferProxy
	tileOffsets BufferProxy
	scanTotal   BufferProxy

	NumIntersects uint32
	resolved      bool

	configBuf2 BufferProxy
	sortedIDs  BufferProxy
	tileRanges BufferProxy
	OutImg     BufferProxy
	FinalIndex BufferProxy
}

// ScanTotal is the single-element buffer whose download carries the
// total intersection count.
func (fs *ForwardState) ScanTotal() BufferProxy {
	return fs.scanTotal
}

// GradientBuffers holds the downloaded outputs of a backward
// recording. VSplats interleaves per-splat screen-space gradients
// (v_xy, v_conic, v_color, v_opacity); the rest match input shapes.
type GradientBuffers struct {
	VSplats BufferProxy
	VMeans  BufferProxy
	VScales BufferProxy
	VQuats  BufferProxy
}

// RecordProjection records stage 1 and 2 of the forward pass:
// projecting every splat to screen space and prefix-summing the
// per-splat tile hit counts. It ends with a download of the scan
// total, the single value the host has to wait for.
func RecordProjection(
	arena *mem.Arena,
	recording *Recording,
	shaders *FullShaders,
	config *RenderConfig,
	splats SplatBuffers,
) *ForwardState {
	bufferSizes := &config.bufferSizes
	wgCounts := &config.workgroupCounts

	configBuf := recording.UploadUniform(arena, "config", safeish.AsBytes(&config.gpu))
	meansBuf := recording.Upload(arena, "means", splats.Means)
	logScalesBuf := recording.Upload(arena, "log_scales", splats.LogScales)
	quatsBuf := recording.Upload(arena, "quats", splats.Quats)

	projectedBuf := NewBufferProxy(bufferSizes.Projected.sizeInBytes(), "projectedBuf")
	tileOffsetsBuf := NewBufferProxy(bufferSizes.TileCounts.sizeInBytes(), "tileOffsetsBuf")
	recording.Dispatch(
		arena,
		shaders.ProjectForward,
		wgCounts.Project,
		mem.MakeSlice(arena, []BufferProxy{configBuf, meansBuf, logScalesBuf, quatsBuf, projectedBuf, tileOffsetsBuf}),
	)

	// Exclusive scan of the hit counts, in place. The top of the
	// totals chain is a single element holding the grand total.
	scanTotalBuf := recordScan(arena, recording, shaders, tileOffsetsBuf, config.numSplats, "tileOffsets")
	recording.Download(arena, scanTotalBuf)

	// The raw inputs only feed the projection; the backward pass
	// re-uploads them from the caller's checkpoint.
	recording.FreeBuffer(arena, configBuf)
	recording.FreeBuffer(arena, meansBuf)
	recording.FreeBuffer(arena, logScalesBuf)
	recording.FreeBuffer(arena, quatsBuf)
	recording.FreeBuffer(arena, scanTotalBuf)

	return &ForwardState{
		Config:      config,
		projected:   projectedBuf,
		tileOffsets: tileOffsetsBuf,
		scanTotal:   scanTotalBuf,
	}
}

// recordScan records a hierarchical exclusive prefix sum over the
// first n uint32s of buf, in place. Each level scans blocks of 256
// elements and writes per-block sums to a totals buffer, which is
// scanned recursively; a fixup pass then adds the scanned totals back
// into the blocks. The returned single-element buffer holds the sum
// of all n elements; the caller owns it.
func recordScan(
	arena *mem.Arena,
	recording *Recording,
	shaders *FullShaders,
	buf BufferProxy,
	n uint32,
	name string,
) BufferProxy {
	numBlocks := max(jmath.DivRoundUp32(n, wgSize), 1)
	params := ScanParams{NumElements: n}
	paramsBuf := recording.UploadUniform(arena, "scan_params", mem.MakeSlice(arena, safeish.AsBytes(&params)))
	totalsBuf := NewBufferProxy(uint64(numBlocks)*4, name+"Totals")
	recording.Dispatch(
		arena,
		shaders.ScanBlocks,
		[3]uint32{numBlocks, 1, 1},
		mem.MakeSlice(arena, []BufferProxy{paramsBuf, buf, totalsBuf}),
	)
	if numBlocks == 1 {
		recording.FreeBuffer(arena, paramsBuf)
		return totalsBuf
	}
	top := recordScan(arena, recording, shaders, totalsBuf, numBlocks, name)
	recording.Dispatch(
		arena,
		shaders.ScanFixup,
		[3]uint32{numBlocks, 1, 1},
		mem.MakeSlice(arena, []BufferProxy{paramsBuf, buf, totalsBuf}),
	)
	recording.FreeBuffer(arena, paramsBuf)
	recording.FreeBuffer(arena, totalsBuf)
	return top
}

// ResolveNumIntersections consumes the downloaded scan total. It must
// be called between running the projection recording and recording
// the binning stage.
func (fs *ForwardState) ResolveNumIntersections(data []byte) error {
	if len(data) != 4 {
		return fmt.Errorf("scan total readback has %d bytes, expected 4", len(data))
	}
	fs.NumIntersects = safeish.SliceCast[[]uint32](data)[0]
	fs.resolved = true
	return nil
}

// RecordBinningAndRaster records stages 3 through 6: intersection
// record emission, radix sort, tile range extraction and the
// rasterizer itself. It requires the intersection count resolved by
// ResolveNumIntersections, which sizes the record buffers.
func RecordBinningAndRaster(
	arena *mem.Arena,
	recording *Recording,
	shaders *FullShaders,
	fs *ForwardState,
	splats SplatBuffers,
) {
	if !fs.resolved {
		panic("intersection count not resolved")
	}
	config := fs.Config
	bufferSizes := &config.bufferSizes
	wgCounts := &config.workgroupCounts

	gpu := config.gpu
	gpu.NumIntersects = fs.NumIntersects
	configBuf := recording.UploadUniform(arena, "config", mem.MakeSlice(arena, safeish.AsBytes(&gpu)))
	fs.configBuf2 = configBuf

	numIntersects := fs.NumIntersects
	recordSize := uint64(max(numIntersects, 1)) * 4
	keysBuf := NewBufferProxy(recordSize, "isectKeysBuf")
	idsBuf := NewBufferProxy(recordSize, "isectIDsBuf")

	if numIntersects > 0 {
		recording.Dispatch(
			arena,
			shaders.MapIntersects,
			wgCounts.Project,
			mem.MakeSlice(arena, []BufferProxy{configBuf, fs.projected, fs.tileOffsets, keysBuf, idsBuf}),
		)
	}
	recording.FreeBuffer(arena, fs.tileOffsets)

	keysBuf, idsBuf = recordSort(arena, recording, shaders, keysBuf, idsBuf, numIntersects)

	tileRangesBuf := NewBufferProxy(bufferSizes.TileRanges.sizeInBytes(), "tileRangesBuf")
	recording.ClearAll(arena, tileRangesBuf)
	if numIntersects > 0 {
		binWgs := jmath.DivRoundUp32(numIntersects, wgSize)
		recording.Dispatch(
			arena,
			shaders.TileBinEdges,
			[3]uint32{binWgs, 1, 1},
			mem.MakeSlice(arena, []BufferProxy{configBuf, keysBuf, tileRangesBuf}),
		)
	}
	recording.FreeBuffer(arena, keysBuf)

	colorsOpBuf := recording.Upload(arena, "colors_op", splats.ColorsOp)
	outImgBuf := NewBufferProxy(bufferSizes.OutImg.sizeInBytes(), "outImgBuf")
	finalIndexBuf := NewBufferProxy(bufferSizes.FinalIndex.sizeInBytes(), "finalIndexBuf")
	recording.Dispatch(
		arena,
		shaders.Rasterize,
		wgCounts.Raster,
		mem.MakeSlice(arena, []BufferProxy{
			configBuf,
			tileRangesBuf,
			idsBuf,
			fs.projected,
			colorsOpBuf,
			outImgBuf,
			finalIndexBuf,
		}),
	)
	recording.Download(arena, outImgBuf)
	recording.FreeBuffer(arena, colorsOpBuf)

	fs.sortedIDs = idsBuf
	fs.tileRanges = tileRangesBuf
	fs.OutImg = outImgBuf
	fs.FinalIndex = finalIndexBuf
}

// recordSort records a stable LSD radix sort of the intersection
// records over the full 32-bit key, least significant digit first.
// Returns the buffers holding the sorted keys and values; the other
// pair is freed.
func recordSort(
	arena *mem.Arena,
	recording *Recording,
	shaders *FullShaders,
	keysBuf, idsBuf BufferProxy,
	numIntersects uint32,
) (sortedKeys, sortedIDs BufferProxy) {
	if numIntersects == 0 {
		return keysBuf, idsBuf
	}
	numBlocks := jmath.DivRoundUp32(numIntersects, wgSize)
	recordSize := uint64(max(numIntersects, 1)) * 4
	altKeysBuf := NewBufferProxy(recordSize, "altKeysBuf")
	altIDsBuf := NewBufferProxy(recordSize, "altIDsBuf")
	// Digit-major histogram layout, so that scanning the flat buffer
	// yields scatter offsets that preserve block order per digit.
	histBuf := NewBufferProxy(uint64(numBlocks)*256*4, "sortHistBuf")

	src := [2]BufferProxy{keysBuf, idsBuf}
	dst := [2]BufferProxy{altKeysBuf, altIDsBuf}
	for pass := range uint32(4) {
		params := SortParams{
			NumElements: numIntersects,
			Shift:       pass * 8,
			NumBlocks:   numBlocks,
		}
		paramsBuf := recording.UploadUniform(arena, "sort_params", mem.MakeSlice(arena, safeish.AsBytes(&params)))
		recording.ClearAll(arena, histBuf)
		recording.Dispatch(
			arena,
			shaders.SortCount,
			[3]uint32{numBlocks, 1, 1},
			mem.MakeSlice(arena, []BufferProxy{paramsBuf, src[0], histBuf}),
		)
		histTotal := recordScan(arena, recording, shaders, histBuf, numBlocks*256, "sortHist")
		recording.FreeBuffer(arena, histTotal)
		recording.Dispatch(
			arena,
			shaders.SortScatter,
			[3]uint32{numBlocks, 1, 1},
			mem.MakeSlice(arena, []BufferProxy{paramsBuf, src[0], src[1], histBuf, dst[0], dst[1]}),
		)
		recording.FreeBuffer(arena, paramsBuf)
		src, dst = dst, src
	}
	recording.FreeBuffer(arena, histBuf)
	// Four passes land the sorted data back in the original pair.
	recording.FreeBuffer(arena, dst[0])
	recording.FreeBuffer(arena, dst[1])
	return src[0], src[1]
}

// RecordBackward records the backward pass: the reverse rasterizer
// walk accumulating screen-space gradients, then the projection
// backward kernel mapping them to the input parameters. splats must
// hold the same data as the forward call, retrieved from the caller's
// checkpoint. The recording ends by freeing every buffer the forward
// pass left behind.
func RecordBackward(
	arena *mem.Arena,
	recording *Recording,
	shaders *FullShaders,
	fs *ForwardState,
	splats SplatBuffers,
	vOut []byte,
) *GradientBuffers {
	config := fs.Config
	bufferSizes := &config.bufferSizes
	wgCounts := &config.workgroupCounts

	colorsOpBuf := recording.Upload(arena, "colors_op", splats.ColorsOp)
	vOutBuf := recording.Upload(arena, "v_out", vOut)
	vSplatsBuf := NewBufferProxy(bufferSizes.VSplats.sizeInBytes(), "vSplatsBuf")
	recording.ClearAll(arena, vSplatsBuf)

	recording.Dispatch(
		arena,
		shaders.RasterizeBackward,
		wgCounts.Raster,
		mem.MakeSlice(arena, []BufferProxy{
			fs.configBuf2,
			fs.tileRanges,
			fs.sortedIDs,
			fs.projected,
			colorsOpBuf,
			fs.OutImg,
			fs.FinalIndex,
			vOutBuf,
			vSplatsBuf,
		}),
	)

	meansBuf := recording.Upload(arena, "means", splats.Means)
	logScalesBuf := recording.Upload(arena, "log_scales", splats.LogScales)
	quatsBuf := recording.Upload(arena, "quats", splats.Quats)
	vMeansBuf := NewBufferProxy(bufferSizes.VMeans.sizeInBytes(), "vMeansBuf")
	vScalesBuf := NewBufferProxy(bufferSizes.VScales.sizeInBytes(), "vScalesBuf")
	vQuatsBuf := NewBufferProxy(bufferSizes.VQuats.sizeInBytes(), "vQuatsBuf")
	recording.Dispatch(
		arena,
		shaders.ProjectBackward,
		wgCounts.Project,
		mem.MakeSlice(arena, []BufferProxy{
			fs.configBuf2,
			meansBuf,
			logScalesBuf,
			quatsBuf,
			fs.projected,
			vSplatsBuf,
			vMeansBuf,
			vScalesBuf,
			vQuatsBuf,
		}),
	)

	recording.Download(arena, vSplatsBuf)
	recording.Download(arena, vMeansBuf)
	recording.Download(arena, vScalesBuf)
	recording.Download(arena, vQuatsBuf)

	for _, buf := range []BufferProxy{
		fs.configBuf2, fs.projected,
		fs.sortedIDs, fs.tileRanges, fs.OutImg, fs.FinalIndex,
		meansBuf, logScalesBuf, quatsBuf, colorsOpBuf,
		vOutBuf, vSplatsBuf, vMeansBuf, vScalesBuf, vQuatsBuf,
	} {
		recording.FreeBuffer(arena, buf)
	}

	return &GradientBuffers{
		VSplats: vSplatsBuf,
		VMeans:  vMeansBuf,
		VScales: vScalesBuf,
		VQuats:  vQuatsBuf,
	}
}

// Release frees the buffers of a forward pass that will not be
// followed by a backward pass.
func (fs *ForwardState) Release(arena *mem.Arena, recording *Recording) {
	recording.FreeBuffer(arena, fs.projected)
	if fs.resolved {
		for _, buf := range []BufferProxy{
			fs.configBuf2, fs.sortedIDs, fs.tileRanges, fs.OutImg, fs.FinalIndex,
		} {
			recording.FreeBuffer(arena, buf)
		}
	} else {
		recording.FreeBuffer(arena, fs.tileOffsets)
	}
}
