// Copyright 2024 the Brush Authors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package brush renders scenes of 3D Gaussian splats and computes
// analytic gradients of the rendered image with respect to every
// splat parameter. It is the inner loop of a scene-reconstruction
// optimizer: the training loop calls Render and Backward thousands of
// times, wiring them to its differentiation engine through the
// Checkpointer and GradientSink interfaces.
package brush

import (
	"fmt"

	"github.com/simonbethke/brush/engine/wgpu_engine"
	"github.com/simonbethke/brush/gfx"
	"github.com/simonbethke/brush/mem"
	"github.com/simonbethke/brush/renderer"
	"honnef.co/go/color"
	"honnef.co/go/safeish"
	"honnef.co/go/wgpu"
)

// Per-splat stride, in floats, of the downloaded screen-space
// gradient buffer: v_xy (2), v_conic (3), v_color (3), v_opacity (1).
const gradStride = 9

type RenderParams struct {
	Camera renderer.Camera
	Width  uint32
	Height uint32
	// Background color composited behind the splats. Nil means black.
	Background *color.Color
	// Minimum view-space depth. Zero selects the default.
	ClipThresh float32
}

// Aux is the auxiliary render record of one forward call. It carries
// the device buffers and checkpoint handles the paired Backward call
// replays stages 6 through 8 from, without recomputing projection,
// sorting or binning.
type Aux struct {
	NumIntersects uint32
	NumSplats     int
	Width, Height uint32
	Handles       [numInputs]Handle

	// Forward holds the persisted device buffers. Nil when no splats
	// were rendered.
	Forward *renderer.ForwardState
}

// Renderer runs the splat pipeline on an engine. It is not safe for
// concurrent use; concurrent renders need one Renderer each.
type Renderer struct {
	eng     *wgpu_engine.Engine
	queue   *wgpu.Queue
	shaders *renderer.FullShaders
}

// NewRenderer creates a renderer on eng. queue may be nil for a CPU
// engine.
func NewRenderer(eng *wgpu_engine.Engine, queue *wgpu.Queue) *Renderer {
	return &Renderer{
		eng:     eng,
		queue:   queue,
		shaders: eng.FullShaders(),
	}
}

// Render renders the splats and returns the composited image as a
// [H,W,4] tensor holding premultiplied linear RGB plus coverage
// alpha. The five input tensors are checkpointed with cp before any
// work is dispatched; Backward retrieves them through the returned
// Aux. The render blocks once, on the intersection-count readback.
func (r *Renderer) Render(
	arena *mem.Arena,
	params *RenderParams,
	splats *Splats,
	cp Checkpointer,
) (Tensor, *Aux, error) {
	if params.Width == 0 || params.Height == 0 {
		return Tensor{}, nil, fmt.Errorf("invalid resolution %dx%d", params.Width, params.Height)
	}
	if err := splats.Validate(); err != nil {
		return Tensor{}, nil, err
	}

	aux := &Aux{
		NumSplats: splats.NumSplats(),
		Width:     params.Width,
		Height:    params.Height,
	}
	for id, t := range [numInputs]Tensor{
		InputMeans:     splats.Means,
		InputLogScales: splats.LogScales,
		InputQuats:     splats.Quats,
		InputColors:    splats.Colors,
		InputOpacities: splats.RawOpacities,
	} {
		aux.Handles[id] = cp.Checkpoint(t)
	}

	var bg [3]float32
	if params.Background != nil {
		bg = gfx.Linear32(params.Background)
	}

	if aux.NumSplats == 0 {
		img := make([]float32, int(params.Width)*int(params.Height)*4)
		for i := 0; i < len(img); i += 4 {
			img[i] = bg[0]
			img[i+1] = bg[1]
			img[i+2] = bg[2]
		}
		return Tensor{
			Data:  img,
			Shape: []int{int(params.Height), int(params.Width), 4},
		}, aux, nil
	}

	rparams := mem.Make(arena, renderer.RenderParams{
		Camera:     params.Camera,
		Width:      params.Width,
		Height:     params.Height,
		Background: bg,
		ClipThresh: params.ClipThresh,
	})
	config := renderer.NewRenderConfig(arena, rparams, uint32(aux.NumSplats))
	bufs := r.splatBuffers(arena, splats)

	rec := mem.New[renderer.Recording](arena)
	fs := renderer.RecordProjection(arena, rec, r.shaders, config, bufs)
	r.eng.RunRecording(arena, r.queue, rec, "projection")

	total, err := r.eng.ReadDownload(fs.ScanTotal())
	if err != nil {
		return Tensor{}, nil, fmt.Errorf("reading intersection count: %w", err)
	}
	if err := fs.ResolveNumIntersections(total); err != nil {
		return Tensor{}, nil, err
	}

	rec = mem.New[renderer.Recording](arena)
	renderer.RecordBinningAndRaster(arena, rec, r.shaders, fs, bufs)
	r.eng.RunRecording(arena, r.queue, rec, "raster")

	imgBytes, err := r.eng.ReadDownload(fs.OutImg)
	if err != nil {
		return Tensor{}, nil, fmt.Errorf("reading output image: %w", err)
	}

	aux.NumIntersects = fs.NumIntersects
	aux.Forward = fs
	return Tensor{
		Data:  safeish.SliceCast[[]float32](imgBytes),
		Shape: []int{int(params.Height), int(params.Width), 4},
	}, aux, nil
}

// Backward computes the gradients of the rendered image with respect
// to the forward inputs, given the gradient of the loss with respect
// to the output image ([H,W,4]). It retrieves the checkpointed inputs
// from cp, registers one gradient tensor per tracked input with sink
// and frees the buffers the forward call persisted.
func (r *Renderer) Backward(
	arena *mem.Arena,
	aux *Aux,
	vOut Tensor,
	cp Checkpointer,
	sink GradientSink,
) error {
	wantImg := int(aux.Width) * int(aux.Height) * 4
	if len(vOut.Data) != wantImg {
		return fmt.Errorf("output gradient has %d elements, expected %d", len(vOut.Data), wantImg)
	}

	splats := &Splats{
		Means:        cp.Retrieve(aux.Handles[InputMeans]),
		LogScales:    cp.Retrieve(aux.Handles[InputLogScales]),
		Quats:        cp.Retrieve(aux.Handles[InputQuats]),
		Colors:       cp.Retrieve(aux.Handles[InputColors]),
		RawOpacities: cp.Retrieve(aux.Handles[InputOpacities]),
	}
	if err := splats.Validate(); err != nil {
		return fmt.Errorf("checkpointed inputs: %w", err)
	}
	n := splats.NumSplats()
	if n != aux.NumSplats {
		return fmt.Errorf("checkpointed inputs have %d splats, forward call had %d", n, aux.NumSplats)
	}

	if aux.Forward == nil {
		// Nothing was rendered; every tracked input gets an empty
		// gradient of matching shape.
		register := func(id InputID, shape ...int) {
			if sink.Tracked(id) {
				sink.Register(id, Tensor{Data: []float32{}, Shape: shape})
			}
		}
		register(InputMeans, 0, 3)
		register(InputLogScales, 0, 3)
		register(InputQuats, 0, 4)
		register(InputColors, 0, 3)
		register(InputOpacities, 0)
		return nil
	}

	bufs := r.splatBuffers(arena, splats)
	rec := mem.New[renderer.Recording](arena)
	grads := renderer.RecordBackward(arena, rec, r.shaders, aux.Forward, bufs, safeish.SliceCast[[]byte](vOut.Data))
	r.eng.RunRecording(arena, r.queue, rec, "backward")

	read := func(buf renderer.BufferProxy) ([]float32, error) {
		data, err := r.eng.ReadDownload(buf)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", buf.Name, err)
		}
		return safeish.SliceCast[[]float32](data), nil
	}
	vSplats, err := read(grads.VSplats)
	if err != nil {
		return err
	}
	vMeans, err := read(grads.VMeans)
	if err != nil {
		return err
	}
	vScales, err := read(grads.VScales)
	if err != nil {
		return err
	}
	vQuats, err := read(grads.VQuats)
	if err != nil {
		return err
	}

	if sink.Tracked(InputMeans) {
		sink.Register(InputMeans, Tensor{Data: vMeans, Shape: []int{n, 3}})
	}
	if sink.Tracked(InputLogScales) {
		sink.Register(InputLogScales, Tensor{Data: vScales, Shape: []int{n, 3}})
	}
	if sink.Tracked(InputQuats) {
		sink.Register(InputQuats, Tensor{Data: vQuats, Shape: []int{n, 4}})
	}
	if sink.Tracked(InputColors) {
		vColors := make([]float32, n*3)
		for i := range n {
			base := i * gradStride
			vColors[3*i] = vSplats[base+5]
			vColors[3*i+1] = vSplats[base+6]
			vColors[3*i+2] = vSplats[base+7]
		}
		sink.Register(InputColors, Tensor{Data: vColors, Shape: []int{n, 3}})
	}
	if sink.Tracked(InputOpacities) {
		vOpacities := make([]float32, n)
		for i := range n {
			vOpacities[i] = vSplats[i*gradStride+8]
		}
		sink.Register(InputOpacities, Tensor{Data: vOpacities, Shape: []int{n}})
	}
	return nil
}

// Release frees the device buffers of a forward call that will not be
// followed by Backward.
func (r *Renderer) Release(arena *mem.Arena, aux *Aux) {
	if aux.Forward == nil {
		return
	}
	rec := mem.New[renderer.Recording](arena)
	aux.Forward.Release(arena, rec)
	r.eng.RunRecording(arena, r.queue, rec, "release")
	aux.Forward = nil
}

// splatBuffers interleaves colors and raw opacities into the [N,4]
// layout the rasterizer reads and byte-casts the inputs.
func (r *Renderer) splatBuffers(arena *mem.Arena, splats *Splats) renderer.SplatBuffers {
	n := splats.NumSplats()
	colorsOp := mem.NewSlice[[]float32](arena, n*4, n*4)
	for i := range n {
		colorsOp[4*i] = splats.Colors.Data[3*i]
		colorsOp[4*i+1] = splats.Colors.Data[3*i+1]
		colorsOp[4*i+2] = splats.Colors.Data[3*i+2]
		colorsOp[4*i+3] = splats.RawOpacities.Data[i]
	}
	return renderer.SplatBuffers{
		Means:     safeish.SliceCast[[]byte](splats.Means.Data),
		LogScales: safeish.SliceCast[[]byte](splats.LogScales.Data),
		Quats:     safeish.SliceCast[[]byte](splats.Quats.Data),
		ColorsOp:  safeish.SliceCast[[]byte](colorsOp),
	}
}
