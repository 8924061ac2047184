// Copyright 2024 the Brush Authors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package brush

import (
	"math"
	"testing"

	"github.com/simonbethke/brush/engine/wgpu_engine"
	"github.com/simonbethke/brush/jmath"
	"github.com/simonbethke/brush/mem"
	"github.com/simonbethke/brush/renderer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCPURenderer() *Renderer {
	eng := wgpu_engine.New(nil, &wgpu_engine.RendererOptions{UseCPU: true})
	return NewRenderer(eng, nil)
}

// testParams is a 16x16 target, one tile, with the camera at the
// origin looking down +z.
func testParams() *RenderParams {
	return &RenderParams{
		Camera: renderer.Camera{
			View:           jmath.Identity4,
			Focal:          [2]float32{12, 12},
			PrincipalPoint: [2]float32{8, 8},
		},
		Width:  16,
		Height: 16,
	}
}

func makeSplats(means [][3]float32, logScales [][3]float32, quats [][4]float32, colors [][3]float32, rawOps []float32) *Splats {
	n := len(means)
	s := &Splats{
		Means:        Tensor{Data: make([]float32, 0, n*3), Shape: []int{n, 3}},
		LogScales:    Tensor{Data: make([]float32, 0, n*3), Shape: []int{n, 3}},
		Quats:        Tensor{Data: make([]float32, 0, n*4), Shape: []int{n, 4}},
		Colors:       Tensor{Data: make([]float32, 0, n*3), Shape: []int{n, 3}},
		RawOpacities: Tensor{Data: append([]float32(nil), rawOps...), Shape: []int{n}},
	}
	for i := range n {
		s.Means.Data = append(s.Means.Data, means[i][:]...)
		s.LogScales.Data = append(s.LogScales.Data, logScales[i][:]...)
		s.Quats.Data = append(s.Quats.Data, quats[i][:]...)
		s.Colors.Data = append(s.Colors.Data, colors[i][:]...)
	}
	return s
}

func cloneSplats(s *Splats) *Splats {
	clone := func(t Tensor) Tensor {
		return Tensor{
			Data:  append([]float32(nil), t.Data...),
			Shape: append([]int(nil), t.Shape...),
		}
	}
	return &Splats{
		Means:        clone(s.Means),
		LogScales:    clone(s.LogScales),
		Quats:        clone(s.Quats),
		Colors:       clone(s.Colors),
		RawOpacities: clone(s.RawOpacities),
	}
}

func pixel(img Tensor, x, y int) [4]float32 {
	w := img.Shape[1]
	base := (y*w + x) * 4
	return [4]float32(img.Data[base : base+4])
}

// TestRenderEmptyScene renders zero splats and expects the plain
// background with zero coverage, plus empty gradients on backward.
func TestRenderEmptyScene(t *testing.T) {
	r := newCPURenderer()
	arena := mem.NewArena()
	tape := NewTape()

	splats := makeSplats(nil, nil, nil, nil, nil)
	img, aux, err := r.Render(arena, testParams(), splats, tape)
	require.NoError(t, err)
	require.Equal(t, []int{16, 16, 4}, img.Shape)
	for _, v := range img.Data {
		require.Equal(t, float32(0), v)
	}

	vOut := Tensor{Data: make([]float32, 16*16*4), Shape: []int{16, 16, 4}}
	require.NoError(t, r.Backward(arena, aux, vOut, tape, tape))
	grad, ok := tape.Gradient(InputMeans)
	require.True(t, ok)
	assert.Equal(t, []int{0, 3}, grad.Shape)
	assert.Empty(t, grad.Data)
}

// TestRenderSingleSplat renders one green splat in front of the
// camera and checks the blob shows up where projection puts it.
func TestRenderSingleSplat(t *testing.T) {
	r := newCPURenderer()
	arena := mem.NewArena()
	tape := NewTape()

	splats := makeSplats(
		[][3]float32{{0, 0, 5}},
		[][3]float32{{-0.7, -0.7, -0.7}},
		[][4]float32{{1, 0, 0, 0}},
		[][3]float32{{0, 1, 0}},
		[]float32{3},
	)
	img, aux, err := r.Render(arena, testParams(), splats, tape)
	require.NoError(t, err)
	require.NotNil(t, aux.Forward)
	assert.Greater(t, aux.NumIntersects, uint32(0))

	// The mean projects onto the principal point, pixel (8,8).
	center := pixel(img, 8, 8)
	assert.Greater(t, center[1], float32(0.5), "green at the center")
	assert.Greater(t, center[3], float32(0.5), "coverage at the center")
	assert.InDelta(t, 0, center[0], 1e-5)
	assert.InDelta(t, 0, center[2], 1e-5)

	// The corner is far outside the 3 sigma radius.
	assert.Equal(t, [4]float32{}, pixel(img, 0, 0))

	r.Release(arena, aux)
}

// TestRenderDepthOrder overlaps a red and a blue splat and verifies
// the composite follows view-space depth, not submission order.
func TestRenderDepthOrder(t *testing.T) {
	r := newCPURenderer()

	render := func(zRed, zBlue float32) [4]float32 {
		arena := mem.NewArena()
		tape := NewTape()
		splats := makeSplats(
			[][3]float32{{0, 0, zRed}, {0, 0, zBlue}},
			[][3]float32{{-0.7, -0.7, -0.7}, {-0.7, -0.7, -0.7}},
			[][4]float32{{1, 0, 0, 0}, {1, 0, 0, 0}},
			[][3]float32{{1, 0, 0}, {0, 0, 1}},
			[]float32{3, 3},
		)
		img, aux, err := r.Render(arena, testParams(), splats, tape)
		require.NoError(t, err)
		r.Release(arena, aux)
		return pixel(img, 8, 8)
	}

	redInFront := render(5, 6)
	assert.Greater(t, redInFront[0], redInFront[2], "red wins when closer")

	blueInFront := render(6, 5)
	assert.Greater(t, blueInFront[2], blueInFront[0], "blue wins when closer")
}

// gradScene is a three-splat scene with distinct depths, anisotropic
// scales and rotated, moderately opaque splats, so every parameter
// has a nonzero, unclamped gradient path. The splats are wide enough
// that no pixel of the 16x16 target sits near the 1/255 alpha cutoff
// or the transmittance early-out, keeping the loss smooth for the
// finite-difference comparison.
func gradScene() *Splats {
	return makeSplats(
		[][3]float32{{0.5, 0.3, 5}, {-0.4, 0.2, 5.5}, {0.1, -0.4, 6}},
		[][3]float32{{0.8, 0.9, 0.7}, {0.9, 0.7, 0.8}, {0.85, 0.8, 0.9}},
		[][4]float32{{0.9, 0.2, -0.1, 0.3}, {0.8, -0.3, 0.2, 0.1}, {1, 0.1, 0.1, -0.2}},
		[][3]float32{{0.8, 0.2, 0.1}, {0.1, 0.7, 0.3}, {0.2, 0.3, 0.9}},
		[]float32{0.5, 0, -0.5},
	)
}

// renderLoss renders and returns the sum over every image component,
// accumulated in float64.
func renderLoss(t *testing.T, r *Renderer, splats *Splats) float64 {
	arena := mem.NewArena()
	tape := NewTape()
	img, aux, err := r.Render(arena, testParams(), splats, tape)
	require.NoError(t, err)
	r.Release(arena, aux)
	var sum float64
	for _, v := range img.Data {
		sum += float64(v)
	}
	return sum
}

// TestGradientsMatchFiniteDifferences checks every analytic gradient
// against a central finite difference of the summed image.
func TestGradientsMatchFiniteDifferences(t *testing.T) {
	r := newCPURenderer()
	splats := gradScene()

	arena := mem.NewArena()
	tape := NewTape()
	_, aux, err := r.Render(arena, testParams(), splats, tape)
	require.NoError(t, err)
	vOut := Tensor{Data: make([]float32, 16*16*4), Shape: []int{16, 16, 4}}
	for i := range vOut.Data {
		vOut.Data[i] = 1
	}
	require.NoError(t, r.Backward(arena, aux, vOut, tape, tape))

	const eps = 1e-2
	check := func(id InputID, data func(*Splats) []float32) {
		grad, ok := tape.Gradient(id)
		require.True(t, ok, "gradient for %s", id)
		require.Len(t, grad.Data, len(data(splats)), "gradient size for %s", id)
		for i := range grad.Data {
			plus := cloneSplats(splats)
			data(plus)[i] += eps
			minus := cloneSplats(splats)
			data(minus)[i] -= eps
			fd := (renderLoss(t, r, plus) - renderLoss(t, r, minus)) / (2 * eps)
			tol := math.Max(0.05, 0.05*math.Abs(fd))
			assert.InDelta(t, fd, float64(grad.Data[i]), tol, "%s[%d]", id, i)
		}
	}
	check(InputMeans, func(s *Splats) []float32 { return s.Means.Data })
	check(InputLogScales, func(s *Splats) []float32 { return s.LogScales.Data })
	check(InputQuats, func(s *Splats) []float32 { return s.Quats.Data })
	check(InputColors, func(s *Splats) []float32 { return s.Colors.Data })
	check(InputOpacities, func(s *Splats) []float32 { return s.RawOpacities.Data })
}

// TestCulledSplatGradients places one splat behind the camera and
// expects exactly zero gradients for it, nonzero for the visible one.
func TestCulledSplatGradients(t *testing.T) {
	r := newCPURenderer()
	arena := mem.NewArena()
	tape := NewTape()

	splats := makeSplats(
		[][3]float32{{0, 0, -5}, {0, 0, 5}},
		[][3]float32{{-0.7, -0.7, -0.7}, {-0.7, -0.7, -0.7}},
		[][4]float32{{1, 0, 0, 0}, {1, 0, 0, 0}},
		[][3]float32{{1, 0, 0}, {0, 1, 0}},
		[]float32{3, 3},
	)
	_, aux, err := r.Render(arena, testParams(), splats, tape)
	require.NoError(t, err)
	vOut := Tensor{Data: make([]float32, 16*16*4), Shape: []int{16, 16, 4}}
	for i := range vOut.Data {
		vOut.Data[i] = 1
	}
	require.NoError(t, r.Backward(arena, aux, vOut, tape, tape))

	for _, id := range []InputID{InputMeans, InputLogScales, InputQuats, InputColors, InputOpacities} {
		grad, ok := tape.Gradient(id)
		require.True(t, ok)
		stride := len(grad.Data) / 2
		for i := range stride {
			assert.Equal(t, float32(0), grad.Data[i], "%s[%d] of the culled splat", id, i)
		}
	}
	colors, _ := tape.Gradient(InputColors)
	assert.Greater(t, colors.Data[4], float32(0), "green gradient of the visible splat")
}

// TestBackwardTrackedSubset verifies gradients land only on tracked
// inputs.
func TestBackwardTrackedSubset(t *testing.T) {
	r := newCPURenderer()
	arena := mem.NewArena()
	tape := NewTape(InputColors)

	_, aux, err := r.Render(arena, testParams(), gradScene(), tape)
	require.NoError(t, err)
	vOut := Tensor{Data: make([]float32, 16*16*4), Shape: []int{16, 16, 4}}
	require.NoError(t, r.Backward(arena, aux, vOut, tape, tape))

	_, ok := tape.Gradient(InputColors)
	assert.True(t, ok)
	_, ok = tape.Gradient(InputMeans)
	assert.False(t, ok)
}

// occlusionScene is a stack of twelve wide, near-opaque green splats
// followed by four blue splats behind the stack; n selects how many
// of the sixteen to keep. The per-splat alpha near the center rides
// the 0.999 ceiling and stays high out to the image corners, so
// transmittance drops below the compositing cutoff well before the
// blue splats at every pixel.
func occlusionScene(n int) *Splats {
	var (
		means  [][3]float32
		colors [][3]float32
	)
	for i := range 12 {
		means = append(means, [3]float32{0, 0, 5 + 0.05*float32(i)})
		colors = append(colors, [3]float32{0, 1, 0})
	}
	for _, z := range []float32{7, 7.5, 8, 8.5} {
		means = append(means, [3]float32{0, 0, z})
		colors = append(colors, [3]float32{0, 0, 1})
	}
	var (
		logScales [][3]float32
		quats     [][4]float32
		rawOps    []float32
	)
	for range 16 {
		logScales = append(logScales, [3]float32{2, 2, 2})
		quats = append(quats, [4]float32{1, 0, 0, 0})
		rawOps = append(rawOps, 12)
	}
	return makeSplats(means[:n], logScales[:n], quats[:n], colors[:n], rawOps[:n])
}

// TestOccludedSplatsContributeNothing renders the opaque stack alone
// and with the occluded splats appended. The image must stay
// bit-identical and the occluded splats must receive exactly zero
// gradients in every input.
func TestOccludedSplatsContributeNothing(t *testing.T) {
	r := newCPURenderer()

	arenaBase := mem.NewArena()
	base, auxBase, err := r.Render(arenaBase, testParams(), occlusionScene(12), NewTape())
	require.NoError(t, err)
	r.Release(arenaBase, auxBase)

	// Saturation reached: the first splat alone is clamped to alpha
	// 0.999 at the center and the walk stops right after it.
	assert.Greater(t, pixel(base, 8, 8)[3], float32(0.998), "coverage at the center")

	arena := mem.NewArena()
	tape := NewTape()
	img, aux, err := r.Render(arena, testParams(), occlusionScene(16), tape)
	require.NoError(t, err)
	require.Equal(t, base.Data, img.Data, "occluded splats leak into the image")

	vOut := Tensor{Data: make([]float32, 16*16*4), Shape: []int{16, 16, 4}}
	for i := range vOut.Data {
		vOut.Data[i] = 1
	}
	require.NoError(t, r.Backward(arena, aux, vOut, tape, tape))

	for _, id := range []InputID{InputMeans, InputLogScales, InputQuats, InputColors, InputOpacities} {
		grad, ok := tape.Gradient(id)
		require.True(t, ok)
		stride := len(grad.Data) / 16
		for i := 12 * stride; i < 16*stride; i++ {
			assert.Equal(t, float32(0), grad.Data[i], "%s[%d] of an occluded splat", id, i)
		}
	}
	colors, _ := tape.Gradient(InputColors)
	assert.Greater(t, colors.Data[1], float32(0), "green gradient of the front splat")
}

// TestZeroQuaternionRendersAsIdentity feeds an all-zero quaternion,
// which normalizes to the identity rotation instead of NaN, and
// expects the same image as an explicit identity quaternion plus
// finite gradients, with none flowing into the substituted rotation.
func TestZeroQuaternionRendersAsIdentity(t *testing.T) {
	r := newCPURenderer()

	render := func(quat [4]float32) (Tensor, *Aux, *Tape, *mem.Arena) {
		arena := mem.NewArena()
		tape := NewTape()
		splats := makeSplats(
			[][3]float32{{0.3, 0.2, 5}},
			[][3]float32{{0.9, 0.5, 0.7}},
			[][4]float32{quat},
			[][3]float32{{0, 1, 0}},
			[]float32{1},
		)
		img, aux, err := r.Render(arena, testParams(), splats, tape)
		require.NoError(t, err)
		return img, aux, tape, arena
	}

	identity, auxIdent, _, arenaIdent := render([4]float32{1, 0, 0, 0})
	r.Release(arenaIdent, auxIdent)

	zero, aux, tape, arena := render([4]float32{})
	require.Equal(t, identity.Data, zero.Data)

	vOut := Tensor{Data: make([]float32, 16*16*4), Shape: []int{16, 16, 4}}
	for i := range vOut.Data {
		vOut.Data[i] = 1
	}
	require.NoError(t, r.Backward(arena, aux, vOut, tape, tape))

	quats, ok := tape.Gradient(InputQuats)
	require.True(t, ok)
	assert.Equal(t, []float32{0, 0, 0, 0}, quats.Data)

	means, ok := tape.Gradient(InputMeans)
	require.True(t, ok)
	var nonzero bool
	for _, g := range means.Data {
		require.False(t, math.IsNaN(float64(g)))
		nonzero = nonzero || g != 0
	}
	assert.True(t, nonzero, "mean gradient survives the substitution")
}

// TestSplatsValidate rejects mismatched and unsupported shapes.
func TestSplatsValidate(t *testing.T) {
	good := gradScene()
	require.NoError(t, good.Validate())

	sh := cloneSplats(good)
	sh.Colors.Shape = []int{3, 25}
	sh.Colors.Data = make([]float32, 75)
	err := sh.Validate()
	require.ErrorContains(t, err, "only plain RGB")

	short := cloneSplats(good)
	short.Quats.Data = short.Quats.Data[:8]
	require.Error(t, short.Validate())

	mismatch := cloneSplats(good)
	mismatch.RawOpacities.Shape = []int{2}
	mismatch.RawOpacities.Data = mismatch.RawOpacities.Data[:2]
	require.Error(t, mismatch.Validate())
}
