// Copyright 2023 the Vello Authors
// Copyright 2024 the Brush Authors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package cpu provides CPU implementations of the compute shaders.
//
// These shaders intentionally replicate the WGSL kernels instead of
// using more CPU-friendly alternatives. They're a debug and test
// tool, not a viable fallback.
package cpu

import (
	"fmt"
	"unsafe"

	"github.com/simonbethke/brush/jmath"
	"honnef.co/go/safeish"
)

const WG_SIZE = 256

const TILE_WIDTH = 16
const TILE_HEIGHT = 16

// Per-splat stride of the screen-space gradient buffer, in floats:
// v_xy (2), v_conic (3), v_color (3), v_opacity (1).
const GRAD_STRIDE = 9

type CPUBinding interface {
	// Always CPUBuffer, for now. The interface survives so kernels
	// keep the explicit cast the GPU bind layout implies.
}

type CPUBuffer []byte

func fromBytes[E any, T *E](b []byte) T {
	if uintptr(len(b)) < unsafe.Sizeof(*new(E)) {
		panic(fmt.Sprintf(
			"buffer of size %d cannot represent object of size %d", len(b), unsafe.Sizeof(*new(E))))
	}

	return safeish.Cast[T](&b[0])
}

func sigmoid(x float32) float32 {
	return 1.0 / (1.0 + jmath.Exp32(-x))
}

// tileBoundsFor returns the clamped tile bounding box of a screen
// footprint as (x0, y0, x1, y1).
func tileBoundsFor(cx, cy, radius float32, tileBounds [2]uint32) (uint32, uint32, uint32, uint32) {
	clampTile := func(v float32, hi uint32) uint32 {
		return uint32(jmath.Clamp(v, 0, float32(hi)))
	}
	x0 := clampTile(jmath.Floor32((cx-radius)/TILE_WIDTH), tileBounds[0])
	y0 := clampTile(jmath.Floor32((cy-radius)/TILE_HEIGHT), tileBounds[1])
	x1 := clampTile(jmath.Ceil32((cx+radius)/TILE_WIDTH), tileBounds[0])
	y1 := clampTile(jmath.Ceil32((cy+radius)/TILE_HEIGHT), tileBounds[1])
	return x0, y0, x1, y1
}

// viewTransform applies the world-to-view transform of the row-major
// matrix in the config uniform.
func viewTransform(view *[16]float32, p jmath.Vec3) jmath.Vec3 {
	return jmath.Vec3{
		X: view[0]*p.X + view[1]*p.Y + view[2]*p.Z + view[3],
		Y: view[4]*p.X + view[5]*p.Y + view[6]*p.Z + view[7],
		Z: view[8]*p.X + view[9]*p.Y + view[10]*p.Z + view[11],
	}
}

func viewLinear(view *[16]float32) jmath.Mat3 {
	return jmath.Mat3{
		view[0], view[1], view[2],
		view[4], view[5], view[6],
		view[8], view[9], view[10],
	}
}
