// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package gfx converts user-facing colors to the linear values the
// compositing kernels work in.
package gfx

import (
	"honnef.co/go/color"
)

// Linear32 converts a color to linear sRGB, ignoring alpha. The
// rasterizer composites splats over an opaque background.
func Linear32(c *color.Color) [3]float32 {
	cc := c.Convert(color.LinearSRGB)
	return [3]float32{
		float32(cc.Values[0]),
		float32(cc.Values[1]),
		float32(cc.Values[2]),
	}
}
