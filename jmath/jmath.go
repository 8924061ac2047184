// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package jmath

import (
	"math"
	"structs"

	"golang.org/x/exp/constraints"
)

func Sqrt32(f float32) float32 {
	return float32(math.Sqrt(float64(f)))
}

func Exp32(f float32) float32 {
	return float32(math.Exp(float64(f)))
}

func Floor32(f float32) float32 {
	return float32(math.Floor(float64(f)))
}

func Ceil32(f float32) float32 {
	return float32(math.Ceil(float64(f)))
}

func Clamp[T constraints.Integer | constraints.Float](v, lo, hi T) T {
	return min(max(v, lo), hi)
}

func DivRoundUp32(n, d uint32) uint32 {
	return (n + d - 1) / d
}

type Vec3 struct {
	X, Y, Z float32
}

// Mat3 is a row-major 3×3 matrix.
type Mat3 [9]float32

func (m Mat3) At(row, col int) float32 { return m[row*3+col] }

func (m Mat3) MulVec(v Vec3) Vec3 {
	return Vec3{
		m[0]*v.X + m[1]*v.Y + m[2]*v.Z,
		m[3]*v.X + m[4]*v.Y + m[5]*v.Z,
		m[6]*v.X + m[7]*v.Y + m[8]*v.Z,
	}
}

func (m Mat3) Mul(o Mat3) Mat3 {
	var r Mat3
	for i := range 3 {
		for j := range 3 {
			r[i*3+j] = m[i*3]*o[j] + m[i*3+1]*o[3+j] + m[i*3+2]*o[6+j]
		}
	}
	return r
}

func (m Mat3) Transpose() Mat3 {
	return Mat3{
		m[0], m[3], m[6],
		m[1], m[4], m[7],
		m[2], m[5], m[8],
	}
}

func (m Mat3) Scale(f float32) Mat3 {
	var r Mat3
	for i := range r {
		r[i] = m[i] * f
	}
	return r
}

// Mat4 is a row-major 4×4 matrix, the layout the view uniform uses on
// the GPU as well.
type Mat4 struct {
	_ structs.HostLayout

	Cells [16]float32
}

var Identity4 = Mat4{Cells: [16]float32{
	1, 0, 0, 0,
	0, 1, 0, 0,
	0, 0, 1, 0,
	0, 0, 0, 1,
}}

// Quat is a rotation quaternion in (w, x, y, z) order, matching the
// splat input layout.
type Quat struct {
	W, X, Y, Z float32
}

func (q Quat) Norm() float32 {
	return Sqrt32(q.W*q.W + q.X*q.X + q.Y*q.Y + q.Z*q.Z)
}

func (q Quat) Normalize() Quat {
	n := q.Norm()
	if n == 0 {
		return Quat{W: 1}
	}
	inv := 1 / n
	return Quat{q.W * inv, q.X * inv, q.Y * inv, q.Z * inv}
}

// RotationMatrix converts a unit quaternion to a rotation matrix.
func (q Quat) RotationMatrix() Mat3 {
	w, x, y, z := q.W, q.X, q.Y, q.Z
	return Mat3{
		1 - 2*(y*y+z*z), 2 * (x*y - w*z), 2 * (x*z + w*y),
		2 * (x*y + w*z), 1 - 2*(x*x+z*z), 2 * (y*z - w*x),
		2 * (x*z - w*y), 2 * (y*z + w*x), 1 - 2*(x*x+y*y),
	}
}
