// Copyright 2024 the Brush Authors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package shaders describes the compute kernels of the splat
// pipeline and carries their WGSL sources.
package shaders

type BindType int

const (
	Buffer BindType = iota + 1
	BufReadOnly
	Uniform
)

type ComputeShader struct {
	Name          string
	WorkgroupSize [3]uint32
	Bindings      []BindType
	WGSL          []byte
}
