// Copyright 2023 the Vello Authors
// Copyright 2024 the Brush Authors
// SPDX-License-Identifier: Apache-2.0 OR MIT

// Package wgpu_engine executes splat pipeline recordings, either on a
// wgpu device or, for debugging and tests, with the CPU kernels.
package wgpu_engine

import (
	"fmt"
	"reflect"

	"github.com/simonbethke/brush/engine/wgpu_engine/shaders"
	"github.com/simonbethke/brush/engine/wgpu_engine/shaders/cpu"
	"github.com/simonbethke/brush/renderer"
)

type RendererOptions struct {
	// UseCPU runs the CPU implementations of the kernels instead of
	// compiling WGSL pipelines. No device is needed then.
	UseCPU bool
}

var bindTypeMapping = [...]renderer.BindType{
	shaders.Buffer:      renderer.BindTypeBuffer,
	shaders.BufReadOnly: renderer.BindTypeBufReadOnly,
	shaders.Uniform:     renderer.BindTypeUniform,
}

type cpuKernel func(groups [3]uint32, resources []cpu.CPUBinding)

var cpuKernels = map[string]cpuKernel{
	"ProjectForward":    cpu.ProjectForward,
	"ScanBlocks":        cpu.ScanBlocks,
	"ScanFixup":         cpu.ScanFixup,
	"MapIntersects":     cpu.MapIntersects,
	"SortCount":         cpu.SortCount,
	"SortScatter":       cpu.SortScatter,
	"TileBinEdges":      cpu.TileBinEdges,
	"Rasterize":         cpu.Rasterize,
	"RasterizeBackward": cpu.RasterizeBackward,
	"ProjectBackward":   cpu.ProjectBackward,
}

func (eng *Engine) newFullShaders() *renderer.FullShaders {
	var out renderer.FullShaders
	outV := reflect.ValueOf(&out).Elem()
	v := reflect.ValueOf(&shaders.Collection).Elem()
	for i := range v.NumField() {
		fieldName := v.Type().Field(i).Name
		outField := outV.FieldByName(fieldName)
		if !outField.IsValid() {
			panic(fmt.Sprintf("shader %q has no pipeline slot", fieldName))
		}
		shader := v.Field(i).Addr().Interface().(*shaders.ComputeShader)
		if len(shader.WGSL) == 0 {
			panic(fmt.Sprintf("shader %q has no code", shader.Name))
		}
		bindings := make([]renderer.BindType, len(shader.Bindings))
		for i, b := range shader.Bindings {
			bindings[i] = bindTypeMapping[b]
		}
		id := eng.addShader(shader.Name, shader.WGSL, bindings, cpuKernels[fieldName])
		outField.Set(reflect.ValueOf(id))
	}
	return &out
}

// FullShaders returns the pipeline handles recordings dispatch with.
func (eng *Engine) FullShaders() *renderer.FullShaders {
	return eng.fullShaders
}
