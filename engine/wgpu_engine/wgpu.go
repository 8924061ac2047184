// Copyright 2023 the Vello Authors
// Copyright 2024 the Brush Authors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package wgpu_engine

// OPT reuse bind groups

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/simonbethke/brush/engine/wgpu_engine/shaders/cpu"
	"github.com/simonbethke/brush/mem"
	"github.com/simonbethke/brush/renderer"
	"honnef.co/go/wgpu"
)

type Engine struct {
	Device *wgpu.Device
	UseCPU bool

	shaders []shader
	pool    resourcePool

	// Buffers persist across recordings. The forward pass leaves its
	// intermediate buffers alive so that a later backward recording
	// can bind them; FreeBuffer commands release them.
	bufs          map[renderer.ResourceID]*bindMapBuffer
	pendingClears map[renderer.ResourceID]struct{}

	downloads    map[renderer.ResourceID]*wgpu.Buffer
	cpuDownloads map[renderer.ResourceID][]byte

	fullShaders *renderer.FullShaders
}

type wgpuShader struct {
	label           string
	pipeline        *wgpu.ComputePipeline
	bindGroupLayout *wgpu.BindGroupLayout
}

type shader struct {
	Label string
	WGPU  *wgpuShader
	CPU   cpuKernel
}

type materializedBuffer interface {
	// One of *wgpu.Buffer and []byte
}

type bindMapBuffer struct {
	Buffer materializedBuffer
	Label  string
}

type bufferProperties struct {
	size   uint64
	usages wgpu.BufferUsage
}

type resourcePool struct {
	bufs map[bufferProperties][]*wgpu.Buffer
}

// New creates an engine and compiles all pipelines. dev may be nil
// when options.UseCPU is set.
func New(dev *wgpu.Device, options *RendererOptions) *Engine {
	eng := &Engine{
		Device: dev,
		UseCPU: options.UseCPU,
		pool: resourcePool{
			bufs: make(map[bufferProperties][]*wgpu.Buffer),
		},
		bufs:          make(map[renderer.ResourceID]*bindMapBuffer),
		pendingClears: make(map[renderer.ResourceID]struct{}),
		downloads:     make(map[renderer.ResourceID]*wgpu.Buffer),
		cpuDownloads:  make(map[renderer.ResourceID][]byte),
	}
	eng.fullShaders = eng.newFullShaders()
	return eng
}

func (eng *Engine) addShader(
	label string,
	wgsl []byte,
	layout []renderer.BindType,
	kernel cpuKernel,
) renderer.ShaderID {
	id := renderer.ShaderID(len(eng.shaders))
	if eng.UseCPU {
		if kernel == nil {
			panic(fmt.Sprintf("no CPU kernel for %q", label))
		}
		eng.shaders = append(eng.shaders, shader{Label: label, CPU: kernel})
		return id
	}
	entries := make([]wgpu.BindGroupLayoutEntry, len(layout))
	for i, bindType := range layout {
		var typ wgpu.BufferBindingType
		switch bindType {
		case renderer.BindTypeBuffer:
			typ = wgpu.BufferBindingTypeStorage
		case renderer.BindTypeBufReadOnly:
			typ = wgpu.BufferBindingTypeReadOnlyStorage
		case renderer.BindTypeUniform:
			typ = wgpu.BufferBindingTypeUniform
		default:
			panic(fmt.Sprintf("invalid bind type %d", bindType))
		}
		entries[i] = wgpu.BindGroupLayoutEntry{
			Binding:    uint32(i),
			Visibility: wgpu.ShaderStageCompute,
			Buffer: &wgpu.BufferBindingLayout{
				Type:             typ,
				HasDynamicOffset: false,
				MinBindingSize:   0,
			},
		}
	}
	sh := eng.createComputePipeline(label, wgsl, entries)
	eng.shaders = append(eng.shaders, shader{Label: label, WGPU: &sh})
	return id
}

// RunRecording executes the commands in order. queue may be nil on a
// CPU engine.
func (eng *Engine) RunRecording(
	arena *mem.Arena,
	queue *wgpu.Queue,
	recording *renderer.Recording,
	label string,
) {
	var freeBufs []renderer.ResourceID
	var encoder *wgpu.CommandEncoder
	if !eng.UseCPU {
		encoder = eng.Device.CreateCommandEncoder(mem.Make(arena, wgpu.CommandEncoderDescriptor{Label: label}))
	}

	for _, cmd := range recording.Commands {
		switch cmd := cmd.(type) {
		case *renderer.Upload:
			usage := wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst | wgpu.BufferUsageStorage
			eng.upload(queue, cmd.Buffer, cmd.Data, usage)

		case *renderer.UploadUniform:
			usage := wgpu.BufferUsageUniform | wgpu.BufferUsageCopyDst
			eng.upload(queue, cmd.Buffer, cmd.Data, usage)

		case *renderer.Dispatch:
			sh := eng.shaders[cmd.Shader]
			if eng.UseCPU {
				resources := make([]cpu.CPUBinding, len(cmd.Bindings))
				for i, proxy := range cmd.Bindings {
					resources[i] = cpu.CPUBuffer(eng.materializeCPUBuf(proxy))
				}
				sh.CPU(cmd.WorkgroupCounts, resources)
			} else {
				bindGroup := eng.createBindGroup(arena, encoder, sh.WGPU.bindGroupLayout, cmd.Bindings)
				cpass := encoder.BeginComputePass(mem.Make(arena, wgpu.ComputePassDescriptor{
					Label: sh.Label,
				}))
				cpass.SetPipeline(sh.WGPU.pipeline)
				cpass.SetBindGroup(0, bindGroup, nil)
				cpass.DispatchWorkgroups(cmd.WorkgroupCounts[0], cmd.WorkgroupCounts[1], cmd.WorkgroupCounts[2])
				cpass.End()
				bindGroup.Release()
				cpass.Release()
			}

		case *renderer.Download:
			proxy := cmd.Buffer
			if eng.UseCPU {
				src := eng.materializeCPUBuf(proxy)
				data := make([]byte, len(src))
				copy(data, src)
				eng.cpuDownloads[proxy.ID] = data
			} else {
				srcBuf, ok := eng.getGPUBuf(proxy.ID)
				if !ok {
					panic("tried using unavailable buffer for download")
				}
				usage := wgpu.BufferUsageMapRead | wgpu.BufferUsageCopyDst
				buf := eng.pool.getBuf(proxy.Size, "download", usage, eng.Device)
				encoder.CopyBufferToBuffer(srcBuf, 0, buf, 0, proxy.Size)
				eng.downloads[proxy.ID] = buf
			}

		case *renderer.Clear:
			proxy := cmd.Buffer
			if b, ok := eng.bufs[proxy.ID]; ok {
				switch b := b.Buffer.(type) {
				case *wgpu.Buffer:
					size := uint64(cmd.Size)
					if cmd.Size < 0 {
						size = b.Size() - cmd.Offset
					}
					encoder.ClearBuffer(b, cmd.Offset, size)
				case []byte:
					slice := b[cmd.Offset:]
					if cmd.Size >= 0 {
						slice = slice[:cmd.Size]
					}
					clear(slice)
				default:
					panic(fmt.Sprintf("unhandled type %T", b))
				}
			} else {
				eng.pendingClears[proxy.ID] = struct{}{}
			}

		case *renderer.FreeBuffer:
			// Deferred until after the submit so that earlier
			// downloads in the same recording still see the buffer.
			freeBufs = append(freeBufs, cmd.Buffer.ID)

		default:
			panic(fmt.Sprintf("unhandled command %T", cmd))
		}
	}

	if !eng.UseCPU {
		cmd := encoder.Finish(nil)
		encoder.Release()
		queue.Submit(cmd)
		cmd.Release()
	}

	for _, id := range freeBufs {
		b, ok := eng.bufs[id]
		if !ok {
			continue
		}
		delete(eng.bufs, id)
		if gpuBuf, ok := b.Buffer.(*wgpu.Buffer); ok {
			eng.pool.put(gpuBuf)
		}
	}
}

func (eng *Engine) upload(queue *wgpu.Queue, proxy renderer.BufferProxy, data []byte, usage wgpu.BufferUsage) {
	if eng.UseCPU {
		buf := make([]byte, proxy.Size)
		copy(buf, data)
		eng.bufs[proxy.ID] = &bindMapBuffer{Buffer: buf, Label: proxy.Name}
		return
	}
	buf := eng.pool.getBuf(proxy.Size, proxy.Name, usage, eng.Device)
	queue.WriteBuffer(buf, 0, data)
	eng.bufs[proxy.ID] = &bindMapBuffer{Buffer: buf, Label: proxy.Name}
}

func (eng *Engine) getGPUBuf(id renderer.ResourceID) (*wgpu.Buffer, bool) {
	b, ok := eng.bufs[id]
	if !ok {
		return nil, false
	}
	buf, ok := b.Buffer.(*wgpu.Buffer)
	return buf, ok
}

// materializeCPUBuf returns the buffer's bytes, allocating zeroed
// storage on first use.
func (eng *Engine) materializeCPUBuf(proxy renderer.BufferProxy) []byte {
	if b, ok := eng.bufs[proxy.ID]; ok {
		return b.Buffer.([]byte)
	}
	buf := make([]byte, proxy.Size)
	eng.bufs[proxy.ID] = &bindMapBuffer{Buffer: buf, Label: proxy.Name}
	// Fresh allocations are zero already.
	delete(eng.pendingClears, proxy.ID)
	return buf
}

func (eng *Engine) createBindGroup(
	arena *mem.Arena,
	encoder *wgpu.CommandEncoder,
	layout *wgpu.BindGroupLayout,
	bindings []renderer.BufferProxy,
) *wgpu.BindGroup {
	for _, proxy := range bindings {
		if _, ok := eng.bufs[proxy.ID]; ok {
			continue
		}
		usage := wgpu.BufferUsageCopySrc | wgpu.BufferUsageCopyDst | wgpu.BufferUsageStorage
		buf := eng.pool.getBuf(proxy.Size, proxy.Name, usage, eng.Device)
		if _, ok := eng.pendingClears[proxy.ID]; ok {
			delete(eng.pendingClears, proxy.ID)
			encoder.ClearBuffer(buf, 0, buf.Size())
		}
		eng.bufs[proxy.ID] = &bindMapBuffer{Buffer: buf, Label: proxy.Name}
	}

	entries := mem.NewSlice[[]wgpu.BindGroupEntry](arena, len(bindings), len(bindings))
	for i, proxy := range bindings {
		buf, ok := eng.getGPUBuf(proxy.ID)
		if !ok {
			panic("unexpected ok == false")
		}
		entries[i] = wgpu.BindGroupEntry{
			Binding: uint32(i),
			Buffer:  buf,
			Size:    ^uint64(0),
		}
	}

	return eng.Device.CreateBindGroup(mem.Make(arena, wgpu.BindGroupDescriptor{
		Layout:  layout,
		Entries: entries,
	}))
}

// ReadDownload blocks until the downloaded contents of buf are
// available and returns them. The returned slice is owned by the
// caller; the staging buffer goes back to the pool.
func (eng *Engine) ReadDownload(buf renderer.BufferProxy) ([]byte, error) {
	if eng.UseCPU {
		data, ok := eng.cpuDownloads[buf.ID]
		if !ok {
			return nil, fmt.Errorf("no download for buffer %q", buf.Name)
		}
		delete(eng.cpuDownloads, buf.ID)
		return data, nil
	}

	gbuf, ok := eng.downloads[buf.ID]
	if !ok {
		return nil, fmt.Errorf("no download for buffer %q", buf.Name)
	}
	if err := <-gbuf.Map(eng.Device, wgpu.MapModeRead, 0, int(buf.Size)); err != nil {
		return nil, fmt.Errorf("mapping buffer %q: %w", buf.Name, err)
	}
	data := make([]byte, buf.Size)
	copy(data, gbuf.ReadOnlyMappedRange(0, int(buf.Size)))
	gbuf.Unmap()
	delete(eng.downloads, buf.ID)
	eng.pool.put(gbuf)
	return data, nil
}

func (eng *Engine) createComputePipeline(
	label string,
	wgsl []byte,
	entries []wgpu.BindGroupLayoutEntry,
) wgpuShader {
	shaderModule := eng.Device.CreateShaderModule(wgpu.ShaderModuleDescriptor{
		Label:  label,
		Source: wgpu.ShaderSourceWGSL(wgsl),
	})
	bindGroupLayout := eng.Device.CreateBindGroupLayout(&wgpu.BindGroupLayoutDescriptor{
		Entries: entries,
	})
	computePipelineLayout := eng.Device.CreatePipelineLayout(&wgpu.PipelineLayoutDescriptor{
		BindGroupLayouts: []*wgpu.BindGroupLayout{bindGroupLayout},
	})
	pipeline := eng.Device.CreateComputePipeline(&wgpu.ComputePipelineDescriptor{
		Label:  label,
		Layout: computePipelineLayout,
		Compute: wgpu.ProgrammableStageDescriptor{
			Module:     shaderModule,
			EntryPoint: "main",
		},
	})
	computePipelineLayout.Release()

	return wgpuShader{
		label:           label,
		pipeline:        pipeline,
		bindGroupLayout: bindGroupLayout,
	}
}

func (pool *resourcePool) getBuf(
	size uint64,
	name string,
	usage wgpu.BufferUsage,
	dev *wgpu.Device,
) *wgpu.Buffer {
	const sizeClassBits = 1

	roundedSize := poolSizeClass(size, sizeClassBits)
	props := bufferProperties{
		size:   roundedSize,
		usages: usage,
	}
	if bufVec, ok := pool.bufs[props]; ok {
		if len(bufVec) > 0 {
			buf := bufVec[len(bufVec)-1]
			bufVec = bufVec[:len(bufVec)-1]
			pool.bufs[props] = bufVec
			return buf
		}
	}
	return dev.CreateBuffer(&wgpu.BufferDescriptor{
		Label: name,
		Size:  roundedSize,
		Usage: usage,
	})
}

func (pool *resourcePool) put(buf *wgpu.Buffer) {
	props := bufferProperties{
		size:   buf.Size(),
		usages: buf.Usage(),
	}
	pool.bufs[props] = append(pool.bufs[props], buf)
}

func poolSizeClass(x uint64, numBits uint32) uint64 {
	if x > 1<<numBits {
		a := bits.LeadingZeros64(x - 1)
		b := (x - 1) | (((math.MaxUint64 / 2) >> numBits) >> a)
		return b + 1
	} else {
		return 1 << numBits
	}
}
