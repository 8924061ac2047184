// Copyright 2024 Dominik Honnef and contributors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package renderer

import (
	"sync/atomic"

	"github.com/simonbethke/brush/mem"
)

var resourceID atomic.Uint64

func nextResourceID() ResourceID {
	return ResourceID(resourceID.Add(1))
}

type ResourceID uint64

// Recording is a list of commands that, executed in order, runs part
// of the splat pipeline. Buffers are referred to by proxies; the
// engine materializes them on demand and keeps them alive until a
// FreeBuffer command releases them, possibly in a later recording.
type Recording struct {
	Commands []Command
}

func (rec *Recording) push(arena *mem.Arena, cmd Command) {
	rec.Commands = mem.Append(arena, rec.Commands, cmd)
}

func (rec *Recording) Upload(arena *mem.Arena, name string, data []byte) BufferProxy {
	buf := NewBufferProxy(uint64(len(data)), name)
	rec.push(arena, mem.Make(arena, Upload{buf, data}))
	return buf
}

func (rec *Recording) UploadUniform(arena *mem.Arena, name string, data []byte) BufferProxy {
	buf := NewBufferProxy(uint64(len(data)), name)
	rec.push(arena, mem.Make(arena, UploadUniform{buf, data}))
	return buf
}

func (rec *Recording) Dispatch(arena *mem.Arena, shader ShaderID, wgCounts [3]uint32, resources []BufferProxy) {
	rec.push(arena, mem.Make(arena, Dispatch{shader, wgCounts, resources}))
}

// Download makes the buffer's contents readable on the host once the
// recording ran.
func (rec *Recording) Download(arena *mem.Arena, buf BufferProxy) {
	rec.push(arena, mem.Make(arena, Download{buf}))
}

func (rec *Recording) ClearAll(arena *mem.Arena, buf BufferProxy) {
	rec.push(arena, mem.Make(arena, Clear{buf, 0, -1}))
}

func (rec *Recording) FreeBuffer(arena *mem.Arena, buf BufferProxy) {
	rec.push(arena, mem.Make(arena, FreeBuffer{buf}))
}

func NewBufferProxy(size uint64, name string) BufferProxy {
	id := nextResourceID()
	return BufferProxy{size, id, name}
}

type BufferProxy struct {
	Size uint64
	ID   ResourceID
	Name string
}

type ShaderID int

type Command interface {
	isCommand()
}

func (*Upload) isCommand()        {}
func (*UploadUniform) isCommand() {}
func (*Dispatch) isCommand()      {}
func (*Download) isCommand()      {}
func (*Clear) isCommand()         {}
func (*FreeBuffer) isCommand()    {}

type BindType int

const (
	BindTypeBuffer BindType = iota + 1
	BindTypeBufReadOnly
	BindTypeUniform
)

type Upload struct {
	Buffer BufferProxy
	Data   []byte
}

type UploadUniform struct {
	Buffer BufferProxy
	Data   []byte
}

type Dispatch struct {
	Shader          ShaderID
	WorkgroupCounts [3]uint32
	Bindings        []BufferProxy
}

type Download struct {
	Buffer BufferProxy
}

type Clear struct {
	Buffer BufferProxy
	Offset uint64
	Size   int64
}

type FreeBuffer struct {
	Buffer BufferProxy
}
