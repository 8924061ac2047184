// Copyright 2024 the Brush Authors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package brush

import "fmt"

// Tensor is a flat, contiguous float32 buffer with a row-major shape.
// It is how splat parameters and gradients cross the boundary between
// this package and the differentiation engine driving it.
type Tensor struct {
	Data  []float32
	Shape []int
}

func (t Tensor) elems() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Handle identifies a checkpointed tensor.
type Handle int

// InputID identifies one of the five forward inputs. Gradients are
// registered per input identity, not per buffer.
type InputID int

const (
	InputMeans InputID = iota
	InputLogScales
	InputQuats
	InputColors
	InputOpacities
	numInputs
)

func (id InputID) String() string {
	switch id {
	case InputMeans:
		return "means"
	case InputLogScales:
		return "log_scales"
	case InputQuats:
		return "quats"
	case InputColors:
		return "colors"
	case InputOpacities:
		return "opacities"
	default:
		return fmt.Sprintf("InputID(%d)", int(id))
	}
}

// Checkpointer parks tensors with the differentiation engine during
// the forward pass so the paired backward call can get them back. Any
// reverse-mode tape or define-by-run graph can implement it.
type Checkpointer interface {
	Checkpoint(t Tensor) Handle
	Retrieve(h Handle) Tensor
}

// GradientSink receives the computed gradients. Backward registers
// exactly one gradient per tracked input and none for untracked
// inputs.
type GradientSink interface {
	Tracked(id InputID) bool
	Register(id InputID, grad Tensor)
}

// Tape is a reference Checkpointer and GradientSink for callers that
// drive differentiation by hand.
type Tape struct {
	checkpoints []Tensor
	tracked     [numInputs]bool
	grads       [numInputs]*Tensor
}

// NewTape returns a tape tracking the given inputs. With no arguments
// every input is tracked.
func NewTape(tracked ...InputID) *Tape {
	tape := &Tape{}
	if len(tracked) == 0 {
		for i := range tape.tracked {
			tape.tracked[i] = true
		}
	} else {
		for _, id := range tracked {
			tape.tracked[id] = true
		}
	}
	return tape
}

func (tape *Tape) Checkpoint(t Tensor) Handle {
	tape.checkpoints = append(tape.checkpoints, t)
	return Handle(len(tape.checkpoints) - 1)
}

func (tape *Tape) Retrieve(h Handle) Tensor {
	return tape.checkpoints[h]
}

func (tape *Tape) Tracked(id InputID) bool {
	return tape.tracked[id]
}

func (tape *Tape) Register(id InputID, grad Tensor) {
	if !tape.tracked[id] {
		panic(fmt.Sprintf("gradient registered for untracked input %s", id))
	}
	if tape.grads[id] != nil {
		panic(fmt.Sprintf("second gradient registered for input %s", id))
	}
	tape.grads[id] = &grad
}

// Gradient returns the registered gradient for id, if any.
func (tape *Tape) Gradient(id InputID) (Tensor, bool) {
	if tape.grads[id] == nil {
		return Tensor{}, false
	}
	return *tape.grads[id], true
}
