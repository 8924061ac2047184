// Copyright 2024 the Brush Authors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package brush

import "fmt"

// Splats is a read-only snapshot of the scene's splat parameters. The
// renderer never mutates it; updates between render calls happen in
// the training loop.
type Splats struct {
	// World-space positions, [N,3].
	Means Tensor
	// Log of the per-axis scales, [N,3].
	LogScales Tensor
	// Rotations, [N,4] in (w,x,y,z) order. Not required to be
	// normalized.
	Quats Tensor
	// Linear sRGB colors, [N,3].
	Colors Tensor
	// Pre-sigmoid opacities, [N].
	RawOpacities Tensor
}

// NumSplats returns the shared leading dimension N.
func (s *Splats) NumSplats() int {
	if len(s.Means.Shape) == 0 {
		return 0
	}
	return s.Means.Shape[0]
}

// Validate checks the shapes before anything gets dispatched.
func (s *Splats) Validate() error {
	n := s.NumSplats()
	check := func(name string, t Tensor, want ...int) error {
		if len(t.Shape) != len(want) {
			return fmt.Errorf("%s has %d dimensions, expected %d", name, len(t.Shape), len(want))
		}
		for i, d := range want {
			if t.Shape[i] != d {
				return fmt.Errorf("%s has shape %v, expected %v", name, t.Shape, want)
			}
		}
		if len(t.Data) != t.elems() {
			return fmt.Errorf("%s has %d elements, shape %v wants %d", name, len(t.Data), t.Shape, t.elems())
		}
		return nil
	}
	if len(s.Colors.Shape) == 2 && s.Colors.Shape[1] != 3 {
		return fmt.Errorf("colors have %d components per splat, only plain RGB (3) is supported",
			s.Colors.Shape[1])
	}
	for _, c := range []struct {
		name string
		t    Tensor
		want []int
	}{
		{"means", s.Means, []int{n, 3}},
		{"log_scales", s.LogScales, []int{n, 3}},
		{"quats", s.Quats, []int{n, 4}},
		{"colors", s.Colors, []int{n, 3}},
		{"opacities", s.RawOpacities, []int{n}},
	} {
		if err := check(c.name, c.t, c.want...); err != nil {
			return err
		}
	}
	return nil
}
