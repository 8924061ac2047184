// Copyright 2024 the Brush Authors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package cpu

import (
	"math"

	"github.com/simonbethke/brush/jmath"
	"github.com/simonbethke/brush/renderer"
	"honnef.co/go/safeish"
)

// ProjectForward mirrors project_forward.wgsl.
func ProjectForward(_ [3]uint32, resources []CPUBinding) {
	config := fromBytes[renderer.ConfigUniform](resources[0].(CPUBuffer))
	means := safeish.SliceCast[[]float32](resources[1].(CPUBuffer))
	log_scales := safeish.SliceCast[[]float32](resources[2].(CPUBuffer))
	quats := safeish.SliceCast[[][4]float32](resources[3].(CPUBuffer))
	projected := safeish.SliceCast[[]renderer.ProjectedSplat](resources[4].(CPUBuffer))
	tile_counts := safeish.SliceCast[[]uint32](resources[5].(CPUBuffer))

	for idx := range config.NumSplats {
		projected[idx] = renderer.ProjectedSplat{}
		tile_counts[idx] = 0

		mean := jmath.Vec3{X: means[3*idx], Y: means[3*idx+1], Z: means[3*idx+2]}
		t := viewTransform(&config.View, mean)
		if t.Z < config.ClipThresh {
			continue
		}

		q := quats[idx]
		rot := jmath.Quat{W: q[0], X: q[1], Y: q[2], Z: q[3]}.Normalize().RotationMatrix()
		scale := jmath.Vec3{
			X: jmath.Exp32(log_scales[3*idx]),
			Y: jmath.Exp32(log_scales[3*idx+1]),
			Z: jmath.Exp32(log_scales[3*idx+2]),
		}
		m := scaleColumns(rot, scale)
		cov3d := m.Mul(m.Transpose())

		w := viewLinear(&config.View)
		cov_view := w.Mul(cov3d).Mul(w.Transpose())

		fx := config.Focal[0]
		fy := config.Focal[1]
		tz2 := t.Z * t.Z
		j := jmath.Mat3{
			fx / t.Z, 0, -fx * t.X / tz2,
			0, fy / t.Z, -fy * t.Y / tz2,
			0, 0, 0,
		}
		cov2d := j.Mul(cov_view).Mul(j.Transpose())

		// Low-pass filter: every splat covers at least a bit more
		// than a pixel.
		a := cov2d.At(0, 0) + 0.3
		b := cov2d.At(0, 1)
		c := cov2d.At(1, 1) + 0.3
		det := a*c - b*b
		if det <= 0 {
			continue
		}
		mid := 0.5 * (a + c)
		lambda1 := mid + jmath.Sqrt32(max(mid*mid-det, 0.1))
		radius := uint32(jmath.Ceil32(3 * jmath.Sqrt32(lambda1)))
		if radius == 0 {
			continue
		}

		inv_det := 1 / det
		cx := fx*t.X/t.Z + config.PrincipalPoint[0]
		cy := fy*t.Y/t.Z + config.PrincipalPoint[1]

		x0, y0, x1, y1 := tileBoundsFor(cx, cy, float32(radius), config.TileBounds)
		count := (x1 - x0) * (y1 - y0)
		if count == 0 {
			continue
		}

		projected[idx] = renderer.ProjectedSplat{
			X:      cx,
			Y:      cy,
			ConicA: c * inv_det,
			ConicB: -b * inv_det,
			ConicC: a * inv_det,
			Depth:  t.Z,
			Radius: radius,
		}
		tile_counts[idx] = count
	}
}

// scaleColumns computes R * diag(s).
func scaleColumns(r jmath.Mat3, s jmath.Vec3) jmath.Mat3 {
	return jmath.Mat3{
		r[0] * s.X, r[1] * s.Y, r[2] * s.Z,
		r[3] * s.X, r[4] * s.Y, r[5] * s.Z,
		r[6] * s.X, r[7] * s.Y, r[8] * s.Z,
	}
}

// MapIntersects mirrors map_intersects.wgsl.
func MapIntersects(_ [3]uint32, resources []CPUBinding) {
	config := fromBytes[renderer.ConfigUniform](resources[0].(CPUBuffer))
	projected := safeish.SliceCast[[]renderer.ProjectedSplat](resources[1].(CPUBuffer))
	tile_offsets := safeish.SliceCast[[]uint32](resources[2].(CPUBuffer))
	isect_keys := safeish.SliceCast[[]uint32](resources[3].(CPUBuffer))
	isect_ids := safeish.SliceCast[[]uint32](resources[4].(CPUBuffer))

	for idx := range config.NumSplats {
		splat := projected[idx]
		if splat.Radius == 0 {
			continue
		}

		// Positive depths compare the same as their IEEE bit
		// patterns.
		depth_key := math.Float32bits(splat.Depth) >> (32 - config.DepthBits)

		x0, y0, x1, y1 := tileBoundsFor(splat.X, splat.Y, float32(splat.Radius), config.TileBounds)
		cur := tile_offsets[idx]
		for ty := y0; ty < y1; ty++ {
			for tx := x0; tx < x1; tx++ {
				tile_id := ty*config.TileBounds[0] + tx
				key := depth_key
				if config.DepthBits < 32 {
					key |= tile_id << config.DepthBits
				}
				isect_keys[cur] = key
				isect_ids[cur] = idx
				cur++
			}
		}
	}
}

// ProjectBackward mirrors project_backward.wgsl.
func ProjectBackward(_ [3]uint32, resources []CPUBinding) {
	config := fromBytes[renderer.ConfigUniform](resources[0].(CPUBuffer))
	means := safeish.SliceCast[[]float32](resources[1].(CPUBuffer))
	log_scales := safeish.SliceCast[[]float32](resources[2].(CPUBuffer))
	quats := safeish.SliceCast[[][4]float32](resources[3].(CPUBuffer))
	projected := safeish.SliceCast[[]renderer.ProjectedSplat](resources[4].(CPUBuffer))
	v_splats := safeish.SliceCast[[]float32](resources[5].(CPUBuffer))
	v_means := safeish.SliceCast[[]float32](resources[6].(CPUBuffer))
	v_scales := safeish.SliceCast[[]float32](resources[7].(CPUBuffer))
	v_quats := safeish.SliceCast[[][4]float32](resources[8].(CPUBuffer))

	for idx := range config.NumSplats {
		v_means[3*idx] = 0
		v_means[3*idx+1] = 0
		v_means[3*idx+2] = 0
		v_scales[3*idx] = 0
		v_scales[3*idx+1] = 0
		v_scales[3*idx+2] = 0
		v_quats[idx] = [4]float32{}
		if projected[idx].Radius == 0 {
			continue
		}

		base := idx * GRAD_STRIDE
		v_xy := [2]float32{v_splats[base], v_splats[base+1]}
		v_conic := [3]float32{v_splats[base+2], v_splats[base+3], v_splats[base+4]}

		// Replay the forward projection.
		mean := jmath.Vec3{X: means[3*idx], Y: means[3*idx+1], Z: means[3*idx+2]}
		t := viewTransform(&config.View, mean)
		raw := quats[idx]
		quat := jmath.Quat{W: raw[0], X: raw[1], Y: raw[2], Z: raw[3]}.Normalize()
		rot := quat.RotationMatrix()
		scale := jmath.Vec3{
			X: jmath.Exp32(log_scales[3*idx]),
			Y: jmath.Exp32(log_scales[3*idx+1]),
			Z: jmath.Exp32(log_scales[3*idx+2]),
		}
		m := scaleColumns(rot, scale)
		cov3d := m.Mul(m.Transpose())
		w := viewLinear(&config.View)
		cov_view := w.Mul(cov3d).Mul(w.Transpose())
		fx := config.Focal[0]
		fy := config.Focal[1]
		tz2 := t.Z * t.Z
		j := jmath.Mat3{
			fx / t.Z, 0, -fx * t.X / tz2,
			0, fy / t.Z, -fy * t.Y / tz2,
			0, 0, 0,
		}

		// Conic is the inverse of the filtered 2D covariance:
		// v_cov2d = -K * v_conic * K, with the packed off-diagonal
		// gradient split across the two symmetric entries.
		s := projected[idx]
		k := jmath.Mat3{
			s.ConicA, s.ConicB, 0,
			s.ConicB, s.ConicC, 0,
			0, 0, 0,
		}
		v_conic_m := jmath.Mat3{
			v_conic[0], 0.5 * v_conic[1], 0,
			0.5 * v_conic[1], v_conic[2], 0,
			0, 0, 0,
		}
		v_cov2d := k.Mul(v_conic_m).Mul(k).Scale(-1)

		// cov2d = J * cov_view * J^T
		v_cov_view := j.Transpose().Mul(v_cov2d).Mul(j)
		v_j := v_cov2d.Mul(j).Mul(cov_view).Scale(2)
		// cov_view = W * cov3d * W^T
		v_cov3d := w.Transpose().Mul(v_cov_view).Mul(w)
		// cov3d = M * M^T
		v_m := v_cov3d.Mul(m).Scale(2)

		// v_J and v_xy both reach the view-space position.
		rz2 := 1 / tz2
		rz3 := rz2 / t.Z
		v_t := jmath.Vec3{
			X: v_xy[0]*fx/t.Z - fx*rz2*v_j.At(0, 2),
			Y: v_xy[1]*fy/t.Z - fy*rz2*v_j.At(1, 2),
			Z: -(v_xy[0]*fx*t.X+v_xy[1]*fy*t.Y)*rz2 -
				fx*rz2*v_j.At(0, 0) - fy*rz2*v_j.At(1, 1) +
				2*fx*t.X*rz3*v_j.At(0, 2) + 2*fy*t.Y*rz3*v_j.At(1, 2),
		}
		v_mean := w.Transpose().MulVec(v_t)
		v_means[3*idx] = v_mean.X
		v_means[3*idx+1] = v_mean.Y
		v_means[3*idx+2] = v_mean.Z

		// M = R * diag(scale); columns of v_M pair with columns of R.
		for col := range 3 {
			var dot float32
			for row := range 3 {
				dot += v_m.At(row, col) * rot.At(row, col)
			}
			sc := [3]float32{scale.X, scale.Y, scale.Z}[col]
			v_scales[3*idx+uint32(col)] = dot * sc
		}

		// v_R = v_M * diag(scale)
		v_rot := scaleColumns(v_m, scale)
		qw, qx, qy, qz := quat.W, quat.X, quat.Y, quat.Z
		vr := func(row, col int) float32 { return v_rot.At(row, col) }
		v_qn := [4]float32{
			2 * (qx*(vr(2, 1)-vr(1, 2)) + qy*(vr(0, 2)-vr(2, 0)) + qz*(vr(1, 0)-vr(0, 1))),
			2 * (-2*qx*(vr(1, 1)+vr(2, 2)) + qy*(vr(0, 1)+vr(1, 0)) + qz*(vr(0, 2)+vr(2, 0)) + qw*(vr(2, 1)-vr(1, 2))),
			2 * (qx*(vr(0, 1)+vr(1, 0)) - 2*qy*(vr(0, 0)+vr(2, 2)) + qz*(vr(1, 2)+vr(2, 1)) + qw*(vr(0, 2)-vr(2, 0))),
			2 * (qx*(vr(0, 2)+vr(2, 0)) + qy*(vr(1, 2)+vr(2, 1)) - 2*qz*(vr(0, 0)+vr(1, 1)) + qw*(vr(1, 0)-vr(0, 1))),
		}
		// Through the normalization. A zero quaternion was substituted
		// with the identity in the forward pass, a constant, so its
		// gradient stays zero.
		norm := jmath.Quat{W: raw[0], X: raw[1], Y: raw[2], Z: raw[3]}.Norm()
		if norm == 0 {
			continue
		}
		d := v_qn[0]*quat.W + v_qn[1]*quat.X + v_qn[2]*quat.Y + v_qn[3]*quat.Z
		v_quats[idx] = [4]float32{
			(v_qn[0] - d*quat.W) / norm,
			(v_qn[1] - d*quat.X) / norm,
			(v_qn[2] - d*quat.Y) / norm,
			(v_qn[3] - d*quat.Z) / norm,
		}
	}
}
