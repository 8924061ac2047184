// Copyright 2024 the Brush Authors
// SPDX-License-Identifier: Apache-2.0 OR MIT

package cpu

import (
	"github.com/simonbethke/brush/jmath"
	"github.com/simonbethke/brush/renderer"
	"honnef.co/go/safeish"
)

// Rasterize mirrors rasterize.wgsl. One iteration per pixel, tiles in
// row-major order like the GPU workgroup grid.
func Rasterize(groups [3]uint32, resources []CPUBinding) {
	config := fromBytes[renderer.ConfigUniform](resources[0].(CPUBuffer))
	tile_ranges := safeish.SliceCast[[]renderer.TileRange](resources[1].(CPUBuffer))
	sorted_ids := safeish.SliceCast[[]uint32](resources[2].(CPUBuffer))
	projected := safeish.SliceCast[[]renderer.ProjectedSplat](resources[3].(CPUBuffer))
	colors_op := safeish.SliceCast[[][4]float32](resources[4].(CPUBuffer))
	out_img := safeish.SliceCast[[][4]float32](resources[5].(CPUBuffer))
	final_index := safeish.SliceCast[[]uint32](resources[6].(CPUBuffer))

	for wy := range groups[1] {
		for wx := range groups[0] {
			tile_id := wy*config.TileBounds[0] + wx
			rng := tile_ranges[tile_id]
			for ly := range uint32(TILE_HEIGHT) {
				for lx := range uint32(TILE_WIDTH) {
					px := wx*TILE_WIDTH + lx
					py := wy*TILE_HEIGHT + ly
					if px >= config.ImgSize[0] || py >= config.ImgSize[1] {
						continue
					}
					pix_x := float32(px) + 0.5
					pix_y := float32(py) + 0.5

					t := float32(1)
					var color [3]float32
					last := rng.Start
					for idx := rng.Start; idx < rng.End; idx++ {
						g := sorted_ids[idx]
						splat := projected[g]
						dx := splat.X - pix_x
						dy := splat.Y - pix_y
						sigma := 0.5*(splat.ConicA*dx*dx+splat.ConicC*dy*dy) +
							splat.ConicB*dx*dy
						if sigma < 0 {
							continue
						}
						alpha := min(0.999, sigmoid(colors_op[g][3])*jmath.Exp32(-sigma))
						if alpha < 1.0/255.0 {
							continue
						}
						next_t := t * (1 - alpha)
						if next_t <= 1e-4 {
							break
						}
						color[0] += colors_op[g][0] * alpha * t
						color[1] += colors_op[g][1] * alpha * t
						color[2] += colors_op[g][2] * alpha * t
						t = next_t
						last = idx + 1
					}

					pix_id := py*config.ImgSize[0] + px
					out_img[pix_id] = [4]float32{
						color[0] + t*config.Background[0],
						color[1] + t*config.Background[1],
						color[2] + t*config.Background[2],
						1 - t,
					}
					final_index[pix_id] = last
				}
			}
		}
	}
}

// RasterizeBackward mirrors rasterize_backward.wgsl. Accumulation is
// plain float adds; the CPU path runs sequentially.
func RasterizeBackward(groups [3]uint32, resources []CPUBinding) {
	config := fromBytes[renderer.ConfigUniform](resources[0].(CPUBuffer))
	tile_ranges := safeish.SliceCast[[]renderer.TileRange](resources[1].(CPUBuffer))
	sorted_ids := safeish.SliceCast[[]uint32](resources[2].(CPUBuffer))
	projected := safeish.SliceCast[[]renderer.ProjectedSplat](resources[3].(CPUBuffer))
	colors_op := safeish.SliceCast[[][4]float32](resources[4].(CPUBuffer))
	out_img := safeish.SliceCast[[][4]float32](resources[5].(CPUBuffer))
	final_index := safeish.SliceCast[[]uint32](resources[6].(CPUBuffer))
	v_out := safeish.SliceCast[[][4]float32](resources[7].(CPUBuffer))
	v_splats := safeish.SliceCast[[]float32](resources[8].(CPUBuffer))

	for wy := range groups[1] {
		for wx := range groups[0] {
			tile_id := wy*config.TileBounds[0] + wx
			rng := tile_ranges[tile_id]
			for ly := range uint32(TILE_HEIGHT) {
				for lx := range uint32(TILE_WIDTH) {
					px := wx*TILE_WIDTH + lx
					py := wy*TILE_HEIGHT + ly
					if px >= config.ImgSize[0] || py >= config.ImgSize[1] {
						continue
					}
					pix_x := float32(px) + 0.5
					pix_y := float32(py) + 0.5
					pix_id := py*config.ImgSize[0] + px

					t_final := 1 - out_img[pix_id][3]
					t := t_final
					// Color accumulated by the splats behind the
					// current one.
					var buffer [3]float32
					v_pix := v_out[pix_id]

					idx := final_index[pix_id]
					for idx > rng.Start {
						idx--
						g := sorted_ids[idx]
						splat := projected[g]
						dx := splat.X - pix_x
						dy := splat.Y - pix_y
						sigma := 0.5*(splat.ConicA*dx*dx+splat.ConicC*dy*dy) +
							splat.ConicB*dx*dy
						if sigma < 0 {
							continue
						}
						opac := sigmoid(colors_op[g][3])
						vis := jmath.Exp32(-sigma)
						alpha := min(0.999, opac*vis)
						if alpha < 1.0/255.0 {
							continue
						}

						ra := 1 / (1 - alpha)
						t *= ra
						fac := alpha * t
						c := [3]float32{colors_op[g][0], colors_op[g][1], colors_op[g][2]}
						base := g * GRAD_STRIDE

						v_splats[base+5] += fac * v_pix[0]
						v_splats[base+6] += fac * v_pix[1]
						v_splats[base+7] += fac * v_pix[2]

						v_alpha := (c[0]*t-buffer[0]*ra)*v_pix[0] +
							(c[1]*t-buffer[1]*ra)*v_pix[1] +
							(c[2]*t-buffer[2]*ra)*v_pix[2]
						v_alpha -= t_final * ra * (config.Background[0]*v_pix[0] +
							config.Background[1]*v_pix[1] +
							config.Background[2]*v_pix[2])
						v_alpha += t_final * ra * v_pix[3]
						buffer[0] += c[0] * fac
						buffer[1] += c[1] * fac
						buffer[2] += c[2] * fac

						// The clamp kills the gradient through alpha.
						if opac*vis <= 0.999 {
							v_sigma := -alpha * v_alpha
							v_splats[base+0] += v_sigma * (splat.ConicA*dx + splat.ConicB*dy)
							v_splats[base+1] += v_sigma * (splat.ConicB*dx + splat.ConicC*dy)
							v_splats[base+2] += v_sigma * 0.5 * dx * dx
							v_splats[base+3] += v_sigma * dx * dy
							v_splats[base+4] += v_sigma * 0.5 * dy * dy
							v_splats[base+8] += vis * opac * (1 - opac) * v_alpha
						}
					}
				}
			}
		}
	}
}
