// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package diffusion

import (
	"math/rand"

	"github.com/baskrahmer/optimum/pkg/optimum/lib/backends"
)

// vaeScaling is the latent magnitude normalization constant of the SD VAE.
const vaeScaling = 0.18215

// latentShape returns the [1, channels, h, w] latent geometry for a pixel
// resolution and VAE scale factor.
func latentShape(channels, height, width, scaleFactor int) []int64 {
	return []int64{1, int64(channels), int64(height / scaleFactor), int64(width / scaleFactor)}
}

func numElements(shape []int64) int {
	n := int64(1)
	for _, d := range shape {
		n *= d
	}
	return int(n)
}

// gaussianNoise draws standard normal noise scaled by sigma.
func gaussianNoise(rng *rand.Rand, n int, sigma float32) []float32 {
	noise := make([]float32, n)
	for i := range noise {
		noise[i] = float32(rng.NormFloat64()) * sigma
	}
	return noise
}

// downsampleMask nearest-neighbor downsamples a [1, 1, H, W] pixel mask to
// latent resolution. Values are clamped to {0, 1} with 0.5 as the threshold:
// 1 marks regions to repaint.
func downsampleMask(mask []float32, maskH, maskW, latH, latW int) []float32 {
	out := make([]float32, latH*latW)
	for y := 0; y < latH; y++ {
		srcY := y * maskH / latH
		for x := 0; x < latW; x++ {
			srcX := x * maskW / latW
			if mask[srcY*maskW+srcX] >= 0.5 {
				out[y*latW+x] = 1
			}
		}
	}
	return out
}

// blendLatents composites the denoised latent over the preserved source
// latent: repaint where the mask is 1, keep the source elsewhere. The mask
// is at latent resolution and broadcast across channels.
func blendLatents(denoised, source, mask []float32, channels, latH, latW int) []float32 {
	out := make([]float32, len(denoised))
	plane := latH * latW
	for c := 0; c < channels; c++ {
		for i := 0; i < plane; i++ {
			idx := c*plane + i
			out[idx] = mask[i]*denoised[idx] + (1-mask[i])*source[idx]
		}
	}
	return out
}

// latentTensor wraps a flat latent payload as a named tensor.
func latentTensor(name string, shape []int64, data []float32) backends.NamedTensor {
	return backends.NamedTensor{Name: name, Shape: shape, Data: data}
}
