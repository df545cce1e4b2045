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

// Package diffusion runs multi-stage latent diffusion: text conditioning,
// an iterative UNet denoise loop governed by a pluggable scheduler, and VAE
// encode/decode at the pixel boundary.
package diffusion

// Scheduler owns the noise schedule of a denoise loop: which timesteps run,
// how samples are scaled before each UNet pass, and how a noise prediction
// advances the sample. Implementations are stateful only through
// SetTimesteps; Step must be a pure function of its arguments and the
// configured schedule.
type Scheduler interface {
	// SetTimesteps configures the schedule for a run of n inference steps.
	SetTimesteps(n int)

	// Timesteps returns the configured timestep sequence, descending.
	Timesteps() []float32

	// InitNoiseSigma is the scale applied to freshly drawn starting noise.
	InitNoiseSigma() float32

	// ScaleInput scales the sample before the UNet pass at step index i.
	ScaleInput(sample []float32, i int) []float32

	// Step advances the sample by one denoise step using the UNet's noise
	// prediction at step index i.
	Step(noisePred, sample []float32, i int) ([]float32, error)

	// AddNoise noises a clean sample to the noise level of step index i.
	// This is the entry point for image-to-image and inpainting, which start
	// mid-schedule from an encoded source image.
	AddNoise(sample, noise []float32, i int) []float32

	// StartStep maps a denoise strength in (0, 1] to the first step index of
	// a totalSteps schedule. Strength 1 starts from pure noise at index 0.
	StartStep(strength float32, totalSteps int) int
}
