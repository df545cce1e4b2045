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
	"fmt"
	"math"
)

const (
	ddimTrainSteps = 1000
	ddimBetaStart  = 0.00085
	ddimBetaEnd    = 0.012
)

// DDIMScheduler is the deterministic DDIM sampler (eta = 0) over the scaled
// linear beta schedule used by latent diffusion checkpoints.
type DDIMScheduler struct {
	alphasCumprod []float32
	timesteps     []float32
}

var _ Scheduler = (*DDIMScheduler)(nil)

// NewDDIMScheduler builds the scheduler with the standard training schedule.
func NewDDIMScheduler() *DDIMScheduler {
	alphas := make([]float32, ddimTrainSteps)
	sqrtStart := math.Sqrt(ddimBetaStart)
	sqrtEnd := math.Sqrt(ddimBetaEnd)
	cumprod := 1.0
	for i := 0; i < ddimTrainSteps; i++ {
		sqrtBeta := sqrtStart + (sqrtEnd-sqrtStart)*float64(i)/float64(ddimTrainSteps-1)
		beta := sqrtBeta * sqrtBeta
		cumprod *= 1 - beta
		alphas[i] = float32(cumprod)
	}
	return &DDIMScheduler{alphasCumprod: alphas}
}

func (s *DDIMScheduler) SetTimesteps(n int) {
	if n < 1 {
		n = 1
	}
	stride := ddimTrainSteps / n
	s.timesteps = make([]float32, n)
	for i := 0; i < n; i++ {
		s.timesteps[i] = float32((n - 1 - i) * stride)
	}
}

func (s *DDIMScheduler) Timesteps() []float32 {
	return s.timesteps
}

func (s *DDIMScheduler) InitNoiseSigma() float32 {
	return 1.0
}

// ScaleInput is the identity for DDIM; sigma rescaling belongs to the
// Karras-style samplers.
func (s *DDIMScheduler) ScaleInput(sample []float32, _ int) []float32 {
	return sample
}

func (s *DDIMScheduler) Step(noisePred, sample []float32, i int) ([]float32, error) {
	if i < 0 || i >= len(s.timesteps) {
		return nil, fmt.Errorf("step index %d outside schedule of %d steps", i, len(s.timesteps))
	}
	if len(noisePred) != len(sample) {
		return nil, fmt.Errorf("noise prediction length %d does not match sample length %d", len(noisePred), len(sample))
	}

	t := int(s.timesteps[i])
	alphaT := s.alphasCumprod[t]
	alphaPrev := float32(1.0)
	if i+1 < len(s.timesteps) {
		alphaPrev = s.alphasCumprod[int(s.timesteps[i+1])]
	}

	sqrtAlphaT := float32(math.Sqrt(float64(alphaT)))
	sqrtOneMinusAlphaT := float32(math.Sqrt(float64(1 - alphaT)))
	sqrtAlphaPrev := float32(math.Sqrt(float64(alphaPrev)))
	sqrtOneMinusAlphaPrev := float32(math.Sqrt(float64(1 - alphaPrev)))

	prev := make([]float32, len(sample))
	for j := range sample {
		predOriginal := (sample[j] - sqrtOneMinusAlphaT*noisePred[j]) / sqrtAlphaT
		prev[j] = sqrtAlphaPrev*predOriginal + sqrtOneMinusAlphaPrev*noisePred[j]
	}
	return prev, nil
}

func (s *DDIMScheduler) AddNoise(sample, noise []float32, i int) []float32 {
	t := 0
	if i >= 0 && i < len(s.timesteps) {
		t = int(s.timesteps[i])
	}
	alphaT := s.alphasCumprod[t]
	sqrtAlpha := float32(math.Sqrt(float64(alphaT)))
	sqrtOneMinusAlpha := float32(math.Sqrt(float64(1 - alphaT)))

	noisy := make([]float32, len(sample))
	for j := range sample {
		noisy[j] = sqrtAlpha*sample[j] + sqrtOneMinusAlpha*noise[j]
	}
	return noisy
}

// StartStep skips the first part of the schedule in proportion to the
// remaining strength, so strength 1 denoises from scratch and small
// strengths only lightly rework the source image.
func (s *DDIMScheduler) StartStep(strength float32, totalSteps int) int {
	start := totalSteps - int(strength*float32(totalSteps))
	if start < 0 {
		start = 0
	}
	if start > totalSteps-1 {
		start = totalSteps - 1
	}
	return start
}
