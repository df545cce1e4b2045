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
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/baskrahmer/optimum/pkg/optimum/lib/adapter"
	"github.com/baskrahmer/optimum/pkg/optimum/lib/backends"
	"github.com/baskrahmer/optimum/pkg/optimum/lib/provider"
)

// Options configures one diffusion run.
type Options struct {
	// Steps is the number of scheduler steps. Entry points that start
	// mid-schedule (image-to-image, inpaint, refine) execute fewer UNet
	// passes than this.
	Steps int

	// GuidanceScale controls classifier-free guidance. Values above 1 run an
	// unconditional UNet pass per step; 1 or less disables guidance.
	GuidanceScale float32

	// Height and Width of the output image in pixels. Must be multiples of
	// the VAE scale factor.
	Height, Width int

	// Strength in (0, 1] controls how much of the schedule image-to-image,
	// inpaint, and refine runs actually denoise. 1 reworks the input fully.
	Strength float32

	// Seed makes the run reproducible. Zero seeds from the clock.
	Seed int64

	// OutputLatent skips the VAE decode and returns the final latent only,
	// for handing off to a refiner pipeline.
	OutputLatent bool
}

// DefaultOptions returns the standard text-to-image settings.
func DefaultOptions() Options {
	return Options{
		Steps:         50,
		GuidanceScale: 7.5,
		Height:        512,
		Width:         512,
		Strength:      1.0,
	}
}

// Result is the outcome of one diffusion run.
type Result struct {
	// Pixels is the decoded image, shape [1, 3, H, W] with values in [-1, 1].
	// Unset when OutputLatent was requested.
	Pixels backends.NamedTensor

	// Latent is the final latent sample, scaled for direct reuse as a
	// refiner starting latent.
	Latent backends.NamedTensor

	// Steps is the number of UNet denoise steps executed.
	Steps int
}

// Pipeline orchestrates the four diffusion stages. Runs over one pipeline
// are serialized: concurrent calls queue on a single-admission semaphore and
// honor context cancellation while waiting. All loop state is per-call.
type Pipeline struct {
	adapter   *adapter.DiffusionAdapter
	config    *provider.ModelConfig
	scheduler Scheduler
	sem       *semaphore.Weighted
	logger    *zap.Logger
}

// NewPipeline wraps a diffusion adapter. A nil scheduler selects DDIM.
// The pipeline takes ownership of the adapter.
func NewPipeline(a *adapter.DiffusionAdapter, config *provider.ModelConfig, scheduler Scheduler, logger *zap.Logger) *Pipeline {
	if scheduler == nil {
		scheduler = NewDDIMScheduler()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		adapter:   a,
		config:    config,
		scheduler: scheduler,
		sem:       semaphore.NewWeighted(1),
		logger:    logger,
	}
}

// TextToImage generates an image from scratch, starting the full schedule
// from Gaussian noise. Strength has no effect here and is not validated.
func (p *Pipeline) TextToImage(ctx context.Context, promptIDs, negativeIDs []int64, opts Options) (*Result, error) {
	opts.Strength = 1
	if err := p.validate(promptIDs, negativeIDs, &opts); err != nil {
		return nil, err
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	rng := newRNG(opts.Seed)
	p.scheduler.SetTimesteps(opts.Steps)

	shape := latentShape(p.config.LatentChannels, opts.Height, opts.Width, p.config.VAEScaleFactor)
	latent := gaussianNoise(rng, numElements(shape), p.scheduler.InitNoiseSigma())

	return p.run(ctx, promptIDs, negativeIDs, opts, runState{latent: latent, shape: shape})
}

// ImageToImage reworks a source image. The image is projected to latent
// space, noised to the strength-determined point of the schedule, and
// denoised from there.
func (p *Pipeline) ImageToImage(ctx context.Context, promptIDs, negativeIDs []int64, image backends.NamedTensor, opts Options) (*Result, error) {
	if err := p.validate(promptIDs, negativeIDs, &opts); err != nil {
		return nil, err
	}
	if err := validateImage(image, opts.Height, opts.Width); err != nil {
		return nil, err
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	rng := newRNG(opts.Seed)
	p.scheduler.SetTimesteps(opts.Steps)

	state, err := p.encodeSource(ctx, image, opts, rng)
	if err != nil {
		return nil, err
	}
	return p.run(ctx, promptIDs, negativeIDs, opts, state)
}

// Inpaint reworks only the masked region of a source image. mask has shape
// [1, 1, H, W] matching the image; values at or above 0.5 are repainted and
// the rest of the image is preserved through per-step latent compositing.
func (p *Pipeline) Inpaint(ctx context.Context, promptIDs, negativeIDs []int64, image, mask backends.NamedTensor, opts Options) (*Result, error) {
	if err := p.validate(promptIDs, negativeIDs, &opts); err != nil {
		return nil, err
	}
	if err := validateImage(image, opts.Height, opts.Width); err != nil {
		return nil, err
	}
	if err := validateMask(mask, image); err != nil {
		return nil, err
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	rng := newRNG(opts.Seed)
	p.scheduler.SetTimesteps(opts.Steps)

	state, err := p.encodeSource(ctx, image, opts, rng)
	if err != nil {
		return nil, err
	}
	latH, latW := int(state.shape[2]), int(state.shape[3])
	state.maskLat = downsampleMask(mask.Float32s(), int(mask.Shape[2]), int(mask.Shape[3]), latH, latW)

	return p.run(ctx, promptIDs, negativeIDs, opts, state)
}

// Refine continues denoising from a latent produced by another pipeline run
// with OutputLatent set. The latent must match this model's geometry for the
// requested resolution.
func (p *Pipeline) Refine(ctx context.Context, promptIDs, negativeIDs []int64, latent backends.NamedTensor, opts Options) (*Result, error) {
	if err := p.validate(promptIDs, negativeIDs, &opts); err != nil {
		return nil, err
	}
	want := latentShape(p.config.LatentChannels, opts.Height, opts.Width, p.config.VAEScaleFactor)
	if !shapeEqual(latent.Shape, want) || latent.Float32s() == nil {
		return nil, &backends.ShapeMismatchError{
			Tensor: "latent",
			Want:   want,
			Got:    latent.Shape,
			Reason: "starting latent does not match model geometry",
		}
	}
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	rng := newRNG(opts.Seed)
	p.scheduler.SetTimesteps(opts.Steps)

	source := latent.Float32s()
	start := p.scheduler.StartStep(opts.Strength, opts.Steps)
	noise := gaussianNoise(rng, len(source), 1)
	state := runState{
		latent:    p.scheduler.AddNoise(source, noise, start),
		shape:     want,
		startStep: start,
	}
	return p.run(ctx, promptIDs, negativeIDs, opts, state)
}

// Close releases the underlying adapter.
func (p *Pipeline) Close() error {
	return p.adapter.Close()
}

// ==========================================================================
// Denoise loop
// ==========================================================================

// runState is the per-call loop state. Discarded wholesale on any failure.
type runState struct {
	latent    []float32
	shape     []int64
	startStep int

	// Inpainting only: latent-resolution mask, clean source latent, and the
	// noise realization used to re-noise the preserved region each step.
	maskLat []float32
	source  []float32
	noise   []float32
}

func (p *Pipeline) run(ctx context.Context, promptIDs, negativeIDs []int64, opts Options, state runState) (*Result, error) {
	start := time.Now()

	cond, err := p.adapter.EncodePrompt(ctx, [][]int64{promptIDs})
	if err != nil {
		return nil, err
	}
	var uncond backends.NamedTensor
	guided := opts.GuidanceScale > 1
	if guided {
		if uncond, err = p.adapter.EncodePrompt(ctx, [][]int64{negativeIDs}); err != nil {
			return nil, err
		}
	}

	timesteps := p.scheduler.Timesteps()
	latent := state.latent
	executed := 0
	channels := int(state.shape[1])
	latH, latW := int(state.shape[2]), int(state.shape[3])

	for i := state.startStep; i < len(timesteps); i++ {
		t := timesteps[i]
		sample := latentTensor("sample", state.shape, p.scheduler.ScaleInput(latent, i))

		condPred, err := p.adapter.PredictNoise(ctx, sample, t, cond)
		if err != nil {
			return nil, err
		}
		if err := backends.CheckFinite(condPred, i); err != nil {
			return nil, err
		}
		pred := condPred.Float32s()

		if guided {
			uncondPred, err := p.adapter.PredictNoise(ctx, sample, t, uncond)
			if err != nil {
				return nil, err
			}
			if err := backends.CheckFinite(uncondPred, i); err != nil {
				return nil, err
			}
			u := uncondPred.Float32s()
			combined := make([]float32, len(pred))
			for j := range combined {
				combined[j] = u[j] + opts.GuidanceScale*(pred[j]-u[j])
			}
			pred = combined
		}

		next, err := p.scheduler.Step(pred, latent, i)
		if err != nil {
			return nil, backends.WrapStage("scheduler", err)
		}
		if err := backends.CheckFinite(latentTensor("latent", state.shape, next), i); err != nil {
			return nil, err
		}

		if state.maskLat != nil {
			preserved := state.source
			if i+1 < len(timesteps) {
				preserved = p.scheduler.AddNoise(state.source, state.noise, i+1)
			}
			next = blendLatents(next, preserved, state.maskLat, channels, latH, latW)
		}

		latent = next
		executed++
	}

	result := &Result{
		Latent: latentTensor("latent", state.shape, latent),
		Steps:  executed,
	}

	if !opts.OutputLatent {
		unscaled := make([]float32, len(latent))
		for j := range latent {
			unscaled[j] = latent[j] / vaeScaling
		}
		pixels, err := p.adapter.DecodeLatents(ctx, latentTensor("latent_sample", state.shape, unscaled))
		if err != nil {
			return nil, err
		}
		if err := backends.CheckFinite(pixels, -1); err != nil {
			return nil, err
		}
		result.Pixels = pixels
	}

	p.logger.Debug("Diffusion run completed",
		zap.Int("steps", executed),
		zap.Int("start_step", state.startStep),
		zap.Bool("guided", guided),
		zap.Bool("latent_only", opts.OutputLatent),
		zap.Duration("elapsed", time.Since(start)))

	return result, nil
}

// encodeSource projects a pixel image into a noised starting latent at the
// strength-determined schedule position.
func (p *Pipeline) encodeSource(ctx context.Context, image backends.NamedTensor, opts Options, rng *rand.Rand) (runState, error) {
	encoded, err := p.adapter.EncodeImage(ctx, image)
	if err != nil {
		return runState{}, err
	}
	source := make([]float32, len(encoded.Float32s()))
	for j, v := range encoded.Float32s() {
		source[j] = v * vaeScaling
	}

	start := p.scheduler.StartStep(opts.Strength, opts.Steps)
	noise := gaussianNoise(rng, len(source), 1)
	return runState{
		latent:    p.scheduler.AddNoise(source, noise, start),
		shape:     encoded.Shape,
		startStep: start,
		source:    source,
		noise:     noise,
	}, nil
}

// validate checks call parameters before any session executes.
func (p *Pipeline) validate(promptIDs, negativeIDs []int64, opts *Options) error {
	if len(promptIDs) == 0 {
		return fmt.Errorf("%w: empty prompt", backends.ErrInvalidInput)
	}
	if opts.Steps <= 0 {
		opts.Steps = 50
	}
	if opts.Height <= 0 {
		opts.Height = 512
	}
	if opts.Width <= 0 {
		opts.Width = 512
	}
	if opts.Strength <= 0 || opts.Strength > 1 {
		return fmt.Errorf("%w: strength %v outside (0, 1]", backends.ErrInvalidInput, opts.Strength)
	}
	sf := p.config.VAEScaleFactor
	if opts.Height%sf != 0 || opts.Width%sf != 0 {
		return fmt.Errorf("%w: resolution %dx%d not a multiple of the VAE scale factor %d",
			backends.ErrInvalidInput, opts.Width, opts.Height, sf)
	}
	if opts.GuidanceScale > 1 && len(negativeIDs) == 0 {
		return fmt.Errorf("%w: guidance requires unconditional prompt tokens", backends.ErrInvalidInput)
	}
	return nil
}

func validateImage(image backends.NamedTensor, height, width int) error {
	want := []int64{1, 3, int64(height), int64(width)}
	if !shapeEqual(image.Shape, want) || image.Float32s() == nil {
		return &backends.ShapeMismatchError{
			Tensor: "image",
			Want:   want,
			Got:    image.Shape,
			Reason: "source image does not match requested resolution",
		}
	}
	return nil
}

func validateMask(mask, image backends.NamedTensor) error {
	want := []int64{1, 1, image.Shape[2], image.Shape[3]}
	if !shapeEqual(mask.Shape, want) || mask.Float32s() == nil {
		return &backends.ShapeMismatchError{
			Tensor: "mask",
			Want:   want,
			Got:    mask.Shape,
			Reason: "mask does not match image dimensions",
		}
	}
	return nil
}

func shapeEqual(got, want []int64) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func newRNG(seed int64) *rand.Rand {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return rand.New(rand.NewSource(seed))
}
