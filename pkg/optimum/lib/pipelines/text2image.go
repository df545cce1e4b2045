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

package pipelines

import (
	"context"
	"fmt"

	"github.com/baskrahmer/optimum/pkg/optimum/lib/backends"
	"github.com/baskrahmer/optimum/pkg/optimum/lib/diffusion"
)

// TextToImage generates an image from a prompt. negativePrompt steers
// classifier-free guidance away from its content; empty means unconditioned
// guidance. Available on diffusion models only.
func (p *Pipeline) TextToImage(ctx context.Context, prompt, negativePrompt string, opts diffusion.Options) (*diffusion.Result, error) {
	if p.diffuser == nil {
		return nil, fmt.Errorf("model %s (kind %s) does not support image generation", p.config.ModelID, p.config.Kind)
	}

	var result *diffusion.Result
	err := p.timedCall("text_to_image", func() error {
		promptIDs, negativeIDs, err := p.encodePrompts(prompt, negativePrompt, opts)
		if err != nil {
			return err
		}
		result, err = p.diffuser.TextToImage(ctx, promptIDs, negativeIDs, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ImageToImage reworks a source image toward a prompt. image has shape
// [1, 3, H, W] with values in [-1, 1].
func (p *Pipeline) ImageToImage(ctx context.Context, prompt, negativePrompt string, image backends.NamedTensor, opts diffusion.Options) (*diffusion.Result, error) {
	if p.diffuser == nil {
		return nil, fmt.Errorf("model %s (kind %s) does not support image generation", p.config.ModelID, p.config.Kind)
	}

	var result *diffusion.Result
	err := p.timedCall("image_to_image", func() error {
		promptIDs, negativeIDs, err := p.encodePrompts(prompt, negativePrompt, opts)
		if err != nil {
			return err
		}
		result, err = p.diffuser.ImageToImage(ctx, promptIDs, negativeIDs, image, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Inpaint repaints the masked region of a source image toward a prompt.
// mask has shape [1, 1, H, W]; values at or above 0.5 are repainted.
func (p *Pipeline) Inpaint(ctx context.Context, prompt, negativePrompt string, image, mask backends.NamedTensor, opts diffusion.Options) (*diffusion.Result, error) {
	if p.diffuser == nil {
		return nil, fmt.Errorf("model %s (kind %s) does not support image generation", p.config.ModelID, p.config.Kind)
	}

	var result *diffusion.Result
	err := p.timedCall("inpaint", func() error {
		promptIDs, negativeIDs, err := p.encodePrompts(prompt, negativePrompt, opts)
		if err != nil {
			return err
		}
		result, err = p.diffuser.Inpaint(ctx, promptIDs, negativeIDs, image, mask, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Refine continues denoising a latent produced by another pipeline run with
// OutputLatent set, for base-then-refiner chains.
func (p *Pipeline) Refine(ctx context.Context, prompt, negativePrompt string, latent backends.NamedTensor, opts diffusion.Options) (*diffusion.Result, error) {
	if p.diffuser == nil {
		return nil, fmt.Errorf("model %s (kind %s) does not support image generation", p.config.ModelID, p.config.Kind)
	}

	var result *diffusion.Result
	err := p.timedCall("refine", func() error {
		promptIDs, negativeIDs, err := p.encodePrompts(prompt, negativePrompt, opts)
		if err != nil {
			return err
		}
		result, err = p.diffuser.Refine(ctx, promptIDs, negativeIDs, latent, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// encodePrompts tokenizes the conditioning and unconditional prompts. When
// guidance is on, an empty negative prompt still yields unconditional tokens
// so the guided pass has something to contrast against.
func (p *Pipeline) encodePrompts(prompt, negativePrompt string, opts diffusion.Options) ([]int64, []int64, error) {
	promptIDs, err := p.encode(prompt)
	if err != nil {
		return nil, nil, err
	}

	var negativeIDs []int64
	if opts.GuidanceScale > 1 {
		if negativeIDs, err = p.encode(negativePrompt); err != nil {
			return nil, nil, err
		}
		if len(negativeIDs) == 0 {
			negativeIDs = []int64{p.config.PadTokenID}
		}
	}
	return promptIDs, negativeIDs, nil
}
