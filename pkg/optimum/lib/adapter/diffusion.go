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

package adapter

import (
	"context"

	"go.uber.org/zap"

	"github.com/baskrahmer/optimum/pkg/optimum/lib/backends"
	"github.com/baskrahmer/optimum/pkg/optimum/lib/provider"
)

// DiffusionAdapter drives the four graphs of a latent diffusion model: text
// encoder, UNet, VAE encoder, and VAE decoder. The denoise loop itself lives
// in the diffusion orchestrator; this adapter only executes individual
// stages and translates tensor names.
type DiffusionAdapter struct {
	textEncoder backends.Session
	unet        backends.Session
	vaeEncoder  backends.Session
	vaeDecoder  backends.Session
	names       map[string]string
	logger      *zap.Logger
}

// NewDiffusionAdapter wraps the four graph sessions of a decomposed diffusion
// model. The adapter takes ownership of all sessions.
func NewDiffusionAdapter(sessions map[provider.GraphRole]backends.Session, config *provider.ModelConfig, logger *zap.Logger) (*DiffusionAdapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	textEncoder, err := sessionFor(sessions, provider.RoleTextEncoder)
	if err != nil {
		return nil, err
	}
	unet, err := sessionFor(sessions, provider.RoleUNet)
	if err != nil {
		return nil, err
	}
	vaeEncoder, err := sessionFor(sessions, provider.RoleVAEEncoder)
	if err != nil {
		return nil, err
	}
	vaeDecoder, err := sessionFor(sessions, provider.RoleVAEDecoder)
	if err != nil {
		return nil, err
	}
	return &DiffusionAdapter{
		textEncoder: textEncoder,
		unet:        unet,
		vaeEncoder:  vaeEncoder,
		vaeDecoder:  vaeDecoder,
		names:       config.TensorNames,
		logger:      logger,
	}, nil
}

// EncodePrompt runs the text encoder over a batch of prompt token IDs and
// returns the conditioning embeddings, shape [batch, seq, hidden].
func (a *DiffusionAdapter) EncodePrompt(ctx context.Context, promptIDs [][]int64) (backends.NamedTensor, error) {
	flat, shape, err := flattenIDs(promptIDs)
	if err != nil {
		return backends.NamedTensor{}, err
	}

	inputs := []backends.NamedTensor{
		{Name: graphName(a.names, "prompt_ids"), Shape: shape, Data: flat},
	}
	outputs, err := runSession(ctx, a.textEncoder, "text_encoder", inputs)
	if err != nil {
		return backends.NamedTensor{}, err
	}
	return findOutput(outputs, graphName(a.names, "text_embeds"), "text_encoder")
}

// PredictNoise runs one UNet pass: current latent sample, scalar timestep,
// and text conditioning in, predicted noise out.
func (a *DiffusionAdapter) PredictNoise(ctx context.Context, sample backends.NamedTensor, timestep float32, cond backends.NamedTensor) (backends.NamedTensor, error) {
	batch := int64(1)
	if len(sample.Shape) > 0 {
		batch = sample.Shape[0]
	}
	steps := make([]float32, batch)
	for i := range steps {
		steps[i] = timestep
	}

	inputs := []backends.NamedTensor{
		{Name: graphName(a.names, "sample"), Shape: sample.Shape, Data: sample.Data},
		{Name: graphName(a.names, "timestep"), Shape: []int64{batch}, Data: steps},
		{Name: graphName(a.names, "text_cond"), Shape: cond.Shape, Data: cond.Data},
	}
	outputs, err := runSession(ctx, a.unet, "unet", inputs)
	if err != nil {
		return backends.NamedTensor{}, err
	}
	return findOutput(outputs, graphName(a.names, "noise_pred"), "unet")
}

// EncodeImage projects a pixel-space image, shape [batch, channels, H, W],
// into latent space through the VAE encoder.
func (a *DiffusionAdapter) EncodeImage(ctx context.Context, pixels backends.NamedTensor) (backends.NamedTensor, error) {
	inputs := []backends.NamedTensor{
		{Name: graphName(a.names, "sample"), Shape: pixels.Shape, Data: pixels.Data},
	}
	outputs, err := runSession(ctx, a.vaeEncoder, "vae_encoder", inputs)
	if err != nil {
		return backends.NamedTensor{}, err
	}
	return findOutput(outputs, graphName(a.names, "latent_sample"), "vae_encoder")
}

// DecodeLatents projects a latent sample back to pixel space through the VAE
// decoder.
func (a *DiffusionAdapter) DecodeLatents(ctx context.Context, latent backends.NamedTensor) (backends.NamedTensor, error) {
	inputs := []backends.NamedTensor{
		{Name: graphName(a.names, "latent_sample"), Shape: latent.Shape, Data: latent.Data},
	}
	outputs, err := runSession(ctx, a.vaeDecoder, "vae_decoder", inputs)
	if err != nil {
		return backends.NamedTensor{}, err
	}
	return findOutput(outputs, graphName(a.names, "sample"), "vae_decoder")
}

// Close releases all four sessions.
func (a *DiffusionAdapter) Close() error {
	return closeAll(map[provider.GraphRole]backends.Session{
		provider.RoleTextEncoder: a.textEncoder,
		provider.RoleUNet:        a.unet,
		provider.RoleVAEEncoder:  a.vaeEncoder,
		provider.RoleVAEDecoder:  a.vaeDecoder,
	})
}
