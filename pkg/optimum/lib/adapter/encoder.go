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

// EncoderAdapter drives a single-graph model: encoder-only feature extraction
// or sequence classification. One forward pass, no generation loop.
type EncoderAdapter struct {
	session backends.Session
	names   map[string]string
	logger  *zap.Logger
}

// NewEncoderAdapter wraps the model graph session. The adapter takes ownership
// of the session.
func NewEncoderAdapter(sessions map[provider.GraphRole]backends.Session, config *provider.ModelConfig, logger *zap.Logger) (*EncoderAdapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	sess, err := sessionFor(sessions, provider.RoleModel)
	if err != nil {
		return nil, err
	}
	return &EncoderAdapter{
		session: sess,
		names:   config.TensorNames,
		logger:  logger,
	}, nil
}

// Forward runs one pass over a batch of token sequences. mask may be nil, in
// which case every position is attended to. The returned tensors are the
// graph's raw outputs; callers pick the one their task needs.
func (a *EncoderAdapter) Forward(ctx context.Context, inputIDs, mask [][]int64) ([]backends.NamedTensor, error) {
	flat, shape, err := flattenIDs(inputIDs)
	if err != nil {
		return nil, err
	}

	var flatMask []int64
	if mask == nil {
		flatMask = onesMask(shape)
	} else {
		flatMask, _, err = flattenIDs(mask)
		if err != nil {
			return nil, err
		}
	}

	inputs := []backends.NamedTensor{
		{Name: graphName(a.names, "input_ids"), Shape: shape, Data: flat},
		{Name: graphName(a.names, "attention_mask"), Shape: shape, Data: flatMask},
	}
	return runSession(ctx, a.session, "model", inputs)
}

// HiddenStates runs Forward and returns the encoder's hidden state tensor.
func (a *EncoderAdapter) HiddenStates(ctx context.Context, inputIDs, mask [][]int64) (backends.NamedTensor, error) {
	outputs, err := a.Forward(ctx, inputIDs, mask)
	if err != nil {
		return backends.NamedTensor{}, err
	}
	return findOutput(outputs, graphName(a.names, "encoder_state"), "model")
}

// Logits runs Forward and returns the classification or span logits tensor.
func (a *EncoderAdapter) Logits(ctx context.Context, inputIDs, mask [][]int64) (backends.NamedTensor, error) {
	outputs, err := a.Forward(ctx, inputIDs, mask)
	if err != nil {
		return backends.NamedTensor{}, err
	}
	return findOutput(outputs, graphName(a.names, "logits"), "model")
}

// Close releases the underlying session.
func (a *EncoderAdapter) Close() error {
	return a.session.Close()
}
