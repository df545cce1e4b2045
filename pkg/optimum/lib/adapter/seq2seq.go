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

// EncoderState carries the encoder pass outputs a decoder step needs: the
// hidden states for cross-attention and the source attention mask. Computed
// once per generation, immutable afterwards.
type EncoderState struct {
	Hidden backends.NamedTensor
	Mask   backends.NamedTensor
}

// Batch returns the batch dimension of the encoded input.
func (s *EncoderState) Batch() int64 {
	if len(s.Hidden.Shape) == 0 {
		return 0
	}
	return s.Hidden.Shape[0]
}

// Seq2SeqAdapter drives a three-graph encoder-decoder model: one encoder
// graph, one decoder graph for the first step, and one decoder-with-past
// graph consuming a KV cache for every later step. The adapter owns its
// sessions and is safe for one generation at a time.
type Seq2SeqAdapter struct {
	encoder         backends.Session
	decoder         backends.Session
	decoderWithPast backends.Session
	names           map[string]string
	logger          *zap.Logger
}

// NewSeq2SeqAdapter wraps the three graph sessions of a decomposed
// encoder-decoder model. The adapter takes ownership of all sessions.
func NewSeq2SeqAdapter(sessions map[provider.GraphRole]backends.Session, config *provider.ModelConfig, logger *zap.Logger) (*Seq2SeqAdapter, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	encoder, err := sessionFor(sessions, provider.RoleEncoder)
	if err != nil {
		return nil, err
	}
	decoder, err := sessionFor(sessions, provider.RoleDecoder)
	if err != nil {
		return nil, err
	}
	withPast, err := sessionFor(sessions, provider.RoleDecoderWithPast)
	if err != nil {
		return nil, err
	}
	return &Seq2SeqAdapter{
		encoder:         encoder,
		decoder:         decoder,
		decoderWithPast: withPast,
		names:           config.TensorNames,
		logger:          logger,
	}, nil
}

// Encode runs the encoder graph once over the source batch. mask may be nil.
func (a *Seq2SeqAdapter) Encode(ctx context.Context, inputIDs, mask [][]int64) (*EncoderState, error) {
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
	outputs, err := runSession(ctx, a.encoder, "encoder", inputs)
	if err != nil {
		return nil, err
	}

	hidden, err := findOutput(outputs, graphName(a.names, "encoder_state"), "encoder")
	if err != nil {
		return nil, err
	}
	return &EncoderState{
		Hidden: hidden,
		Mask:   backends.NamedTensor{Name: graphName(a.names, "encoder_mask"), Shape: shape, Data: flatMask},
	}, nil
}

// DecodeInitial runs the no-cache decoder graph for the first generation
// step. It returns the logits tensor plus all raw graph outputs, from which
// the caller harvests the initial KV cache.
func (a *Seq2SeqAdapter) DecodeInitial(ctx context.Context, decoderIDs [][]int64, enc *EncoderState) (backends.NamedTensor, []backends.NamedTensor, error) {
	flat, shape, err := flattenIDs(decoderIDs)
	if err != nil {
		return backends.NamedTensor{}, nil, err
	}

	inputs := []backends.NamedTensor{
		{Name: graphName(a.names, "input_ids"), Shape: shape, Data: flat},
		{Name: enc.Mask.Name, Shape: enc.Mask.Shape, Data: enc.Mask.Data},
		{Name: graphName(a.names, "encoder_hidden"), Shape: enc.Hidden.Shape, Data: enc.Hidden.Data},
	}
	outputs, err := runSession(ctx, a.decoder, "decoder", inputs)
	if err != nil {
		return backends.NamedTensor{}, nil, err
	}

	logits, err := findOutput(outputs, graphName(a.names, "logits"), "decoder")
	if err != nil {
		return backends.NamedTensor{}, nil, err
	}
	return logits, outputs, nil
}

// DecodeWithPast runs the cached decoder graph for one step. lastTokens holds
// exactly one token per batch row; past is the flat list of cache tensors,
// already named as the graph expects. Returns the step logits plus all raw
// outputs carrying the updated cache.
func (a *Seq2SeqAdapter) DecodeWithPast(ctx context.Context, lastTokens []int64, enc *EncoderState, past []backends.NamedTensor) (backends.NamedTensor, []backends.NamedTensor, error) {
	if len(lastTokens) == 0 {
		return backends.NamedTensor{}, nil, backends.WrapStage("decoder_with_past", backends.ErrInvalidInput)
	}
	shape := []int64{int64(len(lastTokens)), 1}

	inputs := make([]backends.NamedTensor, 0, 3+len(past))
	inputs = append(inputs,
		backends.NamedTensor{Name: graphName(a.names, "input_ids"), Shape: shape, Data: lastTokens},
		backends.NamedTensor{Name: enc.Mask.Name, Shape: enc.Mask.Shape, Data: enc.Mask.Data},
		backends.NamedTensor{Name: graphName(a.names, "encoder_hidden"), Shape: enc.Hidden.Shape, Data: enc.Hidden.Data},
	)
	inputs = append(inputs, past...)

	outputs, err := runSession(ctx, a.decoderWithPast, "decoder_with_past", inputs)
	if err != nil {
		return backends.NamedTensor{}, nil, err
	}

	logits, err := findOutput(outputs, graphName(a.names, "logits"), "decoder_with_past")
	if err != nil {
		return backends.NamedTensor{}, nil, err
	}
	return logits, outputs, nil
}

// Close releases all three sessions.
func (a *Seq2SeqAdapter) Close() error {
	return closeAll(map[provider.GraphRole]backends.Session{
		provider.RoleEncoder:         a.encoder,
		provider.RoleDecoder:         a.decoder,
		provider.RoleDecoderWithPast: a.decoderWithPast,
	})
}
