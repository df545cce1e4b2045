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

// Package seq2seq runs autoregressive generation over a decomposed
// encoder-decoder model: one encoder pass, a first decoder pass that primes
// the KV cache, then single-token decoder-with-past steps until the model
// emits EOS, a stop condition fires, or the length bound is reached.
package seq2seq

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

// FinishReason records why a generation stopped.
type FinishReason string

const (
	FinishEOS    FinishReason = "eos"
	FinishLength FinishReason = "length"
	FinishStop   FinishReason = "stop"
)

// GenerateOptions configures one generation call.
type GenerateOptions struct {
	// MaxNewTokens bounds the number of generated tokens. Zero falls back to
	// the model's configured maximum length.
	MaxNewTokens int

	// DoSample enables sampling; greedy argmax otherwise.
	DoSample bool

	// Temperature scales logits before sampling. 1.0 is neutral.
	Temperature float32

	// TopK limits sampling to the k most likely tokens. 0 disables.
	TopK int

	// TopP is the nucleus sampling threshold. 1.0 disables.
	TopP float32

	// RepetitionPenalty discounts already-generated tokens. 1.0 is neutral.
	RepetitionPenalty float32

	// Seed makes sampling reproducible. Zero seeds from the clock.
	Seed int64

	// StopFunc, when non-nil, is consulted after every generated token and
	// halts generation when it returns true.
	StopFunc func(tokens []int64) bool
}

// DefaultGenerateOptions returns greedy decoding with neutral sampling knobs.
func DefaultGenerateOptions() GenerateOptions {
	return GenerateOptions{
		Temperature:       1.0,
		TopP:              1.0,
		RepetitionPenalty: 1.0,
	}
}

// GenerateResult is the outcome of one generation.
type GenerateResult struct {
	// Tokens are the generated token IDs, excluding the decoder start token
	// and the terminating EOS.
	Tokens []int64

	// Steps is the number of decoder passes executed.
	Steps int

	// FinishReason records why generation stopped.
	FinishReason FinishReason
}

// Generator owns a seq2seq adapter and serializes generations over it.
// Concurrent Generate calls queue on a single-admission semaphore; a call
// blocked there honors context cancellation. The KV cache is per-call state
// and is discarded on any failure.
type Generator struct {
	adapter *adapter.Seq2SeqAdapter
	config  *provider.ModelConfig
	sem     *semaphore.Weighted
	logger  *zap.Logger
}

// NewGenerator wraps a seq2seq adapter. The generator takes ownership of the
// adapter.
func NewGenerator(a *adapter.Seq2SeqAdapter, config *provider.ModelConfig, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		adapter: a,
		config:  config,
		sem:     semaphore.NewWeighted(1),
		logger:  logger,
	}
}

// Generate runs one full generation over a tokenized source sequence.
// Input validation happens before any session executes.
func (g *Generator) Generate(ctx context.Context, inputIDs []int64, opts GenerateOptions) (*GenerateResult, error) {
	if len(inputIDs) == 0 {
		return nil, fmt.Errorf("%w: empty input sequence", backends.ErrInvalidInput)
	}
	maxNew := opts.MaxNewTokens
	if maxNew <= 0 {
		maxNew = g.config.MaxLength
	}
	if maxNew <= 0 {
		maxNew = 256
	}

	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	start := time.Now()
	enc, err := g.adapter.Encode(ctx, [][]int64{inputIDs}, nil)
	if err != nil {
		return nil, err
	}

	cache := NewKVCache()
	generated := make([]int64, 0, maxNew)
	finish := FinishLength

	logits, outputs, err := g.adapter.DecodeInitial(ctx, [][]int64{{g.config.DecoderStartTokenID}}, enc)
	if err != nil {
		return nil, err
	}

	for step := 0; ; step++ {
		stepLogits, err := lastPositionLogits(logits)
		if err != nil {
			return nil, err
		}
		if err := backends.CheckFinite(backends.NamedTensor{Name: logits.Name, Data: stepLogits}, step); err != nil {
			return nil, err
		}
		if err := cache.Update(outputs); err != nil {
			return nil, err
		}

		next := selectNextToken(stepLogits, generated, opts, rng)
		if g.config.EOSTokenID >= 0 && next == g.config.EOSTokenID {
			finish = FinishEOS
			break
		}
		generated = append(generated, next)
		if opts.StopFunc != nil && opts.StopFunc(generated) {
			finish = FinishStop
			break
		}
		if len(generated) >= maxNew {
			finish = FinishLength
			break
		}

		logits, outputs, err = g.adapter.DecodeWithPast(ctx, []int64{next}, enc, cache.Inputs())
		if err != nil {
			return nil, err
		}
	}

	g.logger.Debug("Generation completed",
		zap.Int("input_tokens", len(inputIDs)),
		zap.Int("generated_tokens", len(generated)),
		zap.Int("decoder_steps", cache.Steps()),
		zap.String("finish_reason", string(finish)),
		zap.Duration("elapsed", time.Since(start)))

	return &GenerateResult{
		Tokens:       generated,
		Steps:        cache.Steps(),
		FinishReason: finish,
	}, nil
}

// Close releases the underlying adapter.
func (g *Generator) Close() error {
	return g.adapter.Close()
}

// lastPositionLogits extracts the vocabulary logits of the final sequence
// position from a [1, seq, vocab] logits tensor.
func lastPositionLogits(t backends.NamedTensor) ([]float32, error) {
	data := t.Float32s()
	if len(t.Shape) != 3 || t.Shape[0] != 1 || data == nil {
		return nil, &backends.ShapeMismatchError{
			Tensor: t.Name,
			Want:   []int64{1, -1, -1},
			Got:    t.Shape,
			Reason: "logits must be a rank 3 float tensor with batch 1",
		}
	}
	vocab := int(t.Shape[2])
	if vocab <= 0 || len(data) < vocab {
		return nil, &backends.ShapeMismatchError{
			Tensor: t.Name,
			Got:    t.Shape,
			Reason: "logits data shorter than one vocabulary row",
		}
	}
	return data[len(data)-vocab:], nil
}
