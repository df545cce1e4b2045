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

// Package pipelines is the user-facing facade: it resolves a model through a
// graph provider, selects an inference backend, builds the orchestrator
// matching the model's kind, and exposes task-level operations over plain
// strings and images. The kind is resolved exactly once at load; every later
// call dispatches over the already-constructed orchestrator.
package pipelines

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/baskrahmer/optimum/pkg/optimum/lib/adapter"
	"github.com/baskrahmer/optimum/pkg/optimum/lib/backends"
	"github.com/baskrahmer/optimum/pkg/optimum/lib/diffusion"
	"github.com/baskrahmer/optimum/pkg/optimum/lib/provider"
	"github.com/baskrahmer/optimum/pkg/optimum/lib/seq2seq"
	"github.com/baskrahmer/optimum/pkg/optimum/lib/tokenizers"
)

// LoadOptions configures pipeline construction.
type LoadOptions struct {
	// Backend selects an inference backend. Empty picks the best available.
	Backend backends.BackendType

	// SessionOptions apply to every graph session created for the pipeline.
	SessionOptions []backends.SessionOption

	// Scheduler overrides the diffusion noise schedule. Nil selects DDIM.
	// Ignored for non-diffusion models.
	Scheduler diffusion.Scheduler

	// Tokenizer overrides the tokenizer shipped with the model artifacts.
	Tokenizer tokenizers.Tokenizer
}

// Pipeline is a loaded model with its orchestrator. It is safe for
// concurrent use; calls that share an orchestrator queue and never
// interleave.
type Pipeline struct {
	config    *provider.ModelConfig
	handles   []provider.GraphHandle
	tokenizer tokenizers.Tokenizer
	logger    *zap.Logger

	// Exactly one of these is set, per the model kind.
	generator *seq2seq.Generator
	diffuser  *diffusion.Pipeline
	encoder   *adapter.EncoderAdapter
}

// Load resolves ref through the provider and builds the pipeline for the
// model's kind.
func Load(ctx context.Context, prov provider.Provider, ref provider.ModelRef, opts LoadOptions, logger *zap.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	config, handles, err := prov.Load(ctx, ref)
	if err != nil {
		return nil, err
	}

	var preferred []backends.BackendType
	if opts.Backend != "" {
		preferred = append(preferred, opts.Backend)
	}
	backend, err := backends.SelectBackend(preferred)
	if err != nil {
		return nil, err
	}

	sessions, err := createSessions(backend.SessionFactory(), handles, opts.SessionOptions)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		config:    config,
		handles:   handles,
		tokenizer: opts.Tokenizer,
		logger:    logger.With(zap.String("model", config.ModelID)),
	}
	if p.tokenizer == nil {
		// Best effort: diffusion and externally tokenized callers can run
		// without one, text operations will fail with a clear error.
		if tok, tokErr := tokenizers.LoadTokenizer(modelDirOf(handles)); tokErr == nil {
			p.tokenizer = tok
		} else {
			logger.Debug("No tokenizer loaded with model", zap.Error(tokErr))
		}
	}

	switch config.Kind {
	case provider.KindSeq2Seq:
		a, err := adapter.NewSeq2SeqAdapter(sessions, config, logger)
		if err != nil {
			closeSessions(sessions)
			return nil, err
		}
		p.generator = seq2seq.NewGenerator(a, config, logger)
	case provider.KindDiffusion:
		a, err := adapter.NewDiffusionAdapter(sessions, config, logger)
		if err != nil {
			closeSessions(sessions)
			return nil, err
		}
		p.diffuser = diffusion.NewPipeline(a, config, opts.Scheduler, logger)
	case provider.KindEncoderOnly, provider.KindClassification:
		a, err := adapter.NewEncoderAdapter(sessions, config, logger)
		if err != nil {
			closeSessions(sessions)
			return nil, err
		}
		p.encoder = a
	default:
		closeSessions(sessions)
		return nil, fmt.Errorf("unsupported model kind %q", config.Kind)
	}

	modelLoaded.WithLabelValues(config.ModelID, string(config.Kind)).Set(1)
	p.logger.Info("Pipeline loaded",
		zap.String("kind", string(config.Kind)),
		zap.String("architecture", config.Architecture),
		zap.String("backend", string(backend.Type())),
		zap.Int("graphs", len(handles)))
	return p, nil
}

// Config returns the model's resolved configuration.
func (p *Pipeline) Config() *provider.ModelConfig {
	return p.config
}

// Kind returns the orchestrator variant driving this pipeline.
func (p *Pipeline) Kind() provider.Kind {
	return p.config.Kind
}

// Save publishes the pipeline's config and graph artifacts through a store.
// Loading the saved bundle back yields an equivalent pipeline.
func (p *Pipeline) Save(ctx context.Context, store provider.ModelStore, modelID string) error {
	return provider.SaveArtifacts(ctx, store, modelID, p.config, p.handles)
}

// Close releases the pipeline's orchestrator and all its sessions.
func (p *Pipeline) Close() error {
	modelLoaded.WithLabelValues(p.config.ModelID, string(p.config.Kind)).Set(0)
	switch {
	case p.generator != nil:
		return p.generator.Close()
	case p.diffuser != nil:
		return p.diffuser.Close()
	case p.encoder != nil:
		return p.encoder.Close()
	}
	return nil
}

// encode tokenizes text for model input, failing when the pipeline has no
// tokenizer.
func (p *Pipeline) encode(text string) ([]int64, error) {
	if p.tokenizer == nil {
		return nil, fmt.Errorf("pipeline has no tokenizer; pass pre-tokenized input or supply one at load")
	}
	ids := p.tokenizer.Encode(text)
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = int64(id)
	}
	return out, nil
}

// decode detokenizes generated IDs, dropping pad tokens.
func (p *Pipeline) decode(ids []int64) (string, error) {
	if p.tokenizer == nil {
		return "", fmt.Errorf("pipeline has no tokenizer")
	}
	ints := make([]int, 0, len(ids))
	for _, id := range ids {
		if id == p.config.PadTokenID {
			continue
		}
		ints = append(ints, int(id))
	}
	return strings.TrimSpace(p.tokenizer.Decode(ints)), nil
}

// callID tags one pipeline call in logs.
func callID() string {
	return uuid.NewString()
}

func createSessions(factory backends.SessionFactory, handles []provider.GraphHandle, opts []backends.SessionOption) (map[provider.GraphRole]backends.Session, error) {
	sessions := make(map[provider.GraphRole]backends.Session, len(handles))
	for _, h := range handles {
		sess, err := factory.CreateSession(h.Path, opts...)
		if err != nil {
			closeSessions(sessions)
			return nil, fmt.Errorf("creating %s session: %w", h.Role, err)
		}
		sessions[h.Role] = sess
	}
	return sessions, nil
}

func closeSessions(sessions map[provider.GraphRole]backends.Session) {
	for _, sess := range sessions {
		_ = sess.Close()
	}
}

// modelDirOf recovers the model directory from the graph artifact layout.
// Diffusion graphs live one component directory below the model root.
func modelDirOf(handles []provider.GraphHandle) string {
	if len(handles) == 0 {
		return ""
	}
	dir := filepath.Dir(handles[0].Path)
	switch handles[0].Role {
	case provider.RoleTextEncoder, provider.RoleUNet, provider.RoleVAEEncoder, provider.RoleVAEDecoder:
		return filepath.Dir(dir)
	}
	if filepath.Base(dir) == "onnx" {
		return filepath.Dir(dir)
	}
	return dir
}

// timedCall wraps an operation with latency and status metrics.
func (p *Pipeline) timedCall(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	observe(p.config.ModelID, operation, start, err)
	return err
}
