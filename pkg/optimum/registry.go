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

// Package optimum ties the inference layers together for serving callers: a
// reference counted pipeline registry plus a bounded request queue. Library
// users who manage a single pipeline directly can ignore this package and use
// pipelines.Load.
package optimum

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/baskrahmer/optimum/pkg/optimum/lib/pipelines"
	"github.com/baskrahmer/optimum/pkg/optimum/lib/provider"
)

// ErrRegistryClosed is returned by Acquire after the registry shuts down.
var ErrRegistryClosed = errors.New("pipeline registry is closed")

// PipelineRegistry shares loaded pipelines between callers. Each model is
// loaded at most once; callers acquire a reference and release it when done.
// A pipeline's sessions are freed once the last reference is released after
// the model is unloaded or the registry is closed.
type PipelineRegistry struct {
	provider provider.Provider
	opts     pipelines.LoadOptions
	logger   *zap.Logger

	mu     sync.Mutex
	loaded map[string]*registryEntry
	closed bool
}

// registryEntry tracks one loading or loaded pipeline. ready is closed once
// the load attempt finishes, successfully or not.
type registryEntry struct {
	ready    chan struct{}
	pipeline *pipelines.Pipeline
	err      error
	refs     int
	retired  bool
}

// NewPipelineRegistry creates a registry loading models through prov with
// the given pipeline options.
func NewPipelineRegistry(prov provider.Provider, opts pipelines.LoadOptions, logger *zap.Logger) *PipelineRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PipelineRegistry{
		provider: prov,
		opts:     opts,
		logger:   logger,
		loaded:   make(map[string]*registryEntry),
	}
}

// refKey identifies a pipeline slot. Distinct revisions of one model load
// independently.
func refKey(ref provider.ModelRef) string {
	if ref.Revision == "" {
		return ref.ID
	}
	return ref.ID + "@" + ref.Revision
}

// Acquire returns the shared pipeline for ref, loading it on first use.
// Concurrent callers for the same model block on a single load. The returned
// release function must be called exactly once when the caller is done with
// the pipeline.
func (r *PipelineRegistry) Acquire(ctx context.Context, ref provider.ModelRef) (*pipelines.Pipeline, func(), error) {
	key := refKey(ref)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, nil, ErrRegistryClosed
	}
	entry := r.loaded[key]
	if entry == nil || entry.retired {
		entry = &registryEntry{ready: make(chan struct{})}
		r.loaded[key] = entry
		r.mu.Unlock()

		pipeline, err := pipelines.Load(ctx, r.provider, ref, r.opts, r.logger)

		r.mu.Lock()
		if err == nil && r.closed {
			err = ErrRegistryClosed
		}
		entry.pipeline = pipeline
		entry.err = err
		close(entry.ready)
		if err != nil {
			// Failed loads do not poison the slot; the next Acquire retries.
			if r.loaded[key] == entry {
				delete(r.loaded, key)
			}
			r.mu.Unlock()
			if pipeline != nil {
				_ = pipeline.Close()
			}
			return nil, nil, err
		}
		entry.refs = 1
		r.mu.Unlock()
		r.logger.Debug("Pipeline registered", zap.String("model", key))
		return pipeline, r.makeRelease(key, entry), nil
	}
	r.mu.Unlock()

	// Another caller is loading or has loaded this model.
	select {
	case <-entry.ready:
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	}

	r.mu.Lock()
	if entry.err != nil {
		r.mu.Unlock()
		return nil, nil, entry.err
	}
	if entry.retired || r.closed {
		r.mu.Unlock()
		return nil, nil, ErrRegistryClosed
	}
	entry.refs++
	r.mu.Unlock()
	return entry.pipeline, r.makeRelease(key, entry), nil
}

// makeRelease creates the single-use release function for one acquired
// reference.
func (r *PipelineRegistry) makeRelease(key string, entry *registryEntry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			entry.refs--
			shouldClose := entry.refs == 0 && (entry.retired || r.closed)
			r.mu.Unlock()
			if shouldClose {
				if err := entry.pipeline.Close(); err != nil {
					r.logger.Warn("Closing released pipeline", zap.String("model", key), zap.Error(err))
				}
			}
		})
	}
}

// Unload retires a model from the registry. Existing references stay valid;
// the pipeline closes once the last one is released. Unloading a model that
// is not loaded is a no-op.
func (r *PipelineRegistry) Unload(ref provider.ModelRef) error {
	key := refKey(ref)

	r.mu.Lock()
	entry := r.loaded[key]
	if entry == nil {
		r.mu.Unlock()
		return nil
	}
	select {
	case <-entry.ready:
	default:
		r.mu.Unlock()
		return fmt.Errorf("model %s is still loading", key)
	}
	entry.retired = true
	delete(r.loaded, key)
	shouldClose := entry.refs == 0 && entry.err == nil
	r.mu.Unlock()

	if shouldClose {
		return entry.pipeline.Close()
	}
	r.logger.Debug("Pipeline retired with outstanding references",
		zap.String("model", key), zap.Int("refs", entry.refs))
	return nil
}

// Loaded lists the keys of currently registered models.
func (r *PipelineRegistry) Loaded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.loaded))
	for key := range r.loaded {
		keys = append(keys, key)
	}
	return keys
}

// Close retires every registered model and rejects further Acquires.
// Pipelines with outstanding references close as those are released.
func (r *PipelineRegistry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := make(map[string]*registryEntry, len(r.loaded))
	for key, entry := range r.loaded {
		entries[key] = entry
		delete(r.loaded, key)
	}
	r.mu.Unlock()

	var firstErr error
	for key, entry := range entries {
		<-entry.ready
		r.mu.Lock()
		entry.retired = true
		shouldClose := entry.refs == 0 && entry.err == nil
		r.mu.Unlock()
		if !shouldClose {
			continue
		}
		if err := entry.pipeline.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing pipeline %s: %w", key, err)
		}
	}
	return firstErr
}
