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

package provider

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// ArtifactProvider loads pre-built graph artifacts from a local models
// directory, optionally fetching absent models from a ModelStore first.
// Absent artifacts fail with ErrArtifactNotFound; nothing is converted here.
type ArtifactProvider struct {
	modelsDir string
	store     ModelStore // optional
	logger    *zap.Logger
}

var _ Provider = (*ArtifactProvider)(nil)

// NewArtifactProvider creates a provider over a local models directory.
// store may be nil, in which case only local artifacts resolve.
func NewArtifactProvider(modelsDir string, store ModelStore, logger *zap.Logger) *ArtifactProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArtifactProvider{
		modelsDir: modelsDir,
		store:     store,
		logger:    logger,
	}
}

// Load resolves pre-built artifacts for ref. ref.Export must be false; an
// ArtifactProvider never converts.
func (p *ArtifactProvider) Load(ctx context.Context, ref ModelRef) (*ModelConfig, []GraphHandle, error) {
	if ref.Export {
		return nil, nil, fmt.Errorf("artifact provider cannot export; use an exporting provider")
	}

	dir, err := modelDir(p.modelsDir, ref.ID, ref.Revision)
	if err != nil {
		return nil, nil, err
	}

	if _, statErr := os.Stat(filepath.Join(dir, "config.json")); statErr != nil {
		if p.store == nil {
			return nil, nil, fmt.Errorf("%w: %s@%s", ErrArtifactNotFound, ref.ID, ref.Revision)
		}
		if err := p.fetch(ctx, ref, dir); err != nil {
			return nil, nil, err
		}
	}

	config, err := LoadModelConfig(ref.ID, dir)
	if err != nil {
		return nil, nil, fmt.Errorf("loading model config: %w", err)
	}

	handles, err := discoverGraphs(dir, config.Kind)
	if err != nil {
		return nil, nil, err
	}

	p.logger.Info("Resolved pre-built graph artifacts",
		zap.String("model", ref.ID),
		zap.String("revision", ref.Revision),
		zap.String("kind", string(config.Kind)),
		zap.Int("graphs", len(handles)))

	return config, handles, nil
}

// fetch pulls the artifact bundle from the store and publishes it locally via
// a staging directory, so a failed fetch never leaves partial artifacts
// visible to later loads.
func (p *ArtifactProvider) fetch(ctx context.Context, ref ModelRef, dir string) error {
	files, err := p.store.Get(ctx, ref.ID, ref.Revision)
	if err != nil {
		return fmt.Errorf("fetching %s@%s: %w", ref.ID, ref.Revision, err)
	}

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("creating models directory: %w", err)
	}
	tmp, err := os.MkdirTemp(filepath.Dir(dir), ".fetch-*")
	if err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	for name, data := range files {
		path := filepath.Join(tmp, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("staging %s: %w", name, err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("staging %s: %w", name, err)
		}
	}

	if err := os.Rename(tmp, dir); err != nil {
		return fmt.Errorf("publishing fetched artifacts: %w", err)
	}

	p.logger.Info("Fetched artifact bundle from store",
		zap.String("model", ref.ID),
		zap.String("revision", ref.Revision),
		zap.Int("files", len(files)))
	return nil
}

// SaveArtifacts serializes a model's config plus every owned graph artifact
// through the store collaborator. This is the persistence half of the
// save/load round-trip: loading the saved bundle back through an
// ArtifactProvider reproduces identical outputs.
func SaveArtifacts(ctx context.Context, store ModelStore, modelID string, config *ModelConfig, handles []GraphHandle) error {
	if store == nil {
		return fmt.Errorf("nil model store")
	}
	if len(config.Raw) == 0 {
		return fmt.Errorf("model config has no raw payload to persist")
	}

	files := map[string][]byte{"config.json": config.Raw}
	for _, h := range handles {
		data, err := os.ReadFile(h.Path)
		if err != nil {
			return fmt.Errorf("reading %s graph: %w", h.Role, err)
		}
		files[artifactFilename(h.Role)] = data
	}

	if err := store.Put(ctx, modelID, files); err != nil {
		return fmt.Errorf("publishing artifacts for %s: %w", modelID, err)
	}
	return nil
}

// artifactFilename returns the canonical bundle filename for a graph role.
func artifactFilename(role GraphRole) string {
	return graphFileCandidates[role][0]
}
