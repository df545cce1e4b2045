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
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// ConversionResult is the bundle the conversion collaborator emits for one
// source-framework checkpoint: compiled graph streams keyed by canonical
// artifact filename, the model's config.json, and any tensor-name overrides
// the conversion discovered.
type ConversionResult struct {
	Config      []byte
	Graphs      map[string][]byte
	TensorNames map[string]string
}

// Converter is the external collaborator that translates a source-framework
// checkpoint into compiled graph artifacts. Failures are reported as a single
// structured error with a cause chain; this package wraps them in
// ConversionError and never retries.
type Converter interface {
	Convert(ctx context.Context, modelID, revision string) (*ConversionResult, error)
}

// DirConverter satisfies the Converter contract from a local checkpoint tree
// holding graphs that were compiled ahead of time. The model's directory under
// SourceDir must contain a config.json plus one or more .onnx graphs, laid out
// the way the export conventions place them.
type DirConverter struct {
	SourceDir string
}

var _ Converter = DirConverter{}

// Convert reads the checkpoint directory for modelID and returns its config
// and graph streams. Missing directories and directories without graphs
// surface as ErrArtifactNotFound.
func (c DirConverter) Convert(ctx context.Context, modelID, revision string) (*ConversionResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir, err := modelDir(c.SourceDir, modelID, revision)
	if err != nil {
		return nil, err
	}
	config, err := os.ReadFile(filepath.Join(dir, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("%w: %s has no config.json", ErrArtifactNotFound, modelID)
	}

	graphs := make(map[string][]byte)
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || filepath.Ext(path) != ".onnx" {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		graphs[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint %s: %w", modelID, err)
	}
	if len(graphs) == 0 {
		return nil, fmt.Errorf("%w: %s holds no compiled graphs", ErrArtifactNotFound, modelID)
	}

	return &ConversionResult{Config: config, Graphs: graphs}, nil
}

// ExportingProvider converts a source-framework model on the fly, publishes
// the produced artifacts atomically under its output directory, then loads
// them exactly as an ArtifactProvider would. The downstream contract is
// identical to ArtifactProvider's.
type ExportingProvider struct {
	converter Converter
	outputDir string
	logger    *zap.Logger
}

var _ Provider = (*ExportingProvider)(nil)

// NewExportingProvider creates a provider that converts through the given
// collaborator and publishes artifacts under outputDir.
func NewExportingProvider(converter Converter, outputDir string, logger *zap.Logger) *ExportingProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ExportingProvider{
		converter: converter,
		outputDir: outputDir,
		logger:    logger,
	}
}

// Load converts ref's source checkpoint and loads the resulting graphs.
// A conversion failure surfaces as a ConversionError and leaves no partial
// artifacts visible to later load calls: everything is staged in a scoped
// temporary directory and published with a single rename.
func (p *ExportingProvider) Load(ctx context.Context, ref ModelRef) (*ModelConfig, []GraphHandle, error) {
	result, err := p.converter.Convert(ctx, ref.ID, ref.Revision)
	if err != nil {
		return nil, nil, &ConversionError{ModelID: ref.ID, Err: err}
	}
	if len(result.Graphs) == 0 {
		return nil, nil, &ConversionError{ModelID: ref.ID, Err: fmt.Errorf("conversion produced no graphs")}
	}
	if len(result.Config) == 0 {
		return nil, nil, &ConversionError{ModelID: ref.ID, Err: fmt.Errorf("conversion produced no config")}
	}

	dir, err := modelDir(p.outputDir, ref.ID, ref.Revision)
	if err != nil {
		return nil, nil, err
	}
	if err := p.publish(dir, result); err != nil {
		return nil, nil, &ConversionError{ModelID: ref.ID, Err: err}
	}

	config, err := LoadModelConfig(ref.ID, dir)
	if err != nil {
		return nil, nil, fmt.Errorf("loading converted config: %w", err)
	}
	for logical, graph := range result.TensorNames {
		config.TensorNames[logical] = graph
	}

	handles, err := discoverGraphs(dir, config.Kind)
	if err != nil {
		return nil, nil, err
	}

	p.logger.Info("Converted and published graph artifacts",
		zap.String("model", ref.ID),
		zap.String("kind", string(config.Kind)),
		zap.Int("graphs", len(handles)))

	return config, handles, nil
}

// publish stages the conversion output in a temp directory next to the
// target, then swaps it in with a rename. Later loads either see the full
// bundle or nothing.
func (p *ExportingProvider) publish(dir string, result *ConversionResult) error {
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("creating output directory: %w", err)
	}
	tmp, err := os.MkdirTemp(filepath.Dir(dir), ".export-*")
	if err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	if err := os.WriteFile(filepath.Join(tmp, "config.json"), result.Config, 0o644); err != nil {
		return fmt.Errorf("staging config.json: %w", err)
	}
	for name, data := range result.Graphs {
		path := filepath.Join(tmp, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("staging %s: %w", name, err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("staging %s: %w", name, err)
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("replacing previous export: %w", err)
	}
	if err := os.Rename(tmp, dir); err != nil {
		return fmt.Errorf("publishing export: %w", err)
	}
	return nil
}
