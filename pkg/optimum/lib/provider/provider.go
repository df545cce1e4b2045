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

// Package provider resolves a model identifier into a ModelConfig plus an
// ordered set of compiled graph artifacts, either by loading pre-built
// artifacts (ArtifactProvider) or by converting a source-framework checkpoint
// on the fly (ExportingProvider). Both yield the same downstream contract, so
// the rest of the stack never knows where graphs came from.
package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrArtifactNotFound indicates the requested graph artifacts do not exist at
// the given model/revision. Never retried here; retry policy belongs to the
// store collaborator.
var ErrArtifactNotFound = errors.New("graph artifacts not found")

// ConversionError wraps a failure from the conversion collaborator.
type ConversionError struct {
	ModelID string
	Err     error
}

func (e *ConversionError) Error() string {
	return fmt.Sprintf("converting model %q: %v", e.ModelID, e.Err)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}

// ModelRef names a model to load.
type ModelRef struct {
	// ID is the model identifier, e.g. "t5-small" or "owner/name".
	ID string
	// Revision selects a version of pre-built artifacts. Empty means default.
	Revision string
	// Export requests on-the-fly conversion from the source checkpoint
	// instead of resolving pre-built artifacts.
	Export bool
}

// Provider resolves a ModelRef into model metadata plus an ordered sequence
// of compiled graph handles. Ownership of the handles passes to the caller.
type Provider interface {
	Load(ctx context.Context, ref ModelRef) (*ModelConfig, []GraphHandle, error)
}

// GraphRole names the function of one compiled graph within a decomposed model.
type GraphRole string

const (
	RoleModel           GraphRole = "model"
	RoleEncoder         GraphRole = "encoder"
	RoleDecoder         GraphRole = "decoder"
	RoleDecoderWithPast GraphRole = "decoder_with_past"
	RoleTextEncoder     GraphRole = "text_encoder"
	RoleUNet            GraphRole = "unet"
	RoleVAEEncoder      GraphRole = "vae_encoder"
	RoleVAEDecoder      GraphRole = "vae_decoder"
)

// GraphHandle identifies one compiled, loadable computation graph.
// The provider owns it until handed to a model adapter, which then owns it
// for its lifetime.
type GraphHandle struct {
	Role GraphRole
	// Path to the graph artifact on disk.
	Path string
}

// graphFileCandidates lists, per role, the artifact filenames produced by the
// common export conventions, in preference order. Diffusion graphs live in
// per-component subdirectories.
var graphFileCandidates = map[GraphRole][]string{
	RoleModel:           {"model.onnx"},
	RoleEncoder:         {"encoder_model.onnx", "encoder.onnx"},
	RoleDecoder:         {"decoder_model.onnx", "decoder.onnx"},
	RoleDecoderWithPast: {"decoder_with_past_model.onnx", "decoder_with_past.onnx"},
	RoleTextEncoder:     {"text_encoder/model.onnx"},
	RoleUNet:            {"unet/model.onnx"},
	RoleVAEEncoder:      {"vae_encoder/model.onnx"},
	RoleVAEDecoder:      {"vae_decoder/model.onnx"},
}

// rolesForKind returns the graph roles a decomposed model of the given kind
// must provide, in execution order.
func rolesForKind(kind Kind) []GraphRole {
	switch kind {
	case KindSeq2Seq:
		return []GraphRole{RoleEncoder, RoleDecoder, RoleDecoderWithPast}
	case KindDiffusion:
		return []GraphRole{RoleTextEncoder, RoleUNet, RoleVAEEncoder, RoleVAEDecoder}
	default:
		return []GraphRole{RoleModel}
	}
}

// discoverGraphs locates the graph artifacts for a model kind inside dir.
// All roles required by the kind must be present.
func discoverGraphs(dir string, kind Kind) ([]GraphHandle, error) {
	var handles []GraphHandle
	for _, role := range rolesForKind(kind) {
		path := findGraphFile(dir, graphFileCandidates[role])
		if path == "" {
			return nil, fmt.Errorf("%w: no %s graph in %s", ErrArtifactNotFound, role, dir)
		}
		handles = append(handles, GraphHandle{Role: role, Path: path})
	}
	return handles, nil
}

// findGraphFile returns the first existing candidate under dir, also checking
// the "onnx/" subdirectory used by some exporters.
func findGraphFile(dir string, candidates []string) string {
	for _, sub := range []string{"", "onnx"} {
		for _, name := range candidates {
			path := filepath.Join(dir, sub, filepath.FromSlash(name))
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// modelDir maps a model ID (optionally owner/name) and revision to a local
// directory under root. Neither component may escape the root.
func modelDir(root, id, revision string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(id))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("%w: invalid model id %q", ErrArtifactNotFound, id)
	}
	dir := filepath.Join(root, clean)
	if revision != "" {
		rev := filepath.Clean(filepath.FromSlash(revision))
		if rev == "." || strings.HasPrefix(rev, "..") || filepath.IsAbs(rev) {
			return "", fmt.Errorf("%w: invalid revision %q", ErrArtifactNotFound, revision)
		}
		dir = filepath.Join(dir, rev)
	}
	return dir, nil
}
