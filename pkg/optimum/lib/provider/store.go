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
	"strings"
)

// ModelStore is the opaque blob service holding graph artifact bundles: a set
// of compiled-graph files plus one metadata file per model/revision. Fetching
// over the network, caching, and retries all live behind this interface.
type ModelStore interface {
	// Get returns the artifact bundle for a model at a revision, keyed by
	// relative filename. Returns an error matching ErrArtifactNotFound when
	// the model/revision is absent.
	Get(ctx context.Context, modelID, revision string) (map[string][]byte, error)

	// Put publishes an artifact bundle for a model.
	Put(ctx context.Context, modelID string, files map[string][]byte) error
}

// FSStore is a ModelStore backed by a local directory tree:
// root/<model-id>[/<revision>]/<file>.
type FSStore struct {
	Root string
}

var _ ModelStore = (*FSStore)(nil)

// NewFSStore creates a filesystem-backed store rooted at dir.
func NewFSStore(dir string) *FSStore {
	return &FSStore{Root: dir}
}

func (s *FSStore) Get(ctx context.Context, modelID, revision string) (map[string][]byte, error) {
	dir, err := modelDir(s.Root, modelID, revision)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("%w: %s@%s", ErrArtifactNotFound, modelID, revision)
	}

	files := make(map[string][]byte)
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if err := ctx.Err(); err != nil {
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
		files[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading artifact bundle: %w", err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %s@%s", ErrArtifactNotFound, modelID, revision)
	}
	return files, nil
}

func (s *FSStore) Put(ctx context.Context, modelID string, files map[string][]byte) error {
	dir, err := modelDir(s.Root, modelID, "")
	if err != nil {
		return err
	}

	// Stage into a temp sibling and rename so a failed Put never leaves a
	// partial bundle visible to Get.
	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return fmt.Errorf("creating store directory: %w", err)
	}
	tmp, err := os.MkdirTemp(filepath.Dir(dir), ".put-*")
	if err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}
	defer os.RemoveAll(tmp)

	for name, data := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		rel := filepath.FromSlash(name)
		if strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
			return fmt.Errorf("invalid artifact filename %q", name)
		}
		path := filepath.Join(tmp, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating artifact directory: %w", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return fmt.Errorf("writing artifact %s: %w", name, err)
		}
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("replacing existing bundle: %w", err)
	}
	if err := os.Rename(tmp, dir); err != nil {
		return fmt.Errorf("publishing bundle: %w", err)
	}
	return nil
}
