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

// Package backends provides the execution-session layer: loading compiled
// computation graphs and running them with named tensors. Higher-level model
// semantics (encoder-decoder generation, diffusion workflows) are built on
// top of this package by the adapter and orchestrator packages.
package backends

import (
	"fmt"
	"os"
	"sort"
	"sync"
)

// BackendType identifies an execution backend.
type BackendType string

const (
	// BackendONNX is ONNX Runtime via CGO bindings. Fastest; requires the
	// onnxruntime shared library and the "onnx,ORT" build tags.
	BackendONNX BackendType = "onnx"

	// BackendGoMLX executes ONNX graphs through GoMLX. Pure Go via the
	// simplego engine, always available.
	BackendGoMLX BackendType = "gomlx"
)

// GPUMode controls GPU acceleration for backends that support it.
type GPUMode string

const (
	GPUModeAuto GPUMode = "auto"
	GPUModeCuda GPUMode = "cuda"
	GPUModeOff  GPUMode = "off"
)

// ShouldUseGPU resolves a GPUMode against the environment.
// In auto mode GPU use is opted in via the OPTIMUM_GPU environment variable,
// since probing for CUDA at startup is slow and noisy on CPU-only hosts.
func ShouldUseGPU(mode GPUMode) bool {
	switch mode {
	case GPUModeCuda:
		return true
	case GPUModeOff:
		return false
	default:
		return os.Getenv("OPTIMUM_GPU") == "cuda"
	}
}

// Backend is an execution engine capable of creating sessions from compiled
// graph files. Backends self-register via RegisterBackend in their init().
type Backend interface {
	// Type returns the backend identifier.
	Type() BackendType

	// Name returns a human-readable backend name for logging.
	Name() string

	// Available reports whether the backend can be used in this build.
	Available() bool

	// Priority orders backend selection; lower wins.
	Priority() int

	// SessionFactory returns a factory for creating sessions.
	SessionFactory() SessionFactory
}

var (
	registryMu sync.RWMutex
	registry   = make(map[BackendType]Backend)
)

// RegisterBackend makes a backend available for selection.
// Called from backend init() functions.
func RegisterBackend(b Backend) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[b.Type()] = b
}

// GetBackend returns the backend with the given type, if registered and available.
func GetBackend(t BackendType) (Backend, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	b, ok := registry[t]
	if !ok {
		return nil, fmt.Errorf("backend %q not registered in this build", t)
	}
	if !b.Available() {
		return nil, fmt.Errorf("backend %q registered but not available", t)
	}
	return b, nil
}

// SelectBackend returns the first available backend from the preference list,
// or the highest-priority available backend when the list is empty.
func SelectBackend(preferred []BackendType) (Backend, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	for _, t := range preferred {
		if b, ok := registry[t]; ok && b.Available() {
			return b, nil
		}
	}
	if len(preferred) > 0 {
		return nil, fmt.Errorf("none of the preferred backends %v are available", preferred)
	}

	available := make([]Backend, 0, len(registry))
	for _, b := range registry {
		if b.Available() {
			available = append(available, b)
		}
	}
	if len(available) == 0 {
		return nil, fmt.Errorf("no execution backend available in this build")
	}
	sort.Slice(available, func(i, j int) bool {
		return available[i].Priority() < available[j].Priority()
	})
	return available[0], nil
}

// ListBackends returns the registered backend types, available ones first.
func ListBackends() []BackendType {
	registryMu.RLock()
	defer registryMu.RUnlock()

	types := make([]BackendType, 0, len(registry))
	for t := range registry {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool {
		bi, bj := registry[types[i]], registry[types[j]]
		if bi.Available() != bj.Available() {
			return bi.Available()
		}
		return bi.Priority() < bj.Priority()
	})
	return types
}
