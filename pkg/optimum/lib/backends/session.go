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

package backends

// Session wraps one compiled computation graph. Given named input tensors it
// returns named output tensors. It is the primitive the orchestration layers
// are built on and has no knowledge of model semantics (encoder-decoder,
// diffusion, etc.).
//
// A Session carries no state between calls: anything an orchestrator needs to
// persist across steps (encoder hidden states, a KV cache) must be passed
// explicitly as named inputs and read back from named outputs. A backend may
// keep internal scratch buffers sized to the largest request seen; that is an
// optimization, never a correctness dependency.
//
// A Session is safe for use by one goroutine at a time. Independent sessions
// may run concurrently.
type Session interface {
	// Run executes the graph with the given named inputs.
	// Inputs are validated against the graph's declared interface; a name,
	// rank, or dtype mismatch fails with an error matching ErrShapeMismatch.
	Run(inputs []NamedTensor) ([]NamedTensor, error)

	// InputInfo returns metadata about the graph's declared inputs.
	InputInfo() []TensorInfo

	// OutputInfo returns metadata about the graph's declared outputs.
	OutputInfo() []TensorInfo

	// Close releases backend resources held by the session.
	Close() error
}

// NamedTensor associates a graph tensor name with shape and flat data.
type NamedTensor struct {
	Name  string
	Shape []int64
	Data  any // []float32, []int64, []int32, []bool
}

// NumElements returns the element count implied by the tensor shape.
func (t NamedTensor) NumElements() int64 {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Float32s returns the tensor data as []float32, or nil if it holds another type.
func (t NamedTensor) Float32s() []float32 {
	data, _ := t.Data.([]float32)
	return data
}

// TensorInfo describes a declared graph input or output.
type TensorInfo struct {
	Name     string
	Shape    []int64 // -1 for dynamic dimensions
	DataType DataType
}

// DataType represents tensor element types.
type DataType string

const (
	DataTypeFloat32 DataType = "float32"
	DataTypeFloat16 DataType = "float16"
	DataTypeInt64   DataType = "int64"
	DataTypeInt32   DataType = "int32"
	DataTypeBool    DataType = "bool"
)

// DataTypeOf returns the DataType of a tensor's payload.
func DataTypeOf(data any) DataType {
	switch data.(type) {
	case []float32:
		return DataTypeFloat32
	case []int64:
		return DataTypeInt64
	case []int32:
		return DataTypeInt32
	case []bool:
		return DataTypeBool
	default:
		return ""
	}
}

// SessionFactory creates sessions from compiled graph files.
// Each backend implements this to provide its session creation mechanism.
type SessionFactory interface {
	// CreateSession loads one compiled graph and returns a Session for it.
	CreateSession(graphPath string, opts ...SessionOption) (Session, error)

	// Backend returns the backend type this factory uses.
	Backend() BackendType
}

// SessionOption configures session creation.
type SessionOption func(*SessionConfig)

// SessionConfig holds configuration for session creation.
type SessionConfig struct {
	// NumThreads for inference (0 = auto)
	NumThreads int

	// GPUMode controls GPU acceleration
	GPUMode GPUMode

	// GraphOptimizationLevel for ONNX (0-3)
	GraphOptimizationLevel int
}

// DefaultSessionConfig returns sensible defaults.
func DefaultSessionConfig() *SessionConfig {
	return &SessionConfig{
		NumThreads:             0,
		GPUMode:                GPUModeAuto,
		GraphOptimizationLevel: 3,
	}
}

// WithSessionThreads sets the number of threads.
func WithSessionThreads(n int) SessionOption {
	return func(c *SessionConfig) {
		c.NumThreads = n
	}
}

// WithSessionGPUMode sets the GPU mode.
func WithSessionGPUMode(mode GPUMode) SessionOption {
	return func(c *SessionConfig) {
		c.GPUMode = mode
	}
}

// ApplySessionOptions applies options to a config.
func ApplySessionOptions(opts ...SessionOption) *SessionConfig {
	cfg := DefaultSessionConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}
