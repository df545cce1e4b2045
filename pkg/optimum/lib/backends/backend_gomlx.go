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

import (
	"fmt"
	"sync"

	gomlxbackends "github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	mlctx "github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/onnx-gomlx/onnx"

	// Import simplego engine - always available
	_ "github.com/gomlx/gomlx/backends/simplego"
)

func init() {
	RegisterBackend(&gomlxBackend{})
}

// gomlxBackend implements Backend by converting ONNX graphs to GoMLX and
// executing them with a GoMLX engine:
//   - simplego: Pure Go, always available, slower
//   - xla: Hardware accelerated (CUDA, TPU, optimized CPU), requires XLA/PJRT
//
// The engine is auto-detected: xla when present, simplego otherwise.
type gomlxBackend struct {
	engineMgr *engineManager
	engineMu  sync.Mutex
}

func (b *gomlxBackend) Type() BackendType {
	return BackendGoMLX
}

func (b *gomlxBackend) Name() string {
	return "GoMLX"
}

func (b *gomlxBackend) Available() bool {
	return true
}

func (b *gomlxBackend) Priority() int {
	// Lower priority than direct ONNX Runtime, but always available
	return 30
}

func (b *gomlxBackend) SessionFactory() SessionFactory {
	b.engineMu.Lock()
	defer b.engineMu.Unlock()
	if b.engineMgr == nil {
		b.engineMgr = newEngineManager()
	}
	return &gomlxSessionFactory{backend: b}
}

// engineManager manages GoMLX backend engines.
type engineManager struct {
	mu            sync.RWMutex
	defaultEngine gomlxbackends.Backend
}

func newEngineManager() *engineManager {
	return &engineManager{}
}

// getEngine returns the GoMLX engine, creating it if needed.
// Auto-detect: try xla first, fall back to simplego.
func (m *engineManager) getEngine() (gomlxbackends.Backend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.defaultEngine != nil {
		return m.defaultEngine, nil
	}

	engine, err := gomlxbackends.NewWithConfig("xla")
	if err != nil {
		engine, err = gomlxbackends.NewWithConfig("simplego")
		if err != nil {
			return nil, err
		}
	}

	m.defaultEngine = engine
	return engine, nil
}

// gomlxSessionFactory implements SessionFactory for GoMLX execution.
type gomlxSessionFactory struct {
	backend *gomlxBackend
}

func (f *gomlxSessionFactory) CreateSession(graphPath string, opts ...SessionOption) (Session, error) {
	model, err := onnx.ReadFile(graphPath)
	if err != nil {
		return nil, fmt.Errorf("loading ONNX graph: %w", err)
	}

	ctx := mlctx.New()
	if err := model.VariablesToContext(ctx); err != nil {
		return nil, fmt.Errorf("loading graph variables: %w", err)
	}

	engine, err := f.backend.engineMgr.getEngine()
	if err != nil {
		return nil, fmt.Errorf("getting GoMLX engine: %w", err)
	}

	inputInfo := make([]TensorInfo, len(model.InputsNames))
	for i, name := range model.InputsNames {
		// onnx-gomlx resolves concrete shapes at call time; declare inputs
		// fully dynamic and let the graph conversion reject bad shapes.
		inputInfo[i] = TensorInfo{Name: name}
	}
	outputInfo := make([]TensorInfo, len(model.OutputsNames))
	for i, name := range model.OutputsNames {
		outputInfo[i] = TensorInfo{Name: name}
	}

	return &gomlxSession{
		model:      model,
		mlCtx:      ctx,
		engine:     engine,
		inputInfo:  inputInfo,
		outputInfo: outputInfo,
	}, nil
}

func (f *gomlxSessionFactory) Backend() BackendType {
	return BackendGoMLX
}

// gomlxSession implements Session by calling an ONNX graph through GoMLX.
type gomlxSession struct {
	model      *onnx.Model
	mlCtx      *mlctx.Context
	engine     gomlxbackends.Backend
	inputInfo  []TensorInfo
	outputInfo []TensorInfo

	// GoMLX contexts are not safe for concurrent graph execution.
	mu     sync.Mutex
	closed bool
}

func (s *gomlxSession) Run(inputs []NamedTensor) ([]NamedTensor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("session is closed")
	}
	if err := ValidateInputs(s.inputInfo, inputs); err != nil {
		return nil, err
	}

	byName := make(map[string]NamedTensor, len(inputs))
	for _, in := range inputs {
		byName[in.Name] = in
	}

	ordered := make([]*tensors.Tensor, len(s.inputInfo))
	for i, info := range s.inputInfo {
		t, err := toGoMLXTensor(byName[info.Name])
		if err != nil {
			return nil, fmt.Errorf("converting input %s: %w", info.Name, err)
		}
		ordered[i] = t
	}

	graphFn := func(mlCtx *mlctx.Context, nodes []*graph.Node) []*graph.Node {
		inputMap := make(map[string]*graph.Node, len(nodes))
		for i, info := range s.inputInfo {
			inputMap[info.Name] = nodes[i]
		}
		return s.model.CallGraph(mlCtx.Reuse(), nodes[0].Graph(), inputMap)
	}

	args := make([]any, len(ordered))
	for i, t := range ordered {
		args[i] = t
	}
	results, err := mlctx.ExecOnceN(s.engine, s.mlCtx, graphFn, args...)
	if err != nil {
		return nil, fmt.Errorf("executing graph: %w", err)
	}
	if len(results) < len(s.outputInfo) {
		return nil, fmt.Errorf("graph returned %d outputs, declared %d", len(results), len(s.outputInfo))
	}

	outputs := make([]NamedTensor, len(s.outputInfo))
	for i, info := range s.outputInfo {
		out, err := fromGoMLXTensor(results[i], info.Name)
		if err != nil {
			return nil, fmt.Errorf("extracting output %s: %w", info.Name, err)
		}
		outputs[i] = out
	}
	return outputs, nil
}

func (s *gomlxSession) InputInfo() []TensorInfo {
	return s.inputInfo
}

func (s *gomlxSession) OutputInfo() []TensorInfo {
	return s.outputInfo
}

func (s *gomlxSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.model = nil
	s.mlCtx = nil
	return nil
}

// toGoMLXTensor converts a NamedTensor into a GoMLX tensor.
func toGoMLXTensor(in NamedTensor) (*tensors.Tensor, error) {
	dims := make([]int, len(in.Shape))
	for i, d := range in.Shape {
		dims[i] = int(d)
	}

	switch data := in.Data.(type) {
	case []float32:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case []int64:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case []int32:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	case []bool:
		return tensors.FromFlatDataAndDimensions(data, dims...), nil
	default:
		return nil, fmt.Errorf("unsupported data type: %T", data)
	}
}

// fromGoMLXTensor converts a GoMLX result tensor back into a NamedTensor.
func fromGoMLXTensor(t *tensors.Tensor, name string) (NamedTensor, error) {
	shape := t.Shape()
	dims := make([]int64, len(shape.Dimensions))
	n := 1
	for i, d := range shape.Dimensions {
		dims[i] = int64(d)
		n *= d
	}

	out := NamedTensor{Name: name, Shape: dims}
	switch flat := t.CopyFlatData().(type) {
	case []float32:
		out.Data = flat
	case []int64:
		out.Data = flat
	case []int32:
		out.Data = flat
	case []bool:
		out.Data = flat
	default:
		return NamedTensor{}, fmt.Errorf("unsupported tensor type %T", flat)
	}
	if int64(n) != out.NumElements() {
		return NamedTensor{}, fmt.Errorf("inconsistent result shape %v", dims)
	}
	return out, nil
}
