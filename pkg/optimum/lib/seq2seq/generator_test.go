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

package seq2seq

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/baskrahmer/optimum/pkg/optimum/lib/adapter"
	"github.com/baskrahmer/optimum/pkg/optimum/lib/backends"
	"github.com/baskrahmer/optimum/pkg/optimum/lib/provider"
)

const (
	testVocab  = 16
	testLayers = 2
	testHeads  = 2
	testHidden = 8
	testEOS    = int64(1)
)

// scriptedModel fakes a three-graph seq2seq model. The decoder emits the
// scripted token sequence one position at a time and maintains a well-formed
// growing KV cache. A non-positive scripted token injects NaN logits at that
// step.
type scriptedModel struct {
	mu      sync.Mutex
	script  []int64
	step    int
	stepDur time.Duration

	// observed cache sequence lengths on decoder-with-past inputs
	pastSeqLens []int64
	running     bool
	interleaved bool
}

func (m *scriptedModel) encoderSession() backends.Session {
	return &fakeSession{run: func(inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
		ids := inputs[0]
		batch, seq := ids.Shape[0], ids.Shape[1]
		return []backends.NamedTensor{
			{Name: "last_hidden_state", Shape: []int64{batch, seq, testHidden}, Data: make([]float32, batch*seq*testHidden)},
		}, nil
	}}
}

func (m *scriptedModel) logitsFor(token int64) []float32 {
	logits := make([]float32, testVocab)
	if token <= 0 && token != testEOS {
		logits[0] = float32(math.NaN())
		return logits
	}
	logits[token] = 10
	return logits
}

func (m *scriptedModel) cacheOutputs(seq int64) []backends.NamedTensor {
	outs := make([]backends.NamedTensor, 0, 2*testLayers)
	n := 1 * testHeads * seq * 4
	for l := 0; l < testLayers; l++ {
		outs = append(outs,
			backends.NamedTensor{Name: fmt.Sprintf("present.%d.key", l), Shape: []int64{1, testHeads, seq, 4}, Data: make([]float32, n)},
			backends.NamedTensor{Name: fmt.Sprintf("present.%d.value", l), Shape: []int64{1, testHeads, seq, 4}, Data: make([]float32, n)},
		)
	}
	return outs
}

func (m *scriptedModel) decode(withPast bool, inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
	m.mu.Lock()
	if m.running {
		m.interleaved = true
	}
	m.running = true
	token := testEOS
	if m.step < len(m.script) {
		token = m.script[m.step]
	}
	seq := int64(m.step + 1)
	m.step++
	if withPast {
		for _, in := range inputs {
			if in.Name == "past_key_values.0.key" {
				m.pastSeqLens = append(m.pastSeqLens, in.Shape[2])
			}
		}
	}
	m.mu.Unlock()

	if m.stepDur > 0 {
		time.Sleep(m.stepDur)
	}

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	outs := []backends.NamedTensor{
		{Name: "logits", Shape: []int64{1, 1, testVocab}, Data: m.logitsFor(token)},
	}
	return append(outs, m.cacheOutputs(seq)...), nil
}

func (m *scriptedModel) decoderSession() backends.Session {
	return &fakeSession{run: func(inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
		return m.decode(false, inputs)
	}}
}

func (m *scriptedModel) decoderWithPastSession() backends.Session {
	return &fakeSession{run: func(inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
		return m.decode(true, inputs)
	}}
}

type fakeSession struct {
	run func(inputs []backends.NamedTensor) ([]backends.NamedTensor, error)
}

func (s *fakeSession) Run(inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
	return s.run(inputs)
}
func (s *fakeSession) InputInfo() []backends.TensorInfo  { return nil }
func (s *fakeSession) OutputInfo() []backends.TensorInfo { return nil }
func (s *fakeSession) Close() error                      { return nil }

func newTestGenerator(t *testing.T, m *scriptedModel) *Generator {
	t.Helper()
	cfg, err := provider.ParseModelConfig("test-t5", []byte(`{
		"model_type": "t5", "eos_token_id": 1, "pad_token_id": 0,
		"num_decoder_layers": 2, "num_heads": 2, "d_model": 8, "d_kv": 4,
		"max_length": 64
	}`), nil)
	require.NoError(t, err)

	sessions := map[provider.GraphRole]backends.Session{
		provider.RoleEncoder:         m.encoderSession(),
		provider.RoleDecoder:         m.decoderSession(),
		provider.RoleDecoderWithPast: m.decoderWithPastSession(),
	}
	a, err := adapter.NewSeq2SeqAdapter(sessions, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return NewGenerator(a, cfg, zaptest.NewLogger(t))
}

func TestGenerateHaltsOnEOS(t *testing.T) {
	m := &scriptedModel{script: []int64{5, 7, 9, testEOS, 11}}
	g := newTestGenerator(t, m)

	res, err := g.Generate(context.Background(), []int64{3, 4, 5}, DefaultGenerateOptions())
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 7, 9}, res.Tokens)
	assert.Equal(t, FinishEOS, res.FinishReason)
	// One priming pass plus one pass per emitted token, then the EOS pass.
	assert.Equal(t, 4, res.Steps)
}

func TestGenerateCacheGrowsByOne(t *testing.T) {
	m := &scriptedModel{script: []int64{5, 6, 7, 8, testEOS}}
	g := newTestGenerator(t, m)

	res, err := g.Generate(context.Background(), []int64{3}, DefaultGenerateOptions())
	require.NoError(t, err)
	require.Len(t, res.Tokens, 4)
	// The cache seen by decoder-with-past step n holds exactly n positions.
	assert.Equal(t, []int64{1, 2, 3, 4}, m.pastSeqLens)
}

func TestGenerateMaxNewTokens(t *testing.T) {
	m := &scriptedModel{script: []int64{5, 5, 5, 5, 5, 5, 5, 5}}
	g := newTestGenerator(t, m)

	opts := DefaultGenerateOptions()
	opts.MaxNewTokens = 3
	res, err := g.Generate(context.Background(), []int64{3}, opts)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 5, 5}, res.Tokens)
	assert.Equal(t, FinishLength, res.FinishReason)
}

func TestGenerateStopFunc(t *testing.T) {
	m := &scriptedModel{script: []int64{5, 6, 7, 8}}
	g := newTestGenerator(t, m)

	opts := DefaultGenerateOptions()
	opts.StopFunc = func(tokens []int64) bool { return len(tokens) == 2 }
	res, err := g.Generate(context.Background(), []int64{3}, opts)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, 6}, res.Tokens)
	assert.Equal(t, FinishStop, res.FinishReason)
}

func TestGenerateEmptyInput(t *testing.T) {
	m := &scriptedModel{script: []int64{5}}
	g := newTestGenerator(t, m)

	_, err := g.Generate(context.Background(), nil, DefaultGenerateOptions())
	assert.ErrorIs(t, err, backends.ErrInvalidInput)
	// Rejected before any graph executed.
	assert.Equal(t, 0, m.step)
}

func TestGenerateNumericalError(t *testing.T) {
	m := &scriptedModel{script: []int64{5, 6, -1, 7}}
	g := newTestGenerator(t, m)

	_, err := g.Generate(context.Background(), []int64{3}, DefaultGenerateOptions())
	require.ErrorIs(t, err, backends.ErrNumerical)

	var numErr *backends.NumericalError
	require.ErrorAs(t, err, &numErr)
	assert.Equal(t, 2, numErr.Step)
}

func TestGenerateDeterministicSampling(t *testing.T) {
	opts := DefaultGenerateOptions()
	opts.DoSample = true
	opts.Temperature = 0.8
	opts.TopK = 4
	opts.Seed = 42

	run := func() []int64 {
		m := &scriptedModel{script: []int64{5, 6, 7, testEOS}}
		g := newTestGenerator(t, m)
		res, err := g.Generate(context.Background(), []int64{3}, opts)
		require.NoError(t, err)
		return res.Tokens
	}
	assert.Equal(t, run(), run())
}

func TestGenerateSingleFlight(t *testing.T) {
	m := &scriptedModel{script: []int64{5, 6, testEOS, 5, 6, testEOS}, stepDur: 2 * time.Millisecond}
	g := newTestGenerator(t, m)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Generate(context.Background(), []int64{3}, DefaultGenerateOptions())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.False(t, m.interleaved, "decoder passes from different generations interleaved")
}

func TestGenerateCancelledWhileQueued(t *testing.T) {
	m := &scriptedModel{script: []int64{5, 6, 7, 8, testEOS}, stepDur: 10 * time.Millisecond}
	g := newTestGenerator(t, m)

	started := make(chan struct{})
	go func() {
		close(started)
		_, _ = g.Generate(context.Background(), []int64{3}, DefaultGenerateOptions())
	}()
	<-started
	time.Sleep(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	_, err := g.Generate(ctx, []int64{3}, DefaultGenerateOptions())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKVCacheUpdateValidation(t *testing.T) {
	c := NewKVCache()

	mk := func(seq int64) []backends.NamedTensor {
		n := 2 * seq * 4
		return []backends.NamedTensor{
			{Name: "logits", Shape: []int64{1, 1, testVocab}, Data: make([]float32, testVocab)},
			{Name: "present.0.key", Shape: []int64{1, 2, seq, 4}, Data: make([]float32, n)},
			{Name: "present.0.value", Shape: []int64{1, 2, seq, 4}, Data: make([]float32, n)},
		}
	}

	require.NoError(t, c.Update(mk(1)))
	assert.Equal(t, int64(1), c.SeqLen())
	assert.Equal(t, 1, c.Steps())

	// Skipping a position violates the growth invariant.
	err := c.Update(mk(3))
	assert.ErrorIs(t, err, backends.ErrShapeMismatch)

	require.NoError(t, c.Update(mk(2)))
	assert.Equal(t, int64(2), c.SeqLen())

	// The cache exposes renamed inputs in deterministic order.
	inputs := c.Inputs()
	require.Len(t, inputs, 2)
	assert.Equal(t, "past_key_values.0.key", inputs[0].Name)
	assert.Equal(t, "past_key_values.0.value", inputs[1].Name)
}

func TestKVCacheNoPresentOutputs(t *testing.T) {
	c := NewKVCache()
	err := c.Update([]backends.NamedTensor{{Name: "logits"}})
	assert.ErrorIs(t, err, backends.ErrShapeMismatch)
}

func TestSamplingHelpers(t *testing.T) {
	assert.Equal(t, int64(2), Argmax([]float32{0.1, 0.3, 0.9, 0.2}))

	probs := Softmax([]float32{1, 1, 1, 1})
	for _, p := range probs {
		assert.InDelta(t, 0.25, p, 1e-5)
	}

	topk := TopK([]float32{0.4, 0.3, 0.2, 0.1}, 2)
	assert.Zero(t, topk[2])
	assert.Zero(t, topk[3])
	assert.InDelta(t, 1.0, topk[0]+topk[1], 1e-5)

	topp := TopP([]float32{0.5, 0.3, 0.15, 0.05}, 0.7)
	assert.Zero(t, topp[2])
	assert.Zero(t, topp[3])
	assert.InDelta(t, 1.0, topp[0]+topp[1], 1e-5)
}
