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

package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/baskrahmer/optimum/pkg/optimum/lib/backends"
	"github.com/baskrahmer/optimum/pkg/optimum/lib/provider"
)

// fakeSession is a scriptable Session for adapter tests.
type fakeSession struct {
	inputs  []backends.TensorInfo
	outputs []backends.TensorInfo
	run     func(inputs []backends.NamedTensor) ([]backends.NamedTensor, error)
	closed  bool
}

func (s *fakeSession) Run(inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
	return s.run(inputs)
}
func (s *fakeSession) InputInfo() []backends.TensorInfo  { return s.inputs }
func (s *fakeSession) OutputInfo() []backends.TensorInfo { return s.outputs }
func (s *fakeSession) Close() error                      { s.closed = true; return nil }

func encoderConfig() *provider.ModelConfig {
	cfg, _ := provider.ParseModelConfig("m", []byte(`{"model_type": "bert"}`), nil)
	return cfg
}

func seq2seqConfig() *provider.ModelConfig {
	cfg, _ := provider.ParseModelConfig("m", []byte(`{"model_type": "t5", "eos_token_id": 1, "pad_token_id": 0}`), nil)
	return cfg
}

func diffusionConfig() *provider.ModelConfig {
	cfg, _ := provider.ParseModelConfig("m", []byte(`{"model_type": "stable-diffusion"}`), nil)
	return cfg
}

// encoderGraph fakes a model emitting hidden states of the given width.
func encoderGraph(hidden int64) *fakeSession {
	return &fakeSession{
		inputs: []backends.TensorInfo{
			{Name: "input_ids", Shape: []int64{-1, -1}, DataType: backends.DataTypeInt64},
			{Name: "attention_mask", Shape: []int64{-1, -1}, DataType: backends.DataTypeInt64},
		},
		run: func(inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
			ids := inputs[0]
			batch, seq := ids.Shape[0], ids.Shape[1]
			data := make([]float32, batch*seq*hidden)
			return []backends.NamedTensor{
				{Name: "last_hidden_state", Shape: []int64{batch, seq, hidden}, Data: data},
			}, nil
		},
	}
}

func TestEncoderAdapterForward(t *testing.T) {
	sess := encoderGraph(4)
	a, err := NewEncoderAdapter(map[provider.GraphRole]backends.Session{provider.RoleModel: sess},
		encoderConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	hidden, err := a.HiddenStates(context.Background(), [][]int64{{5, 6, 7}}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 4}, hidden.Shape)

	require.NoError(t, a.Close())
	assert.True(t, sess.closed)
}

func TestEncoderAdapterEmptyInput(t *testing.T) {
	a, err := NewEncoderAdapter(map[provider.GraphRole]backends.Session{provider.RoleModel: encoderGraph(4)},
		encoderConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = a.Forward(context.Background(), [][]int64{}, nil)
	assert.ErrorIs(t, err, backends.ErrInvalidInput)

	_, err = a.Forward(context.Background(), [][]int64{{}}, nil)
	assert.ErrorIs(t, err, backends.ErrInvalidInput)
}

func TestEncoderAdapterRaggedBatch(t *testing.T) {
	a, err := NewEncoderAdapter(map[provider.GraphRole]backends.Session{provider.RoleModel: encoderGraph(4)},
		encoderConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = a.Forward(context.Background(), [][]int64{{1, 2}, {3}}, nil)
	assert.ErrorIs(t, err, backends.ErrShapeMismatch)
}

func TestSeq2SeqAdapterStages(t *testing.T) {
	const hidden, vocab = 4, 10

	decoderRun := func(inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
		var ids backends.NamedTensor
		for _, in := range inputs {
			if in.Name == "input_ids" {
				ids = in
			}
		}
		batch, seq := ids.Shape[0], ids.Shape[1]
		logits := make([]float32, batch*seq*vocab)
		return []backends.NamedTensor{
			{Name: "logits", Shape: []int64{batch, seq, vocab}, Data: logits},
			{Name: "present.0.key", Shape: []int64{batch, 2, seq, 2}, Data: make([]float32, batch*2*seq*2)},
			{Name: "present.0.value", Shape: []int64{batch, 2, seq, 2}, Data: make([]float32, batch*2*seq*2)},
		}, nil
	}

	sessions := map[provider.GraphRole]backends.Session{
		provider.RoleEncoder:         encoderGraph(hidden),
		provider.RoleDecoder:         &fakeSession{run: decoderRun},
		provider.RoleDecoderWithPast: &fakeSession{run: decoderRun},
	}
	a, err := NewSeq2SeqAdapter(sessions, seq2seqConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	enc, err := a.Encode(context.Background(), [][]int64{{5, 6, 7}}, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, hidden}, enc.Hidden.Shape)
	assert.Equal(t, int64(1), enc.Batch())

	logits, outputs, err := a.DecodeInitial(context.Background(), [][]int64{{0}}, enc)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1, vocab}, logits.Shape)
	assert.Len(t, outputs, 3)

	logits, _, err = a.DecodeWithPast(context.Background(), []int64{4}, enc, nil)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 1, vocab}, logits.Shape)
}

func TestSeq2SeqAdapterStageTagging(t *testing.T) {
	boom := errors.New("backend exploded")
	sessions := map[provider.GraphRole]backends.Session{
		provider.RoleEncoder: &fakeSession{
			run: func([]backends.NamedTensor) ([]backends.NamedTensor, error) { return nil, boom },
		},
		provider.RoleDecoder:         &fakeSession{run: nil},
		provider.RoleDecoderWithPast: &fakeSession{run: nil},
	}
	a, err := NewSeq2SeqAdapter(sessions, seq2seqConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = a.Encode(context.Background(), [][]int64{{1}}, nil)
	var stageErr *backends.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "encoder", stageErr.Stage)
	assert.ErrorIs(t, err, boom)
}

func TestSeq2SeqAdapterMissingGraph(t *testing.T) {
	sessions := map[provider.GraphRole]backends.Session{
		provider.RoleEncoder: encoderGraph(4),
		provider.RoleDecoder: &fakeSession{},
	}
	_, err := NewSeq2SeqAdapter(sessions, seq2seqConfig(), zaptest.NewLogger(t))
	assert.Error(t, err)
}

func TestSeq2SeqAdapterCancelledContext(t *testing.T) {
	sessions := map[provider.GraphRole]backends.Session{
		provider.RoleEncoder:         encoderGraph(4),
		provider.RoleDecoder:         &fakeSession{},
		provider.RoleDecoderWithPast: &fakeSession{},
	}
	a, err := NewSeq2SeqAdapter(sessions, seq2seqConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Encode(ctx, [][]int64{{1}}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDiffusionAdapterStages(t *testing.T) {
	textEncoder := &fakeSession{
		run: func(inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
			ids := inputs[0]
			batch, seq := ids.Shape[0], ids.Shape[1]
			return []backends.NamedTensor{
				{Name: "last_hidden_state", Shape: []int64{batch, seq, 8}, Data: make([]float32, batch*seq*8)},
			}, nil
		},
	}
	unet := &fakeSession{
		run: func(inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
			sample := inputs[0]
			out := make([]float32, sample.NumElements())
			return []backends.NamedTensor{
				{Name: "out_sample", Shape: sample.Shape, Data: out},
			}, nil
		},
	}
	vaeEncoder := &fakeSession{
		run: func(inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
			px := inputs[0]
			latShape := []int64{px.Shape[0], 4, px.Shape[2] / 8, px.Shape[3] / 8}
			n := latShape[0] * latShape[1] * latShape[2] * latShape[3]
			return []backends.NamedTensor{
				{Name: "latent_sample", Shape: latShape, Data: make([]float32, n)},
			}, nil
		},
	}
	vaeDecoder := &fakeSession{
		run: func(inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
			lat := inputs[0]
			pxShape := []int64{lat.Shape[0], 3, lat.Shape[2] * 8, lat.Shape[3] * 8}
			n := pxShape[0] * pxShape[1] * pxShape[2] * pxShape[3]
			return []backends.NamedTensor{
				{Name: "sample", Shape: pxShape, Data: make([]float32, n)},
			}, nil
		},
	}

	sessions := map[provider.GraphRole]backends.Session{
		provider.RoleTextEncoder: textEncoder,
		provider.RoleUNet:        unet,
		provider.RoleVAEEncoder:  vaeEncoder,
		provider.RoleVAEDecoder:  vaeDecoder,
	}
	a, err := NewDiffusionAdapter(sessions, diffusionConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	cond, err := a.EncodePrompt(context.Background(), [][]int64{{1, 2, 3}})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 8}, cond.Shape)

	sample := backends.NamedTensor{Shape: []int64{1, 4, 8, 8}, Data: make([]float32, 1*4*8*8)}
	noise, err := a.PredictNoise(context.Background(), sample, 980, cond)
	require.NoError(t, err)
	assert.Equal(t, sample.Shape, noise.Shape)

	pixels := backends.NamedTensor{Shape: []int64{1, 3, 64, 64}, Data: make([]float32, 1*3*64*64)}
	latent, err := a.EncodeImage(context.Background(), pixels)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 4, 8, 8}, latent.Shape)

	decoded, err := a.DecodeLatents(context.Background(), latent)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 64, 64}, decoded.Shape)
}

func TestDiffusionAdapterUNetFailureTagged(t *testing.T) {
	boom := errors.New("cuda oom")
	sessions := map[provider.GraphRole]backends.Session{
		provider.RoleTextEncoder: &fakeSession{},
		provider.RoleUNet: &fakeSession{
			run: func([]backends.NamedTensor) ([]backends.NamedTensor, error) { return nil, boom },
		},
		provider.RoleVAEEncoder: &fakeSession{},
		provider.RoleVAEDecoder: &fakeSession{},
	}
	a, err := NewDiffusionAdapter(sessions, diffusionConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	sample := backends.NamedTensor{Shape: []int64{1, 4, 8, 8}, Data: make([]float32, 256)}
	cond := backends.NamedTensor{Shape: []int64{1, 3, 8}, Data: make([]float32, 24)}
	_, err = a.PredictNoise(context.Background(), sample, 1, cond)

	var stageErr *backends.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, "unet", stageErr.Stage)
}
