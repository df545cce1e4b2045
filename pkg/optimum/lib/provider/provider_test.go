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
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const seq2seqConfig = `{
	"model_type": "t5",
	"vocab_size": 32128,
	"eos_token_id": 1,
	"pad_token_id": 0,
	"num_decoder_layers": 2,
	"num_heads": 4,
	"d_model": 64,
	"d_kv": 16
}`

const encoderConfig = `{"model_type": "bert", "hidden_size": 64, "num_attention_heads": 4}`

// writeModelDir lays out a fake artifact bundle on disk.
func writeModelDir(t *testing.T, dir string, config string, graphs ...string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(config), 0o644))
	for _, g := range graphs {
		path := filepath.Join(dir, filepath.FromSlash(g))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("graph-bytes"), 0o644))
	}
}

func TestArtifactProviderSeq2Seq(t *testing.T) {
	root := t.TempDir()
	writeModelDir(t, filepath.Join(root, "t5-small"), seq2seqConfig,
		"encoder_model.onnx", "decoder_model.onnx", "decoder_with_past_model.onnx")

	p := NewArtifactProvider(root, nil, zaptest.NewLogger(t))
	cfg, handles, err := p.Load(context.Background(), ModelRef{ID: "t5-small"})
	require.NoError(t, err)

	assert.Equal(t, KindSeq2Seq, cfg.Kind)
	require.Len(t, handles, 3)
	assert.Equal(t, RoleEncoder, handles[0].Role)
	assert.Equal(t, RoleDecoder, handles[1].Role)
	assert.Equal(t, RoleDecoderWithPast, handles[2].Role)
}

func TestArtifactProviderOnnxSubdir(t *testing.T) {
	root := t.TempDir()
	writeModelDir(t, filepath.Join(root, "owner/model"), encoderConfig, "onnx/model.onnx")

	p := NewArtifactProvider(root, nil, zaptest.NewLogger(t))
	cfg, handles, err := p.Load(context.Background(), ModelRef{ID: "owner/model"})
	require.NoError(t, err)
	assert.Equal(t, KindEncoderOnly, cfg.Kind)
	require.Len(t, handles, 1)
	assert.Equal(t, RoleModel, handles[0].Role)
}

func TestArtifactProviderNotFound(t *testing.T) {
	p := NewArtifactProvider(t.TempDir(), nil, zaptest.NewLogger(t))
	_, _, err := p.Load(context.Background(), ModelRef{ID: "missing"})
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestArtifactProviderMissingMandatoryGraph(t *testing.T) {
	root := t.TempDir()
	// Seq2seq config but no decoder_with_past graph.
	writeModelDir(t, filepath.Join(root, "t5-small"), seq2seqConfig,
		"encoder_model.onnx", "decoder_model.onnx")

	p := NewArtifactProvider(root, nil, zaptest.NewLogger(t))
	_, _, err := p.Load(context.Background(), ModelRef{ID: "t5-small"})
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestArtifactProviderRejectsEscape(t *testing.T) {
	p := NewArtifactProvider(t.TempDir(), nil, zaptest.NewLogger(t))
	_, _, err := p.Load(context.Background(), ModelRef{ID: "../outside"})
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestArtifactProviderRejectsRevisionEscape(t *testing.T) {
	root := t.TempDir()
	writeModelDir(t, filepath.Join(root, "bert-base"), encoderConfig, "model.onnx")

	p := NewArtifactProvider(root, nil, zaptest.NewLogger(t))
	for _, revision := range []string{"../../victim", "..", "/abs", "."} {
		_, _, err := p.Load(context.Background(), ModelRef{ID: "bert-base", Revision: revision})
		assert.ErrorIs(t, err, ErrArtifactNotFound, "revision %q", revision)
	}
}

func TestExportingProviderRejectsRevisionEscape(t *testing.T) {
	// A traversing revision must fail before publish touches the target path,
	// since publish removes whatever directory it is about to replace.
	conv := &fakeConverter{result: &ConversionResult{
		Config: []byte(encoderConfig),
		Graphs: map[string][]byte{"model.onnx": []byte("graph-bytes")},
	}}
	out := t.TempDir()
	victim := filepath.Join(out, "victim")
	require.NoError(t, os.MkdirAll(victim, 0o755))

	p := NewExportingProvider(conv, filepath.Join(out, "models"), zaptest.NewLogger(t))
	_, _, err := p.Load(context.Background(), ModelRef{ID: "m", Revision: "../../victim", Export: true})
	assert.ErrorIs(t, err, ErrArtifactNotFound)
	assert.DirExists(t, victim)
}

func TestArtifactProviderFetchesFromStore(t *testing.T) {
	storeRoot := t.TempDir()
	store := NewFSStore(storeRoot)
	require.NoError(t, store.Put(context.Background(), "bert-base", map[string][]byte{
		"config.json": []byte(encoderConfig),
		"model.onnx":  []byte("graph-bytes"),
	}))

	modelsDir := t.TempDir()
	p := NewArtifactProvider(modelsDir, store, zaptest.NewLogger(t))
	cfg, handles, err := p.Load(context.Background(), ModelRef{ID: "bert-base"})
	require.NoError(t, err)
	assert.Equal(t, "bert", cfg.Architecture)
	require.Len(t, handles, 1)

	// The fetched bundle is now local; a second load must not need the store.
	p2 := NewArtifactProvider(modelsDir, nil, zaptest.NewLogger(t))
	_, _, err = p2.Load(context.Background(), ModelRef{ID: "bert-base"})
	assert.NoError(t, err)
}

func TestFSStoreRoundTrip(t *testing.T) {
	store := NewFSStore(t.TempDir())
	files := map[string][]byte{
		"config.json":          []byte(encoderConfig),
		"model.onnx":           []byte("abc"),
		"tokenizer/vocab.json": []byte("{}"),
	}
	require.NoError(t, store.Put(context.Background(), "m", files))

	got, err := store.Get(context.Background(), "m", "")
	require.NoError(t, err)
	assert.Equal(t, files, got)
}

func TestFSStoreGetMissing(t *testing.T) {
	store := NewFSStore(t.TempDir())
	_, err := store.Get(context.Background(), "missing", "")
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestFSStorePutRejectsTraversal(t *testing.T) {
	store := NewFSStore(t.TempDir())
	err := store.Put(context.Background(), "m", map[string][]byte{"../evil": []byte("x")})
	assert.Error(t, err)
}

func TestSaveArtifactsRoundTrip(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "t5-small")
	writeModelDir(t, dir, seq2seqConfig,
		"encoder_model.onnx", "decoder_model.onnx", "decoder_with_past_model.onnx")

	p := NewArtifactProvider(root, nil, zaptest.NewLogger(t))
	cfg, handles, err := p.Load(context.Background(), ModelRef{ID: "t5-small"})
	require.NoError(t, err)

	store := NewFSStore(t.TempDir())
	require.NoError(t, SaveArtifacts(context.Background(), store, "saved/t5", cfg, handles))

	// Loading the saved bundle back yields an identical config payload.
	p2 := NewArtifactProvider(t.TempDir(), store, zaptest.NewLogger(t))
	cfg2, handles2, err := p2.Load(context.Background(), ModelRef{ID: "saved/t5"})
	require.NoError(t, err)
	assert.Equal(t, cfg.Raw, cfg2.Raw)
	assert.Equal(t, cfg.Kind, cfg2.Kind)
	assert.Len(t, handles2, len(handles))
}

type fakeConverter struct {
	result *ConversionResult
	err    error
	calls  int
}

func (c *fakeConverter) Convert(_ context.Context, _, _ string) (*ConversionResult, error) {
	c.calls++
	return c.result, c.err
}

func TestExportingProviderPublishesAtomically(t *testing.T) {
	out := t.TempDir()
	conv := &fakeConverter{result: &ConversionResult{
		Config: []byte(encoderConfig),
		Graphs: map[string][]byte{"model.onnx": []byte("graph-bytes")},
	}}

	p := NewExportingProvider(conv, out, zaptest.NewLogger(t))
	cfg, handles, err := p.Load(context.Background(), ModelRef{ID: "bert-base", Export: true})
	require.NoError(t, err)
	assert.Equal(t, 1, conv.calls)
	assert.Equal(t, KindEncoderOnly, cfg.Kind)
	require.Len(t, handles, 1)

	// No staging residue next to the published directory.
	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bert-base", entries[0].Name())
}

func TestExportingProviderConversionFailure(t *testing.T) {
	out := t.TempDir()
	cause := errors.New("unsupported op")
	conv := &fakeConverter{err: cause}

	p := NewExportingProvider(conv, out, zaptest.NewLogger(t))
	_, _, err := p.Load(context.Background(), ModelRef{ID: "m", Export: true})

	var convErr *ConversionError
	require.ErrorAs(t, err, &convErr)
	assert.Equal(t, "m", convErr.ModelID)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, conv.calls) // never retried

	// Nothing published.
	entries, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExportingProviderEmptyResult(t *testing.T) {
	conv := &fakeConverter{result: &ConversionResult{Config: []byte(encoderConfig)}}
	p := NewExportingProvider(conv, t.TempDir(), zaptest.NewLogger(t))
	_, _, err := p.Load(context.Background(), ModelRef{ID: "m", Export: true})

	var convErr *ConversionError
	assert.ErrorAs(t, err, &convErr)
}

func TestExportingProviderTensorNameOverrides(t *testing.T) {
	conv := &fakeConverter{result: &ConversionResult{
		Config:      []byte(encoderConfig),
		Graphs:      map[string][]byte{"model.onnx": []byte("graph-bytes")},
		TensorNames: map[string]string{"encoder_state": "hidden_states"},
	}}

	p := NewExportingProvider(conv, t.TempDir(), zaptest.NewLogger(t))
	cfg, _, err := p.Load(context.Background(), ModelRef{ID: "m", Export: true})
	require.NoError(t, err)
	assert.Equal(t, "hidden_states", cfg.TensorNames["encoder_state"])
	assert.Equal(t, "input_ids", cfg.TensorNames["input_ids"])
}

func TestDirConverter(t *testing.T) {
	source := t.TempDir()
	writeModelDir(t, filepath.Join(source, "t5-small"), seq2seqConfig,
		"encoder_model.onnx", "decoder_model.onnx", "decoder_with_past_model.onnx")

	result, err := DirConverter{SourceDir: source}.Convert(context.Background(), "t5-small", "")
	require.NoError(t, err)
	assert.JSONEq(t, seq2seqConfig, string(result.Config))
	assert.Len(t, result.Graphs, 3)
	assert.Contains(t, result.Graphs, "encoder_model.onnx")

	// Published through an ExportingProvider, the checkpoint loads end to end.
	out := t.TempDir()
	p := NewExportingProvider(DirConverter{SourceDir: source}, out, zaptest.NewLogger(t))
	cfg, handles, err := p.Load(context.Background(), ModelRef{ID: "t5-small", Export: true})
	require.NoError(t, err)
	assert.Equal(t, KindSeq2Seq, cfg.Kind)
	assert.Len(t, handles, 3)
}

func TestDirConverterMissingCheckpoint(t *testing.T) {
	_, err := DirConverter{SourceDir: t.TempDir()}.Convert(context.Background(), "absent", "")
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}

func TestDirConverterNoGraphs(t *testing.T) {
	source := t.TempDir()
	dir := filepath.Join(source, "configonly")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(encoderConfig), 0o644))

	_, err := DirConverter{SourceDir: source}.Convert(context.Background(), "configonly", "")
	assert.ErrorIs(t, err, ErrArtifactNotFound)
}
