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
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/baskrahmer/optimum/pkg/optimum/lib/backends"
)

// Kind selects the orchestrator variant for a model. It is resolved once from
// the architecture field at load time and never re-dispatched per call.
type Kind string

const (
	KindSeq2Seq        Kind = "seq2seq"
	KindDiffusion      Kind = "diffusion"
	KindEncoderOnly    Kind = "encoder"
	KindClassification Kind = "classification"
)

// ModelConfig is the immutable metadata describing a logical model:
// architecture family, tensor name mapping, numeric precision, task type,
// and the geometry needed to drive generation. Loaded once at construction.
type ModelConfig struct {
	// ModelID is the identifier the model was loaded under.
	ModelID string

	// Architecture is the model_type from config.json (t5, bart, bert, ...).
	Architecture string

	// Kind is the orchestrator variant resolved from Architecture.
	Kind Kind

	// Task from the config, when declared (translation, question-answering, ...).
	Task string

	// DType is the numeric precision of the graph weights.
	DType backends.DataType

	// TensorNames maps logical tensor names used by the orchestration layer
	// to the names the compiled graphs declare. Defaults cover the common
	// export conventions; conversion may override entries.
	TensorNames map[string]string

	// Vocab and special token IDs (seq2seq / encoder models).
	VocabSize           int
	EOSTokenID          int64
	BOSTokenID          int64
	PadTokenID          int64
	DecoderStartTokenID int64

	// Decoder geometry for KV-cache tensors.
	NumLayers  int
	NumHeads   int
	HeadDim    int
	HiddenSize int

	// MaxLength bounds autoregressive generation.
	MaxLength int

	// Classification label mapping, when present.
	ID2Label map[string]string

	// Diffusion latent geometry.
	LatentChannels int
	// VAEScaleFactor is the spatial downsampling between pixel and latent space.
	VAEScaleFactor int

	// Raw holds the original config.json bytes, persisted verbatim on save so
	// a save/load round-trip is exact.
	Raw []byte
}

// rawModelConfig mirrors config.json. Field names differ across model
// families, so several aliases are carried and resolved with FirstNonZero.
type rawModelConfig struct {
	ModelType  string `json:"model_type"`
	Task       string `json:"task"`
	TorchDtype string `json:"torch_dtype"`

	VocabSize           int   `json:"vocab_size"`
	EOSTokenID          any   `json:"eos_token_id"` // int or []int
	BOSTokenID          int64 `json:"bos_token_id"`
	PadTokenID          any   `json:"pad_token_id"` // int or null
	DecoderStartTokenID int64 `json:"decoder_start_token_id"`

	DecoderLayers         int `json:"decoder_layers"`
	NumDecoderLayers      int `json:"num_decoder_layers"`
	NumLayers             int `json:"num_layers"`
	NumHiddenLayers       int `json:"num_hidden_layers"`
	DecoderAttentionHeads int `json:"decoder_attention_heads"`
	NumHeads              int `json:"num_heads"`
	NumAttentionHeads     int `json:"num_attention_heads"`
	DModel                int `json:"d_model"`
	HiddenSize            int `json:"hidden_size"`
	DKV                   int `json:"d_kv"` // T5-specific key/value head dimension

	MaxPositionEmbeddings int `json:"max_position_embeddings"`
	MaxLength             int `json:"max_length"`

	ID2Label map[string]string `json:"id2label"`

	LatentChannels int `json:"latent_channels"`
	SampleSize     int `json:"sample_size"`
}

// rawGenerationConfig mirrors generation_config.json.
type rawGenerationConfig struct {
	MaxLength           int   `json:"max_length"`
	MaxNewTokens        int   `json:"max_new_tokens"`
	EOSTokenID          any   `json:"eos_token_id"`
	BOSTokenID          int64 `json:"bos_token_id"`
	PadTokenID          any   `json:"pad_token_id"`
	DecoderStartTokenID int64 `json:"decoder_start_token_id"`
}

// seq2seqArchitectures are model types that resolve to KindSeq2Seq.
var seq2seqArchitectures = map[string]bool{
	"t5":              true,
	"mt5":             true,
	"longt5":          true,
	"bart":            true,
	"mbart":           true,
	"marian":          true,
	"pegasus":         true,
	"led":             true,
	"bigbird_pegasus": true,
}

// diffusionArchitectures are model types that resolve to KindDiffusion.
var diffusionArchitectures = map[string]bool{
	"stable-diffusion":    true,
	"stable-diffusion-xl": true,
	"latent-diffusion":    true,
}

// LoadModelConfig reads and resolves config.json (and generation_config.json
// when present) from a model directory.
func LoadModelConfig(modelID, dir string) (*ModelConfig, error) {
	configPath := filepath.Join(dir, "config.json")
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config.json: %w", err)
	}
	return ParseModelConfig(modelID, data, loadGenerationConfig(dir))
}

// ParseModelConfig resolves a ModelConfig from raw config.json bytes.
// genCfg may be nil.
func ParseModelConfig(modelID string, data []byte, genCfg *rawGenerationConfig) (*ModelConfig, error) {
	var raw rawModelConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config.json: %w", err)
	}
	if raw.ModelType == "" {
		return nil, fmt.Errorf("config.json has no model_type")
	}

	kind := resolveKind(&raw)

	eosTokenID := tokenIDFromAny(raw.EOSTokenID, -1)
	padTokenID := tokenIDFromAny(raw.PadTokenID, eosTokenID)
	decoderStart := raw.DecoderStartTokenID
	maxLength := FirstNonZero(raw.MaxLength, raw.MaxPositionEmbeddings, 512)

	if genCfg != nil {
		if id := tokenIDFromAny(genCfg.EOSTokenID, -1); id >= 0 {
			eosTokenID = id
		}
		if id := tokenIDFromAny(genCfg.PadTokenID, -1); id >= 0 {
			padTokenID = id
		}
		if genCfg.DecoderStartTokenID != 0 {
			decoderStart = genCfg.DecoderStartTokenID
		}
		if genCfg.MaxLength > 0 {
			maxLength = genCfg.MaxLength
		}
	}
	if decoderStart == 0 && kind == KindSeq2Seq {
		decoderStart = padTokenID // T5 uses pad_token as decoder_start
	}

	numHeads := FirstNonZero(raw.DecoderAttentionHeads, raw.NumHeads, raw.NumAttentionHeads, 8)
	hiddenSize := FirstNonZero(raw.DModel, raw.HiddenSize, 768)
	headDim := raw.DKV
	if headDim == 0 {
		headDim = hiddenSize / numHeads
	}

	dtype := backends.DataTypeFloat32
	if raw.TorchDtype == "float16" {
		dtype = backends.DataTypeFloat16
	}

	cfg := &ModelConfig{
		ModelID:             modelID,
		Architecture:        raw.ModelType,
		Kind:                kind,
		Task:                raw.Task,
		DType:               dtype,
		TensorNames:         defaultTensorNames(kind),
		VocabSize:           raw.VocabSize,
		EOSTokenID:          eosTokenID,
		BOSTokenID:          raw.BOSTokenID,
		PadTokenID:          padTokenID,
		DecoderStartTokenID: decoderStart,
		NumLayers:           FirstNonZero(raw.DecoderLayers, raw.NumDecoderLayers, raw.NumLayers, raw.NumHiddenLayers, 6),
		NumHeads:            numHeads,
		HeadDim:             headDim,
		HiddenSize:          hiddenSize,
		MaxLength:           maxLength,
		ID2Label:            raw.ID2Label,
		LatentChannels:      FirstNonZero(raw.LatentChannels, 4),
		VAEScaleFactor:      8,
		Raw:                 data,
	}
	return cfg, nil
}

// resolveKind maps an architecture family to the orchestrator variant.
// The mapping is a closed set decided once at load; unknown text
// architectures default to encoder-only, with classification selected when a
// label map is declared.
func resolveKind(raw *rawModelConfig) Kind {
	switch {
	case seq2seqArchitectures[raw.ModelType]:
		return KindSeq2Seq
	case diffusionArchitectures[raw.ModelType]:
		return KindDiffusion
	case len(raw.ID2Label) > 0:
		return KindClassification
	default:
		return KindEncoderOnly
	}
}

// defaultTensorNames returns the logical-to-graph tensor name mapping for the
// standard export conventions of each model kind.
func defaultTensorNames(kind Kind) map[string]string {
	switch kind {
	case KindDiffusion:
		return map[string]string{
			"prompt_ids":    "input_ids",
			"text_embeds":   "last_hidden_state",
			"sample":        "sample",
			"timestep":      "timestep",
			"text_cond":     "encoder_hidden_states",
			"noise_pred":    "out_sample",
			"latent_sample": "latent_sample",
		}
	default:
		return map[string]string{
			"input_ids":      "input_ids",
			"attention_mask": "attention_mask",
			"encoder_state":  "last_hidden_state",
			"encoder_mask":   "encoder_attention_mask",
			"encoder_hidden": "encoder_hidden_states",
			"logits":         "logits",
		}
	}
}

// loadGenerationConfig loads generation_config.json if it exists.
func loadGenerationConfig(dir string) *rawGenerationConfig {
	data, err := os.ReadFile(filepath.Join(dir, "generation_config.json"))
	if err != nil {
		return nil
	}
	var cfg rawGenerationConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil
	}
	return &cfg
}

// tokenIDFromAny extracts a token ID that config.json may encode as an int,
// a list of ints, or null.
func tokenIDFromAny(v any, fallback int64) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case []any:
		if len(t) > 0 {
			if f, ok := t[0].(float64); ok {
				return int64(f)
			}
		}
	}
	return fallback
}

// FirstNonZero returns the first non-zero value, or 0 if all are zero.
func FirstNonZero(values ...int) int {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
