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

package pipelines

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/baskrahmer/optimum/pkg/optimum/lib/seq2seq"
)

// TextResult is the outcome of a text generation call.
type TextResult struct {
	Text         string
	Tokens       []int64
	Steps        int
	FinishReason seq2seq.FinishReason
}

// GenerateText runs the full seq2seq loop over an input text: tokenize,
// encode once, decode token by token, detokenize. Available on seq2seq
// models only.
func (p *Pipeline) GenerateText(ctx context.Context, text string, opts seq2seq.GenerateOptions) (*TextResult, error) {
	if p.generator == nil {
		return nil, fmt.Errorf("model %s (kind %s) does not support text generation", p.config.ModelID, p.config.Kind)
	}

	var result *TextResult
	err := p.timedCall("generate", func() error {
		id := callID()
		inputIDs, err := p.encode(text)
		if err != nil {
			return err
		}

		gen, err := p.generator.Generate(ctx, inputIDs, opts)
		if err != nil {
			return err
		}
		out, err := p.decode(gen.Tokens)
		if err != nil {
			return err
		}

		generatedTokens.WithLabelValues(p.config.ModelID).Observe(float64(len(gen.Tokens)))
		p.logger.Debug("Text generated",
			zap.String("call_id", id),
			zap.Int("input_tokens", len(inputIDs)),
			zap.Int("output_tokens", len(gen.Tokens)),
			zap.String("finish_reason", string(gen.FinishReason)))

		result = &TextResult{
			Text:         out,
			Tokens:       gen.Tokens,
			Steps:        gen.Steps,
			FinishReason: gen.FinishReason,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Translate translates text with greedy decoding. For multilingual models
// the target language is selected by the model's task prefix conventions,
// which the caller includes in the text.
func (p *Pipeline) Translate(ctx context.Context, text string) (string, error) {
	res, err := p.GenerateText(ctx, text, seq2seq.DefaultGenerateOptions())
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

// Summarize produces an abstractive summary with greedy decoding.
func (p *Pipeline) Summarize(ctx context.Context, text string) (string, error) {
	res, err := p.GenerateText(ctx, text, seq2seq.DefaultGenerateOptions())
	if err != nil {
		return "", err
	}
	return res.Text, nil
}
