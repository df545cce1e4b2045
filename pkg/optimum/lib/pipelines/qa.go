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

	"github.com/baskrahmer/optimum/pkg/optimum/lib/backends"
	"github.com/baskrahmer/optimum/pkg/optimum/lib/seq2seq"
)

// maxAnswerTokens bounds extracted answer spans.
const maxAnswerTokens = 30

// Answer is the outcome of an extractive question answering call.
type Answer struct {
	// Text is the extracted answer span, detokenized.
	Text string
	// Start and End are token indices of the span within the combined input.
	Start, End int
	// Score is the product of the start and end probabilities.
	Score float32
}

// AnswerQuestion extracts an answer span from a context passage. The model
// must be an encoder producing start_logits and end_logits; the best span is
// the highest scoring start/end pair inside the context region.
func (p *Pipeline) AnswerQuestion(ctx context.Context, question, passage string) (*Answer, error) {
	if p.encoder == nil {
		return nil, fmt.Errorf("model %s (kind %s) does not support question answering", p.config.ModelID, p.config.Kind)
	}

	var answer *Answer
	err := p.timedCall("question_answering", func() error {
		questionIDs, err := p.encode(question)
		if err != nil {
			return err
		}
		passageIDs, err := p.encode(passage)
		if err != nil {
			return err
		}
		if len(questionIDs) == 0 || len(passageIDs) == 0 {
			return fmt.Errorf("%w: empty question or passage", backends.ErrInvalidInput)
		}

		inputIDs := append(append([]int64{}, questionIDs...), passageIDs...)
		outputs, err := p.encoder.Forward(ctx, [][]int64{inputIDs}, nil)
		if err != nil {
			return err
		}

		startLogits, err := spanLogits(outputs, "start_logits", len(inputIDs))
		if err != nil {
			return err
		}
		endLogits, err := spanLogits(outputs, "end_logits", len(inputIDs))
		if err != nil {
			return err
		}

		// Only spans inside the passage region are candidates.
		offset := len(questionIDs)
		startProbs := seq2seq.Softmax(startLogits[offset:])
		endProbs := seq2seq.Softmax(endLogits[offset:])

		bestStart, bestEnd, bestScore := 0, 0, float32(-1)
		for s := range startProbs {
			for e := s; e < len(endProbs) && e < s+maxAnswerTokens; e++ {
				if score := startProbs[s] * endProbs[e]; score > bestScore {
					bestStart, bestEnd, bestScore = s, e, score
				}
			}
		}

		text, err := p.decode(passageIDs[bestStart : bestEnd+1])
		if err != nil {
			return err
		}
		answer = &Answer{
			Text:  text,
			Start: offset + bestStart,
			End:   offset + bestEnd,
			Score: bestScore,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return answer, nil
}

// spanLogits pulls a named [1, seq] logit row out of the graph outputs.
func spanLogits(outputs []backends.NamedTensor, name string, seqLen int) ([]float32, error) {
	for _, out := range outputs {
		if out.Name != name {
			continue
		}
		data := out.Float32s()
		if len(data) < seqLen {
			return nil, &backends.ShapeMismatchError{
				Tensor: name,
				Got:    out.Shape,
				Reason: "fewer logits than input positions",
			}
		}
		return data[:seqLen], nil
	}
	return nil, fmt.Errorf("%w: graph produced no %s output", backends.ErrShapeMismatch, name)
}
