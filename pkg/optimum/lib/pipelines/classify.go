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
	"strconv"

	"github.com/baskrahmer/optimum/pkg/optimum/lib/backends"
	"github.com/baskrahmer/optimum/pkg/optimum/lib/provider"
	"github.com/baskrahmer/optimum/pkg/optimum/lib/seq2seq"
)

// Classification is the outcome of a sequence classification call.
type Classification struct {
	// Label is the highest scoring label.
	Label string
	// Score is the softmax probability of Label.
	Score float32
	// Scores holds the probability of every label.
	Scores map[string]float32
}

// Classify runs sequence classification over a text. Available on
// classification models only.
func (p *Pipeline) Classify(ctx context.Context, text string) (*Classification, error) {
	if p.encoder == nil || p.config.Kind != provider.KindClassification {
		return nil, fmt.Errorf("model %s (kind %s) does not support classification", p.config.ModelID, p.config.Kind)
	}

	var result *Classification
	err := p.timedCall("classify", func() error {
		inputIDs, err := p.encode(text)
		if err != nil {
			return err
		}

		logits, err := p.encoder.Logits(ctx, [][]int64{inputIDs}, nil)
		if err != nil {
			return err
		}
		if err := backends.CheckFinite(logits, -1); err != nil {
			return err
		}

		probs := seq2seq.Softmax(logits.Float32s())
		best := int(seq2seq.Argmax(probs))

		scores := make(map[string]float32, len(probs))
		for i, s := range probs {
			scores[p.labelFor(i)] = s
		}
		result = &Classification{
			Label:  p.labelFor(best),
			Score:  probs[best],
			Scores: scores,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Embed returns a mean-pooled sentence embedding from the encoder's hidden
// states. Available on encoder-only and classification models.
func (p *Pipeline) Embed(ctx context.Context, text string) ([]float32, error) {
	if p.encoder == nil {
		return nil, fmt.Errorf("model %s (kind %s) does not support embedding", p.config.ModelID, p.config.Kind)
	}

	var embedding []float32
	err := p.timedCall("embed", func() error {
		inputIDs, err := p.encode(text)
		if err != nil {
			return err
		}

		hidden, err := p.encoder.HiddenStates(ctx, [][]int64{inputIDs}, nil)
		if err != nil {
			return err
		}
		if len(hidden.Shape) != 3 {
			return &backends.ShapeMismatchError{
				Tensor: hidden.Name,
				Got:    hidden.Shape,
				Reason: "hidden states must be rank 3",
			}
		}

		seq := int(hidden.Shape[1])
		dim := int(hidden.Shape[2])
		data := hidden.Float32s()
		embedding = make([]float32, dim)
		for s := 0; s < seq; s++ {
			for d := 0; d < dim; d++ {
				embedding[d] += data[s*dim+d]
			}
		}
		for d := range embedding {
			embedding[d] /= float32(seq)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return embedding, nil
}

// labelFor maps a class index through the model's label map, falling back
// to the bare index.
func (p *Pipeline) labelFor(i int) string {
	key := strconv.Itoa(i)
	if label, ok := p.config.ID2Label[key]; ok {
		return label
	}
	return key
}
