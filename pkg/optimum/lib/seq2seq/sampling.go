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
	"math"
	"math/rand"
)

// selectNextToken picks the next token from a step's vocabulary logits.
// Greedy when sampling is off; otherwise temperature, top-k, and top-p are
// applied in that order before drawing from the remaining distribution.
func selectNextToken(logits []float32, generated []int64, opts GenerateOptions, rng *rand.Rand) int64 {
	logitsCopy := make([]float32, len(logits))
	copy(logitsCopy, logits)

	if opts.RepetitionPenalty != 1.0 && opts.RepetitionPenalty > 0 {
		applyRepetitionPenalty(logitsCopy, generated, opts.RepetitionPenalty)
	}

	if !opts.DoSample {
		return Argmax(logitsCopy)
	}

	if opts.Temperature != 1.0 && opts.Temperature > 0 {
		for i := range logitsCopy {
			logitsCopy[i] /= opts.Temperature
		}
	}

	probs := Softmax(logitsCopy)
	if opts.TopK > 0 && opts.TopK < len(probs) {
		probs = TopK(probs, opts.TopK)
	}
	if opts.TopP > 0 && opts.TopP < 1.0 {
		probs = TopP(probs, opts.TopP)
	}
	return Sample(probs, rng)
}

// applyRepetitionPenalty discounts logits of already-generated tokens.
func applyRepetitionPenalty(logits []float32, generated []int64, penalty float32) {
	for _, tok := range generated {
		if tok >= 0 && tok < int64(len(logits)) {
			if logits[tok] > 0 {
				logits[tok] /= penalty
			} else {
				logits[tok] *= penalty
			}
		}
	}
}

// Argmax returns the index of the maximum value.
func Argmax(values []float32) int64 {
	maxIdx := 0
	maxVal := values[0]
	for i, v := range values[1:] {
		if v > maxVal {
			maxVal = v
			maxIdx = i + 1
		}
	}
	return int64(maxIdx)
}

// Softmax applies softmax normalization with the usual max-subtraction for
// numerical stability.
func Softmax(logits []float32) []float32 {
	maxVal := logits[0]
	for _, v := range logits[1:] {
		if v > maxVal {
			maxVal = v
		}
	}

	probs := make([]float32, len(logits))
	var sum float32
	for i, v := range logits {
		probs[i] = float32(math.Exp(float64(v - maxVal)))
		sum += probs[i]
	}
	if sum > 0 {
		for i := range probs {
			probs[i] /= sum
		}
	}
	return probs
}

// TopK zeros out all but the top k probabilities and renormalizes.
func TopK(probs []float32, k int) []float32 {
	if k >= len(probs) {
		return probs
	}

	sorted := make([]float32, len(probs))
	copy(sorted, probs)
	for i := 0; i < k && i < len(sorted); i++ {
		maxIdx := i
		for j := i + 1; j < len(sorted); j++ {
			if sorted[j] > sorted[maxIdx] {
				maxIdx = j
			}
		}
		sorted[i], sorted[maxIdx] = sorted[maxIdx], sorted[i]
	}
	threshold := sorted[k-1]

	result := make([]float32, len(probs))
	var sum float32
	for i, p := range probs {
		if p >= threshold {
			result[i] = p
			sum += p
		}
	}
	if sum > 0 {
		for i := range result {
			result[i] /= sum
		}
	}
	return result
}

// TopP keeps the smallest prefix of tokens, in descending probability order,
// whose cumulative mass reaches p, then renormalizes.
func TopP(probs []float32, p float32) []float32 {
	type indexProb struct {
		idx  int
		prob float32
	}
	pairs := make([]indexProb, len(probs))
	for i, prob := range probs {
		pairs[i] = indexProb{i, prob}
	}
	for i := 0; i < len(pairs); i++ {
		maxIdx := i
		for j := i + 1; j < len(pairs); j++ {
			if pairs[j].prob > pairs[maxIdx].prob {
				maxIdx = j
			}
		}
		pairs[i], pairs[maxIdx] = pairs[maxIdx], pairs[i]
	}

	var cumSum float32
	cutoff := len(pairs)
	for i, pair := range pairs {
		cumSum += pair.prob
		if cumSum >= p {
			cutoff = i + 1
			break
		}
	}

	result := make([]float32, len(probs))
	var sum float32
	for i := 0; i < cutoff; i++ {
		result[pairs[i].idx] = pairs[i].prob
		sum += pairs[i].prob
	}
	if sum > 0 {
		for i := range result {
			result[i] /= sum
		}
	}
	return result
}

// Sample draws an index from a probability distribution.
func Sample(probs []float32, rng *rand.Rand) int64 {
	r := rng.Float32()
	var cumSum float32
	for i, p := range probs {
		cumSum += p
		if r < cumSum {
			return int64(i)
		}
	}
	return int64(len(probs) - 1)
}
