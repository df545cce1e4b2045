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
	"fmt"
	"sort"
	"strings"

	"github.com/baskrahmer/optimum/pkg/optimum/lib/backends"
)

const (
	presentPrefix = "present."
	pastPrefix    = "past_key_values."
)

// KVCache accumulates the decoder's per-layer self-attention key/value
// tensors across generation steps. Each tensor has shape
// [batch, heads, seq, headDim] and the sequence dimension grows by exactly
// one per completed step. The cache belongs to a single generation; it is
// never shared and is discarded wholesale on any failure or cancellation.
type KVCache struct {
	tensors []backends.NamedTensor
	seqLen  int64
	steps   int
}

// NewKVCache returns an empty cache.
func NewKVCache() *KVCache {
	return &KVCache{}
}

// Steps returns the number of completed decode steps.
func (c *KVCache) Steps() int {
	return c.steps
}

// SeqLen returns the cached sequence length. Equal to Steps for a
// generation started from a single decoder start token.
func (c *KVCache) SeqLen() int64 {
	return c.seqLen
}

// Inputs returns the cache tensors named as decoder-with-past graph inputs.
func (c *KVCache) Inputs() []backends.NamedTensor {
	return c.tensors
}

// Update harvests the present.* outputs of a decoder pass into the cache.
// The sequence dimension of every harvested tensor must agree, and once the
// cache is primed it must grow by exactly one per update.
func (c *KVCache) Update(outputs []backends.NamedTensor) error {
	var next []backends.NamedTensor
	seq := int64(-1)
	for _, out := range outputs {
		if !strings.HasPrefix(out.Name, presentPrefix) {
			continue
		}
		if len(out.Shape) != 4 {
			return &backends.ShapeMismatchError{
				Tensor: out.Name,
				Got:    out.Shape,
				Reason: "cache tensor must be rank 4",
			}
		}
		if seq < 0 {
			seq = out.Shape[2]
		} else if out.Shape[2] != seq {
			return &backends.ShapeMismatchError{
				Tensor: out.Name,
				Want:   []int64{-1, -1, seq, -1},
				Got:    out.Shape,
				Reason: "cache layers disagree on sequence length",
			}
		}
		next = append(next, backends.NamedTensor{
			Name:  pastPrefix + strings.TrimPrefix(out.Name, presentPrefix),
			Shape: out.Shape,
			Data:  out.Data,
		})
	}
	if len(next) == 0 {
		return fmt.Errorf("%w: decoder produced no present.* cache outputs", backends.ErrShapeMismatch)
	}
	if len(c.tensors) > 0 {
		if len(next) != len(c.tensors) {
			return fmt.Errorf("%w: cache layer count changed from %d to %d",
				backends.ErrShapeMismatch, len(c.tensors), len(next))
		}
		if seq != c.seqLen+1 {
			return &backends.ShapeMismatchError{
				Tensor: next[0].Name,
				Want:   []int64{-1, -1, c.seqLen + 1, -1},
				Got:    next[0].Shape,
				Reason: "cache must grow by exactly one position per step",
			}
		}
	}

	// Deterministic input ordering across steps.
	sort.Slice(next, func(i, j int) bool { return next[i].Name < next[j].Name })

	c.tensors = next
	c.seqLen = seq
	c.steps++
	return nil
}
