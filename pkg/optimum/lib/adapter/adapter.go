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

// Package adapter wraps raw graph sessions in typed, model-role-aware
// interfaces. An adapter owns its sessions for its lifetime, maps logical
// tensor names to the names each graph declares, and tags every session error
// with the stage that produced it. Adapters hold no cross-call state; encoder
// outputs and KV caches travel through the orchestrators above.
package adapter

import (
	"context"
	"fmt"

	"github.com/baskrahmer/optimum/pkg/optimum/lib/backends"
	"github.com/baskrahmer/optimum/pkg/optimum/lib/provider"
)

// runSession validates inputs against the graph's declared interface, then
// executes it. Any failure comes back tagged with the stage name.
func runSession(ctx context.Context, sess backends.Session, stage string, inputs []backends.NamedTensor) ([]backends.NamedTensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := backends.ValidateInputs(sess.InputInfo(), inputs); err != nil {
		return nil, backends.WrapStage(stage, err)
	}
	outputs, err := sess.Run(inputs)
	if err != nil {
		return nil, backends.WrapStage(stage, err)
	}
	return outputs, nil
}

// findOutput returns the named output tensor, or an error when the graph did
// not produce it.
func findOutput(outputs []backends.NamedTensor, name, stage string) (backends.NamedTensor, error) {
	for _, out := range outputs {
		if out.Name == name {
			return out, nil
		}
	}
	return backends.NamedTensor{}, backends.WrapStage(stage, fmt.Errorf("graph produced no %q output", name))
}

// flattenIDs flattens a batch of token ID sequences into one tensor payload.
// All sequences must be non-empty and of equal length; ragged batches are the
// caller's padding problem, not a reshape performed here.
func flattenIDs(batch [][]int64) ([]int64, []int64, error) {
	if len(batch) == 0 || len(batch[0]) == 0 {
		return nil, nil, fmt.Errorf("%w: empty token sequence", backends.ErrInvalidInput)
	}
	seqLen := len(batch[0])
	flat := make([]int64, 0, len(batch)*seqLen)
	for i, seq := range batch {
		if len(seq) != seqLen {
			return nil, nil, &backends.ShapeMismatchError{
				Tensor: "input_ids",
				Want:   []int64{int64(len(batch)), int64(seqLen)},
				Got:    []int64{int64(i), int64(len(seq))},
				Reason: "ragged batch",
			}
		}
		flat = append(flat, seq...)
	}
	return flat, []int64{int64(len(batch)), int64(seqLen)}, nil
}

// onesMask builds an all-ones attention mask matching a [batch, seq] shape.
func onesMask(shape []int64) []int64 {
	mask := make([]int64, shape[0]*shape[1])
	for i := range mask {
		mask[i] = 1
	}
	return mask
}

// graphName resolves a logical tensor name through the model's mapping,
// falling back to the logical name itself.
func graphName(names map[string]string, logical string) string {
	if n, ok := names[logical]; ok && n != "" {
		return n
	}
	return logical
}

// sessionFor returns the session for a role, failing when the role was not
// provided at construction.
func sessionFor(sessions map[provider.GraphRole]backends.Session, role provider.GraphRole) (backends.Session, error) {
	sess, ok := sessions[role]
	if !ok || sess == nil {
		return nil, fmt.Errorf("no session for %s graph", role)
	}
	return sess, nil
}

// closeAll closes every session, returning the first error.
func closeAll(sessions map[provider.GraphRole]backends.Session) error {
	var first error
	for _, sess := range sessions {
		if sess == nil {
			continue
		}
		if err := sess.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
