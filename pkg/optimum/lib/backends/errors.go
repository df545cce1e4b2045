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

package backends

import (
	"errors"
	"fmt"
)

var (
	// ErrShapeMismatch indicates tensors inconsistent with a graph's declared
	// interface (wrong name, rank, dimension, or dtype). This is a usage
	// error, fatal to the call, and never auto-corrected by reshaping.
	ErrShapeMismatch = errors.New("tensor shape mismatch")

	// ErrInvalidInput indicates a caller-supplied parameter outside its valid
	// domain (empty sequence, strength out of range). Fatal to the call;
	// recoverable by the caller adjusting the input.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNumerical indicates non-finite values (NaN/Inf) produced
	// mid-computation. Fatal to the in-progress generation or denoise loop;
	// never retried internally since the root cause is typically a bad input
	// or degenerate model state.
	ErrNumerical = errors.New("non-finite values in computation")
)

// ShapeMismatchError reports a tensor that does not match a graph's declared
// interface. It matches ErrShapeMismatch under errors.Is.
type ShapeMismatchError struct {
	Tensor string  // tensor name
	Want   []int64 // declared shape, nil when the name or dtype is the problem
	Got    []int64
	Reason string
}

func (e *ShapeMismatchError) Error() string {
	if e.Want == nil && e.Got == nil {
		return fmt.Sprintf("tensor %q: %s", e.Tensor, e.Reason)
	}
	return fmt.Sprintf("tensor %q: %s (want %v, got %v)", e.Tensor, e.Reason, e.Want, e.Got)
}

func (e *ShapeMismatchError) Is(target error) bool {
	return target == ErrShapeMismatch
}

// NumericalError reports non-finite values detected in a named tensor,
// optionally at a loop step. It matches ErrNumerical under errors.Is.
type NumericalError struct {
	Tensor string
	Step   int // decode or denoise step, -1 when not in a loop
	Index  int // flat index of the first offending element
}

func (e *NumericalError) Error() string {
	if e.Step >= 0 {
		return fmt.Sprintf("non-finite value in %q at step %d (element %d)", e.Tensor, e.Step, e.Index)
	}
	return fmt.Sprintf("non-finite value in %q (element %d)", e.Tensor, e.Index)
}

func (e *NumericalError) Is(target error) bool {
	return target == ErrNumerical
}

// StageError annotates an error with the stage or sub-graph that produced it.
// Composition layers wrap session errors in a StageError before surfacing
// them, so a caller always knows which graph of a decomposed model failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// WrapStage tags err with the producing stage. Returns nil for a nil error.
func WrapStage(stage string, err error) error {
	if err == nil {
		return nil
	}
	return &StageError{Stage: stage, Err: err}
}
