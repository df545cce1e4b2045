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
	"math"
)

// ValidateInputs checks named inputs against a graph's declared interface.
// Every declared input must be supplied exactly once, with matching rank,
// dtype, and every static (non-negative) dimension. Dynamic dimensions
// (declared as -1) accept any size. Element count must always match the
// product of the supplied shape.
func ValidateInputs(declared []TensorInfo, inputs []NamedTensor) error {
	byName := make(map[string]NamedTensor, len(inputs))
	for _, in := range inputs {
		byName[in.Name] = in
	}

	for _, info := range declared {
		in, ok := byName[info.Name]
		if !ok {
			return &ShapeMismatchError{Tensor: info.Name, Reason: "missing input"}
		}

		if info.DataType != "" {
			if got := DataTypeOf(in.Data); got != "" && got != info.DataType {
				return &ShapeMismatchError{
					Tensor: info.Name,
					Reason: "dtype " + string(got) + ", graph declares " + string(info.DataType),
				}
			}
		}

		if info.Shape != nil {
			if len(in.Shape) != len(info.Shape) {
				return &ShapeMismatchError{
					Tensor: info.Name,
					Want:   info.Shape,
					Got:    in.Shape,
					Reason: "rank mismatch",
				}
			}
			for i, want := range info.Shape {
				if want >= 0 && in.Shape[i] != want {
					return &ShapeMismatchError{
						Tensor: info.Name,
						Want:   info.Shape,
						Got:    in.Shape,
						Reason: "dimension mismatch",
					}
				}
			}
		}

		if n := dataLen(in.Data); n >= 0 && int64(n) != in.NumElements() {
			return &ShapeMismatchError{
				Tensor: info.Name,
				Got:    in.Shape,
				Reason: "data length does not match shape",
			}
		}
	}
	return nil
}

// CheckFinite scans a float32 tensor for NaN or Inf values. step is the
// decode/denoise step for error reporting, or -1 outside a loop. Non-float
// tensors pass trivially.
func CheckFinite(t NamedTensor, step int) error {
	data, ok := t.Data.([]float32)
	if !ok {
		return nil
	}
	for i, v := range data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return &NumericalError{Tensor: t.Name, Step: step, Index: i}
		}
	}
	return nil
}

func dataLen(data any) int {
	switch d := data.(type) {
	case []float32:
		return len(d)
	case []int64:
		return len(d)
	case []int32:
		return len(d)
	case []bool:
		return len(d)
	default:
		return -1
	}
}
