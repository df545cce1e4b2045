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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "optimum_pipeline_requests_total",
			Help: "Total pipeline calls by model, operation, and status",
		},
		[]string{"model", "operation", "status"},
	)

	requestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "optimum_pipeline_request_duration_seconds",
			Help:    "Pipeline call latency by model and operation",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"model", "operation"},
	)

	generatedTokens = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "optimum_pipeline_generated_tokens",
			Help:    "Tokens generated per seq2seq call",
			Buckets: []float64{1, 4, 16, 64, 128, 256, 512, 1024},
		},
		[]string{"model"},
	)

	modelLoaded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "optimum_pipeline_model_loaded",
			Help: "Whether a model is loaded (1=loaded, 0=not loaded)",
		},
		[]string{"model", "kind"},
	)
)

// observe records the standard per-call metrics.
func observe(model, operation string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	requestsTotal.WithLabelValues(model, operation, status).Inc()
	requestLatency.WithLabelValues(model, operation).Observe(time.Since(start).Seconds())
}
