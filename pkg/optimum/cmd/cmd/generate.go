// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/baskrahmer/optimum/pkg/optimum/lib/backends"
	"github.com/baskrahmer/optimum/pkg/optimum/lib/pipelines"
	"github.com/baskrahmer/optimum/pkg/optimum/lib/provider"
	"github.com/baskrahmer/optimum/pkg/optimum/lib/seq2seq"
)

var (
	generateBackend     string
	generateRevision    string
	generateMaxNew      int
	generateSample      bool
	generateTemperature float64
	generateTopK        int
	generateTopP        float64
	generateSeed        int64
)

var generateCmd = &cobra.Command{
	Use:   "generate <model-id> <text>",
	Short: "Generate text with an exported seq2seq model",
	Long: `Load an exported encoder-decoder model from the models directory and
run autoregressive generation on the given input text.`,
	Args: cobra.ExactArgs(2),
	RunE: runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().StringVar(&generateBackend, "backend", "", "execution backend (empty picks the best available)")
	generateCmd.Flags().StringVar(&generateRevision, "revision", "", "artifact revision to load")
	generateCmd.Flags().IntVar(&generateMaxNew, "max-new-tokens", 0, "cap on generated tokens (0 uses the model's max length)")
	generateCmd.Flags().BoolVar(&generateSample, "sample", false, "sample from the token distribution instead of greedy decoding")
	generateCmd.Flags().Float64Var(&generateTemperature, "temperature", 1.0, "sampling temperature")
	generateCmd.Flags().IntVar(&generateTopK, "top-k", 0, "restrict sampling to the k most likely tokens (0 disables)")
	generateCmd.Flags().Float64Var(&generateTopP, "top-p", 1.0, "nucleus sampling probability mass")
	generateCmd.Flags().Int64Var(&generateSeed, "seed", 0, "sampling seed (0 seeds from the clock)")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	modelID, text := args[0], args[1]
	prov := provider.NewArtifactProvider(modelsDir, nil, logger)

	pipeline, err := pipelines.Load(cmd.Context(), prov,
		provider.ModelRef{ID: modelID, Revision: generateRevision},
		pipelines.LoadOptions{Backend: backends.BackendType(generateBackend)},
		logger)
	if err != nil {
		return err
	}
	defer func() {
		_ = pipeline.Close()
	}()

	opts := seq2seq.DefaultGenerateOptions()
	opts.MaxNewTokens = generateMaxNew
	opts.DoSample = generateSample
	opts.Temperature = float32(generateTemperature)
	opts.TopK = generateTopK
	opts.TopP = float32(generateTopP)
	opts.Seed = generateSeed

	result, err := pipeline.GenerateText(cmd.Context(), text, opts)
	if err != nil {
		return err
	}

	fmt.Println(result.Text)
	logger.Debug("Generation finished",
		zap.Int("steps", result.Steps),
		zap.Int("tokens", len(result.Tokens)),
		zap.String("finish_reason", string(result.FinishReason)))
	return nil
}
