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

	"github.com/baskrahmer/optimum/pkg/optimum/lib/provider"
)

var (
	exportSource   string
	exportRevision string
)

var exportCmd = &cobra.Command{
	Use:   "export <model-id>",
	Short: "Export a checkpoint into the models directory",
	Long: `Convert a local checkpoint into published graph artifacts under the
models directory. The checkpoint directory must hold a config.json and the
compiled graphs for the model's kind.`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().StringVar(&exportSource, "source", "", "checkpoint source directory (required)")
	exportCmd.Flags().StringVar(&exportRevision, "revision", "", "artifact revision to publish under")
	_ = exportCmd.MarkFlagRequired("source")
}

func runExport(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	modelID := args[0]
	prov := provider.NewExportingProvider(
		provider.DirConverter{SourceDir: exportSource},
		modelsDir,
		logger,
	)

	config, handles, err := prov.Load(cmd.Context(), provider.ModelRef{
		ID:       modelID,
		Revision: exportRevision,
		Export:   true,
	})
	if err != nil {
		return err
	}

	fmt.Printf("Exported %s (%s, %s) with %d graphs to %s\n",
		modelID, config.Architecture, config.Kind, len(handles), modelsDir)
	return nil
}
