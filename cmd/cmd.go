// Package cmd implements the modelkit command line.
package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/ollama/modelkit/convert"
	"github.com/ollama/modelkit/envconfig"
	"github.com/ollama/modelkit/fs"
	"github.com/ollama/modelkit/logutil"
	"github.com/ollama/modelkit/ml"
	_ "github.com/ollama/modelkit/ml/backend"
	"github.com/ollama/modelkit/model"
	_ "github.com/ollama/modelkit/model/models"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "modelkit",
		Short: "Vision model building blocks",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
			slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel(), envconfig.LogFormat()))
		},
	}

	cobra.EnableCommandSorting = false

	rootCmd.AddCommand(
		NewShowCmd(),
		NewScheduleCmd(),
		NewClassifyCmd(),
		NewGenerateCmd(),
		NewEnvCmd(),
	)

	return rootCmd
}

// modelPath resolves name to a checkpoint directory. Existing paths are
// used as is; anything else is looked up in the models directory.
func modelPath(name string) (string, error) {
	if fi, err := os.Stat(name); err == nil && fi.IsDir() {
		return name, nil
	}

	p := filepath.Join(envconfig.Models(), name)
	if fi, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("model %q not found: %w", name, err)
	} else if !fi.IsDir() {
		return "", fmt.Errorf("model %q is not a directory", name)
	}

	return p, nil
}

func newContext() (ml.Context, error) {
	b, err := ml.NewBackend("cpu", ml.BackendParams{NumThreads: int(envconfig.NumThreads())})
	if err != nil {
		return nil, err
	}

	return b.NewContext(), nil
}

// loadModel converts the checkpoint called name and assembles its model.
func loadModel(ctx ml.Context, name string) (model.Model, fs.KV, error) {
	p, err := modelPath(name)
	if err != nil {
		return nil, nil, err
	}

	c, err := convert.ConvertModel(os.DirFS(p))
	if err != nil {
		return nil, nil, err
	}

	m, err := model.New(c.KV)
	if err != nil {
		return nil, nil, err
	}

	if err := convert.LoadParams(ctx, m.Params(), c.Tensors); err != nil {
		return nil, nil, err
	}

	slog.Info("loaded model", "path", p, "architecture", c.KV.Architecture(), "params", m.Params().Count())
	return m, c.KV, nil
}

func newTable(cmd *cobra.Command, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	return table
}

var errPixelSize = errors.New("model has no square pixel input")

// imageSize is the edge length of the pixel_values input of m.
func imageSize(m model.Model) (int, error) {
	for _, spec := range m.InputTemplate() {
		if spec.Name == "pixel_values" && len(spec.Shape) >= 2 && spec.Shape[0] == spec.Shape[1] && spec.Shape[0] > 0 {
			return spec.Shape[0], nil
		}
	}

	return 0, errPixelSize
}
