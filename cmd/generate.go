package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/ollama/modelkit/envconfig"
	"github.com/ollama/modelkit/model/imageproc"
	"github.com/ollama/modelkit/runner"
	"github.com/ollama/modelkit/sample"
)

func NewGenerateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate MODEL IMAGE",
		Short: "Generate token ids conditioned on an image",
		Args:  cobra.ExactArgs(2),
		RunE:  generateHandler,
	}

	cmd.Flags().Int32Slice("prompt", nil, "Token ids to decode after the start token")
	cmd.Flags().Int("num-predict", int(envconfig.MaxLength()), "Maximum number of tokens to generate")
	cmd.Flags().Float32("temperature", 0, "Sampling temperature, 0 for greedy decoding")
	cmd.Flags().Int("top-k", 0, "Sample from the k most likely tokens")
	cmd.Flags().Float32("top-p", 0, "Sample from the smallest set of tokens reaching this probability")
	cmd.Flags().Float32("min-p", 0, "Drop tokens less likely than this fraction of the most likely token")
	cmd.Flags().Uint64("seed", 0, "Random seed for sampling")
	return cmd
}

// samplerOptions reads the sampling flags. The seed flag takes precedence
// over MODELKIT_SEED.
func samplerOptions(cmd *cobra.Command) (sample.Options, error) {
	var opts sample.Options
	var err error

	if opts.Temperature, err = cmd.Flags().GetFloat32("temperature"); err != nil {
		return opts, err
	}

	if opts.TopK, err = cmd.Flags().GetInt("top-k"); err != nil {
		return opts, err
	}

	if opts.TopP, err = cmd.Flags().GetFloat32("top-p"); err != nil {
		return opts, err
	}

	if opts.MinP, err = cmd.Flags().GetFloat32("min-p"); err != nil {
		return opts, err
	}

	if opts.Temperature < 0 {
		return opts, fmt.Errorf("temperature must not be negative, got %v", opts.Temperature)
	}

	if cmd.Flags().Changed("seed") {
		seed, err := cmd.Flags().GetUint64("seed")
		if err != nil {
			return opts, err
		}
		opts.Seed = &seed
	} else if seed, ok := envconfig.Seed(); ok {
		opts.Seed = &seed
	}

	return opts, nil
}

func generateHandler(cmd *cobra.Command, args []string) error {
	opts, err := samplerOptions(cmd)
	if err != nil {
		return err
	}

	prompt, err := cmd.Flags().GetInt32Slice("prompt")
	if err != nil {
		return err
	}

	numPredict, err := cmd.Flags().GetInt("num-predict")
	if err != nil {
		return err
	}

	ctx, err := newContext()
	if err != nil {
		return err
	}
	defer ctx.Close()

	m, _, err := loadModel(ctx, args[0])
	if err != nil {
		return err
	}

	g, err := runner.AsModel(m)
	if err != nil {
		return err
	}

	size, err := imageSize(m)
	if err != nil {
		return err
	}

	f, err := os.Open(args[1])
	if err != nil {
		return err
	}
	defer f.Close()

	pixels, err := imageproc.Load(f, imageproc.Options{
		Size: size,
		Mean: imageproc.ClipDefaultMean,
		STD:  imageproc.ClipDefaultSTD,
	})
	if err != nil {
		return err
	}

	seq, err := runner.NewSequence(ctx.FromFloatSlice(pixels, size, size, 3, 1), runner.SequenceParams{
		Prompt:     prompt,
		NumPredict: numPredict,
		Sampler:    sample.New(opts),
	})
	if err != nil {
		return err
	}

	var bar *progressbar.ProgressBar
	if !envconfig.NoProgress() {
		bar = progressbar.NewOptions(numPredict,
			progressbar.OptionSetWriter(cmd.ErrOrStderr()),
			progressbar.OptionSetDescription("generating"),
			progressbar.OptionSetWidth(40),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionClearOnFinish(),
		)
	}

	err = runner.Generate(cmd.Context(), ctx, g, seq, func(int32) {
		if bar != nil {
			bar.Add(1)
		}
	})
	if bar != nil {
		bar.Finish()
	}
	if err != nil {
		return err
	}

	slog.Debug("generated", "sequence", seq.ID, "tokens", len(seq.Tokens()), "done", seq.DoneReason())
	fmt.Fprintln(cmd.OutOrStdout(), formatTokens(seq.Tokens()))
	return nil
}

func formatTokens(ids []int32) string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = strconv.FormatInt(int64(id), 10)
	}
	return strings.Join(s, " ")
}
