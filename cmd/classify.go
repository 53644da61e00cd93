package cmd

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"strconv"

	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"

	"github.com/ollama/modelkit/model/imageproc"
	"github.com/ollama/modelkit/model/input"
	"github.com/ollama/modelkit/model/models/convnext"
)

var errNoClassifier = errors.New("model has no classification head")

func NewClassifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify MODEL IMAGE",
		Short: "Classify an image",
		Args:  cobra.ExactArgs(2),
		RunE:  classifyHandler,
	}

	cmd.Flags().Int("top", 5, "Number of labels to print")
	return cmd
}

type prediction struct {
	Label string
	Score float64
}

// predictions returns the softmax of logits sorted by descending score.
// Labels fall back to the class index.
func predictions(logits []float32, labels []string) []prediction {
	l := make([]float64, len(logits))
	for i, v := range logits {
		l[i] = float64(v)
	}

	lse := floats.LogSumExp(l)

	ps := make([]prediction, len(l))
	for i, v := range l {
		label := strconv.Itoa(i)
		if i < len(labels) {
			label = labels[i]
		}

		ps[i] = prediction{Label: label, Score: math.Exp(v - lse)}
	}

	slices.SortStableFunc(ps, func(a, b prediction) int {
		return cmp.Compare(b.Score, a.Score)
	})

	return ps
}

func classifyHandler(cmd *cobra.Command, args []string) error {
	top, err := cmd.Flags().GetInt("top")
	if err != nil {
		return err
	}

	ctx, err := newContext()
	if err != nil {
		return err
	}
	defer ctx.Close()

	m, kv, err := loadModel(ctx, args[0])
	if err != nil {
		return err
	}

	cm, ok := m.(*convnext.Model)
	if !ok || cm.Classifier == nil {
		return fmt.Errorf("%s: %w", kv.Architecture(), errNoClassifier)
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
		Mean: imageproc.ImageNetDefaultMean,
		STD:  imageproc.ImageNetDefaultSTD,
	})
	if err != nil {
		return err
	}

	out, err := cm.Forward(ctx, input.Inputs{PixelValues: ctx.FromFloatSlice(pixels, size, size, 3, 1)})
	if err != nil {
		return err
	}

	ps := predictions(out.Logits.Floats(), kv.Strings("labels"))

	table := newTable(cmd, "LABEL", "SCORE")
	for _, p := range ps[:max(0, min(top, len(ps)))] {
		table.Append([]string{p.Label, strconv.FormatFloat(p.Score, 'f', 4, 64)})
	}
	table.Render()
	return nil
}
