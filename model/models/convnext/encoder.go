package convnext

import (
	"math/rand/v2"

	"github.com/ollama/modelkit/fs"
	"github.com/ollama/modelkit/ml"
	"github.com/ollama/modelkit/ml/nn"
)

// Embeddings split an image into non-overlapping patches.
type Embeddings struct {
	Patch *nn.Conv2D
	Norm  *nn.LayerNorm

	patchSize int
}

func (e *Embeddings) Forward(ctx ml.Context, pixelValues ml.Tensor) ml.Tensor {
	hiddenStates := e.Patch.Forward(ctx, pixelValues, e.patchSize, e.patchSize, 0, 0, 1, 1)
	return e.Norm.ForwardChannels(ctx, hiddenStates, blockEps)
}

// Output is the result of an encoder forward pass.
type Output struct {
	// LastHiddenState is the final feature map, [W, H, C, N].
	LastHiddenState ml.Tensor

	// PoolerOutput is the normalized spatial average, [C, N].
	PoolerOutput ml.Tensor

	// HiddenStates holds the embedding output followed by the output of
	// every stage. It is nil unless output_hidden_states is set.
	HiddenStates []ml.Tensor

	// Logits are set by models with a classification head, [labels, N].
	Logits ml.Tensor
}

type Encoder struct {
	Embeddings *Embeddings
	Stages     []*Stage
	Norm       *nn.LayerNorm

	// Rand drives drop path in training mode. The global source is used
	// when nil.
	Rand *rand.Rand

	*Options
}

// Describe derives the stage layout for a configuration.
func Describe(c fs.Config) ([]StageDescriptor, error) {
	opts, err := newOptions(c)
	if err != nil {
		return nil, err
	}

	return opts.stages()
}

func (o *Options) stages() ([]StageDescriptor, error) {
	rates, err := DropPathRates(o.depths, o.dropPathRate)
	if err != nil {
		return nil, err
	}

	descs := make([]StageDescriptor, o.NumStages())
	in := o.hiddenSizes[0]
	for i := range descs {
		stride := 2
		if i == 0 {
			stride = 1
		}

		descs[i] = StageDescriptor{
			Index:  i,
			Depth:  o.depths[i],
			In:     in,
			Out:    o.hiddenSizes[i],
			Stride: stride,
			Rates:  rates[i],
		}
		in = o.hiddenSizes[i]
	}

	return descs, nil
}

// NewEncoder declares the embeddings, stages and pooler norm of an
// encoder under p.
func NewEncoder(p nn.Path, c fs.Config) (*Encoder, error) {
	opts, err := newOptions(c)
	if err != nil {
		return nil, err
	}

	descs, err := opts.stages()
	if err != nil {
		return nil, err
	}

	e := Encoder{
		Embeddings: &Embeddings{
			Patch:     nn.NewConv2D(p.In("embeddings", "patch"), opts.numChannels, opts.hiddenSizes[0], opts.patchSize, ml.TruncatedNormal(float64(opts.initRange))),
			Norm:      nn.NewLayerNorm(p.In("embeddings", "norm"), opts.hiddenSizes[0]),
			patchSize: opts.patchSize,
		},
		Stages:  make([]*Stage, len(descs)),
		Options: opts,
	}

	for i, desc := range descs {
		if e.Stages[i], err = newStage(p.In("stages").Index(i), desc, opts); err != nil {
			return nil, err
		}
	}

	e.Norm = nn.NewLayerNorm(p.In("output_norm"), opts.HiddenSize())
	return &e, nil
}

// Forward encodes pixel values of shape [W, H, C, N].
func (e *Encoder) Forward(ctx ml.Context, pixelValues ml.Tensor, mode ml.Mode) *Output {
	var out Output

	hiddenStates := e.Embeddings.Forward(ctx, pixelValues)
	if e.outputHiddenStates {
		out.HiddenStates = append(out.HiddenStates, hiddenStates)
	}

	for _, stage := range e.Stages {
		hiddenStates = stage.Forward(ctx, hiddenStates, mode, e.Rand, e.Options)
		if e.outputHiddenStates {
			out.HiddenStates = append(out.HiddenStates, hiddenStates)
		}
	}

	out.LastHiddenState = hiddenStates

	width, height, channels, batch := hiddenStates.Dim(0), hiddenStates.Dim(1), hiddenStates.Dim(2), hiddenStates.Dim(3)
	pooled := hiddenStates.Contiguous(ctx).Reshape(ctx, width*height, channels, batch).Mean(ctx)
	pooled = pooled.Reshape(ctx, channels, batch)
	out.PoolerOutput = e.Norm.Forward(ctx, pooled, e.eps)

	return &out
}
