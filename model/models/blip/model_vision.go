package blip

import (
	"math"

	"github.com/ollama/modelkit/fs"
	"github.com/ollama/modelkit/ml"
	"github.com/ollama/modelkit/ml/nn"
	"github.com/ollama/modelkit/ml/nn/pooling"
)

// VisionOutput is the result of running a vision encoder.
type VisionOutput struct {
	// LastHiddenState is the sequence the text decoder attends to,
	// [hidden, sequence, batch].
	LastHiddenState ml.Tensor

	// PoolerOutput summarizes each image, [hidden, batch].
	PoolerOutput ml.Tensor

	// HiddenStates and Attentions are nil unless the vision configuration
	// requests them.
	HiddenStates []ml.Tensor
	Attentions   []ml.Tensor
}

// VisionEncoder turns pixel values into a sequence for cross attention.
type VisionEncoder interface {
	Forward(ctx ml.Context, pixelValues ml.Tensor, mode ml.Mode) *VisionOutput

	// SequenceLength is the length of the encoded sequence for one image of
	// the configured size.
	SequenceLength() int
	HiddenSize() int

	// InputShape is the expected pixel value shape without the batch
	// dimension.
	InputShape() []int
}

type VisionSelfAttention struct {
	Query  *nn.Linear
	Key    *nn.Linear
	Value  *nn.Linear
	Output *nn.Linear
}

func (sa *VisionSelfAttention) Forward(ctx ml.Context, hiddenState ml.Tensor, opts *VisionModelOptions) (ml.Tensor, ml.Tensor) {
	headDim := opts.hiddenSize / opts.numHeads
	seqLen, batchSize := hiddenState.Dim(1), hiddenState.Dim(2)

	query := sa.Query.Forward(ctx, hiddenState).Reshape(ctx, headDim, opts.numHeads, seqLen, batchSize)
	key := sa.Key.Forward(ctx, hiddenState).Reshape(ctx, headDim, opts.numHeads, seqLen, batchSize)
	value := sa.Value.Forward(ctx, hiddenState).Reshape(ctx, headDim, opts.numHeads, seqLen, batchSize)

	attention, weights := nn.AttentionWithWeights(ctx, query, key, value, nil, 1.0/math.Sqrt(float64(headDim)))
	attention = attention.Reshape(ctx, opts.hiddenSize, seqLen, batchSize)
	return sa.Output.Forward(ctx, attention), weights
}

type VisionMLP struct {
	Up   *nn.Linear
	Down *nn.Linear
}

func (mlp *VisionMLP) Forward(ctx ml.Context, hiddenState ml.Tensor, opts *VisionModelOptions) ml.Tensor {
	hiddenState = opts.act.Forward(ctx, mlp.Up.Forward(ctx, hiddenState))
	return mlp.Down.Forward(ctx, hiddenState)
}

type VisionEncoderLayer struct {
	AttentionNorm *nn.LayerNorm
	SelfAttention *VisionSelfAttention

	MLPNorm *nn.LayerNorm
	MLP     *VisionMLP
}

func newVisionEncoderLayer(p nn.Path, opts *VisionModelOptions) *VisionEncoderLayer {
	init := ml.TruncatedNormal(float64(opts.initRange))
	return &VisionEncoderLayer{
		AttentionNorm: nn.NewLayerNorm(p.In("attn_norm"), opts.hiddenSize),
		SelfAttention: &VisionSelfAttention{
			Query:  nn.NewLinear(p.In("attn_q"), opts.hiddenSize, opts.hiddenSize, init),
			Key:    nn.NewLinear(p.In("attn_k"), opts.hiddenSize, opts.hiddenSize, init),
			Value:  nn.NewLinear(p.In("attn_v"), opts.hiddenSize, opts.hiddenSize, init),
			Output: nn.NewLinear(p.In("attn_out"), opts.hiddenSize, opts.hiddenSize, init),
		},
		MLPNorm: nn.NewLayerNorm(p.In("ffn_norm"), opts.hiddenSize),
		MLP: &VisionMLP{
			Up:   nn.NewLinear(p.In("ffn_up"), opts.hiddenSize, opts.intermediateSize, init),
			Down: nn.NewLinear(p.In("ffn_down"), opts.intermediateSize, opts.hiddenSize, init),
		},
	}
}

func (e *VisionEncoderLayer) Forward(ctx ml.Context, hiddenState ml.Tensor, opts *VisionModelOptions) (ml.Tensor, ml.Tensor) {
	residual := hiddenState

	// self attention
	hiddenState = e.AttentionNorm.Forward(ctx, hiddenState, opts.eps)
	hiddenState, weights := e.SelfAttention.Forward(ctx, hiddenState, opts)
	hiddenState = hiddenState.Add(ctx, residual)
	residual = hiddenState

	// feed forward
	hiddenState = e.MLPNorm.Forward(ctx, hiddenState, opts.eps)
	hiddenState = e.MLP.Forward(ctx, hiddenState, opts)
	return hiddenState.Add(ctx, residual), weights
}

type VisionModelOptions struct {
	hiddenSize, numHeads, intermediateSize int
	imageSize, patchSize, numChannels      int

	eps       float32
	act       nn.Activation
	initRange float32

	outputHiddenStates, outputAttentions bool
}

// VisionModel is a transformer over image patches with a leading class
// token.
type VisionModel struct {
	PatchEmbedding    *nn.Conv2D
	ClassEmbedding    ml.Tensor
	PositionEmbedding ml.Tensor

	Layers   []*VisionEncoderLayer
	PostNorm *nn.LayerNorm

	*VisionModelOptions
}

func (m *VisionModel) numPatches() int {
	side := m.imageSize / m.patchSize
	return side * side
}

func (m *VisionModel) SequenceLength() int {
	return m.numPatches() + 1
}

func (m *VisionModel) HiddenSize() int {
	return m.hiddenSize
}

func (m *VisionModel) InputShape() []int {
	return []int{m.imageSize, m.imageSize, m.numChannels}
}

func (m *VisionModel) Forward(ctx ml.Context, pixelValues ml.Tensor, mode ml.Mode) *VisionOutput {
	batchSize := pixelValues.Dim(3)

	hiddenState := m.PatchEmbedding.Forward(ctx, pixelValues, m.patchSize, m.patchSize, 0, 0, 1, 1)
	hiddenState = hiddenState.Reshape(ctx, m.numPatches(), m.hiddenSize, batchSize)
	hiddenState = hiddenState.Permute(ctx, 1, 0, 2, 3).Contiguous(ctx)

	class := ctx.Zeros(ml.DTypeF32, m.hiddenSize, 1, batchSize).Add(ctx, m.ClassEmbedding)
	hiddenState = class.Concat(ctx, hiddenState, 1)
	hiddenState = hiddenState.Add(ctx, m.PositionEmbedding)

	var out VisionOutput
	for _, layer := range m.Layers {
		if m.outputHiddenStates {
			out.HiddenStates = append(out.HiddenStates, hiddenState)
		}

		var weights ml.Tensor
		hiddenState, weights = layer.Forward(ctx, hiddenState, m.VisionModelOptions)
		if m.outputAttentions {
			out.Attentions = append(out.Attentions, weights)
		}
	}

	if m.outputHiddenStates {
		out.HiddenStates = append(out.HiddenStates, hiddenState)
	}

	out.LastHiddenState = m.PostNorm.Forward(ctx, hiddenState, m.eps)
	out.PoolerOutput = pooling.TypeCLS.Forward(ctx, out.LastHiddenState)
	return &out
}

func newVisionModel(p nn.Path, c fs.Config) (*VisionModel, error) {
	act, err := parseActivation(c.String("hidden_act", "gelu"))
	if err != nil {
		return nil, err
	}

	opts := VisionModelOptions{
		hiddenSize:         int(c.Uint("hidden_size", 768)),
		numHeads:           int(c.Uint("num_attention_heads", 12)),
		intermediateSize:   int(c.Uint("intermediate_size", 3072)),
		imageSize:          int(c.Uint("image_size", 384)),
		patchSize:          int(c.Uint("patch_size", 16)),
		numChannels:        int(c.Uint("num_channels", 3)),
		eps:                c.Float("layer_norm_eps", 1e-5),
		act:                act,
		initRange:          c.Float("initializer_range", 1e-10),
		outputHiddenStates: c.Bool("output_hidden_states"),
		outputAttentions:   c.Bool("output_attentions"),
	}

	if err := checkHeads("vision", opts.hiddenSize, opts.numHeads); err != nil {
		return nil, err
	}

	if err := checkPositive("vision", map[string]int{"image_size": opts.imageSize, "patch_size": opts.patchSize, "num_channels": opts.numChannels, "intermediate_size": opts.intermediateSize}); err != nil {
		return nil, err
	}

	m := VisionModel{
		PatchEmbedding:     nn.NewConv2D(p.In("patch_embd"), opts.numChannels, opts.hiddenSize, opts.patchSize, ml.TruncatedNormal(float64(opts.initRange))),
		Layers:             make([]*VisionEncoderLayer, c.Uint("num_hidden_layers", 12)),
		VisionModelOptions: &opts,
	}

	p.Param(&m.ClassEmbedding, "class_embd", ml.TruncatedNormal(float64(opts.initRange)), opts.hiddenSize)
	p.Param(&m.PositionEmbedding, "position_embd", ml.TruncatedNormal(float64(opts.initRange)), opts.hiddenSize, m.SequenceLength())

	for i := range m.Layers {
		m.Layers[i] = newVisionEncoderLayer(p.In("blk").Index(i), &opts)
	}

	m.PostNorm = nn.NewLayerNorm(p.In("post_norm"), opts.hiddenSize)
	return &m, nil
}
