package convnext

import (
	"fmt"
	"math/rand/v2"

	"github.com/ollama/modelkit/ml"
	"github.com/ollama/modelkit/ml/nn"
)

// Block is a residual block operating at a fixed channel width.
type Block struct {
	DepthwiseConv *nn.DepthwiseConv2D
	Norm          *nn.LayerNorm
	Up            *nn.Linear
	Down          *nn.Linear

	// LayerScale is nil unless a positive initial value is configured.
	LayerScale ml.Tensor

	Rate float32
}

func newBlock(p nn.Path, channels int, rate float32, opts *Options) *Block {
	init := ml.TruncatedNormal(float64(opts.initRange))

	b := Block{
		DepthwiseConv: nn.NewDepthwiseConv2D(p.In("dw_conv"), channels, 7, init),
		Norm:          nn.NewLayerNorm(p.In("norm"), channels),
		Up:            nn.NewLinear(p.In("ffn_up"), channels, 4*channels, init),
		Down:          nn.NewLinear(p.In("ffn_down"), 4*channels, channels, init),
		Rate:          rate,
	}

	if opts.layerScale > 0 {
		p.Param(&b.LayerScale, "layer_scale", ml.Constant(opts.layerScale), channels)
	}

	return &b
}

// Forward maps a [W, H, C, N] feature map to one of the same shape.
func (b *Block) Forward(ctx ml.Context, hiddenStates ml.Tensor, mode ml.Mode, r *rand.Rand, opts *Options) ml.Tensor {
	residual := hiddenStates

	hiddenStates = b.DepthwiseConv.Forward(ctx, hiddenStates, 1, 3)

	// channels last
	hiddenStates = hiddenStates.Permute(ctx, 1, 2, 0, 3).Contiguous(ctx)
	hiddenStates = b.Norm.Forward(ctx, hiddenStates, blockEps)
	hiddenStates = b.Up.Forward(ctx, hiddenStates)
	hiddenStates = opts.act.Forward(ctx, hiddenStates)
	hiddenStates = b.Down.Forward(ctx, hiddenStates)
	if b.LayerScale != nil {
		hiddenStates = hiddenStates.Mul(ctx, b.LayerScale)
	}
	hiddenStates = hiddenStates.Permute(ctx, 2, 0, 1, 3).Contiguous(ctx)

	hiddenStates = nn.DropPath(ctx, hiddenStates, b.Rate, mode, r)

	for i := range 4 {
		if hiddenStates.Dim(i) != residual.Dim(i) {
			panic(fmt.Errorf("convnext: residual %v does not match block output %v", residual.Shape(), hiddenStates.Shape()))
		}
	}

	return hiddenStates.Add(ctx, residual)
}
