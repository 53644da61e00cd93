package nn

import (
	"github.com/ollama/modelkit/ml"
)

type LayerNorm struct {
	Weight ml.Tensor
	Bias   ml.Tensor
}

func NewLayerNorm(p Path, dim int) *LayerNorm {
	var m LayerNorm
	p.Param(&m.Weight, "weight", ml.Ones(), dim)
	p.Param(&m.Bias, "bias", ml.Zeros(), dim)
	return &m
}

// Forward normalizes over dimension 0.
func (m *LayerNorm) Forward(ctx ml.Context, t ml.Tensor, eps float32) ml.Tensor {
	return t.LayerNorm(ctx, m.Weight, m.Bias, eps)
}

// ForwardChannels normalizes the channel dimension of a [W, H, C, N]
// feature map.
func (m *LayerNorm) ForwardChannels(ctx ml.Context, t ml.Tensor, eps float32) ml.Tensor {
	t = t.Permute(ctx, 1, 2, 0, 3).Contiguous(ctx)
	t = m.Forward(ctx, t, eps)
	return t.Permute(ctx, 2, 0, 1, 3).Contiguous(ctx)
}
