package nn

import "github.com/ollama/modelkit/ml"

type Conv2D struct {
	Weight ml.Tensor
	Bias   ml.Tensor
}

func NewConv2D(p Path, in, out, kernel int, init ml.Initializer) *Conv2D {
	var m Conv2D
	p.Param(&m.Weight, "weight", init, kernel, kernel, in, out)
	p.Param(&m.Bias, "bias", ml.Zeros(), out)
	return &m
}

func (m *Conv2D) Forward(ctx ml.Context, t ml.Tensor, s0, s1, p0, p1, d0, d1 int) ml.Tensor {
	t = m.Weight.Conv2D(ctx, t, s0, s1, p0, p1, d0, d1)
	if m.Bias != nil {
		// Broadcast bias along spatial dimensions to match convolution output layout.
		bias := m.Bias.Reshape(ctx, 1, 1, m.Bias.Dim(0), 1)
		t = t.Add(ctx, bias)
	}
	return t
}

// DepthwiseConv2D convolves each channel with its own kernel.
type DepthwiseConv2D struct {
	Weight ml.Tensor
	Bias   ml.Tensor
}

func NewDepthwiseConv2D(p Path, channels, kernel int, init ml.Initializer) *DepthwiseConv2D {
	var m DepthwiseConv2D
	p.Param(&m.Weight, "weight", init, kernel, kernel, 1, channels)
	p.Param(&m.Bias, "bias", ml.Zeros(), channels)
	return &m
}

func (m *DepthwiseConv2D) Forward(ctx ml.Context, t ml.Tensor, s, p int) ml.Tensor {
	t = m.Weight.Conv2DDW(ctx, t, s, s, p, p, 1, 1)
	if m.Bias != nil {
		bias := m.Bias.Reshape(ctx, 1, 1, m.Bias.Dim(0), 1)
		t = t.Add(ctx, bias)
	}
	return t
}
