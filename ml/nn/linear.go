package nn

import "github.com/ollama/modelkit/ml"

type Linear struct {
	Weight ml.Tensor
	Bias   ml.Tensor
}

// NewLinear declares a dense projection from in to out features. The weight
// is stored as [in, out].
func NewLinear(p Path, in, out int, init ml.Initializer) *Linear {
	var m Linear
	p.Param(&m.Weight, "weight", init, in, out)
	p.Param(&m.Bias, "bias", ml.Zeros(), out)
	return &m
}

func (m *Linear) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = m.Weight.Mulmat(ctx, t)
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias)
	}

	return t
}
