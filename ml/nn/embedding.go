package nn

import "github.com/ollama/modelkit/ml"

type Embedding struct {
	Weight ml.Tensor
}

func NewEmbedding(p Path, vocab, dim int, init ml.Initializer) *Embedding {
	var m Embedding
	p.Param(&m.Weight, "weight", init, dim, vocab)
	return &m
}

func (m *Embedding) Forward(ctx ml.Context, hiddenState ml.Tensor) ml.Tensor {
	return m.Weight.Rows(ctx, hiddenState)
}
