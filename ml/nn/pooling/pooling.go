package pooling

import (
	"github.com/ollama/modelkit/ml"
)

type Type uint32

const (
	TypeNone Type = iota
	TypeMean
	TypeCLS
	TypeLast
)

func (t Type) String() string {
	switch t {
	case TypeMean:
		return "Mean"
	case TypeCLS:
		return "CLS"
	case TypeLast:
		return "Last"
	default:
		return "Unknown"
	}
}

// Forward reduces [D, S, N] hidden states to [D, N].
func (t Type) Forward(ctx ml.Context, hiddenStates ml.Tensor) ml.Tensor {
	d, s, n := hiddenStates.Dim(0), hiddenStates.Dim(1), hiddenStates.Dim(2)
	switch t {
	case TypeMean:
		hiddenStates = hiddenStates.Permute(ctx, 1, 0, 2, 3).Contiguous(ctx).Mean(ctx)
		return hiddenStates.Reshape(ctx, d, n)
	case TypeCLS:
		return hiddenStates.View(ctx, 0, d, hiddenStates.Stride(2), n)
	case TypeLast:
		return hiddenStates.View(ctx, (s-1)*hiddenStates.Stride(1), d, hiddenStates.Stride(2), n)
	default:
		panic("unknown pooling type")
	}
}
