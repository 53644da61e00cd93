package nn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ollama/modelkit/ml"
)

var ErrUnknownActivation = errors.New("unknown activation")

type Activation int

const (
	ActivationGELU Activation = iota
	ActivationGELUApprox
	ActivationReLU
	ActivationSiLU
	ActivationTanh
	ActivationSigmoid
	ActivationLinear
)

// ParseActivation maps configuration names such as "gelu" or
// "gelu_pytorch_tanh" to an Activation.
func ParseActivation(s string) (Activation, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "gelu":
		return ActivationGELU, nil
	case "gelu_new", "gelu_fast", "gelu_pytorch_tanh", "gelu_approx_tanh":
		return ActivationGELUApprox, nil
	case "relu":
		return ActivationReLU, nil
	case "silu", "swish":
		return ActivationSiLU, nil
	case "tanh":
		return ActivationTanh, nil
	case "sigmoid":
		return ActivationSigmoid, nil
	case "linear", "identity":
		return ActivationLinear, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownActivation, s)
	}
}

func (a Activation) String() string {
	switch a {
	case ActivationGELU:
		return "gelu"
	case ActivationGELUApprox:
		return "gelu_approx_tanh"
	case ActivationReLU:
		return "relu"
	case ActivationSiLU:
		return "silu"
	case ActivationTanh:
		return "tanh"
	case ActivationSigmoid:
		return "sigmoid"
	case ActivationLinear:
		return "linear"
	default:
		return "unknown"
	}
}

func (a Activation) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	switch a {
	case ActivationGELU:
		return t.GELU_ERF(ctx)
	case ActivationGELUApprox:
		return t.GELU(ctx)
	case ActivationReLU:
		return t.RELU(ctx)
	case ActivationSiLU:
		return t.SILU(ctx)
	case ActivationTanh:
		return t.Tanh(ctx)
	case ActivationSigmoid:
		return t.Sigmoid(ctx)
	case ActivationLinear:
		return t
	default:
		panic(fmt.Errorf("%w: %d", ErrUnknownActivation, a))
	}
}
