package nn

import (
	"math/rand/v2"

	"github.com/ollama/modelkit/ml"
)

// DropPath gates a residual branch with stochastic depth. In inference mode
// the branch is scaled by 1-rate. In training mode each sample, the outermost
// dimension of t, is zeroed with probability rate.
func DropPath(ctx ml.Context, t ml.Tensor, rate float32, mode ml.Mode, r *rand.Rand) ml.Tensor {
	if rate <= 0 {
		return t
	}

	if mode != ml.ModeTraining {
		return t.Scale(ctx, float64(1-rate))
	}

	shape := t.Shape()
	maskShape := make([]int, len(shape))
	for i := range maskShape {
		maskShape[i] = 1
	}
	maskShape[len(shape)-1] = shape[len(shape)-1]

	keep := make([]float32, shape[len(shape)-1])
	for i := range keep {
		var u float32
		if r != nil {
			u = r.Float32()
		} else {
			u = rand.Float32()
		}

		if u >= rate {
			keep[i] = 1
		}
	}

	return t.Mul(ctx, ctx.FromFloatSlice(keep, maskShape...))
}
