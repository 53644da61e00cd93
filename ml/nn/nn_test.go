package nn

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/ollama/modelkit/ml"
	"github.com/ollama/modelkit/ml/backend/cpu"
)

func setup(t *testing.T) ml.Context {
	t.Helper()

	b, err := cpu.New(ml.BackendParams{NumThreads: 1})
	require.NoError(t, err)
	return b.NewContext()
}

func TestPath(t *testing.T) {
	params := ml.NewParams()
	root := NewPath(params, "v")

	blk := root.In("blk").Index(3)
	require.Equal(t, "v.blk.3", blk.String())
	require.Equal(t, "v.blk.3.attn_q", blk.Name("attn_q"))

	// deriving a child never changes the parent
	_ = blk.In("ffn_up")
	require.Equal(t, "v.blk.3", blk.String())

	require.Equal(t, "x", NewPath(params).In("", "x").String())
}

func TestLinear(t *testing.T) {
	ctx := setup(t)
	params := ml.NewParams()

	m := NewLinear(NewPath(params, "proj"), 2, 3, ml.Zeros())
	require.Equal(t, []string{"proj.weight", "proj.bias"}, params.Missing())

	require.NoError(t, params.Set(ctx, "proj.weight", []float32{1, 0, 0, 1, 1, 1}))
	require.NoError(t, params.Set(ctx, "proj.bias", []float32{0, 0, 10}))

	got := m.Forward(ctx, ctx.FromFloatSlice([]float32{2, 3}, 2, 1))
	if diff := cmp.Diff([]float32{2, 3, 15}, got.Floats()); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
}

func TestParseActivation(t *testing.T) {
	cases := map[string]Activation{
		"gelu":              ActivationGELU,
		"GELU_NEW":          ActivationGELUApprox,
		"gelu_pytorch_tanh": ActivationGELUApprox,
		"relu":              ActivationReLU,
		"swish":             ActivationSiLU,
		"tanh":              ActivationTanh,
		"sigmoid":           ActivationSigmoid,
		"linear":            ActivationLinear,
	}

	for s, want := range cases {
		got, err := ParseActivation(s)
		require.NoError(t, err, s)
		require.Equal(t, want, got, s)
	}

	_, err := ParseActivation("softsign")
	require.ErrorIs(t, err, ErrUnknownActivation)
}

func TestActivationForward(t *testing.T) {
	ctx := setup(t)
	x := ctx.FromFloatSlice([]float32{-1, 0, 1}, 3)

	require.Equal(t, []float32{0, 0, 1}, ActivationReLU.Forward(ctx, x).Floats())

	got := ActivationGELU.Forward(ctx, x).Floats()
	want := []float32{-0.158655, 0, 0.841345}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-5)); diff != "" {
		t.Errorf("gelu mismatch (-want +got):\n%s", diff)
	}
}

func TestDropPath(t *testing.T) {
	ctx := setup(t)

	x := ctx.FromFloatSlice([]float32{1, 1, 1, 1, 1, 1, 1, 1}, 2, 1, 1, 4)

	t.Run("Inference", func(t *testing.T) {
		got := DropPath(ctx, x, 0.25, ml.ModeInference, nil).Floats()
		for _, v := range got {
			require.InDelta(t, 0.75, v, 1e-6)
		}
	})

	t.Run("ZeroRate", func(t *testing.T) {
		require.Equal(t, x, DropPath(ctx, x, 0, ml.ModeTraining, nil))
	})

	t.Run("Training", func(t *testing.T) {
		r := rand.New(rand.NewPCG(1, 2))
		got := DropPath(ctx, x, 0.5, ml.ModeTraining, r).Floats()

		// each sample is either kept intact or dropped entirely
		for i := 0; i < len(got); i += 2 {
			require.Equal(t, got[i], got[i+1])
			require.Contains(t, []float32{0, 1}, got[i])
		}
	})

	t.Run("TrainingAlwaysDrop", func(t *testing.T) {
		got := DropPath(ctx, x, 1, ml.ModeTraining, rand.New(rand.NewPCG(3, 4))).Floats()
		require.Equal(t, make([]float32, 8), got)
	})
}

func TestAttention(t *testing.T) {
	ctx := setup(t)

	// one head, d_k 2, two keys, one query, batch 1
	q := ctx.FromFloatSlice([]float32{1, 0}, 2, 1, 1, 1)
	k := ctx.FromFloatSlice([]float32{1, 0, 0, 1}, 2, 1, 2, 1)
	v := ctx.FromFloatSlice([]float32{10, 20, 30, 40}, 2, 1, 2, 1)

	t.Run("Unmasked", func(t *testing.T) {
		out, weights := AttentionWithWeights(ctx, q, k, v, nil, 1)
		require.Equal(t, []int{2, 1, 1, 1}, out.Shape())

		w := weights.Floats()
		require.InDelta(t, 1, w[0]+w[1], 1e-6)
		require.Greater(t, w[0], w[1])

		want := []float32{10*w[0] + 30*w[1], 20*w[0] + 40*w[1]}
		if diff := cmp.Diff(want, out.Floats(), cmpopts.EquateApprox(1e-5, 0)); diff != "" {
			t.Errorf("values mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("Masked", func(t *testing.T) {
		mask := ctx.FromFloatSlice([]float32{float32(math.Inf(-1)), 0}, 2, 1, 1, 1)
		out := Attention(ctx, q, k, v, mask, 1)
		if diff := cmp.Diff([]float32{30, 40}, out.Floats()); diff != "" {
			t.Errorf("values mismatch (-want +got):\n%s", diff)
		}
	})
}
