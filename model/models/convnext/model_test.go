package convnext

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/ollama/modelkit/fs"
	"github.com/ollama/modelkit/ml"
	"github.com/ollama/modelkit/ml/backend/cpu"
	"github.com/ollama/modelkit/ml/nn"
	"github.com/ollama/modelkit/model"
	"github.com/ollama/modelkit/model/input"
)

func setup(t *testing.T) ml.Context {
	t.Helper()

	b, err := cpu.New(ml.BackendParams{NumThreads: 2})
	require.NoError(t, err)
	return b.NewContext()
}

func testConfig(kv fs.KV) fs.KV {
	c := fs.KV{
		"general.architecture":    "convnext",
		"convnext.hidden_sizes":   []uint32{4, 8},
		"convnext.depths":         []uint32{1, 2},
		"convnext.patch_size":     uint32(2),
		"convnext.image_size":     uint32(8),
		"convnext.drop_path_rate": float32(0.2),
	}

	for k, v := range kv {
		c[k] = v
	}

	return c
}

func newTestModel(t *testing.T, ctx ml.Context, kv fs.KV) *Model {
	t.Helper()

	m, err := model.New(testConfig(kv))
	require.NoError(t, err)

	m.Params().Initialize(ctx, 1)
	require.Empty(t, m.Params().Missing())
	return m.(*Model)
}

func pixels(ctx ml.Context, batch int) ml.Tensor {
	s := make([]float32, 8*8*3*batch)
	for i := range s {
		s[i] = float32(i%17) / 17
	}
	return ctx.FromFloatSlice(s, 8, 8, 3, batch)
}

func TestDownsample(t *testing.T) {
	ctx := setup(t)
	m := newTestModel(t, ctx, nil)

	require.Nil(t, m.Stages[0].Downsample)
	require.NotNil(t, m.Stages[1].Downsample)

	params := m.Params()
	_, ok := params.Get("stages.0.downsample.conv.weight")
	require.False(t, ok)

	p, ok := params.Get("stages.1.downsample.conv.weight")
	require.True(t, ok)
	require.Equal(t, []int{2, 2, 4, 8}, p.Shape)

	p, ok = params.Get("stages.1.blk.1.layer_scale")
	require.True(t, ok)
	require.Equal(t, []float32{1e-6}, p.Tensor().Floats()[:1])

	// drop path rates follow the global schedule
	require.Zero(t, m.Stages[0].Blocks[0].Rate)
	require.InDelta(t, 0.2, m.Stages[1].Blocks[1].Rate, 1e-7)
}

func TestLayerScaleDisabled(t *testing.T) {
	ctx := setup(t)
	m := newTestModel(t, ctx, fs.KV{"convnext.layer_scale_init_value": float32(0)})

	for _, name := range m.Params().Missing() {
		t.Errorf("unexpected missing %s", name)
	}

	for _, p := range m.Params().All() {
		require.NotContains(t, p.Name, "layer_scale")
	}

	require.Nil(t, m.Stages[1].Blocks[0].LayerScale)
}

func TestForward(t *testing.T) {
	ctx := setup(t)

	t.Run("Default", func(t *testing.T) {
		m := newTestModel(t, ctx, nil)

		out, err := m.Forward(ctx, input.Inputs{PixelValues: pixels(ctx, 2)})
		require.NoError(t, err)

		if diff := cmp.Diff([]int{2, 2, 8, 2}, out.LastHiddenState.Shape()); diff != "" {
			t.Errorf("last hidden state shape mismatch (-want +got):\n%s", diff)
		}

		require.Equal(t, []int{8, 2}, out.PoolerOutput.Shape())
		require.Nil(t, out.HiddenStates)
		require.Nil(t, out.Logits)
	})

	t.Run("HiddenStates", func(t *testing.T) {
		m := newTestModel(t, ctx, fs.KV{"convnext.output_hidden_states": true})

		out, err := m.Forward(ctx, input.Inputs{PixelValues: pixels(ctx, 1)})
		require.NoError(t, err)
		require.Len(t, out.HiddenStates, m.NumStages()+1)

		require.Equal(t, []int{4, 4, 4, 1}, out.HiddenStates[0].Shape())
		require.Equal(t, []int{4, 4, 4, 1}, out.HiddenStates[1].Shape())
		require.Same(t, out.LastHiddenState, out.HiddenStates[2])
	})

	t.Run("Classifier", func(t *testing.T) {
		m := newTestModel(t, ctx, fs.KV{"convnext.num_labels": uint32(5)})

		out, err := m.Forward(ctx, input.Inputs{PixelValues: pixels(ctx, 2)})
		require.NoError(t, err)
		require.Equal(t, []int{5, 2}, out.Logits.Shape())
	})

	t.Run("MissingPixels", func(t *testing.T) {
		m := newTestModel(t, ctx, nil)

		_, err := m.Forward(ctx, input.Inputs{})
		require.ErrorIs(t, err, model.ErrMissingInput)
	})
}

func TestBlockShape(t *testing.T) {
	ctx := setup(t)

	opts, err := newOptions(testConfig(nil))
	require.NoError(t, err)

	params := ml.NewParams()
	b := newBlock(nn.NewPath(params, "blk"), 4, 0.1, opts)
	params.Initialize(ctx, 7)

	x := ctx.FromFloatSlice(make([]float32, 5*3*4*2), 5, 3, 4, 2)
	for _, mode := range []ml.Mode{ml.ModeInference, ml.ModeTraining} {
		y := b.Forward(ctx, x, mode, nil, opts)
		require.Equal(t, x.Shape(), y.Shape(), mode.String())
	}
}

func TestStageMismatch(t *testing.T) {
	opts, err := newOptions(testConfig(nil))
	require.NoError(t, err)

	desc := StageDescriptor{Index: 1, Depth: 3, In: 4, Out: 8, Stride: 2, Rates: []float32{0, 0.1}}
	_, err = newStage(nn.NewPath(ml.NewParams(), "stages", "1"), desc, opts)
	require.ErrorIs(t, err, model.ErrInvalidConfig)
}

func TestDescribe(t *testing.T) {
	descs, err := Describe(testConfig(nil))
	require.NoError(t, err)

	want := []StageDescriptor{
		{Index: 0, Depth: 1, In: 4, Out: 4, Stride: 1, Rates: []float32{0}},
		{Index: 1, Depth: 2, In: 4, Out: 8, Stride: 2, Rates: []float32{0.1, 0.2}},
	}
	if diff := cmp.Diff(want, descs); diff != "" {
		t.Errorf("stages mismatch (-want +got):\n%s", diff)
	}
}

func TestInvalidConfig(t *testing.T) {
	cases := map[string]fs.KV{
		"LengthMismatch": {"convnext.depths": []uint32{1, 2, 3}},
		"NumStages":      {"convnext.num_stages": uint32(3)},
		"ZeroWidth":      {"convnext.hidden_sizes": []uint32{4, 0}},
		"ZeroDepth":      {"convnext.depths": []uint32{1, 0}},
		"Activation":     {"convnext.hidden_act": "softsign"},
	}

	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := model.New(testConfig(kv))
			require.ErrorIs(t, err, model.ErrInvalidConfig)
		})
	}
}
