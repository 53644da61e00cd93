package blip

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/ollama/modelkit/fs"
	"github.com/ollama/modelkit/kvcache"
	"github.com/ollama/modelkit/ml"
	"github.com/ollama/modelkit/ml/backend/cpu"
	"github.com/ollama/modelkit/model"
	"github.com/ollama/modelkit/model/input"
)

var approx = cmpopts.EquateApprox(1e-4, 1e-5)

func setup(t *testing.T) ml.Context {
	t.Helper()

	b, err := cpu.New(ml.BackendParams{NumThreads: 2})
	require.NoError(t, err)
	return b.NewContext()
}

func testConfig(kv fs.KV) fs.KV {
	c := fs.KV{
		"general.architecture":              "blip",
		"blip.vision.hidden_size":           uint32(8),
		"blip.vision.num_attention_heads":   uint32(2),
		"blip.vision.intermediate_size":     uint32(16),
		"blip.vision.image_size":            uint32(8),
		"blip.vision.patch_size":            uint32(4),
		"blip.vision.num_hidden_layers":     uint32(2),
		"blip.vision.initializer_range":     float32(0.02),
		"blip.text.vocab_size":              uint32(12),
		"blip.text.hidden_size":             uint32(8),
		"blip.text.encoder_hidden_size":     uint32(8),
		"blip.text.intermediate_size":       uint32(16),
		"blip.text.num_attention_heads":     uint32(2),
		"blip.text.max_position_embeddings": uint32(16),
		"blip.text.num_hidden_layers":       uint32(2),
		"blip.text.bos_token_id":            uint32(10),
		"blip.text.sep_token_id":            uint32(11),
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

func pixels(ctx ml.Context) ml.Tensor {
	s := make([]float32, 8*8*3)
	for i := range s {
		s[i] = float32(i%11)/11 - 0.5
	}
	return ctx.FromFloatSlice(s, 8, 8, 3, 1)
}

func tokens(ctx ml.Context, ids ...int32) ml.Tensor {
	return ctx.FromIntSlice(ids, len(ids), 1)
}

func TestParams(t *testing.T) {
	ctx := setup(t)
	m := newTestModel(t, ctx, nil)

	shapes := map[string][]int{
		"v.patch_embd.weight":          {4, 4, 3, 8},
		"v.class_embd":                 {8},
		"v.position_embd":              {8, 5},
		"v.blk.1.attn_q.weight":        {8, 8},
		"v.post_norm.weight":           {8},
		"t.token_embd.weight":          {8, 12},
		"t.blk.1.cross_attn_k.weight":  {8, 8},
		"t.blk.0.cross_attn_norm.bias": {8},
		"t.head.output.bias":           {12},
	}

	for name, shape := range shapes {
		p, ok := m.Params().Get(name)
		require.True(t, ok, name)
		require.Equal(t, shape, p.Shape, name)
	}

	template := m.InputTemplate()
	require.Equal(t, "pixel_values", template[0].Name)
	require.Equal(t, []int{8, 8, 3, -1}, template[0].Shape)
	require.Equal(t, []int{8, 5, -1}, template[len(template)-1].Shape)
}

func TestSuppliedMatchesComputed(t *testing.T) {
	ctx := setup(t)
	m := newTestModel(t, ctx, fs.KV{
		"blip.vision.output_hidden_states": true,
		"blip.vision.output_attentions":    true,
	})

	computed, err := m.Forward(ctx, input.Inputs{
		PixelValues:     pixels(ctx),
		DecoderInputIDs: tokens(ctx, 10, 3, 4),
	})
	require.NoError(t, err)
	require.Equal(t, []int{12, 3, 1}, computed.Logits.Shape())
	require.Equal(t, []int{8, 5, 1}, computed.EncoderHiddenState.Shape())
	require.Len(t, computed.EncoderHiddenStates, 3)
	require.Len(t, computed.EncoderAttentions, 2)
	require.Nil(t, computed.DecoderHiddenStates)
	require.Nil(t, computed.Cache)

	supplied, err := m.Forward(ctx, input.Inputs{
		EncoderHiddenState: computed.EncoderHiddenState,
		DecoderInputIDs:    tokens(ctx, 10, 3, 4),
	})
	require.NoError(t, err)
	require.Nil(t, supplied.EncoderHiddenStates)
	require.Nil(t, supplied.EncoderAttentions)
	require.Same(t, computed.EncoderHiddenState, supplied.EncoderHiddenState)

	if diff := cmp.Diff(computed.Logits.Floats(), supplied.Logits.Floats(), approx); diff != "" {
		t.Errorf("logits mismatch (-computed +supplied):\n%s", diff)
	}
}

func TestDecoderOutputs(t *testing.T) {
	ctx := setup(t)
	m := newTestModel(t, ctx, fs.KV{
		"blip.text.output_hidden_states": true,
		"blip.text.output_attentions":    true,
	})

	out, err := m.Forward(ctx, input.Inputs{
		PixelValues: pixels(ctx),
		InputIDs:    tokens(ctx, 3, 4),
	})
	require.NoError(t, err)

	require.Len(t, out.DecoderHiddenStates, 3)
	require.Len(t, out.DecoderAttentions, 2)
	require.Len(t, out.CrossAttentions, 2)
	require.Equal(t, []int{2, 2, 2, 1}, out.DecoderAttentions[0].Shape())
	require.Equal(t, []int{5, 2, 2, 1}, out.CrossAttentions[0].Shape())

	// the second token must not attend to a later position
	weights := out.DecoderAttentions[1].Floats()
	require.Zero(t, weights[1])
}

func TestCachedCrossAttention(t *testing.T) {
	ctx := setup(t)
	m := newTestModel(t, ctx, nil)

	step := func(scale float64) []float32 {
		cache, err := m.InitCache(ctx, 1, 4, input.Inputs{})
		require.NoError(t, err)

		_, encoderHiddenState, err := m.Decode(ctx, input.Inputs{
			PixelValues:     pixels(ctx),
			DecoderInputIDs: tokens(ctx, 10, 5),
			Cache:           cache,
		})
		require.NoError(t, err)

		logits, _, err := m.Decode(ctx, input.Inputs{
			EncoderHiddenState: encoderHiddenState.Scale(ctx, scale),
			DecoderInputIDs:    tokens(ctx, 7),
			Cache:              cache,
		})
		require.NoError(t, err)
		return logits.Floats()
	}

	// the stored keys and values are used, not the supplied state
	if diff := cmp.Diff(step(1), step(100)); diff != "" {
		t.Errorf("logits mismatch (-unscaled +scaled):\n%s", diff)
	}

	// without a filled cache the supplied state is attended to
	_, encoderHiddenState, err := m.Decode(ctx, input.Inputs{PixelValues: pixels(ctx), DecoderInputIDs: tokens(ctx, 10)})
	require.NoError(t, err)

	a, _, err := m.Decode(ctx, input.Inputs{EncoderHiddenState: encoderHiddenState, DecoderInputIDs: tokens(ctx, 10)})
	require.NoError(t, err)
	b, _, err := m.Decode(ctx, input.Inputs{EncoderHiddenState: encoderHiddenState.Scale(ctx, 100), DecoderInputIDs: tokens(ctx, 10)})
	require.NoError(t, err)
	require.NotEqual(t, a.Floats(), b.Floats())
}

func TestIncrementalDecoding(t *testing.T) {
	ctx := setup(t)
	m := newTestModel(t, ctx, nil)

	full, err := m.Forward(ctx, input.Inputs{
		PixelValues:     pixels(ctx),
		DecoderInputIDs: tokens(ctx, 10, 5, 7),
	})
	require.NoError(t, err)

	cache, err := m.InitCache(ctx, 1, 4, input.Inputs{})
	require.NoError(t, err)

	logits, encoderHiddenState, err := m.Decode(ctx, input.Inputs{
		PixelValues:     pixels(ctx),
		DecoderInputIDs: tokens(ctx, 10, 5),
		Cache:           cache,
	})
	require.NoError(t, err)
	require.Equal(t, []int{12, 2, 1}, logits.Shape())
	got := logits.Floats()

	logits, _, err = m.Decode(ctx, input.Inputs{
		EncoderHiddenState: encoderHiddenState,
		DecoderInputIDs:    tokens(ctx, 7),
		Cache:              cache,
	})
	require.NoError(t, err)
	got = append(got, logits.Floats()...)

	if diff := cmp.Diff(full.Logits.Floats(), got, approx); diff != "" {
		t.Errorf("logits mismatch (-full +incremental):\n%s", diff)
	}

	// the cache holds four positions
	_, _, err = m.Decode(ctx, input.Inputs{
		EncoderHiddenState: encoderHiddenState,
		DecoderInputIDs:    tokens(ctx, 1, 2),
		Cache:              cache,
	})
	require.ErrorIs(t, err, kvcache.ErrKvCacheFull)
}

func TestInitCache(t *testing.T) {
	ctx := setup(t)
	m := newTestModel(t, ctx, nil)

	cases := map[string]struct {
		batchSize, maxLength int
		inputs               input.Inputs
	}{
		"ZeroBatch":        {0, 4, input.Inputs{}},
		"ZeroLength":       {1, 0, input.Inputs{}},
		"PrefixTooLong":    {1, 2, input.Inputs{DecoderInputIDs: tokens(ctx, 1, 2, 3)}},
		"InputsTooLong":    {1, 2, input.Inputs{InputIDs: tokens(ctx, 1, 2, 3)}},
		"BeyondPositions":  {1, 17, input.Inputs{}},
		"EncoderBatchSize": {2, 4, input.Inputs{EncoderHiddenState: ctx.Zeros(ml.DTypeF32, 8, 5, 1)}},
	}

	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := m.InitCache(ctx, tt.batchSize, tt.maxLength, tt.inputs)
			require.ErrorIs(t, err, kvcache.ErrInvalidCache)
		})
	}

	cache, err := m.InitCache(ctx, 2, 16, input.Inputs{})
	require.NoError(t, err)

	wrapper := cache.(*kvcache.WrapperCache)
	require.Len(t, wrapper.Caches(), 2)

	wrapper.SetLayerType(crossAttentionLayer)
	key, _, _ := wrapper.Get(ctx)
	require.Equal(t, []int{4, 2, 5, 2}, key.Shape())
}

func TestTraverseCache(t *testing.T) {
	ctx := setup(t)
	m := newTestModel(t, ctx, nil)

	cache, err := m.InitCache(ctx, 1, 4, input.Inputs{})
	require.NoError(t, err)

	_, encoderHiddenState, err := m.Decode(ctx, input.Inputs{
		PixelValues:     pixels(ctx),
		DecoderInputIDs: tokens(ctx, 10, 5),
		Cache:           cache,
	})
	require.NoError(t, err)

	var visited []ml.Tensor
	identity := m.TraverseCache(cache, func(t ml.Tensor) ml.Tensor {
		visited = append(visited, t)
		return t
	})

	// keys and values of both attention kinds per layer plus the padding
	require.Len(t, visited, 2*2*2+1)
	require.IsType(t, cache, identity)

	orig := cache.(*kvcache.WrapperCache).Caches()[selfAttentionLayer].(*kvcache.Causal)
	traversed := identity.(*kvcache.WrapperCache).Caches()[selfAttentionLayer].(*kvcache.Causal)
	require.Equal(t, orig.Offset(), traversed.Offset())

	copied := m.TraverseCache(cache, func(t ml.Tensor) ml.Tensor { return t.Contiguous(ctx) })

	next := func(cache kvcache.Cache) []float32 {
		logits, _, err := m.Decode(ctx, input.Inputs{
			EncoderHiddenState: encoderHiddenState,
			DecoderInputIDs:    tokens(ctx, 7),
			Cache:              cache,
		})
		require.NoError(t, err)
		return logits.Floats()
	}

	if diff := cmp.Diff(next(cache), next(copied)); diff != "" {
		t.Errorf("logits mismatch (-original +copy):\n%s", diff)
	}
}

func TestShiftTokensRight(t *testing.T) {
	ctx := setup(t)
	m := newTestModel(t, ctx, nil)

	ids := ctx.FromIntSlice([]int32{5, 6, 7, 8, -100, 9}, 3, 2)
	got := m.Text.ShiftTokensRight(ctx, ids).Floats()
	require.Equal(t, []float32{10, 5, 6, 10, 8, 0}, got)
}

func TestMissingInputs(t *testing.T) {
	ctx := setup(t)
	m := newTestModel(t, ctx, nil)

	_, err := m.Forward(ctx, input.Inputs{DecoderInputIDs: tokens(ctx, 1)})
	require.ErrorIs(t, err, model.ErrMissingInput)

	_, err = m.Forward(ctx, input.Inputs{PixelValues: pixels(ctx)})
	require.ErrorIs(t, err, model.ErrMissingInput)
}

func TestConvNeXtVision(t *testing.T) {
	ctx := setup(t)
	m := newTestModel(t, ctx, fs.KV{
		"blip.vision.architecture": "convnext",
		"blip.vision.hidden_sizes": []uint32{4, 8},
		"blip.vision.depths":       []uint32{1, 1},
		"blip.vision.patch_size":   uint32(2),
	})

	require.Equal(t, 5, m.Vision.SequenceLength())

	_, ok := m.Params().Get("v.stages.1.downsample.conv.weight")
	require.True(t, ok)

	out, err := m.Forward(ctx, input.Inputs{
		PixelValues:     pixels(ctx),
		DecoderInputIDs: tokens(ctx, 10, 3),
	})
	require.NoError(t, err)
	require.Equal(t, []int{8, 5, 1}, out.EncoderHiddenState.Shape())
	require.Equal(t, []int{12, 2, 1}, out.Logits.Shape())

	vision := m.Vision.Forward(ctx, pixels(ctx), ml.ModeInference)
	if diff := cmp.Diff(vision.PoolerOutput.Floats(), vision.LastHiddenState.Floats()[:8], approx); diff != "" {
		t.Errorf("pooled token mismatch (-want +got):\n%s", diff)
	}
}

func TestVisionPooler(t *testing.T) {
	ctx := setup(t)
	m := newTestModel(t, ctx, nil)

	out := m.Vision.Forward(ctx, pixels(ctx), ml.ModeInference)
	require.Equal(t, []int{8, 5, 1}, out.LastHiddenState.Shape())
	require.Equal(t, []int{8, 1}, out.PoolerOutput.Shape())

	// the class token after the post norm
	if diff := cmp.Diff(out.LastHiddenState.Floats()[:8], out.PoolerOutput.Floats(), approx); diff != "" {
		t.Errorf("pooler output mismatch (-want +got):\n%s", diff)
	}
}

func TestInvalidConfig(t *testing.T) {
	cases := map[string]fs.KV{
		"VisionArchitecture": {"blip.vision.architecture": "resnet"},
		"EncoderHiddenSize":  {"blip.text.encoder_hidden_size": uint32(16)},
		"Heads":              {"blip.text.num_attention_heads": uint32(3)},
		"Activation":         {"blip.text.hidden_act": "softsign"},
	}

	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := model.New(testConfig(kv))
			require.ErrorIs(t, err, model.ErrInvalidConfig)
		})
	}
}
