package kvcache

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/ollama/modelkit/ml"
)

func TestEncoderCache(t *testing.T) {
	ctx := setup(t)
	cache, err := NewEncoderCache(ctx, EncoderOptions{Layers: 2, Heads: 1, HeadDim: 2, BatchSize: 1, Length: 3})
	require.NoError(t, err)
	defer cache.Close()

	require.False(t, cache.EncoderCached())

	// placeholder contents before anything is stored
	key, _, mask := cache.Get(ctx)
	require.Equal(t, []int{2, 1, 3, 1}, key.Shape())
	require.Equal(t, make([]float32, 6), key.Floats())
	require.Nil(t, mask)

	require.NoError(t, cache.StartForward(ctx, 1, nil))
	cache.SetLayer(1)
	in := []float32{1, 2, 3, 4, 5, 6}
	cache.Put(ctx, ctx.FromFloatSlice(in, 2, 1, 3, 1), ctx.FromFloatSlice(in, 2, 1, 3, 1))
	require.True(t, cache.EncoderCached())

	// later passes see the stored values regardless of their length
	require.NoError(t, cache.StartForward(ctx, 5, nil))
	cache.SetLayer(1)
	_, value, _ := cache.Get(ctx)
	if diff := cmp.Diff(in, value.Floats()); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}

	copied := cache.Traverse(func(t ml.Tensor) ml.Tensor { return t }).(*EncoderCache)
	require.True(t, copied.EncoderCached())
}

func TestEncoderCacheShape(t *testing.T) {
	ctx := setup(t)

	_, err := NewEncoderCache(ctx, EncoderOptions{Layers: 1, Heads: 1, HeadDim: 1, BatchSize: 0, Length: 1})
	require.ErrorIs(t, err, ErrInvalidCache)

	cache, err := NewEncoderCache(ctx, EncoderOptions{Layers: 1, Heads: 1, HeadDim: 2, BatchSize: 1, Length: 3})
	require.NoError(t, err)

	x := ctx.FromFloatSlice([]float32{1, 2}, 2, 1, 1, 1)
	require.Panics(t, func() { cache.Put(ctx, x, x) })
}

func TestWrapperCache(t *testing.T) {
	ctx := setup(t)

	enc, err := NewEncoderCache(ctx, EncoderOptions{Layers: 1, Heads: 1, HeadDim: 1, BatchSize: 2, Length: 2})
	require.NoError(t, err)
	dec, err := NewCausalCache(ctx, CausalOptions{Layers: 1, Heads: 1, HeadDim: 1, BatchSize: 2, MaxLength: 4})
	require.NoError(t, err)

	cache := NewWrapperCache(enc, dec)
	require.NoError(t, cache.StartForward(ctx, 2, nil))
	require.Equal(t, 2, dec.Offset())

	cache.SetLayer(0)
	cache.SetLayerType(1)
	require.Same(t, dec, cache.UnderlyingCache())

	reordered := Reorder(ctx, cache, []int32{1}).(*WrapperCache)
	require.Len(t, reordered.Caches(), 2)

	k, _, _ := reordered.Caches()[0].Get(ctx)
	require.Equal(t, []int{1, 1, 2, 1}, k.Shape())
	require.Equal(t, 1, reordered.Caches()[1].(*Causal).BatchSize())
}

type closeCounter struct {
	ml.Context
	closed int
}

func (c *closeCounter) Close() {
	c.closed++
}

func TestCloseLeavesContextOpen(t *testing.T) {
	ctx := &closeCounter{Context: setup(t)}

	enc, err := NewEncoderCache(ctx, EncoderOptions{Layers: 1, Heads: 1, HeadDim: 1, BatchSize: 1, Length: 2})
	require.NoError(t, err)
	dec, err := NewCausalCache(ctx, CausalOptions{Layers: 1, Heads: 1, HeadDim: 1, BatchSize: 1, MaxLength: 4})
	require.NoError(t, err)

	NewWrapperCache(enc, dec).Close()
	require.Zero(t, ctx.closed)

	// tensors allocated in ctx remain usable
	x := ctx.FromFloatSlice([]float32{1, 2}, 2)
	require.Equal(t, []float32{1, 2}, x.Floats())
}
