package kvcache

import (
	"fmt"

	"github.com/ollama/modelkit/ml"
)

// Encoder cache stores K and V tensors that are position independent
//
// The tensors are of shape head dim, heads, encoder length, batch size and
// are computed once from the encoder output, then returned as they were
// stored. The mask is always nil
type EncoderCache struct {
	// ** current forward pass **

	// the active layer for Get and Put
	curLayer int

	// ** cache metadata **

	// was something stored in the cache?
	encoderCached bool

	// ** cache data storage **

	keys, values []ml.Tensor
}

type EncoderOptions struct {
	Layers, Heads, HeadDim int
	BatchSize, Length      int
}

func NewEncoderCache(ctx ml.Context, opts EncoderOptions) (*EncoderCache, error) {
	switch {
	case opts.BatchSize < 1:
		return nil, fmt.Errorf("%w: batch size must be at least 1, got %d", ErrInvalidCache, opts.BatchSize)
	case opts.Length < 1:
		return nil, fmt.Errorf("%w: encoder length must be at least 1, got %d", ErrInvalidCache, opts.Length)
	case opts.Layers < 1 || opts.Heads < 1 || opts.HeadDim < 1:
		return nil, fmt.Errorf("%w: layers, heads and head dim must be positive", ErrInvalidCache)
	}

	c := &EncoderCache{
		keys:   make([]ml.Tensor, opts.Layers),
		values: make([]ml.Tensor, opts.Layers),
	}

	for i := range opts.Layers {
		c.keys[i] = ctx.Zeros(ml.DTypeF32, opts.HeadDim, opts.Heads, opts.Length, opts.BatchSize)
		c.values[i] = ctx.Zeros(ml.DTypeF32, opts.HeadDim, opts.Heads, opts.Length, opts.BatchSize)
	}

	return c, nil
}

// Close releases the cache storage. The context passed to NewEncoderCache
// stays open.
func (c *EncoderCache) Close() {
	c.keys, c.values = nil, nil
	c.encoderCached = false
}

func (c *EncoderCache) StartForward(ctx ml.Context, seqLen int, mask []int32) error {
	return nil
}

func (c *EncoderCache) SetLayer(layer int) {
	c.curLayer = layer
}

func (c *EncoderCache) EncoderCached() bool {
	return c.encoderCached
}

func (c *EncoderCache) Get(ctx ml.Context) (ml.Tensor, ml.Tensor, ml.Tensor) {
	return c.keys[c.curLayer], c.values[c.curLayer], nil
}

func (c *EncoderCache) Put(ctx ml.Context, key, value ml.Tensor) {
	dst := c.keys[c.curLayer]
	for i := range 4 {
		if key.Dim(i) != dst.Dim(i) {
			panic(fmt.Errorf("%w: key %v, want %v", ErrCacheMismatch, key.Shape(), dst.Shape()))
		}
	}

	c.encoderCached = true
	ctx.Forward(
		key.Copy(ctx, c.keys[c.curLayer]),
		value.Copy(ctx, c.values[c.curLayer]),
	)
}

func (c *EncoderCache) Traverse(fn func(ml.Tensor) ml.Tensor) Cache {
	t := *c
	t.keys = make([]ml.Tensor, len(c.keys))
	t.values = make([]ml.Tensor, len(c.values))
	for i := range c.keys {
		t.keys[i] = fn(c.keys[i])
		t.values[i] = fn(c.values[i])
	}

	return &t
}
