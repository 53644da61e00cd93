package kvcache

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/ollama/modelkit/ml"
)

// Causal cache stores K and V tensors for every sequence of a batch
// according to their position. Returns the history and a mask for attending
// to past tokens
//
// Put expects tensors of shape head dim, heads, new tokens, batch size.
// Get returns tensors of shape head dim, heads, history, batch size and a
// mask of shape history, new tokens, 1, batch size
type Causal struct {
	DType ml.DType

	opts CausalOptions

	// ** current forward pass **

	// the active layer for Get and Put
	curLayer int

	// position of the first token in this forward pass
	curOffset int

	// number of new tokens per sequence in this forward pass
	curLength int

	// mask of the cache as used by this pass
	curMask ml.Tensor

	// ** cache metadata **

	// number of positions filled so far
	offset int

	// ** cache data storage **

	keys, values []ml.Tensor

	// padding holds 1 for positions that may be attended to and 0 for
	// padding tokens, with shape max length, batch size
	padding ml.Tensor
}

type CausalOptions struct {
	Layers, Heads, HeadDim int
	BatchSize, MaxLength   int
}

func (o CausalOptions) validate() error {
	switch {
	case o.BatchSize < 1:
		return fmt.Errorf("%w: batch size must be at least 1, got %d", ErrInvalidCache, o.BatchSize)
	case o.MaxLength < 1:
		return fmt.Errorf("%w: max length must be at least 1, got %d", ErrInvalidCache, o.MaxLength)
	case o.Layers < 1 || o.Heads < 1 || o.HeadDim < 1:
		return fmt.Errorf("%w: layers, heads and head dim must be positive, got %d, %d, %d", ErrInvalidCache, o.Layers, o.Heads, o.HeadDim)
	}

	return nil
}

// NewCausalCache allocates zeroed storage for every layer in ctx. The cache
// does not own ctx and Close leaves it open.
func NewCausalCache(ctx ml.Context, opts CausalOptions) (*Causal, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	c := &Causal{
		DType:   ml.DTypeF32,
		opts:    opts,
		keys:    make([]ml.Tensor, opts.Layers),
		values:  make([]ml.Tensor, opts.Layers),
		padding: ctx.Zeros(ml.DTypeF32, opts.MaxLength, opts.BatchSize),
	}

	for i := range opts.Layers {
		c.keys[i] = ctx.Zeros(c.DType, opts.HeadDim, opts.Heads, opts.MaxLength, opts.BatchSize)
		c.values[i] = ctx.Zeros(c.DType, opts.HeadDim, opts.Heads, opts.MaxLength, opts.BatchSize)
	}

	slog.Debug("causal cache", "layers", opts.Layers, "batch", opts.BatchSize, "length", opts.MaxLength)
	return c, nil
}

// Offset returns the number of positions stored for each sequence.
func (c *Causal) Offset() int {
	return c.offset
}

func (c *Causal) MaxLength() int {
	return c.opts.MaxLength
}

func (c *Causal) BatchSize() int {
	return c.opts.BatchSize
}

// Close releases the cache storage.
func (c *Causal) Close() {
	c.keys, c.values, c.padding, c.curMask = nil, nil, nil, nil
}

func (c *Causal) StartForward(ctx ml.Context, seqLen int, mask []int32) error {
	if seqLen < 1 {
		return fmt.Errorf("%w: forward pass without tokens", ErrInvalidCache)
	}

	if c.offset+seqLen > c.opts.MaxLength {
		return fmt.Errorf("%w: %d tokens at offset %d exceed max length %d", ErrKvCacheFull, seqLen, c.offset, c.opts.MaxLength)
	}

	if mask != nil && len(mask) != seqLen*c.opts.BatchSize {
		return fmt.Errorf("%w: mask has %d entries, want %d", ErrCacheMismatch, len(mask), seqLen*c.opts.BatchSize)
	}

	c.curOffset = c.offset
	c.curLength = seqLen
	c.curLayer = 0

	pad := make([]float32, seqLen*c.opts.BatchSize)
	for i := range pad {
		if mask == nil || mask[i] != 0 {
			pad[i] = 1
		}
	}

	ctx.FromFloatSlice(pad, seqLen, c.opts.BatchSize).Copy(ctx,
		c.padding.View(ctx, c.curOffset*c.padding.Stride(0), seqLen, c.padding.Stride(1), c.opts.BatchSize))

	c.curMask = c.buildMask(ctx)
	c.offset += seqLen
	return nil
}

// Builds a mask of history x batch indicating whether for each token in the
// batch the token in the history should apply. This is based on both the
// sequence position and any padding recorded for earlier tokens.
func (c *Causal) buildMask(ctx ml.Context) ml.Tensor {
	length := c.curOffset + c.curLength
	padding := c.padding.Floats()

	mask := make([]float32, length*c.curLength*c.opts.BatchSize)
	for b := range c.opts.BatchSize {
		for i := range c.curLength {
			for j := range length {
				if j > c.curOffset+i || padding[b*c.opts.MaxLength+j] == 0 {
					mask[j+length*(i+c.curLength*b)] = float32(math.Inf(-1))
				}
			}
		}
	}

	return ctx.FromFloatSlice(mask, length, c.curLength, 1, c.opts.BatchSize)
}

func (c *Causal) SetLayer(layer int) {
	c.curLayer = layer
}

func (c *Causal) view(ctx ml.Context, t ml.Tensor, offset, length int) ml.Tensor {
	return t.View(ctx, offset*t.Stride(2),
		c.opts.HeadDim, t.Stride(1),
		c.opts.Heads, t.Stride(2),
		length, t.Stride(3),
		c.opts.BatchSize)
}

func (c *Causal) Get(ctx ml.Context) (ml.Tensor, ml.Tensor, ml.Tensor) {
	length := c.curOffset + c.curLength
	key := c.view(ctx, c.keys[c.curLayer], 0, length)
	value := c.view(ctx, c.values[c.curLayer], 0, length)
	return key, value, c.curMask
}

func (c *Causal) Put(ctx ml.Context, key, value ml.Tensor) {
	if key.Dim(0) != c.opts.HeadDim || key.Dim(1) != c.opts.Heads || key.Dim(2) != c.curLength || key.Dim(3) != c.opts.BatchSize {
		panic(fmt.Errorf("%w: key %v, want [%d %d %d %d]", ErrCacheMismatch, key.Shape(), c.opts.HeadDim, c.opts.Heads, c.curLength, c.opts.BatchSize))
	}

	ctx.Forward(
		key.Copy(ctx, c.view(ctx, c.keys[c.curLayer], c.curOffset, c.curLength)),
		value.Copy(ctx, c.view(ctx, c.values[c.curLayer], c.curOffset, c.curLength)),
	)
}

func (c *Causal) Traverse(fn func(ml.Tensor) ml.Tensor) Cache {
	t := *c
	t.curMask = nil
	t.keys = make([]ml.Tensor, len(c.keys))
	t.values = make([]ml.Tensor, len(c.values))
	for i := range c.keys {
		t.keys[i] = fn(c.keys[i])
		t.values[i] = fn(c.values[i])
	}

	t.padding = fn(c.padding)
	t.opts.BatchSize = t.padding.Dim(1)
	return &t
}
