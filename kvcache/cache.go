package kvcache

import (
	"errors"

	"github.com/ollama/modelkit/ml"
)

var (
	ErrKvCacheFull   = errors.New("could not find a kv cache slot")
	ErrInvalidCache  = errors.New("invalid cache configuration")
	ErrNotSupported  = errors.New("model does not support operation")
	ErrCacheMismatch = errors.New("tensor does not match cache layout")
)

type Cache interface {
	// ** used by model implementations **

	// SetLayer sets the active layer of the cache
	SetLayer(layer int)

	// Get returns the history of key and value tensors plus a mask
	//
	// The shape of the tensors is documented in the specific
	// cache implementation used.
	Get(ctx ml.Context) (ml.Tensor, ml.Tensor, ml.Tensor)

	// Put stores a batch of key and value in the cache
	//
	// The shape of the tensors is documented in the specific
	// cache implementation used.
	Put(ctx ml.Context, key, value ml.Tensor)

	// ** cache management **

	// StartForward is called before the start of the model's forward pass.
	// seqLen is the number of new tokens per sequence. mask holds
	// batch*seqLen entries, batch major, where 0 marks padding; a nil mask
	// attends to every token.
	StartForward(ctx ml.Context, seqLen int, mask []int32) error

	// Traverse applies fn to every tensor held by the cache and returns a
	// cache with identical structure holding the results.
	Traverse(fn func(ml.Tensor) ml.Tensor) Cache

	// Close closes the cache and frees resources associated with it
	Close()
}

// Reorder selects sequences of the batch by index, e.g. to follow beams
// during beam search. The outermost dimension of every cached tensor is
// the batch.
func Reorder(ctx ml.Context, cache Cache, indices []int32) Cache {
	ids := ctx.FromIntSlice(indices, len(indices))
	return cache.Traverse(func(t ml.Tensor) ml.Tensor {
		shape := t.Shape()
		batch := shape[len(shape)-1]
		rows := t.Contiguous(ctx).Reshape(ctx, elements(shape)/batch, batch)
		rows = rows.Rows(ctx, ids)

		shape[len(shape)-1] = len(indices)
		return rows.Reshape(ctx, shape...)
	})
}

func elements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
