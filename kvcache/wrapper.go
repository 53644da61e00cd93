package kvcache

import (
	"github.com/ollama/modelkit/ml"
)

// Wrapper cache is a container for multiple types of caches,
// such as for the encoding and decoding portions of a model.
type WrapperCache struct {
	// caches we are wrapping
	caches []Cache

	// cache to be used for this layer
	curType int
}

func NewWrapperCache(caches ...Cache) *WrapperCache {
	return &WrapperCache{
		caches: caches,
	}
}

func (c *WrapperCache) Close() {
	for _, cache := range c.caches {
		cache.Close()
	}
}

func (c *WrapperCache) StartForward(ctx ml.Context, seqLen int, mask []int32) error {
	for _, cache := range c.caches {
		if err := cache.StartForward(ctx, seqLen, mask); err != nil {
			return err
		}
	}

	c.curType = 0
	return nil
}

func (c *WrapperCache) SetLayer(layer int) {
	for _, cache := range c.caches {
		cache.SetLayer(layer)
	}
}

func (c *WrapperCache) SetLayerType(layerType int) {
	c.curType = layerType
}

func (c *WrapperCache) UnderlyingCache() Cache {
	return c.caches[c.curType]
}

// Caches returns the wrapped caches in the order they were given.
func (c *WrapperCache) Caches() []Cache {
	return c.caches
}

func (c *WrapperCache) Get(ctx ml.Context) (ml.Tensor, ml.Tensor, ml.Tensor) {
	return c.caches[c.curType].Get(ctx)
}

func (c *WrapperCache) Put(ctx ml.Context, key, value ml.Tensor) {
	c.caches[c.curType].Put(ctx, key, value)
}

func (c *WrapperCache) Traverse(fn func(ml.Tensor) ml.Tensor) Cache {
	caches := make([]Cache, len(c.caches))
	for i, cache := range c.caches {
		caches[i] = cache.Traverse(fn)
	}

	return &WrapperCache{caches: caches, curType: c.curType}
}
