// Package cpu is an eager, pure Go implementation of the ml interfaces.
// Every operation is evaluated when it is called; Forward and Compute only
// exist to satisfy graph oriented callers.
package cpu

import (
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"

	"github.com/ollama/modelkit/ml"
)

type Backend struct {
	numThreads int
}

func New(params ml.BackendParams) (ml.Backend, error) {
	n := params.NumThreads
	if n <= 0 {
		n = runtime.NumCPU()
	}

	slog.Debug("cpu backend", "threads", n)
	return &Backend{numThreads: n}, nil
}

func init() {
	ml.RegisterBackend("cpu", New)
}

// parallel calls fn for every i in [0, n) on at most numThreads goroutines
// and returns once all calls have finished.
func (b *Backend) parallel(n int, fn func(i int)) {
	sem := make(chan struct{}, b.numThreads)
	var wg sync.WaitGroup
	for i := range n {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()
			fn(i)
		}()
	}
	wg.Wait()
}

func (b *Backend) Name() string {
	return "cpu"
}

func (b *Backend) NewContext() ml.Context {
	return &Context{b: b}
}

type Context struct {
	b *Backend
}

func (c *Context) Empty(dtype ml.DType, shape ...int) ml.Tensor {
	return c.Zeros(dtype, shape...)
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	return newTensor(c.b, dtype, make([]float32, elements(shape)), shape...)
}

func (c *Context) FromFloatSlice(s []float32, shape ...int) ml.Tensor {
	if len(s) != elements(shape) {
		panic(fmt.Errorf("cpu: %d values do not fit shape %v", len(s), shape))
	}

	return newTensor(c.b, ml.DTypeF32, append([]float32(nil), s...), shape...)
}

func (c *Context) FromIntSlice(s []int32, shape ...int) ml.Tensor {
	if len(s) != elements(shape) {
		panic(fmt.Errorf("cpu: %d values do not fit shape %v", len(s), shape))
	}

	f32s := make([]float32, len(s))
	for i, v := range s {
		f32s[i] = float32(v)
	}

	return newTensor(c.b, ml.DTypeI32, f32s, shape...)
}

func (c *Context) Arange(start, stop, step float32, dtype ml.DType) ml.Tensor {
	n := int(math.Ceil(float64((stop - start) / step)))
	if n < 0 {
		n = 0
	}

	s := make([]float32, n)
	for i := range s {
		s[i] = start + float32(i)*step
		if dtype == ml.DTypeI32 {
			s[i] = float32(math.Trunc(float64(s[i])))
		}
	}

	return newTensor(c.b, dtype, s, n)
}

func (c *Context) Forward(...ml.Tensor) ml.Context {
	return c
}

func (c *Context) Compute(...ml.Tensor) {}

func (c *Context) Close() {}

func elements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
