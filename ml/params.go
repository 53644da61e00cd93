package ml

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrDuplicateParam = errors.New("duplicate parameter name")
	ErrUnknownParam   = errors.New("unknown parameter")
	ErrParamShape     = errors.New("parameter shape mismatch")
)

// Initializer fills freshly declared parameters.
type Initializer interface {
	Fill(r *rand.Rand, s []float32)
}

type InitializerFunc func(r *rand.Rand, s []float32)

func (f InitializerFunc) Fill(r *rand.Rand, s []float32) {
	f(r, s)
}

func Zeros() Initializer {
	return Constant(0)
}

func Ones() Initializer {
	return Constant(1)
}

func Constant(v float32) Initializer {
	return InitializerFunc(func(_ *rand.Rand, s []float32) {
		for i := range s {
			s[i] = v
		}
	})
}

func Normal(std float64) Initializer {
	return InitializerFunc(func(r *rand.Rand, s []float32) {
		for i := range s {
			s[i] = float32(r.NormFloat64() * std)
		}
	})
}

// TruncatedNormal samples a normal distribution, redrawing values that fall
// outside two standard deviations.
func TruncatedNormal(std float64) Initializer {
	return InitializerFunc(func(r *rand.Rand, s []float32) {
		for i := range s {
			v := r.NormFloat64()
			for math.Abs(v) > 2 {
				v = r.NormFloat64()
			}
			s[i] = float32(v * std)
		}
	})
}

type Param struct {
	Name  string
	Shape []int
	Init  Initializer

	t *Tensor
}

func (p *Param) Tensor() Tensor {
	return *p.t
}

func (p *Param) Len() int {
	return mul(p.Shape...)
}

// Params records every learnable tensor of an assembled model. Names are
// unique; declaration order is preserved.
type Params struct {
	params []*Param
	index  map[string]*Param
}

func NewParams() *Params {
	return &Params{index: make(map[string]*Param)}
}

// Declare registers the tensor pointed to by t under name. The pointer is
// populated by Initialize or Set. Declaring the same name twice panics.
func (ps *Params) Declare(t *Tensor, name string, init Initializer, shape ...int) {
	if _, ok := ps.index[name]; ok {
		panic(fmt.Errorf("%w: %s", ErrDuplicateParam, name))
	}

	p := &Param{Name: name, Shape: shape, Init: init, t: t}
	ps.params = append(ps.params, p)
	ps.index[name] = p
}

func (ps *Params) Get(name string) (*Param, bool) {
	p, ok := ps.index[name]
	return p, ok
}

func (ps *Params) All() []*Param {
	return ps.params
}

func (ps *Params) Len() int {
	return len(ps.params)
}

// Count returns the total number of scalar values across all parameters.
func (ps *Params) Count() int {
	var n int
	for _, p := range ps.params {
		n += p.Len()
	}
	return n
}

// Initialize populates every parameter using its initializer. Each parameter
// draws from its own stream derived from seed and its name so results do not
// depend on declaration order.
func (ps *Params) Initialize(ctx Context, seed uint64) {
	for _, p := range ps.params {
		r := rand.New(rand.NewPCG(seed, xxhash.Sum64String(p.Name)))
		s := make([]float32, p.Len())
		p.Init.Fill(r, s)
		*p.t = ctx.FromFloatSlice(s, p.Shape...)
	}

	slog.Debug("initialized parameters", "count", len(ps.params), "seed", seed)
}

// Set loads values into a declared parameter.
func (ps *Params) Set(ctx Context, name string, s []float32) error {
	p, ok := ps.index[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParam, name)
	}

	if len(s) != p.Len() {
		return fmt.Errorf("%w: %s has %d values, want %v", ErrParamShape, name, len(s), p.Shape)
	}

	*p.t = ctx.FromFloatSlice(s, p.Shape...)
	return nil
}

// Missing lists parameters that have not been populated.
func (ps *Params) Missing() []string {
	var names []string
	for _, p := range ps.params {
		if *p.t == nil {
			names = append(names, p.Name)
		}
	}
	return names
}

// Digest hashes parameter names and shapes in declaration order. Two models
// assembled from the same configuration have the same digest.
func (ps *Params) Digest() uint64 {
	h := xxhash.New()
	var b [8]byte
	write := func(v uint64) {
		binary.LittleEndian.PutUint64(b[:], v)
		h.Write(b[:])
	}

	for _, p := range ps.params {
		write(uint64(len(p.Name)))
		h.WriteString(p.Name)
		write(uint64(len(p.Shape)))
		for _, d := range p.Shape {
			write(uint64(d))
		}
	}
	return h.Sum64()
}
