package cpu

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/ollama/modelkit/ml"
)

const maxDims = 4

// Tensor is a strided view over a float32 buffer. Integer tensors store
// their values as float32 which is exact for the ranges used as indices.
type Tensor struct {
	b     *Backend
	dtype ml.DType

	data   []float32
	offset int

	ne   [maxDims]int
	nb   [maxDims]int
	ndim int
}

func newTensor(b *Backend, dtype ml.DType, data []float32, shape ...int) *Tensor {
	if len(shape) == 0 || len(shape) > maxDims {
		panic(fmt.Errorf("cpu: unsupported number of dimensions %d", len(shape)))
	}

	t := &Tensor{b: b, dtype: dtype, data: data, ndim: len(shape)}
	stride := 1
	for i := range maxDims {
		t.ne[i] = 1
		if i < len(shape) {
			t.ne[i] = shape[i]
		}
		t.nb[i] = stride
		stride *= t.ne[i]
	}

	return t
}

func (t *Tensor) Dim(n int) int {
	if n >= maxDims {
		return 1
	}
	return t.ne[n]
}

// Stride returns the distance in bytes between consecutive elements of dimension n.
func (t *Tensor) Stride(n int) int {
	return t.nb[n] * 4
}

func (t *Tensor) Shape() []int {
	shape := make([]int, t.ndim)
	copy(shape, t.ne[:t.ndim])
	return shape
}

func (t *Tensor) DType() ml.DType {
	return t.dtype
}

func (t *Tensor) len() int {
	return t.ne[0] * t.ne[1] * t.ne[2] * t.ne[3]
}

func (t *Tensor) index(i0, i1, i2, i3 int) int {
	return t.offset + i0*t.nb[0] + i1*t.nb[1] + i2*t.nb[2] + i3*t.nb[3]
}

func (t *Tensor) contiguous() bool {
	expected := 1
	for i := range maxDims {
		if t.ne[i] != 1 && t.nb[i] != expected {
			return false
		}
		expected *= t.ne[i]
	}
	return true
}

// each visits every element in logical order, innermost dimension first.
func (t *Tensor) each(fn func(n, idx int)) {
	var n int
	for i3 := range t.ne[3] {
		for i2 := range t.ne[2] {
			for i1 := range t.ne[1] {
				base := t.index(0, i1, i2, i3)
				for i0 := range t.ne[0] {
					fn(n, base+i0*t.nb[0])
					n++
				}
			}
		}
	}
}

// dense returns the tensor values in logical order. The result aliases the
// underlying storage when the tensor is contiguous and must not be modified.
func (t *Tensor) dense() []float32 {
	n := t.len()
	if t.contiguous() {
		return t.data[t.offset : t.offset+n]
	}

	s := make([]float32, n)
	t.each(func(n, idx int) {
		s[n] = t.data[idx]
	})
	return s
}

func (t *Tensor) from(dtype ml.DType, data []float32, shape ...int) *Tensor {
	return newTensor(t.b, dtype, data, shape...)
}

func (t *Tensor) Floats() []float32 {
	return append([]float32(nil), t.dense()...)
}

func (t *Tensor) Bytes() []byte {
	var b bytes.Buffer
	switch t.dtype {
	case ml.DTypeI32:
		s := t.dense()
		i32s := make([]int32, len(s))
		for i, v := range s {
			i32s[i] = int32(v)
		}
		if err := binary.Write(&b, binary.LittleEndian, i32s); err != nil {
			panic(err)
		}
	default:
		if err := binary.Write(&b, binary.LittleEndian, t.dense()); err != nil {
			panic(err)
		}
	}

	return b.Bytes()
}

func (t *Tensor) binary(t2 ml.Tensor, fn func(a, b float32) float32) ml.Tensor {
	b := t2.(*Tensor)

	var ne [maxDims]int
	for i := range maxDims {
		ne[i] = max(t.ne[i], b.ne[i])
		if ne[i]%t.ne[i] != 0 || ne[i]%b.ne[i] != 0 {
			panic(fmt.Errorf("cpu: cannot broadcast %v with %v", t.Shape(), b.Shape()))
		}
	}

	s := make([]float32, ne[0]*ne[1]*ne[2]*ne[3])
	var n int
	for i3 := range ne[3] {
		for i2 := range ne[2] {
			for i1 := range ne[1] {
				for i0 := range ne[0] {
					s[n] = fn(
						t.data[t.index(i0%t.ne[0], i1%t.ne[1], i2%t.ne[2], i3%t.ne[3])],
						b.data[b.index(i0%b.ne[0], i1%b.ne[1], i2%b.ne[2], i3%b.ne[3])],
					)
					n++
				}
			}
		}
	}

	return t.from(t.dtype, s, ne[:max(t.ndim, b.ndim)]...)
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(t2, func(a, b float32) float32 { return a + b })
}

func (t *Tensor) Sub(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(t2, func(a, b float32) float32 { return a - b })
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.binary(t2, func(a, b float32) float32 { return a * b })
}

// Mulmat multiplies t [K, M, ...] with t2 [K, N, ...] producing [M, N, ...].
// The outer dimensions of t are broadcast over t2.
func (t *Tensor) Mulmat(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	a, b := t, t2.(*Tensor)
	k, m, n := a.ne[0], a.ne[1], b.ne[1]
	if b.ne[0] != k || b.ne[2]%a.ne[2] != 0 || b.ne[3]%a.ne[3] != 0 {
		panic(fmt.Errorf("cpu: cannot multiply %v with %v", a.Shape(), b.Shape()))
	}

	ad, bd := a.dense(), b.dense()
	s := make([]float32, m*n*b.ne[2]*b.ne[3])
	if k > 0 && m > 0 && n > 0 {
		r2, r3 := b.ne[2]/a.ne[2], b.ne[3]/a.ne[3]

		t.b.parallel(b.ne[2]*b.ne[3], func(i int) {
			i2, i3 := i%b.ne[2], i/b.ne[2]
			ao := ((i3/r3)*a.ne[2] + i2/r2) * m * k
			bo := (i3*b.ne[2] + i2) * n * k
			co := (i3*b.ne[2] + i2) * n * m
			blas32.Gemm(blas.NoTrans, blas.Trans, 1,
				blas32.General{Rows: n, Cols: k, Stride: k, Data: bd[bo : bo+n*k]},
				blas32.General{Rows: m, Cols: k, Stride: k, Data: ad[ao : ao+m*k]},
				0,
				blas32.General{Rows: n, Cols: m, Stride: m, Data: s[co : co+n*m]},
			)
		})
	}

	shape := []int{m, n, b.ne[2], b.ne[3]}
	return t.from(ml.DTypeF32, s, shape[:max(2, b.ndim)]...)
}

// rows applies fn to each run of ne[0] contiguous values of a dense copy.
func (t *Tensor) rows(fn func(row []float32)) ml.Tensor {
	s := append([]float32(nil), t.dense()...)
	for i := 0; i < len(s); i += t.ne[0] {
		fn(s[i : i+t.ne[0]])
	}

	return t.from(t.dtype, s, t.Shape()...)
}

func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor {
	return t.rows(func(row []float32) {
		maxValue := float32(math.Inf(-1))
		for _, v := range row {
			maxValue = max(maxValue, v)
		}

		// fully masked rows produce zeros rather than NaN
		if math.IsInf(float64(maxValue), -1) {
			clear(row)
			return
		}

		var sum float64
		for i, v := range row {
			e := math.Exp(float64(v - maxValue))
			row[i] = float32(e)
			sum += e
		}

		for i := range row {
			row[i] = float32(float64(row[i]) / sum)
		}
	})
}

func (t *Tensor) LayerNorm(ctx ml.Context, weight, bias ml.Tensor, eps float32) ml.Tensor {
	out := t.rows(func(row []float32) {
		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(len(row))

		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(len(row))

		inv := 1 / math.Sqrt(variance+float64(eps))
		for i, v := range row {
			row[i] = float32((float64(v) - mean) * inv)
		}
	})

	if weight != nil {
		out = out.Mul(ctx, weight)
	}

	if bias != nil {
		out = out.Add(ctx, bias)
	}

	return out
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	return t.unary(func(v float32) float32 { return float32(float64(v) * s) })
}

// Mean reduces dimension 0 to a single element.
func (t *Tensor) Mean(ctx ml.Context) ml.Tensor {
	d := t.dense()
	s := make([]float32, t.len()/max(t.ne[0], 1))
	for i := range s {
		var sum float64
		for _, v := range d[i*t.ne[0] : (i+1)*t.ne[0]] {
			sum += float64(v)
		}
		s[i] = float32(sum / float64(t.ne[0]))
	}

	shape := t.Shape()
	shape[0] = 1
	return t.from(t.dtype, s, shape...)
}

func convOutput(size, kernel, stride, pad, dilation int) int {
	return (size+2*pad-dilation*(kernel-1)-1)/stride + 1
}

// Conv2D convolves t2 [W, H, C, N] with the kernel t [KW, KH, C, OC],
// producing [OW, OH, OC, N].
func (t *Tensor) Conv2D(ctx ml.Context, t2 ml.Tensor, s0, s1, p0, p1, d0, d1 int) ml.Tensor {
	kernel, x := t, t2.(*Tensor)
	kw, kh, ic, oc := kernel.ne[0], kernel.ne[1], kernel.ne[2], kernel.ne[3]
	w, h, c, n := x.ne[0], x.ne[1], x.ne[2], x.ne[3]
	if c != ic {
		panic(fmt.Errorf("cpu: conv2d kernel %v does not match input %v", kernel.Shape(), x.Shape()))
	}

	ow, oh := convOutput(w, kw, s0, p0, d0), convOutput(h, kh, s1, p1, d1)
	kd, xd := kernel.dense(), x.dense()

	p, k := ow*oh, kw*kh*ic
	s := make([]float32, p*oc*n)

	t.b.parallel(n, func(b int) {
		col := make([]float32, p*k)
		for y := range oh {
			for x := range ow {
				row := col[(y*ow+x)*k:]
				for ci := range ic {
					for ky := range kh {
						iy := y*s1 - p1 + ky*d1
						if iy < 0 || iy >= h {
							continue
						}
						for kx := range kw {
							ix := x*s0 - p0 + kx*d0
							if ix < 0 || ix >= w {
								continue
							}
							row[kx+kw*(ky+kh*ci)] = xd[ix+w*(iy+h*(ci+c*b))]
						}
					}
				}
			}
		}

		blas32.Gemm(blas.NoTrans, blas.Trans, 1,
			blas32.General{Rows: oc, Cols: k, Stride: k, Data: kd},
			blas32.General{Rows: p, Cols: k, Stride: k, Data: col},
			0,
			blas32.General{Rows: oc, Cols: p, Stride: p, Data: s[b*oc*p : (b+1)*oc*p]},
		)
	})

	return t.from(ml.DTypeF32, s, ow, oh, oc, n)
}

// Conv2DDW applies a depthwise convolution of t2 [W, H, C, N] with the kernel
// t [KW, KH, 1, C].
func (t *Tensor) Conv2DDW(ctx ml.Context, t2 ml.Tensor, s0, s1, p0, p1, d0, d1 int) ml.Tensor {
	kernel, x := t, t2.(*Tensor)
	kw, kh := kernel.ne[0], kernel.ne[1]
	w, h, c, n := x.ne[0], x.ne[1], x.ne[2], x.ne[3]
	if kernel.ne[2] != 1 || kernel.ne[3] != c {
		panic(fmt.Errorf("cpu: depthwise kernel %v does not match input %v", kernel.Shape(), x.Shape()))
	}

	ow, oh := convOutput(w, kw, s0, p0, d0), convOutput(h, kh, s1, p1, d1)
	kd, xd := kernel.dense(), x.dense()
	s := make([]float32, ow*oh*c*n)

	t.b.parallel(n, func(b int) {
		for ci := range c {
			kc := kd[ci*kw*kh:]
			xc := xd[(ci+c*b)*w*h:]
			oc := s[(ci+c*b)*ow*oh:]
			for y := range oh {
				for x := range ow {
					var sum float32
					for ky := range kh {
						iy := y*s1 - p1 + ky*d1
						if iy < 0 || iy >= h {
							continue
						}
						for kx := range kw {
							ix := x*s0 - p0 + kx*d0
							if ix < 0 || ix >= w {
								continue
							}
							sum += kc[kx+kw*ky] * xc[ix+w*iy]
						}
					}
					oc[x+ow*y] = sum
				}
			}
		}
	})

	return t.from(ml.DTypeF32, s, ow, oh, c, n)
}

func (t *Tensor) unary(fn func(float32) float32) ml.Tensor {
	d := t.dense()
	s := make([]float32, len(d))
	for i, v := range d {
		s[i] = fn(v)
	}

	return t.from(t.dtype, s, t.Shape()...)
}

func (t *Tensor) Tanh(ctx ml.Context) ml.Tensor {
	return t.unary(func(v float32) float32 { return float32(math.Tanh(float64(v))) })
}

// GELU uses the tanh approximation.
func (t *Tensor) GELU(ctx ml.Context) ml.Tensor {
	return t.unary(func(v float32) float32 {
		x := float64(v)
		return float32(0.5 * x * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(x+0.044715*x*x*x))))
	})
}

func (t *Tensor) GELU_ERF(ctx ml.Context) ml.Tensor {
	return t.unary(func(v float32) float32 {
		x := float64(v)
		return float32(0.5 * x * (1 + math.Erf(x/math.Sqrt2)))
	})
}

func (t *Tensor) SILU(ctx ml.Context) ml.Tensor {
	return t.unary(func(v float32) float32 {
		x := float64(v)
		return float32(x / (1 + math.Exp(-x)))
	})
}

func (t *Tensor) RELU(ctx ml.Context) ml.Tensor {
	return t.unary(func(v float32) float32 { return max(v, 0) })
}

func (t *Tensor) Sigmoid(ctx ml.Context) ml.Tensor {
	return t.unary(func(v float32) float32 { return float32(1 / (1 + math.Exp(-float64(v)))) })
}

func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	if elements(shape) != t.len() {
		panic(fmt.Errorf("cpu: cannot reshape %v to %v", t.Shape(), shape))
	}

	if !t.contiguous() {
		return t.from(t.dtype, t.dense(), shape...)
	}

	r := newTensor(t.b, t.dtype, t.data, shape...)
	r.offset = t.offset
	return r
}

// View creates a tensor sharing storage with t. offset and strides are in
// bytes; shape is one of ne0, (ne0, nb1, ne1), (ne0, nb1, ne1, nb2, ne2)
// or (ne0, nb1, ne1, nb2, ne2, nb3, ne3).
func (t *Tensor) View(ctx ml.Context, offset int, shape ...int) ml.Tensor {
	if len(shape)%2 == 0 || len(shape) > 2*maxDims-1 {
		panic(fmt.Errorf("cpu: invalid view %v", shape))
	}

	v := &Tensor{
		b:      t.b,
		dtype:  t.dtype,
		data:   t.data,
		offset: t.offset + offset/4,
		ndim:   (len(shape) + 1) / 2,
	}

	v.ne[0], v.nb[0] = shape[0], t.nb[0]
	for i := 1; i < maxDims; i++ {
		if i < v.ndim {
			v.nb[i], v.ne[i] = shape[2*i-1]/4, shape[2*i]
		} else {
			v.nb[i], v.ne[i] = v.nb[i-1]*v.ne[i-1], 1
		}
	}

	if last := v.index(v.ne[0]-1, v.ne[1]-1, v.ne[2]-1, v.ne[3]-1); v.len() > 0 && last >= len(t.data) {
		panic(fmt.Errorf("cpu: view %v at offset %d exceeds storage", shape, offset))
	}

	return v
}

// Permute moves dimension i of t to position shape[i].
func (t *Tensor) Permute(ctx ml.Context, shape ...int) ml.Tensor {
	if len(shape) != maxDims {
		panic("expected 4 dimensions")
	}

	p := &Tensor{b: t.b, dtype: t.dtype, data: t.data, offset: t.offset}
	for i, d := range shape {
		p.ne[d], p.nb[d] = t.ne[i], t.nb[i]
		if i < t.ndim {
			p.ndim = max(p.ndim, d+1)
		}
	}

	return p
}

func (t *Tensor) Contiguous(ctx ml.Context) ml.Tensor {
	return t.from(t.dtype, append([]float32(nil), t.dense()...), t.Shape()...)
}

func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	b := t2.(*Tensor)

	ne := t.ne
	for i := range maxDims {
		if i == dim {
			ne[i] = t.ne[i] + b.ne[i]
		} else if t.ne[i] != b.ne[i] {
			panic(fmt.Errorf("cpu: cannot concat %v with %v along %d", t.Shape(), b.Shape(), dim))
		}
	}

	s := make([]float32, ne[0]*ne[1]*ne[2]*ne[3])
	var n int
	for i3 := range ne[3] {
		for i2 := range ne[2] {
			for i1 := range ne[1] {
				for i0 := range ne[0] {
					idx := [maxDims]int{i0, i1, i2, i3}
					if idx[dim] < t.ne[dim] {
						s[n] = t.data[t.index(idx[0], idx[1], idx[2], idx[3])]
					} else {
						idx[dim] -= t.ne[dim]
						s[n] = b.data[b.index(idx[0], idx[1], idx[2], idx[3])]
					}
					n++
				}
			}
		}
	}

	return t.from(t.dtype, s, ne[:max(t.ndim, b.ndim, dim+1)]...)
}

// Rows gathers rows (dimension 1) of t [D, R, B] selected by the indices
// in t2 [I, B], producing [D, I, B].
func (t *Tensor) Rows(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	ids := t2.(*Tensor)
	d, ni, nb := t.ne[0], ids.ne[0], ids.ne[1]
	if t.ne[2] != 1 && t.ne[2] != nb {
		panic(fmt.Errorf("cpu: cannot gather %v rows from %v", ids.Shape(), t.Shape()))
	}

	s := make([]float32, d*ni*nb)
	for b := range nb {
		for i := range ni {
			row := int(ids.data[ids.index(i, b, 0, 0)])
			if row < 0 || row >= t.ne[1] {
				panic(fmt.Errorf("cpu: row %d out of range [0, %d)", row, t.ne[1]))
			}
			for j := range d {
				s[j+d*(i+ni*b)] = t.data[t.index(j, row, b%t.ne[2], 0)]
			}
		}
	}

	if ids.ndim > 1 {
		return t.from(t.dtype, s, d, ni, nb)
	}
	return t.from(t.dtype, s, d, ni)
}

// Copy writes the values of t into t2 in logical order and returns t2.
func (t *Tensor) Copy(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	dst := t2.(*Tensor)
	if dst.len() != t.len() {
		panic(fmt.Errorf("cpu: cannot copy %v into %v", t.Shape(), dst.Shape()))
	}

	src := t.dense()
	dst.each(func(n, idx int) {
		dst.data[idx] = src[n]
	})

	return dst
}
