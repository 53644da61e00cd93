package convert

import (
	"cmp"
	"iter"
	"slices"

	"github.com/pdevine/tensor"
	"github.com/pdevine/tensor/native"
)

type split struct {
	// name of the resulting tensor
	name string
	// dim is the size of the split; zero divides the dimension evenly
	dim int
}

// splitDim splits a tensor along a specified dimension into multiple tensors. The dimension
// is split evenly unless a split carries its own size.
func splitDim(t Tensor, dim int, splits ...split) iter.Seq[Tensor] {
	return func(yield func(Tensor) bool) {
		var offset int
		for _, split := range splits {
			t := t.Clone()
			shape := slices.Clone(t.Shape())
			shape[dim] = cmp.Or(uint64(split.dim), shape[dim]/uint64(len(splits)))

			slice := slices.Repeat([]tensor.Slice{nil}, len(shape))
			slice[dim] = tensor.S(offset, offset+int(shape[dim]))
			offset += int(shape[dim])

			t.SetRepacker(func(_ string, data []float32, shape []uint64) ([]float32, error) {
				dims := make([]int, len(shape))
				for i := range shape {
					dims[i] = int(shape[i])
				}

				var tt tensor.Tensor = tensor.New(tensor.WithShape(dims...), tensor.WithBacking(data))
				tt, err := tt.Slice(slice...)
				if err != nil {
					return nil, err
				}

				tt = tensor.Materialize(tt)

				// flatten tensor so it can be read as a vector
				if err := tt.Reshape(tt.Shape().TotalSize()); err != nil {
					return nil, err
				}

				return native.VectorF32(tt.(*tensor.Dense))
			})

			if !yield(derived{Tensor: t, name: split.name, shape: shape}) {
				break
			}
		}
	}
}
