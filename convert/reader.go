package convert

import (
	"errors"
	"io/fs"
	"slices"
	"strings"
)

// Tensor is a checkpoint tensor named after the model parameter it fills.
// Shapes are outermost first, the way checkpoints store them.
type Tensor interface {
	Name() string
	Shape() []uint64
	SetRepacker(repacker)
	Clone() Tensor
	Floats() ([]float32, error)
}

type tensorBase struct {
	name  string
	shape []uint64
	repacker
}

func (t tensorBase) Name() string {
	return t.name
}

func (t tensorBase) Shape() []uint64 {
	return t.shape
}

func (t *tensorBase) SetRepacker(fn repacker) {
	t.repacker = fn
}

type repacker func(string, []float32, []uint64) ([]float32, error)

// derived renames or reshapes another tensor. Data still comes from the
// underlying tensor and its repacker.
type derived struct {
	Tensor
	name  string
	shape []uint64
}

func (t derived) Name() string {
	return t.name
}

func (t derived) Shape() []uint64 {
	return t.shape
}

func (t derived) Clone() Tensor {
	return derived{Tensor: t.Tensor.Clone(), name: t.name, shape: slices.Clone(t.shape)}
}

func rename(t Tensor, name string) Tensor {
	return derived{Tensor: t, name: name, shape: t.Shape()}
}

func parseTensors(fsys fs.FS, replacer *strings.Replacer) ([]Tensor, error) {
	patterns := []struct {
		Pattern string
		Func    func(fs.FS, *strings.Replacer, ...string) ([]Tensor, error)
	}{
		{"model-*-of-*.safetensors", parseSafetensors},
		{"model.safetensors", parseSafetensors},
	}

	for _, pattern := range patterns {
		matches, err := fs.Glob(fsys, pattern.Pattern)
		if err != nil {
			return nil, err
		}

		if len(matches) > 0 {
			return pattern.Func(fsys, replacer, matches...)
		}
	}

	return nil, errors.New("unknown tensor format")
}
