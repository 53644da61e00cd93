package model

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ollama/modelkit/fs"
	"github.com/ollama/modelkit/ml"
	"github.com/ollama/modelkit/ml/nn"
	"github.com/ollama/modelkit/model/input"
)

type fakeModel struct {
	Base

	Proj *nn.Linear
}

func (m *fakeModel) InputTemplate() []input.Spec {
	return []input.Spec{{Name: "input_ids", Shape: []int{-1, -1}, DType: ml.DTypeI32}}
}

func newFakeModel(c fs.Config) (Model, error) {
	if c.Uint("hidden_size") == 0 {
		return nil, ErrInvalidConfig
	}

	m := fakeModel{Base: NewBase(c)}
	m.Proj = nn.NewLinear(m.Path("proj"), int(c.Uint("hidden_size")), 2, ml.Zeros())
	return &m, nil
}

func TestNew(t *testing.T) {
	Register("fake", newFakeModel)
	t.Cleanup(func() { delete(models, "fake") })

	require.Contains(t, Architectures(), "fake")

	m, err := New(fs.KV{"general.architecture": "fake", "fake.hidden_size": uint32(4)})
	require.NoError(t, err)
	require.Equal(t, 2, m.Params().Len())
	require.Equal(t, 10, m.Params().Count())
	require.Equal(t, "fake", m.(*fakeModel).Config().Architecture())

	_, err = New(fs.KV{"general.architecture": "fake"})
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = New(fs.KV{"general.architecture": "unknown"})
	require.ErrorIs(t, err, ErrUnsupportedModel)

	require.Panics(t, func() { Register("fake", newFakeModel) })
}
