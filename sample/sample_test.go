package sample

import (
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestWeighted(t *testing.T) {
	idx, err := Weighted(nil).Sample([]float32{float32(math.Inf(-1)), 2, float32(math.Inf(-1)), float32(math.Inf(-1))})
	if err != nil {
		t.Error(err)
		return
	}
	want := int32(1)
	if diff := cmp.Diff(want, idx); diff != "" {
		t.Errorf("index mismatch (-want +got):\n%s", diff)
	}

	idx, err = Weighted(nil).Sample([]float32{float32(math.Inf(-1)), float32(math.Inf(-1)), float32(math.Inf(-1))})
	if err == nil {
		t.Error("expected error for no valid tokens, got index", idx)
	}

	// the same seed draws the same tokens
	draw := func(seed uint64) []int32 {
		s := Weighted(&seed)
		var ids []int32
		for range 16 {
			id, err := s.Sample([]float32{1, 2, 3, 4})
			require.NoError(t, err)
			ids = append(ids, id)
		}
		return ids
	}

	if diff := cmp.Diff(draw(42), draw(42)); diff != "" {
		t.Errorf("seeded samples mismatch (-first +second):\n%s", diff)
	}
}

func TestSample(t *testing.T) {
	input := []float32{1, 2, 3, 4}

	var callOrder []int
	mock1 := &testTransform{
		id:        1,
		callOrder: &callOrder,
	}
	mock2 := &testTransform{
		id:        2,
		callOrder: &callOrder,
	}
	mock3 := &testTransform{
		id:        3,
		callOrder: &callOrder,
	}

	got, err := Greedy(mock1, mock2, mock3).Sample(input)
	if err != nil {
		t.Error(err)
		return
	}

	want := int32(3) // Greedy sampler should pick highest logit
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("sampled index mismatch (-want +got):\n%s", diff)
	}
	wantOrder := []int{1, 2, 3}
	if diff := cmp.Diff(wantOrder, callOrder); diff != "" {
		t.Errorf("call order mismatch (-want +got):\n%s", diff)
	}
	callOrder = nil

	_, err = Weighted(nil, mock1, mock2, mock3).Sample(input)
	if err != nil {
		t.Error(err)
		return
	}
	wantOrder = []int{1, 2, 3}
	if diff := cmp.Diff(wantOrder, callOrder); diff != "" {
		t.Errorf("call order mismatch (-want +got):\n%s", diff)
	}

	errMock := &testTransform{
		returnErr: fmt.Errorf("mock error"),
	}
	_, err = Weighted(nil, mock1, errMock, mock2).Sample(input)
	if err == nil {
		t.Error("Expected error from sampler")
	}

	_, err = Greedy().Sample(nil)
	require.Error(t, err)
}

func TestTransforms(t *testing.T) {
	inf := math.Inf(-1)

	t.Run("TopK", func(t *testing.T) {
		got, err := TopK(2).Apply([]float64{1, 4, 3, 2})
		require.NoError(t, err)
		require.Equal(t, []float64{inf, 4, 3, inf}, got)

		_, err = TopK(0).Apply([]float64{1})
		require.Error(t, err)
	})

	t.Run("TopP", func(t *testing.T) {
		// probabilities are roughly 0.64, 0.24, 0.09, 0.03
		got, err := TopP(0.8).Apply([]float64{3, 2, 1, 0})
		require.NoError(t, err)
		require.Equal(t, []float64{3, 2, inf, inf}, got)
	})

	t.Run("MinP", func(t *testing.T) {
		got, err := MinP(0.2).Apply([]float64{3, 2, 1, 0})
		require.NoError(t, err)
		require.Equal(t, []float64{3, 2, inf, inf}, got)
	})

	t.Run("Temperature", func(t *testing.T) {
		got, err := Temperature(0.5).Apply([]float64{1, 3})
		require.NoError(t, err)
		require.Equal(t, []float64{-4, 0}, got)

		_, err = Temperature(0).Apply([]float64{1})
		require.Error(t, err)
		_, err = Temperature(3).Apply([]float64{1})
		require.Error(t, err)
	})
}

func TestNew(t *testing.T) {
	require.IsType(t, greedy{}, New(Options{}))

	s := New(Options{Temperature: 0.8, TopK: 1, TopP: 2})
	require.IsType(t, weighted{}, s)
	require.Len(t, s.(weighted).transforms, 2)

	// top k of one is deterministic
	for range 8 {
		id, err := s.Sample([]float32{0, 5, 1})
		require.NoError(t, err)
		require.Equal(t, int32(1), id)
	}
}

type testTransform struct {
	id        int
	callOrder *[]int
	returnErr error
}

func (ts *testTransform) Apply(logits []float64) ([]float64, error) {
	if ts.callOrder != nil {
		*ts.callOrder = append(*ts.callOrder, ts.id)
	}
	if ts.returnErr != nil {
		return nil, ts.returnErr
	}
	return logits, nil
}

func BenchmarkSample(b *testing.B) {
	transforms := []Transform{
		Temperature(0.5),
		TopK(10),
		TopP(0.9),
		MinP(0.2),
	}

	samplers := map[string]Sampler{
		"Greedy":   Greedy(transforms...),
		"Weighted": Weighted(nil, transforms...),
	}

	logits := make([]float32, 1<<16)
	for i := range logits {
		logits[i] = rand.Float32()
	}

	for name, s := range samplers {
		b.Run(name, func(b *testing.B) {
			b.ResetTimer()
			for range b.N {
				if _, err := s.Sample(logits); err != nil {
					b.Error(err)
				}
			}
		})
	}
}
