package convnext

import (
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"

	"github.com/ollama/modelkit/model"
)

func TestDropPathRates(t *testing.T) {
	rates, err := DropPathRates([]int{3, 3, 9, 3}, 0.1)
	require.NoError(t, err)

	var sizes []int
	var all []float32
	for _, stage := range rates {
		sizes = append(sizes, len(stage))
		all = append(all, stage...)
	}

	require.Equal(t, []int{3, 3, 9, 3}, sizes)
	require.Len(t, all, 18)

	want := []float32{
		0, 0.00588235306, 0.0117647061, 0.0176470596, 0.0235294122, 0.0294117648,
		0.0352941193, 0.0411764719, 0.0470588244, 0.052941177, 0.0588235296, 0.0647058859,
		0.0705882385, 0.0764705911, 0.0823529437, 0.0882352963, 0.0941176489, 0.100000001,
	}
	if diff := cmp.Diff(want, all, cmpopts.EquateApprox(0, 1e-8)); diff != "" {
		t.Errorf("schedule mismatch (-want +got):\n%s", diff)
	}

	// the final block reaches the configured rate exactly
	require.Equal(t, float32(0.1), all[17])
	require.True(t, slices.IsSorted(all))

	// schedule continues across stage boundaries
	require.Greater(t, rates[1][0], rates[0][2])
}

func TestDropPathRatesZero(t *testing.T) {
	for _, depths := range [][]int{{1}, {2, 2}, {3, 3, 27, 3}} {
		rates, err := DropPathRates(depths, 0)
		require.NoError(t, err)

		for i, stage := range rates {
			require.Len(t, stage, depths[i])
			for _, rate := range stage {
				require.Zero(t, rate)
			}
		}
	}
}

func TestDropPathRatesSingleBlock(t *testing.T) {
	rates, err := DropPathRates([]int{1}, 0.5)
	require.NoError(t, err)
	require.Equal(t, [][]float32{{0}}, rates)
}

func TestDropPathRatesInvalid(t *testing.T) {
	cases := map[string]struct {
		depths []int
		rate   float32
	}{
		"NoStages":     {nil, 0.1},
		"ZeroDepth":    {[]int{3, 0, 3}, 0.1},
		"NegativeRate": {[]int{1, 1}, -0.1},
	}

	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DropPathRates(tt.depths, tt.rate)
			require.ErrorIs(t, err, model.ErrInvalidConfig)
		})
	}
}
