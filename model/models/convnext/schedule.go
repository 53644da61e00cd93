package convnext

import (
	"fmt"

	"github.com/ollama/modelkit/model"
)

// DropPathRates returns the stochastic depth rate of every block, grouped
// by stage. Rates rise linearly from 0 at the first block of the network
// to rate at its last block; the interpolation runs over all blocks, not
// per stage.
func DropPathRates(depths []int, rate float32) ([][]float32, error) {
	if len(depths) == 0 {
		return nil, fmt.Errorf("%w: no stages", model.ErrInvalidConfig)
	}

	if rate < 0 {
		return nil, fmt.Errorf("%w: negative drop path rate %v", model.ErrInvalidConfig, rate)
	}

	var total int
	for i, depth := range depths {
		if depth < 1 {
			return nil, fmt.Errorf("%w: stage %d has depth %d", model.ErrInvalidConfig, i, depth)
		}

		total += depth
	}

	rates := make([][]float32, len(depths))

	var n int
	for i, depth := range depths {
		rates[i] = make([]float32, depth)
		for j := range depth {
			if total > 1 {
				rates[i][j] = float32(float64(rate) * float64(n) / float64(total-1))
			}
			n++
		}
	}

	return rates, nil
}
