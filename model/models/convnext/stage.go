package convnext

import (
	"fmt"
	"math/rand/v2"

	"github.com/ollama/modelkit/ml"
	"github.com/ollama/modelkit/ml/nn"
	"github.com/ollama/modelkit/model"
)

// StageDescriptor describes one stage of the encoder.
type StageDescriptor struct {
	Index   int
	Depth   int
	In, Out int
	Stride  int
	Rates   []float32
}

// Downsample normalizes channels and then reduces the spatial size with a
// strided convolution.
type Downsample struct {
	Norm   *nn.LayerNorm
	Conv   *nn.Conv2D
	Stride int
}

func (d *Downsample) Forward(ctx ml.Context, hiddenStates ml.Tensor) ml.Tensor {
	hiddenStates = d.Norm.ForwardChannels(ctx, hiddenStates, blockEps)
	return d.Conv.Forward(ctx, hiddenStates, d.Stride, d.Stride, 0, 0, 1, 1)
}

type Stage struct {
	// Downsample is nil when the stage keeps both width and resolution.
	Downsample *Downsample
	Blocks     []*Block
}

func newStage(p nn.Path, desc StageDescriptor, opts *Options) (*Stage, error) {
	if len(desc.Rates) != desc.Depth {
		return nil, fmt.Errorf("%w: stage %d has %d drop path rates for %d blocks", model.ErrInvalidConfig, desc.Index, len(desc.Rates), desc.Depth)
	}

	var s Stage
	if desc.In != desc.Out || desc.Stride > 1 {
		s.Downsample = &Downsample{
			Norm:   nn.NewLayerNorm(p.In("downsample", "norm"), desc.In),
			Conv:   nn.NewConv2D(p.In("downsample", "conv"), desc.In, desc.Out, 2, ml.TruncatedNormal(float64(opts.initRange))),
			Stride: desc.Stride,
		}
	}

	s.Blocks = make([]*Block, desc.Depth)
	for i, rate := range desc.Rates {
		s.Blocks[i] = newBlock(p.In("blk").Index(i), desc.Out, rate, opts)
	}

	return &s, nil
}

func (s *Stage) Forward(ctx ml.Context, hiddenStates ml.Tensor, mode ml.Mode, r *rand.Rand, opts *Options) ml.Tensor {
	if s.Downsample != nil {
		hiddenStates = s.Downsample.Forward(ctx, hiddenStates)
	}

	for _, b := range s.Blocks {
		hiddenStates = b.Forward(ctx, hiddenStates, mode, r, opts)
	}

	return hiddenStates
}
