package convnext

import (
	"fmt"

	"github.com/ollama/modelkit/fs"
	"github.com/ollama/modelkit/ml/nn"
	"github.com/ollama/modelkit/model"
)

// blockEps is the layer norm epsilon inside blocks, downsampling steps and
// the patch embedding. The configured epsilon only applies to the pooler.
const blockEps = 1e-6

type Options struct {
	numChannels int
	patchSize   int
	imageSize   int

	hiddenSizes []int
	depths      []int

	act          nn.Activation
	eps          float32
	layerScale   float32
	dropPathRate float32
	initRange    float32

	outputHiddenStates bool
	numLabels          int
}

func ints(s []uint32) []int {
	out := make([]int, len(s))
	for i, v := range s {
		out[i] = int(v)
	}
	return out
}

func newOptions(c fs.Config) (*Options, error) {
	act, err := nn.ParseActivation(c.String("hidden_act", "gelu"))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrInvalidConfig, err)
	}

	opts := Options{
		numChannels:        int(c.Uint("num_channels", 3)),
		patchSize:          int(c.Uint("patch_size", 4)),
		imageSize:          int(c.Uint("image_size", 224)),
		hiddenSizes:        ints(c.Uints("hidden_sizes", []uint32{96, 192, 384, 768})),
		depths:             ints(c.Uints("depths", []uint32{3, 3, 9, 3})),
		act:                act,
		eps:                c.Float("layer_norm_eps", 1e-12),
		layerScale:         c.Float("layer_scale_init_value", 1e-6),
		dropPathRate:       c.Float("drop_path_rate", 0),
		initRange:          c.Float("initializer_range", 0.02),
		outputHiddenStates: c.Bool("output_hidden_states"),
		numLabels:          int(c.Uint("num_labels")),
	}

	numStages := int(c.Uint("num_stages", uint32(len(opts.depths))))
	switch {
	case numStages < 1:
		return nil, fmt.Errorf("%w: num_stages must be positive", model.ErrInvalidConfig)
	case len(opts.hiddenSizes) != numStages || len(opts.depths) != numStages:
		return nil, fmt.Errorf("%w: %d hidden sizes and %d depths for %d stages", model.ErrInvalidConfig, len(opts.hiddenSizes), len(opts.depths), numStages)
	case opts.numChannels < 1 || opts.patchSize < 1:
		return nil, fmt.Errorf("%w: num_channels and patch_size must be positive", model.ErrInvalidConfig)
	}

	for i, size := range opts.hiddenSizes {
		if size < 1 {
			return nil, fmt.Errorf("%w: stage %d has hidden size %d", model.ErrInvalidConfig, i, size)
		}
	}

	return &opts, nil
}

// NumStages returns the number of stages of the encoder.
func (o *Options) NumStages() int {
	return len(o.depths)
}

// HiddenSize is the channel width of the final stage.
func (o *Options) HiddenSize() int {
	return o.hiddenSizes[len(o.hiddenSizes)-1]
}

// SequenceLength is the number of spatial positions of the final feature
// map for an image of the configured size.
func (o *Options) SequenceLength() int {
	side := o.imageSize / o.patchSize
	for range len(o.depths) - 1 {
		side /= 2
	}
	return side * side
}

func (o *Options) ImageSize() int {
	return o.imageSize
}

func (o *Options) NumChannels() int {
	return o.numChannels
}
