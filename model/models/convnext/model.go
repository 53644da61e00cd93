package convnext

import (
	"fmt"

	"github.com/ollama/modelkit/fs"
	"github.com/ollama/modelkit/ml"
	"github.com/ollama/modelkit/ml/nn"
	"github.com/ollama/modelkit/model"
	"github.com/ollama/modelkit/model/input"
)

type Model struct {
	model.Base
	*Encoder

	// Classifier maps the pooled output to labels. It is nil unless
	// num_labels is positive.
	Classifier *nn.Linear
}

func New(c fs.Config) (model.Model, error) {
	m := Model{Base: model.NewBase(c)}

	var err error
	if m.Encoder, err = NewEncoder(m.Path(), c); err != nil {
		return nil, err
	}

	if m.numLabels > 0 {
		m.Classifier = nn.NewLinear(m.Path("classifier"), m.HiddenSize(), m.numLabels, ml.TruncatedNormal(float64(m.initRange)))
	}

	return &m, nil
}

func (m *Model) InputTemplate() []input.Spec {
	return []input.Spec{
		{Name: "pixel_values", Shape: []int{m.imageSize, m.imageSize, m.numChannels, -1}, DType: ml.DTypeF32},
	}
}

func (m *Model) Forward(ctx ml.Context, inputs input.Inputs) (*Output, error) {
	if inputs.PixelValues == nil {
		return nil, fmt.Errorf("%w: pixel values", model.ErrMissingInput)
	}

	if c := inputs.PixelValues.Dim(2); c != m.numChannels {
		return nil, fmt.Errorf("%w: pixel values have %d channels, want %d", model.ErrInvalidConfig, c, m.numChannels)
	}

	out := m.Encoder.Forward(ctx, inputs.PixelValues, inputs.Mode)
	if m.Classifier != nil {
		out.Logits = m.Classifier.Forward(ctx, out.PoolerOutput)
	}

	return out, nil
}

func init() {
	model.Register("convnext", New)
}
