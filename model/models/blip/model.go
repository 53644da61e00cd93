package blip

import (
	"fmt"
	"maps"
	"slices"

	"github.com/ollama/modelkit/fs"
	"github.com/ollama/modelkit/kvcache"
	"github.com/ollama/modelkit/ml"
	"github.com/ollama/modelkit/ml/nn"
	"github.com/ollama/modelkit/model"
	"github.com/ollama/modelkit/model/input"
	"github.com/ollama/modelkit/model/models/convnext"
)

// Model generates text conditioned on an image: a vision encoder produces
// the sequence a text decoder cross attends to.
type Model struct {
	model.Base

	Vision VisionEncoder
	Text   *TextModel
}

func New(c fs.Config) (model.Model, error) {
	m := Model{Base: model.NewBase(c)}

	var err error
	vc := fs.Sub(c, "vision")
	switch arch := vc.String("architecture", "vit"); arch {
	case "vit":
		m.Vision, err = newVisionModel(m.Path("v"), vc)
	case "convnext":
		var enc *convnext.Encoder
		enc, err = convnext.NewEncoder(m.Path("v"), vc)
		m.Vision = &convNextVision{Encoder: enc}
	default:
		err = fmt.Errorf("%w: unknown vision architecture %q", model.ErrInvalidConfig, arch)
	}
	if err != nil {
		return nil, err
	}

	if m.Text, err = newTextModel(m.Path("t"), fs.Sub(c, "text")); err != nil {
		return nil, err
	}

	if m.Vision.HiddenSize() != m.Text.encoderHiddenSize {
		return nil, fmt.Errorf("%w: vision hidden size %d does not match text encoder hidden size %d", model.ErrInvalidConfig, m.Vision.HiddenSize(), m.Text.encoderHiddenSize)
	}

	return &m, nil
}

func (m *Model) InputTemplate() []input.Spec {
	return []input.Spec{
		{Name: "pixel_values", Shape: append(m.Vision.InputShape(), -1), DType: ml.DTypeF32, Optional: true},
		{Name: "input_ids", Shape: []int{-1, -1}, DType: ml.DTypeI32, Optional: true},
		{Name: "decoder_input_ids", Shape: []int{-1, -1}, DType: ml.DTypeI32, Optional: true},
		{Name: "decoder_attention_mask", Shape: []int{-1, -1}, DType: ml.DTypeI32, Optional: true},
		{Name: "decoder_position_ids", Shape: []int{-1, -1}, DType: ml.DTypeI32, Optional: true},
		{Name: "encoder_hidden_state", Shape: []int{m.Vision.HiddenSize(), m.Vision.SequenceLength(), -1}, DType: ml.DTypeF32, Optional: true},
	}
}

// CrossAttentionSource is where the state the decoder attends to comes
// from: Computed by running the vision encoder or Supplied by the caller.
type CrossAttentionSource interface {
	HiddenState() ml.Tensor
}

type Computed struct {
	*VisionOutput
}

func (c Computed) HiddenState() ml.Tensor {
	return c.LastHiddenState
}

type Supplied struct {
	State ml.Tensor
}

func (s Supplied) HiddenState() ml.Tensor {
	return s.State
}

// CrossAttentionSource resolves the encoder state for one pass. A supplied
// encoder hidden state takes precedence and the vision encoder is not run.
func (m *Model) CrossAttentionSource(ctx ml.Context, inputs input.Inputs) (CrossAttentionSource, error) {
	if inputs.EncoderHiddenState != nil {
		return Supplied{State: inputs.EncoderHiddenState}, nil
	}

	if inputs.PixelValues == nil {
		return nil, fmt.Errorf("%w: pixel values or an encoder hidden state", model.ErrMissingInput)
	}

	return Computed{m.Vision.Forward(ctx, inputs.PixelValues, inputs.Mode)}, nil
}

// Output is the result of a forward pass. Slices are nil when the
// corresponding output was not requested or not computed.
type Output struct {
	Logits ml.Tensor

	DecoderHiddenStates []ml.Tensor
	DecoderAttentions   []ml.Tensor
	CrossAttentions     []ml.Tensor

	// EncoderHiddenState is always set so it can be supplied to later
	// passes.
	EncoderHiddenState ml.Tensor

	// EncoderHiddenStates and EncoderAttentions are only set when the
	// vision encoder ran in this pass.
	EncoderHiddenStates []ml.Tensor
	EncoderAttentions   []ml.Tensor

	Cache kvcache.Cache
}

func (m *Model) Forward(ctx ml.Context, inputs input.Inputs) (*Output, error) {
	source, err := m.CrossAttentionSource(ctx, inputs)
	if err != nil {
		return nil, err
	}

	decoderInputIDs := inputs.DecoderInputIDs
	if decoderInputIDs == nil {
		if inputs.InputIDs == nil {
			return nil, fmt.Errorf("%w: decoder input ids or input ids", model.ErrMissingInput)
		}

		decoderInputIDs = m.Text.ShiftTokensRight(ctx, inputs.InputIDs)
	}

	text, err := m.Text.Forward(ctx, decoderInputIDs, inputs.DecoderPositionIDs, inputs.DecoderAttentionMask, source.HiddenState(), inputs.Cache)
	if err != nil {
		return nil, err
	}

	out := Output{
		Logits:              text.Logits,
		DecoderHiddenStates: text.HiddenStates,
		DecoderAttentions:   text.Attentions,
		CrossAttentions:     text.CrossAttentions,
		EncoderHiddenState:  source.HiddenState(),
		Cache:               inputs.Cache,
	}

	if computed, ok := source.(Computed); ok {
		out.EncoderHiddenStates = computed.HiddenStates
		out.EncoderAttentions = computed.Attentions
	}

	return &out, nil
}

func (m *Model) Decode(ctx ml.Context, inputs input.Inputs) (ml.Tensor, ml.Tensor, error) {
	out, err := m.Forward(ctx, inputs)
	if err != nil {
		return nil, nil, err
	}

	return out.Logits, out.EncoderHiddenState, nil
}

// InitCache sizes decoding state for the text decoder. The cross attention
// state is sized by a placeholder shaped like the vision output unless an
// encoder hidden state is given.
func (m *Model) InitCache(ctx ml.Context, batchSize, maxLength int, inputs input.Inputs) (kvcache.Cache, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("%w: batch size must be at least 1, got %d", kvcache.ErrInvalidCache, batchSize)
	}

	if maxLength < 1 {
		return nil, fmt.Errorf("%w: max length must be at least 1, got %d", kvcache.ErrInvalidCache, maxLength)
	}

	prefix := inputs.DecoderInputIDs
	if prefix == nil {
		prefix = inputs.InputIDs
	}

	if prefix != nil && prefix.Dim(0) > maxLength {
		return nil, fmt.Errorf("%w: prefix of %d tokens does not fit max length %d", kvcache.ErrInvalidCache, prefix.Dim(0), maxLength)
	}

	placeholder := inputs.EncoderHiddenState
	if placeholder == nil {
		placeholder = ctx.Zeros(ml.DTypeF32, m.Vision.HiddenSize(), m.Vision.SequenceLength(), batchSize)
	}

	return m.Text.InitCache(ctx, batchSize, maxLength, placeholder)
}

func (m *Model) TraverseCache(cache kvcache.Cache, fn func(ml.Tensor) ml.Tensor) kvcache.Cache {
	return m.Text.TraverseCache(cache, fn)
}

func (m *Model) BOS() int32 {
	return m.Text.BOS()
}

// EOS is the token that ends generation.
func (m *Model) EOS() int32 {
	return m.Text.EOS()
}

func parseActivation(s string) (nn.Activation, error) {
	act, err := nn.ParseActivation(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", model.ErrInvalidConfig, err)
	}
	return act, nil
}

func checkPositive(name string, values map[string]int) error {
	for _, key := range slices.Sorted(maps.Keys(values)) {
		if values[key] < 1 {
			return fmt.Errorf("%w: %s %s must be positive, got %d", model.ErrInvalidConfig, name, key, values[key])
		}
	}
	return nil
}

func init() {
	model.Register("blip", New)
}
