// Package runner drives autoregressive decoding of generator models.
package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ollama/modelkit/logutil"
	"github.com/ollama/modelkit/ml"
	"github.com/ollama/modelkit/model"
	"github.com/ollama/modelkit/model/input"
	"github.com/ollama/modelkit/sample"
)

// Model is a generator with the special tokens that delimit its output.
type Model interface {
	model.Generator
	BOS() int32
	EOS() int32
}

// DoneReason represents the reason why a sequence stopped
type DoneReason int

const (
	// DoneReasonStop indicates the model emitted its end token
	DoneReasonStop DoneReason = iota
	// DoneReasonLength indicates the token limit was reached
	DoneReasonLength
	// DoneReasonCanceled indicates the context was canceled
	DoneReasonCanceled
)

func (d DoneReason) String() string {
	switch d {
	case DoneReasonLength:
		return "length"
	case DoneReasonStop:
		return "stop"
	default:
		return "canceled"
	}
}

type SequenceParams struct {
	// Prompt is decoded after the BOS token before generation starts
	Prompt []int32

	// NumPredict is the maximum number of tokens to generate
	NumPredict int

	// Sampler picks every new token; nil is greedy
	Sampler sample.Sampler
}

type Sequence struct {
	ID uuid.UUID

	// image the output is conditioned on
	pixelValues ml.Tensor

	prompt []int32

	// tokens generated so far, without the end token
	tokens []int32

	numPredict int

	sampler sample.Sampler

	doneReason DoneReason
}

func NewSequence(pixelValues ml.Tensor, params SequenceParams) (*Sequence, error) {
	if pixelValues == nil {
		return nil, fmt.Errorf("%w: pixel values", model.ErrMissingInput)
	}

	if params.NumPredict < 1 {
		return nil, fmt.Errorf("num predict must be positive, got %d", params.NumPredict)
	}

	sampler := params.Sampler
	if sampler == nil {
		sampler = sample.Greedy()
	}

	return &Sequence{
		ID:          uuid.New(),
		pixelValues: pixelValues,
		prompt:      params.Prompt,
		numPredict:  params.NumPredict,
		sampler:     sampler,
	}, nil
}

func (s *Sequence) Tokens() []int32 {
	return s.tokens
}

func (s *Sequence) DoneReason() DoneReason {
	return s.doneReason
}

// MaxLength is the number of decoder positions the sequence can occupy.
func (s *Sequence) MaxLength() int {
	return 1 + len(s.prompt) + s.numPredict
}

// Generate decodes s until the model emits its end token, NumPredict tokens
// have been generated or c is canceled. The image is encoded once on the
// first step; later steps reuse the returned encoder hidden state. fn, if
// not nil, receives every generated token.
func Generate(c context.Context, ctx ml.Context, m Model, s *Sequence, fn func(int32)) error {
	prefix := append([]int32{m.BOS()}, s.prompt...)
	ids := ctx.FromIntSlice(prefix, len(prefix), 1)

	cache, err := m.InitCache(ctx, 1, s.MaxLength(), input.Inputs{DecoderInputIDs: ids})
	if err != nil {
		return err
	}
	defer cache.Close()

	inputs := input.Inputs{PixelValues: s.pixelValues, DecoderInputIDs: ids, Cache: cache}
	for len(s.tokens) < s.numPredict {
		if err := c.Err(); err != nil {
			s.doneReason = DoneReasonCanceled
			return err
		}

		logits, encoderHiddenState, err := m.Decode(ctx, inputs)
		if err != nil {
			return err
		}

		// logits are [vocab, tokens, 1]; only the last position is sampled
		vocabSize, n := logits.Dim(0), logits.Dim(1)
		token, err := s.sampler.Sample(logits.Floats()[(n-1)*vocabSize : n*vocabSize])
		if err != nil {
			return err
		}

		logutil.Trace("decode", "sequence", s.ID, "step", len(s.tokens), "inputs", n, "token", token)
		if token == m.EOS() {
			s.doneReason = DoneReasonStop
			return nil
		}

		s.tokens = append(s.tokens, token)
		if fn != nil {
			fn(token)
		}

		inputs = input.Inputs{
			DecoderInputIDs:    ctx.FromIntSlice([]int32{token}, 1, 1),
			EncoderHiddenState: encoderHiddenState,
			Cache:              cache,
		}
	}

	s.doneReason = DoneReasonLength
	return nil
}

var ErrNotGenerator = errors.New("model does not generate tokens")

// AsModel returns m as a runner model if it can generate.
func AsModel(m model.Model) (Model, error) {
	g, ok := m.(Model)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrNotGenerator, m)
	}
	return g, nil
}
