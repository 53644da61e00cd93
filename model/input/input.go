package input

import (
	"github.com/ollama/modelkit/kvcache"
	"github.com/ollama/modelkit/ml"
)

// Spec describes one named input of a model. Shape is innermost first and
// uses -1 for dimensions chosen by the caller, such as the batch size or
// the sequence length.
type Spec struct {
	Name     string
	Shape    []int
	DType    ml.DType
	Optional bool
}

// Inputs contains the inputs for a model forward pass. A nil field is
// absent; models fall back to a defined default for every optional input.
type Inputs struct {
	// PixelValues is an image batch of shape width, height, channels, batch.
	PixelValues ml.Tensor

	// InputIDs is a full token sequence of shape tokens, batch. Decoders
	// derive DecoderInputIDs from it when those are not given.
	InputIDs ml.Tensor

	// DecoderInputIDs are the tokens to decode in this pass, of shape
	// tokens, batch.
	DecoderInputIDs ml.Tensor

	// DecoderAttentionMask marks real tokens with 1 and padding with 0,
	// with the same shape as DecoderInputIDs.
	DecoderAttentionMask ml.Tensor

	// DecoderPositionIDs default to the cache offset onwards.
	DecoderPositionIDs ml.Tensor

	// EncoderHiddenState is a precomputed encoder output of shape hidden,
	// sequence, batch. When set the encoder is not run. Once a cache holds
	// cross attention keys and values, later passes with that cache attend
	// to the stored keys and values and ignore this field.
	EncoderHiddenState ml.Tensor

	// Cache carries decoding state between passes.
	Cache kvcache.Cache

	// Mode selects training or inference behavior of stochastic layers.
	Mode ml.Mode
}
