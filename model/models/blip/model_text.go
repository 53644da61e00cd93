package blip

import (
	"fmt"
	"math"

	"github.com/ollama/modelkit/fs"
	"github.com/ollama/modelkit/kvcache"
	"github.com/ollama/modelkit/ml"
	"github.com/ollama/modelkit/ml/nn"
	"github.com/ollama/modelkit/model"
)

const (
	crossAttentionLayer = iota
	selfAttentionLayer
)

type TextSelfAttention struct {
	Query  *nn.Linear
	Key    *nn.Linear
	Value  *nn.Linear
	Output *nn.Linear
}

func (sa *TextSelfAttention) Forward(ctx ml.Context, hiddenState ml.Tensor, cache *kvcache.WrapperCache, opts *TextModelOptions) (ml.Tensor, ml.Tensor) {
	headDim := opts.hiddenSize / opts.numHeads
	seqLen, batchSize := hiddenState.Dim(1), hiddenState.Dim(2)

	query := sa.Query.Forward(ctx, hiddenState).Reshape(ctx, headDim, opts.numHeads, seqLen, batchSize)
	key := sa.Key.Forward(ctx, hiddenState).Reshape(ctx, headDim, opts.numHeads, seqLen, batchSize)
	value := sa.Value.Forward(ctx, hiddenState).Reshape(ctx, headDim, opts.numHeads, seqLen, batchSize)

	cache.SetLayerType(selfAttentionLayer)
	cache.Put(ctx, key, value)
	key, value, mask := cache.Get(ctx)

	attention, weights := nn.AttentionWithWeights(ctx, query, key, value, mask, 1.0/math.Sqrt(float64(headDim)))
	attention = attention.Reshape(ctx, opts.hiddenSize, seqLen, batchSize)
	return sa.Output.Forward(ctx, attention), weights
}

// TextCrossAttention attends from the decoder to the encoder output. Keys and
// values are only projected when encoderHiddenState is given, otherwise they
// come from the cache.
type TextCrossAttention struct {
	Query  *nn.Linear
	Key    *nn.Linear
	Value  *nn.Linear
	Output *nn.Linear
}

func (ca *TextCrossAttention) Forward(ctx ml.Context, hiddenState, encoderHiddenState ml.Tensor, cache *kvcache.WrapperCache, opts *TextModelOptions) (ml.Tensor, ml.Tensor) {
	headDim := opts.hiddenSize / opts.numHeads
	seqLen, batchSize := hiddenState.Dim(1), hiddenState.Dim(2)

	query := ca.Query.Forward(ctx, hiddenState).Reshape(ctx, headDim, opts.numHeads, seqLen, batchSize)

	cache.SetLayerType(crossAttentionLayer)
	if encoderHiddenState != nil {
		encoderLen := encoderHiddenState.Dim(1)
		key := ca.Key.Forward(ctx, encoderHiddenState).Reshape(ctx, headDim, opts.numHeads, encoderLen, batchSize)
		value := ca.Value.Forward(ctx, encoderHiddenState).Reshape(ctx, headDim, opts.numHeads, encoderLen, batchSize)
		cache.Put(ctx, key, value)
	}

	key, value, _ := cache.Get(ctx)

	attention, weights := nn.AttentionWithWeights(ctx, query, key, value, nil, 1.0/math.Sqrt(float64(headDim)))
	attention = attention.Reshape(ctx, opts.hiddenSize, seqLen, batchSize)
	return ca.Output.Forward(ctx, attention), weights
}

type TextMLP struct {
	Up   *nn.Linear
	Down *nn.Linear
}

func (mlp *TextMLP) Forward(ctx ml.Context, hiddenState ml.Tensor, opts *TextModelOptions) ml.Tensor {
	hiddenState = opts.act.Forward(ctx, mlp.Up.Forward(ctx, hiddenState))
	return mlp.Down.Forward(ctx, hiddenState)
}

// TextDecoderLayer normalizes after each residual add.
type TextDecoderLayer struct {
	SelfAttention *TextSelfAttention
	AttentionNorm *nn.LayerNorm

	CrossAttention     *TextCrossAttention
	CrossAttentionNorm *nn.LayerNorm

	MLP     *TextMLP
	MLPNorm *nn.LayerNorm
}

func newTextDecoderLayer(p nn.Path, opts *TextModelOptions) *TextDecoderLayer {
	init := ml.Normal(float64(opts.initRange))
	linear := func(name string, in, out int) *nn.Linear {
		return nn.NewLinear(p.In(name), in, out, init)
	}

	return &TextDecoderLayer{
		SelfAttention: &TextSelfAttention{
			Query:  linear("attn_q", opts.hiddenSize, opts.hiddenSize),
			Key:    linear("attn_k", opts.hiddenSize, opts.hiddenSize),
			Value:  linear("attn_v", opts.hiddenSize, opts.hiddenSize),
			Output: linear("attn_out", opts.hiddenSize, opts.hiddenSize),
		},
		AttentionNorm: nn.NewLayerNorm(p.In("attn_norm"), opts.hiddenSize),
		CrossAttention: &TextCrossAttention{
			Query:  linear("cross_attn_q", opts.hiddenSize, opts.hiddenSize),
			Key:    linear("cross_attn_k", opts.encoderHiddenSize, opts.hiddenSize),
			Value:  linear("cross_attn_v", opts.encoderHiddenSize, opts.hiddenSize),
			Output: linear("cross_attn_out", opts.hiddenSize, opts.hiddenSize),
		},
		CrossAttentionNorm: nn.NewLayerNorm(p.In("cross_attn_norm"), opts.hiddenSize),
		MLP: &TextMLP{
			Up:   linear("ffn_up", opts.hiddenSize, opts.intermediateSize),
			Down: linear("ffn_down", opts.intermediateSize, opts.hiddenSize),
		},
		MLPNorm: nn.NewLayerNorm(p.In("ffn_norm"), opts.hiddenSize),
	}
}

func (d *TextDecoderLayer) Forward(ctx ml.Context, hiddenState, encoderHiddenState ml.Tensor, cache *kvcache.WrapperCache, opts *TextModelOptions) (ml.Tensor, ml.Tensor, ml.Tensor) {
	residual := hiddenState
	hiddenState, selfWeights := d.SelfAttention.Forward(ctx, hiddenState, cache, opts)
	hiddenState = d.AttentionNorm.Forward(ctx, hiddenState.Add(ctx, residual), opts.eps)

	residual = hiddenState
	hiddenState, crossWeights := d.CrossAttention.Forward(ctx, hiddenState, encoderHiddenState, cache, opts)
	hiddenState = d.CrossAttentionNorm.Forward(ctx, hiddenState.Add(ctx, residual), opts.eps)

	residual = hiddenState
	hiddenState = d.MLP.Forward(ctx, hiddenState, opts)
	hiddenState = d.MLPNorm.Forward(ctx, hiddenState.Add(ctx, residual), opts.eps)

	return hiddenState, selfWeights, crossWeights
}

// TextHead predicts token logits from decoder states.
type TextHead struct {
	Transform *nn.Linear
	Norm      *nn.LayerNorm
	Output    *nn.Linear
}

func (h *TextHead) Forward(ctx ml.Context, hiddenState ml.Tensor, opts *TextModelOptions) ml.Tensor {
	hiddenState = opts.act.Forward(ctx, h.Transform.Forward(ctx, hiddenState))
	hiddenState = h.Norm.Forward(ctx, hiddenState, opts.eps)
	return h.Output.Forward(ctx, hiddenState)
}

type TextModelOptions struct {
	vocabSize, hiddenSize, encoderHiddenSize int
	intermediateSize, numHeads, maxPositions int

	eps       float32
	act       nn.Activation
	initRange float32

	bosTokenID, padTokenID, eosTokenID int32

	outputHiddenStates, outputAttentions bool
}

// TextOutput is the result of a decoder pass.
type TextOutput struct {
	// Logits has shape [vocab, tokens, batch].
	Logits ml.Tensor

	// HiddenStates holds the embedding output and the output of every
	// layer. HiddenStates, Attentions and CrossAttentions are nil unless
	// requested by the configuration.
	HiddenStates    []ml.Tensor
	Attentions      []ml.Tensor
	CrossAttentions []ml.Tensor
}

// TextModel is a causal transformer decoder with cross attention to an
// encoder output.
type TextModel struct {
	TokenEmbedding    *nn.Embedding
	PositionEmbedding *nn.Embedding
	EmbeddingNorm     *nn.LayerNorm

	Layers []*TextDecoderLayer
	Head   *TextHead

	*TextModelOptions
}

func newTextModel(p nn.Path, c fs.Config) (*TextModel, error) {
	act, err := parseActivation(c.String("hidden_act", "gelu"))
	if err != nil {
		return nil, err
	}

	opts := TextModelOptions{
		vocabSize:         int(c.Uint("vocab_size", 30524)),
		hiddenSize:        int(c.Uint("hidden_size", 768)),
		encoderHiddenSize: int(c.Uint("encoder_hidden_size", 768)),
		intermediateSize:  int(c.Uint("intermediate_size", 3072)),
		numHeads:          int(c.Uint("num_attention_heads", 8)),
		maxPositions:      int(c.Uint("max_position_embeddings", 512)),
		eps:               c.Float("layer_norm_eps", 1e-12),
		act:               act,
		initRange:         c.Float("initializer_range", 0.02),
		bosTokenID:        int32(c.Uint("bos_token_id", 30522)),
		padTokenID:        int32(c.Uint("pad_token_id", 0)),
		// generation ends at the separator token
		eosTokenID:         int32(c.Uint("sep_token_id", 102)),
		outputHiddenStates: c.Bool("output_hidden_states"),
		outputAttentions:   c.Bool("output_attentions"),
	}

	if err := checkHeads("text", opts.hiddenSize, opts.numHeads); err != nil {
		return nil, err
	}

	if err := checkPositive("text", map[string]int{"vocab_size": opts.vocabSize, "encoder_hidden_size": opts.encoderHiddenSize, "intermediate_size": opts.intermediateSize, "max_position_embeddings": opts.maxPositions}); err != nil {
		return nil, err
	}

	init := ml.Normal(float64(opts.initRange))
	m := TextModel{
		TokenEmbedding:    nn.NewEmbedding(p.In("token_embd"), opts.vocabSize, opts.hiddenSize, init),
		PositionEmbedding: nn.NewEmbedding(p.In("position_embd"), opts.maxPositions, opts.hiddenSize, init),
		EmbeddingNorm:     nn.NewLayerNorm(p.In("embd_norm"), opts.hiddenSize),
		Layers:            make([]*TextDecoderLayer, c.Uint("num_hidden_layers", 12)),
		TextModelOptions:  &opts,
	}

	for i := range m.Layers {
		m.Layers[i] = newTextDecoderLayer(p.In("blk").Index(i), &opts)
	}

	m.Head = &TextHead{
		Transform: nn.NewLinear(p.In("head", "transform"), opts.hiddenSize, opts.hiddenSize, init),
		Norm:      nn.NewLayerNorm(p.In("head", "norm"), opts.hiddenSize),
		Output:    nn.NewLinear(p.In("head", "output"), opts.hiddenSize, opts.vocabSize, init),
	}

	return &m, nil
}

// BOS is the token every decoder sequence starts with.
func (m *TextModel) BOS() int32 {
	return m.bosTokenID
}

// EOS is the token that ends generation.
func (m *TextModel) EOS() int32 {
	return m.eosTokenID
}

// ShiftTokensRight derives decoder inputs from a full token sequence of
// shape [tokens, batch]: every sequence is shifted one position to the right
// and starts with the BOS token. Ignored labels (-100) become padding.
func (m *TextModel) ShiftTokensRight(ctx ml.Context, inputIDs ml.Tensor) ml.Tensor {
	seqLen, batchSize := inputIDs.Dim(0), inputIDs.Dim(1)
	ids := inputIDs.Floats()

	shifted := make([]int32, len(ids))
	for b := range batchSize {
		shifted[b*seqLen] = m.bosTokenID
		for i := 1; i < seqLen; i++ {
			id := int32(ids[b*seqLen+i-1])
			if id == -100 {
				id = m.padTokenID
			}
			shifted[b*seqLen+i] = id
		}
	}

	return ctx.FromIntSlice(shifted, seqLen, batchSize)
}

// InitCache allocates self attention state for batchSize sequences of up to
// maxLength tokens and cross attention state sized by encoderHiddenState.
func (m *TextModel) InitCache(ctx ml.Context, batchSize, maxLength int, encoderHiddenState ml.Tensor) (kvcache.Cache, error) {
	if maxLength > m.maxPositions {
		return nil, fmt.Errorf("%w: max length %d exceeds %d positions", kvcache.ErrInvalidCache, maxLength, m.maxPositions)
	}

	if encoderHiddenState.Dim(0) != m.encoderHiddenSize || encoderHiddenState.Dim(2) != batchSize {
		return nil, fmt.Errorf("%w: encoder hidden state %v for hidden size %d and batch size %d", kvcache.ErrInvalidCache, encoderHiddenState.Shape(), m.encoderHiddenSize, batchSize)
	}

	headDim := m.hiddenSize / m.numHeads
	self, err := kvcache.NewCausalCache(ctx, kvcache.CausalOptions{
		Layers:    len(m.Layers),
		Heads:     m.numHeads,
		HeadDim:   headDim,
		BatchSize: batchSize,
		MaxLength: maxLength,
	})
	if err != nil {
		return nil, err
	}

	cross, err := kvcache.NewEncoderCache(ctx, kvcache.EncoderOptions{
		Layers:    len(m.Layers),
		Heads:     m.numHeads,
		HeadDim:   headDim,
		BatchSize: batchSize,
		Length:    encoderHiddenState.Dim(1),
	})
	if err != nil {
		return nil, err
	}

	return kvcache.NewWrapperCache(cross, self), nil
}

// TraverseCache applies fn to every tensor of a cache created by InitCache.
func (m *TextModel) TraverseCache(cache kvcache.Cache, fn func(ml.Tensor) ml.Tensor) kvcache.Cache {
	return cache.Traverse(fn)
}

type textCache struct {
	*kvcache.WrapperCache

	cross *kvcache.EncoderCache
	self  *kvcache.Causal
}

func (m *TextModel) textCache(cache kvcache.Cache) (*textCache, error) {
	wrapper, ok := cache.(*kvcache.WrapperCache)
	if !ok || len(wrapper.Caches()) != 2 {
		return nil, fmt.Errorf("%w: %T was not created by this model", kvcache.ErrCacheMismatch, cache)
	}

	c := textCache{WrapperCache: wrapper}
	if c.cross, ok = wrapper.Caches()[crossAttentionLayer].(*kvcache.EncoderCache); !ok {
		return nil, fmt.Errorf("%w: cross attention cache is %T", kvcache.ErrCacheMismatch, wrapper.Caches()[crossAttentionLayer])
	}

	if c.self, ok = wrapper.Caches()[selfAttentionLayer].(*kvcache.Causal); !ok {
		return nil, fmt.Errorf("%w: self attention cache is %T", kvcache.ErrCacheMismatch, wrapper.Caches()[selfAttentionLayer])
	}

	return &c, nil
}

// Forward decodes inputIDs of shape [tokens, batch]. Without a cache the
// tokens are decoded as a complete sequence. positionIDs default to the
// positions following the cached history.
func (m *TextModel) Forward(ctx ml.Context, inputIDs, positionIDs, attentionMask, encoderHiddenState ml.Tensor, cache kvcache.Cache) (*TextOutput, error) {
	seqLen, batchSize := inputIDs.Dim(0), inputIDs.Dim(1)

	if cache == nil {
		var err error
		if cache, err = m.InitCache(ctx, batchSize, seqLen, encoderHiddenState); err != nil {
			return nil, err
		}
		defer cache.Close()
	}

	c, err := m.textCache(cache)
	if err != nil {
		return nil, err
	}

	if c.self.BatchSize() != batchSize {
		return nil, fmt.Errorf("%w: %d sequences for a cache of %d", kvcache.ErrCacheMismatch, batchSize, c.self.BatchSize())
	}

	// cross attention keys and values are computed once per cache; a
	// different encoderHiddenState on a filled cache is not used
	crossAttentionStates := encoderHiddenState
	if c.cross.EncoderCached() {
		crossAttentionStates = nil
	}

	if positionIDs == nil {
		positions := make([]int32, seqLen*batchSize)
		for i := range positions {
			positions[i] = int32(c.self.Offset() + i%seqLen)
		}
		positionIDs = ctx.FromIntSlice(positions, seqLen, batchSize)
	}

	var mask []int32
	if attentionMask != nil {
		for _, v := range attentionMask.Floats() {
			mask = append(mask, int32(v))
		}
	}

	if err := cache.StartForward(ctx, seqLen, mask); err != nil {
		return nil, err
	}

	hiddenState := m.TokenEmbedding.Forward(ctx, inputIDs)
	hiddenState = hiddenState.Add(ctx, m.PositionEmbedding.Forward(ctx, positionIDs))
	hiddenState = m.EmbeddingNorm.Forward(ctx, hiddenState, m.eps)

	var out TextOutput
	for i, layer := range m.Layers {
		if m.outputHiddenStates {
			out.HiddenStates = append(out.HiddenStates, hiddenState)
		}

		cache.SetLayer(i)

		var selfWeights, crossWeights ml.Tensor
		hiddenState, selfWeights, crossWeights = layer.Forward(ctx, hiddenState, crossAttentionStates, c.WrapperCache, m.TextModelOptions)
		if m.outputAttentions {
			out.Attentions = append(out.Attentions, selfWeights)
			out.CrossAttentions = append(out.CrossAttentions, crossWeights)
		}
	}

	if m.outputHiddenStates {
		out.HiddenStates = append(out.HiddenStates, hiddenState)
	}

	out.Logits = m.Head.Forward(ctx, hiddenState, m.TextModelOptions)
	ctx.Forward(out.Logits)
	return &out, nil
}

func checkHeads(name string, hiddenSize, numHeads int) error {
	if hiddenSize < 1 || numHeads < 1 || hiddenSize%numHeads != 0 {
		return fmt.Errorf("%w: %s hidden size %d is not divisible into %d heads", model.ErrInvalidConfig, name, hiddenSize, numHeads)
	}
	return nil
}
