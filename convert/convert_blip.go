package convert

import (
	"cmp"
	"slices"
	"strings"

	ofs "github.com/ollama/modelkit/fs"
)

type blipModel struct {
	ModelParameters
	VisionModel struct {
		HiddenSize        uint32  `json:"hidden_size"`
		IntermediateSize  uint32  `json:"intermediate_size"`
		NumHiddenLayers   uint32  `json:"num_hidden_layers"`
		NumAttentionHeads uint32  `json:"num_attention_heads"`
		NumChannels       uint32  `json:"num_channels"`
		ImageSize         uint32  `json:"image_size"`
		PatchSize         uint32  `json:"patch_size"`
		HiddenAct         string  `json:"hidden_act"`
		LayerNormEps      float32 `json:"layer_norm_eps"`
		InitializerRange  float32 `json:"initializer_range"`
	} `json:"vision_config"`
	TextModel struct {
		VocabSize             uint32  `json:"vocab_size"`
		HiddenSize            uint32  `json:"hidden_size"`
		EncoderHiddenSize     uint32  `json:"encoder_hidden_size"`
		IntermediateSize      uint32  `json:"intermediate_size"`
		NumHiddenLayers       uint32  `json:"num_hidden_layers"`
		NumAttentionHeads     uint32  `json:"num_attention_heads"`
		MaxPositionEmbeddings uint32  `json:"max_position_embeddings"`
		HiddenAct             string  `json:"hidden_act"`
		LayerNormEps          float32 `json:"layer_norm_eps"`
		InitializerRange      float32 `json:"initializer_range"`
		BOSTokenID            uint32  `json:"bos_token_id"`
		PadTokenID            uint32  `json:"pad_token_id"`
		SEPTokenID            uint32  `json:"sep_token_id"`
	} `json:"text_config"`
}

var _ ModelConverter = (*blipModel)(nil)

func (p *blipModel) KV() ofs.KV {
	kv := p.ModelParameters.KV("blip")

	vision := map[string]any{
		"architecture":        "vit",
		"hidden_size":         p.VisionModel.HiddenSize,
		"intermediate_size":   p.VisionModel.IntermediateSize,
		"num_hidden_layers":   p.VisionModel.NumHiddenLayers,
		"num_attention_heads": p.VisionModel.NumAttentionHeads,
		"num_channels":        p.VisionModel.NumChannels,
		"image_size":          p.VisionModel.ImageSize,
		"patch_size":          p.VisionModel.PatchSize,
		"hidden_act":          p.VisionModel.HiddenAct,
		"layer_norm_eps":      p.VisionModel.LayerNormEps,
		"initializer_range":   p.VisionModel.InitializerRange,

		"output_hidden_states": p.OutputHiddenStates,
		"output_attentions":    p.OutputAttentions,
	}

	text := map[string]any{
		"vocab_size":              p.TextModel.VocabSize,
		"hidden_size":             p.TextModel.HiddenSize,
		"encoder_hidden_size":     p.TextModel.EncoderHiddenSize,
		"intermediate_size":       p.TextModel.IntermediateSize,
		"num_hidden_layers":       p.TextModel.NumHiddenLayers,
		"num_attention_heads":     p.TextModel.NumAttentionHeads,
		"max_position_embeddings": p.TextModel.MaxPositionEmbeddings,
		"hidden_act":              p.TextModel.HiddenAct,
		"layer_norm_eps":          p.TextModel.LayerNormEps,
		"initializer_range":       cmp.Or(p.TextModel.InitializerRange, p.InitializerRange),
		"bos_token_id":            p.TextModel.BOSTokenID,
		"pad_token_id":            p.TextModel.PadTokenID,
		"sep_token_id":            p.TextModel.SEPTokenID,

		"output_hidden_states": p.OutputHiddenStates,
		"output_attentions":    p.OutputAttentions,
	}

	putNonZero(kv, "blip.vision", vision)
	putNonZero(kv, "blip.text", text)
	return kv
}

// putNonZero writes values below prefix. Zero values are left out so the
// model falls back to its own defaults.
func putNonZero(kv ofs.KV, prefix string, values map[string]any) {
	for k, v := range values {
		switch v := v.(type) {
		case uint32:
			if v == 0 {
				continue
			}
		case float32:
			if v == 0 {
				continue
			}
		case string:
			if v == "" {
				continue
			}
		}

		kv[prefix+"."+k] = v
	}
}

func (p *blipModel) Tensors(ts []Tensor) []Tensor {
	out := make([]Tensor, 0, len(ts)+2)
	byName := make(map[string]Tensor, len(ts))
	for _, t := range ts {
		byName[t.Name()] = t
	}

	for _, t := range ts {
		switch {
		case strings.HasSuffix(t.Name(), "position_ids"):
			// buffers, not parameters
		case t.Name() == "t.head.bias":
			if _, ok := byName["t.head.output.bias"]; !ok {
				out = append(out, rename(t, "t.head.output.bias"))
			}
		case strings.Contains(t.Name(), ".attn_qkv."):
			out = append(out, slices.Collect(splitDim(t, 0,
				split{name: strings.Replace(t.Name(), "attn_qkv", "attn_q", 1)},
				split{name: strings.Replace(t.Name(), "attn_qkv", "attn_k", 1)},
				split{name: strings.Replace(t.Name(), "attn_qkv", "attn_v", 1)},
			))...)
		default:
			out = append(out, t)
		}
	}

	// the output projection is tied to the token embedding
	if _, ok := byName["t.head.output.weight"]; !ok {
		if t, ok := byName["t.token_embd.weight"]; ok {
			out = append(out, rename(t, "t.head.output.weight"))
		}
	}

	return out
}

func (p *blipModel) Replacements() []string {
	return []string{
		"vision_model.embeddings.class_embedding", "v.class_embd",
		"vision_model.embeddings.patch_embedding", "v.patch_embd",
		"vision_model.embeddings.position_embedding", "v.position_embd",
		"vision_model.encoder.layers", "v.blk",
		"vision_model.post_layernorm", "v.post_norm",
		"self_attn.qkv", "attn_qkv",
		"self_attn.projection", "attn_out",
		"layer_norm1", "attn_norm",
		"layer_norm2", "ffn_norm",
		"mlp.fc1", "ffn_up",
		"mlp.fc2", "ffn_down",

		"text_decoder.bert.embeddings.word_embeddings", "t.token_embd",
		"text_decoder.bert.embeddings.position_embeddings", "t.position_embd",
		"text_decoder.bert.embeddings.LayerNorm", "t.embd_norm",
		"text_decoder.bert.embeddings", "t",
		"text_decoder.bert.encoder.layer", "t.blk",
		"crossattention.self.query", "cross_attn_q",
		"crossattention.self.key", "cross_attn_k",
		"crossattention.self.value", "cross_attn_v",
		"crossattention.output.dense", "cross_attn_out",
		"crossattention.output.LayerNorm", "cross_attn_norm",
		"attention.self.query", "attn_q",
		"attention.self.key", "attn_k",
		"attention.self.value", "attn_v",
		"attention.output.dense", "attn_out",
		"attention.output.LayerNorm", "attn_norm",
		"intermediate.dense", "ffn_up",
		"output.dense", "ffn_down",
		"output.LayerNorm", "ffn_norm",
		"text_decoder.cls.predictions.transform.dense", "t.head.transform",
		"text_decoder.cls.predictions.transform.LayerNorm", "t.head.norm",
		"text_decoder.cls.predictions.decoder", "t.head.output",
		"text_decoder.cls.predictions.bias", "t.head.bias",
	}
}
