package convert

import (
	"cmp"
	"log/slog"
	"strconv"
	"strings"

	ofs "github.com/ollama/modelkit/fs"
)

type convnextModel struct {
	ModelParameters
	NumChannels         uint32            `json:"num_channels"`
	PatchSize           uint32            `json:"patch_size"`
	ImageSize           uint32            `json:"image_size"`
	NumStages           uint32            `json:"num_stages"`
	HiddenSizes         []uint32          `json:"hidden_sizes"`
	Depths              []uint32          `json:"depths"`
	HiddenAct           string            `json:"hidden_act"`
	LayerNormEps        float32           `json:"layer_norm_eps"`
	LayerScaleInitValue *float32          `json:"layer_scale_init_value"`
	DropPathRate        float32           `json:"drop_path_rate"`
	ID2Label            map[string]string `json:"id2label"`

	classifier bool
}

var _ ModelConverter = (*convnextModel)(nil)

func (p *convnextModel) KV() ofs.KV {
	kv := p.ModelParameters.KV("convnext")
	p.put(kv, "convnext")
	if p.classifier {
		kv["convnext.num_labels"] = uint32(len(p.ID2Label))
		if labels := p.labels(); labels != nil {
			kv["convnext.labels"] = labels
		}
	}
	return kv
}

// labels orders id2label by id. It returns nil unless the ids are exactly
// 0 through n-1.
func (p *convnextModel) labels() []string {
	labels := make([]string, len(p.ID2Label))
	for k, v := range p.ID2Label {
		id, err := strconv.Atoi(k)
		if err != nil || id < 0 || id >= len(labels) || labels[id] != "" {
			slog.Warn("ignoring labels", "id", k)
			return nil
		}
		labels[id] = v
	}
	return labels
}

// put writes the encoder keys below prefix.
func (p *convnextModel) put(kv ofs.KV, prefix string) {
	kv[prefix+".num_channels"] = cmp.Or(p.NumChannels, 3)
	kv[prefix+".patch_size"] = cmp.Or(p.PatchSize, 4)
	kv[prefix+".image_size"] = cmp.Or(p.ImageSize, 224)
	if n := cmp.Or(p.NumStages, uint32(len(p.Depths))); n > 0 {
		kv[prefix+".num_stages"] = n
	}

	if len(p.HiddenSizes) > 0 {
		kv[prefix+".hidden_sizes"] = p.HiddenSizes
	}

	if len(p.Depths) > 0 {
		kv[prefix+".depths"] = p.Depths
	}

	kv[prefix+".hidden_act"] = cmp.Or(p.HiddenAct, "gelu")
	kv[prefix+".layer_norm_eps"] = cmp.Or(p.LayerNormEps, 1e-12)
	kv[prefix+".drop_path_rate"] = p.DropPathRate
	kv[prefix+".initializer_range"] = cmp.Or(p.InitializerRange, 0.02)
	kv[prefix+".output_hidden_states"] = p.OutputHiddenStates

	// an explicit zero disables layer scaling
	layerScale := float32(1e-6)
	if p.LayerScaleInitValue != nil {
		layerScale = *p.LayerScaleInitValue
	}
	kv[prefix+".layer_scale_init_value"] = layerScale
}

func (p *convnextModel) Tensors(ts []Tensor) []Tensor {
	out := make([]Tensor, 0, len(ts))
	for _, t := range ts {
		if !p.classifier && strings.HasPrefix(t.Name(), "classifier.") {
			continue
		}
		out = append(out, t)
	}
	return out
}

func (p *convnextModel) Replacements() []string {
	return []string{
		"convnext.", "",
		"embeddings.patch_embeddings", "embeddings.patch",
		"embeddings.layernorm", "embeddings.norm",
		"encoder.stages", "stages",
		"downsampling_layer.0", "downsample.norm",
		"downsampling_layer.1", "downsample.conv",
		"layers.", "blk.",
		"dwconv", "dw_conv",
		"pwconv1", "ffn_up",
		"pwconv2", "ffn_down",
		"layer_scale_parameter", "layer_scale",
		".layernorm", ".norm",
		"layernorm", "output_norm",
	}
}
