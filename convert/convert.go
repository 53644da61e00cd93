// Package convert reads Hugging Face style checkpoints, a config.json next
// to safetensors files, into model configurations and parameters.
package convert

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"runtime"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	ofs "github.com/ollama/modelkit/fs"
	"github.com/ollama/modelkit/ml"
	"github.com/ollama/modelkit/model"
)

var (
	ErrUnsupportedArchitecture = errors.New("unsupported architecture")
	ErrMissingTensor           = errors.New("missing tensor")
)

type ModelParameters struct {
	Architectures []string `json:"architectures"`

	InitializerRange   float32 `json:"initializer_range"`
	OutputHiddenStates bool    `json:"output_hidden_states"`
	OutputAttentions   bool    `json:"output_attentions"`
}

// KV returns the keys shared by every architecture.
func (p ModelParameters) KV(arch string) ofs.KV {
	kv := ofs.KV{
		"general.architecture": arch,
	}

	if len(p.Architectures) > 0 {
		kv["general.name"] = p.Architectures[0]
	}

	return kv
}

type ModelConverter interface {
	// KV maps the configuration to model key-values
	KV() ofs.KV
	// Tensors maps checkpoint tensors to model parameters. Model specific modifications can be done here.
	Tensors([]Tensor) []Tensor
	// Replacements returns a list of string pairs to replace in tensor names.
	// See [strings.Replacer](https://pkg.go.dev/strings#Replacer) for details
	Replacements() []string
}

// Checkpoint is a converted configuration together with the tensors that
// populate the model it describes.
type Checkpoint struct {
	KV      ofs.KV
	Tensors []Tensor
}

// ConvertModel reads config.json and the safetensors files in fsys.
func ConvertModel(fsys fs.FS) (*Checkpoint, error) {
	bts, err := fs.ReadFile(fsys, "config.json")
	if err != nil {
		return nil, err
	}

	var p ModelParameters
	if err := json.Unmarshal(bts, &p); err != nil {
		return nil, err
	}

	if len(p.Architectures) < 1 {
		return nil, fmt.Errorf("%w: no architectures in config.json", ErrUnsupportedArchitecture)
	}

	var conv ModelConverter
	switch p.Architectures[0] {
	case "ConvNextModel":
		conv = &convnextModel{}
	case "ConvNextForImageClassification":
		conv = &convnextModel{classifier: true}
	case "BlipForConditionalGeneration":
		conv = &blipModel{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedArchitecture, p.Architectures[0])
	}

	if err := json.Unmarshal(bts, conv); err != nil {
		return nil, err
	}

	ts, err := parseTensors(fsys, strings.NewReplacer(conv.Replacements()...))
	if err != nil {
		return nil, err
	}

	kv := conv.KV()
	ts = conv.Tensors(ts)
	slog.Debug("converted checkpoint", "architecture", kv.Architecture(), "tensors", len(ts))
	return &Checkpoint{KV: kv, Tensors: ts}, nil
}

// LoadParams reads every tensor into the parameter of the same name. A
// checkpoint shape is outermost first and must equal the parameter shape
// reversed, ignoring unit dimensions. Every parameter must be populated
// exactly once.
func LoadParams(ctx ml.Context, params *ml.Params, ts []Tensor) error {
	seen := make(map[string]struct{}, len(ts))
	for _, t := range ts {
		if _, ok := seen[t.Name()]; ok {
			return fmt.Errorf("%w: %s", ml.ErrDuplicateParam, t.Name())
		}
		seen[t.Name()] = struct{}{}

		p, ok := params.Get(t.Name())
		if !ok {
			return fmt.Errorf("%w: %s", ml.ErrUnknownParam, t.Name())
		}

		if !sameShape(p.Shape, t.Shape()) {
			return fmt.Errorf("%w: %s is %v, want %v", ml.ErrParamShape, t.Name(), t.Shape(), p.Shape)
		}
	}

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, t := range ts {
		g.Go(func() error {
			f32s, err := t.Floats()
			if err != nil {
				return fmt.Errorf("%s: %w", t.Name(), err)
			}

			return params.Set(ctx, t.Name(), f32s)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if missing := params.Missing(); len(missing) > 0 {
		return fmt.Errorf("%w: %d parameters, first %s", ErrMissingTensor, len(missing), missing[0])
	}

	return nil
}

// LoadModel converts the checkpoint in fsys and assembles a model with its
// weights.
func LoadModel(ctx ml.Context, fsys fs.FS) (model.Model, error) {
	c, err := ConvertModel(fsys)
	if err != nil {
		return nil, err
	}

	m, err := model.New(c.KV)
	if err != nil {
		return nil, err
	}

	if err := LoadParams(ctx, m.Params(), c.Tensors); err != nil {
		return nil, err
	}

	return m, nil
}

func sameShape(params []int, checkpoint []uint64) bool {
	var a, b []uint64
	for _, d := range params {
		if d != 1 {
			a = append(a, uint64(d))
		}
	}

	for _, d := range slices.Backward(checkpoint) {
		if d != 1 {
			b = append(b, d)
		}
	}

	return slices.Equal(a, b)
}
