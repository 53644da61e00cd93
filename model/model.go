package model

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/ollama/modelkit/fs"
	"github.com/ollama/modelkit/kvcache"
	"github.com/ollama/modelkit/ml"
	"github.com/ollama/modelkit/ml/nn"
	"github.com/ollama/modelkit/model/input"
)

var (
	ErrInvalidConfig    = errors.New("invalid model configuration")
	ErrUnsupportedModel = errors.New("unsupported model architecture")
	ErrMissingInput     = errors.New("missing required input")
)

// Model is a computation graph assembled for a specific architecture
type Model interface {
	// Params returns every parameter declared while assembling the model
	Params() *ml.Params

	// InputTemplate describes the named inputs accepted by the model
	InputTemplate() []input.Spec
}

// Generator must be implemented by models that decode autoregressively.
type Generator interface {
	Model

	// InitCache allocates zeroed decoding state for batchSize sequences of
	// up to maxLength tokens. inputs carries the prefix that will be
	// decoded first, if known.
	InitCache(ctx ml.Context, batchSize, maxLength int, inputs input.Inputs) (kvcache.Cache, error)

	// TraverseCache applies fn to every tensor held by cache and returns a
	// cache with the same structure.
	TraverseCache(cache kvcache.Cache, fn func(ml.Tensor) ml.Tensor) kvcache.Cache

	// Decode runs one decoding step and returns the logits for the new
	// tokens together with the encoder hidden state used for them, so it
	// can be supplied to later steps.
	Decode(ctx ml.Context, inputs input.Inputs) (logits, encoderHiddenState ml.Tensor, err error)
}

// Base implements the common fields and methods for all models
type Base struct {
	params *ml.Params
	config fs.Config
}

func NewBase(c fs.Config) Base {
	return Base{params: ml.NewParams(), config: c}
}

func (m *Base) Params() *ml.Params {
	return m.params
}

func (m *Base) Config() fs.Config {
	return m.config
}

// Path returns the root of the parameter name hierarchy of the model.
func (m *Base) Path(names ...string) nn.Path {
	return nn.NewPath(m.params, names...)
}

var models = make(map[string]func(fs.Config) (Model, error))

// Register registers a model constructor for the given architecture
func Register(name string, f func(fs.Config) (Model, error)) {
	if _, ok := models[name]; ok {
		panic("model: model already registered")
	}

	models[name] = f
}

// Architectures returns the registered architecture names in sorted order.
func Architectures() []string {
	return slices.Sorted(maps.Keys(models))
}

// New assembles the model named by the architecture of c
func New(c fs.Config) (Model, error) {
	arch := c.Architecture()
	f, ok := models[arch]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnsupportedModel, arch)
	}

	m, err := f(c)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", arch, err)
	}

	params := m.Params()
	slog.Debug("assembled model", "architecture", arch, "params", params.Len(), "elements", params.Count(), "digest", fmt.Sprintf("%016x", params.Digest()))
	return m, nil
}
