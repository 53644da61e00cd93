package nn

import (
	"strconv"
	"strings"

	"github.com/ollama/modelkit/ml"
)

// Path names parameters hierarchically. A Path is a value: In returns a
// new path and never modifies the receiver, so sibling builders cannot
// observe each other's names.
type Path struct {
	params *ml.Params
	prefix string
}

func NewPath(params *ml.Params, names ...string) Path {
	return Path{params: params}.In(names...)
}

func (p Path) In(names ...string) Path {
	parts := make([]string, 0, len(names)+1)
	if p.prefix != "" {
		parts = append(parts, p.prefix)
	}

	for _, name := range names {
		if name != "" {
			parts = append(parts, name)
		}
	}

	return Path{params: p.params, prefix: strings.Join(parts, ".")}
}

func (p Path) Index(i int) Path {
	return p.In(strconv.Itoa(i))
}

func (p Path) Name(name string) string {
	return p.In(name).prefix
}

func (p Path) String() string {
	return p.prefix
}

// Param declares a parameter named name under p.
func (p Path) Param(t *ml.Tensor, name string, init ml.Initializer, shape ...int) {
	p.params.Declare(t, p.Name(name), init, shape...)
}
