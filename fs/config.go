package fs

import "iter"

type Config interface {
	Architecture() string
	String(string, ...string) string
	Uint(string, ...uint32) uint32
	Float(string, ...float32) float32
	Bool(string, ...bool) bool

	Strings(string, ...[]string) []string
	Uints(string, ...[]uint32) []uint32
	Floats(string, ...[]float32) []float32

	Keys() iter.Seq[string]
	Value(key string) any
}

// Sub returns a view of c that resolves keys below prefix, so a nested
// sub-model can read "vision.hidden_size" as "hidden_size".
func Sub(c Config, prefix string) Config {
	return sub{Config: c, prefix: prefix + "."}
}

type sub struct {
	Config
	prefix string
}

func (s sub) String(key string, defaultValue ...string) string {
	return s.Config.String(s.prefix+key, defaultValue...)
}

func (s sub) Uint(key string, defaultValue ...uint32) uint32 {
	return s.Config.Uint(s.prefix+key, defaultValue...)
}

func (s sub) Float(key string, defaultValue ...float32) float32 {
	return s.Config.Float(s.prefix+key, defaultValue...)
}

func (s sub) Bool(key string, defaultValue ...bool) bool {
	return s.Config.Bool(s.prefix+key, defaultValue...)
}

func (s sub) Strings(key string, defaultValue ...[]string) []string {
	return s.Config.Strings(s.prefix+key, defaultValue...)
}

func (s sub) Uints(key string, defaultValue ...[]uint32) []uint32 {
	return s.Config.Uints(s.prefix+key, defaultValue...)
}

func (s sub) Floats(key string, defaultValue ...[]float32) []float32 {
	return s.Config.Floats(s.prefix+key, defaultValue...)
}

func (s sub) Value(key string) any {
	return s.Config.Value(s.prefix + key)
}
