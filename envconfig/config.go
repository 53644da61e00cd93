package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Models returns the directory checkpoints are resolved against. Configured via MODELKIT_MODELS.
// Default is $HOME/.modelkit/models
func Models() string {
	if s := Var("MODELKIT_MODELS"); s != "" {
		return s
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}

	return filepath.Join(home, ".modelkit", "models")
}

// LogLevel returns the log level for the application.
// Values are 0 or false INFO (Default), 1 or true DEBUG, 2 TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("MODELKIT_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

// LogFormat selects the log handler, "text" (default) or "json". Configured via MODELKIT_LOG_FORMAT.
func LogFormat() string {
	switch s := strings.ToLower(Var("MODELKIT_LOG_FORMAT")); s {
	case "", "text":
		return "text"
	case "json":
		return "json"
	default:
		slog.Warn("invalid environment variable, using default", "key", "MODELKIT_LOG_FORMAT", "value", s, "default", "text")
		return "text"
	}
}

// Seed returns the seed for parameter initialization and sampling. Configured via MODELKIT_SEED.
// The second value is false when no seed is set.
func Seed() (uint64, bool) {
	s := Var("MODELKIT_SEED")
	if s == "" {
		return 0, false
	}

	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		slog.Warn("invalid environment variable, ignoring", "key", "MODELKIT_SEED", "value", s)
		return 0, false
	}

	return n, true
}

func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}

			return b
		}

		return defaultValue
	}
}

func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

var (
	// NoProgress hides progress bars. Configured via MODELKIT_NOPROGRESS.
	NoProgress = Bool("MODELKIT_NOPROGRESS")
)

func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}

		return defaultValue
	}
}

var (
	// MaxLength bounds the number of generated tokens. Configured via MODELKIT_MAX_LENGTH.
	MaxLength = Uint("MODELKIT_MAX_LENGTH", 20)
	// NumThreads sets the CPU backend thread count; zero uses every core. Configured via MODELKIT_THREADS.
	NumThreads = Uint("MODELKIT_THREADS", 0)
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	seed, _ := Seed()
	return map[string]EnvVar{
		"MODELKIT_DEBUG":      {"MODELKIT_DEBUG", LogLevel(), "Show additional debug information (e.g. MODELKIT_DEBUG=1)"},
		"MODELKIT_LOG_FORMAT": {"MODELKIT_LOG_FORMAT", LogFormat(), "Log format, text or json"},
		"MODELKIT_MAX_LENGTH": {"MODELKIT_MAX_LENGTH", MaxLength(), "Maximum number of generated tokens (default 20)"},
		"MODELKIT_MODELS":     {"MODELKIT_MODELS", Models(), "The path to the models directory"},
		"MODELKIT_NOPROGRESS": {"MODELKIT_NOPROGRESS", NoProgress(), "Do not show progress bars"},
		"MODELKIT_SEED":       {"MODELKIT_SEED", seed, "Seed for initialization and sampling"},
		"MODELKIT_THREADS":    {"MODELKIT_THREADS", NumThreads(), "Number of CPU threads (default all)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Var returns an environment variable stripped of leading and trailing quotes or spaces
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
