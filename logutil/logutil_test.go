package logutil

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTrace(t *testing.T) {
	var b bytes.Buffer
	defer slog.SetDefault(slog.Default())

	slog.SetDefault(NewLogger(&b, slog.LevelDebug, "text"))
	Trace("hidden")
	require.Empty(t, b.String())

	slog.SetDefault(NewLogger(&b, LevelTrace, "text"))
	Trace("decode step", "n", 3)

	line := b.String()
	require.Contains(t, line, "level=TRACE")
	require.Contains(t, line, "source=logutil_test.go:")
	require.Contains(t, line, "n=3")
}

func TestJSON(t *testing.T) {
	var b bytes.Buffer
	NewLogger(&b, slog.LevelInfo, "json").Info("loaded", "params", 12)

	var record map[string]any
	require.NoError(t, json.NewDecoder(strings.NewReader(b.String())).Decode(&record))
	require.Equal(t, "INFO", record["level"])
	require.Equal(t, float64(12), record["params"])
}
