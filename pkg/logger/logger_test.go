package logger

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestInit_WritesJSONFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() {
		Close()
		slog.SetDefault(prev)
	})
	dir := filepath.Join(t.TempDir(), "logs")

	l, err := Init(Options{Level: "warn", Format: "json", Dir: dir, Name: "etl", Overwrite: true})
	require.NoError(t, err)
	l.Info("hidden")
	slog.Warn("Stage retry scheduled", "stage", "extract")
	Close()

	data, err := os.ReadFile(filepath.Join(dir, "etl.log"))
	require.NoError(t, err)
	var line map[string]any
	require.NoError(t, json.Unmarshal(data, &line))
	assert.Equal(t, "Stage retry scheduled", line["msg"])
	assert.Equal(t, "extract", line["stage"])
}

func TestInit_RejectsUnknownFormat(t *testing.T) {
	_, err := Init(Options{Format: "xml"})
	assert.Error(t, err)
}
