// ABOUTME: Tests for coven-localstore command helpers
// ABOUTME: Default config round trip, logger selection and output formatting

package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-localstore/internal/config"
	"github.com/2389/coven-localstore/internal/model"
)

func TestWriteDefaultConfig_LoadsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "localstore.yaml")
	require.NoError(t, writeDefaultConfig(path, false))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "localstore.db", cfg.Database.Path)
	assert.Equal(t, uint64(512<<20), cfg.Cache.MaxSize)
	assert.Equal(t, int64(4), cfg.Pipeline.MaxConcurrent)
}

func TestWriteDefaultConfig_KeepsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "localstore.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  path: mine.db\n"), 0o600))

	require.NoError(t, writeDefaultConfig(path, false))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "mine.db")

	require.NoError(t, writeDefaultConfig(path, true))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "localstore.db")
}

func TestSetupLogger(t *testing.T) {
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "text"})
	_, ok := logger.Handler().(*colorHandler)
	assert.True(t, ok)
	assert.False(t, logger.Enabled(t.Context(), slog.LevelInfo))
	assert.True(t, logger.Enabled(t.Context(), slog.LevelError))

	logger = setupLogger(config.LoggingConfig{Level: "debug", Format: "json"})
	_, ok = logger.Handler().(*slog.JSONHandler)
	assert.True(t, ok)
	assert.True(t, logger.Enabled(t.Context(), slog.LevelDebug))
}

func TestColorHandler_DerivedHandlersShareLock(t *testing.T) {
	h := &colorHandler{state: &handlerState{}, level: slog.LevelInfo}
	derived := h.WithAttrs([]slog.Attr{slog.String("component", "ingest")}).WithGroup("batch").(*colorHandler)

	assert.Same(t, h.state, derived.state)
	assert.Equal(t, []string{"batch"}, derived.groups)
	require.Len(t, derived.attrs, 1)
	assert.Equal(t, "component", derived.attrs[0].Key)
	assert.Same(t, derived, derived.WithGroup(""))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "one two", truncate("one\ntwo", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
	assert.Equal(t, "héll…", truncate("héllo wörld", 5))
}

func TestAssetLine(t *testing.T) {
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = false })

	line := assetLine(model.AssetState{
		Role:       model.RoleImage,
		Stage:      model.NotDownloaded,
		Size:       2048,
		Generation: 3,
		Failure:    &model.Failure{Reason: "timeout"},
	})
	assert.Equal(t, "image not_downloaded gen=3 2.0 KiB failed: timeout", line)

	line = assetLine(model.AssetState{Role: model.RoleUpload, Stage: model.Uploaded, Generation: 1, Target: "remote-1"})
	assert.Equal(t, "upload uploaded gen=1 target=remote-1", line)
}

func TestMimeTypeOf(t *testing.T) {
	assert.Equal(t, "application/pdf", mimeTypeOf("report.pdf", nil))
	assert.Equal(t, "text/plain; charset=utf-8", mimeTypeOf("notes", []byte("plain words")))
}
