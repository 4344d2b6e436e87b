package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zoff-tech/bookfinder/pkg/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" WARN ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for raw, want := range tests {
		assert.Equal(t, want, parseLevel(raw), raw)
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(&buf, config.LogSettings{Level: "warn", Format: "json"})

	l.Info("dropped")
	l.Warn("kept", slog.String("slug", "dune-frank-herbert"))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "kept", rec["msg"])
	assert.Equal(t, "dune-frank-herbert", rec["slug"])
}

func TestNewLogger_TextAndHuman(t *testing.T) {
	var text bytes.Buffer
	newLogger(&text, config.LogSettings{Level: "info", Format: "text"}).Info("hello")
	assert.Contains(t, text.String(), "msg=hello")

	var human bytes.Buffer
	newLogger(&human, config.LogSettings{Level: "info", Format: "human"}).Info("hello")
	assert.Contains(t, human.String(), "hello")
}

func TestRootCommand_RegistersSubcommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "relay", "search", "migrate"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestSearchCommand_RequiresQuery(t *testing.T) {
	assert.Error(t, searchCmd.Args(searchCmd, nil))
	assert.NoError(t, searchCmd.Args(searchCmd, []string{"dune"}))
}
