package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-reuseport/logging"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    logging.Level
		wantErr bool
	}{
		{"trace", logging.LevelTrace, false},
		{"DEBUG", logging.LevelDebug, false},
		{" info ", logging.LevelInfo, false},
		{"warning", logging.LevelWarn, false},
		{"err", logging.LevelError, false},
		{"loud", logging.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := logging.ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "Level(3)", logging.Level(3).String())
}

func TestParseSpec(t *testing.T) {
	spec, err := logging.ParseSpec("warn, kernel=debug ,udp=trace")
	require.NoError(t, err)
	assert.Equal(t, logging.LevelWarn, spec.BaseLevel)
	assert.Equal(t, logging.LevelDebug, spec.LevelFor("kernel"))
	assert.Equal(t, logging.LevelTrace, spec.LevelFor("udp"))
	assert.Equal(t, logging.LevelWarn, spec.LevelFor("controlplane"))
	assert.Equal(t, "warn,kernel=debug,udp=trace", spec.String())

	spec, err = logging.ParseSpec("")
	require.NoError(t, err)
	assert.Equal(t, logging.LevelInfo, spec.BaseLevel)
	assert.Empty(t, spec.Components)

	spec, err = logging.ParseSpec("udp=debug")
	require.NoError(t, err)
	assert.Equal(t, logging.LevelInfo, spec.BaseLevel)

	for _, bad := range []string{"udp=debug,warn", "=debug", "udp=loud", "loud"} {
		_, err := logging.ParseSpec(bad)
		assert.Error(t, err, bad)
	}
}

func TestFilteringHandler(t *testing.T) {
	spec, err := logging.ParseSpec("warn,kernel=debug")
	require.NoError(t, err)

	var buf bytes.Buffer
	inner := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: logging.LevelTrace.ToSlog()})
	logger := slog.New(logging.NewFilteringHandler(inner, &spec))
	ctx := context.Background()

	assert.False(t, logger.Enabled(ctx, slog.LevelInfo))
	assert.True(t, logger.Enabled(ctx, slog.LevelWarn))

	kernel := logger.With("component", "kernel")
	assert.True(t, kernel.Enabled(ctx, slog.LevelDebug))
	assert.False(t, kernel.Enabled(ctx, logging.LevelTrace.ToSlog()))

	kernel.Debug("program loaded", "insns", 20)
	logger.Info("dropped")
	kernel.WithGroup("map").Debug("pinned", "name", "sockets")

	out := buf.String()
	assert.Contains(t, out, "program loaded")
	assert.Contains(t, out, "map.name=sockets")
	assert.NotContains(t, out, "dropped")

	// A later component attribute wins.
	udp := kernel.With("component", "udp")
	assert.False(t, udp.Enabled(ctx, slog.LevelDebug))
}

func TestNew_Precedence(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{
		CLISpec:    "debug",
		EnvSpec:    "error",
		ConfigSpec: "warn",
		Format:     logging.FormatJSON,
		Output:     &buf,
	})
	require.NoError(t, err)

	logger.Debug("hello", "component", "udp")
	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "hello", rec["msg"])
	assert.Equal(t, "DEBUG", rec["level"])

	buf.Reset()
	logger, err = logging.New(logging.Options{EnvSpec: "error", ConfigSpec: "debug", Output: &buf})
	require.NoError(t, err)
	logger.Warn("quiet")
	assert.Empty(t, buf.String())

	_, err = logging.New(logging.Options{CLISpec: "nope"})
	assert.Error(t, err)
}

func TestFromEnv(t *testing.T) {
	t.Setenv(logging.EnvVar, "error")
	logger, err := logging.FromEnv()
	require.NoError(t, err)
	assert.False(t, logger.Enabled(context.Background(), slog.LevelWarn))

	t.Setenv(logging.EnvVar, "bogus")
	_, err = logging.FromEnv()
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]logging.Format{"": logging.FormatText, "TEXT": logging.FormatText, "json": logging.FormatJSON} {
		got, err := logging.ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := logging.ParseFormat("xml")
	assert.True(t, err != nil && strings.Contains(err.Error(), "xml"))
}
