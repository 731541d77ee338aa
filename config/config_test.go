package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-reuseport"
	"github.com/frobware/go-reuseport/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "reuseportd.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, config.DefaultRuntimeBase, cfg.Runtime.Base)
	assert.Equal(t, config.ModeKernel, cfg.Listen.Mode)
	assert.Equal(t, 4, cfg.Listen.Workers)
	assert.Equal(t, uint32(reuseport.MaxSlots), cfg.Listen.MaxSlots)

	v, err := cfg.Variant()
	require.NoError(t, err)
	assert.Equal(t, reuseport.VariantRoundRobin, v)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.LoadWithEnv(context.Background(), filepath.Join(t.TempDir(), "nope.toml"), nil)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
}

func TestLoad_FileOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
[listen]
mode = "userspace"
policy = "random"
readers = 2

[logging]
level = "warn"
components = { udp = "debug", kernel = "trace" }
`)
	cfg, err := config.LoadWithEnv(context.Background(), path, nil)
	require.NoError(t, err)
	assert.Equal(t, config.ModeUserspace, cfg.Listen.Mode)
	assert.Equal(t, 2, cfg.Listen.Readers)
	assert.Equal(t, 4, cfg.Listen.Workers, "unset keys keep their default")
	assert.Equal(t, "0.0.0.0:2055", cfg.Listen.Address)
	assert.Equal(t, "warn,kernel=trace,udp=debug", cfg.Logging.Spec())
}

func TestLoad_EnvironmentWins(t *testing.T) {
	path := writeConfig(t, "[listen]\nworkers = 2\n")
	cfg, err := config.LoadWithEnv(context.Background(), path, map[string]string{
		"REUSEPORT_LISTEN_WORKERS": "8",
		"REUSEPORT_LISTEN_POLICY":  "random",
		"REUSEPORT_RUNTIME_BASE":   "/run/reuseport-test",
	})
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Listen.Workers)
	assert.Equal(t, "random", cfg.Listen.Policy)
	assert.Equal(t, "/run/reuseport-test", cfg.Runtime.Base)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
	}{
		{name: "malformed", content: "[listen\n"},
		{name: "unknown key", content: "[listen]\nworker = 3\n"},
		{name: "bad mode", content: "[listen]\nmode = \"xdp\"\n"},
		{name: "bad policy", content: "[listen]\npolicy = \"least-conn\"\n"},
		{name: "too many workers", content: "[listen]\nmax_slots = 2\nworkers = 3\n"},
		{name: "relative base", content: "[runtime]\nbase = \"run\"\n"},
		{name: "bad name", content: "[listen]\nname = \"a/b\"\n"},
		{name: "relative netns", content: "[listen]\nnetns = \"flows\"\n"},
		{name: "bad env", content: "", env: map[string]string{"REUSEPORT_LISTEN_WORKERS": "many"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.LoadWithEnv(context.Background(), writeConfig(t, tt.content), tt.env)
			assert.Error(t, err)
		})
	}
}

func TestLoggingConfig_Spec(t *testing.T) {
	assert.Equal(t, "info", config.LoggingConfig{}.Spec())
	assert.Equal(t, "info,udp=debug", config.LoggingConfig{Components: map[string]string{"udp": "debug"}}.Spec())
	assert.Equal(t, "debug", config.LoggingConfig{Level: "debug"}.Spec())
}

func TestRuntimeDirs(t *testing.T) {
	dirs, err := config.NewRuntimeDirs("/run/reuseport/")
	require.NoError(t, err)
	assert.Equal(t, "/run/reuseport", dirs.Base())
	assert.Equal(t, "/run/reuseport/fs", dirs.FS())
	assert.Equal(t, "/run/reuseport/.lock", dirs.Lock())

	pin, err := dirs.PinDir("flows")
	require.NoError(t, err)
	assert.Equal(t, "/run/reuseport/fs/flows", pin)

	for _, bad := range []string{"", ".", "..", "a/b"} {
		_, err := dirs.PinDir(bad)
		assert.Error(t, err, bad)
	}

	_, err = config.NewRuntimeDirs("")
	assert.Error(t, err)
	_, err = config.NewRuntimeDirs("relative")
	assert.Error(t, err)

	assert.Equal(t, config.DefaultRuntimeBase, config.DefaultRuntimeDirs().Base())
}
