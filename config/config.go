// Package config loads reuseportd configuration.
//
// Values are layered: the embedded default.toml, then the config file
// if it exists, then REUSEPORT_* environment variables. Command-line
// flags are applied last by the CLI.
package config

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/sethvargo/go-envconfig"

	"github.com/frobware/go-reuseport"
)

//go:embed default.toml
var defaultTOML string

// DefaultPath is where reuseportd looks for its config file.
const DefaultPath = "/etc/reuseport/reuseportd.toml"

// EnvPrefix prefixes every environment override.
const EnvPrefix = "REUSEPORT_"

// Mode selects where packets are steered.
type Mode string

const (
	ModeKernel    Mode = "kernel"
	ModeUserspace Mode = "userspace"
)

type Config struct {
	Runtime RuntimeConfig `toml:"runtime" env:", prefix=RUNTIME_"`
	Listen  ListenConfig  `toml:"listen" env:", prefix=LISTEN_"`
	Metrics MetricsConfig `toml:"metrics" env:", prefix=METRICS_"`
	Logging LoggingConfig `toml:"logging" env:", prefix=LOGGING_"`
}

type RuntimeConfig struct {
	Base string `toml:"base" env:"BASE, overwrite"`
}

type ListenConfig struct {
	Address       string `toml:"address" env:"ADDRESS, overwrite"`
	Mode          Mode   `toml:"mode" env:"MODE, overwrite"`
	Policy        string `toml:"policy" env:"POLICY, overwrite"`
	Workers       int    `toml:"workers" env:"WORKERS, overwrite"`
	Readers       int    `toml:"readers" env:"READERS, overwrite"`
	QueueSize     int    `toml:"queue_size" env:"QUEUE_SIZE, overwrite"`
	MaxSlots      uint32 `toml:"max_slots" env:"MAX_SLOTS, overwrite"`
	ReceiveBuffer int    `toml:"receive_buffer" env:"RECEIVE_BUFFER, overwrite"`
	MaxDatagram   int    `toml:"max_datagram" env:"MAX_DATAGRAM, overwrite"`
	Name          string `toml:"name" env:"NAME, overwrite"`
	// Netns is a network namespace path to listen in.
	Netns string `toml:"netns" env:"NETNS, overwrite"`
}

type MetricsConfig struct {
	// Address of the Prometheus endpoint. Empty disables it.
	Address string `toml:"address" env:"ADDRESS, overwrite"`
}

type LoggingConfig struct {
	// Level is a log spec such as "info,udp=debug".
	Level  string `toml:"level" env:"LEVEL, overwrite"`
	Format string `toml:"format" env:"FORMAT, overwrite"`
	// Components is merged into Level as component=level overrides.
	Components map[string]string `toml:"components"`
}

// Spec returns the effective log spec.
func (c LoggingConfig) Spec() string {
	parts := []string{c.Level}
	if c.Level == "" {
		parts[0] = "info"
	}
	for _, name := range slices.Sorted(maps.Keys(c.Components)) {
		parts = append(parts, name+"="+c.Components[name])
	}
	return strings.Join(parts, ",")
}

// Default returns the embedded defaults.
func Default() Config {
	var cfg Config
	if _, err := toml.Decode(defaultTOML, &cfg); err != nil {
		panic(fmt.Sprintf("embedded default.toml: %v", err))
	}
	return cfg
}

// Load reads path over the defaults and applies the environment. A
// missing file is not an error; a malformed one is. An empty path
// means DefaultPath.
func Load(ctx context.Context, path string) (Config, error) {
	return load(ctx, path, envconfig.OsLookuper())
}

func load(ctx context.Context, path string, env envconfig.Lookuper) (Config, error) {
	if path == "" {
		path = DefaultPath
	}
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read config: %w", err)
	default:
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("parse config %s: unknown keys %v", path, undecoded)
		}
	}

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, env),
	}); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate checks values and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	if _, err := NewRuntimeDirs(c.Runtime.Base); err != nil {
		errs = append(errs, err)
	}
	l := c.Listen
	if l.Address == "" {
		errs = append(errs, errors.New("listen.address is required"))
	}
	switch l.Mode {
	case ModeKernel, ModeUserspace:
	default:
		errs = append(errs, fmt.Errorf("listen.mode %q: want %q or %q", l.Mode, ModeKernel, ModeUserspace))
	}
	if _, err := reuseport.ParseVariant(l.Policy); err != nil {
		errs = append(errs, fmt.Errorf("listen.policy: %w", err))
	}
	if err := reuseport.CheckSlots(l.MaxSlots); err != nil {
		errs = append(errs, fmt.Errorf("listen.max_slots: %w", err))
	}
	if l.Workers < 1 || uint32(l.Workers) > l.MaxSlots {
		errs = append(errs, fmt.Errorf("listen.workers must be in [1, %d], got %d", l.MaxSlots, l.Workers))
	}
	if l.Mode == ModeUserspace && l.Readers < 1 {
		errs = append(errs, fmt.Errorf("listen.readers must be positive, got %d", l.Readers))
	}
	if l.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("listen.queue_size must be positive, got %d", l.QueueSize))
	}
	if l.MaxDatagram < 1 || l.MaxDatagram > 65535 {
		errs = append(errs, fmt.Errorf("listen.max_datagram must be in [1, 65535], got %d", l.MaxDatagram))
	}
	if l.ReceiveBuffer < 0 {
		errs = append(errs, fmt.Errorf("listen.receive_buffer cannot be negative"))
	}
	if l.Netns != "" && !filepath.IsAbs(l.Netns) {
		errs = append(errs, fmt.Errorf("listen.netns must be an absolute path, got %q", l.Netns))
	}
	if l.Name != "" {
		if err := checkName(l.Name); err != nil {
			errs = append(errs, fmt.Errorf("listen.name: %w", err))
		}
	}
	return errors.Join(errs...)
}

// RuntimeDirs returns the configured runtime layout.
func (c *Config) RuntimeDirs() (RuntimeDirs, error) {
	return NewRuntimeDirs(c.Runtime.Base)
}

// Variant returns the parsed listen policy.
func (c *Config) Variant() (reuseport.Variant, error) {
	return reuseport.ParseVariant(c.Listen.Policy)
}
