// Package cli implements the reuseportd command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-reuseport/config"
	"github.com/frobware/go-reuseport/logging"
)

// CLI is the root command.
type CLI struct {
	Config     string `name:"config" help:"Config file path." default:"${default_config_path}"`
	Log        string `name:"log" help:"Log spec (e.g. 'info,udp=debug')." env:"REUSEPORT_LOG"`
	RuntimeDir string `name:"runtime-dir" help:"Runtime directory; overrides the config file." placeholder:"DIR"`

	Serve  ServeCmd  `cmd:"" help:"Receive datagrams and dispatch them to workers."`
	Scale  ScaleCmd  `cmd:"" help:"Change the replica count of a pinned dispatcher."`
	Status StatusCmd `cmd:"" help:"Show pinned dispatchers."`

	Out io.Writer `kong:"-"`
}

// KongOptions returns the parser configuration.
func KongOptions() []kong.Option {
	return []kong.Option{
		kong.Name("reuseportd"),
		kong.Description("SO_REUSEPORT UDP dispatcher."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
		kong.Vars{
			"default_config_path": config.DefaultPath,
		},
	}
}

// LoadConfig loads the config file and applies --runtime-dir.
func (c *CLI) LoadConfig(ctx context.Context) (config.Config, error) {
	cfg, err := config.Load(ctx, c.Config)
	if err != nil {
		return cfg, err
	}
	if c.RuntimeDir != "" {
		cfg.Runtime.Base = c.RuntimeDir
	}
	return cfg, cfg.Validate()
}

// Logger returns a logger for short-lived commands. They are quiet
// unless --log asks otherwise.
func (c *CLI) Logger(cfg config.Config) (*slog.Logger, error) {
	spec := c.Log
	if spec == "" {
		spec = "warn"
	}
	return c.logger(cfg, spec, os.Stderr)
}

// LoggerFromConfig returns the logger for serve, which honours the
// config file's level and logs to stdout.
func (c *CLI) LoggerFromConfig(cfg config.Config) (*slog.Logger, error) {
	return c.logger(cfg, c.Log, os.Stdout)
}

func (c *CLI) logger(cfg config.Config, cliSpec string, out io.Writer) (*slog.Logger, error) {
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Options{
		CLISpec:    cliSpec,
		ConfigSpec: cfg.Logging.Spec(),
		Format:     format,
		Output:     out,
	})
}

// WriteOut writes b to the command output. A short write is an error.
func (c *CLI) WriteOut(b []byte) error {
	out := c.Out
	if out == nil {
		out = os.Stdout
	}
	n, err := out.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return io.ErrShortWrite
	}
	return nil
}

func (c *CLI) PrintOut(s string) error {
	return c.WriteOut([]byte(s))
}

func (c *CLI) PrintOutf(format string, args ...any) error {
	return c.PrintOut(fmt.Sprintf(format, args...))
}
