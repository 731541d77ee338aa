package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// EnvVar names the environment variable holding a log spec.
const EnvVar = "REUSEPORT_LOG"

// Format is the log output format.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat parses "text" or "json". Empty means text.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return f, nil
	}
	return FormatText, fmt.Errorf("unknown log format %q", s)
}

// Options configures New.
type Options struct {
	// Spec sources, highest precedence first.
	CLISpec    string
	EnvSpec    string
	ConfigSpec string

	Format Format
	// Output defaults to os.Stderr.
	Output io.Writer
}

// New returns a logger filtered by the first non-empty spec in
// opts.
func New(opts Options) (*slog.Logger, error) {
	var specStr string
	for _, s := range []string{opts.CLISpec, opts.EnvSpec, opts.ConfigSpec} {
		if s != "" {
			specStr = s
			break
		}
	}
	spec, err := ParseSpec(specStr)
	if err != nil {
		return nil, fmt.Errorf("invalid log spec: %w", err)
	}

	out := opts.Output
	if out == nil {
		out = os.Stderr
	}
	// The filtering handler decides; the inner handler accepts all.
	ho := &slog.HandlerOptions{Level: LevelTrace.ToSlog()}
	var inner slog.Handler
	if opts.Format == FormatJSON {
		inner = slog.NewJSONHandler(out, ho)
	} else {
		inner = slog.NewTextHandler(out, ho)
	}
	return slog.New(NewFilteringHandler(inner, &spec)), nil
}

// FromEnv returns a text logger configured from REUSEPORT_LOG.
func FromEnv() (*slog.Logger, error) {
	return New(Options{EnvSpec: os.Getenv(EnvVar)})
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
