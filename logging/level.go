// Package logging builds the slog loggers used across reuseport. A
// logger is configured from a spec string such as "info,kernel=debug"
// that sets a base level and per-component overrides, where the
// component is the value of the "component" attribute.
package logging

import (
	"fmt"
	"log/slog"
	"strings"
)

// Level extends slog levels with trace.
type Level int

const (
	LevelTrace Level = -8
	LevelDebug       = Level(slog.LevelDebug)
	LevelInfo        = Level(slog.LevelInfo)
	LevelWarn        = Level(slog.LevelWarn)
	LevelError       = Level(slog.LevelError)
)

var levelNames = map[string]Level{
	"trace":   LevelTrace,
	"debug":   LevelDebug,
	"info":    LevelInfo,
	"warn":    LevelWarn,
	"warning": LevelWarn,
	"error":   LevelError,
	"err":     LevelError,
}

// ParseLevel parses a level name, ignoring case.
func ParseLevel(s string) (Level, error) {
	if l, ok := levelNames[strings.ToLower(strings.TrimSpace(s))]; ok {
		return l, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// ToSlog converts l to a slog.Level.
func (l Level) ToSlog() slog.Level { return slog.Level(l) }

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}
