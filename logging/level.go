// Package logging configures the agent's structured logger.
//
// Every component logs through one slog.Logger carrying a "component"
// attribute (agent, parser, worker, ipc, ...). A log spec such as
// "warn,worker=debug,ipc=trace" sets a base level and per-component
// overrides.
package logging

import (
	"fmt"
	"log/slog"
	"strings"
)

// Level is a log level. It extends slog's levels with LevelTrace for
// instruction dumps and per-descriptor noise.
type Level int

const (
	LevelTrace Level = -8
	LevelDebug Level = -4
	LevelInfo  Level = 0
	LevelWarn  Level = 4
	LevelError Level = 8
)

// ParseLevel parses trace, debug, info, warn or error, ignoring case.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error", "err":
		return LevelError, nil
	default:
		return LevelWarn, fmt.Errorf("unknown log level: %q", s)
	}
}

func (l Level) ToSlog() slog.Level {
	return slog.Level(l)
}

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
	default:
		return fmt.Sprintf("Level(%d)", l)
	}
}

// ReplaceLevel is a slog ReplaceAttr function that prints levels with
// the names ParseLevel accepts, so trace records show as TRACE rather
// than DEBUG-4.
func ReplaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) != 0 {
		return a
	}
	lvl, ok := a.Value.Any().(slog.Level)
	if !ok {
		return a
	}
	switch Level(lvl) {
	case LevelTrace, LevelDebug, LevelInfo, LevelWarn, LevelError:
		return slog.String(slog.LevelKey, strings.ToUpper(Level(lvl).String()))
	}
	return a
}
