package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	// EnvSpec names the environment variable holding the log spec.
	EnvSpec = "SP_LOG"
	// EnvFormat names the environment variable selecting text or json.
	EnvFormat = "SP_LOG_FORMAT"
)

// Format is the log output format.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat parses "text" or "json". The empty string is text.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %q", s)
	}
}

// Options configures New.
type Options struct {
	// CLISpec comes from a command line flag and wins over the others.
	CLISpec string
	// EnvSpec comes from SP_LOG.
	EnvSpec string
	// ConfigSpec comes from the configuration file.
	ConfigSpec string
	Format     Format
	// Output defaults to os.Stderr: the agent shares stdout with the
	// program it instruments.
	Output io.Writer
	// Pid adds the process id to every record. Instrumented processes
	// usually share one stderr.
	Pid bool
}

// New returns a logger filtering by component. The first non-empty of
// CLISpec, EnvSpec and ConfigSpec is used.
func New(opts Options) (*slog.Logger, error) {
	var specStr string
	switch {
	case opts.CLISpec != "":
		specStr = opts.CLISpec
	case opts.EnvSpec != "":
		specStr = opts.EnvSpec
	case opts.ConfigSpec != "":
		specStr = opts.ConfigSpec
	}

	spec, err := ParseSpec(specStr)
	if err != nil {
		return nil, fmt.Errorf("invalid log spec: %w", err)
	}

	output := opts.Output
	if output == nil {
		output = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{
		Level:       LevelTrace.ToSlog(),
		ReplaceAttr: ReplaceLevel,
	}
	var inner slog.Handler
	switch opts.Format {
	case FormatJSON:
		inner = slog.NewJSONHandler(output, handlerOpts)
	default:
		inner = slog.NewTextHandler(output, handlerOpts)
	}

	logger := slog.New(NewFilteringHandler(inner, &spec))
	if opts.Pid {
		logger = logger.With("pid", os.Getpid())
	}
	return logger, nil
}

// Default returns a warn-level text logger on stderr.
func Default() *slog.Logger {
	logger, _ := New(Options{})
	return logger
}

// FromEnv builds the agent logger from SP_LOG and SP_LOG_FORMAT, with
// configSpec and configFormat as fallbacks. Records carry the pid.
func FromEnv(configSpec, configFormat string) (*slog.Logger, error) {
	formatStr := os.Getenv(EnvFormat)
	if formatStr == "" {
		formatStr = configFormat
	}
	format, err := ParseFormat(formatStr)
	if err != nil {
		return nil, err
	}
	return New(Options{
		EnvSpec:    os.Getenv(EnvSpec),
		ConfigSpec: configSpec,
		Format:     format,
		Pid:        true,
	})
}
