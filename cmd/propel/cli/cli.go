// Package cli provides the Kong-based command-line interface for
// propel, the operator tool for the instrumentation agent.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"reflect"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-propel/config"
	"github.com/frobware/go-propel/interpreter/store/sqlite"
	"github.com/frobware/go-propel/logging"
)

// CLI is the root command structure for propel.
type CLI struct {
	Config string `name:"config" help:"Config file path." default:"${default_config_path}" env:"SP_CONFIG"`
	Log    string `name:"log" help:"Log spec (e.g., 'info,injector=debug')." env:"SP_LOG"`

	Inject  InjectCmd  `cmd:"" help:"Inject the agent into a running process."`
	Journal JournalCmd `cmd:"" help:"Inspect or prune the instrumentation journal."`
	Table   TableCmd   `cmd:"" help:"Inspect or change the shared tracing table."`
	Disasm  DisasmCmd  `cmd:"" help:"Disassemble a function of an ELF file."`
	Setup   SetupCmd   `cmd:"" help:"Create the runtime directories."`
	Show    ShowCmd    `cmd:"" name:"show-config" help:"Print the effective configuration."`

	// Out receives command output. Nil means stdout.
	Out io.Writer `kong:"-"`
}

// KongOptions returns the Kong configuration options for the CLI.
func KongOptions() []kong.Option {
	return []kong.Option{
		kong.Name("propel"),
		kong.Description("Operator tool for the self-propelled instrumentation agent."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.TypeMapper(reflect.TypeOf(PID{}), pidMapper()),
		kong.TypeMapper(reflect.TypeOf(HexByte{}), hexByteMapper()),
		kong.Vars{
			"default_config_path": config.DefaultConfigPath,
		},
	}
}

// Parse parses args into a new CLI.
func Parse(args []string, opts ...kong.Option) (*CLI, *kong.Context, error) {
	var c CLI
	parser, err := kong.New(&c, append(KongOptions(), opts...)...)
	if err != nil {
		return nil, nil, fmt.Errorf("create parser: %w", err)
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return nil, nil, err
	}
	return &c, kctx, nil
}

// LoadConfig loads the configuration from the config file path and
// applies the environment.
func (c *CLI) LoadConfig() (config.Config, error) {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return config.Config{}, err
	}
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, nil
}

// Logger creates a logger for CLI commands. CLI commands default to
// WARN unless --log is given.
func (c *CLI) Logger() (*slog.Logger, error) {
	cfg, err := c.LoadConfig()
	if err != nil {
		return nil, err
	}

	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}

	spec := c.Log
	if spec == "" {
		spec = "warn"
	}

	return logging.New(logging.Options{
		CLISpec:    spec,
		ConfigSpec: cfg.Logging.ToSpec(),
		Format:     format,
		Output:     os.Stderr,
	})
}

// RuntimeDirs returns the runtime directories from the config.
func (c *CLI) RuntimeDirs() (config.RuntimeDirs, error) {
	cfg, err := c.LoadConfig()
	if err != nil {
		return config.RuntimeDirs{}, err
	}
	return cfg.RuntimeDirs()
}

// OpenJournal opens the journal database named by the config.
func (c *CLI) OpenJournal(ctx context.Context) (*sqlite.Journal, error) {
	cfg, err := c.LoadConfig()
	if err != nil {
		return nil, err
	}
	logger, err := c.Logger()
	if err != nil {
		return nil, err
	}
	path, err := cfg.JournalPath()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("journal %s: %w", path, err)
	}
	return sqlite.New(ctx, path, logger)
}

func (c *CLI) out() io.Writer {
	if c.Out == nil {
		return os.Stdout
	}
	return c.Out
}

// PrintOut writes s to the command output.
func (c *CLI) PrintOut(s string) error {
	_, err := io.WriteString(c.out(), s)
	return err
}

// PrintOutf formats to the command output.
func (c *CLI) PrintOutf(format string, args ...any) error {
	_, err := fmt.Fprintf(c.out(), format, args...)
	return err
}
