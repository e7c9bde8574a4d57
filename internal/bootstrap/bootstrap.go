// Package bootstrap turns the agent configuration into a running
// agent for the propel-agent shared object.
package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/agent"
	"github.com/frobware/go-propel/config"
	"github.com/frobware/go-propel/event"
	"github.com/frobware/go-propel/interpreter/store/sqlite"
	"github.com/frobware/go-propel/logging"
)

// LoadConfig reads the config file and environment. A broken config
// file leaves the process uninstrumented rather than killing it.
func LoadConfig() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load("")
	if err != nil {
		return config.Config{}, logging.Default(), err
	}
	cfg.ApplyEnv(os.LookupEnv)

	logger, err := logging.FromEnv(cfg.Logging.ToSpec(), cfg.Logging.Format)
	if err != nil {
		return config.Config{}, logging.Default(), err
	}
	return cfg, logger, nil
}

// Configure creates an agent set up from cfg. The returned delayed
// event is non-nil when instrumentation is postponed.
func Configure(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...agent.Option) (*agent.Agent, *event.Delayed, error) {
	dirs, err := cfg.RuntimeDirs()
	if err != nil {
		return nil, nil, err
	}
	base := []agent.Option{
		agent.WithLogger(logger),
		agent.WithIPCConfig(cfg.IPC),
		agent.WithTrapConfig(cfg.Trap),
		agent.WithRuntimeDirs(dirs),
	}

	if cfg.Journal.Enabled {
		path, err := cfg.JournalPath()
		if err != nil {
			return nil, nil, err
		}
		j, err := sqlite.New(ctx, path, logger)
		if err != nil {
			logger.Warn("journal unavailable, patches are not recorded", "path", path, "error", err)
		} else {
			base = append(base, agent.WithJournal(j))
		}
	}

	a := agent.Create(append(base, opts...)...)
	a.SetInitEntry(cfg.Agent.Entry)
	a.SetInitExit(cfg.Agent.Exit)
	a.EnableParseOnly(cfg.Agent.ParseOnly)
	a.EnableDirectcallOnly(cfg.Agent.DirectcallOnly)
	a.EnableTrapOnly(cfg.Agent.TrapOnly)
	a.EnableIPC(cfg.IPC.Enabled)
	a.SetLibrariesToInstrument(cfg.Agent.Libraries)
	a.SetFuncsNotToInstrument(cfg.Agent.SkipFunctions)
	a.SetIllegalPrograms(cfg.Agent.IllegalPrograms)

	var delayed *event.Delayed
	if cfg.Agent.Delay > 0 {
		delayed = event.NewDelayed(cfg.Agent.Delay)
		a.SetInitEvent(delayed)
	}
	return a, delayed, nil
}

// Start runs the agent and reports whether the process must abort.
func Start(ctx context.Context, a *agent.Agent, logger *slog.Logger) bool {
	err := a.Go(ctx)
	if err == nil || errors.Is(err, agent.ErrStarted) {
		return false
	}
	return Failed(logger, "instrumentation", err)
}

// Failed logs err and reports whether it is fatal.
func Failed(logger *slog.Logger, what string, err error) bool {
	var fe *propel.FatalError
	if errors.As(err, &fe) {
		logger.Error(what+" left the process in an unknown state, aborting",
			"op", fe.Op, "addr", fe.Addr, "error", fe.Err)
		return true
	}
	logger.Warn(what+" failed", "error", err)
	return false
}
