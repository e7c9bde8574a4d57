package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/interpreter/injector"
)

// InjectCmd loads the agent into a process by hand, the way the IPC
// worker does when it finds a peer.
type InjectCmd struct {
	PID      PID           `arg:"" help:"Target process ID."`
	Agent    string        `arg:"" help:"Path of the agent shared object." type:"existingfile"`
	Injector string        `help:"Injector executable (default from config)."`
	Timeout  time.Duration `help:"Bound on the injector run (default from config)."`
	Greenlit bool          `help:"Also set the target's start-tracing flag."`
}

// Run executes the inject command.
func (c *InjectCmd) Run(cli *CLI, ctx context.Context) error {
	cfg, err := cli.LoadConfig()
	if err != nil {
		return err
	}
	logger, err := cli.Logger()
	if err != nil {
		return err
	}
	dirs, err := cfg.RuntimeDirs()
	if err != nil {
		return err
	}

	path := c.Injector
	if path == "" {
		path = cfg.IPC.Injector
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = cfg.IPC.InjectTimeout
	}

	factory := injector.New(path, dirs.LockDir(),
		injector.WithTimeout(timeout),
		injector.WithLogger(logger))
	if err := factory.Create(c.PID.Value).Inject(ctx, c.Agent); err != nil {
		return err
	}

	if cfg.Journal.Enabled {
		if j, err := cli.OpenJournal(ctx); err != nil {
			logger.Warn("journal unavailable", "error", err)
		} else {
			defer j.Close()
			rec := propel.InjectionRecord{
				LocalPid:  os.Getpid(),
				RemotePid: c.PID.Value,
				FD:        -1,
				Agent:     c.Agent,
			}
			if err := j.SaveInjection(ctx, rec); err != nil {
				logger.Warn("failed to journal injection", "error", err)
			}
		}
	}

	if c.Greenlit {
		table, err := attachTable(cfg, logger)
		if err != nil {
			return err
		}
		defer table.Detach()
		if err := table.Set(c.PID.Value, 1); err != nil {
			return fmt.Errorf("greenlight pid %d: %w", c.PID.Value, err)
		}
	}
	return cli.PrintOutf("Injected %s into pid %d\n", c.Agent, c.PID.Value)
}
