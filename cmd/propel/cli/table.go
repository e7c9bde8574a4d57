package cli

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/frobware/go-propel/config"
	"github.com/frobware/go-propel/interpreter"
	"github.com/frobware/go-propel/interpreter/shm"
)

// TableCmd operates on the host-wide tracing table.
type TableCmd struct {
	Get    TableGetCmd    `cmd:"" help:"Print the start-tracing flag of a pid."`
	Set    TableSetCmd    `cmd:"" help:"Set the start-tracing flag of a pid."`
	List   TableListCmd   `cmd:"" help:"List pids whose flag is set."`
	Remove TableRemoveCmd `cmd:"" help:"Mark the table for removal."`
}

func attachTable(cfg config.Config, logger *slog.Logger) (*shm.SysV, error) {
	table, err := shm.Attach(cfg.IPC.ShmKey, cfg.IPC.ShmSize, shm.DefaultMode, logger)
	if err != nil {
		return nil, fmt.Errorf("attach tracing table: %w", err)
	}
	return table, nil
}

// withTable runs fn with the configured table attached.
func (c *CLI) withTable(fn func(interpreter.TracingTable) error) error {
	cfg, err := c.LoadConfig()
	if err != nil {
		return err
	}
	logger, err := c.Logger()
	if err != nil {
		return err
	}
	table, err := attachTable(cfg, logger)
	if err != nil {
		return err
	}
	defer table.Detach()
	return fn(table)
}

// TableGetCmd prints one slot.
type TableGetCmd struct {
	PID PID `arg:"" help:"Process ID."`
}

// Run executes the table get command.
func (c *TableGetCmd) Run(cli *CLI) error {
	return cli.withTable(func(t interpreter.TracingTable) error {
		if c.PID.Value >= t.Size() {
			return fmt.Errorf("pid %d outside table of %d slots", c.PID.Value, t.Size())
		}
		return cli.PrintOutf("%d\n", t.Get(c.PID.Value))
	})
}

// TableSetCmd writes one slot.
type TableSetCmd struct {
	PID   PID     `arg:"" help:"Process ID."`
	Value HexByte `arg:"" help:"Flag value (0 clears)." default:"1"`
}

// Run executes the table set command.
func (c *TableSetCmd) Run(cli *CLI) error {
	return cli.withTable(func(t interpreter.TracingTable) error {
		return t.Set(c.PID.Value, c.Value.Value)
	})
}

// TableListCmd lists the non-zero slots.
type TableListCmd struct{}

// Run executes the table list command.
func (c *TableListCmd) Run(cli *CLI) error {
	return cli.withTable(func(t interpreter.TracingTable) error {
		out := FormatTable(t)
		if out == "" {
			return cli.PrintOut("No flags set\n")
		}
		return cli.PrintOut(out)
	})
}

// FormatTable renders the set slots of t as "PID FLAG" lines.
func FormatTable(t interpreter.TracingTable) string {
	var b strings.Builder
	for pid := range t.Size() {
		if v := t.Get(pid); v != 0 {
			fmt.Fprintf(&b, "%d\t%d\n", pid, v)
		}
	}
	if b.Len() == 0 {
		return ""
	}
	return "PID\tFLAG\n" + b.String()
}

// TableRemoveCmd removes the segment once every process detached.
type TableRemoveCmd struct{}

// Run executes the table remove command.
func (c *TableRemoveCmd) Run(cli *CLI) error {
	cfg, err := cli.LoadConfig()
	if err != nil {
		return err
	}
	if err := shm.Remove(cfg.IPC.ShmKey); err != nil {
		return err
	}
	return cli.PrintOutf("Removed tracing table (key %d)\n", cfg.IPC.ShmKey)
}
