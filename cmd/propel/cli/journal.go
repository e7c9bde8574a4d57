package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/prometheus/procfs"

	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/compute"
	"github.com/frobware/go-propel/interpreter"
)

// JournalCmd inspects the instrumentation journal.
type JournalCmd struct {
	Patches    JournalPatchesCmd    `cmd:"" default:"withargs" help:"List recorded patches."`
	Injections JournalInjectionsCmd `cmd:"" help:"List recorded injections."`
	Prune      JournalPruneCmd      `cmd:"" help:"Remove the records of a process."`
	GC         JournalGCCmd         `cmd:"" name:"gc" help:"Remove the records of exited processes."`
}

// OutputFlags provides output formatting flags.
type OutputFlags struct {
	Output string `short:"o" help:"Output format: table, json." default:"table" enum:"table,json"`
}

// JournalPatchesCmd lists patches.
type JournalPatchesCmd struct {
	OutputFlags
	PID *PID `name:"pid" help:"Only patches in this process."`
}

// Run executes the journal patches command.
func (c *JournalPatchesCmd) Run(cli *CLI, ctx context.Context) error {
	j, err := cli.OpenJournal(ctx)
	if err != nil {
		return err
	}
	defer j.Close()

	patches, err := j.ListPatches(ctx)
	if err != nil {
		return err
	}
	if c.PID != nil {
		patches = compute.PatchesOf(patches, c.PID.Value)
	}
	if len(patches) == 0 {
		return cli.PrintOut("No patches recorded\n")
	}
	out, err := FormatPatches(patches, c.Output)
	if err != nil {
		return err
	}
	return cli.PrintOut(out)
}

// JournalInjectionsCmd lists injections.
type JournalInjectionsCmd struct {
	OutputFlags
}

// Run executes the journal injections command.
func (c *JournalInjectionsCmd) Run(cli *CLI, ctx context.Context) error {
	j, err := cli.OpenJournal(ctx)
	if err != nil {
		return err
	}
	defer j.Close()

	injections, err := j.ListInjections(ctx)
	if err != nil {
		return err
	}
	if len(injections) == 0 {
		return cli.PrintOut("No injections recorded\n")
	}
	out, err := FormatInjections(injections, c.Output)
	if err != nil {
		return err
	}
	return cli.PrintOut(out)
}

// JournalPruneCmd drops the records of an exited process.
type JournalPruneCmd struct {
	PID PID `arg:"" help:"Process ID."`
}

// Run executes the journal prune command.
func (c *JournalPruneCmd) Run(cli *CLI, ctx context.Context) error {
	j, err := cli.OpenJournal(ctx)
	if err != nil {
		return err
	}
	defer j.Close()

	res, err := j.Prune(ctx, c.PID.Value)
	if err != nil {
		return err
	}
	return cli.PrintOutf("Pruned %d patches and %d injections of pid %d\n", res.Patches, res.Injections, c.PID.Value)
}

// JournalGCCmd drops the records of every process that has exited.
type JournalGCCmd struct {
	Prune bool `help:"Actually delete (default: dry-run)."`
}

// Run executes the journal gc command.
func (c *JournalGCCmd) Run(cli *CLI, ctx context.Context) error {
	j, err := cli.OpenJournal(ctx)
	if err != nil {
		return err
	}
	defer j.Close()

	patches, err := j.ListPatches(ctx)
	if err != nil {
		return err
	}
	injections, err := j.ListInjections(ctx)
	if err != nil {
		return err
	}
	alive, err := processAlive()
	if err != nil {
		return err
	}

	stale := compute.StalePids(patches, injections, alive)
	if len(stale) == 0 {
		return cli.PrintOut("Nothing to clean up.\n")
	}
	for _, pid := range stale {
		if err := cli.PrintOutf("pid %d: %d patches, %d injections\n", pid,
			len(compute.PatchesOf(patches, pid)), len(compute.InjectionsInvolving(injections, pid))); err != nil {
			return err
		}
	}
	if !c.Prune {
		return cli.PrintOut("Dry run, use --prune to delete.\n")
	}

	exec := interpreter.NewExecutor(nil, j)
	if err := exec.ExecuteAll(ctx, compute.ReconcileActions(patches, alive)); err != nil {
		return fmt.Errorf("delete stale patches: %w", err)
	}
	for _, pid := range stale {
		if _, err := j.Prune(ctx, pid); err != nil {
			return err
		}
	}
	return cli.PrintOutf("Removed the records of %d processes\n", len(stale))
}

// processAlive reports whether a pid exists in /proc.
func processAlive() (func(int) bool, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open /proc: %w", err)
	}
	return func(pid int) bool {
		_, err := fs.Proc(pid)
		return err == nil
	}, nil
}

func formatJSON(v any) (string, error) {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal result: %w", err)
	}
	return string(output) + "\n", nil
}

// FormatPatches renders patch records as a table or JSON.
func FormatPatches(patches []propel.PatchRecord, format string) (string, error) {
	if format == "json" {
		return formatJSON(patches)
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PID\tADDR\tBLOB\tSTRATEGY\tFUNCTION\tOBJECT\tCREATED")
	for _, p := range patches {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			p.Pid, p.Addr, p.Blob, p.Strategy, p.Function, p.Object, p.CreatedAt.Format(time.RFC3339))
	}
	w.Flush()
	return b.String(), nil
}

// FormatInjections renders injection records as a table or JSON.
func FormatInjections(injections []propel.InjectionRecord, format string) (string, error) {
	if format == "json" {
		return formatJSON(injections)
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "LOCAL\tREMOTE\tCHANNEL\tFD\tAGENT\tCREATED")
	for _, r := range injections {
		channel := string(r.Channel)
		if channel == "" {
			channel = "-"
		}
		fmt.Fprintf(w, "%d\t%d\t%s\t%d\t%s\t%s\n",
			r.LocalPid, r.RemotePid, channel, r.FD, r.Agent, r.CreatedAt.Format(time.RFC3339))
	}
	w.Flush()
	return b.String(), nil
}
