package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/interpreter"
	"github.com/frobware/go-propel/lock"
)

// TrapName is the strategy name of Trap.
const TrapName = "trap"

// ErrNoProber is returned by Trap when no kernel prober is available.
var ErrNoProber = errors.New("no kernel prober available")

// Trap observes a block through a kernel breakpoint at its first
// instruction instead of rewriting it. It works for blocks of any
// size, but only counts executions: payloads are not run.
type Trap struct {
	prober interpreter.Prober
	pid    int
	logger *slog.Logger

	mu     sync.Mutex
	probes map[uint64]interpreter.Probe
}

var _ Worker = (*Trap)(nil)

// NewTrap returns the trap strategy. prober may be nil, in which case
// every Install fails with ErrNoProber.
func NewTrap(prober interpreter.Prober, logger *slog.Logger) *Trap {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trap{
		prober: prober,
		pid:    os.Getpid(),
		logger: logger.With("component", "worker", "strategy", TrapName),
		probes: make(map[uint64]interpreter.Probe),
	}
}

func (t *Trap) Name() string { return TrapName }

func (t *Trap) Install(_ context.Context, _ lock.Scope, pt *propel.Point) (Applied, error) {
	if t.prober == nil {
		return Applied{}, ErrNoProber
	}
	if pt.Block == nil {
		return Applied{}, fmt.Errorf("point %d has no block", pt.ID)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.probes[pt.ID]; ok {
		return Applied{Strategy: t.Name()}, nil
	}

	probe, err := t.prober.Attach(t.pid, pt.Object, pt.Block.Start, pt.ID)
	if err != nil {
		return Applied{}, fmt.Errorf("attach probe at %s: %w", pt.Block.Start, err)
	}
	t.probes[pt.ID] = probe

	t.logger.Debug("attached probe", "point", pt.ID, "function", pt.Function, "addr", pt.Block.Start)
	return Applied{Strategy: t.Name()}, nil
}

func (t *Trap) Undo(_ context.Context, _ lock.Scope, pt *propel.Point) error {
	t.mu.Lock()
	probe, ok := t.probes[pt.ID]
	delete(t.probes, pt.ID)
	t.mu.Unlock()

	if !ok {
		return propel.ErrNotInstalled{Addr: blockStart(pt)}
	}
	return probe.Close()
}

// Hits returns how often pt's block executed since Install.
func (t *Trap) Hits(pt *propel.Point) (uint64, error) {
	t.mu.Lock()
	probe, ok := t.probes[pt.ID]
	t.mu.Unlock()

	if !ok {
		return 0, propel.ErrNotInstalled{Addr: blockStart(pt)}
	}
	return probe.Hits()
}
