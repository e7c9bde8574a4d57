// Package worker installs instrumentation points into code.
//
// Each Worker is one patching strategy. Install either applies the
// strategy or returns an error; errors for which propel.IsFatal is
// true mean the process can no longer be trusted and no other strategy
// may be tried, any other error means the next strategy may be tried.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/compute"
	"github.com/frobware/go-propel/lock"
)

// Applied describes an installed point.
type Applied struct {
	Strategy string
	Blob     propel.Address
	Jump     compute.JumpKind
	// Len is the number of code bytes overwritten (0 when code was not
	// modified).
	Len uint64
}

// Worker is one patching strategy.
//
// Install and Undo take a lock.Scope: callers must hold the
// propagation lock.
type Worker interface {
	Name() string
	Install(ctx context.Context, scope lock.Scope, pt *propel.Point) (Applied, error)
	Undo(ctx context.Context, scope lock.Scope, pt *propel.Point) error
}

// ErrNoStrategy is returned by an empty chain.
var ErrNoStrategy = errors.New("no patching strategy configured")

// Chain tries its workers in order.
type Chain struct {
	workers []Worker
	logger  *slog.Logger
}

var _ Worker = (*Chain)(nil)

// NewChain returns a chain trying workers in the given order.
func NewChain(logger *slog.Logger, workers ...Worker) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{
		workers: workers,
		logger:  logger.With("component", "worker"),
	}
}

func (c *Chain) Name() string { return "chain" }

// Names lists the strategies in order.
func (c *Chain) Names() []string {
	names := make([]string, len(c.workers))
	for i, w := range c.workers {
		names[i] = w.Name()
	}
	return names
}

// Install returns the result of the first worker that succeeds. A fatal
// error stops the chain at once; otherwise all failures are joined.
func (c *Chain) Install(ctx context.Context, scope lock.Scope, pt *propel.Point) (Applied, error) {
	if len(c.workers) == 0 {
		return Applied{}, ErrNoStrategy
	}

	var errs []error
	for _, w := range c.workers {
		applied, err := w.Install(ctx, scope, pt)
		if err == nil {
			c.logger.Debug("installed point", "point", pt.ID, "function", pt.Function, "strategy", w.Name())
			return applied, nil
		}
		if propel.IsFatal(err) {
			return Applied{}, err
		}
		c.logger.Debug("strategy failed", "point", pt.ID, "strategy", w.Name(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", w.Name(), err))
	}
	return Applied{}, errors.Join(errs...)
}

// Undo removes pt from whichever worker installed it.
func (c *Chain) Undo(ctx context.Context, scope lock.Scope, pt *propel.Point) error {
	for _, w := range c.workers {
		err := w.Undo(ctx, scope, pt)
		var notInstalled propel.ErrNotInstalled
		if errors.As(err, &notInstalled) {
			continue
		}
		return err
	}
	return propel.ErrNotInstalled{Addr: blockStart(pt)}
}

func blockStart(pt *propel.Point) propel.Address {
	if pt == nil || pt.Block == nil {
		return 0
	}
	return pt.Block.Start
}
