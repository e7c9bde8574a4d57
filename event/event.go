// Package event decides when a session's propeller runs.
//
// The agent registers an init event when it starts and a fini event
// when it has finished setting up. Sync instruments immediately,
// Delayed after a pause, and Nop does nothing.
package event

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/frobware/go-propel/session"
)

// Event is registered once against an open session.
type Event interface {
	RegisterEvent(ctx context.Context, s *session.Context) error
}

// Func adapts a function to Event.
type Func func(ctx context.Context, s *session.Context) error

func (f Func) RegisterEvent(ctx context.Context, s *session.Context) error {
	return f(ctx, s)
}

// Nop is the default fini event.
type Nop struct{}

func (Nop) RegisterEvent(context.Context, *session.Context) error { return nil }

// Sync runs the propeller over every point the parser finds before
// RegisterEvent returns. It is the default init event.
type Sync struct{}

func (Sync) RegisterEvent(ctx context.Context, s *session.Context) error {
	return Propel(ctx, s)
}

// Propel finds the session's points and hands them to its propeller.
func Propel(ctx context.Context, s *session.Context) error {
	start := time.Now()
	points, err := s.Parser().Points(ctx)
	if err != nil {
		return fmt.Errorf("find points: %w", err)
	}
	s.Logger().Debug("parsed points", "count", len(points), "duration_ms", time.Since(start).Milliseconds())
	return s.Propeller().Go(ctx, s, points)
}

// Delayed runs the propeller once, d after registration, on its own
// goroutine. The run is not cancelled with the registering context.
type Delayed struct {
	d      time.Duration
	done   chan error
	timer  *time.Timer
	logger *slog.Logger
}

// NewDelayed returns an event that instruments after d.
func NewDelayed(d time.Duration) *Delayed {
	return &Delayed{d: d, done: make(chan error, 1)}
}

func (e *Delayed) RegisterEvent(ctx context.Context, s *session.Context) error {
	if e.timer != nil {
		return fmt.Errorf("delayed event already registered")
	}
	e.logger = s.Logger().With("event", "delayed")
	ctx = context.WithoutCancel(ctx)
	e.timer = time.AfterFunc(e.d, func() {
		err := Propel(ctx, s)
		if err != nil {
			e.logger.Error("delayed instrumentation failed", "error", err)
		}
		e.done <- err
	})
	e.logger.Debug("scheduled instrumentation", "delay", e.d)
	return nil
}

// Done delivers the result of the run. A fatal error received here
// must end the process.
func (e *Delayed) Done() <-chan error { return e.done }

// Stop cancels the run if it has not started. It reports whether the
// run was cancelled.
func (e *Delayed) Stop() bool {
	if e.timer == nil {
		return false
	}
	return e.timer.Stop()
}
