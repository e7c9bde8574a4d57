package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/interpreter"
	"github.com/frobware/go-propel/lock"
	"github.com/frobware/go-propel/logging"
)

// Gate reports whether propagation is enabled.
type Gate interface {
	AllowIPC() bool
}

// Propagator dispatches send and receive call sites to the worker for
// the descriptor's channel type.
type Propagator struct {
	gate     Gate
	resolver interpreter.PidResolver
	workers  map[propel.ChannelType]*Worker
	logger   *slog.Logger
}

// NewPropagator returns a propagator over workers, at most one per
// channel type.
func NewPropagator(gate Gate, resolver interpreter.PidResolver, logger *slog.Logger, workers ...*Worker) *Propagator {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Propagator{
		gate:     gate,
		resolver: resolver,
		workers:  make(map[propel.ChannelType]*Worker),
		logger:   logger.With("component", "ipc"),
	}
	for _, w := range workers {
		p.workers[w.Type()] = w
	}
	return p
}

func (p *Propagator) worker(fd int) (*Worker, bool) {
	typ, err := p.resolver.Classify(fd)
	if err != nil {
		p.logger.Log(context.Background(), logging.LevelTrace.ToSlog(), "not an ipc descriptor", "fd", fd, "error", err)
		return nil, false
	}
	w, ok := p.workers[typ]
	return w, ok
}

// OnSend runs before this process writes to fd. When fd reaches another
// process, the agent is injected there and the peer is told to start
// tracing. It reports whether the peer was greenlit. Descriptors that
// are not channels, or have no peer, are ignored.
func (p *Propagator) OnSend(ctx context.Context, _ lock.Scope, fd int) (bool, error) {
	if p.gate != nil && !p.gate.AllowIPC() {
		return false, nil
	}
	w, ok := p.worker(fd)
	if !ok {
		return false, nil
	}
	ch, err := w.Channel(fd, propel.DirWrite)
	if err != nil {
		return false, err
	}
	if !ch.HasPeer() {
		return false, nil
	}
	if err := w.Inject(ctx, ch); err != nil {
		var noPeer propel.ErrNoRemotePeer
		if errors.As(err, &noPeer) {
			return false, nil
		}
		return false, err
	}
	if err := w.SetStartTracingFor(1, ch); err != nil {
		return false, fmt.Errorf("greenlight pid %d: %w", ch.RemotePid, err)
	}
	return true, nil
}

// OnReceive runs before this process reads from fd and reports whether
// the process has been told to start tracing.
func (p *Propagator) OnReceive(fd int) bool {
	if p.gate != nil && !p.gate.AllowIPC() {
		return false
	}
	w, ok := p.worker(fd)
	if !ok {
		return false
	}
	if _, err := w.Channel(fd, propel.DirRead); err != nil {
		p.logger.Debug("cannot track read channel", "fd", fd, "error", err)
	}
	return w.StartTracing(fd) != 0
}

// Close closes every worker.
func (p *Propagator) Close() error {
	var errs []error
	for _, w := range p.workers {
		errs = append(errs, w.Close())
	}
	return errors.Join(errs...)
}
