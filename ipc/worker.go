// Package ipc propagates the agent across IPC channels.
//
// A Worker handles one channel type (pipe or TCP). It resolves the
// process at the other end of a descriptor, injects the agent into it
// once per channel and exchanges the start-tracing flag through the
// host-wide tracing table.
//
// Injection state is kept per channel, not per remote process: two
// channels to the same peer (a pipe and a socket, or two pipes) each
// inject once. The cross-process injection lock only prevents the two
// injections from overlapping.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/action"
	"github.com/frobware/go-propel/interpreter"
)

// Options configures a Worker.
type Options struct {
	Type      propel.ChannelType
	Resolver  interpreter.PidResolver
	Injectors interpreter.InjectorFactory
	Table     interpreter.TracingTable
	// AgentName is the image injected into remote processes.
	AgentName string

	// Journal, when set, records every injection under Session.
	Journal interpreter.Journal
	Session uuid.UUID

	// Pid overrides the local pid.
	Pid    int
	Logger *slog.Logger
}

// Worker tracks the channels of one type in this process.
type Worker struct {
	typ       propel.ChannelType
	pid       int
	resolver  interpreter.PidResolver
	injectors interpreter.InjectorFactory
	table     interpreter.TracingTable
	agent     string
	journal   interpreter.ActionExecutor
	session   uuid.UUID
	logger    *slog.Logger

	mu    sync.Mutex
	read  map[int]*propel.Channel
	write map[int]*propel.Channel
}

// New returns a worker and clears the local process's tracing flag.
func New(opts Options) (*Worker, error) {
	if opts.Resolver == nil {
		return nil, errors.New("ipc worker needs a pid resolver")
	}
	if opts.Injectors == nil {
		return nil, errors.New("ipc worker needs an injector factory")
	}
	if opts.Table == nil {
		return nil, errors.New("ipc worker needs a tracing table")
	}
	if opts.Type == "" {
		opts.Type = propel.ChannelPipe
	}
	if opts.Pid == 0 {
		opts.Pid = os.Getpid()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	w := &Worker{
		typ:       opts.Type,
		pid:       opts.Pid,
		resolver:  opts.Resolver,
		injectors: opts.Injectors,
		table:     opts.Table,
		agent:     opts.AgentName,
		session:   opts.Session,
		logger:    opts.Logger.With("component", "ipc", "channel", string(opts.Type)),
		read:      make(map[int]*propel.Channel),
		write:     make(map[int]*propel.Channel),
	}
	if opts.Journal != nil {
		w.journal = interpreter.NewExecutor(nil, opts.Journal)
	}

	if err := w.table.Set(w.pid, 0); err != nil {
		// The process can still inject and greenlight others; it just
		// never sees its own flag.
		w.logger.Warn("cannot clear own tracing flag", "pid", w.pid, "error", err)
	}
	w.logger.Debug("created ipc worker", "pid", w.pid)
	return w, nil
}

// Type returns the channel type the worker handles.
func (w *Worker) Type() propel.ChannelType { return w.typ }

// CreateChannel resolves the processes holding the other end of fd.
// The remote pid is the first of them that is not the local process,
// or 0 when there is none.
func (w *Worker) CreateChannel(fd int, dir propel.Direction) (*propel.Channel, error) {
	pids, err := w.resolver.PeerPids(fd, w.typ)
	if err != nil {
		return nil, fmt.Errorf("resolve peers of fd %d: %w", fd, err)
	}
	ch := &propel.Channel{
		FD:        fd,
		Direction: dir,
		Type:      w.typ,
		LocalPid:  w.pid,
	}
	for _, pid := range pids {
		if pid != w.pid {
			ch.RemotePid = pid
			break
		}
	}
	w.logger.Debug("created channel", "fd", fd, "direction", dir, "pids", pids, "remote", ch.RemotePid)
	return ch, nil
}

// Channel returns the channel for fd in direction dir, creating it on
// first use.
func (w *Worker) Channel(fd int, dir propel.Direction) (*propel.Channel, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	m := w.channels(dir)
	if ch, ok := m[fd]; ok {
		return ch, nil
	}
	ch, err := w.CreateChannel(fd, dir)
	if err != nil {
		return nil, err
	}
	m[fd] = ch
	return ch, nil
}

// Forget drops the cached channel for fd, typically when fd is closed
// and may be reused for another endpoint.
func (w *Worker) Forget(fd int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.read, fd)
	delete(w.write, fd)
}

func (w *Worker) channels(dir propel.Direction) map[int]*propel.Channel {
	if dir == propel.DirWrite {
		return w.write
	}
	return w.read
}

// Inject loads the agent into ch's remote process unless that was
// already done through ch.
func (w *Worker) Inject(ctx context.Context, ch *propel.Channel) error {
	w.mu.Lock()
	injected := ch.Injected
	w.mu.Unlock()
	if injected {
		return nil
	}
	if !ch.HasPeer() {
		return propel.ErrNoRemotePeer{FD: ch.FD}
	}

	w.logger.Debug("injecting agent", "remote", ch.RemotePid, "fd", ch.FD, "agent", w.agent)
	if err := w.injectors.Create(ch.RemotePid).Inject(ctx, w.agent); err != nil {
		return fmt.Errorf("inject agent into pid %d: %w", ch.RemotePid, err)
	}

	w.mu.Lock()
	ch.Injected = true
	w.mu.Unlock()

	if w.journal != nil {
		rec := propel.InjectionRecord{
			Session:   w.session,
			LocalPid:  w.pid,
			RemotePid: ch.RemotePid,
			Channel:   ch.Type,
			FD:        ch.FD,
			Agent:     w.agent,
		}
		if err := w.journal.Execute(ctx, action.RecordInjection{Injection: rec}); err != nil {
			w.logger.Warn("failed to journal injection", "remote", ch.RemotePid, "error", err)
		}
	}
	w.logger.Info("injected agent", "remote", ch.RemotePid, "fd", ch.FD)
	return nil
}

// SetStartTracingFor writes flag into the slot of ch's remote process.
// Only the process that injected the remote writes that slot.
func (w *Worker) SetStartTracingFor(flag byte, ch *propel.Channel) error {
	if !ch.HasPeer() {
		return propel.ErrNoRemotePeer{FD: ch.FD}
	}
	if err := w.table.Set(ch.RemotePid, flag); err != nil {
		return err
	}
	w.logger.Debug("set remote tracing flag", "remote", ch.RemotePid, "flag", flag)
	return nil
}

// SetStartTracing writes flag into the local process's slot.
func (w *Worker) SetStartTracing(flag byte) error {
	return w.table.Set(w.pid, flag)
}

// StartTracing returns the local process's tracing flag. The flag is
// per process: fd does not select a slot.
func (w *Worker) StartTracing(_ int) byte {
	return w.table.Get(w.pid)
}

// Close releases the tracked channels. The tracing table stays
// attached for other workers and processes.
func (w *Worker) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.read) + len(w.write)
	clear(w.read)
	clear(w.write)
	w.logger.Debug("closed ipc worker", "channels", n)
	return nil
}

// Len returns the number of tracked channels in direction dir.
func (w *Worker) Len(dir propel.Direction) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.channels(dir))
}
