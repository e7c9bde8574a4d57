package agent

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/config"
	"github.com/frobware/go-propel/interpreter"
	"github.com/frobware/go-propel/interpreter/ebpf"
	"github.com/frobware/go-propel/interpreter/injector"
	"github.com/frobware/go-propel/interpreter/memory"
	"github.com/frobware/go-propel/interpreter/procfs"
	"github.com/frobware/go-propel/interpreter/shm"
	"github.com/frobware/go-propel/ipc"
	"github.com/frobware/go-propel/parser"
	"github.com/frobware/go-propel/propeller"
	"github.com/frobware/go-propel/session"
)

func enableCoreDumps() error {
	return unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{Cur: unix.RLIM_INFINITY, Max: unix.RLIM_INFINITY})
}

func threadID() int { return unix.Gettid() }

func newDefaultParser(logger *slog.Logger) (interpreter.Parser, error) {
	as, err := memory.Open(logger)
	if err != nil {
		return nil, err
	}
	p, err := parser.New(&memory.Manager{Space: as}, parser.WithLogger(logger))
	if err != nil {
		as.Close()
		return nil, err
	}
	return p, nil
}

func newDefaultPropeller(logger *slog.Logger, prober interpreter.Prober, trap config.TrapConfig) (session.Propeller, error) {
	if prober == nil && trap.Enabled {
		p, err := ebpf.New(ebpf.WithLogger(logger), ebpf.WithMaxProbes(uint32(trap.MaxProbes)))
		if err != nil {
			logger.Debug("kernel probes unavailable, trap strategy disabled", "error", err)
		} else {
			prober = p
		}
	}
	return propeller.New(propeller.Options{
		Alloc:  memory.NewArena(0, logger),
		Prober: prober,
		Logger: logger,
	}), nil
}

// defaultPropagator attaches the host tracing table and sets up one
// worker per channel type.
func (a *Agent) defaultPropagator(_ context.Context, sess *session.Context) (*ipc.Propagator, error) {
	table, err := shm.Attach(a.ipcCfg.ShmKey, a.ipcCfg.ShmSize, shm.DefaultMode, a.logger)
	if err != nil {
		return nil, err
	}
	resolver, err := procfs.New(a.logger)
	if err != nil {
		table.Detach()
		return nil, err
	}
	injectors := injector.New(a.ipcCfg.Injector, a.dirs.LockDir(),
		injector.WithTimeout(a.ipcCfg.InjectTimeout),
		injector.WithLogger(a.logger))

	var workers []*ipc.Worker
	for _, typ := range []propel.ChannelType{propel.ChannelPipe, propel.ChannelTCP} {
		w, err := ipc.New(ipc.Options{
			Type:      typ,
			Resolver:  resolver,
			Injectors: injectors,
			Table:     table,
			AgentName: sess.Parser().AgentName(),
			Journal:   sess.Journal(),
			Session:   sess.ID(),
			Pid:       sess.Pid(),
			Logger:    a.logger,
		})
		if err != nil {
			table.Detach()
			return nil, fmt.Errorf("%s worker: %w", typ, err)
		}
		workers = append(workers, w)
	}
	a.logger.Debug("ipc propagation ready", "shm_id", table.ID(), "injector", a.ipcCfg.Injector)
	return ipc.NewPropagator(sess, resolver, a.logger, workers...), nil
}
