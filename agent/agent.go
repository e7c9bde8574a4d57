// Package agent bootstraps instrumentation inside the current process.
//
// An Agent is created, configured through its setters and started
// once with Go. Go opens the process's session, applies defaults for
// anything left unset and registers the init and fini events. Errors
// for which propel.IsFatal is true must end the process; the agent
// itself never exits.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/config"
	"github.com/frobware/go-propel/event"
	"github.com/frobware/go-propel/interpreter"
	"github.com/frobware/go-propel/interpreter/procfs"
	"github.com/frobware/go-propel/ipc"
	"github.com/frobware/go-propel/lock"
	"github.com/frobware/go-propel/session"
)

// DefaultEntry is the entry payload used when none is set.
const DefaultEntry = "default_entry"

// DefaultIllegalPrograms are never instrumented: the shell and lsof
// run as helpers of the injection machinery, and the propel tools
// must not instrument themselves.
var DefaultIllegalPrograms = []string{"bash", "lsof", "propel", "sp-injector"}

// ErrStarted is returned when Go is called more than once.
var ErrStarted = errors.New("agent already started")

// PropagatorFactory builds the IPC propagator for an open session.
type PropagatorFactory func(ctx context.Context, s *session.Context) (*ipc.Propagator, error)

// Agent is the instrumentation bootstrap of one process.
type Agent struct {
	mu sync.Mutex

	logger  *slog.Logger
	slot    *session.Slot
	journal interpreter.Journal
	lookup  func(string) (string, bool)
	exeName func() (string, error)

	parser    interpreter.Parser
	initEvent event.Event
	finiEvent event.Event
	entry     string
	exit      string
	propeller session.Propeller

	parseOnly      bool
	directcallOnly bool
	allowIPC       bool
	trapOnly       bool

	libs    []string
	funcs   []string
	illegal []string

	ipcCfg    config.IPCConfig
	trapCfg   config.TrapConfig
	dirs      config.RuntimeDirs
	prober    interpreter.Prober
	propagate PropagatorFactory

	started    atomic.Bool
	sess       atomic.Pointer[session.Context]
	propagator atomic.Pointer[ipc.Propagator]
	hits       sync.Map
	tracing    atomic.Bool
}

// Option configures an Agent at creation.
type Option func(*Agent)

func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

// WithSlot opens the session in s instead of the process slot.
func WithSlot(s *session.Slot) Option {
	return func(a *Agent) { a.slot = s }
}

// WithJournal records patches and injections in j.
func WithJournal(j interpreter.Journal) Option {
	return func(a *Agent) { a.journal = j }
}

// WithLookupEnv replaces os.LookupEnv.
func WithLookupEnv(f func(string) (string, bool)) Option {
	return func(a *Agent) { a.lookup = f }
}

// WithExecutableName replaces the lookup of the running program's
// name.
func WithExecutableName(f func() (string, error)) Option {
	return func(a *Agent) { a.exeName = f }
}

// WithIPCConfig sets the tracing table and injector parameters.
func WithIPCConfig(c config.IPCConfig) Option {
	return func(a *Agent) { a.ipcCfg = c }
}

// WithTrapConfig controls the kernel probes of the default propeller.
func WithTrapConfig(c config.TrapConfig) Option {
	return func(a *Agent) { a.trapCfg = c }
}

func WithRuntimeDirs(d config.RuntimeDirs) Option {
	return func(a *Agent) { a.dirs = d }
}

// WithProber backs the trap strategy of the default propeller.
func WithProber(p interpreter.Prober) Option {
	return func(a *Agent) { a.prober = p }
}

// WithPropagatorFactory replaces the default IPC setup.
func WithPropagatorFactory(f PropagatorFactory) Option {
	return func(a *Agent) { a.propagate = f }
}

// Create returns an unconfigured agent. When SP_COREDUMP is set the
// core file size limit is lifted; failing to do so is only logged.
func Create(opts ...Option) *Agent {
	def := config.DefaultConfig()
	a := &Agent{
		logger:  slog.Default(),
		slot:    session.ProcessSlot(),
		lookup:  os.LookupEnv,
		exeName: procfs.ExecutableName,
		illegal: slices.Clone(DefaultIllegalPrograms),
		ipcCfg:  def.IPC,
		trapCfg: def.Trap,
		dirs:    config.DefaultRuntimeDirs(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "agent")
	if a.propagate == nil {
		a.propagate = a.defaultPropagator
	}

	if _, ok := a.lookup(config.EnvCoredump); ok {
		if err := enableCoreDumps(); err != nil {
			a.logger.Warn("failed to enable core dumps", "error", err)
		} else {
			a.logger.Debug("core dumps enabled")
		}
	}
	return a
}

func (a *Agent) SetParser(p interpreter.Parser) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.parser = p
}

func (a *Agent) SetInitEvent(e event.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.initEvent = e
}

func (a *Agent) SetFiniEvent(e event.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.finiEvent = e
}

// SetInitEntry names the payload called before each instrumented
// block.
func (a *Agent) SetInitEntry(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entry = name
}

// SetInitExit names the payload called after each instrumented block.
// Empty means none.
func (a *Agent) SetInitExit(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.exit = name
}

func (a *Agent) SetInitPropeller(p session.Propeller) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.propeller = p
}

// EnableParseOnly stops Go after the session is set up.
func (a *Agent) EnableParseOnly(b bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.parseOnly = b
}

func (a *Agent) EnableDirectcallOnly(b bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.directcallOnly = b
}

func (a *Agent) EnableIPC(b bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.allowIPC = b
}

func (a *Agent) EnableTrapOnly(b bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.trapOnly = b
}

// SetLibrariesToInstrument adds shared objects to instrument besides
// the main executable.
func (a *Agent) SetLibrariesToInstrument(libs []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.libs = appendNew(a.libs, libs)
}

// SetFuncsNotToInstrument adds functions to skip.
func (a *Agent) SetFuncsNotToInstrument(funcs []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.funcs = appendNew(a.funcs, funcs)
}

// SetIllegalPrograms replaces the programs the agent refuses to
// instrument.
func (a *Agent) SetIllegalPrograms(names []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.illegal = slices.Clone(names)
}

func appendNew(set, items []string) []string {
	for _, s := range items {
		if !slices.Contains(set, s) {
			set = append(set, s)
		}
	}
	return set
}

// Session returns the session opened by Go, or nil.
func (a *Agent) Session() *session.Context {
	return a.sess.Load()
}

// Propagator returns the IPC propagator, nil unless IPC is enabled.
func (a *Agent) Propagator() *ipc.Propagator {
	return a.propagator.Load()
}

// Go starts instrumentation of the current process. It returns nil
// without doing anything for illegal programs. A *propel.FatalError
// means the process is in an unknown state and must abort.
func (a *Agent) Go(ctx context.Context) error {
	if !a.started.CompareAndSwap(false, true) {
		return ErrStarted
	}
	a.logger.Debug("starting self-propelled instrumentation", "pid", os.Getpid())

	sess, err := a.setup(ctx)
	if err != nil || sess == nil {
		return err
	}

	// Events run without a.mu held: payloads fire on other threads as
	// soon as the first point is installed.
	a.mu.Lock()
	initEvent, finiEvent := a.initEvent, a.finiEvent
	a.mu.Unlock()

	if err := initEvent.RegisterEvent(ctx, sess); err != nil {
		return fmt.Errorf("init event: %w", err)
	}
	if err := finiEvent.RegisterEvent(ctx, sess); err != nil {
		return fmt.Errorf("fini event: %w", err)
	}
	return nil
}

// setup opens the session. It returns a nil session when there is
// nothing more to do.
func (a *Agent) setup(ctx context.Context) (*session.Context, error) {
	name, err := a.exeName()
	if err != nil {
		a.logger.Warn("cannot determine program name", "error", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if name != "" && slices.Contains(a.illegal, name) {
		a.logger.Info("illegal program, not instrumenting", "program", name)
		return nil, nil
	}

	propelLock := lock.New()

	if _, ok := a.lookup(config.EnvDirectcallOnly); ok {
		a.directcallOnly = true
	}
	if _, ok := a.lookup(config.EnvTrap); ok {
		a.trapOnly = true
	}

	if err := a.applyDefaults(); err != nil {
		return nil, propel.Fatal("agent defaults", 0, err)
	}
	a.logModes()

	a.parser.SetLibrariesToInstrument(a.libs)
	a.parser.SetFuncsNotToInstrument(a.funcs)

	sess, err := a.slot.Open(session.Options{
		Propeller: a.propeller,
		Parser:    a.parser,
		Entry:     a.entry,
		Exit:      a.exit,
		Lock:      propelLock,
		Journal:   a.journal,
		Logger:    a.logger,
	})
	if err != nil {
		return nil, propel.Fatal("open session", 0, err)
	}

	mgr := a.parser.Mgr()
	if mgr == nil || mgr.AS() == nil {
		_ = a.slot.Close()
		return nil, propel.Fatal("open session", 0, errors.New("parser has no address space"))
	}
	sess.SetAddressSpace(mgr.AS())
	sess.SetDirectcallOnly(a.directcallOnly)
	sess.SetAllowIPC(a.allowIPC)
	sess.SetTrapOnly(a.trapOnly)
	a.sess.Store(sess)

	if a.parseOnly {
		a.logger.Info("parse only, not instrumenting")
		return nil, nil
	}

	if a.allowIPC {
		p, err := a.propagate(ctx, sess)
		if err != nil {
			a.logger.Warn("ipc propagation unavailable", "error", err)
			sess.SetAllowIPC(false)
		} else {
			a.propagator.Store(p)
		}
	}
	return sess, nil
}

func (a *Agent) applyDefaults() error {
	if a.initEvent == nil {
		a.logger.Debug("using default init event")
		a.initEvent = event.Sync{}
	}
	if a.finiEvent == nil {
		a.logger.Debug("using default fini event")
		a.finiEvent = event.Nop{}
	}
	if a.entry == "" {
		a.logger.Debug("using default entry payload", "entry", DefaultEntry)
		a.entry = DefaultEntry
	}
	if a.exit == "" {
		a.logger.Debug("no exit payload")
	}
	if a.parser == nil {
		a.logger.Debug("using default parser")
		p, err := newDefaultParser(a.logger)
		if err != nil {
			return fmt.Errorf("default parser: %w", err)
		}
		a.parser = p
	}
	if a.propeller == nil {
		a.logger.Debug("using default propeller")
		p, err := newDefaultPropeller(a.logger, a.prober, a.trapCfg)
		if err != nil {
			return fmt.Errorf("default propeller: %w", err)
		}
		a.propeller = p
	}
	return nil
}

func (a *Agent) logModes() {
	a.logger.Debug("instrumentation modes",
		"directcall_only", a.directcallOnly,
		"allow_ipc", a.allowIPC,
		"trap_only", a.trapOnly,
		"parse_only", a.parseOnly,
		"libraries", a.libs,
		"skip_functions", len(a.funcs))
}

// Close releases the propagator and the session.
func (a *Agent) Close() error {
	p := a.propagator.Swap(nil)

	var errs []error
	if p != nil {
		errs = append(errs, p.Close())
	}
	if a.sess.Swap(nil) != nil {
		errs = append(errs, a.slot.Close())
	}
	return errors.Join(errs...)
}
