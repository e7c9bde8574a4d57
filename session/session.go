// Package session holds the per-process instrumentation context.
//
// A Context is opened exactly once per Slot. The agent uses the
// process slot; tests open fresh slots so they never share state.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/interpreter"
	"github.com/frobware/go-propel/lock"
)

// Propeller walks instrumentation points and installs them.
type Propeller interface {
	Go(ctx context.Context, s *Context, points []*propel.Point) error
}

// Options configures a Context.
type Options struct {
	Propeller Propeller
	Parser    interpreter.Parser
	// Entry and Exit name the payload functions called before and
	// after each instrumented block. Exit may be empty.
	Entry string
	Exit  string
	// Lock is the propagation lock. A new one is created when nil.
	Lock    *lock.Propel
	Journal interpreter.Journal
	Logger  *slog.Logger
}

// Context is the state one instrumented process shares between the
// agent, the propeller, the workers and the IPC layer.
type Context struct {
	id     uuid.UUID
	pid    int
	logger *slog.Logger

	propeller Propeller
	parser    interpreter.Parser
	journal   interpreter.Journal
	lock      *lock.Propel

	entry, exit         string
	entryAddr, exitAddr propel.Address

	mu             sync.RWMutex
	as             interpreter.AddressSpace
	directcallOnly bool
	allowIPC       bool
	trapOnly       bool
}

func newContext(opts Options) (*Context, error) {
	if opts.Parser == nil {
		return nil, errors.New("session: parser is required")
	}
	if opts.Propeller == nil {
		return nil, errors.New("session: propeller is required")
	}
	if opts.Entry == "" {
		return nil, errors.New("session: entry payload is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	entryAddr, err := opts.Parser.FindFunction(opts.Entry)
	if err != nil {
		return nil, fmt.Errorf("resolve entry payload %q: %w", opts.Entry, err)
	}
	var exitAddr propel.Address
	if opts.Exit != "" {
		exitAddr, err = opts.Parser.FindFunction(opts.Exit)
		if err != nil {
			return nil, fmt.Errorf("resolve exit payload %q: %w", opts.Exit, err)
		}
	}

	l := opts.Lock
	if l == nil {
		l = lock.New()
	}

	id := uuid.New()
	c := &Context{
		id:        id,
		pid:       os.Getpid(),
		logger:    logger.With("component", "session", "session", id.String()),
		propeller: opts.Propeller,
		parser:    opts.Parser,
		journal:   opts.Journal,
		lock:      l,
		entry:     opts.Entry,
		exit:      opts.Exit,
		entryAddr: entryAddr,
		exitAddr:  exitAddr,
	}
	c.logger.Debug("opened session",
		"entry", opts.Entry, "entry_addr", entryAddr,
		"exit", opts.Exit, "exit_addr", exitAddr)
	return c, nil
}

// ID identifies the session in journal records.
func (c *Context) ID() uuid.UUID { return c.id }

// Pid is the pid of the instrumented process.
func (c *Context) Pid() int { return c.pid }

func (c *Context) Logger() *slog.Logger { return c.logger }

func (c *Context) Propeller() Propeller { return c.propeller }

func (c *Context) Parser() interpreter.Parser { return c.parser }

// Journal returns the journal, or nil when journaling is off.
func (c *Context) Journal() interpreter.Journal { return c.journal }

func (c *Context) Lock() *lock.Propel { return c.lock }

// Entry returns the entry payload name and its resolved address.
func (c *Context) Entry() (string, propel.Address) { return c.entry, c.entryAddr }

// Exit returns the exit payload name and address; both are zero when
// no exit payload is configured.
func (c *Context) Exit() (string, propel.Address) { return c.exit, c.exitAddr }

// SetAddressSpace stores the address space taken from the parser's
// manager.
func (c *Context) SetAddressSpace(as interpreter.AddressSpace) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.as = as
}

// AS returns the address space, nil until SetAddressSpace is called.
func (c *Context) AS() interpreter.AddressSpace {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.as
}

func (c *Context) SetDirectcallOnly(b bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.directcallOnly = b
}

// DirectcallOnly reports whether indirect call sites are skipped.
func (c *Context) DirectcallOnly() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.directcallOnly
}

func (c *Context) SetAllowIPC(b bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.allowIPC = b
}

// AllowIPC reports whether the agent propagates over IPC channels.
func (c *Context) AllowIPC() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.allowIPC
}

func (c *Context) SetTrapOnly(b bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trapOnly = b
}

// TrapOnly reports whether only the trap strategy may be used.
func (c *Context) TrapOnly() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.trapOnly
}

// Close releases the parser (and with it the address space) and the
// journal.
func (c *Context) Close() error {
	var errs []error
	if c.parser != nil {
		if err := c.parser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close parser: %w", err))
		}
	}
	if c.journal != nil {
		if err := c.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	c.SetAddressSpace(nil)
	c.logger.Debug("closed session")
	return errors.Join(errs...)
}

// Slot holds at most one Context for its lifetime.
type Slot struct {
	mu     sync.Mutex
	ctx    *Context
	opened bool
}

var processSlot Slot

// ProcessSlot is the slot used by the agent running in this process.
func ProcessSlot() *Slot {
	return &processSlot
}

// Open creates the slot's Context. A slot can be opened once; later
// calls fail with propel.ErrAlreadyOpen, even after Close.
func (s *Slot) Open(opts Options) (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened {
		return nil, propel.ErrAlreadyOpen
	}
	c, err := newContext(opts)
	if err != nil {
		return nil, err
	}
	s.ctx = c
	s.opened = true
	return c, nil
}

// Current returns the open Context, or nil.
func (s *Slot) Current() *Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

// Close closes the Context. The slot stays used.
func (s *Slot) Close() error {
	s.mu.Lock()
	c := s.ctx
	s.ctx = nil
	s.mu.Unlock()

	if c == nil {
		return nil
	}
	return c.Close()
}
