// Package interpreter contains the collaborator interfaces the agent
// talks to and the executor for memory and journal effects.
// This is the only package tree that performs actual I/O.
package interpreter

import (
	"context"
	"io"

	"github.com/frobware/go-propel"
)

// MemoryWriter changes code and its protection.
type MemoryWriter interface {
	// SetMemoryPermission changes the protection of the pages covering
	// [addr, addr+n).
	SetMemoryPermission(addr propel.Address, n uint64, perm propel.Permission) error
	// Write copies src to dst. obj identifies the module dst belongs
	// to and may be nil for anonymous memory.
	Write(obj *propel.Object, dst propel.Address, src []byte) error
}

// MemoryReader inspects code and its protection.
type MemoryReader interface {
	Read(addr propel.Address, n uint64) ([]byte, error)
	// Permission returns the current protection of the page holding
	// addr.
	Permission(addr propel.Address) (propel.Permission, error)
	PageSize() uint64
}

// AddressSpace is the memory of the instrumented process.
type AddressSpace interface {
	MemoryWriter
	MemoryReader
}

// Manager owns the address space a parser works against.
type Manager interface {
	AS() AddressSpace
}

// Parser discovers instrumentation points and answers questions about
// the instrumented binary.
type Parser interface {
	io.Closer

	Mgr() Manager
	// SetLibrariesToInstrument restricts instrumentation to the named
	// shared objects (the main executable is always included).
	SetLibrariesToInstrument(libs []string)
	// SetFuncsNotToInstrument excludes functions by name.
	SetFuncsNotToInstrument(funcs []string)
	// Excluded reports whether the filters reject pt.
	Excluded(pt *propel.Point) bool
	// AgentName is the path of the agent shared object to inject into
	// other processes.
	AgentName() string
	// DumpInsns disassembles n bytes at addr for logging.
	DumpInsns(addr propel.Address, n uint64) string
	// Points returns the call blocks found in the loaded modules.
	Points(ctx context.Context) ([]*propel.Point, error)
	// FindFunction resolves a symbol to its runtime address.
	FindFunction(name string) (propel.Address, error)
}

// Injector loads the agent into one remote process.
type Injector interface {
	Inject(ctx context.Context, agentPath string) error
}

// InjectorFactory creates an injector bound to a pid.
type InjectorFactory interface {
	Create(pid int) Injector
}

// PidResolver maps local file descriptors to the processes holding the
// other end.
type PidResolver interface {
	// Classify reports which IPC mechanism fd refers to.
	Classify(fd int) (propel.ChannelType, error)
	// PeerPids lists the pids, local one included, that hold the other
	// end of fd.
	PeerPids(fd int, typ propel.ChannelType) ([]int, error)
}

// TracingTable is the shared pid-indexed table of tracing flags.
//
// Each slot has a single writer at a time: a process writes its own
// slot when it starts, and the process that injected it writes it
// afterwards to hand over the start signal. Readers tolerate stale
// values. No lock protects the table.
type TracingTable interface {
	Get(pid int) byte
	Set(pid int, v byte) error
	Size() int
	// Detach unmaps the table from this process without removing it.
	Detach() error
}

// Journal records patches and injections.
type Journal interface {
	io.Closer

	SavePatch(ctx context.Context, rec propel.PatchRecord) error
	// DeletePatch returns store.ErrNotFound when no patch is recorded
	// at addr.
	DeletePatch(ctx context.Context, pid int, addr propel.Address) error
	ListPatches(ctx context.Context) ([]propel.PatchRecord, error)

	SaveInjection(ctx context.Context, rec propel.InjectionRecord) error
	ListInjections(ctx context.Context) ([]propel.InjectionRecord, error)
}

// Probe is an attached kernel breakpoint.
type Probe interface {
	io.Closer
	// Hits returns how often the probe fired.
	Hits() (uint64, error)
}

// Prober attaches kernel breakpoints to code in a process.
type Prober interface {
	Attach(pid int, obj *propel.Object, addr propel.Address, cookie uint64) (Probe, error)
}
