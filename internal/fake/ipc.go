package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/interpreter"
)

// Injections records injector invocations.
type Injections struct {
	mu    sync.Mutex
	calls []Injection

	// Fail, when set, makes Inject fail for the pids it returns true
	// for.
	Fail func(pid int) bool
}

// Injection is one recorded Inject call.
type Injection struct {
	Pid   int
	Agent string
}

var _ interpreter.InjectorFactory = (*Injections)(nil)

func (f *Injections) Create(pid int) interpreter.Injector {
	return &injector{f: f, pid: pid}
}

// Calls returns the recorded injections.
func (f *Injections) Calls() []Injection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Injection(nil), f.calls...)
}

type injector struct {
	f   *Injections
	pid int
}

func (i *injector) Inject(_ context.Context, agent string) error {
	i.f.mu.Lock()
	defer i.f.mu.Unlock()
	if i.f.Fail != nil && i.f.Fail(i.pid) {
		return fmt.Errorf("inject into %d: operation not permitted", i.pid)
	}
	i.f.calls = append(i.f.calls, Injection{Pid: i.pid, Agent: agent})
	return nil
}

// Endpoint describes what a file descriptor is connected to.
type Endpoint struct {
	Type propel.ChannelType
	Pids []int
}

// Resolver resolves file descriptors from a fixed table.
type Resolver struct {
	mu      sync.Mutex
	FDs     map[int]Endpoint
	lookups int
}

var _ interpreter.PidResolver = (*Resolver)(nil)

func NewResolver() *Resolver {
	return &Resolver{FDs: make(map[int]Endpoint)}
}

// Connect records fd as connected to pids over typ.
func (r *Resolver) Connect(fd int, typ propel.ChannelType, pids ...int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.FDs[fd] = Endpoint{Type: typ, Pids: pids}
}

func (r *Resolver) Classify(fd int) (propel.ChannelType, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ep, ok := r.FDs[fd]
	if !ok {
		return "", fmt.Errorf("fd %d: not an IPC endpoint", fd)
	}
	return ep.Type, nil
}

func (r *Resolver) PeerPids(fd int, typ propel.ChannelType) ([]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lookups++
	ep, ok := r.FDs[fd]
	if !ok || ep.Type != typ {
		return nil, nil
	}
	return ep.Pids, nil
}

// Lookups counts PeerPids calls.
func (r *Resolver) Lookups() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookups
}

// Prober records attached probes.
type Prober struct {
	mu       sync.Mutex
	Err      error
	Attached map[uint64]*Probe
}

var _ interpreter.Prober = (*Prober)(nil)

func NewProber() *Prober {
	return &Prober{Attached: make(map[uint64]*Probe)}
}

func (p *Prober) Attach(pid int, obj *propel.Object, addr propel.Address, cookie uint64) (interpreter.Probe, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Err != nil {
		return nil, p.Err
	}
	probe := &Probe{Pid: pid, Addr: addr, Cookie: cookie}
	p.Attached[cookie] = probe
	return probe, nil
}

// Probe is an attached fake probe.
type Probe struct {
	Pid    int
	Addr   propel.Address
	Cookie uint64
	Count  uint64
	Closed bool
}

func (p *Probe) Hits() (uint64, error) { return p.Count, nil }

func (p *Probe) Close() error {
	p.Closed = true
	return nil
}
