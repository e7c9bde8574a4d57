// Package fake provides in-memory implementations of the interpreter
// interfaces for tests. Each fake records the operations performed on
// it so tests can assert on the exact sequence of effects.
package fake

import (
	"fmt"
	"sort"
	"sync"

	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/compute"
	"github.com/frobware/go-propel/interpreter"
)

// PageSize is the page size the fake address space pretends to have.
const PageSize = 4096

// Op is one recorded operation.
type Op struct {
	Op   string
	Addr propel.Address
	Len  uint64
	Perm propel.Permission
	Data []byte
	Err  error
}

func (o Op) String() string {
	status := "ok"
	if o.Err != nil {
		status = "error"
	}
	switch o.Op {
	case "mprotect":
		return fmt.Sprintf("mprotect:%s:%s:%s", o.Addr, o.Perm, status)
	default:
		return fmt.Sprintf("%s:%s:%d:%s", o.Op, o.Addr, o.Len, status)
	}
}

// AddressSpace is a sparse byte-addressed memory with per-page
// permissions.
type AddressSpace struct {
	mu    sync.Mutex
	bytes map[propel.Address]byte
	perms map[propel.Address]propel.Permission
	ops   []Op

	// FailPermission, when set, makes SetMemoryPermission fail for
	// ranges it returns true for.
	FailPermission func(addr propel.Address, n uint64, perm propel.Permission) bool
	// FailWrite, when set, makes Write fail for ranges it returns true
	// for.
	FailWrite func(addr propel.Address, n uint64) bool
	// FailRead, when set, makes Read fail for ranges it returns true
	// for.
	FailRead func(addr propel.Address, n uint64) bool
}

var _ interpreter.AddressSpace = (*AddressSpace)(nil)

// NewAddressSpace returns an empty address space.
func NewAddressSpace() *AddressSpace {
	return &AddressSpace{
		bytes: make(map[propel.Address]byte),
		perms: make(map[propel.Address]propel.Permission),
	}
}

// Map fills [addr, addr+len(data)) and sets perm on its pages without
// recording an operation.
func (a *AddressSpace) Map(addr propel.Address, data []byte, perm propel.Permission) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, b := range data {
		a.bytes[addr.Add(uint64(i))] = b
	}
	start, n := compute.PageSpan(addr, uint64(len(data)), PageSize)
	for p := start; p < start.Add(n); p += PageSize {
		a.perms[p] = perm
	}
}

func (a *AddressSpace) SetMemoryPermission(addr propel.Address, n uint64, perm propel.Permission) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	op := Op{Op: "mprotect", Addr: addr, Len: n, Perm: perm}
	if a.FailPermission != nil && a.FailPermission(addr, n, perm) {
		op.Err = fmt.Errorf("mprotect %s: permission denied", addr)
		a.ops = append(a.ops, op)
		return op.Err
	}
	start, span := compute.PageSpan(addr, n, PageSize)
	for p := start; p < start.Add(span); p += PageSize {
		a.perms[p] = perm
	}
	a.ops = append(a.ops, op)
	return nil
}

func (a *AddressSpace) Write(_ *propel.Object, dst propel.Address, src []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	op := Op{Op: "write", Addr: dst, Len: uint64(len(src)), Data: append([]byte(nil), src...)}
	if a.FailWrite != nil && a.FailWrite(dst, uint64(len(src))) {
		op.Err = fmt.Errorf("write %s: bad address", dst)
		a.ops = append(a.ops, op)
		return op.Err
	}
	for i, b := range src {
		a.bytes[dst.Add(uint64(i))] = b
	}
	a.ops = append(a.ops, op)
	return nil
}

func (a *AddressSpace) Read(addr propel.Address, n uint64) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.FailRead != nil && a.FailRead(addr, n) {
		return nil, fmt.Errorf("read %s: input/output error", addr)
	}
	out := make([]byte, n)
	for i := range out {
		out[i] = a.bytes[addr.Add(uint64(i))]
	}
	return out, nil
}

func (a *AddressSpace) Permission(addr propel.Address) (propel.Permission, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	p, ok := a.perms[compute.PageDown(addr, PageSize)]
	if !ok {
		return propel.PermNone, fmt.Errorf("address %s not mapped", addr)
	}
	return p, nil
}

func (a *AddressSpace) PageSize() uint64 { return PageSize }

// Bytes returns n bytes at addr without recording an operation.
func (a *AddressSpace) Bytes(addr propel.Address, n uint64) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]byte, n)
	for i := range out {
		out[i] = a.bytes[addr.Add(uint64(i))]
	}
	return out
}

// Ops returns the recorded operations.
func (a *AddressSpace) Ops() []Op {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Op(nil), a.ops...)
}

// OpStrings returns the recorded operations in their String form.
func (a *AddressSpace) OpStrings() []string {
	ops := a.Ops()
	out := make([]string, len(ops))
	for i, op := range ops {
		out[i] = op.String()
	}
	return out
}

// Writes returns the addresses written to, sorted.
func (a *AddressSpace) Writes() []propel.Address {
	var out []propel.Address
	for _, op := range a.Ops() {
		if op.Op == "write" && op.Err == nil {
			out = append(out, op.Addr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Manager wraps an address space.
type Manager struct {
	Space interpreter.AddressSpace
}

func (m *Manager) AS() interpreter.AddressSpace {
	if m == nil {
		return nil
	}
	return m.Space
}
