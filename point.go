// Package propel holds the domain types shared by the instrumentation
// agent: code addresses, blocks, instrumentation points, snippets and
// IPC channels.
package propel

import (
	"fmt"
	"strings"
)

// Address is a virtual address in the instrumented process.
type Address uint64

// String formats the address as hex.
func (a Address) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// Add returns a displaced by n bytes.
func (a Address) Add(n uint64) Address {
	return a + Address(n)
}

// Permission is a set of page protection bits.
type Permission uint8

const (
	PermRead Permission = 1 << iota
	PermWrite
	PermExec

	PermNone Permission = 0
	PermRX              = PermRead | PermExec
	PermRW              = PermRead | PermWrite
	PermRWX             = PermRead | PermWrite | PermExec
)

// String renders the permission in /proc/<pid>/maps style ("r-x").
func (p Permission) String() string {
	var b strings.Builder
	for _, bit := range []struct {
		p Permission
		c byte
	}{{PermRead, 'r'}, {PermWrite, 'w'}, {PermExec, 'x'}} {
		if p&bit.p != 0 {
			b.WriteByte(bit.c)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// ParsePermission parses the first three characters of a maps
// permission field ("r-xp").
func ParsePermission(s string) (Permission, error) {
	if len(s) < 3 {
		return PermNone, fmt.Errorf("invalid permission %q", s)
	}
	var p Permission
	for i, c := range []byte{'r', 'w', 'x'} {
		switch s[i] {
		case c:
			p |= 1 << i
		case '-':
		default:
			return PermNone, fmt.Errorf("invalid permission %q", s)
		}
	}
	return p, nil
}

// Block is a contiguous range of instructions ending in a call. It is
// built by the parser and never mutated afterwards.
type Block struct {
	// Start is the address of the first instruction.
	Start Address
	// Last is the address of the last instruction (the call).
	Last Address
	// Size is the length of the block in bytes.
	Size uint64
}

// End returns the address one past the block.
func (b Block) End() Address {
	return b.Start.Add(b.Size)
}

// Contains reports whether addr falls inside the block.
func (b Block) Contains(addr Address) bool {
	return addr >= b.Start && addr < b.End()
}

func (b Block) String() string {
	return fmt.Sprintf("[%s, %s) last=%s", b.Start, b.End(), b.Last)
}

// Object is a loaded module (the executable or a shared library).
type Object struct {
	// Path is the file backing the module.
	Path string
	// Base is the load bias of the module.
	Base Address
	// Library is true for shared objects.
	Library bool
}

// Name returns the base name of the module.
func (o *Object) Name() string {
	if o == nil {
		return ""
	}
	if i := strings.LastIndexByte(o.Path, '/'); i >= 0 {
		return o.Path[i+1:]
	}
	return o.Path
}

// Point is an instrumentation site: one call block inside one object,
// plus the snippet that generates its blob.
type Point struct {
	// ID identifies the point within a session. It is handed to the
	// payload functions.
	ID uint64
	// Function is the name of the function containing the block.
	Function string
	// Callee is the resolved target name of a direct call, empty for
	// indirect calls.
	Callee string
	// Indirect is true when the call target is computed at runtime.
	Indirect bool

	Block   *Block
	Object  *Object
	Snippet Snippet
}

func (p *Point) String() string {
	if p.Block == nil {
		return fmt.Sprintf("point %d (%s) without block", p.ID, p.Function)
	}
	return fmt.Sprintf("point %d %s+%s", p.ID, p.Function, p.Block)
}

// Snippet generates the out-of-line blob a block is redirected to.
//
// A snippet's blob is stable once reserved: requesting it again with a
// size that fits the reservation returns the same address, and
// rebuilding rewrites the same bytes.
type Snippet interface {
	// GetBlob reserves (or returns the reserved) blob of at least size
	// bytes. It fails with ErrNoBlobAvailable when no blob can be had.
	GetBlob(size uint64) (Address, error)
	// BuildBlob fills the reserved blob. With reloc set the block's
	// own instructions are relocated into it.
	BuildBlob(size uint64, reloc bool) (Address, error)
	// BlobSize is the size of the current reservation.
	BlobSize() uint64
	// JumpAbsSize is the length of the absolute jump EmitJumpAbs
	// produces.
	JumpAbsSize() uint64
	// EmitJumpAbs encodes an absolute jump to target.
	EmitJumpAbs(target Address) []byte
}
