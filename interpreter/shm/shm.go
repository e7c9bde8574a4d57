// Package shm holds the pid-indexed table of tracing flags shared by
// every instrumented process on the host.
package shm

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/interpreter"
)

const (
	// DefaultKey identifies the host-wide table.
	DefaultKey = 1987
	// DefaultSize is one byte per pid slot.
	DefaultSize = 32768
	// DefaultMode lets processes of any user attach.
	DefaultMode = 0o666
)

// table implements the slot accessors over a byte region. Slots are
// read and written with atomic byte operations so a reader never sees
// a torn value; there is no ordering between slots.
type table struct {
	data []byte
}

func (t *table) Size() int { return len(t.data) }

// Get returns the flag for pid, or 0 when pid has no slot.
func (t *table) Get(pid int) byte {
	if pid < 0 || pid >= len(t.data) {
		return 0
	}
	return loadByte(&t.data[pid])
}

func (t *table) Set(pid int, v byte) error {
	if pid < 0 || pid >= len(t.data) {
		return &propel.ErrPidOutOfRange{Pid: pid, Size: len(t.data)}
	}
	storeByte(&t.data[pid], v)
	return nil
}

// Go has no byte-wide atomics; operate on the aligned word containing
// the byte.
func word(p *byte) (*uint32, uint) {
	off := uintptr(unsafe.Pointer(p)) & 3
	return (*uint32)(unsafe.Add(unsafe.Pointer(p), -int(off))), uint(off) * 8
}

func loadByte(p *byte) byte {
	w, shift := word(p)
	return byte(atomic.LoadUint32(w) >> shift)
}

func storeByte(p *byte, v byte) {
	w, shift := word(p)
	mask := uint32(0xFF) << shift
	for {
		old := atomic.LoadUint32(w)
		nw := old&^mask | uint32(v)<<shift
		if atomic.CompareAndSwapUint32(w, old, nw) {
			return
		}
	}
}

// Local is a table private to this process.
type Local struct {
	table
}

var _ interpreter.TracingTable = (*Local)(nil)

// NewLocal returns a zeroed in-process table of size slots. The
// backing store is word-aligned so the atomic accessors are valid.
func NewLocal(size int) (*Local, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid table size %d", size)
	}
	words := make([]uint32, (size+3)/4)
	data := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	return &Local{table{data: data}}, nil
}

func (l *Local) Detach() error { return nil }
