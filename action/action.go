// Package action contains reified effects - descriptions of what to do
// to the instrumented process without actually doing it. These are
// pure data structures; interpreter.Executor carries them out.
package action

import (
	"github.com/frobware/go-propel"
)

// Action represents an effect to be executed.
// Actions are data - they describe what to do, not how.
type Action interface {
	isAction()
}

// Memory actions - operations on the address space

// SetMemoryPermission changes the protection of [Addr, Addr+Len).
type SetMemoryPermission struct {
	Addr propel.Address
	Len  uint64
	Perm propel.Permission
}

func (SetMemoryPermission) isAction() {}

// WriteCode overwrites code at Addr inside Object.
type WriteCode struct {
	Object *propel.Object
	Addr   propel.Address
	Code   []byte
}

func (WriteCode) isAction() {}

// Journal actions - operations on the instrumentation journal

// RecordPatch journals a patch that was written.
type RecordPatch struct {
	Patch propel.PatchRecord
}

func (RecordPatch) isAction() {}

// DeletePatch removes the journal entry for the patch at Addr.
type DeletePatch struct {
	Pid  int
	Addr propel.Address
}

func (DeletePatch) isAction() {}

// RecordInjection journals an agent injection into another process.
type RecordInjection struct {
	Injection propel.InjectionRecord
}

func (RecordInjection) isAction() {}

// Composite actions

// Sequence executes actions in order, stopping on the first error.
type Sequence struct {
	Actions []Action
}

func (Sequence) isAction() {}
