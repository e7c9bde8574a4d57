package interpreter

import (
	"context"
	"fmt"

	"github.com/frobware/go-propel/action"
)

// ActionExecutor executes reified actions.
type ActionExecutor interface {
	Execute(ctx context.Context, a action.Action) error
	ExecuteAll(ctx context.Context, actions []action.Action) error
}

// executor interprets and executes actions.
type executor struct {
	mem     MemoryWriter
	journal Journal
}

// NewExecutor creates a new action executor. journal may be nil, in
// which case journal actions are dropped.
func NewExecutor(mem MemoryWriter, journal Journal) ActionExecutor {
	return &executor{
		mem:     mem,
		journal: journal,
	}
}

// Execute runs a single action.
func (e *executor) Execute(ctx context.Context, a action.Action) error {
	switch a := a.(type) {
	case action.SetMemoryPermission:
		return e.mem.SetMemoryPermission(a.Addr, a.Len, a.Perm)

	case action.WriteCode:
		return e.mem.Write(a.Object, a.Addr, a.Code)

	case action.RecordPatch:
		if e.journal == nil {
			return nil
		}
		return e.journal.SavePatch(ctx, a.Patch)

	case action.DeletePatch:
		if e.journal == nil {
			return nil
		}
		return e.journal.DeletePatch(ctx, a.Pid, a.Addr)

	case action.RecordInjection:
		if e.journal == nil {
			return nil
		}
		return e.journal.SaveInjection(ctx, a.Injection)

	case action.Sequence:
		return e.ExecuteAll(ctx, a.Actions)

	default:
		return fmt.Errorf("unknown action type: %T", a)
	}
}

// ExecuteAll runs multiple actions, stopping on first error.
func (e *executor) ExecuteAll(ctx context.Context, actions []action.Action) error {
	for _, a := range actions {
		if err := e.Execute(ctx, a); err != nil {
			return err
		}
	}
	return nil
}
