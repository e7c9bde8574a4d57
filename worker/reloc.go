package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/action"
	"github.com/frobware/go-propel/compute"
	"github.com/frobware/go-propel/interpreter"
	"github.com/frobware/go-propel/logging"
	"github.com/frobware/go-propel/lock"
)

// RelocCallBlockName is the strategy name of RelocCallBlock.
const RelocCallBlockName = "reloc-callblk"

// Dumper disassembles code for logging.
type Dumper interface {
	DumpInsns(addr propel.Address, n uint64) string
}

// RelocCallBlock redirects a call block to a blob holding the
// instrumentation and a relocated copy of the block.
//
// The block's first bytes are overwritten with a 5-byte relative jump
// when the blob is within rel32 reach, or with the snippet's absolute
// jump when the block is large enough to hold it.
type RelocCallBlock struct {
	as       interpreter.AddressSpace
	exec     interpreter.ActionExecutor
	dumper   Dumper
	payloads int
	session  uuid.UUID
	pid      int
	logger   *slog.Logger

	mu      sync.Mutex
	patches map[propel.Address]installed
}

type installed struct {
	plan     compute.JumpPlan
	original []byte
	perm     propel.Permission
}

var _ Worker = (*RelocCallBlock)(nil)

// Option configures a RelocCallBlock.
type Option func(*RelocCallBlock)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *RelocCallBlock) { w.logger = logger }
}

// WithJournal records patches in j under the given session.
func WithJournal(j interpreter.Journal, session uuid.UUID) Option {
	return func(w *RelocCallBlock) {
		w.exec = interpreter.NewExecutor(w.as, j)
		w.session = session
	}
}

// WithDumper logs instruction dumps before and after patching.
func WithDumper(d Dumper) Option {
	return func(w *RelocCallBlock) { w.dumper = d }
}

// WithPayloads sets how many payload calls each blob carries (entry
// only, or entry and exit).
func WithPayloads(n int) Option {
	return func(w *RelocCallBlock) { w.payloads = n }
}

// NewRelocCallBlock returns the call-block relocation strategy working
// against as.
func NewRelocCallBlock(as interpreter.AddressSpace, opts ...Option) *RelocCallBlock {
	w := &RelocCallBlock{
		as:       as,
		exec:     interpreter.NewExecutor(as, nil),
		payloads: 1,
		pid:      os.Getpid(),
		logger:   slog.Default(),
		patches:  make(map[propel.Address]installed),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "worker", "strategy", RelocCallBlockName)
	return w
}

func (w *RelocCallBlock) Name() string { return RelocCallBlockName }

// Install redirects pt's block to its blob.
func (w *RelocCallBlock) Install(ctx context.Context, _ lock.Scope, pt *propel.Point) (Applied, error) {
	if pt.Block == nil {
		return Applied{}, fmt.Errorf("point %d has no block", pt.ID)
	}
	if pt.Snippet == nil {
		return Applied{}, fmt.Errorf("point %d: %w", pt.ID, propel.ErrNoBlobAvailable)
	}
	snip := pt.Snippet
	block := *pt.Block

	est := compute.EstimateBlobSize(block.Size, w.payloads, snip.JumpAbsSize())
	blob, err := snip.GetBlob(est)
	if err != nil {
		if errors.Is(err, propel.ErrNoBlobAvailable) {
			return Applied{}, err
		}
		return Applied{}, fmt.Errorf("%w: %v", propel.ErrNoBlobAvailable, err)
	}

	plan, err := compute.PlanJump(block, blob, snip.JumpAbsSize(), snip.EmitJumpAbs)
	if err != nil {
		w.logger.Debug("cannot patch block", "point", pt.ID, "block", block, "blob", blob, "error", err)
		return Applied{}, err
	}

	if err := w.install(ctx, pt, plan, est); err != nil {
		return Applied{}, err
	}

	w.logger.Debug("patched block",
		"point", pt.ID, "function", pt.Function, "block", block,
		"blob", blob, "jump", plan.Kind, "len", plan.Len())
	return Applied{Strategy: w.Name(), Blob: blob, Jump: plan.Kind, Len: plan.Len()}, nil
}

// install builds the blob and writes the planned jump over the block.
func (w *RelocCallBlock) install(ctx context.Context, pt *propel.Point, plan compute.JumpPlan, est uint64) error {
	page := w.as.PageSize()
	start := plan.From

	built, err := pt.Snippet.BuildBlob(est, true)
	if err != nil {
		return propel.Fatal("build blob", start, err)
	}
	if uint64(built) < page {
		return propel.Fatal("build blob", start, propel.ErrImplausibleAddress{Addr: built, What: "blob"})
	}
	if built != plan.To {
		return propel.Fatal("build blob", start, fmt.Errorf("blob moved from %s to %s", plan.To, built))
	}

	err = w.exec.Execute(ctx, action.SetMemoryPermission{Addr: built, Len: est, Perm: propel.PermRWX})
	if err != nil {
		return propel.Fatal("set blob permission", built, err)
	}

	if uint64(start) < page {
		return propel.ErrImplausibleAddress{Addr: start, What: "block"}
	}

	perm, err := w.as.Permission(start)
	if err != nil {
		w.logger.Debug("original permission unknown, assuming r-x", "addr", start, "error", err)
		perm = propel.PermRX
	}

	original, err := w.as.Read(start, plan.Len())
	if err != nil {
		return fmt.Errorf("save original bytes at %s: %w", start, err)
	}

	err = w.exec.Execute(ctx, action.SetMemoryPermission{Addr: start, Len: plan.Len(), Perm: propel.PermRWX})
	if err != nil {
		w.logger.Warn("cannot make block writable", "point", pt.ID, "addr", start, "error", err)
		return propel.ErrPermission{Addr: start, Len: plan.Len(), Perm: propel.PermRWX, Err: err}
	}

	if w.dumper != nil && w.logger.Enabled(ctx, logging.LevelTrace.ToSlog()) {
		w.logger.Log(ctx, logging.LevelTrace.ToSlog(), "block before patch",
			"point", pt.ID, "insns", w.dumper.DumpInsns(start, pt.Block.Size))
	}

	err = w.exec.Execute(ctx, action.WriteCode{Object: pt.Object, Addr: start, Code: plan.Code})
	if err != nil {
		return propel.Fatal("write jump", start, err)
	}

	if w.dumper != nil && w.logger.Enabled(ctx, logging.LevelTrace.ToSlog()) {
		w.logger.Log(ctx, logging.LevelTrace.ToSlog(), "block after patch",
			"point", pt.ID, "insns", w.dumper.DumpInsns(start, pt.Block.Size))
	}

	w.mu.Lock()
	w.patches[start] = installed{plan: plan, original: original, perm: perm}
	w.mu.Unlock()

	rec := propel.PatchRecord{
		Session:   w.session,
		Pid:       w.pid,
		PointID:   pt.ID,
		Function:  pt.Function,
		Object:    pt.Object.Name(),
		Addr:      start,
		Blob:      plan.To,
		Strategy:  w.Name(),
		Original:  original,
		CreatedAt: time.Now(),
	}
	if err := w.exec.Execute(ctx, action.RecordPatch{Patch: rec}); err != nil {
		w.logger.Warn("failed to journal patch", "addr", start, "error", err)
	}
	return nil
}

// Undo restores the bytes and permission the block had before Install.
func (w *RelocCallBlock) Undo(ctx context.Context, _ lock.Scope, pt *propel.Point) error {
	start := blockStart(pt)

	w.mu.Lock()
	p, ok := w.patches[start]
	w.mu.Unlock()
	if !ok {
		return propel.ErrNotInstalled{Addr: start}
	}

	n := p.plan.Len()
	err := w.exec.Execute(ctx, action.SetMemoryPermission{Addr: start, Len: n, Perm: propel.PermRWX})
	if err != nil {
		return propel.ErrPermission{Addr: start, Len: n, Perm: propel.PermRWX, Err: err}
	}
	if err := w.exec.Execute(ctx, action.WriteCode{Object: pt.Object, Addr: start, Code: p.original}); err != nil {
		return propel.Fatal("restore block", start, err)
	}
	if err := w.exec.Execute(ctx, action.SetMemoryPermission{Addr: start, Len: n, Perm: p.perm}); err != nil {
		w.logger.Warn("cannot restore block permission", "addr", start, "perm", p.perm, "error", err)
	}

	w.mu.Lock()
	delete(w.patches, start)
	w.mu.Unlock()

	if err := w.exec.Execute(ctx, action.DeletePatch{Pid: w.pid, Addr: start}); err != nil {
		w.logger.Warn("failed to remove patch from journal", "addr", start, "error", err)
	}
	w.logger.Debug("restored block", "point", pt.ID, "addr", start)
	return nil
}

// Installed reports whether a patch is in place at addr.
func (w *RelocCallBlock) Installed(addr propel.Address) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.patches[addr]
	return ok
}
