// Package propeller drives the patching strategies over a session's
// instrumentation points.
package propeller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/interpreter"
	"github.com/frobware/go-propel/lock"
	"github.com/frobware/go-propel/session"
	"github.com/frobware/go-propel/snippet"
	"github.com/frobware/go-propel/worker"
)

// SnippetFactory creates the snippet for a point.
type SnippetFactory interface {
	For(pt *propel.Point) propel.Snippet
}

// Options configures a Default propeller. Collaborators left nil are
// built from the session on the first run.
type Options struct {
	// Chain overrides the strategies.
	Chain worker.Worker
	// Snippets overrides snippet creation. When nil, Alloc must be set.
	Snippets SnippetFactory
	// Alloc provides blob memory for the default snippet factory.
	Alloc snippet.Allocator
	// Prober backs the trap strategy. Without it traps always fail.
	Prober interpreter.Prober
	Logger *slog.Logger
}

// Result counts the outcome of one run.
type Result struct {
	Installed int
	Skipped   int
	Failed    int
}

// Default installs every eligible point through a strategy chain, one
// point per acquisition of the propagation lock.
type Default struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	chain     worker.Worker
	snippets  SnippetFactory
	installed map[uint64]*propel.Point
	last      Result
}

var _ session.Propeller = (*Default)(nil)

// New returns the default propeller.
func New(opts Options) *Default {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Default{
		opts:      opts,
		logger:    logger.With("component", "propeller"),
		installed: make(map[uint64]*propel.Point),
	}
}

// setup builds the chain and snippet factory for s unless configured.
func (p *Default) setup(s *session.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.chain != nil {
		return nil
	}
	as := s.AS()
	if as == nil {
		return propel.Fatal("propeller setup", 0, errors.New("session has no address space"))
	}

	_, entry := s.Entry()
	_, exit := s.Exit()
	payloads := snippet.Payloads{Entry: entry, Exit: exit}

	p.snippets = p.opts.Snippets
	if p.snippets == nil {
		if p.opts.Alloc == nil {
			return errors.New("propeller: no snippet factory or blob allocator")
		}
		p.snippets = &snippet.Factory{AS: as, Alloc: p.opts.Alloc, Payloads: payloads}
	}

	p.chain = p.opts.Chain
	if p.chain == nil {
		p.chain = p.defaultChain(s, as, payloads)
	}
	p.logger.Debug("propeller ready", "strategies", strategyNames(p.chain), "payloads", payloads.Count())
	return nil
}

func (p *Default) defaultChain(s *session.Context, as interpreter.AddressSpace, payloads snippet.Payloads) *worker.Chain {
	trap := worker.NewTrap(p.opts.Prober, s.Logger())
	if s.TrapOnly() {
		return worker.NewChain(s.Logger(), trap)
	}
	opts := []worker.Option{
		worker.WithLogger(s.Logger()),
		worker.WithDumper(s.Parser()),
		worker.WithPayloads(payloads.Count()),
	}
	if j := s.Journal(); j != nil {
		opts = append(opts, worker.WithJournal(j, s.ID()))
	}
	return worker.NewChain(s.Logger(), worker.NewRelocCallBlock(as, opts...), trap)
}

func strategyNames(w worker.Worker) []string {
	if c, ok := w.(*worker.Chain); ok {
		return c.Names()
	}
	return []string{w.Name()}
}

// Go installs points. Points the parser excludes, points without a
// block and, in directcall-only mode, indirect calls are skipped. A
// point no strategy could install is counted and skipped; a fatal
// error stops the run and is returned.
func (p *Default) Go(ctx context.Context, s *session.Context, points []*propel.Point) error {
	if err := p.setup(s); err != nil {
		return err
	}

	start := time.Now()
	var res Result
	for _, pt := range points {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !p.eligible(s, pt) {
			res.Skipped++
			continue
		}
		if pt.Snippet == nil {
			pt.Snippet = p.snippets.For(pt)
		}

		err := s.Lock().Run(func(scope lock.Scope) error {
			applied, err := p.chain.Install(ctx, scope, pt)
			if err != nil {
				return err
			}
			p.mu.Lock()
			p.installed[pt.ID] = pt
			p.mu.Unlock()
			p.logger.Debug("installed point",
				"point", pt.ID, "function", pt.Function, "callee", pt.Callee,
				"strategy", applied.Strategy, "jump", applied.Jump, "depth", scope.Depth())
			return nil
		})
		if err != nil {
			if propel.IsFatal(err) {
				p.logger.Error("fatal error installing point", "point", pt.ID, "function", pt.Function, "error", err)
				return err
			}
			res.Failed++
			p.logger.Debug("point not installed", "point", pt.ID, "function", pt.Function, "error", err)
			continue
		}
		res.Installed++
	}

	p.mu.Lock()
	p.last = res
	p.mu.Unlock()

	p.logger.Info("instrumentation done",
		"points", len(points),
		"installed", res.Installed,
		"skipped", res.Skipped,
		"failed", res.Failed,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (p *Default) eligible(s *session.Context, pt *propel.Point) bool {
	if pt.Block == nil {
		return false
	}
	if s.DirectcallOnly() && pt.Indirect {
		return false
	}
	return !s.Parser().Excluded(pt)
}

// Result returns the counts of the last completed run.
func (p *Default) Result() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// Lookup returns the installed point with the given ID.
func (p *Default) Lookup(id uint64) (*propel.Point, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pt, ok := p.installed[id]
	return pt, ok
}

// Revert undoes every installed point. It stops at the first fatal
// error; other failures are joined.
func (p *Default) Revert(ctx context.Context, s *session.Context) error {
	p.mu.Lock()
	chain := p.chain
	pts := make([]*propel.Point, 0, len(p.installed))
	for _, pt := range p.installed {
		pts = append(pts, pt)
	}
	p.mu.Unlock()

	if chain == nil {
		return nil
	}

	var errs []error
	for _, pt := range pts {
		err := s.Lock().Run(func(scope lock.Scope) error {
			return chain.Undo(ctx, scope, pt)
		})
		if err != nil {
			if propel.IsFatal(err) {
				return err
			}
			errs = append(errs, fmt.Errorf("point %d: %w", pt.ID, err))
			continue
		}
		p.mu.Lock()
		delete(p.installed, pt.ID)
		p.mu.Unlock()
	}
	p.logger.Debug("reverted points", "count", len(pts)-len(errs))
	return errors.Join(errs...)
}
