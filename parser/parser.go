// Package parser finds instrumentation points in the running process.
//
// Modules are discovered from /proc/self/maps and their function
// symbols read from the ELF files backing them. Points are the call
// blocks of each function, found by a linear sweep over the function's
// live code. The main executable is always scanned; shared objects only
// when named in the library list.
package parser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/procfs"

	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/interpreter"
)

// DefaultCacheSize bounds the exclusion decision cache.
const DefaultCacheSize = 4096

// Parser implements interpreter.Parser for the current process.
type Parser struct {
	mgr    interpreter.Manager
	logger *slog.Logger
	agent  string
	exe    string
	maps   func() ([]*procfs.ProcMap, error)

	mu       sync.Mutex
	modules  []*Module
	loaded   bool
	libs     map[string]struct{}
	denied   map[string]struct{}
	excluded *lru.Cache[excludeKey, bool]
	nextID   uint64
}

var _ interpreter.Parser = (*Parser)(nil)

type excludeKey struct {
	object   string
	function string
}

// Option configures a Parser.
type Option func(*Parser)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Parser) { p.logger = l }
}

// WithAgentName sets the agent image injected into other processes.
func WithAgentName(path string) Option {
	return func(p *Parser) { p.agent = path }
}

// WithModules replaces module discovery with a fixed set. The first
// non-library module is the main executable.
func WithModules(mods ...*Module) Option {
	return func(p *Parser) {
		p.modules = mods
		p.loaded = true
	}
}

// WithExecutable names the main executable when discovering modules.
func WithExecutable(path string) Option {
	return func(p *Parser) { p.exe = path }
}

// New returns a parser over the address space owned by mgr.
func New(mgr interpreter.Manager, opts ...Option) (*Parser, error) {
	if mgr == nil {
		return nil, errors.New("parser needs an address space manager")
	}
	p := &Parser{
		mgr:    mgr,
		logger: slog.Default(),
		libs:   make(map[string]struct{}),
		denied: make(map[string]struct{}),
		maps:   selfMaps,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "parser")

	cache, err := lru.New[excludeKey, bool](DefaultCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create exclusion cache: %w", err)
	}
	p.excluded = cache

	if p.exe == "" {
		if self, err := procfs.Self(); err == nil {
			p.exe, _ = self.Executable()
		}
	}
	if p.agent == "" {
		p.agent = p.ownImage()
	}
	return p, nil
}

func selfMaps() ([]*procfs.ProcMap, error) {
	self, err := procfs.Self()
	if err != nil {
		return nil, err
	}
	return self.ProcMaps()
}

// anchor is a function whose address identifies the image this package
// is linked into.
func anchor() {}

// ownImage returns the file mapped at this package's code: the agent
// shared object when loaded as one, the executable otherwise.
func (p *Parser) ownImage() string {
	maps, err := p.maps()
	if err != nil {
		return p.exe
	}
	pc := reflect.ValueOf(anchor).Pointer()
	for _, m := range maps {
		if pc >= m.StartAddr && pc < m.EndAddr && strings.HasPrefix(m.Pathname, "/") {
			return m.Pathname
		}
	}
	return p.exe
}

func (p *Parser) Mgr() interpreter.Manager { return p.mgr }

func (p *Parser) AgentName() string { return p.agent }

// SetLibrariesToInstrument adds shared objects, by base name or path,
// to the library list.
func (p *Parser) SetLibrariesToInstrument(libs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, l := range libs {
		p.libs[l] = struct{}{}
	}
	p.excluded.Purge()
}

func (p *Parser) SetFuncsNotToInstrument(funcs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range funcs {
		p.denied[f] = struct{}{}
	}
	p.excluded.Purge()
}

// Excluded reports whether pt lies in a denied function or in a shared
// object not on the library list.
func (p *Parser) Excluded(pt *propel.Point) bool {
	key := excludeKey{function: pt.Function}
	if pt.Object != nil {
		key.object = pt.Object.Path
	}
	if v, ok := p.excluded.Get(key); ok {
		return v
	}

	p.mu.Lock()
	v := p.excludedLocked(pt.Object, pt.Function)
	p.mu.Unlock()

	p.excluded.Add(key, v)
	return v
}

func (p *Parser) excludedLocked(obj *propel.Object, function string) bool {
	if _, ok := p.denied[function]; ok {
		return true
	}
	if obj == nil || !obj.Library {
		return false
	}
	return !p.libraryAllowedLocked(obj)
}

func (p *Parser) libraryAllowedLocked(obj *propel.Object) bool {
	if _, ok := p.libs[obj.Path]; ok {
		return true
	}
	_, ok := p.libs[obj.Name()]
	return ok
}

// Modules returns the loaded modules, discovering them on first use.
func (p *Parser) Modules() ([]*Module, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.modulesLocked()
}

func (p *Parser) modulesLocked() ([]*Module, error) {
	if p.loaded {
		return p.modules, nil
	}
	maps, err := p.maps()
	if err != nil {
		return nil, fmt.Errorf("read mappings: %w", err)
	}
	for _, obj := range mappedObjects(maps) {
		if !obj.exec {
			continue
		}
		mod, err := LoadModule(obj.path, obj.start, obj.path != p.exe)
		if err != nil {
			p.logger.Debug("skipping module", "path", obj.path, "error", err)
			continue
		}
		p.logger.Debug("loaded module",
			"path", obj.path,
			"base", mod.Object.Base,
			"library", mod.Object.Library,
			"functions", len(mod.Functions))
		p.modules = append(p.modules, mod)
	}
	p.loaded = true
	return p.modules, nil
}

// FindFunction resolves name in the loaded modules, the main executable
// first.
func (p *Parser) FindFunction(name string) (propel.Address, error) {
	mods, err := p.Modules()
	if err != nil {
		return 0, err
	}
	for _, m := range mods {
		if fn, ok := m.lookup(name); ok {
			return fn.Addr, nil
		}
	}
	return 0, fmt.Errorf("function %q not found", name)
}

// Points returns the call blocks of every function in the modules
// selected for instrumentation. Point IDs are unique within the parser.
func (p *Parser) Points(ctx context.Context) ([]*propel.Point, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	mods, err := p.modulesLocked()
	if err != nil {
		return nil, err
	}
	as := p.mgr.AS()
	if as == nil {
		return nil, errors.New("no address space")
	}

	names := make(map[propel.Address]string)
	for _, m := range mods {
		for _, fn := range m.Functions {
			names[fn.Addr] = fn.Name
		}
		for addr, name := range m.Stubs {
			names[addr] = name
		}
	}

	var points []*propel.Point
	for _, m := range mods {
		if m.Object.Library && !p.libraryAllowedLocked(m.Object) {
			continue
		}
		if filepath.Clean(m.Object.Path) == filepath.Clean(p.agent) && m.Object.Library {
			continue
		}
		for _, fn := range m.Functions {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			if _, ok := p.denied[fn.Name]; ok {
				continue
			}
			code, err := as.Read(fn.Addr, fn.Size)
			if err != nil {
				p.logger.Debug("skipping unreadable function", "function", fn.Name, "addr", fn.Addr, "error", err)
				continue
			}
			for _, cb := range SplitBlocks(code, fn.Addr) {
				block := cb.Block
				p.nextID++
				points = append(points, &propel.Point{
					ID:       p.nextID,
					Function: fn.Name,
					Callee:   names[cb.Target],
					Indirect: cb.Indirect,
					Block:    &block,
					Object:   m.Object,
				})
			}
		}
	}
	p.logger.Debug("found points", "count", len(points), "modules", len(mods))
	return points, nil
}

// DumpInsns disassembles n bytes at addr.
func (p *Parser) DumpInsns(addr propel.Address, n uint64) string {
	as := p.mgr.AS()
	if as == nil {
		return ""
	}
	code, err := as.Read(addr, n)
	if err != nil {
		return fmt.Sprintf("%s: <%v>", addr, err)
	}
	return Disassemble(code, addr)
}

// Close drops cached state and closes the address space when it holds
// resources.
func (p *Parser) Close() error {
	p.excluded.Purge()
	if as := p.mgr.AS(); as != nil {
		if c, ok := as.(io.Closer); ok {
			return c.Close()
		}
	}
	return nil
}
