// Package ebpf attaches kernel uprobes that count executions of
// instrumented blocks.
//
// Every probe runs the same small program: it reads the attach cookie
// (the point ID) and increments that key in a shared hash map. Keys are
// inserted from userspace before the probe is attached, so the program
// never creates entries.
package ebpf

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"github.com/prometheus/procfs"

	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/interpreter"
)

// DefaultMaxProbes bounds the number of points probed at once.
const DefaultMaxProbes = 4096

// Prober owns the counting program and its map.
type Prober struct {
	logger *slog.Logger

	mu     sync.Mutex
	prog   *ebpf.Program
	counts *ebpf.Map
	closed bool
}

var _ interpreter.Prober = (*Prober)(nil)

// Option configures a Prober.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	maxProbes uint32
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMaxProbes sets the capacity of the hit map.
func WithMaxProbes(n uint32) Option {
	return func(o *options) { o.maxProbes = n }
}

// New loads the counting program. It needs CAP_BPF and CAP_PERFMON (or
// root).
func New(opts ...Option) (*Prober, error) {
	o := options{logger: slog.Default(), maxProbes: DefaultMaxProbes}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger.With("component", "ebpf")

	if err := rlimit.RemoveMemlock(); err != nil {
		logger.Debug("remove memlock rlimit", "error", err)
	}

	counts, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "propel_hits",
		Type:       ebpf.Hash,
		KeySize:    8,
		ValueSize:  8,
		MaxEntries: o.maxProbes,
	})
	if err != nil {
		return nil, fmt.Errorf("create hit map: %w", err)
	}

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "propel_count",
		Type:         ebpf.Kprobe,
		License:      "GPL",
		Instructions: countingProgram(counts),
	})
	if err != nil {
		counts.Close()
		return nil, fmt.Errorf("load counting program: %w", err)
	}

	logger.Debug("loaded counting program", "max_probes", o.maxProbes)
	return &Prober{logger: logger, prog: prog, counts: counts}, nil
}

// countingProgram increments counts[cookie].
func countingProgram(counts *ebpf.Map) asm.Instructions {
	return asm.Instructions{
		// r1 holds the context.
		asm.FnGetAttachCookie.Call(),
		asm.StoreMem(asm.RFP, -8, asm.R0, asm.DWord),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, -8),
		asm.LoadMapPtr(asm.R1, counts.FD()),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "out"),
		asm.Mov.Imm(asm.R1, 1),
		asm.StoreXAdd(asm.R0, asm.R1, asm.DWord),
		asm.Mov.Imm(asm.R0, 0).WithSymbol("out"),
		asm.Return(),
	}
}

// Attach places a uprobe on addr in pid. The executable and file
// offset are taken from pid's mappings; obj is only used for logging.
func (p *Prober) Attach(pid int, obj *propel.Object, addr propel.Address, cookie uint64) (interpreter.Probe, error) {
	path, offset, err := fileOffset(pid, addr)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("prober closed")
	}

	if err := p.counts.Update(cookie, uint64(0), ebpf.UpdateAny); err != nil {
		return nil, fmt.Errorf("init hit counter %d: %w", cookie, err)
	}

	ex, err := link.OpenExecutable(path)
	if err != nil {
		_ = p.counts.Delete(cookie)
		return nil, fmt.Errorf("open executable %s: %w", path, err)
	}
	lnk, err := ex.Uprobe("", p.prog, &link.UprobeOptions{
		Address: offset,
		PID:     pid,
		Cookie:  cookie,
	})
	if err != nil {
		_ = p.counts.Delete(cookie)
		return nil, fmt.Errorf("attach uprobe at %s+0x%x: %w", path, offset, err)
	}

	p.logger.Debug("attached uprobe",
		"pid", pid,
		"object", obj.Name(),
		"addr", addr,
		"path", path,
		"offset", offset,
		"cookie", cookie)
	return &probe{p: p, link: lnk, cookie: cookie}, nil
}

// Close detaches nothing: probes must be closed first. It unloads the
// program and map.
func (p *Prober) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return errors.Join(p.prog.Close(), p.counts.Close())
}

func (p *Prober) hits(cookie uint64) (uint64, error) {
	var n uint64
	if err := p.counts.Lookup(cookie, &n); err != nil {
		return 0, fmt.Errorf("lookup hits for %d: %w", cookie, err)
	}
	return n, nil
}

type probe struct {
	p      *Prober
	link   link.Link
	cookie uint64
	once   sync.Once
	err    error
}

func (pr *probe) Hits() (uint64, error) {
	return pr.p.hits(pr.cookie)
}

func (pr *probe) Close() error {
	pr.once.Do(func() {
		pr.err = pr.link.Close()
		_ = pr.p.counts.Delete(pr.cookie)
	})
	return pr.err
}

// fileOffset translates a virtual address in pid into the backing file
// and the offset within it.
func fileOffset(pid int, addr propel.Address) (string, uint64, error) {
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return "", 0, fmt.Errorf("open proc %d: %w", pid, err)
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return "", 0, fmt.Errorf("read maps of %d: %w", pid, err)
	}
	return OffsetIn(maps, addr)
}

// OffsetIn finds addr in maps and returns the file backing it and the
// file offset.
func OffsetIn(maps []*procfs.ProcMap, addr propel.Address) (string, uint64, error) {
	for _, m := range maps {
		if uintptr(addr) < m.StartAddr || uintptr(addr) >= m.EndAddr {
			continue
		}
		if m.Pathname == "" || m.Pathname[0] != '/' {
			return "", 0, fmt.Errorf("address %s is in anonymous mapping %q", addr, m.Pathname)
		}
		return m.Pathname, uint64(uintptr(addr)-m.StartAddr) + uint64(m.Offset), nil
	}
	return "", 0, fmt.Errorf("address %s not mapped", addr)
}
