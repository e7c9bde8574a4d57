package fake

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/frobware/go-propel"
	"github.com/frobware/go-propel/interpreter"
)

// Parser is a parser with a fixed set of points and symbols.
type Parser struct {
	mu sync.Mutex

	Manager   *Manager
	Agent     string
	Functions map[string]propel.Address
	Pts       []*propel.Point
	PointsErr error

	Libraries   []string
	FuncsDenied []string
	Closed      bool
}

var _ interpreter.Parser = (*Parser)(nil)

// NewParser returns a parser backed by as that resolves the default
// entry payload.
func NewParser(as interpreter.AddressSpace) *Parser {
	return &Parser{
		Manager: &Manager{Space: as},
		Agent:   "/usr/lib/libpropel-agent.so",
		Functions: map[string]propel.Address{
			"default_entry": 0x7e0000001000,
		},
	}
}

func (p *Parser) Mgr() interpreter.Manager {
	if p.Manager == nil {
		return nil
	}
	return p.Manager
}

func (p *Parser) SetLibrariesToInstrument(libs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Libraries = append(p.Libraries, libs...)
}

func (p *Parser) SetFuncsNotToInstrument(funcs []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.FuncsDenied = append(p.FuncsDenied, funcs...)
}

// Excluded rejects points in denied functions and points in libraries
// not on the library list.
func (p *Parser) Excluded(pt *propel.Point) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slices.Contains(p.FuncsDenied, pt.Function) {
		return true
	}
	if pt.Object != nil && pt.Object.Library {
		return !slices.Contains(p.Libraries, pt.Object.Name())
	}
	return false
}

func (p *Parser) AgentName() string { return p.Agent }

func (p *Parser) DumpInsns(addr propel.Address, n uint64) string {
	return fmt.Sprintf("<%d bytes at %s>", n, addr)
}

func (p *Parser) Points(context.Context) ([]*propel.Point, error) {
	if p.PointsErr != nil {
		return nil, p.PointsErr
	}
	return p.Pts, nil
}

func (p *Parser) FindFunction(name string) (propel.Address, error) {
	addr, ok := p.Functions[name]
	if !ok {
		return 0, fmt.Errorf("function %q not found", name)
	}
	return addr, nil
}

func (p *Parser) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Closed = true
	return nil
}
