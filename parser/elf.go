package parser

import (
	"bytes"
	"debug/elf"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/prometheus/procfs"

	"github.com/frobware/go-propel"
)

// Function is a function symbol at its runtime address.
type Function struct {
	Name string
	Addr propel.Address
	Size uint64
}

// Module is a loaded object and its function symbols.
type Module struct {
	Object    *propel.Object
	Functions []Function
	// Stubs names the PLT entries of the module by the imported
	// function they jump to.
	Stubs map[propel.Address]string
}

// lookup returns the function starting at addr.
func (m *Module) lookup(name string) (Function, bool) {
	for _, fn := range m.Functions {
		if fn.Name == name {
			return fn, true
		}
	}
	return Function{}, false
}

// LoadModule reads the function symbols of the ELF file at path and
// relocates them by the load address of its first mapping.
func LoadModule(path string, mapStart propel.Address, library bool) (*Module, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if f.Machine != elf.EM_X86_64 {
		return nil, fmt.Errorf("%s: unsupported machine %s", path, f.Machine)
	}

	bias := LoadBias(f, mapStart)
	mod := &Module{
		Object: &propel.Object{Path: path, Base: bias, Library: library},
	}

	seen := make(map[uint64]bool)
	add := func(syms []elf.Symbol) {
		for _, s := range syms {
			if elf.ST_TYPE(s.Info) != elf.STT_FUNC || s.Value == 0 || s.Size == 0 || s.Section == elf.SHN_UNDEF {
				continue
			}
			if seen[s.Value] {
				continue
			}
			seen[s.Value] = true
			mod.Functions = append(mod.Functions, Function{
				Name: symbolName(s.Name),
				Addr: bias.Add(s.Value),
				Size: s.Size,
			})
		}
	}

	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("%s: read symbols: %w", path, err)
	}
	add(syms)

	dyn, err := f.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, fmt.Errorf("%s: read dynamic symbols: %w", path, err)
	}
	add(dyn)

	stubs, err := pltStubs(f, dyn)
	if err != nil {
		return nil, fmt.Errorf("%s: read plt: %w", path, err)
	}
	mod.Stubs = make(map[propel.Address]string, len(stubs))
	for addr, name := range stubs {
		mod.Stubs[bias.Add(addr)] = name
	}

	sort.Slice(mod.Functions, func(i, j int) bool {
		return mod.Functions[i].Addr < mod.Functions[j].Addr
	})
	return mod, nil
}

// ReadFunction returns the function named name in the ELF file at
// path, at its link-time address, together with its code.
func ReadFunction(path, name string) (Function, []byte, error) {
	mod, err := LoadModule(path, 0, false)
	if err != nil {
		return Function{}, nil, err
	}
	fn, ok := mod.lookup(name)
	if !ok {
		return Function{}, nil, fmt.Errorf("%s: function %q not found", path, name)
	}
	fn.Addr -= mod.Object.Base

	f, err := elf.Open(path)
	if err != nil {
		return Function{}, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_PROGBITS || sec.Flags&elf.SHF_EXECINSTR == 0 {
			continue
		}
		start := uint64(fn.Addr)
		if start < sec.Addr || start+fn.Size > sec.Addr+sec.Size {
			continue
		}
		code := make([]byte, fn.Size)
		if _, err := sec.ReadAt(code, int64(start-sec.Addr)); err != nil {
			return Function{}, nil, fmt.Errorf("%s: read %s: %w", path, name, err)
		}
		return fn, code, nil
	}
	return Function{}, nil, fmt.Errorf("%s: %s at %s is outside any code section", path, name, fn.Addr)
}

// pltStubs maps the link-time address of each PLT entry to the name
// of the symbol whose GOT slot the entry jumps through. Entries are
// found by their "jmp *slot(%rip)" instruction, which covers the lazy
// .plt, the IBT .plt.sec and .plt.got.
func pltStubs(f *elf.File, dyn []elf.Symbol) (map[uint64]string, error) {
	slots := make(map[uint64]string)
	for _, name := range []string{".rela.plt", ".rela.dyn"} {
		sec := f.Section(name)
		if sec == nil || sec.Type != elf.SHT_RELA {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		for off := 0; off+24 <= len(data); off += 24 {
			rOff := f.ByteOrder.Uint64(data[off:])
			info := f.ByteOrder.Uint64(data[off+8:])
			typ := elf.R_X86_64(elf.R_TYPE64(info))
			if typ != elf.R_X86_64_JMP_SLOT && typ != elf.R_X86_64_GLOB_DAT {
				continue
			}
			// DynamicSymbols omits the null symbol at index 0.
			idx := int(elf.R_SYM64(info))
			if idx == 0 || idx > len(dyn) {
				continue
			}
			if n := symbolName(dyn[idx-1].Name); n != "" {
				slots[rOff] = n
			}
		}
	}
	if len(slots) == 0 {
		return nil, nil
	}

	stubs := make(map[uint64]string)
	for _, name := range []string{".plt", ".plt.sec", ".plt.got"} {
		sec := f.Section(name)
		if sec == nil || sec.Flags&elf.SHF_EXECINSTR == 0 {
			continue
		}
		code, err := sec.Data()
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		entsize := int(sec.Entsize)
		if entsize == 0 {
			entsize = 16
		}
		for start := 0; start+entsize <= len(code); start += entsize {
			entry := code[start : start+entsize]
			i := bytes.Index(entry, []byte{0xFF, 0x25})
			if i < 0 || i+6 > len(entry) {
				continue
			}
			next := sec.Addr + uint64(start+i+6)
			disp := int32(f.ByteOrder.Uint32(entry[i+2:]))
			if n, ok := slots[uint64(int64(next)+int64(disp))]; ok {
				stubs[sec.Addr+uint64(start)] = n
			}
		}
	}
	return stubs, nil
}

// symbolName strips a symbol version suffix ("read@@GLIBC_2.2.5").
func symbolName(s string) string {
	if i := strings.IndexByte(s, '@'); i > 0 {
		return s[:i]
	}
	return s
}

// LoadBias returns the difference between runtime and link-time
// addresses. Position-dependent executables are loaded where they were
// linked; shared objects and PIEs are shifted so that the segment at
// file offset 0 lands at mapStart.
func LoadBias(f *elf.File, mapStart propel.Address) propel.Address {
	if f.Type != elf.ET_DYN {
		return 0
	}
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD {
			continue
		}
		vaddr := p.Vaddr - p.Off
		if p.Align > 1 {
			vaddr &^= p.Align - 1
		}
		return mapStart - propel.Address(vaddr)
	}
	return mapStart
}

// mappedObject is one file mapped into the process.
type mappedObject struct {
	path string
	// start is where file offset 0 is mapped, or the lowest mapping
	// when offset 0 is not mapped.
	start propel.Address
	zero  bool
	exec  bool
}

// mappedObjects groups maps entries by backing file, in order of first
// appearance.
func mappedObjects(maps []*procfs.ProcMap) []mappedObject {
	var out []mappedObject
	index := make(map[string]int)
	for _, m := range maps {
		if !strings.HasPrefix(m.Pathname, "/") || strings.HasSuffix(m.Pathname, "(deleted)") {
			continue
		}
		i, ok := index[m.Pathname]
		if !ok {
			i = len(out)
			index[m.Pathname] = i
			out = append(out, mappedObject{path: m.Pathname, start: propel.Address(m.StartAddr)})
		}
		if m.Offset == 0 && !out[i].zero {
			out[i].start = propel.Address(m.StartAddr)
			out[i].zero = true
		}
		if m.Perms != nil && m.Perms.Execute {
			out[i].exec = true
		}
	}
	return out
}
