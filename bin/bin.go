package bin

import (
	"debug/elf"
	"log"
	"os"

	"github.com/mewkiz/pkg/term"
	"github.com/pkg/errors"
)

var (
	// dbg is a logger which logs debug messages with "bin:" prefix to standard
	// error.
	dbg = log.New(os.Stderr, term.MagentaBold("bin:")+" ", 0)
	// warn is a logger which logs warning messages with "warning:" prefix to
	// standard error.
	warn = log.New(os.Stderr, term.RedBold("warning:")+" ", 0)
)

// A File is a binary executable opened for analysis. It records the processor
// mode, entry point, sections and symbols of the executable, and caches the
// contents of sections as they are needed.
type File struct {
	// Path of the binary executable.
	Path string
	// Path of the output executable; reserved for patching, no operation
	// writes to it yet.
	OutputPath string
	// Processor mode (32 or 64-bit execution mode).
	Mode int
	// Entry point of the executable.
	Entry Addr
	// Sections of the executable, in section header order.
	Sections []*Section
	// Symbols of the executable, in symbol table order.
	Syms []*Symbol
	// Underlying ELF file; nil for synthetic files.
	file *elf.File
	// Maps from section load address to cached section contents.
	mems map[Addr]*MemBlock
}

// A Section is a named contiguous region of the executable with its own load
// address.
type Section struct {
	// Section name (e.g. ".text").
	Name string
	// Load address of the section.
	Addr Addr
	// Size of the section in bytes.
	Size uint64
	// load reads the full contents of the section.
	load func() ([]byte, error)
}

// NewSection returns a section backed by the given static contents. It is
// intended for synthetic executables, as used in testing.
func NewSection(name string, addr Addr, data []byte) *Section {
	return &Section{
		Name: name,
		Addr: addr,
		Size: uint64(len(data)),
		load: func() ([]byte, error) {
			return data, nil
		},
	}
}

// A Symbol is an entry of the symbol table of the executable.
type Symbol struct {
	// Address of the symbol.
	Addr Addr
	// Symbol name.
	Name string
	// IsFunc reports whether the symbol denotes a function.
	IsFunc bool
}

// Load opens the binary executable at targetPath for analysis. outputPath
// specifies where patched output would be written; it is recorded but unused.
// Only 32- and 64-bit x86 ELF executables are supported.
func Load(targetPath, outputPath string) (*File, error) {
	f, err := elf.Open(targetPath)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to open ELF file %q", targetPath)
	}
	file := &File{
		Path:       targetPath,
		OutputPath: outputPath,
		Entry:      Addr(f.Entry),
		file:       f,
		mems:       make(map[Addr]*MemBlock),
	}
	switch f.Machine {
	case elf.EM_386:
		file.Mode = 32
	case elf.EM_X86_64:
		file.Mode = 64
	default:
		f.Close()
		return nil, errors.Errorf("unsupported machine architecture %v; expected x86-32 or x86-64", f.Machine)
	}
	for _, sect := range f.Sections {
		// Only allocated sections occupy memory at run-time.
		if sect.Flags&elf.SHF_ALLOC == 0 || sect.Size == 0 {
			continue
		}
		sect := sect
		file.Sections = append(file.Sections, &Section{
			Name: sect.Name,
			Addr: Addr(sect.Addr),
			Size: sect.Size,
			load: sect.Data,
		})
	}
	syms, err := f.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		warn.Printf("unable to parse symbol table of %q; %v", targetPath, err)
	}
	for _, sym := range syms {
		file.Syms = append(file.Syms, &Symbol{
			Addr:   Addr(sym.Value),
			Name:   sym.Name,
			IsFunc: elf.ST_TYPE(sym.Info) == elf.STT_FUNC,
		})
	}
	dbg.Printf("load(targetPath = %q); mode %d, entry %v, %d sections, %d symbols", targetPath, file.Mode, file.Entry, len(file.Sections), len(file.Syms))
	return file, nil
}

// Close unloads every cached section and closes the underlying executable.
func (file *File) Close() error {
	file.UnloadSections()
	if file.file != nil {
		if err := file.file.Close(); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// SymFromAddr returns the symbol located at the given address, if present.
func (file *File) SymFromAddr(addr Addr) (*Symbol, bool) {
	for _, sym := range file.Syms {
		if sym.Addr == addr {
			return sym, true
		}
	}
	return nil, false
}

// SymFromName returns the first symbol with the given name, if present.
func (file *File) SymFromName(name string) (*Symbol, bool) {
	for _, sym := range file.Syms {
		if sym.Name == name {
			return sym, true
		}
	}
	return nil, false
}
