package bin

import (
	"github.com/pkg/errors"
)

// A MemBlock holds the contents of a section mapped into memory. Blocks are
// cached by section load address; a section is read at most once until
// UnloadSections drops the cache.
type MemBlock struct {
	// Backing section.
	Sect *Section
	// Contents of the section.
	Buf []byte
	// Load address of the section; key of the block in the cache.
	Addr Addr
}

// LoadSection maps the section containing the given address into memory,
// reading its contents on first use. Sections are loaded whole, since
// disassembly is sequential within a section and executables contain few
// sections.
func (file *File) LoadSection(addr Addr) (*MemBlock, error) {
	sect := file.sectionFromAddr(addr)
	if sect == nil {
		return nil, errors.Errorf("unable to locate section containing address %v", addr)
	}
	if file.mems == nil {
		file.mems = make(map[Addr]*MemBlock)
	}
	if mem, ok := file.mems[sect.Addr]; ok {
		return mem, nil
	}
	buf, err := sect.load()
	if err != nil {
		return nil, errors.Wrapf(err, "unable to read contents of section %q", sect.Name)
	}
	mem := &MemBlock{
		Sect: sect,
		Buf:  buf,
		Addr: sect.Addr,
	}
	file.mems[sect.Addr] = mem
	return mem, nil
}

// Data returns the contents of the section containing the given address, from
// that address to the end of the section.
func (file *File) Data(addr Addr) ([]byte, error) {
	mem, err := file.LoadSection(addr)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return mem.Buf[addr-mem.Addr:], nil
}

// UnloadSections drops every cached section from memory. Called at file
// close.
func (file *File) UnloadSections() {
	for addr := range file.mems {
		delete(file.mems, addr)
	}
}

// sectionFromAddr locates the section whose address range contains addr.
func (file *File) sectionFromAddr(addr Addr) *Section {
	for _, sect := range file.Sections {
		if sect.Addr <= addr && addr < sect.Addr+Addr(sect.Size) {
			return sect
		}
	}
	return nil
}
