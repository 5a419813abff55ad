// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package elfsym reads the executable sections and
// symbols of an x86 ELF binary for disassembly.
package elfsym

import (
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/ianlancetaylor/demangle"

	"firefly-os.dev/tools/dasm/status"
	"firefly-os.dev/tools/dasm/x86"
)

// Section is an executable section.
type Section struct {
	Name string
	Addr uint64
	Data []byte
}

// Image is the disassembly view of an ELF
// binary.
type Image struct {
	Mode     x86.MachineMode
	Entry    uint64
	Sections []Section         // Executable sections, by address.
	Symbols  map[uint64]string // Demangled symbol names, by address.
}

// Open reads the ELF binary at path.
func Open(path string) (*Image, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, err
	}

	defer f.Close()

	return read(f)
}

// Read reads an ELF binary from r.
func Read(r io.ReaderAt) (*Image, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, err
	}

	return read(f)
}

// MachineMode returns the machine mode for
// an ELF machine.
func MachineMode(m elf.Machine) (x86.MachineMode, error) {
	switch m {
	case elf.EM_X86_64:
		return x86.Long64, nil
	case elf.EM_386:
		return x86.Legacy32, nil
	}

	return 0, fmt.Errorf("%w: unsupported ELF machine %v", status.InvalidArgument, m)
}

func read(f *elf.File) (*Image, error) {
	mode, err := MachineMode(f.Machine)
	if err != nil {
		return nil, err
	}

	img := &Image{
		Mode:    mode,
		Entry:   f.Entry,
		Symbols: make(map[uint64]string),
	}

	for _, sec := range f.Sections {
		if sec.Type != elf.SHT_PROGBITS || sec.Flags&elf.SHF_EXECINSTR == 0 || sec.Size == 0 {
			continue
		}

		data, err := sec.Data()
		if err != nil {
			return nil, fmt.Errorf("section %s: %w", sec.Name, err)
		}

		img.Sections = append(img.Sections, Section{Name: sec.Name, Addr: sec.Addr, Data: data})
	}

	sort.Slice(img.Sections, func(i, j int) bool {
		return img.Sections[i].Addr < img.Sections[j].Addr
	})

	syms, err := f.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}

	dyn, err := f.DynamicSymbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return nil, err
	}

	// Static symbols take precedence.
	img.addSymbols(dyn)
	img.addSymbols(syms)

	return img, nil
}

func (img *Image) addSymbols(syms []elf.Symbol) {
	for _, sym := range syms {
		if sym.Value == 0 || sym.Name == "" || sym.Section == elf.SHN_UNDEF {
			continue
		}

		switch elf.ST_TYPE(sym.Info) {
		case elf.STT_FUNC, elf.STT_OBJECT, elf.STT_NOTYPE:
		default:
			continue
		}

		img.Symbols[sym.Value] = Name(sym.Name)
	}
}

// Name returns the demangled form of a symbol
// name. Names that are not mangled are
// returned unchanged.
func Name(sym string) string {
	return demangle.Filter(sym)
}

// Symbol returns the name of the symbol at
// addr.
func (img *Image) Symbol(addr uint64) (string, bool) {
	name, ok := img.Symbols[addr]
	return name, ok
}
