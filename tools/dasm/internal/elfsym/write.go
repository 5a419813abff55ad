// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package elfsym

import (
	"bytes"
	gobinary "encoding/binary"
	"fmt"
	"io"
	"sort"

	"firefly-os.dev/tools/dasm/status"
	"firefly-os.dev/tools/dasm/x86"
)

// Write encodes the image as a minimal
// 64-bit ELF executable, with a loadable
// segment for each section and a symbol
// table for the symbols.
//
// Sections must not overlap and each must
// start on a page boundary.
func Write(w io.Writer, img *Image) error {
	if img.Mode != x86.Long64 {
		return fmt.Errorf("%w: cannot write ELF binary for machine mode %v", status.InvalidArgument, img.Mode)
	}

	if len(img.Sections) == 0 {
		return fmt.Errorf("%w: no sections", status.InvalidArgument)
	}

	var b bytes.Buffer
	if err := encode64(&b, img); err != nil {
		return err
	}

	_, err := w.Write(b.Bytes())
	return err
}

// section is a section as it is written,
// including the symbol tables.
type section struct {
	name  string
	addr  uint64
	data  []byte
	typ   uint32
	flags uint64
	link  uint32
	info  uint32
	entsz uint64
}

func encode64(b *bytes.Buffer, img *Image) error {
	// See https://en.wikipedia.org/wiki/Executable_and_Linkable_Format
	bo := gobinary.LittleEndian
	write := func(data any) {
		gobinary.Write(b, bo, data)
	}

	const (
		// Size constants.
		pageSize       = 0x1000 // 4kB page size in bytes.
		elfHeaderSize  = 0x40   // ELF header size in bytes.
		progHeaderSize = 0x38   // Program header size in bytes.
		sectHeaderSize = 0x40   // Section header size in bytes.
		symtabSize     = 24     // Symbol table entry size in bytes.

		// Value constants.
		ET_EXEC       = 0x02
		EM_X86_64     = 0x3e
		PT_LOAD       = 0x01
		PF_X          = 0x01
		PF_R          = 0x04
		SHT_PROGBITS  = 0x01
		SHT_SYMTAB    = 0x02
		SHT_STRTAB    = 0x03
		SHF_ALLOC     = 0x02
		SHF_EXECINSTR = 0x04
		SHF_STRINGS   = 0x20
		SHN_ABS       = 0xfff1
		STB_GLOBAL    = 0x10
		STT_OBJECT    = 0x01
		STT_FUNC      = 0x02
		STV_DEFAULT   = 0x00
	)

	nextPage := func(offset uint64) uint64 {
		// Round the offset up to the start
		// of the next 4kB page.
		return (offset + pageSize) &^ (pageSize - 1)
	}

	sections := make([]*section, len(img.Sections))
	for i, sec := range img.Sections {
		if sec.Addr%pageSize != 0 {
			return fmt.Errorf("%w: section %s at %#x is not page-aligned", status.InvalidArgument, sec.Name, sec.Addr)
		}

		if i > 0 {
			prev := sections[i-1]
			if sec.Addr < prev.addr+uint64(len(prev.data)) {
				return fmt.Errorf("%w: section %s overlaps %s", status.InvalidArgument, sec.Name, prev.name)
			}
		}

		sections[i] = &section{
			name:  sec.Name,
			addr:  sec.Addr,
			data:  sec.Data,
			typ:   SHT_PROGBITS,
			flags: SHF_ALLOC | SHF_EXECINSTR,
		}
	}

	// Section indices in the symbol table
	// start at 2, after the null section and
	// the section names.
	sectionIndex := func(addr uint64) uint16 {
		for i, sec := range sections {
			if sec.addr <= addr && addr < sec.addr+uint64(len(sec.data)) {
				return uint16(i + 2)
			}
		}

		return SHN_ABS
	}

	// Build the symbol table.
	addrs := make([]uint64, 0, len(img.Symbols))
	for addr := range img.Symbols {
		addrs = append(addrs, addr)
	}

	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	var symtabData, symstrtabData bytes.Buffer
	symtabData.Write(make([]byte, symtabSize)) // Add the empty symbol.
	symstrtabData.WriteByte(0)                 // Add the null terminator for the empty string.
	for _, addr := range addrs {
		shndx := sectionIndex(addr)
		typ := uint8(STT_FUNC)
		if shndx == SHN_ABS {
			typ = STT_OBJECT
		}

		gobinary.Write(&symtabData, bo, uint32(symstrtabData.Len())) // Symbol name.
		symstrtabData.WriteString(img.Symbols[addr])
		symstrtabData.WriteByte(0)
		symtabData.WriteByte(STB_GLOBAL | typ)     // Symbol info.
		symtabData.WriteByte(STV_DEFAULT)          // Symbol visibility.
		gobinary.Write(&symtabData, bo, shndx)     // Symbol section.
		gobinary.Write(&symtabData, bo, addr)      // Symbol value.
		gobinary.Write(&symtabData, bo, uint64(0)) // Symbol size.
	}

	last := sections[len(sections)-1]
	symtab := &section{
		name:  ".symtab",
		addr:  nextPage(last.addr + uint64(len(last.data))),
		data:  symtabData.Bytes(),
		typ:   SHT_SYMTAB,
		flags: SHF_ALLOC,
		link:  uint32(len(sections)) + 1 + 2, // The string table follows (add 2 for the null section and section names).
		info:  1,                             // One more than the index of the last local symbol (the empty symbol).
		entsz: symtabSize,
	}

	strtab := &section{
		name:  ".strtab",
		addr:  nextPage(symtab.addr + uint64(len(symtab.data))),
		data:  symstrtabData.Bytes(),
		typ:   SHT_STRTAB,
		flags: SHF_ALLOC,
	}

	sections = append(sections, symtab, strtab)

	// Build the section names table.
	var shstrtab bytes.Buffer
	sectionNames := make(map[string]uint32)
	addSectionName := func(s string) {
		if _, ok := sectionNames[s]; ok {
			return
		}

		sectionNames[s] = uint32(shstrtab.Len())
		shstrtab.WriteString(s)
		shstrtab.WriteByte(0)
	}

	addSectionName("")
	addSectionName(".shstrtab")
	for _, sec := range sections {
		addSectionName(sec.name)
	}

	progHeadOff := uint64(elfHeaderSize)                    // Offset of the program headers (ELF header length).
	progHeadLen := progHeaderSize * uint64(len(sections))   // Length of the program headers.
	sectHeadOff := progHeadOff + progHeadLen                // Offset of the section headers.
	sectHeadLen := sectHeaderSize * uint64(2+len(sections)) // Length of the section headers (including the null section and the section names).
	sectDataOff := sectHeadOff + sectHeadLen                // Offset of the section names table.
	sectDataLen := uint64(shstrtab.Len())                   // Length of the section names table.
	sectDataEnd := sectDataOff + sectDataLen                // Offset where the section names table ends.
	progDataOff := nextPage(sectDataEnd)                    // Offset of the section data.

	// Each section starts on a page boundary
	// in the file, so its offset and address
	// agree modulo the page size.
	offsets := make([]uint64, len(sections))
	offset := progDataOff
	for i, sec := range sections {
		offsets[i] = offset
		offset = nextPage(offset + uint64(len(sec.data)))
	}

	b.Write([]byte{0x7f, 'E', 'L', 'F'}) // Magic number.
	b.WriteByte(2)                       // 64-bit format.
	b.WriteByte(1)                       // Little endian.
	b.WriteByte(1)                       // ELF version 1.
	b.WriteByte(0)                       // System V ABI.
	b.WriteByte(0)                       // ABI version.
	b.Write(make([]byte, 7))             // Padding.
	write(uint16(ET_EXEC))               // Executable file.
	write(uint16(EM_X86_64))             // Architecture.
	write(uint32(1))                     // ELF version 1.
	write(img.Entry)                     // Entry point address.
	write(progHeadOff)                   // Program header table offset.
	write(sectHeadOff)                   // Section header table offset.
	write(uint32(0))                     // Flags.
	write(uint16(elfHeaderSize))         // File header size.
	write(uint16(progHeaderSize))        // Program header size.
	write(uint16(len(sections)))         // Number of program headers.
	write(uint16(sectHeaderSize))        // Section header size.
	write(uint16(2 + len(sections)))     // Number of section headers.
	write(uint16(1))                     // Section header table index for section names (always second).

	// Add the program headers.
	for i, sec := range sections {
		flags := uint32(PF_R)
		if sec.flags&SHF_EXECINSTR != 0 {
			flags |= PF_X
		}

		write(uint32(PT_LOAD))       // Loadable segment.
		write(flags)                 // Segment flags.
		write(offsets[i])            // File offset where segment begins.
		write(sec.addr)              // Virtual address in memory.
		write(sec.addr)              // Physical address in memory.
		write(uint64(len(sec.data))) // Size in the binary file.
		write(uint64(len(sec.data))) // Size in memory.
		write(uint64(pageSize))      // Alignment in memory.
	}

	// Add the section headers.
	b.Write(make([]byte, sectHeaderSize)) // The null section.
	write(sectionNames[".shstrtab"])      // Section name offset in section names table.
	write(uint32(SHT_STRTAB))             // Section names table.
	write(uint64(SHF_STRINGS))            // Section flags.
	write(uint64(0))                      // Section virtual address in memory.
	write(sectDataOff)                    // File offset where the section begins.
	write(sectDataLen)                    // Size in the binary file.
	write(uint32(0))                      // sh_link
	write(uint32(0))                      // sh_info
	write(uint64(1))                      // Alignment.
	write(uint64(0))                      // sh_entsize
	for i, sec := range sections {
		write(sectionNames[sec.name]) // Section name offset in section names table.
		write(sec.typ)                // Section type.
		write(sec.flags)              // Section flags.
		write(sec.addr)               // Section virtual address in memory.
		write(offsets[i])             // File offset where the section begins.
		write(uint64(len(sec.data)))  // Size in the binary file.
		write(sec.link)               // sh_link
		write(sec.info)               // sh_info
		write(uint64(pageSize))       // Alignment in memory.
		write(sec.entsz)              // sh_entsize
	}

	// Add the section names table.
	b.Write(shstrtab.Bytes())

	// Add the padding up to the first
	// page-aligned section.
	b.Write(make([]byte, progDataOff-sectDataEnd))

	// Add the section data.
	for i, sec := range sections {
		b.Write(sec.data)
		if i+1 < len(sections) {
			b.Write(make([]byte, offsets[i+1]-offsets[i]-uint64(len(sec.data))))
		}
	}

	return nil
}
