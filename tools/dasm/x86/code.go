// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package x86

import (
	"fmt"
	"strings"

	"golang.org/x/crypto/cryptobyte"
)

// MaxLength is the architectural limit
// on the length of one instruction.
const MaxLength = 15

// Code provides helper functionality
// for writing machine code.
type Code struct {
	Prefixes        [MaxLength]byte // Any legacy prefix bytes, in order, including ignored REX prefixes.
	PrefixesLen     int             // The number of prefix bytes.
	Family          Family          // The encoding family.
	REX             REX             // Any REX prefix.
	VEX             VEX             // Any VEX prefix.
	VEX3            bool            // Use the 3-byte VEX form, even if the 2-byte form would do.
	XOP             XOP             // Any XOP prefix.
	EVEX            EVEX            // Any EVEX prefix.
	MVEX            MVEX            // Any MVEX prefix.
	Map             OpcodeMap       // The opcode map.
	Opcode          byte            // The opcode byte.
	CodeOffset      [10]byte        // Any code offset applied to the instruction pointer.
	CodeOffsetLen   int             // The number of bytes of code offset to use.
	ModRM           ModRM           // Any ModR/M byte.
	UseModRM        bool            // Encode the ModR/M byte, even if zero.
	SIB             SIB             // Any Scale/Index/Base byte.
	UseSIB          bool            // Encode the SIB byte, even if zero.
	Displacement    [8]byte         // Any memory address displacement.
	DisplacementLen int             // The number of bytes of address displacement.
	Immediate       [16]byte        // Any immediate integer literals.
	ImmediateLen    int             // The number of immediate bytes to use.
}

// AddPrefix appends a legacy prefix byte.
func (c *Code) AddPrefix(prefix byte) {
	if c.PrefixesLen < len(c.Prefixes) {
		c.Prefixes[c.PrefixesLen] = prefix
		c.PrefixesLen++
	}
}

// Helper methods for setting the register
// extension fields, which are inverted in
// the escape prefixes.

func (c *Code) SetR(b bool) {
	switch c.Family {
	case FamilyLegacy:
		c.REX.SetR(b)
	case FamilyVEX:
		c.VEX.SetR(!b)
	case FamilyXOP:
		c.XOP.SetR(!b)
	case FamilyEVEX:
		c.EVEX.SetR(!b)
	case FamilyMVEX:
		c.MVEX.SetR(!b)
	}
}

func (c *Code) SetX(b bool) {
	switch c.Family {
	case FamilyLegacy:
		c.REX.SetX(b)
	case FamilyVEX:
		c.VEX.SetX(!b)
	case FamilyXOP:
		c.XOP.SetX(!b)
	case FamilyEVEX:
		c.EVEX.SetX(!b)
	case FamilyMVEX:
		c.MVEX.SetX(!b)
	}
}

func (c *Code) SetB(b bool) {
	switch c.Family {
	case FamilyLegacy:
		c.REX.SetB(b)
	case FamilyVEX:
		c.VEX.SetB(!b)
	case FamilyXOP:
		c.XOP.SetB(!b)
	case FamilyEVEX:
		c.EVEX.SetB(!b)
	case FamilyMVEX:
		c.MVEX.SetB(!b)
	}
}

func (c *Code) SetW(b bool) {
	switch c.Family {
	case FamilyLegacy:
		c.REX.SetW(b)
	case FamilyVEX:
		c.VEX.SetW(b)
	case FamilyXOP:
		c.XOP.SetW(b)
	case FamilyEVEX:
		c.EVEX.SetW(b)
	case FamilyMVEX:
		c.MVEX.SetW(b)
	}
}

// SetVVVV stores the 5-bit register index
// in vvvv and V', inverted.
func (c *Code) SetVVVV(index byte) {
	vvvv := ^index & 0b1111
	vp := index&0b10000 == 0
	switch c.Family {
	case FamilyVEX:
		c.VEX.SetVVVV(vvvv)
	case FamilyXOP:
		c.XOP.SetVVVV(vvvv)
	case FamilyEVEX:
		c.EVEX.SetVVVV(vvvv)
		c.EVEX.SetVp(vp)
	case FamilyMVEX:
		c.MVEX.SetVVVV(vvvv)
		c.MVEX.SetVp(vp)
	}
}

// Len returns c's length as a number of
// bytes.
func (c *Code) Len() int {
	n := c.PrefixesLen
	switch c.Family {
	case FamilyLegacy:
		if c.REX != 0 {
			n++
		}
		n += len(c.Map.Bytes())
	case FamilyVEX:
		if c.VEX.Can2Byte() && !c.VEX3 {
			n += 2
		} else {
			n += 3
		}
	case FamilyXOP:
		n += 3
	case FamilyEVEX, FamilyMVEX:
		n += 4
	}
	n++ // Opcode.
	n += c.CodeOffsetLen
	if c.UseModRM {
		n++
	}
	if c.UseSIB {
		n++
	}
	n += c.DisplacementLen
	n += c.ImmediateLen
	return n
}

// EncodeTo appends the machine code to
// b.
func (c *Code) EncodeTo(b *cryptobyte.Builder) {
	b.AddBytes(c.Prefixes[:c.PrefixesLen])
	switch c.Family {
	case FamilyLegacy:
		if c.REX != 0 {
			b.AddUint8(byte(c.REX))
		}
		b.AddBytes(c.Map.Bytes())
	case FamilyVEX:
		if c.VEX.Can2Byte() && !c.VEX3 {
			prefix, p0 := c.VEX.Encode2Byte()
			b.AddUint8(prefix)
			b.AddUint8(p0)
		} else {
			prefix, p0, p1 := c.VEX.Encode3Byte()
			b.AddUint8(prefix)
			b.AddUint8(p0)
			b.AddUint8(p1)
		}
	case FamilyXOP:
		prefix, p0, p1 := c.XOP.Encode()
		b.AddUint8(prefix)
		b.AddUint8(p0)
		b.AddUint8(p1)
	case FamilyEVEX:
		prefix, p0, p1, p2 := c.EVEX.Encode()
		b.AddUint8(prefix)
		b.AddUint8(p0)
		b.AddUint8(p1)
		b.AddUint8(p2)
	case FamilyMVEX:
		prefix, p0, p1, p2 := c.MVEX.Encode()
		b.AddUint8(prefix)
		b.AddUint8(p0)
		b.AddUint8(p1)
		b.AddUint8(p2)
	}
	b.AddUint8(c.Opcode)
	b.AddBytes(c.CodeOffset[:c.CodeOffsetLen])
	if c.UseModRM {
		b.AddUint8(byte(c.ModRM))
	}
	if c.UseSIB {
		b.AddUint8(byte(c.SIB))
	}
	b.AddBytes(c.Displacement[:c.DisplacementLen])
	b.AddBytes(c.Immediate[:c.ImmediateLen])
}

// String returns a textual description
// of the machine code.
func (c *Code) String() string {
	first := true
	var s strings.Builder
	join := func() {
		if !first {
			s.WriteString(", ")
		}

		first = false
	}

	s.WriteByte('{')
	if c.PrefixesLen > 0 {
		join()
		fmt.Fprintf(&s, "Prefixes: [% x]", c.Prefixes[:c.PrefixesLen])
	}
	switch c.Family {
	case FamilyLegacy:
		if c.REX != 0 {
			join()
			s.WriteString("REX: ")
			s.WriteString(c.REX.String())
		}
	case FamilyVEX:
		join()
		s.WriteString("VEX: ")
		s.WriteString(c.VEX.String())
	case FamilyXOP:
		join()
		s.WriteString("XOP: ")
		s.WriteString(c.XOP.String())
	case FamilyEVEX:
		join()
		s.WriteString("EVEX: ")
		s.WriteString(c.EVEX.String())
	case FamilyMVEX:
		join()
		s.WriteString("MVEX: ")
		s.WriteString(c.MVEX.String())
	}
	join()
	fmt.Fprintf(&s, "Opcode: [% x %02x]", c.Map.Bytes(), c.Opcode)
	if c.CodeOffsetLen > 0 {
		join()
		fmt.Fprintf(&s, "CodeOffset: [% x]", c.CodeOffset[:c.CodeOffsetLen])
	}
	if c.UseModRM {
		join()
		s.WriteString("ModR/M: ")
		s.WriteString(c.ModRM.String())
	}
	if c.UseSIB {
		join()
		s.WriteString("SIB: ")
		s.WriteString(c.SIB.String())
	}
	if c.DisplacementLen > 0 {
		join()
		fmt.Fprintf(&s, "Displacement: [% x]", c.Displacement[:c.DisplacementLen])
	}
	if c.ImmediateLen > 0 {
		join()
		fmt.Fprintf(&s, "Immediate: [% x]", c.Immediate[:c.ImmediateLen])
	}
	s.WriteByte('}')

	return s.String()
}
