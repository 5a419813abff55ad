// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package encoder

import (
	"encoding/binary"
	"math"
	"math/bits"

	"firefly-os.dev/tools/dasm/status"
	"firefly-os.dev/tools/dasm/x86"
)

// rm16 maps the base and index registers
// of a 16-bit address to the ModR/M r/m
// field.
var rm16 = map[[2]*x86.Register]byte{
	{x86.BX, x86.SI}: 0b000,
	{x86.BX, x86.DI}: 0b001,
	{x86.BP, x86.SI}: 0b010,
	{x86.BP, x86.DI}: 0b011,
	{x86.SI, nil}:    0b100,
	{x86.DI, nil}:    0b101,
	{x86.BP, nil}:    0b110,
	{x86.BX, nil}:    0b111,
}

// defaultSegment returns the segment a
// memory operand uses without an override.
func defaultSegment(base *x86.Register) *x86.Register {
	if base != nil && base.Type == x86.TypeGeneralPurpose && (base.Index == 4 || base.Index == 5) {
		return x86.SS
	}

	return x86.DS
}

// normalDisp returns the displacement as a
// signed value of the address size, so that
// 0xffffffff and -1 are the same 32-bit
// displacement.
func (b *builder) normalDisp(disp int64) int64 {
	switch b.asz {
	case 16:
		if 0 <= disp && disp <= math.MaxUint16 {
			return int64(int16(disp))
		}
	case 32:
		if 0 <= disp && disp <= math.MaxUint32 {
			return int64(int32(disp))
		}
	}

	return disp
}

// compression returns the scale applied to
// an 8-bit displacement.
func (b *builder) compression(p *x86.Parameter) int64 {
	switch b.form.Encoding.Family {
	case x86.FamilyEVEX:
		if p.Bits == 0 {
			return 1
		}

		return int64(p.Bits / 8)
	case x86.FamilyMVEX:
		switch b.sss {
		case 0b000:
			return 64
		case 0b001:
			return 4
		case 0b010, 0b100, 0b101:
			return 16
		default:
			return 32
		}
	}

	return 1
}

// setSegment records any segment override
// the memory operand needs.
func (b *builder) setSegment(m *Memory) {
	if m.Segment != nil && m.Segment != defaultSegment(m.Base) {
		b.segment = m.Segment
	}
}

// encodeMemory fills in the ModR/M, SIB,
// and displacement for a memory operand.
func (b *builder) encodeMemory(i int, m *Memory, p *x86.Parameter) error {
	c := &b.code
	b.setSegment(m)
	disp := b.normalDisp(m.Disp)
	if b.asz == 16 {
		return b.encodeMemory16(i, m, disp)
	}

	if m.Base != nil && m.Base.Type == x86.TypeInstructionPointer {
		switch {
		case !b.e.mode64:
			return b.fail(status.BadRegister, "operand %d: %s-relative addressing needs 64-bit mode", i+1, m.Base)
		case m.Index != nil:
			return b.mismatch(i, "%s-relative address with an index", m.Base)
		case disp != int64(int32(disp)):
			return b.mismatch(i, "displacement %#x does not fit in 32 bits", m.Disp)
		}

		c.ModRM.SetMod(0b00)
		c.ModRM.SetRM(x86.ModRMrmDisplacementOnly32)
		b.putDisp(disp, 4)

		return nil
	}

	if disp != int64(int32(disp)) {
		return b.mismatch(i, "displacement %#x does not fit in 32 bits", m.Disp)
	}

	useSIB := m.Index != nil ||
		(m.Base == nil && b.e.mode64) ||
		(m.Base != nil && m.Base.Index&0b111 == x86.ModRMrmSIB) ||
		b.hints.SIB
	if m.Index != nil {
		idx := m.Index
		if idx.Type != x86.TypeGeneralPurpose || idx.Bits != b.asz || idx.Index == 4 {
			return b.fail(status.BadRegister, "operand %d: %s cannot be an index register", i+1, idx)
		}

		low, ext, _ := idx.Field()
		c.SIB.SetIndex(low)
		c.SetX(ext)
		scale := max(m.Scale, 1)
		c.SIB.SetScale(byte(bits.TrailingZeros8(scale)))
	} else if useSIB {
		c.SIB.SetIndex(x86.SIBindexNone)
		c.SIB.SetScale(b.hints.SIBScale)
	}

	if useSIB {
		c.UseSIB = true
		c.ModRM.SetRM(x86.ModRMrmSIB)
	}

	if m.Base == nil {
		c.ModRM.SetMod(0b00)
		if useSIB {
			c.SIB.SetBase(x86.SIBbaseNone)
		} else {
			c.ModRM.SetRM(x86.ModRMrmDisplacementOnly32)
		}

		b.putDisp(disp, 4)

		return nil
	}

	low, ext, _ := m.Base.Field()
	if useSIB {
		c.SIB.SetBase(low)
	} else {
		c.ModRM.SetRM(low)
	}

	c.SetB(ext)

	n := b.compression(p)
	switch b.dispSize(disp, n, low == 0b101) {
	case 0:
		c.ModRM.SetMod(0b00)
	case 1:
		c.ModRM.SetMod(0b01)
		b.putDisp(disp/n, 1)
	default:
		c.ModRM.SetMod(0b10)
		b.putDisp(disp, 4)
	}

	return nil
}

// dispSize picks the size of the
// displacement after a base register.
func (b *builder) dispSize(disp, n int64, needsDisp bool) int {
	fits8 := disp%n == 0 && disp/n == int64(int8(disp/n))
	switch {
	case b.hints.DispSize == 4:
		return 4
	case b.hints.DispSize == 1 && fits8:
		return 1
	case disp == 0 && !needsDisp:
		return 0
	case fits8:
		return 1
	}

	return 4
}

// encodeMemory16 encodes a 16-bit address.
func (b *builder) encodeMemory16(i int, m *Memory, disp int64) error {
	c := &b.code
	if disp != int64(int16(disp)) {
		return b.mismatch(i, "displacement %#x does not fit in 16 bits", m.Disp)
	}

	if m.Base == nil && m.Index == nil {
		c.ModRM.SetMod(0b00)
		c.ModRM.SetRM(x86.ModRMrmDisplacementOnly16)
		b.putDisp(disp, 2)

		return nil
	}

	if m.Scale > 1 {
		return b.fail(status.BadRegister, "operand %d: 16-bit addresses cannot be scaled", i+1)
	}

	rm, ok := rm16[[2]*x86.Register{m.Base, m.Index}]
	if !ok {
		rm, ok = rm16[[2]*x86.Register{m.Index, m.Base}]
	}

	if !ok {
		return b.fail(status.BadRegister, "operand %d: invalid 16-bit address %s", i+1, Mem(*m))
	}

	c.ModRM.SetRM(rm)
	fits8 := disp == int64(int8(disp))
	switch {
	case b.hints.DispSize == 2, !fits8:
		c.ModRM.SetMod(0b10)
		b.putDisp(disp, 2)
	case b.hints.DispSize == 1, disp != 0, rm == x86.ModRMrmDisplacementOnly16:
		c.ModRM.SetMod(0b01)
		b.putDisp(disp, 1)
	default:
		c.ModRM.SetMod(0b00)
	}

	return nil
}

// encodeOffset encodes a memory offset,
// which is an absolute address of the
// address size.
func (b *builder) encodeOffset(i int, m *Memory) error {
	b.setSegment(m)
	size := b.asz / 8
	v := uint64(m.Disp)
	if size < 8 && v>>(8*size) != 0 && signExtend(v, 8*size) != v {
		return b.mismatch(i, "offset %#x does not fit in %d bits", m.Disp, b.asz)
	}

	b.putDisp(m.Disp, size)

	return nil
}

// putDisp stores the displacement.
func (b *builder) putDisp(disp int64, size int) {
	c := &b.code
	switch size {
	case 1:
		c.Displacement[0] = byte(disp)
	case 2:
		binary.LittleEndian.PutUint16(c.Displacement[:], uint16(disp))
	case 4:
		binary.LittleEndian.PutUint32(c.Displacement[:], uint32(disp))
	case 8:
		binary.LittleEndian.PutUint64(c.Displacement[:], uint64(disp))
	}

	c.DisplacementLen = size
}
