// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package decoder

import (
	"fmt"

	"firefly-os.dev/tools/dasm/status"
	"firefly-os.dev/tools/dasm/x86"
)

// Bits in state.used.
const (
	usedW x86.REX = 1 << 3
	usedR x86.REX = 1 << 2
	usedX x86.REX = 1 << 1
	usedB x86.REX = 1 << 0
)

// readAddress reads any SIB byte and
// displacement that follow the ModR/M
// byte.
func (s *state) readAddress() error {
	if !s.form.Encoding.ModRM {
		return nil
	}

	m := s.fields.ModRM
	if m.Mod() == 0b11 {
		return nil
	}

	raw := &s.inst.Raw
	size := 0
	if s.asz == 16 {
		switch m.Mod() {
		case 0b00:
			if m.RM() == x86.ModRMrmDisplacementOnly16 {
				size = 2
			}
		case 0b01:
			size = 1
		case 0b10:
			size = 2
		}
	} else {
		base := m.RM()
		if m.RM() == x86.ModRMrmSIB {
			offset := s.offset()
			b, err := s.readByte()
			if err != nil {
				return err
			}

			sib := x86.SIB(b)
			raw.SIB = RawSIB{Value: sib, Offset: offset, Present: true}
			s.inst.Attributes |= x86.HasSIB
			base = sib.Base()
		}

		switch m.Mod() {
		case 0b00:
			if base == x86.SIBbaseNone {
				size = 4
			}
		case 0b01:
			size = 1
		case 0b10:
			size = 4
		}
	}

	if size == 0 {
		return nil
	}

	offset := s.offset()
	v, err := s.readValue(size, true)
	if err != nil {
		return err
	}

	raw.Disp = RawDisplacement{Value: int64(v), Size: size, Offset: offset}

	return nil
}

// readImmediates reads the memory offsets,
// code offsets, and immediates, in parameter
// order.
func (s *state) readImmediates() error {
	form := s.form
	raw := &s.inst.Raw
	next := 0
	add := func(size int, signed, relative bool) (int, error) {
		if next == len(raw.Imm) {
			return 0, fmt.Errorf("%w: %s has too many immediates", status.DecodingError, form.UID)
		}

		offset := s.offset()
		v, err := s.readValue(size, signed)
		if err != nil {
			return 0, err
		}

		i := next
		raw.Imm[i] = RawImmediate{Signed: signed, Relative: relative, Value: v, Size: size, Offset: offset}
		next++

		return i, nil
	}

	imms := form.Encoding.Immediates
	for i, p := range form.Params {
		var err error
		switch p.Encoding {
		case x86.EncodingDisplacement:
			offset := s.offset()
			size := s.asz / 8
			var v uint64
			v, err = s.readValue(size, false)
			raw.Disp = RawDisplacement{Value: int64(v), Size: size, Offset: offset}
		case x86.EncodingCodeOffset:
			size := form.Encoding.CodeOffset
			if p.Type == x86.TypeFarPointer {
				s.paramImm[i], err = add(size-2, false, false)
				if err == nil {
					_, err = add(2, false, false)
				}
			} else {
				s.paramImm[i], err = add(size, true, true)
			}
		case x86.EncodingImmediate:
			if len(imms) == 0 {
				return fmt.Errorf("%w: %s has more immediate parameters than immediates", status.DecodingError, form.UID)
			}

			s.paramImm[i], err = add(imms[0], p.Type == x86.TypeSignedImmediate, false)
			imms = imms[1:]
		case x86.EncodingVEXis4:
			s.paramImm[i], err = add(1, false, false)
		}

		if err != nil {
			return err
		}
	}

	return nil
}

// resolveOperands fills in the visible
// operands from the form's parameters,
// followed by the hidden operands.
func (s *state) resolveOperands() error {
	form := s.form
	inst := s.inst
	for i, p := range form.Params {
		if inst.numOperands == MaxOperands {
			return fmt.Errorf("%w: %s has too many operands", status.DecodingError, form.UID)
		}

		op := &inst.operands[inst.numOperands]
		*op = Operand{
			ID:         inst.numOperands,
			Visibility: x86.VisibilityExplicit,
			Action:     form.Action(i),
			Encoding:   p.Encoding,
		}

		if p.Encoding == x86.EncodingNone {
			op.Visibility = x86.VisibilityImplicit
		}

		err := s.resolveParam(op, i, p)
		if err != nil {
			return err
		}

		s.setElements(op)
		inst.numOperands++
	}

	inst.numVisible = inst.numOperands

	return s.resolveHidden()
}

func (s *state) resolveParam(op *Operand, i int, p *x86.Parameter) error {
	raw := &s.inst.Raw
	m := s.fields.ModRM
	switch p.Encoding {
	case x86.EncodingNone:
		if p.Type == x86.TypeUnsignedImmediate {
			op.Type = x86.OperandImmediate
			op.Imm = ImmediateOperand{Value: p.Value}
			op.Size = p.Bits
			return nil
		}

		return s.setRegister(op, p, p.Fixed)
	case x86.EncodingVEXvvvv:
		index := s.vvvv | bit(s.vp)<<4
		return s.setIndexedRegister(op, p, index, 0)
	case x86.EncodingRegisterModifier:
		index := s.fields.Opcode&0b111 | bit(s.b)<<3
		return s.setIndexedRegister(op, p, index, usedB)
	case x86.EncodingStackIndex:
		return s.setRegister(op, p, x86.RegisterByIndex(x86.TypeX87, m.RM()))
	case x86.EncodingModRMreg:
		index := m.Reg() | bit(s.r)<<3 | bit(s.rp)<<4
		return s.setIndexedRegister(op, p, index, usedR)
	case x86.EncodingModRMrm:
		if p.Type == x86.TypeMemory {
			return s.setMemory(op, p)
		}

		index := m.RM() | bit(s.b)<<3
		if s.fields.Family == x86.FamilyEVEX || s.fields.Family == x86.FamilyMVEX {
			index |= bit(s.x) << 4
		}

		return s.setIndexedRegister(op, p, index, usedB)
	case x86.EncodingDisplacement:
		op.Type = x86.OperandMemory
		op.Size = p.Bits
		op.Mem = MemoryOperand{
			Type:    x86.MemoryMem,
			Segment: s.memorySegment(nil),
			Disp:    Displacement{Has: true, Value: raw.Disp.Value},
		}

		return nil
	case x86.EncodingCodeOffset:
		imm := raw.Imm[s.paramImm[i]]
		op.Size = p.Bits
		if p.Type == x86.TypeFarPointer {
			op.Type = x86.OperandPointer
			op.Ptr = PointerOperand{
				Segment: uint16(raw.Imm[s.paramImm[i]+1].Value),
				Offset:  uint32(imm.Value),
			}

			return nil
		}

		op.Type = x86.OperandImmediate
		op.Imm = ImmediateOperand{Signed: true, Relative: true, Value: imm.Value}

		return nil
	case x86.EncodingImmediate:
		imm := raw.Imm[s.paramImm[i]]
		op.Type = x86.OperandImmediate
		op.Size = p.Bits
		op.Imm = ImmediateOperand{Signed: imm.Signed, Value: imm.Value}

		return nil
	case x86.EncodingVEXis4:
		index := byte(raw.Imm[s.paramImm[i]].Value >> 4)
		if !s.mode64 {
			index &= 0b111
		}

		return s.setIndexedRegister(op, p, index, 0)
	}

	return fmt.Errorf("%w: %s: unexpected parameter encoding %v", status.DecodingError, s.form.UID, p.Encoding)
}

func (s *state) setRegister(op *Operand, p *x86.Parameter, reg *x86.Register) error {
	if reg == nil {
		return fmt.Errorf("%w: %s: no register for %s", status.BadRegister, s.form.UID, p.Syntax)
	}

	op.Type = x86.OperandRegister
	op.Register = reg
	op.Size = p.Bits
	if reg.Type == x86.TypeControl || reg.Type == x86.TypeDebug {
		op.Size = int(s.d.mode.Mode().Int)
	}

	return nil
}

// setIndexedRegister resolves a register
// from its 5-bit encoded index. The ext
// bit records the REX or escape bit that
// extends the index.
func (s *state) setIndexedRegister(op *Operand, p *x86.Parameter, index byte, ext x86.REX) error {
	switch p.Class {
	case x86.TypeGeneralPurpose, x86.TypeControl, x86.TypeDebug:
		if index > 15 {
			return fmt.Errorf("%w: %v index %d", status.BadRegister, p.Class, index)
		}

		if p.Class == x86.TypeControl {
			switch index {
			case 0, 2, 3, 4, 8:
			default:
				return fmt.Errorf("%w: control register %d", status.BadRegister, index)
			}
		}
	case x86.TypeSegment:
		if index >= 6 {
			return fmt.Errorf("%w: segment register %d", status.BadRegister, index)
		}
	case x86.TypeOpmask:
		if index > 7 {
			return fmt.Errorf("%w: opmask register %d", status.BadRegister, index)
		}
	case x86.TypeMMX, x86.TypeX87:
		// The extension bits are ignored.
		index &= 0b111
		ext = 0
	}

	s.used |= ext
	rex := s.rex != 0 || s.fields.Family != x86.FamilyLegacy
	return s.setRegister(op, p, p.Register(index, rex))
}

// setMemory resolves a ModR/M memory
// operand.
func (s *state) setMemory(op *Operand, p *x86.Parameter) error {
	raw := &s.inst.Raw
	m := s.fields.ModRM
	mem := &op.Mem
	op.Type = x86.OperandMemory
	op.Size = p.Bits
	mem.Type = x86.MemoryMem
	if s.form.Mnemonic == "LEA" {
		mem.Type = x86.MemoryAGEN
	}

	if s.asz == 16 {
		if m.Mod() != 0b00 || m.RM() != x86.ModRMrmDisplacementOnly16 {
			mem.Base = base16[m.RM()]
			mem.Index = index16[m.RM()]
			if mem.Index != nil {
				mem.Scale = 1
			}
		}
	} else if m.RM() == x86.ModRMrmSIB {
		sib := raw.SIB.Value
		index := sib.Index() | bit(s.x)<<3
		if index != x86.SIBindexNone {
			mem.Index = x86.GeneralPurpose(s.asz, index, true)
			mem.Scale = 1 << sib.Scale()
			s.used |= usedX
		}

		if m.Mod() != 0b00 || sib.Base() != x86.SIBbaseNone {
			mem.Base = x86.GeneralPurpose(s.asz, sib.Base()|bit(s.b)<<3, true)
			s.used |= usedB
		}
	} else if m.Mod() == 0b00 && m.RM() == x86.ModRMrmDisplacementOnly32 {
		if s.mode64 {
			mem.Base = x86.RIP
			if s.asz == 32 {
				mem.Base = x86.EIP
			}
		}
	} else {
		mem.Base = x86.GeneralPurpose(s.asz, m.RM()|bit(s.b)<<3, true)
		s.used |= usedB
	}

	if raw.Disp.Size > 0 {
		n := int64(1)
		if raw.Disp.Size == 1 {
			n = int64(s.compression(p))
		}

		mem.Disp = Displacement{Has: true, Value: raw.Disp.Value * n}
	}

	mem.Segment = s.memorySegment(mem.Base)
	if s.fields.Family == x86.FamilyMVEX {
		op.Size = s.compression(p) * 8
	}

	return nil
}

var base16 = [8]*x86.Register{x86.BX, x86.BX, x86.BP, x86.BP, x86.SI, x86.DI, x86.BP, x86.BX}
var index16 = [8]*x86.Register{x86.SI, x86.DI, x86.SI, x86.DI, nil, nil, nil, nil}

// compression returns the scale applied
// to an 8-bit displacement.
func (s *state) compression(p *x86.Parameter) int {
	switch s.fields.Family {
	case x86.FamilyEVEX:
		if p.Bits == 0 {
			return 1
		}

		return p.Bits / 8
	case x86.FamilyMVEX:
		switch s.sss {
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

// memorySegment returns the segment used
// by a memory operand with the given base.
func (s *state) memorySegment(base *x86.Register) *x86.Register {
	if s.segment != 0 {
		seg := s.segment.Segment()
		if !s.mode64 || seg == x86.FS || seg == x86.GS {
			return seg
		}
	}

	if base != nil && base.Type == x86.TypeGeneralPurpose && (base.Index == 4 || base.Index == 5) {
		return x86.SS
	}

	return x86.DS
}

// setElements fills in the operand's
// element type, size, and count.
func (s *state) setElements(op *Operand) {
	elem, bits := x86.ElementInvalid, 0
	if sem := s.form.Semantics; sem != nil && sem.Element != x86.ElementInvalid {
		elem, bits = sem.Element, sem.ElementBits
		if bits == 0 {
			bits = elem.Bits()
		}
	}

	switch op.Type {
	case x86.OperandRegister:
		switch op.Register.Type {
		case x86.TypeGeneralPurpose, x86.TypeOpmask:
			elem, bits = x86.ElementInt, op.Size
		case x86.TypeX87:
			elem, bits = x86.ElementFloat80, 80
		case x86.TypeMMX, x86.TypeXMM, x86.TypeYMM, x86.TypeZMM:
			if elem == x86.ElementInvalid {
				elem, bits = x86.ElementInt, op.Size
			}
		default:
			elem, bits = x86.ElementStruct, op.Size
		}
	case x86.OperandMemory:
		switch {
		case op.Size == 0:
			elem, bits = x86.ElementStruct, 0
		case elem == x86.ElementFloat80 && op.Size != 80:
			if op.Size == 32 {
				elem, bits = x86.ElementFloat32, 32
			} else {
				elem, bits = x86.ElementFloat64, 64
			}
		case elem == x86.ElementInvalid:
			elem, bits = x86.ElementInt, op.Size
		}
	case x86.OperandPointer:
		elem, bits = x86.ElementStruct, op.Size
	case x86.OperandImmediate:
		elem, bits = x86.ElementInt, op.Size
		if !op.Imm.Signed {
			elem = x86.ElementUint
		}
	}

	op.ElementType = elem
	op.ElementSize = bits
	op.ElementCount = 1
	if bits > 0 && op.Size > bits {
		op.ElementCount = op.Size / bits
	}
}

// resolveHidden appends the hidden operands
// from the form's semantics.
func (s *state) resolveHidden() error {
	sem := s.form.Semantics
	if sem == nil {
		return nil
	}

	inst := s.inst
	w := x86.Widths{
		Mode:        s.d.mode.Mode(),
		OperandSize: inst.OperandWidth,
		AddressSize: s.asz,
		StackWidth:  int(s.d.stackWidth),
	}

	for _, h := range sem.Hidden {
		if inst.numOperands == MaxOperands {
			return fmt.Errorf("%w: %s has too many operands", status.DecodingError, s.form.UID)
		}

		reg, seg, base, err := h.Registers(w)
		if err != nil {
			return fmt.Errorf("%w: %s: hidden operand: %v", status.DecodingError, s.form.UID, err)
		}

		size, err := h.Bits(w)
		if err != nil {
			return fmt.Errorf("%w: %s: hidden operand: %v", status.DecodingError, s.form.UID, err)
		}

		op := &inst.operands[inst.numOperands]
		*op = Operand{
			ID:         inst.numOperands,
			Visibility: x86.VisibilityHidden,
			Action:     h.Action,
			Encoding:   x86.EncodingNone,
			Size:       size,
		}

		if h.IsMemory() {
			op.Type = x86.OperandMemory
			op.Mem = MemoryOperand{Type: x86.MemoryMem, Segment: seg, Base: base}
		} else {
			op.Type = x86.OperandRegister
			op.Register = reg
		}

		s.setElements(op)
		inst.numOperands++
	}

	return nil
}

// resolveAVX fills in the vector details
// of escape-encoded instructions.
func (s *state) resolveAVX() {
	form := s.form
	avx := &s.inst.AVX
	regForm := s.fields.ModRM.Mod() == 0b11 || !form.Encoding.ModRM
	switch s.fields.Family {
	case x86.FamilyVEX, x86.FamilyXOP:
		avx.VectorLength = form.VectorSize()
	case x86.FamilyEVEX:
		avx.VectorLength = form.VectorSize()
		avx.Mask = s.mask(s.z)
		if !s.br {
			break
		}

		if regForm {
			avx.SAE = true
			if form.Encoding.Rounding {
				avx.Rounding = x86.RoundingRN + x86.RoundingMode(s.fields.L)
			}
		} else if bcst := form.Broadcast(); bcst != nil {
			avx.Broadcast = x86.BroadcastFor(avx.VectorLength / bcst.Bits)
		}
	case x86.FamilyMVEX:
		avx.VectorLength = 512
		avx.Mask = s.mask(false)
		if regForm {
			if s.e {
				avx.Rounding = x86.RoundingRN + x86.RoundingMode(s.sss&0b11)
				avx.SAE = s.sss&0b100 != 0
			} else {
				avx.Swizzle = x86.SwizzleDCBA + x86.SwizzleMode(s.sss)
			}

			break
		}

		avx.EvictionHint = s.e
		switch s.sss {
		case 0b001:
			avx.Broadcast = x86.Broadcast1to16
		case 0b010:
			avx.Broadcast = x86.Broadcast4to16
		case 0b011:
			avx.Conversion = x86.ConversionFloat16
		case 0b100:
			avx.Conversion = x86.ConversionUint8
		case 0b101:
			avx.Conversion = x86.ConversionSint8
		case 0b110:
			avx.Conversion = x86.ConversionUint16
		case 0b111:
			avx.Conversion = x86.ConversionSint16
		}
	}
}

// mask returns the opmask selected by the
// aaa field.
func (s *state) mask(zeroing bool) Mask {
	m := Mask{Register: x86.RegisterByIndex(x86.TypeOpmask, s.aaa)}
	switch {
	case s.aaa == 0:
		m.Mode = x86.MaskDisabled
	case zeroing:
		m.Mode = x86.MaskZeroing
	default:
		m.Mode = x86.MaskMerging
	}

	return m
}

// unusedBits returns the REX or escape
// W, R, X, and B bits that were set but
// had no effect.
func (s *state) unusedBits() x86.REX {
	var set x86.REX
	if s.fields.Family == x86.FamilyLegacy {
		set = s.rex & 0b1111
	} else {
		set = x86.REX(bit(s.fields.W)<<3 | bit(s.r)<<2 | bit(s.x)<<1 | bit(s.b))
	}

	used := s.used
	if s.fields.Family == x86.FamilyLegacy {
		if s.form.Encoding.REX_W {
			used |= usedW
		}
	} else if !s.form.Encoding.VEX_WIG {
		used |= usedW
	}

	return set &^ used
}
