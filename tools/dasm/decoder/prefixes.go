// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package decoder

import (
	"fmt"

	"golang.org/x/crypto/cryptobyte"

	"firefly-os.dev/tools/dasm/status"
	"firefly-os.dev/tools/dasm/x86"
)

// state holds the progress through a
// single instruction.
type state struct {
	d      *Decoder
	inst   *Instruction
	code   []byte            // Limited to x86.MaxLength bytes.
	in     cryptobyte.String // The unread part of code.
	long   bool              // Whether the input was cut to x86.MaxLength.
	mode64 bool

	// Legacy prefixes. The indices refer
	// to inst.Raw.prefixes.
	lock        bool
	operandSize bool
	addressSize bool
	opSizeAt    int
	rep         x86.Prefix
	repAt       int
	segment     x86.Prefix
	segmentAt   int
	rex         x86.REX
	rexAt       int

	// Extension fields, with the escape
	// prefix inversion undone.
	r, x, b bool
	rp, vp  bool
	vvvv    byte
	z, br   bool
	aaa     byte
	sss     byte
	e       bool

	fields x86.Fields
	form   *x86.Form
	osz    int
	asz    int

	// The REX (or escape) W, R, X, and B
	// bits that the form or operands used.
	used x86.REX

	// paramImm maps a parameter index to
	// the raw immediate it was read into.
	paramImm [8]int
}

func newState(d *Decoder, inst *Instruction, code []byte) *state {
	s := &state{
		d:      d,
		inst:   inst,
		mode64: d.mode == x86.Long64,
	}

	if len(code) > x86.MaxLength {
		code = code[:x86.MaxLength]
		s.long = true
	}

	s.code = code
	s.in = cryptobyte.String(code)
	inst.MachineMode = d.mode
	inst.StackWidth = d.stackWidth

	return s
}

// offset returns the offset of the next
// byte to be read.
func (s *state) offset() int { return len(s.code) - len(s.in) }

// errEnd reports running out of bytes.
func (s *state) errEnd() error {
	if s.long {
		return fmt.Errorf("%w: instruction is longer than %d bytes", status.InstructionTooLong, x86.MaxLength)
	}

	return fmt.Errorf("%w: instruction truncated after %d bytes", status.NoMoreData, s.offset())
}

func (s *state) readByte() (byte, error) {
	var b byte
	if !s.in.ReadUint8(&b) {
		return 0, s.errEnd()
	}

	return b, nil
}

// readValue reads a little-endian value
// of the given size in bytes. If signed,
// the value is sign-extended.
func (s *state) readValue(size int, signed bool) (uint64, error) {
	var raw []byte
	if !s.in.ReadBytes(&raw, size) {
		return 0, s.errEnd()
	}

	var v uint64
	for i := size - 1; i >= 0; i-- {
		v = v<<8 | uint64(raw[i])
	}

	if signed && size < 8 {
		shift := 64 - 8*size
		v = uint64(int64(v<<shift) >> shift)
	}

	return v, nil
}

func bit(b bool) byte {
	if b {
		return 1
	}

	return 0
}

// scanPrefixes consumes the legacy and REX
// prefixes.
func (s *state) scanPrefixes() error {
	raw := &s.inst.Raw
	for {
		if len(s.in) == 0 {
			return s.errEnd()
		}

		b := s.in[0]
		if !x86.IsLegacyPrefix(b) && !(s.mode64 && b&0xf0 == 0x40) {
			break
		}

		s.in.Skip(1)
		at := raw.numPrefixes
		raw.prefixes[at] = RawPrefix{Value: b, Kind: PrefixEffective}
		raw.numPrefixes++

		// Only a REX prefix directly before
		// the opcode has any effect.
		if s.rex != 0 {
			raw.prefixes[s.rexAt].Kind = PrefixIgnored
			s.rex = 0
		}

		if b&0xf0 == 0x40 {
			s.rex = x86.REX(b)
			s.rexAt = at
			continue
		}

		switch p := x86.Prefix(b); p {
		case x86.PrefixLock:
			s.lock = true
		case x86.PrefixRepeat, x86.PrefixRepeatNot:
			if s.rep != 0 {
				raw.prefixes[s.repAt].Kind = PrefixIgnored
			}

			s.rep = p
			s.repAt = at
		case x86.PrefixOperandSize:
			s.operandSize = true
			s.opSizeAt = at
		case x86.PrefixAddressSize:
			s.addressSize = true
		default:
			if s.segment != 0 {
				raw.prefixes[s.segmentAt].Kind = PrefixIgnored
			}

			s.segment = p
			s.segmentAt = at
		}
	}

	if s.rex != 0 {
		raw.numPrefixes--
		raw.REX = RawREX{Value: s.rex, Offset: s.rexAt}
		s.inst.Attributes |= x86.HasREX
		s.r, s.x, s.b = s.rex.R(), s.rex.X(), s.rex.B()
	}

	return nil
}

// scanEscape consumes any VEX, EVEX, MVEX,
// or XOP prefix.
func (s *state) scanEscape() error {
	s.fields.Family = x86.FamilyLegacy
	if len(s.in) == 0 {
		return s.errEnd()
	}

	b := s.in[0]
	switch b {
	case 0xc4, 0xc5, 0x62, 0x8f:
	default:
		return nil
	}

	// Outside 64-bit mode, these opcodes
	// are also LES, LDS, BOUND, and POP,
	// which take a ModR/M byte.
	if len(s.in) < 2 {
		return s.errEnd()
	}

	next := s.in[1]
	switch b {
	case 0xc4, 0xc5, 0x62:
		if !s.mode64 && next>>6 != 0b11 {
			return nil
		}
	case 0x8f:
		if next&0b1_1111 < 8 {
			return nil
		}
	}

	if s.rex != 0 {
		return fmt.Errorf("%w: REX prefix before %02x escape", status.IllegalRex, b)
	}

	if s.operandSize || s.rep != 0 || s.lock {
		return fmt.Errorf("%w: 66, F2, F3, or F0 prefix before %02x escape", status.IllegalLegacyPfx, b)
	}

	offset := s.offset()
	var err error
	switch b {
	case 0xc4:
		err = s.readVEX(offset, false)
	case 0xc5:
		err = s.readVEX(offset, true)
	case 0x8f:
		err = s.readXOP(offset)
	case 0x62:
		err = s.readEVEX(offset)
	}

	if err != nil {
		return err
	}

	if !s.mode64 {
		s.r, s.x, s.b, s.rp, s.vp = false, false, false, false, false
		s.vvvv &= 0b111
	}

	return nil
}

func (s *state) readVEX(offset int, twoByte bool) error {
	var prefix []byte
	size := 3
	if twoByte {
		size = 2
	}

	if !s.in.ReadBytes(&prefix, size) {
		return s.errEnd()
	}

	var v x86.VEX
	if twoByte {
		v = x86.VEXFrom2Byte(prefix[1])
	} else {
		v = x86.VEX{prefix[1], prefix[2]}
	}

	switch v.M_MMMM() {
	case 1:
		s.fields.Map = x86.Map0F
	case 2:
		s.fields.Map = x86.Map0F38
	case 3:
		s.fields.Map = x86.Map0F3A
	default:
		return fmt.Errorf("%w: VEX map %d", status.InvalidMap, v.M_MMMM())
	}

	s.fields.Family = x86.FamilyVEX
	s.inst.Raw.Escape = &RawVEX{VEX: v, TwoByte: twoByte, Offset: offset}
	s.inst.Attributes |= x86.HasVEX
	s.r, s.x, s.b = !v.R(), !v.X(), !v.B()
	s.vvvv = ^v.VVVV() & 0b1111
	s.fields.W = v.W()
	s.fields.L = bit(v.L())
	s.fields.PP = v.PP()

	return nil
}

func (s *state) readXOP(offset int) error {
	var prefix []byte
	if !s.in.ReadBytes(&prefix, 3) {
		return s.errEnd()
	}

	x := x86.XOP{prefix[1], prefix[2]}
	switch x.M_MMMM() {
	case 8:
		s.fields.Map = x86.MapXOP8
	case 9:
		s.fields.Map = x86.MapXOP9
	case 10:
		s.fields.Map = x86.MapXOPA
	default:
		return fmt.Errorf("%w: XOP map %d", status.InvalidMap, x.M_MMMM())
	}

	s.fields.Family = x86.FamilyXOP
	s.inst.Raw.Escape = &RawXOP{XOP: x, Offset: offset}
	s.inst.Attributes |= x86.HasXOP
	s.r, s.x, s.b = !x.R(), !x.X(), !x.B()
	s.vvvv = ^x.VVVV() & 0b1111
	s.fields.W = x.W()
	s.fields.L = bit(x.L())
	s.fields.PP = x.PP()

	return nil
}

// readEVEX reads a 62 escape, which is
// EVEX if P1 bit 2 is set, or MVEX in
// KNC mode otherwise.
func (s *state) readEVEX(offset int) error {
	var prefix []byte
	if !s.in.ReadBytes(&prefix, 4) {
		return s.errEnd()
	}

	p := x86.EVEX{prefix[1], prefix[2], prefix[3]}
	if !p.On() {
		if s.mode64 && s.d.ModeEnabled(ModeKNC) {
			return s.useMVEX(offset, x86.MVEX(p))
		}

		return fmt.Errorf("%w: P1 bit 2 is clear", status.MalformedEvex)
	}

	if p.Reserved() {
		return fmt.Errorf("%w: P0 bit 3 is set", status.MalformedEvex)
	}

	switch p.MMM() {
	case 1:
		s.fields.Map = x86.Map0F
	case 2:
		s.fields.Map = x86.Map0F38
	case 3:
		s.fields.Map = x86.Map0F3A
	case 5:
		s.fields.Map = x86.Map5
	case 6:
		s.fields.Map = x86.Map6
	default:
		return fmt.Errorf("%w: EVEX map %d", status.InvalidMap, p.MMM())
	}

	s.fields.Family = x86.FamilyEVEX
	s.inst.Raw.Escape = &RawEVEX{EVEX: p, Offset: offset}
	s.inst.Attributes |= x86.HasEVEX
	s.r, s.x, s.b, s.rp = !p.R(), !p.X(), !p.B(), !p.Rp()
	s.vvvv = ^p.VVVV() & 0b1111
	s.vp = !p.Vp()
	s.z, s.br, s.aaa = p.Z(), p.Br(), p.AAA()
	s.fields.W = p.W()
	s.fields.L = p.LL()
	s.fields.PP = p.PP()

	return nil
}

func (s *state) useMVEX(offset int, p x86.MVEX) error {
	switch p.MMMM() {
	case 1:
		s.fields.Map = x86.Map0F
	case 2:
		s.fields.Map = x86.Map0F38
	case 3:
		s.fields.Map = x86.Map0F3A
	default:
		return fmt.Errorf("%w: MVEX map %d", status.InvalidMap, p.MMMM())
	}

	s.fields.Family = x86.FamilyMVEX
	s.inst.Raw.Escape = &RawMVEX{MVEX: p, Offset: offset}
	s.inst.Attributes |= x86.HasMVEX
	s.r, s.x, s.b, s.rp = !p.R(), !p.X(), !p.B(), !p.Rp()
	s.vvvv = ^p.VVVV() & 0b1111
	s.vp = !p.Vp()
	s.e, s.sss, s.aaa = p.E(), p.SSS(), p.KKK()
	s.fields.W = p.W()
	s.fields.PP = p.PP()
	s.fields.IgnoreL = true

	return nil
}

// readOpcode reads the opcode, and any
// map escape bytes for legacy encodings.
func (s *state) readOpcode() error {
	raw := &s.inst.Raw
	raw.OpcodeOffset = s.offset()
	op, err := s.readByte()
	if err != nil {
		return err
	}

	if s.fields.Family == x86.FamilyLegacy {
		s.fields.Map = x86.MapDefault
		s.fields.OperandSize = s.operandSize
		s.fields.Rep = s.rep
		s.fields.W = s.rex.W()
		if op == 0x0f {
			op, err = s.readByte()
			if err != nil {
				return err
			}

			switch op {
			case 0x38:
				s.fields.Map = x86.Map0F38
				op, err = s.readByte()
			case 0x3a:
				s.fields.Map = x86.Map0F3A
				op, err = s.readByte()
			case 0x0f:
				return fmt.Errorf("%w: 3DNow! instructions are not supported", status.DecodingError)
			default:
				s.fields.Map = x86.Map0F
			}

			if err != nil {
				return err
			}
		}
	}

	s.fields.Opcode = op
	s.inst.Family = s.fields.Family
	s.inst.Map = s.fields.Map
	s.inst.Opcode = op
	raw.OpcodeSize = s.offset() - raw.OpcodeOffset

	return nil
}

func (s *state) readModRM() error {
	offset := s.offset()
	b, err := s.readByte()
	if err != nil {
		return err
	}

	m := x86.ModRM(b)
	s.fields.ModRM = m
	s.inst.Raw.ModRM = RawModRM{Value: m, Offset: offset, Present: true}
	s.inst.Attributes |= x86.HasModRM

	// The EVEX vector length field holds
	// the rounding mode when b is set on a
	// register form.
	if s.fields.Family == x86.FamilyEVEX {
		if s.br && m.Mod() == 0b11 {
			s.fields.IgnoreL = true
		} else if s.fields.L == 0b11 {
			return fmt.Errorf("%w: L'L is 11", status.MalformedEvex)
		}
	}

	return nil
}

// selectForm picks the first candidate that
// matches the machine code and the decoder's
// configuration.
func (s *state) selectForm(forms []*x86.Form) error {
	mode := s.d.mode.Mode()
	for _, form := range forms {
		if form.Encoding.Matches(&s.fields) != x86.Match {
			continue
		}

		if !form.Supports(mode) {
			continue
		}

		if form.Gate != "" && !s.d.gateOpen(form.Gate) {
			continue
		}

		osz := s.operandSizeFor(form)
		if !form.OperandSizes.Has(osz) {
			continue
		}

		if !s.broadcastMatches(form) {
			continue
		}

		s.form = form
		s.osz = osz
		s.asz = s.addressSizeFor()

		return nil
	}

	return fmt.Errorf("%w: no %v form of %s opcode %s %02x matches", status.DecodingError, s.d.mode, s.fields.Family, s.fields.Map, s.fields.Opcode)
}

// operandSizeFor returns the effective
// operand size for the given form.
func (s *state) operandSizeFor(form *x86.Form) int {
	toggle := s.operandSize && form.Encoding.MandatoryPrefix != x86.PrefixOperandSize
	switch s.d.mode.Mode() {
	case x86.Mode16:
		if toggle {
			return 32
		}

		return 16
	case x86.Mode32:
		if toggle {
			return 16
		}

		return 32
	}

	switch {
	case form.Force64:
		if toggle && s.d.ModeEnabled(ModeAMDBranches) {
			return 16
		}

		return 64
	case s.rex.W() && form.Encoding.Family == x86.FamilyLegacy:
		return 64
	case form.Default64:
		if toggle {
			return 16
		}

		return 64
	case toggle:
		return 16
	}

	return 32
}

// addressSizeFor returns the effective
// address size.
func (s *state) addressSizeFor() int {
	switch s.d.mode.Mode() {
	case x86.Mode16:
		if s.addressSize {
			return 32
		}

		return 16
	case x86.Mode32:
		if s.addressSize {
			return 16
		}

		return 32
	}

	if s.addressSize {
		return 32
	}

	return 64
}

// broadcastMatches checks the EVEX b bit,
// which selects the broadcast form for
// memory operands, and needs rounding or
// exception suppression for registers.
func (s *state) broadcastMatches(form *x86.Form) bool {
	if s.fields.Family != x86.FamilyEVEX {
		return true
	}

	if !form.Encoding.ModRM || s.fields.ModRM.Mod() == 0b11 {
		return !s.br || form.Encoding.Rounding || form.Encoding.Suppress
	}

	return (form.Broadcast() != nil) == s.br
}

// checkEscape rejects escape-encoded
// instructions with fields set that the
// form cannot use.
func (s *state) checkEscape() error {
	form := s.form
	if s.lock {
		if !form.Lock || !form.Encoding.ModRM || s.fields.ModRM.Mod() == 0b11 {
			return fmt.Errorf("%w: %s does not accept LOCK", status.IllegalLock, form.Mnemonic)
		}
	}

	if s.fields.Family == x86.FamilyLegacy {
		return nil
	}

	hasV := false
	for _, p := range form.Params {
		if p.Encoding == x86.EncodingVEXvvvv {
			hasV = true
			break
		}
	}

	if !hasV && (s.vvvv != 0 || s.vp) {
		return fmt.Errorf("%w: %s does not use vvvv", status.BadRegister, form.Mnemonic)
	}

	switch s.fields.Family {
	case x86.FamilyEVEX:
		if s.z && !form.Encoding.Zero {
			return fmt.Errorf("%w: %s does not support zeroing", status.InvalidMask, form.Mnemonic)
		}

		if s.z && s.aaa == 0 {
			return fmt.Errorf("%w: zeroing with no opmask", status.InvalidMask)
		}

		if s.aaa != 0 && !form.Encoding.Mask {
			return fmt.Errorf("%w: %s does not support masking", status.InvalidMask, form.Mnemonic)
		}
	case x86.FamilyMVEX:
		if s.aaa != 0 && !form.Encoding.Mask {
			return fmt.Errorf("%w: %s does not support masking", status.InvalidMask, form.Mnemonic)
		}

		if s.fields.ModRM.Mod() != 0b11 && s.sss == 0b011 && !isFloat(form) {
			return fmt.Errorf("%w: float16 conversion on integer form %s", status.MalformedMvex, form.Mnemonic)
		}
	}

	return nil
}

// finish fills in the instruction's fields
// that do not depend on operands.
func (s *state) finish() {
	form := s.form
	inst := s.inst
	raw := &inst.Raw
	inst.Mnemonic = form.Mnemonic
	inst.Form = form
	inst.Length = s.offset()
	inst.OperandWidth = s.operandWidth()
	inst.AddressWidth = s.asz

	switch mp := form.Encoding.MandatoryPrefix; mp {
	case x86.PrefixOperandSize:
		raw.prefixes[s.opSizeAt].Kind = PrefixMandatory
	case x86.PrefixRepeat, x86.PrefixRepeatNot:
		raw.prefixes[s.repAt].Kind = PrefixMandatory
	}

	attrs := &inst.Attributes
	if form.Relative() {
		*attrs |= x86.IsRelative
	}

	if form.Privileged {
		*attrs |= x86.IsPrivileged
	}

	if form.Far {
		*attrs |= x86.IsFarBranch
	}

	if form.Lock {
		*attrs |= x86.AcceptsLock
	}

	if form.Rep {
		*attrs |= x86.AcceptsRep
	}

	if form.RepE {
		*attrs |= x86.AcceptsRepE | x86.AcceptsRepNE
	}

	if form.BND && s.d.ModeEnabled(ModeMPX) {
		*attrs |= x86.AcceptsBND
	}

	if form.BranchHints {
		*attrs |= x86.AcceptsBranchHints
	}

	if form.NoTrack && s.d.ModeEnabled(ModeCET) {
		*attrs |= x86.AcceptsNoTrack
	}

	mem := form.MemoryParam()
	if mem != nil {
		*attrs |= x86.AcceptsSegment
	}

	if s.lock {
		*attrs |= x86.HasLock
	}

	mandatory := form.Encoding.MandatoryPrefix
	switch {
	case s.rep == 0 || s.rep == mandatory:
	case s.rep == x86.PrefixRepeat && form.Rep:
		*attrs |= x86.HasRep
	case s.rep == x86.PrefixRepeat && form.RepE:
		*attrs |= x86.HasRepE
	case s.rep == x86.PrefixRepeatNot && form.RepE:
		*attrs |= x86.HasRepNE
	case s.rep == x86.PrefixRepeatNot && *attrs&x86.AcceptsBND != 0:
		*attrs |= x86.HasBND
	}

	switch {
	case s.segment == 0:
	case form.BranchHints && s.segment == x86.PrefixUnlikely:
		*attrs |= x86.HasBranchNotTaken
	case form.BranchHints && s.segment == x86.PrefixLikely:
		*attrs |= x86.HasBranchTaken
	case *attrs&x86.AcceptsNoTrack != 0 && s.segment == x86.PrefixNoTrack:
		*attrs |= x86.HasNoTrack
	default:
		*attrs |= x86.SegmentAttribute(s.segment.Segment())
	}

	if s.operandSize && mandatory != x86.PrefixOperandSize {
		*attrs |= x86.HasOperandSize
	}

	if s.addressSize {
		*attrs |= x86.HasAddressSize
	}
}

// operandWidth returns the instruction's
// effective operand width. Forms with no
// operand size prefix rules take it from
// their first general purpose operand.
func (s *state) operandWidth() int {
	if s.form.OperandSizes != 0 {
		return s.osz
	}

	for _, p := range s.form.Params {
		switch {
		case p.Type == x86.TypeRegister && p.Class == x86.TypeGeneralPurpose:
			return p.Bits
		case p.Type == x86.TypeMemory && p.Bits == 8:
			return 8
		}
	}

	return s.osz
}

// isFloat returns whether the form's
// elements are floating point.
func isFloat(form *x86.Form) bool {
	if form.Semantics == nil {
		return false
	}

	return form.Semantics.Element.Bits() != 0
}
