// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package encoder turns instruction requests into x86
// machine code.
//
// A Request names a mnemonic and its operands. Every form
// of the mnemonic that can encode the operands in the
// request's machine mode is built, and the shortest result
// is returned. Ties go to the legacy encoding, then XOP,
// VEX, EVEX, and MVEX, and finally to the form that comes
// first in the instruction table.
//
// Each candidate encoding is decoded again before it is
// accepted, so the encoder never returns machine code that
// decodes as a different instruction form.
//
// FromDecoded converts a decoded instruction back into a
// request, recording the encoding choices that do not
// change the instruction's meaning as Hints. Encoding that
// request reproduces the original machine code.
package encoder

import (
	"encoding/binary"
	"fmt"
	"math/bits"
	"slices"

	"golang.org/x/crypto/cryptobyte"

	"firefly-os.dev/tools/dasm/decoder"
	"firefly-os.dev/tools/dasm/status"
	"firefly-os.dev/tools/dasm/x86"
)

// Encode returns the machine code for req.
// Relative operands are offsets from the
// end of the instruction.
func Encode(req *Request) ([]byte, error) {
	code, err := encode(req, 0, false)
	if err != nil {
		return nil, err
	}

	b := cryptobyte.NewBuilder(make([]byte, 0, code.Len()))
	code.EncodeTo(b)

	return b.Bytes()
}

// EncodeAbsolute returns the machine code
// for req, as it would appear at the given
// runtime address. Relative operands are
// absolute target addresses.
func EncodeAbsolute(req *Request, runtimeAddress uint64) ([]byte, error) {
	code, err := encode(req, runtimeAddress, true)
	if err != nil {
		return nil, err
	}

	b := cryptobyte.NewBuilder(make([]byte, 0, code.Len()))
	code.EncodeTo(b)

	return b.Bytes()
}

// EncodeInto writes the machine code for
// req into buf, returning its length. The
// buffer must have room for the longest
// possible instruction.
func EncodeInto(req *Request, buf []byte) (int, error) {
	if len(buf) < x86.MaxLength {
		return 0, fmt.Errorf("%w: buffer holds %d bytes, need %d", status.InsufficientBufferSize, len(buf), x86.MaxLength)
	}

	code, err := encode(req, 0, false)
	if err != nil {
		return 0, err
	}

	b := cryptobyte.NewFixedBuilder(buf[:0])
	code.EncodeTo(b)
	out, err := b.Bytes()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", status.InsufficientBufferSize, err)
	}

	return len(out), nil
}

// encoder holds the state shared by the
// candidate forms for one request.
type encoder struct {
	req      *Request
	mode     x86.Mode
	mode64   bool
	addr     uint64
	absolute bool

	// Decoders used to check candidates,
	// keyed by the form's gate.
	decoders map[string]*decoder.Decoder
}

func encode(req *Request, addr uint64, absolute bool) (*x86.Code, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", status.InvalidArgument)
	}

	if !req.MachineMode.Valid() {
		return nil, fmt.Errorf("%w: invalid machine mode %v", status.InvalidArgument, req.MachineMode)
	}

	if req.overflow {
		return nil, fmt.Errorf("%w: %s: more than %d operands", status.InvalidArgument, req.Mnemonic, MaxOperands)
	}

	forms := x86.LookupMnemonic(req.Mnemonic)
	if len(forms) == 0 {
		return nil, fmt.Errorf("%w: unknown mnemonic %q", status.InvalidArgument, req.Mnemonic)
	}

	err := req.validate()
	if err != nil {
		return nil, err
	}

	e := &encoder{
		req:      req,
		mode:     req.MachineMode.Mode(),
		mode64:   req.MachineMode == x86.Long64,
		addr:     addr,
		absolute: absolute,
		decoders: make(map[string]*decoder.Decoder),
	}

	if uid := req.Hints.UID; uid != "" {
		form := x86.FormByUID(uid)
		if form != nil && form.Mnemonic == forms[0].Mnemonic {
			b, err := e.build(form, true)
			if err == nil {
				return &b.code, nil
			}
		}
	}

	var best *builder
	var defect error
	for _, form := range forms {
		b, err := e.build(form, false)
		if err != nil {
			defect = firstDefect(defect, err)
			continue
		}

		if best == nil || b.better(best) {
			best = b
		}
	}

	if best == nil {
		return nil, defect
	}

	return &best.code, nil
}

// firstDefect picks the error to report when
// no form matches. A specific problem, such as
// a bad register, is more useful than a form
// that takes different operands.
func firstDefect(prev, err error) error {
	switch {
	case prev == nil:
		return err
	case status.Of(prev) == status.ImpossibleInstruction && status.Of(err) != status.ImpossibleInstruction:
		return err
	}

	return prev
}

// validate checks the parts of a request
// that do not depend on the form.
func (r *Request) validate() error {
	for i, op := range r.Operands() {
		switch op.Type {
		case x86.OperandRegister:
			if op.Register == nil {
				return fmt.Errorf("%w: operand %d: nil register", status.InvalidArgument, i+1)
			}
		case x86.OperandMemory:
			switch op.Mem.Scale {
			case 0, 1, 2, 4, 8:
			default:
				return fmt.Errorf("%w: operand %d: invalid scale %d", status.InvalidArgument, i+1, op.Mem.Scale)
			}

			if op.Mem.Segment != nil && op.Mem.Segment.Type != x86.TypeSegment {
				return fmt.Errorf("%w: operand %d: %s is not a segment register", status.InvalidArgument, i+1, op.Mem.Segment)
			}

			if op.Mem.Size < 0 {
				return fmt.Errorf("%w: operand %d: negative size", status.InvalidArgument, i+1)
			}
		case x86.OperandPointer, x86.OperandImmediate:
		default:
			return fmt.Errorf("%w: operand %d: missing operand type", status.InvalidArgument, i+1)
		}
	}

	if r.Mask != nil && r.Mask.Type != x86.TypeOpmask {
		return fmt.Errorf("%w: %s is not an opmask register", status.InvalidArgument, r.Mask)
	}

	return nil
}

// builder encodes a request using one
// instruction form.
type builder struct {
	e      *encoder
	form   *x86.Form
	hinted bool
	hints  *Hints
	code   x86.Code

	osz    int
	asz    int
	toggle bool // Use a 66 prefix to change the operand size.
	need67 bool

	hasMemory bool          // The form has a ModR/M memory operand.
	segment   *x86.Register // Any segment override from a memory operand.
	needREX   bool
	highByte  *x86.Register // Any of AH, CH, DH, or BH.
	sss       byte          // The MVEX SSS field.
	imms      int           // The number of immediates written.
	rel       *relative
}

// relative is a code offset that depends
// on the instruction's length.
type relative struct {
	value uint64
	bits  int
	size  int
}

var noHints Hints

func (b *builder) fail(st status.Status, format string, v ...any) error {
	return fmt.Errorf("%w: %s: %s", st, b.form.UID, fmt.Sprintf(format, v...))
}

func (b *builder) impossible(format string, v ...any) error {
	return b.fail(status.ImpossibleInstruction, format, v...)
}

// better returns whether b should be chosen
// over other.
func (b *builder) better(other *builder) bool {
	n, m := b.code.Len(), other.code.Len()
	if n != m {
		return n < m
	}

	return b.form.Encoding.Family < other.form.Encoding.Family
}

// build encodes the request with the given
// form. If hinted is set, the request's
// hints are applied.
func (e *encoder) build(form *x86.Form, hinted bool) (*builder, error) {
	req := e.req
	enc := form.Encoding
	ops := req.Operands()
	b := &builder{e: e, form: form, hinted: hinted, hints: &noHints}
	if hinted {
		b.hints = &req.Hints
	}

	switch {
	case !form.Supports(e.mode):
		return nil, b.impossible("not valid in %d-bit mode", e.mode.Int)
	case !req.Allowed.Allows(enc.Family):
		return nil, b.impossible("%s encoding is not allowed", enc.Family)
	case enc.Family == x86.Family3DNow:
		return nil, b.impossible("3DNow! instructions are not supported")
	case enc.Family == x86.FamilyMVEX && !e.mode64:
		return nil, b.impossible("MVEX needs 64-bit mode")
	case len(ops) != len(form.Params):
		return nil, b.impossible("takes %d operands, not %d", len(form.Params), len(ops))
	}

	mem := form.MemoryParam()
	b.hasMemory = mem != nil && mem.Type == x86.TypeMemory

	err := b.checkBranch()
	if err != nil {
		return nil, err
	}

	err = b.sizes()
	if err != nil {
		return nil, err
	}

	err = b.features()
	if err != nil {
		return nil, err
	}

	b.start()
	for i, p := range form.Params {
		err = b.encodeParam(i, p, &ops[i])
		if err != nil {
			return nil, err
		}
	}

	b.applyUnused()
	err = b.finishREX()
	if err != nil {
		return nil, err
	}

	err = b.prefixes()
	if err != nil {
		return nil, err
	}

	err = b.fixRelative()
	if err != nil {
		return nil, err
	}

	if n := b.code.Len(); n > x86.MaxLength {
		return nil, b.impossible("encoding is %d bytes long", n)
	}

	err = b.verify()
	if err != nil {
		return nil, err
	}

	return b, nil
}

// checkBranch applies the branch type and
// width.
func (b *builder) checkBranch() error {
	req := b.e.req
	var rel *x86.Parameter
	for _, p := range b.form.Params {
		if p.Type == x86.TypeRelativeAddress {
			rel = p
			break
		}
	}

	switch req.BranchType {
	case x86.BranchShort:
		if rel == nil || rel.Bits != 8 {
			return b.impossible("not a short branch")
		}
	case x86.BranchNear:
		if b.form.Far {
			return b.impossible("not a near branch")
		}
	case x86.BranchFar:
		if !b.form.Far {
			return b.impossible("not a far branch")
		}
	}

	if w := req.BranchWidth.Bits(); w != 0 && (rel == nil || rel.Bits != w) {
		return b.impossible("no %d-bit branch offset", w)
	}

	return nil
}

// sizes picks the operand size and address
// size.
func (b *builder) sizes() error {
	req := b.e.req
	form := b.form
	enc := form.Encoding
	forced := req.Prefixes&x86.HasOperandSize != 0
	if forced {
		switch {
		case enc.Family != x86.FamilyLegacy:
			return b.fail(status.IllegalLegacyPfx, "%s encoding does not accept an operand size prefix", enc.Family)
		case enc.MandatoryPrefix == x86.PrefixOperandSize, enc.NoVEXPrefixes:
			return b.fail(status.IllegalLegacyPfx, "does not accept an operand size prefix")
		}
	}

	toggles := []bool{false, true}
	switch {
	case forced:
		toggles = toggles[1:]
	case enc.Family != x86.FamilyLegacy, enc.MandatoryPrefix == x86.PrefixOperandSize, enc.NoVEXPrefixes:
		toggles = toggles[:1]
	}

	found := false
	hint := req.OperandSize.Bits()
	for _, toggle := range toggles {
		osz := b.operandSize(toggle)
		if !form.OperandSizes.Has(osz) {
			continue
		}

		if hint != 0 && form.OperandSizes != 0 && hint != osz {
			continue
		}

		b.osz, b.toggle = osz, toggle
		found = true
		break
	}

	if !found {
		return b.impossible("no matching operand size in %d-bit mode", b.e.mode.Int)
	}

	return b.addressSize()
}

// operandSize returns the effective
// operand size, with or without a 66
// prefix.
func (b *builder) operandSize(toggle bool) int {
	form := b.form
	switch b.e.mode {
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

	rexW := form.Encoding.REX_W || b.hints.REX.W()
	switch {
	case form.Force64:
		return 64
	case rexW && form.Encoding.Family == x86.FamilyLegacy:
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

// addressSize picks the address size from
// the memory operand's registers, or the
// request's prefixes and hints.
func (b *builder) addressSize() error {
	req := b.e.req
	def := int(b.e.mode.Int)
	alt := 32
	if def == 32 {
		alt = 16
	}

	regs := 0
	for i, op := range req.Operands() {
		if op.Type != x86.OperandMemory {
			continue
		}

		for _, reg := range []*x86.Register{op.Mem.Base, op.Mem.Index} {
			if reg == nil {
				continue
			}

			if reg.Type != x86.TypeGeneralPurpose && reg.Type != x86.TypeInstructionPointer {
				return b.fail(status.BadRegister, "operand %d: %s cannot be used in an address", i+1, reg)
			}

			if regs != 0 && reg.Bits != regs {
				return b.fail(status.InvalidArgument, "operand %d: mixed address sizes", i+1)
			}

			regs = reg.Bits
		}
	}

	asz := def
	switch {
	case req.Prefixes&x86.HasAddressSize != 0:
		asz = alt
		if regs != 0 && regs != asz {
			return b.impossible("%d-bit address with an address size prefix", regs)
		}
	case regs != 0:
		asz = regs
	case req.AddressSize != x86.SizeHintNone:
		asz = req.AddressSize.Bits()
	}

	if asz != def && asz != alt {
		return b.fail(status.BadRegister, "%d-bit addressing is not available in %d-bit mode", asz, def)
	}

	b.asz = asz
	b.need67 = asz != def

	return nil
}

// features checks the request's vector
// features against the form, and computes
// the MVEX SSS field, which memory operands
// need.
func (b *builder) features() error {
	req := b.e.req
	enc := b.form.Encoding
	masked := req.Mask != nil && req.Mask.Index != 0
	evex := req.EVEX != EVEXFeatures{}
	mvex := req.MVEX != MVEXFeatures{}
	switch enc.Family {
	case x86.FamilyEVEX:
		if mvex {
			return b.impossible("MVEX features on an EVEX form")
		}

		if masked && !enc.Mask {
			return b.impossible("does not support masking")
		}

		if req.Zeroing && (!enc.Zero || !masked) {
			return b.impossible("does not support zeroing")
		}

		ev := req.EVEX
		if ev.Rounding != x86.RoundingInvalid {
			if b.hasMemory || !enc.Rounding {
				return b.impossible("does not support embedded rounding")
			}

			if ev.Rounding > x86.RoundingRZ {
				return b.fail(status.InvalidArgument, "invalid rounding mode %v", ev.Rounding)
			}
		} else if ev.SAE && (b.hasMemory || !enc.Suppress || enc.Rounding) {
			return b.impossible("does not support exception suppression alone")
		}

		if ev.Broadcast != x86.BroadcastInvalid {
			bcst := b.form.Broadcast()
			if bcst == nil || x86.BroadcastFor(b.form.VectorSize()/bcst.Bits) != ev.Broadcast {
				return b.impossible("does not support %v broadcast", ev.Broadcast)
			}
		} else if b.form.Broadcast() != nil {
			return b.impossible("broadcast form")
		}
	case x86.FamilyMVEX:
		if evex {
			return b.impossible("EVEX features on an MVEX form")
		}

		if masked && !enc.Mask {
			return b.impossible("does not support masking")
		}

		if req.Zeroing {
			return b.impossible("MVEX does not support zeroing")
		}

		return b.mvexSSS()
	default:
		if masked || req.Zeroing || evex || mvex {
			return b.impossible("%s encoding has no AVX-512 features", enc.Family)
		}
	}

	return nil
}

// mvexSSS computes the MVEX SSS field from
// the requested features.
func (b *builder) mvexSSS() error {
	mv := b.e.req.MVEX
	if b.hasMemory {
		if mv.Rounding != x86.RoundingInvalid || mv.SAE || mv.Swizzle != x86.SwizzleInvalid {
			return b.impossible("register features on a memory form")
		}

		if mv.Broadcast != x86.BroadcastInvalid && mv.Conversion != x86.ConversionInvalid {
			return b.impossible("both a broadcast and a conversion")
		}

		switch mv.Broadcast {
		case x86.BroadcastInvalid:
		case x86.Broadcast1to16:
			b.sss = 0b001
		case x86.Broadcast4to16:
			b.sss = 0b010
		default:
			return b.impossible("MVEX does not support %v broadcast", mv.Broadcast)
		}

		switch mv.Conversion {
		case x86.ConversionInvalid:
		case x86.ConversionFloat16:
			if !isFloat(b.form) {
				return b.impossible("float16 conversion on an integer form")
			}

			b.sss = 0b011
		case x86.ConversionUint8:
			b.sss = 0b100
		case x86.ConversionSint8:
			b.sss = 0b101
		case x86.ConversionUint16:
			b.sss = 0b110
		case x86.ConversionSint16:
			b.sss = 0b111
		}

		return nil
	}

	if mv.Broadcast != x86.BroadcastInvalid || mv.Conversion != x86.ConversionInvalid || mv.EvictionHint {
		return b.impossible("memory features on a register form")
	}

	switch {
	case mv.Rounding != x86.RoundingInvalid || mv.SAE:
		if mv.Swizzle > x86.SwizzleDCBA {
			return b.impossible("both a swizzle and rounding")
		}

		if mv.Rounding > x86.RoundingRZ {
			return b.fail(status.InvalidArgument, "invalid rounding mode %v", mv.Rounding)
		}

		if mv.Rounding != x86.RoundingInvalid {
			b.sss = byte(mv.Rounding - x86.RoundingRN)
		}

		if mv.SAE {
			b.sss |= 0b100
		}
	case mv.Swizzle != x86.SwizzleInvalid:
		if mv.Swizzle > x86.SwizzleDDDD {
			return b.fail(status.InvalidArgument, "invalid swizzle %v", mv.Swizzle)
		}

		b.sss = byte(mv.Swizzle - x86.SwizzleDCBA)
	}

	return nil
}

// isFloat returns whether the form's
// elements are floating point.
func isFloat(form *x86.Form) bool {
	return form.Semantics != nil && form.Semantics.Element.Bits() != 0
}

// start fills in the parts of the code
// that come from the form alone.
func (b *builder) start() {
	req := b.e.req
	enc := b.form.Encoding
	c := &b.code
	c.Family = enc.Family
	c.Map = enc.Map
	c.Opcode = enc.Opcode
	aaa := byte(0)
	if req.Mask != nil {
		aaa = req.Mask.Index & 0b111
	}

	switch enc.Family {
	case x86.FamilyLegacy:
		if enc.REX {
			c.REX.SetOn()
		}

		if enc.REX_W {
			c.REX.SetOn()
			c.REX.SetW(true)
		}
	case x86.FamilyVEX:
		c.VEX.Default()
		c.VEX.SetM_MMMM(enc.Map.Field())
		c.VEX.SetPP(enc.PP)
		c.VEX.SetW(enc.VEX_W)
		c.VEX.SetL(enc.VEX_L)
		if enc.LIG {
			c.VEX.SetL(b.hints.L&1 != 0)
		}

		c.VEX3 = b.hints.VEX3
	case x86.FamilyXOP:
		c.XOP.Default()
		c.XOP.SetM_MMMM(enc.Map.Field())
		c.XOP.SetPP(enc.PP)
		c.XOP.SetW(enc.VEX_W)
		c.XOP.SetL(enc.VEX_L)
		if enc.LIG {
			c.XOP.SetL(b.hints.L&1 != 0)
		}
	case x86.FamilyEVEX:
		ev := req.EVEX
		ll := enc.LL()
		if enc.LIG {
			ll = b.hints.L & 0b11
		}

		br := false
		switch {
		case ev.Rounding != x86.RoundingInvalid:
			br, ll = true, byte(ev.Rounding-x86.RoundingRN)
		case ev.SAE:
			br = true
			if b.hinted {
				ll = b.hints.L & 0b11
			}
		case ev.Broadcast != x86.BroadcastInvalid:
			br = true
		}

		c.EVEX.Default()
		c.EVEX.SetMMM(enc.Map.Field())
		c.EVEX.SetPP(enc.PP)
		c.EVEX.SetW(enc.VEX_W)
		c.EVEX.SetLL(ll)
		c.EVEX.SetBr(br)
		c.EVEX.SetZ(req.Zeroing)
		c.EVEX.SetAAA(aaa)
	case x86.FamilyMVEX:
		c.MVEX.Default()
		c.MVEX.SetMMMM(enc.Map.Field())
		c.MVEX.SetPP(enc.PP)
		c.MVEX.SetW(enc.VEX_W)
		c.MVEX.SetE(req.MVEX.EvictionHint || (!b.hasMemory && (req.MVEX.Rounding != x86.RoundingInvalid || req.MVEX.SAE)))
		c.MVEX.SetSSS(b.sss)
		c.MVEX.SetKKK(aaa)
	}

	if enc.Family != x86.FamilyLegacy && enc.VEX_WIG && b.hints.Unused.W() {
		c.SetW(true)
	}

	if enc.ModRM {
		c.UseModRM = true
		if enc.ModRMmod != 0 && enc.ModRMmod != 5 {
			c.ModRM.SetMod(enc.ModRMmod - 1)
		}

		if enc.ModRMreg != 0 {
			c.ModRM.SetReg(enc.ModRMreg - 1)
		}

		if enc.ModRMrm != 0 {
			c.ModRM.SetRM(enc.ModRMrm - 1)
		}
	}
}

func (b *builder) mismatch(i int, format string, v ...any) error {
	return b.impossible("operand %d: %s", i+1, fmt.Sprintf(format, v...))
}

// encodeParam encodes one operand.
func (b *builder) encodeParam(i int, p *x86.Parameter, op *Operand) error {
	c := &b.code
	enc := b.form.Encoding
	switch p.Type {
	case x86.TypeRegister, x86.TypeStackIndex:
		if op.Type != x86.OperandRegister {
			return b.mismatch(i, "want %s, got %v", p.Syntax, op.Type)
		}

		reg := op.Register
		if p.Type == x86.TypeStackIndex {
			if reg.Type != x86.TypeX87 || (p.Fixed != nil && reg != p.Fixed) {
				return b.mismatch(i, "want %s, got %s", p.Syntax, reg)
			}
		} else if !p.Accepts(reg) {
			return b.mismatch(i, "want %s, got %s", p.Syntax, reg)
		}

		err := b.checkRegister(i, reg)
		if err != nil {
			return err
		}

		b.placeRegister(p, reg)

		return nil
	case x86.TypeMemory:
		if op.Type != x86.OperandMemory {
			return b.mismatch(i, "want %s, got %v", p.Syntax, op.Type)
		}

		if enc.Family != x86.FamilyMVEX && op.Mem.Size != 0 && p.Bits != 0 && op.Mem.Size*8 != p.Bits {
			return b.mismatch(i, "want %s, got %d-byte memory", p.Syntax, op.Mem.Size)
		}

		return b.encodeMemory(i, &op.Mem, p)
	case x86.TypeMemoryOffset:
		if op.Type != x86.OperandMemory || op.Mem.Base != nil || op.Mem.Index != nil {
			return b.mismatch(i, "want %s, got %s", p.Syntax, op)
		}

		return b.encodeOffset(i, &op.Mem)
	case x86.TypeRelativeAddress:
		if op.Type != x86.OperandImmediate {
			return b.mismatch(i, "want %s, got %v", p.Syntax, op.Type)
		}

		b.rel = &relative{value: op.Imm, bits: p.Bits, size: enc.CodeOffset}
		c.CodeOffsetLen = enc.CodeOffset

		return nil
	case x86.TypeFarPointer:
		if op.Type != x86.OperandPointer {
			return b.mismatch(i, "want %s, got %v", p.Syntax, op.Type)
		}

		size := enc.CodeOffset - 2
		if size < 4 && op.Ptr.Offset>>(8*size) != 0 {
			return b.mismatch(i, "offset %#x does not fit in %d bits", op.Ptr.Offset, 8*size)
		}

		putUint(c.CodeOffset[:size], uint64(op.Ptr.Offset))
		binary.LittleEndian.PutUint16(c.CodeOffset[size:], op.Ptr.Segment)
		c.CodeOffsetLen = enc.CodeOffset

		return nil
	case x86.TypeSignedImmediate, x86.TypeUnsignedImmediate:
		if op.Type != x86.OperandImmediate {
			return b.mismatch(i, "want %s, got %v", p.Syntax, op.Type)
		}

		if p.Encoding == x86.EncodingNone {
			if op.Imm != p.Value {
				return b.mismatch(i, "want %d, got %#x", p.Value, op.Imm)
			}

			return nil
		}

		if b.imms >= len(enc.Immediates) {
			return b.impossible("more immediate operands than immediates")
		}

		size := enc.Immediates[b.imms]
		b.imms++
		signed := p.Type == x86.TypeSignedImmediate
		if !fitsImmediate(op.Imm, 8*size, signed, immediateWidth(b.form, b.osz)) {
			return b.mismatch(i, "%#x does not fit in %s", op.Imm, p.Syntax)
		}

		b.addImmediate(op.Imm, size)

		return nil
	}

	return b.impossible("unsupported parameter %s", p)
}

// checkRegister checks that reg can be
// encoded in the mode and family.
func (b *builder) checkRegister(i int, reg *x86.Register) error {
	family := b.form.Encoding.Family
	if reg.MinMode > b.e.mode.Int {
		return b.fail(status.BadRegister, "operand %d: %s is not available in %d-bit mode", i+1, reg, b.e.mode.Int)
	}

	_, _, evex := reg.Field()
	if (reg.EVEX || evex) && family != x86.FamilyEVEX && family != x86.FamilyMVEX {
		return b.mismatch(i, "%s needs EVEX", reg)
	}

	if family == x86.FamilyLegacy {
		if reg.Type == x86.TypeGeneralPurpose && reg.NeedsREX() {
			b.needREX = true
		}

		if reg.ForbidsREX() {
			b.highByte = reg
		}
	}

	return nil
}

// placeRegister stores a register's index
// in the field named by the parameter.
func (b *builder) placeRegister(p *x86.Parameter, reg *x86.Register) {
	c := &b.code
	low, ext, evex := reg.Field()
	switch reg.Type {
	case x86.TypeMMX, x86.TypeX87:
		ext, evex = false, false
	}

	switch p.Encoding {
	case x86.EncodingVEXvvvv:
		c.SetVVVV(reg.Index)
	case x86.EncodingRegisterModifier:
		c.Opcode = b.form.Encoding.Opcode | low
		c.SetB(ext)
	case x86.EncodingStackIndex:
		c.ModRM.SetRM(low)
	case x86.EncodingModRMreg:
		c.ModRM.SetReg(low)
		c.SetR(ext)
		switch c.Family {
		case x86.FamilyEVEX:
			c.EVEX.SetRp(!evex)
		case x86.FamilyMVEX:
			c.MVEX.SetRp(!evex)
		}
	case x86.EncodingModRMrm:
		c.ModRM.SetMod(0b11)
		c.ModRM.SetRM(low)
		c.SetB(ext)
		if evex {
			c.SetX(true)
		}
	case x86.EncodingVEXis4:
		b.addImmediate(uint64(reg.Index&0b1111)<<4, 1)
	}
}

// addImmediate appends an immediate of
// the given size in bytes.
func (b *builder) addImmediate(v uint64, size int) {
	c := &b.code
	putUint(c.Immediate[c.ImmediateLen:c.ImmediateLen+size], v)
	c.ImmediateLen += size
}

// putUint stores the low bytes of v in
// little-endian order.
func putUint(dst []byte, v uint64) {
	switch len(dst) {
	case 1:
		dst[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(dst, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(dst, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(dst, v)
	default:
		for i := range dst {
			dst[i] = byte(v >> (8 * i))
		}
	}
}

// immediateWidth returns the width of the
// operand a signed immediate is extended
// to, or zero if the immediate is used as
// it is.
func immediateWidth(form *x86.Form, osz int) int {
	if form.Encoding.Family != x86.FamilyLegacy {
		return 0
	}

	for _, p := range form.Params {
		switch p.Class {
		case x86.TypeMMX, x86.TypeXMM, x86.TypeYMM, x86.TypeZMM:
			return 0
		}
	}

	for _, p := range form.Params {
		switch {
		case p.Type == x86.TypeRegister && p.Class == x86.TypeGeneralPurpose:
			return p.Bits
		case p.Type == x86.TypeRegister, p.Type == x86.TypeStackIndex:
			return 0
		case p.Type == x86.TypeMemory:
			if p.Bits > 64 {
				return 0
			}

			return p.Bits
		}
	}

	return osz
}

func signExtend(v uint64, bits int) uint64 {
	if bits >= 64 {
		return v
	}

	shift := 64 - bits
	return uint64(int64(v<<shift) >> shift)
}

// fitsImmediate returns whether v can be
// encoded as an immediate of the given size
// in bits. Signed immediates are extended
// to width bits, and must give the same
// value.
func fitsImmediate(v uint64, size int, signed bool, width int) bool {
	if size >= 64 {
		return true
	}

	if !signed {
		return v>>size == 0
	}

	if width == 0 {
		return signExtend(v, size) == v || v>>size == 0
	}

	width = max(width, size)
	ext := signExtend(v, size)
	if width >= 64 {
		return ext == v
	}

	mask := uint64(1)<<width - 1
	if ext&mask != v&mask {
		return false
	}

	return v>>width == 0 || signExtend(v&mask, width) == v
}

// fitsSigned returns whether v fits in a
// signed integer of the given size.
func fitsSigned(v int64, size int) bool {
	if size >= 64 {
		return true
	}

	limit := int64(1) << (size - 1)
	return -limit <= v && v < limit
}

// applyUnused sets any escape prefix bits
// that were set in the original machine code
// but have no effect.
func (b *builder) applyUnused() {
	c := &b.code
	unused := b.hints.Unused
	if c.Family == x86.FamilyLegacy || !b.e.mode64 || unused == 0 {
		return
	}

	if unused.R() {
		c.SetR(true)
	}

	if unused.X() {
		c.SetX(true)
	}

	if unused.B() {
		c.SetB(true)
	}
}

// finishREX adds any REX prefix the operands
// need.
func (b *builder) finishREX() error {
	c := &b.code
	if c.Family != x86.FamilyLegacy {
		return nil
	}

	if b.needREX || c.REX&0b1111 != 0 {
		c.REX.SetOn()
	}

	if b.e.mode64 && b.hints.REX != 0 {
		c.REX |= b.hints.REX
		c.REX.SetOn()
	}

	if c.REX == 0 {
		return nil
	}

	if !b.e.mode64 {
		return b.impossible("REX prefix outside 64-bit mode")
	}

	if b.highByte != nil {
		return b.fail(status.BadRegister, "%s cannot be encoded with a REX prefix", b.highByte)
	}

	return nil
}

// prefixes adds the legacy prefixes.
func (b *builder) prefixes() error {
	req := b.e.req
	form := b.form
	enc := form.Encoding
	attrs := req.Prefixes
	legacy := enc.Family == x86.FamilyLegacy
	mandatory := enc.MandatoryPrefix
	var lock, rep, seg x86.Prefix

	if attrs&x86.HasLock != 0 {
		switch {
		case !legacy:
			return b.fail(status.IllegalLegacyPfx, "%s encoding does not accept LOCK", enc.Family)
		case !form.Lock || !b.hasMemory:
			return b.fail(status.IllegalLock, "%s does not accept LOCK", b.e.req)
		}

		lock = x86.PrefixLock
	}

	repAttrs := attrs & (x86.HasRep | x86.HasRepE | x86.HasRepNE | x86.HasBND)
	if repAttrs != 0 {
		if bits.OnesCount64(uint64(repAttrs)) > 1 {
			return b.fail(status.InvalidArgument, "conflicting repeat prefixes")
		}

		if !legacy || mandatory == x86.PrefixRepeat || mandatory == x86.PrefixRepeatNot {
			return b.fail(status.IllegalLegacyPfx, "does not accept a repeat prefix")
		}

		switch {
		case repAttrs == x86.HasRep && form.Rep:
			rep = x86.PrefixRepeat
		case repAttrs == x86.HasRepE && form.RepE:
			rep = x86.PrefixRepeat
		case repAttrs == x86.HasRepNE && form.RepE:
			rep = x86.PrefixRepeatNot
		case repAttrs == x86.HasBND && form.BND:
			rep = x86.PrefixRepeatNot
		default:
			return b.fail(status.IllegalLegacyPfx, "%s does not accept the %s prefix", b.e.req, repAttrs)
		}
	}

	group := attrs & (x86.HasBranchNotTaken | x86.HasBranchTaken | x86.HasNoTrack | x86.HasSegment)
	if bits.OnesCount64(uint64(group)) > 1 {
		return b.fail(status.InvalidArgument, "conflicting segment and hint prefixes")
	}

	switch {
	case group == 0:
	case group == x86.HasBranchNotTaken, group == x86.HasBranchTaken:
		if !form.BranchHints {
			return b.fail(status.IllegalLegacyPfx, "%s does not accept branch hints", b.e.req)
		}

		seg = x86.PrefixUnlikely
		if group == x86.HasBranchTaken {
			seg = x86.PrefixLikely
		}
	case group == x86.HasNoTrack:
		if !form.NoTrack {
			return b.fail(status.IllegalLegacyPfx, "%s does not accept NOTRACK", b.e.req)
		}

		seg = x86.PrefixNoTrack
	default:
		seg, _ = x86.SegmentPrefix(x86.AttributeSegment(group))
	}

	if b.segment != nil {
		p, _ := x86.SegmentPrefix(b.segment)
		switch {
		case seg == 0:
			seg = p
		case group&x86.HasSegment != 0 && seg == p:
		default:
			return b.fail(status.InvalidArgument, "conflicting segment prefixes")
		}
	}

	wantRep := rep
	if mandatory == x86.PrefixRepeat || mandatory == x86.PrefixRepeatNot {
		wantRep = mandatory
	}

	want66 := b.toggle || mandatory == x86.PrefixOperandSize
	c := &b.code
	if b.hinted && len(b.hints.Prefixes) > 0 && b.layoutMatches(lock != 0, wantRep, seg, want66) {
		for _, p := range b.hints.Prefixes {
			c.AddPrefix(p)
		}

		return nil
	}

	for _, p := range []x86.Prefix{lock, rep, seg} {
		if p != 0 {
			c.AddPrefix(byte(p))
		}
	}

	if b.toggle {
		c.AddPrefix(byte(x86.PrefixOperandSize))
	}

	if b.need67 {
		c.AddPrefix(byte(x86.PrefixAddressSize))
	}

	if mandatory != 0 {
		c.AddPrefix(byte(mandatory))
	}

	return nil
}

// layoutMatches returns whether the hinted
// prefix bytes have the same effect as the
// prefixes the form needs.
func (b *builder) layoutMatches(lock bool, rep, seg x86.Prefix, want66 bool) bool {
	var gotLock, got66, got67 bool
	var gotRep, gotSeg x86.Prefix
	for _, v := range b.hints.Prefixes {
		if b.e.mode64 && v&0xf0 == 0x40 {
			continue // An ignored REX prefix.
		}

		if !x86.IsLegacyPrefix(v) {
			return false
		}

		switch p := x86.Prefix(v); p {
		case x86.PrefixLock:
			gotLock = true
		case x86.PrefixRepeat, x86.PrefixRepeatNot:
			gotRep = p
		case x86.PrefixOperandSize:
			got66 = true
		case x86.PrefixAddressSize:
			got67 = true
		default:
			gotSeg = p
		}
	}

	if gotLock != lock || got66 != want66 || got67 != b.need67 || gotSeg != seg {
		return false
	}

	if gotRep == rep {
		return true
	}

	// A repeat prefix the form ignores is
	// harmless.
	form := b.form
	enc := form.Encoding
	switch {
	case rep != 0, enc.Family != x86.FamilyLegacy, enc.MandatoryPrefix != 0, enc.NoVEXPrefixes, enc.NoRepPrefixes:
		return false
	case gotRep == x86.PrefixRepeat:
		return !form.Rep && !form.RepE
	default:
		return !form.RepE && !form.BND
	}
}

// fixRelative stores any relative code
// offset, which depends on the length of
// the instruction.
func (b *builder) fixRelative() error {
	r := b.rel
	if r == nil {
		return nil
	}

	v := int64(r.value)
	if b.e.absolute {
		next := b.e.addr + uint64(b.code.Len())
		v = int64(r.value - next)
		if w := int(b.e.mode.Int); w < 64 {
			v = int64(signExtend(uint64(v)&(1<<w-1), w))
		}
	}

	if !fitsSigned(v, r.bits) {
		return b.impossible("branch offset %d does not fit in %d bits", v, r.bits)
	}

	putUint(b.code.CodeOffset[:r.size], uint64(v))

	return nil
}

// verify decodes the encoding to check
// that it selects the same form.
func (b *builder) verify() error {
	d, err := b.e.decoderFor(b.form)
	if err != nil {
		return err
	}

	var buf [x86.MaxLength]byte
	out := cryptobyte.NewFixedBuilder(buf[:0])
	b.code.EncodeTo(out)
	code, err := out.Bytes()
	if err != nil {
		return b.impossible("%v", err)
	}

	inst, err := d.Decode(code)
	if err != nil {
		return b.impossible("encoding % x does not decode: %v", code, err)
	}

	if inst.Length != len(code) {
		return b.impossible("encoding % x decodes as %d bytes", code, inst.Length)
	}

	if !sameForm(inst.Form, b.form) {
		return b.impossible("encoding % x decodes as %s", code, inst.Form.UID)
	}

	return nil
}

// sameForm returns whether two forms have
// the same encoding and meaning, such as
// JE and JZ.
func sameForm(a, b *x86.Form) bool {
	if a == b {
		return true
	}

	if a.Encoding.Syntax != b.Encoding.Syntax {
		return false
	}

	return a.Mnemonic == b.Mnemonic || slices.Equal(a.Params, b.Params)
}

// decoderFor returns a decoder that can
// decode the form.
func (e *encoder) decoderFor(form *x86.Form) (*decoder.Decoder, error) {
	key := form.Gate
	if form.Encoding.Family == x86.FamilyMVEX {
		key = decoder.ModeKNC.String()
	}

	if d, ok := e.decoders[key]; ok {
		return d, nil
	}

	stack := x86.Stack32
	switch e.mode {
	case x86.Mode16:
		stack = x86.Stack16
	case x86.Mode64:
		stack = x86.Stack64
	}

	d, err := decoder.New(e.req.MachineMode, stack)
	if err != nil {
		return nil, err
	}

	if mode, ok := decoder.ParseDecoderMode(key); ok {
		err = d.EnableMode(mode, true)
		if err != nil {
			return nil, err
		}
	}

	e.decoders[key] = d

	return d, nil
}
