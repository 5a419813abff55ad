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

// MaxOperands is the largest number of
// operands, visible and hidden, in one
// instruction.
const MaxOperands = 10

// Instruction is a decoded instruction.
type Instruction struct {
	MachineMode  x86.MachineMode
	StackWidth   x86.StackWidth
	Mnemonic     string
	Form         *x86.Form
	Length       int
	Family       x86.Family
	Map          x86.OpcodeMap
	Opcode       byte
	OperandWidth int // The effective operand size in bits.
	AddressWidth int // The effective address size in bits.
	Attributes   x86.Attributes

	// Flags holds the action on each CPU
	// flag. It is empty in minimal mode.
	Flags x86.AccessedFlags

	AVX AVX

	Raw Raw

	operands    [MaxOperands]Operand
	numOperands int
	numVisible  int
}

// Operands returns all of the instruction's
// operands, with the visible operands first.
// The result is nil in minimal mode.
func (inst *Instruction) Operands() []Operand {
	return inst.operands[:inst.numOperands]
}

// VisibleOperands returns the explicit and
// implicit operands, in syntax order.
func (inst *Instruction) VisibleOperands() []Operand {
	return inst.operands[:inst.numVisible]
}

func (inst *Instruction) String() string {
	return fmt.Sprintf("%s (%d bytes)", inst.Form, inst.Length)
}

// Operand is one decoded operand. Only the
// field matching Type is meaningful.
type Operand struct {
	ID           int
	Type         x86.OperandType
	Visibility   x86.OperandVisibility
	Action       x86.OperandAction
	Encoding     x86.ParameterEncoding
	Size         int // In bits.
	ElementType  x86.ElementType
	ElementSize  int // In bits.
	ElementCount int

	Register *x86.Register
	Mem      MemoryOperand
	Ptr      PointerOperand
	Imm      ImmediateOperand
}

// MemoryOperand describes an address.
type MemoryOperand struct {
	Type    x86.MemoryType
	Segment *x86.Register
	Base    *x86.Register
	Index   *x86.Register
	Scale   uint8
	Disp    Displacement
}

// Displacement is the constant part of
// an address. A compressed displacement
// holds its scaled value.
type Displacement struct {
	Has   bool
	Value int64
}

// PointerOperand is a far pointer.
type PointerOperand struct {
	Segment uint16
	Offset  uint32
}

// ImmediateOperand is a constant. Signed
// values are sign-extended to 64 bits.
type ImmediateOperand struct {
	Signed   bool
	Relative bool
	Value    uint64
}

// AVX describes the vector features used
// by an escape-encoded instruction.
type AVX struct {
	VectorLength int // In bits.
	Mask         Mask
	Broadcast    x86.BroadcastMode
	Rounding     x86.RoundingMode
	Swizzle      x86.SwizzleMode
	Conversion   x86.ConversionMode
	SAE          bool
	EvictionHint bool
}

// Mask is an AVX-512 or KNC opmask.
type Mask struct {
	Mode     x86.MaskMode
	Register *x86.Register
}

// PrefixKind describes the effect of a
// legacy prefix.
type PrefixKind uint8

const (
	PrefixIgnored PrefixKind = iota
	PrefixEffective
	PrefixMandatory
)

func (k PrefixKind) String() string {
	switch k {
	case PrefixIgnored:
		return "ignored"
	case PrefixEffective:
		return "effective"
	case PrefixMandatory:
		return "mandatory"
	default:
		return fmt.Sprintf("PrefixKind(%d)", k)
	}
}

// RawPrefix is one prefix byte.
type RawPrefix struct {
	Value byte
	Kind  PrefixKind
}

// Raw holds the instruction's fields as
// they appear in the machine code.
type Raw struct {
	prefixes    [x86.MaxLength]RawPrefix
	numPrefixes int

	REX    RawREX
	Escape RawEscape // Nil for legacy instructions.

	OpcodeOffset int
	OpcodeSize   int // Including any map escape bytes.

	ModRM RawModRM
	SIB   RawSIB
	Disp  RawDisplacement
	Imm   [2]RawImmediate

	// Unused holds the REX or escape W, R,
	// X, and B bits that were set but had
	// no effect. It is zero in minimal mode.
	Unused x86.REX
}

// Prefixes returns the legacy prefixes, in
// order, including any REX prefixes that
// were ignored because they did not come
// directly before the opcode.
func (r *Raw) Prefixes() []RawPrefix {
	if r.numPrefixes == 0 {
		return nil
	}

	return r.prefixes[:r.numPrefixes]
}

// RawREX is the REX prefix that applies to
// the instruction. Value is zero if there
// is none.
type RawREX struct {
	Value  x86.REX
	Offset int
}

// RawEscape is a VEX, EVEX, MVEX, or XOP
// prefix.
type RawEscape interface {
	Family() x86.Family
	Span() (offset, size int)

	escape()
}

// RawVEX is a 2-byte or 3-byte VEX prefix,
// held in the 3-byte layout.
type RawVEX struct {
	VEX     x86.VEX
	TwoByte bool
	Offset  int
}

func (r *RawVEX) Family() x86.Family { return x86.FamilyVEX }
func (r *RawVEX) escape()            {}

func (r *RawVEX) Span() (offset, size int) {
	if r.TwoByte {
		return r.Offset, 2
	}

	return r.Offset, 3
}

// RawXOP is an XOP prefix.
type RawXOP struct {
	XOP    x86.XOP
	Offset int
}

func (r *RawXOP) Family() x86.Family       { return x86.FamilyXOP }
func (r *RawXOP) Span() (offset, size int) { return r.Offset, 3 }
func (r *RawXOP) escape()                  {}

// RawEVEX is an EVEX prefix.
type RawEVEX struct {
	EVEX   x86.EVEX
	Offset int
}

func (r *RawEVEX) Family() x86.Family       { return x86.FamilyEVEX }
func (r *RawEVEX) Span() (offset, size int) { return r.Offset, 4 }
func (r *RawEVEX) escape()                  {}

// RawMVEX is an MVEX prefix.
type RawMVEX struct {
	MVEX   x86.MVEX
	Offset int
}

func (r *RawMVEX) Family() x86.Family       { return x86.FamilyMVEX }
func (r *RawMVEX) Span() (offset, size int) { return r.Offset, 4 }
func (r *RawMVEX) escape()                  {}

// RawModRM is the ModR/M byte.
type RawModRM struct {
	Value   x86.ModRM
	Offset  int
	Present bool
}

// RawSIB is the SIB byte.
type RawSIB struct {
	Value   x86.SIB
	Offset  int
	Present bool
}

// RawDisplacement is the displacement as
// encoded, before any compression is
// undone.
type RawDisplacement struct {
	Value  int64
	Size   int // In bytes.
	Offset int
}

// RawImmediate is one encoded immediate
// or code offset.
type RawImmediate struct {
	Signed   bool
	Relative bool
	Value    uint64
	Size     int // In bytes.
	Offset   int
}

// SegmentType identifies one part of an
// instruction's machine code.
type SegmentType uint8

const (
	SegmentPrefixes SegmentType = iota + 1
	SegmentREX
	SegmentXOP
	SegmentVEX
	SegmentEVEX
	SegmentMVEX
	SegmentOpcode
	SegmentModRM
	SegmentSIB
	SegmentDisplacement
	SegmentImmediate
)

var segmentTypeNames = [...]string{
	SegmentPrefixes:     "prefixes",
	SegmentREX:          "rex",
	SegmentXOP:          "xop",
	SegmentVEX:          "vex",
	SegmentEVEX:         "evex",
	SegmentMVEX:         "mvex",
	SegmentOpcode:       "opcode",
	SegmentModRM:        "modrm",
	SegmentSIB:          "sib",
	SegmentDisplacement: "displacement",
	SegmentImmediate:    "immediate",
}

func (t SegmentType) String() string {
	if int(t) < len(segmentTypeNames) && segmentTypeNames[t] != "" {
		return segmentTypeNames[t]
	}

	return fmt.Sprintf("SegmentType(%d)", t)
}

// Segment is a contiguous range of an
// instruction's bytes.
type Segment struct {
	Type   SegmentType
	Offset int
	Size   int
}

// Segments returns the parts of the
// instruction's machine code, in order.
// Their sizes add up to the instruction's
// length.
func (inst *Instruction) Segments() []Segment {
	var out []Segment
	raw := &inst.Raw
	if raw.numPrefixes > 0 {
		out = append(out, Segment{Type: SegmentPrefixes, Offset: 0, Size: raw.numPrefixes})
	}

	if raw.REX.Value != 0 {
		out = append(out, Segment{Type: SegmentREX, Offset: raw.REX.Offset, Size: 1})
	}

	if raw.Escape != nil {
		offset, size := raw.Escape.Span()
		var typ SegmentType
		switch raw.Escape.Family() {
		case x86.FamilyXOP:
			typ = SegmentXOP
		case x86.FamilyVEX:
			typ = SegmentVEX
		case x86.FamilyEVEX:
			typ = SegmentEVEX
		case x86.FamilyMVEX:
			typ = SegmentMVEX
		}

		out = append(out, Segment{Type: typ, Offset: offset, Size: size})
	}

	out = append(out, Segment{Type: SegmentOpcode, Offset: raw.OpcodeOffset, Size: raw.OpcodeSize})
	if raw.ModRM.Present {
		out = append(out, Segment{Type: SegmentModRM, Offset: raw.ModRM.Offset, Size: 1})
	}

	if raw.SIB.Present {
		out = append(out, Segment{Type: SegmentSIB, Offset: raw.SIB.Offset, Size: 1})
	}

	if raw.Disp.Size > 0 {
		out = append(out, Segment{Type: SegmentDisplacement, Offset: raw.Disp.Offset, Size: raw.Disp.Size})
	}

	for _, imm := range raw.Imm {
		if imm.Size > 0 {
			out = append(out, Segment{Type: SegmentImmediate, Offset: imm.Offset, Size: imm.Size})
		}
	}

	return out
}

// AccessedFlags returns the set of CPU
// flags with the given action.
func (inst *Instruction) AccessedFlags(action x86.FlagAction) (x86.Flags, error) {
	if action > x86.FlagUndefined {
		return 0, fmt.Errorf("%w: invalid flag action %v", status.InvalidArgument, action)
	}

	var out x86.Flags
	for f, got := range inst.Flags {
		if got == action {
			out |= 1 << f
		}
	}

	return out, nil
}

// FlagsRead returns the flags the
// instruction tests.
func (inst *Instruction) FlagsRead() x86.Flags {
	var out x86.Flags
	for f, got := range inst.Flags {
		if got == x86.FlagTested || got == x86.FlagTestedModified {
			out |= 1 << f
		}
	}

	return out
}

// FlagsWritten returns the flags the
// instruction changes, including those
// left undefined.
func (inst *Instruction) FlagsWritten() x86.Flags {
	var out x86.Flags
	for f, got := range inst.Flags {
		switch got {
		case x86.FlagTestedModified, x86.FlagModified, x86.FlagSet0, x86.FlagSet1, x86.FlagUndefined:
			out |= 1 << f
		}
	}

	return out
}

// RegisterContext holds register values
// for address calculation.
type RegisterContext map[*x86.Register]uint64

// CalcAbsoluteAddress returns the absolute
// target of a relative immediate, or the
// address of a memory operand, for an
// instruction at the given runtime address.
// Memory operands that use registers other
// than the instruction pointer cannot be
// resolved.
func (inst *Instruction) CalcAbsoluteAddress(op *Operand, runtimeAddress uint64) (uint64, error) {
	return inst.CalcAbsoluteAddressEx(op, runtimeAddress, nil)
}

// CalcAbsoluteAddressEx is like
// CalcAbsoluteAddress, but resolves base
// and index registers using ctx.
func (inst *Instruction) CalcAbsoluteAddressEx(op *Operand, runtimeAddress uint64, ctx RegisterContext) (uint64, error) {
	next := runtimeAddress + uint64(inst.Length)
	switch op.Type {
	case x86.OperandImmediate:
		if !op.Imm.Relative {
			return 0, fmt.Errorf("%w: immediate operand %d is not relative", status.InvalidOperation, op.ID)
		}

		addr := next + op.Imm.Value
		if inst.MachineMode.Mode() != x86.Mode64 && inst.OperandWidth == 16 {
			addr &= 0xffff
		}

		return inst.maskAddress(addr), nil
	case x86.OperandMemory:
		mem := &op.Mem
		switch mem.Base {
		case x86.RIP, x86.EIP:
			addr := next + uint64(mem.Disp.Value)
			return inst.maskAddress(addr), nil
		}

		if mem.Base == nil && mem.Index == nil {
			return inst.maskAddress(uint64(mem.Disp.Value)), nil
		}

		if ctx == nil {
			return 0, fmt.Errorf("%w: memory operand %d uses registers", status.InvalidOperation, op.ID)
		}

		var addr uint64
		if mem.Base != nil {
			v, ok := ctx[mem.Base]
			if !ok {
				return 0, fmt.Errorf("%w: no value for base register %s", status.InvalidArgument, mem.Base)
			}

			addr += v
		}

		if mem.Index != nil {
			v, ok := ctx[mem.Index]
			if !ok {
				return 0, fmt.Errorf("%w: no value for index register %s", status.InvalidArgument, mem.Index)
			}

			addr += v * uint64(mem.Scale)
		}

		addr += uint64(mem.Disp.Value)

		return inst.maskAddress(addr), nil
	default:
		return 0, fmt.Errorf("%w: operand %d is a %v", status.InvalidArgument, op.ID, op.Type)
	}
}

// maskAddress truncates an address to the
// instruction's address width.
func (inst *Instruction) maskAddress(addr uint64) uint64 {
	switch inst.AddressWidth {
	case 16:
		return addr & 0xffff
	case 32:
		return addr & 0xffff_ffff
	}

	return addr
}
