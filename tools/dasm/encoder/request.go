// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package encoder

import (
	"fmt"
	"strings"

	"firefly-os.dev/tools/dasm/x86"
)

// MaxOperands is the maximum number of
// operands in a request.
const MaxOperands = 5

// Request describes an instruction to
// encode.
//
// A Request holds no pointers other than
// to the shared register definitions, so
// it can be copied freely.
type Request struct {
	MachineMode x86.MachineMode
	Allowed     x86.Families // The encoding families that may be used. Empty allows all.
	Mnemonic    string

	// Prefixes holds the prefix attributes
	// to apply, such as HasLock, HasRep, or
	// a segment override.
	Prefixes x86.Attributes

	BranchType  x86.BranchType
	BranchWidth x86.BranchWidth
	AddressSize x86.SizeHint
	OperandSize x86.SizeHint

	operands    [MaxOperands]Operand
	numOperands int
	overflow    bool

	// Mask is the opmask register, or nil
	// for no masking.
	Mask    *x86.Register
	Zeroing bool

	EVEX EVEXFeatures
	MVEX MVEXFeatures

	Hints Hints
}

// EVEXFeatures holds the EVEX-specific
// details of a request.
type EVEXFeatures struct {
	Broadcast x86.BroadcastMode
	Rounding  x86.RoundingMode
	SAE       bool
}

// MVEXFeatures holds the MVEX-specific
// details of a request.
type MVEXFeatures struct {
	Broadcast    x86.BroadcastMode
	Conversion   x86.ConversionMode
	Rounding     x86.RoundingMode
	Swizzle      x86.SwizzleMode
	SAE          bool
	EvictionHint bool
}

// Hints record encoding choices that
// do not change an instruction's meaning.
// They are filled in by FromDecoded, so
// that a decoded instruction re-encodes
// to the same bytes.
type Hints struct {
	UID      string  // The form to prefer, if it is compatible.
	Prefixes []byte  // The legacy prefix bytes, in order.
	REX      x86.REX // A REX prefix to include, with any bits that have no effect.
	Unused   x86.REX // Escape prefix W, R, X, and B bits that have no effect.
	VEX3     bool    // Use the 3-byte VEX form.
	DispSize int     // The displacement size in bytes, if any.
	SIB      bool    // Use a SIB byte where one is optional.
	SIBScale byte    // The scale field of a SIB byte with no index.
	L        byte    // The raw vector length field.
}

// New returns a request for the given
// instruction.
func New(mode x86.MachineMode, mnemonic string, operands ...Operand) *Request {
	r := &Request{MachineMode: mode, Mnemonic: mnemonic}
	r.Add(operands...)

	return r
}

// Add appends operands to the request.
// Any operands beyond MaxOperands are
// reported when the request is encoded.
func (r *Request) Add(operands ...Operand) *Request {
	for _, op := range operands {
		if r.numOperands == MaxOperands {
			r.overflow = true
			break
		}

		r.operands[r.numOperands] = op
		r.numOperands++
	}

	return r
}

// Operands returns the request's operands.
func (r *Request) Operands() []Operand {
	return r.operands[:r.numOperands]
}

// SetOperand replaces the operand at index
// i, which must already exist.
func (r *Request) SetOperand(i int, op Operand) *Request {
	if 0 <= i && i < r.numOperands {
		r.operands[i] = op
	} else {
		r.overflow = true
	}

	return r
}

// WithPrefixes adds prefix attributes.
func (r *Request) WithPrefixes(attrs x86.Attributes) *Request {
	r.Prefixes |= attrs
	return r
}

// WithBranch sets the branch type and
// width.
func (r *Request) WithBranch(t x86.BranchType, w x86.BranchWidth) *Request {
	r.BranchType = t
	r.BranchWidth = w
	return r
}

// WithMask sets the opmask register.
func (r *Request) WithMask(k *x86.Register, zeroing bool) *Request {
	r.Mask = k
	r.Zeroing = zeroing
	return r
}

// String returns an Intel-style summary
// of the request, for error messages.
func (r *Request) String() string {
	var b strings.Builder
	b.WriteString(strings.ToUpper(r.Mnemonic))
	for i, op := range r.Operands() {
		if i == 0 {
			b.WriteByte(' ')
		} else {
			b.WriteString(", ")
		}

		b.WriteString(op.String())
	}

	return b.String()
}

// Operand is one operand in a request.
type Operand struct {
	Type     x86.OperandType
	Register *x86.Register
	Mem      Memory
	Ptr      Pointer
	Imm      uint64
}

// Memory describes a memory operand.
type Memory struct {
	Segment *x86.Register // Any segment, or nil for the default.
	Base    *x86.Register
	Index   *x86.Register
	Scale   uint8
	Disp    int64
	Size    int // The operand size in bytes, or zero for any size.
}

// Pointer describes a far pointer.
type Pointer struct {
	Segment uint16
	Offset  uint32
}

// Reg returns a register operand.
func Reg(reg *x86.Register) Operand {
	return Operand{Type: x86.OperandRegister, Register: reg}
}

// Mem returns a memory operand.
func Mem(m Memory) Operand {
	return Operand{Type: x86.OperandMemory, Mem: m}
}

// Ptr returns a far pointer operand.
func Ptr(segment uint16, offset uint32) Operand {
	return Operand{Type: x86.OperandPointer, Ptr: Pointer{Segment: segment, Offset: offset}}
}

// Imm returns an immediate operand. For
// relative branches, the value is the
// offset from the end of the instruction.
func Imm(v uint64) Operand {
	return Operand{Type: x86.OperandImmediate, Imm: v}
}

// Int returns a signed immediate operand.
func Int(v int64) Operand {
	return Imm(uint64(v))
}

func (op Operand) String() string {
	switch op.Type {
	case x86.OperandRegister:
		if op.Register == nil {
			return "<nil register>"
		}

		return op.Register.Name
	case x86.OperandMemory:
		var parts []string
		if op.Mem.Base != nil {
			parts = append(parts, op.Mem.Base.Name)
		}

		if op.Mem.Index != nil {
			parts = append(parts, fmt.Sprintf("%s*%d", op.Mem.Index.Name, max(op.Mem.Scale, 1)))
		}

		if op.Mem.Disp != 0 || len(parts) == 0 {
			parts = append(parts, fmt.Sprintf("%#x", op.Mem.Disp))
		}

		s := "[" + strings.Join(parts, "+") + "]"
		if op.Mem.Segment != nil {
			s = op.Mem.Segment.Name + ":" + s
		}

		return s
	case x86.OperandPointer:
		return fmt.Sprintf("%#x:%#x", op.Ptr.Segment, op.Ptr.Offset)
	case x86.OperandImmediate:
		return fmt.Sprintf("%#x", op.Imm)
	}

	return "<unused>"
}
