// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package x86 contains structured information on the
// x86 instruction set architecture, including the
// embedded table of instruction forms consulted by
// the decoder and encoder.
package x86

import (
	"fmt"
	"strings"
)

// Mode represents an x86
// CPU mode, as a number
// of bits.
type Mode struct {
	Int    uint8
	String string
}

var (
	Mode16 = Mode{16, "16"}
	Mode32 = Mode{32, "32"}
	Mode64 = Mode{64, "64"}
	Modes  = []Mode{Mode16, Mode32, Mode64}
)

// MachineMode describes the processor
// mode in which machine code executes.
type MachineMode uint8

const (
	_ MachineMode = iota
	Long64
	LongCompat32
	LongCompat16
	Legacy32
	Legacy16
	Real16
)

var MachineModes = map[string]MachineMode{
	"long64":        Long64,
	"long-compat32": LongCompat32,
	"long-compat16": LongCompat16,
	"legacy32":      Legacy32,
	"legacy16":      Legacy16,
	"real16":        Real16,
}

// Mode returns the table mode used to
// check whether an instruction form is
// valid in the machine mode.
func (m MachineMode) Mode() Mode {
	switch m {
	case Long64:
		return Mode64
	case LongCompat32, Legacy32:
		return Mode32
	default:
		return Mode16
	}
}

// Valid returns whether m is a known
// machine mode.
func (m MachineMode) Valid() bool {
	return Long64 <= m && m <= Real16
}

func (m MachineMode) String() string {
	for name, mode := range MachineModes {
		if mode == m {
			return name
		}
	}

	return fmt.Sprintf("MachineMode(%d)", m)
}

// StackWidth is the width of the stack
// pointer, in bits.
type StackWidth uint8

const (
	Stack16 StackWidth = 16
	Stack32 StackWidth = 32
	Stack64 StackWidth = 64
)

// StackWidth returns the usual stack width
// in the machine mode.
func (m MachineMode) StackWidth() StackWidth {
	switch m {
	case Long64:
		return Stack64
	case LongCompat32, Legacy32:
		return Stack32
	default:
		return Stack16
	}
}

// Family identifies the way an instruction's
// opcode is introduced: directly, or behind
// one of the escape prefixes.
type Family uint8

const (
	FamilyLegacy Family = iota
	Family3DNow
	FamilyXOP
	FamilyVEX
	FamilyEVEX
	FamilyMVEX
)

func (f Family) String() string {
	switch f {
	case FamilyLegacy:
		return "legacy"
	case Family3DNow:
		return "3DNow!"
	case FamilyXOP:
		return "XOP"
	case FamilyVEX:
		return "VEX"
	case FamilyEVEX:
		return "EVEX"
	case FamilyMVEX:
		return "MVEX"
	default:
		return fmt.Sprintf("Family(%d)", f)
	}
}

// Families is a set of encoding
// families, used to restrict the
// encoder's choices.
type Families uint8

const FamiliesAll Families = 0

// With returns the set including f.
func (s Families) With(f Family) Families { return s | 1<<f }

// Allows returns whether f is in the
// set. The empty set allows everything.
func (s Families) Allows(f Family) bool { return s == FamiliesAll || s&(1<<f) != 0 }

// OpcodeMap identifies an opcode table.
type OpcodeMap uint8

const (
	MapDefault OpcodeMap = iota
	Map0F
	Map0F38
	Map0F3A
	Map5
	Map6
	Map0F0F
	MapXOP8
	MapXOP9
	MapXOPA
)

// Field returns the value used to select
// the map in a VEX, EVEX, MVEX, or XOP
// prefix.
func (m OpcodeMap) Field() byte {
	switch m {
	case Map0F:
		return 1
	case Map0F38:
		return 2
	case Map0F3A:
		return 3
	case Map5:
		return 5
	case Map6:
		return 6
	case MapXOP8:
		return 8
	case MapXOP9:
		return 9
	case MapXOPA:
		return 10
	}

	return 0
}

// Bytes returns the escape bytes that
// select the map in legacy encoding.
func (m OpcodeMap) Bytes() []byte {
	switch m {
	case Map0F:
		return []byte{0x0f}
	case Map0F38:
		return []byte{0x0f, 0x38}
	case Map0F3A:
		return []byte{0x0f, 0x3a}
	case Map0F0F:
		return []byte{0x0f, 0x0f}
	}

	return nil
}

func (m OpcodeMap) String() string {
	switch m {
	case MapDefault:
		return "default"
	case Map0F:
		return "0F"
	case Map0F38:
		return "0F38"
	case Map0F3A:
		return "0F3A"
	case Map5:
		return "MAP5"
	case Map6:
		return "MAP6"
	case Map0F0F:
		return "0F0F"
	case MapXOP8:
		return "XOP8"
	case MapXOP9:
		return "XOP9"
	case MapXOPA:
		return "XOPA"
	default:
		return fmt.Sprintf("OpcodeMap(%d)", m)
	}
}

// OperandSizes is a set of effective
// operand sizes.
type OperandSizes uint8

const (
	OperandSize16 OperandSizes = 1 << iota
	OperandSize32
	OperandSize64
)

// Has returns whether the set allows the
// given operand size in bits. An empty
// set allows any size.
func (s OperandSizes) Has(bits int) bool {
	if s == 0 {
		return true
	}

	switch bits {
	case 16:
		return s&OperandSize16 != 0
	case 32:
		return s&OperandSize32 != 0
	case 64:
		return s&OperandSize64 != 0
	}

	return false
}

// Form includes structured information
// about one form of an x86 instruction.
type Form struct {
	Mnemonic string    // The Intel name for the instruction, in upper case.
	UID      string    // A unique identifier for the form.
	Syntax   string    // The original Intel syntax for the form.
	GNU      string    // The GNU (AT&T) mnemonic.
	Encoding *Encoding // The information on how to encode the form.

	Params  []*Parameter    // The explicit and implicit parameters, in order.
	Actions []OperandAction // The access for each parameter.

	Mode64 bool // Whether the form is supported in 64-bit mode.
	Mode32 bool // Whether the form is supported in 32-bit mode.
	Mode16 bool // Whether the form is supported in 16-bit mode.

	CPUID        []string     // CPUID feature flags required.
	OperandSizes OperandSizes // The effective operand sizes that select this form.
	Gate         string       // Any decoder mode that must be enabled for this form.

	Lock        bool // Accepts the LOCK prefix.
	Rep         bool // Accepts the REP prefix.
	RepE        bool // Accepts the REPE and REPNE prefixes.
	BND         bool // Accepts the BND prefix.
	NoTrack     bool // Accepts the NOTRACK prefix.
	BranchHints bool // Accepts branch hint prefixes.
	Default64   bool // Defaults to a 64-bit operand size in 64-bit mode.
	Force64     bool // Always uses a 64-bit operand size in 64-bit mode.
	Privileged  bool // Only valid at CPL 0.
	Far         bool // A far branch or a far pointer load.

	Semantics *Semantics // Flags, hidden operands, and element types.

	Index int // The form's position in the table.
}

func (f *Form) String() string {
	return f.Syntax
}

// Supports returns whether f is supported
// in the given CPU mode.
func (f *Form) Supports(mode Mode) bool {
	switch mode.Int {
	case 16:
		return f.Mode16
	case 32:
		return f.Mode32
	case 64:
		return f.Mode64
	default:
		panic("invalid mode " + mode.String)
	}
}

// HasCPUID returns whether f's CPUID
// contains the given feature.
func (f *Form) HasCPUID(feature string) bool {
	for _, got := range f.CPUID {
		if got == feature {
			return true
		}
	}

	return false
}

// RegOnly returns whether the form's
// ModR/M.rm operand must be a register.
func (f *Form) RegOnly() bool {
	for _, p := range f.Params {
		if p.Encoding == EncodingModRMrm {
			return p.Type != TypeMemory
		}
	}

	return f.Encoding.ModRMmod == 0b11+1
}

// MemOnly returns whether the form's
// ModR/M.rm operand must be memory.
func (f *Form) MemOnly() bool {
	for _, p := range f.Params {
		if p.Encoding == EncodingModRMrm {
			return p.Type == TypeMemory
		}
	}

	return f.Encoding.ModRMmod == 5
}

// Relative returns whether the form has
// an instruction-relative operand.
func (f *Form) Relative() bool {
	for _, p := range f.Params {
		if p.Type == TypeRelativeAddress {
			return true
		}
	}

	return false
}

// Broadcast returns any broadcast memory
// parameter.
func (f *Form) Broadcast() *Parameter {
	for _, p := range f.Params {
		if p.Broadcast {
			return p
		}
	}

	return nil
}

// MemoryParam returns the form's memory
// parameter, or nil.
func (f *Form) MemoryParam() *Parameter {
	for _, p := range f.Params {
		if p.Type == TypeMemory || p.Type == TypeMemoryOffset {
			return p
		}
	}

	return nil
}

// VectorSize returns the vector length in
// bits for escape-encoded forms, or zero.
func (f *Form) VectorSize() int {
	switch f.Encoding.Family {
	case FamilyVEX, FamilyXOP, FamilyEVEX, FamilyMVEX:
	default:
		return 0
	}

	if f.Encoding.Family == FamilyMVEX {
		return 512
	}

	for _, p := range f.Params {
		switch p.Class {
		case TypeXMM, TypeYMM, TypeZMM:
			return p.Bits
		}
	}

	if f.Encoding.LIG {
		return 0
	}

	return f.Encoding.VectorSize()
}

// Action returns the access for the
// parameter at index i.
func (f *Form) Action(i int) OperandAction {
	if i < len(f.Actions) {
		return f.Actions[i]
	}

	return ActionRead
}

// upper is a helper to canonicalise
// mnemonics.
func upper(s string) string { return strings.ToUpper(strings.TrimSpace(s)) }
