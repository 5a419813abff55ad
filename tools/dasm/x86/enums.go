// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package x86

import (
	"fmt"
	"strings"
)

// Attributes is a bitset describing an
// instruction's prefixes and properties.
type Attributes uint64

const (
	HasModRM Attributes = 1 << iota
	HasSIB
	HasREX
	HasXOP
	HasVEX
	HasEVEX
	HasMVEX
	IsRelative
	IsPrivileged
	IsFarBranch
	AcceptsLock
	AcceptsRep
	AcceptsRepE
	AcceptsRepNE
	AcceptsBND
	AcceptsBranchHints
	AcceptsNoTrack
	AcceptsSegment
	HasLock
	HasRep
	HasRepE
	HasRepNE
	HasBND
	HasBranchNotTaken
	HasBranchTaken
	HasNoTrack
	HasSegmentCS
	HasSegmentSS
	HasSegmentDS
	HasSegmentES
	HasSegmentFS
	HasSegmentGS
	HasOperandSize
	HasAddressSize
)

// HasSegment is the set of all segment
// override attributes.
const HasSegment = HasSegmentCS | HasSegmentSS | HasSegmentDS | HasSegmentES | HasSegmentFS | HasSegmentGS

var attributeNames = [...]string{
	"HasModRM", "HasSIB", "HasREX", "HasXOP", "HasVEX", "HasEVEX", "HasMVEX",
	"IsRelative", "IsPrivileged", "IsFarBranch",
	"AcceptsLock", "AcceptsRep", "AcceptsRepE", "AcceptsRepNE", "AcceptsBND",
	"AcceptsBranchHints", "AcceptsNoTrack", "AcceptsSegment",
	"HasLock", "HasRep", "HasRepE", "HasRepNE", "HasBND",
	"HasBranchNotTaken", "HasBranchTaken", "HasNoTrack",
	"HasSegmentCS", "HasSegmentSS", "HasSegmentDS", "HasSegmentES", "HasSegmentFS", "HasSegmentGS",
	"HasOperandSize", "HasAddressSize",
}

func (a Attributes) String() string {
	var names []string
	for i, name := range attributeNames {
		if a&(1<<i) != 0 {
			names = append(names, name)
		}
	}

	return strings.Join(names, "|")
}

// SegmentAttribute returns the segment
// override attribute for the given segment
// register.
func SegmentAttribute(seg *Register) Attributes {
	switch seg {
	case CS:
		return HasSegmentCS
	case SS:
		return HasSegmentSS
	case DS:
		return HasSegmentDS
	case ES:
		return HasSegmentES
	case FS:
		return HasSegmentFS
	case GS:
		return HasSegmentGS
	}

	return 0
}

// AttributeSegment returns the segment
// register selected by any segment override
// attribute, or nil.
func AttributeSegment(a Attributes) *Register {
	switch {
	case a&HasSegmentCS != 0:
		return CS
	case a&HasSegmentSS != 0:
		return SS
	case a&HasSegmentDS != 0:
		return DS
	case a&HasSegmentES != 0:
		return ES
	case a&HasSegmentFS != 0:
		return FS
	case a&HasSegmentGS != 0:
		return GS
	}

	return nil
}

// CPUFlag identifies one architectural
// flag.
type CPUFlag uint8

const (
	FlagCF CPUFlag = iota
	FlagPF
	FlagAF
	FlagZF
	FlagSF
	FlagTF
	FlagIF
	FlagDF
	FlagOF
	FlagIOPL
	FlagNT
	FlagRF
	FlagVM
	FlagAC
	FlagVIF
	FlagVIP
	FlagID
	FlagC0
	FlagC1
	FlagC2
	FlagC3
	NumFlags
)

var flagNames = [NumFlags]string{
	"CF", "PF", "AF", "ZF", "SF", "TF", "IF", "DF", "OF", "IOPL",
	"NT", "RF", "VM", "AC", "VIF", "VIP", "ID", "C0", "C1", "C2", "C3",
}

func (f CPUFlag) String() string {
	if f < NumFlags {
		return flagNames[f]
	}

	return fmt.Sprintf("CPUFlag(%d)", f)
}

// ParseCPUFlag returns the flag with the
// given name.
func ParseCPUFlag(s string) (CPUFlag, bool) {
	for i, name := range flagNames {
		if strings.EqualFold(name, s) {
			return CPUFlag(i), true
		}
	}

	return 0, false
}

// Flags is a bitmask of CPU flags, with
// flag f at bit f.
type Flags uint32

// Has returns whether flag f is in the
// set.
func (f Flags) Has(flag CPUFlag) bool { return f&(1<<flag) != 0 }

func (f Flags) String() string {
	var names []string
	for i := CPUFlag(0); i < NumFlags; i++ {
		if f.Has(i) {
			names = append(names, i.String())
		}
	}

	return strings.Join(names, " ")
}

// FlagAction describes what an instruction
// does to a CPU flag.
type FlagAction uint8

const (
	FlagNone FlagAction = iota
	FlagTested
	FlagTestedModified
	FlagModified
	FlagSet0
	FlagSet1
	FlagUndefined
)

func (a FlagAction) String() string {
	switch a {
	case FlagNone:
		return "none"
	case FlagTested:
		return "tested"
	case FlagTestedModified:
		return "tested-modified"
	case FlagModified:
		return "modified"
	case FlagSet0:
		return "set0"
	case FlagSet1:
		return "set1"
	case FlagUndefined:
		return "undefined"
	default:
		return fmt.Sprintf("FlagAction(%d)", a)
	}
}

// AccessedFlags holds the action on each
// CPU flag.
type AccessedFlags [NumFlags]FlagAction

// BranchType selects the kind of branch
// the encoder produces.
type BranchType uint8

const (
	BranchNone BranchType = iota
	BranchShort
	BranchNear
	BranchFar
)

func (t BranchType) String() string {
	switch t {
	case BranchNone:
		return "none"
	case BranchShort:
		return "short"
	case BranchNear:
		return "near"
	case BranchFar:
		return "far"
	default:
		return fmt.Sprintf("BranchType(%d)", t)
	}
}

// BranchWidth selects the width of a
// branch displacement.
type BranchWidth uint8

const (
	BranchWidthNone BranchWidth = iota
	BranchWidth8
	BranchWidth16
	BranchWidth32
	BranchWidth64
)

// Bits returns the width in bits, or zero.
func (w BranchWidth) Bits() int {
	switch w {
	case BranchWidth8:
		return 8
	case BranchWidth16:
		return 16
	case BranchWidth32:
		return 32
	case BranchWidth64:
		return 64
	}

	return 0
}

// SizeHint is an operand-size or
// address-size hint for the encoder.
type SizeHint uint8

const (
	SizeHintNone SizeHint = iota
	SizeHint8
	SizeHint16
	SizeHint32
	SizeHint64
)

// Bits returns the hinted size in bits,
// or zero.
func (h SizeHint) Bits() int {
	switch h {
	case SizeHint8:
		return 8
	case SizeHint16:
		return 16
	case SizeHint32:
		return 32
	case SizeHint64:
		return 64
	}

	return 0
}

// ElementType describes the elements of
// an operand.
type ElementType uint8

const (
	ElementInvalid ElementType = iota
	ElementStruct
	ElementUint
	ElementInt
	ElementFloat16
	ElementFloat32
	ElementFloat64
	ElementFloat80
	ElementLongBCD
	ElementCC
)

var ElementTypes = map[string]ElementType{
	"struct":  ElementStruct,
	"uint":    ElementUint,
	"int":     ElementInt,
	"float16": ElementFloat16,
	"float32": ElementFloat32,
	"float64": ElementFloat64,
	"float80": ElementFloat80,
	"bcd":     ElementLongBCD,
	"cc":      ElementCC,
}

func (t ElementType) String() string {
	for name, got := range ElementTypes {
		if got == t {
			return name
		}
	}

	return "invalid"
}

// Bits returns the fixed element size of
// floating point element types, or zero.
func (t ElementType) Bits() int {
	switch t {
	case ElementFloat16:
		return 16
	case ElementFloat32:
		return 32
	case ElementFloat64:
		return 64
	case ElementFloat80:
		return 80
	}

	return 0
}

// OperandType tags a decoded or requested
// operand.
type OperandType uint8

const (
	OperandUnused OperandType = iota
	OperandRegister
	OperandMemory
	OperandPointer
	OperandImmediate
)

func (t OperandType) String() string {
	switch t {
	case OperandUnused:
		return "unused"
	case OperandRegister:
		return "register"
	case OperandMemory:
		return "memory"
	case OperandPointer:
		return "pointer"
	case OperandImmediate:
		return "immediate"
	default:
		return fmt.Sprintf("OperandType(%d)", t)
	}
}

// OperandVisibility describes whether an
// operand appears in assembly.
type OperandVisibility uint8

const (
	VisibilityInvalid OperandVisibility = iota
	VisibilityExplicit
	VisibilityImplicit
	VisibilityHidden
)

func (v OperandVisibility) String() string {
	switch v {
	case VisibilityExplicit:
		return "explicit"
	case VisibilityImplicit:
		return "implicit"
	case VisibilityHidden:
		return "hidden"
	default:
		return "invalid"
	}
}

// OperandAction describes how an
// instruction accesses an operand.
type OperandAction uint8

const (
	ActionRead OperandAction = 1 << iota
	ActionWrite
	ActionCondRead
	ActionCondWrite

	ActionReadWrite     = ActionRead | ActionWrite
	ActionCondReadWrite = ActionCondRead | ActionWrite
	ActionReadCondWrite = ActionRead | ActionCondWrite
)

var OperandActions = map[string]OperandAction{
	"r":   ActionRead,
	"w":   ActionWrite,
	"rw":  ActionReadWrite,
	"cr":  ActionCondRead,
	"cw":  ActionCondWrite,
	"crw": ActionCondReadWrite,
	"rcw": ActionReadCondWrite,
}

func (a OperandAction) String() string {
	for name, got := range OperandActions {
		if got == a {
			return name
		}
	}

	return fmt.Sprintf("OperandAction(%d)", a)
}

// Reads returns whether the operand may
// be read.
func (a OperandAction) Reads() bool { return a&(ActionRead|ActionCondRead) != 0 }

// Writes returns whether the operand may
// be written.
func (a OperandAction) Writes() bool { return a&(ActionWrite|ActionCondWrite) != 0 }

// MemoryType distinguishes memory operands.
type MemoryType uint8

const (
	MemoryInvalid MemoryType = iota
	MemoryMem
	MemoryAGEN // Address generation only, as in LEA.
	MemoryMIB
	MemoryVSIB
)

// MaskMode describes AVX-512 masking.
type MaskMode uint8

const (
	MaskInvalid MaskMode = iota
	MaskDisabled
	MaskMerging
	MaskZeroing
	MaskControl
	MaskControlZeroing
)

// BroadcastMode describes AVX-512 and KNC
// broadcasts.
type BroadcastMode uint8

const (
	BroadcastInvalid BroadcastMode = iota
	Broadcast1to2
	Broadcast1to4
	Broadcast1to8
	Broadcast1to16
	Broadcast1to32
	Broadcast1to64
	Broadcast2to4
	Broadcast2to8
	Broadcast2to16
	Broadcast4to8
	Broadcast4to16
	Broadcast8to16
)

var broadcastNames = [...]string{"", "1to2", "1to4", "1to8", "1to16", "1to32", "1to64", "2to4", "2to8", "2to16", "4to8", "4to16", "8to16"}

func (m BroadcastMode) String() string {
	if int(m) < len(broadcastNames) {
		return broadcastNames[m]
	}

	return fmt.Sprintf("BroadcastMode(%d)", m)
}

// BroadcastFor returns the one-element
// broadcast mode for the given element
// count.
func BroadcastFor(elements int) BroadcastMode {
	switch elements {
	case 2:
		return Broadcast1to2
	case 4:
		return Broadcast1to4
	case 8:
		return Broadcast1to8
	case 16:
		return Broadcast1to16
	case 32:
		return Broadcast1to32
	case 64:
		return Broadcast1to64
	}

	return BroadcastInvalid
}

// RoundingMode describes embedded rounding.
type RoundingMode uint8

const (
	RoundingInvalid RoundingMode = iota
	RoundingRN
	RoundingRD
	RoundingRU
	RoundingRZ
)

var roundingNames = [...]string{"", "rn", "rd", "ru", "rz"}

func (m RoundingMode) String() string {
	if int(m) < len(roundingNames) {
		return roundingNames[m]
	}

	return fmt.Sprintf("RoundingMode(%d)", m)
}

// SwizzleMode describes KNC register
// swizzles.
type SwizzleMode uint8

const (
	SwizzleInvalid SwizzleMode = iota
	SwizzleDCBA
	SwizzleCDAB
	SwizzleBADC
	SwizzleDACB
	SwizzleAAAA
	SwizzleBBBB
	SwizzleCCCC
	SwizzleDDDD
)

var swizzleNames = [...]string{"", "dcba", "cdab", "badc", "dacb", "aaaa", "bbbb", "cccc", "dddd"}

func (m SwizzleMode) String() string {
	if int(m) < len(swizzleNames) {
		return swizzleNames[m]
	}

	return fmt.Sprintf("SwizzleMode(%d)", m)
}

// ConversionMode describes KNC memory
// up- and down-conversions.
type ConversionMode uint8

const (
	ConversionInvalid ConversionMode = iota
	ConversionFloat16
	ConversionSint8
	ConversionUint8
	ConversionSint16
	ConversionUint16
)

var conversionNames = [...]string{"", "float16", "sint8", "uint8", "sint16", "uint16"}

func (m ConversionMode) String() string {
	if int(m) < len(conversionNames) {
		return conversionNames[m]
	}

	return fmt.Sprintf("ConversionMode(%d)", m)
}
