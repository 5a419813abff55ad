// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package x86

import (
	"fmt"
)

// Parameter includes structured information
// about a parameter to an x86 instruction.
type Parameter struct {
	Type      ParameterType     // The parameter type.
	Encoding  ParameterEncoding // The way the operand is encoded in machine code.
	UID       string            // The unique identifier of the parameter.
	Bits      int               // The parameter size in bits. Zero for any size.
	Syntax    string            // The Intel syntax for the parameter.
	Class     RegisterType      // The register class, for register parameters.
	Fixed     *Register         // Any single register the parameter names.
	Broadcast bool              // Whether a memory parameter is an EVEX broadcast element.
	Value     uint64            // The value of an implied immediate.
}

func (p *Parameter) String() string {
	return fmt.Sprintf("%s %s (%s)", p.Type, p.Syntax, p.Encoding)
}

// Register returns the register the parameter
// selects with the given encoding index. The
// rex parameter affects 8-bit general purpose
// registers.
func (p *Parameter) Register(index byte, rex bool) *Register {
	if p.Fixed != nil {
		return p.Fixed
	}

	switch p.Class {
	case TypeGeneralPurpose:
		return GeneralPurpose(p.Bits, index, rex)
	case TypeXMM, TypeYMM, TypeZMM:
		return Vector(p.Bits, index)
	}

	return RegisterByIndex(p.Class, index)
}

// Accepts returns whether reg can be
// used for the register parameter.
func (p *Parameter) Accepts(reg *Register) bool {
	if reg == nil {
		return false
	}

	if p.Fixed != nil {
		return reg == p.Fixed
	}

	if reg.Type != p.Class {
		return false
	}

	if p.Class == TypeGeneralPurpose {
		return reg.Bits == p.Bits
	}

	return true
}

// ParameterType categories a parameter
// to an x86 instruction.
type ParameterType uint8

const (
	_                     ParameterType = iota
	TypeSignedImmediate                 // A signed integer literal.
	TypeUnsignedImmediate               // An unsigned integer literal.
	TypeRegister                        // A register selection.
	TypeStackIndex                      // An x87 FPU stack index.
	TypeRelativeAddress                 // An address offset from the instruction pointer.
	TypeFarPointer                      // A segment selector and absolute address offset pair.
	TypeMemory                          // A memory address expression.
	TypeMemoryOffset                    // A memory offset expression.
)

func (t ParameterType) String() string {
	switch t {
	case TypeSignedImmediate:
		return "signed immediate"
	case TypeUnsignedImmediate:
		return "unsigned immediate"
	case TypeRegister:
		return "register"
	case TypeStackIndex:
		return "stack index"
	case TypeRelativeAddress:
		return "relative address"
	case TypeFarPointer:
		return "far pointer"
	case TypeMemory:
		return "memory"
	case TypeMemoryOffset:
		return "memory offset"
	default:
		return fmt.Sprintf("ParameterType(%d)", t)
	}
}

// IsRegister returns whether the parameter
// type names a register.
func (t ParameterType) IsRegister() bool {
	return t == TypeRegister || t == TypeStackIndex
}

// IsImmediate returns whether the parameter
// type is carried in an immediate.
func (t ParameterType) IsImmediate() bool {
	return t == TypeSignedImmediate || t == TypeUnsignedImmediate || t == TypeRelativeAddress
}

// ParameterEncoding represents a way in
// which an x86 instruction's parameter
// is encoded (or not) in the machine
// code.
type ParameterEncoding uint8

const (
	_                        ParameterEncoding = iota
	EncodingNone                               // The parameter is required in the assembly but is not encoded.
	EncodingVEXvvvv                            // The parameter is encoded in the VEX.vvvv field of the machine code.
	EncodingRegisterModifier                   // The parameter is encoded in the opcode byte.
	EncodingStackIndex                         // The parameter is an x87 stack index, encoded in ModR/M.rm.
	EncodingCodeOffset                         // The parameter is encoded as a code offset after the opcode.
	EncodingModRMreg                           // The parameter is encoded in the ModR/M.reg field of the machine code.
	EncodingModRMrm                            // The parameter is encoded in the ModR/M.rm field of the machine code.
	EncodingDisplacement                       // The parameter is encoded in the displacement field of the machine code.
	EncodingImmediate                          // The parameter is encoded in the immediate field of the machine code.
	EncodingVEXis4                             // The parameter is encoded in the VEX /is4 immediate byte.
)

func (e ParameterEncoding) String() string {
	switch e {
	case EncodingNone:
		return "none"
	case EncodingVEXvvvv:
		return "VEX.vvvv"
	case EncodingRegisterModifier:
		return "register modifier"
	case EncodingStackIndex:
		return "stack index"
	case EncodingCodeOffset:
		return "code offset"
	case EncodingModRMreg:
		return "ModR/M reg"
	case EncodingModRMrm:
		return "ModR/M r/m"
	case EncodingDisplacement:
		return "displacement"
	case EncodingImmediate:
		return "immediate"
	case EncodingVEXis4:
		return "VEX /is4"
	default:
		return fmt.Sprintf("ParameterEncoding(%d)", e)
	}
}

func fixed(uid string, bits int, syntax string, reg *Register) *Parameter {
	return &Parameter{Type: TypeRegister, Encoding: EncodingNone, UID: uid, Bits: bits, Syntax: syntax, Class: reg.Type, Fixed: reg}
}

func reg(enc ParameterEncoding, uid string, bits int, syntax string, class RegisterType) *Parameter {
	return &Parameter{Type: TypeRegister, Encoding: enc, UID: uid, Bits: bits, Syntax: syntax, Class: class}
}

func mem(uid string, bits int, syntax string) *Parameter {
	return &Parameter{Type: TypeMemory, Encoding: EncodingModRMrm, UID: uid, Bits: bits, Syntax: syntax}
}

func imm(t ParameterType, enc ParameterEncoding, uid string, bits int, syntax string) *Parameter {
	return &Parameter{Type: t, Encoding: enc, UID: uid, Bits: bits, Syntax: syntax}
}

// Define the parameters.
var (
	// Explicit unencoded register literals.
	ParamAL  = fixed("AL", 8, "AL", AL)
	ParamCL  = fixed("CL", 8, "CL", CL)
	ParamAX  = fixed("AX", 16, "AX", AX)
	ParamEAX = fixed("EAX", 32, "EAX", EAX)
	ParamRAX = fixed("RAX", 64, "RAX", RAX)
	ParamST  = &Parameter{Type: TypeStackIndex, Encoding: EncodingNone, UID: "ST", Bits: 80, Syntax: "ST", Class: TypeX87}

	// Implied immediate.
	Param1 = &Parameter{Type: TypeUnsignedImmediate, Encoding: EncodingNone, UID: "1", Bits: 8, Syntax: "1", Value: 1}

	// VEX.vvvv registers.
	ParamR32V = reg(EncodingVEXvvvv, "R32V", 32, "r32V", TypeGeneralPurpose)
	ParamR64V = reg(EncodingVEXvvvv, "R64V", 64, "r64V", TypeGeneralPurpose)
	ParamKV   = reg(EncodingVEXvvvv, "KV", 16, "kV", TypeOpmask)
	ParamXMMV = reg(EncodingVEXvvvv, "XMMV", 128, "xmmV", TypeXMM)
	ParamYMMV = reg(EncodingVEXvvvv, "YMMV", 256, "ymmV", TypeYMM)
	ParamZMMV = reg(EncodingVEXvvvv, "ZMMV", 512, "zmmV", TypeZMM)

	// Opcode registers.
	ParamR8op  = reg(EncodingRegisterModifier, "R8op", 8, "r8op", TypeGeneralPurpose)
	ParamR16op = reg(EncodingRegisterModifier, "R16op", 16, "r16op", TypeGeneralPurpose)
	ParamR32op = reg(EncodingRegisterModifier, "R32op", 32, "r32op", TypeGeneralPurpose)
	ParamR64op = reg(EncodingRegisterModifier, "R64op", 64, "r64op", TypeGeneralPurpose)

	// x87 stack index.
	ParamSTi = &Parameter{Type: TypeStackIndex, Encoding: EncodingStackIndex, UID: "STi", Bits: 80, Syntax: "ST(i)", Class: TypeX87}

	// Code offsets.
	ParamRel8     = imm(TypeRelativeAddress, EncodingCodeOffset, "Rel8", 8, "rel8")
	ParamRel16    = imm(TypeRelativeAddress, EncodingCodeOffset, "Rel16", 16, "rel16")
	ParamRel32    = imm(TypeRelativeAddress, EncodingCodeOffset, "Rel32", 32, "rel32")
	ParamPtr16v16 = imm(TypeFarPointer, EncodingCodeOffset, "Ptr16v16", 32, "ptr16:16")
	ParamPtr16v32 = imm(TypeFarPointer, EncodingCodeOffset, "Ptr16v32", 48, "ptr16:32")

	// ModR/M reg registers.
	ParamR8   = reg(EncodingModRMreg, "R8", 8, "r8", TypeGeneralPurpose)
	ParamR16  = reg(EncodingModRMreg, "R16", 16, "r16", TypeGeneralPurpose)
	ParamR32  = reg(EncodingModRMreg, "R32", 32, "r32", TypeGeneralPurpose)
	ParamR64  = reg(EncodingModRMreg, "R64", 64, "r64", TypeGeneralPurpose)
	ParamSreg = reg(EncodingModRMreg, "Sreg", 16, "Sreg", TypeSegment)
	ParamCR   = reg(EncodingModRMreg, "CR0toCR7", 64, "CR0-CR7", TypeControl)
	ParamMM1  = reg(EncodingModRMreg, "MM1", 64, "mm1", TypeMMX)
	ParamXMM1 = reg(EncodingModRMreg, "XMM1", 128, "xmm1", TypeXMM)
	ParamYMM1 = reg(EncodingModRMreg, "YMM1", 256, "ymm1", TypeYMM)
	ParamZMM1 = reg(EncodingModRMreg, "ZMM1", 512, "zmm1", TypeZMM)
	ParamK1   = reg(EncodingModRMreg, "K1", 16, "k1", TypeOpmask)

	// ModR/M r/m registers.
	ParamRmr8  = reg(EncodingModRMrm, "Rmr8", 8, "rmr8", TypeGeneralPurpose)
	ParamRmr16 = reg(EncodingModRMrm, "Rmr16", 16, "rmr16", TypeGeneralPurpose)
	ParamRmr32 = reg(EncodingModRMrm, "Rmr32", 32, "rmr32", TypeGeneralPurpose)
	ParamRmr64 = reg(EncodingModRMrm, "Rmr64", 64, "rmr64", TypeGeneralPurpose)
	ParamMM2   = reg(EncodingModRMrm, "MM2", 64, "mm2", TypeMMX)
	ParamXMM2  = reg(EncodingModRMrm, "XMM2", 128, "xmm2", TypeXMM)
	ParamYMM2  = reg(EncodingModRMrm, "YMM2", 256, "ymm2", TypeYMM)
	ParamZMM2  = reg(EncodingModRMrm, "ZMM2", 512, "zmm2", TypeZMM)
	ParamK2    = reg(EncodingModRMrm, "K2", 16, "k2", TypeOpmask)

	// ModR/M r/m memory.
	ParamM       = mem("M", 0, "m")
	ParamM8      = mem("M8", 8, "m8")
	ParamM16     = mem("M16", 16, "m16")
	ParamM32     = mem("M32", 32, "m32")
	ParamM64     = mem("M64", 64, "m64")
	ParamM128    = mem("M128", 128, "m128")
	ParamM256    = mem("M256", 256, "m256")
	ParamM512    = mem("M512", 512, "m512")
	ParamM32fp   = mem("M32fp", 32, "m32fp")
	ParamM64fp   = mem("M64fp", 64, "m64fp")
	ParamM16v32  = mem("M16v32", 48, "m16:32")
	ParamM16v64  = mem("M16v64", 80, "m16:64")
	ParamM32bcst = &Parameter{Type: TypeMemory, Encoding: EncodingModRMrm, UID: "M32bcst", Bits: 32, Syntax: "m32bcst", Broadcast: true}
	ParamM64bcst = &Parameter{Type: TypeMemory, Encoding: EncodingModRMrm, UID: "M64bcst", Bits: 64, Syntax: "m64bcst", Broadcast: true}

	// Memory offsets.
	ParamMoffs8  = &Parameter{Type: TypeMemoryOffset, Encoding: EncodingDisplacement, UID: "Moffs8", Bits: 8, Syntax: "moffs8"}
	ParamMoffs32 = &Parameter{Type: TypeMemoryOffset, Encoding: EncodingDisplacement, UID: "Moffs32", Bits: 32, Syntax: "moffs32"}
	ParamMoffs64 = &Parameter{Type: TypeMemoryOffset, Encoding: EncodingDisplacement, UID: "Moffs64", Bits: 64, Syntax: "moffs64"}

	// Immediates.
	ParamImm8   = imm(TypeSignedImmediate, EncodingImmediate, "Imm8", 8, "imm8")
	ParamImm16  = imm(TypeSignedImmediate, EncodingImmediate, "Imm16", 16, "imm16")
	ParamImm32  = imm(TypeSignedImmediate, EncodingImmediate, "Imm32", 32, "imm32")
	ParamImm64  = imm(TypeSignedImmediate, EncodingImmediate, "Imm64", 64, "imm64")
	ParamImm8u  = imm(TypeUnsignedImmediate, EncodingImmediate, "Imm8u", 8, "imm8u")
	ParamImm16u = imm(TypeUnsignedImmediate, EncodingImmediate, "Imm16u", 16, "imm16u")

	// Register in the /is4 immediate.
	ParamXMMIH = reg(EncodingVEXis4, "XMMIH", 128, "xmmIH", TypeXMM)
)

func init() {
	ParamST.Fixed = RegisterByIndex(TypeX87, 0)
}

// Parameters maps the Intel syntax for each
// parameter to its definition.
var Parameters = map[string]*Parameter{
	"AL":       ParamAL,
	"CL":       ParamCL,
	"AX":       ParamAX,
	"EAX":      ParamEAX,
	"RAX":      ParamRAX,
	"ST":       ParamST,
	"1":        Param1,
	"r32V":     ParamR32V,
	"r64V":     ParamR64V,
	"kV":       ParamKV,
	"xmmV":     ParamXMMV,
	"ymmV":     ParamYMMV,
	"zmmV":     ParamZMMV,
	"r8op":     ParamR8op,
	"r16op":    ParamR16op,
	"r32op":    ParamR32op,
	"r64op":    ParamR64op,
	"ST(i)":    ParamSTi,
	"rel8":     ParamRel8,
	"rel16":    ParamRel16,
	"rel32":    ParamRel32,
	"ptr16:16": ParamPtr16v16,
	"ptr16:32": ParamPtr16v32,
	"r8":       ParamR8,
	"r16":      ParamR16,
	"r32":      ParamR32,
	"r64":      ParamR64,
	"Sreg":     ParamSreg,
	"CR0-CR7":  ParamCR,
	"mm1":      ParamMM1,
	"xmm1":     ParamXMM1,
	"ymm1":     ParamYMM1,
	"zmm1":     ParamZMM1,
	"k1":       ParamK1,
	"rmr8":     ParamRmr8,
	"rmr16":    ParamRmr16,
	"rmr32":    ParamRmr32,
	"rmr64":    ParamRmr64,
	"mm2":      ParamMM2,
	"xmm2":     ParamXMM2,
	"ymm2":     ParamYMM2,
	"zmm2":     ParamZMM2,
	"k2":       ParamK2,
	"m":        ParamM,
	"m8":       ParamM8,
	"m16":      ParamM16,
	"m32":      ParamM32,
	"m64":      ParamM64,
	"m128":     ParamM128,
	"m256":     ParamM256,
	"m512":     ParamM512,
	"m32fp":    ParamM32fp,
	"m64fp":    ParamM64fp,
	"m16:32":   ParamM16v32,
	"m16:64":   ParamM16v64,
	"m32bcst":  ParamM32bcst,
	"m64bcst":  ParamM64bcst,
	"moffs8":   ParamMoffs8,
	"moffs32":  ParamMoffs32,
	"moffs64":  ParamMoffs64,
	"imm8":     ParamImm8,
	"imm16":    ParamImm16,
	"imm32":    ParamImm32,
	"imm64":    ParamImm64,
	"imm8u":    ParamImm8u,
	"imm16u":   ParamImm16u,
	"xmmIH":    ParamXMMIH,
}
