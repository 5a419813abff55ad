// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package x86

import (
	"fmt"
	"strings"
)

// Register contains information about
// an x86 register, including its size
// in bits and its encoding index.
type Register struct {
	Name    string
	Type    RegisterType
	Bits    int
	Index   byte  // The 5-bit encoding of the register, including the REX/EVEX extension bits.
	MinMode uint8 // Any CPU mode requirements as a number of bits.
	EVEX    bool  // Whether the register can only be used with EVEX encoding.
	High    bool  // Whether this is one of AH, CH, DH, or BH.
	Aliases []string
}

func (r *Register) String() string    { return r.Name }
func (r *Register) UpperName() string { return strings.ToUpper(r.Name) }

// NeedsREX returns whether the register
// can only be encoded in the presence of
// a REX prefix.
func (r *Register) NeedsREX() bool {
	switch r {
	case SPL, BPL, SIL, DIL:
		return true
	}

	return r.Index&0b01000 != 0
}

// ForbidsREX returns whether the register
// cannot be encoded if a REX prefix is
// present.
func (r *Register) ForbidsREX() bool {
	return r.High
}

// Field splits the register's encoding
// index into the 3-bit value stored in
// ModR/M, SIB, or the opcode, the REX
// extension bit (bit 3), and the EVEX
// extension bit (bit 4).
func (r *Register) Field() (low byte, ext, evex bool) {
	return r.Index & 7, r.Index&0b01000 != 0, r.Index&0b10000 != 0
}

// IsGeneralPurpose returns whether the
// register is a general purpose register
// of any size.
func (r *Register) IsGeneralPurpose() bool {
	return r != nil && r.Type == TypeGeneralPurpose
}

// IsVector returns whether the register
// is an XMM, YMM, or ZMM register.
func (r *Register) IsVector() bool {
	if r == nil {
		return false
	}

	switch r.Type {
	case TypeXMM, TypeYMM, TypeZMM:
		return true
	}

	return false
}

// Largest returns the largest register
// that contains r in the given mode. For
// example, the largest register enclosing
// AX is RAX in 64-bit mode, or EAX otherwise.
func (r *Register) Largest(mode Mode) *Register {
	switch r.Type {
	case TypeGeneralPurpose:
		bits := 32
		if mode == Mode64 {
			bits = 64
		}

		if r.High {
			return GeneralPurpose(bits, r.Index-4, false)
		}

		return GeneralPurpose(bits, r.Index, false)
	case TypeInstructionPointer:
		if mode == Mode64 {
			return RIP
		}

		return EIP
	case TypeFlags:
		if mode == Mode64 {
			return RFLAGS
		}

		return EFLAGS
	case TypeXMM, TypeYMM:
		return Vector(512, r.Index)
	}

	return r
}

var (
	// 8-bit registers.
	AL   = gpr("al", 8, 0)
	CL   = gpr("cl", 8, 1)
	DL   = gpr("dl", 8, 2)
	BL   = gpr("bl", 8, 3)
	AH   = &Register{Name: "ah", Type: TypeGeneralPurpose, Bits: 8, Index: 4, High: true}
	CH   = &Register{Name: "ch", Type: TypeGeneralPurpose, Bits: 8, Index: 5, High: true}
	DH   = &Register{Name: "dh", Type: TypeGeneralPurpose, Bits: 8, Index: 6, High: true}
	BH   = &Register{Name: "bh", Type: TypeGeneralPurpose, Bits: 8, Index: 7, High: true}
	SPL  = gpr("spl", 8, 4)
	BPL  = gpr("bpl", 8, 5)
	SIL  = gpr("sil", 8, 6)
	DIL  = gpr("dil", 8, 7)
	R8B  = gpr("r8b", 8, 8, "r8l")
	R9B  = gpr("r9b", 8, 9, "r9l")
	R10B = gpr("r10b", 8, 10, "r10l")
	R11B = gpr("r11b", 8, 11, "r11l")
	R12B = gpr("r12b", 8, 12, "r12l")
	R13B = gpr("r13b", 8, 13, "r13l")
	R14B = gpr("r14b", 8, 14, "r14l")
	R15B = gpr("r15b", 8, 15, "r15l")

	// 16-bit registers.
	AX   = gpr("ax", 16, 0)
	CX   = gpr("cx", 16, 1)
	DX   = gpr("dx", 16, 2)
	BX   = gpr("bx", 16, 3)
	SP   = gpr("sp", 16, 4)
	BP   = gpr("bp", 16, 5)
	SI   = gpr("si", 16, 6)
	DI   = gpr("di", 16, 7)
	R8W  = gpr("r8w", 16, 8)
	R9W  = gpr("r9w", 16, 9)
	R10W = gpr("r10w", 16, 10)
	R11W = gpr("r11w", 16, 11)
	R12W = gpr("r12w", 16, 12)
	R13W = gpr("r13w", 16, 13)
	R14W = gpr("r14w", 16, 14)
	R15W = gpr("r15w", 16, 15)

	// 32-bit registers.
	EAX  = gpr("eax", 32, 0)
	ECX  = gpr("ecx", 32, 1)
	EDX  = gpr("edx", 32, 2)
	EBX  = gpr("ebx", 32, 3)
	ESP  = gpr("esp", 32, 4)
	EBP  = gpr("ebp", 32, 5)
	ESI  = gpr("esi", 32, 6)
	EDI  = gpr("edi", 32, 7)
	R8D  = gpr("r8d", 32, 8)
	R9D  = gpr("r9d", 32, 9)
	R10D = gpr("r10d", 32, 10)
	R11D = gpr("r11d", 32, 11)
	R12D = gpr("r12d", 32, 12)
	R13D = gpr("r13d", 32, 13)
	R14D = gpr("r14d", 32, 14)
	R15D = gpr("r15d", 32, 15)

	// 64-bit registers.
	RAX = gpr("rax", 64, 0)
	RCX = gpr("rcx", 64, 1)
	RDX = gpr("rdx", 64, 2)
	RBX = gpr("rbx", 64, 3)
	RSP = gpr("rsp", 64, 4)
	RBP = gpr("rbp", 64, 5)
	RSI = gpr("rsi", 64, 6)
	RDI = gpr("rdi", 64, 7)
	R8  = gpr("r8", 64, 8)
	R9  = gpr("r9", 64, 9)
	R10 = gpr("r10", 64, 10)
	R11 = gpr("r11", 64, 11)
	R12 = gpr("r12", 64, 12)
	R13 = gpr("r13", 64, 13)
	R14 = gpr("r14", 64, 14)
	R15 = gpr("r15", 64, 15)

	// Instruction pointer registers.
	IP  = &Register{Name: "ip", Type: TypeInstructionPointer, Bits: 16}
	EIP = &Register{Name: "eip", Type: TypeInstructionPointer, Bits: 32}
	RIP = &Register{Name: "rip", Type: TypeInstructionPointer, Bits: 64, MinMode: 64}

	// Flags registers.
	FLAGS  = &Register{Name: "flags", Type: TypeFlags, Bits: 16}
	EFLAGS = &Register{Name: "eflags", Type: TypeFlags, Bits: 32}
	RFLAGS = &Register{Name: "rflags", Type: TypeFlags, Bits: 64, MinMode: 64}
	MXCSR  = &Register{Name: "mxcsr", Type: TypeMXCSR, Bits: 32}

	// Segment registers.
	ES = &Register{Name: "es", Type: TypeSegment, Bits: 16, Index: 0}
	CS = &Register{Name: "cs", Type: TypeSegment, Bits: 16, Index: 1}
	SS = &Register{Name: "ss", Type: TypeSegment, Bits: 16, Index: 2}
	DS = &Register{Name: "ds", Type: TypeSegment, Bits: 16, Index: 3}
	FS = &Register{Name: "fs", Type: TypeSegment, Bits: 16, Index: 4}
	GS = &Register{Name: "gs", Type: TypeSegment, Bits: 16, Index: 5}
)

func gpr(name string, bits int, index byte, aliases ...string) *Register {
	reg := &Register{Name: name, Type: TypeGeneralPurpose, Bits: bits, Index: index, Aliases: aliases}
	if index > 7 || bits == 64 {
		reg.MinMode = 64
	}

	return reg
}

// Registers contains every register
// known to the package, populated at
// init.
var Registers []*Register

// RegistersByName maps register names
// and aliases (lower case) to registers.
var RegistersByName = make(map[string]*Register)

var (
	generalPurpose = map[int]*[16]*Register{
		8:  {AL, CL, DL, BL, SPL, BPL, SIL, DIL, R8B, R9B, R10B, R11B, R12B, R13B, R14B, R15B},
		16: {AX, CX, DX, BX, SP, BP, SI, DI, R8W, R9W, R10W, R11W, R12W, R13W, R14W, R15W},
		32: {EAX, ECX, EDX, EBX, ESP, EBP, ESI, EDI, R8D, R9D, R10D, R11D, R12D, R13D, R14D, R15D},
		64: {RAX, RCX, RDX, RBX, RSP, RBP, RSI, RDI, R8, R9, R10, R11, R12, R13, R14, R15},
	}

	highBytes = [4]*Register{AH, CH, DH, BH}

	segments = [6]*Register{ES, CS, SS, DS, FS, GS}

	// Register files that follow a simple
	// naming scheme are generated in init.
	x87     [8]*Register
	mmx     [8]*Register
	control [16]*Register
	debug   [16]*Register
	opmask  [8]*Register
	bounds  [4]*Register
	tiles   [8]*Register
	xmm     [32]*Register
	ymm     [32]*Register
	zmm     [32]*Register
)

func init() {
	for i := range x87 {
		x87[i] = &Register{Name: fmt.Sprintf("st%d", i), Type: TypeX87, Bits: 80, Index: byte(i), Aliases: []string{fmt.Sprintf("st(%d)", i)}}
		mmx[i] = &Register{Name: fmt.Sprintf("mm%d", i), Type: TypeMMX, Bits: 64, Index: byte(i), Aliases: []string{fmt.Sprintf("mmx%d", i)}}
		opmask[i] = &Register{Name: fmt.Sprintf("k%d", i), Type: TypeOpmask, Bits: 64, Index: byte(i)}
		tiles[i] = &Register{Name: fmt.Sprintf("tmm%d", i), Type: TypeTMM, Bits: 8192, Index: byte(i), MinMode: 64}
	}

	for i := range control {
		control[i] = &Register{Name: fmt.Sprintf("cr%d", i), Type: TypeControl, Bits: 64, Index: byte(i)}
		debug[i] = &Register{Name: fmt.Sprintf("dr%d", i), Type: TypeDebug, Bits: 64, Index: byte(i)}
		if i > 7 {
			control[i].MinMode = 64
			debug[i].MinMode = 64
		}
	}

	for i := range bounds {
		bounds[i] = &Register{Name: fmt.Sprintf("bnd%d", i), Type: TypeBounds, Bits: 128, Index: byte(i)}
	}

	for i := range xmm {
		xmm[i] = &Register{Name: fmt.Sprintf("xmm%d", i), Type: TypeXMM, Bits: 128, Index: byte(i)}
		ymm[i] = &Register{Name: fmt.Sprintf("ymm%d", i), Type: TypeYMM, Bits: 256, Index: byte(i)}
		zmm[i] = &Register{Name: fmt.Sprintf("zmm%d", i), Type: TypeZMM, Bits: 512, Index: byte(i), EVEX: true}
		for _, reg := range []*Register{xmm[i], ymm[i], zmm[i]} {
			if i > 7 {
				reg.MinMode = 64
			}
			if i > 15 {
				reg.EVEX = true
			}
		}
	}

	for _, bits := range []int{8, 16, 32, 64} {
		Registers = append(Registers, generalPurpose[bits][:]...)
		if bits == 8 {
			Registers = append(Registers, highBytes[:]...)
		}
	}

	Registers = append(Registers, IP, EIP, RIP, FLAGS, EFLAGS, RFLAGS, MXCSR)
	Registers = append(Registers, segments[:]...)
	Registers = append(Registers, x87[:]...)
	Registers = append(Registers, mmx[:]...)
	Registers = append(Registers, control[:]...)
	Registers = append(Registers, debug[:]...)
	Registers = append(Registers, opmask[:]...)
	Registers = append(Registers, bounds[:]...)
	Registers = append(Registers, tiles[:]...)
	Registers = append(Registers, xmm[:]...)
	Registers = append(Registers, ymm[:]...)
	Registers = append(Registers, zmm[:]...)

	for _, reg := range Registers {
		RegistersByName[reg.Name] = reg
		for _, alias := range reg.Aliases {
			RegistersByName[alias] = reg
		}
	}
}

// GeneralPurpose returns the general purpose
// register with the given size and index.
// For 8-bit registers, rex determines whether
// indices 4-7 refer to SPL-DIL or AH-BH.
func GeneralPurpose(bits int, index byte, rex bool) *Register {
	regs, ok := generalPurpose[bits]
	if !ok || index > 15 {
		return nil
	}

	if bits == 8 && !rex && index >= 4 && index <= 7 {
		return highBytes[index-4]
	}

	return regs[index]
}

// Vector returns the XMM, YMM, or ZMM
// register with the given index.
func Vector(bits int, index byte) *Register {
	if index > 31 {
		return nil
	}

	switch bits {
	case 128:
		return xmm[index]
	case 256:
		return ymm[index]
	case 512:
		return zmm[index]
	}

	return nil
}

// RegisterByIndex returns the register of
// the given fixed-size type with the given
// index, or nil if there is no such register.
// General purpose and vector registers are
// retrieved with GeneralPurpose and Vector.
func RegisterByIndex(t RegisterType, index byte) *Register {
	var regs []*Register
	switch t {
	case TypeSegment:
		regs = segments[:]
	case TypeX87:
		regs = x87[:]
	case TypeMMX:
		regs = mmx[:]
	case TypeControl:
		regs = control[:]
	case TypeDebug:
		regs = debug[:]
	case TypeOpmask:
		regs = opmask[:]
	case TypeBounds:
		regs = bounds[:]
	case TypeTMM:
		regs = tiles[:]
	case TypeXMM:
		return Vector(128, index)
	case TypeYMM:
		return Vector(256, index)
	case TypeZMM:
		return Vector(512, index)
	}

	if int(index) >= len(regs) {
		return nil
	}

	return regs[index]
}

// RegisterType categorises an x86
// register.
type RegisterType uint8

const (
	_ RegisterType = iota
	TypeGeneralPurpose
	TypeInstructionPointer
	TypeFlags
	TypeSegment
	TypeX87
	TypeControl
	TypeDebug
	TypeOpmask
	TypeBounds
	TypeMMX
	TypeTMM
	TypeXMM
	TypeYMM
	TypeZMM
	TypeMXCSR
)

func (t RegisterType) String() string {
	switch t {
	case TypeGeneralPurpose:
		return "general purpose register"
	case TypeInstructionPointer:
		return "instruction pointer register"
	case TypeFlags:
		return "flags register"
	case TypeSegment:
		return "segment register"
	case TypeX87:
		return "x87 register"
	case TypeControl:
		return "control register"
	case TypeDebug:
		return "debug register"
	case TypeOpmask:
		return "opmask register"
	case TypeBounds:
		return "bounds register"
	case TypeMMX:
		return "MMX register"
	case TypeTMM:
		return "TMM register"
	case TypeXMM:
		return "XMM register"
	case TypeYMM:
		return "YMM register"
	case TypeZMM:
		return "ZMM register"
	case TypeMXCSR:
		return "MXCSR register"
	default:
		return fmt.Sprintf("RegisterType(%d)", t)
	}
}
