// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package x86

import (
	"fmt"
	"strconv"
	"strings"
)

// Encoding includes the textual description of
// an x86 instruction's encoding, as described
// in the Intel manuals, plus a structured
// representation of the same information.
type Encoding struct {
	// The textual representation.
	Syntax string

	// Legacy prefixes.
	NoVEXPrefixes   bool   // Whether non-mandatory prefixes 66, F2, and F3 are forbidden.
	NoRepPrefixes   bool   // Whether non-mandatory prefixes F2 and F3 are forbidden.
	MandatoryPrefix Prefix // Any mandatory 66, F2, or F3 prefix.

	// REX prefixes.
	REX   bool // Whether a REX prefix is always required.
	REX_W bool // Whether a REX prefix is always required with REX.W set.

	// Escape prefixes.
	Family  Family    // The encoding family.
	Map     OpcodeMap // The opcode map.
	VEX_L   bool      // Any VEX.L value.
	EVEX_Lp bool      // Any EVEX.L' value.
	LIG     bool      // Whether to ignore the vector length.
	PP      uint8     // Any VEX.pp value (2 bits).
	VEX_W   bool      // Any VEX.W value.
	VEX_WIG bool      // Whether to ignore VEX.W.
	VEXis4  bool      // Whether a register is expected in the 4-bit immediate.

	// EVEX features.
	Mask     bool // Any EVEX opmask support.
	Zero     bool // Any EVEX zeroing support.
	Rounding bool // Any EVEX embedded rounding support.
	Suppress bool // Any EVEX suppress all exceptions support.

	// Opcode data.
	Opcode           byte // The opcode byte, after any map escape.
	RegisterModifier bool // Whether a register is encoded in the low bits of the opcode.
	StackIndex       bool // Whether an x87 stack index is encoded in ModR/M.rm.

	// Code offset after the opcode.
	CodeOffset int // The size in bytes of any code offset.

	// ModR/M byte.
	ModRM    bool  // Whether a ModR/M byte is always required.
	ModRMmod uint8 // Any fixed value used as the ModR/M byte's mod field, plus one. Zero for no value. Five for any value except 0b11.
	ModRMreg uint8 // Any fixed value used as the ModR/M byte's reg field, plus one. Zero for no value.
	ModRMrm  uint8 // Any fixed value used as the ModR/M byte's r/m field, plus one. Zero for no value.

	// Immediates.
	Immediates []int // The size in bytes of each immediate, in order.
}

// VectorSize returns the encoded vector
// size, if any.
func (e *Encoding) VectorSize() int {
	switch e.Family {
	case FamilyVEX, FamilyXOP:
		if e.VEX_L {
			return 256
		}

		return 128
	case FamilyEVEX:
		switch {
		case !e.VEX_L && !e.EVEX_Lp:
			return 128
		case e.VEX_L && !e.EVEX_Lp:
			return 256
		default:
			return 512
		}
	case FamilyMVEX:
		return 512
	}

	return 0
}

// LL returns the 2-bit vector length
// field.
func (e *Encoding) LL() byte {
	return bit(e.EVEX_Lp)<<1 | bit(e.VEX_L)
}

// Fields describes the parts of an
// instruction's machine code that select
// its form.
type Fields struct {
	Family      Family
	Map         OpcodeMap
	Opcode      byte
	OperandSize bool   // Whether a 66 prefix is present.
	Rep         Prefix // The last F2 or F3 prefix, if any.
	PP          uint8  // The escape prefix's pp field.
	W           bool   // REX.W, or the escape prefix's W field.
	L           byte   // The vector length field.
	IgnoreL     bool   // The vector length field holds something else.
	ModRM       ModRM
}

// MandatoryPrefix returns the legacy
// prefix that would act as a mandatory
// prefix.
func (f *Fields) MandatoryPrefix() Prefix {
	if f.Rep != 0 {
		return f.Rep
	}

	if f.OperandSize {
		return PrefixOperandSize
	}

	return 0
}

// MachineCodeMatch indicates whether a machine code
// sequence matched an instruction encoding, according
// to Encoding.Matches.
type MachineCodeMatch uint8

const (
	Match MachineCodeMatch = iota
	MismatchFamily
	MismatchMap
	MismatchWrongOpcode
	MismatchWrongModifiedOpcode
	MismatchForbiddenVEXPrefix
	MismatchForbiddenRepPrefix
	MismatchMissingMandatoryPrefix
	MismatchMissingREX_W
	MismatchMissingVEX_W
	MismatchMissingVEX_L
	MismatchMissingVEXpp
	MismatchWrongModRMmod
	MismatchWrongModRMreg
	MismatchWrongModRMrm
)

func (m MachineCodeMatch) String() string {
	switch m {
	case Match:
		return "match"
	case MismatchFamily:
		return "wrong encoding family"
	case MismatchMap:
		return "wrong opcode map"
	case MismatchWrongOpcode:
		return "wrong opcode"
	case MismatchWrongModifiedOpcode:
		return "wrong modified opcode"
	case MismatchForbiddenVEXPrefix:
		return "forbidden VEX prefix"
	case MismatchForbiddenRepPrefix:
		return "forbidden rep prefix"
	case MismatchMissingMandatoryPrefix:
		return "missing mandatory prefix"
	case MismatchMissingREX_W:
		return "missing REX.W"
	case MismatchMissingVEX_W:
		return "missing VEX.W"
	case MismatchMissingVEX_L:
		return "missing VEX.L"
	case MismatchMissingVEXpp:
		return "missing VEX.pp"
	case MismatchWrongModRMmod:
		return "wrong ModR/M.mod"
	case MismatchWrongModRMreg:
		return "wrong ModR/M.reg"
	case MismatchWrongModRMrm:
		return "wrong ModR/M.rm"
	default:
		return fmt.Sprintf("MachineCodeMatch(%d)", m)
	}
}

// Matches indicates whether the given machine
// code fields could be produced by encoding
// this instruction. Operands are not checked.
func (e *Encoding) Matches(f *Fields) MachineCodeMatch {
	if f.Family != e.Family {
		return MismatchFamily
	}

	if f.Map != e.Map {
		return MismatchMap
	}

	if e.RegisterModifier {
		if f.Opcode&^0b111 != e.Opcode {
			return MismatchWrongModifiedOpcode
		}
	} else if f.Opcode != e.Opcode {
		return MismatchWrongOpcode
	}

	if e.Family == FamilyLegacy {
		mandatory := f.MandatoryPrefix()
		switch {
		case e.MandatoryPrefix != 0:
			if mandatory != e.MandatoryPrefix {
				return MismatchMissingMandatoryPrefix
			}
		case e.NoVEXPrefixes && mandatory != 0:
			return MismatchForbiddenVEXPrefix
		case e.NoRepPrefixes && f.Rep != 0:
			return MismatchForbiddenRepPrefix
		}

		if e.REX_W && !f.W {
			return MismatchMissingREX_W
		}
	} else {
		if f.PP != e.PP {
			return MismatchMissingVEXpp
		}

		if !e.VEX_WIG && f.W != e.VEX_W {
			return MismatchMissingVEX_W
		}

		if !e.LIG && !f.IgnoreL && f.L != e.LL() {
			return MismatchMissingVEX_L
		}
	}

	if !e.ModRM {
		return Match
	}

	switch {
	case e.ModRMmod == 5 && f.ModRM.Mod() == 0b11:
		return MismatchWrongModRMmod
	case e.ModRMmod != 0 && e.ModRMmod != 5 && f.ModRM.Mod() != e.ModRMmod-1:
		return MismatchWrongModRMmod
	case e.ModRMreg != 0 && f.ModRM.Reg() != e.ModRMreg-1:
		return MismatchWrongModRMreg
	case e.ModRMrm != 0 && f.ModRM.RM() != e.ModRMrm-1:
		return MismatchWrongModRMrm
	}

	return Match
}

// isX87Escape returns whether b is one
// of the x87 escape opcodes, which are
// followed by a ModR/M byte.
func isX87Escape(b byte) bool {
	return 0xd8 <= b && b <= 0xdf
}

// ParseEncoding processes the textual description
// of an x86 instruction's encoding, producing
// a structured representation of the same
// information.
//
// The syntax follows the opcode column of the Intel
// manuals, Volume 2A, section 3.1.1.1, extended with
// AMD's XOP clauses (such as XOP.128.08.W0) and the
// Knights Corner MVEX clauses (such as MVEX.512.0F.W0).
// Where the Intel manuals give an x87 stack register
// as a second opcode byte (D9 C0+i) or fix the second
// byte of an x87 opcode (D9 D0), it is stored as the
// ModR/M byte it really is.
func ParseEncoding(s string) (*Encoding, error) {
	e := &Encoding{
		Syntax: s,
	}

	// Start with any prefixes.
	parts := strings.Fields(s)
prefixes:
	for i, clause := range parts {
		switch clause {
		case "NP":
			e.NoVEXPrefixes = true
		case "NFx":
			e.NoRepPrefixes = true
		case "REX":
			e.REX = true
		case "REX.W":
			e.REX = true
			e.REX_W = true
		case "+":
			// As in "REX.W + 8B /r".
		case "66", "F2", "F3":
			if len(parts[i:]) == 1 {
				// A one-byte instruction.
				parts = parts[i:]
				break prefixes
			}

			b, _ := strconv.ParseUint(clause, 16, 8)
			if Prefix(b) == PrefixOperandSize && e.MandatoryPrefix != 0 {
				// F2/F3 take precedence.
				continue
			}

			e.MandatoryPrefix = Prefix(b)
		default:
			parts = parts[i:]
			break prefixes
		}
	}

	var opcodes []byte
	seenSlashR := false
	for _, clause := range parts {
		switch {
		case strings.HasSuffix(clause, "+rb"), strings.HasSuffix(clause, "+rw"), strings.HasSuffix(clause, "+rd"), strings.HasSuffix(clause, "+ro"):
			opcode, _, _ := strings.Cut(clause, "+")
			b, err := strconv.ParseUint(opcode, 16, 8)
			if err != nil {
				return nil, fmt.Errorf("invalid opcode register modifier clause %q: %v", clause, err)
			}

			opcodes = append(opcodes, byte(b))
			e.RegisterModifier = true
			continue
		case strings.HasSuffix(clause, "+i"):
			base := strings.TrimSuffix(clause, "+i")
			b, err := strconv.ParseUint(base, 16, 8)
			if err != nil {
				return nil, fmt.Errorf("invalid FPU stack index clause %q: %v", clause, err)
			}

			if len(opcodes) != 1 || !isX87Escape(opcodes[0]) {
				return nil, fmt.Errorf("invalid FPU stack index clause %q: no x87 escape opcode", clause)
			}

			modrm := ModRM(b)
			e.ModRM = true
			e.ModRMmod = modrm.Mod() + 1
			e.ModRMreg = modrm.Reg() + 1
			e.StackIndex = true
			continue
		}

		family, ok := escapeFamilies[strings.SplitN(clause, ".", 2)[0]]
		if ok && strings.Contains(clause, ".") {
			err := e.parseEscape(family, clause)
			if err != nil {
				return nil, err
			}

			continue
		}

		// Handle fixed ModR/M clauses, as they're complex.
		if strings.Contains(clause, ":") {
			err := e.parseModRM(clause)
			if err != nil {
				return nil, err
			}

			continue
		}

		switch clause {
		// Opcode extensions.
		case "/0", "/1", "/2", "/3", "/4", "/5", "/6", "/7":
			digit := byte(clause[1] - '0')
			e.ModRMreg = digit + 1
			e.ModRM = true
		// R/M operand.
		case "/r":
			e.ModRM = true
			seenSlashR = true
		// Code offset.
		case "cb", "cw", "cd", "cp", "co", "ct":
			if e.CodeOffset != 0 {
				return nil, fmt.Errorf("invalid encoding clause: unexpected second code offset clause %q", clause)
			}

			e.CodeOffset = map[string]int{"cb": 1, "cw": 2, "cd": 4, "cp": 6, "co": 8, "ct": 10}[clause]
		// Immediate values.
		case "ib":
			e.Immediates = append(e.Immediates, 1)
		case "iw":
			e.Immediates = append(e.Immediates, 2)
		case "id":
			e.Immediates = append(e.Immediates, 4)
		case "io":
			e.Immediates = append(e.Immediates, 8)
		case "/is4":
			if e.VEXis4 {
				return nil, fmt.Errorf("invalid encoding clause: unexpected second %q clause", clause)
			}

			e.VEXis4 = true
		default:
			b, err := strconv.ParseUint(clause, 16, 8)
			if err != nil || seenSlashR {
				return nil, fmt.Errorf("bad encoding syntax %q: failed to handle encoding clause %q", s, clause)
			}

			// The second byte of an x87
			// opcode is a fixed ModR/M.
			if e.Family == FamilyLegacy && len(opcodes) == 1 && isX87Escape(opcodes[0]) {
				modrm := ModRM(b)
				e.ModRM = true
				e.ModRMmod = modrm.Mod() + 1
				e.ModRMreg = modrm.Reg() + 1
				e.ModRMrm = modrm.RM() + 1
				continue
			}

			opcodes = append(opcodes, byte(b))
		}
	}

	// Split any legacy map escape from
	// the opcode.
	if e.Family == FamilyLegacy && len(opcodes) > 1 && opcodes[0] == 0x0f {
		switch {
		case len(opcodes) > 2 && opcodes[1] == 0x38:
			e.Map = Map0F38
			opcodes = opcodes[2:]
		case len(opcodes) > 2 && opcodes[1] == 0x3a:
			e.Map = Map0F3A
			opcodes = opcodes[2:]
		default:
			e.Map = Map0F
			opcodes = opcodes[1:]
		}
	}

	if len(opcodes) != 1 {
		return nil, fmt.Errorf("bad encoding syntax %q: expected one opcode byte, found %d", s, len(opcodes))
	}

	e.Opcode = opcodes[0]
	if e.RegisterModifier && e.Opcode&0b111 != 0 {
		return nil, fmt.Errorf("bad encoding syntax %q: register modifier on opcode %02x", s, e.Opcode)
	}

	return e, nil
}

var escapeFamilies = map[string]Family{
	"VEX":  FamilyVEX,
	"EVEX": FamilyEVEX,
	"XOP":  FamilyXOP,
	"MVEX": FamilyMVEX,
}

var escapeMaps = map[Family]map[string]OpcodeMap{
	FamilyVEX:  {"0F": Map0F, "0F38": Map0F38, "0F3A": Map0F3A},
	FamilyEVEX: {"0F": Map0F, "0F38": Map0F38, "0F3A": Map0F3A, "MAP5": Map5, "MAP6": Map6},
	FamilyMVEX: {"0F": Map0F, "0F38": Map0F38, "0F3A": Map0F3A},
	FamilyXOP:  {"08": MapXOP8, "09": MapXOP9, "0A": MapXOPA},
}

// parseEscape handles a VEX, EVEX, XOP, or
// MVEX clause.
func (e *Encoding) parseEscape(family Family, clause string) error {
	e.Family = family
	e.Map = MapDefault
	for _, part := range strings.Split(clause, ".")[1:] {
		if m, ok := escapeMaps[family][part]; ok {
			e.Map = m
			continue
		}

		switch part {
		case "NDS", "NDD", "DDS":
			// The NDS/NDD/DDS terms can be ignored,
			// as their information is also encoded
			// in the parameter details.
		case "128", "L0", "LZ":
			e.VEX_L = false
		case "256", "L1":
			e.VEX_L = true
		case "512":
			if family != FamilyEVEX && family != FamilyMVEX {
				return fmt.Errorf("invalid encoding clause %s: 512-bit vectors need EVEX or MVEX", clause)
			}

			e.EVEX_Lp = family == FamilyEVEX
		case "LIG", "LLIG":
			e.LIG = true
		case "NP":
			e.PP = 0b00
		case "66":
			e.PP = 0b01
		case "F3":
			e.PP = 0b10
		case "F2":
			e.PP = 0b11
		case "WIG":
			e.VEX_WIG = true
			e.VEX_W = false
		case "W0":
			e.VEX_W = false
		case "W1":
			e.VEX_W = true
		default:
			return fmt.Errorf("invalid encoding clause %s: bad %s clause %q", clause, family, part)
		}
	}

	if e.Map == MapDefault {
		return fmt.Errorf("invalid encoding clause %s: missing %s map", clause, family)
	}

	return nil
}

// parseModRM handles a fixed ModR/M
// clause, such as 11:rrr:bbb.
func (e *Encoding) parseModRM(clause string) error {
	fields := strings.Split(clause, ":")
	if len(fields) != 3 {
		return fmt.Errorf("invalid encoding clause %s: failed to parse ModR/M fields", clause)
	}

	switch fields[0] {
	case "11":
		e.ModRMmod = 0b11 + 1
	case "!(11)":
		e.ModRMmod = 5 // Any value except 0b11.
	default:
		return fmt.Errorf("invalid encoding clause %s: invalid ModR/M.mod field %q", clause, fields[0])
	}

	field := func(s, any, name string) (uint8, error) {
		if s == any {
			return 0, nil
		}

		n, err := strconv.ParseUint(s, 2, 8)
		if err != nil {
			return 0, fmt.Errorf("invalid encoding clause %s: invalid ModR/M.%s field %q: %v", clause, name, s, err)
		}

		if n > 0b111 {
			return 0, fmt.Errorf("invalid encoding clause %s: invalid ModR/M.%s field %q: exceeds bounds", clause, name, s)
		}

		return uint8(n) + 1, nil
	}

	var err error
	e.ModRMreg, err = field(fields[1], "rrr", "reg")
	if err != nil {
		return err
	}

	e.ModRMrm, err = field(fields[2], "bbb", "r/m")
	if err != nil {
		return err
	}

	e.ModRM = true

	return nil
}
