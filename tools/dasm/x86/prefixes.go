// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package x86

import (
	"fmt"
)

// bit converts a boolean to a single
// bit value.
func bit(b bool) byte {
	if b {
		return 1
	}

	return 0
}

// Prefix represents a legacy x86 prefix.
type Prefix byte

const (
	PrefixLock        Prefix = 0xf0
	PrefixRepeatNot   Prefix = 0xf2
	PrefixRepeat      Prefix = 0xf3
	PrefixCS          Prefix = 0x2e
	PrefixSS          Prefix = 0x36
	PrefixDS          Prefix = 0x3e
	PrefixES          Prefix = 0x26
	PrefixFS          Prefix = 0x64
	PrefixGS          Prefix = 0x65
	PrefixUnlikely    Prefix = 0x2e
	PrefixLikely      Prefix = 0x3e
	PrefixNoTrack     Prefix = 0x3e
	PrefixOperandSize Prefix = 0x66
	PrefixAddressSize Prefix = 0x67
)

// IsLegacyPrefix returns whether b is
// one of the eleven legacy prefix bytes.
func IsLegacyPrefix(b byte) bool {
	switch Prefix(b) {
	case PrefixLock, PrefixRepeatNot, PrefixRepeat,
		PrefixCS, PrefixSS, PrefixDS, PrefixES, PrefixFS, PrefixGS,
		PrefixOperandSize, PrefixAddressSize:
		return true
	}

	return false
}

// Segment returns the segment register
// selected by a segment override prefix,
// or nil.
func (p Prefix) Segment() *Register {
	switch p {
	case PrefixCS:
		return CS
	case PrefixSS:
		return SS
	case PrefixDS:
		return DS
	case PrefixES:
		return ES
	case PrefixFS:
		return FS
	case PrefixGS:
		return GS
	}

	return nil
}

// SegmentPrefix returns the override
// prefix for the segment register.
func SegmentPrefix(seg *Register) (Prefix, bool) {
	switch seg {
	case CS:
		return PrefixCS, true
	case SS:
		return PrefixSS, true
	case DS:
		return PrefixDS, true
	case ES:
		return PrefixES, true
	case FS:
		return PrefixFS, true
	case GS:
		return PrefixGS, true
	}

	return 0, false
}

func (p Prefix) String() string {
	switch p {
	case PrefixLock:
		return "lock"
	case PrefixRepeatNot:
		return "repnz/repne"
	case PrefixRepeat:
		return "rep/repe/repz"
	case PrefixCS:
		return "cs/unlikely"
	case PrefixSS:
		return "ss"
	case PrefixDS:
		return "ds/likely/notrack"
	case PrefixES:
		return "es"
	case PrefixFS:
		return "fs"
	case PrefixGS:
		return "gs"
	case PrefixOperandSize:
		return "data16/data32"
	case PrefixAddressSize:
		return "addr16/addr32"
	default:
		return fmt.Sprintf("Prefix(%#02x)", byte(p))
	}
}

// REX provides helper functionality
// for reading and writing a REX
// prefix byte.
type REX byte

// Intel x86 manuals, Volume 2A,
// Section 2.2.1.2, Table 2-4.
//
// 	| 7  6  5  4   3  2  1  0 |
// 	+-------------------------|
// 	| 0  1  0  0   W  R  X  B |

func (r REX) On() bool     { return (r>>4)&0b1111 == 0b0100 }
func (r REX) W() bool      { return (r>>3)&1 == 1 }
func (r REX) R() bool      { return (r>>2)&1 == 1 }
func (r REX) X() bool      { return (r>>1)&1 == 1 }
func (r REX) B() bool      { return r&1 == 1 }
func (r *REX) SetOn()      { *r |= 0b0100_0000 }
func (r *REX) SetW(b bool) { *r = *r&0b1111_0111 | REX(bit(b))<<3 }
func (r *REX) SetR(b bool) { *r = *r&0b1111_1011 | REX(bit(b))<<2 }
func (r *REX) SetX(b bool) { *r = *r&0b1111_1101 | REX(bit(b))<<1 }
func (r *REX) SetB(b bool) { *r = *r&0b1111_1110 | REX(bit(b))<<0 }

func (r REX) String() string {
	out := []byte("0100WRXB")
	for i, c := range []byte("WRXB") {
		if (r>>(3-i))&1 == 0 {
			out[4+i] = '0'
		} else {
			out[4+i] = c
		}
	}

	return string(out)
}

// VEX provides helper functionality
// for reading and writing a VEX
// prefix.
//
// VEX prefixes are always stored in
// the 3-byte form. The 2-byte form is
// produced on encoding when possible
// and expanded on decoding.
//
// The R, X, B, and vvvv fields are
// stored as they appear in machine
// code, which is inverted.
type VEX [2]byte

// Intel x86 manuals, Volume 2A,
// Section 2.3.5, Table 2-9.
//
// 3-byte form:
//
// 	| 7  6  5  4   3  2  1  0 |
// 	+-------------------------|
// 	| 1  1  0  0   0  1  0  0 | // 0xc4 prefix.
// 	| R  X  B  m   m  m  m  m | // P0.
// 	| W  v  v  v   v  L  p  p | // P1.
//
// 2-byte form:
//
// 	| 7  6  5  4   3  2  1  0 |
// 	+-------------------------|
// 	| 1  1  0  0   0  1  0  1 | // 0xc5 prefix.
// 	| R  v  v  v   v  L  p  p | // P0.

// VEXFrom2Byte expands the payload of a
// 2-byte VEX prefix.
func VEXFrom2Byte(p0 byte) VEX {
	var v VEX
	v[0] = p0&0b1000_0000 | 0b0110_0001
	v[1] = p0 & 0b0111_1111

	return v
}

// P0.
func (v VEX) R() bool      { return (v[0]>>7)&1 == 1 }
func (v VEX) X() bool      { return (v[0]>>6)&1 == 1 }
func (v VEX) B() bool      { return (v[0]>>5)&1 == 1 }
func (v VEX) M_MMMM() byte { return v[0] & 0b1_1111 }

// P1.
func (v VEX) W() bool    { return (v[1]>>7)&1 == 1 }
func (v VEX) VVVV() byte { return (v[1] >> 3) & 0b1111 }
func (v VEX) L() bool    { return (v[1]>>2)&1 == 1 }
func (v VEX) PP() byte   { return v[1] & 0b11 }

// P0.
func (v *VEX) SetR(b bool)      { v[0] = v[0]&0b0111_1111 | bit(b)<<7 }
func (v *VEX) SetX(b bool)      { v[0] = v[0]&0b1011_1111 | bit(b)<<6 }
func (v *VEX) SetB(b bool)      { v[0] = v[0]&0b1101_1111 | bit(b)<<5 }
func (v *VEX) SetM_MMMM(b byte) { v[0] = v[0]&0b1110_0000 | b&0b1_1111 }

// P1.
func (v *VEX) SetW(b bool)    { v[1] = v[1]&0b0111_1111 | bit(b)<<7 }
func (v *VEX) SetVVVV(b byte) { v[1] = v[1]&0b1000_0111 | (b&0b1111)<<3 }
func (v *VEX) SetL(b bool)    { v[1] = v[1]&0b1111_1011 | bit(b)<<2 }
func (v *VEX) SetPP(b byte)   { v[1] = v[1]&0b1111_1100 | b&0b11 }

// Default resets the VEX prefix to its
// default state, with the inverted
// fields all set.
func (v *VEX) Default() {
	*v = VEX{}
	v.SetR(true)
	v.SetX(true)
	v.SetB(true)
	v.SetVVVV(0b1111)
}

// Can2Byte returns whether the prefix
// can be expressed in the 2-byte form.
func (v VEX) Can2Byte() bool {
	return v.X() && v.B() && !v.W() && v.M_MMMM() == 0b0_0001
}

func (v VEX) Encode2Byte() (b1, b2 byte) {
	// The 2-byte form stores R where
	// the 3-byte form stores W.
	v.SetW(v.R())
	return 0xc5, v[1]
}

func (v VEX) Encode3Byte() (b1, b2, b3 byte) {
	return 0xc4, v[0], v[1]
}

func (v VEX) String() string {
	return fmt.Sprintf("{R: %b, X: %b, B: %b, m-mmmm: %05b, W: %b, vvvv: %04b, L: %b, pp: %02b}",
		bit(v.R()), bit(v.X()), bit(v.B()), v.M_MMMM(),
		bit(v.W()), v.VVVV(), bit(v.L()), v.PP())
}

// XOP provides helper functionality
// for reading and writing an AMD XOP
// prefix. It shares the layout of the
// 3-byte VEX prefix, but uses the 0x8f
// escape byte and opcode maps 8-10.
type XOP [2]byte

func (x XOP) vex() VEX { return VEX(x) }

func (x XOP) R() bool      { return x.vex().R() }
func (x XOP) X() bool      { return x.vex().X() }
func (x XOP) B() bool      { return x.vex().B() }
func (x XOP) M_MMMM() byte { return x.vex().M_MMMM() }
func (x XOP) W() bool      { return x.vex().W() }
func (x XOP) VVVV() byte   { return x.vex().VVVV() }
func (x XOP) L() bool      { return x.vex().L() }
func (x XOP) PP() byte     { return x.vex().PP() }

func (x *XOP) update(fn func(v *VEX)) {
	v := VEX(*x)
	fn(&v)
	*x = XOP(v)
}

func (x *XOP) SetR(b bool)      { x.update(func(v *VEX) { v.SetR(b) }) }
func (x *XOP) SetX(b bool)      { x.update(func(v *VEX) { v.SetX(b) }) }
func (x *XOP) SetB(b bool)      { x.update(func(v *VEX) { v.SetB(b) }) }
func (x *XOP) SetM_MMMM(b byte) { x.update(func(v *VEX) { v.SetM_MMMM(b) }) }
func (x *XOP) SetW(b bool)      { x.update(func(v *VEX) { v.SetW(b) }) }
func (x *XOP) SetVVVV(b byte)   { x.update(func(v *VEX) { v.SetVVVV(b) }) }
func (x *XOP) SetL(b bool)      { x.update(func(v *VEX) { v.SetL(b) }) }
func (x *XOP) SetPP(b byte)     { x.update(func(v *VEX) { v.SetPP(b) }) }

func (x *XOP) Default() { x.update(func(v *VEX) { v.Default() }) }

func (x XOP) Encode() (b1, b2, b3 byte) {
	return 0x8f, x[0], x[1]
}

func (x XOP) String() string {
	return x.vex().String()
}

// EVEX provides helper functionality
// for reading and writing an EVEX
// prefix.
type EVEX [3]byte

// Intel x86 manuals, Volume 2A,
// Section 2.6.1, Table 2-11.
//
// 	| 7  6  5  4   3  2  1  0 |
// 	+-------------------------|
// 	| 0  1  1  0   0  0  1  0 | // 0x62 prefix.
// 	| R  X  B  R'  0  m  m  m | // P0.
// 	| W  v  v  v   v  1  p  p | // P1.
// 	| z  L' L  b   V' a  a  a | // P2.

// P0.
func (p EVEX) R() bool   { return (p[0]>>7)&1 == 1 }
func (p EVEX) X() bool   { return (p[0]>>6)&1 == 1 }
func (p EVEX) B() bool   { return (p[0]>>5)&1 == 1 }
func (p EVEX) Rp() bool  { return (p[0]>>4)&1 == 1 }
func (p EVEX) MMM() byte { return p[0] & 0b111 }

// Reserved returns the P0 bit that
// must be zero.
func (p EVEX) Reserved() bool { return (p[0]>>3)&1 == 1 }

// P1.
func (p EVEX) W() bool    { return (p[1]>>7)&1 == 1 }
func (p EVEX) VVVV() byte { return (p[1] >> 3) & 0b1111 }
func (p EVEX) PP() byte   { return p[1] & 0b11 }

// P2.
func (p EVEX) Z() bool   { return (p[2]>>7)&1 == 1 }
func (p EVEX) LL() byte  { return (p[2] >> 5) & 0b11 }
func (p EVEX) Br() bool  { return (p[2]>>4)&1 == 1 }
func (p EVEX) Vp() bool  { return (p[2]>>3)&1 == 1 }
func (p EVEX) AAA() byte { return p[2] & 0b111 }

// P0.
func (p *EVEX) SetR(b bool)   { p[0] = p[0]&0b0111_1111 | bit(b)<<7 }
func (p *EVEX) SetX(b bool)   { p[0] = p[0]&0b1011_1111 | bit(b)<<6 }
func (p *EVEX) SetB(b bool)   { p[0] = p[0]&0b1101_1111 | bit(b)<<5 }
func (p *EVEX) SetRp(b bool)  { p[0] = p[0]&0b1110_1111 | bit(b)<<4 }
func (p *EVEX) SetMMM(b byte) { p[0] = p[0]&0b1111_1000 | b&0b111 }

// P1.
func (p *EVEX) SetW(b bool)    { p[1] = p[1]&0b0111_1111 | bit(b)<<7 }
func (p *EVEX) SetVVVV(b byte) { p[1] = p[1]&0b1000_0111 | (b&0b1111)<<3 }
func (p *EVEX) SetPP(b byte)   { p[1] = p[1]&0b1111_1100 | b&0b11 }

// P2.
func (p *EVEX) SetZ(b bool)   { p[2] = p[2]&0b0111_1111 | bit(b)<<7 }
func (p *EVEX) SetLL(b byte)  { p[2] = p[2]&0b1001_1111 | (b&0b11)<<5 }
func (p *EVEX) SetBr(b bool)  { p[2] = p[2]&0b1110_1111 | bit(b)<<4 }
func (p *EVEX) SetVp(b bool)  { p[2] = p[2]&0b1111_0111 | bit(b)<<3 }
func (p *EVEX) SetAAA(b byte) { p[2] = p[2]&0b1111_1000 | b&0b111 }

// On reports the fixed P1 bit, which
// distinguishes EVEX from MVEX.
func (p EVEX) On() bool { return (p[1]>>2)&1 == 1 }

// Default resets the EVEX prefix to its
// default state, with the inverted
// fields all set.
func (p *EVEX) Default() {
	*p = EVEX{}
	p.SetR(true)
	p.SetX(true)
	p.SetB(true)
	p.SetRp(true)
	p.SetVVVV(0b1111)
	p.SetVp(true)
	p[1] |= 0b100
}

func (p EVEX) Encode() (prefix, p0, p1, p2 byte) {
	return 0x62, p[0], p[1], p[2]
}

func (p EVEX) String() string {
	return fmt.Sprintf("{R: %b, X: %b, B: %b, R': %b, mmm: %03b // W: %b, vvvv: %04b, pp: %02b // z: %b, L'L: %02b, b: %b, V': %b, aaa: %03b}",
		bit(p.R()), bit(p.X()), bit(p.B()), bit(p.Rp()), p.MMM(),
		bit(p.W()), p.VVVV(), p.PP(),
		bit(p.Z()), p.LL(), bit(p.Br()), bit(p.Vp()), p.AAA())
}

// MVEX provides helper functionality
// for reading and writing the MVEX
// prefix used by Knights Corner.
type MVEX [3]byte

// Knights Corner Instruction Set
// Reference, Section 1.3.
//
// 	| 7  6  5  4   3  2  1  0 |
// 	+-------------------------|
// 	| 0  1  1  0   0  0  1  0 | // 0x62 prefix.
// 	| R  X  B  R'  m  m  m  m | // P0.
// 	| W  v  v  v   v  0  p  p | // P1.
// 	| E  S  S  S   V' k  k  k | // P2.

// P0.
func (p MVEX) R() bool    { return (p[0]>>7)&1 == 1 }
func (p MVEX) X() bool    { return (p[0]>>6)&1 == 1 }
func (p MVEX) B() bool    { return (p[0]>>5)&1 == 1 }
func (p MVEX) Rp() bool   { return (p[0]>>4)&1 == 1 }
func (p MVEX) MMMM() byte { return p[0] & 0b1111 }

// P1.
func (p MVEX) W() bool    { return (p[1]>>7)&1 == 1 }
func (p MVEX) VVVV() byte { return (p[1] >> 3) & 0b1111 }
func (p MVEX) PP() byte   { return p[1] & 0b11 }

// P2.
func (p MVEX) E() bool   { return (p[2]>>7)&1 == 1 }
func (p MVEX) SSS() byte { return (p[2] >> 4) & 0b111 }
func (p MVEX) Vp() bool  { return (p[2]>>3)&1 == 1 }
func (p MVEX) KKK() byte { return p[2] & 0b111 }

// P0.
func (p *MVEX) SetR(b bool)    { p[0] = p[0]&0b0111_1111 | bit(b)<<7 }
func (p *MVEX) SetX(b bool)    { p[0] = p[0]&0b1011_1111 | bit(b)<<6 }
func (p *MVEX) SetB(b bool)    { p[0] = p[0]&0b1101_1111 | bit(b)<<5 }
func (p *MVEX) SetRp(b bool)   { p[0] = p[0]&0b1110_1111 | bit(b)<<4 }
func (p *MVEX) SetMMMM(b byte) { p[0] = p[0]&0b1111_0000 | b&0b1111 }

// P1.
func (p *MVEX) SetW(b bool)    { p[1] = p[1]&0b0111_1111 | bit(b)<<7 }
func (p *MVEX) SetVVVV(b byte) { p[1] = p[1]&0b1000_0111 | (b&0b1111)<<3 }
func (p *MVEX) SetPP(b byte)   { p[1] = p[1]&0b1111_1100 | b&0b11 }

// P2.
func (p *MVEX) SetE(b bool)   { p[2] = p[2]&0b0111_1111 | bit(b)<<7 }
func (p *MVEX) SetSSS(b byte) { p[2] = p[2]&0b1000_1111 | (b&0b111)<<4 }
func (p *MVEX) SetVp(b bool)  { p[2] = p[2]&0b1111_0111 | bit(b)<<3 }
func (p *MVEX) SetKKK(b byte) { p[2] = p[2]&0b1111_1000 | b&0b111 }

// Default resets the MVEX prefix to its
// default state, with the inverted
// fields all set.
func (p *MVEX) Default() {
	*p = MVEX{}
	p.SetR(true)
	p.SetX(true)
	p.SetB(true)
	p.SetRp(true)
	p.SetVVVV(0b1111)
	p.SetVp(true)
}

func (p MVEX) Encode() (prefix, p0, p1, p2 byte) {
	return 0x62, p[0], p[1], p[2]
}

func (p MVEX) String() string {
	return fmt.Sprintf("{R: %b, X: %b, B: %b, R': %b, mmmm: %04b // W: %b, vvvv: %04b, pp: %02b // E: %b, SSS: %03b, V': %b, kkk: %03b}",
		bit(p.R()), bit(p.X()), bit(p.B()), bit(p.Rp()), p.MMMM(),
		bit(p.W()), p.VVVV(), p.PP(),
		bit(p.E()), p.SSS(), bit(p.Vp()), p.KKK())
}

// ModRM provides helper functionality
// for reading and writing a ModR/M
// byte.
type ModRM byte

const (
	ModRMmod00 ModRM = 0b00_000_000
	ModRMmod01 ModRM = 0b01_000_000
	ModRMmod10 ModRM = 0b10_000_000
	ModRMmod11 ModRM = 0b11_000_000

	// Section 2.1.5, table 2.2, Effective address column.
	ModRMrmSIB                = 0b100
	ModRMrmDisplacementOnly32 = 0b101
	ModRMrmDisplacementOnly16 = 0b110
)

func (m ModRM) Mod() byte      { return byte(m&0b11000000) >> 6 }
func (m ModRM) Reg() byte      { return byte(m&0b00111000) >> 3 }
func (m ModRM) RM() byte       { return byte(m & 0b00000111) }
func (m *ModRM) SetMod(b byte) { *m = *m&0b00111111 | (ModRM(b)&0b11)<<6 }
func (m *ModRM) SetReg(b byte) { *m = *m&0b11000111 | (ModRM(b)&0b111)<<3 }
func (m *ModRM) SetRM(b byte)  { *m = *m&0b11111000 | ModRM(b)&0b111 }

func (m ModRM) String() string {
	return fmt.Sprintf("{Mod: %02b, Reg: %03b, R/M: %03b}", m.Mod(), m.Reg(), m.RM())
}

// SIB provides helper functionality
// for reading and writing a SIB
// byte.
type SIB byte

const (
	// Section 2.1.5, table 2.3, Index column.
	SIBindexNone = 0b100

	// Section 2.1.5, table 2.3, Base row.
	SIBbaseStackPointer = 0b100
	SIBbaseNone         = 0b101
)

func (s SIB) Scale() byte      { return byte(s&0b11000000) >> 6 }
func (s SIB) Index() byte      { return byte(s&0b00111000) >> 3 }
func (s SIB) Base() byte       { return byte(s & 0b00000111) }
func (s *SIB) SetScale(b byte) { *s = *s&0b00111111 | (SIB(b)&0b11)<<6 }
func (s *SIB) SetIndex(b byte) { *s = *s&0b11000111 | (SIB(b)&0b111)<<3 }
func (s *SIB) SetBase(b byte)  { *s = *s&0b11111000 | SIB(b)&0b111 }

func (s SIB) String() string {
	return fmt.Sprintf("{Scale: %02b, Index: %03b, Base: %03b}", s.Scale(), s.Index(), s.Base())
}
