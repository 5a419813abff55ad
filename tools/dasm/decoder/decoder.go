// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package decoder turns x86 machine code into structured
// instructions, using the instruction forms in the x86
// package.
//
// A Decoder is configured with a machine mode and stack
// width, plus a set of decoder modes that enable optional
// or vendor-specific behaviour. Once its modes have been
// set, a Decoder can be used from multiple goroutines.
//
// Decoding proceeds in the same order as the bytes of an
// instruction: legacy and REX prefixes, any escape prefix
// (VEX, EVEX, MVEX, or XOP), the opcode, the ModR/M and
// SIB bytes, the displacement, and the immediates. The
// opcode selects a list of candidate forms, which are
// filtered by the remaining fields.
package decoder

import (
	"fmt"

	"firefly-os.dev/tools/dasm/status"
	"firefly-os.dev/tools/dasm/x86"
)

// DecoderMode is an optional decoding
// behaviour.
type DecoderMode uint8

const (
	ModeMinimal     DecoderMode = iota // Skip operands, flags, and AVX details.
	ModeAMDBranches                    // Follow AMD's handling of the 66 prefix on near branches.
	ModeKNC                            // Decode Knights Corner MVEX instructions.
	ModeMPX                            // Treat F2 on branches as the BND prefix.
	ModeCET                            // Decode CET instructions and the NOTRACK prefix.
	ModeLZCNT                          // Decode F3 0F BD as LZCNT, rather than BSR.
	ModeTZCNT                          // Decode F3 0F BC as TZCNT, rather than BSF.
	ModeWBNOINVD                       // Decode F3 0F 09 as WBNOINVD, rather than WBINVD.
	ModeCLDEMOTE                       // Decode NP 0F 1C /0 as CLDEMOTE, rather than NOP.

	NumDecoderModes
)

var decoderModeNames = [NumDecoderModes]string{
	"minimal",
	"amd_branches",
	"knc",
	"mpx",
	"cet",
	"lzcnt",
	"tzcnt",
	"wbnoinvd",
	"cldemote",
}

func (m DecoderMode) String() string {
	if m < NumDecoderModes {
		return decoderModeNames[m]
	}

	return fmt.Sprintf("DecoderMode(%d)", m)
}

// ParseDecoderMode returns the decoder
// mode with the given name.
func ParseDecoderMode(s string) (DecoderMode, bool) {
	for i, name := range decoderModeNames {
		if name == s {
			return DecoderMode(i), true
		}
	}

	return 0, false
}

// defaultModes are enabled in a new
// decoder.
var defaultModes = []DecoderMode{
	ModeMPX,
	ModeCET,
	ModeLZCNT,
	ModeTZCNT,
	ModeCLDEMOTE,
}

// Decoder decodes machine code for one
// machine mode.
type Decoder struct {
	table      *x86.Table
	mode       x86.MachineMode
	stackWidth x86.StackWidth
	modes      uint16 // Bit n is set if DecoderMode n is enabled.
}

// New returns a decoder for the given
// machine mode and stack width. The
// stack width must be 64 in 64-bit mode
// and 16 or 32 otherwise.
func New(mode x86.MachineMode, stackWidth x86.StackWidth) (*Decoder, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: invalid machine mode %v", status.InvalidArgument, mode)
	}

	if mode == x86.Long64 {
		if stackWidth != x86.Stack64 {
			return nil, fmt.Errorf("%w: machine mode %v requires a 64-bit stack width, got %d", status.InvalidArgument, mode, stackWidth)
		}
	} else if stackWidth != x86.Stack16 && stackWidth != x86.Stack32 {
		return nil, fmt.Errorf("%w: machine mode %v requires a 16-bit or 32-bit stack width, got %d", status.InvalidArgument, mode, stackWidth)
	}

	d := &Decoder{
		table:      x86.Default(),
		mode:       mode,
		stackWidth: stackWidth,
	}

	for _, m := range defaultModes {
		d.modes |= 1 << m
	}

	return d, nil
}

// MachineMode returns the machine mode
// d decodes.
func (d *Decoder) MachineMode() x86.MachineMode { return d.mode }

// StackWidth returns the stack width d
// uses for hidden stack operands.
func (d *Decoder) StackWidth() x86.StackWidth { return d.stackWidth }

// EnableMode enables or disables a
// decoder mode.
func (d *Decoder) EnableMode(mode DecoderMode, enabled bool) error {
	if mode >= NumDecoderModes {
		return fmt.Errorf("%w: invalid decoder mode %d", status.InvalidArgument, mode)
	}

	if enabled {
		d.modes |= 1 << mode
	} else {
		d.modes &^= 1 << mode
	}

	return nil
}

// ModeEnabled returns whether a decoder
// mode is enabled.
func (d *Decoder) ModeEnabled(mode DecoderMode) bool {
	return mode < NumDecoderModes && d.modes&(1<<mode) != 0
}

// gateOpen returns whether the decoder
// mode named by a form's gate is enabled.
func (d *Decoder) gateOpen(gate string) bool {
	mode, ok := ParseDecoderMode(gate)
	return ok && d.ModeEnabled(mode)
}

// Decode decodes the instruction at the
// start of code. Bytes after the first
// instruction are ignored.
func (d *Decoder) Decode(code []byte) (*Instruction, error) {
	inst := new(Instruction)
	s := newState(d, inst, code)
	err := s.decode()
	if err != nil {
		return nil, err
	}

	return inst, nil
}

// decode runs each step of decoding.
func (s *state) decode() error {
	err := s.scanPrefixes()
	if err != nil {
		return err
	}

	err = s.scanEscape()
	if err != nil {
		return err
	}

	err = s.readOpcode()
	if err != nil {
		return err
	}

	forms := s.d.table.Lookup(s.fields.Family, s.fields.Map, s.fields.Opcode)
	if len(forms) == 0 {
		return fmt.Errorf("%w: no instruction has %s opcode %s %02x", status.DecodingError, s.fields.Family, s.fields.Map, s.fields.Opcode)
	}

	if forms[0].Encoding.ModRM {
		err = s.readModRM()
		if err != nil {
			return err
		}
	}

	err = s.selectForm(forms)
	if err != nil {
		return err
	}

	err = s.readAddress()
	if err != nil {
		return err
	}

	err = s.readImmediates()
	if err != nil {
		return err
	}

	err = s.checkEscape()
	if err != nil {
		return err
	}

	s.finish()
	if s.d.ModeEnabled(ModeMinimal) {
		return nil
	}

	s.resolveAVX()
	err = s.resolveOperands()
	if err != nil {
		return err
	}

	s.inst.Raw.Unused = s.unusedBits()
	s.inst.Flags = s.form.Semantics.FlagActions()

	return nil
}
