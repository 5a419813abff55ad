// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package encoder

import (
	"fmt"

	"firefly-os.dev/tools/dasm/decoder"
	"firefly-os.dev/tools/dasm/status"
	"firefly-os.dev/tools/dasm/x86"
)

// requestPrefixes are the attributes that
// a request can carry.
const requestPrefixes = x86.HasLock |
	x86.HasRep |
	x86.HasRepE |
	x86.HasRepNE |
	x86.HasBND |
	x86.HasBranchNotTaken |
	x86.HasBranchTaken |
	x86.HasNoTrack |
	x86.HasSegment |
	x86.HasOperandSize |
	x86.HasAddressSize

// FromDecoded returns a request that
// encodes to the same machine code as
// the decoded instruction. The operands
// can be changed before the request is
// encoded.
//
// The instruction must have been decoded
// with its operands, so not in minimal
// mode.
func FromDecoded(inst *decoder.Instruction) (*Request, error) {
	if inst == nil || inst.Form == nil {
		return nil, fmt.Errorf("%w: no instruction", status.InvalidArgument)
	}

	ops := inst.VisibleOperands()
	if len(ops) != len(inst.Form.Params) {
		return nil, fmt.Errorf("%w: %s was decoded without operands", status.InvalidArgument, inst.Form.UID)
	}

	if len(ops) > MaxOperands {
		return nil, fmt.Errorf("%w: %s has %d operands", status.InvalidArgument, inst.Form.UID, len(ops))
	}

	req := &Request{
		MachineMode: inst.MachineMode,
		Mnemonic:    inst.Mnemonic,
		Prefixes:    inst.Attributes & requestPrefixes,
	}

	switch inst.AddressWidth {
	case 16:
		req.AddressSize = x86.SizeHint16
	case 32:
		req.AddressSize = x86.SizeHint32
	case 64:
		req.AddressSize = x86.SizeHint64
	}

	for _, op := range ops {
		req.Add(fromOperand(&op))
	}

	avx := &inst.AVX
	switch avx.Mask.Mode {
	case x86.MaskMerging, x86.MaskZeroing:
		req.Mask = avx.Mask.Register
		req.Zeroing = avx.Mask.Mode == x86.MaskZeroing
	}

	switch inst.Family {
	case x86.FamilyEVEX:
		req.EVEX = EVEXFeatures{
			Broadcast: avx.Broadcast,
			Rounding:  avx.Rounding,
			SAE:       avx.SAE,
		}
	case x86.FamilyMVEX:
		req.MVEX = MVEXFeatures{
			Broadcast:    avx.Broadcast,
			Conversion:   avx.Conversion,
			Rounding:     avx.Rounding,
			Swizzle:      avx.Swizzle,
			SAE:          avx.SAE,
			EvictionHint: avx.EvictionHint,
		}
	}

	req.Hints = hintsFor(inst)

	return req, nil
}

func fromOperand(op *decoder.Operand) Operand {
	switch op.Type {
	case x86.OperandRegister:
		return Reg(op.Register)
	case x86.OperandMemory:
		return Mem(Memory{
			Segment: op.Mem.Segment,
			Base:    op.Mem.Base,
			Index:   op.Mem.Index,
			Scale:   op.Mem.Scale,
			Disp:    op.Mem.Disp.Value,
			Size:    op.Size / 8,
		})
	case x86.OperandPointer:
		return Ptr(op.Ptr.Segment, op.Ptr.Offset)
	case x86.OperandImmediate:
		return Imm(op.Imm.Value)
	}

	return Operand{}
}

// hintsFor records the encoding choices
// in the instruction's machine code.
func hintsFor(inst *decoder.Instruction) Hints {
	raw := &inst.Raw
	h := Hints{UID: inst.Form.UID}
	for _, p := range raw.Prefixes() {
		h.Prefixes = append(h.Prefixes, p.Value)
	}

	if raw.Escape == nil {
		if raw.REX.Value != 0 {
			h.REX = raw.REX.Value & (0xf0 | raw.Unused)
		}
	} else {
		h.Unused = raw.Unused
	}

	switch esc := raw.Escape.(type) {
	case *decoder.RawVEX:
		h.VEX3 = !esc.TwoByte
		h.L = bit(esc.VEX.L())
	case *decoder.RawXOP:
		h.L = bit(esc.XOP.L())
	case *decoder.RawEVEX:
		h.L = esc.EVEX.LL()
	}

	if raw.ModRM.Present && raw.ModRM.Value.Mod() != 0b11 {
		h.DispSize = raw.Disp.Size
	}

	if raw.SIB.Present {
		h.SIB = true
		if raw.SIB.Value.Index() == x86.SIBindexNone {
			h.SIBScale = raw.SIB.Value.Scale()
		}
	}

	return h
}

func bit(b bool) byte {
	if b {
		return 1
	}

	return 0
}
