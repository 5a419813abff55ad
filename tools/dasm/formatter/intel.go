// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package formatter

import (
	"strconv"
	"strings"

	"firefly-os.dev/tools/dasm/x86"
)

// intelHooks returns the stages of the
// Intel and MASM styles.
func intelHooks() Hooks {
	return Hooks{
		PreInstruction:    noop,
		PostInstruction:   noop,
		PreOperand:        noop,
		PostOperand:       noop,
		FormatInstruction: formatInstruction,
		FormatOperandReg:  intelFormatOperandReg,
		FormatOperandMem:  intelFormatOperandMem,
		FormatOperandPtr:  intelFormatOperandPtr,
		FormatOperandImm:  formatOperandImm,
		PrintMnemonic:     intelPrintMnemonic,
		PrintRegister:     intelPrintRegister,
		PrintAddressAbs:   printAddressAbs,
		PrintAddressRel:   printAddressRel,
		PrintDisp:         intelPrintDisp,
		PrintImm:          intelPrintImm,
		PrintTypecast:     intelPrintTypecast,
		PrintSegment:      printSegment,
		PrintPrefixes:     printPrefixes,
		PrintDecorator:    printDecorator,
	}
}

func intelPrintMnemonic(f *Formatter, buf *Buffer, ctx *Context) error {
	name := strings.ToLower(ctx.Instruction.Mnemonic)
	if f.props.printBranchSize {
		if size := branchSize(ctx); size != "" {
			name += " " + size
		}
	}

	return buf.Append(TokenMnemonic, upper(name, f.props.upperMnemonic))
}

func intelPrintRegister(f *Formatter, buf *Buffer, ctx *Context, reg *x86.Register) error {
	return buf.Append(TokenRegister, upper(reg.Name, f.props.upperRegisters))
}

func intelFormatOperandReg(f *Formatter, buf *Buffer, ctx *Context) error {
	return f.hooks.PrintRegister(f, buf, ctx, ctx.Operand.Register)
}

func intelFormatOperandMem(f *Formatter, buf *Buffer, ctx *Context) error {
	mem := &ctx.Operand.Mem
	if mem.Type == x86.MemoryMem || mem.Type == x86.MemoryVSIB {
		if err := f.hooks.PrintTypecast(f, buf, ctx); err != nil {
			return err
		}
	}

	if err := f.hooks.PrintSegment(f, buf, ctx); err != nil {
		return err
	}

	if err := buf.Append(TokenParenthesisOpen, "["); err != nil {
		return err
	}

	if f.absoluteMemory(ctx) {
		if err := f.hooks.PrintAddressAbs(f, buf, ctx); err != nil {
			return err
		}

		return buf.Append(TokenParenthesisClose, "]")
	}

	if mem.Base != nil {
		if err := f.hooks.PrintRegister(f, buf, ctx, mem.Base); err != nil {
			return err
		}
	}

	if mem.Index != nil {
		if mem.Base != nil {
			if err := buf.Append(TokenDelimiter, "+"); err != nil {
				return err
			}
		}

		if err := f.hooks.PrintRegister(f, buf, ctx, mem.Index); err != nil {
			return err
		}

		if mem.Scale > 1 || (mem.Scale == 1 && f.props.forceScaleOne) {
			if err := buf.Append(TokenDelimiter, "*"); err != nil {
				return err
			}

			if err := buf.Append(TokenImmediate, strconv.Itoa(int(mem.Scale))); err != nil {
				return err
			}
		}
	}

	if mem.Disp.Has && mem.Disp.Value != 0 {
		if err := f.hooks.PrintDisp(f, buf, ctx); err != nil {
			return err
		}
	}

	return buf.Append(TokenParenthesisClose, "]")
}

func intelFormatOperandPtr(f *Formatter, buf *Buffer, ctx *Context) error {
	ptr := &ctx.Operand.Ptr
	seg := f.props.number(uint64(ptr.Segment), f.props.immBase, f.props.immPad, 16)
	off := f.props.number(uint64(ptr.Offset), f.props.immBase, f.props.immPad, ctx.Instruction.OperandWidth)
	if err := buf.Append(TokenImmediate, seg); err != nil {
		return err
	}

	if err := buf.Append(TokenDelimiter, ":"); err != nil {
		return err
	}

	return buf.Append(TokenImmediate, off)
}

func intelPrintDisp(f *Formatter, buf *Buffer, ctx *Context) error {
	sign, text := f.displacement(ctx)
	if err := buf.Append(TokenDelimiter, sign); err != nil {
		return err
	}

	return buf.Append(TokenDisplacement, text)
}

func intelPrintImm(f *Formatter, buf *Buffer, ctx *Context) error {
	return buf.Append(TokenImmediate, f.immediate(ctx))
}

var typecasts = map[int]string{
	8:   "byte",
	16:  "word",
	32:  "dword",
	48:  "fword",
	64:  "qword",
	80:  "tbyte",
	128: "xmmword",
	256: "ymmword",
	512: "zmmword",
}

func intelPrintTypecast(f *Formatter, buf *Buffer, ctx *Context) error {
	name, ok := typecasts[explicitSize(f, ctx)]
	if !ok {
		return nil
	}

	if err := buf.Append(TokenTypecast, upper(name+" ptr", f.props.upperTypecasts)); err != nil {
		return err
	}

	return buf.Append(TokenWhitespace, " ")
}

// explicitSize returns the size of a memory
// operand if it cannot be inferred from
// the other operands, or zero.
func explicitSize(f *Formatter, ctx *Context) int {
	op := ctx.Operand
	if f.props.forceSize {
		return op.Size
	}

	ops := ctx.Operands
	i := ctx.OperandIndex
	switch i {
	case 0:
		if len(ops) < 2 || ops[1].Type == x86.OperandImmediate {
			return op.Size
		}

		if ops[1].Size != op.Size {
			return op.Size
		}

		if ops[1].Type == x86.OperandRegister && ops[1].Register == x86.CL {
			return op.Size
		}
	default:
		if ops[i-1].Size != op.Size {
			return op.Size
		}
	}

	return 0
}
