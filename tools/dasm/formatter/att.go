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

// attHooks returns the stages of the AT&T
// style. Operands are printed in reverse
// order and sizes are given by the
// mnemonic, so there are no typecasts.
func attHooks() Hooks {
	return Hooks{
		PreInstruction:    noop,
		PostInstruction:   noop,
		PreOperand:        noop,
		PostOperand:       noop,
		FormatInstruction: formatInstruction,
		FormatOperandReg:  attFormatOperandReg,
		FormatOperandMem:  attFormatOperandMem,
		FormatOperandPtr:  attFormatOperandPtr,
		FormatOperandImm:  formatOperandImm,
		PrintMnemonic:     attPrintMnemonic,
		PrintRegister:     attPrintRegister,
		PrintAddressAbs:   printAddressAbs,
		PrintAddressRel:   printAddressRel,
		PrintDisp:         attPrintDisp,
		PrintImm:          attPrintImm,
		PrintTypecast:     noop,
		PrintSegment:      printSegment,
		PrintPrefixes:     printPrefixes,
		PrintDecorator:    printDecorator,
	}
}

func attPrintMnemonic(f *Formatter, buf *Buffer, ctx *Context) error {
	name := ctx.Instruction.Form.GNU
	if name == "" {
		name = strings.ToLower(ctx.Instruction.Mnemonic)
	}

	if f.props.printBranchSize {
		if size := branchSize(ctx); size != "" {
			name += " " + size
		}
	}

	return buf.Append(TokenMnemonic, upper(name, f.props.upperMnemonic))
}

func attPrintRegister(f *Formatter, buf *Buffer, ctx *Context, reg *x86.Register) error {
	return buf.Append(TokenRegister, "%"+upper(reg.Name, f.props.upperRegisters))
}

func attFormatOperandReg(f *Formatter, buf *Buffer, ctx *Context) error {
	if isIndirectBranch(ctx) {
		if err := buf.Append(TokenDelimiter, "*"); err != nil {
			return err
		}
	}

	return f.hooks.PrintRegister(f, buf, ctx, ctx.Operand.Register)
}

func attFormatOperandMem(f *Formatter, buf *Buffer, ctx *Context) error {
	mem := &ctx.Operand.Mem
	if isIndirectBranch(ctx) {
		if err := buf.Append(TokenDelimiter, "*"); err != nil {
			return err
		}
	}

	if err := f.hooks.PrintSegment(f, buf, ctx); err != nil {
		return err
	}

	if f.absoluteMemory(ctx) {
		return f.hooks.PrintAddressAbs(f, buf, ctx)
	}

	if mem.Disp.Has && mem.Disp.Value != 0 {
		if err := f.hooks.PrintDisp(f, buf, ctx); err != nil {
			return err
		}
	}

	if err := buf.Append(TokenParenthesisOpen, "("); err != nil {
		return err
	}

	if mem.Base != nil {
		if err := f.hooks.PrintRegister(f, buf, ctx, mem.Base); err != nil {
			return err
		}
	}

	if mem.Index != nil {
		if err := buf.Append(TokenDelimiter, ","); err != nil {
			return err
		}

		if err := f.hooks.PrintRegister(f, buf, ctx, mem.Index); err != nil {
			return err
		}

		if err := buf.Append(TokenDelimiter, ","); err != nil {
			return err
		}

		if err := buf.Append(TokenImmediate, strconv.Itoa(int(max(mem.Scale, 1)))); err != nil {
			return err
		}
	}

	return buf.Append(TokenParenthesisClose, ")")
}

func attFormatOperandPtr(f *Formatter, buf *Buffer, ctx *Context) error {
	ptr := &ctx.Operand.Ptr
	seg := f.props.number(uint64(ptr.Segment), f.props.immBase, f.props.immPad, 16)
	off := f.props.number(uint64(ptr.Offset), f.props.immBase, f.props.immPad, ctx.Instruction.OperandWidth)
	if err := buf.Append(TokenImmediate, "$"+seg); err != nil {
		return err
	}

	if err := buf.Append(TokenDelimiter, ", "); err != nil {
		return err
	}

	return buf.Append(TokenImmediate, "$"+off)
}

func attPrintDisp(f *Formatter, buf *Buffer, ctx *Context) error {
	sign, text := f.displacement(ctx)
	if sign == "-" {
		text = sign + text
	}

	return buf.Append(TokenDisplacement, text)
}

func attPrintImm(f *Formatter, buf *Buffer, ctx *Context) error {
	return buf.Append(TokenImmediate, "$"+f.immediate(ctx))
}
