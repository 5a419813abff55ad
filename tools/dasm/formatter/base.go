// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package formatter

import (
	"fmt"

	"firefly-os.dev/tools/dasm/status"
	"firefly-os.dev/tools/dasm/x86"
)

// Stages shared by every style.

func formatOperandImm(f *Formatter, buf *Buffer, ctx *Context) error {
	if !ctx.Operand.Imm.Relative {
		return f.hooks.PrintImm(f, buf, ctx)
	}

	if ctx.RuntimeAddress == NoRuntimeAddress || f.props.forceRelBranches {
		return f.hooks.PrintAddressRel(f, buf, ctx)
	}

	return f.hooks.PrintAddressAbs(f, buf, ctx)
}

// absoluteMemory returns whether the memory
// operand is printed as an address.
func (f *Formatter) absoluteMemory(ctx *Context) bool {
	mem := &ctx.Operand.Mem
	switch mem.Base {
	case nil:
		return mem.Index == nil
	case x86.RIP, x86.EIP:
		return ctx.RuntimeAddress != NoRuntimeAddress && !f.props.forceRelRIP
	}

	return false
}

func printAddressAbs(f *Formatter, buf *Buffer, ctx *Context) error {
	inst := ctx.Instruction
	runtime := ctx.RuntimeAddress
	if runtime == NoRuntimeAddress {
		runtime = 0
	}

	addr, err := inst.CalcAbsoluteAddress(ctx.Operand, runtime)
	if err != nil {
		return err
	}

	text := f.props.number(addr, f.props.addrBase, f.props.addrPadAbs, inst.AddressWidth)

	return buf.Append(TokenAddressAbs, text)
}

func printAddressRel(f *Formatter, buf *Buffer, ctx *Context) error {
	inst := ctx.Instruction
	op := ctx.Operand
	if op.Type != x86.OperandImmediate || !op.Imm.Relative {
		return fmt.Errorf("%w: operand %d is not a relative address", status.InvalidOperation, ctx.OperandIndex)
	}

	offset := op.Imm.Value + uint64(inst.Length)
	signed := f.props.addrSigned != SignednessUnsigned
	neg, text := f.props.value(offset, inst.AddressWidth, signed, f.props.addrBase, f.props.addrPadRel)
	sign := "+"
	if neg {
		sign = "-"
	}

	text = sign + text
	if f.style == IntelMASM {
		text = "$" + text
	}

	return buf.Append(TokenAddressRel, text)
}

// immediateWidth returns the width at which
// an immediate is printed. Sign-extended
// immediates take the operand size.
func immediateWidth(ctx *Context) int {
	op := ctx.Operand
	bits := op.Size
	if op.Imm.Signed && ctx.Instruction.OperandWidth > bits {
		bits = ctx.Instruction.OperandWidth
	}

	if bits == 0 {
		bits = 64
	}

	return bits
}

// immediate formats the current immediate
// operand.
func (f *Formatter) immediate(ctx *Context) string {
	op := ctx.Operand
	signed := f.props.immSigned == SignednessSigned ||
		(f.props.immSigned == SignednessAuto && op.Imm.Signed)
	neg, text := f.props.value(op.Imm.Value, immediateWidth(ctx), signed, f.props.immBase, f.props.immPad)
	if neg {
		return "-" + text
	}

	return text
}

// displacement formats the current memory
// operand's displacement, returning its
// sign separately.
func (f *Formatter) displacement(ctx *Context) (sign, text string) {
	bits := ctx.Instruction.AddressWidth
	if base := ctx.Operand.Mem.Base; base != nil && base.Type == x86.TypeInstructionPointer {
		bits = base.Bits
	}

	signed := f.props.dispSigned != SignednessUnsigned
	neg, text := f.props.value(uint64(ctx.Operand.Mem.Disp.Value), bits, signed, f.props.dispBase, f.props.dispPad)
	if neg {
		return "-", text
	}

	return "+", text
}

func printSegment(f *Formatter, buf *Buffer, ctx *Context) error {
	mem := &ctx.Operand.Mem
	if mem.Segment == nil || mem.Type == x86.MemoryAGEN {
		return nil
	}

	explicit := x86.AttributeSegment(ctx.Instruction.Attributes) == mem.Segment
	if !explicit && !f.props.forceSegment {
		return nil
	}

	if err := f.hooks.PrintRegister(f, buf, ctx, mem.Segment); err != nil {
		return err
	}

	return buf.Append(TokenDelimiter, ":")
}

// usesSegment returns whether a memory
// operand uses the segment register.
func usesSegment(ctx *Context, seg *x86.Register) bool {
	for i := range ctx.Operands {
		op := &ctx.Operands[i]
		if op.Type == x86.OperandMemory && op.Mem.Segment == seg {
			return true
		}
	}

	return false
}

func hasMemory(ctx *Context) bool {
	for i := range ctx.Operands {
		if ctx.Operands[i].Type == x86.OperandMemory {
			return true
		}
	}

	return false
}

func printPrefixes(f *Formatter, buf *Buffer, ctx *Context) error {
	attrs := ctx.Instruction.Attributes
	var names []string
	if attrs&x86.HasLock != 0 {
		names = append(names, "lock")
	}

	switch {
	case attrs&x86.HasRep != 0:
		names = append(names, "rep")
	case attrs&x86.HasRepE != 0:
		names = append(names, "repe")
	case attrs&x86.HasRepNE != 0:
		names = append(names, "repne")
	}

	if attrs&x86.HasBND != 0 {
		names = append(names, "bnd")
	}

	if attrs&x86.HasNoTrack != 0 {
		names = append(names, "notrack")
	}

	if f.props.detailedPrefixes {
		switch {
		case attrs&x86.HasBranchTaken != 0:
			names = append(names, "pt")
		case attrs&x86.HasBranchNotTaken != 0:
			names = append(names, "pn")
		}

		if seg := x86.AttributeSegment(attrs); seg != nil && !usesSegment(ctx, seg) {
			names = append(names, seg.Name)
		}

		if attrs&x86.HasAddressSize != 0 && !hasMemory(ctx) {
			name := "addr32"
			if ctx.Instruction.AddressWidth == 16 {
				name = "addr16"
			}

			names = append(names, name)
		}
	}

	for _, name := range names {
		if err := buf.Append(TokenPrefix, upper(name, f.props.upperPrefixes)); err != nil {
			return err
		}

		if err := buf.Append(TokenWhitespace, " "); err != nil {
			return err
		}
	}

	return nil
}

// branchSize returns the size keyword for a
// branch, or the empty string.
func branchSize(ctx *Context) string {
	if ctx.Instruction.Form.Far {
		return "far"
	}

	for _, op := range ctx.Operands {
		if op.Type == x86.OperandImmediate && op.Imm.Relative {
			if op.Size == 8 {
				return "short"
			}

			return "near"
		}
	}

	return ""
}

// isIndirectBranch returns whether the
// current operand is the target of a
// jump or call.
func isIndirectBranch(ctx *Context) bool {
	switch ctx.Instruction.Mnemonic {
	case "JMP", "CALL":
		return ctx.Operand.Visibility == x86.VisibilityExplicit
	}

	return false
}

func printDecorator(f *Formatter, buf *Buffer, ctx *Context, d Decorator) error {
	avx := &ctx.Instruction.AVX
	if f.style != ATT {
		if err := buf.Append(TokenWhitespace, " "); err != nil {
			return err
		}
	}

	var text string
	switch d {
	case DecoratorMask:
		if err := buf.Append(TokenParenthesisOpen, "{"); err != nil {
			return err
		}

		if err := f.hooks.PrintRegister(f, buf, ctx, avx.Mask.Register); err != nil {
			return err
		}

		if err := buf.Append(TokenParenthesisClose, "}"); err != nil {
			return err
		}

		switch avx.Mask.Mode {
		case x86.MaskZeroing, x86.MaskControlZeroing:
		default:
			return nil
		}

		text = "z"
	case DecoratorBroadcast:
		text = avx.Broadcast.String()
	case DecoratorRoundingControl:
		text = avx.Rounding.String()
		if avx.SAE || ctx.Instruction.Family == x86.FamilyEVEX {
			text += "-sae"
		}
	case DecoratorSAE:
		text = "sae"
	case DecoratorSwizzle:
		text = avx.Swizzle.String()
	case DecoratorConversion:
		text = avx.Conversion.String()
	case DecoratorEvictionHint:
		text = "eh"
	default:
		return fmt.Errorf("%w: unknown decorator %v", status.InvalidArgument, d)
	}

	if err := buf.Append(TokenParenthesisOpen, "{"); err != nil {
		return err
	}

	if err := buf.Append(TokenDecorator, upper(text, f.props.upperDecorators)); err != nil {
		return err
	}

	return buf.Append(TokenParenthesisClose, "}")
}
