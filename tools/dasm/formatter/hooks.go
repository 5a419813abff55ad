// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package formatter

import (
	"fmt"

	"firefly-os.dev/tools/dasm/decoder"
	"firefly-os.dev/tools/dasm/status"
	"firefly-os.dev/tools/dasm/x86"
)

// Context describes the instruction being
// formatted to each stage of the pipeline.
type Context struct {
	Instruction *decoder.Instruction
	Operands    []decoder.Operand // The visible operands.

	// Operand is the operand being formatted,
	// or nil outside the operand stages.
	Operand      *decoder.Operand
	OperandIndex int

	// RuntimeAddress is the address of the
	// instruction, or NoRuntimeAddress.
	RuntimeAddress uint64

	// UserData is the value passed to the
	// formatting call.
	UserData any
}

// Func is a pipeline stage.
type Func func(f *Formatter, buf *Buffer, ctx *Context) error

// RegisterFunc prints a register.
type RegisterFunc func(f *Formatter, buf *Buffer, ctx *Context, reg *x86.Register) error

// DecoratorFunc prints an AVX decorator.
type DecoratorFunc func(f *Formatter, buf *Buffer, ctx *Context, d Decorator) error

// Decorator is an AVX-512 or KNC operand
// decoration.
type Decorator uint8

const (
	DecoratorInvalid Decorator = iota
	DecoratorMask
	DecoratorBroadcast
	DecoratorRoundingControl
	DecoratorSAE
	DecoratorSwizzle
	DecoratorConversion
	DecoratorEvictionHint
)

var decoratorNames = [...]string{
	DecoratorInvalid:         "invalid",
	DecoratorMask:            "mask",
	DecoratorBroadcast:       "broadcast",
	DecoratorRoundingControl: "rounding control",
	DecoratorSAE:             "sae",
	DecoratorSwizzle:         "swizzle",
	DecoratorConversion:      "conversion",
	DecoratorEvictionHint:    "eviction hint",
}

func (d Decorator) String() string {
	if int(d) < len(decoratorNames) {
		return decoratorNames[d]
	}

	return fmt.Sprintf("Decorator(%d)", d)
}

// Hook identifies a pipeline stage.
type Hook uint8

const (
	PreInstruction Hook = iota
	PostInstruction
	PreOperand
	PostOperand
	FormatInstruction
	FormatOperandReg
	FormatOperandMem
	FormatOperandPtr
	FormatOperandImm
	PrintMnemonic
	PrintRegister
	PrintAddressAbs
	PrintAddressRel
	PrintDisp
	PrintImm
	PrintTypecast
	PrintSegment
	PrintPrefixes
	PrintDecorator
)

var hookNames = [...]string{
	PreInstruction:    "pre-instruction",
	PostInstruction:   "post-instruction",
	PreOperand:        "pre-operand",
	PostOperand:       "post-operand",
	FormatInstruction: "format-instruction",
	FormatOperandReg:  "format-operand-reg",
	FormatOperandMem:  "format-operand-mem",
	FormatOperandPtr:  "format-operand-ptr",
	FormatOperandImm:  "format-operand-imm",
	PrintMnemonic:     "print-mnemonic",
	PrintRegister:     "print-register",
	PrintAddressAbs:   "print-address-abs",
	PrintAddressRel:   "print-address-rel",
	PrintDisp:         "print-disp",
	PrintImm:          "print-imm",
	PrintTypecast:     "print-typecast",
	PrintSegment:      "print-segment",
	PrintPrefixes:     "print-prefixes",
	PrintDecorator:    "print-decorator",
}

func (h Hook) String() string {
	if int(h) < len(hookNames) {
		return hookNames[h]
	}

	return fmt.Sprintf("Hook(%d)", h)
}

// Hooks holds the function for each stage
// of the pipeline. Nil fields keep the
// style's default.
//
// PreInstruction, PostInstruction,
// PreOperand, and PostOperand do nothing
// by default.
type Hooks struct {
	PreInstruction    Func
	PostInstruction   Func
	PreOperand        Func
	PostOperand       Func
	FormatInstruction Func
	FormatOperandReg  Func
	FormatOperandMem  Func
	FormatOperandPtr  Func
	FormatOperandImm  Func
	PrintMnemonic     Func
	PrintRegister     RegisterFunc
	PrintAddressAbs   Func
	PrintAddressRel   Func
	PrintDisp         Func
	PrintImm          Func
	PrintTypecast     Func
	PrintSegment      Func
	PrintPrefixes     Func
	PrintDecorator    DecoratorFunc
}

// slot returns the field for a hook with
// the Func signature.
func (h *Hooks) slot(hook Hook) (*Func, error) {
	switch hook {
	case PreInstruction:
		return &h.PreInstruction, nil
	case PostInstruction:
		return &h.PostInstruction, nil
	case PreOperand:
		return &h.PreOperand, nil
	case PostOperand:
		return &h.PostOperand, nil
	case FormatInstruction:
		return &h.FormatInstruction, nil
	case FormatOperandReg:
		return &h.FormatOperandReg, nil
	case FormatOperandMem:
		return &h.FormatOperandMem, nil
	case FormatOperandPtr:
		return &h.FormatOperandPtr, nil
	case FormatOperandImm:
		return &h.FormatOperandImm, nil
	case PrintMnemonic:
		return &h.PrintMnemonic, nil
	case PrintAddressAbs:
		return &h.PrintAddressAbs, nil
	case PrintAddressRel:
		return &h.PrintAddressRel, nil
	case PrintDisp:
		return &h.PrintDisp, nil
	case PrintImm:
		return &h.PrintImm, nil
	case PrintTypecast:
		return &h.PrintTypecast, nil
	case PrintSegment:
		return &h.PrintSegment, nil
	case PrintPrefixes:
		return &h.PrintPrefixes, nil
	case PrintRegister:
		return nil, fmt.Errorf("%w: %v takes a RegisterFunc", status.InvalidArgument, hook)
	case PrintDecorator:
		return nil, fmt.Errorf("%w: %v takes a DecoratorFunc", status.InvalidArgument, hook)
	}

	return nil, fmt.Errorf("%w: unknown hook %v", status.InvalidArgument, hook)
}

// merge replaces the hooks set in o.
func (h *Hooks) merge(o *Hooks) {
	for hook := range Hook(len(hookNames)) {
		dst, err := h.slot(hook)
		if err != nil {
			continue
		}

		src, _ := o.slot(hook)
		if *src != nil {
			*dst = *src
		}
	}

	if o.PrintRegister != nil {
		h.PrintRegister = o.PrintRegister
	}

	if o.PrintDecorator != nil {
		h.PrintDecorator = o.PrintDecorator
	}
}

func noop(*Formatter, *Buffer, *Context) error { return nil }
