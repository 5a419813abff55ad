// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package formatter prints decoded instructions as assembly text.
//
// Formatting runs as a pipeline of stages, each of which appends
// tokens to a Buffer. Every stage can be replaced with a hook. SetHook
// returns the function it replaces, so a hook can handle only the
// cases it cares about and pass the rest on:
//
//	prev, _ := f.SetHook(formatter.PrintAddressAbs, nil)
//	f.SetHook(formatter.PrintAddressAbs, func(f *formatter.Formatter, buf *formatter.Buffer, ctx *formatter.Context) error {
//		addr, err := ctx.Instruction.CalcAbsoluteAddress(ctx.Operand, ctx.RuntimeAddress)
//		if err == nil {
//			if name, ok := symbols[addr]; ok {
//				return buf.Append(formatter.TokenSymbol, name)
//			}
//		}
//
//		return prev(f, buf, ctx)
//	})
//
// A Formatter must not be changed while it is in use. Formatting does
// not change the Formatter, so it can be used from many goroutines.
package formatter

import (
	"errors"
	"fmt"
	"strings"

	"firefly-os.dev/tools/dasm/decoder"
	"firefly-os.dev/tools/dasm/status"
	"firefly-os.dev/tools/dasm/x86"
)

// NoRuntimeAddress is passed as the runtime
// address when the instruction's address is
// unknown. Branch targets and RIP-relative
// addresses are then printed as offsets.
const NoRuntimeAddress = ^uint64(0)

// ErrSkipToken can be returned by an operand
// stage to leave the operand out.
var ErrSkipToken error = status.SkipToken

// Style is an assembly syntax.
type Style uint8

const (
	Intel Style = iota
	IntelMASM
	ATT
)

var styleNames = [...]string{
	Intel:     "intel",
	IntelMASM: "masm",
	ATT:       "att",
}

func (s Style) String() string {
	if int(s) < len(styleNames) {
		return styleNames[s]
	}

	return fmt.Sprintf("Style(%d)", s)
}

// ParseStyle returns the style with the
// given name.
func ParseStyle(name string) (Style, error) {
	switch strings.ToLower(name) {
	case "intel":
		return Intel, nil
	case "masm", "intel-masm":
		return IntelMASM, nil
	case "att", "at&t", "gnu":
		return ATT, nil
	}

	return 0, fmt.Errorf("%w: unknown style %q", status.InvalidArgument, name)
}

// Formatter prints instructions in one
// style.
type Formatter struct {
	style Style
	props settings
	hooks Hooks
}

// Option configures a Formatter.
type Option func(*Formatter) error

// WithProperty sets a property.
func WithProperty(p Property, v any) Option {
	return func(f *Formatter) error {
		return f.SetProperty(p, v)
	}
}

// WithHooks replaces the stages set in h.
func WithHooks(h Hooks) Option {
	return func(f *Formatter) error {
		f.hooks.merge(&h)
		return nil
	}
}

// New returns a formatter for the given
// style.
func New(style Style, opts ...Option) (*Formatter, error) {
	f := &Formatter{style: style}
	switch style {
	case Intel:
		f.props = intelSettings
		f.hooks = intelHooks()
	case IntelMASM:
		f.props = masmSettings()
		f.hooks = intelHooks()
	case ATT:
		f.props = intelSettings
		f.hooks = attHooks()
	default:
		return nil, fmt.Errorf("%w: unknown style %v", status.InvalidArgument, style)
	}

	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}

	return f, nil
}

// Style returns the formatter's style.
func (f *Formatter) Style() Style {
	return f.style
}

// SetProperty changes a property. The value
// must have the property's type, or be the
// YAML form of it: an int for padding, or a
// string for a base or signedness.
func (f *Formatter) SetProperty(p Property, v any) error {
	return f.props.set(p, v)
}

// Property returns a property's value.
func (f *Formatter) Property(p Property) (any, error) {
	return f.props.get(p)
}

// Hooks returns the current stages.
func (f *Formatter) Hooks() Hooks {
	return f.hooks
}

// SetHook replaces a stage, returning the
// function it replaced. A nil fn restores
// the style's default. PrintRegister and
// PrintDecorator have their own setters.
func (f *Formatter) SetHook(h Hook, fn Func) (Func, error) {
	dst, err := f.hooks.slot(h)
	if err != nil {
		return nil, err
	}

	if fn == nil {
		def := f.defaults()
		fn = *must(def.slot(h))
	}

	prev := *dst
	*dst = fn

	return prev, nil
}

// SetRegisterHook replaces the
// PrintRegister stage, returning the
// function it replaced.
func (f *Formatter) SetRegisterHook(fn RegisterFunc) RegisterFunc {
	if fn == nil {
		fn = f.defaults().PrintRegister
	}

	prev := f.hooks.PrintRegister
	f.hooks.PrintRegister = fn

	return prev
}

// SetDecoratorHook replaces the
// PrintDecorator stage, returning the
// function it replaced.
func (f *Formatter) SetDecoratorHook(fn DecoratorFunc) DecoratorFunc {
	if fn == nil {
		fn = f.defaults().PrintDecorator
	}

	prev := f.hooks.PrintDecorator
	f.hooks.PrintDecorator = fn

	return prev
}

func (f *Formatter) defaults() Hooks {
	if f.style == ATT {
		return attHooks()
	}

	return intelHooks()
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}

	return v
}

// Format returns the instruction as text.
func (f *Formatter) Format(inst *decoder.Instruction, runtimeAddress uint64, userData any) (string, error) {
	buf := NewBuffer(0)
	if err := f.TokenizeInto(buf, inst, runtimeAddress, userData); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// FormatInto writes the instruction's text
// into dst, returning the number of bytes
// written.
func (f *Formatter) FormatInto(dst []byte, inst *decoder.Instruction, runtimeAddress uint64, userData any) (int, error) {
	if len(dst) == 0 {
		return 0, fmt.Errorf("%w: empty buffer", status.InsufficientBufferSize)
	}

	buf := NewBuffer(len(dst))
	if err := f.TokenizeInto(buf, inst, runtimeAddress, userData); err != nil {
		return 0, err
	}

	n := 0
	for _, t := range buf.Tokens() {
		n += copy(dst[n:], t.Value)
	}

	return n, nil
}

// Tokenize returns the instruction's tokens.
func (f *Formatter) Tokenize(inst *decoder.Instruction, runtimeAddress uint64, userData any) ([]Token, error) {
	buf := NewBuffer(0)
	if err := f.TokenizeInto(buf, inst, runtimeAddress, userData); err != nil {
		return nil, err
	}

	return buf.Tokens(), nil
}

// TokenizeInto appends the instruction's
// tokens to buf. If an error is returned,
// buf holds any tokens appended before
// the error.
func (f *Formatter) TokenizeInto(buf *Buffer, inst *decoder.Instruction, runtimeAddress uint64, userData any) error {
	ctx, err := newContext(inst, runtimeAddress, userData)
	if err != nil {
		return err
	}

	if err := f.hooks.PreInstruction(f, buf, ctx); err != nil {
		return err
	}

	if err := f.hooks.FormatInstruction(f, buf, ctx); err != nil {
		return err
	}

	return f.hooks.PostInstruction(f, buf, ctx)
}

// FormatOperand returns one visible operand
// as text. An operand left out by a hook
// returns an empty string.
func (f *Formatter) FormatOperand(inst *decoder.Instruction, index int, runtimeAddress uint64, userData any) (string, error) {
	buf := NewBuffer(0)
	if err := f.TokenizeOperandInto(buf, inst, index, runtimeAddress, userData); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// TokenizeOperand returns the tokens of one
// visible operand.
func (f *Formatter) TokenizeOperand(inst *decoder.Instruction, index int, runtimeAddress uint64, userData any) ([]Token, error) {
	buf := NewBuffer(0)
	if err := f.TokenizeOperandInto(buf, inst, index, runtimeAddress, userData); err != nil {
		return nil, err
	}

	return buf.Tokens(), nil
}

// TokenizeOperandInto appends the tokens of
// one visible operand to buf.
func (f *Formatter) TokenizeOperandInto(buf *Buffer, inst *decoder.Instruction, index int, runtimeAddress uint64, userData any) error {
	ctx, err := newContext(inst, runtimeAddress, userData)
	if err != nil {
		return err
	}

	if index < 0 || index >= len(ctx.Operands) {
		return fmt.Errorf("%w: operand %d of %d", status.OutOfRange, index, len(ctx.Operands))
	}

	cp := buf.Remember()
	err = f.formatOperand(buf, ctx, index)
	if errors.Is(err, ErrSkipToken) {
		return buf.Restore(cp)
	}

	return err
}

func newContext(inst *decoder.Instruction, runtimeAddress uint64, userData any) (*Context, error) {
	if inst == nil || inst.Form == nil {
		return nil, fmt.Errorf("%w: no instruction", status.InvalidArgument)
	}

	ctx := &Context{
		Instruction:    inst,
		Operands:       inst.VisibleOperands(),
		RuntimeAddress: runtimeAddress,
		UserData:       userData,
	}

	return ctx, nil
}

// formatOperand runs the operand stages for
// one operand.
func (f *Formatter) formatOperand(buf *Buffer, ctx *Context, index int) error {
	ctx.Operand = &ctx.Operands[index]
	ctx.OperandIndex = index
	defer func() {
		ctx.Operand = nil
		ctx.OperandIndex = 0
	}()

	if err := f.hooks.PreOperand(f, buf, ctx); err != nil {
		return err
	}

	var stage Func
	switch ctx.Operand.Type {
	case x86.OperandRegister:
		stage = f.hooks.FormatOperandReg
	case x86.OperandMemory:
		stage = f.hooks.FormatOperandMem
	case x86.OperandPointer:
		stage = f.hooks.FormatOperandPtr
	case x86.OperandImmediate:
		stage = f.hooks.FormatOperandImm
	default:
		return fmt.Errorf("%w: operand %d has type %v", status.InvalidArgument, index, ctx.Operand.Type)
	}

	if err := stage(f, buf, ctx); err != nil {
		return err
	}

	if err := f.printDecorators(buf, ctx); err != nil {
		return err
	}

	return f.hooks.PostOperand(f, buf, ctx)
}

// formatInstruction is the default
// FormatInstruction stage for every style.
func formatInstruction(f *Formatter, buf *Buffer, ctx *Context) error {
	if err := f.hooks.PrintPrefixes(f, buf, ctx); err != nil {
		return err
	}

	if err := f.hooks.PrintMnemonic(f, buf, ctx); err != nil {
		return err
	}

	n := len(ctx.Operands)
	first := true
	for i := range n {
		index := i
		if f.style == ATT {
			index = n - 1 - i
		}

		cp := buf.Remember()
		sep, typ := ", ", TokenDelimiter
		if first {
			sep, typ = " ", TokenWhitespace
		}

		if err := buf.Append(typ, sep); err != nil {
			return err
		}

		err := f.formatOperand(buf, ctx, index)
		if errors.Is(err, ErrSkipToken) {
			if err := buf.Restore(cp); err != nil {
				return err
			}

			continue
		}

		if err != nil {
			return err
		}

		first = false
	}

	return nil
}

// printDecorators prints the decorators
// that follow the current operand.
func (f *Formatter) printDecorators(buf *Buffer, ctx *Context) error {
	inst := ctx.Instruction
	if inst.Family != x86.FamilyEVEX && inst.Family != x86.FamilyMVEX {
		return nil
	}

	avx := &inst.AVX
	op := ctx.Operand
	last := ctx.OperandIndex == len(ctx.Operands)-1
	var decorators []Decorator
	if ctx.OperandIndex == 0 && avx.Mask.Mode != x86.MaskDisabled && avx.Mask.Mode != x86.MaskInvalid {
		decorators = append(decorators, DecoratorMask)
	}

	if op.Type == x86.OperandMemory {
		if avx.Broadcast != x86.BroadcastInvalid {
			decorators = append(decorators, DecoratorBroadcast)
		}

		if avx.Conversion != x86.ConversionInvalid {
			decorators = append(decorators, DecoratorConversion)
		}

		if avx.EvictionHint {
			decorators = append(decorators, DecoratorEvictionHint)
		}
	}

	if last {
		switch {
		case avx.Rounding != x86.RoundingInvalid:
			decorators = append(decorators, DecoratorRoundingControl)
		case avx.SAE:
			decorators = append(decorators, DecoratorSAE)
		}

		if op.Type == x86.OperandRegister && avx.Swizzle != x86.SwizzleInvalid && avx.Swizzle != x86.SwizzleDCBA {
			decorators = append(decorators, DecoratorSwizzle)
		}
	}

	for _, d := range decorators {
		if err := f.hooks.PrintDecorator(f, buf, ctx, d); err != nil {
			return err
		}
	}

	return nil
}
