// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package formatter

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	"firefly-os.dev/tools/dasm/decoder"
	"firefly-os.dev/tools/dasm/status"
	"firefly-os.dev/tools/dasm/x86"
)

func mustDecode(t testing.TB, mode x86.MachineMode, code string, modes ...decoder.DecoderMode) *decoder.Instruction {
	t.Helper()
	stack := x86.Stack64
	switch mode {
	case x86.Legacy32, x86.LongCompat32:
		stack = x86.Stack32
	case x86.Legacy16, x86.LongCompat16, x86.Real16:
		stack = x86.Stack16
	}

	d, err := decoder.New(mode, stack)
	if err != nil {
		t.Fatalf("decoder.New(%v, %d): %v", mode, stack, err)
	}

	for _, m := range modes {
		if err := d.EnableMode(m, true); err != nil {
			t.Fatal(err)
		}
	}

	b, err := hex.DecodeString(strings.ReplaceAll(code, " ", ""))
	if err != nil {
		t.Fatalf("bad hex %q: %v", code, err)
	}

	inst, err := d.Decode(b)
	if err != nil {
		t.Fatalf("Decode(% x): %v", b, err)
	}

	return inst
}

func mustFormatter(t testing.TB, style Style, opts ...Option) *Formatter {
	t.Helper()
	f, err := New(style, opts...)
	if err != nil {
		t.Fatalf("New(%v): %v", style, err)
	}

	return f
}

func TestFormat(t *testing.T) {
	tests := []struct {
		Name    string
		Style   Style
		Options []Option
		Mode    x86.MachineMode
		Code    string
		Address uint64
		Want    string
	}{
		{
			Name:    "memory and immediate",
			Style:   Intel,
			Mode:    x86.Long64,
			Code:    "83 78 7b 2a",
			Address: NoRuntimeAddress,
			Want:    "cmp dword ptr [rax+0x7B], 0x2A",
		},
		{
			Name:    "sign-extended immediate",
			Style:   Intel,
			Mode:    x86.Long64,
			Code:    "83 78 7b d6",
			Address: NoRuntimeAddress,
			Want:    "cmp dword ptr [rax+0x7B], 0xFFFFFFD6",
		},
		{
			Name:    "signed immediate",
			Style:   Intel,
			Options: []Option{WithProperty(ImmediateSignedness, SignednessSigned)},
			Mode:    x86.Long64,
			Code:    "83 78 7b d6",
			Address: NoRuntimeAddress,
			Want:    "cmp dword ptr [rax+0x7B], -0x2A",
		},
		{
			Name:    "register and immediate",
			Style:   Intel,
			Mode:    x86.Long64,
			Code:    "48 c7 c0 37 13 00 00",
			Address: NoRuntimeAddress,
			Want:    "mov rax, 0x1337",
		},
		{
			Name:    "sib",
			Style:   Intel,
			Mode:    x86.Long64,
			Code:    "8b 44 8b f8",
			Address: NoRuntimeAddress,
			Want:    "mov eax, [rbx+rcx*4-0x08]",
		},
		{
			Name:    "force scale one and segment",
			Style:   Intel,
			Options: []Option{WithProperty(ForceScaleOne, true), WithProperty(ForceSegment, true)},
			Mode:    x86.Long64,
			Code:    "8b 04 08",
			Address: NoRuntimeAddress,
			Want:    "mov eax, ds:[rax+rcx*1]",
		},
		{
			Name:    "rip relative",
			Style:   Intel,
			Mode:    x86.Long64,
			Code:    "48 8b 05 10 00 00 00",
			Address: NoRuntimeAddress,
			Want:    "mov rax, [rip+0x10]",
		},
		{
			Name:    "rip relative resolved",
			Style:   Intel,
			Mode:    x86.Long64,
			Code:    "48 8b 05 10 00 00 00",
			Address: 0x1000,
			Want:    "mov rax, [0x0000000000001017]",
		},
		{
			Name:    "rip relative forced",
			Style:   Intel,
			Options: []Option{WithProperty(ForceRelativeRIP, true)},
			Mode:    x86.Long64,
			Code:    "48 8b 05 10 00 00 00",
			Address: 0x1000,
			Want:    "mov rax, [rip+0x10]",
		},
		{
			Name:    "segment override",
			Style:   Intel,
			Mode:    x86.Long64,
			Code:    "64 48 8b 04 25 28 00 00 00",
			Address: NoRuntimeAddress,
			Want:    "mov rax, fs:[0x0000000000000028]",
		},
		{
			Name:    "relative branch",
			Style:   Intel,
			Mode:    x86.Long64,
			Code:    "eb 05",
			Address: NoRuntimeAddress,
			Want:    "jmp +0x07",
		},
		{
			Name:    "absolute branch",
			Style:   Intel,
			Mode:    x86.Long64,
			Code:    "eb 05",
			Address: 0x1000,
			Want:    "jmp 0x0000000000001007",
		},
		{
			Name:    "forced relative branch",
			Style:   Intel,
			Options: []Option{WithProperty(ForceRelativeBranches, true), WithProperty(PrintBranchSize, true)},
			Mode:    x86.Long64,
			Code:    "eb 05",
			Address: 0x1000,
			Want:    "jmp short +0x07",
		},
		{
			Name:    "backwards branch",
			Style:   Intel,
			Options: []Option{WithProperty(PrintBranchSize, true)},
			Mode:    x86.Long64,
			Code:    "e8 f6 ff ff ff",
			Address: NoRuntimeAddress,
			Want:    "call near -0x05",
		},
		{
			Name:    "unpadded address",
			Style:   Intel,
			Options: []Option{WithProperty(AddressPaddingAbsolute, PaddingDisabled)},
			Mode:    x86.Long64,
			Code:    "e8 fb ff ff ff",
			Address: 0x401000,
			Want:    "call 0x401000",
		},
		{
			Name:    "lock",
			Style:   Intel,
			Mode:    x86.Long64,
			Code:    "f0 01 18",
			Address: NoRuntimeAddress,
			Want:    "lock add [rax], ebx",
		},
		{
			Name:    "rep",
			Style:   Intel,
			Mode:    x86.Long64,
			Code:    "f3 aa",
			Address: NoRuntimeAddress,
			Want:    "rep stosb",
		},
		{
			Name:    "detailed branch hint",
			Style:   Intel,
			Options: []Option{WithProperty(DetailedPrefixes, true)},
			Mode:    x86.Long64,
			Code:    "3e 74 05",
			Address: NoRuntimeAddress,
			Want:    "pt je +0x08",
		},
		{
			Name:    "16-bit address",
			Style:   Intel,
			Mode:    x86.Real16,
			Code:    "8b 00",
			Address: NoRuntimeAddress,
			Want:    "mov ax, [bx+si]",
		},
		{
			Name:    "far pointer",
			Style:   Intel,
			Mode:    x86.Legacy32,
			Code:    "ea 78 56 34 12 08 00",
			Address: NoRuntimeAddress,
			Want:    "jmp 0x08:0x12345678",
		},
		{
			Name:    "size from register",
			Style:   Intel,
			Mode:    x86.Long64,
			Code:    "0f b6 00",
			Address: NoRuntimeAddress,
			Want:    "movzx eax, byte ptr [rax]",
		},
		{
			Name:    "VEX",
			Style:   Intel,
			Mode:    x86.Long64,
			Code:    "c5 f0 58 c2",
			Address: NoRuntimeAddress,
			Want:    "vaddps xmm0, xmm1, xmm2",
		},
		{
			Name:    "EVEX masking",
			Style:   Intel,
			Mode:    x86.Long64,
			Code:    "62 f1 74 c9 58 c2",
			Address: NoRuntimeAddress,
			Want:    "vaddps zmm0 {k1}{z}, zmm1, zmm2",
		},
		{
			Name:    "EVEX rounding",
			Style:   Intel,
			Mode:    x86.Long64,
			Code:    "62 f1 74 38 58 c2",
			Address: NoRuntimeAddress,
			Want:    "vaddps zmm0, zmm1, zmm2 {rd-sae}",
		},
		{
			Name:    "EVEX compressed displacement",
			Style:   Intel,
			Mode:    x86.Long64,
			Code:    "62 f1 74 48 58 40 01",
			Address: NoRuntimeAddress,
			Want:    "vaddps zmm0, zmm1, [rax+0x40]",
		},
		{
			Name:    "uppercase",
			Style:   Intel,
			Options: []Option{WithProperty(UppercaseMnemonic, true), WithProperty(UppercaseRegisters, true), WithProperty(UppercaseTypecasts, true)},
			Mode:    x86.Long64,
			Code:    "83 78 7b 2a",
			Address: NoRuntimeAddress,
			Want:    "CMP DWORD PTR [RAX+0x7B], 0x2A",
		},
		{
			Name:    "decimal",
			Style:   Intel,
			Options: []Option{WithProperty(ImmediateBase, Base10), WithProperty(DisplacementBase, "dec"), WithProperty(ImmediatePadding, 0)},
			Mode:    x86.Long64,
			Code:    "83 78 7b 2a",
			Address: NoRuntimeAddress,
			Want:    "cmp dword ptr [rax+123], 42",
		},
		{
			Name:    "hex suffix",
			Style:   Intel,
			Options: []Option{WithProperty(HexPrefix, ""), WithProperty(HexSuffix, "h"), WithProperty(HexUppercase, false)},
			Mode:    x86.Long64,
			Code:    "83 78 7b 2a",
			Address: NoRuntimeAddress,
			Want:    "cmp dword ptr [rax+7bh], 2ah",
		},
		{
			Name:    "masm",
			Style:   IntelMASM,
			Mode:    x86.Long64,
			Code:    "83 78 7b d6",
			Address: NoRuntimeAddress,
			Want:    "cmp dword ptr [rax+7Bh], 0FFFFFFD6h",
		},
		{
			Name:    "masm forced size",
			Style:   IntelMASM,
			Mode:    x86.Long64,
			Code:    "8b 44 8b f8",
			Address: NoRuntimeAddress,
			Want:    "mov eax, dword ptr [rbx+rcx*4-08h]",
		},
		{
			Name:    "masm relative branch",
			Style:   IntelMASM,
			Mode:    x86.Long64,
			Code:    "eb 05",
			Address: NoRuntimeAddress,
			Want:    "jmp $+07h",
		},
		{
			Name:    "att memory and immediate",
			Style:   ATT,
			Mode:    x86.Long64,
			Code:    "83 78 7b 2a",
			Address: NoRuntimeAddress,
			Want:    "cmpl $0x2A, 0x7B(%rax)",
		},
		{
			Name:    "att register and immediate",
			Style:   ATT,
			Mode:    x86.Long64,
			Code:    "48 c7 c0 37 13 00 00",
			Address: NoRuntimeAddress,
			Want:    "movq $0x1337, %rax",
		},
		{
			Name:    "att sib",
			Style:   ATT,
			Mode:    x86.Long64,
			Code:    "8b 44 8b f8",
			Address: NoRuntimeAddress,
			Want:    "movl -0x08(%rbx,%rcx,4), %eax",
		},
		{
			Name:    "att segment",
			Style:   ATT,
			Mode:    x86.Long64,
			Code:    "64 48 8b 04 25 28 00 00 00",
			Address: NoRuntimeAddress,
			Want:    "movq %fs:0x0000000000000028, %rax",
		},
		{
			Name:    "att indirect branch",
			Style:   ATT,
			Mode:    x86.Long64,
			Code:    "ff e0",
			Address: NoRuntimeAddress,
			Want:    "jmpq *%rax",
		},
		{
			Name:    "att far pointer",
			Style:   ATT,
			Mode:    x86.Legacy32,
			Code:    "ea 78 56 34 12 08 00",
			Address: NoRuntimeAddress,
			Want:    "ljmp $0x08, $0x12345678",
		},
		{
			Name:    "att masking",
			Style:   ATT,
			Mode:    x86.Long64,
			Code:    "62 f1 74 c9 58 c2",
			Address: NoRuntimeAddress,
			Want:    "vaddps %zmm2, %zmm1, %zmm0{%k1}{z}",
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			f := mustFormatter(t, test.Style, test.Options...)
			inst := mustDecode(t, test.Mode, test.Code)
			got, err := f.Format(inst, test.Address, nil)
			if err != nil {
				t.Fatalf("Format(): %v", err)
			}

			if got != test.Want {
				t.Fatalf("Format():\n got %q\nwant %q", got, test.Want)
			}

			buf := make([]byte, 64)
			n, err := f.FormatInto(buf, inst, test.Address, nil)
			if err != nil {
				t.Fatalf("FormatInto(): %v", err)
			}

			if got := string(buf[:n]); got != test.Want {
				t.Fatalf("FormatInto():\n got %q\nwant %q", got, test.Want)
			}
		})
	}
}

func TestTokenize(t *testing.T) {
	f := mustFormatter(t, Intel)
	inst := mustDecode(t, x86.Long64, "83 78 7b 2a")
	got, err := f.Tokenize(inst, NoRuntimeAddress, nil)
	if err != nil {
		t.Fatalf("Tokenize(): %v", err)
	}

	want := []Token{
		{TokenMnemonic, "cmp"},
		{TokenWhitespace, " "},
		{TokenTypecast, "dword ptr"},
		{TokenWhitespace, " "},
		{TokenParenthesisOpen, "["},
		{TokenRegister, "rax"},
		{TokenDelimiter, "+"},
		{TokenDisplacement, "0x7B"},
		{TokenParenthesisClose, "]"},
		{TokenDelimiter, ", "},
		{TokenImmediate, "0x2A"},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Tokenize(): (-want, +got)\n%s", diff)
	}

	got, err = f.TokenizeOperand(inst, 1, NoRuntimeAddress, nil)
	if err != nil {
		t.Fatalf("TokenizeOperand(): %v", err)
	}

	if diff := cmp.Diff(want[len(want)-1:], got); diff != "" {
		t.Fatalf("TokenizeOperand(): (-want, +got)\n%s", diff)
	}

	text, err := f.FormatOperand(inst, 0, NoRuntimeAddress, nil)
	if err != nil {
		t.Fatalf("FormatOperand(): %v", err)
	}

	if want := "dword ptr [rax+0x7B]"; text != want {
		t.Fatalf("FormatOperand(): got %q, want %q", text, want)
	}

	_, err = f.FormatOperand(inst, 2, NoRuntimeAddress, nil)
	if status.Of(err) != status.OutOfRange {
		t.Fatalf("FormatOperand(2): got error %v, want %v", err, status.OutOfRange)
	}
}

func TestDecorators(t *testing.T) {
	tests := []struct {
		Name  string
		Code  string
		Modes []decoder.DecoderMode
		Want  []Token
	}{
		{
			Name: "broadcast",
			Code: "62 f1 74 58 58 00",
			Want: []Token{
				{TokenWhitespace, " "},
				{TokenParenthesisOpen, "{"},
				{TokenDecorator, "1to16"},
				{TokenParenthesisClose, "}"},
			},
		},
		{
			Name:  "conversion and eviction hint",
			Code:  "62 f1 70 b8 58 00",
			Modes: []decoder.DecoderMode{decoder.ModeKNC},
			Want: []Token{
				{TokenWhitespace, " "},
				{TokenParenthesisOpen, "{"},
				{TokenDecorator, "float16"},
				{TokenParenthesisClose, "}"},
				{TokenWhitespace, " "},
				{TokenParenthesisOpen, "{"},
				{TokenDecorator, "eh"},
				{TokenParenthesisClose, "}"},
			},
		},
	}

	f := mustFormatter(t, Intel)
	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			inst := mustDecode(t, x86.Long64, test.Code, test.Modes...)
			tokens, err := f.Tokenize(inst, NoRuntimeAddress, nil)
			if err != nil {
				t.Fatalf("Tokenize(): %v", err)
			}

			if len(tokens) < len(test.Want) {
				t.Fatalf("Tokenize(): got %d tokens, want at least %d", len(tokens), len(test.Want))
			}

			got := tokens[len(tokens)-len(test.Want):]
			if diff := cmp.Diff(test.Want, got); diff != "" {
				t.Fatalf("Tokenize(): (-want, +got)\n%s", diff)
			}
		})
	}
}

// symbolHook returns a PrintAddressAbs hook
// that prints the symbols in the user data.
func symbolHook(prev Func) Func {
	return func(f *Formatter, buf *Buffer, ctx *Context) error {
		symbols, ok := ctx.UserData.(map[uint64]string)
		if !ok {
			return prev(f, buf, ctx)
		}

		addr, err := ctx.Instruction.CalcAbsoluteAddress(ctx.Operand, ctx.RuntimeAddress)
		if err != nil {
			return prev(f, buf, ctx)
		}

		name, ok := symbols[addr]
		if !ok {
			return prev(f, buf, ctx)
		}

		return buf.Append(TokenSymbol, "<"+name+">")
	}
}

func TestSymbolHook(t *testing.T) {
	symbols := map[uint64]string{
		0x2000: "main",
		0x3000: "SomeModule.SomeData",
	}

	tests := []struct {
		Name    string
		Code    string
		Address uint64
		Want    string
	}{
		{
			Name:    "branch to symbol",
			Code:    "e8 fb 0f 00 00",
			Address: 0x1000,
			Want:    "call <main>",
		},
		{
			Name:    "branch to unknown address",
			Code:    "e8 fb 0f 00 00",
			Address: 0x3000,
			Want:    "call 0x0000000000004000",
		},
		{
			Name:    "rip relative symbol",
			Code:    "ff 15 fa 0f 00 00",
			Address: 0x1000,
			Want:    "call qword ptr [<main>]",
		},
		{
			Name:    "absolute symbol",
			Code:    "8b 04 25 00 30 00 00",
			Address: 0x1000,
			Want:    "mov eax, [<SomeModule.SomeData>]",
		},
		{
			Name:    "no runtime address",
			Code:    "e8 fb 0f 00 00",
			Address: NoRuntimeAddress,
			Want:    "call +0x1000",
		},
	}

	f := mustFormatter(t, Intel)
	prev, err := f.SetHook(PrintAddressAbs, nil)
	if err != nil {
		t.Fatalf("SetHook(): %v", err)
	}

	if _, err := f.SetHook(PrintAddressAbs, symbolHook(prev)); err != nil {
		t.Fatalf("SetHook(): %v", err)
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			inst := mustDecode(t, x86.Long64, test.Code)
			tokens, err := f.Tokenize(inst, test.Address, symbols)
			if err != nil {
				t.Fatalf("Tokenize(): %v", err)
			}

			var sb strings.Builder
			for _, tok := range tokens {
				sb.WriteString(tok.Value)
			}

			if got := sb.String(); got != test.Want {
				t.Fatalf("Tokenize():\n got %q\nwant %q", got, test.Want)
			}

			symbol := strings.Contains(test.Want, "<")
			found := false
			for _, tok := range tokens {
				if tok.Type == TokenSymbol {
					found = true
				}

				if tok.Type == TokenAddressAbs && symbol {
					t.Fatalf("Tokenize(): got address token %q alongside a symbol", tok.Value)
				}
			}

			if found != symbol {
				t.Fatalf("Tokenize(): got symbol token %v, want %v", found, symbol)
			}
		})
	}

	// Without the symbol table, the hook
	// passes everything through.
	inst := mustDecode(t, x86.Long64, "e8 fb 0f 00 00")
	got, err := f.Format(inst, 0x1000, nil)
	if err != nil {
		t.Fatalf("Format(): %v", err)
	}

	if want := "call 0x0000000000002000"; got != want {
		t.Fatalf("Format(): got %q, want %q", got, want)
	}
}

var conditions = [...]string{"eq", "lt", "le", "unord", "neq", "nlt", "nle", "ord"}

func TestSkipToken(t *testing.T) {
	f := mustFormatter(t, Intel)
	var prevMnemonic Func
	prevMnemonic, err := f.SetHook(PrintMnemonic, func(f *Formatter, buf *Buffer, ctx *Context) error {
		if ctx.Instruction.Mnemonic == "CMPPS" && len(ctx.Operands) == 3 {
			if cond := ctx.Operands[2].Imm.Value; cond < uint64(len(conditions)) {
				return buf.Append(TokenMnemonic, "cmp"+conditions[cond]+"ps")
			}
		}

		return prevMnemonic(f, buf, ctx)
	})
	if err != nil {
		t.Fatalf("SetHook(PrintMnemonic): %v", err)
	}

	var prevImm Func
	prevImm, err = f.SetHook(FormatOperandImm, func(f *Formatter, buf *Buffer, ctx *Context) error {
		if ctx.Instruction.Mnemonic == "CMPPS" && ctx.Operands[2].Imm.Value < uint64(len(conditions)) {
			return ErrSkipToken
		}

		return prevImm(f, buf, ctx)
	})
	if err != nil {
		t.Fatalf("SetHook(FormatOperandImm): %v", err)
	}

	tests := []struct {
		Code string
		Want string
	}{
		{Code: "0f c2 c1 00", Want: "cmpeqps xmm0, xmm1"},
		{Code: "0f c2 c1 06", Want: "cmpnleps xmm0, xmm1"},
		{Code: "0f c2 c1 09", Want: "cmpps xmm0, xmm1, 0x09"},
		{Code: "83 78 7b 2a", Want: "cmp dword ptr [rax+0x7B], 0x2A"},
	}

	for _, test := range tests {
		t.Run(test.Code, func(t *testing.T) {
			inst := mustDecode(t, x86.Long64, test.Code)
			got, err := f.Format(inst, NoRuntimeAddress, nil)
			if err != nil {
				t.Fatalf("Format(): %v", err)
			}

			if got != test.Want {
				t.Fatalf("Format():\n got %q\nwant %q", got, test.Want)
			}
		})
	}

	// Restoring the previous immediate stage
	// prints immediates again.
	if _, err := f.SetHook(FormatOperandImm, prevImm); err != nil {
		t.Fatalf("SetHook(FormatOperandImm): %v", err)
	}

	inst := mustDecode(t, x86.Long64, "0f c2 c1 00")
	got, err := f.Format(inst, NoRuntimeAddress, nil)
	if err != nil {
		t.Fatalf("Format(): %v", err)
	}

	if want := "cmpeqps xmm0, xmm1, 0x00"; got != want {
		t.Fatalf("Format(): got %q, want %q", got, want)
	}
}

func TestSkipFirstOperand(t *testing.T) {
	f := mustFormatter(t, Intel)
	_, err := f.SetHook(PreOperand, func(f *Formatter, buf *Buffer, ctx *Context) error {
		if ctx.Operand.Type == x86.OperandRegister {
			return ErrSkipToken
		}

		return nil
	})
	if err != nil {
		t.Fatalf("SetHook(): %v", err)
	}

	inst := mustDecode(t, x86.Long64, "48 c7 c0 37 13 00 00")
	got, err := f.Format(inst, NoRuntimeAddress, nil)
	if err != nil {
		t.Fatalf("Format(): %v", err)
	}

	if want := "mov 0x1337"; got != want {
		t.Fatalf("Format(): got %q, want %q", got, want)
	}

	text, err := f.FormatOperand(inst, 0, NoRuntimeAddress, nil)
	if err != nil {
		t.Fatalf("FormatOperand(): %v", err)
	}

	if text != "" {
		t.Fatalf("FormatOperand(): got %q, want an empty string", text)
	}
}

func TestHookErrors(t *testing.T) {
	errBoom := errors.New("boom")
	f := mustFormatter(t, Intel)
	f.SetRegisterHook(func(f *Formatter, buf *Buffer, ctx *Context, reg *x86.Register) error {
		if reg == x86.RAX {
			return errBoom
		}

		return buf.Append(TokenRegister, reg.Name)
	})

	inst := mustDecode(t, x86.Long64, "48 c7 c0 37 13 00 00")
	_, err := f.Format(inst, NoRuntimeAddress, nil)
	if err != errBoom {
		t.Fatalf("Format(): got error %v, want %v", err, errBoom)
	}

	// The partial output stays in the buffer.
	buf := NewBuffer(0)
	err = f.TokenizeInto(buf, inst, NoRuntimeAddress, nil)
	if err != errBoom {
		t.Fatalf("TokenizeInto(): got error %v, want %v", err, errBoom)
	}

	if got, want := buf.String(), "mov "; got != want {
		t.Fatalf("TokenizeInto(): got partial output %q, want %q", got, want)
	}

	// A nil hook restores the default.
	f.SetRegisterHook(nil)
	got, err := f.Format(inst, NoRuntimeAddress, nil)
	if err != nil {
		t.Fatalf("Format(): %v", err)
	}

	if want := "mov rax, 0x1337"; got != want {
		t.Fatalf("Format(): got %q, want %q", got, want)
	}
}

func TestFormatErrors(t *testing.T) {
	f := mustFormatter(t, Intel)
	inst := mustDecode(t, x86.Long64, "83 78 7b 2a")
	tests := []struct {
		Name string
		Call func() error
		Want status.Status
	}{
		{
			Name: "nil instruction",
			Call: func() error {
				_, err := f.Format(nil, NoRuntimeAddress, nil)
				return err
			},
			Want: status.InvalidArgument,
		},
		{
			Name: "short buffer",
			Call: func() error {
				_, err := f.FormatInto(make([]byte, 8), inst, NoRuntimeAddress, nil)
				return err
			},
			Want: status.InsufficientBufferSize,
		},
		{
			Name: "empty buffer",
			Call: func() error {
				_, err := f.FormatInto(nil, inst, NoRuntimeAddress, nil)
				return err
			},
			Want: status.InsufficientBufferSize,
		},
		{
			Name: "operand out of range",
			Call: func() error {
				_, err := f.TokenizeOperand(inst, -1, NoRuntimeAddress, nil)
				return err
			},
			Want: status.OutOfRange,
		},
		{
			Name: "bad style",
			Call: func() error {
				_, err := New(Style(7))
				return err
			},
			Want: status.InvalidArgument,
		},
		{
			Name: "register hook via SetHook",
			Call: func() error {
				_, err := f.SetHook(PrintRegister, noop)
				return err
			},
			Want: status.InvalidArgument,
		},
		{
			Name: "unknown hook",
			Call: func() error {
				_, err := f.SetHook(Hook(99), noop)
				return err
			},
			Want: status.InvalidArgument,
		},
		{
			Name: "wrong property type",
			Call: func() error {
				return f.SetProperty(ForceSize, "yes")
			},
			Want: status.InvalidArgument,
		},
		{
			Name: "bad padding",
			Call: func() error {
				return f.SetProperty(ImmediatePadding, -2)
			},
			Want: status.InvalidArgument,
		},
		{
			Name: "long prefix",
			Call: func() error {
				return f.SetProperty(HexPrefix, "0123456789ab")
			},
			Want: status.InvalidArgument,
		},
		{
			Name: "unknown property",
			Call: func() error {
				return f.SetProperty(numProperties, true)
			},
			Want: status.InvalidArgument,
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			err := test.Call()
			if !errors.Is(err, test.Want) {
				t.Fatalf("got error %v, want %v", err, test.Want)
			}
		})
	}
}

func TestProperties(t *testing.T) {
	tests := []struct {
		Property Property
		Value    any
		Want     any
	}{
		{ForceSize, true, true},
		{AddressBase, "dec", Base10},
		{AddressBase, 16, Base16},
		{ImmediateSignedness, "auto", SignednessAuto},
		{DisplacementPadding, "auto", PaddingAuto},
		{DisplacementPadding, 4, Padding(4)},
		{HexSuffix, "h", "h"},
	}

	for _, test := range tests {
		t.Run(test.Property.String(), func(t *testing.T) {
			f := mustFormatter(t, Intel)
			if err := f.SetProperty(test.Property, test.Value); err != nil {
				t.Fatalf("SetProperty(%v, %v): %v", test.Property, test.Value, err)
			}

			got, err := f.Property(test.Property)
			if err != nil {
				t.Fatalf("Property(%v): %v", test.Property, err)
			}

			if diff := cmp.Diff(test.Want, got); diff != "" {
				t.Fatalf("Property(%v): (-want, +got)\n%s", test.Property, diff)
			}

			p, err := ParseProperty(test.Property.String())
			if err != nil {
				t.Fatalf("ParseProperty(%q): %v", test.Property, err)
			}

			if p != test.Property {
				t.Fatalf("ParseProperty(%q): got %v", test.Property, p)
			}
		})
	}
}

func TestParseStyle(t *testing.T) {
	for _, style := range []Style{Intel, IntelMASM, ATT} {
		got, err := ParseStyle(style.String())
		if err != nil {
			t.Fatalf("ParseStyle(%q): %v", style, err)
		}

		if got != style {
			t.Fatalf("ParseStyle(%q): got %v, want %v", style, got, style)
		}
	}

	if _, err := ParseStyle("nasm"); status.Of(err) != status.InvalidArgument {
		t.Fatalf("ParseStyle(nasm): got error %v, want %v", err, status.InvalidArgument)
	}
}

func TestConcurrentFormat(t *testing.T) {
	codes := []string{
		"83 78 7b 2a",
		"48 c7 c0 37 13 00 00",
		"8b 44 8b f8",
		"eb 05",
		"62 f1 74 c9 58 c2",
	}

	f := mustFormatter(t, Intel)
	insts := make([]*decoder.Instruction, len(codes))
	want := make([]string, len(codes))
	for i, code := range codes {
		insts[i] = mustDecode(t, x86.Long64, code)
		text, err := f.Format(insts[i], 0x1000, nil)
		if err != nil {
			t.Fatalf("Format(%s): %v", code, err)
		}

		want[i] = text
	}

	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			for n := range 100 {
				i := n % len(insts)
				got, err := f.Format(insts[i], 0x1000, nil)
				if err != nil {
					return err
				}

				if got != want[i] {
					return fmt.Errorf("Format(%s): got %q, want %q", codes[i], got, want[i])
				}
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
