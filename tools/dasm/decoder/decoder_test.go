// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package decoder

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sync/errgroup"

	"firefly-os.dev/tools/dasm/status"
	"firefly-os.dev/tools/dasm/x86"
)

func mustDecoder(t *testing.T, mode x86.MachineMode) *Decoder {
	t.Helper()
	stack := x86.Stack64
	switch mode {
	case x86.Legacy32, x86.LongCompat32:
		stack = x86.Stack32
	case x86.Legacy16, x86.LongCompat16, x86.Real16:
		stack = x86.Stack16
	}

	d, err := New(mode, stack)
	if err != nil {
		t.Fatalf("New(%v, %d): %v", mode, stack, err)
	}

	return d
}

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}

	return b
}

// describe summarises an operand for
// comparison.
func describe(op *Operand) string {
	switch op.Type {
	case x86.OperandRegister:
		return "reg:" + op.Register.Name
	case x86.OperandMemory:
		var parts []string
		if op.Mem.Base != nil {
			parts = append(parts, op.Mem.Base.Name)
		}

		if op.Mem.Index != nil {
			parts = append(parts, fmt.Sprintf("%s*%d", op.Mem.Index.Name, op.Mem.Scale))
		}

		if op.Mem.Disp.Has {
			parts = append(parts, fmt.Sprintf("%#x", op.Mem.Disp.Value))
		}

		return fmt.Sprintf("mem:%s:[%s]/%d", op.Mem.Segment.Name, strings.Join(parts, "+"), op.Size)
	case x86.OperandPointer:
		return fmt.Sprintf("ptr:%#x:%#x", op.Ptr.Segment, op.Ptr.Offset)
	case x86.OperandImmediate:
		if op.Imm.Relative {
			return fmt.Sprintf("rel:%#x/%d", int64(op.Imm.Value), op.Size)
		}

		return fmt.Sprintf("imm:%#x/%d", op.Imm.Value, op.Size)
	}

	return "unused"
}

func TestDecode(t *testing.T) {
	tests := []struct {
		Name     string
		Mode     x86.MachineMode
		Code     string
		Disable  []DecoderMode
		Mnemonic string
		Length   int
		Operands []string
	}{
		{
			Name:     "int3",
			Mode:     x86.Long64,
			Code:     "cc",
			Mnemonic: "INT3",
			Length:   1,
		},
		{
			Name:     "cmp memory imm8",
			Mode:     x86.Long64,
			Code:     "83 78 7b 2a",
			Mnemonic: "CMP",
			Length:   4,
			Operands: []string{"mem:ds:[rax+0x7b]/32", "imm:0x2a/8"},
		},
		{
			Name:     "mov register",
			Mode:     x86.Long64,
			Code:     "48 89 c8",
			Mnemonic: "MOV",
			Length:   3,
			Operands: []string{"reg:rax", "reg:rcx"},
		},
		{
			Name:     "mov imm32",
			Mode:     x86.Long64,
			Code:     "48 c7 c0 37 13 00 00",
			Mnemonic: "MOV",
			Length:   7,
			Operands: []string{"reg:rax", "imm:0x1337/32"},
		},
		{
			Name:     "mov extended registers",
			Mode:     x86.Long64,
			Code:     "4d 89 c8",
			Mnemonic: "MOV",
			Length:   3,
			Operands: []string{"reg:r8", "reg:r9"},
		},
		{
			Name:     "REX.B base",
			Mode:     x86.Long64,
			Code:     "41 8b 00",
			Mnemonic: "MOV",
			Length:   3,
			Operands: []string{"reg:eax", "mem:ds:[r8]/32"},
		},
		{
			Name:     "r12 base",
			Mode:     x86.Long64,
			Code:     "49 8b 04 24",
			Mnemonic: "MOV",
			Length:   4,
			Operands: []string{"reg:rax", "mem:ds:[r12]/64"},
		},
		{
			Name:     "r13 base",
			Mode:     x86.Long64,
			Code:     "4d 8b 6d 00",
			Mnemonic: "MOV",
			Length:   4,
			Operands: []string{"reg:r13", "mem:ds:[r13+0x0]/64"},
		},
		{
			Name:     "REX.X index",
			Mode:     x86.Long64,
			Code:     "42 8b 04 88",
			Mnemonic: "MOV",
			Length:   4,
			Operands: []string{"reg:eax", "mem:ds:[rax+r9*4]/32"},
		},
		{
			Name:     "r12 index",
			Mode:     x86.Long64,
			Code:     "4a 8b 04 e5 10 00 00 00",
			Mnemonic: "MOV",
			Length:   8,
			Operands: []string{"reg:rax", "mem:ds:[r12*8+0x10]/64"},
		},
		{
			Name:     "REX.R register",
			Mode:     x86.Long64,
			Code:     "4c 89 c0",
			Mnemonic: "MOV",
			Length:   3,
			Operands: []string{"reg:rax", "reg:r8"},
		},
		{
			Name:     "REX.B opcode register",
			Mode:     x86.Long64,
			Code:     "41 50",
			Mnemonic: "PUSH",
			Length:   2,
			Operands: []string{"reg:r8"},
		},
		{
			Name:     "REX.B indirect call",
			Mode:     x86.Long64,
			Code:     "41 ff d3",
			Mnemonic: "CALL",
			Length:   3,
			Operands: []string{"reg:r11"},
		},
		{
			Name:     "segment register to r32",
			Mode:     x86.Long64,
			Code:     "8c d8",
			Mnemonic: "MOV",
			Length:   2,
			Operands: []string{"reg:eax", "reg:ds"},
		},
		{
			Name:     "segment register to memory",
			Mode:     x86.Long64,
			Code:     "8c 18",
			Mnemonic: "MOV",
			Length:   2,
			Operands: []string{"mem:ds:[rax]/16", "reg:ds"},
		},
		{
			Name:     "rip relative",
			Mode:     x86.Long64,
			Code:     "48 8b 05 10 00 00 00",
			Mnemonic: "MOV",
			Length:   7,
			Operands: []string{"reg:rax", "mem:ds:[rip+0x10]/64"},
		},
		{
			Name:     "sib",
			Mode:     x86.Long64,
			Code:     "8b 44 8b f8",
			Mnemonic: "MOV",
			Length:   4,
			Operands: []string{"reg:eax", "mem:ds:[rbx+rcx*4+-0x8]/32"},
		},
		{
			Name:     "stack base",
			Mode:     x86.Legacy32,
			Code:     "8b 45 08",
			Mnemonic: "MOV",
			Length:   3,
			Operands: []string{"reg:eax", "mem:ss:[ebp+0x8]/32"},
		},
		{
			Name:     "16-bit addressing",
			Mode:     x86.Real16,
			Code:     "8b 00",
			Mnemonic: "MOV",
			Length:   2,
			Operands: []string{"reg:ax", "mem:ds:[bx+si*1]/16"},
		},
		{
			Name:     "segment override",
			Mode:     x86.Long64,
			Code:     "64 48 8b 04 25 28 00 00 00",
			Mnemonic: "MOV",
			Length:   9,
			Operands: []string{"reg:rax", "mem:fs:[0x28]/64"},
		},
		{
			Name:     "jmp short",
			Mode:     x86.Long64,
			Code:     "eb 05",
			Mnemonic: "JMP",
			Length:   2,
			Operands: []string{"rel:0x5/8"},
		},
		{
			Name:     "call backwards",
			Mode:     x86.Long64,
			Code:     "e8 fb ff ff ff",
			Mnemonic: "CALL",
			Length:   5,
			Operands: []string{"rel:-0x5/32"},
		},
		{
			Name:     "push default64",
			Mode:     x86.Long64,
			Code:     "55",
			Mnemonic: "PUSH",
			Length:   1,
			Operands: []string{"reg:rbp"},
		},
		{
			Name:     "high byte register",
			Mode:     x86.Long64,
			Code:     "88 e0",
			Mnemonic: "MOV",
			Length:   2,
			Operands: []string{"reg:al", "reg:ah"},
		},
		{
			Name:     "low byte register with REX",
			Mode:     x86.Long64,
			Code:     "40 88 e0",
			Mnemonic: "MOV",
			Length:   3,
			Operands: []string{"reg:al", "reg:spl"},
		},
		{
			Name:     "lzcnt",
			Mode:     x86.Long64,
			Code:     "f3 0f bd c1",
			Mnemonic: "LZCNT",
			Length:   4,
			Operands: []string{"reg:eax", "reg:ecx"},
		},
		{
			Name:     "lzcnt disabled",
			Mode:     x86.Long64,
			Code:     "f3 0f bd c1",
			Disable:  []DecoderMode{ModeLZCNT},
			Mnemonic: "BSR",
			Length:   4,
			Operands: []string{"reg:eax", "reg:ecx"},
		},
		{
			Name:     "VEX",
			Mode:     x86.Long64,
			Code:     "c5 f0 58 c2",
			Mnemonic: "VADDPS",
			Length:   4,
			Operands: []string{"reg:xmm0", "reg:xmm1", "reg:xmm2"},
		},
		{
			Name:     "EVEX",
			Mode:     x86.Long64,
			Code:     "62 f1 74 48 58 c2",
			Mnemonic: "VADDPS",
			Length:   6,
			Operands: []string{"reg:zmm0", "reg:zmm1", "reg:zmm2"},
		},
		{
			Name:     "EVEX compressed displacement",
			Mode:     x86.Long64,
			Code:     "62 f1 74 48 58 40 01",
			Mnemonic: "VADDPS",
			Length:   7,
			Operands: []string{"reg:zmm0", "reg:zmm1", "mem:ds:[rax+0x40]/512"},
		},
		{
			Name:     "XOP",
			Mode:     x86.Long64,
			Code:     "8f e8 78 c0 c1 05",
			Mnemonic: "VPROTB",
			Length:   6,
			Operands: []string{"reg:xmm0", "reg:xmm1", "imm:0x5/8"},
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			d := mustDecoder(t, test.Mode)
			for _, mode := range test.Disable {
				if err := d.EnableMode(mode, false); err != nil {
					t.Fatal(err)
				}
			}

			code := mustHex(t, test.Code)
			inst, err := d.Decode(code)
			if err != nil {
				t.Fatalf("Decode(% x): %v", code, err)
			}

			if inst.Mnemonic != test.Mnemonic {
				t.Errorf("Decode(% x): got mnemonic %s, want %s", code, inst.Mnemonic, test.Mnemonic)
			}

			if inst.Length != test.Length {
				t.Errorf("Decode(% x): got length %d, want %d", code, inst.Length, test.Length)
			}

			var got []string
			visible := inst.VisibleOperands()
			for i := range visible {
				got = append(got, describe(&visible[i]))
			}

			if diff := cmp.Diff(test.Operands, got); diff != "" {
				t.Errorf("Decode(% x): operands (-want, +got)\n%s", code, diff)
			}

			// The segments must cover the
			// instruction without gaps.
			offset := 0
			for _, seg := range inst.Segments() {
				if seg.Offset != offset {
					t.Errorf("Decode(% x): %v segment at offset %d, want %d", code, seg.Type, seg.Offset, offset)
				}

				offset += seg.Size
			}

			if offset != inst.Length {
				t.Errorf("Decode(% x): segments cover %d bytes, want %d", code, offset, inst.Length)
			}
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		Name   string
		Mode   x86.MachineMode
		Code   string
		Enable []DecoderMode
		Want   status.Status
	}{
		{
			Name: "REX before VEX",
			Mode: x86.Long64,
			Code: "48 c5 f0 58 c2",
			Want: status.IllegalRex,
		},
		{
			Name: "66 before VEX",
			Mode: x86.Long64,
			Code: "66 c5 f0 58 c2",
			Want: status.IllegalLegacyPfx,
		},
		{
			Name: "empty",
			Mode: x86.Long64,
			Code: "",
			Want: status.NoMoreData,
		},
		{
			Name: "truncated ModR/M",
			Mode: x86.Long64,
			Code: "83",
			Want: status.NoMoreData,
		},
		{
			Name: "truncated immediate",
			Mode: x86.Long64,
			Code: "48 c7 c0 37 13",
			Want: status.NoMoreData,
		},
		{
			Name: "too long",
			Mode: x86.Long64,
			Code: strings.Repeat("66", 16) + "90",
			Want: status.InstructionTooLong,
		},
		{
			Name: "VEX map zero",
			Mode: x86.Long64,
			Code: "c4 e0 78 58 c2",
			Want: status.InvalidMap,
		},
		{
			Name: "EVEX reserved bit",
			Mode: x86.Long64,
			Code: "62 f9 74 48 58 c2",
			Want: status.MalformedEvex,
		},
		{
			Name: "MVEX without KNC",
			Mode: x86.Long64,
			Code: "62 f1 70 08 58 c2",
			Want: status.MalformedEvex,
		},
		{
			Name: "EVEX vector length 11",
			Mode: x86.Long64,
			Code: "62 f1 74 68 58 00",
			Want: status.MalformedEvex,
		},
		{
			Name: "zeroing without mask",
			Mode: x86.Long64,
			Code: "62 f1 74 c8 58 c2",
			Want: status.InvalidMask,
		},
		{
			Name: "lock on register",
			Mode: x86.Long64,
			Code: "f0 01 c0",
			Want: status.IllegalLock,
		},
		{
			Name: "lock on nop",
			Mode: x86.Long64,
			Code: "f0 90",
			Want: status.IllegalLock,
		},
		{
			Name: "segment register 6",
			Mode: x86.Long64,
			Code: "8e f0",
			Want: status.BadRegister,
		},
		{
			Name: "segment register 7",
			Mode: x86.Long64,
			Code: "8c f8",
			Want: status.BadRegister,
		},
		{
			Name: "control register 1",
			Mode: x86.Long64,
			Code: "0f 22 c8",
			Want: status.BadRegister,
		},
		{
			Name: "unused vvvv",
			Mode: x86.Long64,
			Code: "8f e8 70 c0 c1 05",
			Want: status.BadRegister,
		},
		{
			Name: "3DNow!",
			Mode: x86.Long64,
			Code: "0f 0f c0 00",
			Want: status.DecodingError,
		},
		{
			Name: "invalid in 64-bit mode",
			Mode: x86.Long64,
			Code: "ea 00 00 00 00 08 00",
			Want: status.DecodingError,
		},
		{
			Name:   "MVEX integer float16",
			Mode:   x86.Long64,
			Code:   "62 f1 71 38 fe 00",
			Enable: []DecoderMode{ModeKNC},
			Want:   status.MalformedMvex,
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			d := mustDecoder(t, test.Mode)
			for _, mode := range test.Enable {
				if err := d.EnableMode(mode, true); err != nil {
					t.Fatal(err)
				}
			}

			code := mustHex(t, test.Code)
			inst, err := d.Decode(code)
			if err == nil {
				t.Fatalf("Decode(% x): got %s, want error %v", code, inst, test.Want)
			}

			if got := status.Of(err); got != test.Want {
				t.Fatalf("Decode(% x): got error %v (%v), want %v", code, got, err, test.Want)
			}

			if !errors.Is(err, test.Want) {
				t.Fatalf("Decode(% x): errors.Is(%v, %v) is false", code, err, test.Want)
			}
		})
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		Name  string
		Mode  x86.MachineMode
		Stack x86.StackWidth
		OK    bool
	}{
		{"long", x86.Long64, x86.Stack64, true},
		{"long with 32-bit stack", x86.Long64, x86.Stack32, false},
		{"compat", x86.LongCompat32, x86.Stack32, true},
		{"compat with 64-bit stack", x86.LongCompat32, x86.Stack64, false},
		{"real", x86.Real16, x86.Stack16, true},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			_, err := New(test.Mode, test.Stack)
			if test.OK && err != nil {
				t.Fatalf("New(): %v", err)
			}

			if !test.OK && status.Of(err) != status.InvalidArgument {
				t.Fatalf("New(): got error %v, want %v", err, status.InvalidArgument)
			}
		})
	}
}

func TestDecoderModes(t *testing.T) {
	d := mustDecoder(t, x86.Long64)
	for _, mode := range defaultModes {
		if !d.ModeEnabled(mode) {
			t.Errorf("%v: not enabled by default", mode)
		}
	}

	if d.ModeEnabled(ModeKNC) {
		t.Errorf("%v: enabled by default", ModeKNC)
	}

	if err := d.EnableMode(NumDecoderModes, true); status.Of(err) != status.InvalidArgument {
		t.Errorf("EnableMode(%d): got %v, want %v", NumDecoderModes, err, status.InvalidArgument)
	}

	for i := DecoderMode(0); i < NumDecoderModes; i++ {
		got, ok := ParseDecoderMode(i.String())
		if !ok || got != i {
			t.Errorf("ParseDecoderMode(%q): got %v, %v", i.String(), got, ok)
		}
	}
}

func TestDecodeMinimal(t *testing.T) {
	d := mustDecoder(t, x86.Long64)
	d.EnableMode(ModeMinimal, true)
	inst, err := d.Decode(mustHex(t, "83 78 7b 2a"))
	if err != nil {
		t.Fatal(err)
	}

	if inst.Mnemonic != "CMP" || inst.Length != 4 {
		t.Errorf("got %s with length %d, want CMP with length 4", inst.Mnemonic, inst.Length)
	}

	if n := len(inst.Operands()); n != 0 {
		t.Errorf("got %d operands in minimal mode, want 0", n)
	}

	if inst.Flags != (x86.AccessedFlags{}) {
		t.Errorf("got flags %v in minimal mode, want none", inst.Flags)
	}
}

func TestDecodeAVX(t *testing.T) {
	k0 := x86.RegisterByIndex(x86.TypeOpmask, 0)
	k1 := x86.RegisterByIndex(x86.TypeOpmask, 1)
	tests := []struct {
		Name   string
		Code   string
		Enable []DecoderMode
		Want   AVX
	}{
		{
			Name: "VEX",
			Code: "c5 f0 58 c2",
			Want: AVX{VectorLength: 128},
		},
		{
			Name: "EVEX",
			Code: "62 f1 74 48 58 c2",
			Want: AVX{
				VectorLength: 512,
				Mask:         Mask{Mode: x86.MaskDisabled, Register: k0},
			},
		},
		{
			Name: "zeroing",
			Code: "62 f1 74 c9 58 c2",
			Want: AVX{
				VectorLength: 512,
				Mask:         Mask{Mode: x86.MaskZeroing, Register: k1},
			},
		},
		{
			Name: "merging",
			Code: "62 f1 74 49 58 c2",
			Want: AVX{
				VectorLength: 512,
				Mask:         Mask{Mode: x86.MaskMerging, Register: k1},
			},
		},
		{
			Name: "rounding",
			Code: "62 f1 74 38 58 c2",
			Want: AVX{
				VectorLength: 512,
				Mask:         Mask{Mode: x86.MaskDisabled, Register: k0},
				Rounding:     x86.RoundingRD,
				SAE:          true,
			},
		},
		{
			Name: "broadcast",
			Code: "62 f1 74 58 58 00",
			Want: AVX{
				VectorLength: 512,
				Mask:         Mask{Mode: x86.MaskDisabled, Register: k0},
				Broadcast:    x86.Broadcast1to16,
			},
		},
		{
			Name:   "MVEX swizzle",
			Code:   "62 f1 70 48 58 c2",
			Enable: []DecoderMode{ModeKNC},
			Want: AVX{
				VectorLength: 512,
				Mask:         Mask{Mode: x86.MaskDisabled, Register: k0},
				Swizzle:      x86.SwizzleAAAA,
			},
		},
		{
			Name:   "MVEX conversion",
			Code:   "62 f1 70 b8 58 00",
			Enable: []DecoderMode{ModeKNC},
			Want: AVX{
				VectorLength: 512,
				Mask:         Mask{Mode: x86.MaskDisabled, Register: k0},
				Conversion:   x86.ConversionFloat16,
				EvictionHint: true,
			},
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			d := mustDecoder(t, x86.Long64)
			for _, mode := range test.Enable {
				d.EnableMode(mode, true)
			}

			code := mustHex(t, test.Code)
			inst, err := d.Decode(code)
			if err != nil {
				t.Fatalf("Decode(% x): %v", code, err)
			}

			if diff := cmp.Diff(test.Want, inst.AVX); diff != "" {
				t.Fatalf("Decode(% x): AVX (-want, +got)\n%s", code, diff)
			}
		})
	}
}

func TestRawPrefixes(t *testing.T) {
	tests := []struct {
		Name       string
		Code       string
		Prefixes   []RawPrefix
		REX        RawREX
		Unused     x86.REX
		Attributes x86.Attributes
	}{
		{
			Name: "ignored REX",
			Code: "48 66 48 89 c8",
			Prefixes: []RawPrefix{
				{Value: 0x48, Kind: PrefixIgnored},
				{Value: 0x66, Kind: PrefixEffective},
			},
			REX:        RawREX{Value: 0x48, Offset: 2},
			Attributes: x86.HasModRM | x86.HasREX | x86.HasOperandSize,
		},
		{
			Name: "mandatory",
			Code: "f3 0f bd c1",
			Prefixes: []RawPrefix{
				{Value: 0xf3, Kind: PrefixMandatory},
			},
			Attributes: x86.HasModRM,
		},
		{
			Name: "repeated segment",
			Code: "2e 64 8b 00",
			Prefixes: []RawPrefix{
				{Value: 0x2e, Kind: PrefixIgnored},
				{Value: 0x64, Kind: PrefixEffective},
			},
			Attributes: x86.HasModRM | x86.AcceptsSegment | x86.HasSegmentFS,
		},
		{
			Name:       "unused REX.W",
			Code:       "48 c3",
			REX:        RawREX{Value: 0x48, Offset: 0},
			Unused:     0b1000,
			Attributes: x86.HasREX | x86.AcceptsBND,
		},
		{
			Name: "branch hint",
			Code: "3e 74 05",
			Prefixes: []RawPrefix{
				{Value: 0x3e, Kind: PrefixEffective},
			},
			Attributes: x86.IsRelative | x86.AcceptsBND | x86.AcceptsBranchHints | x86.HasBranchTaken,
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			d := mustDecoder(t, x86.Long64)
			code := mustHex(t, test.Code)
			inst, err := d.Decode(code)
			if err != nil {
				t.Fatalf("Decode(% x): %v", code, err)
			}

			if diff := cmp.Diff(test.Prefixes, inst.Raw.Prefixes()); diff != "" {
				t.Errorf("Decode(% x): prefixes (-want, +got)\n%s", code, diff)
			}

			if inst.Raw.REX != test.REX {
				t.Errorf("Decode(% x): got REX %+v, want %+v", code, inst.Raw.REX, test.REX)
			}

			if inst.Raw.Unused != test.Unused {
				t.Errorf("Decode(% x): got unused bits %04b, want %04b", code, inst.Raw.Unused, test.Unused)
			}

			if inst.Attributes != test.Attributes {
				t.Errorf("Decode(% x): got attributes %v, want %v", code, inst.Attributes, test.Attributes)
			}
		})
	}
}

func TestAccessedFlags(t *testing.T) {
	d := mustDecoder(t, x86.Long64)
	cmpInst, err := d.Decode(mustHex(t, "83 78 7b 2a"))
	if err != nil {
		t.Fatal(err)
	}

	got, err := cmpInst.AccessedFlags(x86.FlagModified)
	if err != nil {
		t.Fatal(err)
	}

	var want x86.Flags
	for _, f := range []x86.CPUFlag{x86.FlagCF, x86.FlagPF, x86.FlagAF, x86.FlagZF, x86.FlagSF, x86.FlagOF} {
		want |= 1 << f
	}

	if got != want {
		t.Errorf("CMP modified flags: got %v, want %v", got, want)
	}

	if got := cmpInst.FlagsWritten(); got != want {
		t.Errorf("CMP written flags: got %v, want %v", got, want)
	}

	if got := cmpInst.FlagsRead(); got != 0 {
		t.Errorf("CMP read flags: got %v, want none", got)
	}

	je, err := d.Decode(mustHex(t, "74 05"))
	if err != nil {
		t.Fatal(err)
	}

	if got, want := je.FlagsRead(), x86.Flags(1<<x86.FlagZF); got != want {
		t.Errorf("JE read flags: got %v, want %v", got, want)
	}

	_, err = je.AccessedFlags(x86.FlagUndefined + 1)
	if status.Of(err) != status.InvalidArgument {
		t.Errorf("AccessedFlags(invalid): got %v, want %v", err, status.InvalidArgument)
	}
}

func TestHiddenOperands(t *testing.T) {
	d := mustDecoder(t, x86.Long64)
	inst, err := d.Decode(mustHex(t, "55"))
	if err != nil {
		t.Fatal(err)
	}

	var got []string
	ops := inst.Operands()
	for i := range ops[len(inst.VisibleOperands()):] {
		op := &ops[len(inst.VisibleOperands())+i]
		if op.Visibility != x86.VisibilityHidden {
			t.Errorf("operand %d: got visibility %v, want hidden", op.ID, op.Visibility)
		}

		got = append(got, describe(op))
	}

	want := []string{"reg:rsp", "mem:ss:[rsp]/64"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("PUSH hidden operands: (-want, +got)\n%s", diff)
	}
}

func TestCalcAbsoluteAddress(t *testing.T) {
	d := mustDecoder(t, x86.Long64)
	tests := []struct {
		Name    string
		Code    string
		Operand int
		Context RegisterContext
		Want    uint64
		Err     status.Status
	}{
		{
			Name: "relative",
			Code: "eb 05",
			Want: 0x1007,
		},
		{
			Name: "backwards",
			Code: "e8 fb ff ff ff",
			Want: 0x1000,
		},
		{
			Name:    "rip relative",
			Code:    "48 8b 05 10 00 00 00",
			Operand: 1,
			Want:    0x1017,
		},
		{
			Name:    "absolute",
			Code:    "64 48 8b 04 25 28 00 00 00",
			Operand: 1,
			Want:    0x28,
		},
		{
			Name: "register without context",
			Code: "83 78 7b 2a",
			Err:  status.InvalidOperation,
		},
		{
			Name:    "register with context",
			Code:    "83 78 7b 2a",
			Context: RegisterContext{x86.RAX: 0x100},
			Want:    0x17b,
		},
		{
			Name:    "missing register",
			Code:    "83 78 7b 2a",
			Context: RegisterContext{x86.RBX: 0x100},
			Err:     status.InvalidArgument,
		},
		{
			Name:    "plain immediate",
			Code:    "83 78 7b 2a",
			Operand: 1,
			Err:     status.InvalidOperation,
		},
		{
			Name: "register",
			Code: "55",
			Err:  status.InvalidArgument,
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			inst, err := d.Decode(mustHex(t, test.Code))
			if err != nil {
				t.Fatal(err)
			}

			op := &inst.Operands()[test.Operand]
			got, err := inst.CalcAbsoluteAddressEx(op, 0x1000, test.Context)
			if test.Err != 0 {
				if status.Of(err) != test.Err {
					t.Fatalf("got %#x, %v, want error %v", got, err, test.Err)
				}

				return
			}

			if err != nil {
				t.Fatal(err)
			}

			if got != test.Want {
				t.Fatalf("got %#x, want %#x", got, test.Want)
			}
		})
	}
}

func TestIterator(t *testing.T) {
	d := mustDecoder(t, x86.Long64)
	code := mustHex(t, "55 48 89 e5 c3 55 48")
	type step struct {
		Addr     uint64
		Mnemonic string
		Bytes    []byte
	}

	var got []step
	it := d.DecodeAll(code, 0x1000)
	for it.Next() {
		got = append(got, step{Addr: it.Addr(), Mnemonic: it.Inst().Mnemonic, Bytes: it.Bytes()})
	}

	want := []step{
		{Addr: 0x1000, Mnemonic: "PUSH", Bytes: []byte{0x55}},
		{Addr: 0x1001, Mnemonic: "MOV", Bytes: []byte{0x48, 0x89, 0xe5}},
		{Addr: 0x1004, Mnemonic: "RET", Bytes: []byte{0xc3}},
		{Addr: 0x1005, Mnemonic: "PUSH", Bytes: []byte{0x55}},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("DecodeAll(): (-want, +got)\n%s", diff)
	}

	if status.Of(it.Err()) != status.NoMoreData {
		t.Fatalf("DecodeAll(): got error %v, want %v", it.Err(), status.NoMoreData)
	}

	it = d.DecodeAll(code[:5], 0)
	for it.Next() {
	}

	if err := it.Err(); err != nil {
		t.Fatalf("DecodeAll(): unexpected error at the end of the code: %v", err)
	}
}

func TestControlRegisterSize(t *testing.T) {
	tests := []struct {
		Name     string
		Mode     x86.MachineMode
		Code     string
		Operands []string
		Size     int
	}{
		{
			Name:     "read cr3 64-bit",
			Mode:     x86.Long64,
			Code:     "0f 20 d8",
			Operands: []string{"reg:rax", "reg:cr3"},
			Size:     64,
		},
		{
			Name:     "write cr0 64-bit",
			Mode:     x86.Long64,
			Code:     "0f 22 c0",
			Operands: []string{"reg:cr0", "reg:rax"},
			Size:     64,
		},
		{
			Name:     "read cr3 32-bit",
			Mode:     x86.Legacy32,
			Code:     "0f 20 d8",
			Operands: []string{"reg:eax", "reg:cr3"},
			Size:     32,
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			d := mustDecoder(t, test.Mode)
			inst, err := d.Decode(mustHex(t, test.Code))
			if err != nil {
				t.Fatalf("Decode(%s): %v", test.Code, err)
			}

			var got []string
			visible := inst.VisibleOperands()
			for i := range visible {
				got = append(got, describe(&visible[i]))
				if visible[i].Size != test.Size {
					t.Errorf("operand %d: got size %d, want %d", i, visible[i].Size, test.Size)
				}
			}

			if diff := cmp.Diff(test.Operands, got); diff != "" {
				t.Fatalf("Decode(%s): operands (-want, +got)\n%s", test.Code, diff)
			}
		})
	}
}

// x86asmRegister returns the name this
// package uses for an x86asm register.
func x86asmRegister(r x86asm.Reg) string {
	name := strings.ToLower(r.String())
	switch name {
	case "spb", "bpb", "sib", "dib":
		return name[:2] + "l"
	}

	if len(name) > 2 && name[1] >= '0' && name[1] <= '9' {
		switch {
		case name[0] == 'r' && strings.HasSuffix(name, "l"):
			return strings.TrimSuffix(name, "l") + "d"
		case name[0] == 'x':
			return "xmm" + name[1:]
		}
	}

	if len(name) == 2 && name[0] == 'x' {
		return "xmm" + name[1:]
	}

	return name
}

// x86asmOperand describes an x86asm
// argument, without segments or sizes.
func x86asmOperand(arg x86asm.Arg) string {
	switch a := arg.(type) {
	case x86asm.Reg:
		return "reg:" + x86asmRegister(a)
	case x86asm.Mem:
		var parts []string
		if a.Base != 0 {
			parts = append(parts, x86asmRegister(a.Base))
		}

		if a.Index != 0 {
			parts = append(parts, fmt.Sprintf("%s*%d", x86asmRegister(a.Index), a.Scale))
		}

		if a.Disp != 0 {
			parts = append(parts, fmt.Sprintf("%#x", a.Disp))
		}

		return "mem:[" + strings.Join(parts, "+") + "]"
	case x86asm.Imm:
		return "imm"
	case x86asm.Rel:
		return "rel"
	}

	return fmt.Sprintf("%T", arg)
}

// oracleOperand describes an operand in
// the same form as x86asmOperand.
func oracleOperand(op *Operand) string {
	switch op.Type {
	case x86.OperandRegister:
		return "reg:" + op.Register.Name
	case x86.OperandMemory:
		var parts []string
		if op.Mem.Base != nil {
			parts = append(parts, op.Mem.Base.Name)
		}

		if op.Mem.Index != nil {
			parts = append(parts, fmt.Sprintf("%s*%d", op.Mem.Index.Name, op.Mem.Scale))
		}

		if op.Mem.Disp.Value != 0 {
			parts = append(parts, fmt.Sprintf("%#x", op.Mem.Disp.Value))
		}

		return "mem:[" + strings.Join(parts, "+") + "]"
	case x86.OperandImmediate:
		if op.Imm.Relative {
			return "rel"
		}

		return "imm"
	}

	return fmt.Sprintf("%v", op.Type)
}

// TestOracle checks the decoded length
// and explicit operands of legacy
// instructions against the x86asm package.
func TestOracle(t *testing.T) {
	codes := []string{
		"90",
		"cc",
		"c3",
		"55",
		"48 89 e5",
		"83 78 7b 2a",
		"48 c7 c0 37 13 00 00",
		"48 b8 88 77 66 55 44 33 22 11",
		"8b 44 8b f8",
		"48 8b 05 10 00 00 00",
		"64 48 8b 04 25 28 00 00 00",
		"66 0f 1f 44 00 00",
		"0f 1f 80 00 00 00 00",
		"eb 05",
		"e9 00 01 00 00",
		"0f 84 00 01 00 00",
		"f3 48 a5",
		"f0 01 18",
		"c2 08 00",
		"c8 10 00 01",
		"0f a2",
		"0f 05",
		"66 0f 6e c0",
		"f2 0f 10 00",
		"0f b6 c0",
		"48 63 c7",
		"4d 89 c8",
		"4c 89 c0",
		"45 31 c0",
		"44 88 c0",
		"40 88 e6",
		"41 0f b6 c0",
		"49 c7 c0 37 13 00 00",
		"41 8b 00",
		"49 8b 04 24",
		"4d 8b 6d 00",
		"41 8b 45 08",
		"42 8b 04 88",
		"4a 8b 04 e5 10 00 00 00",
		"43 8b 44 ac 08",
		"41 50",
		"41 ff d3",
		"66 44 0f 6e c8",
		"8c d8",
	}

	// x86asm spells these with different
	// explicit operands, so only their
	// lengths are compared.
	lengthOnly := map[string]bool{
		"90":       true,
		"cc":       true,
		"f3 48 a5": true,
	}

	d := mustDecoder(t, x86.Long64)
	for _, s := range codes {
		code := mustHex(t, s)
		want, err := x86asm.Decode(code, 64)
		if err != nil {
			t.Errorf("x86asm.Decode(% x): %v", code, err)
			continue
		}

		got, err := d.Decode(code)
		if err != nil {
			t.Errorf("Decode(% x): %v", code, err)
			continue
		}

		if got.Length != want.Len {
			t.Errorf("Decode(% x): got length %d, want %d (%v)", code, got.Length, want.Len, want)
		}

		if lengthOnly[s] {
			continue
		}

		var wantOps []string
		for _, arg := range want.Args {
			if arg == nil {
				break
			}

			wantOps = append(wantOps, x86asmOperand(arg))
		}

		var gotOps []string
		visible := got.VisibleOperands()
		for i := range visible {
			gotOps = append(gotOps, oracleOperand(&visible[i]))
		}

		if diff := cmp.Diff(wantOps, gotOps); diff != "" {
			t.Errorf("Decode(% x): operands (-want, +got) for %v\n%s", code, want, diff)
		}
	}
}

func TestDecodeConcurrent(t *testing.T) {
	d := mustDecoder(t, x86.Long64)
	codes := [][]byte{
		mustHex(t, "83 78 7b 2a"),
		mustHex(t, "62 f1 74 48 58 c2"),
		mustHex(t, "c5 f0 58 c2"),
		mustHex(t, "48 8b 05 10 00 00 00"),
	}

	want := make([]string, len(codes))
	for i, code := range codes {
		inst, err := d.Decode(code)
		if err != nil {
			t.Fatal(err)
		}

		want[i] = inst.Mnemonic
	}

	var g errgroup.Group
	for n := 0; n < 8; n++ {
		g.Go(func() error {
			for i, code := range codes {
				inst, err := d.Decode(code)
				if err != nil {
					return err
				}

				if inst.Mnemonic != want[i] {
					return fmt.Errorf("Decode(% x): got %s, want %s", code, inst.Mnemonic, want[i])
				}
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
