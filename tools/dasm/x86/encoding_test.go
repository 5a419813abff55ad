// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package x86

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseEncoding(t *testing.T) {
	tests := []struct {
		Name     string
		Encoding string
		Want     *Encoding
	}{
		{
			Name:     "opcode only",
			Encoding: "37",
			Want: &Encoding{
				Syntax: "37",
				Opcode: 0x37,
			},
		},
		{
			Name:     "always REX.W",
			Encoding: "REX.W + 81 /0 id",
			Want: &Encoding{
				Syntax:     "REX.W + 81 /0 id",
				REX:        true,
				REX_W:      true,
				Opcode:     0x81,
				ModRM:      true,
				ModRMreg:   0 + 1,
				Immediates: []int{4},
			},
		},
		{
			Name:     "fixed ModRM",
			Encoding: "F3 0F 1E 11:111:010",
			Want: &Encoding{
				Syntax:          "F3 0F 1E 11:111:010",
				MandatoryPrefix: PrefixRepeat,
				Map:             Map0F,
				Opcode:          0x1e,
				ModRM:           true,
				ModRMmod:        0b11 + 1,
				ModRMreg:        0b111 + 1,
				ModRMrm:         0b010 + 1,
			},
		},
		{
			Name:     "constrained ModRM mod",
			Encoding: "F3 0F 38 DD !(11):rrr:bbb",
			Want: &Encoding{
				Syntax:          "F3 0F 38 DD !(11):rrr:bbb",
				MandatoryPrefix: PrefixRepeat,
				Map:             Map0F38,
				Opcode:          0xdd,
				ModRM:           true,
				ModRMmod:        5,
			},
		},
		{
			Name:     "no prefixes",
			Encoding: "NP 0F 1C /0",
			Want: &Encoding{
				Syntax:        "NP 0F 1C /0",
				NoVEXPrefixes: true,
				Map:           Map0F,
				Opcode:        0x1c,
				ModRM:         true,
				ModRMreg:      0 + 1,
			},
		},
		{
			Name:     "complex prefix",
			Encoding: "NFx 66 0F AE /7",
			Want: &Encoding{
				Syntax:          "NFx 66 0F AE /7",
				NoRepPrefixes:   true,
				MandatoryPrefix: PrefixOperandSize,
				Map:             Map0F,
				Opcode:          0xae,
				ModRM:           true,
				ModRMreg:        7 + 1,
			},
		},
		{
			Name:     "register modifier",
			Encoding: "REX.W B8+ro io",
			Want: &Encoding{
				Syntax:           "REX.W B8+ro io",
				REX:              true,
				REX_W:            true,
				Opcode:           0xb8,
				RegisterModifier: true,
				Immediates:       []int{8},
			},
		},
		{
			Name:     "code offset",
			Encoding: "E8 cd",
			Want: &Encoding{
				Syntax:     "E8 cd",
				Opcode:     0xe8,
				CodeOffset: 4,
			},
		},
		{
			Name:     "x87 stack index",
			Encoding: "D9 C0+i",
			Want: &Encoding{
				Syntax:     "D9 C0+i",
				Opcode:     0xd9,
				StackIndex: true,
				ModRM:      true,
				ModRMmod:   0b11 + 1,
				ModRMreg:   0b000 + 1,
			},
		},
		{
			Name:     "x87 fixed second byte",
			Encoding: "D9 D0",
			Want: &Encoding{
				Syntax:   "D9 D0",
				Opcode:   0xd9,
				ModRM:    true,
				ModRMmod: 0b11 + 1,
				ModRMreg: 0b010 + 1,
				ModRMrm:  0b000 + 1,
			},
		},
		{
			Name:     "VEX",
			Encoding: "VEX.128.66.0F3A.W0 4A /r /is4",
			Want: &Encoding{
				Syntax: "VEX.128.66.0F3A.W0 4A /r /is4",
				Family: FamilyVEX,
				Map:    Map0F3A,
				PP:     0b01,
				Opcode: 0x4a,
				ModRM:  true,
				VEXis4: true,
			},
		},
		{
			Name:     "EVEX",
			Encoding: "EVEX.512.0F.W0 58 /r",
			Want: &Encoding{
				Syntax:  "EVEX.512.0F.W0 58 /r",
				Family:  FamilyEVEX,
				Map:     Map0F,
				EVEX_Lp: true,
				Opcode:  0x58,
				ModRM:   true,
			},
		},
		{
			Name:     "EVEX scalar",
			Encoding: "EVEX.LLIG.F3.0F.W0 58 /r",
			Want: &Encoding{
				Syntax: "EVEX.LLIG.F3.0F.W0 58 /r",
				Family: FamilyEVEX,
				Map:    Map0F,
				LIG:    true,
				PP:     0b10,
				Opcode: 0x58,
				ModRM:  true,
			},
		},
		{
			Name:     "XOP",
			Encoding: "XOP.LZ.0A.W1 10 /r id",
			Want: &Encoding{
				Syntax:     "XOP.LZ.0A.W1 10 /r id",
				Family:     FamilyXOP,
				Map:        MapXOPA,
				VEX_W:      true,
				Opcode:     0x10,
				ModRM:      true,
				Immediates: []int{4},
			},
		},
		{
			Name:     "MVEX",
			Encoding: "MVEX.512.66.0F.W0 FE /r",
			Want: &Encoding{
				Syntax: "MVEX.512.66.0F.W0 FE /r",
				Family: FamilyMVEX,
				Map:    Map0F,
				PP:     0b01,
				Opcode: 0xfe,
				ModRM:  true,
			},
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			got, err := ParseEncoding(test.Encoding)
			if err != nil {
				t.Fatalf("ParseEncoding(%q): got unexpected error: %v", test.Encoding, err)
			}

			if diff := cmp.Diff(test.Want, got); diff != "" {
				t.Fatalf("ParseEncoding(%q): (-want, +got)\n%s", test.Encoding, diff)
			}
		})
	}
}

func TestParseEncodingErrors(t *testing.T) {
	tests := []struct {
		Name     string
		Encoding string
	}{
		{
			Name:     "two opcodes",
			Encoding: "90 91",
		},
		{
			Name:     "missing VEX map",
			Encoding: "VEX.128.WIG 77",
		},
		{
			Name:     "VEX 512",
			Encoding: "VEX.512.0F.W0 58 /r",
		},
		{
			Name:     "bad EVEX clause",
			Encoding: "EVEX.512.0F.W2 58 /r",
		},
		{
			Name:     "misaligned register modifier",
			Encoding: "59+rd",
		},
		{
			Name:     "short ModRM",
			Encoding: "0F 1E 11:111",
		},
		{
			Name:     "opcode after ModRM",
			Encoding: "0F /r 1E",
		},
		{
			Name:     "stack index without escape",
			Encoding: "90 C0+i",
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			got, err := ParseEncoding(test.Encoding)
			if err == nil {
				t.Fatalf("ParseEncoding(%q): got %#v, want error", test.Encoding, got)
			}
		})
	}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		Name     string
		Encoding string
		Fields   Fields
		Want     MachineCodeMatch
	}{
		{
			Name:     "opcode extension",
			Encoding: "83 /0 ib",
			Fields:   Fields{Opcode: 0x83, ModRM: 0xc0},
			Want:     Match,
		},
		{
			Name:     "wrong opcode extension",
			Encoding: "83 /0 ib",
			Fields:   Fields{Opcode: 0x83, ModRM: 0xc8},
			Want:     MismatchWrongModRMreg,
		},
		{
			Name:     "wrong opcode",
			Encoding: "83 /0 ib",
			Fields:   Fields{Opcode: 0x81, ModRM: 0xc0},
			Want:     MismatchWrongOpcode,
		},
		{
			Name:     "register modifier",
			Encoding: "50+ro",
			Fields:   Fields{Opcode: 0x53},
			Want:     Match,
		},
		{
			Name:     "wrong register modifier",
			Encoding: "50+ro",
			Fields:   Fields{Opcode: 0x58},
			Want:     MismatchWrongModifiedOpcode,
		},
		{
			Name:     "forbidden prefix",
			Encoding: "NP 0F 1C /0",
			Fields:   Fields{Map: Map0F, Opcode: 0x1c, OperandSize: true},
			Want:     MismatchForbiddenVEXPrefix,
		},
		{
			Name:     "missing mandatory prefix",
			Encoding: "F3 0F BD /r",
			Fields:   Fields{Map: Map0F, Opcode: 0xbd, ModRM: 0xc1},
			Want:     MismatchMissingMandatoryPrefix,
		},
		{
			Name:     "mandatory prefix",
			Encoding: "F3 0F BD /r",
			Fields:   Fields{Map: Map0F, Opcode: 0xbd, Rep: PrefixRepeat, ModRM: 0xc1},
			Want:     Match,
		},
		{
			Name:     "rep prefix wins",
			Encoding: "66 0F 6F /r",
			Fields:   Fields{Map: Map0F, Opcode: 0x6f, OperandSize: true, Rep: PrefixRepeat},
			Want:     MismatchMissingMandatoryPrefix,
		},
		{
			Name:     "missing REX.W",
			Encoding: "REX.W 81 /0 id",
			Fields:   Fields{Opcode: 0x81},
			Want:     MismatchMissingREX_W,
		},
		{
			Name:     "wrong family",
			Encoding: "VEX.256.0F.WIG 58 /r",
			Fields:   Fields{Map: Map0F, Opcode: 0x58},
			Want:     MismatchFamily,
		},
		{
			Name:     "VEX",
			Encoding: "VEX.256.0F.WIG 58 /r",
			Fields:   Fields{Family: FamilyVEX, Map: Map0F, Opcode: 0x58, W: true, L: 1, ModRM: 0xc1},
			Want:     Match,
		},
		{
			Name:     "VEX wrong length",
			Encoding: "VEX.256.0F.WIG 58 /r",
			Fields:   Fields{Family: FamilyVEX, Map: Map0F, Opcode: 0x58, ModRM: 0xc1},
			Want:     MismatchMissingVEX_L,
		},
		{
			Name:     "VEX wrong map",
			Encoding: "VEX.256.0F.WIG 58 /r",
			Fields:   Fields{Family: FamilyVEX, Map: Map0F38, Opcode: 0x58, L: 1},
			Want:     MismatchMap,
		},
		{
			Name:     "EVEX wrong W",
			Encoding: "EVEX.LLIG.F3.0F.W0 58 /r",
			Fields:   Fields{Family: FamilyEVEX, Map: Map0F, Opcode: 0x58, PP: 0b10, W: true},
			Want:     MismatchMissingVEX_W,
		},
		{
			Name:     "EVEX wrong pp",
			Encoding: "EVEX.LLIG.F3.0F.W0 58 /r",
			Fields:   Fields{Family: FamilyEVEX, Map: Map0F, Opcode: 0x58, PP: 0b11},
			Want:     MismatchMissingVEXpp,
		},
		{
			Name:     "EVEX rounding control",
			Encoding: "EVEX.512.0F.W0 58 /r",
			Fields:   Fields{Family: FamilyEVEX, Map: Map0F, Opcode: 0x58, L: 0b01, IgnoreL: true, ModRM: 0xc1},
			Want:     Match,
		},
		{
			Name:     "x87 stack index",
			Encoding: "D9 C0+i",
			Fields:   Fields{Opcode: 0xd9, ModRM: 0xc3},
			Want:     Match,
		},
		{
			Name:     "x87 memory",
			Encoding: "D9 C0+i",
			Fields:   Fields{Opcode: 0xd9, ModRM: 0x03},
			Want:     MismatchWrongModRMmod,
		},
		{
			Name:     "fixed ModRM rm",
			Encoding: "F3 0F 1E 11:111:010",
			Fields:   Fields{Map: Map0F, Opcode: 0x1e, Rep: PrefixRepeat, ModRM: 0xfb},
			Want:     MismatchWrongModRMrm,
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			encoding, err := ParseEncoding(test.Encoding)
			if err != nil {
				t.Fatalf("ParseEncoding(%q): got unexpected error: %v", test.Encoding, err)
			}

			got := encoding.Matches(&test.Fields)
			if got != test.Want {
				t.Fatalf("%q.Matches(%+v): got %v, want %v", test.Encoding, test.Fields, got, test.Want)
			}
		})
	}
}
