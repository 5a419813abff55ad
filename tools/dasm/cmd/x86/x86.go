// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package x86 prints debugging information about the
// disassembler's understanding of the x86 instruction
// set.
package x86

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"firefly-os.dev/tools/dasm/internal/logging"
	"firefly-os.dev/tools/dasm/x86"
)

var program = filepath.Base(os.Args[0])

// Main prints information about the given
// instruction mnemonics and registers.
func Main(ctx context.Context, w io.Writer, args []string) error {
	flags := flag.NewFlagSet("x86", flag.ExitOnError)

	var help bool
	flags.BoolVar(&help, "h", false, "Show this message and exit.")

	flags.Usage = func() {
		fmt.Fprintf(flags.Output(), "Usage:\n  %s %s [OPTIONS] MNEMONIC|REGISTER...\n\n", program, flags.Name())
		flags.PrintDefaults()
		os.Exit(2)
	}

	err := flags.Parse(args)
	if err != nil || help {
		flags.Usage()
	}

	lg := logging.FromContext(ctx)

	var buf bytes.Buffer
	for i, name := range flags.Args() {
		if i > 0 {
			// Add a spacer.
			fmt.Fprintln(&buf)
		}

		// See whether it's a register first.
		if reg := x86.RegistersByName[strings.ToLower(name)]; reg != nil {
			printRegister(&buf, name, reg)
			continue
		}

		forms := x86.LookupMnemonic(name)
		if len(forms) == 0 {
			lg.Warn("no instruction data found", "mnemonic", name)
			fmt.Fprintf(&buf, "%s: no instruction data found\n", name)
			continue
		}

		fmt.Fprintf(&buf, "%s: []*Form{\n", name)
		for _, form := range forms {
			printForm(&buf, form)
		}

		fmt.Fprintf(&buf, "}\n")
	}

	_, err = w.Write(buf.Bytes())
	return err
}

func printRegister(buf *bytes.Buffer, name string, reg *x86.Register) {
	fmt.Fprintf(buf, "%s: &Register{\n", name)
	fmt.Fprintf(buf, "	Name:  %q,\n", reg.Name)
	fmt.Fprintf(buf, "	Type:  %q,\n", reg.Type)
	if reg.Bits != 0 {
		fmt.Fprintf(buf, "	Bits:  %d,\n", reg.Bits)
	}
	fmt.Fprintf(buf, "	Index: 0b%05b,\n", reg.Index)
	if reg.MinMode != 0 {
		fmt.Fprintf(buf, "	Mode:  %d,\n", reg.MinMode)
	}
	if reg.EVEX {
		fmt.Fprintf(buf, "	EVEX:  %v,\n", reg.EVEX)
	}
	if reg.High {
		fmt.Fprintf(buf, "	High:  %v,\n", reg.High)
	}
	if len(reg.Aliases) > 0 {
		fmt.Fprintf(buf, "	Aliases: [\n")
		for _, alias := range reg.Aliases {
			fmt.Fprintf(buf, "		%q,\n", alias)
		}
		fmt.Fprintf(buf, "	],\n")
	}
	fmt.Fprintf(buf, "}\n")
}

func printForm(buf *bytes.Buffer, form *x86.Form) {
	fmt.Fprintf(buf, "	{\n")
	fmt.Fprintf(buf, "		Mnemonic: %q,\n", form.Mnemonic)
	fmt.Fprintf(buf, "		UID:      %q,\n", form.UID)
	fmt.Fprintf(buf, "		Syntax:   %q,\n", form.Syntax)
	if form.GNU != "" {
		fmt.Fprintf(buf, "		GNU:      %q,\n", form.GNU)
	}

	enc := form.Encoding
	fmt.Fprintf(buf, "		Encoding: {\n")
	fmt.Fprintf(buf, "			Syntax:        %q,\n", enc.Syntax)
	fmt.Fprintf(buf, "			Family:        %s,\n", enc.Family)
	if enc.Map != x86.MapDefault {
		fmt.Fprintf(buf, "			Map:           %s,\n", enc.Map)
	}
	if enc.MandatoryPrefix != 0 {
		fmt.Fprintf(buf, "			Prefix:        %#02x,\n", byte(enc.MandatoryPrefix))
	}
	if enc.NoVEXPrefixes {
		fmt.Fprintf(buf, "			NoVEX:         %v,\n", enc.NoVEXPrefixes)
	}
	if enc.NoRepPrefixes {
		fmt.Fprintf(buf, "			NoRep:         %v,\n", enc.NoRepPrefixes)
	}
	switch {
	case enc.REX_W:
		fmt.Fprintf(buf, "			REX.W:         %v,\n", enc.REX_W)
	case enc.REX:
		fmt.Fprintf(buf, "			REX:           %v,\n", enc.REX)
	}
	switch enc.Family {
	case x86.FamilyVEX, x86.FamilyXOP, x86.FamilyEVEX, x86.FamilyMVEX:
		fmt.Fprintf(buf, "			L:             %b,\n", b2i(enc.VEX_L))
		if enc.Family == x86.FamilyEVEX {
			fmt.Fprintf(buf, "			L':            %b,\n", b2i(enc.EVEX_Lp))
		}
		if enc.LIG {
			fmt.Fprintf(buf, "			LIG:           %v,\n", enc.LIG)
		}
		fmt.Fprintf(buf, "			pp:            %02b,\n", enc.PP)
		if enc.VEX_WIG {
			fmt.Fprintf(buf, "			WIG:           %v,\n", enc.VEX_WIG)
		} else {
			fmt.Fprintf(buf, "			W:             %b,\n", b2i(enc.VEX_W))
		}
		if enc.VEXis4 {
			fmt.Fprintf(buf, "			is4:           %v,\n", enc.VEXis4)
		}
	}
	if enc.Mask {
		fmt.Fprintf(buf, "			opmask:        %v,\n", enc.Mask)
	}
	if enc.Zero {
		fmt.Fprintf(buf, "			zero:          %v,\n", enc.Zero)
	}
	if enc.Rounding {
		fmt.Fprintf(buf, "			round:         %v,\n", enc.Rounding)
	}
	if enc.Suppress {
		fmt.Fprintf(buf, "			suppress:      %v,\n", enc.Suppress)
	}
	fmt.Fprintf(buf, "			Opcode:        %#02x,\n", enc.Opcode)
	if enc.RegisterModifier {
		fmt.Fprintf(buf, "			RegModifier:   %v,\n", enc.RegisterModifier)
	}
	if enc.StackIndex {
		fmt.Fprintf(buf, "			StackIndex:    %v,\n", enc.StackIndex)
	}
	if enc.CodeOffset != 0 {
		fmt.Fprintf(buf, "			CodeOffset:    %d,\n", enc.CodeOffset)
	}
	if enc.ModRM {
		fmt.Fprintf(buf, "			ModR/M:        %v,\n", enc.ModRM)
	}
	if enc.ModRMmod == 5 {
		fmt.Fprintf(buf, "			ModR/M.mod:    !0b11,\n")
	} else if enc.ModRMmod != 0 {
		fmt.Fprintf(buf, "			ModR/M.mod:    %02b,\n", enc.ModRMmod-1)
	}
	if enc.ModRMreg != 0 {
		fmt.Fprintf(buf, "			ModR/M.reg:    %03b,\n", enc.ModRMreg-1)
	}
	if enc.ModRMrm != 0 {
		fmt.Fprintf(buf, "			ModR/M.r/m:    %03b,\n", enc.ModRMrm-1)
	}
	if len(enc.Immediates) > 0 {
		fmt.Fprintf(buf, "			Immediates:    %v,\n", enc.Immediates)
	}
	fmt.Fprintf(buf, "		},\n")

	if len(form.Params) > 0 {
		fmt.Fprintf(buf, "		Params: [\n")
		for i, p := range form.Params {
			fmt.Fprintf(buf, "			%s (%s),\n", p, form.Action(i))
		}
		fmt.Fprintf(buf, "		],\n")
	}

	var modes []string
	if form.Mode64 {
		modes = append(modes, "64")
	}
	if form.Mode32 {
		modes = append(modes, "32")
	}
	if form.Mode16 {
		modes = append(modes, "16")
	}
	fmt.Fprintf(buf, "		Modes:    [%s],\n", strings.Join(modes, ", "))
	if len(form.CPUID) > 0 {
		fmt.Fprintf(buf, "		CPUID:    %q,\n", form.CPUID)
	}
	if form.Gate != "" {
		fmt.Fprintf(buf, "		Gate:     %q,\n", form.Gate)
	}

	var accepts []string
	for _, a := range []struct {
		name string
		ok   bool
	}{
		{"lock", form.Lock},
		{"rep", form.Rep},
		{"repe", form.RepE},
		{"bnd", form.BND},
		{"notrack", form.NoTrack},
		{"branch hints", form.BranchHints},
	} {
		if a.ok {
			accepts = append(accepts, a.name)
		}
	}
	if len(accepts) > 0 {
		fmt.Fprintf(buf, "		Accepts:  [%s],\n", strings.Join(accepts, ", "))
	}
	if form.Default64 {
		fmt.Fprintf(buf, "		Default64: true,\n")
	}
	if form.Force64 {
		fmt.Fprintf(buf, "		Force64:  true,\n")
	}
	if form.Privileged {
		fmt.Fprintf(buf, "		Privileged: true,\n")
	}
	if form.Far {
		fmt.Fprintf(buf, "		Far:      true,\n")
	}

	if sem := form.Semantics; sem != nil {
		if sem.Tested != 0 {
			fmt.Fprintf(buf, "		Tested:   %s,\n", sem.Tested)
		}
		if sem.Modified != 0 {
			fmt.Fprintf(buf, "		Modified: %s,\n", sem.Modified)
		}
		if sem.Undefined != 0 {
			fmt.Fprintf(buf, "		Undefined: %s,\n", sem.Undefined)
		}
	}
	fmt.Fprintf(buf, "	},\n")
}

func b2i(b bool) int {
	if b {
		return 1
	}

	return 0
}
