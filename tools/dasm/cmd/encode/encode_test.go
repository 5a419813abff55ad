// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package encode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"firefly-os.dev/tools/dasm/cmd/disasm"
	"firefly-os.dev/tools/dasm/internal/elfsym"
	"firefly-os.dev/tools/dasm/internal/logging"
	"firefly-os.dev/tools/dasm/status"
)

func writeFile(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	return path
}

func line(code, req string) string {
	return fmt.Sprintf("%-29s  %s\n", code, req)
}

func TestEncode(t *testing.T) {
	ctx := logging.WithContext(context.Background(), logging.New(io.Discard, "encode"))
	relative := writeFile(t, "relative.yaml", `
requests:
  - mnemonic: mov
    operands: [{reg: rax}, {imm: 0x1337}]
  - mnemonic: jmp
    operands: [{imm: 5}]
  - mnemonic: add
    prefixes: [lock]
    operands: [{mem: {base: rax}}, {reg: ecx}]
`)

	absolute := writeFile(t, "absolute.yaml", `
requests:
  - mnemonic: jmp
    operands: [{imm: 0x1007}]
  - mnemonic: call
    operands: [{imm: 0x1000}]
`)

	legacy := writeFile(t, "legacy.yaml", `
requests:
  - mnemonic: mov
    operands: [{reg: eax}, {mem: {base: ebp, disp: 8}}]
`)

	tests := []struct {
		Name string
		Args []string
		Want string
	}{
		{
			Name: "relative",
			Args: []string{relative},
			Want: line("48 c7 c0 37 13 00 00", "MOV rax, 0x1337") +
				line("eb 05", "JMP 0x5") +
				line("f0 01 08", "ADD [rax], ecx"),
		},
		{
			Name: "absolute",
			Args: []string{"-address", "0x1000", absolute},
			Want: "1000  " + line("eb 05", "JMP 0x1007") +
				"1002  " + line("e8 f9 ff ff ff", "CALL 0x1000"),
		},
		{
			Name: "mode",
			Args: []string{"-mode", "legacy32", legacy},
			Want: line("8b 45 08", "MOV eax, [ebp+0x8]"),
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := Main(ctx, &buf, test.Args); err != nil {
				t.Fatalf("Main(%q): %v", test.Args, err)
			}

			if diff := cmp.Diff(test.Want, buf.String()); diff != "" {
				t.Fatalf("Main(%q): (-want, +got)\n%s", test.Args, diff)
			}
		})
	}
}

func TestEncodeErrors(t *testing.T) {
	ctx := logging.WithContext(context.Background(), logging.New(io.Discard, "encode"))
	unknown := writeFile(t, "unknown.yaml", "requests: [{mnemonic: notaninstruction}]\n")
	badYAML := writeFile(t, "bad.yaml", "requests: {\n")
	labels := writeFile(t, "labels.yaml", "requests: [{label: a, mnemonic: ret}, {label: b, mnemonic: ret}]\n")
	tests := []struct {
		Name string
		Args []string
		Want error
	}{
		{
			Name: "unknown mnemonic",
			Args: []string{unknown},
			Want: status.InvalidArgument,
		},
		{
			Name: "bad yaml",
			Args: []string{badYAML},
			Want: status.InvalidArgument,
		},
		{
			Name: "elf without address",
			Args: []string{"-elf", filepath.Join(t.TempDir(), "out.elf"), labels},
			Want: status.InvalidArgument,
		},
		{
			Name: "elf in 32-bit mode",
			Args: []string{"-mode", "legacy32", "-address", "0x1000", "-elf", filepath.Join(t.TempDir(), "out.elf"), labels},
			Want: status.InvalidArgument,
		},
		{
			Name: "missing file",
			Args: []string{filepath.Join(t.TempDir(), "missing.yaml")},
			Want: os.ErrNotExist,
		},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			err := Main(ctx, io.Discard, test.Args)
			if !errors.Is(err, test.Want) {
				t.Fatalf("Main(%q): got error %v, want %v", test.Args, err, test.Want)
			}
		})
	}
}

func TestEncodeELF(t *testing.T) {
	ctx := logging.WithContext(context.Background(), logging.New(io.Discard, "encode"))
	input := writeFile(t, "start.yaml", `
requests:
  - label: _start
    mnemonic: call
    operands: [{imm: 0x401006}]
  - mnemonic: ret
  - label: helper
    mnemonic: ret
`)

	output := filepath.Join(t.TempDir(), "start.elf")
	args := []string{"-address", "0x401000", "-elf", output, input}
	if err := Main(ctx, io.Discard, args); err != nil {
		t.Fatalf("Main(%q): %v", args, err)
	}

	ctx = logging.WithContext(context.Background(), logging.New(io.Discard, "disasm"))
	var buf bytes.Buffer
	args = []string{"-elf", output}
	if err := disasm.Main(ctx, &buf, args); err != nil {
		t.Fatalf("disasm.Main(%q): %v", args, err)
	}

	disasmLine := func(addr uint64, code, text string) string {
		return fmt.Sprintf("%016x  %-29s  %s\n", addr, code, text)
	}

	want := "section .text:\n" +
		"0000000000401000 <_start>:\n" +
		disasmLine(0x401000, "e8 01 00 00 00", "call <helper>") +
		disasmLine(0x401005, "c3", "ret") +
		"0000000000401006 <helper>:\n" +
		disasmLine(0x401006, "c3", "ret")
	if diff := cmp.Diff(want, buf.String()); diff != "" {
		t.Fatalf("disasm.Main(%q): (-want, +got)\n%s", args, diff)
	}

	img, err := elfsym.Open(output)
	if err != nil {
		t.Fatal(err)
	}

	if img.Entry != 0x401000 {
		t.Fatalf("got entry point %#x, want %#x", img.Entry, 0x401000)
	}
}
