// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package disasm decodes and prints x86 machine code.
//
// Each input is a hex string, a raw binary file, or
// with -elf, an ELF binary. The executable sections
// of an ELF binary are disassembled with branch and
// memory targets replaced by their symbol names.
package disasm

import (
	"bytes"
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"golang.org/x/arch/x86/x86asm"
	"golang.org/x/sync/errgroup"

	"firefly-os.dev/tools/dasm/decoder"
	"firefly-os.dev/tools/dasm/formatter"
	"firefly-os.dev/tools/dasm/formatter/highlight"
	"firefly-os.dev/tools/dasm/internal/config"
	"firefly-os.dev/tools/dasm/internal/elfsym"
	"firefly-os.dev/tools/dasm/internal/logging"
	"firefly-os.dev/tools/dasm/status"
	"firefly-os.dev/tools/dasm/x86"
)

var program = filepath.Base(os.Args[0])

// bytesWidth is the width of the machine code
// column, enough for ten bytes.
const bytesWidth = 29

// Main disassembles the inputs named in args.
func Main(ctx context.Context, w io.Writer, args []string) error {
	flags := flag.NewFlagSet("disasm", flag.ExitOnError)

	var (
		help      bool
		mode      = x86.Long64
		style     = formatter.Intel
		address   = formatter.NoRuntimeAddress
		modes     []string
		cfgPath   string
		opts      options
		showColor bool
	)

	flags.BoolVar(&help, "h", false, "Show this message and exit.")
	flags.Func("mode", "The machine mode (default long64).", func(s string) error {
		m, ok := x86.MachineModes[strings.ToLower(s)]
		if !ok {
			return fmt.Errorf("unknown machine mode %q", s)
		}

		mode = m
		return nil
	})
	flags.Func("style", "The syntax: intel, masm, or att (default intel).", func(s string) (err error) {
		style, err = formatter.ParseStyle(s)
		return err
	})
	flags.Func("address", "The runtime address of hex and binary input.", func(s string) (err error) {
		address, err = strconv.ParseUint(s, 0, 64)
		return err
	})
	flags.Func("decoder-mode", "Enable a decoder mode, or disable it with a leading '-'. May be repeated.", func(s string) error {
		modes = append(modes, s)
		return nil
	})
	flags.StringVar(&cfgPath, "config", "", "A YAML file of formatter properties.")
	flags.BoolVar(&showColor, "color", false, "Highlight the output for a 256-colour terminal.")
	flags.BoolVar(&opts.tokens, "tokens", false, "Print each instruction's tokens.")
	flags.BoolVar(&opts.segments, "segments", false, "Print the parts of each instruction's machine code.")
	flags.BoolVar(&opts.elf, "elf", false, "Treat the inputs as ELF binaries.")
	flags.BoolVar(&opts.check, "check", false, "Check instruction lengths against golang.org/x/arch/x86/x86asm.")

	flags.Usage = func() {
		fmt.Fprintf(flags.Output(), "Usage:\n  %s %s [OPTIONS] HEX|FILE...\n\n", program, flags.Name())
		flags.PrintDefaults()
		os.Exit(2)
	}

	err := flags.Parse(args)
	if err != nil || help {
		flags.Usage()
	}

	inputs := flags.Args()
	if len(inputs) == 0 {
		flags.Usage()
	}

	cfg := &config.Formatter{}
	if cfgPath != "" {
		data, err := os.ReadFile(cfgPath)
		if err != nil {
			return err
		}

		cfg, err = config.ParseFormatter(data)
		if err != nil {
			return fmt.Errorf("%s: %w", cfgPath, err)
		}
	}

	f, err := cfg.New(style)
	if err != nil {
		return err
	}

	opts.mode = mode
	opts.address = address
	opts.modes = modes
	if showColor {
		opts.color = "terminal256"
	}

	c, err := newCommand(logging.FromContext(ctx), f, opts)
	if err != nil {
		return err
	}

	results := make([]bytes.Buffer, len(inputs))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, input := range inputs {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}

			if err := c.run(&results[i], input); err != nil {
				return fmt.Errorf("%s: %w", input, err)
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	for i := range results {
		if len(inputs) > 1 {
			if i > 0 {
				fmt.Fprintln(w)
			}

			fmt.Fprintf(w, "%s:\n", inputs[i])
		}

		if _, err := w.Write(results[i].Bytes()); err != nil {
			return err
		}
	}

	return nil
}

type options struct {
	mode     x86.MachineMode
	address  uint64
	modes    []string
	color    string // The chroma formatter, if any.
	tokens   bool
	segments bool
	elf      bool
	check    bool
}

// command holds the state shared by
// the inputs, which may be processed
// concurrently.
type command struct {
	log  *log.Logger
	f    *formatter.Formatter
	opts options
}

func newCommand(lg *log.Logger, f *formatter.Formatter, opts options) (*command, error) {
	c := &command{log: lg, f: f, opts: opts}

	// Check the decoder modes once, up front.
	if _, err := c.decoder(opts.mode); err != nil {
		return nil, err
	}

	prev := f.Hooks().PrintAddressAbs
	if _, err := f.SetHook(formatter.PrintAddressAbs, symbolHook(prev)); err != nil {
		return nil, err
	}

	return c, nil
}

// decoder returns a decoder for the mode
// with the requested decoder modes.
func (c *command) decoder(mode x86.MachineMode) (*decoder.Decoder, error) {
	d, err := decoder.New(mode, mode.StackWidth())
	if err != nil {
		return nil, err
	}

	for _, name := range c.opts.modes {
		enabled := !strings.HasPrefix(name, "-")
		name = strings.TrimPrefix(name, "-")
		m, ok := decoder.ParseDecoderMode(strings.ToLower(name))
		if !ok {
			return nil, fmt.Errorf("%w: unknown decoder mode %q", status.InvalidArgument, name)
		}

		if err := d.EnableMode(m, enabled); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// Symbols maps runtime addresses to names.
type Symbols map[uint64]string

// symbolHook prints absolute addresses that
// have a symbol as the symbol's name. The
// symbols are passed as the user data.
func symbolHook(prev formatter.Func) formatter.Func {
	return func(f *formatter.Formatter, buf *formatter.Buffer, ctx *formatter.Context) error {
		symbols, ok := ctx.UserData.(Symbols)
		if !ok || ctx.RuntimeAddress == formatter.NoRuntimeAddress {
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

		return buf.Append(formatter.TokenSymbol, "<"+name+">")
	}
}

func (c *command) run(w io.Writer, input string) error {
	if c.opts.elf {
		img, err := elfsym.Open(input)
		if err != nil {
			return err
		}

		c.log.Debug("read ELF binary", "input", input, "mode", img.Mode, "sections", len(img.Sections), "symbols", len(img.Symbols))
		for i, sec := range img.Sections {
			if i > 0 {
				fmt.Fprintln(w)
			}

			fmt.Fprintf(w, "section %s:\n", sec.Name)
			err := c.disassemble(w, img.Mode, sec.Data, sec.Addr, Symbols(img.Symbols))
			if err != nil {
				return fmt.Errorf("section %s: %w", sec.Name, err)
			}
		}

		return nil
	}

	code, err := readInput(input)
	if err != nil {
		return err
	}

	c.log.Debug("disassembling", "input", input, "bytes", len(code))

	return c.disassemble(w, c.opts.mode, code, c.opts.address, nil)
}

// readInput returns the contents of the named
// file or, if there is no such file, the
// input decoded as hex.
func readInput(input string) ([]byte, error) {
	if info, err := os.Stat(input); err == nil && info.Mode().IsRegular() {
		return os.ReadFile(input)
	}

	s := strings.Join(strings.Fields(input), "")
	s = strings.TrimPrefix(strings.ToLower(s), "0x")
	code, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: input is neither a file nor hex: %v", status.InvalidArgument, err)
	}

	return code, nil
}

// disassemble prints the instructions in
// code. Bytes that cannot be decoded are
// printed as "(bad)" one at a time.
func (c *command) disassemble(w io.Writer, mode x86.MachineMode, code []byte, address uint64, symbols Symbols) error {
	d, err := c.decoder(mode)
	if err != nil {
		return err
	}

	digits := 16
	if mode != x86.Long64 {
		digits = 8
	}

	// Without a runtime address, the first
	// column shows the offset.
	base := address
	if base == formatter.NoRuntimeAddress {
		base = 0
	}

	for offset := 0; offset < len(code); {
		addr := base + uint64(offset)
		if name, ok := symbols[addr]; ok {
			fmt.Fprintf(w, "%0*x <%s>:\n", digits, addr, name)
		}

		inst, err := d.Decode(code[offset:])
		if err != nil {
			c.log.Debug("bad instruction", "offset", offset, "err", err)
			fmt.Fprintf(w, "%0*x  %-*s  (bad)\n", digits, addr, bytesWidth, hex.EncodeToString(code[offset:offset+1]))
			offset++
			continue
		}

		raw := code[offset : offset+inst.Length]
		if c.opts.check {
			c.check(mode, raw, inst)
		}

		runtimeAddress := formatter.NoRuntimeAddress
		if address != formatter.NoRuntimeAddress {
			runtimeAddress = addr
		}

		fmt.Fprintf(w, "%0*x  %-*s  ", digits, addr, bytesWidth, spaced(raw))
		if err := c.print(w, inst, runtimeAddress, symbols); err != nil {
			return fmt.Errorf("offset %#x: %w", offset, err)
		}

		if c.opts.segments {
			printSegments(w, inst, raw)
		}

		offset += inst.Length
	}

	return nil
}

// print writes the instruction text and a
// newline.
func (c *command) print(w io.Writer, inst *decoder.Instruction, runtimeAddress uint64, symbols Symbols) error {
	var userData any
	if symbols != nil {
		userData = symbols
	}

	if !c.opts.tokens && c.opts.color == "" {
		text, err := c.f.Format(inst, runtimeAddress, userData)
		if err != nil {
			return err
		}

		_, err = fmt.Fprintln(w, text)
		return err
	}

	tokens, err := c.f.Tokenize(inst, runtimeAddress, userData)
	if err != nil {
		return err
	}

	if c.opts.color != "" {
		if err := highlight.Write(w, tokens, c.opts.color, highlight.StyleName); err != nil {
			return err
		}

		fmt.Fprintln(w)
	} else {
		var b strings.Builder
		for _, tok := range tokens {
			b.WriteString(tok.Value)
		}

		fmt.Fprintln(w, b.String())
	}

	if c.opts.tokens {
		for _, tok := range tokens {
			fmt.Fprintf(w, "\t%-14s %q\n", tok.Type, tok.Value)
		}
	}

	return nil
}

func printSegments(w io.Writer, inst *decoder.Instruction, raw []byte) {
	for _, seg := range inst.Segments() {
		fmt.Fprintf(w, "\t%-12s %s\n", seg.Type, spaced(raw[seg.Offset:seg.Offset+seg.Size]))
	}
}

// check compares the instruction's length
// with x86asm's, logging any difference.
func (c *command) check(mode x86.MachineMode, raw []byte, inst *decoder.Instruction) {
	bits := 16
	switch mode.Mode() {
	case x86.Mode64:
		bits = 64
	case x86.Mode32:
		bits = 32
	}

	other, err := x86asm.Decode(raw, bits)
	if err != nil {
		c.log.Debug("x86asm cannot decode instruction", "code", spaced(raw), "err", err)
		return
	}

	if other.Len != inst.Length {
		c.log.Warn("instruction length mismatch", "code", spaced(raw), "dasm", inst.Length, "x86asm", other.Len, "x86asm-text", x86asm.IntelSyntax(other, 0, nil))
	}
}

func spaced(b []byte) string {
	var s strings.Builder
	for i, v := range b {
		if i > 0 {
			s.WriteByte(' ')
		}

		fmt.Fprintf(&s, "%02x", v)
	}

	return s.String()
}
