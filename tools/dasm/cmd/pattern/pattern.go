// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package pattern prints byte patterns for x86
// machine code that match the code wherever it
// is loaded.
//
// Displacements and relative branch targets are
// replaced with wildcards ("??"), as they depend
// on the code's location.
package pattern

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"firefly-os.dev/tools/dasm/decoder"
	"firefly-os.dev/tools/dasm/internal/logging"
	"firefly-os.dev/tools/dasm/status"
	"firefly-os.dev/tools/dasm/x86"
)

var program = filepath.Base(os.Args[0])

// Wildcard replaces a masked byte.
const Wildcard = "??"

// Options controls which bytes are masked.
type Options struct {
	Immediates bool // Mask all immediates, not just relative ones.
}

// Main prints a pattern for each hex argument.
func Main(ctx context.Context, w io.Writer, args []string) error {
	flags := flag.NewFlagSet("pattern", flag.ExitOnError)

	var (
		help bool
		mode = x86.Long64
		opts Options
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
	flags.BoolVar(&opts.Immediates, "imm", false, "Mask every immediate.")

	flags.Usage = func() {
		fmt.Fprintf(flags.Output(), "Usage:\n  %s %s [OPTIONS] HEX...\n\n", program, flags.Name())
		flags.PrintDefaults()
		os.Exit(2)
	}

	err := flags.Parse(args)
	if err != nil || help {
		flags.Usage()
	}

	if flags.NArg() == 0 {
		flags.Usage()
	}

	d, err := decoder.New(mode, mode.StackWidth())
	if err != nil {
		return err
	}

	lg := logging.FromContext(ctx)
	for _, arg := range flags.Args() {
		code, err := hex.DecodeString(strings.Join(strings.Fields(arg), ""))
		if err != nil {
			return fmt.Errorf("%w: invalid hex %q: %v", status.InvalidArgument, arg, err)
		}

		pattern, err := Build(d, code, opts)
		if err != nil {
			return err
		}

		lg.Debug("built pattern", "bytes", len(code), "masked", strings.Count(pattern, Wildcard))
		fmt.Fprintln(w, pattern)
	}

	return nil
}

// Build returns the pattern for code, which
// must consist of whole instructions.
func Build(d *decoder.Decoder, code []byte, opts Options) (string, error) {
	out := make([]string, 0, len(code))
	it := d.DecodeAll(code, 0)
	for it.Next() {
		inst := it.Inst()
		raw := it.Bytes()
		masked := make([]bool, len(raw))
		for _, seg := range inst.Segments() {
			if !maskSegment(inst, seg, opts) {
				continue
			}

			for i := seg.Offset; i < seg.Offset+seg.Size; i++ {
				masked[i] = true
			}
		}

		for i, b := range raw {
			if masked[i] {
				out = append(out, Wildcard)
			} else {
				out = append(out, fmt.Sprintf("%02x", b))
			}
		}
	}

	if err := it.Err(); err != nil {
		return "", err
	}

	return strings.Join(out, " "), nil
}

func maskSegment(inst *decoder.Instruction, seg decoder.Segment, opts Options) bool {
	switch seg.Type {
	case decoder.SegmentDisplacement:
		return true
	case decoder.SegmentImmediate:
		return opts.Immediates || inst.Attributes&x86.IsRelative != 0
	}

	return false
}
