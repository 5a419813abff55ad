// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package encode assembles instructions described in
// YAML files and prints their machine code.
package encode

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"firefly-os.dev/tools/dasm/encoder"
	"firefly-os.dev/tools/dasm/internal/config"
	"firefly-os.dev/tools/dasm/internal/elfsym"
	"firefly-os.dev/tools/dasm/internal/logging"
	"firefly-os.dev/tools/dasm/status"
	"firefly-os.dev/tools/dasm/x86"
)

var program = filepath.Base(os.Args[0])

// Main encodes the requests in each file named
// in args.
func Main(ctx context.Context, w io.Writer, args []string) error {
	flags := flag.NewFlagSet("encode", flag.ExitOnError)

	var (
		help     bool
		mode     = x86.Long64
		address  uint64
		absolute bool
		output   string
	)

	flags.BoolVar(&help, "h", false, "Show this message and exit.")
	flags.Func("mode", "The default machine mode (default long64).", func(s string) error {
		m, ok := x86.MachineModes[strings.ToLower(s)]
		if !ok {
			return fmt.Errorf("unknown machine mode %q", s)
		}

		mode = m
		return nil
	})
	flags.Func("address", "Treat branch targets as absolute, with the first instruction at this address.", func(s string) (err error) {
		address, err = strconv.ParseUint(s, 0, 64)
		absolute = true
		return err
	})
	flags.StringVar(&output, "elf", "", "Also write the machine code to an ELF executable at this path (requires -address).")

	flags.Usage = func() {
		fmt.Fprintf(flags.Output(), "Usage:\n  %s %s [OPTIONS] FILE.yaml...\n\n", program, flags.Name())
		flags.PrintDefaults()
		os.Exit(2)
	}

	err := flags.Parse(args)
	if err != nil || help {
		flags.Usage()
	}

	filenames := flags.Args()
	if len(filenames) == 0 {
		flags.Usage()
	}

	if output != "" && !absolute {
		return fmt.Errorf("%w: -elf requires -address", status.InvalidArgument)
	}

	var (
		start   = address
		text    []byte
		symbols = make(map[uint64]string)
	)

	lg := logging.FromContext(ctx)
	for _, filename := range filenames {
		data, err := os.ReadFile(filename)
		if err != nil {
			return err
		}

		reqs, err := config.ParseRequests(data)
		if err != nil {
			return fmt.Errorf("%s: %w", filename, err)
		}

		built, err := reqs.Build(mode)
		if err != nil {
			return fmt.Errorf("%s: %w", filename, err)
		}

		lg.Debug("encoding", "file", filename, "requests", len(built))
		for i, req := range built {
			var code []byte
			if absolute {
				code, err = encoder.EncodeAbsolute(req, address)
			} else {
				code, err = encoder.Encode(req)
			}

			if err != nil {
				return fmt.Errorf("%s: request %d (%s): %w", filename, i, req, err)
			}

			if label := reqs.Requests[i].Label; label != "" {
				if _, ok := symbols[address]; ok {
					return fmt.Errorf("%s: request %d: %w: second label %q at %#x", filename, i, status.InvalidArgument, label, address)
				}

				symbols[address] = label
			}

			if absolute {
				fmt.Fprintf(w, "%x  ", address)
				address += uint64(len(code))
			}

			text = append(text, code...)

			fmt.Fprintf(w, "%-29s  %s\n", fmt.Sprintf("% x", code), req)
		}
	}

	if output == "" {
		return nil
	}

	img := &elfsym.Image{
		Mode:     mode,
		Entry:    start,
		Sections: []elfsym.Section{{Name: ".text", Addr: start, Data: text}},
		Symbols:  symbols,
	}

	f, err := os.Create(output)
	if err != nil {
		return err
	}

	err = elfsym.Write(f, img)
	if err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", output, err)
	}

	lg.Debug("wrote ELF binary", "path", output, "bytes", len(text), "symbols", len(symbols))

	return f.Close()
}
