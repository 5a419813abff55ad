// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Command dasm decodes, encodes, and formats x86 machine
// code.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"firefly-os.dev/tools/dasm/cmd/disasm"
	"firefly-os.dev/tools/dasm/cmd/encode"
	"firefly-os.dev/tools/dasm/cmd/pattern"
	"firefly-os.dev/tools/dasm/cmd/x86"
	"firefly-os.dev/tools/dasm/internal/logging"
)

type Command struct {
	Name        string
	Description string
	Func        func(ctx context.Context, w io.Writer, args []string) error
}

var (
	commandsNames = make([]string, 0, 10)
	commandsMap   = make(map[string]*Command)

	program = filepath.Base(os.Args[0])
)

func RegisterCommand(name, description string, fun func(ctx context.Context, w io.Writer, args []string) error) {
	if commandsMap[name] != nil {
		panic("command " + name + " already registered")
	}

	if fun == nil {
		panic("command " + name + " registered with nil implementation")
	}

	commandsNames = append(commandsNames, name)
	commandsMap[name] = &Command{Name: name, Description: description, Func: fun}
}

func init() {
	RegisterCommand("disasm", "Disassemble machine code from hex, binary files, or ELF binaries", disasm.Main)
	RegisterCommand("encode", "Encode the instructions described in YAML files", encode.Main)
	RegisterCommand("pattern", "Print location-independent byte patterns for machine code", pattern.Main)
	RegisterCommand("x86", "Print the instruction table's data for mnemonics and registers", x86.Main)
}

func main() {
	sort.Strings(commandsNames)

	var help bool
	flag.BoolVar(&help, "h", false, "Show this message and exit.")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage\n  %s COMMAND [OPTIONS]\n\n", program)
		fmt.Fprintf(os.Stderr, "Commands:\n")
		maxWidth := 0
		for _, name := range commandsNames {
			if maxWidth < len(name) {
				maxWidth = len(name)
			}
		}

		for _, name := range commandsNames {
			cmd := commandsMap[name]
			fmt.Fprintf(os.Stderr, "  %-*s  %s\n", maxWidth, name, cmd.Description)
		}

		fmt.Fprintf(os.Stderr, "\nSet %s to debug, info, warn, or error to change the log level.\n", logging.LevelVariable)

		os.Exit(2)
	}

	flag.Parse()

	args := flag.Args()
	if help {
		flag.Usage()
	}

	if len(args) == 0 {
		flag.Usage()
	}

	name := args[0]
	cmd, ok := commandsMap[name]
	if !ok {
		flag.Usage()
	}

	lg := logging.New(os.Stderr, name)
	ctx := logging.WithContext(context.Background(), lg)
	err := cmd.Func(ctx, os.Stdout, args[1:])
	if err != nil {
		lg.Fatal(err)
	}
}
