// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package logging

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/charmbracelet/log"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		Name string
		Want log.Level
	}{
		{Name: "debug", Want: log.DebugLevel},
		{Name: "DEBUG", Want: log.DebugLevel},
		{Name: "info", Want: log.InfoLevel},
		{Name: "warn", Want: log.WarnLevel},
		{Name: "warning", Want: log.WarnLevel},
		{Name: "error", Want: log.ErrorLevel},
		{Name: "", Want: log.InfoLevel},
		{Name: "verbose", Want: log.InfoLevel},
	}

	for _, test := range tests {
		t.Run(test.Name, func(t *testing.T) {
			if got := ParseLevel(test.Name); got != test.Want {
				t.Fatalf("ParseLevel(%q): got %v, want %v", test.Name, got, test.Want)
			}
		})
	}
}

func TestNew(t *testing.T) {
	t.Setenv(LevelVariable, "warn")

	var buf bytes.Buffer
	lg := New(&buf, "disasm")
	lg.Info("hidden")
	lg.Warn("shown")

	got := buf.String()
	if strings.Contains(got, "hidden") {
		t.Errorf("info message logged at warn level: %q", got)
	}

	if !strings.Contains(got, "shown") || !strings.Contains(got, "disasm") {
		t.Errorf("missing warning or prefix: %q", got)
	}
}

func TestContext(t *testing.T) {
	var buf bytes.Buffer
	lg := New(&buf, "x86")
	ctx := WithContext(context.Background(), lg)
	if got := FromContext(ctx); got != lg {
		t.Fatalf("FromContext: got %p, want %p", got, lg)
	}
}
