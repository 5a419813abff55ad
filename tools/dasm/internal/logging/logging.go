// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package logging builds the dasm command's logger.
//
// The level is taken from DASM_LOG_LEVEL, which
// may be debug, info, warn, or error. The default
// is info.
package logging

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/log"
)

// LevelVariable is the environment variable
// that sets the log level.
const LevelVariable = "DASM_LOG_LEVEL"

// ParseLevel returns the log level with the
// given name. Unknown names give the info
// level.
func ParseLevel(name string) log.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return log.DebugLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// New returns a logger writing to w, with the
// level set from the environment.
func New(w io.Writer, prefix string) *log.Logger {
	lg := log.NewWithOptions(w, log.Options{
		ReportTimestamp: false,
		Prefix:          prefix,
	})

	lg.SetLevel(ParseLevel(os.Getenv(LevelVariable)))

	return lg
}

// WithContext returns a copy of ctx carrying lg.
func WithContext(ctx context.Context, lg *log.Logger) context.Context {
	return log.WithContext(ctx, lg)
}

// FromContext returns the logger in ctx, or the
// default logger if there is none.
func FromContext(ctx context.Context) *log.Logger {
	return log.FromContext(ctx)
}
