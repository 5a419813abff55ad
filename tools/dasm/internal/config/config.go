// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package config reads the YAML files used by
// the dasm command: formatter settings and
// lists of encoder requests.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sort"

	"gopkg.in/yaml.v3"

	"firefly-os.dev/tools/dasm/formatter"
	"firefly-os.dev/tools/dasm/status"
)

// Formatter describes a formatter in YAML:
//
//	style: att
//	properties:
//	  hex-uppercase: false
//	  immediate-base: dec
//	  address-padding-absolute: auto
type Formatter struct {
	Style      string         `yaml:"style"`
	Properties map[string]any `yaml:"properties"`
}

// decode parses a single YAML document into
// v, rejecting unknown fields.
func decode(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	err := dec.Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("%w: %v", status.InvalidArgument, err)
	}

	return nil
}

// ParseFormatter parses a formatter config.
func ParseFormatter(data []byte) (*Formatter, error) {
	var cfg Formatter
	if err := decode(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Options returns the formatter options for
// the configured properties, in name order.
func (c *Formatter) Options() ([]formatter.Option, error) {
	names := make([]string, 0, len(c.Properties))
	for name := range c.Properties {
		names = append(names, name)
	}

	sort.Strings(names)

	opts := make([]formatter.Option, 0, len(names))
	for _, name := range names {
		p, err := formatter.ParseProperty(name)
		if err != nil {
			return nil, err
		}

		opts = append(opts, formatter.WithProperty(p, c.Properties[name]))
	}

	return opts, nil
}

// New returns a formatter for the config. If
// the config names no style, def is used.
func (c *Formatter) New(def formatter.Style) (*formatter.Formatter, error) {
	style := def
	if c.Style != "" {
		var err error
		style, err = formatter.ParseStyle(c.Style)
		if err != nil {
			return nil, err
		}
	}

	opts, err := c.Options()
	if err != nil {
		return nil, err
	}

	return formatter.New(style, opts...)
}
