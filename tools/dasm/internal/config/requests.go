// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"firefly-os.dev/tools/dasm/encoder"
	"firefly-os.dev/tools/dasm/status"
	"firefly-os.dev/tools/dasm/x86"
)

// Requests is a list of encoder requests in
// YAML:
//
//	mode: long64
//	requests:
//	  - label: _start
//	    mnemonic: mov
//	    operands:
//	      - reg: rax
//	      - imm: 0x1337
//	  - mnemonic: add
//	    prefixes: [lock]
//	    operands:
//	      - mem: {base: rax, index: rbx, scale: 4, disp: -8, size: 4}
//	      - imm: 1
//
// A request's mode overrides the file's mode.
// A label names the request's address when the
// code is written to an ELF binary.
type Requests struct {
	Mode     string    `yaml:"mode"`
	Requests []Request `yaml:"requests"`
}

// Request is one encoder request.
type Request struct {
	Label       string    `yaml:"label"`
	Mode        string    `yaml:"mode"`
	Mnemonic    string    `yaml:"mnemonic"`
	Operands    []Operand `yaml:"operands"`
	Prefixes    []string  `yaml:"prefixes"`
	Branch      string    `yaml:"branch"`       // short, near, or far.
	BranchWidth int       `yaml:"branch-width"` // In bits.
	AddressSize int       `yaml:"address-size"` // In bits.
	OperandSize int       `yaml:"operand-size"` // In bits.

	Mask         string `yaml:"mask"`
	Zeroing      bool   `yaml:"zeroing"`
	Broadcast    string `yaml:"broadcast"`
	Rounding     string `yaml:"rounding"`
	SAE          bool   `yaml:"sae"`
	Conversion   string `yaml:"conversion"`
	Swizzle      string `yaml:"swizzle"`
	EvictionHint bool   `yaml:"eviction-hint"`
}

// Operand is one operand. Exactly one of the
// fields must be set.
type Operand struct {
	Reg string   `yaml:"reg"`
	Mem *Memory  `yaml:"mem"`
	Ptr *Pointer `yaml:"ptr"`
	Imm *Number  `yaml:"imm"`
}

// Memory is a memory operand. Size is in
// bytes.
type Memory struct {
	Segment string `yaml:"segment"`
	Base    string `yaml:"base"`
	Index   string `yaml:"index"`
	Scale   uint8  `yaml:"scale"`
	Disp    int64  `yaml:"disp"`
	Size    int    `yaml:"size"`
}

// Pointer is a far pointer operand.
type Pointer struct {
	Segment uint16 `yaml:"segment"`
	Offset  uint32 `yaml:"offset"`
}

// Number is an integer that may be given
// as a signed or an unsigned YAML value.
type Number uint64

// UnmarshalYAML accepts any 64-bit integer.
func (n *Number) UnmarshalYAML(value *yaml.Node) error {
	var u uint64
	if err := value.Decode(&u); err == nil {
		*n = Number(u)
		return nil
	}

	var i int64
	if err := value.Decode(&i); err != nil {
		return fmt.Errorf("line %d: invalid immediate %q", value.Line, value.Value)
	}

	*n = Number(i)

	return nil
}

// ParseRequests parses a list of requests.
func ParseRequests(data []byte) (*Requests, error) {
	var reqs Requests
	if err := decode(data, &reqs); err != nil {
		return nil, err
	}

	return &reqs, nil
}

// Build converts the requests. The mode is
// used where neither the request nor the
// file gives one.
func (r *Requests) Build(mode x86.MachineMode) ([]*encoder.Request, error) {
	if r.Mode != "" {
		m, err := parseMode(r.Mode)
		if err != nil {
			return nil, err
		}

		mode = m
	}

	out := make([]*encoder.Request, len(r.Requests))
	for i := range r.Requests {
		req, err := r.Requests[i].Build(mode)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}

		out[i] = req
	}

	return out, nil
}

func parseMode(name string) (x86.MachineMode, error) {
	mode, ok := x86.MachineModes[strings.ToLower(name)]
	if !ok {
		return 0, fmt.Errorf("%w: unknown machine mode %q", status.InvalidArgument, name)
	}

	return mode, nil
}

func parseRegister(name string) (*x86.Register, error) {
	reg := x86.RegistersByName[strings.ToLower(name)]
	if reg == nil {
		return nil, fmt.Errorf("%w: unknown register %q", status.InvalidArgument, name)
	}

	return reg, nil
}

// optionalRegister returns nil for the empty
// string.
func optionalRegister(name string) (*x86.Register, error) {
	if name == "" {
		return nil, nil
	}

	return parseRegister(name)
}

var prefixes = map[string]x86.Attributes{
	"lock":    x86.HasLock,
	"rep":     x86.HasRep,
	"repe":    x86.HasRepE,
	"repz":    x86.HasRepE,
	"repne":   x86.HasRepNE,
	"repnz":   x86.HasRepNE,
	"bnd":     x86.HasBND,
	"notrack": x86.HasNoTrack,
	"pt":      x86.HasBranchTaken,
	"pn":      x86.HasBranchNotTaken,
	"cs":      x86.HasSegmentCS,
	"ss":      x86.HasSegmentSS,
	"ds":      x86.HasSegmentDS,
	"es":      x86.HasSegmentES,
	"fs":      x86.HasSegmentFS,
	"gs":      x86.HasSegmentGS,
}

var branchTypes = map[string]x86.BranchType{
	"":      x86.BranchNone,
	"short": x86.BranchShort,
	"near":  x86.BranchNear,
	"far":   x86.BranchFar,
}

var branchWidths = map[int]x86.BranchWidth{
	0:  x86.BranchWidthNone,
	8:  x86.BranchWidth8,
	16: x86.BranchWidth16,
	32: x86.BranchWidth32,
	64: x86.BranchWidth64,
}

var sizeHints = map[int]x86.SizeHint{
	0:  x86.SizeHintNone,
	8:  x86.SizeHint8,
	16: x86.SizeHint16,
	32: x86.SizeHint32,
	64: x86.SizeHint64,
}

// parseEnum finds the value in [1, last]
// whose String method returns name. The
// empty name gives the zero value.
func parseEnum[T interface {
	~uint8
	String() string
}](kind, name string, last T) (T, error) {
	if name == "" {
		return 0, nil
	}

	name = strings.ToLower(name)
	for v := T(1); v <= last; v++ {
		if v.String() == name {
			return v, nil
		}
	}

	return 0, fmt.Errorf("%w: unknown %s %q", status.InvalidArgument, kind, name)
}

// Build converts the request.
func (r *Request) Build(mode x86.MachineMode) (*encoder.Request, error) {
	if r.Mode != "" {
		m, err := parseMode(r.Mode)
		if err != nil {
			return nil, err
		}

		mode = m
	}

	if r.Mnemonic == "" {
		return nil, fmt.Errorf("%w: missing mnemonic", status.InvalidArgument)
	}

	req := encoder.New(mode, r.Mnemonic)
	for i, op := range r.Operands {
		o, err := op.build()
		if err != nil {
			return nil, fmt.Errorf("operand %d: %w", i, err)
		}

		req.Add(o)
	}

	for _, name := range r.Prefixes {
		attr, ok := prefixes[strings.ToLower(name)]
		if !ok {
			return nil, fmt.Errorf("%w: unknown prefix %q", status.InvalidArgument, name)
		}

		req.WithPrefixes(attr)
	}

	typ, ok := branchTypes[strings.ToLower(r.Branch)]
	if !ok {
		return nil, fmt.Errorf("%w: unknown branch type %q", status.InvalidArgument, r.Branch)
	}

	width, ok := branchWidths[r.BranchWidth]
	if !ok {
		return nil, fmt.Errorf("%w: invalid branch width %d", status.InvalidArgument, r.BranchWidth)
	}

	req.WithBranch(typ, width)

	if req.AddressSize, ok = sizeHints[r.AddressSize]; !ok {
		return nil, fmt.Errorf("%w: invalid address size %d", status.InvalidArgument, r.AddressSize)
	}

	if req.OperandSize, ok = sizeHints[r.OperandSize]; !ok {
		return nil, fmt.Errorf("%w: invalid operand size %d", status.InvalidArgument, r.OperandSize)
	}

	mask, err := optionalRegister(r.Mask)
	if err != nil {
		return nil, err
	}

	if mask != nil {
		req.WithMask(mask, r.Zeroing)
	}

	broadcast, err := parseEnum("broadcast", r.Broadcast, x86.Broadcast8to16)
	if err != nil {
		return nil, err
	}

	rounding, err := parseEnum("rounding mode", r.Rounding, x86.RoundingRZ)
	if err != nil {
		return nil, err
	}

	conversion, err := parseEnum("conversion", r.Conversion, x86.ConversionUint16)
	if err != nil {
		return nil, err
	}

	swizzle, err := parseEnum("swizzle", r.Swizzle, x86.SwizzleDDDD)
	if err != nil {
		return nil, err
	}

	// KNC features select MVEX. Otherwise the
	// AVX-512 fields apply.
	if conversion != 0 || swizzle != 0 || r.EvictionHint {
		req.MVEX = encoder.MVEXFeatures{
			Broadcast:    broadcast,
			Conversion:   conversion,
			Rounding:     rounding,
			Swizzle:      swizzle,
			SAE:          r.SAE,
			EvictionHint: r.EvictionHint,
		}
	} else {
		req.EVEX = encoder.EVEXFeatures{
			Broadcast: broadcast,
			Rounding:  rounding,
			SAE:       r.SAE,
		}
	}

	return req, nil
}

func (op *Operand) build() (encoder.Operand, error) {
	set := 0
	if op.Reg != "" {
		set++
	}

	if op.Mem != nil {
		set++
	}

	if op.Ptr != nil {
		set++
	}

	if op.Imm != nil {
		set++
	}

	if set != 1 {
		return encoder.Operand{}, fmt.Errorf("%w: operand must have exactly one of reg, mem, ptr, or imm", status.InvalidArgument)
	}

	switch {
	case op.Reg != "":
		reg, err := parseRegister(op.Reg)
		if err != nil {
			return encoder.Operand{}, err
		}

		return encoder.Reg(reg), nil
	case op.Ptr != nil:
		return encoder.Ptr(op.Ptr.Segment, op.Ptr.Offset), nil
	case op.Imm != nil:
		return encoder.Imm(uint64(*op.Imm)), nil
	}

	var err error
	var mem encoder.Memory
	if mem.Segment, err = optionalRegister(op.Mem.Segment); err != nil {
		return encoder.Operand{}, err
	}

	if mem.Base, err = optionalRegister(op.Mem.Base); err != nil {
		return encoder.Operand{}, err
	}

	if mem.Index, err = optionalRegister(op.Mem.Index); err != nil {
		return encoder.Operand{}, err
	}

	mem.Scale = op.Mem.Scale
	mem.Disp = op.Mem.Disp
	mem.Size = op.Mem.Size

	return encoder.Mem(mem), nil
}
