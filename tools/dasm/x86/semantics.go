// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package x86

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// Semantics describes the effects of an
// instruction that are not visible in its
// syntax.
type Semantics struct {
	Tested    Flags
	Modified  Flags
	Set0      Flags
	Set1      Flags
	Undefined Flags

	Element     ElementType // The type of vector or x87 elements.
	ElementBits int         // The element size, for integer elements.

	Hidden []*HiddenOperand
}

// FlagActions returns the action on each
// CPU flag.
func (s *Semantics) FlagActions() AccessedFlags {
	var out AccessedFlags
	if s == nil {
		return out
	}

	for f := CPUFlag(0); f < NumFlags; f++ {
		switch {
		case s.Tested.Has(f) && s.Modified.Has(f):
			out[f] = FlagTestedModified
		case s.Tested.Has(f):
			out[f] = FlagTested
		case s.Modified.Has(f):
			out[f] = FlagModified
		case s.Set0.Has(f):
			out[f] = FlagSet0
		case s.Set1.Has(f):
			out[f] = FlagSet1
		case s.Undefined.Has(f):
			out[f] = FlagUndefined
		}
	}

	return out
}

// merge folds other into s.
func (s *Semantics) merge(other *Semantics) {
	s.Tested |= other.Tested
	s.Modified |= other.Modified
	s.Set0 |= other.Set0
	s.Set1 |= other.Set1
	s.Undefined |= other.Undefined
	if other.Element != ElementInvalid {
		s.Element = other.Element
		s.ElementBits = other.ElementBits
	}

	s.Hidden = append(s.Hidden, other.Hidden...)
}

// HiddenOperand is an operand that an
// instruction accesses without it being
// named in the assembly.
type HiddenOperand struct {
	Register string // Symbolic register name, if any.
	Segment  string // The segment of a memory operand.
	Base     string // The symbolic base register of a memory operand.
	Size     string // The memory operand size: "osz", "stack", or bits.
	Action   OperandAction
}

// IsMemory returns whether h names memory.
func (h *HiddenOperand) IsMemory() bool { return h.Base != "" }

// Widths carries the sizes that symbolic
// register names depend on.
type Widths struct {
	Mode        Mode // The CPU mode.
	OperandSize int  // The effective operand size in bits.
	AddressSize int  // The effective address size in bits.
	StackWidth  int  // The stack width in bits.
}

// ResolveRegister returns the concrete
// register for a symbolic name.
func ResolveRegister(name string, w Widths) (*Register, error) {
	byWidth := func(bits int, index byte) (*Register, error) {
		reg := GeneralPurpose(bits, index, false)
		if reg == nil {
			return nil, fmt.Errorf("no %d-bit register for %q", bits, name)
		}

		return reg, nil
	}

	switch name {
	case "flags":
		switch w.Mode {
		case Mode64:
			return RFLAGS, nil
		case Mode32:
			return EFLAGS, nil
		default:
			return FLAGS, nil
		}
	case "ip":
		switch w.Mode {
		case Mode64:
			return RIP, nil
		case Mode32:
			return EIP, nil
		default:
			return IP, nil
		}
	case "sp":
		return byWidth(w.StackWidth, 4)
	case "bp":
		return byWidth(w.StackWidth, 5)
	case "ax":
		return byWidth(w.OperandSize, 0)
	case "cx":
		return byWidth(w.OperandSize, 1)
	case "dx":
		return byWidth(w.OperandSize, 2)
	case "bx":
		return byWidth(w.OperandSize, 3)
	case "count":
		return byWidth(w.AddressSize, 1)
	case "si":
		return byWidth(w.AddressSize, 6)
	case "di":
		return byWidth(w.AddressSize, 7)
	}

	reg, ok := RegistersByName[name]
	if !ok {
		return nil, fmt.Errorf("unknown register %q", name)
	}

	return reg, nil
}

// Registers returns the hidden operand's
// register, or its memory operand's segment
// and base registers.
func (h *HiddenOperand) Registers(w Widths) (reg, seg, base *Register, err error) {
	if !h.IsMemory() {
		reg, err = ResolveRegister(h.Register, w)
		return reg, nil, nil, err
	}

	seg, ok := RegistersByName[h.Segment]
	if !ok || seg.Type != TypeSegment {
		return nil, nil, nil, fmt.Errorf("invalid segment %q", h.Segment)
	}

	base, err = ResolveRegister(h.Base, w)
	if err != nil {
		return nil, nil, nil, err
	}

	return nil, seg, base, nil
}

// Bits returns the size of the hidden
// operand.
func (h *HiddenOperand) Bits(w Widths) (int, error) {
	if !h.IsMemory() {
		reg, err := ResolveRegister(h.Register, w)
		if err != nil {
			return 0, err
		}

		return reg.Bits, nil
	}

	switch h.Size {
	case "", "osz":
		return w.OperandSize, nil
	case "stack":
		return w.StackWidth, nil
	}

	n, err := strconv.Atoi(h.Size)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid hidden memory size %q", h.Size)
	}

	return n, nil
}

// semanticsFile is the TOML layout of the
// semantics data.
type semanticsFile struct {
	Instructions []*semanticsEntry `toml:"instruction"`
}

type semanticsEntry struct {
	Mnemonics []string       `toml:"mnemonics"`
	UIDs      []string       `toml:"uids"`
	Tested    string         `toml:"tested"`
	Modified  string         `toml:"modified"`
	Set0      string         `toml:"set0"`
	Set1      string         `toml:"set1"`
	Undefined string         `toml:"undefined"`
	Element   string         `toml:"element"`
	Hidden    []*hiddenEntry `toml:"hidden"`
}

type hiddenEntry struct {
	Register string `toml:"register"`
	Memory   string `toml:"memory"`
	Size     string `toml:"size"`
	Action   string `toml:"action"`
}

// SemanticsSet holds the parsed semantics,
// by mnemonic and by form UID.
type SemanticsSet struct {
	ByMnemonic map[string]*Semantics
	ByUID      map[string]*Semantics
}

// For returns the semantics for the given
// form, or nil.
func (s *SemanticsSet) For(form *Form) *Semantics {
	if got, ok := s.ByUID[form.UID]; ok {
		return got
	}

	return s.ByMnemonic[form.Mnemonic]
}

// ParseSemantics parses the TOML semantics
// data.
func ParseSemantics(data []byte) (*SemanticsSet, error) {
	var file semanticsFile
	err := toml.Unmarshal(data, &file)
	if err != nil {
		return nil, fmt.Errorf("failed to parse semantics: %w", err)
	}

	set := &SemanticsSet{
		ByMnemonic: make(map[string]*Semantics),
		ByUID:      make(map[string]*Semantics),
	}

	add := func(m map[string]*Semantics, key string, sem *Semantics) {
		if prev, ok := m[key]; ok {
			prev.merge(sem)
			return
		}

		clone := new(Semantics)
		clone.merge(sem)
		m[key] = clone
	}

	for i, entry := range file.Instructions {
		if len(entry.Mnemonics) == 0 && len(entry.UIDs) == 0 {
			return nil, fmt.Errorf("semantics entry %d: no mnemonics or uids", i+1)
		}

		sem, err := entry.parse()
		if err != nil {
			return nil, fmt.Errorf("semantics entry %d (%s): %w", i+1, strings.Join(slices.Concat(entry.Mnemonics, entry.UIDs), ", "), err)
		}

		for _, mnemonic := range entry.Mnemonics {
			add(set.ByMnemonic, upper(mnemonic), sem)
		}

		for _, uid := range entry.UIDs {
			add(set.ByUID, uid, sem)
		}
	}

	return set, nil
}

func (e *semanticsEntry) parse() (*Semantics, error) {
	sem := new(Semantics)
	for _, field := range []struct {
		Name string
		In   string
		Out  *Flags
	}{
		{"tested", e.Tested, &sem.Tested},
		{"modified", e.Modified, &sem.Modified},
		{"set0", e.Set0, &sem.Set0},
		{"set1", e.Set1, &sem.Set1},
		{"undefined", e.Undefined, &sem.Undefined},
	} {
		for _, name := range strings.Fields(field.In) {
			flag, ok := ParseCPUFlag(name)
			if !ok {
				return nil, fmt.Errorf("invalid %s flag %q", field.Name, name)
			}

			*field.Out |= 1 << flag
		}
	}

	if e.Element != "" {
		elem, bits, err := parseElement(e.Element)
		if err != nil {
			return nil, err
		}

		sem.Element = elem
		sem.ElementBits = bits
	}

	for _, h := range e.Hidden {
		action, ok := OperandActions[h.Action]
		if !ok {
			return nil, fmt.Errorf("invalid hidden operand action %q", h.Action)
		}

		hidden := &HiddenOperand{Register: h.Register, Size: h.Size, Action: action}
		switch {
		case h.Register != "" && h.Memory != "":
			return nil, fmt.Errorf("hidden operand has both register %q and memory %q", h.Register, h.Memory)
		case h.Memory != "":
			seg, base, ok := strings.Cut(h.Memory, ":")
			if !ok {
				return nil, fmt.Errorf("invalid hidden memory %q: want segment:base", h.Memory)
			}

			hidden.Segment = seg
			hidden.Base = base
		case h.Register == "":
			return nil, fmt.Errorf("hidden operand has no register or memory")
		}

		sem.Hidden = append(sem.Hidden, hidden)
	}

	return sem, nil
}

// parseElement parses element types like
// float32, int8, or uint16.
func parseElement(s string) (ElementType, int, error) {
	if elem, ok := ElementTypes[s]; ok {
		return elem, elem.Bits(), nil
	}

	for _, prefix := range []string{"uint", "int"} {
		rest, ok := strings.CutPrefix(s, prefix)
		if !ok {
			continue
		}

		bits, err := strconv.Atoi(rest)
		if err != nil || bits <= 0 || bits%8 != 0 {
			break
		}

		return ElementTypes[prefix], bits, nil
	}

	return ElementInvalid, 0, fmt.Errorf("invalid element type %q", s)
}
