// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package x86

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"

	"golang.org/x/arch/x86/x86csv"
)

//go:embed x86.csv
var x86CSV []byte

//go:embed semantics.toml
var semanticsTOML []byte

// Table is an indexed set of instruction
// forms.
type Table struct {
	Forms []*Form

	opcodes   map[opcodeKey][]*Form
	mnemonics map[string][]*Form
	uids      map[string]*Form
}

type opcodeKey struct {
	Family Family
	Map    OpcodeMap
	Opcode byte
}

// Lookup returns the candidate forms for
// an opcode, in decoding preference order.
func (t *Table) Lookup(family Family, m OpcodeMap, opcode byte) []*Form {
	return t.opcodes[opcodeKey{family, m, opcode}]
}

// Mnemonic returns the forms with the given
// Intel mnemonic, in table order.
func (t *Table) Mnemonic(mnemonic string) []*Form {
	return t.mnemonics[upper(mnemonic)]
}

// Form returns the form with the given
// UID, or nil.
func (t *Table) Form(uid string) *Form {
	return t.uids[uid]
}

// Mnemonics returns the sorted set of
// mnemonics in the table.
func (t *Table) Mnemonics() []string {
	out := make([]string, 0, len(t.mnemonics))
	for mnemonic := range t.mnemonics {
		out = append(out, mnemonic)
	}

	slices.Sort(out)

	return out
}

var (
	defaultOnce  sync.Once
	defaultTable *Table
)

// Default returns the embedded instruction
// table.
func Default() *Table {
	defaultOnce.Do(func() {
		var err error
		defaultTable, err = ParseTable(x86CSV, semanticsTOML)
		if err != nil {
			panic("x86: invalid embedded instruction table: " + err.Error())
		}
	})

	return defaultTable
}

// Lookup returns the candidate forms for
// an opcode in the embedded table.
func Lookup(family Family, m OpcodeMap, opcode byte) []*Form {
	return Default().Lookup(family, m, opcode)
}

// LookupMnemonic returns the forms with the
// given mnemonic in the embedded table.
func LookupMnemonic(mnemonic string) []*Form {
	return Default().Mnemonic(mnemonic)
}

// FormByUID returns the form with the
// given UID in the embedded table.
func FormByUID(uid string) *Form {
	return Default().Form(uid)
}

// ParseTable reads instruction forms from
// x86csv data and attaches the semantics
// from TOML data.
func ParseTable(csvData, semanticsData []byte) (*Table, error) {
	semantics, err := ParseSemantics(semanticsData)
	if err != nil {
		return nil, err
	}

	t := &Table{
		opcodes:   make(map[opcodeKey][]*Form),
		mnemonics: make(map[string][]*Form),
		uids:      make(map[string]*Form),
	}

	r := x86csv.NewReader(bytes.NewReader(csvData))
	for line := 1; ; line++ {
		inst, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("failed to read instruction: %v", err)
		}

		forms, err := parseForms(inst)
		if err != nil {
			return nil, fmt.Errorf("record %d (%s): %v", line, inst.Intel, err)
		}

		for _, form := range forms {
			t.add(form)
			form.Semantics = semantics.For(form)
		}
	}

	err = t.index()
	if err != nil {
		return nil, err
	}

	return t, nil
}

// add assigns the form's index and a
// unique UID.
func (t *Table) add(form *Form) {
	uid := form.UID
	for n := 2; t.uids[uid] != nil; n++ {
		uid = fmt.Sprintf("%s_%d", form.UID, n)
	}

	form.UID = uid
	form.Index = len(t.Forms)
	t.Forms = append(t.Forms, form)
	t.uids[uid] = form
	t.mnemonics[form.Mnemonic] = append(t.mnemonics[form.Mnemonic], form)
}

// index builds the opcode index and checks
// that forms sharing an opcode agree on the
// presence of a ModR/M byte, which the
// decoder must know before it can pick a
// form.
func (t *Table) index() error {
	for _, form := range t.Forms {
		e := form.Encoding
		key := opcodeKey{e.Family, e.Map, e.Opcode}
		if !e.RegisterModifier {
			t.opcodes[key] = append(t.opcodes[key], form)
			continue
		}

		for i := byte(0); i < 8; i++ {
			key.Opcode = e.Opcode + i
			t.opcodes[key] = append(t.opcodes[key], form)
		}
	}

	for key, forms := range t.opcodes {
		for _, form := range forms[1:] {
			if form.Encoding.ModRM != forms[0].Encoding.ModRM {
				return fmt.Errorf("%s %s opcode %02x: %s and %s disagree on the ModR/M byte", key.Family, key.Map, key.Opcode, forms[0].UID, form.UID)
			}
		}

		// Forms that need a mandatory prefix
		// are more specific, so they are tried
		// first.
		slices.SortStableFunc(forms, func(a, b *Form) int {
			am := a.Encoding.MandatoryPrefix != 0
			bm := b.Encoding.MandatoryPrefix != 0
			switch {
			case am && !bm:
				return -1
			case bm && !am:
				return +1
			}

			return 0
		})
	}

	return nil
}

// decorations are the EVEX and MVEX
// annotations on Intel arguments.
var decorations = []struct {
	Syntax string
	Set    func(e *Encoding)
}{
	{"{k1}", func(e *Encoding) { e.Mask = true }},
	{"{z}", func(e *Encoding) { e.Zero = true }},
	{"{er}", func(e *Encoding) { e.Rounding = true }},
	{"{sae}", func(e *Encoding) { e.Suppress = true }},
}

// parseForms produces the forms described
// by one CSV record.
func parseForms(inst *x86csv.Inst) ([]*Form, error) {
	mnemonic := upper(inst.IntelOpcode())
	encoding, err := ParseEncoding(inst.Encoding)
	if err != nil {
		return nil, err
	}

	args := inst.IntelArgs()
	for i, arg := range args {
		for _, dec := range decorations {
			if strings.Contains(arg, dec.Syntax) {
				dec.Set(encoding)
				arg = strings.ReplaceAll(arg, dec.Syntax, "")
			}
		}

		args[i] = strings.TrimSpace(arg)
	}

	var actions []OperandAction
	if inst.Action != "" {
		for _, s := range strings.Split(inst.Action, ",") {
			action, ok := OperandActions[strings.TrimSpace(s)]
			if !ok {
				return nil, fmt.Errorf("invalid operand action %q", s)
			}

			actions = append(actions, action)
		}

		if len(actions) != len(args) {
			return nil, fmt.Errorf("found %d operand actions for %d arguments", len(actions), len(args))
		}
	}

	combinations, err := ParameterCombinations(args)
	if err != nil {
		return nil, err
	}

	tmpl := Form{
		Mnemonic: mnemonic,
		Syntax:   inst.Intel,
		GNU:      gnuMnemonic(inst.GNU),
		Actions:  actions,
		Mode32:   inst.Mode32 == "V",
		Mode64:   inst.Mode64 == "V",
	}

	tmpl.Mode16 = tmpl.Mode32 && encoding.Family == FamilyLegacy
	for _, feature := range strings.FieldsFunc(inst.CPUID, func(r rune) bool { return r == '+' || r == ',' }) {
		tmpl.CPUID = append(tmpl.CPUID, strings.TrimSpace(feature))
	}

	for _, tag := range strings.Split(inst.Tags, ",") {
		switch tag = strings.TrimSpace(tag); tag {
		case "":
		case "lock":
			tmpl.Lock = true
		case "rep":
			tmpl.Rep = true
		case "repe":
			tmpl.RepE = true
		case "bnd":
			tmpl.BND = true
		case "notrack":
			tmpl.NoTrack = true
		case "hint":
			tmpl.BranchHints = true
		case "default64":
			tmpl.Default64 = true
		case "force64":
			tmpl.Force64 = true
		case "privileged":
			tmpl.Privileged = true
		case "far":
			tmpl.Far = true
		case "operand16":
			tmpl.OperandSizes |= OperandSize16
		case "operand32":
			tmpl.OperandSizes |= OperandSize32
		case "operand64":
			tmpl.OperandSizes |= OperandSize64
		case "modrm_memonly":
			encoding.ModRMmod = 5
		default:
			gate, ok := strings.CutPrefix(tag, "mode_")
			if !ok {
				return nil, fmt.Errorf("unknown tag %q", tag)
			}

			tmpl.Gate = gate
		}
	}

	forms := make([]*Form, 0, len(combinations))
	for _, params := range combinations {
		form := tmpl
		enc := *encoding
		enc.Immediates = slices.Clone(encoding.Immediates)
		form.Encoding = &enc
		form.Params = params

		// Fix the ModR/M mod field where
		// the r/m operand decides it.
		for _, p := range params {
			if p.Encoding != EncodingModRMrm || enc.ModRMmod != 0 {
				continue
			}

			if p.Type == TypeMemory {
				enc.ModRMmod = 5
			} else {
				enc.ModRMmod = 0b11 + 1
			}
		}

		uids := make([]string, 0, len(params)+1)
		uids = append(uids, mnemonic)
		for _, p := range params {
			uids = append(uids, p.UID)
		}

		form.UID = strings.Join(uids, "_")
		forms = append(forms, &form)
	}

	return forms, nil
}

// gnuMnemonic returns the mnemonic from the
// GNU syntax column.
func gnuMnemonic(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}

	return strings.ToLower(fields[0])
}
