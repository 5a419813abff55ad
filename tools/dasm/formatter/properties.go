// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package formatter

import (
	"fmt"
	"strings"

	"firefly-os.dev/tools/dasm/status"
)

// Property is a formatter setting.
type Property uint8

const (
	ForceSize             Property = iota // Always print memory operand sizes (bool).
	ForceSegment                          // Always print memory segments (bool).
	ForceScaleOne                         // Print an index scale of 1 (bool).
	ForceRelativeBranches                 // Print branch targets as offsets (bool).
	ForceRelativeRIP                      // Print RIP-relative addresses as offsets (bool).
	PrintBranchSize                       // Print short, near, or far after branch mnemonics (bool).
	DetailedPrefixes                      // Print prefixes with no effect on the instruction (bool).

	AddressBase            // Base.
	AddressSignedness      // Signedness of relative addresses.
	AddressPaddingAbsolute // Padding.
	AddressPaddingRelative // Padding.

	DisplacementBase       // Base.
	DisplacementSignedness // Signedness.
	DisplacementPadding    // Padding.

	ImmediateBase       // Base.
	ImmediateSignedness // Signedness.
	ImmediatePadding    // Padding.

	UppercasePrefixes   // bool.
	UppercaseMnemonic   // bool.
	UppercaseRegisters  // bool.
	UppercaseTypecasts  // bool.
	UppercaseDecorators // bool.

	DecimalPrefix         // string.
	DecimalSuffix         // string.
	HexUppercase          // bool.
	HexForceLeadingNumber // Add a leading zero to hex numbers that start with a letter (bool).
	HexPrefix             // string.
	HexSuffix             // string.

	numProperties
)

var propertyNames = [...]string{
	ForceSize:              "force-size",
	ForceSegment:           "force-segment",
	ForceScaleOne:          "force-scale-one",
	ForceRelativeBranches:  "force-relative-branches",
	ForceRelativeRIP:       "force-relative-rip",
	PrintBranchSize:        "print-branch-size",
	DetailedPrefixes:       "detailed-prefixes",
	AddressBase:            "address-base",
	AddressSignedness:      "address-signedness",
	AddressPaddingAbsolute: "address-padding-absolute",
	AddressPaddingRelative: "address-padding-relative",
	DisplacementBase:       "displacement-base",
	DisplacementSignedness: "displacement-signedness",
	DisplacementPadding:    "displacement-padding",
	ImmediateBase:          "immediate-base",
	ImmediateSignedness:    "immediate-signedness",
	ImmediatePadding:       "immediate-padding",
	UppercasePrefixes:      "uppercase-prefixes",
	UppercaseMnemonic:      "uppercase-mnemonic",
	UppercaseRegisters:     "uppercase-registers",
	UppercaseTypecasts:     "uppercase-typecasts",
	UppercaseDecorators:    "uppercase-decorators",
	DecimalPrefix:          "decimal-prefix",
	DecimalSuffix:          "decimal-suffix",
	HexUppercase:           "hex-uppercase",
	HexForceLeadingNumber:  "hex-force-leading-number",
	HexPrefix:              "hex-prefix",
	HexSuffix:              "hex-suffix",
}

func (p Property) String() string {
	if p < numProperties {
		return propertyNames[p]
	}

	return fmt.Sprintf("Property(%d)", p)
}

// ParseProperty returns the property with
// the given name, as returned by its String
// method.
func ParseProperty(name string) (Property, error) {
	for p, s := range propertyNames {
		if s == name {
			return Property(p), nil
		}
	}

	return 0, fmt.Errorf("%w: unknown property %q", status.InvalidArgument, name)
}

// Base is the base used to print numbers.
type Base uint8

const (
	Base10 Base = iota
	Base16
)

func (b Base) String() string {
	switch b {
	case Base10:
		return "dec"
	case Base16:
		return "hex"
	}

	return fmt.Sprintf("Base(%d)", b)
}

// Signedness controls whether numbers are
// printed as signed values.
type Signedness uint8

const (
	// SignednessAuto prints signed values
	// as negative numbers where needed.
	SignednessAuto Signedness = iota
	SignednessSigned
	SignednessUnsigned
)

func (s Signedness) String() string {
	switch s {
	case SignednessAuto:
		return "auto"
	case SignednessSigned:
		return "signed"
	case SignednessUnsigned:
		return "unsigned"
	}

	return fmt.Sprintf("Signedness(%d)", s)
}

// Padding is the minimum number of digits
// in a number.
type Padding int

const (
	PaddingDisabled Padding = 0

	// PaddingAuto pads a number to the
	// width of its type.
	PaddingAuto Padding = -1
)

// settings holds the value of each
// property.
type settings struct {
	forceSize        bool
	forceSegment     bool
	forceScaleOne    bool
	forceRelBranches bool
	forceRelRIP      bool
	printBranchSize  bool
	detailedPrefixes bool

	addrBase   Base
	addrSigned Signedness
	addrPadAbs Padding
	addrPadRel Padding

	dispBase   Base
	dispSigned Signedness
	dispPad    Padding

	immBase   Base
	immSigned Signedness
	immPad    Padding

	upperPrefixes   bool
	upperMnemonic   bool
	upperRegisters  bool
	upperTypecasts  bool
	upperDecorators bool

	decPrefix  string
	decSuffix  string
	hexUpper   bool
	hexLeading bool
	hexPrefix  string
	hexSuffix  string
}

var intelSettings = settings{
	addrBase:   Base16,
	addrSigned: SignednessSigned,
	addrPadAbs: PaddingAuto,
	addrPadRel: 2,
	dispBase:   Base16,
	dispSigned: SignednessSigned,
	dispPad:    2,
	immBase:    Base16,
	immSigned:  SignednessUnsigned,
	immPad:     2,
	hexUpper:   true,
	hexPrefix:  "0x",
}

func masmSettings() settings {
	s := intelSettings
	s.forceSize = true
	s.hexLeading = true
	s.hexPrefix = ""
	s.hexSuffix = "h"

	return s
}

// set changes a property. Values can have
// the property's type or the type YAML
// decodes it as.
func (s *settings) set(p Property, v any) error {
	switch p {
	case ForceSize:
		return setBool(&s.forceSize, p, v)
	case ForceSegment:
		return setBool(&s.forceSegment, p, v)
	case ForceScaleOne:
		return setBool(&s.forceScaleOne, p, v)
	case ForceRelativeBranches:
		return setBool(&s.forceRelBranches, p, v)
	case ForceRelativeRIP:
		return setBool(&s.forceRelRIP, p, v)
	case PrintBranchSize:
		return setBool(&s.printBranchSize, p, v)
	case DetailedPrefixes:
		return setBool(&s.detailedPrefixes, p, v)
	case AddressBase:
		return setBase(&s.addrBase, p, v)
	case AddressSignedness:
		return setSignedness(&s.addrSigned, p, v)
	case AddressPaddingAbsolute:
		return setPadding(&s.addrPadAbs, p, v)
	case AddressPaddingRelative:
		return setPadding(&s.addrPadRel, p, v)
	case DisplacementBase:
		return setBase(&s.dispBase, p, v)
	case DisplacementSignedness:
		return setSignedness(&s.dispSigned, p, v)
	case DisplacementPadding:
		return setPadding(&s.dispPad, p, v)
	case ImmediateBase:
		return setBase(&s.immBase, p, v)
	case ImmediateSignedness:
		return setSignedness(&s.immSigned, p, v)
	case ImmediatePadding:
		return setPadding(&s.immPad, p, v)
	case UppercasePrefixes:
		return setBool(&s.upperPrefixes, p, v)
	case UppercaseMnemonic:
		return setBool(&s.upperMnemonic, p, v)
	case UppercaseRegisters:
		return setBool(&s.upperRegisters, p, v)
	case UppercaseTypecasts:
		return setBool(&s.upperTypecasts, p, v)
	case UppercaseDecorators:
		return setBool(&s.upperDecorators, p, v)
	case DecimalPrefix:
		return setString(&s.decPrefix, p, v)
	case DecimalSuffix:
		return setString(&s.decSuffix, p, v)
	case HexUppercase:
		return setBool(&s.hexUpper, p, v)
	case HexForceLeadingNumber:
		return setBool(&s.hexLeading, p, v)
	case HexPrefix:
		return setString(&s.hexPrefix, p, v)
	case HexSuffix:
		return setString(&s.hexSuffix, p, v)
	}

	return fmt.Errorf("%w: unknown property %v", status.InvalidArgument, p)
}

// get returns a property's value.
func (s *settings) get(p Property) (any, error) {
	switch p {
	case ForceSize:
		return s.forceSize, nil
	case ForceSegment:
		return s.forceSegment, nil
	case ForceScaleOne:
		return s.forceScaleOne, nil
	case ForceRelativeBranches:
		return s.forceRelBranches, nil
	case ForceRelativeRIP:
		return s.forceRelRIP, nil
	case PrintBranchSize:
		return s.printBranchSize, nil
	case DetailedPrefixes:
		return s.detailedPrefixes, nil
	case AddressBase:
		return s.addrBase, nil
	case AddressSignedness:
		return s.addrSigned, nil
	case AddressPaddingAbsolute:
		return s.addrPadAbs, nil
	case AddressPaddingRelative:
		return s.addrPadRel, nil
	case DisplacementBase:
		return s.dispBase, nil
	case DisplacementSignedness:
		return s.dispSigned, nil
	case DisplacementPadding:
		return s.dispPad, nil
	case ImmediateBase:
		return s.immBase, nil
	case ImmediateSignedness:
		return s.immSigned, nil
	case ImmediatePadding:
		return s.immPad, nil
	case UppercasePrefixes:
		return s.upperPrefixes, nil
	case UppercaseMnemonic:
		return s.upperMnemonic, nil
	case UppercaseRegisters:
		return s.upperRegisters, nil
	case UppercaseTypecasts:
		return s.upperTypecasts, nil
	case UppercaseDecorators:
		return s.upperDecorators, nil
	case DecimalPrefix:
		return s.decPrefix, nil
	case DecimalSuffix:
		return s.decSuffix, nil
	case HexUppercase:
		return s.hexUpper, nil
	case HexForceLeadingNumber:
		return s.hexLeading, nil
	case HexPrefix:
		return s.hexPrefix, nil
	case HexSuffix:
		return s.hexSuffix, nil
	}

	return nil, fmt.Errorf("%w: unknown property %v", status.InvalidArgument, p)
}

func badValue(p Property, v any) error {
	return fmt.Errorf("%w: invalid value %v (%T) for %v", status.InvalidArgument, v, v, p)
}

func setBool(dst *bool, p Property, v any) error {
	b, ok := v.(bool)
	if !ok {
		return badValue(p, v)
	}

	*dst = b

	return nil
}

func setString(dst *string, p Property, v any) error {
	s, ok := v.(string)
	if !ok {
		return badValue(p, v)
	}

	if len(s) > 10 {
		return fmt.Errorf("%w: %v %q is longer than 10 bytes", status.InvalidArgument, p, s)
	}

	*dst = s

	return nil
}

func setBase(dst *Base, p Property, v any) error {
	switch v := v.(type) {
	case Base:
		if v != Base10 && v != Base16 {
			return badValue(p, v)
		}

		*dst = v
	case int:
		switch v {
		case 10:
			*dst = Base10
		case 16:
			*dst = Base16
		default:
			return badValue(p, v)
		}
	case string:
		switch strings.ToLower(v) {
		case "dec", "decimal":
			*dst = Base10
		case "hex", "hexadecimal":
			*dst = Base16
		default:
			return badValue(p, v)
		}
	default:
		return badValue(p, v)
	}

	return nil
}

func setSignedness(dst *Signedness, p Property, v any) error {
	switch v := v.(type) {
	case Signedness:
		if v > SignednessUnsigned {
			return badValue(p, v)
		}

		*dst = v
	case string:
		switch strings.ToLower(v) {
		case "auto":
			*dst = SignednessAuto
		case "signed":
			*dst = SignednessSigned
		case "unsigned":
			*dst = SignednessUnsigned
		default:
			return badValue(p, v)
		}
	default:
		return badValue(p, v)
	}

	return nil
}

func setPadding(dst *Padding, p Property, v any) error {
	var n int
	switch v := v.(type) {
	case Padding:
		n = int(v)
	case int:
		n = v
	case string:
		switch strings.ToLower(v) {
		case "auto":
			n = int(PaddingAuto)
		case "disabled", "none":
			n = int(PaddingDisabled)
		default:
			return badValue(p, v)
		}
	default:
		return badValue(p, v)
	}

	if n < int(PaddingAuto) || n > 20 {
		return badValue(p, v)
	}

	*dst = Padding(n)

	return nil
}
