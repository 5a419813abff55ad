// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package formatter

import (
	"strconv"
	"strings"
)

// truncate returns the low bits of v.
func truncate(v uint64, bits int) uint64 {
	if bits <= 0 || bits >= 64 {
		return v
	}

	return v & (1<<bits - 1)
}

// signExtend sign-extends the low bits of v.
func signExtend(v uint64, bits int) int64 {
	if bits <= 0 || bits >= 64 {
		return int64(v)
	}

	shift := 64 - bits
	return int64(v<<shift) >> shift
}

// number formats v in the given base. Auto
// padding fills hexadecimal numbers to the
// width of a value with the given bits.
func (s *settings) number(v uint64, base Base, pad Padding, bits int) string {
	width := int(pad)
	if base == Base10 {
		if pad == PaddingAuto {
			width = 0
		}

		return s.decPrefix + zeroPad(strconv.FormatUint(v, 10), width) + s.decSuffix
	}

	if pad == PaddingAuto {
		width = (bits + 3) / 4
	}

	digits := strconv.FormatUint(v, 16)
	if s.hexUpper {
		digits = strings.ToUpper(digits)
	}

	digits = zeroPad(digits, width)
	if s.hexLeading && digits[0] > '9' {
		digits = "0" + digits
	}

	return s.hexPrefix + digits + s.hexSuffix
}

// value formats the low bits of v. When
// signed, negative values are formatted
// as their magnitude, with neg set.
func (s *settings) value(v uint64, bits int, signed bool, base Base, pad Padding) (neg bool, text string) {
	v = truncate(v, bits)
	if signed {
		if x := signExtend(v, bits); x < 0 {
			neg = true
			v = uint64(-x)
		}
	}

	return neg, s.number(v, base, pad, bits)
}

func zeroPad(digits string, width int) string {
	if len(digits) >= width {
		return digits
	}

	return strings.Repeat("0", width-len(digits)) + digits
}

func upper(s string, ok bool) string {
	if ok {
		return strings.ToUpper(s)
	}

	return s
}
