// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package status contains the error codes returned
// by the decoder, encoder, and formatter.
//
// A Status is an error in its own right, but most
// errors returned by the packages wrap a Status
// with more detail, such as:
//
//	fmt.Errorf("%w: REX prefix before VEX", status.IllegalRex)
//
// The code can be checked with errors.Is, or
// recovered with Of.
package status

import (
	"errors"
	"fmt"
)

// Status is a result code. The top bit
// marks an error, the next 11 bits hold
// the module, and the low 20 bits hold
// the code within the module.
type Status uint32

// Module identifies the part of the
// toolkit that defines a status.
type Module uint16

const (
	ModuleGeneral   Module = 0x000
	ModuleDecoder   Module = 0x001
	ModuleFormatter Module = 0x002
	ModuleEncoder   Module = 0x003
	ModuleUser      Module = 0x3ff
)

func (m Module) String() string {
	switch m {
	case ModuleGeneral:
		return "general"
	case ModuleDecoder:
		return "decoder"
	case ModuleFormatter:
		return "formatter"
	case ModuleEncoder:
		return "encoder"
	case ModuleUser:
		return "user"
	default:
		return fmt.Sprintf("Module(%#x)", uint16(m))
	}
}

// Make builds a status from its parts.
func Make(isError bool, module Module, code uint32) Status {
	var s Status
	if isError {
		s = 1 << 31
	}

	return s | Status(module&0x7ff)<<20 | Status(code&0xfffff)
}

// IsError returns whether s describes
// a failure.
func (s Status) IsError() bool { return s&(1<<31) != 0 }

// Module returns the module that
// defines s.
func (s Status) Module() Module { return Module(s>>20) & 0x7ff }

// Code returns the code within s's
// module.
func (s Status) Code() uint32 { return uint32(s) & 0xfffff }

var (
	// General.
	Success                = Make(false, ModuleGeneral, 0x00)
	Failed                 = Make(true, ModuleGeneral, 0x01)
	True                   = Make(false, ModuleGeneral, 0x02)
	False                  = Make(false, ModuleGeneral, 0x03)
	InvalidArgument        = Make(true, ModuleGeneral, 0x04)
	InvalidOperation       = Make(true, ModuleGeneral, 0x05)
	NotFound               = Make(true, ModuleGeneral, 0x06)
	OutOfRange             = Make(true, ModuleGeneral, 0x07)
	InsufficientBufferSize = Make(true, ModuleGeneral, 0x08)
	NotEnoughMemory        = Make(true, ModuleGeneral, 0x09)

	// Decoder.
	NoMoreData         = Make(true, ModuleDecoder, 0x00)
	DecodingError      = Make(true, ModuleDecoder, 0x01)
	InstructionTooLong = Make(true, ModuleDecoder, 0x02)
	BadRegister        = Make(true, ModuleDecoder, 0x03)
	IllegalLock        = Make(true, ModuleDecoder, 0x04)
	IllegalLegacyPfx   = Make(true, ModuleDecoder, 0x05)
	IllegalRex         = Make(true, ModuleDecoder, 0x06)
	InvalidMap         = Make(true, ModuleDecoder, 0x07)
	MalformedEvex      = Make(true, ModuleDecoder, 0x08)
	MalformedMvex      = Make(true, ModuleDecoder, 0x09)
	InvalidMask        = Make(true, ModuleDecoder, 0x0a)

	// Formatter.
	SkipToken = Make(true, ModuleFormatter, 0x00)

	// Encoder.
	ImpossibleInstruction = Make(true, ModuleEncoder, 0x00)

	// User is the base for statuses
	// defined by hooks.
	User = Make(true, ModuleUser, 0x00)
)

var names = map[Status]string{
	Success:                "success",
	Failed:                 "failed",
	True:                   "true",
	False:                  "false",
	InvalidArgument:        "invalid argument",
	InvalidOperation:       "invalid operation",
	NotFound:               "not found",
	OutOfRange:             "out of range",
	InsufficientBufferSize: "insufficient buffer size",
	NotEnoughMemory:        "not enough memory",
	NoMoreData:             "no more data",
	DecodingError:          "decoding error",
	InstructionTooLong:     "instruction too long",
	BadRegister:            "bad register",
	IllegalLock:            "illegal lock prefix",
	IllegalLegacyPfx:       "illegal legacy prefix",
	IllegalRex:             "illegal REX prefix",
	InvalidMap:             "invalid opcode map",
	MalformedEvex:          "malformed EVEX prefix",
	MalformedMvex:          "malformed MVEX prefix",
	InvalidMask:            "invalid mask",
	SkipToken:              "skip token",
	ImpossibleInstruction:  "impossible instruction",
	User:                   "user error",
}

func (s Status) String() string {
	if name, ok := names[s]; ok {
		return name
	}

	if s.Module() == ModuleUser {
		return fmt.Sprintf("user error %#x", s.Code())
	}

	return fmt.Sprintf("Status(%#08x)", uint32(s))
}

// Error returns the status name, so
// that a Status can be used as an
// error.
func (s Status) Error() string { return s.String() }

// Of returns the status carried by err.
// A nil error gives Success and an error
// that wraps no status gives Failed.
func Of(err error) Status {
	if err == nil {
		return Success
	}

	var s Status
	if errors.As(err, &s) {
		return s
	}

	return Failed
}
