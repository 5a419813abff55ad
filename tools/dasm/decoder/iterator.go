// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package decoder

import (
	"fmt"
)

// Iterator decodes a sequence of
// instructions.
//
//	it := d.DecodeAll(code, 0x1000)
//	for it.Next() {
//		fmt.Printf("%#x: %s\n", it.Addr(), it.Inst().Mnemonic)
//	}
//
//	if err := it.Err(); err != nil {
//		// ...
//	}
type Iterator struct {
	d      *Decoder
	code   []byte
	ip     uint64
	offset int

	inst  *Instruction
	addr  uint64
	bytes []byte
	err   error
}

// DecodeAll returns an iterator over the
// instructions in code, which starts at
// the runtime address ip.
func (d *Decoder) DecodeAll(code []byte, ip uint64) *Iterator {
	return &Iterator{d: d, code: code, ip: ip}
}

// Next decodes the next instruction. It
// returns false at the end of the code or
// after an error.
func (it *Iterator) Next() bool {
	if it.err != nil || it.offset >= len(it.code) {
		it.inst = nil
		return false
	}

	inst, err := it.d.Decode(it.code[it.offset:])
	if err != nil {
		it.inst = nil
		it.err = fmt.Errorf("offset %#x: %w", it.offset, err)
		return false
	}

	it.inst = inst
	it.addr = it.ip + uint64(it.offset)
	it.bytes = it.code[it.offset : it.offset+inst.Length]
	it.offset += inst.Length

	return true
}

// Inst returns the current instruction.
func (it *Iterator) Inst() *Instruction { return it.inst }

// Addr returns the runtime address of
// the current instruction.
func (it *Iterator) Addr() uint64 { return it.addr }

// Bytes returns the machine code of the
// current instruction.
func (it *Iterator) Bytes() []byte { return it.bytes }

// Offset returns the offset into the
// code of the next instruction.
func (it *Iterator) Offset() int { return it.offset }

// Err returns the error that stopped the
// iteration, if any. Reaching the end of
// the code is not an error.
func (it *Iterator) Err() error { return it.err }
