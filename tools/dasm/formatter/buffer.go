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

// TokenType identifies the kind of text
// in a token.
type TokenType uint8

const (
	TokenInvalid TokenType = iota
	TokenWhitespace
	TokenDelimiter
	TokenParenthesisOpen
	TokenParenthesisClose
	TokenPrefix
	TokenMnemonic
	TokenRegister
	TokenAddressAbs
	TokenAddressRel
	TokenDisplacement
	TokenImmediate
	TokenTypecast
	TokenDecorator
	TokenSymbol

	// TokenUser is the first token type
	// that callers can use for their own
	// tokens.
	TokenUser TokenType = 0x80
)

var tokenNames = [...]string{
	TokenInvalid:          "invalid",
	TokenWhitespace:       "whitespace",
	TokenDelimiter:        "delimiter",
	TokenParenthesisOpen:  "parenthesis open",
	TokenParenthesisClose: "parenthesis close",
	TokenPrefix:           "prefix",
	TokenMnemonic:         "mnemonic",
	TokenRegister:         "register",
	TokenAddressAbs:       "absolute address",
	TokenAddressRel:       "relative address",
	TokenDisplacement:     "displacement",
	TokenImmediate:        "immediate",
	TokenTypecast:         "typecast",
	TokenDecorator:        "decorator",
	TokenSymbol:           "symbol",
}

func (t TokenType) String() string {
	if t >= TokenUser {
		return fmt.Sprintf("user %#x", uint8(t))
	}

	if int(t) < len(tokenNames) {
		return tokenNames[t]
	}

	return fmt.Sprintf("TokenType(%d)", t)
}

// Token is one piece of formatted text.
type Token struct {
	Type  TokenType
	Value string
}

func (t Token) String() string {
	return fmt.Sprintf("%s %q", t.Type, t.Value)
}

// Buffer collects the tokens of one
// formatted instruction. The total text
// in a buffer cannot exceed its capacity.
type Buffer struct {
	tokens   []Token
	size     int
	capacity int
}

// Checkpoint is a position in a Buffer,
// returned by Remember.
type Checkpoint struct {
	tokens int
	size   int
}

// NewBuffer returns a buffer that holds
// up to capacity bytes of text. A buffer
// with a capacity of zero or less is not
// limited.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{capacity: capacity}
}

// Append adds a token to the buffer.
func (b *Buffer) Append(typ TokenType, value string) error {
	if typ == TokenInvalid {
		return fmt.Errorf("%w: cannot append an invalid token", status.InvalidArgument)
	}

	if b.capacity > 0 && b.size+len(value) > b.capacity {
		return fmt.Errorf("%w: %d bytes of text do not fit in a %d byte buffer", status.InsufficientBufferSize, b.size+len(value), b.capacity)
	}

	b.tokens = append(b.tokens, Token{Type: typ, Value: value})
	b.size += len(value)

	return nil
}

// AppendText adds text to the last token
// in the buffer.
func (b *Buffer) AppendText(value string) error {
	if len(b.tokens) == 0 {
		return fmt.Errorf("%w: no token to append to", status.InvalidOperation)
	}

	if b.capacity > 0 && b.size+len(value) > b.capacity {
		return fmt.Errorf("%w: %d bytes of text do not fit in a %d byte buffer", status.InsufficientBufferSize, b.size+len(value), b.capacity)
	}

	b.tokens[len(b.tokens)-1].Value += value
	b.size += len(value)

	return nil
}

// Last returns the most recent token, or
// an invalid token if the buffer is empty.
func (b *Buffer) Last() Token {
	if len(b.tokens) == 0 {
		return Token{}
	}

	return b.tokens[len(b.tokens)-1]
}

// Remember returns the buffer's current
// position.
func (b *Buffer) Remember() Checkpoint {
	return Checkpoint{tokens: len(b.tokens), size: b.size}
}

// Restore discards any tokens added since
// the checkpoint was taken.
func (b *Buffer) Restore(c Checkpoint) error {
	if c.tokens > len(b.tokens) || c.size > b.size {
		return fmt.Errorf("%w: checkpoint is ahead of the buffer", status.InvalidArgument)
	}

	clear(b.tokens[c.tokens:])
	b.tokens = b.tokens[:c.tokens]
	b.size = c.size

	return nil
}

// Reset empties the buffer.
func (b *Buffer) Reset() {
	b.Restore(Checkpoint{})
}

// Tokens returns the buffer's tokens. The
// slice is only valid until the buffer is
// next changed.
func (b *Buffer) Tokens() []Token {
	return b.tokens
}

// Len returns the length of the buffer's
// text in bytes.
func (b *Buffer) Len() int {
	return b.size
}

// String returns the buffer's text.
func (b *Buffer) String() string {
	var sb strings.Builder
	sb.Grow(b.size)
	for _, t := range b.tokens {
		sb.WriteString(t.Value)
	}

	return sb.String()
}
