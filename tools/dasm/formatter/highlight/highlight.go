// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

// Package highlight colours formatter tokens using chroma.
package highlight

import (
	"io"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/styles"

	"firefly-os.dev/tools/dasm/formatter"
)

// StyleName is the name of the chroma style
// registered by this package.
const StyleName = "dasm"

// Style is the default colour scheme.
var Style = styles.Register(chroma.MustNewStyle(StyleName, chroma.StyleEntries{
	chroma.Text:          "#d0d0d0",
	chroma.Background:    "bg:#1c1c1c",
	chroma.Error:         "#ff0000",
	chroma.Keyword:       "bold #ffffff",
	chroma.KeywordPseudo: "#af87ff",
	chroma.KeywordType:   "#808080",
	chroma.NameVariable:  "#5fafaf",
	chroma.NameLabel:     "#ffd700",
	chroma.NameAttribute: "#87af5f",
	chroma.LiteralNumber: "#ff5f87",
	chroma.Punctuation:   "#d0d0d0",
	chroma.Other:         "#d0d0d0",
}))

var tokenTypes = map[formatter.TokenType]chroma.TokenType{
	formatter.TokenInvalid:          chroma.Error,
	formatter.TokenWhitespace:       chroma.TextWhitespace,
	formatter.TokenDelimiter:        chroma.Punctuation,
	formatter.TokenParenthesisOpen:  chroma.Punctuation,
	formatter.TokenParenthesisClose: chroma.Punctuation,
	formatter.TokenPrefix:           chroma.KeywordPseudo,
	formatter.TokenMnemonic:         chroma.Keyword,
	formatter.TokenRegister:         chroma.NameVariable,
	formatter.TokenAddressAbs:       chroma.LiteralNumberHex,
	formatter.TokenAddressRel:       chroma.LiteralNumberHex,
	formatter.TokenDisplacement:     chroma.LiteralNumberHex,
	formatter.TokenImmediate:        chroma.LiteralNumber,
	formatter.TokenTypecast:         chroma.KeywordType,
	formatter.TokenDecorator:        chroma.NameAttribute,
	formatter.TokenSymbol:           chroma.NameLabel,
}

// TokenType returns the chroma token type
// for a formatter token type. User token
// types map to chroma.Other.
func TokenType(t formatter.TokenType) chroma.TokenType {
	if typ, ok := tokenTypes[t]; ok {
		return typ
	}

	return chroma.Other
}

// Tokens converts formatter tokens to chroma
// tokens.
func Tokens(tokens []formatter.Token) []chroma.Token {
	out := make([]chroma.Token, len(tokens))
	for i, t := range tokens {
		out[i] = chroma.Token{Type: TokenType(t.Type), Value: t.Value}
	}

	return out
}

// Write writes the tokens to w using the
// named chroma formatter and style, such as
// "terminal256" and StyleName. Unknown names
// use chroma's fallbacks.
func Write(w io.Writer, tokens []formatter.Token, formatterName, styleName string) error {
	f := formatters.Get(formatterName)
	s := styles.Get(styleName)

	return f.Format(w, s, chroma.Literator(Tokens(tokens)...))
}
