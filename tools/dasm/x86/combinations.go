// Copyright 2023 The Firefly Authors.
//
// Use of this source code is governed by a BSD 3-clause
// license that can be found in the LICENSE file.

package x86

import (
	"fmt"
)

// ParameterCombinations takes a set of x86
// instruction arguments in Intel syntax and
// produces the set of parameter combinations.
//
// An argument that accepts a register or
// memory, such as r/m32, is split into one
// parameter per option, producing one form
// per combination. Each combination has the
// same length and order as the arguments.
func ParameterCombinations(args []string) (combinations [][]*Parameter, err error) {
	if len(args) == 0 {
		return [][]*Parameter{nil}, nil
	}

	optionSets := make([][]*Parameter, len(args))
	for i, arg := range args {
		switch arg {
		case "mem":
			arg = "m"
		case "mm", "xmm", "ymm", "zmm":
			arg += "1"
		case "ST(0)":
			arg = "ST"
		}

		var options []*Parameter
		if got, ok := expansions[arg]; ok {
			options = got
		} else {
			param, ok := Parameters[arg]
			if !ok {
				return nil, fmt.Errorf("could not find parameter definition for %q", arg)
			}

			options = []*Parameter{param}
		}

		optionSets[i] = options
	}

	numOptions := 1
	for _, set := range optionSets {
		numOptions *= len(set)
	}

	combinations = make([][]*Parameter, numOptions)
	for i := range combinations {
		combinations[i] = make([]*Parameter, len(args))
	}

	// Walk the option sets like an odometer,
	// with the last set turning fastest.
	indices := make([]int, len(optionSets))
	for i := range combinations {
		for j, k := range indices {
			combinations[i][j] = optionSets[j][k]
		}

		for n := len(indices) - 1; n >= 0; n-- {
			indices[n]++
			if indices[n] < len(optionSets[n]) {
				break
			}

			indices[n] = 0
		}
	}

	return combinations, nil
}

var expansions = map[string][]*Parameter{
	"k2/m16":            {ParamK2, ParamM16},
	"mm2/m64":           {ParamMM2, ParamM64},
	"r/m8":              {ParamRmr8, ParamM8},
	"r/m16":             {ParamRmr16, ParamM16},
	"r/m32":             {ParamRmr32, ParamM32},
	"r/m64":             {ParamRmr64, ParamM64},
	"xmm2/m32":          {ParamXMM2, ParamM32},
	"xmm2/m64":          {ParamXMM2, ParamM64},
	"xmm2/m128":         {ParamXMM2, ParamM128},
	"xmm2/m128/m32bcst": {ParamXMM2, ParamM128, ParamM32bcst},
	"xmm2/m128/m64bcst": {ParamXMM2, ParamM128, ParamM64bcst},
	"ymm2/m256":         {ParamYMM2, ParamM256},
	"ymm2/m256/m32bcst": {ParamYMM2, ParamM256, ParamM32bcst},
	"ymm2/m256/m64bcst": {ParamYMM2, ParamM256, ParamM64bcst},
	"zmm2/m512":         {ParamZMM2, ParamM512},
	"zmm2/m512/m32bcst": {ParamZMM2, ParamM512, ParamM32bcst},
	"zmm2/m512/m64bcst": {ParamZMM2, ParamM512, ParamM64bcst},
}
