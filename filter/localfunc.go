// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package filter

import (
	"regexp"

	"github.com/ilcover/ilcover/clrfile"
)

// localFunctionPattern matches compiler-generated local-function names
// of the shape "<Outer>g__Inner|1_2" (the lifted-local-function naming
// scheme several managed compilers emit). This is documented,
// best-effort, and known to be brittle across compiler versions — see
// DESIGN.md's Open Question decision; it is not meant to be exhaustive.
var localFunctionPattern = regexp.MustCompile(`^<([^>]+)>g__[^|]+\|`)

// EnclosingMethod returns the method a compiler-generated local function
// was lifted from, by name pattern, if m's own declaring type has a
// sibling method whose name matches the captured outer name. Returns nil
// if m is not a recognizable local function.
func EnclosingMethod(m *clrfile.Method) *clrfile.Method {
	matches := localFunctionPattern.FindStringSubmatch(m.Name)
	if matches == nil {
		return nil
	}
	outerName := matches[1]
	if m.DeclaringType == nil {
		return nil
	}
	for _, sibling := range m.DeclaringType.Methods {
		if sibling.Name == outerName {
			return sibling
		}
	}
	return nil
}
