// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilcover/ilcover/clrfile"
)

func TestInstrumentsType_OptOutAttributeExcludes(t *testing.T) {
	mod := clrfile.NewEmpty("m")
	typ := mod.AddType("Acme", "Widget")
	typ.Attributes = []clrfile.Attribute{{Name: "ExcludeFromCoverage"}}

	f, err := New(nil, nil, nil)
	require.NoError(t, err)
	assert.False(t, f.InstrumentsType(typ))
}

func TestInstrumentsType_NestedInheritsOuterOptOut(t *testing.T) {
	mod := clrfile.NewEmpty("m")
	outer := mod.AddType("Acme", "Outer")
	outer.Attributes = []clrfile.Attribute{{Name: "ExcludeFromCodeCoverageAttribute"}}
	inner := mod.AddType("Acme", "Inner")
	inner.DeclaringType = outer

	f, err := New(nil, nil, nil)
	require.NoError(t, err)
	assert.False(t, f.InstrumentsType(inner))
}

func TestInstrumentsType_ReservedNamespaceExcluded(t *testing.T) {
	mod := clrfile.NewEmpty("m")
	typ := mod.AddType(ReservedNamespace, "Tracker_abc")

	f, err := New(nil, nil, nil)
	require.NoError(t, err)
	assert.False(t, f.InstrumentsType(typ))
}

func TestInstrumentsType_ExcludeGlob(t *testing.T) {
	mod := clrfile.NewEmpty("m")
	typ := mod.AddType("Acme.Generated", "Widget")

	f, err := New(nil, []string{"Acme.Generated.*"}, nil)
	require.NoError(t, err)
	assert.False(t, f.InstrumentsType(typ))
}

func TestInstrumentsType_IncludeGlobRequiresMatch(t *testing.T) {
	mod := clrfile.NewEmpty("m")
	included := mod.AddType("Acme.Core", "Widget")
	excluded := mod.AddType("Acme.Other", "Gadget")

	f, err := New([]string{"Acme.Core.*"}, nil, nil)
	require.NoError(t, err)
	assert.True(t, f.InstrumentsType(included))
	assert.False(t, f.InstrumentsType(excluded))
}

func TestInstrumentsMethod_OptOutOnMethodItself(t *testing.T) {
	mod := clrfile.NewEmpty("m")
	typ := mod.AddType("Acme", "Widget")
	meth := typ.AddMethod("DoWork", clrfile.TypeRef{Name: "void"}, true)
	meth.Attributes = []clrfile.Attribute{{Name: "ExcludeFromCoverage"}}

	f, err := New(nil, nil, nil)
	require.NoError(t, err)
	assert.False(t, f.InstrumentsMethod(meth, nil))
}

func TestInstrumentsMethod_LocalFunctionInheritsEnclosingOptOut(t *testing.T) {
	mod := clrfile.NewEmpty("m")
	typ := mod.AddType("Acme", "Widget")
	outer := typ.AddMethod("DoWork", clrfile.TypeRef{Name: "void"}, true)
	outer.Attributes = []clrfile.Attribute{{Name: "ExcludeFromCoverage"}}
	local := typ.AddMethod("<DoWork>g__Helper|0_0", clrfile.TypeRef{Name: "void"}, true)

	f, err := New(nil, nil, nil)
	require.NoError(t, err)
	assert.False(t, f.InstrumentsMethod(local, EnclosingMethod))
}

func TestInstrumentsDocument_ExcludedFileList(t *testing.T) {
	f, err := New(nil, nil, []string{"Generated.cs"})
	require.NoError(t, err)
	assert.False(t, f.InstrumentsDocument("Generated.cs"))
	assert.True(t, f.InstrumentsDocument("Program.cs"))
}
