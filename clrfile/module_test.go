// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package clrfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestType_Outermost_WalksToRoot(t *testing.T) {
	mod := NewEmpty("m")
	outer := mod.AddType("Acme", "Outer")
	middle := mod.AddType("Acme", "Middle")
	middle.DeclaringType = outer
	inner := mod.AddType("Acme", "Inner")
	inner.DeclaringType = middle

	assert.Same(t, outer, inner.Outermost())
	assert.Same(t, outer, outer.Outermost())
}

func TestType_FullName(t *testing.T) {
	mod := NewEmpty("m")
	withNs := mod.AddType("Acme", "Widget")
	noNs := mod.AddType("", "Widget")
	assert.Equal(t, "Acme.Widget", withNs.FullName())
	assert.Equal(t, "Widget", noNs.FullName())
}

func TestAttribute_FullName(t *testing.T) {
	withNs := Attribute{Namespace: "System", Name: "ExcludeFromCodeCoverageAttribute"}
	noNs := Attribute{Name: "ExcludeFromCoverage"}
	assert.Equal(t, "System.ExcludeFromCodeCoverageAttribute", withNs.FullName())
	assert.Equal(t, "ExcludeFromCoverage", noNs.FullName())
}

func TestMethod_FullName(t *testing.T) {
	mod := NewEmpty("m")
	typ := mod.AddType("Acme", "Widget")
	meth := typ.AddMethod("DoWork", voidType(), true)
	assert.Equal(t, "Acme.Widget.DoWork", meth.FullName())
}
