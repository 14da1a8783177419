// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package instrumenter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilcover/ilcover/clrfile"
	"github.com/ilcover/ilcover/hitmap"
	"github.com/ilcover/ilcover/symbols"
	"github.com/ilcover/ilcover/tracker"
)

func newClone(t *testing.T) *tracker.Clone {
	t.Helper()
	mod := clrfile.NewEmpty("app")
	mod.Path = "/tmp/app.dll"
	clone, err := tracker.Inject(mod, "id")
	require.NoError(t, err)
	return clone
}

// A method with a single sequence point gets one line-hit entry and a
// prelude spliced directly ahead of the original instruction.
func TestInstrument_SingleLineGetsOnePreludeAndOneEntry(t *testing.T) {
	clone := newClone(t)
	mod := clrfile.NewEmpty("app")
	typ := mod.AddType("Acme", "Widget")
	m := typ.AddMethod("DoWork", clrfile.TypeRef{Name: "void"}, true)
	b := m.Body
	i0 := b.Emit(clrfile.OpNop, clrfile.NoOperand{})
	i1 := b.Emit(clrfile.OpRet, clrfile.NoOperand{})
	b.Renumber()
	_ = i1

	sym := symbols.MethodSymbols{
		SequencePoints: map[int]symbols.SequencePoint{
			i0.Offset: {Document: "Program.cs", StartLine: 10, EndLine: 10},
		},
	}

	hits := hitmap.NewBuilder()
	require.NoError(t, Instrument(m, sym, hits, clone))

	docs, entries := hits.Result()
	require.Len(t, entries, 1)
	assert.Equal(t, hitmap.LineHit, entries[0].Kind)
	assert.Equal(t, docs["Program.cs"].Index, entries[0].DocIndex)
	assert.Equal(t, 10, entries[0].StartLine)
	assert.Equal(t, 10, entries[0].EndLine)

	// five-instruction prelude spliced before the original instruction.
	require.Len(t, m.Body.Instructions, 2+preludeLength)
	assert.Equal(t, clrfile.OpLdsFld, m.Body.Instructions[0].Opcode)
	assert.Equal(t, clrfile.OpLdcI4, m.Body.Instructions[1].Opcode)
	assert.Equal(t, int32(1), m.Body.Instructions[1].Operand.(clrfile.Int32Operand).Value)
	assert.Equal(t, clrfile.OpLdelemaI4, m.Body.Instructions[2].Opcode)
	assert.Equal(t, clrfile.OpCall, m.Body.Instructions[3].Opcode)
	assert.Equal(t, clrfile.OpPop, m.Body.Instructions[4].Opcode)
	assert.Equal(t, clrfile.OpNop, m.Body.Instructions[5].Opcode)
	assert.Equal(t, clrfile.OpRet, m.Body.Instructions[6].Opcode)
}

// Two branch points on the same line, distinguished only by ordinal,
// produce two independent branch-hit entries.
func TestInstrument_TwoBranchArmsOnSameLineGetDistinctOrdinals(t *testing.T) {
	clone := newClone(t)
	mod := clrfile.NewEmpty("app")
	typ := mod.AddType("Acme", "Widget")
	m := typ.AddMethod("DoWork", clrfile.TypeRef{Name: "void"}, true)
	b := m.Body
	armA := b.Emit(clrfile.OpNop, clrfile.NoOperand{})
	armB := b.Emit(clrfile.OpNop, clrfile.NoOperand{})
	b.Emit(clrfile.OpRet, clrfile.NoOperand{})
	b.Renumber()

	sym := symbols.MethodSymbols{
		SequencePoints: map[int]symbols.SequencePoint{},
		BranchPoints: []symbols.BranchPoint{
			{Document: "Program.cs", StartLine: 20, Ordinal: 0, EndOffset: armA.Offset},
			{Document: "Program.cs", StartLine: 20, Ordinal: 1, EndOffset: armB.Offset},
		},
	}

	hits := hitmap.NewBuilder()
	require.NoError(t, Instrument(m, sym, hits, clone))

	_, entries := hits.Result()
	require.Len(t, entries, 2)
	assert.Equal(t, hitmap.BranchHit, entries[0].Kind)
	assert.Equal(t, 0, entries[0].Ordinal)
	assert.Equal(t, hitmap.BranchHit, entries[1].Kind)
	assert.Equal(t, 1, entries[1].Ordinal)
}

// Every branch operand and handler boundary that referenced the
// original instruction must be repointed to the prelude head once a
// prelude is spliced ahead of it.
func TestInstrument_RepointsBranchTargetsAndHandlerBoundaries(t *testing.T) {
	clone := newClone(t)
	mod := clrfile.NewEmpty("app")
	typ := mod.AddType("Acme", "Widget")
	m := typ.AddMethod("DoWork", clrfile.TypeRef{Name: "void"}, true)
	b := m.Body
	target := b.Emit(clrfile.OpNop, clrfile.NoOperand{})
	jumper := b.Emit(clrfile.OpBr, clrfile.InstrRefOperand{Target: target})
	b.Emit(clrfile.OpRet, clrfile.NoOperand{})
	b.Renumber()

	m.Body.ExceptionHandlers = []*clrfile.ExceptionHandler{
		{TryStart: target, TryEnd: target, HandlerStart: target, HandlerEnd: target},
	}

	sym := symbols.MethodSymbols{
		SequencePoints: map[int]symbols.SequencePoint{
			target.Offset: {Document: "Program.cs", StartLine: 30, EndLine: 30},
		},
	}

	hits := hitmap.NewBuilder()
	require.NoError(t, Instrument(m, sym, hits, clone))

	// jumper now points at the prelude head, not the original target.
	newTarget := jumper.Operand.(clrfile.InstrRefOperand).Target
	assert.NotSame(t, target, newTarget)
	assert.Equal(t, clrfile.OpLdsFld, newTarget.Opcode)

	eh := m.Body.ExceptionHandlers[0]
	assert.Same(t, newTarget, eh.TryStart)
	assert.Same(t, newTarget, eh.HandlerStart)
}

func TestInstrument_HiddenSequencePointGetsNoPrelude(t *testing.T) {
	clone := newClone(t)
	mod := clrfile.NewEmpty("app")
	typ := mod.AddType("Acme", "Widget")
	m := typ.AddMethod("DoWork", clrfile.TypeRef{Name: "void"}, true)
	b := m.Body
	i0 := b.Emit(clrfile.OpNop, clrfile.NoOperand{})
	b.Emit(clrfile.OpRet, clrfile.NoOperand{})
	b.Renumber()

	sym := symbols.MethodSymbols{
		SequencePoints: map[int]symbols.SequencePoint{
			i0.Offset: {Document: "Program.cs", StartLine: 10, EndLine: 10, IsHidden: true},
		},
	}

	hits := hitmap.NewBuilder()
	require.NoError(t, Instrument(m, sym, hits, clone))

	assert.Equal(t, 0, hits.Len())
	assert.Len(t, m.Body.Instructions, 2)
}

// A branch point with no source line (start line -1) is unanchored and
// must be skipped entirely rather than splicing a prelude for it.
func TestInstrument_UnanchoredBranchSkipped(t *testing.T) {
	clone := newClone(t)
	mod := clrfile.NewEmpty("app")
	typ := mod.AddType("Acme", "Widget")
	m := typ.AddMethod("Equals", clrfile.TypeRef{Name: "bool"}, true)
	b := m.Body
	tgt := b.Emit(clrfile.OpNop, clrfile.NoOperand{})
	b.Emit(clrfile.OpRet, clrfile.NoOperand{})
	b.Renumber()

	sym := symbols.MethodSymbols{
		SequencePoints: map[int]symbols.SequencePoint{},
		BranchPoints: []symbols.BranchPoint{
			{Document: "Program.cs", StartLine: -1, Ordinal: 0, EndOffset: tgt.Offset},
		},
	}

	hits := hitmap.NewBuilder()
	require.NoError(t, Instrument(m, sym, hits, clone))

	assert.Equal(t, 0, hits.Len())
	assert.Len(t, m.Body.Instructions, 2)
}

func TestInstrument_NativeOrBodylessMethodSkipped(t *testing.T) {
	clone := newClone(t)
	m := &clrfile.Method{Name: "Native", IsNative: true}
	hits := hitmap.NewBuilder()
	require.NoError(t, Instrument(m, symbols.MethodSymbols{}, hits, clone))
	assert.Equal(t, 0, hits.Len())
}

func TestNormalizeAndOptimizeBranches_RoundTripShortForm(t *testing.T) {
	mod := clrfile.NewEmpty("app")
	typ := mod.AddType("Acme", "Widget")
	m := typ.AddMethod("DoWork", clrfile.TypeRef{Name: "void"}, true)
	b := m.Body
	target := b.Emit(clrfile.OpNop, clrfile.NoOperand{})
	b.Emit(clrfile.OpBrS, clrfile.InstrRefOperand{Target: target})
	b.Renumber()

	normalizeBranches(m.Body)
	assert.Equal(t, clrfile.OpBr, m.Body.Instructions[1].Opcode)

	optimizeBranches(m.Body)
	assert.Equal(t, clrfile.OpBrS, m.Body.Instructions[1].Opcode)
}
