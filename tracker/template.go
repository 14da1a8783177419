// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package tracker implements the Tracker Injector (C4): a hand-authored
// counter-tracker type, expressed directly against the clrfile graph
// constructors, that Inject clones into a target module under a
// reserved namespace.
package tracker

import "github.com/ilcover/ilcover/clrfile"

// Role classifies what an operand inside the template refers to, so
// Inject's rewrite is a total switch over a closed tag rather than a
// runtime identity check (Design Notes option (a)).
type Role uint8

const (
	// RoleInternal resolves to another member of this same template —
	// Inject redirects it to the corresponding clone member.
	RoleInternal Role = iota
	// RoleExternal resolves outside the template (e.g. array/string
	// runtime types) — Inject imports it into the target module as-is.
	RoleExternal
	// RoleVerbatim is a primitive operand (a constant, a local slot) —
	// Inject copies it unchanged.
	RoleVerbatim
)

// Template is the hand-authored tracker type and the Role tag for each
// of its instructions' operands, keyed by instruction identity.
type Template struct {
	Type *clrfile.Type

	HitsArrayField        *clrfile.Field
	HitsFilePathField     *clrfile.Field
	RecordHitMethod       *clrfile.Method
	AtomicIncrementMethod *clrfile.Method
	UnloadMethod          *clrfile.Method
	Cctor                 *clrfile.Method

	roles map[*clrfile.Instruction]Role
}

// RoleOf returns the Role tagged onto instr's operand when it was
// built, or RoleVerbatim if instr carries no operand worth rewriting.
func (t *Template) RoleOf(instr *clrfile.Instruction) Role {
	if r, ok := t.roles[instr]; ok {
		return r
	}
	return RoleVerbatim
}

// field/method names pinned by Inject, per §4.4.
const (
	HitsArrayFieldName        = "HitsArray"
	HitsFilePathFieldName     = "HitsFilePath"
	RecordHitMethodName       = "RecordHit"
	AtomicIncrementMethodName = "AtomicIncrement"
	UnloadMethodName          = "UnloadModule"
	CctorName                 = ".cctor"
)

var (
	int32Type  = clrfile.TypeRef{Namespace: "", Name: "int32"}
	stringType = clrfile.TypeRef{Namespace: "", Name: "string"}
	voidType   = clrfile.TypeRef{Namespace: "", Name: "void"}
	int32Arr   = clrfile.TypeRef{Namespace: "", Name: "int32[]"}
)

// New builds the tracker fragment fresh every call: the template
// is small, and building it from scratch keeps Inject's clone free of
// any need to deep-copy a shared instance.
func New() *Template {
	mod := clrfile.NewEmpty("tracker-template")
	typ := mod.AddType("", "Tracker")

	hitsArray := typ.AddField(HitsArrayFieldName, int32Arr, true)
	hitsFilePath := typ.AddField(HitsFilePathFieldName, stringType, true)

	tmpl := &Template{
		Type:              typ,
		HitsArrayField:    hitsArray,
		HitsFilePathField: hitsFilePath,
		roles:             map[*clrfile.Instruction]Role{},
	}

	tmpl.RecordHitMethod = buildRecordHit(tmpl, typ, hitsArray)
	tmpl.AtomicIncrementMethod = buildAtomicIncrement(tmpl, typ)
	tmpl.UnloadMethod = buildUnload(tmpl, typ, hitsArray, hitsFilePath)
	tmpl.Cctor = buildCctor(tmpl, typ)

	return tmpl
}

// buildRecordHit authors:
//
//	ldsfld HitsArray
//	ldarg index
//	dup
//	ldelem.i4
//	ldc.i4 1
//	add
//	stelem.i4
//	ret
//
// the atomic increment the instrumenter splices as a call site;
// the body here is the uninstrumented reference semantics the IL
// clone actually executes.
func buildRecordHit(tmpl *Template, typ *clrfile.Type, hitsArray *clrfile.Field) *clrfile.Method {
	m := typ.AddMethod(RecordHitMethodName, voidType, true)
	m.Params = []clrfile.TypeRef{int32Type}
	b := m.Body

	tag := func(instr *clrfile.Instruction, role Role) *clrfile.Instruction {
		tmpl.roles[instr] = role
		return instr
	}

	tag(b.Emit(clrfile.OpLdsFld, clrfile.FieldRefOperand{Field: hitsArray.Ref()}), RoleInternal)
	tag(b.Emit(clrfile.OpLdarg, clrfile.LocalOperand{Index: 0}), RoleVerbatim)
	tag(b.Emit(clrfile.OpDup, clrfile.NoOperand{}), RoleVerbatim)
	tag(b.Emit(clrfile.OpLdelemI4, clrfile.NoOperand{}), RoleVerbatim)
	tag(b.Emit(clrfile.OpLdcI4, clrfile.Int32Operand{Value: 1}), RoleVerbatim)
	tag(b.Emit(clrfile.OpAdd, clrfile.NoOperand{}), RoleVerbatim)
	tag(b.Emit(clrfile.OpStelemI4, clrfile.NoOperand{}), RoleVerbatim)
	tag(b.Emit(clrfile.OpRet, clrfile.NoOperand{}), RoleVerbatim)
	b.Renumber()
	return m
}

// buildAtomicIncrement authors the single-element increment the
// instrumenter's prelude calls directly. Its parameter is the element address
// produced by ldelema; like buildUnload's hook, the body is a stub
// (ldarg; ret) rather than an interpretable increment — the actual
// increment-at-address semantics are native to the runtime this
// engine targets, not something this engine's own small ISA can
// express as a byref load/store. It returns its argument unchanged, so
// the prelude's trailing pop has something to discard.
func buildAtomicIncrement(tmpl *Template, typ *clrfile.Type) *clrfile.Method {
	m := typ.AddMethod(AtomicIncrementMethodName, int32Type, true)
	m.Params = []clrfile.TypeRef{int32Type}
	b := m.Body
	tmpl.roles[b.Emit(clrfile.OpLdarg, clrfile.LocalOperand{Index: 0})] = RoleVerbatim
	tmpl.roles[b.Emit(clrfile.OpRet, clrfile.NoOperand{})] = RoleVerbatim
	b.Renumber()
	return m
}

// buildUnload authors the module-unload hook: it is intentionally a
// stub body in the template (it loads and pops HitsArray and
// HitsFilePath, then returns) — the real merge/persist
// work lives in rt.Tracker.UnloadModule and is invoked by the real
// runtime, not interpreted from this IL; what matters for injection is
// that the method exists under its pinned name so both CLR-style
// unload hooks (ProcessExit and the module-specific one, per the Open
// Question decision in DESIGN.md) have a stable target to call.
func buildUnload(tmpl *Template, typ *clrfile.Type, hitsArray, hitsFilePath *clrfile.Field) *clrfile.Method {
	m := typ.AddMethod(UnloadMethodName, voidType, true)
	b := m.Body
	tmpl.roles[b.Emit(clrfile.OpLdsFld, clrfile.FieldRefOperand{Field: hitsArray.Ref()})] = RoleInternal
	tmpl.roles[b.Emit(clrfile.OpPop, clrfile.NoOperand{})] = RoleVerbatim
	tmpl.roles[b.Emit(clrfile.OpLdsFld, clrfile.FieldRefOperand{Field: hitsFilePath.Ref()})] = RoleInternal
	tmpl.roles[b.Emit(clrfile.OpPop, clrfile.NoOperand{})] = RoleVerbatim
	tmpl.roles[b.Emit(clrfile.OpRet, clrfile.NoOperand{})] = RoleVerbatim
	b.Renumber()
	return m
}

// buildCctor authors an initially-empty static constructor ending in a
// bare ret; FinalizeHitCount (on the clone, after Inject) splices the
// five-instruction epilogue described in §4.4 immediately before that
// ret.
func buildCctor(tmpl *Template, typ *clrfile.Type) *clrfile.Method {
	m := typ.AddMethod(CctorName, voidType, true)
	m.IsConstructor = true
	b := m.Body
	tmpl.roles[b.Emit(clrfile.OpRet, clrfile.NoOperand{})] = RoleVerbatim
	b.Renumber()
	return m
}

// externalArrayElementType is the element TypeRef Newarr needs for
// HitsArray's backing allocation; exposed so Inject's epilogue splice
// can reuse it without re-deriving the type from the field.
var externalArrayElementType = int32Type
