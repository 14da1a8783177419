// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package tracker

import (
	"fmt"

	"github.com/ilcover/ilcover/clrfile"
	"github.com/ilcover/ilcover/filter"
	"github.com/ilcover/ilcover/ilerrors"
)

// Clone is one instance of the tracker, cloned into a target module by
// Inject. Its members are the clone-side counterparts of the Template
// members with the same pinned names.
type Clone struct {
	target *clrfile.Module
	Type   *clrfile.Type

	HitsArrayField        *clrfile.Field
	HitsFilePathField     *clrfile.Field
	RecordHitMethod       *clrfile.Method
	AtomicIncrementMethod *clrfile.Method
	UnloadMethod          *clrfile.Method
	Cctor                 *clrfile.Method

	// atomicIncrementRef caches the MethodRef the instrumenter splices
	// into every prelude call site, resolved once per module rather
	// than reconstructed per instrumented instruction.
	atomicIncrementRef *clrfile.MethodRef
}

// AtomicIncrementRef returns the (cached) MethodRef the instrumenter's
// prelude call site should target.
func (c *Clone) AtomicIncrementRef() clrfile.MethodRef {
	if c.atomicIncrementRef == nil {
		ref := c.AtomicIncrementMethod.Ref()
		c.atomicIncrementRef = &ref
	}
	return *c.atomicIncrementRef
}

// Inject clones the tracker template into target under the reserved
// namespace, naming the clone type
// "<module_basename>_<identifier>". Every external operand
// reference is imported into target verbatim; every internal
// reference is redirected to the corresponding clone member.
func Inject(target *clrfile.Module, identifier string) (*Clone, error) {
	if target == nil {
		return nil, ilerrors.New(ilerrors.PreconditionFailed, "nil target module")
	}
	tmpl := New()

	cloneName := fmt.Sprintf("%s_%s", clrfile.ModuleBaseName(target.Path), identifier)
	cloneType := target.AddType(filter.ReservedNamespace, cloneName)

	c := &Clone{target: target, Type: cloneType}

	fieldByName := map[string]*clrfile.Field{}
	for _, f := range tmpl.Type.Fields {
		cf := cloneType.AddField(f.Name, f.Type, f.IsStatic)
		fieldByName[f.Name] = cf
		switch f.Name {
		case HitsArrayFieldName:
			c.HitsArrayField = cf
		case HitsFilePathFieldName:
			c.HitsFilePathField = cf
		}
	}

	methodByName := map[string]*clrfile.Method{}
	cloneMethods := []struct {
		src *clrfile.Method
		dst *clrfile.Method
	}{}
	for _, m := range tmpl.Type.Methods {
		dst := cloneType.AddMethod(m.Name, m.ReturnType, m.IsStatic)
		dst.Params = append([]clrfile.TypeRef(nil), m.Params...)
		dst.Locals = append([]clrfile.TypeRef(nil), m.Locals...)
		dst.IsConstructor = m.IsConstructor
		methodByName[m.Name] = dst
		cloneMethods = append(cloneMethods, struct {
			src *clrfile.Method
			dst *clrfile.Method
		}{m, dst})
	}

	for _, pair := range cloneMethods {
		cloneBody(tmpl, pair.src, pair.dst, fieldByName, methodByName, cloneType)
	}

	c.RecordHitMethod = methodByName[RecordHitMethodName]
	c.AtomicIncrementMethod = methodByName[AtomicIncrementMethodName]
	c.UnloadMethod = methodByName[UnloadMethodName]
	c.Cctor = methodByName[CctorName]
	return c, nil
}

// cloneBody copies src's instruction stream onto dst, rewriting each
// operand per its tagged Role: RoleInternal redirects field/method
// refs to their clone-side counterpart by name; RoleExternal and
// RoleVerbatim are copied unchanged (RoleExternal refs already name
// their target fully-qualified, so "importing" them is just keeping
// the reference as-is — the clone's owning module is the target, so
// any external ref is automatically resolved against target's own
// Resolver at load time).
func cloneBody(tmpl *Template, src, dst *clrfile.Method, fieldByName map[string]*clrfile.Field, methodByName map[string]*clrfile.Method, cloneType *clrfile.Type) {
	if src.Body == nil {
		return
	}
	instrByOld := make(map[*clrfile.Instruction]*clrfile.Instruction, len(src.Body.Instructions))
	newInstrs := make([]*clrfile.Instruction, len(src.Body.Instructions))
	for i, old := range src.Body.Instructions {
		n := &clrfile.Instruction{Offset: old.Offset, Opcode: old.Opcode}
		newInstrs[i] = n
		instrByOld[old] = n
	}

	remap := func(old *clrfile.Instruction) *clrfile.Instruction {
		if old == nil {
			return nil
		}
		return instrByOld[old]
	}

	for i, old := range src.Body.Instructions {
		n := newInstrs[i]
		switch op := old.Operand.(type) {
		case clrfile.FieldRefOperand:
			if tmpl.RoleOf(old) == RoleInternal {
				cf := fieldByName[op.Field.Name]
				n.Operand = clrfile.FieldRefOperand{Field: cf.Ref()}
			} else {
				n.Operand = op
			}
		case clrfile.MethodRefOperand:
			if tmpl.RoleOf(old) == RoleInternal {
				cm := methodByName[op.Method.Name]
				n.Operand = clrfile.MethodRefOperand{Method: cm.Ref()}
			} else {
				n.Operand = op
			}
		case clrfile.InstrRefOperand:
			n.Operand = clrfile.InstrRefOperand{Target: remap(op.Target)}
		case clrfile.JumpTableOperand:
			targets := make([]*clrfile.Instruction, len(op.Targets))
			for j, t := range op.Targets {
				targets[j] = remap(t)
			}
			n.Operand = clrfile.JumpTableOperand{Targets: targets}
		default:
			n.Operand = old.Operand
		}
	}

	var handlers []*clrfile.ExceptionHandler
	for _, h := range src.Body.ExceptionHandlers {
		handlers = append(handlers, &clrfile.ExceptionHandler{
			TryStart:     remap(h.TryStart),
			TryEnd:       remap(h.TryEnd),
			HandlerStart: remap(h.HandlerStart),
			HandlerEnd:   remap(h.HandlerEnd),
			FilterStart:  remap(h.FilterStart),
			FilterEnd:    remap(h.FilterEnd),
			CatchType:    h.CatchType,
		})
	}

	dst.Body = &clrfile.MethodBody{
		Instructions:      newInstrs,
		ExceptionHandlers: handlers,
		MaxStack:          src.Body.MaxStack,
	}
	dst.Body.Renumber()
}

// FinalizeHitCount splices the five-instruction epilogue into the
// clone's static constructor, immediately before its terminating ret
//:
//
//	ldc.i4 n
//	newarr int32
//	stsfld HitsArray
//	ldstr hitsFilePath
//	stsfld HitsFilePath
func (c *Clone) FinalizeHitCount(n int, hitsFilePath string) error {
	if c.Cctor == nil || c.Cctor.Body == nil {
		return ilerrors.New(ilerrors.PreconditionFailed, "clone has no static constructor")
	}
	body := c.Cctor.Body
	if len(body.Instructions) == 0 || body.Instructions[len(body.Instructions)-1].Opcode != clrfile.OpRet {
		return ilerrors.New(ilerrors.PreconditionFailed, "clone cctor does not end in ret")
	}

	epilogue := []*clrfile.Instruction{
		{Opcode: clrfile.OpLdcI4, Operand: clrfile.Int32Operand{Value: int32(n)}},
		{Opcode: clrfile.OpNewarr, Operand: clrfile.TypeRefOperand{Type: externalArrayElementType}},
		{Opcode: clrfile.OpStsFld, Operand: clrfile.FieldRefOperand{Field: c.HitsArrayField.Ref()}},
		{Opcode: clrfile.OpLdStr, Operand: clrfile.StringOperand{Value: hitsFilePath}},
		{Opcode: clrfile.OpStsFld, Operand: clrfile.FieldRefOperand{Field: c.HitsFilePathField.Ref()}},
	}

	tail := body.Instructions[len(body.Instructions)-1]
	body.Instructions = append(body.Instructions[:len(body.Instructions)-1], append(epilogue, tail)...)
	body.Renumber()
	return nil
}
