// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package clrfile

// AddType appends a new type to m and returns it. Used by tests and by
// the tracker package to author its hand-built template).
func (m *Module) AddType(namespace, name string) *Type {
	t := &Type{Namespace: namespace, Name: name, Module: m}
	m.Types = append(m.Types, t)
	return t
}

// AddField appends a field definition to t.
func (t *Type) AddField(name string, typ TypeRef, isStatic bool) *Field {
	f := &Field{Name: name, Type: typ, IsStatic: isStatic, DeclaringType: t}
	t.Fields = append(t.Fields, f)
	return f
}

// AddMethod appends a method definition (with an empty body) to t.
func (t *Type) AddMethod(name string, ret TypeRef, isStatic bool) *Method {
	meth := &Method{
		Name:          name,
		ReturnType:    ret,
		IsStatic:      isStatic,
		DeclaringType: t,
		Body:          &MethodBody{},
	}
	t.Methods = append(t.Methods, meth)
	return meth
}

// Ref returns an internal TypeRef pointing at t.
func (t *Type) Ref() TypeRef {
	return TypeRef{Namespace: t.Namespace, Name: t.Name, Owner: t.Module, Def: t}
}

// Ref returns an internal MethodRef pointing at m.
func (m *Method) Ref() MethodRef {
	return MethodRef{DeclaringType: m.DeclaringType.Ref(), Name: m.Name, ReturnType: m.ReturnType, Owner: m.DeclaringType.Module, Def: m}
}

// Ref returns an internal FieldRef pointing at f.
func (f *Field) Ref() FieldRef {
	return FieldRef{DeclaringType: f.DeclaringType.Ref(), Name: f.Name, FieldType: f.Type, Owner: f.DeclaringType.Module, Def: f}
}

// Emit appends an instruction to b and returns it, for fluent body
// construction.
func (b *MethodBody) Emit(op Opcode, operand Operand) *Instruction {
	if operand == nil {
		operand = NoOperand{}
	}
	instr := &Instruction{Opcode: op, Operand: operand}
	b.Instructions = append(b.Instructions, instr)
	return instr
}

// Renumber recomputes Instruction.Offset as the instruction's position
// in the stream (1 offset unit per instruction — this engine's ISA has
// no variable-length encoding, so position and "offset" coincide).
func (b *MethodBody) Renumber() {
	for i, instr := range b.Instructions {
		instr.Offset = i
	}
}

// IndexOf returns the position of instr in b.Instructions, or -1.
func (b *MethodBody) IndexOf(instr *Instruction) int {
	for i, c := range b.Instructions {
		if c == instr {
			return i
		}
	}
	return -1
}
