// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package clrfile implements the Module Loader (C1): it opens a
// compiled managed-code module together with its debug-symbol sidecar,
// exposes a mutable in-memory graph of types, methods, fields and
// instruction streams, and writes the mutated graph back to disk.
//
// The container format is an engine-owned binary layout (magic "ILMD"),
// not a byte-for-byte clone of any real-world CLR module format — the
// spec treats the module as an opaque handle, so the concrete bytes are
// this engine's own business.
package clrfile

import (
	"os"

	mmap "github.com/edsrzf/mmap-go"
	ilog "github.com/ilcover/ilcover/internal/log"
)

// MaxDefaultTypeCount bounds how many types a single module may declare,
// mirroring the teacher's defensive MaxDefaultCOFFSymbolsCount pattern
// against a corrupt or adversarial length prefix.
const MaxDefaultTypeCount = 1 << 16

// Module is an opaque handle to a parsed managed object file: a graph of
// types, each with methods and fields.
type Module struct {
	Name string
	Path string

	Types []*Type

	// Resolver adds the module's own directory to the search path used
	// to resolve imported type/method/field references.
	Resolver *Resolver

	mapped mmap.MMap // backing mmap, unmapped on Close
	opts   *Options
	logger *ilog.Helper
	f      *os.File
}

// Options configure Open.
type Options struct {
	// Logger overrides the default stdout logger.
	Logger ilog.Logger
}

// Type is a declared type: a class-like container of fields and methods.
// DeclaringType is non-nil for a nested type; the outermost declaring
// type is reached by following DeclaringType to nil.
type Type struct {
	Namespace string
	Name      string

	Attributes []Attribute

	DeclaringType *Type
	Fields        []*Field
	Methods       []*Method

	Module *Module
}

// FullName returns "Namespace.Name", the identity filters match against.
func (t *Type) FullName() string {
	if t.Namespace == "" {
		return t.Name
	}
	return t.Namespace + "." + t.Name
}

// Outermost walks DeclaringType to the root, per the §4.3 "outermost
// declaring type" rule.
func (t *Type) Outermost() *Type {
	cur := t
	for cur.DeclaringType != nil {
		cur = cur.DeclaringType
	}
	return cur
}

// Attribute is a custom attribute applied to a type or method, identified
// by its (possibly qualified) name — the only thing the Filter needs.
type Attribute struct {
	Namespace string
	Name      string
}

// FullName returns "Namespace.Name" (or just Name when unqualified).
func (a Attribute) FullName() string {
	if a.Namespace == "" {
		return a.Name
	}
	return a.Namespace + "." + a.Name
}

// Field is a field definition, static or instance.
type Field struct {
	Name          string
	Type          TypeRef
	IsStatic      bool
	DeclaringType *Type
}

// Method is a method definition: its signature, its locals, and — for
// non-native, parseable methods — its body.
type Method struct {
	Name       string
	ReturnType TypeRef
	Params     []TypeRef
	Locals     []TypeRef

	Attributes []Attribute

	IsStatic      bool
	IsNative      bool // native methods carry no body and are always skipped
	IsConstructor bool

	DeclaringType *Type
	Body          *MethodBody // nil when the module stores no body for the method (e.g. IsNative); a body that fails to decode makes Open fail for the whole module
}

// FullName returns "DeclaringType.Name".
func (m *Method) FullName() string {
	if m.DeclaringType == nil {
		return m.Name
	}
	return m.DeclaringType.FullName() + "." + m.Name
}

// MethodBody is the ordered instruction stream plus exception handlers
// of one method.
type MethodBody struct {
	Instructions      []*Instruction
	ExceptionHandlers []*ExceptionHandler
	MaxStack          int
}

// TypeRef names a type, either defined in Owner (Def != nil, an
// "internal" reference usable without import) or foreign to it (Def ==
// nil, requiring import into any module that wants to use it).
type TypeRef struct {
	Namespace string
	Name      string
	Owner     *Module
	Def       *Type

	// pending holds a raw reference awaiting resolution during decode,
	// before the full type table is available. Zero value elsewhere.
	pending rawTypeRef
}

// FullName returns "Namespace.Name".
func (r TypeRef) FullName() string {
	if r.Namespace == "" {
		return r.Name
	}
	return r.Namespace + "." + r.Name
}

// MethodRef names a method on some declaring type.
type MethodRef struct {
	DeclaringType TypeRef
	Name          string
	ReturnType    TypeRef
	Owner         *Module
	Def           *Method
}

// FieldRef names a field on some declaring type.
type FieldRef struct {
	DeclaringType TypeRef
	Name          string
	FieldType     TypeRef
	Owner         *Module
	Def           *Field
}
