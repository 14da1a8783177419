// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package clrfile

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	mmap "github.com/edsrzf/mmap-go"
	ilog "github.com/ilcover/ilcover/internal/log"
	"github.com/ilcover/ilcover/ilerrors"
)

// Container magic + format version. "ILMD" = Intermediate Language
// Module Data.
const (
	containerMagic   = uint32(0x444D4C49)
	containerVersion = uint32(1)
)

// Open memory-maps path read-only (grounded on saferwall-pe/file.go's
// mmap.Map(f, mmap.RDONLY, 0) technique), decodes the container, and
// returns a mutable Module. The file handle and mapping are kept open
// so Write can later reuse the same path.
func Open(path string, opts *Options) (*Module, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ilerrors.Wrap(ilerrors.IoError, err, "open module")
	}

	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, ilerrors.Wrap(ilerrors.IoError, err, "mmap module")
	}

	m, err := decode(bytes.NewReader(data))
	if err != nil {
		data.Unmap()
		f.Close()
		return nil, ilerrors.Wrap(ilerrors.IoError, err, "decode module")
	}
	m.Path = path
	m.mapped = data
	m.f = f
	m.opts = normalizeOptions(opts)
	m.logger = newHelper(m.opts)
	m.Resolver = NewResolver(path)
	return m, nil
}

// NewEmpty builds an in-memory Module with no backing file, used by the
// tracker package to author the template and by tests.
func NewEmpty(name string) *Module {
	m := &Module{Name: name}
	m.opts = normalizeOptions(nil)
	m.logger = newHelper(m.opts)
	m.Resolver = NewResolver("")
	return m
}

func normalizeOptions(opts *Options) *Options {
	if opts != nil {
		return opts
	}
	return &Options{}
}

func newHelper(opts *Options) *ilog.Helper {
	var logger ilog.Logger
	if opts.Logger != nil {
		logger = opts.Logger
	} else {
		logger = ilog.NewStdLogger(os.Stdout)
	}
	return ilog.NewHelper(ilog.NewFilter(logger, ilog.FilterLevel(ilog.LevelWarn)))
}

// Close releases the mmap and file handle, if any.
func (m *Module) Close() error {
	var mapErr error
	if m.mapped != nil {
		mapErr = m.mapped.Unmap()
		m.mapped = nil
	}
	if m.f != nil {
		if err := m.f.Close(); err != nil {
			return err
		}
	}
	return mapErr
}

// Write serializes the (mutated) module graph to w.
func (m *Module) Write(w io.Writer) error {
	return encode(w, m)
}

// WriteBack writes the module back to the file it was opened from.
func (m *Module) WriteBack() error {
	if m.Path == "" {
		return ilerrors.New(ilerrors.IoError, "module has no backing path")
	}
	// Close the read-only mapping before reopening for write, since the
	// mapping and the new content cannot coexist over the same fd on
	// every platform.
	if err := m.Close(); err != nil {
		return ilerrors.Wrap(ilerrors.IoError, err, "close mapping before write-back")
	}
	f, err := os.Create(m.Path)
	if err != nil {
		return ilerrors.Wrap(ilerrors.IoError, err, "open module for write-back")
	}
	defer f.Close()
	if err := m.Write(f); err != nil {
		return ilerrors.Wrap(ilerrors.IoError, err, "write module")
	}
	return nil
}

// --- encode ---

type encoder struct {
	w         io.Writer
	err       error
	typeIdx   map[*Type]uint32
	methodIdx map[*Method]uint32
	fieldIdx  map[*Field]uint32
	methods   []*Method
	fields    []*Field
}

func encode(w io.Writer, m *Module) error {
	e := &encoder{
		w:         w,
		typeIdx:   map[*Type]uint32{},
		methodIdx: map[*Method]uint32{},
		fieldIdx:  map[*Field]uint32{},
	}
	for i, t := range m.Types {
		e.typeIdx[t] = uint32(i)
	}
	for _, t := range m.Types {
		for _, f := range t.Fields {
			e.fieldIdx[f] = uint32(len(e.fields))
			e.fields = append(e.fields, f)
		}
		for _, meth := range t.Methods {
			e.methodIdx[meth] = uint32(len(e.methods))
			e.methods = append(e.methods, meth)
		}
	}

	e.u32(containerMagic)
	e.u32(containerVersion)
	e.str(m.Name)
	e.str(m.Path)
	e.u32(uint32(len(m.Types)))
	for _, t := range m.Types {
		e.encodeType(t)
	}
	return e.err
}

func (e *encoder) encodeType(t *Type) {
	e.str(t.Namespace)
	e.str(t.Name)
	if t.DeclaringType == nil {
		e.i32(-1)
	} else {
		e.i32(int32(e.typeIdx[t.DeclaringType]))
	}
	e.u32(uint32(len(t.Attributes)))
	for _, a := range t.Attributes {
		e.str(a.Namespace)
		e.str(a.Name)
	}
	e.u32(uint32(len(t.Fields)))
	for _, f := range t.Fields {
		e.str(f.Name)
		e.typeRef(f.Type)
		e.bit(f.IsStatic)
	}
	e.u32(uint32(len(t.Methods)))
	for _, meth := range t.Methods {
		e.encodeMethod(meth)
	}
}

func (e *encoder) encodeMethod(meth *Method) {
	e.str(meth.Name)
	e.typeRef(meth.ReturnType)
	e.u32(uint32(len(meth.Params)))
	for _, p := range meth.Params {
		e.typeRef(p)
	}
	e.u32(uint32(len(meth.Locals)))
	for _, l := range meth.Locals {
		e.typeRef(l)
	}
	e.u32(uint32(len(meth.Attributes)))
	for _, a := range meth.Attributes {
		e.str(a.Namespace)
		e.str(a.Name)
	}
	e.bit(meth.IsStatic)
	e.bit(meth.IsNative)
	e.bit(meth.IsConstructor)
	e.bit(meth.Body != nil)
	if meth.Body != nil {
		e.encodeBody(meth.Body)
	}
}

func (e *encoder) encodeBody(b *MethodBody) {
	instrIdx := make(map[*Instruction]int32, len(b.Instructions))
	for i, instr := range b.Instructions {
		instrIdx[instr] = int32(i)
	}
	idxOf := func(t *Instruction) int32 {
		if t == nil {
			return -1
		}
		if v, ok := instrIdx[t]; ok {
			return v
		}
		return -1
	}

	e.i32(int32(b.MaxStack))
	e.u32(uint32(len(b.Instructions)))
	for _, instr := range b.Instructions {
		e.w8(byte(instr.Opcode))
		switch op := instr.Operand.(type) {
		case nil, NoOperand:
			// nothing
		case Int32Operand:
			e.i32(op.Value)
		case StringOperand:
			e.str(op.Value)
		case LocalOperand:
			e.i32(int32(op.Index))
		case InstrRefOperand:
			e.i32(idxOf(op.Target))
		case JumpTableOperand:
			e.u32(uint32(len(op.Targets)))
			for _, t := range op.Targets {
				e.i32(idxOf(t))
			}
		case FieldRefOperand:
			e.fieldRef(op.Field)
		case MethodRefOperand:
			e.methodRef(op.Method)
		case TypeRefOperand:
			e.typeRef(op.Type)
		default:
			e.err = ilerrors.New(ilerrors.IoError, "unknown operand kind")
		}
	}

	e.u32(uint32(len(b.ExceptionHandlers)))
	for _, h := range b.ExceptionHandlers {
		e.i32(idxOf(h.TryStart))
		e.i32(idxOf(h.TryEnd))
		e.i32(idxOf(h.HandlerStart))
		e.i32(idxOf(h.HandlerEnd))
		e.i32(idxOf(h.FilterStart))
		e.i32(idxOf(h.FilterEnd))
		e.bit(h.CatchType != nil)
		if h.CatchType != nil {
			e.typeRef(*h.CatchType)
		}
	}
}

func (e *encoder) typeRef(r TypeRef) {
	if r.Def != nil {
		if idx, ok := e.typeIdx[r.Def]; ok {
			e.bit(true)
			e.u32(idx)
			return
		}
	}
	e.bit(false)
	e.str(r.Namespace)
	e.str(r.Name)
}

func (e *encoder) methodRef(r MethodRef) {
	if r.Def != nil {
		if idx, ok := e.methodIdx[r.Def]; ok {
			e.bit(true)
			e.u32(idx)
			return
		}
	}
	e.bit(false)
	e.typeRef(r.DeclaringType)
	e.str(r.Name)
	e.typeRef(r.ReturnType)
}

func (e *encoder) fieldRef(r FieldRef) {
	if r.Def != nil {
		if idx, ok := e.fieldIdx[r.Def]; ok {
			e.bit(true)
			e.u32(idx)
			return
		}
	}
	e.bit(false)
	e.typeRef(r.DeclaringType)
	e.str(r.Name)
	e.typeRef(r.FieldType)
}

func (e *encoder) w8(b byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write([]byte{b})
}

func (e *encoder) bit(v bool) {
	if v {
		e.w8(1)
	} else {
		e.w8(0)
	}
}

func (e *encoder) u32(v uint32) {
	if e.err != nil {
		return
	}
	e.err = binary.Write(e.w, binary.LittleEndian, v)
}

func (e *encoder) i32(v int32) {
	if e.err != nil {
		return
	}
	e.err = binary.Write(e.w, binary.LittleEndian, v)
}

func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	if e.err != nil {
		return
	}
	_, e.err = io.WriteString(e.w, s)
}

// --- decode ---

// rawMethodBody holds the integer indices read from disk until every
// type/method/field in the module has been allocated, at which point
// resolveRefs converts indices into pointers.
type rawMethodBody struct {
	method *Method
	instrs []rawInstruction
	ehs    []rawEH
}

type rawInstruction struct {
	opcode    Opcode
	int32Val  int32
	strVal    string
	localIdx  int
	target    int32
	table     []int32
	fieldRef  rawFieldRef
	methodRef rawMethodRef
	typeRef   rawTypeRef
	kind      byte // 0 none/simple already filled above, 1 field, 2 method, 3 type — selects which *Ref field is meaningful
}

type rawEH struct {
	tryStart, tryEnd             int32
	handlerStart, handlerEnd     int32
	filterStart, filterEnd       int32
	hasCatch                     bool
	catch                        rawTypeRef
}

type rawTypeRef struct {
	internal bool
	idx      uint32
	ns, name string
}

type rawMethodRef struct {
	internal bool
	idx      uint32
	decl     rawTypeRef
	name     string
	ret      rawTypeRef
}

type rawFieldRef struct {
	internal bool
	idx      uint32
	decl     rawTypeRef
	name     string
	typ      rawTypeRef
}

type decoder struct {
	r   io.Reader
	err error
}

func decode(r io.Reader) (*Module, error) {
	d := &decoder{r: r}
	magic := d.u32()
	version := d.u32()
	if d.err == nil && magic != containerMagic {
		return nil, ilerrors.New(ilerrors.BadSymbols, "bad module magic")
	}
	if d.err == nil && version != containerVersion {
		return nil, ilerrors.New(ilerrors.BadSymbols, "unsupported module version")
	}

	m := &Module{}
	m.Name = d.str()
	m.Path = d.str()
	typeCount := d.u32()
	if d.err != nil {
		return nil, d.err
	}
	if typeCount > MaxDefaultTypeCount {
		return nil, ilerrors.New(ilerrors.BadSymbols, "implausible type count")
	}

	types := make([]*Type, typeCount)
	declIdx := make([]int32, typeCount)
	var allMethods []*rawMethodBody
	var allFields []*Field

	for i := range types {
		t := &Type{Module: m}
		t.Namespace = d.str()
		t.Name = d.str()
		declIdx[i] = d.i32()
		attrCount := d.u32()
		for a := uint32(0); a < attrCount; a++ {
			t.Attributes = append(t.Attributes, Attribute{Namespace: d.str(), Name: d.str()})
		}
		fieldCount := d.u32()
		for f := uint32(0); f < fieldCount; f++ {
			field := &Field{DeclaringType: t}
			field.Name = d.str()
			field.Type = d.typeRefRaw().resolveLater()
			field.IsStatic = d.bit()
			t.Fields = append(t.Fields, field)
			allFields = append(allFields, field)
		}
		methodCount := d.u32()
		for mi := uint32(0); mi < methodCount; mi++ {
			meth := &Method{DeclaringType: t}
			meth.Name = d.str()
			retRaw := d.typeRefRaw()
			paramCount := d.u32()
			paramsRaw := make([]rawTypeRef, paramCount)
			for p := range paramsRaw {
				paramsRaw[p] = d.typeRefRaw()
			}
			localCount := d.u32()
			localsRaw := make([]rawTypeRef, localCount)
			for l := range localsRaw {
				localsRaw[l] = d.typeRefRaw()
			}
			attrCount := d.u32()
			for a := uint32(0); a < attrCount; a++ {
				meth.Attributes = append(meth.Attributes, Attribute{Namespace: d.str(), Name: d.str()})
			}
			meth.IsStatic = d.bit()
			meth.IsNative = d.bit()
			meth.IsConstructor = d.bit()
			hasBody := d.bit()

			meth.ReturnType = retRaw.resolveLater()
			for _, p := range paramsRaw {
				meth.Params = append(meth.Params, p.resolveLater())
			}
			for _, l := range localsRaw {
				meth.Locals = append(meth.Locals, l.resolveLater())
			}

			t.Methods = append(t.Methods, meth)

			if hasBody {
				rb := &rawMethodBody{method: meth}
				maxStack := d.i32()
				instrCount := d.u32()
				instrs := make([]*Instruction, instrCount)
				for ii := range instrs {
					instrs[ii] = &Instruction{Offset: int(ii)}
				}
				rb.instrs = make([]rawInstruction, instrCount)
				for ii := uint32(0); ii < instrCount; ii++ {
					ri := rawInstruction{}
					ri.opcode = Opcode(d.u8())
					switch operandKind(ri.opcode) {
					case operandNone:
					case operandInt32:
						ri.int32Val = d.i32()
					case operandString:
						ri.strVal = d.str()
					case operandLocal:
						ri.localIdx = int(d.i32())
					case operandInstrRef:
						ri.target = d.i32()
					case operandJumpTable:
						n := d.u32()
						ri.table = make([]int32, n)
						for j := range ri.table {
							ri.table[j] = d.i32()
						}
					case operandField:
						ri.kind = 1
						ri.fieldRef = d.fieldRefRaw()
					case operandMethod:
						ri.kind = 2
						ri.methodRef = d.methodRefRaw()
					case operandType:
						ri.kind = 3
						ri.typeRef = d.typeRefRaw()
					}
					rb.instrs[ii] = ri
				}
				ehCount := d.u32()
				rb.ehs = make([]rawEH, ehCount)
				for h := uint32(0); h < ehCount; h++ {
					eh := rawEH{}
					eh.tryStart = d.i32()
					eh.tryEnd = d.i32()
					eh.handlerStart = d.i32()
					eh.handlerEnd = d.i32()
					eh.filterStart = d.i32()
					eh.filterEnd = d.i32()
					eh.hasCatch = d.bit()
					if eh.hasCatch {
						eh.catch = d.typeRefRaw()
					}
					rb.ehs[h] = eh
				}
				meth.Body = &MethodBody{Instructions: instrs, MaxStack: int(maxStack)}
				allMethods = append(allMethods, rb)
			}
		}
		types[i] = t
	}

	for i, t := range types {
		if declIdx[i] >= 0 {
			t.DeclaringType = types[declIdx[i]]
		}
	}
	m.Types = types

	if d.err != nil {
		return nil, d.err
	}

	resolveTypeRef := func(raw rawTypeRef) TypeRef {
		if raw.internal {
			return TypeRef{Namespace: types[raw.idx].Namespace, Name: types[raw.idx].Name, Owner: m, Def: types[raw.idx]}
		}
		return TypeRef{Namespace: raw.ns, Name: raw.name}
	}

	flatMethods := flattenMethods(types)
	flatFields := flattenFields(types)

	resolveMethodRef := func(raw rawMethodRef) MethodRef {
		if raw.internal {
			def := flatMethods[raw.idx]
			return MethodRef{DeclaringType: TypeRef{Namespace: def.DeclaringType.Namespace, Name: def.DeclaringType.Name, Owner: m, Def: def.DeclaringType}, Name: def.Name, ReturnType: def.ReturnType, Owner: m, Def: def}
		}
		return MethodRef{DeclaringType: resolveTypeRef(raw.decl), Name: raw.name, ReturnType: resolveTypeRef(raw.ret)}
	}
	resolveFieldRef := func(raw rawFieldRef) FieldRef {
		if raw.internal {
			def := flatFields[raw.idx]
			return FieldRef{DeclaringType: TypeRef{Namespace: def.DeclaringType.Namespace, Name: def.DeclaringType.Name, Owner: m, Def: def.DeclaringType}, Name: def.Name, FieldType: def.Type, Owner: m, Def: def}
		}
		return FieldRef{DeclaringType: resolveTypeRef(raw.decl), Name: raw.name, FieldType: resolveTypeRef(raw.typ)}
	}

	// resolve field/return/param/local TypeRefs deferred above
	for _, f := range allFields {
		f.Type = resolveTypeRef(f.Type.pending)
	}
	for _, meth := range flatMethods {
		meth.ReturnType = resolveTypeRef(meth.ReturnType.pending)
		for i := range meth.Params {
			meth.Params[i] = resolveTypeRef(meth.Params[i].pending)
		}
		for i := range meth.Locals {
			meth.Locals[i] = resolveTypeRef(meth.Locals[i].pending)
		}
	}
	for _, rb := range allMethods {
		instrs := rb.method.Body.Instructions
		at := func(idx int32) *Instruction {
			if idx < 0 || int(idx) >= len(instrs) {
				return nil
			}
			return instrs[idx]
		}
		for i, ri := range rb.instrs {
			instrs[i].Opcode = ri.opcode
			switch operandKind(ri.opcode) {
			case operandNone:
				instrs[i].Operand = NoOperand{}
			case operandInt32:
				instrs[i].Operand = Int32Operand{Value: ri.int32Val}
			case operandString:
				instrs[i].Operand = StringOperand{Value: ri.strVal}
			case operandLocal:
				instrs[i].Operand = LocalOperand{Index: ri.localIdx}
			case operandInstrRef:
				instrs[i].Operand = InstrRefOperand{Target: at(ri.target)}
			case operandJumpTable:
				targets := make([]*Instruction, len(ri.table))
				for j, idx := range ri.table {
					targets[j] = at(idx)
				}
				instrs[i].Operand = JumpTableOperand{Targets: targets}
			case operandField:
				instrs[i].Operand = FieldRefOperand{Field: resolveFieldRef(ri.fieldRef)}
			case operandMethod:
				instrs[i].Operand = MethodRefOperand{Method: resolveMethodRef(ri.methodRef)}
			case operandType:
				instrs[i].Operand = TypeRefOperand{Type: resolveTypeRef(ri.typeRef)}
			}
		}
		for _, eh := range rb.ehs {
			handler := &ExceptionHandler{
				TryStart:     at(eh.tryStart),
				TryEnd:       at(eh.tryEnd),
				HandlerStart: at(eh.handlerStart),
				HandlerEnd:   at(eh.handlerEnd),
				FilterStart:  at(eh.filterStart),
				FilterEnd:    at(eh.filterEnd),
			}
			if eh.hasCatch {
				ct := resolveTypeRef(eh.catch)
				handler.CatchType = &ct
			}
			rb.method.Body.ExceptionHandlers = append(rb.method.Body.ExceptionHandlers, handler)
		}
	}

	return m, d.err
}

// pendingTypeRef carries a raw reference until the full type table is
// available; TypeRef.pending stashes it in an otherwise-zero TypeRef so
// allFields/allMethods can resolve it in a second pass without a
// parallel side-table.
type pendingTypeRef = rawTypeRef

func (raw rawTypeRef) resolveLater() TypeRef {
	return TypeRef{pending: raw}
}

func (d *decoder) typeRefRaw() rawTypeRef {
	internal := d.bit()
	if internal {
		return rawTypeRef{internal: true, idx: d.u32()}
	}
	return rawTypeRef{ns: d.str(), name: d.str()}
}

func (d *decoder) methodRefRaw() rawMethodRef {
	internal := d.bit()
	if internal {
		return rawMethodRef{internal: true, idx: d.u32()}
	}
	return rawMethodRef{decl: d.typeRefRaw(), name: d.str(), ret: d.typeRefRaw()}
}

func (d *decoder) fieldRefRaw() rawFieldRef {
	internal := d.bit()
	if internal {
		return rawFieldRef{internal: true, idx: d.u32()}
	}
	return rawFieldRef{decl: d.typeRefRaw(), name: d.str(), typ: d.typeRefRaw()}
}

func (d *decoder) u8() byte {
	if d.err != nil {
		return 0
	}
	var b [1]byte
	_, d.err = io.ReadFull(d.r, b[:])
	return b[0]
}

func (d *decoder) bit() bool { return d.u8() != 0 }

func (d *decoder) u32() uint32 {
	if d.err != nil {
		return 0
	}
	var v uint32
	d.err = binary.Read(d.r, binary.LittleEndian, &v)
	return v
}

func (d *decoder) i32() int32 {
	if d.err != nil {
		return 0
	}
	var v int32
	d.err = binary.Read(d.r, binary.LittleEndian, &v)
	return v
}

func (d *decoder) str() string {
	n := d.u32()
	if d.err != nil || n == 0 {
		return ""
	}
	buf := make([]byte, n)
	_, d.err = io.ReadFull(d.r, buf)
	return string(buf)
}

func flattenMethods(types []*Type) []*Method {
	var out []*Method
	for _, t := range types {
		out = append(out, t.Methods...)
	}
	return out
}

func flattenFields(types []*Type) []*Field {
	var out []*Field
	for _, t := range types {
		out = append(out, t.Fields...)
	}
	return out
}
