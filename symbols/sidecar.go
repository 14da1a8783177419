// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package symbols

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/ilcover/ilcover/clrfile"
	"github.com/ilcover/ilcover/ilerrors"
)

const (
	sidecarMagic   = uint32(0x59534C49) // "ILSY"
	sidecarVersion = uint32(1)
)

// Probe reports whether modulePath has a symbol sidecar next to it.
// This is the "does a symbol sidecar discovery heuristic beyond file
// presence" boundary named in spec.md §1 — deliberately nothing fancier.
func Probe(modulePath string) bool {
	return clrfile.CanInstrument(modulePath)
}

type fileAnalyser struct {
	byMethod map[string]MethodSymbols
}

func key(declaringType, methodName string) string {
	return declaringType + "::" + methodName
}

func (a *fileAnalyser) MethodSymbols(declaringType, methodName string) (MethodSymbols, bool) {
	ms, ok := a.byMethod[key(declaringType, methodName)]
	return ms, ok
}

// Open reads the sidecar at path and returns an Analyser backed by it.
func Open(path string) (Analyser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, ilerrors.Wrap(ilerrors.IoError, err, "open symbol sidecar")
	}
	defer f.Close()
	return decode(f)
}

// Write serializes methods to the sidecar format at path, for tests and
// for tools preparing fixtures.
func Write(path string, methods map[string]MethodSymbols) error {
	f, err := os.Create(path)
	if err != nil {
		return ilerrors.Wrap(ilerrors.IoError, err, "create symbol sidecar")
	}
	defer f.Close()
	return encode(f, methods)
}

func encode(w io.Writer, methods map[string]MethodSymbols) error {
	e := &enc{w: w}
	e.u32(sidecarMagic)
	e.u32(sidecarVersion)
	e.u32(uint32(len(methods)))
	for k, ms := range methods {
		decl, name := splitKey(k)
		e.str(decl)
		e.str(name)
		e.u32(uint32(len(ms.SequencePoints)))
		for off, sp := range ms.SequencePoints {
			e.i32(int32(off))
			e.utf16(sp.Document)
			e.i32(int32(sp.StartLine))
			e.i32(int32(sp.EndLine))
			e.bit(sp.IsHidden)
		}
		e.u32(uint32(len(ms.BranchPoints)))
		for _, bp := range ms.BranchPoints {
			e.utf16(bp.Document)
			e.i32(int32(bp.Offset))
			e.i32(int32(bp.EndOffset))
			e.i32(int32(bp.StartLine))
			e.i32(int32(bp.Path))
			e.i32(int32(bp.Ordinal))
		}
	}
	return e.err
}

func decode(r io.Reader) (*fileAnalyser, error) {
	d := &dec{r: r}
	magic := d.u32()
	version := d.u32()
	if d.err == nil && magic != sidecarMagic {
		return nil, ilerrors.New(ilerrors.BadSymbols, "bad symbol sidecar magic")
	}
	if d.err == nil && version != sidecarVersion {
		return nil, ilerrors.New(ilerrors.BadSymbols, "unsupported symbol sidecar version")
	}
	count := d.u32()
	a := &fileAnalyser{byMethod: make(map[string]MethodSymbols, count)}
	for i := uint32(0); i < count; i++ {
		decl := d.str()
		name := d.str()
		ms := MethodSymbols{SequencePoints: map[int]SequencePoint{}}
		spCount := d.u32()
		for s := uint32(0); s < spCount; s++ {
			off := int(d.i32())
			doc := d.utf16()
			start := int(d.i32())
			end := int(d.i32())
			hidden := d.bit()
			ms.SequencePoints[off] = SequencePoint{Document: doc, StartLine: start, EndLine: end, IsHidden: hidden}
		}
		bpCount := d.u32()
		for b := uint32(0); b < bpCount; b++ {
			doc := d.utf16()
			offset := int(d.i32())
			endOffset := int(d.i32())
			startLine := int(d.i32())
			path := int(d.i32())
			ordinal := int(d.i32())
			ms.BranchPoints = append(ms.BranchPoints, BranchPoint{
				Document: doc, Offset: offset, EndOffset: endOffset,
				StartLine: startLine, Path: path, Ordinal: ordinal,
			})
		}
		a.byMethod[key(decl, name)] = ms
	}
	if d.err != nil {
		return nil, ilerrors.Wrap(ilerrors.BadSymbols, d.err, "decode symbol sidecar")
	}
	return a, nil
}

func splitKey(k string) (decl, name string) {
	for i := 0; i+1 < len(k); i++ {
		if k[i] == ':' && k[i+1] == ':' {
			return k[:i], k[i+2:]
		}
	}
	return k, ""
}

type enc struct {
	w   io.Writer
	err error
}

func (e *enc) u32(v uint32) {
	if e.err != nil {
		return
	}
	e.err = binary.Write(e.w, binary.LittleEndian, v)
}

func (e *enc) i32(v int32) {
	if e.err != nil {
		return
	}
	e.err = binary.Write(e.w, binary.LittleEndian, v)
}

func (e *enc) bit(v bool) {
	b := byte(0)
	if v {
		b = 1
	}
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write([]byte{b})
}

func (e *enc) str(s string) {
	e.u32(uint32(len(s)))
	if e.err != nil {
		return
	}
	_, e.err = io.WriteString(e.w, s)
}

func (e *enc) utf16(s string) {
	encoded, err := clrfile.EncodeUTF16LE(s)
	if err != nil {
		if e.err == nil {
			e.err = err
		}
		return
	}
	e.u32(uint32(len(encoded)))
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(encoded)
}

type dec struct {
	r   io.Reader
	err error
}

func (d *dec) u32() uint32 {
	if d.err != nil {
		return 0
	}
	var v uint32
	d.err = binary.Read(d.r, binary.LittleEndian, &v)
	return v
}

func (d *dec) i32() int32 {
	if d.err != nil {
		return 0
	}
	var v int32
	d.err = binary.Read(d.r, binary.LittleEndian, &v)
	return v
}

func (d *dec) bit() bool {
	if d.err != nil {
		return false
	}
	var b [1]byte
	_, d.err = io.ReadFull(d.r, b[:])
	return b[0] != 0
}

func (d *dec) str() string {
	n := d.u32()
	if d.err != nil || n == 0 {
		return ""
	}
	buf := make([]byte, n)
	_, d.err = io.ReadFull(d.r, buf)
	return string(buf)
}

func (d *dec) utf16() string {
	n := d.u32()
	if d.err != nil || n == 0 {
		return ""
	}
	buf := make([]byte, n)
	_, d.err = io.ReadFull(d.r, buf)
	if d.err != nil {
		return ""
	}
	s, err := clrfile.DecodeUTF16LE(buf)
	if err != nil {
		d.err = err
		return ""
	}
	return s
}
