// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package hitmap implements the Hit Map Builder (C6): the append-only
// instrumentation map that correlates runtime hit indices to source
// locations.
package hitmap

import "fmt"

// Line is at most one per (document, number).
type Line struct {
	Number            int
	DeclaringTypeName string
	MethodName        string
}

// Branch is at most one per (document, line, ordinal).
type Branch struct {
	Line              int
	DeclaringTypeName string
	MethodName        string
	Offset            int
	EndOffset         int
	Path              int
	Ordinal           int
}

// Document is a source file referenced by debug info. Index is dense,
// 0-based, assigned in first-seen order, and is the identity used in
// HitEntry.
type Document struct {
	Path     string
	Index    int
	Lines    map[int]Line
	Branches map[branchKey]Branch
}

// MarshalText lets branchKey serve as a JSON object key (the
// encoding/json package only accepts map keys that are strings,
// integers, or encoding.TextMarshaler) so Document can be marshalled
// directly by callers such as cmd/ilcover.
func (k branchKey) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%d:%d", k.line, k.ordinal)), nil
}

type branchKey struct {
	line    int
	ordinal int
}

// HitEntry is one element of the instrumentation map. Its 1-based
// position in the list it came from is the runtime hit index.
type HitEntry struct {
	Kind      HitKind
	DocIndex  int
	StartLine int // Line only
	EndLine   int // Line only
	Line      int // Branch only
	Ordinal   int // Branch only
}

// HitKind tags a HitEntry as a Line or a Branch record.
type HitKind uint8

const (
	LineHit HitKind = iota
	BranchHit
)

// Builder accumulates documents and hit entries as the Method
// Instrumenter (C5) splices preludes. It is append-only: entries are
// never removed or reordered, so a hit entry's position is stable once
// assigned.
type Builder struct {
	docs      map[string]*Document
	docOrder  []*Document
	hitEntries []HitEntry
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{docs: map[string]*Document{}}
}

func (b *Builder) intern(path string) *Document {
	if d, ok := b.docs[path]; ok {
		return d
	}
	d := &Document{
		Path:     path,
		Index:    len(b.docOrder),
		Lines:    map[int]Line{},
		Branches: map[branchKey]Branch{},
	}
	b.docs[path] = d
	b.docOrder = append(b.docOrder, d)
	return d
}

// AddLine interns doc, back-fills the line range into the document's
// Lines map, appends a Line HitEntry, and returns its 1-based hit index.
func (b *Builder) AddLine(doc string, startLine, endLine int, declaringType, method string) int {
	d := b.intern(doc)
	for n := startLine; n <= endLine; n++ {
		if _, exists := d.Lines[n]; !exists {
			d.Lines[n] = Line{Number: n, DeclaringTypeName: declaringType, MethodName: method}
		}
	}
	b.hitEntries = append(b.hitEntries, HitEntry{
		Kind: LineHit, DocIndex: d.Index, StartLine: startLine, EndLine: endLine,
	})
	return len(b.hitEntries)
}

// AddBranch interns doc, inserts (line, ordinal) into Branches if
// absent, appends a Branch HitEntry, and returns its 1-based hit index.
func (b *Builder) AddBranch(doc string, line, ordinal, offset, endOffset, path int, declaringType, method string) int {
	d := b.intern(doc)
	bk := branchKey{line: line, ordinal: ordinal}
	if _, exists := d.Branches[bk]; !exists {
		d.Branches[bk] = Branch{
			Line: line, DeclaringTypeName: declaringType, MethodName: method,
			Offset: offset, EndOffset: endOffset, Path: path, Ordinal: ordinal,
		}
	}
	b.hitEntries = append(b.hitEntries, HitEntry{
		Kind: BranchHit, DocIndex: d.Index, Line: line, Ordinal: ordinal,
	})
	return len(b.hitEntries)
}

// Len returns the current hit-entry count — the size the runtime
// counter table must be allocated to (invariant 1).
func (b *Builder) Len() int {
	return len(b.hitEntries)
}

// Result returns the documents (keyed by path, invariant 7's dense
// first-seen index preserved via Document.Index) and the ordered hit
// entries accumulated so far.
func (b *Builder) Result() (map[string]Document, []HitEntry) {
	docs := make(map[string]Document, len(b.docOrder))
	for path, d := range b.docs {
		docs[path] = *d
	}
	entries := make([]HitEntry, len(b.hitEntries))
	copy(entries, b.hitEntries)
	return docs, entries
}
