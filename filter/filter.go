// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package filter implements the Filter (C3): whether a type, method, or
// source file is subject to instrumentation given include/exclude globs,
// an excluded-file list, and opt-out attributes.
package filter

import (
	"github.com/moby/patternmatcher"

	"github.com/ilcover/ilcover/clrfile"
	"github.com/ilcover/ilcover/ilerrors"
)

// ReservedNamespace is the namespace the Tracker Injector (C4) clones
// the runtime tracker type under. Types living there are never
// instrumented.
const ReservedNamespace = "ilcover.Injected"

// OptOutAttributes are the attribute names that exclude a type or
// method from instrumentation when present, per §4.3 rule (i).
var OptOutAttributes = map[string]bool{
	"ExcludeFromCoverageAttribute":     true,
	"ExcludeFromCoverage":              true,
	"ExcludeFromCodeCoverageAttribute": true,
	"ExcludeFromCodeCoverage":          true,
}

// Filter decides instrumentation eligibility for types, methods and
// source documents.
type Filter struct {
	include       *patternmatcher.PatternMatcher
	exclude       *patternmatcher.PatternMatcher
	excludedFiles map[string]bool
}

// New compiles includeFilters/excludeFilters (glob-style fully-qualified
// type name patterns, §6) and excludedFiles into a Filter.
func New(includeFilters, excludeFilters, excludedFiles []string) (*Filter, error) {
	f := &Filter{excludedFiles: map[string]bool{}}

	if len(includeFilters) > 0 {
		pm, err := patternmatcher.New(includeFilters)
		if err != nil {
			return nil, ilerrors.Wrap(ilerrors.PreconditionFailed, err, "compile include filters")
		}
		f.include = pm
	}
	if len(excludeFilters) > 0 {
		pm, err := patternmatcher.New(excludeFilters)
		if err != nil {
			return nil, ilerrors.Wrap(ilerrors.PreconditionFailed, err, "compile exclude filters")
		}
		f.exclude = pm
	}
	for _, file := range excludedFiles {
		f.excludedFiles[file] = true
	}
	return f, nil
}

// InstrumentsType reports whether t should be instrumented, per §4.3
// rules (i)-(iv), evaluated against t's outermost declaring type.
func (f *Filter) InstrumentsType(t *clrfile.Type) bool {
	outer := t.Outermost()

	for _, attr := range outer.Attributes {
		if OptOutAttributes[attr.FullName()] || OptOutAttributes[attr.Name] {
			return false
		}
	}
	if outer.Namespace == ReservedNamespace {
		return false
	}

	fullName := outer.FullName()

	if f.exclude != nil {
		if matched, _ := f.exclude.Matches(fullName); matched {
			return false
		}
	}
	if f.include != nil {
		matched, _ := f.include.Matches(fullName)
		if !matched {
			return false
		}
	}
	return true
}

// InstrumentsMethod reports whether m should be instrumented: its type
// must qualify, and m itself must carry no opt-out attribute (resolving
// local functions to their lifted-from method first, §4.3).
func (f *Filter) InstrumentsMethod(m *clrfile.Method, resolveLocalFunction func(*clrfile.Method) *clrfile.Method) bool {
	if !f.InstrumentsType(m.DeclaringType) {
		return false
	}

	target := m
	if resolveLocalFunction != nil {
		if enclosing := resolveLocalFunction(m); enclosing != nil {
			target = enclosing
		}
	}
	for _, attr := range target.Attributes {
		if OptOutAttributes[attr.FullName()] || OptOutAttributes[attr.Name] {
			return false
		}
	}
	return true
}

// InstrumentsDocument reports whether sequence points referencing doc
// should be instrumented: false when doc is in the excluded-files list.
func (f *Filter) InstrumentsDocument(doc string) bool {
	return !f.excludedFiles[doc]
}
