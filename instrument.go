// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package ilcover is the Engine API: it orchestrates the Module Loader
// (clrfile), Symbol Bridge (symbols), Filter (filter), Tracker Injector
// (tracker), Method Instrumenter (instrumenter) and Hit Map Builder
// (hitmap) in sequence, and returns the instrumentation map an external
// reporter later joins with the hit file the injected rt.Tracker
// produces at runtime.
package ilcover

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ilcover/ilcover/clrfile"
	"github.com/ilcover/ilcover/filter"
	"github.com/ilcover/ilcover/hitmap"
	"github.com/ilcover/ilcover/ilerrors"
	"github.com/ilcover/ilcover/instrumenter"
	"github.com/ilcover/ilcover/symbols"
	"github.com/ilcover/ilcover/tracker"
)

// Instrumenter drives one instrument run against a single module.
type Instrumenter struct {
	modulePath     string
	identifier     string
	excludeFilters []string
	includeFilters []string
	excludedFiles  []string
}

// New builds an Instrumenter for modulePath. identifier is an opaque
// token the caller guarantees is unique across concurrent instrument
// runs.
func New(modulePath, identifier string, excludeFilters, includeFilters, excludedFiles []string) *Instrumenter {
	return &Instrumenter{
		modulePath:     modulePath,
		identifier:     identifier,
		excludeFilters: excludeFilters,
		includeFilters: includeFilters,
		excludedFiles:  excludedFiles,
	}
}

// CanInstrument reports whether modulePath has a symbol sidecar next to
// it. Callers must gate on this before calling Instrument.
func (in *Instrumenter) CanInstrument() bool {
	return clrfile.CanInstrument(in.modulePath)
}

// Result is everything an external reporter needs: the module identity,
// the hit-file path its runtime tracker writes to, and the
// instrumentation map keyed so HitEntries' 1-based position is the
// runtime counter index.
type Result struct {
	Module       string
	ModulePath   string
	HitsFilePath string
	Documents    map[string]hitmap.Document
	HitEntries   []hitmap.HitEntry
}

// Instrument rewrites the module in place: it clones the runtime
// tracker, walks every eligible type and method, splices counter
// preludes into every method body, finalizes the clone's static
// constructor with the resulting hit count, and writes the module back
// to disk. It must not be called unless CanInstrument returned true.
func (in *Instrumenter) Instrument() (*Result, error) {
	if !in.CanInstrument() {
		return nil, ilerrors.New(ilerrors.PreconditionFailed, "no symbol sidecar next to module")
	}

	mod, err := clrfile.Open(in.modulePath, nil)
	if err != nil {
		return nil, err
	}
	defer mod.Close()

	analyser, err := symbols.Open(clrfile.SidecarPath(in.modulePath))
	if err != nil {
		return nil, err
	}

	f, err := filter.New(in.includeFilters, in.excludeFilters, in.excludedFiles)
	if err != nil {
		return nil, err
	}

	clone, err := tracker.Inject(mod, in.identifier)
	if err != nil {
		return nil, err
	}

	hits := hitmap.NewBuilder()

	for _, t := range mod.Types {
		if !f.InstrumentsType(t) {
			continue
		}
		for _, m := range t.Methods {
			if m.IsNative || m.Body == nil {
				continue
			}
			if !f.InstrumentsMethod(m, filter.EnclosingMethod) {
				continue
			}
			sym, ok := analyser.MethodSymbols(t.FullName(), m.Name)
			if !ok {
				continue
			}
			sym = dropExcludedDocuments(sym, f)
			if err := instrumenter.Instrument(m, sym, hits, clone); err != nil {
				return nil, err
			}
		}
	}

	hitsFilePath := HitsFilePath(in.modulePath, in.identifier)
	if err := clone.FinalizeHitCount(hits.Len(), hitsFilePath); err != nil {
		return nil, err
	}

	if err := mod.WriteBack(); err != nil {
		return nil, err
	}

	docs, entries := hits.Result()
	return &Result{
		Module:       clrfile.ModuleBaseName(in.modulePath),
		ModulePath:   in.modulePath,
		HitsFilePath: hitsFilePath,
		Documents:    docs,
		HitEntries:   entries,
	}, nil
}

// dropExcludedDocuments removes sequence points and branch points that
// reference a document in the Filter's excluded-files list. Branch points are
// filtered the same way for consistency, since an excluded file has no
// instrumentable source anchor either way.
func dropExcludedDocuments(sym symbols.MethodSymbols, f *filter.Filter) symbols.MethodSymbols {
	out := symbols.MethodSymbols{SequencePoints: map[int]symbols.SequencePoint{}}
	for off, sp := range sym.SequencePoints {
		if !f.InstrumentsDocument(sp.Document) {
			continue
		}
		out.SequencePoints[off] = sp
	}
	for _, bp := range sym.BranchPoints {
		if !f.InstrumentsDocument(bp.Document) {
			continue
		}
		out.BranchPoints = append(out.BranchPoints, bp)
	}
	return out
}

// HitsFilePath derives the path the injected tracker will write its
// counts to: "<temp_dir>/<module_basename>_<identifier>".
func HitsFilePath(modulePath, identifier string) string {
	base := clrfile.ModuleBaseName(modulePath)
	return filepath.Join(os.TempDir(), fmt.Sprintf("%s_%s", base, identifier))
}
