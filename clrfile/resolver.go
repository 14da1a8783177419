// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package clrfile

import "path/filepath"

// Resolver resolves a foreign module by name to a file path, searching
// the paths in order. Open seeds it with the target module's own
// directory.
type Resolver struct {
	SearchPaths []string
}

// NewResolver builds a Resolver seeded with the directory containing
// modulePath (empty if modulePath has no directory component, e.g. for
// in-memory modules built with NewEmpty).
func NewResolver(modulePath string) *Resolver {
	r := &Resolver{}
	if modulePath != "" {
		r.AddSearchPath(filepath.Dir(modulePath))
	}
	return r
}

// AddSearchPath appends dir to the search path if not already present.
func (r *Resolver) AddSearchPath(dir string) {
	for _, p := range r.SearchPaths {
		if p == dir {
			return
		}
	}
	r.SearchPaths = append(r.SearchPaths, dir)
}

// Resolve returns the first candidate path "<dir>/<name>" that exists
// on disk (checked with os.Stat), or "" and false if none do.
func (r *Resolver) Resolve(name string) (string, bool) {
	for _, dir := range r.SearchPaths {
		candidate := filepath.Join(dir, name)
		if fileExists(candidate) {
			return candidate, true
		}
	}
	return "", false
}
