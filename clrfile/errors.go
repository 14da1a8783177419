// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package clrfile

import (
	"os"
	"path/filepath"
)

// SidecarExtension is the extension the debug-symbol sidecar carries
// next to its module, e.g. "app.dll" -> "app.dll.ilsym".
const SidecarExtension = ".ilsym"

// SidecarPath returns the expected sidecar path for modulePath.
func SidecarPath(modulePath string) string {
	return modulePath + SidecarExtension
}

// CanInstrument reports whether modulePath has a symbol sidecar sitting
// next to it — the hard precondition of §4.1. Callers must gate on this
// before calling Instrument.
func CanInstrument(modulePath string) bool {
	return fileExists(SidecarPath(modulePath))
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// ModuleBaseName returns the module's file name without its extension,
// e.g. "/tmp/app.dll" -> "app".
func ModuleBaseName(modulePath string) string {
	base := filepath.Base(modulePath)
	return base[:len(base)-len(filepath.Ext(base))]
}
