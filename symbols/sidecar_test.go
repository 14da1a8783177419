// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package symbols

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMethods() map[string]MethodSymbols {
	return map[string]MethodSymbols{
		key("Acme.Widget", "DoWork"): {
			SequencePoints: map[int]SequencePoint{
				0: {Document: "Program.cs", StartLine: 10, EndLine: 10},
				5: {Document: "Program.cs", StartLine: 11, EndLine: 11, IsHidden: true},
			},
			BranchPoints: []BranchPoint{
				{Document: "Program.cs", Offset: 2, EndOffset: 2, StartLine: 20, Ordinal: 0},
				{Document: "Program.cs", Offset: 2, EndOffset: 2, StartLine: -1, Ordinal: 1},
			},
		},
	}
}

func TestSidecar_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.dll.ilsym")

	require.NoError(t, Write(path, sampleMethods()))

	a, err := Open(path)
	require.NoError(t, err)

	ms, ok := a.MethodSymbols("Acme.Widget", "DoWork")
	require.True(t, ok)
	assert.Len(t, ms.SequencePoints, 2)
	assert.Len(t, ms.BranchPoints, 2)

	_, ok = a.MethodSymbols("Acme.Widget", "Missing")
	assert.False(t, ok)
}

func TestMethodSymbols_Filtered_DropsHiddenAndUnanchored(t *testing.T) {
	ms := sampleMethods()[key("Acme.Widget", "DoWork")]
	filtered := ms.Filtered()

	require.Len(t, filtered.SequencePoints, 1)
	sp, ok := filtered.SequencePoints[0]
	assert.True(t, ok)
	assert.Equal(t, 10, sp.StartLine)

	require.Len(t, filtered.BranchPoints, 1)
	assert.Equal(t, 20, filtered.BranchPoints[0].StartLine)
}

func TestOpen_RejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.ilsym")
	require.NoError(t, writeGarbage(path))

	_, err := Open(path)
	assert.Error(t, err)
}

func writeGarbage(path string) error {
	return os.WriteFile(path, []byte{1, 2, 3, 4}, 0o644)
}

func TestProbe_DetectsSidecarPresence(t *testing.T) {
	dir := t.TempDir()
	modulePath := filepath.Join(dir, "app.dll")
	require.NoError(t, os.WriteFile(modulePath, []byte("x"), 0o644))
	assert.False(t, Probe(modulePath))

	require.NoError(t, Write(modulePath+".ilsym", sampleMethods()))
	assert.True(t, Probe(modulePath))
}
