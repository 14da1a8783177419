// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package rt

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilcover/ilcover/ilerrors"
)

func TestLockName_AppendsMutexSuffixToBaseName(t *testing.T) {
	name := LockName("/tmp/app_id")
	assert.Equal(t, "app_id_Mutex", name)
}

func TestLockPath_IsSiblingOfHitFile(t *testing.T) {
	path := LockPath("/tmp/app_id")
	assert.Equal(t, "/tmp/app_id.lock", path)
}

func TestWriteThenReadHitFile_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app_id")
	require.NoError(t, WriteHitFile(path, []int32{4, 0, 9}))

	got, err := ReadHitFile(path)
	require.NoError(t, err)
	assert.Equal(t, []int32{4, 0, 9}, got)
}

func TestWriteThenReadHitFile_RoundTripsEmptyCounterArray(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app_id")
	require.NoError(t, WriteHitFile(path, []int32{}))

	got, err := ReadHitFile(path)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadHitFile_MissingFileIsIoError(t *testing.T) {
	_, err := ReadHitFile(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
	assert.True(t, ilerrors.Is(err, ilerrors.IoError))
}

func TestMergeHitFile_CreatesFileWhenAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app_id")
	require.NoError(t, mergeHitFile(path, []int32{1, 2}))

	got, err := ReadHitFile(path)
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2}, got)
}

func TestMergeHitFile_SumsWithExistingContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app_id")
	require.NoError(t, WriteHitFile(path, []int32{3, 4}))
	require.NoError(t, mergeHitFile(path, []int32{1, 2}))

	got, err := ReadHitFile(path)
	require.NoError(t, err)
	assert.Equal(t, []int32{4, 6}, got)
}

func TestMergeHitFile_RejectsLengthMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app_id")
	require.NoError(t, WriteHitFile(path, []int32{1, 2, 3}))

	err := mergeHitFile(path, []int32{1, 2})
	require.Error(t, err)
	assert.True(t, ilerrors.Is(err, ilerrors.HitFileMismatch))
}
