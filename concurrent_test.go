// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package ilcover

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilcover/ilcover/ilerrors"
)

func TestInstrumentAll_RunsEachModuleIndependently(t *testing.T) {
	pathA := writeSampleModule(t)
	pathB := writeSampleModule(t)

	results, err := InstrumentAll(context.Background(), []Target{
		{ModulePath: pathA, Identifier: "run1"},
		{ModulePath: pathB, Identifier: "run2"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.NotEqual(t, results[0].HitsFilePath, results[1].HitsFilePath)
	assert.Len(t, results[0].HitEntries, 1)
	assert.Len(t, results[1].HitEntries, 1)
}

func TestInstrumentAll_MissingSidecarFailsThatTarget(t *testing.T) {
	path := writeSampleModule(t)

	_, err := InstrumentAll(context.Background(), []Target{
		{ModulePath: path + ".does-not-exist", Identifier: "run1"},
	})
	require.Error(t, err)
	assert.True(t, ilerrors.Is(err, ilerrors.PreconditionFailed))
}
