// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package clrfile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUTF16LE_RoundTrips(t *testing.T) {
	encoded, err := EncodeUTF16LE("Program.cs")
	require.NoError(t, err)

	decoded, err := DecodeUTF16LE(encoded)
	require.NoError(t, err)
	assert.Equal(t, "Program.cs", decoded)
}

func TestIsBitSet(t *testing.T) {
	assert.True(t, IsBitSet(0b1010, 1))
	assert.True(t, IsBitSet(0b1010, 3))
	assert.False(t, IsBitSet(0b1010, 0))
	assert.False(t, IsBitSet(0b1010, 2))
}
