// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilcover/ilcover/clrfile"
)

func TestNew_BuildsPinnedMembers(t *testing.T) {
	tmpl := New()

	assert.Equal(t, "Tracker", tmpl.Type.Name)
	require.NotNil(t, tmpl.HitsArrayField)
	require.NotNil(t, tmpl.HitsFilePathField)
	require.NotNil(t, tmpl.RecordHitMethod)
	require.NotNil(t, tmpl.AtomicIncrementMethod)
	require.NotNil(t, tmpl.UnloadMethod)
	require.NotNil(t, tmpl.Cctor)
}

func TestRoleOf_TagsRecordHitFieldLoadsInternal(t *testing.T) {
	tmpl := New()

	for _, instr := range tmpl.RecordHitMethod.Body.Instructions {
		role := tmpl.RoleOf(instr)
		if instr.Opcode == clrfile.OpLdsFld {
			assert.Equal(t, RoleInternal, role)
		}
	}
}

func TestRoleOf_UnknownInstructionDefaultsVerbatim(t *testing.T) {
	tmpl := New()
	unrelated := &clrfile.Instruction{Opcode: clrfile.OpNop}
	assert.Equal(t, RoleVerbatim, tmpl.RoleOf(unrelated))
}

func TestCctor_EndsInBareRetBeforeFinalize(t *testing.T) {
	tmpl := New()
	require.Len(t, tmpl.Cctor.Body.Instructions, 1)
	assert.Equal(t, clrfile.OpRet, tmpl.Cctor.Body.Instructions[0].Opcode)
}
