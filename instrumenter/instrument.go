// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package instrumenter implements the Method Instrumenter (C5): it
// splices counter-increment preludes before every non-hidden sequence
// point and every branch-point target in a method body, repointing
// every control-transfer that used to enter the original instruction
// so it now enters the prelude first.
package instrumenter

import (
	"github.com/ilcover/ilcover/clrfile"
	"github.com/ilcover/ilcover/hitmap"
	"github.com/ilcover/ilcover/symbols"
	"github.com/ilcover/ilcover/tracker"
)

// preludeLength is the fixed instruction count of both a line prelude
// and a branch prelude.
const preludeLength = 5

// Instrument splices hit-counting preludes into m's body per sym,
// recording every line and branch hit in hits, and calling into
// clone's AtomicIncrement method. Methods with a nil Body (e.g. native
// methods) are silently skipped.
func Instrument(m *clrfile.Method, sym symbols.MethodSymbols, hits *hitmap.Builder, clone *tracker.Clone) error {
	if m.Body == nil {
		return nil
	}
	sym = sym.Filtered()

	body := m.Body
	normalizeBranches(body)

	declType := ""
	if m.DeclaringType != nil {
		declType = m.DeclaringType.FullName()
	}

	original := body.Instructions
	entryTarget := make(map[*clrfile.Instruction]*clrfile.Instruction, len(original))
	out := make([]*clrfile.Instruction, 0, len(original)+preludeLength*4)

	for _, instr := range original {
		spliced := false

		if sp, ok := sym.SequencePoints[instr.Offset]; ok {
			k := hits.AddLine(sp.Document, sp.StartLine, sp.EndLine, declType, m.Name)
			prelude := buildPrelude(clone, k)
			out = append(out, prelude...)
			entryTarget[instr] = prelude[0]
			spliced = true
		}

		for _, bp := range sym.BranchPoints {
			if bp.EndOffset != instr.Offset {
				continue
			}
			k := hits.AddBranch(bp.Document, bp.StartLine, bp.Ordinal, bp.Offset, bp.EndOffset, bp.Path, declType, m.Name)
			prelude := buildPrelude(clone, k)
			out = append(out, prelude...)
			if !spliced {
				entryTarget[instr] = prelude[0]
				spliced = true
			}
		}

		out = append(out, instr)
	}

	body.Instructions = out
	repoint(body, entryTarget)
	body.Renumber()
	optimizeBranches(body)
	return nil
}

// buildPrelude authors the five-instruction splice described in §4.5:
//
//	ldsfld HitsArray
//	ldc.i4  k
//	ldelema i4
//	call    AtomicIncrement
//	pop
func buildPrelude(clone *tracker.Clone, k int) []*clrfile.Instruction {
	return []*clrfile.Instruction{
		{Opcode: clrfile.OpLdsFld, Operand: clrfile.FieldRefOperand{Field: clone.HitsArrayField.Ref()}},
		{Opcode: clrfile.OpLdcI4, Operand: clrfile.Int32Operand{Value: int32(k)}},
		{Opcode: clrfile.OpLdelemaI4, Operand: clrfile.NoOperand{}},
		{Opcode: clrfile.OpCall, Operand: clrfile.MethodRefOperand{Method: clone.AtomicIncrementRef()}},
		{Opcode: clrfile.OpPop, Operand: clrfile.NoOperand{}},
	}
}

// repoint rewrites every instruction-ref operand, jump-table slot, and
// exception-handler boundary that pointed at a key of entryTarget to
// point at its value instead. The handler's
// FilterEnd boundary is included even though the original tool the
// spec distills from treats it as platform-dependent and leaves it
// alone — this engine owns its container format end to end, so it
// rewrites FilterEnd too (recorded as an Open Question decision in
// DESIGN.md).
func repoint(body *clrfile.MethodBody, entryTarget map[*clrfile.Instruction]*clrfile.Instruction) {
	redirect := func(target *clrfile.Instruction) *clrfile.Instruction {
		if t, ok := entryTarget[target]; ok {
			return t
		}
		return target
	}

	for _, instr := range body.Instructions {
		switch op := instr.Operand.(type) {
		case clrfile.InstrRefOperand:
			if op.Target != nil {
				instr.Operand = clrfile.InstrRefOperand{Target: redirect(op.Target)}
			}
		case clrfile.JumpTableOperand:
			targets := make([]*clrfile.Instruction, len(op.Targets))
			for i, t := range op.Targets {
				targets[i] = redirect(t)
			}
			instr.Operand = clrfile.JumpTableOperand{Targets: targets}
		}
	}

	for _, h := range body.ExceptionHandlers {
		for _, b := range h.Boundaries() {
			*b = redirect(*b)
		}
	}
}

// normalizeBranches converts every short-form branch opcode to its
// long-form equivalent, so splicing ahead of a branch instruction
// cannot silently leave its encoding unable to reach its target
//. The operand itself (an instruction pointer) needs no change
// — only the opcode tag.
func normalizeBranches(body *clrfile.MethodBody) {
	for _, instr := range body.Instructions {
		if long, ok := clrfile.ShortFormToLong(instr.Opcode); ok {
			instr.Opcode = long
		}
	}
}

// optimizeBranches converts long-form branches back to short form
// where the instruction-index distance to the target still fits a
// single signed byte, mirrored from normalizeBranches. This
// engine's operands are instruction pointers rather than byte offsets,
// so "fits" is modeled on instruction-index distance instead of an
// encoded byte count.
func optimizeBranches(body *clrfile.MethodBody) {
	index := make(map[*clrfile.Instruction]int, len(body.Instructions))
	for i, instr := range body.Instructions {
		index[instr] = i
	}
	for i, instr := range body.Instructions {
		short, ok := clrfile.LongFormToShort(instr.Opcode)
		if !ok {
			continue
		}
		op, ok := instr.Operand.(clrfile.InstrRefOperand)
		if !ok || op.Target == nil {
			continue
		}
		distance := index[op.Target] - i
		if distance >= -128 && distance <= 127 {
			instr.Opcode = short
		}
	}
}
