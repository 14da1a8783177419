// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package rt implements the Runtime Tracker (C7): the per-module
// runtime behavior for a module instrumented by the Tracker Injector
// (package tracker), as a directly importable library a Go host process
// can embed to get counting/merge/persist behavior without an IL
// template. The cloned template itself is simpler: its RecordHit
// increments HitsArray directly and its UnloadModule body is a stub, so
// the per-thread registry and the merge/persist logic exist only here.
package rt

import "sync"

// Tracker holds one module's hit counters: a shared array merged into
// at unload, and a registry of per-thread arrays that absorb the hot
// path without cross-thread contention.
//
// Go has no implicit thread-local storage, so callers identify "the
// current thread" with a caller-supplied handle (e.g. a goroutine or OS
// thread id); the registry is keyed on that handle rather than on any
// runtime-intrinsic identity.
type Tracker struct {
	HitsArray    []int32
	HitsFilePath string

	mu      sync.Mutex
	threads sync.Map // int64 -> []int32
}

// NewTracker allocates a Tracker with a zero-initialised counter array
// of length n, mirroring the cctor epilogue spliced by
// tracker.Clone.FinalizeHitCount.
func NewTracker(n int, hitsFilePath string) *Tracker {
	return &Tracker{
		HitsArray:    make([]int32, n),
		HitsFilePath: hitsFilePath,
	}
}

// RecordHit is the hot path: it looks up (or lazily allocates, under
// the registry lock, double-checked) the calling thread's counter
// array, then increments its k-th slot non-atomically. Per-thread
// arrays eliminate cross-thread contention on the fast path; the lock
// is paid only once per thread.
func (t *Tracker) RecordHit(threadID int64, k int) {
	arr := t.threadArray(threadID)
	arr[k]++
}

func (t *Tracker) threadArray(threadID int64) []int32 {
	if arr, ok := t.threads.Load(threadID); ok {
		return arr.([]int32)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if arr, ok := t.threads.Load(threadID); ok {
		return arr.([]int32)
	}
	arr := make([]int32, len(t.HitsArray))
	t.threads.Store(threadID, arr)
	return arr
}

// UnloadModule merges every registered per-thread array into HitsArray,
// clears the registry (so a repeat call, from either a process-exit or
// an isolation-domain-unload hook, contributes zero), persists the
// merged counts to the hit file under a named inter-process lock, then
// zeroes HitsArray to guard against double-counting if both unload
// hooks fire.
func (t *Tracker) UnloadModule() error {
	t.mu.Lock()
	t.threads.Range(func(_, value any) bool {
		arr := value.([]int32)
		for i, v := range arr {
			if i < len(t.HitsArray) {
				t.HitsArray[i] += v
			}
		}
		return true
	})
	t.threads = sync.Map{}
	merged := append([]int32(nil), t.HitsArray...)
	t.mu.Unlock()

	if err := mergeHitFile(t.HitsFilePath, merged); err != nil {
		return err
	}

	t.mu.Lock()
	for i := range t.HitsArray {
		t.HitsArray[i] = 0
	}
	t.mu.Unlock()
	return nil
}
