// Copyright 2024 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package ilcover

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/ilcover/ilcover/ilerrors"
)

// Target names one module a batch instrument run should cover, plus the
// per-module identifier and filters its own Instrumenter is built with.
type Target struct {
	ModulePath     string
	Identifier     string
	ExcludeFilters []string
	IncludeFilters []string
	ExcludedFiles  []string
}

// InstrumentAll instruments every target concurrently, one independent
// Instrumenter/Module/Result per goroutine.
//
// If any target fails CanInstrument or Instrument, the first error is
// returned and the remaining goroutines are allowed to finish
// (errgroup's default behavior); results for targets that did complete
// successfully are still returned alongside the error at their
// original index. ctx is not consulted by the goroutines: cancelling
// it neither stops a run in progress nor produces an error.
func InstrumentAll(ctx context.Context, targets []Target) ([]*Result, error) {
	results := make([]*Result, len(targets))

	g, _ := errgroup.WithContext(ctx)
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			in := New(target.ModulePath, target.Identifier, target.ExcludeFilters, target.IncludeFilters, target.ExcludedFiles)
			if !in.CanInstrument() {
				return ilerrors.New(ilerrors.PreconditionFailed, "no symbol sidecar next to module: "+target.ModulePath)
			}
			res, err := in.Instrument()
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}

	err := g.Wait()
	return results, err
}
