// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package batch runs independent units of work with partition-then-merge
// aggregation.
//
// # Model
//
// A batch of n units is split into contiguous partitions, one per worker.
// Each worker folds its units into a private accumulator; accumulators are
// merged in partition order after every worker finished. Nothing is shared
// between workers while they run.
//
// # Cancellation
//
// Workers check the context between units. A cancelled batch returns an
// error wrapping ErrCancelled and the context error, and no partial result.
//
// # Thread Safety
//
// Run and Map are safe for concurrent use. The work function is called
// concurrently for distinct units and must not mutate shared state other
// than the accumulator it is handed.
package batch

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// ErrCancelled indicates a batch was abandoned because its context ended.
var ErrCancelled = errors.New("batch cancelled")

// Run folds units 0..n-1 into accumulators and merges them.
//
// Description:
//
//	With workers <= 1 every unit runs on the calling goroutine. Otherwise
//	min(workers, n) goroutines each own one contiguous partition. Merging
//	happens in partition order, so for an order-insensitive merge the
//	result does not depend on the worker count.
//
// Inputs:
//   - ctx: Checked before every unit.
//   - n: Number of units.
//   - workers: Degree of parallelism.
//   - newAcc: Creates an empty accumulator.
//   - work: Processes unit i into acc.
//   - merge: Folds src into dst.
//
// Outputs:
//   - A: The merged accumulator.
//   - error: The first work error, or an error wrapping ErrCancelled.
func Run[A any](
	ctx context.Context,
	n, workers int,
	newAcc func() A,
	work func(ctx context.Context, i int, acc A) error,
	merge func(dst, src A),
) (A, error) {
	var zero A
	if workers < 1 {
		workers = 1
	}
	if workers > n {
		workers = n
	}
	if n <= 0 {
		return newAcc(), nil
	}

	if workers == 1 {
		acc := newAcc()
		if err := runPartition(ctx, 0, n, acc, work); err != nil {
			return zero, err
		}
		return acc, nil
	}

	accs := make([]A, workers)
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		lo := w * n / workers
		hi := (w + 1) * n / workers
		acc := newAcc()
		accs[w] = acc
		g.Go(func() error {
			return runPartition(gctx, lo, hi, acc, work)
		})
	}
	if err := g.Wait(); err != nil {
		// Only the caller's context turns a failure into a cancellation.
		if ctx.Err() != nil {
			return zero, cancelled(ctx)
		}
		return zero, err
	}

	out := newAcc()
	for _, acc := range accs {
		merge(out, acc)
	}
	return out, nil
}

func runPartition[A any](ctx context.Context, lo, hi int, acc A, work func(context.Context, int, A) error) error {
	for i := lo; i < hi; i++ {
		if ctx.Err() != nil {
			return cancelled(ctx)
		}
		if err := work(ctx, i, acc); err != nil {
			return err
		}
	}
	return nil
}

func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
}

// indexed is one Map output slot.
type indexed[T any] struct {
	i int
	v T
}

// Map applies fn to units 0..n-1 and returns the outputs in unit order.
func Map[T any](ctx context.Context, n, workers int, fn func(ctx context.Context, i int) (T, error)) ([]T, error) {
	acc, err := Run(ctx, n, workers,
		func() *[]indexed[T] { return new([]indexed[T]) },
		func(ctx context.Context, i int, acc *[]indexed[T]) error {
			v, err := fn(ctx, i)
			if err != nil {
				return err
			}
			*acc = append(*acc, indexed[T]{i: i, v: v})
			return nil
		},
		func(dst, src *[]indexed[T]) { *dst = append(*dst, *src...) },
	)
	if err != nil {
		return nil, err
	}
	out := make([]T, n)
	for _, e := range *acc {
		out[e.i] = e.v
	}
	return out, nil
}
