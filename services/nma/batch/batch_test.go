// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package batch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	sum   int
	units int
}

func sumSquares(ctx context.Context, n, workers int) (*counter, error) {
	return Run(ctx, n, workers,
		func() *counter { return &counter{} },
		func(_ context.Context, i int, acc *counter) error {
			acc.sum += i * i
			acc.units++
			return nil
		},
		func(dst, src *counter) {
			dst.sum += src.sum
			dst.units += src.units
		},
	)
}

func TestRun_IndependentOfWorkerCount(t *testing.T) {
	want, err := sumSquares(context.Background(), 1000, 1)
	require.NoError(t, err)
	assert.Equal(t, 1000, want.units)

	for _, workers := range []int{0, 2, 3, 8, 5000} {
		got, err := sumSquares(context.Background(), 1000, workers)
		require.NoError(t, err)
		assert.Equal(t, want, got, "workers=%d", workers)
	}
}

func TestRun_Empty(t *testing.T) {
	got, err := sumSquares(context.Background(), 0, 4)
	require.NoError(t, err)
	assert.Equal(t, 0, got.units)
}

func TestRun_Cancelled(t *testing.T) {
	for _, workers := range []int{1, 4} {
		ctx, cancel := context.WithCancel(context.Background())
		var seen atomic.Int32

		got, err := Run(ctx, 100, workers,
			func() *counter { return &counter{} },
			func(_ context.Context, i int, acc *counter) error {
				if seen.Add(1) == 5 {
					cancel()
				}
				acc.units++
				return nil
			},
			func(dst, src *counter) { dst.units += src.units },
		)
		require.Error(t, err, "workers=%d", workers)
		assert.ErrorIs(t, err, ErrCancelled)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Nil(t, got, "no partial result")
		cancel()
	}
}

func TestRun_WorkErrorPropagates(t *testing.T) {
	boom := errors.New("boom")
	_, err := Run(context.Background(), 50, 4,
		func() *counter { return &counter{} },
		func(_ context.Context, i int, _ *counter) error {
			if i == 30 {
				return boom
			}
			return nil
		},
		func(dst, src *counter) {},
	)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrCancelled)
}

func TestMap_PreservesOrder(t *testing.T) {
	out, err := Map(context.Background(), 20, 3, func(_ context.Context, i int) (string, error) {
		return string(rune('a' + i)), nil
	})
	require.NoError(t, err)
	require.Len(t, out, 20)
	assert.Equal(t, "a", out[0])
	assert.Equal(t, "t", out[19])
}
