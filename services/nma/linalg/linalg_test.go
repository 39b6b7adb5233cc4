// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package linalg

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustMatrix(t *testing.T, rows, cols int, data ...float64) *Matrix {
	t.Helper()
	m, err := NewFromData(rows, cols, data)
	require.NoError(t, err)
	return m
}

func assertMatrixNear(t *testing.T, want, got *Matrix, tol float64) {
	t.Helper()
	require.Equal(t, want.Rows(), got.Rows(), "rows")
	require.Equal(t, want.Cols(), got.Cols(), "cols")
	for i := 0; i < want.Rows(); i++ {
		for j := 0; j < want.Cols(); j++ {
			assert.InDelta(t, want.At(i, j), got.At(i, j), tol, "element (%d,%d)", i, j)
		}
	}
}

// -----------------------------------------------------------------------------
// Matrix Tests
// -----------------------------------------------------------------------------

func TestMatrix_Basics(t *testing.T) {
	t.Run("new from data rejects bad length", func(t *testing.T) {
		_, err := NewFromData(2, 2, []float64{1, 2, 3})
		require.ErrorIs(t, err, ErrInvalidShape)
	})

	t.Run("transpose", func(t *testing.T) {
		m := mustMatrix(t, 2, 3, 1, 2, 3, 4, 5, 6)
		tr := m.Transpose()
		assertMatrixNear(t, mustMatrix(t, 3, 2, 1, 4, 2, 5, 3, 6), tr, 0)
	})

	t.Run("mul", func(t *testing.T) {
		a := mustMatrix(t, 2, 2, 1, 2, 3, 4)
		b := mustMatrix(t, 2, 2, 5, 6, 7, 8)
		got, err := Mul(a, b)
		require.NoError(t, err)
		assertMatrixNear(t, mustMatrix(t, 2, 2, 19, 22, 43, 50), got, 0)
	})

	t.Run("mul dimension mismatch", func(t *testing.T) {
		_, err := Mul(New(2, 3), New(2, 3))
		require.ErrorIs(t, err, ErrDimensionMismatch)
	})

	t.Run("clone is independent", func(t *testing.T) {
		m := mustMatrix(t, 1, 2, 1, 2)
		c := m.Clone()
		c.Set(0, 0, 99)
		assert.Equal(t, 1.0, m.At(0, 0))
	})

	t.Run("trace of product", func(t *testing.T) {
		a := mustMatrix(t, 2, 2, 1, 2, 3, 4)
		b := mustMatrix(t, 2, 2, 5, 6, 7, 8)
		got, err := TraceOfProduct(a, b)
		require.NoError(t, err)
		assert.InDelta(t, 69.0, got, 1e-12)
	})

	t.Run("submatrix round trip", func(t *testing.T) {
		m := mustMatrix(t, 3, 3, 1, 2, 3, 4, 5, 6, 7, 8, 9)
		sub := m.Submatrix([]int{0, 2})
		assertMatrixNear(t, mustMatrix(t, 2, 2, 1, 3, 7, 9), sub, 0)

		dst := New(3, 3)
		dst.SetSubmatrix([]int{0, 2}, sub)
		assert.Equal(t, 9.0, dst.At(2, 2))
		assert.Equal(t, 0.0, dst.At(1, 1))
	})
}

// -----------------------------------------------------------------------------
// SVD Tests
// -----------------------------------------------------------------------------

func reconstruct(t *testing.T, r *SVDResult) *Matrix {
	t.Helper()
	us := MustMul(r.U, Diagonal(r.S))
	return MustMul(us, r.V.Transpose())
}

func TestSVD(t *testing.T) {
	tests := []struct {
		name string
		a    *Matrix
	}{
		{"square", mustMatrix(t, 3, 3, 4, 1, 2, 1, 3, 0, 2, 0, 5)},
		{"tall", mustMatrix(t, 4, 2, 1, 2, 3, 4, 5, 6, 7, 8)},
		{"wide", mustMatrix(t, 2, 3, 1, 0, 2, -1, 3, 1)},
		{"rank deficient", mustMatrix(t, 3, 3, 1, 2, 3, 2, 4, 6, 1, 1, 1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := SVD(tt.a, DefaultOptions())
			require.True(t, r.Converged)
			assertMatrixNear(t, tt.a, reconstruct(t, r), 1e-9)

			for i := 1; i < len(r.S); i++ {
				assert.GreaterOrEqual(t, r.S[i-1], r.S[i], "singular values must be sorted")
			}
		})
	}

	t.Run("sweep cap reports non-convergence", func(t *testing.T) {
		a := mustMatrix(t, 4, 4,
			4, 1, 2, 3,
			1, 5, 1, 2,
			2, 1, 6, 1,
			3, 2, 1, 7)
		r := SVD(a, Options{MaxSweeps: 1})
		assert.False(t, r.Converged)
		assert.Equal(t, 1, r.Sweeps)
		require.Len(t, r.S, 4)
	})

	t.Run("deterministic", func(t *testing.T) {
		a := mustMatrix(t, 3, 3, 4, 1, 2, 1, 3, 0, 2, 0, 5)
		r1 := SVD(a, DefaultOptions())
		r2 := SVD(a, DefaultOptions())
		assert.Equal(t, r1.S, r2.S)
		assert.Equal(t, r1.U.Data(), r2.U.Data())
	})
}

// -----------------------------------------------------------------------------
// Pinv Tests
// -----------------------------------------------------------------------------

func TestPinv(t *testing.T) {
	t.Run("invertible matrix gives inverse", func(t *testing.T) {
		a := mustMatrix(t, 2, 2, 4, 7, 2, 6)
		r := Pinv(a, DefaultOptions())
		require.Equal(t, 2, r.Rank)
		assertMatrixNear(t, Identity(2), MustMul(a, r.Inverse), 1e-10)
	})

	t.Run("rank deficient", func(t *testing.T) {
		a := mustMatrix(t, 3, 3, 1, 2, 3, 2, 4, 6, 1, 1, 1)
		r := Pinv(a, DefaultOptions())
		assert.Equal(t, 2, r.Rank)
		assert.Len(t, r.NullSpace(), 1)

		// Penrose condition A·A⁺·A = A.
		aaa := MustMul(MustMul(a, r.Inverse), a)
		assertMatrixNear(t, a, aaa, 1e-9)
	})

	t.Run("zero matrix", func(t *testing.T) {
		r := Pinv(New(2, 2), DefaultOptions())
		assert.Equal(t, 0, r.Rank)
		assertMatrixNear(t, New(2, 2), r.Inverse, 0)
	})

	t.Run("relative tolerance is configurable", func(t *testing.T) {
		a := Diagonal([]float64{1, 1e-6})
		assert.Equal(t, 2, Pinv(a, DefaultOptions()).Rank)
		assert.Equal(t, 1, Pinv(a, Options{RelTolerance: 1e-4}).Rank)
	})
}

// -----------------------------------------------------------------------------
// WeightedLeastSquares Tests
// -----------------------------------------------------------------------------

func TestWeightedLeastSquares(t *testing.T) {
	t.Run("inverse variance weighted mean", func(t *testing.T) {
		x := mustMatrix(t, 2, 1, 1, 1)
		w := Diagonal([]float64{1 / 0.04, 1 / 0.16})
		y := []float64{0.5, 1.0}

		r, err := WeightedLeastSquares(x, w, y, DefaultOptions())
		require.NoError(t, err)

		wantBeta := (0.5/0.04 + 1.0/0.16) / (1/0.04 + 1/0.16)
		assert.InDelta(t, wantBeta, r.Beta[0], 1e-12)
		assert.InDelta(t, 1/(1/0.04+1/0.16), r.Cov.At(0, 0), 1e-12)
		assert.Equal(t, 1, r.Rank)
		assert.True(t, r.Converged)
	})

	t.Run("shape mismatch", func(t *testing.T) {
		_, err := WeightedLeastSquares(New(2, 1), Identity(3), []float64{1, 2}, DefaultOptions())
		require.ErrorIs(t, err, ErrDimensionMismatch)
	})

	t.Run("exact fit recovers coefficients", func(t *testing.T) {
		x := mustMatrix(t, 3, 2, 1, 0, 0, 1, -1, 1)
		y := []float64{0.3, 0.7, 0.4}
		r, err := WeightedLeastSquares(x, Identity(3), y, DefaultOptions())
		require.NoError(t, err)
		assert.InDelta(t, 0.3, r.Beta[0], 1e-10)
		assert.InDelta(t, 0.7, r.Beta[1], 1e-10)
		assert.False(t, math.IsNaN(r.Cov.At(0, 1)))
	})
}
