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

import "fmt"

// WLSResult is the solution of a generalized least-squares system.
type WLSResult struct {
	// Beta is the coefficient vector (XᵀWX)⁺XᵀWy.
	Beta []float64

	// Cov is the coefficient covariance (XᵀWX)⁺.
	Cov *Matrix

	// Normal is the normal matrix XᵀWX.
	Normal *Matrix

	// Rank is the numerical rank of the normal matrix.
	Rank int

	// Converged reports whether the SVD behind the inversion converged.
	Converged bool

	pinv *PinvResult
}

// NullSpace returns basis vectors of the normal matrix null space.
func (r *WLSResult) NullSpace() [][]float64 {
	return r.pinv.NullSpace()
}

// WeightedLeastSquares solves β = (XᵀWX)⁺XᵀWy.
//
// Inputs:
//   - x: Design matrix (m × p).
//   - w: Weight matrix (m × m), typically the inverse covariance.
//   - y: Observations (length m).
//   - opts: Kernel options for the pseudo-inverse.
//
// Outputs:
//   - *WLSResult: Coefficients, covariance, rank and convergence flag.
//   - error: ErrDimensionMismatch on inconsistent shapes.
//
// Thread Safety: Safe for concurrent use.
func WeightedLeastSquares(x, w *Matrix, y []float64, opts Options) (*WLSResult, error) {
	if w.rows != x.rows || w.cols != x.rows || len(y) != x.rows {
		return nil, fmt.Errorf("%w: X %dx%d, W %dx%d, y %d",
			ErrDimensionMismatch, x.rows, x.cols, w.rows, w.cols, len(y))
	}

	xtw := MustMul(x.Transpose(), w)
	normal := MustMul(xtw, x)
	rhs, err := MulVec(xtw, y)
	if err != nil {
		return nil, err
	}

	inv := Pinv(normal, opts)
	beta, err := MulVec(inv.Inverse, rhs)
	if err != nil {
		return nil, err
	}

	return &WLSResult{
		Beta:      beta,
		Cov:       inv.Inverse,
		Normal:    normal,
		Rank:      inv.Rank,
		Converged: inv.Converged,
		pinv:      inv,
	}, nil
}
