// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package linalg provides the dense linear algebra kernel used by the
// network meta-analysis engine.
//
// # Overview
//
// The kernel is small: a flat row-major Matrix, the handful
// of products the estimators need, a one-sided Jacobi singular value
// decomposition, the Moore-Penrose pseudo-inverse built on top of it, and a
// weighted least-squares solver.
//
//	┌───────────────────────────────────────────────────────────┐
//	│                     LINEAR ALGEBRA KERNEL                 │
//	├───────────────────────────────────────────────────────────┤
//	│  Matrix (flat, strided) ──► Mul / Transpose / MulVec      │
//	│            │                                              │
//	│            ▼                                              │
//	│  SVD (Jacobi sweeps, capped) ──► Pinv (rank truncation)   │
//	│                                     │                     │
//	│                                     ▼                     │
//	│                        WeightedLeastSquares (XᵀWX)⁺XᵀWy   │
//	└───────────────────────────────────────────────────────────┘
//
// # Convergence
//
// SVD stops after a sweep that performs no rotation, or when MaxSweeps is
// reached. Hitting the cap is not an error: the current decomposition is
// returned with Converged set to false and callers must carry the flag into
// their own results.
//
// # Rank Truncation
//
// Pinv treats a singular value as zero when it does not exceed
// RelTolerance × σ_max. The returned Rank lets callers reject systems whose
// rank is lower than expected instead of silently absorbing the deficiency.
//
// # Thread Safety
//
// All functions are pure. A Matrix is not safe for concurrent mutation but
// may be shared read-only between goroutines.
package linalg
