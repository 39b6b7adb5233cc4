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
	"sort"
)

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

// Options controls the SVD sweep loop and pseudo-inverse truncation.
type Options struct {
	// MaxSweeps caps the number of Jacobi sweeps. Default: 100.
	MaxSweeps int

	// Tolerance is the convergence threshold on the normalized
	// off-diagonal inner product |⟨u_p,u_q⟩| / (‖u_p‖‖u_q‖). Default: 1e-12.
	Tolerance float64

	// RelTolerance truncates singular values σ <= RelTolerance × σ_max
	// in Pinv. Default: 1e-10.
	RelTolerance float64
}

// DefaultOptions returns the kernel defaults.
func DefaultOptions() Options {
	return Options{
		MaxSweeps:    100,
		Tolerance:    1e-12,
		RelTolerance: 1e-10,
	}
}

// withDefaults fills zero fields from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxSweeps <= 0 {
		o.MaxSweeps = d.MaxSweeps
	}
	if o.Tolerance <= 0 {
		o.Tolerance = d.Tolerance
	}
	if o.RelTolerance <= 0 {
		o.RelTolerance = d.RelTolerance
	}
	return o
}

// -----------------------------------------------------------------------------
// SVD
// -----------------------------------------------------------------------------

// SVDResult holds a thin decomposition A = U·diag(S)·Vᵀ.
type SVDResult struct {
	// U is m × k with orthonormal columns (k = min(m, n)). Columns that
	// belong to zero singular values are zero.
	U *Matrix

	// S holds the singular values in descending order.
	S []float64

	// V is n × k with orthonormal columns.
	V *Matrix

	// Sweeps is the number of sweeps performed.
	Sweeps int

	// Converged is false when MaxSweeps was reached with rotations pending.
	Converged bool
}

// SVD computes the thin singular value decomposition of a using one-sided
// (Hestenes) Jacobi rotations.
//
// Description:
//
//	Column pairs of a working copy are orthogonalized by plane rotations
//	that are accumulated into V. A sweep visits every pair once. The loop
//	ends after a sweep in which every pair is already orthogonal within
//	Tolerance, or when MaxSweeps sweeps have run. Wide matrices are handled
//	by decomposing the transpose.
//
// Inputs:
//   - a: The matrix to decompose. Not modified.
//   - opts: Sweep cap and tolerance. Zero fields take defaults.
//
// Outputs:
//   - *SVDResult: The decomposition. Never nil.
//
// Thread Safety: Safe for concurrent use.
func SVD(a *Matrix, opts Options) *SVDResult {
	opts = opts.withDefaults()
	if a.rows < a.cols {
		r := SVD(a.Transpose(), opts)
		r.U, r.V = r.V, r.U
		return r
	}

	m, n := a.rows, a.cols
	u := a.Clone()
	v := Identity(n)

	converged := n < 2
	sweeps := 0
	for !converged && sweeps < opts.MaxSweeps {
		sweeps++
		rotated := false
		for p := 0; p < n-1; p++ {
			for q := p + 1; q < n; q++ {
				var alpha, beta, gamma float64
				for i := 0; i < m; i++ {
					up := u.data[i*u.stride+p]
					uq := u.data[i*u.stride+q]
					alpha += up * up
					beta += uq * uq
					gamma += up * uq
				}
				if alpha == 0 || beta == 0 || gamma == 0 {
					continue
				}
				if math.Abs(gamma) <= opts.Tolerance*math.Sqrt(alpha*beta) {
					continue
				}
				rotated = true

				zeta := (beta - alpha) / (2 * gamma)
				t := 1 / (math.Abs(zeta) + math.Sqrt(1+zeta*zeta))
				if zeta < 0 {
					t = -t
				}
				c := 1 / math.Sqrt(1+t*t)
				s := c * t

				rotateColumns(u, p, q, c, s)
				rotateColumns(v, p, q, c, s)
			}
		}
		if !rotated {
			converged = true
		}
	}

	sv := make([]float64, n)
	for j := 0; j < n; j++ {
		var norm float64
		for i := 0; i < m; i++ {
			x := u.data[i*u.stride+j]
			norm += x * x
		}
		norm = math.Sqrt(norm)
		sv[j] = norm
		if norm > 0 {
			for i := 0; i < m; i++ {
				u.data[i*u.stride+j] /= norm
			}
		}
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(x, y int) bool { return sv[order[x]] > sv[order[y]] })

	uSorted := New(m, n)
	vSorted := New(n, n)
	sSorted := make([]float64, n)
	for dst, src := range order {
		sSorted[dst] = sv[src]
		for i := 0; i < m; i++ {
			uSorted.data[i*uSorted.stride+dst] = u.data[i*u.stride+src]
		}
		for i := 0; i < n; i++ {
			vSorted.data[i*vSorted.stride+dst] = v.data[i*v.stride+src]
		}
	}

	return &SVDResult{
		U:         uSorted,
		S:         sSorted,
		V:         vSorted,
		Sweeps:    sweeps,
		Converged: converged,
	}
}

// rotateColumns applies the plane rotation (c, s) to columns p and q.
func rotateColumns(m *Matrix, p, q int, c, s float64) {
	for i := 0; i < m.rows; i++ {
		row := m.data[i*m.stride:]
		xp, xq := row[p], row[q]
		row[p] = c*xp - s*xq
		row[q] = s*xp + c*xq
	}
}

// -----------------------------------------------------------------------------
// Pseudo-inverse
// -----------------------------------------------------------------------------

// PinvResult is the outcome of a Moore-Penrose pseudo-inversion.
type PinvResult struct {
	// Inverse is the n × m pseudo-inverse.
	Inverse *Matrix

	// Rank is the number of singular values above the truncation threshold.
	Rank int

	// Converged reports whether the underlying SVD converged.
	Converged bool

	// SVD is the decomposition the inverse was built from.
	SVD *SVDResult
}

// Pinv computes the Moore-Penrose pseudo-inverse A⁺ = V·Σ⁺·Uᵀ.
//
// Description:
//
//	Singular values σ_i > RelTolerance × σ_max are inverted; the rest are
//	treated as zero. A zero matrix has rank 0 and a zero pseudo-inverse.
//
// Inputs:
//   - a: The matrix to invert. Not modified.
//   - opts: SVD and truncation options. Zero fields take defaults.
//
// Outputs:
//   - *PinvResult: Inverse, numerical rank, and convergence flag.
//
// Thread Safety: Safe for concurrent use.
func Pinv(a *Matrix, opts Options) *PinvResult {
	opts = opts.withDefaults()
	dec := SVD(a, opts)

	k := len(dec.S)
	threshold := 0.0
	if k > 0 {
		threshold = opts.RelTolerance * dec.S[0]
	}

	out := New(a.cols, a.rows)
	rank := 0
	for j := 0; j < k; j++ {
		sigma := dec.S[j]
		if sigma <= threshold || sigma == 0 {
			continue
		}
		rank++
		inv := 1 / sigma
		for r := 0; r < a.cols; r++ {
			vr := dec.V.data[r*dec.V.stride+j] * inv
			if vr == 0 {
				continue
			}
			orow := out.Row(r)
			for c := 0; c < a.rows; c++ {
				orow[c] += vr * dec.U.data[c*dec.U.stride+j]
			}
		}
	}

	return &PinvResult{
		Inverse:   out,
		Rank:      rank,
		Converged: dec.Converged,
		SVD:       dec,
	}
}

// NullSpace returns the right singular vectors whose singular values fell at
// or below the truncation threshold used to compute r.
func (r *PinvResult) NullSpace() [][]float64 {
	var out [][]float64
	for j := r.Rank; j < len(r.SVD.S); j++ {
		out = append(out, r.SVD.V.Col(j))
	}
	return out
}
