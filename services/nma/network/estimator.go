// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package network implements the generalized least-squares network
// estimator.
//
// # Model
//
// Each contrast y_i = θ_b − θ_a + ε_i with ε ~ N(0, V), V = V0 + τ²B. The
// reference treatment is pinned at θ_0 = 0 and the remaining T−1 parameters
// are estimated as θ = (XᵀWX)⁺XᵀWy with W = V⁻¹. Every pairwise effect is
// the difference of two parameters, so estimates are additively consistent
// by construction: effect(A,C) = effect(A,B) + effect(B,C).
//
// # Failure Modes
//
//   - Disconnected or malformed input is rejected before any arithmetic with
//     a *model.ValidationError.
//   - A normal matrix whose numerical rank falls below T−1 is rejected with a
//     *SingularityError naming the treatments spanning its null space.
//   - An SVD that hits its sweep cap yields a result carrying a
//     model.WarnNotConverged warning.
package network

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/AleutianAI/AleutianNMA/services/nma/linalg"
	"github.com/AleutianAI/AleutianNMA/services/nma/model"
	"github.com/AleutianAI/AleutianNMA/services/nma/stats"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNumericalSingularity indicates the normal matrix lost rank.
	ErrNumericalSingularity = errors.New("numerical singularity")

	// ErrInvalidTau2 indicates a negative or non-finite τ².
	ErrInvalidTau2 = errors.New("tau2 must be finite and non-negative")
)

// nullSpaceLoading is the magnitude above which a null space component
// implicates its treatment.
const nullSpaceLoading = 1e-8

// SingularityError reports a rank deficient normal matrix.
type SingularityError struct {
	// Rank is the observed numerical rank.
	Rank int

	// Expected is T−1.
	Expected int

	// Treatments lists the labels loading on the null space.
	Treatments []string
}

// Error implements error.
func (e *SingularityError) Error() string {
	return fmt.Sprintf("normal matrix rank %d below %d; implicated treatments: %s",
		e.Rank, e.Expected, strings.Join(e.Treatments, ", "))
}

// Unwrap returns ErrNumericalSingularity.
func (e *SingularityError) Unwrap() error { return ErrNumericalSingularity }

// -----------------------------------------------------------------------------
// Options & Results
// -----------------------------------------------------------------------------

// Options configures an estimation call.
type Options struct {
	// Alpha is the two-sided significance level of confidence intervals.
	Alpha float64

	// Kernel is passed to every SVD and pseudo-inverse.
	Kernel linalg.Options

	// FixedEffectStats requests Q, I² and H from the fixed-effect fit when
	// τ² > 0. With τ² = 0 they are always reported.
	FixedEffectStats bool
}

// DefaultOptions returns α = 0.05, default kernel options and fixed-effect
// statistics enabled.
func DefaultOptions() Options {
	return Options{
		Alpha:            0.05,
		Kernel:           linalg.DefaultOptions(),
		FixedEffectStats: true,
	}
}

// Pairwise is the estimate of one treatment relative to another.
type Pairwise struct {
	Effect float64 `json:"effect"`
	SE     float64 `json:"se"`
	Lower  float64 `json:"lower"`
	Upper  float64 `json:"upper"`
	Z      float64 `json:"z"`
	P      float64 `json:"p"`
}

// Comparison labels a Pairwise estimate: Effect is B relative to A.
type Comparison struct {
	A string `json:"a"`
	B string `json:"b"`
	Pairwise
}

// Heterogeneity holds fixed-effect heterogeneity statistics.
type Heterogeneity struct {
	Q      float64 `json:"q"`
	DF     int     `json:"df"`
	PValue float64 `json:"p_value"`
	I2     float64 `json:"i2"`
	H      float64 `json:"h"`
}

// Diagnostics summarizes the fit.
type Diagnostics struct {
	// Q is the weighted residual sum of squares at the supplied τ².
	Q float64 `json:"q"`

	// DF is m − (T−1).
	DF int `json:"df"`

	// PValue is the χ² tail probability of Q.
	PValue float64 `json:"p_value"`

	// Rank is the numerical rank of XᵀWX.
	Rank int `json:"rank"`

	// Converged is false if any SVD hit its sweep cap.
	Converged bool `json:"converged"`

	// FixedEffect is nil when it was not requested and τ² > 0.
	FixedEffect *Heterogeneity `json:"fixed_effect,omitempty"`
}

// Result is the outcome of one estimation call.
//
// Pairwise and Covariance are T × T row-major. Entry (a, b) of Pairwise is
// treatment b relative to treatment a.
type Result struct {
	Treatments  []string        `json:"treatments"`
	Tau2        float64         `json:"tau2"`
	Effects     []float64       `json:"effects"`
	Covariance  []float64       `json:"covariance"`
	Pairwise    []Pairwise      `json:"pairwise"`
	Diagnostics Diagnostics     `json:"diagnostics"`
	Warnings    []model.Warning `json:"warnings,omitempty"`
}

// Reference returns the reference treatment label.
func (r *Result) Reference() string { return r.Treatments[0] }

// Index returns the position of a treatment label.
func (r *Result) Index(label string) (int, bool) {
	for i, t := range r.Treatments {
		if t == label {
			return i, true
		}
	}
	return -1, false
}

// At returns treatment b relative to treatment a by index.
func (r *Result) At(a, b int) Pairwise {
	return r.Pairwise[a*len(r.Treatments)+b]
}

// Effect returns treatment b relative to treatment a by label.
func (r *Result) Effect(a, b string) (Pairwise, bool) {
	ia, okA := r.Index(a)
	ib, okB := r.Index(b)
	if !okA || !okB {
		return Pairwise{}, false
	}
	return r.At(ia, ib), true
}

// Comparisons lists every pair a < b in treatment order.
func (r *Result) Comparisons() []Comparison {
	n := len(r.Treatments)
	out := make([]Comparison, 0, n*(n-1)/2)
	for a := 0; a < n; a++ {
		for b := a + 1; b < n; b++ {
			out = append(out, Comparison{A: r.Treatments[a], B: r.Treatments[b], Pairwise: r.At(a, b)})
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Estimation
// -----------------------------------------------------------------------------

// Estimate runs the network estimator.
//
// Description:
//
//	Validates the input, builds the design, and fits the generalized
//	least-squares model at the supplied τ². Validation runs before any
//	arithmetic.
//
// Inputs:
//   - contrasts: Observations.
//   - set: Treatment set. Index 0 is the reference.
//   - tau2: Between-study variance. Must be >= 0.
//   - opts: Estimation options.
//
// Outputs:
//   - *Result: The fit.
//   - error: *model.ValidationError, *SingularityError or ErrInvalidTau2.
//
// Thread Safety: Safe for concurrent use.
func Estimate(contrasts []model.Contrast, set *model.TreatmentSet, tau2 float64, opts Options) (*Result, error) {
	if tau2 < 0 || math.IsNaN(tau2) || math.IsInf(tau2, 0) {
		return nil, fmt.Errorf("%w: got %v", ErrInvalidTau2, tau2)
	}
	if err := model.Validate(contrasts, set); err != nil {
		return nil, err
	}
	d, err := BuildDesign(contrasts, set)
	if err != nil {
		return nil, err
	}
	return Fit(d, tau2, opts)
}

// Fit estimates a prepared design at τ².
func Fit(d *Design, tau2 float64, opts Options) (*Result, error) {
	if opts.Alpha <= 0 || opts.Alpha >= 1 {
		opts.Alpha = DefaultOptions().Alpha
	}

	w, wConverged := d.Weights(tau2, opts.Kernel)
	wls, err := linalg.WeightedLeastSquares(d.X, w, d.Y, opts.Kernel)
	if err != nil {
		return nil, fmt.Errorf("network fit: %w", err)
	}

	p := d.Params()
	if wls.Rank < p {
		return nil, singularity(d, wls)
	}

	q, err := residualQ(d, w, wls.Beta)
	if err != nil {
		return nil, fmt.Errorf("network residuals: %w", err)
	}
	df := d.Rows() - p

	res := &Result{
		Treatments: d.Treatments.Labels(),
		Tau2:       tau2,
		Diagnostics: Diagnostics{
			Q:         q,
			DF:        df,
			PValue:    stats.ChiSquareSF(q, df),
			Rank:      wls.Rank,
			Converged: wConverged && wls.Converged,
		},
	}
	fillEstimates(res, wls, opts.Alpha)

	switch {
	case tau2 == 0:
		res.Diagnostics.FixedEffect = heterogeneityStats(q, df)
	case opts.FixedEffectStats:
		w0, conv0 := d.Weights(0, opts.Kernel)
		fixed, err := linalg.WeightedLeastSquares(d.X, w0, d.Y, opts.Kernel)
		if err != nil {
			return nil, fmt.Errorf("network fixed-effect fit: %w", err)
		}
		q0, err := residualQ(d, w0, fixed.Beta)
		if err != nil {
			return nil, fmt.Errorf("network fixed-effect residuals: %w", err)
		}
		res.Diagnostics.FixedEffect = heterogeneityStats(q0, df)
		res.Diagnostics.Converged = res.Diagnostics.Converged && conv0 && fixed.Converged
	}

	if !res.Diagnostics.Converged {
		res.Warnings = append(res.Warnings, model.Warning{
			Code:      model.WarnNotConverged,
			Component: "network",
			Message:   "singular value decomposition reached its sweep cap",
		})
	}
	return res, nil
}

func fillEstimates(res *Result, wls *linalg.WLSResult, alpha float64) {
	n := len(res.Treatments)
	res.Effects = make([]float64, n)
	copy(res.Effects[1:], wls.Beta)

	res.Covariance = make([]float64, n*n)
	for i := 1; i < n; i++ {
		for j := 1; j < n; j++ {
			res.Covariance[i*n+j] = wls.Cov.At(i-1, j-1)
		}
	}

	crit := stats.CriticalValue(alpha)
	res.Pairwise = make([]Pairwise, n*n)
	for a := 0; a < n; a++ {
		for b := 0; b < n; b++ {
			effect := res.Effects[b] - res.Effects[a]
			v := res.Covariance[b*n+b] + res.Covariance[a*n+a] - 2*res.Covariance[a*n+b]
			se := math.Sqrt(math.Max(v, 0))
			pw := Pairwise{Effect: effect, SE: se, Lower: effect, Upper: effect, P: 1}
			if se > 0 {
				pw.Z = effect / se
				pw.P = stats.TwoSidedP(pw.Z)
				pw.Lower = effect - crit*se
				pw.Upper = effect + crit*se
			}
			res.Pairwise[a*n+b] = pw
		}
	}
}

func residualQ(d *Design, w *linalg.Matrix, beta []float64) (float64, error) {
	fitted, err := linalg.MulVec(d.X, beta)
	if err != nil {
		return 0, err
	}
	r := make([]float64, len(d.Y))
	for i := range r {
		r[i] = d.Y[i] - fitted[i]
	}
	q, err := linalg.QuadForm(r, w, r)
	if err != nil {
		return 0, err
	}
	return math.Max(q, 0), nil
}

func heterogeneityStats(q float64, df int) *Heterogeneity {
	h := &Heterogeneity{Q: q, DF: df, PValue: stats.ChiSquareSF(q, df), H: 1}
	if q > 0 && df > 0 {
		h.I2 = math.Max(0, (q-float64(df))/q)
		h.H = math.Max(1, math.Sqrt(q/float64(df)))
	}
	return h
}

func singularity(d *Design, wls *linalg.WLSResult) *SingularityError {
	seen := make(map[int]bool)
	for _, v := range wls.NullSpace() {
		for j, x := range v {
			if math.Abs(x) > nullSpaceLoading {
				seen[j+1] = true
			}
		}
	}
	var labels []string
	for i := 1; i < d.Treatments.Len(); i++ {
		if seen[i] {
			labels = append(labels, d.Treatments.Label(i))
		}
	}
	return &SingularityError{Rank: wls.Rank, Expected: d.Params(), Treatments: labels}
}
