// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package heterogeneity estimates the between-study variance τ² of a
// network meta-analysis.
//
// Three estimators are available:
//
//   - DL: the method-of-moments estimator generalized to networks,
//     τ² = (Q − df) / tr(P·B), P the fixed-effect residual projection.
//   - REML: restricted maximum likelihood by Fisher scoring.
//   - ML: maximum likelihood by Fisher scoring.
//
// Both likelihood methods start from the DL value and truncate negative
// steps at zero, so the returned τ² is never negative.
package heterogeneity

import (
	"fmt"
	"math"
	"strings"

	"github.com/AleutianAI/AleutianNMA/services/nma/linalg"
	"github.com/AleutianAI/AleutianNMA/services/nma/model"
	"github.com/AleutianAI/AleutianNMA/services/nma/network"
	"github.com/AleutianAI/AleutianNMA/services/nma/stats"
)

// -----------------------------------------------------------------------------
// Method
// -----------------------------------------------------------------------------

// Method selects the τ² estimator.
type Method int

const (
	// MethodREML is restricted maximum likelihood.
	MethodREML Method = iota

	// MethodDL is DerSimonian-Laird method of moments.
	MethodDL

	// MethodML is maximum likelihood.
	MethodML
)

// String returns the canonical method name.
func (m Method) String() string {
	switch m {
	case MethodREML:
		return "REML"
	case MethodDL:
		return "DL"
	case MethodML:
		return "ML"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// MarshalText encodes the method name.
func (m Method) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText decodes a method name.
func (m *Method) UnmarshalText(text []byte) error {
	parsed, err := ParseMethod(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMethod parses "REML", "DL" or "ML", case-insensitively.
func ParseMethod(s string) (Method, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "REML":
		return MethodREML, nil
	case "DL":
		return MethodDL, nil
	case "ML":
		return MethodML, nil
	default:
		return 0, fmt.Errorf("unknown tau2 method %q", s)
	}
}

// -----------------------------------------------------------------------------
// Options & Result
// -----------------------------------------------------------------------------

// Options configures the estimator.
type Options struct {
	Method Method

	// MaxIterations caps Fisher scoring. Default: 50.
	MaxIterations int

	// Tolerance stops Fisher scoring when |Δτ²| falls below it. Default: 1e-8.
	Tolerance float64

	// Kernel is passed to every pseudo-inverse.
	Kernel linalg.Options
}

// DefaultOptions returns REML with 50 iterations and tolerance 1e-8.
func DefaultOptions() Options {
	return Options{
		Method:        MethodREML,
		MaxIterations: 50,
		Tolerance:     1e-8,
		Kernel:        linalg.DefaultOptions(),
	}
}

// Result is the τ² estimate.
type Result struct {
	// Value is τ² >= 0.
	Value float64 `json:"value"`

	Method     Method `json:"method"`
	Converged  bool   `json:"converged"`
	Iterations int    `json:"iterations"`

	// Q and DF are the fixed-effect heterogeneity statistic and its degrees
	// of freedom; PValue, I2 and H derive from them.
	Q      float64 `json:"q"`
	DF     int     `json:"df"`
	PValue float64 `json:"p_value"`
	I2     float64 `json:"i2"`
	H      float64 `json:"h"`

	Warnings []model.Warning `json:"warnings,omitempty"`
}

// -----------------------------------------------------------------------------
// Estimation
// -----------------------------------------------------------------------------

// Estimate computes τ² for validated contrasts.
//
// Description:
//
//	Builds the network design, computes the DL moment estimate, then, for
//	REML and ML, iterates Fisher scoring from that start. Iteration stops
//	when the step falls below Tolerance or after MaxIterations; the latter
//	returns the last iterate flagged not converged.
//
// Inputs:
//   - contrasts: Observations.
//   - set: Treatment set.
//   - opts: Estimator options. Zero iteration fields take defaults.
//
// Outputs:
//   - *Result: τ² with convergence information.
//   - error: *model.ValidationError for invalid input.
//
// Thread Safety: Safe for concurrent use.
func Estimate(contrasts []model.Contrast, set *model.TreatmentSet, opts Options) (*Result, error) {
	if err := model.Validate(contrasts, set); err != nil {
		return nil, err
	}
	d, err := network.BuildDesign(contrasts, set)
	if err != nil {
		return nil, err
	}
	return EstimateDesign(d, opts), nil
}

// EstimateDesign computes τ² for a prepared design.
func EstimateDesign(d *network.Design, opts Options) *Result {
	def := DefaultOptions()
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = def.MaxIterations
	}
	if opts.Tolerance <= 0 {
		opts.Tolerance = def.Tolerance
	}

	fixed := newProjection(d, 0, opts.Kernel)
	q := math.Max(0, linalg.Dot(d.Y, fixed.py))
	df := d.Rows() - fixed.rank
	res := &Result{
		Method:    opts.Method,
		Converged: true,
		Q:         q,
		DF:        df,
		PValue:    stats.ChiSquareSF(q, df),
		H:         1,
	}
	if q > 0 && df > 0 {
		res.I2 = math.Max(0, (q-float64(df))/q)
		res.H = math.Max(1, math.Sqrt(q/float64(df)))
	}

	res.Value = momentEstimate(d, fixed, q, df)
	if opts.Method == MethodDL {
		res.Converged = fixed.converged
		return finish(res, fixed.converged)
	}

	tau2 := res.Value
	converged := false
	kernelOK := fixed.converged
	iter := 0
	for iter < opts.MaxIterations {
		iter++
		proj := newProjection(d, tau2, opts.Kernel)
		kernelOK = kernelOK && proj.converged
		score, info := scoring(d, proj, opts.Method)
		if info <= 0 || math.IsNaN(info) || math.IsNaN(score) {
			converged = true
			break
		}
		next := math.Max(0, tau2+score/info)
		delta := next - tau2
		tau2 = next
		if math.Abs(delta) < opts.Tolerance {
			converged = true
			break
		}
	}

	res.Value = tau2
	res.Iterations = iter
	res.Converged = converged && kernelOK
	return finish(res, kernelOK)
}

// finish clamps τ² and attaches a warning when res is not converged.
// kernelOK reports whether every SVD behind the estimate converged.
func finish(res *Result, kernelOK bool) *Result {
	if res.Value < 0 || math.IsNaN(res.Value) {
		res.Value = 0
	}
	if !res.Converged {
		msg := fmt.Sprintf("%s did not converge after %d iterations", res.Method, res.Iterations)
		if !kernelOK {
			msg = fmt.Sprintf("%s: singular value decomposition did not converge", res.Method)
		}
		res.Warnings = append(res.Warnings, model.Warning{
			Code:      model.WarnNotConverged,
			Component: "heterogeneity",
			Message:   msg,
		})
	}
	return res
}

// momentEstimate returns max(0, (Q − df) / tr(P·B)), or 0 when the
// denominator vanishes.
func momentEstimate(d *network.Design, fixed *projection, q float64, df int) float64 {
	denom, err := linalg.TraceOfProduct(fixed.p, d.B)
	if err != nil || denom <= 0 {
		return 0
	}
	return math.Max(0, (q-float64(df))/denom)
}

// scoring returns the score and expected information for τ².
//
// ML:   U = −½tr(V⁻¹B) + ½ rᵀV⁻¹BV⁻¹r,  I = ½tr(V⁻¹BV⁻¹B)
// REML: U = −½tr(PB)   + ½ yᵀPBPy,      I = ½tr(PBPB)
func scoring(d *network.Design, proj *projection, method Method) (score, info float64) {
	op := proj.p
	if method == MethodML {
		op = proj.vinv
	}
	opB := linalg.MustMul(op, d.B)
	tr, _ := opB.Trace()
	quad, _ := linalg.QuadForm(proj.py, d.B, proj.py)
	trSq, _ := linalg.TraceOfProduct(opB, opB)
	return -0.5*tr + 0.5*quad, 0.5 * trSq
}

// -----------------------------------------------------------------------------
// Projection
// -----------------------------------------------------------------------------

// projection holds P = V⁻¹ − V⁻¹X(XᵀV⁻¹X)⁺XᵀV⁻¹ and P·y at one τ².
type projection struct {
	vinv      *linalg.Matrix
	p         *linalg.Matrix
	py        []float64
	rank      int
	converged bool
}

func newProjection(d *network.Design, tau2 float64, kernel linalg.Options) *projection {
	vinv, wConverged := d.Weights(tau2, kernel)
	vx := linalg.MustMul(vinv, d.X)
	normal := linalg.MustMul(d.X.Transpose(), vx)
	inv := linalg.Pinv(normal, kernel)

	hat := linalg.MustMul(linalg.MustMul(vx, inv.Inverse), vx.Transpose())
	p, _ := linalg.Sub(vinv, hat)
	py, _ := linalg.MulVec(p, d.Y)
	return &projection{
		vinv:      vinv,
		p:         p,
		py:        py,
		rank:      inv.Rank,
		converged: wConverged && inv.Converged,
	}
}
