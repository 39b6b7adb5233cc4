// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package network

import (
	"fmt"
	"math"

	"github.com/AleutianAI/AleutianNMA/services/nma/linalg"
	"github.com/AleutianAI/AleutianNMA/services/nma/model"
)

// Design is the linear model of one estimation call.
//
// Rows follow the input contrast order. Columns are treatments 1..T−1 of the
// treatment set; the reference (index 0) is fixed at zero and has no column.
//
// Thread Safety: Immutable after BuildDesign. Safe for concurrent reads.
type Design struct {
	// Treatments is the treatment set the columns refer to.
	Treatments *model.TreatmentSet

	// X is the m × (T−1) design matrix: +1 at treatment_b, −1 at treatment_a.
	X *linalg.Matrix

	// Y holds the observed effects.
	Y []float64

	// V0 is the within-study sampling covariance. Block diagonal by study.
	V0 *linalg.Matrix

	// B is the between-study structure: 1 on the diagonal and ±½ between
	// contrasts of the same multi-arm study.
	B *linalg.Matrix

	// Blocks lists the row indices of each study in first-appearance order.
	Blocks [][]int
}

// BuildDesign constructs the linear model for validated contrasts.
//
// Description:
//
//	Within a multi-arm study every contrast is oriented against the shared
//	baseline arm. Two contrasts that both point away from (or both towards)
//	the baseline covary positively; mixed orientations covary negatively.
//	The shared covariance is the contrast's BaselineVariance when supplied,
//	otherwise half of the smallest contrast variance in the study, which
//	keeps the block positive definite.
//
// Inputs:
//   - contrasts: Validated contrasts.
//   - set: Treatment set. Every contrast treatment must be a member.
//
// Outputs:
//   - *Design: The model.
//   - error: A *model.ValidationError for a study without a shared arm or a
//     treatment outside set.
func BuildDesign(contrasts []model.Contrast, set *model.TreatmentSet) (*Design, error) {
	m := len(contrasts)
	p := set.Len() - 1
	d := &Design{
		Treatments: set,
		X:          linalg.New(m, p),
		Y:          make([]float64, m),
		V0:         linalg.New(m, m),
		B:          linalg.New(m, m),
	}

	for i, c := range contrasts {
		a, okA := set.Index(c.TreatmentA)
		b, okB := set.Index(c.TreatmentB)
		if !okA || !okB {
			return nil, &model.ValidationError{
				Index:   i,
				StudyID: c.StudyID,
				Field:   "treatment",
				Reason:  fmt.Sprintf("contrast %s is outside the treatment set", c.Pair()),
			}
		}
		if a > 0 {
			d.X.Set(i, a-1, -1)
		}
		if b > 0 {
			d.X.Set(i, b-1, 1)
		}
		d.Y[i] = c.Effect
		d.V0.Set(i, i, c.Variance)
		d.B.Set(i, i, 1)
	}

	for _, st := range model.GroupStudies(contrasts) {
		d.Blocks = append(d.Blocks, st.Rows)
		if len(st.Rows) < 2 {
			continue
		}
		base, ok := model.Baseline(contrasts, st.Rows)
		if !ok {
			return nil, &model.ValidationError{
				Index:   st.Rows[0],
				StudyID: st.ID,
				Reason:  "contrasts of a multi-arm study must share a common baseline arm",
			}
		}
		shared := sharedVariance(contrasts, st.Rows)
		for x, rk := range st.Rows {
			sk := orientation(contrasts[rk], base)
			for _, rl := range st.Rows[x+1:] {
				s := sk * orientation(contrasts[rl], base)
				d.V0.Set(rk, rl, s*shared)
				d.V0.Set(rl, rk, s*shared)
				d.B.Set(rk, rl, s*0.5)
				d.B.Set(rl, rk, s*0.5)
			}
		}
	}
	return d, nil
}

// orientation is +1 when the contrast points away from the baseline arm.
func orientation(c model.Contrast, base string) float64 {
	if c.TreatmentA == base {
		return 1
	}
	return -1
}

func sharedVariance(contrasts []model.Contrast, rows []int) float64 {
	supplied := 0.0
	minVar := math.Inf(1)
	for _, r := range rows {
		supplied = math.Max(supplied, contrasts[r].BaselineVariance)
		minVar = math.Min(minVar, contrasts[r].Variance)
	}
	if supplied > 0 {
		return supplied
	}
	return 0.5 * minVar
}

// Rows returns the number of contrasts.
func (d *Design) Rows() int { return d.X.Rows() }

// Params returns the number of free parameters, T−1.
func (d *Design) Params() int { return d.X.Cols() }

// Covariance returns V = V0 + τ²·B.
func (d *Design) Covariance(tau2 float64) *linalg.Matrix {
	v, err := linalg.AddScaled(d.V0, d.B, tau2)
	if err != nil {
		panic(err)
	}
	return v
}

// Weights returns W = V⁻¹, inverting V block by block.
//
// Outputs:
//   - *linalg.Matrix: The weight matrix.
//   - bool: False when any block SVD hit its sweep cap.
func (d *Design) Weights(tau2 float64, opts linalg.Options) (*linalg.Matrix, bool) {
	v := d.Covariance(tau2)
	w := linalg.New(d.Rows(), d.Rows())
	converged := true
	for _, rows := range d.Blocks {
		if len(rows) == 1 {
			r := rows[0]
			w.Set(r, r, 1/v.At(r, r))
			continue
		}
		inv := linalg.Pinv(v.Submatrix(rows), opts)
		converged = converged && inv.Converged
		w.SetSubmatrix(rows, inv.Inverse)
	}
	return w, converged
}
