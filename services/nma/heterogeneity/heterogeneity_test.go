// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package heterogeneity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianNMA/services/nma/linalg"
	"github.com/AleutianAI/AleutianNMA/services/nma/model"
)

func withMethod(m Method) Options {
	opts := DefaultOptions()
	opts.Method = m
	return opts
}

// twoStudies has Σ(y − ȳ)² = 0.5 with equal variances 0.1, so the closed
// forms are DL = REML = 0.4 and ML = 0.15.
func twoStudies() []model.Contrast {
	return []model.Contrast{
		{StudyID: "s1", TreatmentA: "A", TreatmentB: "B", Effect: 0, Variance: 0.1},
		{StudyID: "s2", TreatmentA: "A", TreatmentB: "B", Effect: 1, Variance: 0.1},
	}
}

func TestEstimate_SingleContrastIsZero(t *testing.T) {
	cs := []model.Contrast{{StudyID: "s1", TreatmentA: "A", TreatmentB: "B", Effect: 0.5, Variance: 0.04}}
	for _, m := range []Method{MethodDL, MethodREML, MethodML} {
		t.Run(m.String(), func(t *testing.T) {
			res, err := Estimate(cs, model.TreatmentsOf(cs), withMethod(m))
			require.NoError(t, err)
			assert.Equal(t, 0.0, res.Value)
			assert.True(t, res.Converged)
			assert.Equal(t, 0, res.DF)
		})
	}
}

func TestEstimate_ClosedForms(t *testing.T) {
	cs := twoStudies()
	set := model.TreatmentsOf(cs)

	tests := []struct {
		method Method
		want   float64
	}{
		{MethodDL, 0.4},
		{MethodREML, 0.4},
		{MethodML, 0.15},
	}
	for _, tt := range tests {
		t.Run(tt.method.String(), func(t *testing.T) {
			res, err := Estimate(cs, set, withMethod(tt.method))
			require.NoError(t, err)
			assert.InDelta(t, tt.want, res.Value, 1e-8)
			assert.True(t, res.Converged)
			assert.Empty(t, res.Warnings)
			assert.InDelta(t, 5.0, res.Q, 1e-10)
			assert.Equal(t, 1, res.DF)
			assert.InDelta(t, 0.8, res.I2, 1e-10)
		})
	}
}

func TestEstimate_NonNegative(t *testing.T) {
	// Residual spread far below the sampling variance pushes every
	// estimator towards a negative root.
	cs := []model.Contrast{
		{StudyID: "s1", TreatmentA: "A", TreatmentB: "B", Effect: 0.50, Variance: 0.2},
		{StudyID: "s2", TreatmentA: "A", TreatmentB: "B", Effect: 0.51, Variance: 0.3},
		{StudyID: "s3", TreatmentA: "B", TreatmentB: "C", Effect: 0.20, Variance: 0.2},
		{StudyID: "s4", TreatmentA: "A", TreatmentB: "C", Effect: 0.70, Variance: 0.4},
		{StudyID: "s5", TreatmentA: "B", TreatmentB: "C", Effect: 0.21, Variance: 0.2},
	}
	for _, m := range []Method{MethodDL, MethodREML, MethodML} {
		t.Run(m.String(), func(t *testing.T) {
			res, err := Estimate(cs, model.TreatmentsOf(cs), withMethod(m))
			require.NoError(t, err)
			assert.GreaterOrEqual(t, res.Value, 0.0)
			assert.InDelta(t, 0, res.Value, 1e-12)
		})
	}
}

func TestEstimate_IterationCap(t *testing.T) {
	opts := withMethod(MethodML)
	opts.MaxIterations = 1

	res, err := Estimate(twoStudies(), model.TreatmentsOf(twoStudies()), opts)
	require.NoError(t, err)
	assert.False(t, res.Converged)
	assert.Equal(t, 1, res.Iterations)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, model.WarnNotConverged, res.Warnings[0].Code)
	assert.GreaterOrEqual(t, res.Value, 0.0)
}

func TestEstimate_KernelNonConvergence(t *testing.T) {
	// The three-arm study gives a dense covariance block, so a single
	// Jacobi sweep leaves rotations pending.
	cs := []model.Contrast{
		{StudyID: "s1", TreatmentA: "A", TreatmentB: "B", Effect: 0.30, Variance: 0.04},
		{StudyID: "s2", TreatmentA: "B", TreatmentB: "C", Effect: 0.20, Variance: 0.06},
		{StudyID: "s3", TreatmentA: "A", TreatmentB: "C", Effect: 0.60, Variance: 0.08},
		{StudyID: "m1", TreatmentA: "A", TreatmentB: "B", Effect: 0.35, Variance: 0.05},
		{StudyID: "m1", TreatmentA: "A", TreatmentB: "C", Effect: 0.55, Variance: 0.06},
	}
	for _, m := range []Method{MethodDL, MethodREML, MethodML} {
		t.Run(m.String(), func(t *testing.T) {
			opts := withMethod(m)
			opts.Kernel = linalg.Options{MaxSweeps: 1}

			res, err := Estimate(cs, model.TreatmentsOf(cs), opts)
			require.NoError(t, err)
			assert.False(t, res.Converged)
			require.NotEmpty(t, res.Warnings)
			assert.Equal(t, model.WarnNotConverged, res.Warnings[0].Code)
			assert.Contains(t, res.Warnings[0].Message, "singular value decomposition")

			full, err := Estimate(cs, model.TreatmentsOf(cs), withMethod(m))
			require.NoError(t, err)
			assert.True(t, full.Converged)
		})
	}
}

func TestEstimate_RejectsDisconnected(t *testing.T) {
	cs := []model.Contrast{
		{StudyID: "s1", TreatmentA: "A", TreatmentB: "B", Effect: 0.1, Variance: 0.1},
		{StudyID: "s2", TreatmentA: "C", TreatmentB: "D", Effect: 0.2, Variance: 0.1},
	}
	_, err := Estimate(cs, model.TreatmentsOf(cs), DefaultOptions())
	assert.ErrorIs(t, err, model.ErrDisconnected)
}

func TestMethod_Text(t *testing.T) {
	m, err := ParseMethod("reml")
	require.NoError(t, err)
	assert.Equal(t, MethodREML, m)

	_, err = ParseMethod("PM")
	assert.Error(t, err)

	data, err := json.Marshal(struct{ M Method }{MethodDL})
	require.NoError(t, err)
	assert.JSONEq(t, `{"M":"DL"}`, string(data))

	var back struct{ M Method }
	require.NoError(t, json.Unmarshal([]byte(`{"M":"ML"}`), &back))
	assert.Equal(t, MethodML, back.M)
}
