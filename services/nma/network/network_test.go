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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianNMA/services/nma/model"
)

func fourNode() []model.Contrast {
	return []model.Contrast{
		{StudyID: "s1", TreatmentA: "A", TreatmentB: "B", Effect: 0.50, Variance: 0.04},
		{StudyID: "s2", TreatmentA: "A", TreatmentB: "B", Effect: 0.42, Variance: 0.05},
		{StudyID: "s3", TreatmentA: "B", TreatmentB: "C", Effect: 0.31, Variance: 0.06},
		{StudyID: "s4", TreatmentA: "A", TreatmentB: "C", Effect: 0.90, Variance: 0.08},
		{StudyID: "s5", TreatmentA: "C", TreatmentB: "D", Effect: -0.2, Variance: 0.07},
		{StudyID: "m1", TreatmentA: "A", TreatmentB: "B", Effect: 0.45, Variance: 0.05},
		{StudyID: "m1", TreatmentA: "A", TreatmentB: "D", Effect: 0.60, Variance: 0.09},
	}
}

func TestEstimate_SingleContrast(t *testing.T) {
	cs := []model.Contrast{{StudyID: "s1", TreatmentA: "A", TreatmentB: "B", Effect: 0.5, Variance: 0.04}}
	res, err := Estimate(cs, model.TreatmentsOf(cs), 0, DefaultOptions())
	require.NoError(t, err)

	pw, ok := res.Effect("A", "B")
	require.True(t, ok)
	assert.InDelta(t, 0.5, pw.Effect, 1e-12)
	assert.InDelta(t, 0.2, pw.SE, 1e-12)
	assert.InDelta(t, 0.5-1.959963984540054*0.2, pw.Lower, 1e-9)
	assert.InDelta(t, 0.5+1.959963984540054*0.2, pw.Upper, 1e-9)
	assert.Equal(t, 0, res.Diagnostics.DF)
	assert.InDelta(t, 0, res.Diagnostics.Q, 1e-12)

	back, _ := res.Effect("B", "A")
	assert.InDelta(t, -0.5, back.Effect, 1e-12)
	assert.InDelta(t, 0.2, back.SE, 1e-12)
}

func TestEstimate_AdditiveConsistency(t *testing.T) {
	cs := fourNode()
	set := model.TreatmentsOf(cs)

	for _, tau2 := range []float64{0, 0.03} {
		res, err := Estimate(cs, set, tau2, DefaultOptions())
		require.NoError(t, err)

		n := len(res.Treatments)
		for a := 0; a < n; a++ {
			assert.InDelta(t, 0, res.At(a, a).Effect, 1e-12)
			assert.InDelta(t, 0, res.At(a, a).SE, 1e-12)
			for b := 0; b < n; b++ {
				assert.InDelta(t, -res.At(a, b).Effect, res.At(b, a).Effect, 1e-12)
				for c := 0; c < n; c++ {
					sum := res.At(a, b).Effect + res.At(b, c).Effect
					assert.InDelta(t, res.At(a, c).Effect, sum, 1e-10,
						"tau2=%v: %s->%s->%s", tau2, res.Treatments[a], res.Treatments[b], res.Treatments[c])
				}
			}
		}
	}
}

func TestEstimate_Deterministic(t *testing.T) {
	cs := fourNode()
	set := model.TreatmentsOf(cs)
	r1, err := Estimate(cs, set, 0.02, DefaultOptions())
	require.NoError(t, err)
	r2, err := Estimate(cs, set, 0.02, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, r1, r2)
}

func TestEstimate_Disconnected(t *testing.T) {
	cs := []model.Contrast{
		{StudyID: "s1", TreatmentA: "A", TreatmentB: "B", Effect: 0.1, Variance: 0.1},
		{StudyID: "s2", TreatmentA: "C", TreatmentB: "D", Effect: 0.2, Variance: 0.1},
	}
	_, err := Estimate(cs, model.TreatmentsOf(cs), 0, DefaultOptions())
	var verr *model.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.ErrorIs(t, err, model.ErrDisconnected)
}

func TestEstimate_InvalidTau2(t *testing.T) {
	cs := fourNode()
	_, err := Estimate(cs, model.TreatmentsOf(cs), -0.1, DefaultOptions())
	assert.ErrorIs(t, err, ErrInvalidTau2)
}

func TestEstimate_HeterogeneityWidensIntervals(t *testing.T) {
	cs := fourNode()
	set := model.TreatmentsOf(cs)
	fixed, err := Estimate(cs, set, 0, DefaultOptions())
	require.NoError(t, err)
	random, err := Estimate(cs, set, 0.05, DefaultOptions())
	require.NoError(t, err)

	for _, c := range fixed.Comparisons() {
		r, ok := random.Effect(c.A, c.B)
		require.True(t, ok)
		assert.Greater(t, r.SE, c.SE, "%s vs %s", c.A, c.B)
	}
	require.NotNil(t, random.Diagnostics.FixedEffect)
	assert.InDelta(t, fixed.Diagnostics.Q, random.Diagnostics.FixedEffect.Q, 1e-10)
	assert.Equal(t, len(cs)-3, random.Diagnostics.DF)
}

func TestEstimate_ReferenceChangesOnlyParametrization(t *testing.T) {
	cs := fourNode()
	set := model.TreatmentsOf(cs)
	moved, err := set.WithReference("C")
	require.NoError(t, err)

	r1, err := Estimate(cs, set, 0.01, DefaultOptions())
	require.NoError(t, err)
	r2, err := Estimate(cs, moved, 0.01, DefaultOptions())
	require.NoError(t, err)

	for _, c := range r1.Comparisons() {
		other, ok := r2.Effect(c.A, c.B)
		require.True(t, ok)
		assert.InDelta(t, c.Effect, other.Effect, 1e-10)
		assert.InDelta(t, c.SE, other.SE, 1e-10)
	}
}

func TestEstimate_Singularity(t *testing.T) {
	cs := []model.Contrast{
		{StudyID: "s1", TreatmentA: "A", TreatmentB: "B", Effect: 0.1, Variance: 1e-20},
		{StudyID: "s2", TreatmentA: "B", TreatmentB: "C", Effect: 0.2, Variance: 1e20},
	}
	_, err := Estimate(cs, model.TreatmentsOf(cs), 0, DefaultOptions())
	require.ErrorIs(t, err, ErrNumericalSingularity)

	var serr *SingularityError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, 2, serr.Expected)
	assert.Contains(t, serr.Treatments, "C")
}

func TestBuildDesign_MultiArmCovariance(t *testing.T) {
	cs := []model.Contrast{
		{StudyID: "m", TreatmentA: "A", TreatmentB: "B", Effect: 0.3, Variance: 0.10},
		{StudyID: "m", TreatmentA: "C", TreatmentB: "A", Effect: -0.2, Variance: 0.08},
		{StudyID: "x", TreatmentA: "B", TreatmentB: "C", Effect: 0.1, Variance: 0.2},
	}
	d, err := BuildDesign(cs, model.TreatmentsOf(cs))
	require.NoError(t, err)

	// A is shared; the second contrast points towards it.
	assert.InDelta(t, -0.04, d.V0.At(0, 1), 1e-15)
	assert.InDelta(t, -0.5, d.B.At(0, 1), 1e-15)
	assert.Equal(t, 0.0, d.V0.At(0, 2))
	assert.Equal(t, [][]int{{0, 1}, {2}}, d.Blocks)

	t.Run("supplied baseline variance wins", func(t *testing.T) {
		withBase := append([]model.Contrast(nil), cs...)
		withBase[0].BaselineVariance = 0.03
		withBase[1].BaselineVariance = 0.03
		d, err := BuildDesign(withBase, model.TreatmentsOf(withBase))
		require.NoError(t, err)
		assert.InDelta(t, -0.03, d.V0.At(1, 0), 1e-15)
	})

	t.Run("random effects add structure", func(t *testing.T) {
		v := d.Covariance(0.2)
		assert.InDelta(t, 0.30, v.At(0, 0), 1e-15)
		assert.InDelta(t, -0.04-0.1, v.At(0, 1), 1e-15)
	})
}
