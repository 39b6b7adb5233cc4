// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package consistency

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianNMA/services/nma/batch"
	"github.com/AleutianAI/AleutianNMA/services/nma/linalg"
	"github.com/AleutianAI/AleutianNMA/services/nma/model"
	"github.com/AleutianAI/AleutianNMA/services/nma/network"
)

func defaultOpts(workers int) Options {
	return Options{Network: network.DefaultOptions(), Workers: workers}
}

func consistentTriangle() []model.Contrast {
	return []model.Contrast{
		{StudyID: "s1", TreatmentA: "A", TreatmentB: "B", Effect: 0.5, Variance: 0.04},
		{StudyID: "s2", TreatmentA: "B", TreatmentB: "C", Effect: 0.3, Variance: 0.05},
		{StudyID: "s3", TreatmentA: "A", TreatmentB: "C", Effect: 0.8, Variance: 0.06},
	}
}

func mixedNetwork() []model.Contrast {
	return []model.Contrast{
		{StudyID: "s1", TreatmentA: "A", TreatmentB: "B", Effect: 0.5, Variance: 0.04},
		{StudyID: "s2", TreatmentA: "A", TreatmentB: "B", Effect: 0.9, Variance: 0.05},
		{StudyID: "s3", TreatmentA: "B", TreatmentB: "C", Effect: 0.3, Variance: 0.06},
		{StudyID: "s4", TreatmentA: "A", TreatmentB: "C", Effect: 0.7, Variance: 0.08},
		{StudyID: "m1", TreatmentA: "A", TreatmentB: "B", Effect: 0.4, Variance: 0.05},
		{StudyID: "m1", TreatmentA: "A", TreatmentB: "C", Effect: 0.9, Variance: 0.06},
	}
}

// -----------------------------------------------------------------------------
// Node Split Tests
// -----------------------------------------------------------------------------

func TestNodeSplit_ConsistentTriangle(t *testing.T) {
	cs := consistentTriangle()
	set := model.TreatmentsOf(cs)

	splits, err := NodeSplit(context.Background(), cs, set, 0, nil, defaultOpts(1))
	require.NoError(t, err)
	require.Len(t, splits, 3)

	for _, s := range splits {
		assert.Equal(t, StatusEstimable, s.Status, "%s:%s", s.A, s.B)
		assert.InDelta(t, 0, s.Z, 1e-8, "%s:%s", s.A, s.B)
		assert.InDelta(t, 1, s.P, 1e-8, "%s:%s", s.A, s.B)
		assert.False(t, s.Inconsistent)
		assert.Equal(t, 1, s.DirectStudies)
	}

	ab := splits[0]
	assert.Equal(t, "A", ab.A)
	assert.Equal(t, "B", ab.B)
	assert.InDelta(t, 0.5, ab.Direct.Effect, 1e-10)
	assert.InDelta(t, 0.5, ab.Indirect.Effect, 1e-10)
	assert.InDelta(t, 0.2, ab.Direct.SE, 1e-10)
}

func TestNodeSplit_FlagsInconsistency(t *testing.T) {
	cs := []model.Contrast{
		{StudyID: "s1", TreatmentA: "A", TreatmentB: "B", Effect: 0.5, Variance: 0.01},
		{StudyID: "s2", TreatmentA: "B", TreatmentB: "C", Effect: 0.3, Variance: 0.01},
		{StudyID: "s3", TreatmentA: "A", TreatmentB: "C", Effect: -1.0, Variance: 0.01},
	}
	set := model.TreatmentsOf(cs)
	baseline, err := network.Estimate(cs, set, 0, network.DefaultOptions())
	require.NoError(t, err)

	splits, err := NodeSplit(context.Background(), cs, set, 0, baseline, defaultOpts(2))
	require.NoError(t, err)

	ab := splits[0]
	assert.InDelta(t, 0.5, ab.Direct.Effect, 1e-10)
	assert.InDelta(t, -1.3, ab.Indirect.Effect, 1e-10)
	assert.InDelta(t, 1.8, ab.Difference, 1e-10)
	assert.True(t, ab.Inconsistent)
	assert.Less(t, ab.P, 0.001)

	want, _ := baseline.Effect("A", "B")
	assert.InDelta(t, want.Effect, ab.Network.Effect, 1e-12)
}

func TestNodeSplit_NotEstimableWithoutIndirectPath(t *testing.T) {
	cs := []model.Contrast{
		{StudyID: "s1", TreatmentA: "A", TreatmentB: "B", Effect: 0.5, Variance: 0.04},
		{StudyID: "s2", TreatmentA: "A", TreatmentB: "C", Effect: 0.3, Variance: 0.05},
		{StudyID: "s3", TreatmentA: "C", TreatmentB: "D", Effect: 0.1, Variance: 0.05},
	}
	res, err := Analyze(context.Background(), cs, model.TreatmentsOf(cs), 0, nil, defaultOpts(1))
	require.NoError(t, err)

	require.Len(t, res.Splits, 3)
	for _, s := range res.Splits {
		assert.Equal(t, StatusNotEstimable, s.Status)
		assert.NotEmpty(t, s.Reason)
		assert.Equal(t, 0.0, s.Z)
	}
	assert.Len(t, res.Warnings, 3)
}

func TestAnalyze_ReportsKernelNonConvergence(t *testing.T) {
	cs := consistentTriangle()
	set := model.TreatmentsOf(cs)

	opts := defaultOpts(2)
	opts.Network.Kernel = linalg.Options{MaxSweeps: 1}
	res, err := Analyze(context.Background(), cs, set, 0, nil, opts)
	require.NoError(t, err)

	assert.False(t, res.Decomposition.Converged)
	// The indirect evidence for B:C is A:B plus A:C, whose normal matrix
	// is already diagonal. The other two indirect chains need rotations.
	want := map[string]bool{"A:B": false, "A:C": false, "B:C": true}
	require.Len(t, res.Splits, 3)
	for _, s := range res.Splits {
		assert.Equal(t, StatusEstimable, s.Status)
		assert.Equal(t, want[s.A+":"+s.B], s.Converged, "%s:%s", s.A, s.B)
	}
	var notConverged int
	for _, w := range res.Warnings {
		if w.Code == model.WarnNotConverged {
			notConverged++
		}
	}
	assert.Equal(t, 3, notConverged)

	res, err = Analyze(context.Background(), cs, set, 0, nil, defaultOpts(2))
	require.NoError(t, err)
	assert.True(t, res.Decomposition.Converged)
	assert.Empty(t, res.Warnings)
	for _, s := range res.Splits {
		assert.True(t, s.Converged)
	}
}

func TestNodeSplit_SameAcrossWorkerCounts(t *testing.T) {
	cs := mixedNetwork()
	set := model.TreatmentsOf(cs)
	one, err := NodeSplit(context.Background(), cs, set, 0.02, nil, defaultOpts(1))
	require.NoError(t, err)
	four, err := NodeSplit(context.Background(), cs, set, 0.02, nil, defaultOpts(4))
	require.NoError(t, err)
	assert.Equal(t, one, four)
}

// -----------------------------------------------------------------------------
// Decomposition Tests
// -----------------------------------------------------------------------------

func TestDecompose(t *testing.T) {
	cs := mixedNetwork()
	dec, err := Decompose(context.Background(), cs, model.TreatmentsOf(cs), defaultOpts(1))
	require.NoError(t, err)

	assert.InDelta(t, 3.5142122769882067, dec.Total.Q, 1e-9)
	assert.Equal(t, 4, dec.Total.DF)
	assert.InDelta(t, 16.0/9.0, dec.Within.Q, 1e-9)
	assert.Equal(t, 1, dec.Within.DF)
	assert.InDelta(t, dec.Total.Q, dec.Within.Q+dec.Between.Q, 1e-9)
	assert.Equal(t, 3, dec.Between.DF)

	require.Len(t, dec.Designs, 4)
	assert.Equal(t, "A:B", dec.Designs[0].Design)
	assert.Equal(t, 2, dec.Designs[0].Studies)
	assert.Equal(t, "A:B:C", dec.Designs[1].Design)
	assert.Equal(t, 0, dec.Designs[1].DF)
}

func TestDecompose_ConsistentNetworkHasNoBetweenDesignQ(t *testing.T) {
	cs := consistentTriangle()
	dec, err := Decompose(context.Background(), cs, model.TreatmentsOf(cs), defaultOpts(1))
	require.NoError(t, err)
	assert.InDelta(t, 0, dec.Between.Q, 1e-10)
	assert.InDelta(t, 1, dec.Between.PValue, 1e-8)
}

func TestAnalyze_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cs := mixedNetwork()
	_, err := Analyze(ctx, cs, model.TreatmentsOf(cs), 0, nil, defaultOpts(1))
	require.Error(t, err)
	assert.ErrorIs(t, err, batch.ErrCancelled)
}
