// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ranking

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

func denseNetwork() []model.Contrast {
	return []model.Contrast{
		{StudyID: "s1", TreatmentA: "A", TreatmentB: "B", Effect: 0.30, Variance: 0.04},
		{StudyID: "s2", TreatmentA: "A", TreatmentB: "B", Effect: 0.45, Variance: 0.05},
		{StudyID: "s3", TreatmentA: "B", TreatmentB: "C", Effect: 0.20, Variance: 0.06},
		{StudyID: "s4", TreatmentA: "B", TreatmentB: "C", Effect: 0.10, Variance: 0.04},
		{StudyID: "s5", TreatmentA: "A", TreatmentB: "C", Effect: 0.60, Variance: 0.08},
		{StudyID: "s6", TreatmentA: "A", TreatmentB: "C", Effect: 0.50, Variance: 0.05},
		{StudyID: "m1", TreatmentA: "A", TreatmentB: "B", Effect: 0.35, Variance: 0.05},
		{StudyID: "m1", TreatmentA: "A", TreatmentB: "C", Effect: 0.55, Variance: 0.06},
	}
}

func opts(iterations, workers int) Options {
	return Options{
		Iterations: iterations,
		Seed:       42,
		Workers:    workers,
		Network:    network.DefaultOptions(),
	}
}

func TestBootstrap_SeededIsReproducible(t *testing.T) {
	cs := denseNetwork()
	set := model.TreatmentsOf(cs)

	first, err := Bootstrap(context.Background(), cs, set, 0.01, opts(200, 1))
	require.NoError(t, err)
	second, err := Bootstrap(context.Background(), cs, set, 0.01, opts(200, 1))
	require.NoError(t, err)
	assert.Equal(t, first, second)

	parallel, err := Bootstrap(context.Background(), cs, set, 0.01, opts(200, 4))
	require.NoError(t, err)
	assert.Equal(t, first, parallel, "worker count must not change the distribution")
}

func TestBootstrap_ProbabilitiesAreDistributions(t *testing.T) {
	cs := denseNetwork()
	set := model.TreatmentsOf(cs)
	d, err := Bootstrap(context.Background(), cs, set, 0, opts(300, 2))
	require.NoError(t, err)

	n := len(d.Treatments)
	require.Equal(t, 3, n)
	assert.Equal(t, 300, d.Requested)
	assert.Equal(t, d.Requested, d.Completed+d.Failed)

	var sucraSum, meanRankSum float64
	for tr := 0; tr < n; tr++ {
		var row float64
		for r := 1; r <= n; r++ {
			row += d.Probability(tr, r)
		}
		assert.InDelta(t, 1, row, 1e-12, "row %d", tr)
		assert.GreaterOrEqual(t, d.SUCRA[tr], 0.0)
		assert.LessOrEqual(t, d.SUCRA[tr], 1.0)
		sucraSum += d.SUCRA[tr]
		meanRankSum += d.MeanRank[tr]
	}
	for r := 1; r <= n; r++ {
		var col float64
		for tr := 0; tr < n; tr++ {
			col += d.Probability(tr, r)
		}
		assert.InDelta(t, 1, col, 1e-12, "rank %d", r)
	}
	assert.InDelta(t, float64(n)/2, sucraSum, 1e-12)
	assert.InDelta(t, float64(n*(n+1))/2, meanRankSum, 1e-12)
}

func TestBootstrap_Direction(t *testing.T) {
	cs := []model.Contrast{
		{StudyID: "s1", TreatmentA: "A", TreatmentB: "B", Effect: 3, Variance: 0.01},
		{StudyID: "s2", TreatmentA: "A", TreatmentB: "B", Effect: 3.1, Variance: 0.01},
		{StudyID: "s3", TreatmentA: "B", TreatmentB: "C", Effect: 3, Variance: 0.01},
		{StudyID: "s4", TreatmentA: "A", TreatmentB: "C", Effect: 6, Variance: 0.01},
	}
	set := model.TreatmentsOf(cs)

	larger, err := Bootstrap(context.Background(), cs, set, 0, opts(100, 1))
	require.NoError(t, err)
	c, _ := set.Index("C")
	a, _ := set.Index("A")
	assert.InDelta(t, 1, larger.Probability(c, 1), 1e-12)
	assert.InDelta(t, 1, larger.SUCRA[c], 1e-12)
	assert.InDelta(t, 0, larger.SUCRA[a], 1e-12)

	o := opts(100, 1)
	o.SmallerIsBetter = true
	smaller, err := Bootstrap(context.Background(), cs, set, 0, o)
	require.NoError(t, err)
	assert.InDelta(t, 1, smaller.Probability(a, 1), 1e-12)
	assert.InDelta(t, 3, smaller.MeanRank[c], 1e-12)
}

func TestBootstrap_RetryExhaustion(t *testing.T) {
	// A star with one study per spoke loses a spoke in most resamples.
	cs := []model.Contrast{
		{StudyID: "s1", TreatmentA: "A", TreatmentB: "B", Effect: 0.1, Variance: 0.05},
		{StudyID: "s2", TreatmentA: "A", TreatmentB: "C", Effect: 0.2, Variance: 0.05},
		{StudyID: "s3", TreatmentA: "A", TreatmentB: "D", Effect: 0.3, Variance: 0.05},
	}
	o := opts(200, 1)
	o.MaxRetries = 1

	d, err := Bootstrap(context.Background(), cs, model.TreatmentsOf(cs), 0, o)
	require.NoError(t, err)
	assert.Greater(t, d.Failed, 0)
	assert.Greater(t, d.Completed, 0)
	assert.Equal(t, 200, d.Completed+d.Failed)
	require.Len(t, d.Warnings, 1)
	assert.Equal(t, model.WarnResampleExhausted, d.Warnings[0].Code)
}

func TestBootstrap_ReportsKernelNonConvergence(t *testing.T) {
	cs := denseNetwork()
	set := model.TreatmentsOf(cs)

	o := opts(40, 2)
	o.Network.Kernel = linalg.Options{MaxSweeps: 1}
	d, err := Bootstrap(context.Background(), cs, set, 0.01, o)
	require.NoError(t, err)
	assert.Positive(t, d.Unconverged)
	assert.LessOrEqual(t, d.Unconverged, d.Completed)
	assert.Contains(t, warningCodes(d.Warnings), model.WarnNotConverged)

	d, err = Bootstrap(context.Background(), cs, set, 0.01, opts(40, 2))
	require.NoError(t, err)
	assert.Zero(t, d.Unconverged)
	assert.NotContains(t, warningCodes(d.Warnings), model.WarnNotConverged)
}

func warningCodes(ws []model.Warning) []model.WarningCode {
	codes := make([]model.WarningCode, len(ws))
	for i, w := range ws {
		codes[i] = w.Code
	}
	return codes
}

func TestBootstrap_Errors(t *testing.T) {
	cs := denseNetwork()
	set := model.TreatmentsOf(cs)

	_, err := Bootstrap(context.Background(), cs, set, 0, opts(0, 1))
	assert.ErrorIs(t, err, ErrNoIterations)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Bootstrap(ctx, cs, set, 0, opts(50, 2))
	assert.ErrorIs(t, err, batch.ErrCancelled)

	disconnected := []model.Contrast{
		{StudyID: "s1", TreatmentA: "A", TreatmentB: "B", Effect: 0.1, Variance: 0.1},
		{StudyID: "s2", TreatmentA: "C", TreatmentB: "D", Effect: 0.2, Variance: 0.1},
	}
	_, err = Bootstrap(context.Background(), disconnected, model.TreatmentsOf(disconnected), 0, opts(10, 1))
	assert.ErrorIs(t, err, model.ErrDisconnected)
}

func TestResample_DistinctStudyIDs(t *testing.T) {
	cs := []model.Contrast{
		{StudyID: "m", TreatmentA: "A", TreatmentB: "B", Effect: 0.1, Variance: 0.1},
		{StudyID: "m", TreatmentA: "A", TreatmentB: "C", Effect: 0.2, Variance: 0.1},
	}
	studies := model.GroupStudies(cs)

	sample := resample(cs, studies, []int{0, 0})
	require.Len(t, sample, 4)
	assert.Equal(t, "m", sample[0].StudyID)
	assert.Equal(t, "m#2", sample[2].StudyID)
	require.Len(t, model.GroupStudies(sample), 2)
}

func TestPScores(t *testing.T) {
	cs := denseNetwork()
	res, err := network.Estimate(cs, model.TreatmentsOf(cs), 0, network.DefaultOptions())
	require.NoError(t, err)

	larger := PScores(res, false)
	smaller := PScores(res, true)
	var sum float64
	for i := range larger {
		sum += larger[i]
		assert.InDelta(t, 1, larger[i]+smaller[i], 1e-12)
	}
	assert.InDelta(t, float64(len(larger))/2, sum, 1e-12)

	// C has the largest effect against A in every study.
	assert.Greater(t, larger[2], larger[1])
	assert.Greater(t, larger[1], larger[0])
}
