// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianNMA/services/nma/batch"
	"github.com/AleutianAI/AleutianNMA/services/nma/config"
	"github.com/AleutianAI/AleutianNMA/services/nma/dataset"
	"github.com/AleutianAI/AleutianNMA/services/nma/memo"
	"github.com/AleutianAI/AleutianNMA/services/nma/model"
)

func triangle() *dataset.Dataset {
	return &dataset.Dataset{Contrasts: []model.Contrast{
		{StudyID: "s1", TreatmentA: "A", TreatmentB: "B", Effect: 0.5, Variance: 0.04},
		{StudyID: "s2", TreatmentA: "A", TreatmentB: "B", Effect: 0.7, Variance: 0.05},
		{StudyID: "s3", TreatmentA: "B", TreatmentB: "C", Effect: 0.2, Variance: 0.06},
		{StudyID: "s4", TreatmentA: "A", TreatmentB: "C", Effect: 0.8, Variance: 0.07},
		{StudyID: "s5", TreatmentA: "A", TreatmentB: "C", Effect: 0.6, Variance: 0.05},
	}}
}

func settings() config.AnalysisConfig {
	s := config.Default().Analysis
	s.NBoot = 60
	s.Seed = 7
	return s
}

func TestEngine_Run(t *testing.T) {
	s := settings()
	s.Reference = "C"
	rep, err := New(s).Run(context.Background(), triangle())
	require.NoError(t, err)

	assert.Equal(t, []string{"C", "A", "B"}, rep.Treatments)
	assert.Equal(t, "C", rep.Reference)
	assert.Len(t, rep.RunID, 36)
	assert.Len(t, rep.Fingerprint, 64)
	assert.GreaterOrEqual(t, rep.Tau2.Value, 0.0)
	assert.Equal(t, rep.Treatments, rep.Network.Treatments)

	require.NotNil(t, rep.Consistency)
	assert.Len(t, rep.Consistency.Splits, 3)

	require.NotNil(t, rep.Ranking)
	assert.Equal(t, 60, rep.Ranking.Requested)
	assert.Equal(t, rep.Ranking.Completed+rep.Ranking.Failed, rep.Ranking.Requested)
	for ti := range rep.Treatments {
		var row float64
		for r := 1; r <= len(rep.Treatments); r++ {
			row += rep.Ranking.Probability(ti, r)
		}
		assert.InDelta(t, 1, row, 1e-12)
	}

	require.Len(t, rep.PScores, 3)
	var sum float64
	for _, p := range rep.PScores {
		sum += p
	}
	assert.InDelta(t, 1.5, sum, 1e-9)

	require.NotNil(t, rep.Sensitivity)
	assert.Len(t, rep.Sensitivity.Studies, 5)
}

func TestEngine_RunCarriesKernelNonConvergence(t *testing.T) {
	s := settings()
	s.MaxIterations = 1
	rep, err := New(s).Run(context.Background(), triangle())
	require.NoError(t, err)

	components := make(map[string]bool)
	for _, w := range rep.Warnings {
		if w.Code == model.WarnNotConverged {
			components[w.Component] = true
		}
	}
	for _, c := range []string{"heterogeneity", "network", "consistency", "ranking", "sensitivity"} {
		assert.True(t, components[c], "no not_converged warning from %s", c)
	}
	assert.False(t, rep.Tau2.Converged)
	assert.Positive(t, rep.Ranking.Unconverged)
}

func TestEngine_PrepareErrorsCarryStage(t *testing.T) {
	ds := triangle()
	ds.Contrasts[2].Variance = -1

	_, err := New(settings()).Prepare(context.Background(), ds)
	require.ErrorIs(t, err, model.ErrValidation)
	assert.True(t, strings.HasPrefix(err.Error(), "validate: "), err.Error())

	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 2, verr.Index)
}

func TestEngine_UnknownReference(t *testing.T) {
	s := settings()
	s.Reference = "Z"
	_, err := New(s).Prepare(context.Background(), triangle())
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestAnalysis_StagesAreLazyAndMemoized(t *testing.T) {
	e := New(settings())
	a, err := e.Prepare(context.Background(), triangle())
	require.NoError(t, err)
	assert.Equal(t, int64(0), e.MemoStats().Computes)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Ranking(context.Background())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), e.MemoStats().Computes)

	first, err := a.Ranking(context.Background())
	require.NoError(t, err)
	second, err := a.Ranking(context.Background())
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int64(1), e.MemoStats().Computes)
}

func TestAnalysis_ReadsThroughStore(t *testing.T) {
	store := memo.NewMemoryStore()

	a1, err := New(settings(), WithStore(store)).Prepare(context.Background(), triangle())
	require.NoError(t, err)
	want, err := a1.Ranking(context.Background())
	require.NoError(t, err)

	e2 := New(settings(), WithStore(store))
	a2, err := e2.Prepare(context.Background(), triangle())
	require.NoError(t, err)
	assert.Equal(t, a1.Fingerprint, a2.Fingerprint)
	assert.NotEqual(t, a1.RunID, a2.RunID)

	got, err := a2.Ranking(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want.Probabilities, got.Probabilities)
	assert.Equal(t, want.SUCRA, got.SUCRA)
	assert.Equal(t, int64(1), e2.MemoStats().StoreHits)
	assert.Equal(t, int64(0), e2.MemoStats().Computes)
}

func TestFingerprint_IgnoresWorkers(t *testing.T) {
	s1 := settings()
	s4 := settings()
	s4.Workers = 4
	seeded := settings()
	seeded.Seed = 8

	a1, err := New(s1).Prepare(context.Background(), triangle())
	require.NoError(t, err)
	a4, err := New(s4).Prepare(context.Background(), triangle())
	require.NoError(t, err)
	as, err := New(seeded).Prepare(context.Background(), triangle())
	require.NoError(t, err)

	assert.Equal(t, a1.Fingerprint, a4.Fingerprint)
	assert.NotEqual(t, a1.Fingerprint, as.Fingerprint)

	r1, err := a1.Ranking(context.Background())
	require.NoError(t, err)
	r4, err := a4.Ranking(context.Background())
	require.NoError(t, err)
	assert.Equal(t, r1.Counts, r4.Counts)
}

func TestAnalysis_CancelledStageIsRetried(t *testing.T) {
	a, err := New(settings()).Prepare(context.Background(), triangle())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.Report(ctx)
	require.ErrorIs(t, err, batch.ErrCancelled)
	assert.True(t, strings.HasPrefix(err.Error(), "consistency: "), err.Error())

	rep, err := a.Report(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, rep.Consistency)
}
