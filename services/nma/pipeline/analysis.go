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
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianNMA/services/nma/config"
	"github.com/AleutianAI/AleutianNMA/services/nma/consistency"
	"github.com/AleutianAI/AleutianNMA/services/nma/heterogeneity"
	"github.com/AleutianAI/AleutianNMA/services/nma/memo"
	"github.com/AleutianAI/AleutianNMA/services/nma/model"
	"github.com/AleutianAI/AleutianNMA/services/nma/network"
	"github.com/AleutianAI/AleutianNMA/services/nma/ranking"
	"github.com/AleutianAI/AleutianNMA/services/nma/sensitivity"
)

// Lazy stage names. Each is also the memo namespace of its cached results.
const (
	StageConsistency = "consistency"
	StageRanking     = "ranking"
	StageSensitivity = "sensitivity"
)

// LazyStages returns the memoized stage names in report order.
func LazyStages() []string {
	return []string{StageConsistency, StageRanking, StageSensitivity}
}

// Analysis is a prepared, immutable analysis with lazy downstream stages.
type Analysis struct {
	// RunID identifies this preparation in logs and traces.
	RunID string

	// Fingerprint is the hex SHA-256 of the inputs and settings.
	Fingerprint string

	// Tau2 is the heterogeneity estimate.
	Tau2 *heterogeneity.Result

	// Baseline is the full-network estimate at Tau2.
	Baseline *network.Result

	engine    *Engine
	logger    *slog.Logger
	contrasts []model.Contrast
	set       *model.TreatmentSet

	consistency *memo.Cell[*consistency.Result]
	ranking     *memo.Cell[*ranking.Distribution]
	sensitivity *memo.Cell[*sensitivity.Result]
}

func newAnalysis(e *Engine, runID, fp string, contrasts []model.Contrast, set *model.TreatmentSet,
	tau *heterogeneity.Result, baseline *network.Result, logger *slog.Logger) *Analysis {
	a := &Analysis{
		RunID:       runID,
		Fingerprint: fp,
		Tau2:        tau,
		Baseline:    baseline,
		engine:      e,
		logger:      logger,
		contrasts:   contrasts,
		set:         set,
	}
	a.consistency = memo.NewCell(e.memo, memo.Key(StageConsistency, fp), a.computeConsistency)
	a.ranking = memo.NewCell(e.memo, memo.Key(StageRanking, fp), a.computeRanking)
	a.sensitivity = memo.NewCell(e.memo, memo.Key(StageSensitivity, fp), a.computeSensitivity)
	return a
}

// Treatments returns the treatment set, reference first.
func (a *Analysis) Treatments() *model.TreatmentSet { return a.set }

// Contrasts returns a copy of the analysed contrasts.
func (a *Analysis) Contrasts() []model.Contrast {
	return append([]model.Contrast(nil), a.contrasts...)
}

// Consistency returns the Q decomposition and node-splits.
func (a *Analysis) Consistency(ctx context.Context) (*consistency.Result, error) {
	return a.consistency.Get(ctx)
}

// Ranking returns the bootstrap rank distribution.
func (a *Analysis) Ranking(ctx context.Context) (*ranking.Distribution, error) {
	return a.ranking.Get(ctx)
}

// Sensitivity returns the leave-one-out influence of every study.
func (a *Analysis) Sensitivity(ctx context.Context) (*sensitivity.Result, error) {
	return a.sensitivity.Get(ctx)
}

// PScores returns analytic P-scores from the baseline estimate.
func (a *Analysis) PScores() []float64 {
	return ranking.PScores(a.Baseline, a.engine.settings.SmallerIsBetter)
}

func (a *Analysis) computeConsistency(ctx context.Context) (*consistency.Result, error) {
	var res *consistency.Result
	err := a.engine.stage(ctx, StageConsistency, func(ctx context.Context) error {
		var err error
		res, err = consistency.Analyze(ctx, a.contrasts, a.set, a.Tau2.Value, a.Baseline, consistency.Options{
			Network: a.engine.settings.Network(),
			Workers: a.engine.settings.Workers,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	a.computed(ctx, StageConsistency, res.Warnings)
	return res, nil
}

func (a *Analysis) computeRanking(ctx context.Context) (*ranking.Distribution, error) {
	s := a.engine.settings
	var res *ranking.Distribution
	err := a.engine.stage(ctx, StageRanking, func(ctx context.Context) error {
		var err error
		res, err = ranking.Bootstrap(ctx, a.contrasts, a.set, a.Tau2.Value, ranking.Options{
			Iterations:      s.NBoot,
			Seed:            s.Seed,
			SmallerIsBetter: s.SmallerIsBetter,
			MaxRetries:      s.MaxResampleRetries,
			Workers:         s.Workers,
			Network:         s.Network(),
		})
		return err
	}, attribute.Int("iterations", s.NBoot), attribute.Int64("seed", int64(s.Seed)))
	if err != nil {
		return nil, err
	}
	a.engine.instr.Bootstrap(ctx, res.Completed, res.Failed, res.Retries)
	a.computed(ctx, StageRanking, res.Warnings)
	return res, nil
}

func (a *Analysis) computeSensitivity(ctx context.Context) (*sensitivity.Result, error) {
	var res *sensitivity.Result
	err := a.engine.stage(ctx, StageSensitivity, func(ctx context.Context) error {
		var err error
		res, err = sensitivity.LeaveOneOut(ctx, a.contrasts, a.set, a.Tau2.Value, a.Baseline, sensitivity.Options{
			Network: a.engine.settings.Network(),
			Workers: a.engine.settings.Workers,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	a.computed(ctx, StageSensitivity, res.Warnings)
	return res, nil
}

// computed logs and counts the warnings of a freshly computed stage.
func (a *Analysis) computed(ctx context.Context, stage string, warnings []model.Warning) {
	a.engine.instr.CacheLookup(ctx, stage, "compute")
	for _, w := range warnings {
		a.engine.instr.Warning(ctx, string(w.Code))
		a.logger.Warn("analysis warning", "stage", stage, "code", string(w.Code), "message", w.Message)
	}
}

func (a *Analysis) eagerWarnings() []model.Warning {
	var out []model.Warning
	out = append(out, a.Tau2.Warnings...)
	out = append(out, a.Baseline.Warnings...)
	return out
}

// -----------------------------------------------------------------------------
// Report
// -----------------------------------------------------------------------------

// Report is the complete output of one analysis.
type Report struct {
	RunID       string                `json:"run_id"`
	Fingerprint string                `json:"fingerprint"`
	Settings    config.AnalysisConfig `json:"settings"`
	Treatments  []string              `json:"treatments"`
	Reference   string                `json:"reference"`

	Tau2        *heterogeneity.Result `json:"tau2"`
	Network     *network.Result       `json:"network"`
	Consistency *consistency.Result   `json:"consistency"`
	Ranking     *ranking.Distribution `json:"ranking"`
	PScores     []float64             `json:"p_scores"`
	Sensitivity *sensitivity.Result   `json:"sensitivity"`

	// Warnings collects the warnings of every stage in stage order.
	Warnings []model.Warning `json:"warnings,omitempty"`
}

// Report resolves every lazy stage in order: consistency, ranking,
// sensitivity.
//
// Outputs:
//   - *Report: The complete report.
//   - error: The first failing stage, wrapped with its name. Cancellation
//     wraps batch.ErrCancelled.
func (a *Analysis) Report(ctx context.Context) (*Report, error) {
	cons, err := a.Consistency(ctx)
	if err != nil {
		return nil, err
	}
	rank, err := a.Ranking(ctx)
	if err != nil {
		return nil, err
	}
	sens, err := a.Sensitivity(ctx)
	if err != nil {
		return nil, err
	}

	r := &Report{
		RunID:       a.RunID,
		Fingerprint: a.Fingerprint,
		Settings:    a.engine.settings,
		Treatments:  a.set.Labels(),
		Reference:   a.set.Reference(),
		Tau2:        a.Tau2,
		Network:     a.Baseline,
		Consistency: cons,
		Ranking:     rank,
		PScores:     a.PScores(),
		Sensitivity: sens,
	}
	r.Warnings = append(r.Warnings, a.eagerWarnings()...)
	r.Warnings = append(r.Warnings, cons.Warnings...)
	r.Warnings = append(r.Warnings, rank.Warnings...)
	r.Warnings = append(r.Warnings, sens.Warnings...)
	return r, nil
}
