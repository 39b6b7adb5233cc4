// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline runs a complete network meta-analysis.
//
// # Stages
//
//	validate → τ² → baseline ─┬─ consistency
//	                          ├─ ranking (bootstrap + P-scores)
//	                          └─ sensitivity (leave-one-out)
//
// Engine.Prepare runs the first three stages eagerly and returns an
// immutable Analysis. The three downstream stages are lazy: each is a
// memoized cell keyed by the input fingerprint, computed on first access,
// deduplicated across concurrent callers and optionally persisted in a
// memo.Store. Engine.Run resolves everything in order and returns a Report.
//
// # Thread Safety
//
// Engine and Analysis are safe for concurrent use.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/AleutianNMA/services/nma/config"
	"github.com/AleutianAI/AleutianNMA/services/nma/dataset"
	"github.com/AleutianAI/AleutianNMA/services/nma/heterogeneity"
	"github.com/AleutianAI/AleutianNMA/services/nma/memo"
	"github.com/AleutianAI/AleutianNMA/services/nma/model"
	"github.com/AleutianAI/AleutianNMA/services/nma/network"
	"github.com/AleutianAI/AleutianNMA/services/nma/telemetry"
)

// fingerprintVersion changes whenever stored stage results change shape.
const fingerprintVersion = "nma/v1"

// Engine runs analyses with one configuration.
type Engine struct {
	settings config.AnalysisConfig
	logger   *slog.Logger
	store    memo.Store
	instr    *telemetry.Instruments
	memo     *memo.Memo
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithStore persists stage results. Default: none.
func WithStore(s memo.Store) Option {
	return func(e *Engine) { e.store = s }
}

// WithInstruments records spans and metrics. Default: none.
func WithInstruments(in *telemetry.Instruments) Option {
	return func(e *Engine) { e.instr = in }
}

// New creates an Engine.
//
// Inputs:
//   - settings: Analysis settings. Validate them with config.Config.Validate
//     before use.
//   - opts: Optional logger, store and instruments.
func New(settings config.AnalysisConfig, opts ...Option) *Engine {
	e := &Engine{settings: settings}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.New(slog.DiscardHandler)
	}
	e.memo = memo.New(e.store, e.logger)
	return e
}

// Settings returns the engine configuration.
func (e *Engine) Settings() config.AnalysisConfig { return e.settings }

// MemoStats reports how stage results were resolved.
func (e *Engine) MemoStats() memo.Stats { return e.memo.Stats() }

// Validate checks an input and returns its treatment set with the
// configured reference first.
//
// Outputs:
//   - *model.TreatmentSet: The validated set.
//   - error: *model.ValidationError.
func (e *Engine) Validate(ds *dataset.Dataset) (*model.TreatmentSet, error) {
	set, err := ds.TreatmentSet(e.settings.Reference)
	if err != nil {
		return nil, err
	}
	if err := model.Validate(ds.Contrasts, set); err != nil {
		return nil, err
	}
	return set, nil
}

// Prepare validates the input, estimates τ² and fits the baseline network.
//
// Description:
//
//	Runs the eager stages and fingerprints the input. The fingerprint covers
//	the contrasts, the ordered treatment set, τ² and every setting that
//	affects results, so equal inputs share stored stage results.
//
// Inputs:
//   - ctx: Trace parent. The eager stages are not interruptible.
//   - ds: Contrasts and optional treatment order.
//
// Outputs:
//   - *Analysis: The prepared analysis.
//   - error: Wrapped with its stage name. Validation failures wrap
//     model.ErrValidation, singular networks network.ErrNumericalSingularity.
func (e *Engine) Prepare(ctx context.Context, ds *dataset.Dataset) (*Analysis, error) {
	runID := uuid.New().String()
	logger := e.logger.With("run_id", runID)
	start := time.Now()

	var set *model.TreatmentSet
	err := e.stage(ctx, "validate", func(ctx context.Context) error {
		var err error
		set, err = e.Validate(ds)
		return err
	})
	if err != nil {
		return nil, err
	}
	contrasts := append([]model.Contrast(nil), ds.Contrasts...)

	var tau *heterogeneity.Result
	err = e.stage(ctx, "heterogeneity", func(ctx context.Context) error {
		var err error
		tau, err = heterogeneity.Estimate(contrasts, set, e.settings.Heterogeneity())
		return err
	})
	if err != nil {
		return nil, err
	}
	if !tau.Converged {
		logger.Warn("tau2 estimation did not converge",
			"method", tau.Method.String(), "iterations", tau.Iterations, "tau2", tau.Value)
	}

	var baseline *network.Result
	err = e.stage(ctx, "baseline", func(ctx context.Context) error {
		var err error
		baseline, err = network.Estimate(contrasts, set, tau.Value, e.settings.Network())
		return err
	})
	if err != nil {
		return nil, err
	}

	fp, err := e.fingerprint(contrasts, set, tau.Value)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: %w", err)
	}

	a := newAnalysis(e, runID, fp, contrasts, set, tau, baseline, logger)
	e.instr.AnalysisPrepared(ctx)
	for _, w := range a.eagerWarnings() {
		e.instr.Warning(ctx, string(w.Code))
	}
	logger.Info("analysis prepared",
		"fingerprint", fp[:12],
		"studies", len(model.GroupStudies(contrasts)),
		"contrasts", len(contrasts),
		"treatments", set.Len(),
		"tau2", tau.Value,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return a, nil
}

// Run prepares the input and resolves every stage in order.
//
// Outputs:
//   - *Report: The complete analysis.
//   - error: The first failing stage, wrapped with its name.
func (e *Engine) Run(ctx context.Context, ds *dataset.Dataset) (*Report, error) {
	a, err := e.Prepare(ctx, ds)
	if err != nil {
		return nil, err
	}
	return a.Report(ctx)
}

// stage runs fn inside a telemetry stage and wraps its error with name.
func (e *Engine) stage(ctx context.Context, name string, fn func(ctx context.Context) error, attrs ...attribute.KeyValue) error {
	ctx, st := e.instr.StartStage(ctx, name, attrs...)
	start := time.Now()
	err := fn(ctx)
	st.End(ctx, err)
	if err != nil {
		e.logger.Debug("stage failed", "stage", name, "error", err)
		return fmt.Errorf("%s: %w", name, err)
	}
	e.logger.Debug("stage completed", "stage", name, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (e *Engine) fingerprint(contrasts []model.Contrast, set *model.TreatmentSet, tau2 float64) (string, error) {
	s := e.settings
	s.Workers = 0 // results do not depend on parallelism
	return memo.Fingerprint(fingerprintVersion, contrasts, set.Labels(), tau2, s)
}
