// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer and meter name of the engine.
const InstrumentationName = "github.com/AleutianAI/AleutianNMA/services/nma"

// Instruments records pipeline spans and metrics.
//
// A nil *Instruments is valid and records nothing.
//
// Thread Safety: Safe for concurrent use after creation.
type Instruments struct {
	tracer trace.Tracer

	// StageDuration records stage wall time in seconds, by stage and status.
	StageDuration metric.Float64Histogram

	// StageErrors counts failed stages by stage.
	StageErrors metric.Int64Counter

	// AnalysesTotal counts prepared analyses.
	AnalysesTotal metric.Int64Counter

	// BootstrapIterations counts bootstrap iterations by outcome
	// (completed, failed).
	BootstrapIterations metric.Int64Counter

	// BootstrapRetries counts bootstrap redraws.
	BootstrapRetries metric.Int64Counter

	// Warnings counts surfaced warnings by code.
	Warnings metric.Int64Counter

	// CacheLookups counts memo resolutions by source (compute, store).
	CacheLookups metric.Int64Counter
}

// NewInstruments registers the engine metrics with meter.
//
// Inputs:
//   - tracer: Span source. Use otel.Tracer(InstrumentationName) for the global provider.
//   - meter: Metric source.
//
// Outputs:
//   - *Instruments: Ready to use.
//   - error: Non-nil if any instrument fails to register.
func NewInstruments(tracer trace.Tracer, meter metric.Meter) (*Instruments, error) {
	in := &Instruments{tracer: tracer}
	var err error

	in.StageDuration, err = meter.Float64Histogram(
		"nma_stage_duration_seconds",
		metric.WithDescription("Analysis stage duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, fmt.Errorf("create stage_duration: %w", err)
	}

	in.StageErrors, err = meter.Int64Counter(
		"nma_stage_errors_total",
		metric.WithDescription("Failed analysis stages"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create stage_errors_total: %w", err)
	}

	in.AnalysesTotal, err = meter.Int64Counter(
		"nma_analyses_total",
		metric.WithDescription("Prepared analyses"),
		metric.WithUnit("{analysis}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create analyses_total: %w", err)
	}

	in.BootstrapIterations, err = meter.Int64Counter(
		"nma_bootstrap_iterations_total",
		metric.WithDescription("Bootstrap iterations by outcome"),
		metric.WithUnit("{iteration}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create bootstrap_iterations_total: %w", err)
	}

	in.BootstrapRetries, err = meter.Int64Counter(
		"nma_bootstrap_retries_total",
		metric.WithDescription("Bootstrap resample redraws"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create bootstrap_retries_total: %w", err)
	}

	in.Warnings, err = meter.Int64Counter(
		"nma_warnings_total",
		metric.WithDescription("Analysis warnings by code"),
		metric.WithUnit("{warning}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create warnings_total: %w", err)
	}

	in.CacheLookups, err = meter.Int64Counter(
		"nma_cache_lookups_total",
		metric.WithDescription("Stage result resolutions by source"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cache_lookups_total: %w", err)
	}

	return in, nil
}

// NewGlobalInstruments uses the global providers installed by Init.
func NewGlobalInstruments() (*Instruments, error) {
	return NewInstruments(otel.Tracer(InstrumentationName), otel.Meter(InstrumentationName))
}

// Stage is an in-flight stage measurement.
type Stage struct {
	in    *Instruments
	name  string
	span  trace.Span
	start time.Time
}

// StartStage opens a span named "nma.<name>".
//
// Example:
//
//	ctx, st := in.StartStage(ctx, "ranking", attribute.Int("iterations", n))
//	defer func() { st.End(ctx, err) }()
func (in *Instruments) StartStage(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, *Stage) {
	st := &Stage{in: in, name: name, start: time.Now()}
	if in == nil || in.tracer == nil {
		return ctx, st
	}
	ctx, st.span = in.tracer.Start(ctx, "nma."+name, trace.WithAttributes(attrs...))
	return ctx, st
}

// SetAttributes annotates the stage span.
func (st *Stage) SetAttributes(attrs ...attribute.KeyValue) {
	if st.span != nil {
		st.span.SetAttributes(attrs...)
	}
}

// End closes the span and records duration. err marks the stage failed.
func (st *Stage) End(ctx context.Context, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	if st.span != nil {
		if err != nil {
			st.span.RecordError(err)
			st.span.SetStatus(codes.Error, err.Error())
		} else {
			st.span.SetStatus(codes.Ok, "")
		}
		st.span.End()
	}
	if st.in == nil {
		return
	}
	stage := attribute.String("stage", st.name)
	st.in.StageDuration.Record(ctx, time.Since(st.start).Seconds(),
		metric.WithAttributes(stage, attribute.String("status", status)))
	if err != nil {
		st.in.StageErrors.Add(ctx, 1, metric.WithAttributes(stage))
	}
}

// AnalysisPrepared counts one prepared analysis.
func (in *Instruments) AnalysisPrepared(ctx context.Context) {
	if in == nil {
		return
	}
	in.AnalysesTotal.Add(ctx, 1)
}

// Bootstrap records iteration outcomes and redraws.
func (in *Instruments) Bootstrap(ctx context.Context, completed, failed, retries int) {
	if in == nil {
		return
	}
	in.BootstrapIterations.Add(ctx, int64(completed), metric.WithAttributes(attribute.String("outcome", "completed")))
	if failed > 0 {
		in.BootstrapIterations.Add(ctx, int64(failed), metric.WithAttributes(attribute.String("outcome", "failed")))
	}
	in.BootstrapRetries.Add(ctx, int64(retries))
}

// Warning counts one warning by code.
func (in *Instruments) Warning(ctx context.Context, code string) {
	if in == nil {
		return
	}
	in.Warnings.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}

// CacheLookup counts a stage resolution from source ("compute" or "store").
func (in *Instruments) CacheLookup(ctx context.Context, stage, source string) {
	if in == nil {
		return
	}
	in.CacheLookups.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage), attribute.String("source", source)))
}
