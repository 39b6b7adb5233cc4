// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sensitivity measures how much each study moves the network
// estimates by removing it and re-estimating at the same τ².
package sensitivity

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/AleutianAI/AleutianNMA/services/nma/batch"
	"github.com/AleutianAI/AleutianNMA/services/nma/model"
	"github.com/AleutianAI/AleutianNMA/services/nma/network"
)

// relativeFloor is the magnitude below which a baseline effect is treated
// as zero; relative shifts against it are reported as 0.
const relativeFloor = 1e-12

// Status reports whether a study could be removed.
type Status string

const (
	StatusRemovable    Status = "removable"
	StatusNonRemovable Status = "non_removable"
)

// Options configures the analyzer.
type Options struct {
	Network network.Options
	Workers int
}

// Shift is the change of one comparison after removing a study. Effects are
// B relative to A.
type Shift struct {
	A        string  `json:"a"`
	B        string  `json:"b"`
	Before   float64 `json:"before"`
	After    float64 `json:"after"`
	AbsShift float64 `json:"abs_shift"`
	RelShift float64 `json:"rel_shift"`
	SEBefore float64 `json:"se_before"`
	SEAfter  float64 `json:"se_after"`
}

// Influence is the leave-one-out outcome of one study.
type Influence struct {
	StudyID           string   `json:"study_id"`
	Contrasts         int      `json:"contrasts"`
	Status            Status   `json:"status"`
	Reason            string   `json:"reason,omitempty"`
	DroppedTreatments []string `json:"dropped_treatments,omitempty"`
	Shifts            []Shift  `json:"shifts,omitempty"`
	MaxAbsShift       float64  `json:"max_abs_shift"`
	MeanAbsShift      float64  `json:"mean_abs_shift"`

	// Converged is false if the refit hit the SVD sweep cap.
	Converged bool `json:"converged"`
}

// Result lists every study in first-appearance order.
type Result struct {
	Studies  []Influence     `json:"studies"`
	Warnings []model.Warning `json:"warnings,omitempty"`
}

// Influential returns the removable study with the largest maximum shift.
func (r *Result) Influential() (Influence, bool) {
	best := -1
	for i, s := range r.Studies {
		if s.Status != StatusRemovable {
			continue
		}
		if best < 0 || s.MaxAbsShift > r.Studies[best].MaxAbsShift {
			best = i
		}
	}
	if best < 0 {
		return Influence{}, false
	}
	return r.Studies[best], true
}

// LeaveOneOut removes each study in turn and re-estimates.
//
// Description:
//
//	For each study: drop its contrasts, drop treatments no longer observed,
//	check the remaining network is connected, and re-estimate at tau2.
//	Shifts are recorded for every comparison between retained treatments.
//	Studies that cannot be removed are reported with a reason instead of
//	failing the run.
//
// Inputs:
//   - ctx: Cancels the batch between studies.
//   - contrasts: Validated contrasts.
//   - set: Treatment set.
//   - tau2: Fixed heterogeneity.
//   - baseline: Full-network estimate at tau2. Computed when nil.
//   - opts: Analyzer options.
//
// Outputs:
//   - *Result: One Influence per study.
//   - error: Validation of the full input, or batch.ErrCancelled.
func LeaveOneOut(ctx context.Context, contrasts []model.Contrast, set *model.TreatmentSet, tau2 float64, baseline *network.Result, opts Options) (*Result, error) {
	if baseline == nil {
		var err error
		baseline, err = network.Estimate(contrasts, set, tau2, opts.Network)
		if err != nil {
			return nil, err
		}
	}

	studies := model.GroupStudies(contrasts)
	infl, err := batch.Map(ctx, len(studies), opts.Workers, func(_ context.Context, i int) (Influence, error) {
		return removeStudy(contrasts, set, studies[i], tau2, baseline, opts.Network)
	})
	if err != nil {
		return nil, err
	}

	res := &Result{Studies: infl}
	for _, s := range infl {
		if !s.Converged {
			res.Warnings = append(res.Warnings, model.Warning{
				Code:      model.WarnNotConverged,
				Component: "sensitivity",
				Message:   fmt.Sprintf("study %s: singular value decomposition did not converge", s.StudyID),
			})
		}
		if s.Status == StatusNonRemovable {
			res.Warnings = append(res.Warnings, model.Warning{
				Code:      model.WarnNotEstimable,
				Component: "sensitivity",
				Message:   fmt.Sprintf("study %s: %s", s.StudyID, s.Reason),
			})
		}
	}
	return res, nil
}

func removeStudy(contrasts []model.Contrast, set *model.TreatmentSet, st model.Study, tau2 float64, baseline *network.Result, opts network.Options) (Influence, error) {
	out := Influence{StudyID: st.ID, Contrasts: len(st.Rows), Status: StatusNonRemovable, Converged: true}

	remaining := model.Filter(contrasts, func(c model.Contrast) bool { return c.StudyID != st.ID })
	if len(remaining) == 0 {
		out.Reason = "only study in the network"
		return out, nil
	}

	observed := make(map[string]bool)
	for _, c := range remaining {
		observed[c.TreatmentA] = true
		observed[c.TreatmentB] = true
	}
	for _, l := range set.Labels() {
		if !observed[l] {
			out.DroppedTreatments = append(out.DroppedTreatments, l)
		}
	}
	sub := set.Restrict(observed)
	if !model.Connected(remaining, sub) {
		out.Reason = "removal disconnects the network"
		return out, nil
	}

	res, err := network.Estimate(remaining, sub, tau2, opts)
	if err != nil {
		if errors.Is(err, model.ErrValidation) || errors.Is(err, network.ErrNumericalSingularity) {
			out.Reason = err.Error()
			return out, nil
		}
		return out, fmt.Errorf("study %s: %w", st.ID, err)
	}
	out.Converged = res.Diagnostics.Converged

	var total float64
	for _, cmp := range baseline.Comparisons() {
		if !observed[cmp.A] || !observed[cmp.B] {
			continue
		}
		after, _ := res.Effect(cmp.A, cmp.B)
		sh := Shift{
			A:        cmp.A,
			B:        cmp.B,
			Before:   cmp.Effect,
			After:    after.Effect,
			AbsShift: math.Abs(after.Effect - cmp.Effect),
			SEBefore: cmp.SE,
			SEAfter:  after.SE,
		}
		if math.Abs(cmp.Effect) > relativeFloor {
			sh.RelShift = sh.AbsShift / math.Abs(cmp.Effect)
		}
		out.Shifts = append(out.Shifts, sh)
		total += sh.AbsShift
		out.MaxAbsShift = math.Max(out.MaxAbsShift, sh.AbsShift)
	}
	if len(out.Shifts) > 0 {
		out.MeanAbsShift = total / float64(len(out.Shifts))
	}
	out.Status = StatusRemovable
	return out, nil
}
