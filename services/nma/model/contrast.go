// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package model defines the input data model shared by every stage of the
// network meta-analysis engine: contrasts, treatment sets, studies, and the
// validation rules that gate estimation.
package model

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Contrast is one observed relative effect from one study.
//
// Effect is treatment_b minus treatment_a on the analysis scale (for example
// a log odds ratio). Variance is the sampling variance of Effect.
type Contrast struct {
	StudyID    string  `json:"study_id" yaml:"study_id" validate:"required"`
	TreatmentA string  `json:"treatment_a" yaml:"treatment_a" validate:"required"`
	TreatmentB string  `json:"treatment_b" yaml:"treatment_b" validate:"required,nefield=TreatmentA"`
	Effect     float64 `json:"effect" yaml:"effect"`
	Variance   float64 `json:"variance" yaml:"variance" validate:"gt=0"`

	// BaselineVariance is the variance of the shared arm of a multi-arm
	// study. Zero means unknown.
	BaselineVariance float64 `json:"baseline_variance,omitempty" yaml:"baseline_variance,omitempty" validate:"gte=0"`
}

// contrastRecord is the wire form of a Contrast. Effect is a pointer so an
// absent or null effect can be told apart from a zero effect.
type contrastRecord struct {
	StudyID          string   `json:"study_id" yaml:"study_id"`
	TreatmentA       string   `json:"treatment_a" yaml:"treatment_a"`
	TreatmentB       string   `json:"treatment_b" yaml:"treatment_b"`
	Effect           *float64 `json:"effect" yaml:"effect"`
	Variance         float64  `json:"variance" yaml:"variance"`
	BaselineVariance float64  `json:"baseline_variance" yaml:"baseline_variance"`
}

func (r contrastRecord) contrast() Contrast {
	c := Contrast{
		StudyID:          r.StudyID,
		TreatmentA:       r.TreatmentA,
		TreatmentB:       r.TreatmentB,
		Effect:           math.NaN(),
		Variance:         r.Variance,
		BaselineVariance: r.BaselineVariance,
	}
	if r.Effect != nil {
		c.Effect = *r.Effect
	}
	return c
}

// UnmarshalJSON decodes a contrast. A missing or null effect decodes to NaN,
// which ValidateContrast rejects.
func (c *Contrast) UnmarshalJSON(data []byte) error {
	var r contrastRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return err
	}
	*c = r.contrast()
	return nil
}

// UnmarshalYAML decodes a contrast with the same missing-effect rule as
// UnmarshalJSON.
func (c *Contrast) UnmarshalYAML(node *yaml.Node) error {
	var r contrastRecord
	if err := node.Decode(&r); err != nil {
		return err
	}
	*c = r.contrast()
	return nil
}

// Involves reports whether the contrast compares treatment t.
func (c Contrast) Involves(t string) bool {
	return c.TreatmentA == t || c.TreatmentB == t
}

// Pair returns the unordered comparison key of the contrast.
func (c Contrast) Pair() Pair {
	return NewPair(c.TreatmentA, c.TreatmentB)
}

// Pair is an unordered comparison between two treatments, stored with the
// lexically smaller label first.
type Pair struct {
	A string `json:"a"`
	B string `json:"b"`
}

// NewPair returns the canonical pair for two labels.
func NewPair(a, b string) Pair {
	if b < a {
		a, b = b, a
	}
	return Pair{A: a, B: b}
}

// String returns "A:B".
func (p Pair) String() string {
	return p.A + ":" + p.B
}

// Filter returns the contrasts for which keep returns true.
func Filter(contrasts []Contrast, keep func(Contrast) bool) []Contrast {
	out := make([]Contrast, 0, len(contrasts))
	for _, c := range contrasts {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

// -----------------------------------------------------------------------------
// Studies
// -----------------------------------------------------------------------------

// Study groups the contrasts reported by one study.
type Study struct {
	// ID is the study identifier.
	ID string

	// Rows indexes the study's contrasts in the original slice, in input order.
	Rows []int
}

// GroupStudies returns studies in first-appearance order.
func GroupStudies(contrasts []Contrast) []Study {
	index := make(map[string]int)
	var studies []Study
	for i, c := range contrasts {
		k, ok := index[c.StudyID]
		if !ok {
			k = len(studies)
			index[c.StudyID] = k
			studies = append(studies, Study{ID: c.StudyID})
		}
		studies[k].Rows = append(studies[k].Rows, i)
	}
	return studies
}

// Baseline returns the arm shared by every contrast of a study.
//
// A single-contrast study returns its treatment_a. For multi-contrast studies
// the first arm common to all contrasts wins, preferring treatment_a of the
// first contrast. ok is false when no arm is shared.
func Baseline(contrasts []Contrast, rows []int) (arm string, ok bool) {
	if len(rows) == 0 {
		return "", false
	}
	first := contrasts[rows[0]]
	for _, cand := range []string{first.TreatmentA, first.TreatmentB} {
		shared := true
		for _, r := range rows[1:] {
			if !contrasts[r].Involves(cand) {
				shared = false
				break
			}
		}
		if shared {
			return cand, true
		}
	}
	return "", false
}

// Design returns the canonical design key of a study: its sorted arm labels
// joined by ":".
func Design(contrasts []Contrast, rows []int) string {
	seen := make(map[string]struct{})
	for _, r := range rows {
		seen[contrasts[r].TreatmentA] = struct{}{}
		seen[contrasts[r].TreatmentB] = struct{}{}
	}
	arms := make([]string, 0, len(seen))
	for a := range seen {
		arms = append(arms, a)
	}
	sort.Strings(arms)
	return strings.Join(arms, ":")
}

// -----------------------------------------------------------------------------
// Warnings
// -----------------------------------------------------------------------------

// WarningCode classifies non-fatal conditions carried alongside results.
type WarningCode string

const (
	// WarnNotConverged marks an iterative routine that hit its iteration cap.
	WarnNotConverged WarningCode = "not_converged"

	// WarnResampleExhausted marks bootstrap iterations dropped after
	// exhausting their redraw budget.
	WarnResampleExhausted WarningCode = "resample_exhausted"

	// WarnNotEstimable marks an item that could not be estimated.
	WarnNotEstimable WarningCode = "not_estimable"
)

// Warning is a non-fatal diagnostic attached to a result.
type Warning struct {
	Code      WarningCode `json:"code"`
	Component string      `json:"component"`
	Message   string      `json:"message"`
}

// String renders the warning for logs.
func (w Warning) String() string {
	return fmt.Sprintf("%s [%s]: %s", w.Component, w.Code, w.Message)
}
