// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrValidation is the root of every input validation failure.
	ErrValidation = errors.New("invalid network input")

	// ErrDisconnected indicates the comparison graph has more than one
	// connected component. It wraps ErrValidation.
	ErrDisconnected = fmt.Errorf("%w: comparison network is disconnected", ErrValidation)

	// ErrNoContrasts indicates an empty input. It wraps ErrValidation.
	ErrNoContrasts = fmt.Errorf("%w: no contrasts", ErrValidation)
)

// ValidationError describes why an input was rejected.
type ValidationError struct {
	// Index is the offending contrast position, or -1 for network-level
	// failures.
	Index int `json:"index"`

	// StudyID is the offending study, when known.
	StudyID string `json:"study_id,omitempty"`

	// Field names the offending field, when known.
	Field string `json:"field,omitempty"`

	// Reason is a human readable explanation.
	Reason string `json:"reason"`

	// Components lists the treatment groups of a disconnected network.
	Components [][]string `json:"components,omitempty"`

	// Err is the sentinel this error wraps. Nil means ErrValidation.
	Err error `json:"-"`
}

// Error implements error.
func (e *ValidationError) Error() string {
	var b strings.Builder
	b.WriteString("validation failed")
	if e.Index >= 0 {
		fmt.Fprintf(&b, ": contrast %d", e.Index)
	}
	if e.StudyID != "" {
		fmt.Fprintf(&b, " (study %q)", e.StudyID)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field %s", e.Field)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// Unwrap returns the wrapped sentinel.
func (e *ValidationError) Unwrap() error {
	if e.Err == nil {
		return ErrValidation
	}
	return e.Err
}

// -----------------------------------------------------------------------------
// Field Validation
// -----------------------------------------------------------------------------

// contrastValidate checks struct tags on Contrast.
var contrastValidate *validator.Validate

func init() {
	contrastValidate = validator.New()
	contrastValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
}

// ValidateContrast checks one contrast in isolation.
//
// Description:
//
//	Struct tags cover presence and sign constraints. Finite checks are done
//	by hand since tags cannot express them.
//
// Inputs:
//   - index: Position of the contrast, used in the error.
//   - c: The contrast.
//
// Outputs:
//   - error: A *ValidationError, or nil.
func ValidateContrast(index int, c Contrast) error {
	if err := contrastValidate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &ValidationError{
				Index:   index,
				StudyID: c.StudyID,
				Field:   fe.Field(),
				Reason:  describeFieldError(fe),
			}
		}
		return &ValidationError{Index: index, StudyID: c.StudyID, Reason: err.Error()}
	}

	switch {
	case math.IsNaN(c.Effect) || math.IsInf(c.Effect, 0):
		return &ValidationError{Index: index, StudyID: c.StudyID, Field: "effect", Reason: "effect size is missing or not finite"}
	case math.IsInf(c.Variance, 0):
		return &ValidationError{Index: index, StudyID: c.StudyID, Field: "variance", Reason: "variance is not finite"}
	case math.IsNaN(c.BaselineVariance) || math.IsInf(c.BaselineVariance, 0):
		return &ValidationError{Index: index, StudyID: c.StudyID, Field: "baseline_variance", Reason: "baseline variance is not finite"}
	}
	return nil
}

func describeFieldError(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "nefield":
		return "must differ from treatment_a"
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "gte":
		return fmt.Sprintf("must be at least %s", fe.Param())
	default:
		return fmt.Sprintf("failed %q check", fe.Tag())
	}
}

// -----------------------------------------------------------------------------
// Network Validation
// -----------------------------------------------------------------------------

// Validate checks contrasts against a treatment set.
//
// Description:
//
//	Runs, in order: per-contrast field checks, set membership, study
//	structure (every multi-contrast study shares a baseline arm and has no
//	repeated comparison), and finally graph connectivity over the whole set.
//	The first failure is returned.
//
// Inputs:
//   - contrasts: The observations.
//   - set: The treatment set. Every member must be reachable.
//
// Outputs:
//   - error: A *ValidationError wrapping ErrValidation or ErrDisconnected,
//     or nil when the input is estimable.
//
// Thread Safety: Safe for concurrent use.
func Validate(contrasts []Contrast, set *TreatmentSet) error {
	if len(contrasts) == 0 {
		return &ValidationError{Index: -1, Reason: "at least one contrast is required", Err: ErrNoContrasts}
	}
	if set == nil || set.Len() < 2 {
		return &ValidationError{Index: -1, Field: "treatments", Reason: "at least two treatments are required"}
	}

	for i, c := range contrasts {
		if err := ValidateContrast(i, c); err != nil {
			return err
		}
		for _, t := range []string{c.TreatmentA, c.TreatmentB} {
			if !set.Contains(t) {
				return &ValidationError{
					Index:   i,
					StudyID: c.StudyID,
					Field:   "treatment",
					Reason:  fmt.Sprintf("treatment %q is not in the treatment set", t),
				}
			}
		}
	}

	for _, st := range GroupStudies(contrasts) {
		if err := validateStudy(contrasts, st); err != nil {
			return err
		}
	}

	if comps := Components(contrasts, set); len(comps) > 1 {
		groups := make([][]string, len(comps))
		for k, comp := range comps {
			for _, idx := range comp {
				groups[k] = append(groups[k], set.Label(idx))
			}
		}
		return &ValidationError{
			Index:      -1,
			Reason:     fmt.Sprintf("network splits into %d components", len(comps)),
			Components: groups,
			Err:        ErrDisconnected,
		}
	}
	return nil
}

func validateStudy(contrasts []Contrast, st Study) error {
	pairs := make(map[Pair]int, len(st.Rows))
	for _, r := range st.Rows {
		p := contrasts[r].Pair()
		if prev, dup := pairs[p]; dup {
			return &ValidationError{
				Index:   r,
				StudyID: st.ID,
				Reason:  fmt.Sprintf("comparison %s already reported by contrast %d", p, prev),
			}
		}
		pairs[p] = r
	}
	if len(st.Rows) < 2 {
		return nil
	}
	if _, ok := Baseline(contrasts, st.Rows); !ok {
		return &ValidationError{
			Index:   st.Rows[0],
			StudyID: st.ID,
			Reason:  "contrasts of a multi-arm study must share a common baseline arm",
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Connectivity
// -----------------------------------------------------------------------------

// Components returns the connected components of the comparison graph over
// every member of set. Each component lists treatment indices in ascending
// order; components are ordered by their smallest index. Contrasts naming a
// treatment outside set are ignored.
func Components(contrasts []Contrast, set *TreatmentSet) [][]int {
	n := set.Len()
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	find := func(x int) int {
		for parent[x] != x {
			parent[x] = parent[parent[x]]
			x = parent[x]
		}
		return x
	}
	for _, c := range contrasts {
		a, okA := set.Index(c.TreatmentA)
		b, okB := set.Index(c.TreatmentB)
		if !okA || !okB {
			continue
		}
		ra, rb := find(a), find(b)
		if ra == rb {
			continue
		}
		if ra < rb {
			parent[rb] = ra
		} else {
			parent[ra] = rb
		}
	}

	groups := make(map[int][]int)
	for i := 0; i < n; i++ {
		r := find(i)
		groups[r] = append(groups[r], i)
	}
	out := make([][]int, 0, len(groups))
	for _, g := range groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i][0] < out[j][0] })
	return out
}

// Connected reports whether the comparison graph spans set.
func Connected(contrasts []Contrast, set *TreatmentSet) bool {
	return len(Components(contrasts, set)) <= 1
}

// ComponentOf returns the labels in the component containing label, or nil
// when label is not in set.
func ComponentOf(contrasts []Contrast, set *TreatmentSet, label string) map[string]bool {
	idx, ok := set.Index(label)
	if !ok {
		return nil
	}
	for _, comp := range Components(contrasts, set) {
		for _, i := range comp {
			if i != idx {
				continue
			}
			out := make(map[string]bool, len(comp))
			for _, j := range comp {
				out[set.Label(j)] = true
			}
			return out
		}
	}
	return nil
}
