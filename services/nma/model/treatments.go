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
	"encoding/json"
	"fmt"
)

// TreatmentSet is an immutable ordered set of treatment labels.
//
// Index 0 is the reference treatment. Order is first appearance unless a
// reference was promoted with WithReference.
//
// Thread Safety: Safe for concurrent use after construction.
type TreatmentSet struct {
	labels []string
	index  map[string]int
}

// NewTreatmentSet builds a set from labels in the given order.
//
// Outputs:
//   - *TreatmentSet: The set.
//   - error: A *ValidationError when a label is empty or repeated.
func NewTreatmentSet(labels ...string) (*TreatmentSet, error) {
	s := &TreatmentSet{
		labels: make([]string, 0, len(labels)),
		index:  make(map[string]int, len(labels)),
	}
	for _, l := range labels {
		if l == "" {
			return nil, &ValidationError{Index: -1, Field: "treatments", Reason: "empty treatment label"}
		}
		if _, dup := s.index[l]; dup {
			return nil, &ValidationError{Index: -1, Field: "treatments", Reason: fmt.Sprintf("duplicate treatment %q", l)}
		}
		s.index[l] = len(s.labels)
		s.labels = append(s.labels, l)
	}
	return s, nil
}

// TreatmentsOf derives the set from contrasts in first-appearance order,
// visiting treatment_a before treatment_b. Empty labels are skipped.
func TreatmentsOf(contrasts []Contrast) *TreatmentSet {
	s := &TreatmentSet{index: make(map[string]int)}
	add := func(l string) {
		if l == "" {
			return
		}
		if _, ok := s.index[l]; !ok {
			s.index[l] = len(s.labels)
			s.labels = append(s.labels, l)
		}
	}
	for _, c := range contrasts {
		add(c.TreatmentA)
		add(c.TreatmentB)
	}
	return s
}

// WithReference returns a copy with ref moved to index 0. Relative order of
// the other labels is kept.
func (s *TreatmentSet) WithReference(ref string) (*TreatmentSet, error) {
	if _, ok := s.index[ref]; !ok {
		return nil, &ValidationError{Index: -1, Field: "reference", Reason: fmt.Sprintf("reference %q is not in the network", ref)}
	}
	labels := make([]string, 0, len(s.labels))
	labels = append(labels, ref)
	for _, l := range s.labels {
		if l != ref {
			labels = append(labels, l)
		}
	}
	return NewTreatmentSet(labels...)
}

// Restrict returns the subset of s containing only labels in keep, in the
// order of s.
func (s *TreatmentSet) Restrict(keep map[string]bool) *TreatmentSet {
	out := &TreatmentSet{index: make(map[string]int)}
	for _, l := range s.labels {
		if keep[l] {
			out.index[l] = len(out.labels)
			out.labels = append(out.labels, l)
		}
	}
	return out
}

// Len returns the number of treatments.
func (s *TreatmentSet) Len() int { return len(s.labels) }

// Label returns the label at index i.
func (s *TreatmentSet) Label(i int) string { return s.labels[i] }

// Reference returns the label at index 0, or "" for an empty set.
func (s *TreatmentSet) Reference() string {
	if len(s.labels) == 0 {
		return ""
	}
	return s.labels[0]
}

// Index returns the position of a label.
func (s *TreatmentSet) Index(label string) (int, bool) {
	i, ok := s.index[label]
	return i, ok
}

// Contains reports membership.
func (s *TreatmentSet) Contains(label string) bool {
	_, ok := s.index[label]
	return ok
}

// Labels returns a copy of the ordered labels.
func (s *TreatmentSet) Labels() []string {
	out := make([]string, len(s.labels))
	copy(out, s.labels)
	return out
}

// MarshalJSON encodes the set as its ordered label list.
func (s *TreatmentSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.labels)
}

// UnmarshalJSON decodes an ordered label list.
func (s *TreatmentSet) UnmarshalJSON(data []byte) error {
	var labels []string
	if err := json.Unmarshal(data, &labels); err != nil {
		return err
	}
	set, err := NewTreatmentSet(labels...)
	if err != nil {
		return err
	}
	*s = *set
	return nil
}
