// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dataset reads contrast tables from YAML, JSON and CSV.
//
// YAML and JSON inputs are either a list of contrasts or a document
//
//	treatments: [placebo, a, b]   # optional, fixes order and reference
//	contrasts:  [...]
//
// CSV inputs need a header naming the columns study, treatment_a,
// treatment_b, effect and either variance or se; baseline_variance is
// optional. Column order is free.
//
// Parsing never validates statistics; that is model.Validate's job.
package dataset

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianNMA/services/nma/model"
)

// Format names an input encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// ErrUnknownFormat indicates an unsupported file extension or format name.
var ErrUnknownFormat = errors.New("unknown dataset format")

// Dataset is a parsed input.
type Dataset struct {
	// Treatments is the declared treatment order, if any.
	Treatments []string         `json:"treatments,omitempty" yaml:"treatments,omitempty"`
	Contrasts  []model.Contrast `json:"contrasts" yaml:"contrasts"`
}

// TreatmentSet returns the declared set, or the set in order of first
// appearance, with reference moved to the front when non-empty.
func (d *Dataset) TreatmentSet(reference string) (*model.TreatmentSet, error) {
	set := model.TreatmentsOf(d.Contrasts)
	if len(d.Treatments) > 0 {
		var err error
		set, err = model.NewTreatmentSet(d.Treatments...)
		if err != nil {
			return nil, err
		}
	}
	if reference == "" {
		return set, nil
	}
	return set.WithReference(reference)
}

// FormatOf infers the format from a file extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	case ".csv":
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, filepath.Ext(path))
	}
}

// ParseFormat parses a format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatYAML, FormatJSON, FormatCSV:
		return f, nil
	case "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, s)
	}
}

// Load reads the file at path, inferring its format.
func Load(path string) (*Dataset, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	ds, err := Read(f, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ds, nil
}

// Read parses r in the given format.
func Read(r io.Reader, format Format) (*Dataset, error) {
	switch format {
	case FormatCSV:
		return readCSV(r)
	case FormatYAML, FormatJSON:
		data, err := io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("read dataset: %w", err)
		}
		if format == FormatJSON {
			return decodeJSON(data)
		}
		return decodeYAML(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

func decodeJSON(data []byte) (*Dataset, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var cs []model.Contrast
		if err := json.Unmarshal(data, &cs); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
		return &Dataset{Contrasts: cs}, nil
	}
	var ds Dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return &ds, nil
}

func decodeYAML(data []byte) (*Dataset, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if len(node.Content) > 0 && node.Content[0].Kind == yaml.SequenceNode {
		var cs []model.Contrast
		if err := node.Decode(&cs); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		return &Dataset{Contrasts: cs}, nil
	}
	var ds Dataset
	if err := node.Decode(&ds); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return &ds, nil
}

// -----------------------------------------------------------------------------
// CSV
// -----------------------------------------------------------------------------

var columnAliases = map[string]string{
	"study":             "study",
	"study_id":          "study",
	"treatment_a":       "treatment_a",
	"treatment_b":       "treatment_b",
	"effect":            "effect",
	"variance":          "variance",
	"se":                "se",
	"baseline_variance": "baseline_variance",
}

func readCSV(r io.Reader) (*Dataset, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return &Dataset{}, nil
		}
		return nil, fmt.Errorf("read csv header: %w", err)
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		name, ok := columnAliases[strings.ToLower(strings.TrimSpace(h))]
		if !ok {
			continue
		}
		if _, dup := cols[name]; dup {
			return nil, fmt.Errorf("csv header: duplicate column %q", h)
		}
		cols[name] = i
	}
	for _, need := range []string{"study", "treatment_a", "treatment_b", "effect"} {
		if _, ok := cols[need]; !ok {
			return nil, fmt.Errorf("csv header: missing column %q", need)
		}
	}
	_, hasVar := cols["variance"]
	_, hasSE := cols["se"]
	if !hasVar && !hasSE {
		return nil, errors.New(`csv header: need a "variance" or "se" column`)
	}

	ds := &Dataset{}
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		line, _ := cr.FieldPos(0)

		c := model.Contrast{
			StudyID:    strings.TrimSpace(rec[cols["study"]]),
			TreatmentA: strings.TrimSpace(rec[cols["treatment_a"]]),
			TreatmentB: strings.TrimSpace(rec[cols["treatment_b"]]),
		}
		if c.Effect, err = number(rec[cols["effect"]]); err != nil {
			return nil, fmt.Errorf("csv line %d: effect: %w", line, err)
		}
		if hasVar {
			c.Variance, err = number(rec[cols["variance"]])
		} else {
			var se float64
			se, err = number(rec[cols["se"]])
			c.Variance = se * se
		}
		if err != nil {
			return nil, fmt.Errorf("csv line %d: variance: %w", line, err)
		}
		if i, ok := cols["baseline_variance"]; ok && strings.TrimSpace(rec[i]) != "" {
			if c.BaselineVariance, err = number(rec[i]); err != nil {
				return nil, fmt.Errorf("csv line %d: baseline_variance: %w", line, err)
			}
		}
		ds.Contrasts = append(ds.Contrasts, c)
	}
	return ds, nil
}

// number parses a float. Empty cells and NA become NaN so that validation
// reports them against the contrast.
func number(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "na") {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

// WriteCSV writes contrasts with the canonical header.
func WriteCSV(w io.Writer, contrasts []model.Contrast) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"study", "treatment_a", "treatment_b", "effect", "variance", "baseline_variance"}); err != nil {
		return err
	}
	f := func(v float64) string { return strconv.FormatFloat(v, 'g', -1, 64) }
	for _, c := range contrasts {
		bv := ""
		if c.BaselineVariance > 0 {
			bv = f(c.BaselineVariance)
		}
		if err := cw.Write([]string{c.StudyID, c.TreatmentA, c.TreatmentB, f(c.Effect), f(c.Variance), bv}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
