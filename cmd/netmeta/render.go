// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianNMA/pkg/ux"
	"github.com/AleutianAI/AleutianNMA/services/nma/consistency"
	"github.com/AleutianAI/AleutianNMA/services/nma/model"
	"github.com/AleutianAI/AleutianNMA/services/nma/pipeline"
	"github.com/AleutianAI/AleutianNMA/services/nma/sensitivity"
)

func num(x float64) string { return strconv.FormatFloat(x, 'f', 4, 64) }

func pval(p float64) string {
	if p < 1e-4 {
		return "<0.0001"
	}
	return num(p)
}

// renderReport prints the full text report.
func renderReport(p *ux.Printer, rep *pipeline.Report) {
	p.Title("Network meta-analysis")
	p.KeyValues(
		"run", rep.RunID,
		"treatments", strconv.Itoa(len(rep.Treatments)),
		"reference", rep.Reference,
		"tau2", fmt.Sprintf("%s (%s, %d iterations)", num(rep.Tau2.Value), rep.Tau2.Method, rep.Tau2.Iterations),
		"heterogeneity", fmt.Sprintf("Q=%s df=%d p=%s I2=%.1f%%",
			num(rep.Tau2.Q), rep.Tau2.DF, pval(rep.Tau2.PValue), rep.Tau2.I2*100),
	)

	renderEffects(p, rep)
	renderConsistency(p, rep.Consistency)
	renderRanking(p, rep)
	renderSensitivity(p, rep.Sensitivity)
	renderWarnings(p, rep.Warnings)
}

func renderEffects(p *ux.Printer, rep *pipeline.Report) {
	p.Title("Effects vs " + rep.Reference)
	rows := make([][]string, 0, len(rep.Treatments)-1)
	for _, t := range rep.Treatments[1:] {
		pw, _ := rep.Network.Effect(rep.Reference, t)
		rows = append(rows, []string{
			t, num(pw.Effect), num(pw.SE),
			fmt.Sprintf("[%s, %s]", num(pw.Lower), num(pw.Upper)),
			pval(pw.P),
		})
	}
	p.Table([]string{"treatment", "effect", "se", "ci", "p"}, rows, -1)
}

func renderConsistency(p *ux.Printer, res *consistency.Result) {
	if res == nil {
		return
	}
	d := res.Decomposition
	p.Title("Consistency")
	p.Table([]string{"source", "q", "df", "p"}, [][]string{
		{"total", num(d.Total.Q), strconv.Itoa(d.Total.DF), pval(d.Total.PValue)},
		{"within designs", num(d.Within.Q), strconv.Itoa(d.Within.DF), pval(d.Within.PValue)},
		{"between designs", num(d.Between.Q), strconv.Itoa(d.Between.DF), pval(d.Between.PValue)},
	}, -1)

	if len(res.Splits) == 0 {
		return
	}
	rows := make([][]string, 0, len(res.Splits))
	flagged := -1
	for i, s := range res.Splits {
		if s.Status != consistency.StatusEstimable {
			rows = append(rows, []string{s.A + " vs " + s.B, num(s.Direct.Effect), "-", "-", "-", string(s.Status)})
			continue
		}
		if s.Inconsistent && flagged < 0 {
			flagged = i
		}
		rows = append(rows, []string{
			s.A + " vs " + s.B, num(s.Direct.Effect), num(s.Indirect.Effect),
			num(s.Difference), pval(s.P), string(s.Status),
		})
	}
	p.Table([]string{"comparison", "direct", "indirect", "difference", "p", "status"}, rows, flagged)
}

func renderRanking(p *ux.Printer, rep *pipeline.Report) {
	if rep.Ranking == nil {
		return
	}
	d := rep.Ranking
	order := make([]int, len(d.Treatments))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return d.SUCRA[order[a]] > d.SUCRA[order[b]] })

	p.Title("Ranking")
	rows := make([][]string, 0, len(order))
	for _, t := range order {
		rows = append(rows, []string{
			d.Treatments[t], p.Bar(d.SUCRA[t], 20), num(d.MeanRank[t]),
			num(d.Probability(t, 1)), num(rep.PScores[t]),
		})
	}
	p.Table([]string{"treatment", "sucra", "mean rank", "p(best)", "p-score"}, rows, 0)
	p.Muted(fmt.Sprintf("%d of %d resamples completed, %d retries, seed %d",
		d.Completed, d.Requested, d.Retries, d.Seed))
}

func renderSensitivity(p *ux.Printer, res *sensitivity.Result) {
	if res == nil {
		return
	}
	p.Title("Leave-one-out")
	rows := make([][]string, 0, len(res.Studies))
	top := -1
	if inf, ok := res.Influential(); ok {
		for i, s := range res.Studies {
			if s.StudyID == inf.StudyID {
				top = i
			}
		}
	}
	for _, s := range res.Studies {
		if s.Status != sensitivity.StatusRemovable {
			rows = append(rows, []string{s.StudyID, strconv.Itoa(s.Contrasts), "-", "-", s.Reason})
			continue
		}
		rows = append(rows, []string{
			s.StudyID, strconv.Itoa(s.Contrasts), num(s.MaxAbsShift), num(s.MeanAbsShift), string(s.Status),
		})
	}
	p.Table([]string{"study", "contrasts", "max shift", "mean shift", "status"}, rows, top)
}

func renderWarnings(p *ux.Printer, warnings []model.Warning) {
	for _, w := range warnings {
		p.Warning(w.String())
	}
}

// renderValidation prints a successful validation summary.
func renderValidation(p *ux.Printer, path string, labels []string, studies, contrasts int) {
	p.Success(fmt.Sprintf("%s is a connected network", path))
	p.KeyValues(
		"treatments", strconv.Itoa(len(labels)),
		"reference", labels[0],
		"studies", strconv.Itoa(studies),
		"contrasts", strconv.Itoa(contrasts),
	)
}

// renderComponents lists the components of a disconnected network.
func renderComponents(p *ux.Printer, components [][]string) {
	rows := make([][]string, len(components))
	for i, c := range components {
		rows[i] = []string{strconv.Itoa(i + 1), strings.Join(c, ", ")}
	}
	p.Table([]string{"component", "treatments"}, rows, -1)
}
