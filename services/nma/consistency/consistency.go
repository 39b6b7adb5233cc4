// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package consistency tests agreement between direct and indirect evidence.
//
// Two analyses are provided:
//
//   - Decompose splits the fixed-effect heterogeneity statistic into a
//     within-design part (disagreement between studies of the same design)
//     and a between-design part (inconsistency).
//   - NodeSplit contrasts, for every directly observed comparison, the
//     estimate from its direct studies with the estimate from the rest of
//     the network.
//
// Each split and each design fit is an independent unit of work dispatched
// through package batch.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/AleutianAI/AleutianNMA/services/nma/batch"
	"github.com/AleutianAI/AleutianNMA/services/nma/model"
	"github.com/AleutianAI/AleutianNMA/services/nma/network"
	"github.com/AleutianAI/AleutianNMA/services/nma/stats"
)

// Status reports whether an item could be estimated.
type Status string

const (
	StatusEstimable    Status = "estimable"
	StatusNotEstimable Status = "not_estimable"
)

// Options configures the analyzer.
type Options struct {
	// Network is used for every sub-fit. Alpha also sets the inconsistency
	// threshold.
	Network network.Options

	// Workers is the batch parallelism. Values <= 1 run inline.
	Workers int
}

// -----------------------------------------------------------------------------
// Results
// -----------------------------------------------------------------------------

// QStat is a heterogeneity statistic with its χ² reference.
type QStat struct {
	Q      float64 `json:"q"`
	DF     int     `json:"df"`
	PValue float64 `json:"p_value"`
}

func newQStat(q float64, df int) QStat {
	return QStat{Q: q, DF: df, PValue: stats.ChiSquareSF(q, df)}
}

// DesignQ is the within-design statistic of one design.
type DesignQ struct {
	Design  string `json:"design"`
	Studies int    `json:"studies"`
	QStat

	converged bool
}

// Decomposition splits Q_total = Q_within + Q_between.
type Decomposition struct {
	Total   QStat     `json:"total"`
	Within  QStat     `json:"within"`
	Between QStat     `json:"between"`
	Designs []DesignQ `json:"designs"`

	// Converged is false if any fit behind the statistics hit the SVD
	// sweep cap.
	Converged bool `json:"converged"`
}

// Estimate is an effect with its standard error.
type Estimate struct {
	Effect float64 `json:"effect"`
	SE     float64 `json:"se"`
}

// Split is the node-split of one comparison. Effects are B relative to A.
type Split struct {
	A             string   `json:"a"`
	B             string   `json:"b"`
	DirectStudies int      `json:"direct_studies"`
	Direct        Estimate `json:"direct"`
	Indirect      Estimate `json:"indirect"`
	Network       Estimate `json:"network"`
	Difference    float64  `json:"difference"`
	Z             float64  `json:"z"`
	P             float64  `json:"p"`
	Inconsistent  bool     `json:"inconsistent"`
	Status        Status   `json:"status"`
	Reason        string   `json:"reason,omitempty"`

	// Converged is false if the direct or indirect fit hit the SVD sweep cap.
	Converged bool `json:"converged"`
}

// Result bundles both analyses.
type Result struct {
	Decomposition Decomposition   `json:"decomposition"`
	Splits        []Split         `json:"splits"`
	Warnings      []model.Warning `json:"warnings,omitempty"`
}

// -----------------------------------------------------------------------------
// Analyze
// -----------------------------------------------------------------------------

// Analyze runs the decomposition and every node-split.
//
// Inputs:
//   - ctx: Cancels the batch between units.
//   - contrasts: Validated contrasts.
//   - set: Treatment set.
//   - tau2: Heterogeneity used by the node-splits.
//   - baseline: The full-network estimate at tau2, used for Split.Network.
//     May be nil.
//   - opts: Analyzer options.
//
// Outputs:
//   - *Result: Decomposition and splits.
//   - error: Validation errors, or batch.ErrCancelled.
func Analyze(ctx context.Context, contrasts []model.Contrast, set *model.TreatmentSet, tau2 float64, baseline *network.Result, opts Options) (*Result, error) {
	dec, err := Decompose(ctx, contrasts, set, opts)
	if err != nil {
		return nil, fmt.Errorf("q decomposition: %w", err)
	}
	splits, err := NodeSplit(ctx, contrasts, set, tau2, baseline, opts)
	if err != nil {
		return nil, fmt.Errorf("node split: %w", err)
	}

	res := &Result{Decomposition: *dec, Splits: splits}
	if !dec.Converged {
		res.Warnings = append(res.Warnings, model.Warning{
			Code:      model.WarnNotConverged,
			Component: "consistency",
			Message:   "q decomposition: singular value decomposition did not converge",
		})
	}
	for _, s := range splits {
		if !s.Converged {
			res.Warnings = append(res.Warnings, model.Warning{
				Code:      model.WarnNotConverged,
				Component: "consistency",
				Message:   fmt.Sprintf("node split %s:%s: singular value decomposition did not converge", s.A, s.B),
			})
		}
		if s.Status == StatusNotEstimable {
			res.Warnings = append(res.Warnings, model.Warning{
				Code:      model.WarnNotEstimable,
				Component: "consistency",
				Message:   fmt.Sprintf("node split %s:%s: %s", s.A, s.B, s.Reason),
			})
		}
	}
	return res, nil
}

// -----------------------------------------------------------------------------
// Q Decomposition
// -----------------------------------------------------------------------------

// Decompose computes Q_total, Q_within and Q_between under the fixed-effect
// model.
//
// Description:
//
//	Q_total is the residual statistic of the full network at τ² = 0.
//	Studies are grouped by design (their sorted arm set); each design is fit
//	on its own and its residual Q adds to Q_within. Q_between is the
//	remainder, truncated at zero against rounding.
func Decompose(ctx context.Context, contrasts []model.Contrast, set *model.TreatmentSet, opts Options) (*Decomposition, error) {
	total, err := network.Estimate(contrasts, set, 0, opts.Network)
	if err != nil {
		return nil, err
	}

	groups := groupDesigns(contrasts)
	fits, err := batch.Map(ctx, len(groups), opts.Workers, func(_ context.Context, i int) (DesignQ, error) {
		g := groups[i]
		sub := make([]model.Contrast, len(g.rows))
		for k, r := range g.rows {
			sub[k] = contrasts[r]
		}
		res, err := network.Estimate(sub, model.TreatmentsOf(sub), 0, opts.Network)
		if err != nil {
			return DesignQ{}, fmt.Errorf("design %s: %w", g.key, err)
		}
		return DesignQ{
			Design:    g.key,
			Studies:   g.studies,
			QStat:     newQStat(res.Diagnostics.Q, res.Diagnostics.DF),
			converged: res.Diagnostics.Converged,
		}, nil
	})
	if err != nil {
		return nil, err
	}

	var qWithin float64
	var dfWithin int
	converged := total.Diagnostics.Converged
	for _, f := range fits {
		qWithin += f.Q
		dfWithin += f.DF
		converged = converged && f.converged
	}
	qTotal := total.Diagnostics.Q
	dfTotal := total.Diagnostics.DF
	return &Decomposition{
		Total:     newQStat(qTotal, dfTotal),
		Within:    newQStat(qWithin, dfWithin),
		Between:   newQStat(math.Max(0, qTotal-qWithin), dfTotal-dfWithin),
		Designs:   fits,
		Converged: converged,
	}, nil
}

type designGroup struct {
	key     string
	rows    []int
	studies int
}

// groupDesigns returns design groups ordered by design key.
func groupDesigns(contrasts []model.Contrast) []designGroup {
	index := make(map[string]int)
	var groups []designGroup
	for _, st := range model.GroupStudies(contrasts) {
		key := model.Design(contrasts, st.Rows)
		k, ok := index[key]
		if !ok {
			k = len(groups)
			index[key] = k
			groups = append(groups, designGroup{key: key})
		}
		groups[k].rows = append(groups[k].rows, st.Rows...)
		groups[k].studies++
	}
	sort.SliceStable(groups, func(i, j int) bool { return groups[i].key < groups[j].key })
	return groups
}

// -----------------------------------------------------------------------------
// Node Splitting
// -----------------------------------------------------------------------------

// NodeSplit splits every directly observed comparison.
//
// Description:
//
//	For comparison (a, b) the direct subset holds the contrasts comparing
//	exactly a and b; the indirect subset holds every other contrast,
//	restricted to the connected component containing a. When that
//	component does not reach b the split is not estimable. Both subsets are
//	fit with the same τ². Comparisons are ordered by treatment index.
//
// Outputs:
//   - []Split: One entry per observed comparison.
//   - error: batch.ErrCancelled, or an unexpected estimation failure.
func NodeSplit(ctx context.Context, contrasts []model.Contrast, set *model.TreatmentSet, tau2 float64, baseline *network.Result, opts Options) ([]Split, error) {
	pairs := observedPairs(contrasts, set)
	alpha := opts.Network.Alpha
	if alpha <= 0 || alpha >= 1 {
		alpha = network.DefaultOptions().Alpha
	}

	return batch.Map(ctx, len(pairs), opts.Workers, func(_ context.Context, i int) (Split, error) {
		return splitOne(contrasts, pairs[i], tau2, baseline, alpha, opts.Network)
	})
}

// observedPairs lists the distinct compared pairs as (lower index, higher
// index) in treatment order.
func observedPairs(contrasts []model.Contrast, set *model.TreatmentSet) [][2]string {
	seen := make(map[[2]int]bool)
	var idx [][2]int
	for _, c := range contrasts {
		a, _ := set.Index(c.TreatmentA)
		b, _ := set.Index(c.TreatmentB)
		if a > b {
			a, b = b, a
		}
		k := [2]int{a, b}
		if !seen[k] {
			seen[k] = true
			idx = append(idx, k)
		}
	}
	sort.Slice(idx, func(i, j int) bool {
		if idx[i][0] != idx[j][0] {
			return idx[i][0] < idx[j][0]
		}
		return idx[i][1] < idx[j][1]
	})
	out := make([][2]string, len(idx))
	for i, k := range idx {
		out[i] = [2]string{set.Label(k[0]), set.Label(k[1])}
	}
	return out
}

func splitOne(contrasts []model.Contrast, pair [2]string, tau2 float64, baseline *network.Result, alpha float64, opts network.Options) (Split, error) {
	a, b := pair[0], pair[1]
	key := model.NewPair(a, b)
	split := Split{A: a, B: b, Status: StatusNotEstimable, Converged: true}

	if baseline != nil {
		if pw, ok := baseline.Effect(a, b); ok {
			split.Network = Estimate{Effect: pw.Effect, SE: pw.SE}
		}
	}

	direct := model.Filter(contrasts, func(c model.Contrast) bool { return c.Pair() == key })
	indirect := model.Filter(contrasts, func(c model.Contrast) bool { return c.Pair() != key })
	split.DirectStudies = len(model.GroupStudies(direct))

	dset, err := model.NewTreatmentSet(a, b)
	if err != nil {
		return split, err
	}
	dres, err := network.Estimate(direct, dset, tau2, opts)
	if err != nil {
		return notEstimable(split, "direct", err)
	}
	split.Converged = dres.Diagnostics.Converged
	dpw, _ := dres.Effect(a, b)
	split.Direct = Estimate{Effect: dpw.Effect, SE: dpw.SE}

	if len(indirect) == 0 {
		split.Reason = "no indirect evidence"
		return split, nil
	}
	iset := model.TreatmentsOf(indirect)
	if !iset.Contains(a) || !iset.Contains(b) {
		split.Reason = "comparison has no indirect path"
		return split, nil
	}
	comp := model.ComponentOf(indirect, iset, a)
	if !comp[b] {
		split.Reason = "indirect evidence does not connect the pair"
		return split, nil
	}
	indirect = model.Filter(indirect, func(c model.Contrast) bool { return comp[c.TreatmentA] })
	iset = iset.Restrict(comp)

	ires, err := network.Estimate(indirect, iset, tau2, opts)
	if err != nil {
		return notEstimable(split, "indirect", err)
	}
	split.Converged = split.Converged && ires.Diagnostics.Converged
	ipw, _ := ires.Effect(a, b)
	split.Indirect = Estimate{Effect: ipw.Effect, SE: ipw.SE}

	se := math.Sqrt(dpw.SE*dpw.SE + ipw.SE*ipw.SE)
	if se == 0 {
		split.Reason = "zero combined standard error"
		return split, nil
	}
	split.Difference = dpw.Effect - ipw.Effect
	split.Z = split.Difference / se
	split.P = stats.TwoSidedP(split.Z)
	split.Inconsistent = split.P < alpha
	split.Status = StatusEstimable
	return split, nil
}

// notEstimable records a sub-fit failure that the input itself caused.
// Anything else is returned as an error.
func notEstimable(split Split, side string, err error) (Split, error) {
	if errors.Is(err, model.ErrValidation) || errors.Is(err, network.ErrNumericalSingularity) {
		split.Reason = fmt.Sprintf("%s evidence: %v", side, err)
		return split, nil
	}
	return split, err
}
