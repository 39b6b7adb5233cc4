// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ranking produces treatment rankings from a study-level bootstrap.
//
// # Resampling
//
// Every iteration draws N studies with replacement from the N input studies
// and re-estimates the network at a fixed τ². Iteration i draws from its own
// PCG stream seeded with (Seed, i), so the distribution depends only on the
// seed and never on how iterations are spread over workers.
//
// A resample that loses a treatment or disconnects the network is redrawn
// from the same stream, up to MaxRetries times. An iteration that exhausts
// its retries is dropped and reported in the warnings.
//
// # Summaries
//
//   - Rank probabilities: P(treatment t has rank r).
//   - SUCRA: mean cumulative rank probability over ranks 1..T−1.
//   - Mean rank.
//   - P-scores: the analytic counterpart of SUCRA computed from a single
//     network estimate.
package ranking

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"

	"github.com/AleutianAI/AleutianNMA/services/nma/batch"
	"github.com/AleutianAI/AleutianNMA/services/nma/model"
	"github.com/AleutianAI/AleutianNMA/services/nma/network"
	"github.com/AleutianAI/AleutianNMA/services/nma/stats"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNoIterations indicates a non-positive iteration count.
	ErrNoIterations = errors.New("ranking requires at least one iteration")

	// ErrNoValidResamples indicates every iteration exhausted its retries.
	ErrNoValidResamples = errors.New("no bootstrap resample produced an estimable network")
)

// -----------------------------------------------------------------------------
// Options & Results
// -----------------------------------------------------------------------------

// Options configures the bootstrap.
type Options struct {
	// Iterations is the number of bootstrap replicates.
	Iterations int

	// Seed selects the random streams.
	Seed uint64

	// SmallerIsBetter ranks the lowest effect first.
	SmallerIsBetter bool

	// MaxRetries bounds redraws per iteration. Default: 100.
	MaxRetries int

	// Workers is the batch parallelism. Values <= 1 run inline.
	Workers int

	// Network is used for every re-estimation.
	Network network.Options
}

// Distribution is the bootstrap ranking summary.
type Distribution struct {
	Treatments []string `json:"treatments"`
	Seed       uint64   `json:"seed"`

	// Requested, Completed and Failed count iterations. Completed + Failed
	// equals Requested.
	Requested int `json:"requested"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`

	// Retries counts redraws across all completed and failed iterations.
	Retries int `json:"retries"`

	// Unconverged counts completed iterations whose fit hit the SVD sweep cap.
	Unconverged int `json:"unconverged,omitempty"`

	// Counts is T × T row-major: Counts[t*T + r] is how often treatment t
	// took rank r+1.
	Counts []int `json:"counts"`

	// Probabilities is Counts normalized by Completed. Each row sums to 1.
	Probabilities []float64 `json:"probabilities"`

	SUCRA    []float64       `json:"sucra"`
	MeanRank []float64       `json:"mean_rank"`
	Warnings []model.Warning `json:"warnings,omitempty"`
}

// Probability returns P(treatment t has rank r), r starting at 1.
func (d *Distribution) Probability(t, r int) float64 {
	return d.Probabilities[t*len(d.Treatments)+r-1]
}

// tally is the per-worker accumulator.
type tally struct {
	counts    []int
	completed int
	failed    int
	retries   int
	unstable  int
}

func (t *tally) merge(src *tally) {
	for i, c := range src.counts {
		t.counts[i] += c
	}
	t.completed += src.completed
	t.failed += src.failed
	t.retries += src.retries
	t.unstable += src.unstable
}

// -----------------------------------------------------------------------------
// Bootstrap
// -----------------------------------------------------------------------------

// Bootstrap resamples studies and ranks treatments.
//
// Description:
//
//	Runs opts.Iterations replicates through package batch. Each replicate
//	resamples studies, re-estimates at tau2 and ranks the treatment effects
//	against the reference. Study labels of repeated draws are suffixed so
//	they stay distinct studies in the resample.
//
// Inputs:
//   - ctx: Cancels the batch between iterations.
//   - contrasts: Validated contrasts.
//   - set: Treatment set.
//   - tau2: Fixed heterogeneity.
//   - opts: Bootstrap options.
//
// Outputs:
//   - *Distribution: The summary.
//   - error: ErrNoIterations, ErrNoValidResamples, batch.ErrCancelled, or an
//     unexpected estimation failure.
//
// Thread Safety: Safe for concurrent use.
func Bootstrap(ctx context.Context, contrasts []model.Contrast, set *model.TreatmentSet, tau2 float64, opts Options) (*Distribution, error) {
	if opts.Iterations <= 0 {
		return nil, ErrNoIterations
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 100
	}
	if err := model.Validate(contrasts, set); err != nil {
		return nil, err
	}

	studies := model.GroupStudies(contrasts)
	n := set.Len()

	total, err := batch.Run(ctx, opts.Iterations, opts.Workers,
		func() *tally { return &tally{counts: make([]int, n*n)} },
		func(_ context.Context, i int, acc *tally) error {
			return replicate(contrasts, studies, set, tau2, opts, i, acc)
		},
		func(dst, src *tally) { dst.merge(src) },
	)
	if err != nil {
		return nil, err
	}
	if total.completed == 0 {
		return nil, fmt.Errorf("%w: %d iterations exhausted %d retries each", ErrNoValidResamples, total.failed, opts.MaxRetries)
	}

	d := summarize(set.Labels(), total)
	d.Seed = opts.Seed
	d.Requested = opts.Iterations
	if total.failed > 0 {
		d.Warnings = append(d.Warnings, model.Warning{
			Code:      model.WarnResampleExhausted,
			Component: "ranking",
			Message: fmt.Sprintf("%d of %d iterations dropped after %d redraws",
				total.failed, opts.Iterations, opts.MaxRetries),
		})
	}
	if total.unstable > 0 {
		d.Warnings = append(d.Warnings, model.Warning{
			Code:      model.WarnNotConverged,
			Component: "ranking",
			Message: fmt.Sprintf("singular value decomposition did not converge in %d of %d resampled fits",
				total.unstable, total.completed),
		})
	}
	return d, nil
}

// replicate runs iteration i into acc.
func replicate(contrasts []model.Contrast, studies []model.Study, set *model.TreatmentSet, tau2 float64, opts Options, i int, acc *tally) error {
	rng := rand.New(rand.NewPCG(opts.Seed, uint64(i)))
	for attempt := 0; attempt <= opts.MaxRetries; attempt++ {
		if attempt > 0 {
			acc.retries++
		}
		sample := resample(contrasts, studies, drawStudies(rng, len(studies)))
		if !model.Connected(sample, set) || !covers(sample, set) {
			continue
		}
		res, err := network.Estimate(sample, set, tau2, opts.Network)
		if err != nil {
			if errors.Is(err, model.ErrValidation) || errors.Is(err, network.ErrNumericalSingularity) {
				continue
			}
			return fmt.Errorf("bootstrap iteration %d: %w", i, err)
		}
		if !res.Diagnostics.Converged {
			acc.unstable++
		}
		rankInto(acc.counts, res.Effects, opts.SmallerIsBetter)
		acc.completed++
		return nil
	}
	acc.failed++
	return nil
}

// drawStudies picks n study positions with replacement.
func drawStudies(rng *rand.Rand, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = rng.IntN(n)
	}
	return out
}

// resample concatenates the drawn studies. Repeated draws of one study get
// the suffix "#k" so each copy is its own study.
func resample(contrasts []model.Contrast, studies []model.Study, draws []int) []model.Contrast {
	seen := make(map[int]int, len(draws))
	var out []model.Contrast
	for _, k := range draws {
		seen[k]++
		st := studies[k]
		id := st.ID
		if n := seen[k]; n > 1 {
			id = fmt.Sprintf("%s#%d", st.ID, n)
		}
		for _, r := range st.Rows {
			c := contrasts[r]
			c.StudyID = id
			out = append(out, c)
		}
	}
	return out
}

// covers reports whether every treatment appears in the sample.
func covers(sample []model.Contrast, set *model.TreatmentSet) bool {
	seen := make([]bool, set.Len())
	left := set.Len()
	for _, c := range sample {
		for _, t := range []string{c.TreatmentA, c.TreatmentB} {
			if i, ok := set.Index(t); ok && !seen[i] {
				seen[i] = true
				left--
			}
		}
	}
	return left == 0
}

// rankInto assigns ranks by effect and increments counts. Ties keep
// treatment order.
func rankInto(counts []int, effects []float64, smallerIsBetter bool) {
	n := len(effects)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		if smallerIsBetter {
			return effects[order[a]] < effects[order[b]]
		}
		return effects[order[a]] > effects[order[b]]
	})
	for r, t := range order {
		counts[t*n+r]++
	}
}

func summarize(labels []string, total *tally) *Distribution {
	n := len(labels)
	d := &Distribution{
		Treatments:    labels,
		Completed:     total.completed,
		Failed:        total.failed,
		Retries:       total.retries,
		Unconverged:   total.unstable,
		Counts:        total.counts,
		Probabilities: make([]float64, n*n),
		SUCRA:         make([]float64, n),
		MeanRank:      make([]float64, n),
	}
	for t := 0; t < n; t++ {
		cum := 0.0
		for r := 0; r < n; r++ {
			p := float64(total.counts[t*n+r]) / float64(total.completed)
			d.Probabilities[t*n+r] = p
			d.MeanRank[t] += float64(r+1) * p
			if r < n-1 {
				cum += p
				d.SUCRA[t] += cum
			}
		}
		if n > 1 {
			d.SUCRA[t] /= float64(n - 1)
		} else {
			d.SUCRA[t] = 1
		}
	}
	return d
}

// -----------------------------------------------------------------------------
// P-scores
// -----------------------------------------------------------------------------

// PScores returns the frequentist analogue of SUCRA from one estimate.
//
// P_t = (1/(T−1)) Σ_{u≠t} P(t beats u), with P(t beats u) = Φ(d/se) where d
// is the effect difference oriented so that positive favors t. A zero
// standard error counts as a coin flip.
func PScores(res *network.Result, smallerIsBetter bool) []float64 {
	n := len(res.Treatments)
	out := make([]float64, n)
	if n < 2 {
		for i := range out {
			out[i] = 1
		}
		return out
	}
	for t := 0; t < n; t++ {
		var sum float64
		for u := 0; u < n; u++ {
			if u == t {
				continue
			}
			pw := res.At(u, t)
			d := pw.Effect
			if smallerIsBetter {
				d = -d
			}
			if pw.SE > 0 {
				sum += stats.NormalCDF(d / pw.SE)
			} else {
				sum += 0.5
			}
		}
		out[t] = sum / float64(n-1)
	}
	return out
}
