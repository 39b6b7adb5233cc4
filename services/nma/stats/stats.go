// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stats provides the distribution functions used for confidence
// intervals and hypothesis tests: the standard normal CDF and quantile, and
// the chi-squared survival function.
package stats

import "math"

const (
	// gammaEpsilon is the relative precision target of the incomplete gamma
	// evaluations.
	gammaEpsilon = 1e-14

	// gammaMaxIter bounds the series and continued-fraction loops.
	gammaMaxIter = 500

	// tiny guards the Lentz continued fraction against division by zero.
	tiny = 1e-300
)

// -----------------------------------------------------------------------------
// Normal Distribution
// -----------------------------------------------------------------------------

// NormalCDF returns Φ(x) for the standard normal distribution.
func NormalCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}

// NormalQuantile returns Φ⁻¹(p). It returns -Inf for p <= 0 and +Inf for
// p >= 1.
func NormalQuantile(p float64) float64 {
	if p <= 0 {
		return math.Inf(-1)
	}
	if p >= 1 {
		return math.Inf(1)
	}
	return math.Sqrt2 * math.Erfinv(2*p-1)
}

// CriticalValue returns the two-sided normal critical value z_{1-α/2}.
func CriticalValue(alpha float64) float64 {
	return NormalQuantile(1 - alpha/2)
}

// TwoSidedP returns 2·(1 − Φ(|z|)).
func TwoSidedP(z float64) float64 {
	if math.IsNaN(z) {
		return 1
	}
	return math.Erfc(math.Abs(z) / math.Sqrt2)
}

// -----------------------------------------------------------------------------
// Chi-squared Distribution
// -----------------------------------------------------------------------------

// ChiSquareSF returns P(X > x) for X ~ χ²(df).
//
// Description:
//
//	Evaluates the regularized upper incomplete gamma Q(df/2, x/2). A
//	non-positive statistic yields 1. A non-positive df has no distribution
//	and also yields 1, so a saturated model reports no evidence against it.
//
// Thread Safety: Safe for concurrent use.
func ChiSquareSF(x float64, df int) float64 {
	if df <= 0 || x <= 0 || math.IsNaN(x) {
		return 1
	}
	if math.IsInf(x, 1) {
		return 0
	}
	return RegularizedGammaQ(float64(df)/2, x/2)
}

// RegularizedGammaP returns the regularized lower incomplete gamma P(a, x).
func RegularizedGammaP(a, x float64) float64 {
	switch {
	case x <= 0:
		return 0
	case x < a+1:
		return gammaSeries(a, x)
	default:
		return 1 - gammaContinuedFraction(a, x)
	}
}

// RegularizedGammaQ returns the regularized upper incomplete gamma Q(a, x).
func RegularizedGammaQ(a, x float64) float64 {
	switch {
	case x <= 0:
		return 1
	case x < a+1:
		return 1 - gammaSeries(a, x)
	default:
		return gammaContinuedFraction(a, x)
	}
}

// gammaSeries evaluates P(a, x) by its power series; accurate for x < a+1.
func gammaSeries(a, x float64) float64 {
	lg, _ := math.Lgamma(a)
	ap := a
	sum := 1 / a
	del := sum
	for n := 0; n < gammaMaxIter; n++ {
		ap++
		del *= x / ap
		sum += del
		if math.Abs(del) < math.Abs(sum)*gammaEpsilon {
			break
		}
	}
	return sum * math.Exp(-x+a*math.Log(x)-lg)
}

// gammaContinuedFraction evaluates Q(a, x) by modified Lentz; accurate for
// x >= a+1.
func gammaContinuedFraction(a, x float64) float64 {
	lg, _ := math.Lgamma(a)
	b := x + 1 - a
	c := 1 / tiny
	d := 1 / b
	h := d
	for i := 1; i <= gammaMaxIter; i++ {
		an := -float64(i) * (float64(i) - a)
		b += 2
		d = an*d + b
		if math.Abs(d) < tiny {
			d = tiny
		}
		c = b + an/c
		if math.Abs(c) < tiny {
			c = tiny
		}
		d = 1 / d
		del := d * c
		h *= del
		if math.Abs(del-1) < gammaEpsilon {
			break
		}
	}
	return math.Exp(-x+a*math.Log(x)-lg) * h
}
