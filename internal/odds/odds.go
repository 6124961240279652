// Package odds converts prediction-market prices into the odds formats
// shown to bettors: implied probability, American (moneyline) odds, and
// European (decimal) odds.
package odds

import "math"

// epsilon bounds the probability away from 0 and 1 before any division.
// Feed prices of exactly 0 or 1 would otherwise produce ±Inf odds.
const epsilon = 0.0001

// Implied derives the mid-price metrics from the best bid and ask of a
// binary-outcome book. A missing bid is treated as 0 and a missing ask
// as 1, so the mid stays defined on [0,1] for one-sided books; callers
// pass those boundary values when a side is empty.
func Implied(bestBid, bestAsk float64) (mid, spread, probabilityPct float64) {
	mid = (bestBid + bestAsk) / 2
	spread = bestAsk - bestBid
	probabilityPct = mid * 100
	return mid, spread, probabilityPct
}

// American converts an implied probability percentage into signed
// moneyline odds: negative for favorites (>50%), positive for underdogs.
func American(probabilityPct float64) int {
	p := clamp(probabilityPct / 100)
	if p > 0.5 {
		return int(math.Round(-(p / (1 - p)) * 100))
	}
	return int(math.Round(((1 - p) / p) * 100))
}

// European converts an implied probability percentage into decimal odds
// (payout multiplier), rounded to 2 decimal places.
func European(probabilityPct float64) float64 {
	p := clamp(probabilityPct / 100)
	return math.Round((1/p)*100) / 100
}

func clamp(p float64) float64 {
	if p < epsilon {
		return epsilon
	}
	if p > 1-epsilon {
		return 1 - epsilon
	}
	return p
}
