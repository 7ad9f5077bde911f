package engine

import (
	"fmt"
	"time"
)

// Behavior learning thresholds.
const (
	// learnMinSamples is the cold-start guard: below this many received
	// notifications the adjustment is always 0.
	learnMinSamples = 5

	// adviseMinSamples gates the advisory predicates (auto-silence/upgrade).
	adviseMinSamples = 10

	maxAdjustment = 20
)

// rates is the signal triple the learner works from.
type rates struct {
	open    float64
	dismiss float64
	ignore  float64
}

// CalculateAdjustment converts engagement rates into a bounded signed score.
// Per signal only the single highest threshold tier met applies (tiers of the
// same signal are not cumulative); signals sum and the result clamps to
// [-20, 20]. Returns exactly 0 while totalReceived < 5, for any rates.
func CalculateAdjustment(b AppBehavior) int {
	if b.TotalReceived < learnMinSamples {
		return 0
	}
	return adjustmentFromRates(rates{open: b.OpenRate, dismiss: b.DismissRate, ignore: b.IgnoreRate})
}

// CalculateContentAdjustment is the content-scoped analogue of
// CalculateAdjustment, with identical tiers.
func CalculateContentAdjustment(b ContentBehavior) int {
	if b.TotalReceived < learnMinSamples {
		return 0
	}
	return adjustmentFromRates(rates{open: b.OpenRate, dismiss: b.DismissRate, ignore: b.IgnoreRate})
}

func adjustmentFromRates(r rates) int {
	adj := 0

	switch {
	case r.open > 0.8:
		adj += 15
	case r.open > 0.6:
		adj += 10
	case r.open > 0.4:
		adj += 5
	}

	switch {
	case r.dismiss > 0.6:
		adj -= 12
	case r.dismiss > 0.4:
		adj -= 8
	}

	switch {
	case r.ignore > 0.7:
		adj -= 15
	case r.ignore > 0.5:
		adj -= 10
	case r.ignore > 0.3:
		adj -= 5
	}

	return clamp(adj, -maxAdjustment, maxAdjustment)
}

// RecalculateRates recomputes the rates from the raw counters and derives a
// fresh adjustment from them. It returns the updated state and does not
// persist; applying it twice with unchanged counters is a fixed point.
func RecalculateRates(b AppBehavior, now time.Time) AppBehavior {
	if b.TotalReceived == 0 {
		return b
	}

	total := float64(b.TotalReceived)
	b.OpenRate = float64(b.TotalOpened) / total
	b.DismissRate = float64(b.TotalDismissed) / total
	b.IgnoreRate = float64(b.TotalIgnored) / total
	b.Adjustment = CalculateAdjustment(b)
	b.UpdatedAt = now
	return b
}

// RecalculateContentRates is the content-scoped analogue of RecalculateRates.
func RecalculateContentRates(b ContentBehavior, now time.Time) ContentBehavior {
	if b.TotalReceived == 0 {
		return b
	}

	total := float64(b.TotalReceived)
	b.OpenRate = float64(b.TotalOpened) / total
	b.DismissRate = float64(b.TotalDismissed) / total
	b.IgnoreRate = float64(b.TotalIgnored) / total
	b.Score = CalculateContentAdjustment(b)
	b.UpdatedAt = now
	return b
}

// ShouldSuggestAutoSilence reports whether the user consistently ignores an
// app and a silence suggestion is warranted.
func ShouldSuggestAutoSilence(b AppBehavior) bool {
	if b.TotalReceived < adviseMinSamples {
		return false
	}
	return b.IgnoreRate > 0.8 && b.OpenRate < 0.1
}

// ShouldSuggestUpgrade reports whether engagement is high enough to suggest
// raising the app's priority.
func ShouldSuggestUpgrade(b AppBehavior) bool {
	if b.TotalReceived < adviseMinSamples {
		return false
	}
	return b.OpenRate > 0.7
}

// ExplainAdjustment returns a one-sentence, user-facing explanation of the
// current adjustment. Conditions are checked in priority order.
func ExplainAdjustment(b AppBehavior) string {
	if b.TotalReceived < learnMinSamples {
		return "Not enough data yet to learn your preferences"
	}

	switch {
	case b.OpenRate > 0.7:
		return fmt.Sprintf("You open these notifications frequently (%d%%)", int(b.OpenRate*100))
	case b.DismissRate > 0.6:
		return fmt.Sprintf("You quickly dismiss these notifications (%d%%)", int(b.DismissRate*100))
	case b.IgnoreRate > 0.7:
		return fmt.Sprintf("You rarely interact with these notifications (%d%% ignored)", int(b.IgnoreRate*100))
	case b.Adjustment > 0:
		return "You seem to find these notifications useful"
	case b.Adjustment < 0:
		return "You seem to find these notifications less important"
	default:
		return "Still learning your preferences for this app"
	}
}
