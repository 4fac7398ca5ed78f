// Package classify maps change metrics onto a risk tier.
package classify

import (
	"github.com/sprite-ai/tiergate/internal/config"
	"github.com/sprite-ai/tiergate/internal/model"
)

// Classify returns the first tier, most permissive first, whose thresholds all hold for m.
// When none does the change is REJECTED.
func Classify(m model.ChangeMetrics, tiers []config.Tier) model.RiskTier {
	for _, t := range tiers {
		if Fits(m, t) {
			return t.Tier
		}
	}
	return model.TierRejected
}

// Fits reports whether every metric is within the tier's inclusive thresholds.
func Fits(m model.ChangeMetrics, t config.Tier) bool {
	return m.ChangedFileCount <= t.MaxChangedFiles &&
		m.CriticalFilesTouched <= t.MaxCriticalFiles &&
		m.ConflictPotential <= t.MaxConflictPotential
}

// Stricter returns the next configured tier after current. ok is false when current is
// the strictest configured tier, REJECTED, or not configured at all.
func Stricter(current model.RiskTier, tiers []config.Tier) (next model.RiskTier, ok bool) {
	for i, t := range tiers {
		if t.Tier == current {
			if i+1 < len(tiers) {
				return tiers[i+1].Tier, true
			}
			return model.TierRejected, false
		}
	}
	return model.TierRejected, false
}
