package classify

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sprite-ai/tiergate/internal/config"
	"github.com/sprite-ai/tiergate/internal/model"
)

func tiers() []config.Tier {
	return []config.Tier{
		{Tier: model.TierAutoMerge, MaxChangedFiles: 5, MaxCriticalFiles: 0, MaxConflictPotential: 0},
		{Tier: model.TierGuidedMerge, MaxChangedFiles: 20, MaxCriticalFiles: 2, MaxConflictPotential: 3},
		{Tier: model.TierManualMerge, MaxChangedFiles: 100, MaxCriticalFiles: 10, MaxConflictPotential: 10},
	}
}

func metrics(files, critical, conflicts int) model.ChangeMetrics {
	return model.ChangeMetrics{ChangedFileCount: files, CriticalFilesTouched: critical, ConflictPotential: conflicts}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		m    model.ChangeMetrics
		want model.RiskTier
	}{
		{"empty change", metrics(0, 0, 0), model.TierAutoMerge},
		{"small clean change", metrics(3, 0, 0), model.TierAutoMerge},
		{"thresholds are inclusive", metrics(5, 0, 0), model.TierAutoMerge},
		{"one critical file", metrics(3, 1, 0), model.TierGuidedMerge},
		{"conflicts push to guided", metrics(2, 0, 3), model.TierGuidedMerge},
		{"large change", metrics(50, 0, 0), model.TierManualMerge},
		{"beyond every tier", metrics(500, 0, 0), model.TierRejected},
		{"too many conflicts", metrics(1, 0, 11), model.TierRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.m, tiers()))
		})
	}
}

func TestClassifyNoTiers(t *testing.T) {
	assert.Equal(t, model.TierRejected, Classify(metrics(0, 0, 0), nil))
}

func TestClassifyMostPermissiveTieBreak(t *testing.T) {
	same := []config.Tier{
		{Tier: model.TierAutoMerge, MaxChangedFiles: 10},
		{Tier: model.TierGuidedMerge, MaxChangedFiles: 10},
	}
	assert.Equal(t, model.TierAutoMerge, Classify(metrics(10, 0, 0), same))
}

func TestClassifyMonotonic(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	ts := tiers()
	for i := 0; i < 2000; i++ {
		a := metrics(r.Intn(120), r.Intn(12), r.Intn(12))
		b := metrics(a.ChangedFileCount+r.Intn(10), a.CriticalFilesTouched+r.Intn(3), a.ConflictPotential+r.Intn(3))
		assert.True(t, b.Dominates(a))
		assert.GreaterOrEqual(t, Classify(b, ts), Classify(a, ts), "a=%v b=%v", a, b)
	}
}

func TestStricter(t *testing.T) {
	ts := tiers()

	next, ok := Stricter(model.TierAutoMerge, ts)
	assert.True(t, ok)
	assert.Equal(t, model.TierGuidedMerge, next)

	next, ok = Stricter(model.TierGuidedMerge, ts)
	assert.True(t, ok)
	assert.Equal(t, model.TierManualMerge, next)

	_, ok = Stricter(model.TierManualMerge, ts)
	assert.False(t, ok)

	_, ok = Stricter(model.TierRejected, ts)
	assert.False(t, ok)

	sparse := []config.Tier{{Tier: model.TierAutoMerge}, {Tier: model.TierManualMerge}}
	next, ok = Stricter(model.TierAutoMerge, sparse)
	assert.True(t, ok)
	assert.Equal(t, model.TierManualMerge, next, "skips unconfigured tiers")
}
