// Package gate runs a tier's required checks and escalates candidates that fail them.
package gate

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/sprite-ai/tiergate/internal/checks"
	"github.com/sprite-ai/tiergate/internal/classify"
	"github.com/sprite-ai/tiergate/internal/config"
	"github.com/sprite-ai/tiergate/internal/model"
)

// ReasonExhausted is recorded when no eligible tier's checks pass.
const ReasonExhausted = "validation failed at all eligible tiers"

// ReasonUnclassifiable is recorded when the metrics fit no configured tier.
const ReasonUnclassifiable = "metrics exceed every configured tier"

// Runner executes one check by name. *checks.Registry implements it.
type Runner interface {
	Run(ctx context.Context, name string, in checks.Input) model.CheckResult
}

// Decision is the gate's verdict for one candidate.
type Decision struct {
	Initial  model.RiskTier
	Tier     model.RiskTier
	Outcomes []model.ValidationOutcome
	Reason   string
	// Err is set when ctx ended before a tier passed.
	Err error
}

// Escalated reports whether the final tier differs from the initial one.
func (d Decision) Escalated() bool { return d.Tier != d.Initial }

// Gate validates candidates against the configured tiers. It is safe for concurrent use.
type Gate struct {
	tiers  []config.Tier
	runner Runner
	limit  int
	logger *slog.Logger

	// OnEscalate, when set, is called each time a candidate moves to a stricter tier.
	OnEscalate func(from, to model.RiskTier)
}

// New creates a gate. limit bounds how many checks run at once per candidate.
func New(tiers []config.Tier, runner Runner, limit int, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if limit < 1 {
		limit = 1
	}
	return &Gate{tiers: tiers, runner: runner, limit: limit, logger: logger.With("component", "gate")}
}

// Validate runs every check the tier requires and reports whether all passed. Results keep
// the configured check order. A tier that is not configured never passes.
func (g *Gate) Validate(ctx context.Context, tier model.RiskTier, in checks.Input) model.ValidationOutcome {
	out := model.ValidationOutcome{Tier: tier}

	var def *config.Tier
	for i := range g.tiers {
		if g.tiers[i].Tier == tier {
			def = &g.tiers[i]
			break
		}
	}
	if def == nil {
		return out
	}

	in.Tier = tier
	out.Results = make([]model.CheckResult, len(def.RequiredChecks))

	var eg errgroup.Group
	eg.SetLimit(g.limit)
	for i, name := range def.RequiredChecks {
		eg.Go(func() error {
			out.Results[i] = g.runner.Run(ctx, name, in)
			return nil
		})
	}
	_ = eg.Wait()

	out.AllPassed = len(out.Results) > 0
	for _, r := range out.Results {
		if !r.Passed {
			out.AllPassed = false
		}
	}
	return out
}

// Evaluate validates at tier and, on failure, re-validates at each stricter configured tier
// until one passes. A REJECTED tier is returned as is without running any check.
func (g *Gate) Evaluate(ctx context.Context, tier model.RiskTier, in checks.Input) Decision {
	d := Decision{Initial: tier, Tier: model.TierRejected}
	if tier == model.TierRejected {
		d.Reason = ReasonUnclassifiable
		return d
	}

	current := tier
	for round := 0; round < len(g.tiers); round++ {
		out := g.Validate(ctx, current, in)
		d.Outcomes = append(d.Outcomes, out)
		if out.AllPassed {
			d.Tier = current
			return d
		}
		if err := ctx.Err(); err != nil {
			d.Err = err
			d.Reason = "validation interrupted"
			return d
		}

		next, ok := classify.Stricter(current, g.tiers)
		if !ok {
			break
		}
		g.logger.Info("escalating candidate",
			"candidate", in.Candidate.ID, "from", current.String(), "to", next.String(), "failed", out.Failed())
		if g.OnEscalate != nil {
			g.OnEscalate(current, next)
		}
		current = next
	}

	d.Reason = ReasonExhausted
	return d
}
