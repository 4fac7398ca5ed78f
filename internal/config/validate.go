package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/sprite-ai/tiergate/internal/model"
)

// FromSpec validates spec and freezes it into a Config. known lists the built-in check
// names; command checks declared in spec.Checks are known as well.
func FromSpec(spec Spec, known []string) (*Config, error) {
	v := &validator{}

	cfg := &Config{
		critical:  slices.Clone(spec.CriticalFiles),
		priority:  make(map[string][]string, len(spec.PriorityPatterns)),
		checks:    make(map[string]CommandCheck, len(spec.Checks)),
		cacheSize: spec.Cache.Size,
	}

	for name, def := range spec.Checks {
		field := "checks." + name
		switch {
		case slices.Contains(known, name):
			v.add(field, fmt.Errorf("shadows built-in check %q", name))
		case len(def.Command) == 0 || strings.TrimSpace(def.Command[0]) == "":
			v.add(field+".command", errors.New("must not be empty"))
		case def.Timeout < 0:
			v.add(field+".timeout", errors.New("must not be negative"))
		}
		cfg.checks[name] = CommandCheck{
			Name:    name,
			Command: slices.Clone(def.Command),
			Timeout: def.Timeout,
			Dir:     def.Dir,
		}
	}

	isKnown := func(name string) bool {
		if slices.Contains(known, name) {
			return true
		}
		_, ok := cfg.checks[name]
		return ok
	}

	cfg.tiers = v.tiers(spec.Tiers, isKnown)
	cfg.settings = v.settings(spec.Settings)

	for i, p := range spec.CriticalFiles {
		if !doublestar.ValidatePattern(p) {
			v.add(fmt.Sprintf("critical_files[%d]", i), fmt.Errorf("invalid pattern %q", p))
		}
	}
	for bucket, patterns := range spec.PriorityPatterns {
		for i, p := range patterns {
			if !doublestar.ValidatePattern(p) {
				v.add(fmt.Sprintf("priority_patterns.%s[%d]", bucket, i), fmt.Errorf("invalid pattern %q", p))
			}
		}
		cfg.priority[bucket] = slices.Clone(patterns)
	}

	r := spec.Repository
	switch r.ConflictScorer {
	case "", ScorerHunkOverlap:
		r.ConflictScorer = ScorerHunkOverlap
	case ScorerMergeTree:
	default:
		v.add("repository.conflict_scorer", fmt.Errorf("unknown scorer %q", r.ConflictScorer))
	}
	if r.GitTimeout < 0 {
		v.add("repository.git_timeout", errors.New("must not be negative"))
	}
	if r.Path == "" {
		r.Path = "."
	}
	for i, p := range r.Include {
		if !doublestar.ValidatePattern(p) {
			v.add(fmt.Sprintf("repository.include[%d]", i), fmt.Errorf("invalid pattern %q", p))
		}
	}
	for i, p := range r.Exclude {
		if !doublestar.ValidatePattern(p) {
			v.add(fmt.Sprintf("repository.exclude[%d]", i), fmt.Errorf("invalid pattern %q", p))
		}
	}
	cfg.repo = Repository{
		Path:           r.Path,
		Remote:         r.Remote,
		Base:           r.Base,
		Include:        slices.Clone(r.Include),
		Exclude:        slices.Clone(r.Exclude),
		ConflictScorer: r.ConflictScorer,
		GitTimeout:     r.GitTimeout,
	}
	if cfg.repo.Remote == "" {
		cfg.repo.Remote = "origin"
	}
	if cfg.repo.Base == "" {
		cfg.repo.Base = "main"
	}

	switch spec.Backup.Store {
	case "", StoreMemory:
		cfg.backup = Backup{Store: StoreMemory, Path: spec.Backup.Path}
	case StoreSQLite:
		if spec.Backup.Path == "" {
			v.add("backup.path", errors.New("required for sqlite store"))
		}
		cfg.backup = Backup{Store: StoreSQLite, Path: spec.Backup.Path}
	default:
		v.add("backup.store", fmt.Errorf("unknown store %q", spec.Backup.Store))
	}

	if cfg.cacheSize == 0 {
		cfg.cacheSize = 1024
	} else if cfg.cacheSize < 0 {
		v.add("cache.size", errors.New("must be positive"))
	}

	if err := v.err(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type validator struct {
	errs []error
}

func (v *validator) add(field string, err error) {
	v.errs = append(v.errs, &model.ConfigError{Field: field, Err: err})
}

func (v *validator) err() error {
	switch len(v.errs) {
	case 0:
		return nil
	case 1:
		return v.errs[0]
	default:
		return &model.ConfigError{Err: errors.Join(v.errs...)}
	}
}

func (v *validator) nonNegative(field string, n int) {
	if n < 0 {
		v.add(field, fmt.Errorf("must not be negative, got %d", n))
	}
}

func (v *validator) nonNegativeDuration(field string, d time.Duration) {
	if d < 0 {
		v.add(field, fmt.Errorf("must not be negative, got %v", d))
	}
}

func (v *validator) tiers(defs []TierDef, known func(string) bool) []Tier {
	if len(defs) == 0 {
		v.add("tiers", errors.New("at least one tier is required"))
		return nil
	}

	out := make([]Tier, 0, len(defs))
	var prev *Tier
	for i, def := range defs {
		field := fmt.Sprintf("tiers[%d]", i)

		tier, err := model.ParseRiskTier(def.Name)
		if err != nil {
			v.add(field+".name", err)
			continue
		}
		if tier == model.TierRejected {
			v.add(field+".name", errors.New("rejected is implicit and cannot be configured"))
			continue
		}
		if prev != nil && tier <= prev.Tier {
			v.add(field+".name", fmt.Errorf("%s must come after %s", tier, prev.Tier))
		}

		v.nonNegative(field+".max_changed_files", def.MaxChangedFiles)
		v.nonNegative(field+".max_critical_files", def.MaxCriticalFiles)
		v.nonNegative(field+".max_conflict_potential", def.MaxConflictPotential)

		if prev != nil {
			if def.MaxChangedFiles < prev.MaxChangedFiles ||
				def.MaxCriticalFiles < prev.MaxCriticalFiles ||
				def.MaxConflictPotential < prev.MaxConflictPotential {
				v.add(field, fmt.Errorf("thresholds must not decrease relative to %s", prev.Tier))
			}
		}

		if len(def.RequiredChecks) == 0 {
			v.add(field+".required_checks", errors.New("must not be empty"))
		}
		seen := make(map[string]bool, len(def.RequiredChecks))
		for _, name := range def.RequiredChecks {
			if seen[name] {
				v.add(field+".required_checks", fmt.Errorf("duplicate check %q", name))
			}
			seen[name] = true
			if !known(name) {
				v.add(field+".required_checks", fmt.Errorf("unknown check %q", name))
			}
		}

		action, err := model.ParseAction(def.Action)
		if err != nil {
			v.add(field+".action", err)
		}
		if def.Action == "" && tier == model.TierAutoMerge {
			action = model.ActionMerge
		}

		t := Tier{
			Tier:                 tier,
			MaxChangedFiles:      def.MaxChangedFiles,
			MaxCriticalFiles:     def.MaxCriticalFiles,
			MaxConflictPotential: def.MaxConflictPotential,
			RequiredChecks:       slices.Clone(def.RequiredChecks),
			Action:               action,
		}
		out = append(out, t)
		prev = &out[len(out)-1]
	}
	return out
}

func (v *validator) settings(s SettingsDef) Settings {
	if s.MaxParallelJobs < 1 {
		v.add("settings.max_parallel_jobs", fmt.Errorf("must be at least 1, got %d", s.MaxParallelJobs))
	}
	if s.MaxBackups < 1 {
		v.add("settings.max_backups", fmt.Errorf("must be at least 1, got %d", s.MaxBackups))
	}
	v.nonNegative("settings.retry_limit", s.RetryLimit)
	v.nonNegativeDuration("settings.cache_expiry", s.CacheExpiry)
	v.nonNegativeDuration("settings.lock_timeout", s.LockTimeout)
	v.nonNegativeDuration("settings.retry_backoff_base", s.RetryBackoffBase)
	v.nonNegativeDuration("settings.run_deadline", s.RunDeadline)

	return Settings{
		MaxParallelJobs:  s.MaxParallelJobs,
		CacheExpiry:      s.CacheExpiry,
		MaxBackups:       s.MaxBackups,
		LockTimeout:      s.LockTimeout,
		RetryLimit:       s.RetryLimit,
		RetryBackoffBase: s.RetryBackoffBase,
		RunDeadline:      s.RunDeadline,
		DeleteMerged:     s.DeleteMerged,
	}
}
