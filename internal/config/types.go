// Package config loads and validates the tier, threshold and timeout configuration.
//
// A Config is immutable once loaded: fields are unexported and every getter returns a
// copy, so one instance can be shared by all workers of a run.
package config

import (
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/sprite-ai/tiergate/internal/model"
)

// Conflict scorer names.
const (
	ScorerHunkOverlap = "hunk_overlap"
	ScorerMergeTree   = "merge_tree"
)

// Backup store kinds.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

// CriticalBucket is the priority bucket whose matches count as critical files.
const CriticalBucket = "critical"

// TierDef is one tier as written in the configuration document.
type TierDef struct {
	Name                 string   `koanf:"name"`
	MaxChangedFiles      int      `koanf:"max_changed_files"`
	MaxCriticalFiles     int      `koanf:"max_critical_files"`
	MaxConflictPotential int      `koanf:"max_conflict_potential"`
	RequiredChecks       []string `koanf:"required_checks"`
	Action               string   `koanf:"action"`
}

// SettingsDef holds the global settings block.
type SettingsDef struct {
	MaxParallelJobs  int           `koanf:"max_parallel_jobs"`
	CacheExpiry      time.Duration `koanf:"cache_expiry"`
	MaxBackups       int           `koanf:"max_backups"`
	LockTimeout      time.Duration `koanf:"lock_timeout"`
	RetryLimit       int           `koanf:"retry_limit"`
	RetryBackoffBase time.Duration `koanf:"retry_backoff_base"`
	RunDeadline      time.Duration `koanf:"run_deadline"`
	DeleteMerged     bool          `koanf:"delete_merged"`
}

// CheckDef declares an external command check.
type CheckDef struct {
	Command []string      `koanf:"command"`
	Timeout time.Duration `koanf:"timeout"`
	Dir     string        `koanf:"dir"`
}

// RepositoryDef describes where candidates come from.
type RepositoryDef struct {
	Path           string        `koanf:"path"`
	Remote         string        `koanf:"remote"`
	Base           string        `koanf:"base"`
	Include        []string      `koanf:"include"`
	Exclude        []string      `koanf:"exclude"`
	ConflictScorer string        `koanf:"conflict_scorer"`
	GitTimeout     time.Duration `koanf:"git_timeout"`
}

// BackupDef selects the backup and history store.
type BackupDef struct {
	Store string `koanf:"store"`
	Path  string `koanf:"path"`
}

// CacheDef sizes the metrics cache.
type CacheDef struct {
	Size int `koanf:"size"`
}

// Spec is the whole configuration document.
type Spec struct {
	Tiers            []TierDef           `koanf:"tiers"`
	Settings         SettingsDef         `koanf:"settings"`
	CriticalFiles    []string            `koanf:"critical_files"`
	PriorityPatterns map[string][]string `koanf:"priority_patterns"`
	Checks           map[string]CheckDef `koanf:"checks"`
	Repository       RepositoryDef       `koanf:"repository"`
	Backup           BackupDef           `koanf:"backup"`
	Cache            CacheDef            `koanf:"cache"`
}

// Tier is a validated tier definition.
type Tier struct {
	Tier                 model.RiskTier
	MaxChangedFiles      int
	MaxCriticalFiles     int
	MaxConflictPotential int
	RequiredChecks       []string
	Action               model.Action
}

// Settings are the validated global settings.
type Settings struct {
	MaxParallelJobs  int
	CacheExpiry      time.Duration
	MaxBackups       int
	LockTimeout      time.Duration
	RetryLimit       int
	RetryBackoffBase time.Duration
	RunDeadline      time.Duration
	DeleteMerged     bool
}

// CommandCheck is a validated external check.
type CommandCheck struct {
	Name    string
	Command []string
	Timeout time.Duration
	Dir     string
}

// Repository is the validated repository block.
type Repository struct {
	Path           string
	Remote         string
	Base           string
	Include        []string
	Exclude        []string
	ConflictScorer string
	GitTimeout     time.Duration
}

// Backup is the validated backup block.
type Backup struct {
	Store string
	Path  string
}

// Config is the immutable, validated configuration.
type Config struct {
	tiers     []Tier
	settings  Settings
	critical  []string
	priority  map[string][]string
	checks    map[string]CommandCheck
	repo      Repository
	backup    Backup
	cacheSize int
	source    string
}

// Tiers returns the configured tiers, most permissive first.
func (c *Config) Tiers() []Tier {
	out := make([]Tier, len(c.tiers))
	for i, t := range c.tiers {
		t.RequiredChecks = slices.Clone(t.RequiredChecks)
		out[i] = t
	}
	return out
}

// Tier returns the definition for t, if configured.
func (c *Config) Tier(t model.RiskTier) (Tier, bool) {
	for _, def := range c.tiers {
		if def.Tier == t {
			def.RequiredChecks = slices.Clone(def.RequiredChecks)
			return def, true
		}
	}
	return Tier{}, false
}

// Settings returns the global settings.
func (c *Config) Settings() Settings { return c.settings }

// CriticalFiles returns the critical path patterns.
func (c *Config) CriticalFiles() []string { return slices.Clone(c.critical) }

// PriorityPatterns returns the glob buckets keyed by bucket name.
func (c *Config) PriorityPatterns() map[string][]string {
	out := make(map[string][]string, len(c.priority))
	for k, v := range c.priority {
		out[k] = slices.Clone(v)
	}
	return out
}

// CommandChecks returns the external checks sorted by name.
func (c *Config) CommandChecks() []CommandCheck {
	names := slices.Sorted(maps.Keys(c.checks))
	out := make([]CommandCheck, 0, len(names))
	for _, n := range names {
		cc := c.checks[n]
		cc.Command = slices.Clone(cc.Command)
		out = append(out, cc)
	}
	return out
}

// Repository returns the repository block.
func (c *Config) Repository() Repository {
	r := c.repo
	r.Include = slices.Clone(r.Include)
	r.Exclude = slices.Clone(r.Exclude)
	return r
}

// Backup returns the backup block.
func (c *Config) Backup() Backup { return c.backup }

// CacheSize is the metrics cache capacity.
func (c *Config) CacheSize() int { return c.cacheSize }

// Source is the config file the values were read from, if any.
func (c *Config) Source() string { return c.source }

// CheckNames returns every check referenced by any tier, sorted.
func (c *Config) CheckNames() []string {
	seen := make(map[string]bool)
	for _, t := range c.tiers {
		for _, n := range t.RequiredChecks {
			seen[n] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
