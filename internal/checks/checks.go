// Package checks implements the validation checks a tier can require: built-in passes over
// the candidate's diff and metrics, and external commands declared in configuration.
package checks

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sprite-ai/tiergate/internal/config"
	"github.com/sprite-ai/tiergate/internal/diff"
	"github.com/sprite-ai/tiergate/internal/model"
)

// Input is everything a check may inspect. Checks must treat it as read-only.
type Input struct {
	Candidate model.Candidate
	Tier      model.RiskTier
	Metrics   model.ChangeMetrics
	Diff      *diff.DiffSet
	RepoDir   string
}

// Finding is a single problem a check found, attached to a file and line.
type Finding struct {
	Check   string
	File    string
	Line    int // new-side line, 0 if file-level
	Message string
}

func (f Finding) String() string {
	loc := f.File
	if f.Line > 0 {
		loc = fmt.Sprintf("%s:%d", f.File, f.Line)
	}
	if loc == "" {
		return f.Message
	}
	return fmt.Sprintf("%s: %s", loc, f.Message)
}

// Check is one named validation.
type Check interface {
	Name() string
	Run(ctx context.Context, in Input) (passed bool, detail string, err error)
}

// Pass is a diff check that passes when it finds nothing.
type Pass struct {
	name string
	fn   func(in Input) []Finding
}

// NewPass wraps fn as a Check.
func NewPass(name string, fn func(in Input) []Finding) Pass {
	return Pass{name: name, fn: fn}
}

func (p Pass) Name() string { return p.name }

func (p Pass) Run(_ context.Context, in Input) (bool, string, error) {
	if in.Diff == nil {
		in.Diff = &diff.DiffSet{}
	}
	findings := p.fn(in)
	return len(findings) == 0, summarize(findings), nil
}

// maxDetailFindings caps how many findings are spelled out in a result detail.
const maxDetailFindings = 5

func summarize(findings []Finding) string {
	if len(findings) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d finding(s)", len(findings))
	for i, f := range findings {
		if i == maxDetailFindings {
			fmt.Fprintf(&b, "; and %d more", len(findings)-maxDetailFindings)
			break
		}
		b.WriteString("; ")
		b.WriteString(f.String())
	}
	return b.String()
}

// Builtins returns the built-in checks.
func Builtins() []Check {
	return []Check{
		NewPass("conflicts", ConflictPass),
		NewPass("critical_review", CriticalReviewPass),
		NewPass("secrets", SecretsPass),
		NewPass("dependencies", DependencyPass),
		NewPass("schema", SchemaPass),
		NewPass("markers", MarkerPass),
	}
}

// BuiltinNames lists the names of Builtins, sorted.
func BuiltinNames() []string {
	var names []string
	for _, c := range Builtins() {
		names = append(names, c.Name())
	}
	sort.Strings(names)
	return names
}

// Registry resolves check names. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	checks map[string]Check
	logger *slog.Logger
}

// NewRegistry creates a registry holding checks.
func NewRegistry(logger *slog.Logger, checks ...Check) (*Registry, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := &Registry{checks: make(map[string]Check), logger: logger.With("component", "checks")}
	for _, c := range checks {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Default builds the registry for cfg: the built-ins plus its command checks.
func Default(cfg *config.Config, logger *slog.Logger) (*Registry, error) {
	all := Builtins()
	for _, cc := range cfg.CommandChecks() {
		all = append(all, NewCommand(cc))
	}
	return NewRegistry(logger, all...)
}

// Register adds c. Names must be unique.
func (r *Registry) Register(c Check) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checks[c.Name()]; ok {
		return fmt.Errorf("check %q already registered", c.Name())
	}
	r.checks[c.Name()] = c
	return nil
}

// Names returns every registered name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.checks))
	for n := range r.checks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Run executes the named check and never panics: unknown names, errors and panics all
// produce a failed result.
func (r *Registry) Run(ctx context.Context, name string, in Input) (res model.CheckResult) {
	start := time.Now()
	res.Name = name
	defer func() {
		if p := recover(); p != nil {
			res.Passed = false
			res.Detail = fmt.Sprintf("check panicked: %v", p)
			r.logger.Error("check panicked", "check", name, "candidate", in.Candidate.ID, "panic", p)
		}
		res.Duration = time.Since(start)
	}()

	r.mu.RLock()
	c, ok := r.checks[name]
	r.mu.RUnlock()
	if !ok {
		res.Detail = fmt.Sprintf("unknown check %q", name)
		return res
	}

	passed, detail, err := c.Run(ctx, in)
	if err != nil {
		res.Detail = fmt.Sprintf("check error: %v", err)
		r.logger.Warn("check error", "check", name, "candidate", in.Candidate.ID, "error", err)
		return res
	}
	res.Passed = passed
	res.Detail = detail
	return res
}
