package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"

	"github.com/sprite-ai/tiergate/internal/model"
)

// EnvPrefix prefixes environment overrides. Nested keys use "__", so
// TIERGATE_SETTINGS__MAX_PARALLEL_JOBS sets settings.max_parallel_jobs.
const EnvPrefix = "TIERGATE_"

// FileNames are searched, in order, when no explicit path is given.
var FileNames = []string{"tiergate.yaml", "tiergate.yml"}

//go:embed example.yaml
var exampleYAML []byte

// Example returns a commented starter configuration.
func Example() []byte {
	out := make([]byte, len(exampleYAML))
	copy(out, exampleYAML)
	return out
}

// flagKeys maps CLI flag names onto config keys.
var flagKeys = map[string]string{
	"repo":          "repository.path",
	"remote":        "repository.remote",
	"base":          "repository.base",
	"scorer":        "repository.conflict_scorer",
	"parallel":      "settings.max_parallel_jobs",
	"lock-timeout":  "settings.lock_timeout",
	"run-deadline":  "settings.run_deadline",
	"delete-merged": "settings.delete_merged",
	"store":         "backup.store",
	"state":         "backup.path",
}

var requiredKeys = []string{
	"tiers",
	"settings.max_parallel_jobs",
	"settings.cache_expiry",
	"settings.max_backups",
	"settings.lock_timeout",
	"settings.retry_limit",
	"settings.retry_backoff_base",
	"settings.run_deadline",
}

var requiredTierKeys = []string{
	"name",
	"max_changed_files",
	"max_critical_files",
	"max_conflict_potential",
	"required_checks",
}

// LoadOptions controls where configuration is read from.
type LoadOptions struct {
	// Path is an explicit config file. Empty searches Dir for FileNames.
	Path string
	// Dir is the search directory. Empty means the working directory.
	Dir string
	// Flags contributes explicitly set flags listed in flagKeys.
	Flags *pflag.FlagSet
	// KnownChecks are the built-in check names tiers may require.
	KnownChecks []string
	// Environ overrides os.Environ for the env layer; nil reads the process environment.
	Environ []string
}

// Load reads defaults, the config file, TIERGATE_ env vars and flags, in increasing
// precedence, then validates the result. All failures are *model.ConfigError.
func Load(opts LoadOptions) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(confmap.Provider(map[string]interface{}{
		"repository.remote":          "origin",
		"repository.base":            "main",
		"repository.conflict_scorer": ScorerHunkOverlap,
		"backup.store":               StoreMemory,
		"backup.path":                filepath.Join(".tiergate", "state.db"),
		"cache.size":                 1024,
	}, "."), nil); err != nil {
		return nil, &model.ConfigError{Err: fmt.Errorf("load defaults: %w", err)}
	}

	path, err := findFile(opts.Path, opts.Dir)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, &model.ConfigError{Field: path, Err: err}
		}
	}

	if err := loadEnv(k, opts.Environ); err != nil {
		return nil, &model.ConfigError{Err: fmt.Errorf("load env: %w", err)}
	}

	if opts.Flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(opts.Flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			if !f.Changed {
				return "", nil
			}
			key, ok := flagKeys[f.Name]
			if !ok {
				return "", nil
			}
			return key, posflag.FlagVal(opts.Flags, f)
		}), nil); err != nil {
			return nil, &model.ConfigError{Err: fmt.Errorf("load flags: %w", err)}
		}
	}

	if err := checkRequired(k); err != nil {
		return nil, err
	}

	var spec Spec
	if err := k.Unmarshal("", &spec); err != nil {
		return nil, &model.ConfigError{Err: fmt.Errorf("decode: %w", err)}
	}

	cfg, err := FromSpec(spec, opts.KnownChecks)
	if err != nil {
		return nil, err
	}
	cfg.source = path
	return cfg, nil
}

func findFile(explicit, dir string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", &model.ConfigError{Field: explicit, Err: err}
		}
		return explicit, nil
	}
	for _, name := range FileNames {
		candidate := filepath.Join(dir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", nil
}

func loadEnv(k *koanf.Koanf, environ []string) error {
	transform := func(s string) string {
		s = strings.TrimPrefix(s, EnvPrefix)
		return strings.ReplaceAll(strings.ToLower(s), "__", ".")
	}
	if environ == nil {
		return k.Load(env.Provider(EnvPrefix, ".", transform), nil)
	}

	vals := make(map[string]interface{})
	for _, kv := range environ {
		name, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		vals[transform(name)] = val
	}
	return k.Load(confmap.Provider(vals, "."), nil)
}

func checkRequired(k *koanf.Koanf) error {
	for _, key := range requiredKeys {
		if !k.Exists(key) {
			return &model.ConfigError{Field: key, Err: fmt.Errorf("required key missing")}
		}
	}
	for i, tier := range k.Slices("tiers") {
		for _, key := range requiredTierKeys {
			if !tier.Exists(key) {
				return &model.ConfigError{
					Field: fmt.Sprintf("tiers[%d].%s", i, key),
					Err:   fmt.Errorf("required key missing"),
				}
			}
		}
	}
	return nil
}
