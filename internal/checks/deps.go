package checks

import (
	"fmt"
	"path"
	"strings"
)

// manifests maps dependency manifest file names to their ecosystem. Lock files are left
// out; they change whenever a manifest does.
var manifests = map[string]string{
	"go.mod":           "go",
	"package.json":     "npm",
	"Cargo.toml":       "cargo",
	"requirements.txt": "pip",
	"Pipfile":          "pip",
	"pyproject.toml":   "pip",
	"Gemfile":          "gem",
	"mix.exs":          "hex",
}

// DependencyPass fails when a manifest gains a dependency that it did not list before.
func DependencyPass(in Input) []Finding {
	var findings []Finding

	for _, f := range in.Diff.Files {
		eco, ok := manifests[path.Base(f.Path())]
		if !ok || f.IsDeleted {
			continue
		}

		removed := make(map[string]bool)
		for _, line := range f.Removed() {
			if dep := parseDepLine(line, eco); dep != "" {
				removed[dep] = true
			}
		}

		for _, line := range f.Added() {
			dep := parseDepLine(line.Text, eco)
			if dep == "" || removed[dep] {
				// a version bump removes and re-adds the same name
				continue
			}
			findings = append(findings, Finding{
				Check:   "dependencies",
				File:    f.Path(),
				Line:    int(line.No),
				Message: fmt.Sprintf("new %s dependency %s", eco, dep),
			})
		}
	}

	return findings
}

func parseDepLine(line, eco string) string {
	line = strings.TrimSpace(line)
	if line == "" {
		return ""
	}

	switch eco {
	case "go":
		if strings.HasPrefix(line, "//") || strings.HasPrefix(line, "module ") ||
			strings.HasPrefix(line, "go ") || strings.HasPrefix(line, "toolchain ") {
			return ""
		}
		line = strings.TrimPrefix(line, "require ")
		parts := strings.Fields(line)
		if len(parts) >= 2 && strings.Contains(parts[0], "/") && strings.HasPrefix(parts[1], "v") {
			return parts[0]
		}

	case "npm":
		line = strings.TrimSuffix(line, ",")
		name, rest, ok := strings.Cut(line, ":")
		if !ok {
			return ""
		}
		name = strings.Trim(name, `" `)
		rest = strings.TrimSpace(rest)
		if name == "" || strings.HasPrefix(rest, "{") || strings.HasPrefix(rest, "[") {
			return ""
		}
		switch name {
		case "name", "version", "description", "main", "license", "private", "type", "author":
			return ""
		}
		return name

	case "cargo":
		if strings.HasPrefix(line, "[") || strings.HasPrefix(line, "#") {
			return ""
		}
		name, _, ok := strings.Cut(line, "=")
		if !ok {
			return ""
		}
		name = strings.TrimSpace(name)
		switch name {
		case "", "name", "version", "edition", "authors", "description", "license":
			return ""
		}
		if strings.Contains(name, ".") {
			return ""
		}
		return name

	case "pip":
		if strings.HasPrefix(line, "#") || strings.HasPrefix(line, "-") || strings.HasPrefix(line, "[") {
			return ""
		}
		line = strings.Trim(line, `"',`)
		for _, sep := range []string{"==", ">=", "<=", "!=", "~=", ">", "<", "["} {
			if idx := strings.Index(line, sep); idx > 0 {
				return strings.TrimSpace(line[:idx])
			}
		}
		if !strings.ContainsAny(line, " =:") {
			return line
		}

	case "gem":
		if strings.HasPrefix(line, "gem ") {
			name, _, _ := strings.Cut(strings.TrimPrefix(line, "gem "), ",")
			return strings.Trim(name, `'" `)
		}

	case "hex":
		if strings.HasPrefix(line, "{:") {
			if end := strings.Index(line, ","); end > 2 {
				return line[2:end]
			}
		}
	}

	return ""
}
