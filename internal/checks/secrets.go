package checks

import (
	"fmt"
	"regexp"
	"strings"
)

// Credential literals, grouped by kind. One finding per kind per line.
var secretPatterns = []struct {
	kind    string
	pattern *regexp.Regexp
}{
	{"private key", regexp.MustCompile(`-----BEGIN ([A-Z]+ )?PRIVATE KEY-----`)},
	{"AWS access key", regexp.MustCompile(`\b(AKIA|ASIA)[0-9A-Z]{16}\b`)},
	{"GitHub token", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
	{"Slack token", regexp.MustCompile(`\bxox[abprs]-[A-Za-z0-9-]{10,}`)},
	{"credential assignment", regexp.MustCompile(
		`(?i)(api[_-]?key|secret|passw(or)?d|token|access[_-]?key)["']?\s*[:=]\s*["'][^"'\s$]{8,}["']`)},
	{"credential in URL", regexp.MustCompile(`[a-z][a-z0-9+.-]*://[^/\s:@]+:[^/\s:@$]{3,}@`)},
}

// SecretsPass fails when added lines carry hard-coded credentials.
func SecretsPass(in Input) []Finding {
	var findings []Finding

	for _, f := range in.Diff.Files {
		if f.IsBinary {
			continue
		}
		for _, line := range f.Added() {
			if looksLikePlaceholder(line.Text) {
				continue
			}
			for _, sp := range secretPatterns {
				if sp.pattern.MatchString(line.Text) {
					findings = append(findings, Finding{
						Check:   "secrets",
						File:    f.Path(),
						Line:    int(line.No),
						Message: fmt.Sprintf("possible %s", sp.kind),
					})
				}
			}
		}
	}

	return findings
}

func looksLikePlaceholder(s string) bool {
	lower := strings.ToLower(s)
	for _, p := range []string{"example", "changeme", "placeholder", "xxxxxxxx", "<redacted>", "dummy"} {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
