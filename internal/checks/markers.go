package checks

import (
	"fmt"
	"regexp"
	"strings"
)

var conflictMarker = regexp.MustCompile(`^(<{7}|={7}|>{7}|\|{7})(\s|$)`)

// Debug leftovers per language.
var debugPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bconsole\.(log|debug)\(`),
	regexp.MustCompile(`^\s*debugger;?\s*$`),
	regexp.MustCompile(`\b(pdb|ipdb)\.set_trace\(\)`),
	regexp.MustCompile(`^\s*breakpoint\(\)\s*$`),
	regexp.MustCompile(`\bbinding\.(pry|irb)\b`),
	regexp.MustCompile(`\bIO\.inspect\(`),
	regexp.MustCompile(`\bdbg!\(`),
}

// MarkerPass fails on merge-conflict markers and debugging statements in added lines.
func MarkerPass(in Input) []Finding {
	var findings []Finding

	for _, f := range in.Diff.Files {
		if f.IsBinary {
			continue
		}
		markdown := strings.HasSuffix(strings.ToLower(f.Path()), ".md")

		for _, line := range f.Added() {
			// ======= is a setext heading underline in markdown
			if conflictMarker.MatchString(line.Text) && !(markdown && strings.HasPrefix(line.Text, "=")) {
				findings = append(findings, Finding{
					Check:   "markers",
					File:    f.Path(),
					Line:    int(line.No),
					Message: fmt.Sprintf("conflict marker %q", strings.TrimSpace(line.Text)),
				})
				continue
			}
			for _, re := range debugPatterns {
				if re.MatchString(line.Text) {
					findings = append(findings, Finding{
						Check:   "markers",
						File:    f.Path(),
						Line:    int(line.No),
						Message: fmt.Sprintf("debug statement: %s", strings.TrimSpace(line.Text)),
					})
					break
				}
			}
		}
	}

	return findings
}
