package checks

import (
	"fmt"
	"regexp"
	"strings"
)

// Schema and migration file patterns, matched against the changed path.
var schemaFiles = []struct {
	pattern     *regexp.Regexp
	description string
}{
	{regexp.MustCompile(`(?i)(^|/)migrations?/`), "database migration"},
	{regexp.MustCompile(`(?i)migrat[^/]*\.(sql|py|rb|go|js|ts|exs)$`), "database migration"},
	{regexp.MustCompile(`(?i)(^|/)schema\.(sql|rb|prisma|graphql|json)$`), "schema definition"},
	{regexp.MustCompile(`\.proto$`), "protobuf definition"},
	{regexp.MustCompile(`(?i)(openapi|swagger)\.(ya?ml|json)$`), "OpenAPI spec"},
	{regexp.MustCompile(`\.graphqls?$`), "GraphQL schema"},
	{regexp.MustCompile(`\.prisma$`), "Prisma schema"},
	{regexp.MustCompile(`(?i)alembic/versions/`), "Alembic migration"},
	{regexp.MustCompile(`(?i)(^|/)db/migrate/`), "ActiveRecord migration"},
}

// SQL DDL in added lines.
var ddlPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(CREATE|ALTER|DROP)\s+(TABLE|INDEX|VIEW|SCHEMA|DATABASE|TYPE|SEQUENCE)\b`),
	regexp.MustCompile(`(?i)\b(ADD|DROP|MODIFY)\s+COLUMN\b`),
	regexp.MustCompile(`(?i)\bRENAME\s+(TABLE|COLUMN)\b`),
	regexp.MustCompile(`(?i)\bTRUNCATE\s+TABLE\b`),
}

// SchemaPass fails on changes to migrations, schema or API definitions, and on DDL
// statements added anywhere.
func SchemaPass(in Input) []Finding {
	var findings []Finding

	for _, f := range in.Diff.Files {
		name := f.Path()

		for _, sf := range schemaFiles {
			if sf.pattern.MatchString(name) {
				findings = append(findings, Finding{
					Check:   "schema",
					File:    name,
					Message: fmt.Sprintf("changes %s", sf.description),
				})
				break
			}
		}

		for _, line := range f.Added() {
			for _, re := range ddlPatterns {
				if re.MatchString(line.Text) {
					findings = append(findings, Finding{
						Check:   "schema",
						File:    name,
						Line:    int(line.No),
						Message: fmt.Sprintf("DDL statement: %s", strings.TrimSpace(line.Text)),
					})
					break
				}
			}
		}
	}

	return findings
}
