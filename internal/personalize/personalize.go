// Package personalize merges per-recipient row data into subject and body
// templates. Substitution uses {{column}} placeholders restricted to an
// explicit allow-list: only enabled columns are replaced, so unreviewed
// fields can never leak into outgoing mail. Placeholders for disabled or
// unknown columns stay literally in the text.
package personalize

import (
	"regexp"
	"strings"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Render substitutes enabled {{column}} placeholders in tpl with values from
// row. Column matching is case-insensitive and whitespace inside the braces
// is tolerated. An enabled column with no value in the row renders as an
// empty string rather than an error (lax mode: production sends must not
// fail on sparse rows).
func Render(tpl string, row map[string]string, enabled []string) string {
	if tpl == "" || len(enabled) == 0 {
		return tpl
	}

	allow := make(map[string]bool, len(enabled))
	for _, col := range enabled {
		allow[normalizeKey(col)] = true
	}

	values := make(map[string]string, len(row))
	for col, val := range row {
		values[normalizeKey(col)] = val
	}

	return placeholderRe.ReplaceAllStringFunc(tpl, func(match string) string {
		key := normalizeKey(placeholderRe.FindStringSubmatch(match)[1])
		if !allow[key] {
			return match
		}
		return values[key]
	})
}

// RenderMessage renders subject and body together for one recipient row.
func RenderMessage(subject, body string, row map[string]string, enabled []string) (string, string) {
	return Render(subject, row, enabled), Render(body, row, enabled)
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
