// Package tmpl implements {{var}} placeholder extraction, substitution,
// and validation for task type templates.
package tmpl

import (
	"regexp"
)

// tokenPattern matches well-formed placeholders. Names must start with a
// letter or underscore; malformed tokens like {{123x}} or {{}} never match
// and pass through untouched.
var tokenPattern = regexp.MustCompile(`\{\{([A-Za-z_][A-Za-z0-9_]*)\}\}`)

// ValidationResult reports whether a variables map satisfies a template.
type ValidationResult struct {
	Valid   bool     `json:"valid"`
	Missing []string `json:"missing"`
}

// Extract returns the unique placeholder names in template, in order of
// first appearance.
func Extract(template string) []string {
	seen := make(map[string]struct{})
	names := []string{}
	for _, m := range tokenPattern.FindAllStringSubmatch(template, -1) {
		name := m[1]
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// Substitute replaces every recognized placeholder with its value from vars.
// Placeholders without a value are left intact.
func Substitute(template string, vars map[string]string) string {
	return tokenPattern.ReplaceAllStringFunc(template, func(token string) string {
		name := token[2 : len(token)-2]
		if value, ok := vars[name]; ok {
			return value
		}
		return token
	})
}

// Validate reports which template placeholders are absent from vars.
// Extra variables are allowed.
func Validate(template string, vars map[string]string) ValidationResult {
	missing := []string{}
	for _, name := range Extract(template) {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	return ValidationResult{Valid: len(missing) == 0, Missing: missing}
}
