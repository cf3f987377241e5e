// Package prompt resolves {{variable}} placeholders in prompt templates and
// reports the ones that stayed unresolved.
package prompt

import "regexp"

// AudioPlaceholder marks where the audio payload attaches. It is bound by
// the AI client as an inline part, never by text substitution, so it is
// always reported unresolved here and callers must not warn on it.
const AudioPlaceholder = "audio"

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_]+)\s*\}\}`)

type Resolved struct {
	Prompt     string
	Unresolved []string
}

// Resolve substitutes every {{name}} placeholder found in vars and collects
// the names it could not substitute. Unknown placeholders are left in place.
func Resolve(template string, vars map[string]string) Resolved {
	var unresolved []string
	seen := map[string]bool{}

	out := placeholderPattern.ReplaceAllStringFunc(template, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		if !seen[name] {
			seen[name] = true
			unresolved = append(unresolved, name)
		}
		return m
	})

	return Resolved{Prompt: out, Unresolved: unresolved}
}
