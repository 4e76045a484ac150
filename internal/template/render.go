// Package template substitutes per-recipient variables into subject and body
// text. Rendering is pure: same inputs, same output, no side effects.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// EmailVar is always resolvable during a dispatch; the engine injects the
// recipient's address under this key before rendering.
const EmailVar = "email"

var placeholderRe = regexp.MustCompile(`\{\{[^{}]+\}\}|\{[^{}]+\}`)

// Render replaces placeholders in text with values from vars.
//
// Two placeholder forms are recognized: {key} matches exactly, while {{key}}
// matches case-insensitively. The asymmetry is kept for compatibility with
// templates written against earlier versions. Placeholders with no matching
// variable are removed so template syntax never leaks into delivered mail.
func Render(text string, vars map[string]string) string {
	var folded map[string]string

	return placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		if strings.HasPrefix(m, "{{") {
			if folded == nil {
				folded = make(map[string]string, len(vars))
				for k, v := range vars {
					folded[strings.ToLower(k)] = v
				}
			}
			return folded[strings.ToLower(m[2:len(m)-2])]
		}
		return vars[m[1:len(m)-1]]
	})
}

// ParseVars decodes a lead's serialized variable map. Non-string values are
// stringified rather than rejected.
func ParseVars(raw string) (map[string]string, error) {
	vars := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return vars, nil
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return vars, fmt.Errorf("invalid variables payload: %w", err)
	}
	for k, v := range decoded {
		switch val := v.(type) {
		case string:
			vars[k] = val
		case nil:
			vars[k] = ""
		default:
			vars[k] = fmt.Sprintf("%v", val)
		}
	}
	return vars, nil
}
