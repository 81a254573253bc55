// Package template renders templated messages against caller-supplied
// input variables.
package template

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/modelrelay/relay/internal/canonical"
)

// Render substitutes input variables into every text part of msgs and
// returns new messages; msgs is never mutated. Templates use
// text/template syntax with the variables as the dot. Referencing an
// absent variable is an error, so silent blanks never reach a provider.
func Render(msgs []canonical.Message, input map[string]any) ([]canonical.Message, error) {
	out := make([]canonical.Message, len(msgs))
	for i, m := range msgs {
		rm := m
		rm.Parts = make([]canonical.Part, len(m.Parts))
		for j, p := range m.Parts {
			if p.Kind == canonical.PartText && strings.Contains(p.Text, "{{") {
				rendered, err := renderText(p.Text, input)
				if err != nil {
					return nil, fmt.Errorf("message %d: %w", i, err)
				}
				p.Text = rendered
			}
			rm.Parts[j] = p
		}
		out[i] = rm
	}
	return out, nil
}

func renderText(src string, input map[string]any) (string, error) {
	tpl, err := template.New("message").Option("missingkey=error").Parse(src)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	var b strings.Builder
	if err := tpl.Execute(&b, input); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return b.String(), nil
}

// Source serializes unresolved messages so the cache can hash the
// template itself rather than one rendering of it.
func Source(msgs []canonical.Message) string {
	b, err := json.Marshal(msgs)
	if err != nil {
		return ""
	}
	return string(b)
}
