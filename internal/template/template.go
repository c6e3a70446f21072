// Package template expands step command and request templates against the
// execution's variable scope: triggering alert fields, trigger metadata, and
// prior step outputs keyed by step name.
package template

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// Render evaluates a template string against the scope. Literals without
// template markers pass through untouched. Unknown references fail rather
// than expanding to "<no value>" inside a remote command.
func Render(tmpl string, scope map[string]any) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil // fast path for literals
	}

	t, err := template.New("").Option("missingkey=error").Funcs(builtinFuncs()).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("template parse: %w", err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, scope); err != nil {
		return "", fmt.Errorf("template eval: %w", err)
	}
	return buf.String(), nil
}

// RenderMap renders every value of a string map, e.g. api_call headers.
func RenderMap(in map[string]string, scope map[string]any) (map[string]string, error) {
	if in == nil {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		rendered, err := Render(v, scope)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = rendered
	}
	return out, nil
}

func builtinFuncs() template.FuncMap {
	return template.FuncMap{
		"default": func(def, val any) any {
			if val == nil || fmt.Sprint(val) == "" {
				return def
			}
			return val
		},
		"contains": func(s, substr any) bool {
			return strings.Contains(fmt.Sprint(s), fmt.Sprint(substr))
		},
		"trim":  strings.TrimSpace,
		"lower": strings.ToLower,
		"upper": strings.ToUpper,
		"quote": func(v any) string {
			return fmt.Sprintf("%q", fmt.Sprint(v))
		},
	}
}
