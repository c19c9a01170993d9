// Package mock renders fragments that carry their own mock data.
//
// A mock fragment declares its parameters in one or more definition
// comments whose body is YAML (JSON works too):
//
//	<!--#def
//	title: Hello
//	items: [a, b]
//	-->
//	<h1>{{ .title }}</h1>
//	{{ range .items }}<li>{{ . }}</li>{{ end }}
//
// The rest of the fragment is a text/template executed against those
// parameters. Definition comments are removed from the output.
package mock

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

var defBlock = regexp.MustCompile(`(?s)<!--\s*#def\b(.*?)-->`)

// ErrUnresolved is returned when rendered output still contains template
// actions or definition blocks.
var ErrUnresolved = errors.New("unresolved mock markers")

// HasMarkers reports whether text contains a mock definition block.
func HasMarkers(text string) bool {
	return defBlock.MatchString(text)
}

// ExtractParameters decodes every definition block in text and merges them,
// later blocks overriding earlier keys.
func ExtractParameters(text string) (map[string]any, error) {
	params := make(map[string]any)
	for i, m := range defBlock.FindAllStringSubmatch(text, -1) {
		body := strings.TrimSpace(m[1])
		if body == "" {
			continue
		}
		var block map[string]any
		if err := yaml.Unmarshal([]byte(body), &block); err != nil {
			return nil, fmt.Errorf("mock definition %d: %w", i, err)
		}
		for k, v := range block {
			params[k] = v
		}
	}
	return params, nil
}

// Strip removes all definition blocks from text.
func Strip(text string) string {
	return defBlock.ReplaceAllString(text, "")
}

// Renderer executes mock fragments.
type Renderer struct {
	funcs template.FuncMap
}

// Option configures a Renderer.
type Option func(*Renderer)

// WithFuncs adds template functions.
func WithFuncs(funcs template.FuncMap) Option {
	return func(r *Renderer) {
		for k, v := range funcs {
			r.funcs[k] = v
		}
	}
}

// NewRenderer creates a Renderer with the default function set.
func NewRenderer(opts ...Option) *Renderer {
	r := &Renderer{funcs: defaultFuncs()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Render extracts the parameters of text and executes the remaining markup
// against them. Missing keys are errors.
func (r *Renderer) Render(text string) (string, error) {
	params, err := ExtractParameters(text)
	if err != nil {
		return "", err
	}

	tmpl, err := template.New("fragment").
		Option("missingkey=error").
		Funcs(r.funcs).
		Parse(Strip(text))
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, params); err != nil {
		return "", fmt.Errorf("execute template: %w", err)
	}

	out := buf.String()
	if HasMarkers(out) || strings.Contains(out, "{{") {
		return "", ErrUnresolved
	}
	return out, nil
}

func defaultFuncs() template.FuncMap {
	return template.FuncMap{
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"trim":  strings.TrimSpace,
		"join": func(sep string, items []any) string {
			parts := make([]string, len(items))
			for i, it := range items {
				parts[i] = fmt.Sprint(it)
			}
			return strings.Join(parts, sep)
		},
		"default": func(def, v any) any {
			if v == nil {
				return def
			}
			if s, ok := v.(string); ok && s == "" {
				return def
			}
			return v
		},
		"seq": func(n int) []int {
			s := make([]int, n)
			for i := range s {
				s[i] = i
			}
			return s
		},
	}
}
