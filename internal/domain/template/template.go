// Package template renders prompt templates. A template is plain text with
// {name} placeholders drawn from a fixed set; {{ and }} produce literal braces.
package template

import (
	"strings"

	pkgerrors "loom-backend/pkg/errors"
)

// Context holds every value a template may reference.
type Context struct {
	Input   string // text typed by the user for this request
	Prompt  string // truncated ancestry text
	Memory  string // memories visible at the node, newline separated
	Chapter string // title of the enclosing chapter
	Node    string // the node's own text
	Summary string // summaries on the ancestry, newline separated
}

// Names lists the placeholders a template may use.
var Names = []string{"input", "prompt", "memory", "chapter", "node", "summary"}

func (c Context) lookup(name string) (string, bool) {
	switch name {
	case "input":
		return c.Input, true
	case "prompt":
		return c.Prompt, true
	case "memory":
		return c.Memory, true
	case "chapter":
		return c.Chapter, true
	case "node":
		return c.Node, true
	case "summary":
		return c.Summary, true
	}
	return "", false
}

type part struct {
	literal     string
	placeholder string
}

// Template is a parsed template.
type Template struct {
	source string
	parts  []part
}

// Parse validates src and returns the parsed template.
func Parse(src string) (*Template, error) {
	var parts []part
	var lit strings.Builder
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case c == '{' && i+1 < len(src) && src[i+1] == '{':
			lit.WriteByte('{')
			i++
		case c == '}' && i+1 < len(src) && src[i+1] == '}':
			lit.WriteByte('}')
			i++
		case c == '{':
			end := strings.IndexByte(src[i+1:], '}')
			if end < 0 {
				return nil, pkgerrors.NewValidationError("unterminated placeholder in template").WithDetail("offset", i)
			}
			name := strings.TrimSpace(src[i+1 : i+1+end])
			if _, ok := (Context{}).lookup(name); !ok {
				return nil, pkgerrors.NewValidationError("unknown template placeholder").WithDetail("placeholder", name)
			}
			if lit.Len() > 0 {
				parts = append(parts, part{literal: lit.String()})
				lit.Reset()
			}
			parts = append(parts, part{placeholder: name})
			i += end + 1
		case c == '}':
			return nil, pkgerrors.NewValidationError("unmatched '}' in template").WithDetail("offset", i)
		default:
			lit.WriteByte(c)
		}
	}
	if lit.Len() > 0 {
		parts = append(parts, part{literal: lit.String()})
	}
	return &Template{source: src, parts: parts}, nil
}

// Execute renders the template against ctx.
func (t *Template) Execute(ctx Context) string {
	var b strings.Builder
	for _, p := range t.parts {
		if p.placeholder == "" {
			b.WriteString(p.literal)
			continue
		}
		v, _ := ctx.lookup(p.placeholder)
		b.WriteString(v)
	}
	return b.String()
}

// Placeholders returns the placeholder names used by the template in order of
// first use.
func (t *Template) Placeholders() []string {
	seen := make(map[string]bool)
	var out []string
	for _, p := range t.parts {
		if p.placeholder != "" && !seen[p.placeholder] {
			seen[p.placeholder] = true
			out = append(out, p.placeholder)
		}
	}
	return out
}

// String returns the template source.
func (t *Template) String() string { return t.source }

// Render parses and executes src in one step.
func Render(src string, ctx Context) (string, error) {
	t, err := Parse(src)
	if err != nil {
		return "", err
	}
	return t.Execute(ctx), nil
}
