package scenario

import (
	"fmt"
	"strings"

	"github.com/m3rciful/regbot/core/state"
)

type segment struct {
	literal string
	field   string
}

// Template is a message text with {field} placeholders. "{{" and "}}" print
// literal braces.
type Template struct {
	raw      string
	segments []segment
}

// ParseTemplate compiles raw into a Template.
func ParseTemplate(raw string) (*Template, error) {
	t := &Template{raw: raw}
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			t.segments = append(t.segments, segment{literal: lit.String()})
			lit.Reset()
		}
	}
	for i := 0; i < len(raw); i++ {
		ch := raw[i]
		switch {
		case ch == '{' && i+1 < len(raw) && raw[i+1] == '{':
			lit.WriteByte('{')
			i++
		case ch == '}' && i+1 < len(raw) && raw[i+1] == '}':
			lit.WriteByte('}')
			i++
		case ch == '{':
			end := strings.IndexByte(raw[i+1:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unclosed placeholder at offset %d", i)
			}
			name := strings.TrimSpace(raw[i+1 : i+1+end])
			if name == "" || strings.ContainsAny(name, "{") {
				return nil, fmt.Errorf("invalid placeholder at offset %d", i)
			}
			flush()
			t.segments = append(t.segments, segment{field: name})
			i += end + 1
		case ch == '}':
			return nil, fmt.Errorf("unmatched '}' at offset %d", i)
		default:
			lit.WriteByte(ch)
		}
	}
	flush()
	return t, nil
}

// MustParseTemplate is ParseTemplate that panics on error.
func MustParseTemplate(raw string) *Template {
	t, err := ParseTemplate(raw)
	if err != nil {
		panic(err)
	}
	return t
}

// Fields lists the placeholders in order of first appearance.
func (t *Template) Fields() []string {
	var out []string
	seen := make(map[string]struct{})
	for _, seg := range t.segments {
		if seg.field == "" {
			continue
		}
		if _, ok := seen[seg.field]; ok {
			continue
		}
		seen[seg.field] = struct{}{}
		out = append(out, seg.field)
	}
	return out
}

// Render substitutes fields from c. Missing fields render empty.
func (t *Template) Render(c state.Context) string {
	var b strings.Builder
	for _, seg := range t.segments {
		if seg.field == "" {
			b.WriteString(seg.literal)
			continue
		}
		if v, ok := c[seg.field]; ok && v != nil {
			fmt.Fprint(&b, v)
		}
	}
	return b.String()
}

func (t *Template) String() string { return t.raw }
