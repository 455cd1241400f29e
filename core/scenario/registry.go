package scenario

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"unicode"
	"unicode/utf8"

	"github.com/m3rciful/regbot/core/state"
)

// Built-in handler and generator ids.
const (
	HandlerName     = "name"
	HandlerEmail    = "email"
	GeneratorTicket = "ticket"
)

// Validator checks user input. On success it may write fields into c; on
// failure it must leave c untouched.
type Validator func(text string, c state.Context) bool

// HandlerSpec describes a step handler and the context fields it writes.
type HandlerSpec struct {
	ID       string
	Validate Validator
	Writes   []string
}

// Generator produces attachment bytes from the current context. It never
// mutates c.
type Generator func(ctx context.Context, text string, c state.Context) ([]byte, error)

// GeneratorSpec describes an attachment generator and the fields it reads.
type GeneratorSpec struct {
	ID       string
	Generate Generator
	MimeType string
	Requires []string
}

// Registry is the closed set of handlers and generators a table may reference.
type Registry struct {
	handlers   map[string]HandlerSpec
	generators map[string]GeneratorSpec
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers:   make(map[string]HandlerSpec),
		generators: make(map[string]GeneratorSpec),
	}
}

// RegisterHandler adds a handler; ids must be unique.
func (r *Registry) RegisterHandler(spec HandlerSpec) error {
	if spec.ID == "" || spec.Validate == nil {
		return fmt.Errorf("scenario: handler %q is incomplete", spec.ID)
	}
	if _, dup := r.handlers[spec.ID]; dup {
		return fmt.Errorf("scenario: handler %q already registered", spec.ID)
	}
	r.handlers[spec.ID] = spec
	return nil
}

// RegisterGenerator adds an attachment generator; ids must be unique.
func (r *Registry) RegisterGenerator(spec GeneratorSpec) error {
	if spec.ID == "" || spec.Generate == nil || spec.MimeType == "" {
		return fmt.Errorf("scenario: generator %q is incomplete", spec.ID)
	}
	if _, dup := r.generators[spec.ID]; dup {
		return fmt.Errorf("scenario: generator %q already registered", spec.ID)
	}
	r.generators[spec.ID] = spec
	return nil
}

func (r *Registry) Handler(id string) (HandlerSpec, bool) {
	spec, ok := r.handlers[id]
	return spec, ok
}

func (r *Registry) Generator(id string) (GeneratorSpec, bool) {
	spec, ok := r.generators[id]
	return spec, ok
}

// HandlerIDs lists registered handler ids in sorted order.
func (r *Registry) HandlerIDs() []string {
	ids := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Whitespace covers ASCII controls \t-\r, the separators \x1c-\x1f and
// \x85, and every Unicode space class.
var (
	nameRe    = regexp.MustCompile(`^[\p{L}\p{N}_\-\t-\r\x{1c}-\x{1f}\x{85}\p{Z}]{3,40}$`)
	emailHead = regexp.MustCompile(`^[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+`)
	emailFull = regexp.MustCompile(`^[a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+$`)
)

// ValidateName accepts 3 to 40 letters, digits, underscores, hyphens or
// whitespace runes and stores the text verbatim under "name".
func ValidateName(text string, c state.Context) bool {
	if !nameRe.MatchString(text) {
		return false
	}
	c["name"] = text
	return true
}

// ValidateEmail stores the first address found anywhere in text under "email".
func ValidateEmail(text string, c state.Context) bool {
	match := findEmail(text)
	if match == "" {
		return false
	}
	c["email"] = match
	return true
}

// findEmail returns the leftmost address bounded by Unicode word
// boundaries on both sides. RE2's \b only knows ASCII words, so "ёjohn@x.com"
// would otherwise yield "john@x.com".
func findEmail(text string) string {
	for i := range text {
		if !wordBoundary(text, i) {
			continue
		}
		loc := emailHead.FindStringIndex(text[i:])
		if loc == nil {
			continue
		}
		// The tail is ASCII, so shrinking byte by byte stays on rune starts.
		for end := i + loc[1]; end > i; end-- {
			if wordBoundary(text, end) && emailFull.MatchString(text[i:end]) {
				return text[i:end]
			}
		}
	}
	return ""
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsNumber(r)
}

// wordBoundary reports whether a word rune sits on exactly one side of i.
func wordBoundary(s string, i int) bool {
	before, after := false, false
	if i > 0 {
		r, _ := utf8.DecodeLastRuneInString(s[:i])
		before = isWordRune(r)
	}
	if i < len(s) {
		r, _ := utf8.DecodeRuneInString(s[i:])
		after = isWordRune(r)
	}
	return before != after
}

// Renderer draws a named image template filled with fields.
type Renderer interface {
	Render(ctx context.Context, template string, fields map[string]string) ([]byte, error)
}

// TicketGenerator renders the "ticket" template from the collected name and email.
func TicketGenerator(r Renderer) GeneratorSpec {
	return GeneratorSpec{
		ID:       GeneratorTicket,
		MimeType: "image/png",
		Requires: []string{"name", "email"},
		Generate: func(ctx context.Context, _ string, c state.Context) ([]byte, error) {
			name, _ := c.Text("name")
			email, _ := c.Text("email")
			return r.Render(ctx, GeneratorTicket, map[string]string{"name": name, "email": email})
		},
	}
}

// Builtins returns a registry with the name and email handlers, plus the
// ticket generator when r is not nil.
func Builtins(r Renderer) *Registry {
	reg := NewRegistry()
	_ = reg.RegisterHandler(HandlerSpec{ID: HandlerName, Validate: ValidateName, Writes: []string{"name"}})
	_ = reg.RegisterHandler(HandlerSpec{ID: HandlerEmail, Validate: ValidateEmail, Writes: []string{"email"}})
	if r != nil {
		_ = reg.RegisterGenerator(TicketGenerator(r))
	}
	return reg
}
