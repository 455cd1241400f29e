package scenario

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validDoc = `
default_answer: "I can tell you the date and venue, or register you. Say 'register'."
intents:
  - name: greeting
    tokens: ["hi", "Hello"]
    answer: "Hello!"
  - name: registration
    tokens: ["register"]
    scenario: registration
  - name: date
    tokens: ["when", "date"]
    answer: "The conference is on 15 May."
scenarios:
  registration:
    first_step: ask_name
    steps:
      ask_name:
        handler: name
        text: "Enter your name."
        failure_text: "The name must be 3-40 letters, digits or hyphens."
        next_step: ask_email
      ask_email:
        handler: email
        text: "Nice to meet you, {name}. Enter your email."
        failure_text: "That is not an email, {name}. Try again."
        next_step: generate_ticket
      generate_ticket:
        text: "Thanks {name}! Your ticket is below, a copy goes to {email}."
        attachment: ticket
`

func ticketRegistry() *Registry {
	return Builtins(renderFunc(func(context.Context, string, map[string]string) ([]byte, error) {
		return []byte("png"), nil
	}))
}

func problemsOf(t *testing.T, err error) []string {
	t.Helper()
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr), "expected ConfigError, got %v", err)
	return cfgErr.Problems
}

func assertProblem(t *testing.T, err error, fragment string) {
	t.Helper()
	for _, p := range problemsOf(t, err) {
		if strings.Contains(p, fragment) {
			return
		}
	}
	t.Fatalf("no problem containing %q in %v", fragment, err)
}

func TestParseValid(t *testing.T) {
	tbl, err := Parse([]byte(validDoc), ticketRegistry())
	require.NoError(t, err)

	assert.Len(t, tbl.Intents, 3)
	assert.Equal(t, []string{"hi", "hello"}, tbl.Intents[0].Tokens)

	sc, ok := tbl.Scenario("registration")
	require.True(t, ok)
	assert.Equal(t, OnCompleteRegister, sc.OnComplete)
	last, ok := sc.Step("generate_ticket")
	require.True(t, ok)
	assert.True(t, last.Terminal())
	first, _ := sc.Step(sc.FirstStep)
	assert.False(t, first.Terminal())

	avail := sc.Available(tbl.Registry())
	assert.Empty(t, avail["ask_name"])
	assert.Equal(t, []string{"name"}, avail["ask_email"])
	assert.Equal(t, []string{"email", "name"}, avail["generate_ticket"])
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenarios.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validDoc), 0o600))
	_, err := Load(path, ticketRegistry())
	require.NoError(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), ticketRegistry())
	assert.Error(t, err)
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name     string
		edit     func(string) string
		reg      *Registry
		fragment string
	}{
		{
			name:     "unknown handler",
			edit:     func(d string) string { return strings.Replace(d, "handler: email", "handler: phone", 1) },
			fragment: `unknown handler "phone"`,
		},
		{
			name:     "unknown next step",
			edit:     func(d string) string { return strings.Replace(d, "next_step: generate_ticket", "next_step: nowhere", 1) },
			fragment: `unknown next_step "nowhere"`,
		},
		{
			name:     "unknown first step",
			edit:     func(d string) string { return strings.Replace(d, "first_step: ask_name", "first_step: start", 1) },
			fragment: `unknown first_step "start"`,
		},
		{
			name:     "terminal first step",
			edit:     func(d string) string { return strings.Replace(d, "first_step: ask_name", "first_step: generate_ticket", 1) },
			fragment: "is terminal",
		},
		{
			name:     "unknown scenario in intent",
			edit:     func(d string) string { return strings.Replace(d, "scenario: registration", "scenario: signup", 1) },
			fragment: `unknown scenario "signup"`,
		},
		{
			name: "intent with answer and scenario",
			edit: func(d string) string {
				return strings.Replace(d, "scenario: registration", "scenario: registration\n    answer: \"both\"", 1)
			},
			fragment: "exactly one of scenario or answer",
		},
		{
			name:     "intent with neither",
			edit:     func(d string) string { return strings.Replace(d, `    answer: "Hello!"`+"\n", "", 1) },
			fragment: "exactly one of scenario or answer",
		},
		{
			name:     "missing generator",
			reg:      Builtins(nil),
			fragment: `unknown attachment generator "ticket"`,
		},
		{
			name:     "field not yet available",
			edit:     func(d string) string { return strings.Replace(d, "Enter your name.", "Enter your name, {email}.", 1) },
			fragment: "text uses fields not set yet: email",
		},
		{
			name: "failure text field not yet available",
			edit: func(d string) string {
				return strings.Replace(d, "That is not an email, {name}.", "That is not {email}.", 1)
			},
			fragment: "failure_text uses fields not set yet: email",
		},
		{
			name: "registration misses email",
			edit: func(d string) string {
				d = strings.Replace(d, "next_step: ask_email", "next_step: generate_ticket", 1)
				return strings.Replace(d, "attachment: ticket", "", 1)
			},
			fragment: "registration needs fields not set yet: email",
		},
		{
			name: "unreachable step",
			edit: func(d string) string {
				return strings.Replace(d, "next_step: ask_email", "next_step: generate_ticket", 1)
			},
			fragment: "ask_email: unreachable",
		},
		{
			name:     "unknown key",
			edit:     func(d string) string { return strings.Replace(d, "first_step:", "firstStep:", 1) },
			fragment: "parse:",
		},
		{
			name:     "bad on_complete",
			edit:     func(d string) string { return strings.Replace(d, "first_step: ask_name", "first_step: ask_name\n    on_complete: party", 1) },
			fragment: `"party" is not one of register none`,
		},
		{
			name:     "bad template",
			edit:     func(d string) string { return strings.Replace(d, "Enter your name.", "Enter {name", 1) },
			fragment: "unclosed placeholder",
		},
		{
			name:     "blank token",
			edit:     func(d string) string { return strings.Replace(d, `tokens: ["register"]`, `tokens: ["  "]`, 1) },
			fragment: "tokens are blank",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			doc := validDoc
			if tc.edit != nil {
				doc = tc.edit(doc)
			}
			reg := tc.reg
			if reg == nil {
				reg = ticketRegistry()
			}
			_, err := Parse([]byte(doc), reg)
			require.Error(t, err)
			assertProblem(t, err, tc.fragment)
		})
	}
}

func TestParseTerminalHandler(t *testing.T) {
	doc := strings.Replace(validDoc, "        attachment: ticket", "        attachment: ticket\n        handler: name", 1)
	_, err := Parse([]byte(doc), ticketRegistry())
	assertProblem(t, err, "terminal step must not have a handler")
}

func TestParseOnCompleteNone(t *testing.T) {
	doc := `
default_answer: "?"
intents:
  - tokens: ["feedback"]
    scenario: feedback
scenarios:
  feedback:
    first_step: ask_name
    on_complete: none
    steps:
      ask_name:
        handler: name
        text: "Who is writing?"
        next_step: done
      done:
        text: "Thanks, {name}."
`
	tbl, err := Parse([]byte(doc), Builtins(nil))
	require.NoError(t, err)
	sc, _ := tbl.Scenario("feedback")
	assert.Equal(t, OnCompleteNone, sc.OnComplete)
	step, _ := sc.Step("ask_name")
	assert.Equal(t, "Who is writing?", step.FailureText.String(), "failure text defaults to text")
	assert.Equal(t, "intents[0]", tbl.Intents[0].Name)
}

func TestMatch(t *testing.T) {
	tbl, err := Parse([]byte(validDoc), ticketRegistry())
	require.NoError(t, err)

	in, ok := tbl.Match("HELLO there")
	require.True(t, ok)
	assert.Equal(t, "greeting", in.Name)

	in, ok = tbl.Match("I want to Register, hi")
	require.True(t, ok)
	assert.Equal(t, "greeting", in.Name, "first intent in declared order wins")

	in, ok = tbl.Match("please register me")
	require.True(t, ok)
	assert.Equal(t, "registration", in.Name)

	in, ok = tbl.Match("what's the date?")
	require.True(t, ok)
	assert.Equal(t, "date", in.Name)

	_, ok = tbl.Match("weather forecast")
	assert.False(t, ok)
}
