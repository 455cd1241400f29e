// Package scenario holds the static scenario table: intents, scenarios,
// their steps and the closed registry of handlers they reference.
package scenario

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Completion actions of a scenario's terminal step.
const (
	OnCompleteRegister = "register"
	OnCompleteNone     = "none"
)

// ConfigError lists every problem found while loading a table.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "scenario config: " + strings.Join(e.Problems, "; ")
}

type fileDTO struct {
	DefaultAnswer string                 `yaml:"default_answer" validate:"required"`
	Intents       []intentDTO            `yaml:"intents" validate:"dive"`
	Scenarios     map[string]scenarioDTO `yaml:"scenarios" validate:"dive"`
}

type intentDTO struct {
	Name     string   `yaml:"name"`
	Tokens   []string `yaml:"tokens" validate:"min=1,dive,required"`
	Scenario string   `yaml:"scenario" validate:"required_without=Answer,excluded_with=Answer"`
	Answer   string   `yaml:"answer"`
}

type scenarioDTO struct {
	FirstStep  string             `yaml:"first_step" validate:"required"`
	OnComplete string             `yaml:"on_complete" validate:"omitempty,oneof=register none"`
	Steps      map[string]stepDTO `yaml:"steps" validate:"required,min=1,dive"`
}

type stepDTO struct {
	Handler     string `yaml:"handler"`
	Text        string `yaml:"text" validate:"required"`
	FailureText string `yaml:"failure_text"`
	NextStep    string `yaml:"next_step"`
	Attachment  string `yaml:"attachment"`
}

// Step is one state of a scenario. An empty NextStep marks a terminal step.
type Step struct {
	Name        string
	Handler     string
	Text        *Template
	FailureText *Template
	NextStep    string
	Attachment  string
}

// Terminal reports whether reaching the step completes the scenario.
func (s *Step) Terminal() bool { return s.NextStep == "" }

// Scenario is a named chain of steps.
type Scenario struct {
	Name       string
	FirstStep  string
	OnComplete string
	Steps      map[string]*Step
}

// Step looks up a step by name.
func (s *Scenario) Step(name string) (*Step, bool) {
	st, ok := s.Steps[name]
	return st, ok
}

// Intent routes matching text to a canned answer or a scenario start.
type Intent struct {
	Name     string
	Tokens   []string
	Scenario string
	Answer   string
}

// Table is the validated, read-only scenario configuration.
type Table struct {
	DefaultAnswer string
	Intents       []Intent
	Scenarios     map[string]*Scenario

	registry *Registry
}

// Registry returns the handlers and generators the table was validated against.
func (t *Table) Registry() *Registry { return t.registry }

// Scenario looks up a scenario by name.
func (t *Table) Scenario(name string) (*Scenario, bool) {
	sc, ok := t.Scenarios[name]
	return sc, ok
}

// Load reads and validates a scenario file.
func Load(path string, reg *Registry) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenarios file: %w", err)
	}
	return Parse(data, reg)
}

// Parse decodes and validates a scenario document. Validation problems are
// reported together as a *ConfigError.
func Parse(data []byte, reg *Registry) (*Table, error) {
	if reg == nil {
		return nil, errors.New("scenario: nil registry")
	}
	var doc fileDTO
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, &ConfigError{Problems: []string{"parse: " + err.Error()}}
	}

	if problems := validateShape(&doc); len(problems) > 0 {
		return nil, &ConfigError{Problems: problems}
	}

	t, problems := build(&doc, reg)
	problems = append(problems, checkReferences(t)...)
	if len(problems) == 0 {
		problems = checkDataflow(t)
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, &ConfigError{Problems: problems}
	}
	return t, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validateShape(doc *fileDTO) []string {
	err := validate.Struct(doc)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "fileDTO.")
		switch fe.Tag() {
		case "required_without", "excluded_with":
			problems = append(problems, field+": intent needs exactly one of scenario or answer")
		case "oneof":
			problems = append(problems, fmt.Sprintf("%s: %q is not one of %s", field, fe.Value(), fe.Param()))
		case "min":
			problems = append(problems, field+": must not be empty")
		default:
			problems = append(problems, fmt.Sprintf("%s: failed %s", field, fe.Tag()))
		}
	}
	sort.Strings(problems)
	return problems
}

func build(doc *fileDTO, reg *Registry) (*Table, []string) {
	var problems []string
	t := &Table{
		DefaultAnswer: doc.DefaultAnswer,
		Scenarios:     make(map[string]*Scenario, len(doc.Scenarios)),
		registry:      reg,
	}
	for i, in := range doc.Intents {
		tokens := make([]string, 0, len(in.Tokens))
		for _, tok := range in.Tokens {
			if tok = strings.ToLower(strings.TrimSpace(tok)); tok != "" {
				tokens = append(tokens, tok)
			}
		}
		name := in.Name
		if name == "" {
			name = fmt.Sprintf("intents[%d]", i)
		}
		if len(tokens) == 0 {
			problems = append(problems, fmt.Sprintf("intent %s: tokens are blank", name))
		}
		t.Intents = append(t.Intents, Intent{Name: name, Tokens: tokens, Scenario: in.Scenario, Answer: in.Answer})
	}

	for name, sd := range doc.Scenarios {
		sc := &Scenario{
			Name:       name,
			FirstStep:  sd.FirstStep,
			OnComplete: sd.OnComplete,
			Steps:      make(map[string]*Step, len(sd.Steps)),
		}
		if sc.OnComplete == "" {
			sc.OnComplete = OnCompleteRegister
		}
		for stepName, raw := range sd.Steps {
			step := &Step{Name: stepName, Handler: raw.Handler, NextStep: raw.NextStep, Attachment: raw.Attachment}
			var err error
			if step.Text, err = ParseTemplate(raw.Text); err != nil {
				problems = append(problems, fmt.Sprintf("scenario %s step %s: text: %v", name, stepName, err))
			}
			failure := raw.FailureText
			if failure == "" {
				failure = raw.Text
			}
			if step.FailureText, err = ParseTemplate(failure); err != nil {
				problems = append(problems, fmt.Sprintf("scenario %s step %s: failure_text: %v", name, stepName, err))
			}
			sc.Steps[stepName] = step
		}
		t.Scenarios[name] = sc
	}
	return t, problems
}

func checkReferences(t *Table) []string {
	var problems []string
	for _, in := range t.Intents {
		if in.Scenario == "" {
			continue
		}
		if _, ok := t.Scenarios[in.Scenario]; !ok {
			problems = append(problems, fmt.Sprintf("intent %s: unknown scenario %q", in.Name, in.Scenario))
		}
	}
	for _, sc := range t.Scenarios {
		first, ok := sc.Steps[sc.FirstStep]
		switch {
		case !ok:
			problems = append(problems, fmt.Sprintf("scenario %s: unknown first_step %q", sc.Name, sc.FirstStep))
		case first.Terminal():
			problems = append(problems, fmt.Sprintf("scenario %s: first_step %q is terminal", sc.Name, sc.FirstStep))
		}
		for _, step := range sc.Steps {
			where := fmt.Sprintf("scenario %s step %s", sc.Name, step.Name)
			if step.Terminal() {
				if step.Handler != "" {
					problems = append(problems, where+": terminal step must not have a handler")
				}
			} else {
				if step.Handler == "" {
					problems = append(problems, where+": non-terminal step needs a handler")
				} else if _, ok := t.registry.Handler(step.Handler); !ok {
					problems = append(problems, fmt.Sprintf("%s: unknown handler %q", where, step.Handler))
				}
				if _, ok := sc.Steps[step.NextStep]; !ok {
					problems = append(problems, fmt.Sprintf("%s: unknown next_step %q", where, step.NextStep))
				}
			}
			if step.Attachment != "" {
				if _, ok := t.registry.Generator(step.Attachment); !ok {
					problems = append(problems, fmt.Sprintf("%s: unknown attachment generator %q", where, step.Attachment))
				}
			}
		}
	}
	return problems
}
