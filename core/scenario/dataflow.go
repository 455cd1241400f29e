package scenario

import (
	"fmt"
	"sort"
	"strings"
)

type fieldSet map[string]struct{}

func (f fieldSet) with(fields []string) fieldSet {
	out := make(fieldSet, len(f)+len(fields))
	for k := range f {
		out[k] = struct{}{}
	}
	for _, k := range fields {
		out[k] = struct{}{}
	}
	return out
}

func (f fieldSet) intersect(o fieldSet) fieldSet {
	out := make(fieldSet)
	for k := range f {
		if _, ok := o[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}

func (f fieldSet) missing(fields []string) []string {
	var out []string
	for _, k := range fields {
		if _, ok := f[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

// Available returns the context fields guaranteed to be set when the step
// is entered, along every path from the first step.
func (s *Scenario) Available(reg *Registry) map[string][]string {
	avail := s.available(reg)
	out := make(map[string][]string, len(avail))
	for step, set := range avail {
		fields := make([]string, 0, len(set))
		for k := range set {
			fields = append(fields, k)
		}
		sort.Strings(fields)
		out[step] = fields
	}
	return out
}

// available computes the fields present on entry to each reachable step as
// the intersection over all incoming paths. Unreachable steps are absent.
func (s *Scenario) available(reg *Registry) map[string]fieldSet {
	avail := map[string]fieldSet{s.FirstStep: {}}
	queue := []string{s.FirstStep}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		step, ok := s.Steps[name]
		if !ok || step.Terminal() {
			continue
		}
		var writes []string
		if h, ok := reg.Handler(step.Handler); ok {
			writes = h.Writes
		}
		out := avail[name].with(writes)
		prev, seen := avail[step.NextStep]
		if !seen {
			avail[step.NextStep] = out
			queue = append(queue, step.NextStep)
			continue
		}
		if next := prev.intersect(out); len(next) != len(prev) {
			avail[step.NextStep] = next
			queue = append(queue, step.NextStep)
		}
	}
	return avail
}

// checkDataflow verifies that every template field, generator input and
// completion field is set on every path that reaches its step.
func checkDataflow(t *Table) []string {
	var problems []string
	for _, sc := range t.Scenarios {
		avail := sc.available(t.registry)
		for _, step := range sc.Steps {
			where := fmt.Sprintf("scenario %s step %s", sc.Name, step.Name)
			have, reachable := avail[step.Name]
			if !reachable {
				problems = append(problems, where+": unreachable from first_step")
				continue
			}
			if miss := have.missing(step.Text.Fields()); len(miss) > 0 {
				problems = append(problems, fmt.Sprintf("%s: text uses fields not set yet: %s", where, strings.Join(miss, ", ")))
			}
			if miss := have.missing(step.FailureText.Fields()); len(miss) > 0 {
				problems = append(problems, fmt.Sprintf("%s: failure_text uses fields not set yet: %s", where, strings.Join(miss, ", ")))
			}
			if gen, ok := t.registry.Generator(step.Attachment); ok {
				if miss := have.missing(gen.Requires); len(miss) > 0 {
					problems = append(problems, fmt.Sprintf("%s: attachment %s needs fields not set yet: %s", where, gen.ID, strings.Join(miss, ", ")))
				}
			}
			if step.Terminal() && sc.OnComplete == OnCompleteRegister {
				if miss := have.missing(registrationFields); len(miss) > 0 {
					problems = append(problems, fmt.Sprintf("%s: registration needs fields not set yet: %s", where, strings.Join(miss, ", ")))
				}
			}
		}
	}
	return problems
}

// registrationFields are read from the context when a scenario completes.
var registrationFields = []string{"name", "email"}
