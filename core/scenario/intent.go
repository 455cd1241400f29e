package scenario

import "strings"

// Match returns the first intent, in declared order, with a token contained
// in text. Matching ignores case.
func (t *Table) Match(text string) (Intent, bool) {
	lowered := strings.ToLower(text)
	for _, in := range t.Intents {
		for _, tok := range in.Tokens {
			if strings.Contains(lowered, tok) {
				return in, true
			}
		}
	}
	return Intent{}, false
}
