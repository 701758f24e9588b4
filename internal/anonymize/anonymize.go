// Package anonymize replaces configured sensitive terms with stable
// placeholders before any text is sent to a remote backend, and restores
// them in the response.
package anonymize

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// DefaultReplacements is the built-in term table. Terms are matched
// case-insensitively wherever they appear.
var DefaultReplacements = map[string]string{
	"Anthropic": "[COMPANY_A]",
	"Google":    "[COMPANY_B]",
	"OpenAI":    "[COMPANY_C]",
	"Obsidian":  "[TOOL_A]",
	"Ollama":    "[TOOL_B]",
}

// Error reports a replacement table that cannot guarantee a clean payload,
// or a scrub whose output still contained a configured term.
type Error struct {
	Term   string
	Reason string
}

func (e *Error) Error() string {
	if e.Term != "" {
		return fmt.Sprintf("anonymize: %s: %q", e.Reason, e.Term)
	}
	return "anonymize: " + e.Reason
}

type rule struct {
	term        string
	placeholder string
	pattern     *regexp.Regexp
}

// Scrubber applies a validated replacement table. Rules run longest term
// first so an overlapping shorter term never splits a longer one, with a
// lexicographic tiebreak to keep output deterministic.
type Scrubber struct {
	rules []rule
}

// New compiles and validates a replacement table. Placeholders must be
// non-empty, unique, and must not themselves contain any configured term,
// otherwise scrubbing could reintroduce what it just removed.
func New(replacements map[string]string) (*Scrubber, error) {
	terms := make([]string, 0, len(replacements))
	for term := range replacements {
		terms = append(terms, term)
	}
	sort.Slice(terms, func(i, j int) bool {
		if len(terms[i]) != len(terms[j]) {
			return len(terms[i]) > len(terms[j])
		}
		return terms[i] < terms[j]
	})

	claimed := make(map[string]string, len(terms))
	rules := make([]rule, 0, len(terms))
	for _, term := range terms {
		placeholder := replacements[term]
		if strings.TrimSpace(term) == "" {
			return nil, &Error{Reason: "empty term in replacement table"}
		}
		if placeholder == "" {
			return nil, &Error{Term: term, Reason: "empty placeholder"}
		}
		if prev, ok := claimed[placeholder]; ok {
			return nil, &Error{Term: term, Reason: fmt.Sprintf("placeholder %q already used for %q", placeholder, prev)}
		}
		claimed[placeholder] = term

		pattern, err := regexp.Compile("(?i)" + regexp.QuoteMeta(term))
		if err != nil {
			return nil, &Error{Term: term, Reason: "compile pattern: " + err.Error()}
		}
		rules = append(rules, rule{term: term, placeholder: placeholder, pattern: pattern})
	}

	for _, r := range rules {
		for placeholder := range claimed {
			if r.pattern.MatchString(placeholder) {
				return nil, &Error{Term: r.term, Reason: fmt.Sprintf("term occurs inside placeholder %q", placeholder)}
			}
		}
	}

	return &Scrubber{rules: rules}, nil
}

// Scrub replaces every occurrence of a configured term and returns the
// reverse map needed to restore the response. The map only lists
// placeholders that were actually substituted. Scrub verifies its own
// output and fails rather than let a configured term through.
func (s *Scrubber) Scrub(text string) (string, map[string]string, error) {
	out := text
	reverse := make(map[string]string)
	for _, r := range s.rules {
		if !r.pattern.MatchString(out) {
			continue
		}
		out = r.pattern.ReplaceAllLiteralString(out, r.placeholder)
		reverse[r.placeholder] = r.term
	}

	for _, r := range s.rules {
		if r.pattern.MatchString(out) {
			return "", nil, &Error{Term: r.term, Reason: "term survived scrubbing"}
		}
	}
	return out, reverse, nil
}

// Restore substitutes placeholders back into the text using the reverse
// map produced by Scrub.
func Restore(text string, reverse map[string]string) string {
	placeholders := make([]string, 0, len(reverse))
	for p := range reverse {
		placeholders = append(placeholders, p)
	}
	sort.Strings(placeholders)

	out := text
	for _, p := range placeholders {
		out = strings.ReplaceAll(out, p, reverse[p])
	}
	return out
}
