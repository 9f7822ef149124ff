// Package classify maps free-form model responses onto the configured
// category options of a monitoring use case. It is pure: no I/O, no
// state, so it can be tested independently of the inference worker.
package classify

import "strings"

// NoEvent is the category returned when nothing in the response matches
// any configured option.
const NoEvent = "No Event Detected"

// UseCase describes one monitoring scenario: an ordered list of category
// options, optionally with per-category keyword lists. Option order is
// significant; earlier options win ties.
type UseCase struct {
	Options  []string
	Keywords map[string][]string // keyed by option; empty map disables keyword matching
}

// delimiters that cut off model repetition of the prompt, e.g.
// "pickup if a person is reaching, browsing if ...".
var delimiters = []string{"\n", ".", ",", " if ", " or "}

// Classify returns the category for a raw model response.
//
// With keywords configured, categories are scanned in option order and
// the first keyword found as a case-insensitive substring wins; if no
// keyword matches, the first option is returned as the quiet default.
// Without keywords, the response head (truncated at the first delimiter)
// is matched against each option by exact or prefix match, with a
// containment fallback for short responses.
func Classify(response string, uc UseCase) string {
	lower := strings.ToLower(response)

	if len(uc.Keywords) > 0 {
		for _, opt := range uc.Options {
			for _, kw := range uc.Keywords[opt] {
				if kw == "" {
					continue
				}
				if strings.Contains(lower, strings.ToLower(kw)) {
					return opt
				}
			}
		}
		// No keyword hit means the response never mentioned a salient
		// event; the first option is the configured quiet category.
		if len(uc.Options) > 0 {
			return uc.Options[0]
		}
		return NoEvent
	}

	if len(uc.Options) > 0 {
		head := lower
		for _, d := range delimiters {
			if i := strings.Index(head, d); i > 0 {
				head = head[:i]
			}
		}
		head = strings.Trim(head, " \t\n\r'\"")

		for _, opt := range uc.Options {
			ol := strings.ToLower(opt)
			// The quiet category may be the empty string; it only matches
			// an empty response, never by prefix.
			if head == ol || (ol != "" && strings.HasPrefix(head, ol)) {
				return opt
			}
		}
		// Short responses get one more chance via containment.
		if len(lower) < 30 {
			for _, opt := range uc.Options {
				if opt != "" && strings.Contains(lower, strings.ToLower(opt)) {
					return opt
				}
			}
		}
	}

	return NoEvent
}
