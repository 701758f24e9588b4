// Package routing decides whether a transcript is handled entirely by the
// local model or escalated to the remote backend for task breakdown.
package routing

import (
	"fmt"
	"strings"
)

// Decision values. A session's decision is made once, persisted, and never
// recomputed on resume.
const (
	LocalOnly      = "local_only"
	RemoteAssisted = "remote_assisted"
)

// Error reports a persisted routing decision that can no longer be honored,
// for example a remote decision when no remote backend is configured.
type Error struct {
	Decision string
	Reason   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("routing: decision %q: %s", e.Decision, e.Reason)
}

// Policy captures everything the routing decision depends on. Decisions are
// a pure function of the policy and the cleaned transcript.
type Policy struct {
	Enabled         bool
	HaveCredentials bool
	WordThreshold   int
	MarkerPhrases   []string
}

// Decide classifies a cleaned transcript. Remote assistance requires the
// feature to be enabled and credentials present; a transcript qualifies when
// it exceeds the word threshold or contains any marker phrase.
func Decide(text string, p Policy) string {
	if !p.Enabled || !p.HaveCredentials {
		return LocalOnly
	}
	if len(strings.Fields(text)) > p.WordThreshold {
		return RemoteAssisted
	}
	lower := strings.ToLower(text)
	for _, phrase := range p.MarkerPhrases {
		if phrase == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(phrase)) {
			return RemoteAssisted
		}
	}
	return LocalOnly
}

// Known reports whether a persisted decision value is one this version
// understands.
func Known(decision string) bool {
	return decision == LocalOnly || decision == RemoteAssisted
}
