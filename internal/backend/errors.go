package backend

import (
	"fmt"
	"net/http"
)

// Kind categorizes backend failures.
type Kind int

const (
	// KindTransient marks failures worth retrying: server errors, rate
	// limiting, network problems, empty completions.
	KindTransient Kind = iota
	// KindPermanent marks failures retrying cannot fix, such as a rejected
	// request or bad credentials.
	KindPermanent
	// KindExhausted marks a transient failure that persisted through the
	// whole retry budget.
	KindExhausted
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Error describes a failed backend call. Attempts counts completion requests
// actually sent; a failed pre-flight health check reports zero.
type Error struct {
	Backend  string
	Kind     Kind
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s backend: %s after %d attempt(s): %v", e.Backend, e.Kind, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status onto the retry taxonomy: server errors
// and rate limiting are transient, other client errors are permanent.
func classifyStatus(code int) Kind {
	if code >= 500 || code == http.StatusTooManyRequests {
		return KindTransient
	}
	return KindPermanent
}
