package backend

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// withRetry runs fn up to attempts times with a fixed pause between tries.
// Permanent failures return immediately; a transient failure on the final
// attempt is upgraded to KindExhausted. Errors without a classification are
// treated as transient.
func withRetry(ctx context.Context, backendName string, attempts int, backoff time.Duration, fn func(context.Context) (string, error)) (*Completion, error) {
	if attempts < 1 {
		attempts = 1
	}

	var last *Error
	for attempt := 1; attempt <= attempts; attempt++ {
		text, err := fn(ctx)
		if err == nil {
			return &Completion{Text: text, Attempts: attempt}, nil
		}

		var berr *Error
		if !errors.As(err, &berr) {
			berr = &Error{Backend: backendName, Kind: KindTransient, Err: err}
		}
		berr.Attempts = attempt
		if berr.Kind == KindPermanent {
			return nil, berr
		}
		last = berr

		if attempt == attempts {
			break
		}
		log.Warn().
			Str("backend", backendName).
			Int("attempt", attempt).
			Int("maxAttempts", attempts).
			Err(berr.Err).
			Msg("Transient backend failure, retrying")
		select {
		case <-ctx.Done():
			return nil, &Error{Backend: backendName, Kind: KindTransient, Attempts: attempt, Err: ctx.Err()}
		case <-time.After(backoff):
		}
	}

	last.Kind = KindExhausted
	return nil, last
}
