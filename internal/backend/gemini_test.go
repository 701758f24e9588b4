package backend

import (
	"errors"
	"fmt"
	"testing"

	"google.golang.org/genai"
)

func TestClassifyGenAI(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"server error", &genai.APIError{Code: 503, Message: "unavailable"}, KindTransient},
		{"rate limited", &genai.APIError{Code: 429, Message: "quota"}, KindTransient},
		{"bad key", &genai.APIError{Code: 403, Message: "forbidden"}, KindPermanent},
		{"bad request", &genai.APIError{Code: 400, Message: "invalid"}, KindPermanent},
		{"wrapped api error", fmt.Errorf("call: %w", &genai.APIError{Code: 500}), KindTransient},
		{"network", errors.New("dial tcp: connection refused"), KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := classifyGenAI(tt.err); got != tt.want {
				t.Errorf("classifyGenAI(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}
