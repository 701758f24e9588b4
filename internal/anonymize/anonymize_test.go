package anonymize

import (
	"errors"
	"strings"
	"testing"
)

func TestScrub_CaseInsensitive(t *testing.T) {
	s, err := New(DefaultReplacements)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	in := "Ask ANTHROPIC whether anthropic docs mention Obsidian or ollama."
	out, reverse, err := s.Scrub(in)
	if err != nil {
		t.Fatalf("Scrub: %v", err)
	}

	want := "Ask [COMPANY_A] whether [COMPANY_A] docs mention [TOOL_A] or [TOOL_B]."
	if out != want {
		t.Errorf("Scrub = %q, want %q", out, want)
	}
	if len(reverse) != 3 {
		t.Errorf("reverse map has %d entries, want 3: %v", len(reverse), reverse)
	}
	if reverse["[COMPANY_A]"] != "Anthropic" {
		t.Errorf("reverse[[COMPANY_A]] = %q", reverse["[COMPANY_A]"])
	}
	if _, ok := reverse["[COMPANY_C]"]; ok {
		t.Error("reverse map contains placeholder for a term that never occurred")
	}
}

func TestScrub_Deterministic(t *testing.T) {
	s, err := New(DefaultReplacements)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	in := "Google and Anthropic and OpenAI walk into Obsidian."
	first, _, err := s.Scrub(in)
	if err != nil {
		t.Fatalf("Scrub: %v", err)
	}
	for i := 0; i < 20; i++ {
		again, _, err := s.Scrub(in)
		if err != nil {
			t.Fatalf("Scrub: %v", err)
		}
		if again != first {
			t.Fatalf("run %d produced %q, first run produced %q", i, again, first)
		}
	}
}

func TestScrub_OverlappingTerms(t *testing.T) {
	s, err := New(map[string]string{
		"Google":      "[COMPANY_B]",
		"Google Docs": "[TOOL_C]",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	out, reverse, err := s.Scrub("share the Google Docs link, then email Google")
	if err != nil {
		t.Fatalf("Scrub: %v", err)
	}
	want := "share the [TOOL_C] link, then email [COMPANY_B]"
	if out != want {
		t.Errorf("Scrub = %q, want %q", out, want)
	}
	if reverse["[TOOL_C]"] != "Google Docs" {
		t.Errorf("reverse[[TOOL_C]] = %q, want %q", reverse["[TOOL_C]"], "Google Docs")
	}
}

func TestScrub_RoundTrip(t *testing.T) {
	s, err := New(DefaultReplacements)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	in := "Move the Anthropic notes out of Obsidian and ask Google for quota."
	scrubbed, reverse, err := s.Scrub(in)
	if err != nil {
		t.Fatalf("Scrub: %v", err)
	}
	if strings.Contains(scrubbed, "Anthropic") || strings.Contains(scrubbed, "Google") {
		t.Fatalf("scrubbed text still names a term: %q", scrubbed)
	}

	if got := Restore(scrubbed, reverse); got != in {
		t.Errorf("Restore = %q, want %q", got, in)
	}
}

func TestScrub_NoMatches(t *testing.T) {
	s, err := New(DefaultReplacements)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	in := "pick up groceries and book the dentist"
	out, reverse, err := s.Scrub(in)
	if err != nil {
		t.Fatalf("Scrub: %v", err)
	}
	if out != in {
		t.Errorf("Scrub changed text with no matches: %q", out)
	}
	if len(reverse) != 0 {
		t.Errorf("reverse map should be empty, got %v", reverse)
	}
}

func TestNew_RejectsBadTables(t *testing.T) {
	tests := []struct {
		name  string
		table map[string]string
	}{
		{"empty placeholder", map[string]string{"Anthropic": ""}},
		{"blank term", map[string]string{"  ": "[X]"}},
		{"duplicate placeholder", map[string]string{"Anthropic": "[X]", "Google": "[X]"}},
		{"term inside placeholder", map[string]string{"tool": "[TOOL_A]"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.table)
			var aerr *Error
			if !errors.As(err, &aerr) {
				t.Fatalf("New(%v) error = %v, want *Error", tt.table, err)
			}
		})
	}
}

func TestRestore_OnlyKnownPlaceholders(t *testing.T) {
	reverse := map[string]string{"[COMPANY_A]": "Anthropic"}
	in := "[COMPANY_A] shipped it; [COMPANY_B] did not."
	want := "Anthropic shipped it; [COMPANY_B] did not."
	if got := Restore(in, reverse); got != want {
		t.Errorf("Restore = %q, want %q", got, want)
	}
}
