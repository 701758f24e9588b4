// Package notes writes pipeline output into the vault: capture entries,
// raw transcript copies, and archived audio.
package notes

import (
	"fmt"
	"time"
)

// Entry is one processed capture ready to be appended to the capture note.
type Entry struct {
	Timestamp           time.Time
	AudioFile           string // base name, rendered as a wiki link
	TranscriptionMethod string
	BreakdownModel      string
	RawText             string
	CleanText           string
	Breakdown           string
}

// Render produces the markdown block exactly as it lands in the capture
// note. Keep this stable: downstream vault tooling splits entries on the
// trailing rule.
func (e Entry) Render() string {
	return fmt.Sprintf(`
## %s
**Audio:** [[%s]]
**Transcription:** %s | **Breakdown:** %s

**Raw Transcription:**
> %s

**Cleaned:**
%s

**Tasks:**
%s

---
`,
		e.Timestamp.Format("2006-01-02 15:04"),
		e.AudioFile,
		e.TranscriptionMethod,
		e.BreakdownModel,
		e.RawText,
		e.CleanText,
		e.Breakdown,
	)
}
