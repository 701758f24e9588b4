// Package session provides persistent per-capture processing state. Each
// audio capture gets one session directory holding the stage artifacts and
// an advisory lock file; the session record lives beside them as
// session.json (FileStore) or as a row in one SQLite database (SQLiteStore).
// Records and artifacts are written atomically so a killed process never
// leaves a stage marked done without its artifact, nor a half-written
// record.
package session

import (
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Stage statuses.
const (
	StatusPending = "pending"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Stage names, in pipeline order.
const (
	StageTranscribe = "transcribe"
	StageClean      = "clean"
	StageRoute      = "route"
	StageAnonymize  = "anonymize"
	StageBreakdown  = "breakdown"
	StageAppend     = "append"
	StageArchive    = "archive"
)

// StageOrder is the full stage sequence for a capture.
var StageOrder = []string{
	StageTranscribe,
	StageClean,
	StageRoute,
	StageAnonymize,
	StageBreakdown,
	StageAppend,
	StageArchive,
}

// StageState records the outcome of one stage for one session.
type StageState struct {
	Status       string     `json:"status"`
	ArtifactPath string     `json:"artifact_path,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	Error        string     `json:"error,omitempty"`
}

// Session is the persistent record of one capture's progress. RoutingDecision
// holds "local_only" or "remote_assisted" once the route stage has run and is
// immutable afterwards. TranscriptionMethod and BreakdownModel are captured
// when their stages complete so a resumed run can render the capture entry
// without re-invoking collaborators.
type Session struct {
	ID                  string                 `json:"session_id"`
	AudioSourcePath     string                 `json:"audio_source_path"`
	AudioArchivedPath   string                 `json:"audio_archived_path,omitempty"`
	RoutingDecision     string                 `json:"routing_decision,omitempty"`
	TranscriptionMethod string                 `json:"transcription_method,omitempty"`
	BreakdownModel      string                 `json:"breakdown_model,omitempty"`
	Stages              map[string]*StageState `json:"stages"`
	CreatedAt           time.Time              `json:"created_at"`
	LastUpdatedAt       time.Time              `json:"last_updated_at"`
}

// New builds a fresh session for the given audio path.
func New(audioPath string, now time.Time) *Session {
	return &Session{
		ID:              MakeID(audioPath, now),
		AudioSourcePath: audioPath,
		Stages:          make(map[string]*StageState),
		CreatedAt:       now,
		LastUpdatedAt:   now,
	}
}

// Done reports whether the named stage has completed.
func (s *Session) Done(stage string) bool {
	st, ok := s.Stages[stage]
	return ok && st.Status == StatusDone
}

// Failed reports whether the named stage is in the failed state.
func (s *Session) Failed(stage string) bool {
	st, ok := s.Stages[stage]
	return ok && st.Status == StatusFailed
}

// Terminal reports whether the capture's audio has been consumed: once the
// archive stage is done the original path is free for an unrelated capture
// with the same name.
func (s *Session) Terminal() bool {
	return s.Done(StageArchive)
}

// MarkDone records a completed stage with its durable artifact. A stage that
// is already done stays done; use Reset for an explicit forced re-run.
func (s *Session) MarkDone(stage, artifactPath string, at time.Time) {
	if s.Done(stage) {
		return
	}
	s.Stages[stage] = &StageState{
		Status:       StatusDone,
		ArtifactPath: artifactPath,
		CompletedAt:  &at,
	}
}

// MarkFailed records a stage failure. A done stage is never demoted.
func (s *Session) MarkFailed(stage string, failure error) {
	if s.Done(stage) {
		return
	}
	st := &StageState{Status: StatusFailed}
	if failure != nil {
		st.Error = failure.Error()
	}
	s.Stages[stage] = st
}

// Reset clears one stage for an explicit forced re-run.
func (s *Session) Reset(stage string) {
	delete(s.Stages, stage)
	if stage == StageRoute {
		s.RoutingDecision = ""
	}
}

var stemSanitizer = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// MakeID derives the session identifier from the audio file and creation
// time: YYYYMMDD-HHMMSS-<sanitized stem>.
func MakeID(audioPath string, now time.Time) string {
	stem := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	base := strings.ToLower(strings.Trim(stemSanitizer.ReplaceAllString(stem, "-"), "-"))
	if base == "" {
		base = "audio"
	}
	return now.Format("20060102-150405") + "-" + base
}
