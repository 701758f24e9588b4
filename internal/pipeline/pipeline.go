// Package pipeline drives a capture session through its stages: transcribe,
// clean, route, anonymize, breakdown, append, archive. Every stage outcome
// is persisted in the session store, so a rerun of the same audio picks up
// at the first incomplete stage instead of repeating work.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/fpang/voicenote-pipeline/internal/anonymize"
	"github.com/fpang/voicenote-pipeline/internal/backend"
	"github.com/fpang/voicenote-pipeline/internal/events"
	"github.com/fpang/voicenote-pipeline/internal/metrics"
	"github.com/fpang/voicenote-pipeline/internal/notes"
	"github.com/fpang/voicenote-pipeline/internal/routing"
	"github.com/fpang/voicenote-pipeline/internal/session"
	"github.com/fpang/voicenote-pipeline/internal/transcribe"
)

// Mode selects how much of the pipeline runs. The reduced modes run a
// prefix of the stage sequence and stop; the session stays open, so a later
// full-mode run finishes the remaining stages from the stored artifacts.
type Mode string

const (
	// ModeAll runs the full pipeline.
	ModeAll Mode = "all"
	// ModeRawOnly stops after transcription. The audio stays in place and
	// nothing is appended to the capture file.
	ModeRawOnly Mode = "raw_only"
	// ModeCleanOnly stops after cleanup, before routing.
	ModeCleanOnly Mode = "clean_only"
)

// Model tag recorded when the breakdown ran on the local backend.
const breakdownLocalLLM = "local_llm"

const anonymizeMapArtifact = "anonymize_map.json"

// ErrMissingPrerequisite marks a session that can never finish: a completed
// stage's artifact is gone and the source audio is gone too, so the stage
// cannot be reproduced.
var ErrMissingPrerequisite = errors.New("missing prerequisite artifact")

// Deps bundles the orchestrator's collaborators. RemoteLLM may be nil when
// no remote backend is configured.
type Deps struct {
	Store       session.Store
	Transcriber transcribe.Transcriber
	LocalLLM    backend.Client
	RemoteLLM   backend.Client
	Scrubber    *anonymize.Scrubber
	Appender    *notes.Appender
	Archiver    *notes.Archiver
	Events      *events.Log
	RoutePolicy routing.Policy

	RawDir      string
	CaptureFile string
	MetricsFile string

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// Orchestrator runs sessions through the pipeline. The caller must hold the
// session lock for the duration of Run.
type Orchestrator struct {
	deps Deps
	now  func() time.Time
}

// New creates an orchestrator.
func New(deps Deps) *Orchestrator {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{deps: deps, now: now}
}

// Run executes every stage the session still needs under the given mode.
// When nothing is left to do the run is a no-op: no metrics are flushed and
// no events are logged, so repeated dispatch of a finished capture leaves
// exactly one record of it.
func (o *Orchestrator) Run(ctx context.Context, sess *session.Session, mode Mode, runID string) error {
	if mode == "" {
		mode = ModeAll
	}

	start := o.now()
	rec := metrics.NewRecorder(o.deps.MetricsFile, sess.ID, sess.AudioSourcePath).
		RunID(runID).
		Mode(mode == ModeRawOnly, mode == ModeCleanOnly).
		Paths(o.deps.CaptureFile, o.deps.Store.Dir(sess.ID))

	log.Info().
		Str("sessionId", sess.ID).
		Str("audio", filepath.Base(sess.AudioSourcePath)).
		Str("mode", string(mode)).
		Str("runId", runID).
		Msg("Processing capture")

	executed := 0
	err := o.run(ctx, sess, mode, runID, rec, &executed)

	if executed == 0 && err == nil {
		log.Info().Str("sessionId", sess.ID).Str("mode", string(mode)).Msg("No pending stages, nothing to do")
		return nil
	}

	if err != nil && ctx.Err() != nil {
		// Interrupted mid-stage: leave the session as it was so the next
		// run resumes it, and record nothing about this run.
		log.Warn().Str("sessionId", sess.ID).Msg("Run interrupted, leaving session for resume")
		return err
	}

	rec.Duration("total", o.now().Sub(start))
	if err != nil {
		rec.Failure(err)
		log.Error().Err(err).Str("sessionId", sess.ID).Msg("Processing failed")
	} else {
		rec.Success()
		log.Info().Str("sessionId", sess.ID).Dur("total", o.now().Sub(start)).Msg("Processing complete")
	}

	if metaErr := rec.WriteMeta(o.deps.Store.Dir(sess.ID)); metaErr != nil {
		log.Warn().Err(metaErr).Str("sessionId", sess.ID).Msg("Session metadata write failed")
	}
	if flushErr := rec.Flush(); flushErr != nil {
		log.Warn().Err(flushErr).Str("sessionId", sess.ID).Msg("Metrics flush failed")
	}
	return err
}

func (o *Orchestrator) run(ctx context.Context, sess *session.Session, mode Mode, runID string, rec *metrics.Recorder, executed *int) error {
	rawText, err := o.stageTranscribe(ctx, sess, runID, rec, executed)
	if err != nil {
		return err
	}
	rec.Method(sess.TranscriptionMethod)
	rec.RawTranscript(sess.Stages[session.StageTranscribe].ArtifactPath, rawText)

	if mode == ModeRawOnly {
		return nil
	}

	cleanText, err := o.stageClean(ctx, sess, runID, rec, executed, rawText)
	if err != nil {
		return err
	}
	rec.CleanTranscript(sess.Stages[session.StageClean].ArtifactPath, cleanText, len(rawText))

	if mode == ModeCleanOnly {
		return nil
	}

	if err := o.stageRoute(ctx, sess, runID, rec, executed, cleanText); err != nil {
		return err
	}
	breakdownText, err := o.stageBreakdown(ctx, sess, runID, rec, executed, cleanText)
	if err != nil {
		return err
	}
	rec.BreakdownModel(sess.BreakdownModel)

	if err := o.stageAppend(ctx, sess, runID, rec, executed, rawText, cleanText, breakdownText); err != nil {
		return err
	}
	return o.stageArchive(ctx, sess, runID, rec, executed)
}

// --- Stages ---

func (o *Orchestrator) stageTranscribe(ctx context.Context, sess *session.Session, runID string, rec *metrics.Recorder, executed *int) (string, error) {
	if sess.Done(session.StageTranscribe) {
		text, err := o.deps.Store.ReadArtifact(sess, session.StageTranscribe)
		if err == nil {
			return text, nil
		}
		// The artifact is gone. With the source audio still present the
		// stage can simply run again; without it the session is stuck.
		if _, statErr := os.Stat(sess.AudioSourcePath); statErr != nil {
			sess.Reset(session.StageTranscribe)
			wrapped := fmt.Errorf("%w: raw transcript and source audio both missing", ErrMissingPrerequisite)
			return "", o.fail(ctx, sess, runID, session.StageTranscribe, wrapped)
		}
		log.Warn().Str("sessionId", sess.ID).Msg("Raw transcript artifact missing, re-transcribing")
		sess.Reset(session.StageTranscribe)
	}

	*executed++
	o.event(sess, runID, session.StageTranscribe, events.StatusStarted, "")
	t0 := o.now()

	res, err := o.deps.Transcriber.Transcribe(ctx, sess.AudioSourcePath)
	if err != nil {
		return "", o.fail(ctx, sess, runID, session.StageTranscribe, err)
	}
	artifact, err := o.deps.Store.WriteArtifact(sess, "raw_transcript.txt", res.Text)
	if err != nil {
		return "", o.fail(ctx, sess, runID, session.StageTranscribe, err)
	}
	if _, err := notes.SaveRawCopy(o.deps.RawDir, sess.AudioSourcePath, res.Text, o.now()); err != nil {
		return "", o.fail(ctx, sess, runID, session.StageTranscribe, err)
	}

	sess.TranscriptionMethod = res.Method
	rec.Duration("transcription", o.now().Sub(t0))
	if err := o.complete(sess, runID, session.StageTranscribe, artifact, res.Method); err != nil {
		return "", err
	}
	return res.Text, nil
}

func (o *Orchestrator) stageClean(ctx context.Context, sess *session.Session, runID string, rec *metrics.Recorder, executed *int, rawText string) (string, error) {
	if sess.Done(session.StageClean) {
		text, err := o.deps.Store.ReadArtifact(sess, session.StageClean)
		if err == nil {
			return text, nil
		}
		log.Warn().Str("sessionId", sess.ID).Msg("Cleaned transcript artifact missing, re-cleaning")
		sess.Reset(session.StageClean)
	}

	*executed++
	o.event(sess, runID, session.StageClean, events.StatusStarted, "")
	t0 := o.now()

	comp, err := o.deps.LocalLLM.Complete(ctx, "", cleanupPrompt(rawText))
	if err != nil {
		return "", o.fail(ctx, sess, runID, session.StageClean, err)
	}
	artifact, err := o.deps.Store.WriteArtifact(sess, "cleaned_transcript.txt", comp.Text)
	if err != nil {
		return "", o.fail(ctx, sess, runID, session.StageClean, err)
	}

	rec.Duration("cleanup", o.now().Sub(t0))
	rec.BackendAttempts("cleanup", comp.Attempts)
	if err := o.complete(sess, runID, session.StageClean, artifact, ""); err != nil {
		return "", err
	}
	return comp.Text, nil
}

func (o *Orchestrator) stageRoute(ctx context.Context, sess *session.Session, runID string, rec *metrics.Recorder, executed *int, cleanText string) error {
	if sess.Done(session.StageRoute) {
		if !routing.Known(sess.RoutingDecision) {
			return o.fail(ctx, sess, runID, session.StageRoute,
				&routing.Error{Decision: sess.RoutingDecision, Reason: "persisted decision not recognized"})
		}
		rec.Routing(sess.RoutingDecision)
		return nil
	}

	*executed++
	decision := routing.Decide(cleanText, o.deps.RoutePolicy)
	sess.RoutingDecision = decision
	rec.Routing(decision)
	log.Debug().Str("sessionId", sess.ID).Str("decision", decision).Msg("Routing decided")
	return o.complete(sess, runID, session.StageRoute, "", decision)
}

func (o *Orchestrator) stageBreakdown(ctx context.Context, sess *session.Session, runID string, rec *metrics.Recorder, executed *int, cleanText string) (string, error) {
	if sess.Done(session.StageBreakdown) {
		text, err := o.deps.Store.ReadArtifact(sess, session.StageBreakdown)
		if err == nil {
			rec.TasksPath(sess.Stages[session.StageBreakdown].ArtifactPath)
			return text, nil
		}
		log.Warn().Str("sessionId", sess.ID).Msg("Breakdown artifact missing, re-running breakdown")
		sess.Reset(session.StageBreakdown)
	}

	switch sess.RoutingDecision {
	case routing.RemoteAssisted:
		return o.breakdownRemote(ctx, sess, runID, rec, executed, cleanText)
	case routing.LocalOnly:
		return o.breakdownLocal(ctx, sess, runID, rec, executed, cleanText)
	default:
		return "", o.fail(ctx, sess, runID, session.StageBreakdown,
			&routing.Error{Decision: sess.RoutingDecision, Reason: "breakdown reached without a routing decision"})
	}
}

func (o *Orchestrator) breakdownLocal(ctx context.Context, sess *session.Session, runID string, rec *metrics.Recorder, executed *int, cleanText string) (string, error) {
	*executed++
	o.event(sess, runID, session.StageBreakdown, events.StatusStarted, breakdownLocalLLM)
	t0 := o.now()

	comp, err := o.deps.LocalLLM.Complete(ctx, "", localBreakdownPrompt(cleanText))
	if err != nil {
		return "", o.fail(ctx, sess, runID, session.StageBreakdown, err)
	}
	artifact, err := o.deps.Store.WriteArtifact(sess, "tasks_breakdown.md", comp.Text)
	if err != nil {
		return "", o.fail(ctx, sess, runID, session.StageBreakdown, err)
	}

	sess.BreakdownModel = breakdownLocalLLM
	rec.Duration("breakdown", o.now().Sub(t0))
	rec.BackendAttempts("breakdown", comp.Attempts)
	rec.TasksPath(artifact)
	if err := o.complete(sess, runID, session.StageBreakdown, artifact, breakdownLocalLLM); err != nil {
		return "", err
	}
	return comp.Text, nil
}

// breakdownRemote escalates to the remote backend. The cleaned text is
// scrubbed first and the response restored afterwards; the remote client
// only ever sees the anonymized form.
func (o *Orchestrator) breakdownRemote(ctx context.Context, sess *session.Session, runID string, rec *metrics.Recorder, executed *int, cleanText string) (string, error) {
	if o.deps.RemoteLLM == nil {
		return "", o.fail(ctx, sess, runID, session.StageBreakdown,
			&routing.Error{Decision: sess.RoutingDecision, Reason: "remote backend not configured"})
	}

	scrubbed, reverse, err := o.stageAnonymize(ctx, sess, runID, executed, cleanText)
	if err != nil {
		return "", err
	}

	*executed++
	o.event(sess, runID, session.StageBreakdown, events.StatusStarted, o.deps.RemoteLLM.Name())
	t0 := o.now()

	comp, err := o.deps.RemoteLLM.Complete(ctx, "", remoteBreakdownPrompt(scrubbed))
	if err != nil {
		return "", o.fail(ctx, sess, runID, session.StageBreakdown, err)
	}
	restored := anonymize.Restore(comp.Text, reverse)
	artifact, err := o.deps.Store.WriteArtifact(sess, "tasks_breakdown.md", restored)
	if err != nil {
		return "", o.fail(ctx, sess, runID, session.StageBreakdown, err)
	}

	sess.BreakdownModel = o.deps.RemoteLLM.Name()
	rec.Duration("breakdown", o.now().Sub(t0))
	rec.BackendAttempts("breakdown", comp.Attempts)
	rec.TasksPath(artifact)
	if err := o.complete(sess, runID, session.StageBreakdown, artifact, sess.BreakdownModel); err != nil {
		return "", err
	}
	return restored, nil
}

// stageAnonymize scrubs the cleaned text and persists both the scrubbed
// input and the reverse map, so a resumed session restores placeholders
// without re-deciding anything.
func (o *Orchestrator) stageAnonymize(ctx context.Context, sess *session.Session, runID string, executed *int, cleanText string) (string, map[string]string, error) {
	if sess.Done(session.StageAnonymize) {
		scrubbed, err := o.deps.Store.ReadArtifact(sess, session.StageAnonymize)
		if err == nil {
			reverse, mapErr := o.readAnonymizeMap(sess)
			if mapErr == nil {
				return scrubbed, reverse, nil
			}
		}
		log.Warn().Str("sessionId", sess.ID).Msg("Anonymization artifacts missing, re-scrubbing")
		sess.Reset(session.StageAnonymize)
	}

	*executed++
	o.event(sess, runID, session.StageAnonymize, events.StatusStarted, "")

	scrubbed, reverse, err := o.deps.Scrubber.Scrub(cleanText)
	if err != nil {
		return "", nil, o.fail(ctx, sess, runID, session.StageAnonymize, err)
	}

	mapJSON, err := json.Marshal(reverse)
	if err != nil {
		return "", nil, o.fail(ctx, sess, runID, session.StageAnonymize, fmt.Errorf("encode reverse map: %w", err))
	}
	if _, err := o.deps.Store.WriteArtifact(sess, anonymizeMapArtifact, string(mapJSON)); err != nil {
		return "", nil, o.fail(ctx, sess, runID, session.StageAnonymize, err)
	}
	artifact, err := o.deps.Store.WriteArtifact(sess, "anonymized_input.txt", scrubbed)
	if err != nil {
		return "", nil, o.fail(ctx, sess, runID, session.StageAnonymize, err)
	}

	detail := fmt.Sprintf("%d terms replaced", len(reverse))
	if err := o.complete(sess, runID, session.StageAnonymize, artifact, detail); err != nil {
		return "", nil, err
	}
	return scrubbed, reverse, nil
}

func (o *Orchestrator) readAnonymizeMap(sess *session.Session) (map[string]string, error) {
	data, err := os.ReadFile(filepath.Join(o.deps.Store.Dir(sess.ID), anonymizeMapArtifact))
	if err != nil {
		return nil, err
	}
	reverse := make(map[string]string)
	if err := json.Unmarshal(data, &reverse); err != nil {
		return nil, err
	}
	return reverse, nil
}

func (o *Orchestrator) stageAppend(ctx context.Context, sess *session.Session, runID string, rec *metrics.Recorder, executed *int, rawText, cleanText, breakdownText string) error {
	if sess.Done(session.StageAppend) {
		return nil
	}

	*executed++
	o.event(sess, runID, session.StageAppend, events.StatusStarted, "")
	t0 := o.now()

	entry := notes.Entry{
		Timestamp:           o.now(),
		AudioFile:           filepath.Base(sess.AudioSourcePath),
		TranscriptionMethod: sess.TranscriptionMethod,
		BreakdownModel:      sess.BreakdownModel,
		RawText:             rawText,
		CleanText:           cleanText,
		Breakdown:           breakdownText,
	}
	if err := o.deps.Appender.Append(entry); err != nil {
		return o.fail(ctx, sess, runID, session.StageAppend, err)
	}

	rec.Duration("capture_write", o.now().Sub(t0))
	return o.complete(sess, runID, session.StageAppend, o.deps.CaptureFile, "")
}

func (o *Orchestrator) stageArchive(ctx context.Context, sess *session.Session, runID string, rec *metrics.Recorder, executed *int) error {
	if sess.Done(session.StageArchive) {
		rec.Archived(sess.AudioArchivedPath)
		return nil
	}

	*executed++
	o.event(sess, runID, session.StageArchive, events.StatusStarted, "")

	dest, err := o.deps.Archiver.Archive(sess.AudioSourcePath)
	if err != nil {
		return o.fail(ctx, sess, runID, session.StageArchive, err)
	}
	sess.AudioArchivedPath = dest
	rec.Archived(dest)
	return o.complete(sess, runID, session.StageArchive, dest, dest)
}

// --- Bookkeeping ---

func (o *Orchestrator) event(sess *session.Session, runID, stage, status, detail string) {
	e := events.Entry{
		Timestamp: o.now(),
		RunID:     runID,
		SessionID: sess.ID,
		AudioFile: filepath.Base(sess.AudioSourcePath),
		Stage:     stage,
		Status:    status,
		Detail:    detail,
	}
	if err := o.deps.Events.Append(e); err != nil {
		log.Warn().Err(err).Str("stage", stage).Msg("Event log append failed")
	}
}

// fail records the failure in the session record and the event log, unless
// the run was canceled: an interrupted stage stays pending so the next run
// retries it instead of treating it as broken.
func (o *Orchestrator) fail(ctx context.Context, sess *session.Session, runID, stage string, err error) error {
	if ctx.Err() != nil {
		return err
	}
	sess.MarkFailed(stage, err)
	if putErr := o.deps.Store.Put(sess); putErr != nil {
		log.Error().Err(putErr).Str("sessionId", sess.ID).Msg("Session state write failed")
	}
	o.event(sess, runID, stage, events.StatusFailed, err.Error())
	return err
}

func (o *Orchestrator) complete(sess *session.Session, runID, stage, artifactPath, detail string) error {
	sess.MarkDone(stage, artifactPath, o.now())
	if err := o.deps.Store.Put(sess); err != nil {
		return fmt.Errorf("persist session after %s: %w", stage, err)
	}
	o.event(sess, runID, stage, events.StatusDone, detail)
	return nil
}
