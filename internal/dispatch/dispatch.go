// Package dispatch maps incoming audio paths to sessions and fans them out
// to the pipeline with bounded concurrency. The folder watcher and the
// manual CLI trigger both land here, so both get identical session
// behavior; they differ only in how they discover paths.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fpang/voicenote-pipeline/internal/pipeline"
	"github.com/fpang/voicenote-pipeline/internal/session"
)

// ErrAlreadyProcessing reports a capture whose session is locked by another
// in-flight run. It is a dispatch-time rejection, not a session failure.
var ErrAlreadyProcessing = errors.New("capture is already being processed")

// Dispatcher resolves audio paths to sessions and runs them through the
// pipeline, at most one run per session and a bounded number of runs
// overall.
type Dispatcher struct {
	store session.Store
	orch  *pipeline.Orchestrator
	sem   chan struct{}
}

// New creates a dispatcher allowing up to workers concurrent runs.
func New(store session.Store, orch *pipeline.Orchestrator, workers int) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		store: store,
		orch:  orch,
		sem:   make(chan struct{}, workers),
	}
}

// Dispatch processes one capture end to end: resolve the session, take its
// lock, and run the pipeline. A capture whose session is locked elsewhere
// fails fast with ErrAlreadyProcessing. Each run gets a fresh run ID for
// correlating log and event entries.
func (d *Dispatcher) Dispatch(ctx context.Context, audioPath string, mode pipeline.Mode) error {
	select {
	case d.sem <- struct{}{}: // Acquire worker slot
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-d.sem }() // Release worker slot

	sess, err := d.store.LoadOrCreate(audioPath)
	if err != nil {
		return err
	}

	lock, err := d.store.TryLock(sess.ID)
	if err != nil {
		if errors.Is(err, session.ErrLocked) {
			log.Info().
				Str("sessionId", sess.ID).
				Str("audio", filepath.Base(audioPath)).
				Msg("Capture already being processed elsewhere, skipping")
			return fmt.Errorf("%s: %w", filepath.Base(audioPath), ErrAlreadyProcessing)
		}
		return err
	}
	defer func() {
		if relErr := lock.Release(); relErr != nil {
			log.Warn().Err(relErr).Str("sessionId", sess.ID).Msg("Session lock release failed")
		}
	}()

	return d.orch.Run(ctx, sess, mode, uuid.NewString())
}

// Result pairs one audio path with its processing outcome.
type Result struct {
	AudioPath string
	Err       error
}

// ProcessAll runs every capture concurrently within the worker budget. One
// capture failing never aborts the others; the caller gets one result per
// input, in input order.
func (d *Dispatcher) ProcessAll(ctx context.Context, audioPaths []string, mode pipeline.Mode) []Result {
	results := make([]Result, len(audioPaths))

	var wg sync.WaitGroup
	for i, path := range audioPaths {
		wg.Add(1)
		go func(idx int, audioPath string) {
			defer wg.Done()
			err := d.Dispatch(ctx, audioPath, mode)
			if err != nil {
				log.Error().Err(err).Str("audio", filepath.Base(audioPath)).Msg("Capture processing failed")
			}
			results[idx] = Result{AudioPath: audioPath, Err: err}
		}(i, path)
	}
	wg.Wait()

	return results
}

// ListAudio returns the audio files sitting directly in dir, filtered by
// extension (case-insensitive) and sorted by name so batch runs are
// deterministic. Dotfiles are skipped: macOS scatters AppleDouble files
// next to recordings and they are not captures.
func ListAudio(dir string, exts []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read inbox %s: %w", dir, err)
	}

	allowed := make(map[string]bool, len(exts))
	for _, ext := range exts {
		allowed[strings.ToLower(ext)] = true
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if allowed[strings.ToLower(filepath.Ext(entry.Name()))] {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}
