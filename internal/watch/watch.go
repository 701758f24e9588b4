// Package watch turns filesystem create events in the capture inbox into
// dispatcher calls, so recordings dropped into the folder are processed
// without manual triggering.
package watch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"

	"github.com/fpang/voicenote-pipeline/internal/dispatch"
	"github.com/fpang/voicenote-pipeline/internal/pipeline"
)

// Options configure a Watcher.
type Options struct {
	// Dir is the inbox directory, watched non-recursively.
	Dir string
	// Extensions lists the audio extensions to react to (".m4a" form).
	Extensions []string
	// Settle is how long to wait after a create event before dispatching,
	// giving the recording app time to finish writing the file.
	Settle time.Duration
	// Mode applies to every dispatched capture; defaults to ModeAll.
	Mode pipeline.Mode
}

// Watcher dispatches new audio files as they appear in the inbox. Files
// already present at startup are not picked up; the process command's
// --all flag handles that backlog.
type Watcher struct {
	dispatcher *dispatch.Dispatcher
	opts       Options

	mu       sync.Mutex
	inFlight map[string]bool
	wg       sync.WaitGroup
}

// New creates a watcher dispatching into d.
func New(d *dispatch.Dispatcher, opts Options) *Watcher {
	if opts.Mode == "" {
		opts.Mode = pipeline.ModeAll
	}
	return &Watcher{
		dispatcher: d,
		opts:       opts,
		inFlight:   make(map[string]bool),
	}
}

// Run watches until ctx is canceled, then waits for in-flight dispatches to
// wind down before returning. Processing failures are logged and the
// session left resumable; they never stop the watch loop.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.opts.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.opts.Dir, err)
	}
	log.Info().
		Str("dir", w.opts.Dir).
		Strs("extensions", w.opts.Extensions).
		Str("mode", string(w.opts.Mode)).
		Msg("Watching for new captures")

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				w.wg.Wait()
				return nil
			}
			// A file moved into the inbox also arrives as a create.
			if event.Has(fsnotify.Create) {
				w.maybeDispatch(ctx, event.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				w.wg.Wait()
				return nil
			}
			log.Warn().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) maybeDispatch(ctx context.Context, path string) {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") || !w.allowed(filepath.Ext(base)) {
		return
	}

	w.mu.Lock()
	if w.inFlight[path] {
		w.mu.Unlock()
		return
	}
	w.inFlight[path] = true
	w.mu.Unlock()

	log.Info().Str("audio", base).Msg("New audio detected")

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer func() {
			w.mu.Lock()
			delete(w.inFlight, path)
			w.mu.Unlock()
		}()

		if w.opts.Settle > 0 {
			select {
			case <-time.After(w.opts.Settle):
			case <-ctx.Done():
				return
			}
		}

		err := w.dispatcher.Dispatch(ctx, path, w.opts.Mode)
		switch {
		case err == nil:
		case errors.Is(err, dispatch.ErrAlreadyProcessing):
			log.Info().Str("audio", base).Msg("Capture already in flight, skipping")
		case ctx.Err() != nil:
			// Shutdown interrupted the run; the session resumes next start.
		default:
			log.Error().Err(err).Str("audio", base).Msg("Capture processing failed, session remains resumable")
		}
	}()
}

func (w *Watcher) allowed(ext string) bool {
	ext = strings.ToLower(ext)
	for _, allowed := range w.opts.Extensions {
		if strings.ToLower(allowed) == ext {
			return true
		}
	}
	return false
}
