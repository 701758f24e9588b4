// Command voicenote turns audio captures dropped into a notes vault into
// clean, task-ready notes. It transcribes through a local Whisper server,
// cleans and breaks down the transcript with a local or remote language
// model, appends the result to the vault's capture file, and archives the
// audio. Interrupted captures resume from their last completed stage.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fpang/voicenote-pipeline/internal/anonymize"
	"github.com/fpang/voicenote-pipeline/internal/backend"
	"github.com/fpang/voicenote-pipeline/internal/config"
	"github.com/fpang/voicenote-pipeline/internal/dispatch"
	"github.com/fpang/voicenote-pipeline/internal/events"
	"github.com/fpang/voicenote-pipeline/internal/logging"
	"github.com/fpang/voicenote-pipeline/internal/metrics"
	"github.com/fpang/voicenote-pipeline/internal/notes"
	"github.com/fpang/voicenote-pipeline/internal/pipeline"
	"github.com/fpang/voicenote-pipeline/internal/routing"
	"github.com/fpang/voicenote-pipeline/internal/session"
	"github.com/fpang/voicenote-pipeline/internal/transcribe"
	"github.com/fpang/voicenote-pipeline/internal/watch"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "voicenote",
		Short: "Voice capture pipeline for a notes vault",
		Long: `Voicenote processes audio captures dropped into a notes vault: local
Whisper transcription, transcript cleanup, complexity-based routing to a
local or remote language model for task breakdown, an append to the vault's
capture file, and archival of the audio. Interrupted captures resume from
their last completed stage.

Examples:
  voicenote process --all
  voicenote process ~/Documents/NoteVault/audio/idea.m4a
  voicenote process --raw-only recording.webm
  voicenote watch
  voicenote report`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.Init()
		},
	}

	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(compactCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadVaultConfig resolves configuration for commands that write into the
// vault, failing early when the vault path is unusable.
func loadVaultConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openStore builds the configured session store. The returned closer is a
// no-op for the file backing.
func openStore(cfg *config.Config) (session.Store, func(), error) {
	if cfg.SessionBackend == "sqlite" {
		st, err := session.NewSQLiteStore(cfg.SessionsDir(), cfg.SessionsDB())
		if err != nil {
			return nil, nil, fmt.Errorf("session store: %w", err)
		}
		closer := func() {
			if err := st.Close(); err != nil {
				log.Warn().Err(err).Msg("Closing session store")
			}
		}
		return st, closer, nil
	}
	return session.NewFileStore(cfg.SessionsDir()), func() {}, nil
}

// buildDispatcher wires the pipeline collaborators from config. ctx is only
// used for backend client setup.
func buildDispatcher(ctx context.Context, cfg *config.Config) (*dispatch.Dispatcher, func(), error) {
	store, closeStore, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	var remote backend.Client
	if cfg.RemoteAvailable() {
		gem, err := backend.NewGemini(ctx, backend.GeminiOptions{
			APIKey:       cfg.GeminiAPIKey,
			Model:        cfg.GeminiModel,
			Timeout:      cfg.RemoteTimeout,
			Retries:      cfg.LocalRetries,
			RetryBackoff: cfg.LocalRetryBackoff,
		})
		if err != nil {
			closeStore()
			return nil, nil, fmt.Errorf("remote backend: %w", err)
		}
		remote = gem
	}

	scrubber, err := anonymize.New(anonymize.DefaultReplacements)
	if err != nil {
		closeStore()
		return nil, nil, fmt.Errorf("anonymizer: %w", err)
	}

	orch := pipeline.New(pipeline.Deps{
		Store:       store,
		Transcriber: transcribe.NewWhisper(cfg.WhisperAPIBase, cfg.WhisperModel, cfg.WhisperTimeout),
		LocalLLM: backend.NewLocal(backend.LocalOptions{
			BaseURL:        cfg.LocalAPIBase,
			Model:          cfg.LocalModel,
			APIKey:         cfg.LocalAPIKey,
			ConnectTimeout: cfg.LocalConnectTimeout,
			ReadTimeout:    cfg.LocalReadTimeout,
			Retries:        cfg.LocalRetries,
			RetryBackoff:   cfg.LocalRetryBackoff,
		}),
		RemoteLLM: remote,
		Scrubber:  scrubber,
		Appender:  notes.NewAppender(cfg.CaptureFile()),
		Archiver:  notes.NewArchiver(cfg.ProcessedDir()),
		Events:    events.NewLog(cfg.LogsDir()),
		RoutePolicy: routing.Policy{
			Enabled:         cfg.UseRemoteForComplex,
			HaveCredentials: cfg.GeminiAPIKey != "",
			WordThreshold:   cfg.RoutingWordThreshold,
			MarkerPhrases:   cfg.RoutingMarkerPhrases,
		},
		RawDir:      cfg.RawDir(),
		CaptureFile: cfg.CaptureFile(),
		MetricsFile: cfg.MetricsFile(),
	})

	return dispatch.New(store, orch, cfg.WorkerPoolSize), closeStore, nil
}

func pickMode(rawOnly, cleanOnly bool) pipeline.Mode {
	switch {
	case rawOnly:
		return pipeline.ModeRawOnly
	case cleanOnly:
		return pipeline.ModeCleanOnly
	}
	return pipeline.ModeAll
}

func processCmd() *cobra.Command {
	var (
		all       bool
		rawOnly   bool
		cleanOnly bool
	)

	cmd := &cobra.Command{
		Use:   "process [audio files]",
		Short: "Process audio captures through the pipeline",
		Long: `Process runs the capture pipeline on the given audio files, or on every
audio file waiting in the vault's audio directory with --all. A capture that
failed or was interrupted part-way picks up from its last completed stage,
so re-running after fixing a backend finishes the capture instead of
redoing it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadVaultConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			paths := args
			if all {
				if len(args) > 0 {
					return errors.New("--all does not take file arguments")
				}
				paths, err = dispatch.ListAudio(cfg.AudioDir(), cfg.WatchExtensions)
				if err != nil {
					return err
				}
				if len(paths) == 0 {
					fmt.Println("No audio files found")
					return nil
				}
				fmt.Printf("Found %d file(s)\n", len(paths))
			} else {
				if len(args) == 0 {
					return errors.New("pass audio files to process, or --all")
				}
				for _, p := range paths {
					if _, err := os.Stat(p); err != nil {
						return fmt.Errorf("file not found: %s", p)
					}
				}
			}

			d, closeStore, err := buildDispatcher(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			results := d.ProcessAll(ctx, paths, pickMode(rawOnly, cleanOnly))

			failed := 0
			for _, res := range results {
				if res.Err != nil {
					failed++
					fmt.Printf("failed: %s (%v)\n", filepath.Base(res.AudioPath), res.Err)
					continue
				}
				fmt.Printf("done: %s\n", filepath.Base(res.AudioPath))
			}
			if ctx.Err() != nil {
				fmt.Println("Interrupted; partially processed captures resume on the next run")
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d capture(s) failed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "process every audio file in the vault's audio directory")
	cmd.Flags().BoolVar(&rawOnly, "raw-only", false, "stop after transcription and keep the audio in place")
	cmd.Flags().BoolVar(&cleanOnly, "clean-only", false, "stop after transcript cleanup")
	cmd.MarkFlagsMutuallyExclusive("raw-only", "clean-only")
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the vault's audio directory and process new captures",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadVaultConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			started := time.Now()
			d, closeStore, err := buildDispatcher(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			w := watch.New(d, watch.Options{
				Dir:        cfg.AudioDir(),
				Extensions: cfg.WatchExtensions,
				Settle:     cfg.WatchSettle,
			})

			logging.NewStartupLogger("watch").
				Path("vault", cfg.VaultPath).
				Path("audio", cfg.AudioDir()).
				Path("capture", cfg.CaptureFile()).
				Backend("whisper", cfg.WhisperAPIBase).
				Backend("localLLM", cfg.LocalAPIBase).
				Backend("remoteModel", cfg.GeminiModel).
				Feature("remote", cfg.RemoteAvailable()).
				Config("sessionBackend", cfg.SessionBackend).
				Config("workers", strconv.Itoa(cfg.WorkerPoolSize)).
				InitDuration(time.Since(started)).
				Log()

			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			log.Info().Msg("Watcher stopped")
			return nil
		},
	}
}

func reportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Summarize past processing runs from the metrics log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			records, err := metrics.ReadLog(cfg.MetricsFile())
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Printf("No metrics found at %s\n", cfg.MetricsFile())
				return nil
			}

			s := metrics.Summarize(records)
			fmt.Println("Metrics Summary")
			fmt.Printf("- metrics file: %s\n", cfg.MetricsFile())
			fmt.Printf("- total runs: %d\n", s.Total)
			fmt.Printf("- successful runs: %d\n", s.Success)
			fmt.Printf("- failed runs: %d\n", s.Failed)
			fmt.Printf("- raw-only runs: %d\n", s.RawOnly)
			fmt.Printf("- avg total seconds (success): %.2f\n", s.AvgTotalSec)
			if s.CleanupRuns > 0 {
				fmt.Printf("- avg cleanup seconds: %.2f\n", s.AvgCleanupSec)
			}
			if s.BreakdownRuns > 0 {
				fmt.Printf("- avg breakdown seconds: %.2f\n", s.AvgBreakdownSec)
			}
			if s.CompressionRuns > 0 {
				fmt.Printf("- avg compression ratio (clean/raw chars): %.3f\n", s.AvgCompression)
			}
			return nil
		},
	}
}

func sessionsCmd() *cobra.Command {
	var failedOnly bool

	cmd := &cobra.Command{
		Use:   "sessions [id]",
		Short: "List capture sessions, or show one session's stage progress",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			store, closeStore, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			all, err := store.List()
			if err != nil {
				return err
			}

			if len(args) == 1 {
				return showSession(cfg, all, args[0])
			}

			shown := 0
			for _, s := range all {
				if failedOnly && !hasFailure(s) {
					continue
				}
				shown++
				line := fmt.Sprintf("%s  %-8s %s", s.ID, describeState(s), filepath.Base(s.AudioSourcePath))
				if stage, reason := firstFailure(s); reason != "" {
					line += fmt.Sprintf("  (%s: %s)", stage, reason)
				}
				fmt.Println(line)
			}
			if shown == 0 {
				fmt.Println("No sessions found.")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&failedOnly, "failed", false, "only sessions with a failed stage")
	return cmd
}

// showSession prints one session's full stage state and its run history
// from the processing logs. The id may be a unique prefix.
func showSession(cfg *config.Config, all []*session.Session, id string) error {
	var found *session.Session
	for _, s := range all {
		if strings.HasPrefix(s.ID, id) {
			if found != nil {
				return fmt.Errorf("session id %q is ambiguous", id)
			}
			found = s
		}
	}
	if found == nil {
		return fmt.Errorf("session not found: %s", id)
	}

	fmt.Printf("ID:      %s\n", found.ID)
	fmt.Printf("Audio:   %s\n", found.AudioSourcePath)
	if found.AudioArchivedPath != "" {
		fmt.Printf("Archive: %s\n", found.AudioArchivedPath)
	}
	fmt.Printf("Created: %s\n", found.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated: %s\n", found.LastUpdatedAt.Format("2006-01-02 15:04:05"))
	if found.RoutingDecision != "" {
		fmt.Printf("Routing: %s\n", found.RoutingDecision)
	}

	fmt.Println("Stages:")
	for _, stage := range session.StageOrder {
		st, ok := found.Stages[stage]
		if !ok {
			continue
		}
		line := fmt.Sprintf("  %-10s %-7s", stage, st.Status)
		if st.ArtifactPath != "" {
			line += " " + filepath.Base(st.ArtifactPath)
		}
		if st.Error != "" {
			line += " " + st.Error
		}
		fmt.Println(line)
	}

	printRunHistory(cfg, found.ID)
	return nil
}

// printRunHistory lists every run that touched a session, drawn from the
// monthly processing logs. Compacted months are read in place.
func printRunHistory(cfg *config.Config, sessionID string) {
	eventLog := events.NewLog(cfg.LogsDir())
	months, err := eventLog.Months()
	if err != nil {
		log.Warn().Err(err).Msg("Could not list processing logs")
		return
	}

	var history []events.Entry
	for _, month := range months {
		entries, err := eventLog.Read(month)
		if err != nil {
			log.Warn().Str("month", month).Err(err).Msg("Could not read processing log")
			continue
		}
		for _, e := range entries {
			if e.SessionID == sessionID {
				history = append(history, e)
			}
		}
	}
	if len(history) == 0 {
		return
	}

	fmt.Println("History:")
	for _, e := range history {
		line := fmt.Sprintf("  %s  run %.8s  %-10s %s",
			e.Timestamp.Format("2006-01-02 15:04:05"), e.RunID, e.Stage, e.Status)
		if e.Detail != "" {
			line += "  " + e.Detail
		}
		fmt.Println(line)
	}
}

func hasFailure(s *session.Session) bool {
	for _, st := range s.Stages {
		if st.Status == session.StatusFailed {
			return true
		}
	}
	return false
}

func firstFailure(s *session.Session) (string, string) {
	for _, stage := range session.StageOrder {
		if st, ok := s.Stages[stage]; ok && st.Status == session.StatusFailed {
			return stage, st.Error
		}
	}
	return "", ""
}

func describeState(s *session.Session) string {
	switch {
	case s.Terminal():
		return "done"
	case hasFailure(s):
		return "failed"
	default:
		return "partial"
	}
}

func compactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Compress processing logs from previous months",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			months, err := events.NewLog(cfg.LogsDir()).Compact(time.Now())
			if err != nil {
				return err
			}
			if len(months) == 0 {
				fmt.Println("Nothing to compact.")
				return nil
			}
			for _, m := range months {
				fmt.Printf("compacted %s\n", m)
			}
			return nil
		},
	}
}
