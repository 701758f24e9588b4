// Package config resolves the process-wide pipeline configuration. Load
// reads a .env file (when present) and the environment exactly once at
// startup; the resulting Config is passed by reference into every component
// and nothing consults the environment afterwards.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// DefaultMarkerPhrases are the transcript fragments that push a capture
// toward remote-assisted task breakdown regardless of its length.
var DefaultMarkerPhrases = []string{
	"break down",
	"step by step",
	"what should i do",
	"what's the best way",
	"plan",
	"depends on",
	"blocked by",
	"sequence",
}

// DefaultWatchExtensions are the audio file extensions the watcher and the
// --all discovery accept, lowercase with leading dot.
var DefaultWatchExtensions = []string{".webm", ".m4a", ".mp3", ".wav", ".ogg", ".flac"}

// Config holds every tunable the pipeline reads.
type Config struct {
	VaultPath string

	// Speech-to-text server (OpenAI-compatible transcriptions endpoint).
	WhisperAPIBase string
	WhisperModel   string
	WhisperTimeout time.Duration

	// Local LLM (OpenAI-compatible chat completions endpoint).
	LocalAPIBase        string
	LocalModel          string
	LocalAPIKey         string
	LocalConnectTimeout time.Duration
	LocalReadTimeout    time.Duration
	LocalRetries        int
	LocalRetryBackoff   time.Duration

	// Remote backend.
	UseRemoteForComplex bool
	GeminiAPIKey        string
	GeminiModel         string
	RemoteTimeout       time.Duration

	// Routing policy.
	RoutingWordThreshold int
	RoutingMarkerPhrases []string

	// Watcher and worker pool.
	WatchExtensions []string
	WatchSettle     time.Duration
	WorkerPoolSize  int

	// SessionBackend selects where session records live: "files" keeps a
	// session.json per capture, "sqlite" keeps rows in one database. Stage
	// artifacts stay on the filesystem either way.
	SessionBackend string
}

// Load builds a Config from the environment, reading a .env file first when
// one exists in the working directory.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		VaultPath: envOrDefault("VAULT_PATH", defaultVaultPath()),

		WhisperAPIBase: envOrDefault("WHISPER_API_BASE", "http://127.0.0.1:8090/v1"),
		WhisperModel:   envOrDefault("WHISPER_MODEL", "base"),
		WhisperTimeout: envSeconds("WHISPER_TIMEOUT_SEC", 300),

		LocalAPIBase:        envOrDefault("LOCAL_LLM_API_BASE", "http://127.0.0.1:1234/v1"),
		LocalModel:          envOrDefault("LOCAL_LLM_MODEL", "meta-llama-3-8b-instruct"),
		LocalAPIKey:         os.Getenv("LOCAL_LLM_API_KEY"),
		LocalConnectTimeout: envSeconds("LOCAL_LLM_CONNECT_TIMEOUT_SEC", 5),
		LocalReadTimeout:    envSeconds("LOCAL_LLM_READ_TIMEOUT_SEC", 120),
		LocalRetries:        envInt("LOCAL_LLM_RETRIES", 2),
		LocalRetryBackoff:   envSeconds("LOCAL_LLM_RETRY_BACKOFF_SEC", 2),

		UseRemoteForComplex: envBool("USE_REMOTE_FOR_COMPLEX", true),
		GeminiAPIKey:        os.Getenv("GEMINI_API_KEY"),
		GeminiModel:         envOrDefault("GEMINI_MODEL", "gemini-2.5-flash"),
		RemoteTimeout:       envSeconds("REMOTE_TIMEOUT_SEC", 120),

		RoutingWordThreshold: envInt("ROUTING_WORD_THRESHOLD", 60),
		RoutingMarkerPhrases: DefaultMarkerPhrases,

		WatchExtensions: DefaultWatchExtensions,
		WatchSettle:     envSeconds("WATCH_SETTLE_SECONDS", 2),
		WorkerPoolSize:  envInt("WORKER_POOL_SIZE", 2),

		SessionBackend: envOrDefault("SESSION_BACKEND", "files"),
	}

	if cfg.WorkerPoolSize < 1 {
		cfg.WorkerPoolSize = 1
	}
	return cfg, nil
}

// Validate checks that the vault exists and warns when remote routing is
// enabled without credentials. In that state the routing policy never
// selects the remote path, so it is not a hard failure.
func (c *Config) Validate() error {
	info, err := os.Stat(c.VaultPath)
	if err != nil {
		return fmt.Errorf("vault path does not exist: %s", c.VaultPath)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault path is not a directory: %s", c.VaultPath)
	}

	if c.SessionBackend != "files" && c.SessionBackend != "sqlite" {
		return fmt.Errorf("unknown SESSION_BACKEND %q (want files or sqlite)", c.SessionBackend)
	}

	if c.UseRemoteForComplex && c.GeminiAPIKey == "" {
		log.Warn().Msg("remote routing requested but GEMINI_API_KEY is missing; all captures will use the local backend")
	}
	return nil
}

// RemoteAvailable reports whether remote-assisted routing may be selected.
func (c *Config) RemoteAvailable() bool {
	return c.UseRemoteForComplex && c.GeminiAPIKey != ""
}

// Vault layout.

func (c *Config) AudioDir() string     { return filepath.Join(c.VaultPath, "audio") }
func (c *Config) ProcessedDir() string { return filepath.Join(c.AudioDir(), "processed") }
func (c *Config) CaptureFile() string  { return filepath.Join(c.VaultPath, "capture.md") }
func (c *Config) LogsDir() string      { return filepath.Join(c.VaultPath, "logs") }
func (c *Config) RawDir() string       { return filepath.Join(c.VaultPath, "raw") }
func (c *Config) SessionsDir() string  { return filepath.Join(c.VaultPath, "sessions") }
func (c *Config) SessionsDB() string   { return filepath.Join(c.SessionsDir(), "sessions.db") }
func (c *Config) MetricsFile() string  { return filepath.Join(c.LogsDir(), "metrics.jsonl") }

// EnsureDirs creates the vault working directories and touches the capture
// and metrics files so appends never race directory creation.
func (c *Config) EnsureDirs() error {
	for _, dir := range []string{
		c.AudioDir(),
		c.ProcessedDir(),
		c.LogsDir(),
		c.RawDir(),
		c.SessionsDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	for _, file := range []string{c.CaptureFile(), c.MetricsFile()} {
		f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("touch %s: %w", file, err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("touch %s: %w", file, err)
		}
	}
	return nil
}

func defaultVaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "NoteVault"
	}
	return filepath.Join(home, "Documents", "NoteVault")
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("var", key).Str("value", v).Msg("not an integer, using default")
		return def
	}
	return n
}

func envSeconds(key string, def float64) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(def * float64(time.Second))
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Warn().Str("var", key).Str("value", v).Msg("not a number, using default")
		return time.Duration(def * float64(time.Second))
	}
	return time.Duration(f * float64(time.Second))
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("var", key).Str("value", v).Msg("not a boolean, using default")
		return def
	}
	return b
}
