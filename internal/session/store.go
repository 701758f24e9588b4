package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
)

// ErrLocked is returned by TryLock when another run holds the session.
var ErrLocked = errors.New("session is locked by another run")

// Store persists per-capture processing state. Get returns (nil, nil) when
// the requested session does not exist. Put must be atomic with respect to
// process termination.
type Store interface {
	// LoadOrCreate resolves an audio path to its session: the newest
	// resumable session for that path, or a fresh one. A terminal session is
	// resumed only while its audio file is gone; once a new file occupies
	// the path again, a new session is created.
	LoadOrCreate(audioPath string) (*Session, error)

	// Get retrieves a session by ID. Returns nil, nil if not found.
	Get(sessionID string) (*Session, error)

	// Put persists the session record, refreshing LastUpdatedAt.
	Put(s *Session) error

	// List returns all sessions, newest first.
	List() ([]*Session, error)

	// TryLock acquires the exclusive per-session lock, or ErrLocked.
	TryLock(sessionID string) (*Lock, error)

	// Dir returns the directory holding one session's record and artifacts.
	Dir(sessionID string) string

	// WriteArtifact durably writes a stage artifact into the session
	// directory and returns its path.
	WriteArtifact(s *Session, name, content string) (string, error)

	// ReadArtifact reads back the artifact recorded for a stage.
	ReadArtifact(s *Session, stage string) (string, error)
}

// Lock is an exclusive advisory lock on one session. It is released when
// Release is called or when the owning process exits.
type Lock struct {
	fl *flock.Flock
}

// Release unlocks the session.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}

// FileStore keeps each session in <root>/<session_id>/session.json with its
// artifacts beside it.
type FileStore struct {
	root string
	now  func() time.Time
}

// NewFileStore creates a FileStore rooted at the sessions directory.
func NewFileStore(root string) *FileStore {
	return &FileStore{root: root, now: time.Now}
}

// Dir returns the directory holding one session's record and artifacts.
func (fs *FileStore) Dir(sessionID string) string {
	return filepath.Join(fs.root, sessionID)
}

func (fs *FileStore) recordPath(sessionID string) string {
	return filepath.Join(fs.Dir(sessionID), "session.json")
}

// LoadOrCreate implements Store. Resolution is serialized across processes
// with a directory-level lock so two dispatchers racing on the same new path
// resolve to one session.
func (fs *FileStore) LoadOrCreate(audioPath string) (*Session, error) {
	abs, err := filepath.Abs(audioPath)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", audioPath, err)
	}

	if err := os.MkdirAll(fs.root, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	resolve := flock.New(filepath.Join(fs.root, ".resolve.lock"))
	if err := resolve.Lock(); err != nil {
		return nil, fmt.Errorf("acquire resolve lock: %w", err)
	}
	defer resolve.Unlock()

	existing, err := fs.findForPath(abs)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		log.Debug().Str("sessionId", existing.ID).Str("audio", abs).Msg("resuming existing session")
		return existing, nil
	}

	s := New(abs, fs.now())
	if err := fs.Put(s); err != nil {
		return nil, err
	}
	log.Debug().Str("sessionId", s.ID).Str("audio", abs).Msg("created session")
	return s, nil
}

// findForPath returns the newest session claiming the audio path that is
// still entitled to it: any non-terminal session, or a terminal one while
// the file itself is absent.
func (fs *FileStore) findForPath(abs string) (*Session, error) {
	all, err := fs.List()
	if err != nil {
		return nil, err
	}
	for _, s := range all {
		if s.AudioSourcePath != abs {
			continue
		}
		if !s.Terminal() {
			return s, nil
		}
		if _, err := os.Stat(abs); os.IsNotExist(err) {
			return s, nil
		}
		return nil, nil
	}
	return nil, nil
}

// Get implements Store.
func (fs *FileStore) Get(sessionID string) (*Session, error) {
	data, err := os.ReadFile(fs.recordPath(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", sessionID, err)
	}
	s, err := decodeSessionRecord(data)
	if err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return s, nil
}

func decodeSessionRecord(data []byte) (*Session, error) {
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if s.Stages == nil {
		s.Stages = make(map[string]*StageState)
	}
	return &s, nil
}

// Put implements Store using write-new-then-rename.
func (fs *FileStore) Put(s *Session) error {
	s.LastUpdatedAt = fs.now()

	dir := fs.Dir(s.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir %s: %w", s.ID, err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", s.ID, err)
	}

	path := fs.recordPath(s.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write session %s: %w", s.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit session %s: %w", s.ID, err)
	}
	return nil
}

// List implements Store. Broken records are skipped with a warning rather
// than failing the listing.
func (fs *FileStore) List() ([]*Session, error) {
	entries, err := os.ReadDir(fs.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read sessions dir: %w", err)
	}

	sessions := make([]*Session, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		s, err := fs.Get(e.Name())
		if err != nil {
			log.Warn().Err(err).Str("sessionId", e.Name()).Msg("skipping unreadable session record")
			continue
		}
		if s == nil {
			continue
		}
		sessions = append(sessions, s)
	}

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID > sessions[j].ID })
	return sessions, nil
}

// TryLock implements Store.
func (fs *FileStore) TryLock(sessionID string) (*Lock, error) {
	return lockSessionDir(fs.Dir(sessionID), sessionID)
}

// WriteArtifact implements Store using write-new-then-rename so a stage is
// only ever marked done against a fully written artifact.
func (fs *FileStore) WriteArtifact(s *Session, name, content string) (string, error) {
	return writeArtifactFile(fs.Dir(s.ID), s.ID, name, content)
}

// ReadArtifact implements Store.
func (fs *FileStore) ReadArtifact(s *Session, stage string) (string, error) {
	return readStageArtifact(s, stage)
}

// lockSessionDir acquires the advisory file lock inside a session directory.
// Artifacts and locks live on the filesystem for every store backing, so the
// backings exclude each other when pointed at the same vault.
func lockSessionDir(dir, sessionID string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir %s: %w", sessionID, err)
	}

	fl := flock.New(filepath.Join(dir, ".lock"))
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock session %s: %w", sessionID, err)
	}
	if !locked {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrLocked)
	}
	return &Lock{fl: fl}, nil
}

func writeArtifactFile(dir, sessionID, name, content string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create session dir %s: %w", sessionID, err)
	}

	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write artifact %s: %w", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit artifact %s: %w", name, err)
	}
	return path, nil
}

func readStageArtifact(s *Session, stage string) (string, error) {
	st, ok := s.Stages[stage]
	if !ok || st.ArtifactPath == "" {
		return "", fmt.Errorf("session %s: no artifact recorded for stage %s", s.ID, stage)
	}
	data, err := os.ReadFile(st.ArtifactPath)
	if err != nil {
		return "", fmt.Errorf("read %s artifact: %w", stage, err)
	}
	return string(data), nil
}
