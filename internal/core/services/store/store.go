package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/melih/vulndock/internal/core/domain"
)

// FileStore persists the catalog snapshot as a single JSON file. Saves are
// atomic (write a sibling temp file, fsync, rename), so a reader never
// observes a half-written snapshot, even across a crash.
type FileStore struct {
	path string

	// mu serializes read-modify-write cycles so concurrent patches to
	// different environments cannot lose each other's updates. Only this
	// process writes the file, so a process-local lock is sufficient.
	mu sync.Mutex
}

// New creates a store backed by the file at path.
func New(path string) *FileStore {
	return &FileStore{path: path}
}

// Load returns the stored snapshot, or nil when no usable snapshot exists.
// A missing file, an unreadable file, a parse failure and a format-version
// mismatch are all the same thing to the caller: a cold start.
func (s *FileStore) Load() (*domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *FileStore) load() (*domain.Snapshot, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithField("path", s.path).WithError(err).Warn("cache file unreadable, treating as cold start")
		}
		return nil, nil
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		log.WithField("path", s.path).WithError(err).Warn("cache file corrupt, treating as cold start")
		return nil, nil
	}
	if snap.FormatVersion != domain.SnapshotFormatVersion {
		log.WithFields(log.Fields{
			"path": s.path,
			"have": snap.FormatVersion,
			"want": domain.SnapshotFormatVersion,
		}).Info("cache format version mismatch, treating as cold start")
		return nil, nil
	}
	if snap.Environments == nil {
		snap.Environments = make(map[string]domain.Environment)
	}
	return &snap, nil
}

// Save atomically replaces the stored snapshot.
func (s *FileStore) Save(snap *domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(snap)
}

func (s *FileStore) save(snap *domain.Snapshot) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	// The temp file must live in the same directory as the destination,
	// otherwise the rename is not atomic.
	tmp, err := os.CreateTemp(dir, ".cache-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp cache file: %w", err)
	}
	defer func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to flush snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace cache file: %w", err)
	}
	return nil
}

// Patch applies a single-entry mutation against the freshest on-disk
// snapshot and re-saves the whole file. The store must be warm; patching
// a cold store or an unknown id is an error so callers cannot silently
// resurrect removed environments.
func (s *FileStore) Patch(id string, mutate func(env *domain.Environment)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.load()
	if err != nil {
		return err
	}
	if snap == nil {
		return fmt.Errorf("cannot patch %s: cache is cold", id)
	}
	env, ok := snap.Environments[id]
	if !ok {
		return fmt.Errorf("cannot patch %s: %w", id, domain.ErrNotFound)
	}

	mutate(&env)
	snap.Environments[id] = env
	return s.save(snap)
}
