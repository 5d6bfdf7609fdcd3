package ports

import (
	"context"

	"github.com/melih/vulndock/internal/core/domain"
)

// Scanner discovers environment definitions on disk.
type Scanner interface {
	// Scan walks the catalog and produces a snapshot with runtime fields
	// (status, image presence) still at their zero state.
	Scan(ctx context.Context) (*domain.Snapshot, error)

	// Fingerprint recomputes the catalog fingerprint from directory
	// listings and file stats only. It must be cheap: no file contents are
	// read and no runtime queries are made.
	Fingerprint(ctx context.Context) (string, error)
}

// SnapshotStore persists the catalog snapshot between processes.
type SnapshotStore interface {
	// Load returns the stored snapshot, or nil (with nil error) when no
	// usable snapshot exists: missing file, unreadable file, parse failure
	// and format-version mismatch are all just a cold start.
	Load() (*domain.Snapshot, error)

	// Save atomically replaces the stored snapshot.
	Save(snap *domain.Snapshot) error

	// Patch applies a single-entry mutation by id against the freshest
	// stored snapshot and re-saves it. It is safe to call concurrently for
	// different ids; callers serialize patches for the same id.
	Patch(id string, mutate func(env *domain.Environment)) error
}
