package domain

import "time"

// SnapshotFormatVersion is bumped whenever the persisted snapshot layout
// changes; a mismatch invalidates the whole cache file.
const SnapshotFormatVersion = 2

// Status is the last observed runtime state of an environment.
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusUnknown Status = "unknown"
)

// Environment describes one vulnerable-environment directory in the catalog.
type Environment struct {
	ID           string         `json:"id"`       // path relative to the catalog root, e.g. "nginx/CVE-2021-23017"
	Category     string         `json:"category"` // first path segment
	CVE          string         `json:"cve"`      // last path segment; not always a real CVE id
	Services     map[string]int `json:"services,omitempty"`
	Images       []string       `json:"images,omitempty"`
	HasExploit   bool           `json:"has_exploit"`
	HasImages    bool           `json:"has_images"`
	HasReadme    bool           `json:"has_readme"`
	HasReadmeZH  bool           `json:"has_readme_zh"`
	Status       Status         `json:"status"`
	ExploitFiles []string       `json:"exploit_files,omitempty"`
	ParseError   bool           `json:"parse_error,omitempty"`
	Signature    string         `json:"content_signature"`
}

// Snapshot is the persisted cache file content: everything the last full
// scan learned about the catalog, keyed by environment id.
type Snapshot struct {
	FormatVersion int                    `json:"format_version"`
	Fingerprint   string                 `json:"catalog_fingerprint"`
	GeneratedAt   time.Time              `json:"generated_at"`
	Environments  map[string]Environment `json:"environments"`
}

// Age reports how long ago the snapshot was generated.
func (s *Snapshot) Age() time.Duration {
	return time.Since(s.GeneratedAt)
}

// Stats aggregates the catalog for the console dashboard.
type Stats struct {
	Total       int            `json:"total"`
	Running     int            `json:"running"`
	Stopped     int            `json:"stopped"`
	WithExploit int            `json:"with_exploit"`
	WithImages  int            `json:"with_images"`
	Categories  map[string]int `json:"categories"`
}
