package fswatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Watcher observes the catalog root and its category directories and
// invokes onChange whenever environment directories or compose files are
// created, removed, renamed or written. The reconciliation engine uses it
// to drop its warm snapshot, shrinking the window where a changed catalog
// is served stale.
type Watcher struct {
	root     string
	onChange func()
	fsw      *fsnotify.Watcher
}

// New creates a watcher over the catalog rooted at root.
func New(root string, onChange func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{root: root, onChange: onChange, fsw: fsw}
	if err := fsw.Add(root); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("failed to watch catalog root: %w", err)
	}
	// Watch one level down so new/removed environment directories and
	// edited compose files are seen. Unreadable categories are skipped,
	// matching the scanner.
	entries, err := os.ReadDir(root)
	if err == nil {
		for _, e := range entries {
			if e.IsDir() {
				if werr := fsw.Add(filepath.Join(root, e.Name())); werr != nil {
					log.WithField("dir", e.Name()).WithError(werr).Debug("could not watch category")
				}
			}
		}
	}
	return w, nil
}

// Start consumes events until ctx is canceled.
func (w *Watcher) Start(ctx context.Context) {
	go func() {
		defer w.fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.fsw.Events:
				if !ok {
					return
				}
				w.handle(event)
			case err, ok := <-w.fsw.Errors:
				if !ok {
					return
				}
				log.WithError(err).Debug("catalog watcher error")
			}
		}
	}()
}

func (w *Watcher) handle(event fsnotify.Event) {
	// A category created at the root needs its own watch before its
	// environments become visible.
	if event.Op.Has(fsnotify.Create) && filepath.Dir(event.Name) == w.root {
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			if werr := w.fsw.Add(event.Name); werr != nil {
				log.WithField("dir", event.Name).WithError(werr).Debug("could not watch new category")
			}
		}
	}
	if event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Remove) ||
		event.Op.Has(fsnotify.Rename) || event.Op.Has(fsnotify.Write) {
		log.WithField("path", event.Name).Debug("catalog changed")
		w.onChange()
	}
}
