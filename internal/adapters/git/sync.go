package git

import (
	"context"
	"errors"
	"fmt"
	"os"

	gogit "github.com/go-git/go-git/v5"
	log "github.com/sirupsen/logrus"
)

// Syncer manages the catalog checkout: it clones the vulnerable-environment
// repository when the catalog root does not exist yet and fast-forwards it
// on demand afterwards.
type Syncer struct {
	root string
	url  string
}

// NewSyncer creates a syncer for the checkout at root tracking url.
func NewSyncer(root, url string) *Syncer {
	return &Syncer{root: root, url: url}
}

// Sync brings the checkout up to date and reports whether anything
// changed. A changed checkout means the catalog fingerprint no longer
// matches and the caller should force a rescan.
func (s *Syncer) Sync(ctx context.Context) (bool, error) {
	if _, err := os.Stat(s.root); os.IsNotExist(err) {
		return true, s.clone(ctx)
	}

	repo, err := gogit.PlainOpen(s.root)
	if err != nil {
		if errors.Is(err, gogit.ErrRepositoryNotExists) {
			// Plain directory, not a checkout; nothing to sync against.
			return false, nil
		}
		return false, fmt.Errorf("failed to open catalog checkout: %w", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("failed to open catalog worktree: %w", err)
	}

	log.WithField("root", s.root).Info("updating catalog checkout")
	err = wt.PullContext(ctx, &gogit.PullOptions{RemoteName: "origin"})
	if errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to update catalog checkout: %w", err)
	}
	return true, nil
}

func (s *Syncer) clone(ctx context.Context) error {
	log.WithFields(log.Fields{"url": s.url, "root": s.root}).Info("cloning catalog")
	_, err := gogit.PlainCloneContext(ctx, s.root, false, &gogit.CloneOptions{
		URL:      s.url,
		Progress: os.Stdout,
		Depth:    1, // Shallow clone for speed
	})
	if err != nil {
		return fmt.Errorf("failed to clone catalog: %w", err)
	}
	return nil
}
