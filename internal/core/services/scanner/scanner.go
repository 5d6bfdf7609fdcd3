package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	log "github.com/sirupsen/logrus"

	"github.com/melih/vulndock/internal/core/domain"
)

// composeNames are the file names that make a directory an environment.
var composeNames = []string{
	"docker-compose.yml",
	"docker-compose.yaml",
	"compose.yml",
	"compose.yaml",
}

// exploitDirs and exploitGlobs drive exploit detection: presence of a
// recognized script is enough, content is never inspected.
var exploitDirs = []string{"exploit", "exploits", "poc", "pocs"}

var exploitGlobs = []string{"*exploit*.py", "*exploit*.sh", "poc.py", "poc.sh", "exp.py", "PoC.py"}

var exploitExts = map[string]bool{
	".py": true, ".sh": true, ".rb": true, ".go": true, ".c": true, ".cpp": true,
}

// Catalog scans a vulhub-style directory tree: categories at the first
// level, environment directories at the second, each qualified by a
// compose file.
type Catalog struct {
	root string
}

// New creates a scanner rooted at the catalog directory.
func New(root string) *Catalog {
	return &Catalog{root: root}
}

// Scan walks the catalog and builds a fresh snapshot. Runtime-derived
// fields (status, image presence) are left at their initial state; the
// reconciliation engine fills them in from the runtime probe. Unreadable
// subtrees are skipped and malformed compose files degrade their one
// entry, never the whole scan.
func (c *Catalog) Scan(ctx context.Context) (*domain.Snapshot, error) {
	envs := make(map[string]domain.Environment)
	sigs := make(map[string]string)

	err := c.walk(ctx, func(id, dir, composePath string, fi fs.FileInfo) {
		env := domain.Environment{
			ID:        id,
			Category:  strings.SplitN(id, "/", 2)[0],
			CVE:       filepath.Base(id),
			Status:    domain.StatusUnknown,
			Signature: signature(id, fi),
		}

		data, rerr := os.ReadFile(composePath)
		if rerr != nil {
			log.WithField("env", id).WithError(rerr).Warn("compose file unreadable")
			env.ParseError = true
		} else if services, images, perr := parseCompose(data); perr != nil {
			log.WithField("env", id).WithError(perr).Warn("compose file malformed")
			env.ParseError = true
		} else {
			env.Services = services
			env.Images = images
		}

		env.ExploitFiles = exploitFiles(dir)
		env.HasExploit = len(env.ExploitFiles) > 0
		env.HasReadme = fileExists(filepath.Join(dir, "README.md"))
		env.HasReadmeZH = fileExists(filepath.Join(dir, "README.zh-cn.md")) ||
			fileExists(filepath.Join(dir, "README_zh.md"))

		envs[id] = env
		sigs[id] = env.Signature
	})
	if err != nil {
		return nil, err
	}

	return &domain.Snapshot{
		FormatVersion: domain.SnapshotFormatVersion,
		Fingerprint:   combine(sigs),
		GeneratedAt:   time.Now(),
		Environments:  envs,
	}, nil
}

// Fingerprint recomputes the catalog fingerprint from directory listings
// and compose-file stats alone. This is the cheap check the fast path
// runs on every read; no file contents are touched.
func (c *Catalog) Fingerprint(ctx context.Context) (string, error) {
	sigs := make(map[string]string)
	err := c.walk(ctx, func(id, dir, composePath string, fi fs.FileInfo) {
		sigs[id] = signature(id, fi)
	})
	if err != nil {
		return "", err
	}
	return combine(sigs), nil
}

// walk visits every qualifying environment directory, two levels deep:
// category, then leaf. Symlinked directories are not followed, so cycles
// cannot occur. Unreadable directories are skipped.
func (c *Catalog) walk(ctx context.Context, visit func(id, dir, composePath string, fi fs.FileInfo)) error {
	categories, err := os.ReadDir(c.root)
	if err != nil {
		return fmt.Errorf("failed to read catalog root %s: %w", c.root, err)
	}

	for _, cat := range categories {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !cat.IsDir() || strings.HasPrefix(cat.Name(), ".") {
			continue
		}
		leaves, err := os.ReadDir(filepath.Join(c.root, cat.Name()))
		if err != nil {
			log.WithField("category", cat.Name()).WithError(err).Warn("skipping unreadable category")
			continue
		}
		for _, leaf := range leaves {
			if !leaf.IsDir() || strings.HasPrefix(leaf.Name(), ".") {
				continue
			}
			dir := filepath.Join(c.root, cat.Name(), leaf.Name())
			composePath, fi := findCompose(dir)
			if composePath == "" {
				continue
			}
			id := cat.Name() + "/" + leaf.Name()
			visit(id, dir, composePath, fi)
		}
	}
	return nil
}

func findCompose(dir string) (string, fs.FileInfo) {
	for _, name := range composeNames {
		p := filepath.Join(dir, name)
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			return p, fi
		}
	}
	return "", nil
}

// signature fingerprints one compose file from its mtime and size. Cheap
// by construction: a stat is all it costs, which keeps Fingerprint fast
// over hundreds of environments.
func signature(id string, fi fs.FileInfo) string {
	h := xxhash.New()
	fmt.Fprintf(h, "%s|%d|%d", id, fi.ModTime().UnixNano(), fi.Size())
	return fmt.Sprintf("%016x", h.Sum64())
}

// combine folds the full id->signature set into the catalog fingerprint.
// Any added, removed or edited environment changes the result.
func combine(sigs map[string]string) string {
	ids := make([]string, 0, len(sigs))
	for id := range sigs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	h := xxhash.New()
	for _, id := range ids {
		fmt.Fprintf(h, "%s=%s\n", id, sigs[id])
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// exploitFiles returns the recognized exploit scripts under dir, as paths
// relative to it: everything with a script extension inside an exploit
// subdirectory, plus well-known names at the top level.
func exploitFiles(dir string) []string {
	var found []string
	for _, sub := range exploitDirs {
		entries, err := os.ReadDir(filepath.Join(dir, sub))
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.Type().IsRegular() && exploitExts[filepath.Ext(e.Name())] {
				found = append(found, sub+"/"+e.Name())
			}
		}
	}
	for _, pattern := range exploitGlobs {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			continue
		}
		for _, m := range matches {
			found = append(found, filepath.Base(m))
		}
	}
	sort.Strings(found)
	return dedup(found)
}

func dedup(in []string) []string {
	out := in[:0]
	var prev string
	for i, s := range in {
		if i == 0 || s != prev {
			out = append(out, s)
		}
		prev = s
	}
	return out
}

func fileExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.Mode().IsRegular()
}
