package docker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/melih/vulndock/internal/core/domain"
)

// detectComposeCommand prefers the compose plugin and falls back to the
// standalone binary, the same probe order operators expect.
func detectComposeCommand() []string {
	candidates := [][]string{
		{"docker", "compose"},
		{"docker-compose"},
	}
	for _, cmd := range candidates {
		probe := exec.Command(cmd[0], append(cmd[1:], "version")...)
		if probe.Run() == nil {
			return cmd
		}
	}
	log.Warn("could not detect a compose command, assuming 'docker compose'")
	return []string{"docker", "compose"}
}

// Start runs `compose up -d` in the environment's directory. Already
// running environments are a no-op for compose, so Start is idempotent.
// A host-port collision is returned as *domain.PortConflictError with the
// occupying containers named.
func (p *Probe) Start(ctx context.Context, id string) error {
	dir, err := p.environmentDir(id)
	if err != nil {
		return err
	}
	stderr, err := p.runCompose(ctx, dir, "up", "-d")
	if err == nil {
		return nil
	}
	if isPortConflict(stderr) {
		port := conflictPort(stderr)
		return &domain.PortConflictError{
			Port:        port,
			Conflicting: p.portHolders(ctx, port),
			Detail:      strings.TrimSpace(stderr),
		}
	}
	return fmt.Errorf("failed to start %s: %w", id, err)
}

// Stop runs `compose down` in the environment's directory. Stopping a
// stopped environment succeeds as a no-op.
func (p *Probe) Stop(ctx context.Context, id string) error {
	dir, err := p.environmentDir(id)
	if err != nil {
		return err
	}
	if _, err := p.runCompose(ctx, dir, "down"); err != nil {
		return fmt.Errorf("failed to stop %s: %w", id, err)
	}
	return nil
}

// runCompose executes the compose CLI in dir and returns its stderr output
// alongside the error, for failure classification.
func (p *Probe) runCompose(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, p.compose[0], append(p.compose[1:], args...)...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if execErr, ok := err.(*exec.Error); ok {
			return stderr.String(), fmt.Errorf("%w: %v", domain.ErrRuntimeUnavailable, execErr)
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return stderr.String(), err
		}
		return stderr.String(), fmt.Errorf("%s: %w", firstLine(msg), err)
	}
	return stderr.String(), nil
}

// environmentDir resolves a catalog id to its directory, rejecting ids
// that would escape the catalog root or that have no compose file.
func (p *Probe) environmentDir(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("empty id: %w", domain.ErrNotFound)
	}
	dir := filepath.Join(p.root, filepath.FromSlash(id))
	rel, err := filepath.Rel(p.root, dir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s: %w", id, domain.ErrNotFound)
	}
	for _, name := range composeFileNames {
		if fi, serr := os.Stat(filepath.Join(dir, name)); serr == nil && fi.Mode().IsRegular() {
			return dir, nil
		}
	}
	return "", fmt.Errorf("%s: %w", id, domain.ErrNotFound)
}

// composeFileNames mirrors the scanner's recognized compose file names.
var composeFileNames = []string{
	"docker-compose.yml",
	"docker-compose.yaml",
	"compose.yml",
	"compose.yaml",
}

var conflictPortPattern = regexp.MustCompile(`(?:0\.0\.0\.0|\[::\]|127\.0\.0\.1):(\d+)`)

// isPortConflict matches the daemon's two allocator failure messages.
func isPortConflict(stderr string) bool {
	lower := strings.ToLower(stderr)
	return strings.Contains(lower, "port is already allocated") ||
		strings.Contains(lower, "address already in use")
}

func conflictPort(stderr string) int {
	m := conflictPortPattern.FindStringSubmatch(stderr)
	if m == nil {
		return 0
	}
	port, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return port
}

// portHolders names the running containers that publish the conflicting
// host port. Best effort: an unreachable daemon just yields no names.
func (p *Probe) portHolders(ctx context.Context, port int) []string {
	if port == 0 {
		return nil
	}
	containers, err := p.Containers(ctx)
	if err != nil {
		log.WithError(err).Debug("could not resolve port conflict holders")
		return nil
	}
	var holders []string
	for _, c := range containers {
		for _, published := range c.Ports {
			if published == port {
				holders = append(holders, c.Name)
				break
			}
		}
	}
	return holders
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
