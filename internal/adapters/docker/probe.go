package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"

	"github.com/melih/vulndock/internal/core/domain"
	"github.com/melih/vulndock/internal/core/ports"
)

// Compose labels the runtime stamps on every container it manages. The
// working-dir label is what ties a container back to its catalog entry.
const (
	labelWorkingDir = "com.docker.compose.project.working_dir"
	labelProject    = "com.docker.compose.project"
	labelService    = "com.docker.compose.service"
)

// Probe implements ports.ContainerRuntime against a local Docker daemon.
// Queries go through the Docker SDK; compose lifecycle operations shell
// out to the compose CLI (see compose.go), because the SDK has no notion
// of a compose project.
type Probe struct {
	cli     *client.Client
	root    string   // catalog root, for id <-> directory mapping
	compose []string // detected compose command, e.g. ["docker","compose"]
}

// NewProbe creates a probe for the catalog rooted at root.
func NewProbe(root string) (*Probe, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve catalog root: %w", err)
	}
	return &Probe{cli: cli, root: abs, compose: detectComposeCommand()}, nil
}

// ImagesPresent answers one batched presence query: a single image listing
// covers every reference, however many environments declared them.
func (p *Probe) ImagesPresent(ctx context.Context, refs []string) (map[string]bool, error) {
	if len(refs) == 0 {
		return map[string]bool{}, nil
	}
	summaries, err := p.cli.ImageList(ctx, types.ImageListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}

	local := make(map[string]struct{})
	for _, s := range summaries {
		for _, tag := range s.RepoTags {
			local[tag] = struct{}{}
		}
	}

	present := make(map[string]bool, len(refs))
	for _, ref := range refs {
		_, ok := local[normalizeRef(ref)]
		present[ref] = ok
	}
	return present, nil
}

// ContainerStates returns the observed state of every environment that has
// running containers, keyed by environment id. Environments without
// containers simply have no entry.
func (p *Probe) ContainerStates(ctx context.Context) (map[string]ports.ContainerState, error) {
	containers, err := p.cli.ContainerList(ctx, types.ContainerListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	states := make(map[string]ports.ContainerState)
	for _, c := range containers {
		id := p.environmentID(c.Labels[labelWorkingDir])
		if id == "" {
			continue
		}
		state, ok := states[id]
		if !ok {
			state = ports.ContainerState{Status: domain.StatusRunning, Services: make(map[string]int)}
		}
		if svc := c.Labels[labelService]; svc != "" {
			for _, port := range c.Ports {
				if port.PublicPort != 0 {
					state.Services[svc] = int(port.PublicPort)
					break
				}
			}
		}
		states[id] = state
	}
	return states, nil
}

// ContainerState reports a single environment's state; an environment with
// no running containers is stopped.
func (p *Probe) ContainerState(ctx context.Context, id string) (ports.ContainerState, error) {
	states, err := p.ContainerStates(ctx)
	if err != nil {
		return ports.ContainerState{Status: domain.StatusUnknown}, err
	}
	if state, ok := states[id]; ok {
		return state, nil
	}
	return ports.ContainerState{Status: domain.StatusStopped}, nil
}

// Containers lists the running containers for the console's runtime view.
func (p *Probe) Containers(ctx context.Context) ([]domain.Container, error) {
	containers, err := p.cli.ContainerList(ctx, types.ContainerListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var result []domain.Container
	for _, c := range containers {
		// Use the first name if available, remove slash
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		var published []int
		for _, port := range c.Ports {
			if port.PublicPort != 0 {
				published = append(published, int(port.PublicPort))
			}
		}
		result = append(result, domain.Container{
			ID:      c.ID[:12], // Short ID
			Name:    name,
			Image:   c.Image,
			Status:  c.Status,
			State:   c.State,
			Project: c.Labels[labelProject],
			Ports:   published,
		})
	}
	return result, nil
}

// pullMessage is the subset of the daemon's pull progress stream we relay.
type pullMessage struct {
	Status   string `json:"status"`
	ID       string `json:"id"`
	Progress string `json:"progress"`
	Error    string `json:"error"`
}

// Pull fetches one image, decoding the daemon's JSON progress stream into
// plain text lines. It drains the stream fully, so the pull runs to
// completion even when the consumer stops caring about the lines.
func (p *Probe) Pull(ctx context.Context, ref string, send func(line string)) error {
	reader, err := p.cli.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	dec := json.NewDecoder(reader)
	for {
		var msg pullMessage
		if derr := dec.Decode(&msg); derr != nil {
			break // io.EOF or a truncated stream; the daemon has finished either way
		}
		if msg.Error != "" {
			return fmt.Errorf("failed to pull image %s: %s", ref, msg.Error)
		}
		line := msg.Status
		if msg.ID != "" {
			line = msg.ID + ": " + line
		}
		if msg.Progress != "" {
			line += " " + msg.Progress
		}
		if line != "" {
			send(line)
		}
	}
	return nil
}

// environmentID maps a compose working directory back to a catalog id, or
// "" when the container does not belong to this catalog.
func (p *Probe) environmentID(workingDir string) string {
	if workingDir == "" {
		return ""
	}
	rel, err := filepath.Rel(p.root, workingDir)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return ""
	}
	return filepath.ToSlash(rel)
}

// normalizeRef makes a compose image reference comparable with the
// daemon's repo tags: a bare repository implies :latest.
func normalizeRef(ref string) string {
	slash := strings.LastIndex(ref, "/")
	if !strings.Contains(ref[slash+1:], ":") && !strings.Contains(ref, "@") {
		return ref + ":latest"
	}
	return ref
}
