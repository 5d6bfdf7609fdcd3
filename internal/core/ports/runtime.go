package ports

import (
	"context"

	"github.com/melih/vulndock/internal/core/domain"
)

// ContainerState is what the runtime knows about one environment's
// containers: whether anything is up and which host ports it publishes.
type ContainerState struct {
	Status   domain.Status
	Services map[string]int // service name -> published host port
}

// ContainerRuntime is the capability contract for the container runtime.
// This interface allows us to switch between Docker, Podman, or a fake in
// tests without changing the reconciliation logic. Every method may be
// slow; all mutations are idempotent (starting a running environment and
// stopping a stopped one succeed as no-ops).
type ContainerRuntime interface {
	// ImagesPresent reports, for each reference, whether the image is in
	// the local store. One batched call covers an entire rescan.
	ImagesPresent(ctx context.Context, refs []string) (map[string]bool, error)

	// ContainerStates returns the observed state of every catalog
	// environment that has containers, keyed by environment id.
	ContainerStates(ctx context.Context) (map[string]ContainerState, error)

	// ContainerState returns the observed state of a single environment.
	ContainerState(ctx context.Context, id string) (ContainerState, error)

	// Start brings the environment's containers up. A port collision is
	// reported as *domain.PortConflictError.
	Start(ctx context.Context, id string) error

	// Stop tears the environment's containers down.
	Stop(ctx context.Context, id string) error

	// Pull fetches one image, pushing ordered progress lines through send.
	// It returns only after the pull has completed or failed; consumers
	// that stop reading do not cancel the pull.
	Pull(ctx context.Context, ref string, send func(line string)) error

	// Containers lists the currently running containers for the console's
	// runtime view.
	Containers(ctx context.Context) ([]domain.Container, error)
}
