package reconcile

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/melih/vulndock/internal/core/domain"
)

// Start brings an environment up while holding its exclusive operation
// slot. Whatever the outcome, exactly one patch records the state the
// runtime actually reports afterwards, so a failed start (including a port
// conflict) never marks the environment running.
func (e *Engine) Start(ctx context.Context, id string) error {
	if _, err := e.Environment(ctx, id); err != nil {
		return err
	}
	return e.ops.Do(id, func() error {
		err := e.runtime.Start(ctx, id)
		e.patchObserved(ctx, id)
		return err
	})
}

// Stop tears an environment down under the same exclusivity and
// patch-once discipline as Start.
func (e *Engine) Stop(ctx context.Context, id string) error {
	if _, err := e.Environment(ctx, id); err != nil {
		return err
	}
	return e.ops.Do(id, func() error {
		err := e.runtime.Stop(ctx, id)
		e.patchObserved(ctx, id)
		return err
	})
}

// patchObserved queries the runtime for the environment's current state
// and applies the single post-operation patch. If the runtime cannot be
// queried the status degrades to unknown rather than guessing.
func (e *Engine) patchObserved(ctx context.Context, id string) {
	state, err := e.runtime.ContainerState(ctx, id)
	if err != nil {
		log.WithField("env", id).WithError(err).Warn("post-operation state probe failed")
		state.Status = domain.StatusUnknown
	}
	if perr := e.patch(id, func(env *domain.Environment) {
		env.Status = state.Status
		env.Services = mergePorts(env.Services, state.Services)
	}); perr != nil {
		log.WithField("env", id).WithError(perr).Warn("post-operation patch failed")
	}
}

// MissingImages reports which of the environment's declared images are
// absent from the local image store, refreshing the cached has_images flag
// along the way.
func (e *Engine) MissingImages(ctx context.Context, id string) ([]string, error) {
	env, err := e.Environment(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(env.Images) == 0 {
		return nil, nil
	}

	present, err := e.runtime.ImagesPresent(ctx, env.Images)
	if err != nil {
		return nil, fmt.Errorf("failed to check images for %s: %w", id, err)
	}
	var missing []string
	for _, ref := range env.Images {
		if !present[ref] {
			missing = append(missing, ref)
		}
	}

	hasAll := len(missing) == 0
	// The flag refresh takes the environment's operation slot so it cannot
	// interleave with a start/stop/pull patch. When an operation already
	// holds the slot its own final patch is fresher, so a busy rejection
	// just skips the refresh.
	perr := e.ops.Do(id, func() error {
		return e.patch(id, func(env *domain.Environment) { env.HasImages = hasAll })
	})
	if perr != nil && !errors.Is(perr, domain.ErrBusy) {
		log.WithField("env", id).WithError(perr).Warn("image check patch failed")
	}
	return missing, nil
}

// Pull fetches the environment's missing images, pushing ordered progress
// lines through send. It holds the environment's operation slot for the
// whole sequence and finishes with the single patch updating has_images.
// An abandoned consumer does not cancel the pulls; send must stay safe to
// call until Pull returns.
func (e *Engine) Pull(ctx context.Context, id string, send func(line string)) error {
	env, err := e.Environment(ctx, id)
	if err != nil {
		return err
	}
	return e.ops.Do(id, func() error {
		var pullErr error
		for _, ref := range env.Images {
			present, err := e.runtime.ImagesPresent(ctx, []string{ref})
			if err == nil && present[ref] {
				send(fmt.Sprintf("%s: already present", ref))
				continue
			}
			send(fmt.Sprintf("Pulling %s ...", ref))
			if err := e.runtime.Pull(ctx, ref, send); err != nil {
				send(fmt.Sprintf("%s: pull failed: %v", ref, err))
				pullErr = err
				break
			}
		}

		present, err := e.runtime.ImagesPresent(ctx, env.Images)
		hasAll := err == nil && allPresent(env.Images, present)
		if perr := e.patch(id, func(env *domain.Environment) { env.HasImages = hasAll }); perr != nil {
			log.WithField("env", id).WithError(perr).Warn("post-pull patch failed")
		}
		return pullErr
	})
}

// WaitReady polls the environment's first published host port until a TCP
// connect succeeds or the timeout passes. It reports the probed port, 0
// when the environment publishes nothing.
func (e *Engine) WaitReady(ctx context.Context, id string, timeout time.Duration) (bool, int, error) {
	env, err := e.Environment(ctx, id)
	if err != nil {
		return false, 0, err
	}

	port := firstPort(env.Services)
	deadline := time.Now().Add(timeout)
	for {
		if state, serr := e.runtime.ContainerState(ctx, id); serr == nil {
			if p := firstPort(state.Services); p != 0 {
				port = p
			}
		}
		if port != 0 {
			conn, derr := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 2*time.Second)
			if derr == nil {
				conn.Close()
				return true, port, nil
			}
		}
		if time.Now().After(deadline) {
			return false, port, nil
		}
		select {
		case <-ctx.Done():
			return false, port, ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// Stats aggregates the catalog for the dashboard.
func (e *Engine) Stats(ctx context.Context) (domain.Stats, error) {
	envs, err := e.Environments(ctx, false)
	if err != nil {
		return domain.Stats{}, err
	}

	stats := domain.Stats{Categories: make(map[string]int)}
	for _, env := range envs {
		stats.Total++
		switch env.Status {
		case domain.StatusRunning:
			stats.Running++
		case domain.StatusStopped:
			stats.Stopped++
		}
		if env.HasExploit {
			stats.WithExploit++
		}
		if env.HasImages {
			stats.WithImages++
		}
		stats.Categories[env.Category]++
	}
	return stats, nil
}

func firstPort(services map[string]int) int {
	best := 0
	for _, port := range services {
		if port != 0 && (best == 0 || port < best) {
			best = port
		}
	}
	return best
}
