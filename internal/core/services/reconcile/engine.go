package reconcile

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/melih/vulndock/internal/core/domain"
	"github.com/melih/vulndock/internal/core/ports"
	"github.com/melih/vulndock/internal/core/services/coordinator"
)

// DefaultRevalidateAfter bounds how long the in-memory snapshot is served
// without re-checking the catalog fingerprint on disk.
const DefaultRevalidateAfter = time.Hour

// Engine reconciles the persisted catalog snapshot with the filesystem and
// the container runtime. Reads are served from the store whenever the
// catalog fingerprint still matches; a full rescan with batched runtime
// queries runs only on a cold start, a fingerprint mismatch or an explicit
// force. Start/stop/pull apply point patches instead of rescanning.
type Engine struct {
	scanner ports.Scanner
	store   ports.SnapshotStore
	runtime ports.ContainerRuntime
	ops     *coordinator.Coordinator

	revalidateAfter time.Duration

	mu          sync.RWMutex
	warm        *domain.Snapshot
	valid       bool
	validatedAt time.Time
}

// New wires an engine from its collaborators.
func New(scanner ports.Scanner, store ports.SnapshotStore, runtime ports.ContainerRuntime) *Engine {
	return &Engine{
		scanner:         scanner,
		store:           store,
		runtime:         runtime,
		ops:             coordinator.New(),
		revalidateAfter: DefaultRevalidateAfter,
	}
}

// SetRevalidateAfter overrides the revalidation interval. Zero forces a
// fingerprint check on every read.
func (e *Engine) SetRevalidateAfter(d time.Duration) { e.revalidateAfter = d }

// Invalidate drops the in-memory snapshot so the next read revalidates the
// catalog fingerprint against disk. Called by the catalog watcher.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	e.valid = false
	e.mu.Unlock()
}

// Environments returns every catalog environment ordered by id. With
// force=false it serves the warm snapshot while the catalog fingerprint
// still matches; otherwise it runs a full rescan with batched runtime
// queries and persists the result.
func (e *Engine) Environments(ctx context.Context, force bool) ([]domain.Environment, error) {
	if !force {
		if envs, ok := e.fromMemory(); ok {
			return envs, nil
		}
		if envs, ok := e.fromStore(ctx); ok {
			return envs, nil
		}
	}
	return e.rescan(ctx)
}

// Environment returns a single descriptor by id.
func (e *Engine) Environment(ctx context.Context, id string) (domain.Environment, error) {
	envs, err := e.Environments(ctx, false)
	if err != nil {
		return domain.Environment{}, err
	}
	for _, env := range envs {
		if env.ID == id {
			return env, nil
		}
	}
	return domain.Environment{}, fmt.Errorf("%s: %w", id, domain.ErrNotFound)
}

// fromMemory serves the warm snapshot when it was validated recently and
// the catalog watcher has not flagged a change.
func (e *Engine) fromMemory() ([]domain.Environment, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if !e.valid || e.warm == nil {
		return nil, false
	}
	if e.revalidateAfter <= 0 || time.Since(e.validatedAt) > e.revalidateAfter {
		return nil, false
	}
	return ordered(e.warm), true
}

// fromStore loads the persisted snapshot and serves it when the cheap
// fingerprint recomputation still matches. No runtime queries happen here.
func (e *Engine) fromStore(ctx context.Context) ([]domain.Environment, bool) {
	snap, err := e.store.Load()
	if err != nil || snap == nil {
		return nil, false
	}
	fp, err := e.scanner.Fingerprint(ctx)
	if err != nil {
		log.WithError(err).Warn("catalog fingerprint check failed")
		return nil, false
	}
	if fp != snap.Fingerprint {
		log.Info("catalog changed on disk, rescanning")
		return nil, false
	}
	// Read the snapshot before adopt publishes it: point patches mutate
	// the published map under the engine lock.
	envs := ordered(snap)
	e.adopt(snap)
	return envs, true
}

// rescan is the slow path: walk the catalog, then one batched image query
// and one batched container-state query against the runtime, then persist.
// A runtime failure degrades the runtime-derived fields, it never aborts
// the scan or invalidates the catalog data.
func (e *Engine) rescan(ctx context.Context) ([]domain.Environment, error) {
	started := time.Now()
	snap, err := e.scanner.Scan(ctx)
	if err != nil {
		return nil, err
	}

	var refs []string
	seen := make(map[string]struct{})
	for _, env := range snap.Environments {
		for _, ref := range env.Images {
			if _, dup := seen[ref]; !dup {
				seen[ref] = struct{}{}
				refs = append(refs, ref)
			}
		}
	}

	present, perr := e.runtime.ImagesPresent(ctx, refs)
	if perr != nil {
		log.WithError(perr).Warn("image presence check unavailable")
	}
	states, serr := e.runtime.ContainerStates(ctx)
	if serr != nil {
		log.WithError(serr).Warn("container state check unavailable")
	}

	for id, env := range snap.Environments {
		if perr == nil {
			env.HasImages = allPresent(env.Images, present)
		}
		if serr == nil {
			if state, ok := states[id]; ok {
				env.Status = state.Status
				env.Services = mergePorts(env.Services, state.Services)
			} else {
				env.Status = domain.StatusStopped
			}
		}
		snap.Environments[id] = env
	}

	if err := e.store.Save(snap); err != nil {
		return nil, fmt.Errorf("failed to persist snapshot: %w", err)
	}
	// Read the snapshot before adopt publishes it: point patches mutate
	// the published map under the engine lock.
	envs := ordered(snap)
	e.adopt(snap)

	log.WithFields(log.Fields{
		"environments": len(envs),
		"images":       len(refs),
		"took":         time.Since(started).Round(time.Millisecond),
	}).Info("catalog rescan complete")
	return envs, nil
}

func (e *Engine) adopt(snap *domain.Snapshot) {
	e.mu.Lock()
	e.warm = snap
	e.valid = true
	e.validatedAt = time.Now()
	e.mu.Unlock()
}

// patch applies a point update to the store and mirrors it into the warm
// snapshot so fast-path reads see it immediately.
func (e *Engine) patch(id string, mutate func(env *domain.Environment)) error {
	if err := e.store.Patch(id, mutate); err != nil {
		return err
	}
	e.mu.Lock()
	if e.warm != nil {
		if env, ok := e.warm.Environments[id]; ok {
			mutate(&env)
			e.warm.Environments[id] = env
		}
	}
	e.mu.Unlock()
	return nil
}

func allPresent(refs []string, present map[string]bool) bool {
	if len(refs) == 0 {
		return false
	}
	for _, ref := range refs {
		if !present[ref] {
			return false
		}
	}
	return true
}

// mergePorts keeps the compose-declared ports and overlays the ports the
// runtime actually published.
func mergePorts(declared, observed map[string]int) map[string]int {
	if len(observed) == 0 {
		return declared
	}
	merged := make(map[string]int, len(declared)+len(observed))
	for svc, port := range declared {
		merged[svc] = port
	}
	for svc, port := range observed {
		merged[svc] = port
	}
	return merged
}

func ordered(snap *domain.Snapshot) []domain.Environment {
	envs := make([]domain.Environment, 0, len(snap.Environments))
	for _, env := range snap.Environments {
		envs = append(envs, env)
	}
	sort.Slice(envs, func(i, j int) bool { return envs[i].ID < envs[j].ID })
	return envs
}
