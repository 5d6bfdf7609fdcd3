package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/melih/vulndock/internal/core/domain"
	"github.com/melih/vulndock/internal/core/ports"
	"github.com/melih/vulndock/internal/core/services/scanner"
	"github.com/melih/vulndock/internal/core/services/store"
)

const nginxCompose = `services:
  web:
    image: vulhub/nginx:1.21
    ports: ["8081:80"]
`

const apacheCompose = `services:
  web:
    image: vulhub/httpd:2.4.49
    ports: ["8080:80"]
`

// fakeRuntime is an in-memory ports.ContainerRuntime.
type fakeRuntime struct {
	mu     sync.Mutex
	images map[string]bool
	states map[string]ports.ContainerState

	startErr   error
	startBlock chan struct{} // when set, Start waits on it
	failAll    bool          // every call errors, the daemon is gone
	pullLines  []string

	imageCalls int
	stateCalls int
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		images: make(map[string]bool),
		states: make(map[string]ports.ContainerState),
	}
}

func (f *fakeRuntime) ImagesPresent(ctx context.Context, refs []string) (map[string]bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.imageCalls++
	if f.failAll {
		return nil, errors.New("runtime unavailable")
	}
	out := make(map[string]bool, len(refs))
	for _, ref := range refs {
		out[ref] = f.images[ref]
	}
	return out, nil
}

func (f *fakeRuntime) ContainerStates(ctx context.Context) (map[string]ports.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateCalls++
	if f.failAll {
		return nil, errors.New("runtime unavailable")
	}
	out := make(map[string]ports.ContainerState, len(f.states))
	for id, st := range f.states {
		out[id] = st
	}
	return out, nil
}

func (f *fakeRuntime) ContainerState(ctx context.Context, id string) (ports.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return ports.ContainerState{Status: domain.StatusUnknown}, errors.New("runtime unavailable")
	}
	if st, ok := f.states[id]; ok {
		return st, nil
	}
	return ports.ContainerState{Status: domain.StatusStopped}, nil
}

func (f *fakeRuntime) Start(ctx context.Context, id string) error {
	if f.startBlock != nil {
		<-f.startBlock
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.states[id] = ports.ContainerState{Status: domain.StatusRunning, Services: map[string]int{"web": 8081}}
	return nil
}

func (f *fakeRuntime) Stop(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, id)
	return nil
}

func (f *fakeRuntime) Pull(ctx context.Context, ref string, send func(string)) error {
	for _, line := range f.pullLines {
		send(line)
	}
	f.mu.Lock()
	f.images[ref] = true
	f.mu.Unlock()
	return nil
}

func (f *fakeRuntime) Containers(ctx context.Context) ([]domain.Container, error) {
	return nil, nil
}

func writeEnv(t *testing.T, root, id, compose string) {
	t.Helper()
	dir := filepath.Join(root, filepath.FromSlash(id))
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "docker-compose.yml"), []byte(compose), 0o644))
}

func newTestEngine(t *testing.T, root string, rt ports.ContainerRuntime) *Engine {
	t.Helper()
	return New(
		scanner.New(root),
		store.New(filepath.Join(t.TempDir(), "cache.json")),
		rt,
	)
}

func TestRescanPopulatesFromBatchedProbes(t *testing.T) {
	root := t.TempDir()
	writeEnv(t, root, "nginx/CVE-2021-23017", nginxCompose)
	writeEnv(t, root, "apache/CVE-2022-31813", apacheCompose)
	apacheDir := filepath.Join(root, "apache", "CVE-2022-31813")
	require.NoError(t, os.MkdirAll(filepath.Join(apacheDir, "poc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(apacheDir, "poc", "exp.py"), []byte("#"), 0o644))

	rt := newFakeRuntime()
	rt.images["vulhub/httpd:2.4.49"] = true
	rt.states["apache/CVE-2022-31813"] = ports.ContainerState{
		Status:   domain.StatusRunning,
		Services: map[string]int{"web": 8080},
	}

	engine := newTestEngine(t, root, rt)
	envs, err := engine.Environments(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, envs, 2)

	// ordered by id: apache before nginx
	apache, nginx := envs[0], envs[1]
	assert.Equal(t, "apache/CVE-2022-31813", apache.ID)
	assert.True(t, apache.HasExploit)
	assert.True(t, apache.HasImages)
	assert.Equal(t, domain.StatusRunning, apache.Status)
	assert.Equal(t, map[string]int{"web": 8080}, apache.Services)

	assert.Equal(t, "nginx/CVE-2021-23017", nginx.ID)
	assert.False(t, nginx.HasExploit)
	assert.False(t, nginx.HasImages)
	assert.Equal(t, domain.StatusStopped, nginx.Status)

	// one batched image query, one batched state query
	assert.Equal(t, 1, rt.imageCalls)
	assert.Equal(t, 1, rt.stateCalls)
}

func TestFastPathServesStoreWithoutProbes(t *testing.T) {
	root := t.TempDir()
	writeEnv(t, root, "nginx/CVE-2021-23017", nginxCompose)

	rt := newFakeRuntime()
	engine := newTestEngine(t, root, rt)
	engine.SetRevalidateAfter(0) // fingerprint check on every read

	first, err := engine.Environments(context.Background(), true)
	require.NoError(t, err)
	probeCalls := rt.imageCalls + rt.stateCalls

	second, err := engine.Environments(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, first, second, "fast path reflects the just-completed scan")
	assert.Equal(t, probeCalls, rt.imageCalls+rt.stateCalls, "fast path makes no runtime probes")
}

func TestFingerprintMismatchTriggersRescan(t *testing.T) {
	root := t.TempDir()
	writeEnv(t, root, "nginx/CVE-2021-23017", nginxCompose)

	engine := newTestEngine(t, root, newFakeRuntime())
	engine.SetRevalidateAfter(0)

	_, err := engine.Environments(context.Background(), true)
	require.NoError(t, err)

	writeEnv(t, root, "apache/CVE-2022-31813", apacheCompose)
	envs, err := engine.Environments(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, envs, 2, "changed fingerprint forces a rescan")
}

func TestWarmMemoryServesOldSetUntilInvalidated(t *testing.T) {
	root := t.TempDir()
	writeEnv(t, root, "nginx/CVE-2021-23017", nginxCompose)

	engine := newTestEngine(t, root, newFakeRuntime())
	engine.SetRevalidateAfter(time.Hour)

	_, err := engine.Environments(context.Background(), true)
	require.NoError(t, err)

	// catalog grows, but the warm snapshot is still served: documented
	// staleness, bounded by the watcher / revalidation interval
	writeEnv(t, root, "apache/CVE-2022-31813", apacheCompose)
	stale, err := engine.Environments(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, stale, 1)

	engine.Invalidate()
	fresh, err := engine.Environments(context.Background(), false)
	require.NoError(t, err)
	assert.Len(t, fresh, 2)
}

func TestRescanSurvivesRuntimeUnavailable(t *testing.T) {
	root := t.TempDir()
	writeEnv(t, root, "nginx/CVE-2021-23017", nginxCompose)

	rt := newFakeRuntime()
	rt.failAll = true
	engine := newTestEngine(t, root, rt)

	envs, err := engine.Environments(context.Background(), true)
	require.NoError(t, err, "an absent runtime degrades fields, it does not fail the scan")
	require.Len(t, envs, 1)
	assert.Equal(t, domain.StatusUnknown, envs[0].Status)
	assert.False(t, envs[0].HasImages)
}

func TestStartPatchesOnlyItsEntry(t *testing.T) {
	root := t.TempDir()
	writeEnv(t, root, "nginx/CVE-2021-23017", nginxCompose)
	writeEnv(t, root, "apache/CVE-2022-31813", apacheCompose)

	rt := newFakeRuntime()
	rt.states["apache/CVE-2022-31813"] = ports.ContainerState{
		Status:   domain.StatusRunning,
		Services: map[string]int{"web": 8080},
	}
	engine := newTestEngine(t, root, rt)
	engine.SetRevalidateAfter(0)

	_, err := engine.Environments(context.Background(), true)
	require.NoError(t, err)
	scans := rt.stateCalls

	require.NoError(t, engine.Start(context.Background(), "nginx/CVE-2021-23017"))

	envs, err := engine.Environments(context.Background(), false)
	require.NoError(t, err)
	byID := make(map[string]domain.Environment)
	for _, env := range envs {
		byID[env.ID] = env
	}
	assert.Equal(t, domain.StatusRunning, byID["nginx/CVE-2021-23017"].Status)
	assert.Equal(t, map[string]int{"web": 8081}, byID["nginx/CVE-2021-23017"].Services)
	assert.Equal(t, domain.StatusRunning, byID["apache/CVE-2022-31813"].Status, "other entries untouched")
	assert.Equal(t, scans, rt.stateCalls, "a start must not trigger a batched rescan")
}

func TestStartUnknownEnvironment(t *testing.T) {
	root := t.TempDir()
	writeEnv(t, root, "nginx/CVE-2021-23017", nginxCompose)
	engine := newTestEngine(t, root, newFakeRuntime())

	err := engine.Start(context.Background(), "ghost/CVE-0000-0000")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPortConflictLeavesStatusUnchanged(t *testing.T) {
	root := t.TempDir()
	writeEnv(t, root, "nginx/CVE-2021-23017", nginxCompose)

	rt := newFakeRuntime()
	rt.startErr = &domain.PortConflictError{Port: 8081, Conflicting: []string{"apache-web-1"}}
	engine := newTestEngine(t, root, rt)
	engine.SetRevalidateAfter(0)

	_, err := engine.Environments(context.Background(), true)
	require.NoError(t, err)

	err = engine.Start(context.Background(), "nginx/CVE-2021-23017")
	var conflict *domain.PortConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 8081, conflict.Port)
	assert.Equal(t, []string{"apache-web-1"}, conflict.Conflicting)

	env, err := engine.Environment(context.Background(), "nginx/CVE-2021-23017")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusStopped, env.Status, "a failed start never reports running")
}

func TestConcurrentStartSameIDRejectedBusy(t *testing.T) {
	root := t.TempDir()
	writeEnv(t, root, "nginx/CVE-2021-23017", nginxCompose)

	rt := newFakeRuntime()
	rt.startBlock = make(chan struct{})
	engine := newTestEngine(t, root, rt)
	engine.SetRevalidateAfter(0)

	_, err := engine.Environments(context.Background(), true)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- engine.Start(context.Background(), "nginx/CVE-2021-23017") }()

	// wait for the first start to hold the slot
	require.Eventually(t, func() bool {
		return engine.ops.Busy("nginx/CVE-2021-23017")
	}, time.Second, 5*time.Millisecond)

	err = engine.Start(context.Background(), "nginx/CVE-2021-23017")
	assert.ErrorIs(t, err, domain.ErrBusy)

	close(rt.startBlock)
	require.NoError(t, <-done)
}

func TestPullStreamsLinesAndPatchesImages(t *testing.T) {
	root := t.TempDir()
	writeEnv(t, root, "nginx/CVE-2021-23017", nginxCompose)

	rt := newFakeRuntime()
	rt.pullLines = []string{"layer1: downloading", "layer1: complete"}
	engine := newTestEngine(t, root, rt)
	engine.SetRevalidateAfter(0)

	_, err := engine.Environments(context.Background(), true)
	require.NoError(t, err)

	var lines []string
	err = engine.Pull(context.Background(), "nginx/CVE-2021-23017", func(line string) {
		lines = append(lines, line)
	})
	require.NoError(t, err)
	assert.Contains(t, lines, "layer1: downloading")
	assert.Contains(t, lines, "layer1: complete")

	env, err := engine.Environment(context.Background(), "nginx/CVE-2021-23017")
	require.NoError(t, err)
	assert.True(t, env.HasImages, "a successful pull updates has_images via a point patch")
}

func TestMissingImages(t *testing.T) {
	root := t.TempDir()
	writeEnv(t, root, "nginx/CVE-2021-23017", nginxCompose)

	rt := newFakeRuntime()
	engine := newTestEngine(t, root, rt)
	engine.SetRevalidateAfter(0)

	_, err := engine.Environments(context.Background(), true)
	require.NoError(t, err)

	missing, err := engine.MissingImages(context.Background(), "nginx/CVE-2021-23017")
	require.NoError(t, err)
	assert.Equal(t, []string{"vulhub/nginx:1.21"}, missing)

	rt.mu.Lock()
	rt.images["vulhub/nginx:1.21"] = true
	rt.mu.Unlock()

	missing, err = engine.MissingImages(context.Background(), "nginx/CVE-2021-23017")
	require.NoError(t, err)
	assert.Empty(t, missing)

	env, err := engine.Environment(context.Background(), "nginx/CVE-2021-23017")
	require.NoError(t, err)
	assert.True(t, env.HasImages)
}

func TestStats(t *testing.T) {
	root := t.TempDir()
	writeEnv(t, root, "nginx/CVE-2021-23017", nginxCompose)
	writeEnv(t, root, "apache/CVE-2022-31813", apacheCompose)
	apacheDir := filepath.Join(root, "apache", "CVE-2022-31813")
	require.NoError(t, os.WriteFile(filepath.Join(apacheDir, "exploit.py"), []byte("#"), 0o644))

	rt := newFakeRuntime()
	rt.images["vulhub/httpd:2.4.49"] = true
	rt.states["apache/CVE-2022-31813"] = ports.ContainerState{Status: domain.StatusRunning}
	engine := newTestEngine(t, root, rt)

	_, err := engine.Environments(context.Background(), true)
	require.NoError(t, err)

	stats, err := engine.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 1, stats.Stopped)
	assert.Equal(t, 1, stats.WithExploit)
	assert.Equal(t, 1, stats.WithImages)
	assert.Equal(t, map[string]int{"nginx": 1, "apache": 1}, stats.Categories)
}

func TestConcurrentReadsDuringPatches(t *testing.T) {
	root := t.TempDir()
	writeEnv(t, root, "nginx/CVE-2021-23017", nginxCompose)
	writeEnv(t, root, "apache/CVE-2022-31813", apacheCompose)

	engine := newTestEngine(t, root, newFakeRuntime())
	engine.SetRevalidateAfter(0)

	_, err := engine.Environments(context.Background(), true)
	require.NoError(t, err)

	// readers iterate the snapshot while start/stop patches mutate it;
	// the race detector flags any unsynchronized overlap
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				_, rerr := engine.Environments(context.Background(), false)
				assert.NoError(t, rerr)
			}
		}()
	}

	for i := 0; i < 25; i++ {
		require.NoError(t, engine.Start(context.Background(), "nginx/CVE-2021-23017"))
		require.NoError(t, engine.Stop(context.Background(), "nginx/CVE-2021-23017"))
	}
	close(stop)
	wg.Wait()
}

func TestMissingImagesYieldsToInFlightOperation(t *testing.T) {
	root := t.TempDir()
	writeEnv(t, root, "nginx/CVE-2021-23017", nginxCompose)

	rt := newFakeRuntime()
	rt.images["vulhub/nginx:1.21"] = true
	engine := newTestEngine(t, root, rt)
	engine.SetRevalidateAfter(0)

	_, err := engine.Environments(context.Background(), true)
	require.NoError(t, err)

	// the image disappears, then a start grabs the operation slot
	rt.mu.Lock()
	delete(rt.images, "vulhub/nginx:1.21")
	rt.mu.Unlock()
	rt.startBlock = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- engine.Start(context.Background(), "nginx/CVE-2021-23017") }()
	require.Eventually(t, func() bool {
		return engine.ops.Busy("nginx/CVE-2021-23017")
	}, time.Second, 5*time.Millisecond)

	missing, err := engine.MissingImages(context.Background(), "nginx/CVE-2021-23017")
	require.NoError(t, err)
	assert.Equal(t, []string{"vulhub/nginx:1.21"}, missing)

	// the cached flag is not clobbered while the operation holds the slot
	env, err := engine.Environment(context.Background(), "nginx/CVE-2021-23017")
	require.NoError(t, err)
	assert.True(t, env.HasImages)

	close(rt.startBlock)
	require.NoError(t, <-done)
}

func TestColdStartAfterRestartLoadsPersistedSnapshot(t *testing.T) {
	root := t.TempDir()
	writeEnv(t, root, "nginx/CVE-2021-23017", nginxCompose)

	cachePath := filepath.Join(t.TempDir(), "cache.json")
	rt := newFakeRuntime()

	first := New(scanner.New(root), store.New(cachePath), rt)
	want, err := first.Environments(context.Background(), true)
	require.NoError(t, err)
	probeCalls := rt.imageCalls + rt.stateCalls

	// a new engine over the same cache file: the restart case
	second := New(scanner.New(root), store.New(cachePath), rt)
	second.SetRevalidateAfter(0)
	got, err := second.Environments(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, probeCalls, rt.imageCalls+rt.stateCalls, "restart with a matching fingerprint needs no probes")
}
