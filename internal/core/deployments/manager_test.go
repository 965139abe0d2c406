package deployments

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"deployd/internal/config"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRuntime is an in-memory ContainerRuntime for exercising the state
// machine without a daemon.
type fakeRuntime struct {
	mu         sync.Mutex
	startErr   error
	block      chan struct{} // when set, Start blocks until closed
	startCalls int
	stopCalls  []string
	phases     map[string]ContainerState
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{phases: make(map[string]ContainerState)}
}

func (f *fakeRuntime) Start(_ context.Context, d Deployment, _ Request) (string, error) {
	f.mu.Lock()
	f.startCalls++
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	if f.startErr != nil {
		return "", f.startErr
	}
	ref := "ctr-" + d.ID
	f.setPhase(ref, ContainerState{Phase: ContainerRunning})
	return ref, nil
}

func (f *fakeRuntime) Status(_ context.Context, ref string) (ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.phases[ref]; ok {
		return st, nil
	}
	return ContainerState{Phase: ContainerMissing}, nil
}

func (f *fakeRuntime) Stop(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls = append(f.stopCalls, ref)
	delete(f.phases, ref)
	return nil
}

func (f *fakeRuntime) Logs(context.Context, string) (string, error) { return "fake logs", nil }

func (f *fakeRuntime) setPhase(ref string, st ContainerState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phases[ref] = st
}

func (f *fakeRuntime) stopped() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopCalls...)
}

type fakeTunnel struct {
	mu         sync.Mutex
	startErr   error
	nextPID    int
	startCalls int
	stopCalls  []int
	dead       map[int]TunnelState
}

func newFakeTunnel() *fakeTunnel {
	return &fakeTunnel{nextPID: 4000, dead: make(map[int]TunnelState)}
}

func (f *fakeTunnel) Start(_ context.Context, d Deployment) (TunnelRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startErr != nil {
		return TunnelRef{}, f.startErr
	}
	f.nextPID++
	return TunnelRef{PID: f.nextPID, PublicURL: fmt.Sprintf("https://%s.loca.lt", d.ID[:8])}, nil
}

func (f *fakeTunnel) Status(_ context.Context, ref TunnelRef) (TunnelState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.dead[ref.PID]; ok {
		return st, nil
	}
	return TunnelState{Phase: TunnelRunning}, nil
}

func (f *fakeTunnel) Stop(_ context.Context, ref TunnelRef) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls = append(f.stopCalls, ref.PID)
	return nil
}

func (f *fakeTunnel) markDead(pid int, st TunnelState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead[pid] = st
}

type testEnv struct {
	mgr     *Manager
	alloc   *Allocator
	reg     *Registry
	runtime *fakeRuntime
	tunnel  *fakeTunnel
	cfg     config.Config
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Config{
		StorageDir:   t.TempDir(),
		PortRangeMin: config.PortRangeMin,
		PortRangeMax: config.PortRangeMax,
		StartTimeout: time.Minute,
	}
	reg := NewRegistry()
	alloc := NewAllocator(cfg.PortRangeMin, cfg.PortRangeMax)
	runtime := newFakeRuntime()
	tunnel := newFakeTunnel()
	mgr := NewManager(reg, alloc, runtime, tunnel, nil, cfg, zerolog.Nop())
	return &testEnv{mgr: mgr, alloc: alloc, reg: reg, runtime: runtime, tunnel: tunnel, cfg: cfg}
}

func gpt2Request() Request {
	return Request{ModelID: "gpt2", UserID: "u1", APIName: "my api"}
}

func TestDeployHappyPath(t *testing.T) {
	env := newTestEnv(t)

	d, err := env.mgr.Deploy(context.Background(), gpt2Request(), true)
	require.NoError(t, err)

	assert.Equal(t, StatusRunning, d.Status)
	assert.NotEmpty(t, d.ID)
	assert.GreaterOrEqual(t, d.Port, config.PortRangeMin)
	assert.LessOrEqual(t, d.Port, config.PortRangeMax)
	assert.Equal(t, "ctr-"+d.ID, d.ContainerRef)
	assert.NotEmpty(t, d.PublicURL)
	assert.Contains(t, d.ContainerName, "aphrodite-gpt2-")
	assert.NotNil(t, d.CompletedAt)

	got, err := env.mgr.Get(d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.Status, got.Status)
	assert.DirExists(t, d.Directory)
}

func TestDeployValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.mgr.Deploy(context.Background(), Request{ModelID: "gpt2"}, true)
	require.ErrorIs(t, err, ErrValidation)
	assert.Zero(t, env.alloc.Assigned(), "validation failures must have no side effects")
	assert.Zero(t, env.runtime.startCalls)
}

func TestContainerFailureRollsBack(t *testing.T) {
	env := newTestEnv(t)
	env.runtime.startErr = errors.New("no such image")

	_, err := env.mgr.Deploy(context.Background(), gpt2Request(), true)
	require.Error(t, err)

	list := env.mgr.List("", 0)
	require.Len(t, list, 1)
	d := list[0]
	assert.Equal(t, StatusFailed, d.Status)
	assert.NotEmpty(t, d.LastError)
	assert.Zero(t, env.alloc.Assigned(), "port must be released on container failure")
	assert.Zero(t, env.tunnel.startCalls, "tunnel must not start after container failure")
}

func TestTunnelFailureStopsContainer(t *testing.T) {
	env := newTestEnv(t)
	env.tunnel.startErr = ErrTunnelTimeout

	_, err := env.mgr.Deploy(context.Background(), gpt2Request(), true)
	require.ErrorIs(t, err, ErrTunnelTimeout)

	d := env.mgr.List("", 0)[0]
	assert.Equal(t, StatusFailed, d.Status)
	assert.Equal(t, []string{"ctr-" + d.ID}, env.runtime.stopped(),
		"the container started in this attempt must be stopped")
	assert.Zero(t, env.alloc.Assigned())
}

func TestStopReleasesAndIsIdempotent(t *testing.T) {
	env := newTestEnv(t)

	d, err := env.mgr.Deploy(context.Background(), gpt2Request(), true)
	require.NoError(t, err)
	require.Equal(t, 1, env.alloc.Assigned())

	stopped, err := env.mgr.Stop(context.Background(), d.ID, true)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, stopped.Status)
	assert.Zero(t, env.alloc.Assigned())
	assert.Equal(t, []string{"ctr-" + d.ID}, env.runtime.stopped())

	again, err := env.mgr.Stop(context.Background(), d.ID, true)
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, again.Status)
	assert.Equal(t, []string{"ctr-" + d.ID}, env.runtime.stopped(),
		"second stop must not touch the runtime again")
}

func TestStopUnknownDeployment(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.mgr.Stop(context.Background(), "nope", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStopPreemptsStartup(t *testing.T) {
	env := newTestEnv(t)
	block := make(chan struct{})
	env.runtime.block = block

	d, err := env.mgr.Deploy(context.Background(), gpt2Request(), false)
	require.NoError(t, err)

	// Wait for the startup sequence to be inside the container start step
	// before requesting teardown.
	require.Eventually(t, func() bool {
		env.runtime.mu.Lock()
		defer env.runtime.mu.Unlock()
		return env.runtime.startCalls == 1
	}, time.Second, 5*time.Millisecond)

	done := make(chan Deployment, 1)
	go func() {
		final, err := env.mgr.Stop(context.Background(), d.ID, true)
		if err == nil {
			done <- final
		}
	}()

	// Let the stop request land its cancellation flag, then release the
	// container start step.
	time.Sleep(50 * time.Millisecond)
	close(block)

	select {
	case final := <-done:
		assert.Equal(t, StatusStopped, final.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("stop did not complete")
	}
	assert.Zero(t, env.alloc.Assigned())
	assert.Equal(t, []string{"ctr-" + d.ID}, env.runtime.stopped(),
		"cancelled startup must clean up the container it started")
}

func TestStartupAfterStopDoesNotRevive(t *testing.T) {
	env := newTestEnv(t)

	// Mirror Deploy's bookkeeping up to the point where its background
	// startup goroutine has not yet acquired the operation lock.
	port, err := env.alloc.AllocatePort()
	require.NoError(t, err)
	name, err := env.alloc.ReserveName(containerName("gpt2", "late"))
	require.NoError(t, err)
	env.reg.Add(Deployment{
		ID:            "late",
		ModelID:       "gpt2",
		UserID:        "u1",
		APIName:       "a",
		Port:          port,
		ContainerName: name,
		Status:        StatusPending,
		CreatedAt:     time.Now().UTC(),
	})

	stopped, err := env.mgr.Stop(context.Background(), "late", true)
	require.NoError(t, err)
	require.Equal(t, StatusStopped, stopped.Status)
	require.Zero(t, env.alloc.Assigned())

	// The startup sequence runs only now, after the teardown completed.
	got, err := env.mgr.runStartup(context.Background(), "late", gpt2Request())
	require.NoError(t, err)
	assert.Equal(t, StatusStopped, got.Status, "a stopped deployment must stay stopped")
	assert.Zero(t, env.runtime.startCalls, "no container may start for a stopped deployment")
	assert.Zero(t, env.tunnel.startCalls)
	assert.Zero(t, env.alloc.Assigned(), "released resources must stay released")
}

func TestPortExhaustion(t *testing.T) {
	env := newTestEnv(t)
	env.cfg.PortRangeMin = 3000
	env.cfg.PortRangeMax = 3000
	alloc := NewAllocator(3000, 3000)
	env.mgr = NewManager(env.reg, alloc, env.runtime, env.tunnel, nil, env.cfg, zerolog.Nop())

	_, err := env.mgr.Deploy(context.Background(), gpt2Request(), true)
	require.NoError(t, err)

	calls := env.runtime.startCalls
	_, err = env.mgr.Deploy(context.Background(), gpt2Request(), true)
	require.ErrorIs(t, err, ErrResourceExhausted)
	assert.Equal(t, calls, env.runtime.startCalls, "exhaustion must not reach the runtime")
	assert.Len(t, env.mgr.List("", 0), 1, "exhausted request must leave no record")
}

func TestConcurrentDeploysGetDistinctPorts(t *testing.T) {
	env := newTestEnv(t)
	const n = 25

	var wg sync.WaitGroup
	results := make(chan Deployment, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := env.mgr.Deploy(context.Background(), gpt2Request(), true)
			if err == nil {
				results <- d
			}
		}()
	}
	wg.Wait()
	close(results)

	ports := make(map[int]bool)
	count := 0
	for d := range results {
		count++
		assert.False(t, ports[d.Port], "port %d assigned twice", d.Port)
		ports[d.Port] = true
		assert.GreaterOrEqual(t, d.Port, config.PortRangeMin)
		assert.LessOrEqual(t, d.Port, config.PortRangeMax)
	}
	assert.Equal(t, n, count)
	assert.Equal(t, n, env.alloc.Assigned())
}

func TestPortReusableAfterTeardown(t *testing.T) {
	env := newTestEnv(t)
	cfg := env.cfg
	alloc := NewAllocator(4000, 4000)
	mgr := NewManager(env.reg, alloc, env.runtime, env.tunnel, nil, cfg, zerolog.Nop())

	d, err := mgr.Deploy(context.Background(), gpt2Request(), true)
	require.NoError(t, err)
	require.Equal(t, 4000, d.Port)

	_, err = mgr.Stop(context.Background(), d.ID, true)
	require.NoError(t, err)

	d2, err := mgr.Deploy(context.Background(), gpt2Request(), true)
	require.NoError(t, err)
	assert.Equal(t, 4000, d2.Port, "released port must be eligible again")
}

func TestRemoveDeletesArtifactsAndRecord(t *testing.T) {
	env := newTestEnv(t)

	d, err := env.mgr.Deploy(context.Background(), gpt2Request(), true)
	require.NoError(t, err)
	require.DirExists(t, d.Directory)

	require.NoError(t, env.mgr.Remove(context.Background(), d.ID))

	_, err = env.mgr.Get(d.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, statErr := os.Stat(d.Directory)
	assert.True(t, os.IsNotExist(statErr), "deployment directory must be removed")
}

func TestListFiltersByUserAndLimit(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < 3; i++ {
		_, err := env.mgr.Deploy(context.Background(), Request{ModelID: "gpt2", UserID: "alice", APIName: "a"}, true)
		require.NoError(t, err)
	}
	_, err := env.mgr.Deploy(context.Background(), Request{ModelID: "gpt2", UserID: "bob", APIName: "b"}, true)
	require.NoError(t, err)

	assert.Len(t, env.mgr.List("alice", 0), 3)
	assert.Len(t, env.mgr.List("alice", 2), 2)
	assert.Len(t, env.mgr.List("", 0), 4)
	assert.Empty(t, env.mgr.List("carol", 0))
}
