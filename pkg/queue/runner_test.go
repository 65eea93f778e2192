package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/codeready-toolchain/tapestry/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeManager advances to Stop after a fixed number of calls, counting
// how many times it was driven.
type fakeManager struct {
	callsToStop int32
	calls       int32
}

func (m *fakeManager) TryAdvanceState(context.Context) (Instruction, error) {
	n := atomic.AddInt32(&m.calls, 1)
	if n >= m.callsToStop {
		return Instruction{Stop: true}, nil
	}
	return Instruction{Countdown: time.Millisecond}, nil
}

type erroringManager struct{}

func (erroringManager) TryAdvanceState(context.Context) (Instruction, error) {
	return Instruction{}, fmt.Errorf("boom")
}

// fakeDiscoverer returns a fixed set of active ids per category.
type fakeDiscoverer struct {
	mu     sync.Mutex
	active map[string][]string
	err    error
}

func (d *fakeDiscoverer) ListActiveBatchIDs(_ context.Context, category string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return append([]string(nil), d.active[category]...), nil
}

func testRunnerConfig() *config.RunnerConfig {
	return &config.RunnerConfig{
		WorkerCount:             2,
		PollInterval:            20 * time.Millisecond,
		PollIntervalJitter:      0,
		BatchTimeout:            time.Second,
		GracefulShutdownTimeout: time.Second,
	}
}

func TestRunner_ResumesActiveBatchesOnStart(t *testing.T) {
	disc := &fakeDiscoverer{active: map[string][]string{"memories": {"b1", "b2"}}}

	var built sync.Map
	factory := func(batchID string) (Manager, error) {
		m := &fakeManager{callsToStop: 2}
		built.Store(batchID, m)
		return m, nil
	}

	r := NewRunner(disc, testRunnerConfig(), map[string]ManagerFactory{"memories": factory})
	require.NoError(t, r.Start(context.Background()))

	require.Eventually(t, func() bool {
		_, ok1 := built.Load("b1")
		_, ok2 := built.Load("b2")
		return ok1 && ok2
	}, time.Second, 5*time.Millisecond)

	r.Stop()
}

func TestRunner_SubmitLaunchesImmediately(t *testing.T) {
	disc := &fakeDiscoverer{active: map[string][]string{}}
	launched := make(chan string, 1)
	factory := func(batchID string) (Manager, error) {
		launched <- batchID
		return &fakeManager{callsToStop: 1}, nil
	}

	r := NewRunner(disc, testRunnerConfig(), map[string]ManagerFactory{"memories": factory})
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	require.NoError(t, r.Submit(context.Background(), "memories", "fresh-batch"))

	select {
	case id := <-launched:
		assert.Equal(t, "fresh-batch", id)
	case <-time.After(time.Second):
		t.Fatal("batch was not launched")
	}
}

func TestRunner_SubmitUnknownCategory(t *testing.T) {
	disc := &fakeDiscoverer{active: map[string][]string{}}
	r := NewRunner(disc, testRunnerConfig(), map[string]ManagerFactory{})
	err := r.Submit(context.Background(), "nope", "b1")
	assert.ErrorIs(t, err, ErrUnknownCategory)
}

func TestRunner_DoesNotRelaunchAlreadyRunningBatch(t *testing.T) {
	disc := &fakeDiscoverer{active: map[string][]string{"memories": {"b1"}}}

	var launches int32
	factory := func(batchID string) (Manager, error) {
		atomic.AddInt32(&launches, 1)
		return &fakeManager{callsToStop: 1000}, nil
	}

	cfg := testRunnerConfig()
	cfg.PollInterval = 10 * time.Millisecond
	r := NewRunner(disc, cfg, map[string]ManagerFactory{"memories": factory})
	require.NoError(t, r.Start(context.Background()))

	time.Sleep(100 * time.Millisecond)
	r.Stop()

	assert.Equal(t, int32(1), atomic.LoadInt32(&launches))
}

func TestRunner_ManagerErrorDoesNotCrashRunner(t *testing.T) {
	disc := &fakeDiscoverer{active: map[string][]string{"memories": {"bad"}}}
	factory := func(string) (Manager, error) { return erroringManager{}, nil }

	r := NewRunner(disc, testRunnerConfig(), map[string]ManagerFactory{"memories": factory})
	require.NoError(t, r.Start(context.Background()))

	time.Sleep(50 * time.Millisecond)
	r.Stop()
}

func TestRunner_Health(t *testing.T) {
	disc := &fakeDiscoverer{active: map[string][]string{"memories": {}}}
	r := NewRunner(disc, testRunnerConfig(), map[string]ManagerFactory{"memories": func(string) (Manager, error) {
		return &fakeManager{callsToStop: 1}, nil
	}})
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	h := r.Health()
	assert.True(t, h.StoreReachable)
	assert.Equal(t, 2, h.WorkerCapacity)
	assert.Contains(t, h.Categories, "memories")
}

func TestRunner_HealthReportsUnreachableStore(t *testing.T) {
	disc := &fakeDiscoverer{err: fmt.Errorf("connection refused")}
	r := NewRunner(disc, testRunnerConfig(), map[string]ManagerFactory{"memories": func(string) (Manager, error) {
		return &fakeManager{callsToStop: 1}, nil
	}})

	h := r.Health()
	assert.False(t, h.StoreReachable)
	assert.NotEmpty(t, h.StoreError)
}
