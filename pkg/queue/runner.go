package queue

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/codeready-toolchain/tapestry/pkg/config"
)

// BatchDiscoverer is the narrow store slice the runner needs to resume
// in-flight batches after a restart (§4.9's "pick up where it left
// off" requirement). pkg/store.Store satisfies this structurally.
type BatchDiscoverer interface {
	ListActiveBatchIDs(ctx context.Context, category string) ([]string, error)
}

// Runner replaces the teacher's claim-next-session WorkerPool: instead
// of competing workers claiming rows off a shared queue table, each
// batch already owns its full lifecycle (pkg/batch.BaseManager.
// TryAdvanceState re-polls itself on its own countdown), so the
// runner's only jobs are to (1) discover active batch ids on a
// schedule and (2) bound how many run concurrently.
type Runner struct {
	discoverer BatchDiscoverer
	config     *config.RunnerConfig
	factories  map[string]ManagerFactory

	sem chan struct{}

	mu       sync.Mutex
	running  map[string]context.CancelFunc
	started  map[string]time.Time
	category map[string]string

	wg     sync.WaitGroup
	cancel context.CancelFunc

	lastDispatch time.Time
}

// NewRunner constructs a Runner. factories is keyed by batch category
// (e.g. memories.Category, refinement.Category); the caller wires each
// entry to a closure capturing the store, llm job client, and category
// config the corresponding manager needs.
func NewRunner(discoverer BatchDiscoverer, cfg *config.RunnerConfig, factories map[string]ManagerFactory) *Runner {
	return &Runner{
		discoverer: discoverer,
		config:     cfg,
		factories:  factories,
		sem:        make(chan struct{}, cfg.WorkerCount),
		running:    make(map[string]context.CancelFunc),
		started:    make(map[string]time.Time),
		category:   make(map[string]string),
	}
}

// Start resumes every active batch found across registered categories
// and launches the dispatch loop that keeps picking up newly created
// or still-active batches on each poll tick.
func (r *Runner) Start(ctx context.Context) error {
	if r.cancel != nil {
		return nil
	}
	ctx, r.cancel = context.WithCancel(ctx)

	slog.Info("Starting batch runner", "worker_count", r.config.WorkerCount, "categories", r.categoryNames())

	r.dispatchOnce(ctx)

	r.wg.Add(1)
	go r.dispatchLoop(ctx)

	return nil
}

// Stop signals the dispatch loop and every running manager to wind
// down, waiting up to GracefulShutdownTimeout before forcing
// cancellation.
func (r *Runner) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()

	waitCh := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		slog.Info("Batch runner stopped gracefully")
	case <-time.After(r.config.GracefulShutdownTimeout):
		slog.Warn("Batch runner graceful shutdown timed out, forcing cancellation",
			"timeout", r.config.GracefulShutdownTimeout)
		r.cancelAll()
		<-waitCh
	}
}

// Submit launches a manager for a freshly created batch immediately,
// instead of waiting for the next dispatch tick. Safe to call from the
// facade right after BatchFactory.CreateBatches persists new rows.
func (r *Runner) Submit(ctx context.Context, category, batchID string) error {
	factory, ok := r.factories[category]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCategory, category)
	}
	r.launch(ctx, category, batchID, factory)
	return nil
}

func (r *Runner) dispatchLoop(ctx context.Context) {
	defer r.wg.Done()

	for {
		timer := time.NewTimer(jitteredInterval(r.config.PollInterval, r.config.PollIntervalJitter))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			r.dispatchOnce(ctx)
		}
	}
}

// dispatchOnce lists active batches per category and launches a
// manager for any that isn't already running. Batches already running
// are skipped via the running map; the semaphore bounds how many
// launch in this pass.
func (r *Runner) dispatchOnce(ctx context.Context) {
	r.lastDispatch = time.Now()

	for category, factory := range r.factories {
		ids, err := r.discoverer.ListActiveBatchIDs(ctx, category)
		if err != nil {
			slog.Error("Failed to list active batches", "category", category, "error", err)
			continue
		}
		for _, id := range ids {
			if r.isRunning(id) {
				continue
			}
			r.launch(ctx, category, id, factory)
		}
	}
}

// launch starts one batch's manager in its own goroutine, gated by the
// worker-count semaphore. If the pool is saturated the batch is simply
// left for the next dispatch tick to pick up.
func (r *Runner) launch(ctx context.Context, category, batchID string, factory ManagerFactory) {
	select {
	case r.sem <- struct{}{}:
	default:
		return
	}

	mgr, err := factory(batchID)
	if err != nil {
		<-r.sem
		slog.Error("Failed to build batch manager", "category", category, "batch_id", batchID, "error", err)
		return
	}

	batchCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.running[batchID] = cancel
	r.started[batchID] = time.Now()
	r.category[batchID] = category
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.sem }()
		defer r.unregister(batchID)
		defer cancel()

		log := slog.With("batch_id", batchID, "category", category)
		log.Info("Batch manager started")
		if err := runToCompletion(batchCtx, mgr, r.config.BatchTimeout); err != nil {
			log.Error("Batch manager ended in error", "error", err)
			return
		}
		log.Info("Batch manager finished")
	}()
}

// runToCompletion mirrors batch.RunBatch's sleep-cancellable countdown
// loop, operating through the narrow Manager/Instruction types this
// package declares instead of importing the concrete batch.Manager.
// Each TryAdvanceState call gets its own budget; a call that runs long
// (e.g. a stuck store transaction) fails that step rather than hanging
// the batch forever.
func runToCompletion(ctx context.Context, m Manager, callTimeout time.Duration) error {
	for {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		inst, err := m.TryAdvanceState(callCtx)
		cancel()
		if err != nil {
			return err
		}
		if inst.Stop {
			return nil
		}
		if inst.Countdown > 0 {
			timer := time.NewTimer(inst.Countdown)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (r *Runner) isRunning(batchID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.running[batchID]
	return ok
}

func (r *Runner) unregister(batchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, batchID)
	delete(r.started, batchID)
	delete(r.category, batchID)
}

func (r *Runner) cancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cancel := range r.running {
		cancel()
	}
}

// jitteredInterval applies a uniform ±jitter to base, matching the
// teacher's pollInterval idiom in the original pkg/queue/worker.go
// (rand/v2, range [base-jitter, base+jitter]), but in time.Duration
// directly rather than whole seconds since poll intervals here can be
// sub-second in tests.
func jitteredInterval(base, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	d := base - jitter + offset
	if d < 0 {
		return 0
	}
	return d
}

func (r *Runner) categoryNames() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// Health reports the runner's current load. It probes the store by
// listing active batches for one registered category; a failure there
// marks the runner unreachable.
func (r *Runner) Health() *RunnerHealth {
	ctx := context.Background()
	categories := r.categoryNames()

	storeReachable := true
	var storeErr string
	if len(categories) > 0 {
		if _, err := r.discoverer.ListActiveBatchIDs(ctx, categories[0]); err != nil {
			storeReachable = false
			storeErr = err.Error()
		}
	}

	r.mu.Lock()
	stats := make([]BatchHealth, 0, len(r.running))
	for id, startedAt := range r.started {
		stats = append(stats, BatchHealth{BatchID: id, Category: r.category[id], StartedAt: startedAt})
	}
	active := len(r.running)
	r.mu.Unlock()

	return &RunnerHealth{
		IsHealthy:      storeReachable,
		StoreReachable: storeReachable,
		StoreError:     storeErr,
		ActiveBatches:  active,
		WorkerCapacity: r.config.WorkerCount,
		Categories:     categories,
		LastDispatch:   r.lastDispatch,
		BatchStats:     stats,
	}
}
