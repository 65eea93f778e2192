package batch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// RunBatch drives one manager to completion: repeatedly call
// try_advance_state, sleep for the instructed countdown, stop on a
// terminal instruction or context cancellation. Mirrors the teacher's
// Worker.sleep cancellable-countdown idiom in pkg/queue/worker.go.
func RunBatch(ctx context.Context, m Manager) error {
	for {
		inst, err := m.TryAdvanceState(ctx)
		if err != nil {
			return err
		}
		if inst.Stop {
			return nil
		}
		if inst.Countdown > 0 {
			if !sleepCancellable(ctx, inst.Countdown) {
				return nil
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// sleepCancellable blocks for d or until ctx is done, whichever comes
// first. Returns false if the context was cancelled first.
func sleepCancellable(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// RunBatches starts one cooperative goroutine per manager and waits for
// all of them to finish. A failure in one batch is captured in its own
// FAILED state by the manager and does not cancel its siblings.
func RunBatches(ctx context.Context, managers []Manager) []error {
	var wg sync.WaitGroup
	errs := make([]error, len(managers))

	for i, m := range managers {
		wg.Add(1)
		go func(i int, m Manager) {
			defer wg.Done()
			if err := RunBatch(ctx, m); err != nil {
				slog.Error("batch run ended in error", "error", err)
				errs[i] = err
			}
		}(i, m)
	}

	wg.Wait()
	return errs
}

// RunPolicy gates concurrent pipeline runs (§4.6).
type RunPolicy interface {
	// Acquire returns a run id to proceed, or ("", false) if the run is
	// rejected.
	Acquire(ctx context.Context) (runID string, ok bool, err error)
	Release(ctx context.Context, runID string, success bool) error
}

// ImmediateRunPolicy always admits; it is the default policy.
type ImmediateRunPolicy struct{}

// Acquire implements RunPolicy.
func (ImmediateRunPolicy) Acquire(context.Context) (string, bool, error) { return "immediate", true, nil }

// Release implements RunPolicy.
func (ImmediateRunPolicy) Release(context.Context, string, bool) error { return nil }

// RunPipeline implements §4.6's run_pipeline: acquire admission, run all
// batches, release reporting success/failure.
func RunPipeline(ctx context.Context, managers []Manager, policy RunPolicy) ([]error, error) {
	runID, ok, err := policy.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire run policy: %w", err)
	}
	if !ok {
		slog.Warn("pipeline run rejected by policy")
		return nil, nil
	}

	errs := RunBatches(ctx, managers)

	failed := false
	for _, e := range errs {
		if e != nil {
			failed = true
			break
		}
	}
	if relErr := policy.Release(ctx, runID, !failed); relErr != nil {
		return errs, fmt.Errorf("release run policy: %w", relErr)
	}
	return errs, nil
}
