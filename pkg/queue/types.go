// Package queue drives the persisted batch state machines (§4.4, §4.9)
// to completion: one goroutine per in-flight batch, bounded by a worker
// count, discovering work by polling the store for active batch ids
// instead of claiming rows off a shared queue table.
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrUnknownCategory is returned by Runner.Submit when no
// ManagerFactory is registered for a batch's category.
var ErrUnknownCategory = errors.New("queue: unknown batch category")

// Manager is the narrow slice of batch.Manager the runner drives. It is
// redeclared here (rather than imported) so this package depends only
// on the one method it actually calls.
type Manager interface {
	TryAdvanceState(ctx context.Context) (Instruction, error)
}

// Instruction mirrors batch.ScheduleInstruction; the runner never reads
// batch package internals beyond what ManagerFactory hands it.
type Instruction struct {
	Stop      bool
	Countdown time.Duration
}

// ManagerFactory builds the category-specific manager for one batch id.
// Implementations close over the store, llm job client, and any
// category config (window size, discovery params) the manager needs;
// the runner itself stays category-agnostic.
type ManagerFactory func(batchID string) (Manager, error)

// RunnerHealth reports the runner's current load for a health endpoint.
type RunnerHealth struct {
	IsHealthy      bool          `json:"is_healthy"`
	StoreReachable bool          `json:"store_reachable"`
	StoreError     string        `json:"store_error,omitempty"`
	ActiveBatches  int           `json:"active_batches"`
	WorkerCapacity int           `json:"worker_capacity"`
	Categories     []string      `json:"categories"`
	LastDispatch   time.Time     `json:"last_dispatch"`
	BatchStats     []BatchHealth `json:"batch_stats"`
}

// BatchHealth reports one in-flight batch's runtime.
type BatchHealth struct {
	BatchID   string    `json:"batch_id"`
	Category  string    `json:"category"`
	StartedAt time.Time `json:"started_at"`
}
