package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"reflect"
	"time"
)

// Poll and retry attempt caps (§4.4, §5).
const (
	MaxPollAttempts  = 500
	MaxRetryAttempts = 100
)

// ErrBatchNotFound is returned by BatchStore.GetBatch when the batch row
// no longer exists.
var ErrBatchNotFound = errors.New("batch not found")

// ErrUnknownCategory is raised synchronously at construction time when a
// manager is built for a category with no registered parser/transitioner.
var ErrUnknownCategory = errors.New("unknown batch category")

// PersistedBatch is the manager's view of a batch row: just enough to
// drive the state machine, independent of any particular store package.
type PersistedBatch struct {
	ID     string
	States []json.RawMessage // index 0 is current
}

// BatchStore is the narrow slice of the store contract the generic
// manager algorithm needs. pkg/store.Store satisfies this structurally.
type BatchStore interface {
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error
	GetBatch(ctx context.Context, id string) (*PersistedBatch, error)
	UpdateBatch(ctx context.Context, b *PersistedBatch) error
}

// ScheduleInstruction tells the runner what to do after one
// try_advance_state call.
type ScheduleInstruction struct {
	Stop      bool
	Countdown time.Duration
}

// Transitioner supplies the one category-specific hook the generic
// manager wraps with transactional and bookkeeping concerns: parse a
// persisted record, and compute the next state (or nil to stop) given
// the current one, performing whatever store/LLM side effects that
// requires.
type Transitioner interface {
	Category() string
	ParseState(raw json.RawMessage) (State, error)
	Transition(ctx context.Context, current State) (State, error)
}

// Manager is the per-batch interface the runner drives.
type Manager interface {
	TryAdvanceState(ctx context.Context) (ScheduleInstruction, error)
}

// BaseManager implements the full try_advance_state algorithm of §4.4
// once, generically, on top of any Transitioner.
type BaseManager struct {
	store        BatchStore
	transitioner Transitioner
	batchID      string
	now          func() time.Time
}

// NewBaseManager constructs a manager bound to one batch.
func NewBaseManager(store BatchStore, t Transitioner, batchID string) *BaseManager {
	return &BaseManager{store: store, transitioner: t, batchID: batchID, now: time.Now}
}

// TryAdvanceState implements §4.4 exactly: one atomic section that
// re-reads, transitions, bumps poll/retry counters, and pushes the new
// state; a second atomic section to record FAILED if anything in the
// first one throws.
func (m *BaseManager) TryAdvanceState(ctx context.Context) (ScheduleInstruction, error) {
	log := slog.With("batch_id", m.batchID, "category", m.transitioner.Category())

	var instruction ScheduleInstruction
	var stopNoBatch bool
	var entryStatus string

	txErr := m.store.Atomic(ctx, func(ctx context.Context) error {
		pb, err := m.store.GetBatch(ctx, m.batchID)
		if err != nil {
			if errors.Is(err, ErrBatchNotFound) {
				instruction = ScheduleInstruction{Stop: true}
				stopNoBatch = true
				return nil
			}
			return fmt.Errorf("read batch: %w", err)
		}
		if len(pb.States) == 0 {
			return fmt.Errorf("batch %s has an empty state stack", m.batchID)
		}

		current, err := m.transitioner.ParseState(pb.States[0])
		if err != nil {
			return fmt.Errorf("parse current state: %w", err)
		}
		entryStatus = current.Status()

		next, err := m.transitioner.Transition(ctx, current)
		if err != nil {
			return err
		}
		if next == nil {
			instruction = ScheduleInstruction{Stop: true}
			return nil
		}

		next, err = bumpIfSameKind(current, next)
		if err != nil {
			return err
		}

		raw, err := serializeState(next)
		if err != nil {
			return fmt.Errorf("serialize next state: %w", err)
		}
		pushState(pb, next.Status(), raw)

		if err := m.store.UpdateBatch(ctx, pb); err != nil {
			return fmt.Errorf("persist batch: %w", err)
		}

		instruction = instructionFor(next)
		log.Info("batch state advanced", "status", next.Status(), "kind", next.Kind().String())
		return nil
	})

	if txErr == nil {
		if stopNoBatch {
			log.Warn("batch not found, stopping")
		}
		return instruction, nil
	}

	log.Error("batch transition failed, recording FAILED", "error", txErr)
	if failErr := m.recordFailure(ctx, entryStatus, txErr); failErr != nil {
		return ScheduleInstruction{Stop: true}, failErr
	}
	return ScheduleInstruction{Stop: true}, nil
}

// recordFailure opens a fresh atomic section (the original one rolled
// back) and pushes a Failed state.
func (m *BaseManager) recordFailure(ctx context.Context, previousStatus string, cause error) error {
	return m.store.Atomic(ctx, func(ctx context.Context) error {
		pb, err := m.store.GetBatch(ctx, m.batchID)
		if err != nil {
			if errors.Is(err, ErrBatchNotFound) {
				return nil
			}
			return fmt.Errorf("re-read batch for failure recording: %w", err)
		}
		failed := Failed{
			ErrorMessage:   cause.Error(),
			FailedAt:       m.now().UTC().Format(time.RFC3339),
			PreviousStatus: previousStatus,
		}
		raw, err := serializeState(failed)
		if err != nil {
			return err
		}
		pushState(pb, failed.Status(), raw)
		return m.store.UpdateBatch(ctx, pb)
	})
}

// bumpIfSameKind implements steps 6-7: when the transition returns a
// Polling or Retry state of the same concrete type as current, bump its
// counter and enforce the attempt cap instead of trusting whatever
// counter value the transitioner produced.
func bumpIfSameKind(current, next State) (State, error) {
	if reflect.TypeOf(current) != reflect.TypeOf(next) {
		return next, nil
	}
	if p, ok := next.(Poller); ok {
		cp := current.(Poller)
		n := cp.PollCount() + 1
		if n >= MaxPollAttempts {
			return nil, fmt.Errorf("poll_count reached %d (max %d) for status %s", n, MaxPollAttempts, next.Status())
		}
		return p.WithPollCount(n), nil
	}
	if r, ok := next.(Retrier); ok {
		cr := current.(Retrier)
		n := cr.RetryCount() + 1
		if n > MaxRetryAttempts {
			return nil, fmt.Errorf("retry_count reached %d (max %d) for status %s", n, MaxRetryAttempts, next.Status())
		}
		return r.WithRetryCount(n), nil
	}
	return next, nil
}

// pushState implements the stack semantics of §4.4: same status tag at
// index 0 replaces in place, otherwise prepends.
func pushState(pb *PersistedBatch, nextStatus string, raw json.RawMessage) {
	if len(pb.States) > 0 {
		if tag, err := StatusTag(pb.States[0]); err == nil && tag == nextStatus {
			pb.States[0] = raw
			return
		}
	}
	pb.States = append([]json.RawMessage{raw}, pb.States...)
}

func instructionFor(s State) ScheduleInstruction {
	switch s.Kind() {
	case StateKindTerminal:
		return ScheduleInstruction{Stop: true}
	case StateKindPolling:
		return ScheduleInstruction{Countdown: time.Duration(s.(Poller).PollNextCountdown()) * time.Second}
	case StateKindRetry:
		return ScheduleInstruction{Countdown: time.Duration(s.(Retrier).RetryCountdown()) * time.Second}
	default:
		return ScheduleInstruction{Countdown: 0}
	}
}

func serializeState(s State) (json.RawMessage, error) {
	type marshaler interface {
		MarshalJSON() ([]byte, error)
	}
	m, ok := s.(marshaler)
	if !ok {
		return nil, fmt.Errorf("state %T does not implement json.Marshaler", s)
	}
	return m.MarshalJSON()
}

// JitteredCountdown applies a uniform ±jitter to a base number of
// seconds, clamped to zero, matching the teacher's pollInterval idiom
// in pkg/queue/worker.go (rand/v2 + clamp).
func JitteredCountdown(baseSeconds, jitterSeconds int) int {
	if jitterSeconds <= 0 {
		return baseSeconds
	}
	delta := rand.IntN(2*jitterSeconds+1) - jitterSeconds
	v := baseSeconds + delta
	if v < 0 {
		return 0
	}
	return v
}
