package batch

import (
	"context"
	"fmt"
)

// MaxGroupsPerBatch bounds how many groups a single batch may cover.
const MaxGroupsPerBatch = 50

// BatchThreadRow is the persisted linkage a factory writes alongside a
// new batch: one row per (batch, thread), carrying the thread's group.
type BatchThreadRow struct {
	ThreadID string
	GroupID  string
}

// NewBatch is what a factory asks the store to persist: a batch plus
// the thread rows covered by it.
type NewBatch struct {
	ID          string
	BatchNumber int
	Category    string
	States      []State
	Threads     []BatchThreadRow
}

// BatchPersister is the narrow slice of the store a factory needs.
type BatchPersister interface {
	CreateBatch(ctx context.Context, nb NewBatch) error
}

// IDGenerator produces a fresh batch id; injected so factories stay
// deterministic and testable.
type IDGenerator func() string

// BinPack splits groups into chunks of at most maxPerBatch (or
// MaxGroupsPerBatch when maxPerBatch <= 0), preserving order. Step 2 of the batch factory algorithm.
func BinPack(groups []ThreadGroup, maxPerBatch int) [][]ThreadGroup {
	if len(groups) == 0 {
		return nil
	}
	if maxPerBatch <= 0 {
		maxPerBatch = MaxGroupsPerBatch
	}
	var chunks [][]ThreadGroup
	for start := 0; start < len(groups); start += maxPerBatch {
		end := start + maxPerBatch
		if end > len(groups) {
			end = len(groups)
		}
		chunks = append(chunks, groups[start:end])
	}
	return chunks
}

// Factory bin-packs groups into batches for one or more registered
// categories and persists each batch with its own CreateBatch call.
type Factory struct {
	store      BatchPersister
	newID      IDGenerator
	categories []string
	// InitialState builds the category-specific seed state for a new
	// batch; most categories just return Created{}.
	InitialState func(category string, chunk []ThreadGroup) (State, error)
}

// NewFactory constructs a Factory for the given categories.
func NewFactory(store BatchPersister, newID IDGenerator, categories ...string) *Factory {
	return &Factory{
		store:      store,
		newID:      newID,
		categories: categories,
		InitialState: func(string, []ThreadGroup) (State, error) {
			return Created{}, nil
		},
	}
}

// CreateBatches implements §4.2: bin-pack, then for each chunk × each
// registered category, construct and persist a batch.
func (f *Factory) CreateBatches(ctx context.Context, groups []ThreadGroup) ([]NewBatch, error) {
	if len(groups) == 0 {
		return nil, nil
	}

	chunks := BinPack(groups, MaxGroupsPerBatch)

	var created []NewBatch
	for chunkIdx, chunk := range chunks {
		for _, category := range f.categories {
			initial, err := f.InitialState(category, chunk)
			if err != nil {
				return created, fmt.Errorf("build initial state for category %s: %w", category, err)
			}
			raw, err := marshalState(initial)
			if err != nil {
				return created, err
			}
			_ = raw // persisted by the store implementation from nb.States

			nb := NewBatch{
				ID:          f.newID(),
				BatchNumber: chunkIdx + 1,
				Category:    category,
				States:      []State{initial},
				Threads:     threadRows(chunk),
			}
			if err := f.store.CreateBatch(ctx, nb); err != nil {
				return created, fmt.Errorf("persist batch %s (category %s, chunk %d): %w", nb.ID, category, chunkIdx+1, err)
			}
			created = append(created, nb)
		}
	}

	return created, nil
}

func threadRows(chunk []ThreadGroup) []BatchThreadRow {
	var rows []BatchThreadRow
	for _, g := range chunk {
		for _, t := range g.Threads {
			rows = append(rows, BatchThreadRow{ThreadID: t.ID, GroupID: g.GroupID})
		}
	}
	return rows
}

// marshalState is a local helper so the factory can validate a state is
// serializable before handing it to the store.
func marshalState(s State) ([]byte, error) {
	type marshaler interface {
		MarshalJSON() ([]byte, error)
	}
	if m, ok := s.(marshaler); ok {
		return m.MarshalJSON()
	}
	return nil, fmt.Errorf("state %T does not implement json.Marshaler", s)
}
