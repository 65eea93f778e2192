package refinement

import (
	"context"
	"fmt"

	"github.com/codeready-toolchain/tapestry/pkg/batch"
	"github.com/codeready-toolchain/tapestry/pkg/store"
)

// Factory builds a single refinement batch from whatever memories are
// currently refinable. Unlike the generic batch.Factory, a refinement
// batch is seeded from memory ids rather than thread groups, always
// gets batch_number=1, and is never split across chunks (resolved Open
// Question, SPEC_FULL.md §9).
type Factory struct {
	Store store.Store
	NewID func() string
}

// NewFactory constructs a refinement batch factory.
func NewFactory(st store.Store, newID func() string) *Factory {
	return &Factory{Store: st, NewID: newID}
}

// CreateBatch persists one refinement batch seeded with every currently
// refinable memory id, or returns (nil, nil) if there is nothing to
// refine.
func (f *Factory) CreateBatch(ctx context.Context, timestamp string) (*batch.NewBatch, error) {
	seedIDs, err := f.Store.GetRefinableMemoryIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load refinable memory ids: %w", err)
	}
	if len(seedIDs) == 0 {
		return nil, nil
	}

	initial := Created{SeedMemoryIDs: seedIDs, Timestamp: timestamp}
	nb := batch.NewBatch{
		ID:          f.NewID(),
		BatchNumber: 1,
		Category:    Category,
		States:      []batch.State{initial},
	}
	if err := f.Store.CreateBatch(ctx, nb); err != nil {
		return nil, fmt.Errorf("persist refinement batch %s: %w", nb.ID, err)
	}
	return &nb, nil
}
