package queue

import (
	"context"

	"github.com/codeready-toolchain/tapestry/pkg/batch"
)

// batchManagerAdapter adapts a *batch.BaseManager (or anything sharing
// its TryAdvanceState signature) to the queue.Manager interface. The
// two packages declare field-identical but distinct ScheduleInstruction/
// Instruction types on purpose (see the Manager note in types.go), so a
// thin conversion is needed wherever a batch.Manager is handed to a
// ManagerFactory.
type batchManagerAdapter struct {
	inner interface {
		TryAdvanceState(ctx context.Context) (batch.ScheduleInstruction, error)
	}
}

// AdaptBatchManager wraps a batch.Manager (e.g. the result of
// memories.NewManager or refinement.NewManager) so it satisfies
// queue.Manager.
func AdaptBatchManager(m batch.Manager) Manager {
	return batchManagerAdapter{inner: m}
}

func (a batchManagerAdapter) TryAdvanceState(ctx context.Context) (Instruction, error) {
	inst, err := a.inner.TryAdvanceState(ctx)
	return Instruction{Stop: inst.Stop, Countdown: inst.Countdown}, err
}
