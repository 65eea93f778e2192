package memories

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/codeready-toolchain/tapestry/pkg/batch"
	"github.com/codeready-toolchain/tapestry/pkg/llmjob"
	"github.com/codeready-toolchain/tapestry/pkg/store"
	"github.com/codeready-toolchain/tapestry/pkg/store/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// fakeLLM resolves a completion batch to one fixed memory fragment per
// group and an embedding batch to one fixed vector per item,
// immediately, standing in for syncjob's eager one-call-per-item style.
type fakeLLM struct {
	fragment MemoryFragment
}

func (f *fakeLLM) BatchSubmit(_ context.Context, _ string, items []llmjob.PromptItem) (string, error) {
	return "job-gen", nil
}

func (f *fakeLLM) BatchGetResults(_ context.Context, _ string) (map[string]json.RawMessage, bool, error) {
	raw, err := json.Marshal(ResponseSchema{Memories: []MemoryFragment{f.fragment}})
	if err != nil {
		return nil, false, err
	}
	return map[string]json.RawMessage{"2024-01-01/2024-01-05": raw}, true, nil
}

func (f *fakeLLM) EmbedBatchSubmit(_ context.Context, _ string, items []llmjob.EmbedItem) (string, error) {
	return "job-embed", nil
}

func (f *fakeLLM) EmbedBatchGetResults(_ context.Context, _ string) (map[string][]float32, bool, error) {
	return map[string][]float32{}, true, nil
}

func rowsFor(groupID string, ids []string) []batch.BatchThreadRow {
	rows := make([]batch.BatchThreadRow, len(ids))
	for i, id := range ids {
		rows[i] = batch.BatchThreadRow{ThreadID: id, GroupID: groupID}
	}
	return rows
}

func noopThreadText(context.Context, string) (string, string) { return "preview", "" }

// A batch with no thread groups is skipped on its first transition
// instead of submitting an empty generation job.
func TestManager_EnterGenerationSkipsWhenBatchHasNoGroups(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	require.NoError(t, st.CreateBatch(ctx, batch.NewBatch{
		ID:       "empty-batch",
		Category: Category,
		States:   []batch.State{batch.Created{Timestamp: "t0"}},
	}))

	windowCfg, err := batch.NewWindowConfig(30, 5)
	require.NoError(t, err)
	mgr := &Manager{Store: st, LLM: &fakeLLM{}, BatchID: "empty-batch", WindowCfg: windowCfg, ThreadText: noopThreadText, NewID: func() string { return "x" }, Now: time.Now}

	next, err := mgr.Transition(ctx, batch.Created{Timestamp: "t0"})
	require.NoError(t, err)
	skipped, ok := next.(batch.Skipped)
	require.True(t, ok)
	assert.NotEmpty(t, skipped.Reason)
}

// Generation writes one memory per LLM-returned fragment, keyed to the
// group id the result came back under.
func TestManager_GenerationToEmbeddingToComplete(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	_, err := st.InsertThreads(ctx, []store.Thread{
		{ID: "t1", UniqueKey: "chat:1", Preview: "hi", Asat: day(2024, 1, 1)},
		{ID: "t2", UniqueKey: "chat:2", Preview: "there", Asat: day(2024, 1, 3)},
	}, "task-1")
	require.NoError(t, err)
	require.NoError(t, st.CreateBatch(ctx, batch.NewBatch{
		ID:          "b1",
		BatchNumber: 1,
		Category:    Category,
		States:      []batch.State{batch.Created{Timestamp: "t0"}},
		Threads:     rowsFor("2024-01-01/2024-01-05", []string{"t1", "t2"}),
	}))

	windowCfg, err := batch.NewWindowConfig(30, 5)
	require.NoError(t, err)
	llm := &fakeLLM{fragment: MemoryFragment{Content: "a merged memory", FromDate: "2024-01-01", ToDate: "2024-01-05"}}
	mgr := &Manager{Store: st, LLM: llm, BatchID: "b1", WindowCfg: windowCfg, ThreadText: noopThreadText, NewID: func() string { return "mem-1" }, Now: time.Now}

	next, err := mgr.Transition(ctx, batch.Created{Timestamp: "t0"})
	require.NoError(t, err)
	pending, ok := next.(GenerationPending)
	require.True(t, ok)

	next, err = mgr.Transition(ctx, pending)
	require.NoError(t, err)
	genComplete, ok := next.(GenerationComplete)
	require.True(t, ok)
	assert.Equal(t, 1, genComplete.MemoriesCount)

	mem, err := st.GetMemory(ctx, "mem-1")
	require.NoError(t, err)
	assert.Equal(t, "active", mem.Status)
	assert.Equal(t, "2024-01-01/2024-01-05", mem.GroupID)

	next, err = mgr.Transition(ctx, genComplete)
	require.NoError(t, err)
	embedPending, ok := next.(EmbeddingPending)
	require.True(t, ok)

	next, err = mgr.Transition(ctx, embedPending)
	require.NoError(t, err)
	embedComplete, ok := next.(EmbeddingComplete)
	require.True(t, ok)

	next, err = mgr.Transition(ctx, embedComplete)
	require.NoError(t, err)
	assert.Equal(t, batch.StatusComplete, next.Status())
}

// A generation job still running yields the same pending state back
// unchanged (batch.BaseManager is what bumps poll_count, not the
// transitioner).
func TestManager_PollGenerationNotReadyReturnsSameState(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	notReady := &notReadyLLM{}
	windowCfg, err := batch.NewWindowConfig(30, 5)
	require.NoError(t, err)
	mgr := &Manager{Store: st, LLM: notReady, BatchID: "b1", WindowCfg: windowCfg, ThreadText: noopThreadText, NewID: func() string { return "x" }, Now: time.Now}

	pending := GenerationPending{JobKey: "job-gen", PollCountV: 3, SubmittedAt: "t0"}
	next, err := mgr.Transition(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, pending, next)
}

type notReadyLLM struct{}

func (notReadyLLM) BatchSubmit(context.Context, string, []llmjob.PromptItem) (string, error) {
	return "", fmt.Errorf("not used")
}
func (notReadyLLM) BatchGetResults(context.Context, string) (map[string]json.RawMessage, bool, error) {
	return nil, false, nil
}
func (notReadyLLM) EmbedBatchSubmit(context.Context, string, []llmjob.EmbedItem) (string, error) {
	return "", fmt.Errorf("not used")
}
func (notReadyLLM) EmbedBatchGetResults(context.Context, string) (map[string][]float32, bool, error) {
	return nil, false, nil
}
