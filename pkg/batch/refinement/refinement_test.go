package refinement

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

// vecOf builds an embedding of the store's fixed width with v at every
// even index and zero at every odd one, so two memories built from the
// same value are identical (cosine distance 0), while one built with
// orthogonalVec (odd indices only) is maximally dissimilar from it
// (cosine distance 1).
func vecOf(v float32) []float32 {
	out := make([]float32, store.EmbeddingDimensions)
	for i := range out {
		if i%2 == 0 {
			out[i] = v
		}
	}
	return out
}

func orthogonalVec(v float32) []float32 {
	out := make([]float32, store.EmbeddingDimensions)
	for i := range out {
		if i%2 == 1 {
			out[i] = v
		}
	}
	return out
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Discovery proximity cutoff (§4.7): a candidate outside
// date_proximity_days of the seed is never returned, regardless of how
// similar its embedding is.
func TestDiscoverClusters_ProximityCutoffExcludesDistantCandidate(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	seed := store.Memory{
		ID: "seed", Content: "seed", Status: "active",
		FromDate: day(2024, 1, 1), ToDate: day(2024, 1, 5),
		Embedding: vecOf(1),
	}
	near := store.Memory{
		ID: "near", Content: "near", Status: "active",
		FromDate: day(2024, 1, 6), ToDate: day(2024, 1, 8),
		Embedding: vecOf(1),
	}
	distant := store.Memory{
		ID: "distant", Content: "distant", Status: "active",
		FromDate: day(2024, 6, 1), ToDate: day(2024, 6, 5),
		Embedding: vecOf(1),
	}
	for _, m := range []store.Memory{seed, near, distant} {
		require.NoError(t, st.InsertMemory(ctx, m))
	}

	params := DiscoveryParams{DateProximityDays: 7, SimilarityThreshold: 0.4, MaxCandidatesPerSeed: 10}
	clusters, err := DiscoverClusters(ctx, st, []string{"seed"}, params)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.ElementsMatch(t, []string{"near", "seed"}, clusters[0])
}

// A seed with no embedding yields no clusters at all: FindSimilarMemories
// short-circuits to an empty candidate set.
func TestDiscoverClusters_SeedWithoutEmbeddingYieldsNothing(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	require.NoError(t, st.InsertMemory(ctx, store.Memory{
		ID: "seed", Content: "seed", Status: "active",
		FromDate: day(2024, 1, 1), ToDate: day(2024, 1, 5),
	}))
	require.NoError(t, st.InsertMemory(ctx, store.Memory{
		ID: "other", Content: "other", Status: "active",
		FromDate: day(2024, 1, 1), ToDate: day(2024, 1, 5),
		Embedding: vecOf(1),
	}))

	clusters, err := DiscoverClusters(ctx, st, []string{"seed"}, DefaultDiscoveryParams())
	require.NoError(t, err)
	assert.Empty(t, clusters)
}

// A candidate below the similarity threshold (but within date
// proximity) is excluded.
func TestDiscoverClusters_DissimilarCandidateExcluded(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	require.NoError(t, st.InsertMemory(ctx, store.Memory{
		ID: "seed", Content: "seed", Status: "active",
		FromDate: day(2024, 1, 1), ToDate: day(2024, 1, 5),
		Embedding: vecOf(1),
	}))
	require.NoError(t, st.InsertMemory(ctx, store.Memory{
		ID: "unrelated", Content: "unrelated", Status: "active",
		FromDate: day(2024, 1, 1), ToDate: day(2024, 1, 5),
		Embedding: orthogonalVec(1),
	}))

	clusters, err := DiscoverClusters(ctx, st, []string{"seed"}, DefaultDiscoveryParams())
	require.NoError(t, err)
	assert.Empty(t, clusters)
}

// fakeLLM drives one completion batch and one embedding batch to
// immediate readiness, standing in for syncjob's eager behavior without
// a real HTTP dependency.
type fakeLLM struct {
	completionContent string
}

func (f *fakeLLM) BatchSubmit(_ context.Context, _ string, items []llmjob.PromptItem) (string, error) {
	return "job-complete", nil
}

func (f *fakeLLM) BatchGetResults(_ context.Context, jobKey string) (map[string]json.RawMessage, bool, error) {
	frag, err := json.Marshal(RefinedFragment{Content: f.completionContent})
	if err != nil {
		return nil, false, err
	}
	return map[string]json.RawMessage{"cluster-0": frag}, true, nil
}

func (f *fakeLLM) EmbedBatchSubmit(_ context.Context, _ string, items []llmjob.EmbedItem) (string, error) {
	return "job-embed", nil
}

func (f *fakeLLM) EmbedBatchGetResults(_ context.Context, jobKey string) (map[string][]float32, bool, error) {
	return map[string][]float32{}, true, nil
}

// Supersession (§4.5.2): two similar, date-proximate memories cluster
// together; the refinement completion writes one new active memory
// carrying both as sources, and supersedes each of them exactly once.
func TestManager_PollPendingSupersedesClusterSources(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	m1 := store.Memory{
		ID: "m1", Content: "m1 content", Status: "active",
		FromDate: day(2024, 1, 1), ToDate: day(2024, 1, 2), GroupID: "g1",
		Embedding: vecOf(1),
	}
	m2 := store.Memory{
		ID: "m2", Content: "m2 content", Status: "active",
		FromDate: day(2024, 1, 3), ToDate: day(2024, 1, 4), GroupID: "g1",
		Embedding: vecOf(1),
	}
	require.NoError(t, st.InsertMemory(ctx, m1))
	require.NoError(t, st.InsertMemory(ctx, m2))

	llm := &fakeLLM{completionContent: "merged summary of m1 and m2"}
	nextID := 0
	newID := func() string {
		nextID++
		return fmt.Sprintf("refined-%d", nextID)
	}

	mgr := &Manager{Store: st, LLM: llm, BatchID: "b1", Discovery: DefaultDiscoveryParams(), NewID: newID, Now: time.Now}

	next, err := mgr.Transition(ctx, Created{SeedMemoryIDs: []string{"m1", "m2"}, Timestamp: "t0"})
	require.NoError(t, err)
	discover, ok := next.(Discover)
	require.True(t, ok)
	require.Len(t, discover.Clusters, 1)
	assert.ElementsMatch(t, []string{"m1", "m2"}, discover.Clusters[0])

	next, err = mgr.Transition(ctx, discover)
	require.NoError(t, err)
	pending, ok := next.(Pending)
	require.True(t, ok)

	next, err = mgr.Transition(ctx, pending)
	require.NoError(t, err)
	complete, ok := next.(Complete)
	require.True(t, ok)
	require.Len(t, complete.CreatedMemoryIDs, 1)
	assert.Equal(t, 2, complete.SupersededCount)
	assert.Equal(t, 1, complete.RefinedCount())

	refinedID := complete.CreatedMemoryIDs[0]
	refined, err := st.GetMemory(ctx, refinedID)
	require.NoError(t, err)
	assert.Equal(t, "active", refined.Status)
	assert.ElementsMatch(t, []string{"m1", "m2"}, refined.SourceMemoryIDs)

	got1, err := st.GetMemory(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "superseded", got1.Status)
	assert.Equal(t, refinedID, got1.SupersededBy)

	got2, err := st.GetMemory(ctx, "m2")
	require.NoError(t, err)
	assert.Equal(t, "superseded", got2.Status)
	assert.Equal(t, refinedID, got2.SupersededBy)
}

// No clusters discovered (e.g. every seed is isolated) skips the batch
// rather than submitting an empty completion job.
func TestManager_DiscoverSkipsWhenNoClustersFound(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()

	require.NoError(t, st.InsertMemory(ctx, store.Memory{
		ID: "lonely", Content: "lonely", Status: "active",
		FromDate: day(2024, 1, 1), ToDate: day(2024, 1, 2),
		Embedding: vecOf(1),
	}))

	mgr := &Manager{Store: st, LLM: &fakeLLM{}, BatchID: "b1", Discovery: DefaultDiscoveryParams(), NewID: func() string { return "x" }, Now: time.Now}

	next, err := mgr.Transition(ctx, Created{SeedMemoryIDs: []string{"lonely"}, Timestamp: "t0"})
	require.NoError(t, err)
	skipped, ok := next.(batch.Skipped)
	require.True(t, ok)
	assert.NotEmpty(t, skipped.Reason)
}
