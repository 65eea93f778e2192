package refinement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codeready-toolchain/tapestry/pkg/batch"
	"github.com/codeready-toolchain/tapestry/pkg/llmjob"
	"github.com/codeready-toolchain/tapestry/pkg/store"
)

// Category is the refinement pipeline family's registration key.
const Category = "refinement"

// RefinedFragment is the merged content the LLM returns for one cluster.
type RefinedFragment struct {
	Content string `json:"content"`
}

// Manager implements batch.Transitioner for the refinement category.
// Unlike memories, a refinement batch has a fixed batch_number of 1 and
// no bin-packing: one batch covers every cluster discovered from its
// seed set (resolved Open Question, SPEC_FULL.md §9).
type Manager struct {
	Store     store.Store
	LLM       llmjob.JobClient
	BatchID   string
	Discovery DiscoveryParams
	NewID     func() string
	Now       func() time.Time
}

// NewManager builds a ready-to-run batch.BaseManager for one refinement batch.
func NewManager(st store.Store, llm llmjob.JobClient, batchID string, discovery DiscoveryParams, newID func() string) *batch.BaseManager {
	m := &Manager{
		Store:     st,
		LLM:       llm,
		BatchID:   batchID,
		Discovery: discovery,
		NewID:     newID,
		Now:       time.Now,
	}
	return batch.NewBaseManager(st, m, batchID)
}

// Category implements batch.Transitioner.
func (m *Manager) Category() string { return Category }

// ParseState implements batch.Transitioner.
func (m *Manager) ParseState(raw json.RawMessage) (batch.State, error) { return ParseState(raw) }

// Transition implements batch.Transitioner, dispatching on the concrete
// current state per the state graph in §4.5.2.
func (m *Manager) Transition(ctx context.Context, current batch.State) (batch.State, error) {
	switch s := current.(type) {
	case Created:
		return m.discover(ctx, s)
	case Discover:
		return m.enterPending(ctx, s)
	case Pending:
		return m.pollPending(ctx, s)
	case Complete:
		return m.enterEmbedding(ctx, s)
	case EmbedPending:
		return m.pollEmbedding(ctx, s)
	case EmbedComplete:
		return batch.Complete{CompletedAt: m.nowStr()}, nil
	default:
		return nil, fmt.Errorf("refinement: unexpected state %T", current)
	}
}

func (m *Manager) nowStr() string { return m.Now().UTC().Format(time.RFC3339) }

func (m *Manager) discover(ctx context.Context, s Created) (batch.State, error) {
	clusters, err := DiscoverClusters(ctx, m.Store, s.SeedMemoryIDs, m.Discovery)
	if err != nil {
		return nil, fmt.Errorf("discover clusters: %w", err)
	}
	if len(clusters) == 0 {
		return batch.Skipped{SkippedAt: m.nowStr(), Reason: "no clusters discovered"}, nil
	}
	return Discover{Clusters: clusters, DiscoveredAt: m.nowStr()}, nil
}

func (m *Manager) enterPending(ctx context.Context, s Discover) (batch.State, error) {
	items := make([]llmjob.PromptItem, 0, len(s.Clusters))
	for i, cluster := range s.Clusters {
		prompt, err := m.buildClusterPrompt(ctx, cluster)
		if err != nil {
			return nil, err
		}
		items = append(items, llmjob.PromptItem{
			ItemID:         fmt.Sprintf("cluster-%d", i),
			Prompt:         prompt,
			ResponseSchema: RefinedFragment{},
		})
	}

	jobKey, err := m.LLM.BatchSubmit(ctx, m.BatchID, items)
	if err != nil {
		return nil, fmt.Errorf("submit refinement batch: %w", err)
	}

	return Pending{JobKey: jobKey, Clusters: s.Clusters, SubmittedAt: m.nowStr()}, nil
}

func (m *Manager) buildClusterPrompt(ctx context.Context, cluster []string) (string, error) {
	out := "merge the following related memories into one consolidated memory:\n"
	for _, id := range cluster {
		mem, err := m.Store.GetMemory(ctx, id)
		if err != nil {
			return "", fmt.Errorf("load memory %s for refinement prompt: %w", id, err)
		}
		out += fmt.Sprintf("\n- (%s to %s) %s\n", mem.FromDate.Format("2006-01-02"), mem.ToDate.Format("2006-01-02"), mem.Content)
	}
	return out, nil
}

// pollPending implements the §4.5.2 completion rule: one new active
// memory per cluster carrying source_memory_ids, then each source that
// is still active is superseded exactly once, tracked across clusters
// via seenSuperseded so a source shared between clusters (from an
// overlapping discovery pass) is never superseded twice.
func (m *Manager) pollPending(ctx context.Context, s Pending) (batch.State, error) {
	results, ready, err := m.LLM.BatchGetResults(ctx, s.JobKey)
	if err != nil {
		return nil, fmt.Errorf("poll refinement job %s: %w", s.JobKey, err)
	}
	if !ready {
		return s, nil
	}

	var createdIDs []string
	seenSuperseded := make(map[string]struct{})
	supersededCount := 0

	for i, cluster := range s.Clusters {
		itemID := fmt.Sprintf("cluster-%d", i)
		raw, ok := results[itemID]
		if !ok {
			continue
		}
		var frag RefinedFragment
		if err := json.Unmarshal(raw, &frag); err != nil {
			return nil, fmt.Errorf("parse refinement result for %s: %w", itemID, err)
		}

		newID := m.NewID()
		fromDate, toDate, groupID, err := m.clusterSpan(ctx, cluster)
		if err != nil {
			return nil, err
		}

		refined := store.Memory{
			ID:              newID,
			Content:         frag.Content,
			FromDate:        fromDate,
			ToDate:          toDate,
			GroupID:         groupID,
			Status:          "active",
			SourceMemoryIDs: cluster,
		}
		if err := m.Store.InsertMemory(ctx, refined); err != nil {
			return nil, fmt.Errorf("insert refined memory for %s: %w", itemID, err)
		}
		createdIDs = append(createdIDs, newID)

		for _, sourceID := range cluster {
			if _, done := seenSuperseded[sourceID]; done {
				continue
			}
			src, err := m.Store.GetMemory(ctx, sourceID)
			if err != nil {
				return nil, fmt.Errorf("load source memory %s: %w", sourceID, err)
			}
			if src.Status != "active" {
				continue
			}
			src.Status = "superseded"
			src.SupersededBy = newID
			if err := m.Store.UpdateMemory(ctx, *src); err != nil {
				return nil, fmt.Errorf("supersede memory %s: %w", sourceID, err)
			}
			seenSuperseded[sourceID] = struct{}{}
			supersededCount++
		}
	}

	return Complete{CreatedMemoryIDs: createdIDs, SupersededCount: supersededCount, CompletedAt: m.nowStr()}, nil
}

func (m *Manager) clusterSpan(ctx context.Context, cluster []string) (from, to time.Time, groupID string, err error) {
	for i, id := range cluster {
		mem, getErr := m.Store.GetMemory(ctx, id)
		if getErr != nil {
			return time.Time{}, time.Time{}, "", fmt.Errorf("load memory %s for span: %w", id, getErr)
		}
		if i == 0 {
			from, to, groupID = mem.FromDate, mem.ToDate, mem.GroupID
			continue
		}
		if mem.FromDate.Before(from) {
			from = mem.FromDate
		}
		if mem.ToDate.After(to) {
			to = mem.ToDate
		}
	}
	return from, to, groupID, nil
}

func (m *Manager) enterEmbedding(ctx context.Context, prior Complete) (batch.State, error) {
	var items []llmjob.EmbedItem
	for _, id := range prior.CreatedMemoryIDs {
		mem, err := m.Store.GetMemory(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load refined memory %s: %w", id, err)
		}
		items = append(items, llmjob.EmbedItem{ItemID: mem.ID, Text: mem.Content})
	}

	if len(items) == 0 {
		return EmbedComplete{CompletedAt: m.nowStr(), EmbeddedCount: 0}, nil
	}

	jobKey, err := m.LLM.EmbedBatchSubmit(ctx, m.BatchID, items)
	if err != nil {
		return nil, fmt.Errorf("submit refinement embedding batch: %w", err)
	}

	return EmbedPending{JobKey: jobKey, SubmittedAt: m.nowStr()}, nil
}

func (m *Manager) pollEmbedding(ctx context.Context, s EmbedPending) (batch.State, error) {
	results, ready, err := m.LLM.EmbedBatchGetResults(ctx, s.JobKey)
	if err != nil {
		return nil, fmt.Errorf("poll refinement embedding job %s: %w", s.JobKey, err)
	}
	if !ready {
		return s, nil
	}

	for memoryID, vec := range results {
		mem, err := m.Store.GetMemory(ctx, memoryID)
		if err != nil {
			return nil, fmt.Errorf("load memory %s for embedding: %w", memoryID, err)
		}
		mem.Embedding = vec
		if err := m.Store.UpdateMemory(ctx, *mem); err != nil {
			return nil, fmt.Errorf("update memory %s embedding: %w", memoryID, err)
		}
	}

	return EmbedComplete{CompletedAt: m.nowStr(), EmbeddedCount: len(results)}, nil
}
