package memories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/codeready-toolchain/tapestry/pkg/batch"
	"github.com/codeready-toolchain/tapestry/pkg/llmjob"
	"github.com/codeready-toolchain/tapestry/pkg/store"
)

// Category is the memories pipeline family's registration key.
const Category = "memories"

// ThreadTextFunc resolves a thread id to the preview text and optional
// asset URI the prompt builder needs; the facade supplies this from the
// store so the manager stays free of a direct Thread-reading method
// beyond what store.Store already exposes via GetThread.
type ThreadTextFunc func(ctx context.Context, threadID string) (preview string, assetURI string)

// Manager implements batch.Transitioner for the memories category.
type Manager struct {
	Store      store.Store
	LLM        llmjob.JobClient
	BatchID    string
	WindowCfg  batch.WindowConfig
	ThreadText ThreadTextFunc
	NewID      func() string
	Now        func() time.Time
}

// NewManager builds a ready-to-run batch.BaseManager for one memories batch.
func NewManager(st store.Store, llm llmjob.JobClient, batchID string, windowCfg batch.WindowConfig, threadText ThreadTextFunc, newID func() string) *batch.BaseManager {
	m := &Manager{
		Store:      st,
		LLM:        llm,
		BatchID:    batchID,
		WindowCfg:  windowCfg,
		ThreadText: threadText,
		NewID:      newID,
		Now:        time.Now,
	}
	return batch.NewBaseManager(st, m, batchID)
}

// Category implements batch.Transitioner.
func (m *Manager) Category() string { return Category }

// ParseState implements batch.Transitioner.
func (m *Manager) ParseState(raw json.RawMessage) (batch.State, error) { return ParseState(raw) }

// Transition implements batch.Transitioner, dispatching on the concrete
// current state per the state graph in §4.5.1.
func (m *Manager) Transition(ctx context.Context, current batch.State) (batch.State, error) {
	switch s := current.(type) {
	case batch.Created:
		return m.enterGeneration(ctx)
	case GenerationPending:
		return m.pollGeneration(ctx, s)
	case GenerationComplete:
		return m.enterEmbedding(ctx, s)
	case EmbeddingPending:
		return m.pollEmbedding(ctx, s)
	case EmbeddingComplete:
		return batch.Complete{CompletedAt: m.nowStr()}, nil
	default:
		return nil, fmt.Errorf("memories: unexpected state %T", current)
	}
}

func (m *Manager) nowStr() string { return m.Now().UTC().Format(time.RFC3339) }

func (m *Manager) enterGeneration(ctx context.Context) (batch.State, error) {
	groups, err := m.Store.GetBatchGroups(ctx, m.BatchID)
	if err != nil {
		return nil, fmt.Errorf("load batch groups: %w", err)
	}
	if len(groups) == 0 {
		return batch.Skipped{SkippedAt: m.nowStr(), Reason: "no groups to process"}, nil
	}

	items := BuildPromptItems(groups, m.WindowCfg, func(id string) (string, string) {
		preview, asset := m.ThreadText(ctx, id)
		return preview, asset
	})
	if len(items) == 0 {
		return batch.Skipped{SkippedAt: m.nowStr(), Reason: "no processable records"}, nil
	}

	jobKey, err := m.LLM.BatchSubmit(ctx, m.BatchID, items)
	if err != nil {
		return nil, fmt.Errorf("submit generation batch: %w", err)
	}

	return GenerationPending{JobKey: jobKey, SubmittedAt: m.nowStr()}, nil
}

func (m *Manager) pollGeneration(ctx context.Context, s GenerationPending) (batch.State, error) {
	results, ready, err := m.LLM.BatchGetResults(ctx, s.JobKey)
	if err != nil {
		return nil, fmt.Errorf("poll generation job %s: %w", s.JobKey, err)
	}
	if !ready {
		return s, nil
	}

	count := 0
	for groupID, raw := range results {
		var parsed ResponseSchema
		if err := json.Unmarshal(raw, &parsed); err != nil {
			return nil, fmt.Errorf("parse generation result for group %s: %w", groupID, err)
		}
		for _, frag := range parsed.Memories {
			from, err := time.Parse("2006-01-02", frag.FromDate)
			if err != nil {
				return nil, fmt.Errorf("parse from_date %q: %w", frag.FromDate, err)
			}
			to, err := time.Parse("2006-01-02", frag.ToDate)
			if err != nil {
				return nil, fmt.Errorf("parse to_date %q: %w", frag.ToDate, err)
			}
			mem := store.Memory{
				ID:       m.NewID(),
				Content:  frag.Content,
				FromDate: from,
				ToDate:   to,
				GroupID:  groupID,
				Status:   "active",
			}
			if err := m.Store.InsertMemory(ctx, mem); err != nil {
				return nil, fmt.Errorf("insert memory for group %s: %w", groupID, err)
			}
			count++
		}
	}

	return GenerationComplete{CompletedAt: m.nowStr(), MemoriesCount: count}, nil
}

func (m *Manager) enterEmbedding(ctx context.Context, prior GenerationComplete) (batch.State, error) {
	groups, err := m.Store.GetBatchGroups(ctx, m.BatchID)
	if err != nil {
		return nil, fmt.Errorf("load batch groups: %w", err)
	}
	groupIDs := make(map[string]struct{}, len(groups))
	for _, g := range groups {
		groupIDs[g.GroupID] = struct{}{}
	}

	active, err := m.Store.ListMemories(ctx, "active", nil, 0)
	if err != nil {
		return nil, fmt.Errorf("list active memories: %w", err)
	}

	var items []llmjob.EmbedItem
	for _, mem := range active {
		if _, inBatch := groupIDs[mem.GroupID]; !inBatch {
			continue
		}
		if len(mem.Embedding) > 0 {
			continue
		}
		items = append(items, llmjob.EmbedItem{ItemID: mem.ID, Text: mem.Content})
	}

	if len(items) == 0 {
		return EmbeddingComplete{CompletedAt: m.nowStr(), EmbeddedCount: 0}, nil
	}

	jobKey, err := m.LLM.EmbedBatchSubmit(ctx, m.BatchID, items)
	if err != nil {
		return nil, fmt.Errorf("submit embedding batch: %w", err)
	}

	return EmbeddingPending{JobKey: jobKey, SubmittedAt: m.nowStr()}, nil
}

func (m *Manager) pollEmbedding(ctx context.Context, s EmbeddingPending) (batch.State, error) {
	results, ready, err := m.LLM.EmbedBatchGetResults(ctx, s.JobKey)
	if err != nil {
		return nil, fmt.Errorf("poll embedding job %s: %w", s.JobKey, err)
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

	return EmbeddingComplete{CompletedAt: m.nowStr(), EmbeddedCount: len(results)}, nil
}
