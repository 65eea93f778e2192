// Package memstore is an in-memory store.Store implementation used by
// unit tests, mirroring the teacher's sqlite-backed ent test harness in
// test/database but without any database dependency at all — the
// simplest form of original_source's documented in-memory Store.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/codeready-toolchain/tapestry/pkg/batch"
	"github.com/codeready-toolchain/tapestry/pkg/store"
)

type txKey struct{}

// Store is a mutex-guarded, map-backed store.Store. atomic() is a no-op
// beyond taking the mutex, matching original_source's documented
// in-memory default (no real transactional isolation is needed for a
// single-process test double).
type Store struct {
	mu sync.Mutex

	archives map[string]store.Archive
	tasks    map[string]store.EtlTask
	threads  map[string]store.Thread
	byUnique map[string]string // unique_key -> thread id

	batches       map[string]*batch.PersistedBatch
	batchCategory map[string]string // batch id -> category, dropped by PersistedBatch itself
	batchThreads  map[string][]batch.BatchThreadRow // batch id -> rows

	memories   map[string]store.Memory
	memoriesAt map[string]time.Time // id -> last InsertMemory/UpdateMemory call, for PurgeSupersededMemories
	profile    *store.Profile
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		archives:     make(map[string]store.Archive),
		tasks:        make(map[string]store.EtlTask),
		threads:      make(map[string]store.Thread),
		byUnique:     make(map[string]string),
		batches:       make(map[string]*batch.PersistedBatch),
		batchCategory: make(map[string]string),
		batchThreads:  make(map[string][]batch.BatchThreadRow),
		memories:     make(map[string]store.Memory),
		memoriesAt:   make(map[string]time.Time),
	}
}

// Atomic implements batch.BatchStore / store.Store. Nested calls reuse
// the outer section via a context marker, since the mutex is already
// held for the lifetime of the outermost call.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(context.WithValue(ctx, txKey{}, true))
}

// --- Archives ---

func (s *Store) CreateArchive(_ context.Context, a store.Archive) error {
	s.archives[a.ID] = a
	return nil
}

func (s *Store) GetArchive(_ context.Context, id string) (*store.Archive, error) {
	a, ok := s.archives[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &a, nil
}

func (s *Store) UpdateArchive(_ context.Context, a store.Archive) error {
	if _, ok := s.archives[a.ID]; !ok {
		return store.ErrNotFound
	}
	s.archives[a.ID] = a
	return nil
}

// --- EtlTasks ---

func (s *Store) CreateEtlTask(_ context.Context, t store.EtlTask) error {
	s.tasks[t.ID] = t
	return nil
}

func (s *Store) GetEtlTask(_ context.Context, id string) (*store.EtlTask, error) {
	t, ok := s.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (s *Store) UpdateEtlTask(_ context.Context, t store.EtlTask) error {
	if _, ok := s.tasks[t.ID]; !ok {
		return store.ErrNotFound
	}
	s.tasks[t.ID] = t
	return nil
}

func (s *Store) ListEtlTasksByArchive(_ context.Context, archiveID string) ([]store.EtlTask, error) {
	var out []store.EtlTask
	for _, t := range s.tasks {
		if t.ArchiveID == archiveID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// --- Threads ---

func (s *Store) InsertThreads(_ context.Context, rows []store.Thread, taskID string) (int, error) {
	inserted := 0
	for _, r := range rows {
		if _, exists := s.byUnique[r.UniqueKey]; exists {
			continue
		}
		r.EtlTaskID = taskID
		s.threads[r.ID] = r
		s.byUnique[r.UniqueKey] = r.ID
		inserted++
	}
	return inserted, nil
}

func (s *Store) GetThread(_ context.Context, id string) (*store.Thread, error) {
	t, ok := s.threads[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (s *Store) ListThreadsByInteractionType(_ context.Context, interactionType string) ([]store.Thread, error) {
	var out []store.Thread
	for _, t := range s.threads {
		if t.InteractionType == interactionType {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asat.Before(out[j].Asat) })
	return out, nil
}

// --- Batches ---

func (s *Store) CreateBatch(_ context.Context, nb batch.NewBatch) error {
	states := make([]json.RawMessage, 0, len(nb.States))
	for _, st := range nb.States {
		raw, err := marshal(st)
		if err != nil {
			return err
		}
		states = append(states, raw)
	}
	s.batches[nb.ID] = &batch.PersistedBatch{ID: nb.ID, States: states}
	s.batchCategory[nb.ID] = nb.Category
	s.batchThreads[nb.ID] = append([]batch.BatchThreadRow{}, nb.Threads...)
	return nil
}

// ListActiveBatchIDs returns every batch in category whose last
// persisted state is not a universal terminal status tag.
func (s *Store) ListActiveBatchIDs(_ context.Context, category string) ([]string, error) {
	var ids []string
	for id, pb := range s.batches {
		if s.batchCategory[id] != category {
			continue
		}
		if len(pb.States) == 0 {
			continue
		}
		tag, err := batch.StatusTag(pb.States[0])
		if err != nil {
			return nil, fmt.Errorf("read status tag for batch %s: %w", id, err)
		}
		if isTerminalTag(tag) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func isTerminalTag(tag string) bool {
	switch tag {
	case batch.StatusComplete, batch.StatusSkipped, batch.StatusFailed:
		return true
	default:
		return false
	}
}

func (s *Store) GetBatch(_ context.Context, id string) (*batch.PersistedBatch, error) {
	pb, ok := s.batches[id]
	if !ok {
		return nil, batch.ErrBatchNotFound
	}
	cp := &batch.PersistedBatch{ID: pb.ID, States: append([]json.RawMessage{}, pb.States...)}
	return cp, nil
}

func (s *Store) UpdateBatch(_ context.Context, pb *batch.PersistedBatch) error {
	if _, ok := s.batches[pb.ID]; !ok {
		return batch.ErrBatchNotFound
	}
	s.batches[pb.ID] = &batch.PersistedBatch{ID: pb.ID, States: append([]json.RawMessage{}, pb.States...)}
	return nil
}

func (s *Store) GetBatchGroups(_ context.Context, batchID string) ([]batch.ThreadGroup, error) {
	rows, ok := s.batchThreads[batchID]
	if !ok {
		return nil, nil
	}

	byGroup := make(map[string][]batch.Thread)
	for _, r := range rows {
		t, ok := s.threads[r.ThreadID]
		if !ok {
			continue
		}
		byGroup[r.GroupID] = append(byGroup[r.GroupID], batch.Thread{ID: t.ID, Asat: t.Asat})
	}

	var groupIDs []string
	for g := range byGroup {
		groupIDs = append(groupIDs, g)
	}
	sort.Strings(groupIDs)

	groups := make([]batch.ThreadGroup, 0, len(groupIDs))
	for _, g := range groupIDs {
		members := byGroup[g]
		sort.Slice(members, func(i, j int) bool { return members[i].Asat.Before(members[j].Asat) })
		groups = append(groups, batch.ThreadGroup{GroupID: g, Threads: members})
	}
	return groups, nil
}

// --- Memories ---

func (s *Store) InsertMemory(_ context.Context, m store.Memory) error {
	if len(m.Embedding) > 0 && len(m.Embedding) != store.EmbeddingDimensions {
		return store.ErrEmbeddingDimension
	}
	s.memories[m.ID] = m
	s.memoriesAt[m.ID] = time.Now()
	return nil
}

func (s *Store) GetMemory(_ context.Context, id string) (*store.Memory, error) {
	m, ok := s.memories[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &m, nil
}

func (s *Store) UpdateMemory(_ context.Context, m store.Memory) error {
	if len(m.Embedding) > 0 && len(m.Embedding) != store.EmbeddingDimensions {
		return store.ErrEmbeddingDimension
	}
	if _, ok := s.memories[m.ID]; !ok {
		return store.ErrNotFound
	}
	s.memories[m.ID] = m
	s.memoriesAt[m.ID] = time.Now()
	return nil
}

// PurgeSupersededMemories hard-deletes superseded memories last
// touched at or before olderThan.
func (s *Store) PurgeSupersededMemories(_ context.Context, olderThan time.Time) (int, error) {
	n := 0
	for id, m := range s.memories {
		if m.Status != "superseded" {
			continue
		}
		if ts, ok := s.memoriesAt[id]; ok && ts.After(olderThan) {
			continue
		}
		delete(s.memories, id)
		delete(s.memoriesAt, id)
		n++
	}
	return n, nil
}

func (s *Store) ListMemories(_ context.Context, status string, fromDate *time.Time, limit int) ([]store.Memory, error) {
	var out []store.Memory
	for _, m := range s.memories {
		if status != "" && m.Status != status {
			continue
		}
		if fromDate != nil && m.FromDate.Before(*fromDate) {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FromDate.After(out[j].FromDate) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountMemories(_ context.Context, status string) (int, error) {
	n := 0
	for _, m := range s.memories {
		if status == "" || m.Status == status {
			n++
		}
	}
	return n, nil
}

func (s *Store) SearchMemories(_ context.Context, queryEmbedding []float32, fromDate, toDate *time.Time, topK int) ([]store.MemorySearchResult, error) {
	inRange := func(m store.Memory) bool {
		if fromDate != nil && m.ToDate.Before(*fromDate) {
			return false
		}
		if toDate != nil && m.FromDate.After(*toDate) {
			return false
		}
		return true
	}

	var results []store.MemorySearchResult
	if len(queryEmbedding) > 0 {
		for _, m := range s.memories {
			if m.Status != "active" || len(m.Embedding) == 0 || !inRange(m) {
				continue
			}
			d := cosineDistance(queryEmbedding, m.Embedding)
			dd := d
			results = append(results, store.MemorySearchResult{Memory: m, Distance: &dd})
		}
		sort.Slice(results, func(i, j int) bool { return *results[i].Distance < *results[j].Distance })
	} else {
		for _, m := range s.memories {
			if !inRange(m) {
				continue
			}
			results = append(results, store.MemorySearchResult{Memory: m})
		}
		sort.Slice(results, func(i, j int) bool { return results[i].Memory.FromDate.After(results[j].Memory.FromDate) })
	}

	if topK > 0 && len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (s *Store) GetRefinableMemoryIDs(_ context.Context) ([]string, error) {
	var ids []string
	for _, m := range s.memories {
		if m.Status == "active" && len(m.Embedding) > 0 && len(m.SourceMemoryIDs) == 0 {
			ids = append(ids, m.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) FindSimilarMemories(_ context.Context, seedID string, proximityDays int, similarityThreshold float64, maxCandidates int) ([]string, error) {
	seed, ok := s.memories[seedID]
	if !ok || len(seed.Embedding) == 0 {
		return nil, nil
	}

	proximity := time.Duration(proximityDays) * 24 * time.Hour
	type candidate struct {
		id       string
		distance float64
	}
	var candidates []candidate

	for id, m := range s.memories {
		if id == seedID || m.Status != "active" || len(m.Embedding) == 0 {
			continue
		}
		if m.FromDate.After(seed.ToDate.Add(proximity)) || m.ToDate.Before(seed.FromDate.Add(-proximity)) {
			continue
		}
		d := cosineDistance(seed.Embedding, m.Embedding)
		if d >= 1-similarityThreshold {
			continue
		}
		candidates = append(candidates, candidate{id: id, distance: d})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].distance < candidates[j].distance })
	if maxCandidates > 0 && len(candidates) > maxCandidates {
		candidates = candidates[:maxCandidates]
	}

	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.id
	}
	return out, nil
}

// --- Profile ---

func (s *Store) GetLatestProfile(_ context.Context) (*store.Profile, error) {
	if s.profile == nil {
		return nil, store.ErrNotFound
	}
	p := *s.profile
	return &p, nil
}

func (s *Store) SaveProfile(_ context.Context, p store.Profile) error {
	s.profile = &p
	return nil
}

func cosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 1
	}
	cos := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return 1 - cos
}

func marshal(s batch.State) (json.RawMessage, error) {
	type marshaler interface {
		MarshalJSON() ([]byte, error)
	}
	m, ok := s.(marshaler)
	if !ok {
		return nil, fmt.Errorf("state %T does not implement json.Marshaler", s)
	}
	return m.MarshalJSON()
}
