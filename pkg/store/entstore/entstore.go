// Package entstore is the production Postgres implementation of
// store.Store, backed by the ent client and, for the pgvector search
// paths ent cannot express as generated predicates, raw SQL over the
// same underlying *sql.DB (mirroring the teacher's full-text-search
// raw-SQL escape hatch in pkg/database/client_test.go).
package entstore

import (
	"context"
	stdsql "database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"

	"github.com/codeready-toolchain/tapestry/ent"
	"github.com/codeready-toolchain/tapestry/ent/archive"
	batchent "github.com/codeready-toolchain/tapestry/ent/batch"
	"github.com/codeready-toolchain/tapestry/ent/batchthread"
	"github.com/codeready-toolchain/tapestry/ent/etltask"
	"github.com/codeready-toolchain/tapestry/ent/tapestrymemory"
	"github.com/codeready-toolchain/tapestry/ent/thread"
	pkgbatch "github.com/codeready-toolchain/tapestry/pkg/batch"
	"github.com/codeready-toolchain/tapestry/pkg/store"
)

// Store implements store.Store on top of an ent client.
type Store struct {
	client *ent.Client
	db     *stdsql.DB
}

// New wraps an existing ent client and its raw *sql.DB handle.
func New(client *ent.Client, db *stdsql.DB) *Store {
	return &Store{client: client, db: db}
}

type txKey struct{}

// clientFrom returns the ent client bound to ctx's active transaction,
// or the root client if none is active.
func (s *Store) clientFrom(ctx context.Context) *ent.Client {
	if tx, ok := ctx.Value(txKey{}).(*ent.Tx); ok {
		return tx.Client()
	}
	return s.client
}

// Atomic implements batch.BatchStore/store.Store's nested-reuse
// contract (§4.8): a call made while already inside an Atomic section
// runs its function directly against the active transaction instead of
// nesting a second one, matching memstore's context-marker approach.
func (s *Store) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*ent.Tx); ok {
		return fn(ctx)
	}

	tx, err := s.client.Tx(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// --- Archives ---

func (s *Store) CreateArchive(ctx context.Context, a store.Archive) error {
	c := s.clientFrom(ctx).Archive.Create().
		SetID(a.ID).
		SetProvider(a.Provider).
		SetStatus(archive.Status(a.Status))
	if len(a.FileURIs) > 0 {
		c.SetFileURIs(a.FileURIs)
	}
	if a.ErrorMsg != "" {
		c.SetErrorMessage(a.ErrorMsg)
	}
	_, err := c.Save(ctx)
	if err != nil {
		return fmt.Errorf("create archive %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) GetArchive(ctx context.Context, id string) (*store.Archive, error) {
	row, err := s.clientFrom(ctx).Archive.Get(ctx, id)
	if ent.IsNotFound(err) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get archive %s: %w", id, err)
	}
	return fromEntArchive(row), nil
}

func (s *Store) UpdateArchive(ctx context.Context, a store.Archive) error {
	c := s.clientFrom(ctx).Archive.UpdateOneID(a.ID).
		SetProvider(a.Provider).
		SetStatus(archive.Status(a.Status)).
		SetFileURIs(a.FileURIs)
	if a.ErrorMsg != "" {
		c.SetErrorMessage(a.ErrorMsg)
	} else {
		c.ClearErrorMessage()
	}
	if _, err := c.Save(ctx); err != nil {
		if ent.IsNotFound(err) {
			return store.ErrNotFound
		}
		return fmt.Errorf("update archive %s: %w", a.ID, err)
	}
	return nil
}

func fromEntArchive(row *ent.Archive) *store.Archive {
	a := &store.Archive{
		ID:        row.ID,
		Provider:  row.Provider,
		Status:    string(row.Status),
		FileURIs:  row.FileURIs,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if row.ErrorMessage != nil {
		a.ErrorMsg = *row.ErrorMessage
	}
	return a
}

// --- EtlTasks ---

func (s *Store) CreateEtlTask(ctx context.Context, t store.EtlTask) error {
	c := s.clientFrom(ctx).EtlTask.Create().
		SetID(t.ID).
		SetArchiveID(t.ArchiveID).
		SetProvider(t.Provider).
		SetInteractionType(t.InteractionType).
		SetSourceURIs(t.SourceURIs).
		SetStatus(etltask.Status(t.Status)).
		SetExtractedCount(t.ExtractedCount).
		SetTransformedCount(t.TransformedCount).
		SetUploadedCount(t.UploadedCount)
	if t.ErrorMsg != "" {
		c.SetErrorMessage(t.ErrorMsg)
	}
	if _, err := c.Save(ctx); err != nil {
		return fmt.Errorf("create etl task %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) GetEtlTask(ctx context.Context, id string) (*store.EtlTask, error) {
	row, err := s.clientFrom(ctx).EtlTask.Get(ctx, id)
	if ent.IsNotFound(err) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get etl task %s: %w", id, err)
	}
	return fromEntEtlTask(row), nil
}

func (s *Store) UpdateEtlTask(ctx context.Context, t store.EtlTask) error {
	c := s.clientFrom(ctx).EtlTask.UpdateOneID(t.ID).
		SetStatus(etltask.Status(t.Status)).
		SetExtractedCount(t.ExtractedCount).
		SetTransformedCount(t.TransformedCount).
		SetUploadedCount(t.UploadedCount)
	if t.ErrorMsg != "" {
		c.SetErrorMessage(t.ErrorMsg)
	} else {
		c.ClearErrorMessage()
	}
	if _, err := c.Save(ctx); err != nil {
		if ent.IsNotFound(err) {
			return store.ErrNotFound
		}
		return fmt.Errorf("update etl task %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) ListEtlTasksByArchive(ctx context.Context, archiveID string) ([]store.EtlTask, error) {
	rows, err := s.clientFrom(ctx).EtlTask.Query().
		Where(etltask.ArchiveID(archiveID)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list etl tasks for archive %s: %w", archiveID, err)
	}
	out := make([]store.EtlTask, 0, len(rows))
	for _, r := range rows {
		out = append(out, *fromEntEtlTask(r))
	}
	return out, nil
}

func fromEntEtlTask(row *ent.EtlTask) *store.EtlTask {
	t := &store.EtlTask{
		ID:               row.ID,
		ArchiveID:        row.ArchiveID,
		Provider:         row.Provider,
		InteractionType:  row.InteractionType,
		SourceURIs:       row.SourceURIs,
		Status:           string(row.Status),
		ExtractedCount:   row.ExtractedCount,
		TransformedCount: row.TransformedCount,
		UploadedCount:    row.UploadedCount,
	}
	if row.ErrorMessage != nil {
		t.ErrorMsg = *row.ErrorMessage
	}
	return t
}

// --- Threads ---

// InsertThreads deduplicates on unique_key: rows whose key already
// exists are silently skipped, matching §4.1's idempotent re-run
// requirement when a Pipe's transform step is retried.
func (s *Store) InsertThreads(ctx context.Context, rows []store.Thread, taskID string) (int, error) {
	inserted := 0
	for _, r := range rows {
		exists, err := s.clientFrom(ctx).Thread.Query().
			Where(thread.UniqueKey(r.UniqueKey)).
			Exist(ctx)
		if err != nil {
			return inserted, fmt.Errorf("check unique_key %s: %w", r.UniqueKey, err)
		}
		if exists {
			continue
		}

		c := s.clientFrom(ctx).Thread.Create().
			SetID(r.ID).
			SetUniqueKey(r.UniqueKey).
			SetEtlTaskID(taskID).
			SetProvider(r.Provider).
			SetInteractionType(r.InteractionType).
			SetPayload(r.Payload).
			SetVersion(r.Version).
			SetAsat(r.Asat)
		if r.Preview != "" {
			c.SetPreview(r.Preview)
		}
		if r.AssetURI != "" {
			c.SetAssetURI(r.AssetURI)
		}
		if r.RawSource != "" {
			c.SetRawSource(r.RawSource)
		}
		if _, err := c.Save(ctx); err != nil {
			return inserted, fmt.Errorf("insert thread %s: %w", r.ID, err)
		}
		inserted++
	}
	return inserted, nil
}

func (s *Store) GetThread(ctx context.Context, id string) (*store.Thread, error) {
	row, err := s.clientFrom(ctx).Thread.Get(ctx, id)
	if ent.IsNotFound(err) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get thread %s: %w", id, err)
	}
	return fromEntThread(row), nil
}

func (s *Store) ListThreadsByInteractionType(ctx context.Context, interactionType string) ([]store.Thread, error) {
	rows, err := s.clientFrom(ctx).Thread.Query().
		Where(thread.InteractionType(interactionType)).
		Order(ent.Asc(thread.FieldAsat)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list threads for interaction type %s: %w", interactionType, err)
	}
	out := make([]store.Thread, 0, len(rows))
	for _, r := range rows {
		out = append(out, *fromEntThread(r))
	}
	return out, nil
}

func fromEntThread(row *ent.Thread) *store.Thread {
	t := &store.Thread{
		ID:              row.ID,
		UniqueKey:       row.UniqueKey,
		EtlTaskID:       row.EtlTaskID,
		Provider:        row.Provider,
		InteractionType: row.InteractionType,
		Payload:         row.Payload,
		Version:         row.Version,
		Asat:            row.Asat,
	}
	if row.Preview != nil {
		t.Preview = *row.Preview
	}
	if row.AssetURI != nil {
		t.AssetURI = *row.AssetURI
	}
	if row.RawSource != nil {
		t.RawSource = *row.RawSource
	}
	return t
}

// --- Batches ---

func (s *Store) CreateBatch(ctx context.Context, nb pkgbatch.NewBatch) error {
	return s.Atomic(ctx, func(ctx context.Context) error {
		states := make([]map[string]interface{}, 0, len(nb.States))
		for _, st := range nb.States {
			raw, err := marshalState(st)
			if err != nil {
				return err
			}
			var m map[string]interface{}
			if err := json.Unmarshal(raw, &m); err != nil {
				return fmt.Errorf("unmarshal initial state: %w", err)
			}
			states = append(states, m)
		}

		if _, err := s.clientFrom(ctx).Batch.Create().
			SetID(nb.ID).
			SetBatchNumber(nb.BatchNumber).
			SetCategory(nb.Category).
			SetStates(states).
			Save(ctx); err != nil {
			return fmt.Errorf("create batch %s: %w", nb.ID, err)
		}

		for _, row := range nb.Threads {
			if _, err := s.clientFrom(ctx).BatchThread.Create().
				SetID(fmt.Sprintf("%s/%s", nb.ID, row.ThreadID)).
				SetBatchID(nb.ID).
				SetThreadID(row.ThreadID).
				SetGroupID(row.GroupID).
				Save(ctx); err != nil {
				return fmt.Errorf("link thread %s to batch %s: %w", row.ThreadID, nb.ID, err)
			}
		}
		return nil
	})
}

func (s *Store) GetBatch(ctx context.Context, id string) (*pkgbatch.PersistedBatch, error) {
	row, err := s.clientFrom(ctx).Batch.Get(ctx, id)
	if ent.IsNotFound(err) {
		return nil, pkgbatch.ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", id, err)
	}

	states := make([]json.RawMessage, 0, len(row.States))
	for _, m := range row.States {
		raw, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("marshal persisted state: %w", err)
		}
		states = append(states, raw)
	}
	return &pkgbatch.PersistedBatch{ID: row.ID, States: states}, nil
}

func (s *Store) UpdateBatch(ctx context.Context, b *pkgbatch.PersistedBatch) error {
	states := make([]map[string]interface{}, 0, len(b.States))
	for _, raw := range b.States {
		var m map[string]interface{}
		if err := json.Unmarshal(raw, &m); err != nil {
			return fmt.Errorf("unmarshal persisted state: %w", err)
		}
		states = append(states, m)
	}
	if _, err := s.clientFrom(ctx).Batch.UpdateOneID(b.ID).
		SetStates(states).
		Save(ctx); err != nil {
		if ent.IsNotFound(err) {
			return pkgbatch.ErrBatchNotFound
		}
		return fmt.Errorf("update batch %s: %w", b.ID, err)
	}
	return nil
}

// ListActiveBatchIDs returns every batch in category whose last
// persisted state is not a universal terminal status tag. The states
// column already decodes to []map[string]interface{}, so the tag check
// runs in Go rather than via a jsonb path expression.
func (s *Store) ListActiveBatchIDs(ctx context.Context, category string) ([]string, error) {
	rows, err := s.clientFrom(ctx).Batch.Query().
		Where(batchent.CategoryEQ(category)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list batches for category %s: %w", category, err)
	}

	var ids []string
	for _, row := range rows {
		if len(row.States) == 0 {
			continue
		}
		tag, _ := row.States[0]["status"].(string)
		switch tag {
		case pkgbatch.StatusComplete, pkgbatch.StatusSkipped, pkgbatch.StatusFailed:
			continue
		}
		ids = append(ids, row.ID)
	}
	return ids, nil
}

func (s *Store) GetBatchGroups(ctx context.Context, batchID string) ([]pkgbatch.ThreadGroup, error) {
	rows, err := s.clientFrom(ctx).BatchThread.Query().
		Where(batchthread.BatchID(batchID)).
		Order(ent.Asc(batchthread.FieldGroupID)).
		All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list batch threads for batch %s: %w", batchID, err)
	}

	order := []string{}
	byGroup := map[string][]pkgbatch.Thread{}
	for _, bt := range rows {
		if _, ok := byGroup[bt.GroupID]; !ok {
			order = append(order, bt.GroupID)
		}
		threadRow, err := s.clientFrom(ctx).Thread.Get(ctx, bt.ThreadID)
		if err != nil {
			if ent.IsNotFound(err) {
				continue
			}
			return nil, fmt.Errorf("load thread %s for batch group: %w", bt.ThreadID, err)
		}
		byGroup[bt.GroupID] = append(byGroup[bt.GroupID], pkgbatch.Thread{
			ID:   threadRow.ID,
			Asat: threadRow.Asat,
		})
	}

	groups := make([]pkgbatch.ThreadGroup, 0, len(order))
	for _, g := range order {
		groups = append(groups, pkgbatch.ThreadGroup{GroupID: g, Threads: byGroup[g]})
	}
	return groups, nil
}

// --- Memories ---

func (s *Store) InsertMemory(ctx context.Context, m store.Memory) error {
	if len(m.Embedding) > 0 && len(m.Embedding) != store.EmbeddingDimensions {
		return fmt.Errorf("%w: got %d, want %d", store.ErrEmbeddingDimension, len(m.Embedding), store.EmbeddingDimensions)
	}
	c := s.clientFrom(ctx).TapestryMemory.Create().
		SetID(m.ID).
		SetContent(m.Content).
		SetFromDate(m.FromDate).
		SetToDate(m.ToDate).
		SetGroupID(m.GroupID).
		SetStatus(tapestrymemory.Status(defaultStatus(m.Status)))
	if len(m.Embedding) > 0 {
		v := pgvector.NewVector(m.Embedding)
		c.SetEmbedding(v)
	}
	if m.SupersededBy != "" {
		c.SetSupersededBy(m.SupersededBy)
	}
	if len(m.SourceMemoryIDs) > 0 {
		c.SetSourceMemoryIDs(m.SourceMemoryIDs)
	}
	if _, err := c.Save(ctx); err != nil {
		return fmt.Errorf("insert memory %s: %w", m.ID, err)
	}
	return nil
}

func (s *Store) GetMemory(ctx context.Context, id string) (*store.Memory, error) {
	row, err := s.clientFrom(ctx).TapestryMemory.Get(ctx, id)
	if ent.IsNotFound(err) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get memory %s: %w", id, err)
	}
	return fromEntMemory(row), nil
}

func (s *Store) UpdateMemory(ctx context.Context, m store.Memory) error {
	c := s.clientFrom(ctx).TapestryMemory.UpdateOneID(m.ID).
		SetContent(m.Content).
		SetStatus(tapestrymemory.Status(m.Status))
	if len(m.Embedding) == store.EmbeddingDimensions {
		c.SetEmbedding(pgvector.NewVector(m.Embedding))
	} else if len(m.Embedding) != 0 {
		return fmt.Errorf("%w: got %d, want %d", store.ErrEmbeddingDimension, len(m.Embedding), store.EmbeddingDimensions)
	}
	if m.SupersededBy != "" {
		c.SetSupersededBy(m.SupersededBy)
	} else {
		c.ClearSupersededBy()
	}
	if _, err := c.Save(ctx); err != nil {
		if ent.IsNotFound(err) {
			return store.ErrNotFound
		}
		return fmt.Errorf("update memory %s: %w", m.ID, err)
	}
	return nil
}

func (s *Store) ListMemories(ctx context.Context, status string, fromDate *time.Time, limit int) ([]store.Memory, error) {
	q := s.clientFrom(ctx).TapestryMemory.Query()
	if status != "" {
		q = q.Where(tapestrymemory.StatusEQ(tapestrymemory.Status(status)))
	}
	if fromDate != nil {
		q = q.Where(tapestrymemory.FromDateGTE(*fromDate))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	rows, err := q.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	out := make([]store.Memory, 0, len(rows))
	for _, r := range rows {
		out = append(out, *fromEntMemory(r))
	}
	return out, nil
}

func (s *Store) CountMemories(ctx context.Context, status string) (int, error) {
	q := s.clientFrom(ctx).TapestryMemory.Query()
	if status != "" {
		q = q.Where(tapestrymemory.StatusEQ(tapestrymemory.Status(status)))
	}
	n, err := q.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

// PurgeSupersededMemories hard-deletes superseded memories whose
// updated_at (ent's auto-managed change timestamp, bumped on the
// supersede UpdateMemory call) is at or before olderThan.
func (s *Store) PurgeSupersededMemories(ctx context.Context, olderThan time.Time) (int, error) {
	n, err := s.clientFrom(ctx).TapestryMemory.Delete().
		Where(
			tapestrymemory.StatusEQ(tapestrymemory.StatusSuperseded),
			tapestrymemory.UpdatedAtLTE(olderThan),
		).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("purge superseded memories: %w", err)
	}
	return n, nil
}

// SearchMemories runs a cosine-distance nearest-neighbour search via
// pgvector's <=> operator, which ent's query builder cannot express.
func (s *Store) SearchMemories(ctx context.Context, queryEmbedding []float32, fromDate, toDate *time.Time, topK int) ([]store.MemorySearchResult, error) {
	if len(queryEmbedding) != store.EmbeddingDimensions {
		return nil, fmt.Errorf("%w: got %d, want %d", store.ErrEmbeddingDimension, len(queryEmbedding), store.EmbeddingDimensions)
	}
	vec := pgvector.NewVector(queryEmbedding)

	query := `SELECT memory_id, content, from_date, to_date, group_id, status, embedding <=> $1 AS distance
		FROM tapestry_memories
		WHERE status = 'active' AND embedding IS NOT NULL`
	args := []interface{}{vec}
	idx := 2
	if fromDate != nil {
		query += fmt.Sprintf(" AND from_date >= $%d", idx)
		args = append(args, *fromDate)
		idx++
	}
	if toDate != nil {
		query += fmt.Sprintf(" AND to_date <= $%d", idx)
		args = append(args, *toDate)
		idx++
	}
	query += fmt.Sprintf(" ORDER BY distance ASC LIMIT $%d", idx)
	args = append(args, topK)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search memories: %w", err)
	}
	defer rows.Close()

	var out []store.MemorySearchResult
	for rows.Next() {
		var (
			id, content, groupID, status string
			from, to                     time.Time
			distance                     float64
		)
		if err := rows.Scan(&id, &content, &from, &to, &groupID, &status, &distance); err != nil {
			return nil, fmt.Errorf("scan memory search row: %w", err)
		}
		d := distance
		out = append(out, store.MemorySearchResult{
			Memory: store.Memory{
				ID: id, Content: content, FromDate: from, ToDate: to, GroupID: groupID, Status: status,
			},
			Distance: &d,
		})
	}
	return out, rows.Err()
}

// GetRefinableMemoryIDs returns active, embedded, not-yet-refined memory
// ids: the partial index tapestry_memory_refinable exists precisely to
// serve this query efficiently.
func (s *Store) GetRefinableMemoryIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT memory_id FROM tapestry_memories
		WHERE status = 'active' AND embedding IS NOT NULL AND source_memory_ids IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("list refinable memories: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan refinable memory id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FindSimilarMemories implements the discovery candidate query (§4.7):
// active memories within proximityDays of the seed's date span, whose
// cosine distance to the seed's embedding is within similarityThreshold.
func (s *Store) FindSimilarMemories(ctx context.Context, seedID string, proximityDays int, similarityThreshold float64, maxCandidates int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT candidate.memory_id
		FROM tapestry_memories AS seed, tapestry_memories AS candidate
		WHERE seed.memory_id = $1
		  AND candidate.memory_id != seed.memory_id
		  AND candidate.status = 'active'
		  AND seed.embedding IS NOT NULL
		  AND candidate.embedding IS NOT NULL
		  AND candidate.from_date <= seed.to_date + make_interval(days => $2)
		  AND candidate.to_date   >= seed.from_date - make_interval(days => $2)
		  AND (candidate.embedding <=> seed.embedding) < $3
		ORDER BY candidate.embedding <=> seed.embedding ASC
		LIMIT $4`,
		seedID, proximityDays, 1-similarityThreshold, maxCandidates)
	if err != nil {
		return nil, fmt.Errorf("find similar memories for seed %s: %w", seedID, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan similar memory id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func fromEntMemory(row *ent.TapestryMemory) *store.Memory {
	m := &store.Memory{
		ID:       row.ID,
		Content:  row.Content,
		FromDate: row.FromDate,
		ToDate:   row.ToDate,
		GroupID:  row.GroupID,
		Status:   string(row.Status),
	}
	if row.Embedding != nil {
		m.Embedding = row.Embedding.Slice()
	}
	if row.SupersededBy != nil {
		m.SupersededBy = *row.SupersededBy
	}
	if len(row.SourceMemoryIDs) > 0 {
		m.SourceMemoryIDs = row.SourceMemoryIDs
	}
	return m
}

func defaultStatus(s string) string {
	if s == "" {
		return "active"
	}
	return s
}

// --- Profile ---

func (s *Store) GetLatestProfile(ctx context.Context) (*store.Profile, error) {
	row, err := s.clientFrom(ctx).TapestryProfile.Query().
		Order(ent.Desc("generated_at")).
		First(ctx)
	if ent.IsNotFound(err) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest profile: %w", err)
	}
	return &store.Profile{
		ID:          row.ID,
		Content:     row.Content,
		GeneratedAt: row.GeneratedAt,
		MemoryCount: row.MemoryCount,
	}, nil
}

// SaveProfile upserts by id (§4.6: a new profile replaces whatever
// profile previously shared the id, e.g. a single well-known "latest"
// id); ent's OnConflict clause targets the primary key directly.
func (s *Store) SaveProfile(ctx context.Context, p store.Profile) error {
	err := s.clientFrom(ctx).TapestryProfile.Create().
		SetID(p.ID).
		SetContent(p.Content).
		SetGeneratedAt(p.GeneratedAt).
		SetMemoryCount(p.MemoryCount).
		OnConflictColumns("profile_id").
		UpdateNewValues().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("save profile %s: %w", p.ID, err)
	}
	return nil
}

func marshalState(s pkgbatch.State) ([]byte, error) {
	type marshaler interface {
		MarshalJSON() ([]byte, error)
	}
	m, ok := s.(marshaler)
	if !ok {
		return nil, fmt.Errorf("state %T does not implement json.Marshaler", s)
	}
	return m.MarshalJSON()
}
