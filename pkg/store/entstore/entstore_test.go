package entstore

import (
	"context"
	"testing"
	"time"

	"github.com/codeready-toolchain/tapestry/pkg/store"
	"github.com/codeready-toolchain/tapestry/test/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	entClient, db := util.SetupTestDatabase(t)
	return New(entClient, db)
}

func TestStore_ArchiveRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.CreateArchive(ctx, store.Archive{
		ID:       "archive-1",
		Provider: "chatgpt",
		Status:   "created",
		FileURIs: []string{"archive-1/conversations.json"},
	})
	require.NoError(t, err)

	got, err := s.GetArchive(ctx, "archive-1")
	require.NoError(t, err)
	assert.Equal(t, "chatgpt", got.Provider)
	assert.Equal(t, "created", got.Status)
	assert.Equal(t, []string{"archive-1/conversations.json"}, got.FileURIs)

	err = s.UpdateArchive(ctx, store.Archive{
		ID:       "archive-1",
		Provider: "chatgpt",
		Status:   "failed",
		FileURIs: got.FileURIs,
		ErrorMsg: "extraction blew up",
	})
	require.NoError(t, err)

	got, err = s.GetArchive(ctx, "archive-1")
	require.NoError(t, err)
	assert.Equal(t, "failed", got.Status)
	assert.Equal(t, "extraction blew up", got.ErrorMsg)
}

func TestStore_GetArchive_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetArchive(context.Background(), "does-not-exist")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_EtlTaskRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateArchive(ctx, store.Archive{
		ID:       "archive-2",
		Provider: "chatgpt",
		Status:   "created",
	}))

	task := store.EtlTask{
		ID:              "task-1",
		ArchiveID:       "archive-2",
		Provider:        "chatgpt",
		InteractionType: "chatgpt_conversations",
		SourceURIs:      []string{"archive-2/conversations.json"},
		Status:          "created",
	}
	require.NoError(t, s.CreateEtlTask(ctx, task))

	got, err := s.GetEtlTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "created", got.Status)
	assert.Equal(t, 0, got.ExtractedCount)

	got.Status = "completed"
	got.ExtractedCount = 2
	got.TransformedCount = 2
	got.UploadedCount = 2
	require.NoError(t, s.UpdateEtlTask(ctx, *got))

	got, err = s.GetEtlTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.Equal(t, 2, got.UploadedCount)

	tasks, err := s.ListEtlTasksByArchive(ctx, "archive-2")
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "task-1", tasks[0].ID)
}

func TestStore_InsertThreads_DedupesOnUniqueKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateArchive(ctx, store.Archive{ID: "archive-3", Provider: "chatgpt", Status: "created"}))
	require.NoError(t, s.CreateEtlTask(ctx, store.EtlTask{
		ID:              "task-2",
		ArchiveID:       "archive-3",
		Provider:        "chatgpt",
		InteractionType: "chatgpt_conversations",
		SourceURIs:      []string{"archive-3/conversations.json"},
		Status:          "created",
	}))

	rows := []store.Thread{
		{
			ID:              "thread-1",
			UniqueKey:       "chatgpt_conversations:thread-1",
			Provider:        "chatgpt",
			InteractionType: "chatgpt_conversations",
			Preview:         "hello",
			Payload:         map[string]interface{}{"collection_id": "conv-1"},
			Version:         "1",
			Asat:            time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		},
	}

	inserted, err := s.InsertThreads(ctx, rows, "task-2")
	require.NoError(t, err)
	assert.Equal(t, 1, inserted)

	// Re-inserting the same unique_key is a no-op, matching the
	// idempotent-re-run contract InsertThreads documents.
	inserted, err = s.InsertThreads(ctx, rows, "task-2")
	require.NoError(t, err)
	assert.Equal(t, 0, inserted)

	got, err := s.GetThread(ctx, "thread-1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Preview)

	byInteraction, err := s.ListThreadsByInteractionType(ctx, "chatgpt_conversations")
	require.NoError(t, err)
	require.Len(t, byInteraction, 1)
	assert.Equal(t, "thread-1", byInteraction[0].ID)
}
