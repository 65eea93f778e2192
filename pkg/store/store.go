// Package store declares the transactional store contract every batch
// manager and the facade depend on (§4.8). Concrete implementations
// live in entstore (Postgres/ent) and memstore (in-memory test double).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/codeready-toolchain/tapestry/pkg/batch"
)

// Sentinel errors shared by every Store implementation.
var (
	ErrNotFound          = errors.New("not found")
	ErrEmbeddingDimension = errors.New("embedding vector has the wrong dimension")
)

// EmbeddingDimensions is the fixed vector width (§6).
const EmbeddingDimensions = 3072

// Archive mirrors the Archive entity (§3).
type Archive struct {
	ID        string
	Provider  string
	Status    string // created, completed, failed
	FileURIs  []string
	ErrorMsg  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EtlTask mirrors the EtlTask entity.
type EtlTask struct {
	ID               string
	ArchiveID        string
	Provider         string
	InteractionType  string
	SourceURIs       []string
	Status           string
	ExtractedCount   int
	TransformedCount int
	UploadedCount    int
	ErrorMsg         string
}

// Thread mirrors the Thread entity.
type Thread struct {
	ID              string
	UniqueKey       string
	EtlTaskID       string
	Provider        string
	InteractionType string
	Preview         string
	Payload         map[string]interface{}
	Version         string
	Asat            time.Time
	AssetURI        string
	RawSource       string
}

// Memory mirrors the TapestryMemory entity.
type Memory struct {
	ID              string
	Content         string
	FromDate        time.Time
	ToDate          time.Time
	GroupID         string
	Embedding       []float32 // len 0 means absent
	Status          string    // active, superseded
	SupersededBy    string
	SourceMemoryIDs []string
}

// Profile mirrors the TapestryProfile entity.
type Profile struct {
	ID          string
	Content     string
	GeneratedAt time.Time
	MemoryCount int
}

// MemorySearchResult pairs a Memory with its cosine distance to a query
// embedding, when one was supplied to SearchMemories.
type MemorySearchResult struct {
	Memory   Memory
	Distance *float64 // nil when the search had no query embedding
}

// Store is the full transactional contract (§4.8). It embeds
// batch.BatchStore so any Store can be handed directly to
// batch.NewBaseManager without an adapter.
type Store interface {
	batch.BatchStore

	// Archives
	CreateArchive(ctx context.Context, a Archive) error
	GetArchive(ctx context.Context, id string) (*Archive, error)
	UpdateArchive(ctx context.Context, a Archive) error

	// EtlTasks
	CreateEtlTask(ctx context.Context, t EtlTask) error
	GetEtlTask(ctx context.Context, id string) (*EtlTask, error)
	UpdateEtlTask(ctx context.Context, t EtlTask) error
	ListEtlTasksByArchive(ctx context.Context, archiveID string) ([]EtlTask, error)

	// Threads
	// InsertThreads deduplicates on unique_key and returns the number of
	// rows actually inserted; idempotent under re-execution.
	InsertThreads(ctx context.Context, rows []Thread, taskID string) (int, error)
	GetThread(ctx context.Context, id string) (*Thread, error)
	ListThreadsByInteractionType(ctx context.Context, interactionType string) ([]Thread, error)

	// Batches
	CreateBatch(ctx context.Context, nb batch.NewBatch) error
	GetBatchGroups(ctx context.Context, batchID string) ([]batch.ThreadGroup, error)
	// ListActiveBatchIDs returns the IDs of every batch in category whose
	// most recently persisted state is not one of the universal terminal
	// tags (COMPLETE, SKIPPED, FAILED). Used by the runner to resume
	// in-flight batches after a restart.
	ListActiveBatchIDs(ctx context.Context, category string) ([]string, error)

	// Memories
	InsertMemory(ctx context.Context, m Memory) error
	GetMemory(ctx context.Context, id string) (*Memory, error)
	UpdateMemory(ctx context.Context, m Memory) error
	ListMemories(ctx context.Context, status string, fromDate *time.Time, limit int) ([]Memory, error)
	CountMemories(ctx context.Context, status string) (int, error)
	SearchMemories(ctx context.Context, queryEmbedding []float32, fromDate, toDate *time.Time, topK int) ([]MemorySearchResult, error)
	GetRefinableMemoryIDs(ctx context.Context) ([]string, error)
	FindSimilarMemories(ctx context.Context, seedID string, proximityDays int, similarityThreshold float64, maxCandidates int) ([]string, error)
	// PurgeSupersededMemories hard-deletes superseded memories last
	// changed at or before olderThan, returning the number removed.
	PurgeSupersededMemories(ctx context.Context, olderThan time.Time) (int, error)

	// Profile
	GetLatestProfile(ctx context.Context) (*Profile, error)
	SaveProfile(ctx context.Context, p Profile) error
}
