// Package pipe declares the Extract/Transform contract archive
// providers implement (§1's explicit non-goal: archive parsing itself
// is out of scope, only the interface is specified here). Concrete
// pipes (ChatGPT, Instagram, ...) live outside this module.
package pipe

import (
	"context"
	"io"
	"iter"

	"github.com/codeready-toolchain/tapestry/pkg/store"
)

// Storage is the raw-bytes key/value interface archive bytes are read
// through; out of scope per spec.md §1, specified only by interface.
type Storage interface {
	Write(ctx context.Context, key string, data []byte) error
	Read(ctx context.Context, key string) ([]byte, error)
	OpenStream(ctx context.Context, key string) (io.ReadCloser, error)
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Record is one extracted, provider-specific unit a Pipe yields from
// ExtractFile and consumes in Transform. It is declared as any rather
// than a type parameter: a Pipe implementation owns both halves of the
// contract, so the concrete record type never crosses a call boundary
// this package has to know about.
type Record any

// Pipe encapsulates the Extract and Transform steps for one interaction
// type (e.g. ChatGPT conversations, Instagram stories). The Load step
// is the store's job, not the pipe's.
type Pipe interface {
	// Provider identifies the archive source (e.g. "chatgpt").
	Provider() string
	// InteractionType identifies the kind of record this pipe produces
	// (e.g. "chatgpt_conversations").
	InteractionType() string
	// ArchiveVersion is the archive format version this pipe handles;
	// it is bumped when the provider's export format changes, distinct
	// from ThreadRow.Version which tracks the payload schema version.
	ArchiveVersion() int
	// ArchivePathPattern is a glob (fnmatch-style) for the relative
	// path inside the archive this pipe's files live under. Patterns
	// with wildcards can match multiple files; Registry.DiscoverTasks
	// emits one EtlTask per matched file.
	ArchivePathPattern() string

	// ExtractFile parses one source file and yields validated records.
	// The base ETL runner loops over an EtlTask's SourceURIs and calls
	// this once per file.
	ExtractFile(ctx context.Context, uri string, storage Storage) (iter.Seq2[Record, error], error)

	// Transform converts one extracted record into a thread row ready
	// for Store.InsertThreads. task carries the EtlTask context
	// (provider, interaction type, archive id) the row is produced
	// under.
	Transform(ctx context.Context, record Record, task *store.EtlTask) (*store.Thread, error)
}
