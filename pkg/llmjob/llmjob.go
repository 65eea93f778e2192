// Package llmjob declares the asynchronous LLM job client contract
// (§4.9): submit/poll semantics for completion and embedding batch
// jobs. Concrete implementations live in openaibatch (HTTP batch-jobs
// API) and syncjob (eager, one-call-per-item fallback).
package llmjob

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrJobFailed is returned by a GetResults call when the underlying job
// reached a terminal failure state (failed/cancelled/expired). The
// manager converts this into a batch.Failed state.
var ErrJobFailed = errors.New("llm batch job failed")

// PromptItem is one unit of a completion batch submission.
type PromptItem struct {
	ItemID         string
	Prompt         string
	ResponseSchema interface{} // JSON schema describing the expected structured output
	AssetPaths     []string
}

// EmbedItem is one unit of an embedding batch submission.
type EmbedItem struct {
	ItemID string
	Text   string
}

// JobClient is the two symmetric async surfaces of §4.9.
//
// GetResults returns (results, ready, err). ready=false means "still
// running, poll again" (the source's `None` sentinel); ready=true with
// a non-nil err means terminal failure (wraps ErrJobFailed); ready=true
// with a nil err carries the parsed {item_id -> raw JSON} map.
type JobClient interface {
	BatchSubmit(ctx context.Context, batchID string, items []PromptItem) (jobKey string, err error)
	BatchGetResults(ctx context.Context, jobKey string) (results map[string]json.RawMessage, ready bool, err error)

	EmbedBatchSubmit(ctx context.Context, batchID string, items []EmbedItem) (jobKey string, err error)
	EmbedBatchGetResults(ctx context.Context, jobKey string) (results map[string][]float32, ready bool, err error)
}
