// Package memories implements the memory-extraction category's state
// graph (§4.5.1): CREATED -> GenerationPending -> GenerationComplete ->
// EmbeddingPending -> EmbeddingComplete -> COMPLETE.
package memories

import (
	"encoding/json"
	"fmt"

	"github.com/codeready-toolchain/tapestry/pkg/batch"
)

// Status tags, per §6's external interface table.
const (
	StatusGeneratePending = "MEMORY_GENERATE_PENDING"
	StatusGenerateComplete = "MEMORY_GENERATE_COMPLETE"
	StatusEmbedPending     = "MEMORY_EMBED_PENDING"
	StatusEmbedComplete    = "MEMORY_EMBED_COMPLETE"

	// PollBaseSeconds/PollJitterSeconds are the memories category's
	// countdown parameters (§6): base 60s, jitter ±10s.
	PollBaseSeconds   = 60
	PollJitterSeconds = 10
)

// GenerationPending carries the in-flight completion job key.
type GenerationPending struct {
	JobKey      string
	PollCountV  int
	SubmittedAt string
}

func (GenerationPending) Status() string      { return StatusGeneratePending }
func (GenerationPending) Kind() batch.StateKind { return batch.StateKindPolling }
func (s GenerationPending) PollCount() int      { return s.PollCountV }
func (s GenerationPending) PollNextCountdown() int {
	return batch.JitteredCountdown(PollBaseSeconds, PollJitterSeconds)
}
func (s GenerationPending) WithPollCount(n int) batch.Poller {
	s.PollCountV = n
	return s
}
func (s GenerationPending) MarshalJSON() ([]byte, error) {
	return batch.MarshalState(StatusGeneratePending, struct {
		JobKey      string `json:"job_key"`
		PollCount   int    `json:"poll_count"`
		SubmittedAt string `json:"submitted_at"`
	}{s.JobKey, s.PollCountV, s.SubmittedAt})
}

// GenerationComplete records that memory rows were written.
type GenerationComplete struct {
	CompletedAt   string
	MemoriesCount int
}

func (GenerationComplete) Status() string        { return StatusGenerateComplete }
func (GenerationComplete) Kind() batch.StateKind { return batch.StateKindTransition }
func (s GenerationComplete) MarshalJSON() ([]byte, error) {
	return batch.MarshalState(StatusGenerateComplete, struct {
		CompletedAt   string `json:"completed_at"`
		MemoriesCount int    `json:"memories_count"`
	}{s.CompletedAt, s.MemoriesCount})
}

// EmbeddingPending carries the in-flight embedding job key.
type EmbeddingPending struct {
	JobKey      string
	PollCountV  int
	SubmittedAt string
}

func (EmbeddingPending) Status() string        { return StatusEmbedPending }
func (EmbeddingPending) Kind() batch.StateKind { return batch.StateKindPolling }
func (s EmbeddingPending) PollCount() int        { return s.PollCountV }
func (s EmbeddingPending) PollNextCountdown() int {
	return batch.JitteredCountdown(PollBaseSeconds, PollJitterSeconds)
}
func (s EmbeddingPending) WithPollCount(n int) batch.Poller {
	s.PollCountV = n
	return s
}
func (s EmbeddingPending) MarshalJSON() ([]byte, error) {
	return batch.MarshalState(StatusEmbedPending, struct {
		JobKey      string `json:"job_key"`
		PollCount   int    `json:"poll_count"`
		SubmittedAt string `json:"submitted_at"`
	}{s.JobKey, s.PollCountV, s.SubmittedAt})
}

// EmbeddingComplete records that vectors were attached to rows.
type EmbeddingComplete struct {
	CompletedAt   string
	EmbeddedCount int
}

func (EmbeddingComplete) Status() string        { return StatusEmbedComplete }
func (EmbeddingComplete) Kind() batch.StateKind { return batch.StateKindTransition }
func (s EmbeddingComplete) MarshalJSON() ([]byte, error) {
	return batch.MarshalState(StatusEmbedComplete, struct {
		CompletedAt   string `json:"completed_at"`
		EmbeddedCount int    `json:"embedded_count"`
	}{s.CompletedAt, s.EmbeddedCount})
}

// ParseState is the memories category's registered parser (§4.3):
// dispatches on the status tag, falling back to the universal
// terminal/initial states.
func ParseState(raw json.RawMessage) (batch.State, error) {
	status, err := batch.StatusTag(raw)
	if err != nil {
		return nil, err
	}

	switch status {
	case StatusGeneratePending:
		var v struct {
			JobKey      string `json:"job_key"`
			PollCount   int    `json:"poll_count"`
			SubmittedAt string `json:"submitted_at"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return GenerationPending{JobKey: v.JobKey, PollCountV: v.PollCount, SubmittedAt: v.SubmittedAt}, nil
	case StatusGenerateComplete:
		var v struct {
			CompletedAt   string `json:"completed_at"`
			MemoriesCount int    `json:"memories_count"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return GenerationComplete{CompletedAt: v.CompletedAt, MemoriesCount: v.MemoriesCount}, nil
	case StatusEmbedPending:
		var v struct {
			JobKey      string `json:"job_key"`
			PollCount   int    `json:"poll_count"`
			SubmittedAt string `json:"submitted_at"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return EmbeddingPending{JobKey: v.JobKey, PollCountV: v.PollCount, SubmittedAt: v.SubmittedAt}, nil
	case StatusEmbedComplete:
		var v struct {
			CompletedAt   string `json:"completed_at"`
			EmbeddedCount int    `json:"embedded_count"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return EmbeddingComplete{CompletedAt: v.CompletedAt, EmbeddedCount: v.EmbeddedCount}, nil
	}

	if s, ok, err := batch.ParseTerminal(status, raw); ok {
		return s, err
	}

	return nil, fmt.Errorf("memories: unregistered status tag %q", status)
}
