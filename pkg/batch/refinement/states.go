package refinement

import (
	"encoding/json"
	"fmt"

	"github.com/codeready-toolchain/tapestry/pkg/batch"
)

// Status tags for the refinement category's state graph (§4.5.2):
// REFINEMENT_CREATED -> REFINEMENT_DISCOVER -> REFINEMENT_PENDING ->
// REFINEMENT_COMPLETE -> REFINEMENT_EMBED_PENDING ->
// REFINEMENT_EMBED_COMPLETE -> COMPLETE.
const (
	StatusCreated       = "REFINEMENT_CREATED"
	StatusDiscover      = "REFINEMENT_DISCOVER"
	StatusPending       = "REFINEMENT_PENDING"
	StatusComplete      = "REFINEMENT_COMPLETE"
	StatusEmbedPending  = "REFINEMENT_EMBED_PENDING"
	StatusEmbedComplete = "REFINEMENT_EMBED_COMPLETE"

	// PollBaseSeconds/PollJitterSeconds are the refinement category's
	// countdown parameters (§6): base 10s, jitter ±10s.
	PollBaseSeconds   = 10
	PollJitterSeconds = 10
)

// Created carries the seed memory ids a refinement batch was formed
// around (the refinement category's own initial state; it replaces the
// generic batch.Created since a seed list must be threaded through to
// Discover).
type Created struct {
	SeedMemoryIDs []string
	Timestamp     string
}

func (Created) Status() string        { return StatusCreated }
func (Created) Kind() batch.StateKind { return batch.StateKindTransition }
func (s Created) MarshalJSON() ([]byte, error) {
	return batch.MarshalState(StatusCreated, struct {
		SeedMemoryIDs []string `json:"seed_memory_ids"`
		Timestamp     string   `json:"timestamp"`
	}{s.SeedMemoryIDs, s.Timestamp})
}

// Discover carries the clusters found by the union-find discovery pass.
type Discover struct {
	Clusters     [][]string
	DiscoveredAt string
}

func (Discover) Status() string        { return StatusDiscover }
func (Discover) Kind() batch.StateKind { return batch.StateKindTransition }
func (s Discover) MarshalJSON() ([]byte, error) {
	return batch.MarshalState(StatusDiscover, struct {
		Clusters     [][]string `json:"clusters"`
		DiscoveredAt string     `json:"discovered_at"`
	}{s.Clusters, s.DiscoveredAt})
}

// Pending carries the in-flight refinement completion job key.
type Pending struct {
	JobKey      string
	Clusters    [][]string
	PollCountV  int
	SubmittedAt string
}

func (Pending) Status() string        { return StatusPending }
func (Pending) Kind() batch.StateKind { return batch.StateKindPolling }
func (s Pending) PollCount() int      { return s.PollCountV }
func (s Pending) PollNextCountdown() int {
	return batch.JitteredCountdown(PollBaseSeconds, PollJitterSeconds)
}
func (s Pending) WithPollCount(n int) batch.Poller {
	s.PollCountV = n
	return s
}
func (s Pending) MarshalJSON() ([]byte, error) {
	return batch.MarshalState(StatusPending, struct {
		JobKey      string     `json:"job_key"`
		Clusters    [][]string `json:"clusters"`
		PollCount   int        `json:"poll_count"`
		SubmittedAt string     `json:"submitted_at"`
	}{s.JobKey, s.Clusters, s.PollCountV, s.SubmittedAt})
}

// Complete records the outcome of the refinement write (§4.5.2): one
// new active memory per cluster, with the superseded source count.
type Complete struct {
	CreatedMemoryIDs []string
	SupersededCount  int
	CompletedAt      string
}

// RefinedCount is the number of new memories this refinement pass
// produced — one per discovered cluster (§6's REFINEMENT_COMPLETE).
func (s Complete) RefinedCount() int { return len(s.CreatedMemoryIDs) }

func (Complete) Status() string        { return StatusComplete }
func (Complete) Kind() batch.StateKind { return batch.StateKindTransition }
func (s Complete) MarshalJSON() ([]byte, error) {
	return batch.MarshalState(StatusComplete, struct {
		CreatedMemoryIDs []string `json:"created_memory_ids"`
		RefinedCount     int      `json:"refined_count"`
		SupersededCount  int      `json:"superseded_count"`
		CompletedAt      string   `json:"completed_at"`
	}{s.CreatedMemoryIDs, s.RefinedCount(), s.SupersededCount, s.CompletedAt})
}

// EmbedPending carries the in-flight embedding job key for the newly
// created refined memories.
type EmbedPending struct {
	JobKey      string
	PollCountV  int
	SubmittedAt string
}

func (EmbedPending) Status() string        { return StatusEmbedPending }
func (EmbedPending) Kind() batch.StateKind { return batch.StateKindPolling }
func (s EmbedPending) PollCount() int      { return s.PollCountV }
func (s EmbedPending) PollNextCountdown() int {
	return batch.JitteredCountdown(PollBaseSeconds, PollJitterSeconds)
}
func (s EmbedPending) WithPollCount(n int) batch.Poller {
	s.PollCountV = n
	return s
}
func (s EmbedPending) MarshalJSON() ([]byte, error) {
	return batch.MarshalState(StatusEmbedPending, struct {
		JobKey      string `json:"job_key"`
		PollCount   int    `json:"poll_count"`
		SubmittedAt string `json:"submitted_at"`
	}{s.JobKey, s.PollCountV, s.SubmittedAt})
}

// EmbedComplete records that the refined memories were embedded.
type EmbedComplete struct {
	EmbeddedCount int
	CompletedAt   string
}

func (EmbedComplete) Status() string        { return StatusEmbedComplete }
func (EmbedComplete) Kind() batch.StateKind { return batch.StateKindTransition }
func (s EmbedComplete) MarshalJSON() ([]byte, error) {
	return batch.MarshalState(StatusEmbedComplete, struct {
		EmbeddedCount int    `json:"embedded_count"`
		CompletedAt   string `json:"completed_at"`
	}{s.EmbeddedCount, s.CompletedAt})
}

// ParseState is the refinement category's registered parser (§4.3).
func ParseState(raw json.RawMessage) (batch.State, error) {
	status, err := batch.StatusTag(raw)
	if err != nil {
		return nil, err
	}

	switch status {
	case StatusCreated:
		var v struct {
			SeedMemoryIDs []string `json:"seed_memory_ids"`
			Timestamp     string   `json:"timestamp"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return Created{SeedMemoryIDs: v.SeedMemoryIDs, Timestamp: v.Timestamp}, nil
	case StatusDiscover:
		var v struct {
			Clusters     [][]string `json:"clusters"`
			DiscoveredAt string     `json:"discovered_at"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return Discover{Clusters: v.Clusters, DiscoveredAt: v.DiscoveredAt}, nil
	case StatusPending:
		var v struct {
			JobKey      string     `json:"job_key"`
			Clusters    [][]string `json:"clusters"`
			PollCount   int        `json:"poll_count"`
			SubmittedAt string     `json:"submitted_at"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return Pending{JobKey: v.JobKey, Clusters: v.Clusters, PollCountV: v.PollCount, SubmittedAt: v.SubmittedAt}, nil
	case StatusComplete:
		var v struct {
			CreatedMemoryIDs []string `json:"created_memory_ids"`
			SupersededCount  int      `json:"superseded_count"`
			CompletedAt      string   `json:"completed_at"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return Complete{CreatedMemoryIDs: v.CreatedMemoryIDs, SupersededCount: v.SupersededCount, CompletedAt: v.CompletedAt}, nil
	case StatusEmbedPending:
		var v struct {
			JobKey      string `json:"job_key"`
			PollCount   int    `json:"poll_count"`
			SubmittedAt string `json:"submitted_at"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return EmbedPending{JobKey: v.JobKey, PollCountV: v.PollCount, SubmittedAt: v.SubmittedAt}, nil
	case StatusEmbedComplete:
		var v struct {
			EmbeddedCount int    `json:"embedded_count"`
			CompletedAt   string `json:"completed_at"`
		}
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, err
		}
		return EmbedComplete{EmbeddedCount: v.EmbeddedCount, CompletedAt: v.CompletedAt}, nil
	}

	if s, ok, err := batch.ParseTerminal(status, raw); ok {
		return s, err
	}

	return nil, fmt.Errorf("refinement: unregistered status tag %q", status)
}
