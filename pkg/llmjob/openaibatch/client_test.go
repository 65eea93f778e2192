package openaibatch

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/codeready-toolchain/tapestry/pkg/llmjob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFakeOpenAI is a minimal in-memory stand-in for the Files/Batches
// API surface this package calls, with a fixed batch status and
// output file content for a single "batch-xyz" job.
func newFakeOpenAI(batchStatus string, outputFile []byte) *httptest.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/files", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "file-abc"})
	})

	mux.HandleFunc("/batches", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "batch-xyz", "status": "validating"})
			return
		}
		http.NotFound(w, r)
	})

	mux.HandleFunc("/batches/batch-xyz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]string{"id": "batch-xyz", "status": batchStatus}
		if batchStatus == "completed" {
			resp["output_file_id"] = "file-out"
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	mux.HandleFunc("/files/file-out/content", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(outputFile)
	})

	return httptest.NewServer(mux)
}

func TestClient_BatchSubmit(t *testing.T) {
	srv := newFakeOpenAI("validating", nil)
	defer srv.Close()

	c := New(srv.URL, "test-key", "gpt-4o", "text-embedding-3-small")
	jobID, err := c.BatchSubmit(t.Context(), "batch-1", []llmjob.PromptItem{
		{ItemID: "item-1", Prompt: "hello", ResponseSchema: map[string]interface{}{"type": "object"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "batch-xyz", jobID)
}

func TestClient_BatchGetResults_StillRunning(t *testing.T) {
	srv := newFakeOpenAI("in_progress", nil)
	defer srv.Close()

	c := New(srv.URL, "test-key", "gpt-4o", "text-embedding-3-small")
	results, ready, err := c.BatchGetResults(t.Context(), "batch-xyz")
	require.NoError(t, err)
	assert.False(t, ready)
	assert.Nil(t, results)
}

func TestClient_BatchGetResults_Completed(t *testing.T) {
	outputLine := `{"custom_id":"item-1","response":{"body":{"choices":[{"message":{"content":"{\"summary\":\"ok\"}"}}]}}}`
	srv := newFakeOpenAI("completed", []byte(outputLine))
	defer srv.Close()

	c := New(srv.URL, "test-key", "gpt-4o", "text-embedding-3-small")
	results, ready, err := c.BatchGetResults(t.Context(), "batch-xyz")
	require.NoError(t, err)
	require.True(t, ready)
	require.Contains(t, results, "item-1")

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(results["item-1"], &decoded))
	assert.Equal(t, "ok", decoded["summary"])
}

func TestClient_BatchGetResults_TerminalFailure(t *testing.T) {
	srv := newFakeOpenAI("failed", nil)
	defer srv.Close()

	c := New(srv.URL, "test-key", "gpt-4o", "text-embedding-3-small")
	_, ready, err := c.BatchGetResults(t.Context(), "batch-xyz")
	assert.True(t, ready)
	require.Error(t, err)
	assert.ErrorIs(t, err, llmjob.ErrJobFailed)
}

func TestClient_EmbedBatchSubmit(t *testing.T) {
	srv := newFakeOpenAI("validating", nil)
	defer srv.Close()

	c := New(srv.URL, "test-key", "gpt-4o", "text-embedding-3-small")
	jobID, err := c.EmbedBatchSubmit(t.Context(), "batch-1", []llmjob.EmbedItem{
		{ItemID: "item-1", Text: "hello"},
	})
	require.NoError(t, err)
	assert.Equal(t, "batch-xyz", jobID)
}

func TestClient_EmbedBatchGetResults_Completed(t *testing.T) {
	outputLine := `{"custom_id":"item-1","response":{"body":{"data":[{"embedding":[0.1,0.2,0.3]}]}}}`
	srv := newFakeOpenAI("completed", []byte(outputLine))
	defer srv.Close()

	c := New(srv.URL, "test-key", "gpt-4o", "text-embedding-3-small")
	results, ready, err := c.EmbedBatchGetResults(t.Context(), "batch-xyz")
	require.NoError(t, err)
	require.True(t, ready)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, results["item-1"])
}

func TestClient_RetriesTransientServerErrors(t *testing.T) {
	var attempts int32
	mux := http.NewServeMux()
	mux.HandleFunc("/batches/batch-retry", func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "batch-retry", "status": "in_progress"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, "test-key", "gpt-4o", "text-embedding-3-small")
	_, ready, err := c.BatchGetResults(t.Context(), "batch-retry")
	require.NoError(t, err)
	assert.False(t, ready)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
}

func TestClient_PermanentClientErrorDoesNotRetry(t *testing.T) {
	var attempts int32
	mux := http.NewServeMux()
	mux.HandleFunc("/batches/bad-batch", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL, "test-key", "gpt-4o", "text-embedding-3-small")
	_, _, err := c.BatchGetResults(t.Context(), "bad-batch")
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}
