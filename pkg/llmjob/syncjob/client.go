// Package syncjob is the eager, no-batching fallback llmjob.JobClient
// (§4.9): BatchSubmit does all the work synchronously, one completion
// call per item, and caches the results under a generated job key;
// BatchGetResults just pops that cache. Useful when the provider's
// batch API latency (minutes to hours) is unacceptable, e.g. local
// development against a single-item-at-a-time endpoint.
package syncjob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/codeready-toolchain/tapestry/pkg/llmjob"
	"github.com/google/uuid"
)

func jsonReader(payload []byte) io.Reader {
	return bytes.NewReader(payload)
}

// Completer performs one chat-style completion call and returns the raw
// JSON text the model replied with. Embedder performs one embedding
// call. Both are narrow enough that the default implementation (an
// OpenAI-compatible chat/embeddings endpoint) and a test fake can share
// the same Client.
type Completer interface {
	Complete(ctx context.Context, item llmjob.PromptItem) (rawJSON string, err error)
}

type Embedder interface {
	Embed(ctx context.Context, item llmjob.EmbedItem) (vector []float32, err error)
}

// Client drives Completer/Embedder one item at a time and caches
// results keyed by a generated job key, mirroring
// LiteLLMSyncClient.batch_submit/batch_get_results: submit does all the
// work eagerly, get_results just pops the cache.
type Client struct {
	completer Completer
	embedder  Embedder
	newID     func() string

	mu         sync.Mutex
	genCache   map[string]map[string]json.RawMessage
	embedCache map[string]map[string][]float32
}

// New builds a Client around the given Completer/Embedder.
func New(completer Completer, embedder Embedder) *Client {
	return &Client{
		completer:  completer,
		embedder:   embedder,
		newID:      func() string { return uuid.NewString() },
		genCache:   make(map[string]map[string]json.RawMessage),
		embedCache: make(map[string]map[string][]float32),
	}
}

var _ llmjob.JobClient = (*Client)(nil)

// BatchSubmit completes every item synchronously and stashes the
// results under a fresh job key. Items that fail after retries are
// logged and dropped from the result set, matching the source's
// catch-log-continue loop rather than failing the whole submission.
func (c *Client) BatchSubmit(ctx context.Context, batchID string, items []llmjob.PromptItem) (string, error) {
	results := make(map[string]json.RawMessage, len(items))
	for _, item := range items {
		raw, err := c.completer.Complete(ctx, item)
		if err != nil {
			slog.Error("Sync completion failed", "batch_id", batchID, "item_id", item.ItemID, "error", err)
			continue
		}
		if !json.Valid([]byte(raw)) {
			slog.Error("Sync completion returned invalid JSON", "batch_id", batchID, "item_id", item.ItemID)
			continue
		}
		results[item.ItemID] = json.RawMessage(raw)
	}

	slog.Info("Completed sync completions", "batch_id", batchID, "succeeded", len(results), "total", len(items))

	key := "gen-" + c.newID()
	c.mu.Lock()
	c.genCache[key] = results
	c.mu.Unlock()
	return key, nil
}

// BatchGetResults pops the cached results for jobKey. Since
// BatchSubmit already did all the work, results are always ready the
// first (and only) time a key is polled.
func (c *Client) BatchGetResults(_ context.Context, jobKey string) (map[string]json.RawMessage, bool, error) {
	c.mu.Lock()
	results, ok := c.genCache[jobKey]
	delete(c.genCache, jobKey)
	c.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	return results, true, nil
}

// EmbedBatchSubmit embeds every item synchronously, same shape as
// BatchSubmit.
func (c *Client) EmbedBatchSubmit(ctx context.Context, batchID string, items []llmjob.EmbedItem) (string, error) {
	results := make(map[string][]float32, len(items))
	for _, item := range items {
		vec, err := c.embedder.Embed(ctx, item)
		if err != nil {
			slog.Error("Sync embedding failed", "batch_id", batchID, "item_id", item.ItemID, "error", err)
			continue
		}
		results[item.ItemID] = vec
	}

	slog.Info("Completed sync embeddings", "batch_id", batchID, "succeeded", len(results), "total", len(items))

	key := "embed-" + c.newID()
	c.mu.Lock()
	c.embedCache[key] = results
	c.mu.Unlock()
	return key, nil
}

// EmbedBatchGetResults pops the cached embeddings for jobKey.
func (c *Client) EmbedBatchGetResults(_ context.Context, jobKey string) (map[string][]float32, bool, error) {
	c.mu.Lock()
	results, ok := c.embedCache[jobKey]
	delete(c.embedCache, jobKey)
	c.mu.Unlock()
	if !ok {
		return nil, false, nil
	}
	return results, true, nil
}

// HTTPCompleter is the default Completer: one chat/completions call
// per item against an OpenAI-compatible endpoint, retried with
// exponential backoff the way _complete_one retries with tenacity.
type HTTPCompleter struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// NewHTTPCompleter builds an HTTPCompleter. baseURL defaults to the
// OpenAI API when empty.
func NewHTTPCompleter(baseURL, apiKey, model string) *HTTPCompleter {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &HTTPCompleter{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
	}
}

type chatCompletionRequest struct {
	Model          string                 `json:"model"`
	Messages       []chatMessage          `json:"messages"`
	ResponseFormat map[string]interface{} `json:"response_format"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete performs one chat completion, retrying transient failures
// with exponential backoff (five attempts, matching
// stop_after_attempt(5) in the source's @retry decorator).
func (c *HTTPCompleter) Complete(ctx context.Context, item llmjob.PromptItem) (string, error) {
	var raw string
	op := func() error {
		text, err := c.complete(ctx, item)
		if err != nil {
			return err
		}
		raw = text
		return nil
	}

	bo := backoff.WithContext(newBackOff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return "", fmt.Errorf("complete item %s: %w", item.ItemID, err)
	}
	return raw, nil
}

func (c *HTTPCompleter) complete(ctx context.Context, item llmjob.PromptItem) (string, error) {
	parts := make([]contentPart, 0, len(item.AssetPaths)+1)
	for _, p := range item.AssetPaths {
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: p}})
	}
	parts = append(parts, contentPart{Type: "text", Text: item.Prompt})

	body := chatCompletionRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "user", Content: parts},
		},
		ResponseFormat: map[string]interface{}{
			"type": "json_schema",
			"json_schema": map[string]interface{}{
				"name":   "response",
				"schema": item.ResponseSchema,
			},
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", jsonReader(payload))
	if err != nil {
		return "", fmt.Errorf("create completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call completion endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("completion endpoint returned HTTP %d for item %s", resp.StatusCode, item.ItemID)
	}

	var parsed chatCompletionResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("empty completion response for item %s", item.ItemID)
	}

	return parsed.Choices[0].Message.Content, nil
}

// HTTPEmbedder is the default Embedder: one embeddings call per item.
type HTTPEmbedder struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
}

// NewHTTPEmbedder builds an HTTPEmbedder. baseURL defaults to the
// OpenAI API when empty.
func NewHTTPEmbedder(baseURL, apiKey, model string) *HTTPEmbedder {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &HTTPEmbedder{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
	}
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed performs one embedding call, retried the same way Complete is.
func (e *HTTPEmbedder) Embed(ctx context.Context, item llmjob.EmbedItem) ([]float32, error) {
	var vec []float32
	op := func() error {
		v, err := e.embed(ctx, item)
		if err != nil {
			return err
		}
		vec = v
		return nil
	}

	bo := backoff.WithContext(newBackOff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("embed item %s: %w", item.ItemID, err)
	}
	return vec, nil
}

func (e *HTTPEmbedder) embed(ctx context.Context, item llmjob.EmbedItem) ([]float32, error) {
	payload, err := json.Marshal(embeddingRequest{Model: e.model, Input: item.Text})
	if err != nil {
		return nil, fmt.Errorf("marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", jsonReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call embedding endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding endpoint returned HTTP %d for item %s", resp.StatusCode, item.ItemID)
	}

	var parsed embeddingResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("empty embedding response for item %s", item.ItemID)
	}

	return parsed.Data[0].Embedding, nil
}

// newBackOff mirrors the source's wait_exponential_jitter(initial=5,
// max=60, jitter=5) with stop_after_attempt(5): five tries total,
// starting at ~5s and capping at ~60s.
func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	b.MaxInterval = 60 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.3
	return backoff.WithMaxRetries(b, 4)
}
