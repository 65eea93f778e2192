// Package openaibatch implements llmjob.JobClient against an
// OpenAI-compatible Batches API: each submit uploads a JSONL file of
// requests and creates a batch job; each poll retrieves the job and,
// once complete, downloads and parses the output file. Grounded on the
// source's LiteLLMBatchClient, which does the same thing through
// litellm's file/batch helpers instead of raw HTTP.
package openaibatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/codeready-toolchain/tapestry/pkg/llmjob"
)

// terminalStates mirrors _BATCH_TERMINAL_STATES: once a batch job
// reaches one of these it will never produce output.
var terminalStates = map[string]bool{
	"failed":    true,
	"cancelled": true,
	"expired":   true,
}

// Client drives the OpenAI Files + Batches APIs directly over HTTP.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	model      string
	embedModel string
}

// New builds a Client. baseURL defaults to the OpenAI API when empty.
func New(baseURL, apiKey, model, embedModel string) *Client {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &Client{
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		baseURL:    baseURL,
		apiKey:     apiKey,
		model:      model,
		embedModel: embedModel,
	}
}

var _ llmjob.JobClient = (*Client)(nil)

type batchLine struct {
	CustomID string      `json:"custom_id"`
	Method   string      `json:"method"`
	URL      string      `json:"url"`
	Body     interface{} `json:"body"`
}

type chatBody struct {
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

type embedBody struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type fileObject struct {
	ID string `json:"id"`
}

type batchObject struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	OutputFileID string `json:"output_file_id"`
}

// BatchSubmit builds a completions JSONL file, uploads it, and creates
// a batch job. Returns the provider batch id for polling.
func (c *Client) BatchSubmit(ctx context.Context, batchID string, items []llmjob.PromptItem) (string, error) {
	lines := make([][]byte, 0, len(items))
	for _, item := range items {
		line, err := json.Marshal(batchLine{
			CustomID: item.ItemID,
			Method:   http.MethodPost,
			URL:      "/v1/chat/completions",
			Body:     buildChatBody(c.model, item),
		})
		if err != nil {
			return "", fmt.Errorf("marshal batch line for item %s: %w", item.ItemID, err)
		}
		lines = append(lines, line)
	}

	fileID, err := c.uploadJSONL(ctx, fmt.Sprintf("batch-%s.jsonl", batchID), lines)
	if err != nil {
		return "", fmt.Errorf("upload batch file: %w", err)
	}

	jobID, err := c.createBatch(ctx, fileID, "/v1/chat/completions")
	if err != nil {
		return "", fmt.Errorf("create batch job: %w", err)
	}

	slog.Info("Created completion batch job", "batch_id", batchID, "job_id", jobID, "items", len(items))
	return jobID, nil
}

// BatchGetResults polls the batch job; returns ready=false while it is
// still running, the parsed {item_id -> raw JSON} map once complete,
// or wraps llmjob.ErrJobFailed on terminal failure.
func (c *Client) BatchGetResults(ctx context.Context, jobKey string) (map[string]json.RawMessage, bool, error) {
	batch, err := c.retrieveBatch(ctx, jobKey)
	if err != nil {
		return nil, false, fmt.Errorf("retrieve batch %s: %w", jobKey, err)
	}

	if terminalStates[batch.Status] {
		return nil, true, fmt.Errorf("%w: batch %s ended with status %s", llmjob.ErrJobFailed, jobKey, batch.Status)
	}
	if batch.Status != "completed" || batch.OutputFileID == "" {
		return nil, false, nil
	}

	content, err := c.downloadFile(ctx, batch.OutputFileID)
	if err != nil {
		return nil, false, fmt.Errorf("download output file %s: %w", batch.OutputFileID, err)
	}

	return parseCompletionResults(content), true, nil
}

// EmbedBatchSubmit builds an embeddings JSONL file, uploads it, and
// creates a batch job.
func (c *Client) EmbedBatchSubmit(ctx context.Context, batchID string, items []llmjob.EmbedItem) (string, error) {
	lines := make([][]byte, 0, len(items))
	for _, item := range items {
		line, err := json.Marshal(batchLine{
			CustomID: item.ItemID,
			Method:   http.MethodPost,
			URL:      "/v1/embeddings",
			Body:     embedBody{Model: c.embedModel, Input: item.Text},
		})
		if err != nil {
			return "", fmt.Errorf("marshal embed line for item %s: %w", item.ItemID, err)
		}
		lines = append(lines, line)
	}

	fileID, err := c.uploadJSONL(ctx, fmt.Sprintf("embed-batch-%s.jsonl", batchID), lines)
	if err != nil {
		return "", fmt.Errorf("upload embed batch file: %w", err)
	}

	jobID, err := c.createBatch(ctx, fileID, "/v1/embeddings")
	if err != nil {
		return "", fmt.Errorf("create embed batch job: %w", err)
	}

	slog.Info("Created embed batch job", "batch_id", batchID, "job_id", jobID, "items", len(items))
	return jobID, nil
}

// EmbedBatchGetResults polls an embedding batch job.
func (c *Client) EmbedBatchGetResults(ctx context.Context, jobKey string) (map[string][]float32, bool, error) {
	batch, err := c.retrieveBatch(ctx, jobKey)
	if err != nil {
		return nil, false, fmt.Errorf("retrieve embed batch %s: %w", jobKey, err)
	}

	if terminalStates[batch.Status] {
		return nil, true, fmt.Errorf("%w: embed batch %s ended with status %s", llmjob.ErrJobFailed, jobKey, batch.Status)
	}
	if batch.Status != "completed" || batch.OutputFileID == "" {
		return nil, false, nil
	}

	content, err := c.downloadFile(ctx, batch.OutputFileID)
	if err != nil {
		return nil, false, fmt.Errorf("download embed output file %s: %w", batch.OutputFileID, err)
	}

	return parseEmbedResults(content), true, nil
}

func buildChatBody(model string, item llmjob.PromptItem) chatBody {
	parts := make([]contentPart, 0, len(item.AssetPaths)+1)
	for _, p := range item.AssetPaths {
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: p}})
	}
	parts = append(parts, contentPart{Type: "text", Text: item.Prompt})

	return chatBody{
		Model: model,
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
}

// uploadJSONL multipart-uploads a JSONL file with purpose "batch" and
// returns its file id, the HTTP equivalent of litellm's create_file.
func (c *Client) uploadJSONL(ctx context.Context, filename string, lines [][]byte) (string, error) {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("purpose", "batch"); err != nil {
		return "", err
	}
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(bytes.Join(lines, []byte("\n"))); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	var result fileObject
	err = c.doWithRetry(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/files", bytes.NewReader(body.Bytes()))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", writer.FormDataContentType())
		c.setAuthHeader(req)

		return c.doJSON(req, &result)
	})
	if err != nil {
		return "", err
	}
	return result.ID, nil
}

func (c *Client) createBatch(ctx context.Context, inputFileID, endpoint string) (string, error) {
	payload, err := json.Marshal(map[string]string{
		"input_file_id":     inputFileID,
		"endpoint":          endpoint,
		"completion_window": "24h",
	})
	if err != nil {
		return "", err
	}

	var result batchObject
	err = c.doWithRetry(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/batches", bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		c.setAuthHeader(req)

		return c.doJSON(req, &result)
	})
	if err != nil {
		return "", err
	}
	return result.ID, nil
}

func (c *Client) retrieveBatch(ctx context.Context, jobID string) (*batchObject, error) {
	var result batchObject
	err := c.doWithRetry(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/batches/"+jobID, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		c.setAuthHeader(req)

		return c.doJSON(req, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	var content []byte
	err := c.doWithRetry(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/files/"+fileID+"/content", nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		c.setAuthHeader(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return backoff.Permanent(fmt.Errorf("file content endpoint returned HTTP %d for file %s", resp.StatusCode, fileID))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("file content endpoint returned HTTP %d for file %s", resp.StatusCode, fileID)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		content = body
		return nil
	})
	return content, err
}

func (c *Client) doJSON(req *http.Request, out interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%s returned HTTP %d (retryable)", req.URL.Path, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return backoff.Permanent(fmt.Errorf("%s returned HTTP %d", req.URL.Path, resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode response from %s: %w", req.URL.Path, err))
	}
	return nil
}

func (c *Client) setAuthHeader(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

// doWithRetry retries only transient (5xx/network) failures; doJSON
// wraps 4xx and decode failures in backoff.Permanent to stop early.
func (c *Client) doWithRetry(ctx context.Context, op func(ctx context.Context) error) error {
	bo := backoff.WithContext(newBackOff(), ctx)
	return backoff.Retry(func() error { return op(ctx) }, bo)
}

func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 30 * time.Second
	b.Multiplier = 2
	b.RandomizationFactor = 0.3
	return backoff.WithMaxRetries(b, 4)
}

// parseCompletionResults parses a downloaded batch output JSONL file
// into {custom_id -> raw JSON of the model's reply}, mirroring
// _parse_batch_results line-by-line, skip-and-log-on-error semantics.
func parseCompletionResults(raw []byte) map[string]json.RawMessage {
	results := make(map[string]json.RawMessage)
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var entry struct {
			CustomID string `json:"custom_id"`
			Response struct {
				Body struct {
					Choices []struct {
						Message struct {
							Content string `json:"content"`
						} `json:"message"`
					} `json:"choices"`
				} `json:"body"`
			} `json:"response"`
		}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			slog.Error("Failed to parse batch result line", "error", err)
			continue
		}
		if entry.CustomID == "" || len(entry.Response.Body.Choices) == 0 {
			slog.Warn("Skipping result line with missing id or content")
			continue
		}
		content := strings.TrimSpace(entry.Response.Body.Choices[0].Message.Content)
		if content == "" || !json.Valid([]byte(content)) {
			slog.Warn("Skipping result line with invalid content", "custom_id", entry.CustomID)
			continue
		}
		results[entry.CustomID] = json.RawMessage(content)
	}
	return results
}

// parseEmbedResults mirrors _parse_embed_batch_results.
func parseEmbedResults(raw []byte) map[string][]float32 {
	results := make(map[string][]float32)
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var entry struct {
			CustomID string `json:"custom_id"`
			Response struct {
				Body struct {
					Data []struct {
						Embedding []float32 `json:"embedding"`
					} `json:"data"`
				} `json:"body"`
			} `json:"response"`
		}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			slog.Error("Failed to parse embed batch result line", "error", err)
			continue
		}
		if entry.CustomID == "" || len(entry.Response.Body.Data) == 0 {
			slog.Warn("Skipping embed result line with missing id or data")
			continue
		}
		results[entry.CustomID] = entry.Response.Body.Data[0].Embedding
	}
	return results
}
