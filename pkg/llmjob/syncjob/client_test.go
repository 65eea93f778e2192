package syncjob

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/codeready-toolchain/tapestry/pkg/llmjob"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCompleter struct {
	responses map[string]string
	errors    map[string]error
}

func (f *fakeCompleter) Complete(_ context.Context, item llmjob.PromptItem) (string, error) {
	if err, ok := f.errors[item.ItemID]; ok {
		return "", err
	}
	return f.responses[item.ItemID], nil
}

type fakeEmbedder struct {
	vectors map[string][]float32
	errors  map[string]error
}

func (f *fakeEmbedder) Embed(_ context.Context, item llmjob.EmbedItem) ([]float32, error) {
	if err, ok := f.errors[item.ItemID]; ok {
		return nil, err
	}
	return f.vectors[item.ItemID], nil
}

func TestClient_BatchSubmitAndGetResults(t *testing.T) {
	completer := &fakeCompleter{responses: map[string]string{
		"item-1": `{"summary": "a"}`,
		"item-2": `{"summary": "b"}`,
	}}
	c := New(completer, &fakeEmbedder{})

	jobKey, err := c.BatchSubmit(context.Background(), "batch-1", []llmjob.PromptItem{
		{ItemID: "item-1", Prompt: "p1"},
		{ItemID: "item-2", Prompt: "p2"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, jobKey)

	results, ready, err := c.BatchGetResults(context.Background(), jobKey)
	require.NoError(t, err)
	assert.True(t, ready)
	require.Len(t, results, 2)

	var decoded map[string]string
	require.NoError(t, json.Unmarshal(results["item-1"], &decoded))
	assert.Equal(t, "a", decoded["summary"])
}

func TestClient_BatchGetResults_UnknownKeyNotReady(t *testing.T) {
	c := New(&fakeCompleter{}, &fakeEmbedder{})
	results, ready, err := c.BatchGetResults(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.False(t, ready)
	assert.Nil(t, results)
}

func TestClient_BatchGetResults_ConsumesCacheOnce(t *testing.T) {
	completer := &fakeCompleter{responses: map[string]string{"item-1": `{"ok": true}`}}
	c := New(completer, &fakeEmbedder{})

	jobKey, err := c.BatchSubmit(context.Background(), "batch-1", []llmjob.PromptItem{{ItemID: "item-1", Prompt: "p"}})
	require.NoError(t, err)

	_, ready, err := c.BatchGetResults(context.Background(), jobKey)
	require.NoError(t, err)
	require.True(t, ready)

	_, ready, err = c.BatchGetResults(context.Background(), jobKey)
	require.NoError(t, err)
	assert.False(t, ready, "second poll of the same key should find nothing left to pop")
}

func TestClient_BatchSubmit_DropsFailedItemsButKeepsOthers(t *testing.T) {
	completer := &fakeCompleter{
		responses: map[string]string{"item-1": `{"ok": true}`},
		errors:    map[string]error{"item-2": fmt.Errorf("boom")},
	}
	c := New(completer, &fakeEmbedder{})

	jobKey, err := c.BatchSubmit(context.Background(), "batch-1", []llmjob.PromptItem{
		{ItemID: "item-1", Prompt: "p1"},
		{ItemID: "item-2", Prompt: "p2"},
	})
	require.NoError(t, err)

	results, ready, err := c.BatchGetResults(context.Background(), jobKey)
	require.NoError(t, err)
	require.True(t, ready)
	assert.Len(t, results, 1)
	_, hasItem2 := results["item-2"]
	assert.False(t, hasItem2)
}

func TestClient_BatchSubmit_DropsInvalidJSON(t *testing.T) {
	completer := &fakeCompleter{responses: map[string]string{"item-1": "not json"}}
	c := New(completer, &fakeEmbedder{})

	jobKey, err := c.BatchSubmit(context.Background(), "batch-1", []llmjob.PromptItem{{ItemID: "item-1", Prompt: "p"}})
	require.NoError(t, err)

	results, ready, err := c.BatchGetResults(context.Background(), jobKey)
	require.NoError(t, err)
	require.True(t, ready)
	assert.Empty(t, results)
}

func TestClient_EmbedBatchSubmitAndGetResults(t *testing.T) {
	embedder := &fakeEmbedder{vectors: map[string][]float32{
		"item-1": {0.1, 0.2, 0.3},
	}}
	c := New(&fakeCompleter{}, embedder)

	jobKey, err := c.EmbedBatchSubmit(context.Background(), "batch-1", []llmjob.EmbedItem{
		{ItemID: "item-1", Text: "hello"},
	})
	require.NoError(t, err)

	results, ready, err := c.EmbedBatchGetResults(context.Background(), jobKey)
	require.NoError(t, err)
	assert.True(t, ready)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, results["item-1"])
}

func TestClient_EmbedBatchSubmit_DropsFailedItems(t *testing.T) {
	embedder := &fakeEmbedder{
		vectors: map[string][]float32{"item-1": {0.1}},
		errors:  map[string]error{"item-2": fmt.Errorf("boom")},
	}
	c := New(&fakeCompleter{}, embedder)

	jobKey, err := c.EmbedBatchSubmit(context.Background(), "batch-1", []llmjob.EmbedItem{
		{ItemID: "item-1", Text: "a"},
		{ItemID: "item-2", Text: "b"},
	})
	require.NoError(t, err)

	results, ready, err := c.EmbedBatchGetResults(context.Background(), jobKey)
	require.NoError(t, err)
	require.True(t, ready)
	assert.Len(t, results, 1)
}

func TestClient_DistinctJobKeysPerSubmit(t *testing.T) {
	completer := &fakeCompleter{responses: map[string]string{"item-1": `{"ok": true}`}}
	c := New(completer, &fakeEmbedder{})

	key1, err := c.BatchSubmit(context.Background(), "batch-1", []llmjob.PromptItem{{ItemID: "item-1", Prompt: "p"}})
	require.NoError(t, err)
	key2, err := c.BatchSubmit(context.Background(), "batch-1", []llmjob.PromptItem{{ItemID: "item-1", Prompt: "p"}})
	require.NoError(t, err)

	assert.NotEqual(t, key1, key2)
}
