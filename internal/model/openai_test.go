package model

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOpenAITestClient(t *testing.T, handler http.HandlerFunc) *OpenAIClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewOpenAIClient(OpenAIConfig{
		APIKey:            "test-key",
		BaseURL:           srv.URL,
		RequestsPerSecond: 1000,
	})
	require.NoError(t, err)
	return client
}

func TestOpenAIInvoke_Complete(t *testing.T) {
	client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"content": `{"ok":true}`},
				"finish_reason": "stop",
			}},
			"usage": map[string]int{"prompt_tokens": 50, "completion_tokens": 10},
		})
	})

	resp, err := client.Invoke(context.Background(), Request{Model: "gpt", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, FinishComplete, resp.FinishReason)
	assert.Equal(t, `{"ok":true}`, resp.Text)
	assert.Equal(t, 50, resp.Usage.InputTokens)
}

func TestOpenAIInvoke_LengthIsTruncated(t *testing.T) {
	client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message":       map[string]any{"content": "partial"},
				"finish_reason": "length",
			}},
		})
	})

	resp, err := client.Invoke(context.Background(), Request{Model: "gpt", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, FinishTruncated, resp.FinishReason)
}

func TestOpenAIInvoke_NoChoicesIsEmpty(t *testing.T) {
	client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []map[string]any{}})
	})

	resp, err := client.Invoke(context.Background(), Request{Model: "gpt", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, FinishEmpty, resp.FinishReason)
}

func TestOpenAIInvoke_ToolCalls(t *testing.T) {
	client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{
				"message": map[string]any{
					"content": "",
					"tool_calls": []map[string]any{{
						"function": map[string]any{
							"name":      SearchToolName,
							"arguments": `{"query":"sorting algorithms","limit":3}`,
						},
					}},
				},
				"finish_reason": "tool_calls",
			}},
		})
	})

	resp, err := client.Invoke(context.Background(), Request{Model: "gpt", Prompt: "hi", Tools: []ToolSpec{SearchTool()}})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "sorting algorithms", resp.ToolCalls[0].Query)
	assert.Equal(t, 3, resp.ToolCalls[0].Limit)
}

func TestOpenAIInvoke_RateLimitedIsTransport(t *testing.T) {
	client := newOpenAITestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Invoke(context.Background(), Request{Model: "gpt", Prompt: "hi"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTransport)
}
