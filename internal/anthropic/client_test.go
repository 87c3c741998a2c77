package anthropic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))

		var req MessagesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "claude-3-7-sonnet-20250219", req.Model)
		assert.Equal(t, 2000, req.MaxTokens)
		assert.Equal(t, "be terse", req.System)
		require.Len(t, req.Messages, 1)
		assert.Equal(t, "user", req.Messages[0].Role)

		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"content": [
				{"type": "text", "text": "Hello "},
				{"type": "text", "text": "world"}
			],
			"stop_reason": "end_turn"
		}`))
	}))
	defer server.Close()

	client := NewClient("sk-ant-test", server.URL, "claude-3-7-sonnet-20250219", 2000)

	reply, err := client.Complete(context.Background(), "be terse", "say hello")
	require.NoError(t, err)
	assert.Equal(t, "Hello world", reply)
}

func TestCompleteEmptyPrompt(t *testing.T) {
	client := NewClient("sk-ant-test", "", "claude-3-7-sonnet-20250219", 100)
	_, err := client.Complete(context.Background(), "", "   ")
	assert.Error(t, err)
}

func TestCompleteAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"rate_limit_error","message":"Rate limited"}}`))
	}))
	defer server.Close()

	client := NewClient("sk-ant-test", server.URL, "claude-3-7-sonnet-20250219", 100)

	_, err := client.Complete(context.Background(), "", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Rate limited")
	assert.Contains(t, err.Error(), "429")
}

func TestCompleteNoContent(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"msg_2","content":[]}`))
	}))
	defer server.Close()

	client := NewClient("sk-ant-test", server.URL, "claude-3-7-sonnet-20250219", 100)

	_, err := client.Complete(context.Background(), "", "hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no content")
}
