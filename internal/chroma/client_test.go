package chroma

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOrCreateCollection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/collections", r.URL.Path)
		assert.Equal(t, "default_tenant", r.URL.Query().Get("tenant"))
		assert.Equal(t, "default_database", r.URL.Query().Get("database"))

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "slack-messages", payload["name"])
		assert.Equal(t, true, payload["get_or_create"])

		_, _ = w.Write([]byte(`{"id":"col-1","name":"slack-messages"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "")

	collection, err := client.GetOrCreateCollection(context.Background(), "slack-messages")
	require.NoError(t, err)
	assert.Equal(t, "col-1", collection.ID)
	assert.Equal(t, "slack-messages", collection.Name)
}

func TestAdd(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/collections/col-1/upsert", r.URL.Path)

		var payload struct {
			IDs        []string         `json:"ids"`
			Embeddings [][]float64      `json:"embeddings"`
			Metadatas  []map[string]any `json:"metadatas"`
			Documents  []string         `json:"documents"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		require.Len(t, payload.IDs, 2)
		assert.Equal(t, "slack-C1-1.0", payload.IDs[0])
		assert.Equal(t, []float64{0.1, 0.2}, payload.Embeddings[0])
		assert.Equal(t, "candidatelabs-acme", payload.Metadatas[0]["channel"])
		assert.Equal(t, "first doc", payload.Documents[0])

		_, _ = w.Write([]byte(`true`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "")

	err := client.Add(context.Background(), "col-1", []Document{
		{
			ID:        "slack-C1-1.0",
			Embedding: []float64{0.1, 0.2},
			Metadata:  map[string]any{"channel": "candidatelabs-acme"},
			Content:   "first doc",
		},
		{
			ID:        "slack-C1-2.0",
			Embedding: []float64{0.3, 0.4},
			Metadata:  map[string]any{"channel": "candidatelabs-acme"},
			Content:   "second doc",
		},
	})
	require.NoError(t, err)

	// An empty batch is a no-op, not a request.
	require.NoError(t, client.Add(context.Background(), "col-1", nil))
}

func TestQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/collections/col-1/query", r.URL.Path)

		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, float64(2), payload["n_results"])
		assert.NotNil(t, payload["where"])

		_, _ = w.Write([]byte(`{
			"ids": [["slack-C1-1.0", "slack-C1-2.0"]],
			"documents": [["first doc", "second doc"]],
			"metadatas": [[{"channel": "candidatelabs-acme"}, {"channel": "candidatelabs-acme"}]],
			"distances": [[0.05, 0.2]]
		}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "")

	results, err := client.Query(context.Background(), "col-1", []float64{0.1, 0.2}, 2,
		map[string]any{"channel": map[string]any{"$eq": "candidatelabs-acme"}})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "slack-C1-1.0", results[0].ID)
	assert.Equal(t, "first doc", results[0].Document)
	assert.Equal(t, "candidatelabs-acme", results[0].Metadata["channel"])
	assert.InDelta(t, 0.05, results[0].Distance, 1e-9)
}

func TestQueryError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"InternalError","message":"collection not found"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "")

	_, err := client.Query(context.Background(), "missing", []float64{0.1}, 1, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "collection not found")
}

func TestDeleteCollection(t *testing.T) {
	var called bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Equal(t, "DELETE", r.Method)
		assert.Equal(t, "/api/v1/collections/slack-messages", r.URL.Path)
		_, _ = w.Write([]byte(`true`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", "")

	require.NoError(t, client.DeleteCollection(context.Background(), "slack-messages"))
	assert.True(t, called)
}
