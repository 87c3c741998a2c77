package chroma

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to a ChromaDB server over its HTTP API. The vector store is
// treated as an opaque service: callers hand over ids, embeddings, metadata
// and documents, and query by embedding.
type Client struct {
	baseURL    string
	tenant     string
	database   string
	httpClient *http.Client
}

// Collection identifies a Chroma collection.
type Collection struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Document is one entry to upsert into a collection.
type Document struct {
	ID        string
	Embedding []float64
	Metadata  map[string]any
	Content   string
}

// QueryResult is one hit from a Query call.
type QueryResult struct {
	ID       string
	Document string
	Metadata map[string]any
	Distance float64
}

// ErrorResponse represents an error payload from the Chroma API
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// NewClient creates a new Chroma client
func NewClient(baseURL, tenant, database string) *Client {
	if tenant == "" {
		tenant = "default_tenant"
	}
	if database == "" {
		database = "default_database"
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		tenant:   tenant,
		database: database,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// Heartbeat checks that the Chroma server is reachable.
func (c *Client) Heartbeat(ctx context.Context) error {
	var out map[string]any
	if err := c.do(ctx, "GET", "/api/v1/heartbeat", nil, &out); err != nil {
		return fmt.Errorf("chroma heartbeat failed: %w", err)
	}
	return nil
}

// GetOrCreateCollection returns the named collection, creating it if needed.
func (c *Client) GetOrCreateCollection(ctx context.Context, name string) (*Collection, error) {
	payload := map[string]any{
		"name":          name,
		"get_or_create": true,
		"metadata":      map[string]any{"hnsw:space": "cosine"},
	}
	var collection Collection
	if err := c.do(ctx, "POST", "/api/v1/collections"+c.tenantQuery(), payload, &collection); err != nil {
		return nil, fmt.Errorf("get or create collection %s: %w", name, err)
	}
	return &collection, nil
}

// Add upserts documents into a collection.
func (c *Client) Add(ctx context.Context, collectionID string, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}

	ids := make([]string, len(docs))
	embeddings := make([][]float64, len(docs))
	metadatas := make([]map[string]any, len(docs))
	documents := make([]string, len(docs))
	for i, doc := range docs {
		ids[i] = doc.ID
		embeddings[i] = doc.Embedding
		metadatas[i] = doc.Metadata
		documents[i] = doc.Content
	}

	payload := map[string]any{
		"ids":        ids,
		"embeddings": embeddings,
		"metadatas":  metadatas,
		"documents":  documents,
	}
	path := fmt.Sprintf("/api/v1/collections/%s/upsert", url.PathEscape(collectionID)) + c.tenantQuery()
	if err := c.do(ctx, "POST", path, payload, nil); err != nil {
		return fmt.Errorf("add %d documents: %w", len(docs), err)
	}
	return nil
}

// queryResponse mirrors Chroma's nested per-query result arrays.
type queryResponse struct {
	IDs       [][]string         `json:"ids"`
	Documents [][]string         `json:"documents"`
	Metadatas [][]map[string]any `json:"metadatas"`
	Distances [][]float64        `json:"distances"`
}

// Query runs a nearest-neighbor search by embedding. where may be nil or a
// Chroma filter document (e.g. {"channel": {"$eq": "x"}}).
func (c *Client) Query(ctx context.Context, collectionID string, embedding []float64, nResults int, where map[string]any) ([]QueryResult, error) {
	if nResults <= 0 {
		nResults = 10
	}
	payload := map[string]any{
		"query_embeddings": [][]float64{embedding},
		"n_results":        nResults,
		"include":          []string{"documents", "metadatas", "distances"},
	}
	if len(where) > 0 {
		payload["where"] = where
	}

	var resp queryResponse
	path := fmt.Sprintf("/api/v1/collections/%s/query", url.PathEscape(collectionID)) + c.tenantQuery()
	if err := c.do(ctx, "POST", path, payload, &resp); err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}

	if len(resp.IDs) == 0 {
		return nil, nil
	}

	results := make([]QueryResult, 0, len(resp.IDs[0]))
	for i, id := range resp.IDs[0] {
		result := QueryResult{ID: id}
		if len(resp.Documents) > 0 && i < len(resp.Documents[0]) {
			result.Document = resp.Documents[0][i]
		}
		if len(resp.Metadatas) > 0 && i < len(resp.Metadatas[0]) {
			result.Metadata = resp.Metadatas[0][i]
		}
		if len(resp.Distances) > 0 && i < len(resp.Distances[0]) {
			result.Distance = resp.Distances[0][i]
		}
		results = append(results, result)
	}
	return results, nil
}

// DeleteCollection drops a collection by name.
func (c *Client) DeleteCollection(ctx context.Context, name string) error {
	path := fmt.Sprintf("/api/v1/collections/%s", url.PathEscape(name)) + c.tenantQuery()
	if err := c.do(ctx, "DELETE", path, nil, nil); err != nil {
		return fmt.Errorf("delete collection %s: %w", name, err)
	}
	return nil
}

func (c *Client) tenantQuery() string {
	values := url.Values{}
	values.Set("tenant", c.tenant)
	values.Set("database", c.database)
	return "?" + values.Encode()
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewBuffer(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errorResp ErrorResponse
		if err := json.Unmarshal(respBody, &errorResp); err == nil {
			msg := errorResp.Message
			if msg == "" {
				msg = errorResp.Error
			}
			if msg != "" {
				return fmt.Errorf("API error (%d): %s", resp.StatusCode, msg)
			}
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// SetTimeout sets the HTTP client timeout
func (c *Client) SetTimeout(timeout time.Duration) {
	c.httpClient.Timeout = timeout
}
