package ragindex

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candidatelabs/slackrag/internal/chroma"
	"github.com/candidatelabs/slackrag/internal/store"
)

type mockEmbedder struct {
	mu       sync.Mutex
	calls    int
	failures int
	err      error
}

func (m *mockEmbedder) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil && m.calls <= m.failures {
		return nil, m.err
	}
	out := make([][]float64, len(texts))
	for i := range texts {
		out[i] = []float64{float64(i), 1}
	}
	return out, nil
}

type mockIndex struct {
	mu   sync.Mutex
	docs []chroma.Document
	err  error
}

func (m *mockIndex) Add(ctx context.Context, documents []chroma.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.docs = append(m.docs, documents...)
	return nil
}

func newTestService(t *testing.T, embedder EmbeddingClient, index VectorIndex) *IndexService {
	t.Helper()
	svc, err := NewIndexService(ServiceConfig{
		EmbeddingClient: embedder,
		VectorIndex:     index,
		Logger:          log.New(io.Discard, "", 0),
		Location:        time.UTC,
		RetryAttempts:   3,
		RetryDelay:      time.Millisecond,
	})
	require.NoError(t, err)
	return svc
}

func warehouseMessage(channelID, ts, text, threadTS string) store.MessageRecord {
	tsFloat := 0.0
	_, _ = fmt.Sscanf(ts, "%f", &tsFloat)
	return store.MessageRecord{
		ID:        channelID + "_" + ts,
		ChannelID: channelID,
		UserID:    "U100",
		Timestamp: tsFloat,
		Text:      text,
		ThreadTS:  threadTS,
	}
}

func TestIndexChannelBuildsCandidateDocuments(t *testing.T) {
	embedder := &mockEmbedder{}
	index := &mockIndex{}
	svc := newTestService(t, embedder, index)

	anchor := warehouseMessage("C1", "1716000000.000100",
		"New candidate: <https://www.linkedin.com/in/jane-doe|Jane Doe>", "")
	reply := warehouseMessage("C1", "1716000300.000200",
		"Jane Doe had a great screen", "1716000000.000100")
	unrelated := warehouseMessage("C1", "1716000600.000300", "lunch anyone?", "")

	stats, err := svc.IndexChannel(context.Background(),
		"candidatelabs-acme", []store.MessageRecord{anchor, reply, unrelated})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.ChannelsProcessed)
	assert.Equal(t, 3, stats.MessagesTotal)
	assert.Equal(t, 2, stats.DocumentsIndexed)
	assert.Equal(t, 1, stats.MessagesSkipped)
	assert.Equal(t, 1, stats.CandidatesFound)
	assert.Zero(t, stats.MessagesFailed)

	require.Len(t, index.docs, 2)

	byID := make(map[string]chroma.Document)
	for _, d := range index.docs {
		byID[d.ID] = d
	}

	anchorDoc, ok := byID["candidatelabs-acme_1716000000.000100_https://www.linkedin.com/in/jane-doe"]
	require.True(t, ok)
	wantDT := time.Unix(1716000000, 0).UTC().Format("2006-01-02 15:04:05")
	assert.Equal(t, fmt.Sprintf("%s [candidatelabs-acme] New candidate: <https://www.linkedin.com/in/jane-doe|Jane Doe>", wantDT), anchorDoc.Content)
	assert.Equal(t, "Jane Doe", anchorDoc.Metadata["candidate"])
	assert.Equal(t, "https://www.linkedin.com/in/jane-doe", anchorDoc.Metadata["linkedin_url"])
	assert.Equal(t, "U100", anchorDoc.Metadata["user"])
	assert.Equal(t, "1716000000.000100", anchorDoc.Metadata["ts"])
	assert.Equal(t, false, anchorDoc.Metadata["is_thread_reply"])
	assert.NotEmpty(t, anchorDoc.Embedding)

	replyDoc, ok := byID["candidatelabs-acme_1716000300.000200_https://www.linkedin.com/in/jane-doe"]
	require.True(t, ok)
	assert.Contains(t, replyDoc.Content, "(thread reply)")
	assert.Contains(t, replyDoc.Content, "[Main message: New candidate: <https://www.linkedin.com/in/jane-doe|Jane Doe>]")
	assert.Contains(t, replyDoc.Content, "Jane Doe had a great screen")
	assert.Equal(t, true, replyDoc.Metadata["is_thread_reply"])
}

func TestIndexChannelSkipsShortAndEmptyMessages(t *testing.T) {
	embedder := &mockEmbedder{}
	index := &mockIndex{}
	svc, err := NewIndexService(ServiceConfig{
		EmbeddingClient:  embedder,
		VectorIndex:      index,
		Logger:           log.New(io.Discard, "", 0),
		MinMessageLength: 5,
	})
	require.NoError(t, err)

	stats, err := svc.IndexChannel(context.Background(), "general", []store.MessageRecord{
		warehouseMessage("C1", "1716000000.000100", "   ", ""),
		warehouseMessage("C1", "1716000001.000100", "hi", ""),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, stats.MessagesSkipped)
	assert.Zero(t, stats.DocumentsIndexed)
	assert.Zero(t, embedder.calls)
}

func TestIndexChannelRetriesRetryableErrors(t *testing.T) {
	embedder := &mockEmbedder{
		failures: 2,
		err:      errors.New("request timeout talking to api"),
	}
	index := &mockIndex{}
	svc := newTestService(t, embedder, index)

	stats, err := svc.IndexChannel(context.Background(), "candidatelabs-acme", []store.MessageRecord{
		warehouseMessage("C1", "1716000000.000100",
			"<https://www.linkedin.com/in/jane-doe|Jane Doe>", ""),
	})
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Retries)
	assert.Equal(t, 1, stats.DocumentsIndexed)
	assert.Zero(t, stats.MessagesFailed)
	assert.Equal(t, 3, embedder.calls)
}

func TestIndexChannelRecordsFailures(t *testing.T) {
	embedder := &mockEmbedder{}
	index := &mockIndex{err: errors.New("invalid dimension")}
	svc := newTestService(t, embedder, index)

	stats, err := svc.IndexChannel(context.Background(), "candidatelabs-acme", []store.MessageRecord{
		warehouseMessage("C1", "1716000000.000100",
			"<https://www.linkedin.com/in/jane-doe|Jane Doe>", ""),
	})
	require.Error(t, err)

	assert.Equal(t, 1, stats.MessagesFailed)
	assert.Zero(t, stats.DocumentsIndexed)
	require.NotEmpty(t, stats.Errors)
	assert.Contains(t, stats.Errors[len(stats.Errors)-1].Message, "invalid dimension")
}

func TestIndexChannelsEmptyInput(t *testing.T) {
	embedder := &mockEmbedder{}
	index := &mockIndex{}
	svc := newTestService(t, embedder, index)

	stats, err := svc.IndexChannels(context.Background(), map[string][]store.MessageRecord{})
	require.NoError(t, err)
	assert.Zero(t, stats.MessagesTotal)
	assert.Zero(t, embedder.calls)
	assert.False(t, stats.EndTime.IsZero())
}

type mockCandidateStore struct {
	mu     sync.Mutex
	nextID int64
	byURL  map[string]int64
	names  map[int64]string
	links  map[string]int64
}

func newMockCandidateStore() *mockCandidateStore {
	return &mockCandidateStore{
		byURL: make(map[string]int64),
		names: make(map[int64]string),
		links: make(map[string]int64),
	}
}

func (m *mockCandidateStore) UpsertCandidate(ctx context.Context, name, linkedinURL string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byURL[linkedinURL]
	if !ok {
		m.nextID++
		id = m.nextID
		m.byURL[linkedinURL] = id
	}
	m.names[id] = name
	return id, nil
}

func (m *mockCandidateStore) LinkMessageCandidate(ctx context.Context, messageID string, candidateID int64, confidence float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[messageID] = candidateID
	return nil
}

func TestIndexChannelPersistsCandidates(t *testing.T) {
	embedder := &mockEmbedder{}
	index := &mockIndex{}
	candidates := newMockCandidateStore()

	svc, err := NewIndexService(ServiceConfig{
		EmbeddingClient: embedder,
		VectorIndex:     index,
		Candidates:      candidates,
		Logger:          log.New(io.Discard, "", 0),
		Location:        time.UTC,
		RetryAttempts:   3,
		RetryDelay:      time.Millisecond,
	})
	require.NoError(t, err)

	messages := []store.MessageRecord{
		warehouseMessage("C1", "1716000000.000100", "Submitting <https://www.linkedin.com/in/jane-doe|Jane Doe> for review", ""),
		warehouseMessage("C1", "1716000100.000100", "Jane Doe had a great screen", "1716000000.000100"),
	}

	_, err = svc.IndexChannel(context.Background(), "candidatelabs-acme", messages)
	require.NoError(t, err)

	id, ok := candidates.byURL["https://www.linkedin.com/in/jane-doe"]
	require.True(t, ok)
	assert.Equal(t, "Jane Doe", candidates.names[id])
	assert.Equal(t, id, candidates.links["C1_1716000000.000100"])
	assert.Equal(t, id, candidates.links["C1_1716000100.000100"])
}
