package ragindex

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/candidatelabs/slackrag/internal/chroma"
	"github.com/candidatelabs/slackrag/internal/extractor"
	"github.com/candidatelabs/slackrag/internal/store"
	"github.com/candidatelabs/slackrag/internal/types"
)

// EmbeddingClient generates embedding vectors for documents.
type EmbeddingClient interface {
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float64, error)
}

// VectorIndex receives embedded documents for storage.
type VectorIndex interface {
	Add(ctx context.Context, documents []chroma.Document) error
}

// CandidateStore persists extracted candidates and their message links.
type CandidateStore interface {
	UpsertCandidate(ctx context.Context, name, linkedinURL string) (int64, error)
	LinkMessageCandidate(ctx context.Context, messageID string, candidateID int64, confidence float64) error
}

// ServiceConfig contains dependencies and runtime settings for IndexService.
type ServiceConfig struct {
	EmbeddingClient EmbeddingClient
	VectorIndex     VectorIndex
	// Candidates is optional; when set, extracted candidates and their
	// message links are written through it.
	Candidates       CandidateStore
	Logger           *log.Logger
	Location         *time.Location
	Concurrency      int
	MinMessageLength int
	RetryAttempts    int
	RetryDelay       time.Duration
}

// IndexService embeds candidate-linked Slack messages into the vector index.
type IndexService struct {
	embeddingClient EmbeddingClient
	vectorIndex     VectorIndex
	candidates      CandidateStore
	logger          *log.Logger
	location        *time.Location

	concurrency      int
	minMessageLength int
	retryAttempts    int
	retryDelay       time.Duration
}

// ProcessingStats captures statistics for an indexing run.
type ProcessingStats struct {
	mu sync.Mutex

	StartTime time.Time
	EndTime   time.Time

	ChannelsProcessed int
	MessagesTotal     int
	DocumentsIndexed  int
	MessagesFailed    int
	MessagesSkipped   int
	CandidatesFound   int
	Retries           int

	Errors []types.ProcessingError
}

// NewIndexService creates a configured IndexService.
func NewIndexService(cfg ServiceConfig) (*IndexService, error) {
	if cfg.EmbeddingClient == nil {
		return nil, fmt.Errorf("embedding client is required")
	}
	if cfg.VectorIndex == nil {
		return nil, fmt.Errorf("vector index is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "rag-indexer ", log.LstdFlags)
	}

	location := cfg.Location
	if location == nil {
		location = time.UTC
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	retryAttempts := cfg.RetryAttempts
	if retryAttempts <= 0 {
		retryAttempts = 3
	}

	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	minLen := cfg.MinMessageLength
	if minLen < 0 {
		minLen = 0
	}

	return &IndexService{
		embeddingClient:  cfg.EmbeddingClient,
		vectorIndex:      cfg.VectorIndex,
		candidates:       cfg.Candidates,
		logger:           logger,
		location:         location,
		concurrency:      concurrency,
		minMessageLength: minLen,
		retryAttempts:    retryAttempts,
		retryDelay:       retryDelay,
	}, nil
}

// IndexChannels indexes warehouse messages for each channel concurrently.
// The map key is the channel name used in document prefixes and vector IDs.
func (s *IndexService) IndexChannels(ctx context.Context, channels map[string][]store.MessageRecord) (*ProcessingStats, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	stats := &ProcessingStats{
		StartTime: time.Now(),
		Errors:    make([]types.ProcessingError, 0),
	}
	defer stats.finalize()

	total := 0
	for _, msgs := range channels {
		total += len(msgs)
	}
	stats.ChannelsProcessed = len(channels)
	stats.MessagesTotal = total

	if total == 0 {
		s.logger.Println("No messages to index.")
		return stats, nil
	}

	s.logger.Printf("Indexing %d messages across %d channels (concurrency=%d)\n",
		total, len(channels), s.concurrency)

	sem := make(chan struct{}, s.concurrency)
	eg, egCtx := errgroup.WithContext(ctx)

	for channelName, channelMessages := range channels {
		name := channelName
		msgs := channelMessages

		sem <- struct{}{}
		eg.Go(func() error {
			defer func() { <-sem }()
			s.processChannel(egCtx, stats, name, msgs)
			return nil
		})
	}

	_ = eg.Wait() // errors are tracked inside stats

	if stats.MessagesFailed > 0 {
		return stats, fmt.Errorf("indexing completed with %d failures", stats.MessagesFailed)
	}
	return stats, nil
}

// IndexChannel indexes a single channel's messages.
func (s *IndexService) IndexChannel(ctx context.Context, channelName string, messages []store.MessageRecord) (*ProcessingStats, error) {
	return s.IndexChannels(ctx, map[string][]store.MessageRecord{channelName: messages})
}

func (s *IndexService) processChannel(ctx context.Context, stats *ProcessingStats, channelName string, messages []store.MessageRecord) {
	if ctx.Err() != nil {
		stats.addFailed(len(messages))
		stats.appendError(types.WrapError(ctx.Err(), types.ErrorTypeTimeout, channelName))
		return
	}

	eligible := make([]store.MessageRecord, 0, len(messages))
	for _, m := range messages {
		if s.shouldSkipMessage(m) {
			stats.incrementSkipped()
			continue
		}
		eligible = append(eligible, m)
	}
	if len(eligible) == 0 {
		return
	}

	ex := extractor.New()
	candidates := ex.ExtractCandidates(eligible, channelName)
	stats.addCandidates(len(candidates))
	if len(candidates) == 0 {
		stats.addSkipped(len(eligible))
		return
	}

	grouped := groupMessagesByCandidate(eligible, candidates)

	matched := make(map[string]struct{})
	for _, msgs := range grouped {
		for _, m := range msgs {
			matched[m.ID] = struct{}{}
		}
	}
	stats.addSkipped(len(eligible) - len(matched))

	for _, cand := range candidates {
		msgs := grouped[cand.LinkedInURL]
		if len(msgs) == 0 {
			continue
		}

		select {
		case <-ctx.Done():
			stats.addFailed(len(msgs))
			stats.appendError(types.WrapError(ctx.Err(), types.ErrorTypeTimeout, channelName))
			return
		default:
		}

		s.persistCandidate(ctx, cand, msgs)

		docs := s.buildDocuments(channelName, cand, msgs)
		if err := s.indexDocuments(ctx, stats, channelName, docs); err != nil {
			stats.addFailed(len(docs))
			continue
		}
		stats.addIndexed(len(docs))
	}
}

func (s *IndexService) persistCandidate(ctx context.Context, cand extractor.Candidate, msgs []store.MessageRecord) {
	if s.candidates == nil {
		return
	}

	id, err := s.candidates.UpsertCandidate(ctx, cand.Name, cand.LinkedInURL)
	if err != nil {
		s.logger.Printf("failed to persist candidate %s: %v", cand.Name, err)
		return
	}
	for _, m := range msgs {
		if err := s.candidates.LinkMessageCandidate(ctx, m.ID, id, 1.0); err != nil {
			s.logger.Printf("failed to link message %s to candidate %s: %v", m.ID, cand.Name, err)
		}
	}
}

// groupMessagesByCandidate assigns each message to every candidate whose
// name or LinkedIn URL it mentions.
func groupMessagesByCandidate(messages []store.MessageRecord, candidates []extractor.Candidate) map[string][]store.MessageRecord {
	grouped := make(map[string][]store.MessageRecord, len(candidates))
	for _, m := range messages {
		for _, c := range candidates {
			if strings.Contains(m.Text, c.Name) || strings.Contains(m.Text, c.LinkedInURL) {
				grouped[c.LinkedInURL] = append(grouped[c.LinkedInURL], m)
			}
		}
	}
	return grouped
}

func (s *IndexService) buildDocuments(channelName string, cand extractor.Candidate, msgs []store.MessageRecord) []chroma.Document {
	byTS := make(map[string]store.MessageRecord, len(msgs))
	for _, m := range msgs {
		byTS[m.SlackTS()] = m
	}

	docs := make([]chroma.Document, 0, len(msgs))
	for _, m := range msgs {
		ts := m.SlackTS()
		dt := s.formatTimestamp(m.Timestamp)
		isReply := m.ThreadTS != "" && m.ThreadTS != ts

		var content string
		if isReply {
			parent := rootParentText(m, byTS)
			content = fmt.Sprintf("%s [%s] (thread reply) [Main message: %s] %s", dt, channelName, parent, m.Text)
		} else {
			content = fmt.Sprintf("%s [%s] %s", dt, channelName, m.Text)
		}

		docs = append(docs, chroma.Document{
			ID:      fmt.Sprintf("%s_%s_%s", channelName, ts, cand.LinkedInURL),
			Content: content,
			Metadata: map[string]interface{}{
				"channel":         channelName,
				"user":            m.UserID,
				"ts":              ts,
				"datetime":        dt,
				"candidate":       cand.Name,
				"linkedin_url":    cand.LinkedInURL,
				"is_thread_reply": isReply,
			},
		})
	}
	return docs
}

// rootParentText resolves the text of the top-level message a reply belongs
// to, walking thread_ts links within the candidate's message set.
func rootParentText(m store.MessageRecord, byTS map[string]store.MessageRecord) string {
	seen := make(map[string]struct{})
	cur := m
	for {
		ts := cur.SlackTS()
		if cur.ThreadTS == "" || cur.ThreadTS == ts {
			return cur.Text
		}
		if _, ok := seen[ts]; ok {
			return "[Parent: unknown]"
		}
		seen[ts] = struct{}{}
		parent, ok := byTS[cur.ThreadTS]
		if !ok {
			return "[Parent: unknown]"
		}
		cur = parent
	}
}

func (s *IndexService) indexDocuments(ctx context.Context, stats *ProcessingStats, channelName string, docs []chroma.Document) error {
	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}

	embeddings, err := s.withRetry(ctx, stats, channelName, "embedding", func() ([][]float64, error) {
		return s.embeddingClient.GenerateEmbeddings(ctx, texts)
	})
	if err != nil {
		return err
	}
	if len(embeddings) != len(docs) {
		err := types.NewProcessingError(types.ErrorTypeEmbedding,
			fmt.Sprintf("embedding count mismatch: got %d, want %d", len(embeddings), len(docs)), channelName)
		stats.appendError(err)
		return err
	}
	for i := range docs {
		docs[i].Embedding = embeddings[i]
	}

	_, err = s.withRetry(ctx, stats, channelName, "vector_index", func() ([][]float64, error) {
		return nil, s.vectorIndex.Add(ctx, docs)
	})
	return err
}

// withRetry runs op with the service's retry policy, recording retries and
// the final error in stats.
func (s *IndexService) withRetry(ctx context.Context, stats *ProcessingStats, reference, errContext string, op func() ([][]float64, error)) ([][]float64, error) {
	var lastErr *types.ProcessingError

	for attempt := 1; attempt <= s.retryAttempts; attempt++ {
		if ctx.Err() != nil {
			lastErr = types.WrapError(ctx.Err(), types.ErrorTypeTimeout, reference)
			break
		}

		result, err := op()
		if err == nil {
			return result, nil
		}

		lastErr = types.WrapError(err, types.ClassifyError(err, errContext), reference)
		if !lastErr.IsRetryable() || attempt == s.retryAttempts {
			break
		}

		stats.incrementRetries()
		s.logger.Printf("retrying %s for %s after error: %v", errContext, reference, err)
		time.Sleep(s.retryDelay * time.Duration(attempt))
	}

	stats.appendError(lastErr)
	return nil, lastErr
}

func (s *IndexService) shouldSkipMessage(m store.MessageRecord) bool {
	text := strings.TrimSpace(m.Text)
	if text == "" {
		return true
	}
	if s.minMessageLength > 0 && len([]rune(text)) < s.minMessageLength {
		return true
	}
	return false
}

func (s *IndexService) formatTimestamp(ts float64) string {
	sec := int64(ts)
	nsec := int64((ts - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).In(s.location).Format("2006-01-02 15:04:05")
}

func (stats *ProcessingStats) finalize() {
	stats.EndTime = time.Now()
}

// Duration reports the wall-clock time of the run.
func (stats *ProcessingStats) Duration() time.Duration {
	return stats.EndTime.Sub(stats.StartTime)
}

func (stats *ProcessingStats) addIndexed(n int) {
	stats.mu.Lock()
	stats.DocumentsIndexed += n
	stats.mu.Unlock()
}

func (stats *ProcessingStats) incrementSkipped() {
	stats.addSkipped(1)
}

func (stats *ProcessingStats) addSkipped(n int) {
	if n <= 0 {
		return
	}
	stats.mu.Lock()
	stats.MessagesSkipped += n
	stats.mu.Unlock()
}

func (stats *ProcessingStats) addFailed(n int) {
	if n <= 0 {
		return
	}
	stats.mu.Lock()
	stats.MessagesFailed += n
	stats.mu.Unlock()
}

func (stats *ProcessingStats) addCandidates(n int) {
	if n <= 0 {
		return
	}
	stats.mu.Lock()
	stats.CandidatesFound += n
	stats.mu.Unlock()
}

func (stats *ProcessingStats) incrementRetries() {
	stats.mu.Lock()
	stats.Retries++
	stats.mu.Unlock()
}

func (stats *ProcessingStats) appendError(err *types.ProcessingError) {
	if err == nil {
		return
	}
	stats.mu.Lock()
	stats.Errors = append(stats.Errors, *err)
	stats.mu.Unlock()
}
