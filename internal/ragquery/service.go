package ragquery

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/candidatelabs/slackrag/internal/chroma"
	"github.com/candidatelabs/slackrag/internal/extractor"
	"github.com/candidatelabs/slackrag/internal/store"
)

var queryTracer = otel.Tracer("slackrag/ragquery")

const groundedSystemPrompt = "You are an assistant that answers questions strictly based on the following Slack messages. " +
	"Do not use outside knowledge. If the answer is not in the messages, say so."

const optimizeSystemPrompt = "You are an assistant that helps optimize search queries. " +
	"Provide a more precise or expanded version of the given query to improve search results."

// candidateKeywords route a prompt to the candidate-anchored context builder.
var candidateKeywords = []string{
	"list candidates",
	"summarize candidates",
	"candidate feedback",
	"candidates posted",
	"client feedback",
	"status of candidates",
}

// Embedder generates a single embedding vector for a query.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float64, error)
}

// VectorSearcher runs nearest-neighbor queries against the vector index.
type VectorSearcher interface {
	Query(ctx context.Context, embedding []float64, nResults int, where map[string]any) ([]chroma.QueryResult, error)
}

// Completer sends prompts to the language model.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// MessageSource reads messages from the warehouse.
type MessageSource interface {
	GetMessagesByDateRange(startTS, endTS float64, channelID string) ([]store.MessageRecord, error)
}

// SearchOptions narrow a semantic search. StartDate and EndDate compare
// against the indexed datetime string ("2006-01-02 15:04:05"), so date-only
// values work as day boundaries.
type SearchOptions struct {
	Limit     int
	Channel   string
	StartDate string
	EndDate   string
}

// ServiceConfig contains dependencies and runtime settings for QueryService.
type ServiceConfig struct {
	Embedder       Embedder
	VectorSearcher VectorSearcher
	Completer      Completer
	Messages       MessageSource
	Logger         *log.Logger
	Location       *time.Location
}

// QueryService answers questions over indexed Slack messages.
type QueryService struct {
	embedder  Embedder
	searcher  VectorSearcher
	completer Completer
	messages  MessageSource
	logger    *log.Logger
	location  *time.Location
}

// NewQueryService creates a configured QueryService.
func NewQueryService(cfg ServiceConfig) (*QueryService, error) {
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if cfg.VectorSearcher == nil {
		return nil, fmt.Errorf("vector searcher is required")
	}
	if cfg.Completer == nil {
		return nil, fmt.Errorf("completer is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "rag-query ", log.LstdFlags)
	}

	location := cfg.Location
	if location == nil {
		location = time.UTC
	}

	return &QueryService{
		embedder:  cfg.Embedder,
		searcher:  cfg.VectorSearcher,
		completer: cfg.Completer,
		messages:  cfg.Messages,
		logger:    logger,
		location:  location,
	}, nil
}

// OptimizeQuery asks the model for a more precise or expanded version of the
// query. The original query is returned when the model call fails, so a
// flaky completion endpoint degrades search quality instead of breaking it.
func (s *QueryService) OptimizeQuery(ctx context.Context, query string) string {
	ctx, span := queryTracer.Start(ctx, "ragquery.optimize")
	defer span.End()

	optimized, err := s.completer.Complete(ctx, optimizeSystemPrompt,
		fmt.Sprintf("Optimize the following query for better search results: %s", query))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "optimize_failed")
		s.logger.Printf("query optimization failed, using original query: %v", err)
		return query
	}

	optimized = strings.TrimSpace(optimized)
	if optimized == "" {
		return query
	}
	return optimized
}

// SemanticSearch optimizes the query, embeds it, and runs a filtered
// nearest-neighbor search.
func (s *QueryService) SemanticSearch(ctx context.Context, query string, opts SearchOptions) ([]chroma.QueryResult, error) {
	ctx, span := queryTracer.Start(ctx, "ragquery.search")
	defer span.End()

	if strings.TrimSpace(query) == "" {
		err := fmt.Errorf("query cannot be empty")
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid_query")
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	optimized := s.OptimizeQuery(ctx, query)

	embedding, err := s.embedder.GenerateEmbedding(ctx, optimized)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding_failed")
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	where := buildWhereFilter(opts)
	results, err := s.searcher.Query(ctx, embedding, limit, where)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search_failed")
		return nil, fmt.Errorf("failed to query vector index: %w", err)
	}

	span.SetAttributes(
		attribute.Int("ragquery.limit", limit),
		attribute.Int("ragquery.results", len(results)),
	)
	return results, nil
}

func buildWhereFilter(opts SearchOptions) map[string]any {
	where := map[string]any{}
	if opts.Channel != "" {
		where["channel"] = opts.Channel
	}
	if opts.StartDate != "" || opts.EndDate != "" {
		dt := map[string]any{}
		if opts.StartDate != "" {
			dt["$gte"] = opts.StartDate
		}
		if opts.EndDate != "" {
			dt["$lte"] = opts.EndDate
		}
		where["datetime"] = dt
	}
	if len(where) == 0 {
		return nil
	}
	return where
}

// BuildContext joins the top search results into a plain context block.
func (s *QueryService) BuildContext(ctx context.Context, query string, opts SearchOptions) (string, error) {
	results, err := s.SemanticSearch(ctx, query, opts)
	if err != nil {
		return "", err
	}
	docs := make([]string, len(results))
	for i, r := range results {
		docs[i] = r.Document
	}
	return strings.Join(docs, "\n"), nil
}

// Ask builds a semantic-search context and asks the model, instructing it to
// answer strictly from the retrieved messages.
func (s *QueryService) Ask(ctx context.Context, prompt string, opts SearchOptions) (string, error) {
	ctx, span := queryTracer.Start(ctx, "ragquery.ask")
	defer span.End()

	contextBlock, err := s.BuildContext(ctx, prompt, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "context_failed")
		return "", err
	}

	system := fmt.Sprintf("%s\n\nSlack messages:\n%s", groundedSystemPrompt, contextBlock)
	answer, err := s.completer.Complete(ctx, system, strings.TrimSpace(prompt))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion_failed")
		return "", fmt.Errorf("failed to get completion: %w", err)
	}
	return answer, nil
}

// Answer routes the prompt to the right context builder and asks the model.
// Candidate listing or summarization prompts get the candidate-anchored
// warehouse context; everything else gets semantic results plus full thread
// replies.
func (s *QueryService) Answer(ctx context.Context, prompt, channelID string, start, end *time.Time, limit int) (string, error) {
	ctx, span := queryTracer.Start(ctx, "ragquery.answer")
	defer span.End()

	var (
		contextBlock string
		err          error
	)
	if isCandidatePrompt(prompt) {
		span.SetAttributes(attribute.String("ragquery.context", "by_candidate"))
		contextBlock, err = s.ContextByCandidate(ctx, start, end, channelID)
	} else {
		span.SetAttributes(attribute.String("ragquery.context", "thread_replies"))
		contextBlock, err = s.ContextWithThreadReplies(ctx, prompt, start, end, limit, channelID)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "context_failed")
		return "", err
	}

	fullPrompt := fmt.Sprintf("Here is the context from Slack messages and threads:\n\n%s\n\nNow, please respond to this query:\n%s",
		contextBlock, prompt)
	answer, err := s.completer.Complete(ctx, "", fullPrompt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion_failed")
		return "", fmt.Errorf("failed to get completion: %w", err)
	}
	return answer, nil
}

func isCandidatePrompt(prompt string) bool {
	lowered := strings.ToLower(prompt)
	for _, kw := range candidateKeywords {
		if strings.Contains(lowered, kw) {
			return true
		}
	}
	return false
}

// ContextByCandidate builds a context grouped by channel, listing each
// candidate submission with its feedback replies and a status line.
func (s *QueryService) ContextByCandidate(ctx context.Context, start, end *time.Time, channelID string) (string, error) {
	if s.messages == nil {
		return "", fmt.Errorf("message source is not configured")
	}

	messages, err := s.messages.GetMessagesByDateRange(rangeBounds(start, end, channelID))
	if err != nil {
		return "", fmt.Errorf("failed to load messages: %w", err)
	}

	channelOrder := make([]string, 0)
	channelBlocks := make(map[string][]string)

	for _, msg := range messages {
		candidates := extractor.New().ExtractCandidates([]store.MessageRecord{msg}, msg.ChannelName)
		if len(candidates) == 0 {
			continue
		}

		channelName := msg.ChannelName
		if channelName == "" {
			channelName = msg.ChannelID
		}

		submissionDate := msg.Datetime
		if submissionDate == "" {
			submissionDate = msg.SlackTS()
		}

		threadTS := msg.ThreadTS
		if threadTS == "" {
			threadTS = msg.SlackTS()
		}
		var feedbacks []string
		for _, reply := range messages {
			if reply.ThreadTS == threadTS && reply.SlackTS() != threadTS {
				feedbacks = append(feedbacks, fmt.Sprintf("%q (by %s)", reply.Text, reply.DisplayUser()))
			}
		}

		for _, cand := range candidates {
			var block strings.Builder
			fmt.Fprintf(&block, "- %s - submitted %s", cand.Name, submissionDate)
			if len(feedbacks) > 0 {
				fmt.Fprintf(&block, "\n  feedback: %s", feedbacks[0])
				for _, fb := range feedbacks[1:] {
					fmt.Fprintf(&block, "\n  additional feedback: %s", fb)
				}
				block.WriteString("\n  status: (please infer status from feedback above)")
			} else {
				block.WriteString("\n  no feedback from client")
				block.WriteString("\n  status: Follow up with client to see if they're interested.")
			}
			if _, ok := channelBlocks[channelName]; !ok {
				channelOrder = append(channelOrder, channelName)
			}
			channelBlocks[channelName] = append(channelBlocks[channelName], block.String())
		}
	}

	contextBlocks := make([]string, 0, len(channelOrder)*2)
	for _, channel := range channelOrder {
		contextBlocks = append(contextBlocks, channel)
		contextBlocks = append(contextBlocks, channelBlocks[channel]...)
	}
	return strings.Join(contextBlocks, "\n\n"), nil
}

// ContextWithThreadReplies combines semantic search results with every
// thread in the range, replies listed chronologically under their parent.
func (s *QueryService) ContextWithThreadReplies(ctx context.Context, query string, start, end *time.Time, limit int, channelID string) (string, error) {
	if s.messages == nil {
		return "", fmt.Errorf("message source is not configured")
	}
	if limit <= 0 {
		limit = 50
	}

	messages, err := s.messages.GetMessagesByDateRange(rangeBounds(start, end, channelID))
	if err != nil {
		return "", fmt.Errorf("failed to load messages: %w", err)
	}

	threads := make(map[string][]store.MessageRecord)
	threadOrder := make([]string, 0)
	for _, msg := range messages {
		threadTS := msg.ThreadTS
		if threadTS == "" {
			threadTS = msg.SlackTS()
		}
		if _, ok := threads[threadTS]; !ok {
			threadOrder = append(threadOrder, threadTS)
		}
		threads[threadTS] = append(threads[threadTS], msg)
	}

	var contextBlocks []string

	results, err := s.SemanticSearch(ctx, query, SearchOptions{Limit: limit})
	if err != nil {
		s.logger.Printf("semantic search unavailable for context: %v", err)
	} else if len(results) > 0 {
		contextBlocks = append(contextBlocks, "=== Semantic Search Results ===")
		for _, result := range results {
			contextBlocks = append(contextBlocks, fmt.Sprintf("Message: %s", result.Document))
			contextBlocks = append(contextBlocks, fmt.Sprintf("Channel: %s", metadataString(result.Metadata, "channel")))
			contextBlocks = append(contextBlocks, fmt.Sprintf("User: %s", metadataString(result.Metadata, "user")))
			contextBlocks = append(contextBlocks, fmt.Sprintf("Timestamp: %s", metadataString(result.Metadata, "datetime")))
			contextBlocks = append(contextBlocks, "---")
		}
	}

	contextBlocks = append(contextBlocks, "\n=== Thread Replies ===")
	for _, threadTS := range threadOrder {
		threadMsgs := threads[threadTS]
		sort.Slice(threadMsgs, func(i, j int) bool {
			return threadMsgs[i].Timestamp < threadMsgs[j].Timestamp
		})

		var parent *store.MessageRecord
		for i := range threadMsgs {
			if threadMsgs[i].SlackTS() == threadTS {
				parent = &threadMsgs[i]
				break
			}
		}
		if parent == nil {
			continue
		}

		channelName := parent.ChannelName
		if channelName == "" {
			channelName = parent.ChannelID
		}

		contextBlocks = append(contextBlocks, fmt.Sprintf("\nThread started by: %s", parent.DisplayUser()))
		contextBlocks = append(contextBlocks, fmt.Sprintf("Parent message: %s", parent.Text))
		contextBlocks = append(contextBlocks, fmt.Sprintf("Channel: %s", channelName))
		contextBlocks = append(contextBlocks, fmt.Sprintf("Timestamp: %s", s.formatSlackTS(threadTS)))

		var replies []store.MessageRecord
		for _, msg := range threadMsgs {
			if msg.SlackTS() != threadTS {
				replies = append(replies, msg)
			}
		}
		if len(replies) > 0 {
			contextBlocks = append(contextBlocks, "\nReplies:")
			for _, reply := range replies {
				contextBlocks = append(contextBlocks, fmt.Sprintf("- %s: %s", reply.DisplayUser(), reply.Text))
				contextBlocks = append(contextBlocks, fmt.Sprintf("  %s", s.formatSlackTS(reply.SlackTS())))
			}
		}
		contextBlocks = append(contextBlocks, "---")
	}

	return strings.Join(contextBlocks, "\n"), nil
}

func rangeBounds(start, end *time.Time, channelID string) (float64, float64, string) {
	startTS := 0.0
	if start != nil {
		startTS = float64(start.Unix())
	}
	endTS := math.MaxFloat64
	if end != nil {
		endTS = float64(end.Unix())
	}
	return startTS, endTS, channelID
}

func (s *QueryService) formatSlackTS(ts string) string {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return ts
	}
	sec := int64(f)
	nsec := int64((f - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).In(s.location).Format("2006-01-02 15:04:05")
}

func metadataString(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	if v, ok := metadata[key].(string); ok {
		return v
	}
	return ""
}
