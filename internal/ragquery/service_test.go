package ragquery

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candidatelabs/slackrag/internal/chroma"
	"github.com/candidatelabs/slackrag/internal/store"
)

type fakeEmbedder struct {
	calls []string
	err   error
}

func (f *fakeEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float64, error) {
	f.calls = append(f.calls, text)
	if f.err != nil {
		return nil, f.err
	}
	return []float64{0.1, 0.2, 0.3}, nil
}

type fakeSearcher struct {
	lastNResults int
	lastWhere    map[string]any
	results      []chroma.QueryResult
	err          error
}

func (f *fakeSearcher) Query(ctx context.Context, embedding []float64, nResults int, where map[string]any) ([]chroma.QueryResult, error) {
	f.lastNResults = nResults
	f.lastWhere = where
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

type fakeCompleter struct {
	systems []string
	users   []string
	replies []string
	err     error
}

func (f *fakeCompleter) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	f.systems = append(f.systems, systemPrompt)
	f.users = append(f.users, userPrompt)
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) == 0 {
		return "ok", nil
	}
	reply := f.replies[0]
	f.replies = f.replies[1:]
	return reply, nil
}

type fakeMessages struct {
	records []store.MessageRecord
	err     error

	lastStart float64
	lastEnd   float64
	lastChan  string
}

func (f *fakeMessages) GetMessagesByDateRange(startTS, endTS float64, channelID string) ([]store.MessageRecord, error) {
	f.lastStart = startTS
	f.lastEnd = endTS
	f.lastChan = channelID
	return f.records, f.err
}

func newTestQueryService(t *testing.T, embedder *fakeEmbedder, searcher *fakeSearcher, completer *fakeCompleter, messages *fakeMessages) *QueryService {
	t.Helper()
	var source MessageSource
	if messages != nil {
		source = messages
	}
	svc, err := NewQueryService(ServiceConfig{
		Embedder:       embedder,
		VectorSearcher: searcher,
		Completer:      completer,
		Messages:       source,
		Logger:         log.New(io.Discard, "", 0),
		Location:       time.UTC,
	})
	require.NoError(t, err)
	return svc
}

func warehouseMessage(channelID, channelName, ts, userName, text, threadTS string) store.MessageRecord {
	return store.MessageRecord{
		ID:          channelID + "_" + ts,
		ChannelID:   channelID,
		ChannelName: channelName,
		UserID:      "U-" + userName,
		UserName:    userName,
		Timestamp:   mustParseTS(ts),
		Datetime:    "2024-05-18 10:00:00",
		Text:        text,
		ThreadTS:    threadTS,
	}
}

func mustParseTS(ts string) float64 {
	var f float64
	for i := 0; i < len(ts); i++ {
		if ts[i] == '.' {
			break
		}
		f = f*10 + float64(ts[i]-'0')
	}
	return f
}

func TestSemanticSearchOptimizesAndFilters(t *testing.T) {
	embedder := &fakeEmbedder{}
	searcher := &fakeSearcher{results: []chroma.QueryResult{{ID: "a", Document: "doc-a"}}}
	completer := &fakeCompleter{replies: []string{"expanded query"}}
	svc := newTestQueryService(t, embedder, searcher, completer, nil)

	results, err := svc.SemanticSearch(context.Background(), "who got an offer?", SearchOptions{
		Channel:   "candidatelabs-acme",
		StartDate: "2024-05-01",
		EndDate:   "2024-05-31",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	require.Len(t, embedder.calls, 1)
	assert.Equal(t, "expanded query", embedder.calls[0])

	assert.Equal(t, 10, searcher.lastNResults)
	assert.Equal(t, "candidatelabs-acme", searcher.lastWhere["channel"])
	dt, ok := searcher.lastWhere["datetime"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "2024-05-01", dt["$gte"])
	assert.Equal(t, "2024-05-31", dt["$lte"])
}

func TestSemanticSearchEmptyQuery(t *testing.T) {
	svc := newTestQueryService(t, &fakeEmbedder{}, &fakeSearcher{}, &fakeCompleter{}, nil)

	_, err := svc.SemanticSearch(context.Background(), "   ", SearchOptions{})
	require.Error(t, err)
}

func TestOptimizeQueryFallsBackOnError(t *testing.T) {
	completer := &fakeCompleter{err: errors.New("api down")}
	svc := newTestQueryService(t, &fakeEmbedder{}, &fakeSearcher{}, completer, nil)

	got := svc.OptimizeQuery(context.Background(), "original query")
	assert.Equal(t, "original query", got)
}

func TestAskBuildsGroundedPrompt(t *testing.T) {
	embedder := &fakeEmbedder{}
	searcher := &fakeSearcher{results: []chroma.QueryResult{
		{Document: "2024-05-18 10:00:00 [acme] Jane got an offer"},
		{Document: "2024-05-19 11:00:00 [acme] offer accepted"},
	}}
	completer := &fakeCompleter{replies: []string{"better query", "Jane accepted the offer."}}
	svc := newTestQueryService(t, embedder, searcher, completer, nil)

	answer, err := svc.Ask(context.Background(), " did Jane accept? ", SearchOptions{Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, "Jane accepted the offer.", answer)

	require.Len(t, completer.systems, 2)
	system := completer.systems[1]
	assert.Contains(t, system, "strictly based on the following Slack messages")
	assert.Contains(t, system, "Jane got an offer")
	assert.Contains(t, system, "offer accepted")
	assert.Equal(t, "did Jane accept?", completer.users[1])
}

func TestContextByCandidate(t *testing.T) {
	anchor := warehouseMessage("C1", "candidatelabs-acme", "1716026400.000100", "dan",
		"New sub: <https://www.linkedin.com/in/jane-doe|Jane Doe>", "")
	reply1 := warehouseMessage("C1", "candidatelabs-acme", "1716030000.000200", "alice",
		"We like her, scheduling onsite", "1716026400.000100")
	reply2 := warehouseMessage("C1", "candidatelabs-acme", "1716033600.000300", "bob",
		"Onsite confirmed for Friday", "1716026400.000100")
	quiet := warehouseMessage("C2", "candidatelabs-globex", "1716040000.000400", "dan",
		"Sub: <https://www.linkedin.com/in/john-roe|John Roe>", "")

	messages := &fakeMessages{records: []store.MessageRecord{anchor, reply1, reply2, quiet}}
	svc := newTestQueryService(t, &fakeEmbedder{}, &fakeSearcher{}, &fakeCompleter{}, messages)

	start := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	got, err := svc.ContextByCandidate(context.Background(), &start, nil, "")
	require.NoError(t, err)

	assert.Equal(t, float64(start.Unix()), messages.lastStart)

	assert.Contains(t, got, "candidatelabs-acme")
	assert.Contains(t, got, "- Jane Doe - submitted 2024-05-18 10:00:00")
	assert.Contains(t, got, `feedback: "We like her, scheduling onsite" (by alice)`)
	assert.Contains(t, got, `additional feedback: "Onsite confirmed for Friday" (by bob)`)
	assert.Contains(t, got, "status: (please infer status from feedback above)")

	assert.Contains(t, got, "candidatelabs-globex")
	assert.Contains(t, got, "- John Roe - submitted")
	assert.Contains(t, got, "no feedback from client")
	assert.Contains(t, got, "status: Follow up with client to see if they're interested.")
}

func TestContextWithThreadReplies(t *testing.T) {
	parent := warehouseMessage("C1", "candidatelabs-acme", "1716026400.000100", "dan",
		"Kicking off the search", "")
	reply := warehouseMessage("C1", "candidatelabs-acme", "1716030000.000200", "alice",
		"Here are three profiles", "1716026400.000100")

	messages := &fakeMessages{records: []store.MessageRecord{parent, reply}}
	searcher := &fakeSearcher{results: []chroma.QueryResult{{
		Document: "2024-05-18 10:00:00 [candidatelabs-acme] Kicking off the search",
		Metadata: map[string]any{
			"channel":  "candidatelabs-acme",
			"user":     "U-dan",
			"datetime": "2024-05-18 10:00:00",
		},
	}}}
	completer := &fakeCompleter{replies: []string{"better query"}}
	svc := newTestQueryService(t, &fakeEmbedder{}, searcher, completer, messages)

	got, err := svc.ContextWithThreadReplies(context.Background(), "search status", nil, nil, 0, "")
	require.NoError(t, err)

	assert.Contains(t, got, "=== Semantic Search Results ===")
	assert.Contains(t, got, "Message: 2024-05-18 10:00:00 [candidatelabs-acme] Kicking off the search")
	assert.Contains(t, got, "Channel: candidatelabs-acme")
	assert.Contains(t, got, "User: U-dan")

	assert.Contains(t, got, "=== Thread Replies ===")
	assert.Contains(t, got, "Thread started by: dan")
	assert.Contains(t, got, "Parent message: Kicking off the search")
	assert.Contains(t, got, "- alice: Here are three profiles")

	assert.Equal(t, 50, searcher.lastNResults)
}

func TestContextWithThreadRepliesToleratesSearchFailure(t *testing.T) {
	parent := warehouseMessage("C1", "candidatelabs-acme", "1716026400.000100", "dan",
		"Kicking off the search", "")
	messages := &fakeMessages{records: []store.MessageRecord{parent}}
	searcher := &fakeSearcher{err: errors.New("chroma offline")}
	svc := newTestQueryService(t, &fakeEmbedder{}, searcher, &fakeCompleter{}, messages)

	got, err := svc.ContextWithThreadReplies(context.Background(), "search status", nil, nil, 10, "")
	require.NoError(t, err)

	assert.NotContains(t, got, "=== Semantic Search Results ===")
	assert.Contains(t, got, "=== Thread Replies ===")
	assert.Contains(t, got, "Parent message: Kicking off the search")
}

func TestAnswerRoutesCandidatePrompts(t *testing.T) {
	anchor := warehouseMessage("C1", "candidatelabs-acme", "1716026400.000100", "dan",
		"Sub: <https://www.linkedin.com/in/jane-doe|Jane Doe>", "")
	messages := &fakeMessages{records: []store.MessageRecord{anchor}}
	embedder := &fakeEmbedder{}
	completer := &fakeCompleter{replies: []string{"Jane Doe is in process."}}
	svc := newTestQueryService(t, embedder, &fakeSearcher{}, completer, messages)

	answer, err := svc.Answer(context.Background(), "Please list candidates for acme", "", nil, nil, 25)
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe is in process.", answer)

	// Candidate prompts come from the warehouse, not the vector index.
	assert.Empty(t, embedder.calls)

	require.Len(t, completer.users, 1)
	assert.Contains(t, completer.users[0], "Here is the context from Slack messages and threads:")
	assert.Contains(t, completer.users[0], "- Jane Doe - submitted")
	assert.Contains(t, completer.users[0], "Now, please respond to this query:\nPlease list candidates for acme")
}

func TestAnswerUsesThreadContextForGeneralPrompts(t *testing.T) {
	parent := warehouseMessage("C1", "candidatelabs-acme", "1716026400.000100", "dan",
		"Kicking off the search", "")
	messages := &fakeMessages{records: []store.MessageRecord{parent}}
	embedder := &fakeEmbedder{}
	completer := &fakeCompleter{replies: []string{"better query", "The search kicked off on May 18."}}
	svc := newTestQueryService(t, embedder, &fakeSearcher{}, completer, messages)

	answer, err := svc.Answer(context.Background(), "when did the search start?", "", nil, nil, 25)
	require.NoError(t, err)
	assert.Equal(t, "The search kicked off on May 18.", answer)
	assert.NotEmpty(t, embedder.calls)
}
