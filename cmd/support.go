package cmd

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/slack-go/slack"
	"golang.org/x/time/rate"

	"github.com/candidatelabs/slackrag/internal/anthropic"
	"github.com/candidatelabs/slackrag/internal/chroma"
	appconfig "github.com/candidatelabs/slackrag/internal/config"
	"github.com/candidatelabs/slackrag/internal/embedding/openai"
	"github.com/candidatelabs/slackrag/internal/metrics"
	"github.com/candidatelabs/slackrag/internal/observability"
	"github.com/candidatelabs/slackrag/internal/slackmessages"
	"github.com/candidatelabs/slackrag/internal/store"
	"github.com/candidatelabs/slackrag/internal/types"
)

// setupTelemetry initializes the invocation counter and, when enabled,
// OpenTelemetry exporters. The returned function flushes everything.
func setupTelemetry(cfg *types.Config, mode metrics.Mode) func() {
	if err := metrics.Init(cfg.DataDir); err != nil {
		log.Printf("Warning: invocation metrics unavailable: %v", err)
	}
	metrics.RecordInvocation(mode)

	shutdown, err := observability.Init(cfg)
	if err != nil {
		log.Printf("Warning: OpenTelemetry initialization failed: %v", err)
	} else if err := metrics.InitOTelMetrics(); err != nil {
		log.Printf("Warning: failed to register invocation metrics: %v", err)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdown != nil {
			_ = shutdown(ctx)
		}
	}
}

func resolveLocation(cfg *types.Config) (*time.Location, error) {
	if cfg.DefaultTimezone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(cfg.DefaultTimezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", cfg.DefaultTimezone, err)
	}
	return loc, nil
}

func newWarehouse(cfg *types.Config) (*store.Warehouse, error) {
	return store.NewWarehouse(cfg.DataDir,
		store.WithPoolSettings(cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime))
}

func newFetcher(cfg *types.Config) *slackmessages.MessageFetcher {
	client := slack.New(cfg.SlackToken)
	return slackmessages.NewMessageFetcher(client,
		slackmessages.WithRateLimiter(rate.NewLimiter(rate.Limit(cfg.SlackRateLimit), cfg.SlackRateBurst)),
		slackmessages.WithMaxRetries(cfg.RetryAttempts),
		slackmessages.WithBackoffBase(cfg.RetryDelay),
	)
}

func newEmbedder(cfg *types.Config) *openai.OpenAIClient {
	client := openai.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel)
	client.SetTimeout(cfg.RequestTimeout)
	return client
}

func newCompleter(cfg *types.Config) *anthropic.Client {
	client := anthropic.NewClient(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL, cfg.ClaudeModel, cfg.ClaudeMaxTokens)
	client.SetTimeout(cfg.RequestTimeout)
	return client
}

// chromaCollection binds the Chroma client to a single collection so
// services only deal with documents and queries.
type chromaCollection struct {
	client       *chroma.Client
	collectionID string
}

func newChromaCollection(ctx context.Context, cfg *types.Config) (*chromaCollection, error) {
	client := chroma.NewClient(cfg.ChromaURL, cfg.ChromaTenant, cfg.ChromaDatabase)
	client.SetTimeout(cfg.RequestTimeout)

	if err := client.Heartbeat(ctx); err != nil {
		return nil, fmt.Errorf("chroma is unreachable at %s: %w", cfg.ChromaURL, err)
	}

	collection, err := client.GetOrCreateCollection(ctx, cfg.ChromaCollection)
	if err != nil {
		return nil, fmt.Errorf("failed to open collection %q: %w", cfg.ChromaCollection, err)
	}

	return &chromaCollection{client: client, collectionID: collection.ID}, nil
}

func (c *chromaCollection) Add(ctx context.Context, documents []chroma.Document) error {
	return c.client.Add(ctx, c.collectionID, documents)
}

func (c *chromaCollection) Query(ctx context.Context, embedding []float64, nResults int, where map[string]any) ([]chroma.QueryResult, error) {
	return c.client.Query(ctx, c.collectionID, embedding, nResults, where)
}

// warehouseMessages adapts the warehouse to the query service's message
// source, which reads synchronously.
type warehouseMessages struct {
	warehouse *store.Warehouse
}

func (w *warehouseMessages) GetMessagesByDateRange(startTS, endTS float64, channelID string) ([]store.MessageRecord, error) {
	return w.warehouse.GetMessagesByDateRange(context.Background(), startTS, endTS, channelID)
}

// resolveChannelID maps a channel name to its ID using the warehouse.
// IDs pass through unchanged; unknown names are returned as given.
func resolveChannelID(ctx context.Context, warehouse *store.Warehouse, nameOrID string) string {
	if nameOrID == "" {
		return ""
	}
	channels, err := warehouse.ListChannels(ctx, false)
	if err != nil {
		return nameOrID
	}
	for _, ch := range channels {
		if ch.ID == nameOrID || ch.Name == nameOrID {
			return ch.ID
		}
	}
	return nameOrID
}

func loadConfig() (*appconfig.Config, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return cfg, nil
}
