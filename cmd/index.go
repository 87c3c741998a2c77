package cmd

import (
	"fmt"
	"log"
	"math"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/candidatelabs/slackrag/internal/metrics"
	"github.com/candidatelabs/slackrag/internal/ragindex"
	"github.com/candidatelabs/slackrag/internal/store"
	"github.com/candidatelabs/slackrag/internal/types"
)

var (
	indexStartDate string
	indexEndDate   string
	indexChannels  []string
)

var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Embed warehouse messages and upsert them into ChromaDB",
	Long: `
The index command reads synced messages from the warehouse, extracts
candidates from LinkedIn anchors, groups related messages per candidate,
generates OpenAI embeddings and upserts the documents into the ChromaDB
collection used for semantic search.

Example:
  slackrag index
  slackrag index --start 2024-05-06 --end 2024-05-12
`,
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().StringVar(&indexStartDate, "start", "", "Only index messages on or after this date (YYYY-MM-DD)")
	indexCmd.Flags().StringVar(&indexEndDate, "end", "", "Only index messages on or before this date (YYYY-MM-DD)")
	indexCmd.Flags().StringSliceVar(&indexChannels, "channel", nil, "Restrict to specific channel IDs or names (repeatable)")
}

func runIndex(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	flush := setupTelemetry(cfg, metrics.ModeIndex)
	defer flush()

	location, err := resolveLocation(cfg)
	if err != nil {
		return err
	}

	warehouse, err := newWarehouse(cfg)
	if err != nil {
		return fmt.Errorf("failed to open warehouse: %w", err)
	}
	defer warehouse.Close()

	ctx := cmd.Context()

	collection, err := newChromaCollection(ctx, cfg)
	if err != nil {
		return err
	}

	service, err := ragindex.NewIndexService(ragindex.ServiceConfig{
		EmbeddingClient:  newEmbedder(cfg),
		VectorIndex:      collection,
		Candidates:       warehouse,
		Logger:           log.New(os.Stdout, "rag-indexer ", log.LstdFlags),
		Location:         location,
		Concurrency:      cfg.Concurrency,
		MinMessageLength: cfg.MinMessageLen,
		RetryAttempts:    cfg.RetryAttempts,
		RetryDelay:       cfg.RetryDelay,
	})
	if err != nil {
		return fmt.Errorf("failed to create index service: %w", err)
	}

	startTS, endTS, err := indexRange(location)
	if err != nil {
		return err
	}

	channels, err := warehouse.ListChannels(ctx, false)
	if err != nil {
		return fmt.Errorf("failed to list channels: %w", err)
	}

	wanted := make(map[string]bool, len(indexChannels))
	for _, ch := range indexChannels {
		wanted[ch] = true
	}

	byChannel := make(map[string][]store.MessageRecord)
	for _, channel := range channels {
		if len(wanted) > 0 && !wanted[channel.ID] && !wanted[channel.Name] {
			continue
		}
		messages, err := warehouse.GetMessagesByDateRange(ctx, startTS, endTS, channel.ID)
		if err != nil {
			return fmt.Errorf("failed to load messages for %s: %w", channel.Name, err)
		}
		if len(messages) > 0 {
			byChannel[channel.Name] = messages
		}
	}

	if len(byChannel) == 0 {
		fmt.Println("No messages to index. Run 'slackrag sync' first.")
		return nil
	}

	stats, err := service.IndexChannels(ctx, byChannel)
	if stats != nil {
		printIndexStats(stats)
	}
	return err
}

func indexRange(location *time.Location) (float64, float64, error) {
	startTS := 0.0
	endTS := math.MaxFloat64

	if indexStartDate != "" {
		start, err := time.ParseInLocation("2006-01-02", indexStartDate, location)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid start date %q: %w", indexStartDate, err)
		}
		startTS = float64(start.Unix())
	}
	if indexEndDate != "" {
		end, err := time.ParseInLocation("2006-01-02", indexEndDate, location)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid end date %q: %w", indexEndDate, err)
		}
		endTS = float64(end.AddDate(0, 0, 1).Add(-time.Second).Unix())
	}
	if endTS < startTS {
		return 0, 0, fmt.Errorf("end date %s is before start date %s", indexEndDate, indexStartDate)
	}
	return startTS, endTS, nil
}

func printIndexStats(stats *ragindex.ProcessingStats) {
	fmt.Println("\n" + strings.Repeat("=", 60))
	fmt.Println("INDEXING RESULTS")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Processing Time:     %v\n", stats.Duration().Round(time.Millisecond))
	fmt.Printf("Channels Processed:  %d\n", stats.ChannelsProcessed)
	fmt.Printf("Messages Seen:       %d\n", stats.MessagesTotal)
	fmt.Printf("Documents Indexed:   %d\n", stats.DocumentsIndexed)
	fmt.Printf("Candidates Found:    %d\n", stats.CandidatesFound)
	fmt.Printf("Skipped:             %d\n", stats.MessagesSkipped)
	fmt.Printf("Failed:              %d\n", stats.MessagesFailed)
	if stats.Retries > 0 {
		fmt.Printf("Retries:             %d\n", stats.Retries)
	}
	if len(stats.Errors) > 0 {
		fmt.Println(types.FormatErrorSummary(stats.Errors))
	}
	fmt.Println(strings.Repeat("=", 60))
}
