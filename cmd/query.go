package cmd

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/candidatelabs/slackrag/internal/metrics"
	"github.com/candidatelabs/slackrag/internal/ragquery"
)

var (
	queryText       string
	queryChannel    string
	queryStartDate  string
	queryEndDate    string
	queryLimit      int
	querySearchOnly bool
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Answer a question over indexed Slack messages",
	Long: `
The query command runs retrieval-augmented answering over the indexed
messages: the question is optimized, matched against the ChromaDB
collection, enriched with warehouse thread context (or grouped per
candidate for pipeline questions) and answered by Claude.

Use --search to print the raw semantic search hits instead of an answer.

Example:
  slackrag query -q "what feedback did Acme give on Jane Doe?"
  slackrag query -q "list candidates" --channel candidatelabs-acme --start 2024-05-06 --end 2024-05-12
`,
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().StringVarP(&queryText, "query", "q", "", "Question to answer")
	queryCmd.Flags().StringVar(&queryChannel, "channel", "", "Restrict to a channel (ID or name)")
	queryCmd.Flags().StringVar(&queryStartDate, "start", "", "Only consider messages on or after this date (YYYY-MM-DD)")
	queryCmd.Flags().StringVar(&queryEndDate, "end", "", "Only consider messages on or before this date (YYYY-MM-DD)")
	queryCmd.Flags().IntVar(&queryLimit, "limit", 10, "Maximum search results to retrieve")
	queryCmd.Flags().BoolVar(&querySearchOnly, "search", false, "Print semantic search results without generating an answer")
	_ = queryCmd.MarkFlagRequired("query")
}

func runQuery(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	flush := setupTelemetry(cfg, metrics.ModeQuery)
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

	service, err := ragquery.NewQueryService(ragquery.ServiceConfig{
		Embedder:       newEmbedder(cfg),
		VectorSearcher: collection,
		Completer:      newCompleter(cfg),
		Messages:       &warehouseMessages{warehouse: warehouse},
		Logger:         log.New(os.Stdout, "rag-query ", log.LstdFlags),
		Location:       location,
	})
	if err != nil {
		return fmt.Errorf("failed to create query service: %w", err)
	}

	if querySearchOnly {
		return runSemanticSearch(cmd, service)
	}

	start, end, err := optionalRange(location, queryStartDate, queryEndDate)
	if err != nil {
		return err
	}

	channelID := resolveChannelID(ctx, warehouse, queryChannel)
	answer, err := service.Answer(ctx, queryText, channelID, start, end, queryLimit)
	if err != nil {
		return err
	}

	fmt.Println(answer)
	return nil
}

func runSemanticSearch(cmd *cobra.Command, service *ragquery.QueryService) error {
	results, err := service.SemanticSearch(cmd.Context(), queryText, ragquery.SearchOptions{
		Limit:     queryLimit,
		Channel:   queryChannel,
		StartDate: queryStartDate,
		EndDate:   queryEndDate,
	})
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("No matching messages found.")
		return nil
	}

	for i, result := range results {
		fmt.Printf("%d. %s\n", i+1, result.Document)
		if result.Metadata != nil {
			fmt.Printf("   channel=%v user=%v datetime=%v\n",
				result.Metadata["channel"], result.Metadata["user"], result.Metadata["datetime"])
		}
	}
	return nil
}

func optionalRange(location *time.Location, startDate, endDate string) (*time.Time, *time.Time, error) {
	var start, end *time.Time

	if startDate != "" {
		t, err := time.ParseInLocation("2006-01-02", startDate, location)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid start date %q: %w", startDate, err)
		}
		start = &t
	}
	if endDate != "" {
		t, err := time.ParseInLocation("2006-01-02", endDate, location)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid end date %q: %w", endDate, err)
		}
		bounded := t.AddDate(0, 0, 1).Add(-time.Second)
		end = &bounded
	}
	if start != nil && end != nil && end.Before(*start) {
		return nil, nil, fmt.Errorf("end date %s is before start date %s", endDate, startDate)
	}
	return start, end, nil
}
