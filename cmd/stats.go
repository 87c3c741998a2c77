package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/candidatelabs/slackrag/internal/metrics"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show invocation counters and warehouse totals",
	RunE:  runStats,
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if err := metrics.Init(cfg.DataDir); err != nil {
		return fmt.Errorf("failed to open metrics store: %w", err)
	}

	fmt.Println("Invocations:")
	totals := metrics.GetStats()
	for _, mode := range metrics.AllModes {
		fmt.Printf("  %-8s %d\n", mode, totals[mode])
	}

	warehouse, err := newWarehouse(cfg)
	if err != nil {
		return fmt.Errorf("failed to open warehouse: %w", err)
	}
	defer warehouse.Close()

	stats, err := warehouse.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read warehouse stats: %w", err)
	}

	fmt.Println("\nWarehouse:")
	fmt.Printf("  channels   %d\n", stats.Channels)
	fmt.Printf("  users      %d\n", stats.Users)
	fmt.Printf("  messages   %d\n", stats.Messages)
	fmt.Printf("  candidates %d\n", stats.Candidates)
	fmt.Printf("  summaries  %d\n", stats.Summaries)
	if stats.SyncedAt != nil {
		fmt.Printf("  last sync  %s\n", stats.SyncedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}
