package cmd

import (
	"log"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/candidatelabs/slackrag/internal/metrics"
)

var rootCmd = &cobra.Command{
	Use:   "slackrag",
	Short: "slackrag - Slack recruiting digest and RAG toolkit",
	Long: `slackrag syncs Slack recruiting channels into a local SQLite warehouse,
indexes messages into ChromaDB for semantic search, and generates
Claude-powered client digests, candidate reports and grounded answers.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := godotenv.Load(); err != nil {
			log.Printf("No .env file loaded: %v", err)
		}
	},
}

func Execute() error {
	defer func() { _ = metrics.Close() }()
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(digestCmd)
	rootCmd.AddCommand(candidatesCmd)
	rootCmd.AddCommand(channelsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
}
