package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/candidatelabs/slackrag/internal/extractor"
)

var channelsFromSlack bool

var channelsCmd = &cobra.Command{
	Use:   "channels",
	Short: "List detected client channels",
	Long: `
The channels command lists the client channels known to the warehouse,
with the client name parsed from the channel naming convention.

Use --remote to query the Slack API instead of the local warehouse.
`,
	RunE: runChannels,
}

func init() {
	channelsCmd.Flags().BoolVar(&channelsFromSlack, "remote", false, "List channels from the Slack API instead of the warehouse")
}

func runChannels(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	type channelRow struct {
		id       string
		name     string
		member   bool
		archived bool
	}

	var rows []channelRow

	if channelsFromSlack {
		channels, err := newFetcher(cfg).ListChannels(cmd.Context(), cfg.ChannelNamePatterns)
		if err != nil {
			return fmt.Errorf("failed to list channels: %w", err)
		}
		for _, ch := range channels {
			rows = append(rows, channelRow{id: ch.ID, name: ch.Name, member: ch.IsMember, archived: ch.IsArchived})
		}
	} else {
		warehouse, err := newWarehouse(cfg)
		if err != nil {
			return fmt.Errorf("failed to open warehouse: %w", err)
		}
		defer warehouse.Close()

		channels, err := warehouse.ListChannels(cmd.Context(), false)
		if err != nil {
			return fmt.Errorf("failed to list channels: %w", err)
		}
		for _, ch := range channels {
			rows = append(rows, channelRow{id: ch.ID, name: ch.Name, member: ch.IsMember, archived: ch.IsArchived})
		}
	}

	if len(rows) == 0 {
		fmt.Println("No client channels found. Run 'slackrag sync' first or use --remote.")
		return nil
	}

	for _, row := range rows {
		client := extractor.ExtractClientName(row.name)
		flags := ""
		if !row.member {
			flags += " (not a member)"
		}
		if row.archived {
			flags += " (archived)"
		}
		fmt.Printf("%-12s %-40s client: %s%s\n", row.id, row.name, client, flags)
	}
	fmt.Printf("\n%d channels\n", len(rows))
	return nil
}
