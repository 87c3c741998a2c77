package cmd

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
)

var candidatesCSV bool

var candidatesCmd = &cobra.Command{
	Use:   "candidates",
	Short: "List candidates extracted from synced messages",
	Long: `
The candidates command lists every candidate recorded in the warehouse,
with the LinkedIn URL and how many messages reference them.

Example:
  slackrag candidates
  slackrag candidates --csv > candidates.csv
`,
	RunE: runCandidates,
}

func init() {
	candidatesCmd.Flags().BoolVar(&candidatesCSV, "csv", false, "Write CSV to stdout instead of a table")
}

func runCandidates(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	warehouse, err := newWarehouse(cfg)
	if err != nil {
		return fmt.Errorf("failed to open warehouse: %w", err)
	}
	defer warehouse.Close()

	candidates, err := warehouse.ListCandidates(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list candidates: %w", err)
	}
	if len(candidates) == 0 {
		fmt.Println("No candidates recorded. Run 'slackrag sync' and 'slackrag index' first.")
		return nil
	}

	if candidatesCSV {
		writer := csv.NewWriter(os.Stdout)
		if err := writer.Write([]string{"Name", "LinkedIn URL", "Messages"}); err != nil {
			return err
		}
		for _, c := range candidates {
			if err := writer.Write([]string{c.Name, c.LinkedInURL, strconv.Itoa(c.MessageCount)}); err != nil {
				return err
			}
		}
		writer.Flush()
		return writer.Error()
	}

	for _, c := range candidates {
		fmt.Printf("%-30s %-60s %d messages\n", c.Name, c.LinkedInURL, c.MessageCount)
	}
	fmt.Printf("\n%d candidates\n", len(candidates))
	return nil
}
