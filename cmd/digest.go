package cmd

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/candidatelabs/slackrag/internal/cache"
	"github.com/candidatelabs/slackrag/internal/digest"
	"github.com/candidatelabs/slackrag/internal/metrics"
)

var (
	digestStartDate  string
	digestEndDate    string
	digestUserEmail  string
	digestPromptFile string
	digestOutputDir  string
	digestCSVOnly    bool
)

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Generate a weekly client activity digest and submissions report",
	Long: `
The digest command summarizes each active client channel with Claude:
pipeline status, new submissions, follow-ups and action items, plus the
LinkedIn profiles mentioned during the period. It writes a markdown digest
and, when --user is given, a CSV of that recruiter's submissions.

Without dates the digest covers the previous Monday-to-Sunday week.

Example:
  slackrag digest
  slackrag digest --start 2024-05-06 --end 2024-05-12 --user dan@example.com
  slackrag digest --user dan@example.com --csv-only
`,
	RunE: runDigest,
}

func init() {
	digestCmd.Flags().StringVar(&digestStartDate, "start", "", "Start date (YYYY-MM-DD), defaults to previous week")
	digestCmd.Flags().StringVar(&digestEndDate, "end", "", "End date (YYYY-MM-DD)")
	digestCmd.Flags().StringVar(&digestUserEmail, "user", "", "Recruiter email for the submissions report")
	digestCmd.Flags().StringVar(&digestPromptFile, "prompt-file", "", "File containing a custom summary prompt template")
	digestCmd.Flags().StringVarP(&digestOutputDir, "output", "o", "", "Output directory (defaults to configured OUTPUT_DIR)")
	digestCmd.Flags().BoolVar(&digestCSVOnly, "csv-only", false, "Skip the markdown digest and only write the submissions CSV")
}

func runDigest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	flush := setupTelemetry(cfg, metrics.ModeDigest)
	defer flush()

	location, err := resolveLocation(cfg)
	if err != nil {
		return err
	}

	channelCache, err := cache.New(cfg.DataDir, cfg.CacheTTL, cfg.CacheMaxSize)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	defer channelCache.Close()

	generator, err := digest.NewGenerator(digest.GeneratorConfig{
		Slack:       newFetcher(cfg),
		Completer:   newCompleter(cfg),
		Cache:       channelCache,
		Logger:      log.New(os.Stdout, "digest ", log.LstdFlags),
		Location:    location,
		Concurrency: cfg.Concurrency,
	})
	if err != nil {
		return fmt.Errorf("failed to create digest generator: %w", err)
	}

	customPrompt, err := readPromptFile(digestPromptFile)
	if err != nil {
		return err
	}

	outputDir := digestOutputDir
	if outputDir == "" {
		outputDir = cfg.OutputDir
	}

	opts := digest.GenerateOptions{
		StartDate:    digestStartDate,
		EndDate:      digestEndDate,
		UserEmail:    digestUserEmail,
		CustomPrompt: customPrompt,
	}

	ctx := cmd.Context()

	if !digestCSVOnly {
		result, err := generator.Generate(ctx, opts)
		if err != nil {
			return fmt.Errorf("digest generation failed: %w", err)
		}

		path, err := generator.WriteDigest(result, outputDir)
		if err != nil {
			return err
		}
		fmt.Printf("Digest written to %s (%d channels)\n", path, len(result.Channels))
	}

	if digestUserEmail != "" {
		start, end, err := generator.DateRange(digestStartDate, digestEndDate)
		if err != nil {
			return err
		}

		submissions, err := generator.CollectSubmissions(ctx, opts)
		if err != nil {
			return fmt.Errorf("failed to collect submissions: %w", err)
		}
		if len(submissions) == 0 {
			fmt.Printf("No submissions found for %s in this range.\n", digestUserEmail)
			return nil
		}

		startDate := start.Format("2006-01-02")
		endDate := end.Format("2006-01-02")
		path, err := generator.WriteSubmissionsCSV(submissions, outputDir, startDate, endDate)
		if err != nil {
			return err
		}
		fmt.Printf("Submissions CSV written to %s (%d submissions)\n", path, len(submissions))
	} else if digestCSVOnly {
		return fmt.Errorf("--csv-only requires --user")
	}

	return nil
}

func readPromptFile(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read prompt file: %w", err)
	}
	return string(data), nil
}
