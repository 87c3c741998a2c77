package digest

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/candidatelabs/slackrag/internal/extractor"
	"github.com/candidatelabs/slackrag/internal/slackmessages"
)

// Submission is one candidate posted by the user into a client channel.
type Submission struct {
	Name        string
	LinkedInURL string
	Channel     string
	Timestamp   time.Time
}

// CollectSubmissions gathers every LinkedIn profile the user posted across
// member channels within the window.
func (g *Generator) CollectSubmissions(ctx context.Context, opts GenerateOptions) ([]Submission, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.UserEmail == "" {
		return nil, fmt.Errorf("user email is required")
	}

	start, end, err := g.DateRange(opts.StartDate, opts.EndDate)
	if err != nil {
		return nil, err
	}

	user, err := g.slack.LookupUserByEmail(ctx, opts.UserEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to look up user %s: %w", opts.UserEmail, err)
	}

	channels, err := g.memberChannels(ctx)
	if err != nil {
		return nil, err
	}

	var submissions []Submission
	for _, channel := range channels {
		messages, err := g.slack.FetchMessages(ctx, slackmessages.FetchConfig{
			ChannelIDs: []string{channel.ID},
			From:       &start,
			To:         &end,
			UserID:     user.ID,
		})
		if err != nil {
			g.logger.Printf("failed to fetch %s for submissions: %v", channel.Name, err)
			continue
		}

		for _, msg := range messages {
			for _, profile := range extractProfiles(msg.Text) {
				submissions = append(submissions, Submission{
					Name:        profile.Name,
					LinkedInURL: profile.URL,
					Channel:     channel.Name,
					Timestamp:   msg.EventTime(),
				})
			}
		}
	}
	return submissions, nil
}

// SubmissionRow is one grouped line of the submissions CSV.
type SubmissionRow struct {
	CandidateName      string
	LinkedInURL        string
	ClientsSubmittedTo string

	latest time.Time
}

// GroupSubmissions rolls submissions up per candidate: client names with
// (MM/DD) submission dates sorted chronologically, candidates ordered by
// their most recent submission. Channels prefixed "internal-" are dropped.
func GroupSubmissions(submissions []Submission) []SubmissionRow {
	type group struct {
		row   SubmissionRow
		pairs []string
	}
	order := make([]string, 0)
	groups := make(map[string]*group)

	for _, sub := range submissions {
		if strings.HasPrefix(sub.Channel, "internal-") {
			continue
		}

		client := extractor.ExtractClientName(sub.Channel)
		if client == "" {
			client = fallbackClientName(sub.Channel)
		}
		pair := fmt.Sprintf("%s (%s)", client, sub.Timestamp.Format("01/02"))

		key := sub.Name + "\x00" + sub.LinkedInURL
		grp, ok := groups[key]
		if !ok {
			grp = &group{row: SubmissionRow{CandidateName: sub.Name, LinkedInURL: sub.LinkedInURL}}
			groups[key] = grp
			order = append(order, key)
		}
		grp.pairs = append(grp.pairs, pair)
		if sub.Timestamp.After(grp.row.latest) {
			grp.row.latest = sub.Timestamp
		}
	}

	rows := make([]SubmissionRow, 0, len(order))
	for _, key := range order {
		grp := groups[key]
		sort.Slice(grp.pairs, func(i, j int) bool {
			return dateSuffix(grp.pairs[i]) < dateSuffix(grp.pairs[j])
		})
		grp.row.ClientsSubmittedTo = strings.Join(grp.pairs, ", ")
		rows = append(rows, grp.row)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].latest.After(rows[j].latest)
	})
	return rows
}

func fallbackClientName(channelName string) string {
	parts := strings.Split(strings.ToLower(channelName), "-")
	name := parts[0]
	if len(parts) > 1 {
		name = parts[1]
	}
	if name == "" {
		return channelName
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

func dateSuffix(pair string) string {
	if idx := strings.Index(pair, "("); idx >= 0 {
		return pair[idx+1:]
	}
	return pair
}

// WriteSubmissionsCSV writes the grouped submissions under outputDir and
// returns the file path.
func (g *Generator) WriteSubmissionsCSV(submissions []Submission, outputDir, startDate, endDate string) (string, error) {
	rows := GroupSubmissions(submissions)
	if len(rows) == 0 {
		return "", fmt.Errorf("no submissions to write")
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	path := filepath.Join(outputDir, fmt.Sprintf("my_submissions_%s_to_%s.csv", startDate, endDate))
	file, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create csv: %w", err)
	}
	defer func() { _ = file.Close() }()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Candidate Name", "LinkedIn URL", "Clients Submitted To"}); err != nil {
		return "", fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, row := range rows {
		if err := writer.Write([]string{row.CandidateName, row.LinkedInURL, row.ClientsSubmittedTo}); err != nil {
			return "", fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", fmt.Errorf("failed to flush csv: %w", err)
	}
	return path, nil
}
