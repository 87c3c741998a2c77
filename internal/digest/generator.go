package digest

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/candidatelabs/slackrag/internal/slackmessages"
)

const channelCacheKey = "digest_channels"

// linkedInProfileRegex matches both Slack-formatted anchors and bare profile
// links, capturing the profile slug and the optional display name.
var linkedInProfileRegex = regexp.MustCompile(`(?:https?://)?(?:www\.)?linkedin\.com/in/([^>\s|]+)(?:\|([^>]+))?`)

// SlackSource is the subset of the message fetcher the generator needs.
type SlackSource interface {
	ListChannels(ctx context.Context, namePatterns []string) ([]slackmessages.Channel, error)
	LookupUserByEmail(ctx context.Context, email string) (*slackmessages.User, error)
	FetchMessages(ctx context.Context, cfg slackmessages.FetchConfig) ([]slackmessages.SlackMessage, error)
}

// Completer sends prompts to the language model.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// CacheStore persists fetched channel lists between runs. Entries expire by
// the cache's own TTL.
type CacheStore interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any) error
}

// Profile is a LinkedIn profile mention found in channel messages.
type Profile struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ChannelActivity holds one channel's messages for the reporting period.
type ChannelActivity struct {
	ID               string
	Name             string
	Messages         []slackmessages.SlackMessage
	LinkedInProfiles []Profile
}

// HasActivity reports whether the channel had any messages in the period.
func (a *ChannelActivity) HasActivity() bool {
	return a != nil && len(a.Messages) > 0
}

// ChannelSummary is the generated report for one channel.
type ChannelSummary struct {
	Name    string
	Summary string
}

// Digest is a full run result ready to be written out.
type Digest struct {
	StartDate string
	EndDate   string
	UserName  string
	UserEmail string
	Channels  []ChannelSummary
}

// GenerateOptions control one digest run.
type GenerateOptions struct {
	StartDate    string // YYYY-MM-DD, empty for previous week
	EndDate      string // YYYY-MM-DD, empty for start + 6 days
	UserEmail    string
	CustomPrompt string
}

// GeneratorConfig contains dependencies and runtime settings for Generator.
type GeneratorConfig struct {
	Slack       SlackSource
	Completer   Completer
	Cache       CacheStore
	Logger      *log.Logger
	Location    *time.Location
	Concurrency int
}

// Generator produces weekly client activity digests from Slack channels.
type Generator struct {
	slack       SlackSource
	completer   Completer
	cache       CacheStore
	logger      *log.Logger
	location    *time.Location
	concurrency int

	now func() time.Time
}

// NewGenerator creates a configured Generator.
func NewGenerator(cfg GeneratorConfig) (*Generator, error) {
	if cfg.Slack == nil {
		return nil, fmt.Errorf("slack source is required")
	}
	if cfg.Completer == nil {
		return nil, fmt.Errorf("completer is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "digest ", log.LstdFlags)
	}

	location := cfg.Location
	if location == nil {
		location = time.UTC
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 10
	}

	return &Generator{
		slack:       cfg.Slack,
		completer:   cfg.Completer,
		cache:       cfg.Cache,
		logger:      logger,
		location:    location,
		concurrency: concurrency,
		now:         time.Now,
	}, nil
}

// DateRange resolves the reporting window. Explicit dates are parsed as
// YYYY-MM-DD in the configured timezone, start at day start and end at day
// end. Without a start date the window defaults to the previous Monday-based
// week; without an end date it covers six days from the start.
func (g *Generator) DateRange(startDate, endDate string) (time.Time, time.Time, error) {
	var start time.Time
	if startDate != "" {
		parsed, err := time.ParseInLocation("2006-01-02", startDate, g.location)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid start date %q: %w", startDate, err)
		}
		start = parsed
	} else {
		now := g.now().In(g.location)
		daysSinceMonday := (int(now.Weekday()) + 6) % 7
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, g.location).
			AddDate(0, 0, -(daysSinceMonday + 7))
	}

	var end time.Time
	if endDate != "" {
		parsed, err := time.ParseInLocation("2006-01-02", endDate, g.location)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid end date %q: %w", endDate, err)
		}
		end = parsed.Add(24*time.Hour - time.Second)
	} else {
		end = start.AddDate(0, 0, 6).Add(24*time.Hour - time.Second)
	}

	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("end date %s is before start date %s", endDate, startDate)
	}
	return start, end, nil
}

// Generate fetches activity for every member channel, summarizes each with
// the model, and returns the assembled digest.
func (g *Generator) Generate(ctx context.Context, opts GenerateOptions) (*Digest, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	start, end, err := g.DateRange(opts.StartDate, opts.EndDate)
	if err != nil {
		return nil, err
	}

	digest := &Digest{
		StartDate: start.Format("2006-01-02"),
		EndDate:   end.Format("2006-01-02"),
	}

	if opts.UserEmail != "" {
		user, err := g.slack.LookupUserByEmail(ctx, opts.UserEmail)
		if err != nil {
			return nil, fmt.Errorf("failed to look up user %s: %w", opts.UserEmail, err)
		}
		digest.UserName = user.DisplayLabel()
		digest.UserEmail = opts.UserEmail
	}

	channels, err := g.memberChannels(ctx)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	g.logger.Printf("run %s: processing %d channels from %s to %s (concurrency=%d)",
		runID, len(channels), digest.StartDate, digest.EndDate, g.concurrency)

	activities := g.collectActivity(ctx, channels, start, end)

	for _, activity := range activities {
		summary, err := g.summarizeChannel(ctx, activity, opts.CustomPrompt)
		if err != nil {
			g.logger.Printf("run %s: summary failed for %s: %v", runID, activity.Name, err)
			summary = fmt.Sprintf("Error generating summary: %v", err)
		}
		digest.Channels = append(digest.Channels, ChannelSummary{Name: activity.Name, Summary: summary})
	}

	g.logger.Printf("run %s: %d channels had activity", runID, len(digest.Channels))
	return digest, nil
}

func (g *Generator) memberChannels(ctx context.Context) ([]slackmessages.Channel, error) {
	var channels []slackmessages.Channel

	if g.cache != nil {
		if found, err := g.cache.Get(ctx, channelCacheKey, &channels); err != nil {
			g.logger.Printf("channel cache read failed: %v", err)
		} else if found {
			return filterMemberChannels(channels), nil
		}
	}

	channels, err := g.slack.ListChannels(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}

	if g.cache != nil {
		if err := g.cache.Set(ctx, channelCacheKey, channels); err != nil {
			g.logger.Printf("channel cache write failed: %v", err)
		}
	}
	return filterMemberChannels(channels), nil
}

func filterMemberChannels(channels []slackmessages.Channel) []slackmessages.Channel {
	active := make([]slackmessages.Channel, 0, len(channels))
	for _, ch := range channels {
		if ch.IsMember && !ch.IsArchived {
			active = append(active, ch)
		}
	}
	return active
}

// collectActivity fetches each channel in a bounded pool and returns the
// channels with activity, in the input channel order.
func (g *Generator) collectActivity(ctx context.Context, channels []slackmessages.Channel, start, end time.Time) []*ChannelActivity {
	results := make([]*ChannelActivity, len(channels))
	var mu sync.Mutex

	sem := make(chan struct{}, g.concurrency)
	eg, egCtx := errgroup.WithContext(ctx)

	for i, channel := range channels {
		idx := i
		ch := channel

		sem <- struct{}{}
		eg.Go(func() error {
			defer func() { <-sem }()
			activity, err := g.processChannel(egCtx, ch, start, end)
			if err != nil {
				g.logger.Printf("failed to process channel %s: %v", ch.Name, err)
				return nil
			}
			mu.Lock()
			results[idx] = activity
			mu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	active := make([]*ChannelActivity, 0, len(results))
	for _, activity := range results {
		if activity.HasActivity() {
			active = append(active, activity)
		}
	}
	return active
}

func (g *Generator) processChannel(ctx context.Context, channel slackmessages.Channel, start, end time.Time) (*ChannelActivity, error) {
	messages, err := g.slack.FetchMessages(ctx, slackmessages.FetchConfig{
		ChannelIDs:     []string{channel.ID},
		From:           &start,
		To:             &end,
		IncludeThreads: true,
	})
	if err != nil {
		return nil, err
	}
	if len(messages) == 0 {
		return &ChannelActivity{ID: channel.ID, Name: channel.Name}, nil
	}

	activity := &ChannelActivity{
		ID:       channel.ID,
		Name:     channel.Name,
		Messages: messages,
	}
	for _, msg := range messages {
		if msg.IsThreadReply {
			continue
		}
		activity.LinkedInProfiles = append(activity.LinkedInProfiles, extractProfiles(msg.Text)...)
	}
	return activity, nil
}

func extractProfiles(text string) []Profile {
	matches := linkedInProfileRegex.FindAllStringSubmatch(text, -1)
	profiles := make([]Profile, 0, len(matches))
	for _, match := range matches {
		slug := match[1]
		name := match[2]
		if name == "" {
			name = slug
		}
		profiles = append(profiles, Profile{
			Name: name,
			URL:  "https://linkedin.com/in/" + slug,
		})
	}
	return profiles
}

func (g *Generator) summarizeChannel(ctx context.Context, activity *ChannelActivity, customPrompt string) (string, error) {
	if !activity.HasActivity() {
		return "No activity in this channel for the specified time period.", nil
	}

	messagesText := renderMessages(activity.Messages)

	linkedinInfo := ""
	if len(activity.LinkedInProfiles) > 0 {
		lines := make([]string, 0, len(activity.LinkedInProfiles)+1)
		lines = append(lines, "LinkedIn profiles mentioned:")
		for _, profile := range activity.LinkedInProfiles {
			lines = append(lines, fmt.Sprintf("- %s: %s", profile.Name, profile.URL))
		}
		linkedinInfo = strings.Join(lines, "\n")
	}

	prompt := renderPrompt(customPrompt, activity.Name, linkedinInfo, messagesText)
	return g.completer.Complete(ctx, "", prompt)
}

// renderMessages lays out parents in order with their thread replies
// indented beneath them.
func renderMessages(messages []slackmessages.SlackMessage) string {
	replies := make(map[string][]slackmessages.SlackMessage)
	for _, msg := range messages {
		if msg.IsThreadReply {
			replies[msg.ThreadTimestamp] = append(replies[msg.ThreadTimestamp], msg)
		}
	}
	for ts := range replies {
		sort.Slice(replies[ts], func(i, j int) bool {
			return replies[ts][i].Timestamp < replies[ts][j].Timestamp
		})
	}

	var lines []string
	for _, msg := range messages {
		if msg.IsThreadReply {
			continue
		}
		lines = append(lines, fmt.Sprintf("%s (%s): %s",
			displayName(msg), formatEventTime(msg), msg.Text))
		for _, reply := range replies[msg.Timestamp] {
			lines = append(lines, fmt.Sprintf("    └─ %s (%s): %s",
				displayName(reply), formatEventTime(reply), reply.Text))
		}
	}
	return strings.Join(lines, "\n")
}

func displayName(msg slackmessages.SlackMessage) string {
	if msg.UserName != "" {
		return msg.UserName
	}
	if msg.UserID != "" {
		return msg.UserID
	}
	return "Unknown User"
}

func formatEventTime(msg slackmessages.SlackMessage) string {
	t := msg.EventTime()
	if t.IsZero() {
		return msg.Timestamp
	}
	return t.Format("2006-01-02 15:04:05")
}

// WriteDigest writes the digest as a markdown file under outputDir and
// returns the file path.
func (g *Generator) WriteDigest(digest *Digest, outputDir string) (string, error) {
	if digest == nil || len(digest.Channels) == 0 {
		return "", fmt.Errorf("no channel activity to write")
	}

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# Client Activity Digest (%s to %s)\n\n", digest.StartDate, digest.EndDate)
	if digest.UserName != "" {
		fmt.Fprintf(&b, "Generated for: %s (%s)\n\n", digest.UserName, digest.UserEmail)
	}
	for _, channel := range digest.Channels {
		fmt.Fprintf(&b, "## %s\n\n%s\n\n---\n\n", channel.Name, channel.Summary)
	}

	path := filepath.Join(outputDir, fmt.Sprintf("client_digest_%s_to_%s.md", digest.StartDate, digest.EndDate))
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("failed to write digest: %w", err)
	}
	return path, nil
}
