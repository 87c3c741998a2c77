package syncer

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/candidatelabs/slackrag/internal/slackmessages"
	"github.com/candidatelabs/slackrag/internal/store"
	"github.com/candidatelabs/slackrag/internal/types"
)

// SlackSource is the subset of the message fetcher the sync pipeline needs.
type SlackSource interface {
	ListChannels(ctx context.Context, namePatterns []string) ([]slackmessages.Channel, error)
	ListUsers(ctx context.Context) ([]slackmessages.User, error)
	FetchMessages(ctx context.Context, cfg slackmessages.FetchConfig) ([]slackmessages.SlackMessage, error)
}

// Warehouse is the subset of the store the sync pipeline writes to.
type Warehouse interface {
	UpsertChannels(ctx context.Context, channels []store.ChannelRecord) error
	UpsertUsers(ctx context.Context, users []store.UserRecord) error
	UpsertMessages(ctx context.Context, messages []store.MessageRecord) error
	IsSynced(ctx context.Context, email string, channelIDs []string, startDate, endDate string, maxAge time.Duration) (bool, error)
	UpdateSyncLog(ctx context.Context, email string, channelIDs []string, startDate, endDate string) error
}

// ServiceConfig holds the dependencies for the sync service.
type ServiceConfig struct {
	Slack     SlackSource
	Warehouse Warehouse
	Logger    *log.Logger

	// Location used when rendering message datetimes.
	Location *time.Location
	// ChannelNamePatterns filters which channels are considered client channels.
	ChannelNamePatterns []string
	// Concurrency bounds the per-channel fetch pool.
	Concurrency int
	// SyncTTL is how long a previous sync of the same range stays fresh.
	SyncTTL time.Duration
}

// SyncService fetches Slack channels, users and messages into the warehouse.
type SyncService struct {
	slack     SlackSource
	warehouse Warehouse
	logger    *log.Logger

	location    *time.Location
	patterns    []string
	concurrency int
	syncTTL     time.Duration
}

// Options controls a single sync run.
type Options struct {
	// StartDate and EndDate bound the fetch, formatted YYYY-MM-DD.
	StartDate string
	EndDate   string
	// ChannelIDs restricts the sync to specific channels. Empty means all
	// client channels.
	ChannelIDs []string
	// Email tags the sync-log entry; empty entries share one log key.
	Email string
	// Force skips the sync-log freshness check.
	Force bool
}

// Stats summarizes a sync run.
type Stats struct {
	mu sync.Mutex

	StartTime time.Time
	EndTime   time.Time

	Skipped        bool
	ChannelsSynced int
	UsersSynced    int
	MessagesSynced int
	ChannelsFailed int
	Errors         []types.ProcessingError
}

func (s *Stats) finalize() {
	s.EndTime = time.Now()
}

// Duration returns the elapsed sync time.
func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

func (s *Stats) addMessages(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.MessagesSynced += n
	s.ChannelsSynced++
}

func (s *Stats) addFailure(err types.ProcessingError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ChannelsFailed++
	s.Errors = append(s.Errors, err)
}

// NewSyncService creates a SyncService from the given configuration.
func NewSyncService(config *ServiceConfig) (*SyncService, error) {
	if config == nil {
		return nil, fmt.Errorf("service config cannot be nil")
	}
	if config.Slack == nil {
		return nil, fmt.Errorf("slack source is required")
	}
	if config.Warehouse == nil {
		return nil, fmt.Errorf("warehouse is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "syncer ", log.LstdFlags)
	}

	location := config.Location
	if location == nil {
		location = time.UTC
	}

	concurrency := config.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	syncTTL := config.SyncTTL
	if syncTTL <= 0 {
		syncTTL = 24 * time.Hour
	}

	return &SyncService{
		slack:       config.Slack,
		warehouse:   config.Warehouse,
		logger:      logger,
		location:    location,
		patterns:    config.ChannelNamePatterns,
		concurrency: concurrency,
		syncTTL:     syncTTL,
	}, nil
}

// Sync runs a full channel/user/message sync for the requested range.
func (s *SyncService) Sync(ctx context.Context, opts Options) (*Stats, error) {
	stats := &Stats{StartTime: time.Now()}
	defer stats.finalize()

	from, to, err := parseRange(opts.StartDate, opts.EndDate, s.location)
	if err != nil {
		return stats, err
	}

	channels, err := s.syncChannels(ctx, opts.ChannelIDs)
	if err != nil {
		return stats, err
	}

	channelIDs := make([]string, 0, len(channels))
	for _, ch := range channels {
		channelIDs = append(channelIDs, ch.ID)
	}

	if !opts.Force {
		fresh, err := s.warehouse.IsSynced(ctx, opts.Email, channelIDs, opts.StartDate, opts.EndDate, s.syncTTL)
		if err != nil {
			return stats, fmt.Errorf("failed to check sync log: %w", err)
		}
		if fresh {
			s.logger.Printf("Sync for %s to %s is still fresh, skipping (use force to override)", opts.StartDate, opts.EndDate)
			stats.Skipped = true
			return stats, nil
		}
	}

	usersSynced, err := s.syncUsers(ctx)
	if err != nil {
		return stats, err
	}
	stats.UsersSynced = usersSynced

	s.syncMessages(ctx, channels, from, to, stats)

	if stats.ChannelsFailed > 0 {
		return stats, fmt.Errorf("sync completed with %d channel failures", stats.ChannelsFailed)
	}

	if err := s.warehouse.UpdateSyncLog(ctx, opts.Email, channelIDs, opts.StartDate, opts.EndDate); err != nil {
		return stats, fmt.Errorf("failed to update sync log: %w", err)
	}

	return stats, nil
}

func (s *SyncService) syncChannels(ctx context.Context, requested []string) ([]slackmessages.Channel, error) {
	channels, err := s.slack.ListChannels(ctx, s.patterns)
	if err != nil {
		return nil, fmt.Errorf("failed to list channels: %w", err)
	}

	if len(requested) > 0 {
		wanted := make(map[string]bool, len(requested))
		for _, id := range requested {
			wanted[id] = true
		}
		filtered := channels[:0]
		for _, ch := range channels {
			if wanted[ch.ID] {
				filtered = append(filtered, ch)
			}
		}
		channels = filtered
	}

	records := make([]store.ChannelRecord, 0, len(channels))
	now := time.Now()
	for _, ch := range channels {
		records = append(records, store.ChannelRecord{
			ID:          ch.ID,
			Name:        ch.Name,
			IsMember:    ch.IsMember,
			IsArchived:  ch.IsArchived,
			LastUpdated: now,
		})
	}
	if err := s.warehouse.UpsertChannels(ctx, records); err != nil {
		return nil, fmt.Errorf("failed to store channels: %w", err)
	}

	s.logger.Printf("Synced %d channels", len(records))
	return channels, nil
}

func (s *SyncService) syncUsers(ctx context.Context) (int, error) {
	users, err := s.slack.ListUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list users: %w", err)
	}

	records := make([]store.UserRecord, 0, len(users))
	now := time.Now()
	for _, u := range users {
		if u.IsBot || u.Deleted {
			continue
		}
		records = append(records, store.UserRecord{
			ID:          u.ID,
			Name:        u.DisplayLabel(),
			Username:    u.Name,
			Email:       u.Email,
			LastUpdated: now,
		})
	}
	if err := s.warehouse.UpsertUsers(ctx, records); err != nil {
		return 0, fmt.Errorf("failed to store users: %w", err)
	}

	s.logger.Printf("Synced %d users", len(records))
	return len(records), nil
}

func (s *SyncService) syncMessages(ctx context.Context, channels []slackmessages.Channel, from, to time.Time, stats *Stats) {
	eg, egCtx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, s.concurrency)

	for _, channel := range channels {
		eg.Go(func() error {
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-egCtx.Done():
				return egCtx.Err()
			}

			n, err := s.syncChannelMessages(egCtx, channel, from, to)
			if err != nil {
				s.logger.Printf("Failed to sync channel %s: %v", channel.Name, err)
				stats.addFailure(*types.WrapError(err, types.ClassifyError(err, "slack_api"), channel.Name))
				return nil
			}
			stats.addMessages(n)
			return nil
		})
	}

	_ = eg.Wait() // errors are tracked inside stats
}

func (s *SyncService) syncChannelMessages(ctx context.Context, channel slackmessages.Channel, from, to time.Time) (int, error) {
	messages, err := s.slack.FetchMessages(ctx, slackmessages.FetchConfig{
		ChannelIDs:     []string{channel.ID},
		From:           &from,
		To:             &to,
		IncludeThreads: true,
		ExcludeBots:    true,
	})
	if err != nil {
		return 0, err
	}
	if len(messages) == 0 {
		return 0, nil
	}

	records := make([]store.MessageRecord, 0, len(messages))
	for _, msg := range messages {
		records = append(records, s.toRecord(msg))
	}

	if err := s.warehouse.UpsertMessages(ctx, records); err != nil {
		return 0, fmt.Errorf("failed to store messages: %w", err)
	}

	s.logger.Printf("Synced %d messages from %s", len(records), channel.Name)
	return len(records), nil
}

func (s *SyncService) toRecord(msg slackmessages.SlackMessage) store.MessageRecord {
	ts, _ := strconv.ParseFloat(msg.Timestamp, 64)

	return store.MessageRecord{
		ID:             fmt.Sprintf("%s_%s", msg.ChannelID, msg.Timestamp),
		ChannelID:      msg.ChannelID,
		ChannelName:    msg.ChannelName,
		UserID:         msg.UserID,
		Timestamp:      ts,
		Datetime:       msg.EventTime().In(s.location).Format("2006-01-02 15:04:05"),
		Text:           msg.Text,
		ThreadTS:       msg.ThreadTimestamp,
		IsThreadParent: msg.ThreadTimestamp == msg.Timestamp && msg.ReplyCount > 0,
		HasLinkedInURL: msg.HasLinkedInURL(),
	}
}

func parseRange(startDate, endDate string, location *time.Location) (time.Time, time.Time, error) {
	if startDate == "" || endDate == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("start and end dates are required")
	}

	from, err := time.ParseInLocation("2006-01-02", startDate, location)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start date %q: %w", startDate, err)
	}
	end, err := time.ParseInLocation("2006-01-02", endDate, location)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end date %q: %w", endDate, err)
	}

	to := end.AddDate(0, 0, 1).Add(-time.Second)
	if to.Before(from) {
		return time.Time{}, time.Time{}, fmt.Errorf("end date %s is before start date %s", endDate, startDate)
	}
	return from, to, nil
}
