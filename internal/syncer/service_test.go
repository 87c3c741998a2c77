package syncer

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/candidatelabs/slackrag/internal/slackmessages"
	"github.com/candidatelabs/slackrag/internal/store"
)

type mockSlack struct {
	channels []slackmessages.Channel
	users    []slackmessages.User
	messages map[string][]slackmessages.SlackMessage
	fetchErr map[string]error

	mu        sync.Mutex
	fetchCfgs []slackmessages.FetchConfig
}

func (m *mockSlack) ListChannels(ctx context.Context, patterns []string) ([]slackmessages.Channel, error) {
	return m.channels, nil
}

func (m *mockSlack) ListUsers(ctx context.Context) ([]slackmessages.User, error) {
	return m.users, nil
}

func (m *mockSlack) FetchMessages(ctx context.Context, cfg slackmessages.FetchConfig) ([]slackmessages.SlackMessage, error) {
	m.mu.Lock()
	m.fetchCfgs = append(m.fetchCfgs, cfg)
	m.mu.Unlock()

	channelID := cfg.ChannelIDs[0]
	if err := m.fetchErr[channelID]; err != nil {
		return nil, err
	}
	return m.messages[channelID], nil
}

type mockWarehouse struct {
	mu       sync.Mutex
	channels []store.ChannelRecord
	users    []store.UserRecord
	messages []store.MessageRecord

	synced       bool
	syncLogCalls int
}

func (m *mockWarehouse) UpsertChannels(ctx context.Context, channels []store.ChannelRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, channels...)
	return nil
}

func (m *mockWarehouse) UpsertUsers(ctx context.Context, users []store.UserRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = append(m.users, users...)
	return nil
}

func (m *mockWarehouse) UpsertMessages(ctx context.Context, messages []store.MessageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, messages...)
	return nil
}

func (m *mockWarehouse) IsSynced(ctx context.Context, email string, channelIDs []string, startDate, endDate string, maxAge time.Duration) (bool, error) {
	return m.synced, nil
}

func (m *mockWarehouse) UpdateSyncLog(ctx context.Context, email string, channelIDs []string, startDate, endDate string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncLogCalls++
	return nil
}

func newTestService(t *testing.T, slack *mockSlack, warehouse *mockWarehouse) *SyncService {
	t.Helper()

	svc, err := NewSyncService(&ServiceConfig{
		Slack:       slack,
		Warehouse:   warehouse,
		Logger:      log.New(io.Discard, "", 0),
		Location:    time.UTC,
		Concurrency: 2,
		SyncTTL:     time.Hour,
	})
	require.NoError(t, err)
	return svc
}

func slackMsg(channelID, channelName, ts, text, threadTS string) slackmessages.SlackMessage {
	return slackmessages.SlackMessage{
		ChannelID:       channelID,
		ChannelName:     channelName,
		UserID:          "U1",
		Text:            text,
		Timestamp:       ts,
		ThreadTimestamp: threadTS,
	}
}

func TestSyncStoresChannelsUsersAndMessages(t *testing.T) {
	slack := &mockSlack{
		channels: []slackmessages.Channel{
			{ID: "C1", Name: "candidatelabs-acme", IsMember: true},
			{ID: "C2", Name: "candidatelabs-globex", IsMember: true, IsArchived: true},
		},
		users: []slackmessages.User{
			{ID: "U1", Name: "dan", RealName: "Dan Smith", Email: "dan@example.com"},
		},
		messages: map[string][]slackmessages.SlackMessage{
			"C1": {
				slackMsg("C1", "candidatelabs-acme", "1715000000.000100", "Submitting Jane", ""),
				slackMsg("C1", "candidatelabs-acme", "1715000100.000100", "Great feedback", "1715000000.000100"),
			},
		},
	}
	warehouse := &mockWarehouse{}
	svc := newTestService(t, slack, warehouse)

	stats, err := svc.Sync(context.Background(), Options{
		StartDate: "2024-05-06",
		EndDate:   "2024-05-12",
		Email:     "dan@example.com",
	})
	require.NoError(t, err)

	assert.False(t, stats.Skipped)
	assert.Equal(t, 2, stats.ChannelsSynced)
	assert.Equal(t, 1, stats.UsersSynced)
	assert.Equal(t, 2, stats.MessagesSynced)
	assert.Zero(t, stats.ChannelsFailed)

	require.Len(t, warehouse.channels, 2)
	assert.True(t, warehouse.channels[0].IsMember)
	assert.True(t, warehouse.channels[1].IsArchived)

	require.Len(t, warehouse.users, 1)
	assert.Equal(t, "Dan Smith", warehouse.users[0].Name)
	assert.Equal(t, "dan", warehouse.users[0].Username)

	require.Len(t, warehouse.messages, 2)
	byID := map[string]store.MessageRecord{}
	for _, m := range warehouse.messages {
		byID[m.ID] = m
	}
	parent, ok := byID["C1_1715000000.000100"]
	require.True(t, ok)
	assert.Equal(t, "Submitting Jane", parent.Text)
	assert.InDelta(t, 1715000000.0001, parent.Timestamp, 0.001)
	assert.Equal(t, "2024-05-06 12:53:20", parent.Datetime)

	reply := byID["C1_1715000100.000100"]
	assert.Equal(t, "1715000000.000100", reply.ThreadTS)
	assert.False(t, reply.IsThreadParent)

	assert.Equal(t, 1, warehouse.syncLogCalls)
}

func TestSyncSkipsBotsAndDeletedUsers(t *testing.T) {
	slack := &mockSlack{
		channels: []slackmessages.Channel{{ID: "C1", Name: "candidatelabs-acme"}},
		users: []slackmessages.User{
			{ID: "U1", Name: "dan", RealName: "Dan Smith", Email: "dan@example.com"},
			{ID: "U2", Name: "digestbot", IsBot: true},
			{ID: "U3", Name: "gone", RealName: "Gone Person", Deleted: true},
		},
	}
	warehouse := &mockWarehouse{}
	svc := newTestService(t, slack, warehouse)

	stats, err := svc.Sync(context.Background(), Options{StartDate: "2024-05-06", EndDate: "2024-05-12"})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.UsersSynced)
	require.Len(t, warehouse.users, 1)
	assert.Equal(t, "U1", warehouse.users[0].ID)
}

func TestSyncFetchConfigCoversFullDays(t *testing.T) {
	slack := &mockSlack{
		channels: []slackmessages.Channel{{ID: "C1", Name: "candidatelabs-acme"}},
	}
	warehouse := &mockWarehouse{}
	svc := newTestService(t, slack, warehouse)

	_, err := svc.Sync(context.Background(), Options{StartDate: "2024-05-06", EndDate: "2024-05-12"})
	require.NoError(t, err)

	require.Len(t, slack.fetchCfgs, 1)
	cfg := slack.fetchCfgs[0]
	assert.Equal(t, []string{"C1"}, cfg.ChannelIDs)
	assert.True(t, cfg.IncludeThreads)
	assert.True(t, cfg.ExcludeBots)
	assert.Equal(t, time.Date(2024, 5, 6, 0, 0, 0, 0, time.UTC), *cfg.From)
	assert.Equal(t, time.Date(2024, 5, 12, 23, 59, 59, 0, time.UTC), *cfg.To)
}

func TestSyncSkipsWhenFresh(t *testing.T) {
	slack := &mockSlack{
		channels: []slackmessages.Channel{{ID: "C1", Name: "candidatelabs-acme"}},
	}
	warehouse := &mockWarehouse{synced: true}
	svc := newTestService(t, slack, warehouse)

	stats, err := svc.Sync(context.Background(), Options{StartDate: "2024-05-06", EndDate: "2024-05-12"})
	require.NoError(t, err)

	assert.True(t, stats.Skipped)
	assert.Empty(t, slack.fetchCfgs)
	assert.Zero(t, warehouse.syncLogCalls)
}

func TestSyncForceBypassesFreshness(t *testing.T) {
	slack := &mockSlack{
		channels: []slackmessages.Channel{{ID: "C1", Name: "candidatelabs-acme"}},
	}
	warehouse := &mockWarehouse{synced: true}
	svc := newTestService(t, slack, warehouse)

	stats, err := svc.Sync(context.Background(), Options{
		StartDate: "2024-05-06",
		EndDate:   "2024-05-12",
		Force:     true,
	})
	require.NoError(t, err)

	assert.False(t, stats.Skipped)
	assert.Len(t, slack.fetchCfgs, 1)
	assert.Equal(t, 1, warehouse.syncLogCalls)
}

func TestSyncFiltersRequestedChannels(t *testing.T) {
	slack := &mockSlack{
		channels: []slackmessages.Channel{
			{ID: "C1", Name: "candidatelabs-acme"},
			{ID: "C2", Name: "candidatelabs-globex"},
		},
	}
	warehouse := &mockWarehouse{}
	svc := newTestService(t, slack, warehouse)

	_, err := svc.Sync(context.Background(), Options{
		StartDate:  "2024-05-06",
		EndDate:    "2024-05-12",
		ChannelIDs: []string{"C2"},
	})
	require.NoError(t, err)

	require.Len(t, warehouse.channels, 1)
	assert.Equal(t, "C2", warehouse.channels[0].ID)
	require.Len(t, slack.fetchCfgs, 1)
	assert.Equal(t, []string{"C2"}, slack.fetchCfgs[0].ChannelIDs)
}

func TestSyncReportsChannelFailures(t *testing.T) {
	slack := &mockSlack{
		channels: []slackmessages.Channel{
			{ID: "C1", Name: "candidatelabs-acme"},
			{ID: "C2", Name: "candidatelabs-globex"},
		},
		messages: map[string][]slackmessages.SlackMessage{
			"C1": {slackMsg("C1", "candidatelabs-acme", "1715000000.000100", "hello", "")},
		},
		fetchErr: map[string]error{
			"C2": fmt.Errorf("slack api: channel_not_found"),
		},
	}
	warehouse := &mockWarehouse{}
	svc := newTestService(t, slack, warehouse)

	stats, err := svc.Sync(context.Background(), Options{StartDate: "2024-05-06", EndDate: "2024-05-12"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 channel failures")

	assert.Equal(t, 1, stats.ChannelsSynced)
	assert.Equal(t, 1, stats.ChannelsFailed)
	require.Len(t, stats.Errors, 1)
	assert.Equal(t, "candidatelabs-globex", stats.Errors[0].Reference)
	assert.Zero(t, warehouse.syncLogCalls)
}

func TestSyncRejectsInvalidRange(t *testing.T) {
	svc := newTestService(t, &mockSlack{}, &mockWarehouse{})

	_, err := svc.Sync(context.Background(), Options{StartDate: "2024-05-12", EndDate: "2024-05-06"})
	assert.Error(t, err)

	_, err = svc.Sync(context.Background(), Options{StartDate: "", EndDate: "2024-05-06"})
	assert.Error(t, err)

	_, err = svc.Sync(context.Background(), Options{StartDate: "05/06/2024", EndDate: "2024-05-12"})
	assert.Error(t, err)
}
