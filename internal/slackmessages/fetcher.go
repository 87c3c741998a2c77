package slackmessages

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/slack-go/slack"
	"golang.org/x/time/rate"
)

// SlackAPI defines the subset of Slack Web API used by the MessageFetcher.
type SlackAPI interface {
	GetConversations(params *slack.GetConversationsParameters) ([]slack.Channel, string, error)
	GetConversationInfo(input *slack.GetConversationInfoInput) (*slack.Channel, error)
	GetConversationHistory(params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error)
	GetConversationReplies(params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
	GetUsers(options ...slack.GetUsersOption) ([]slack.User, error)
	GetUserInfo(userID string) (*slack.User, error)
	GetUserByEmail(email string) (*slack.User, error)
	GetPermalink(params *slack.PermalinkParameters) (string, error)
}

// MessageFetcher retrieves Slack channels, users and messages according to
// the provided FetchConfig.
type MessageFetcher struct {
	client      SlackAPI
	limiter     *rate.Limiter
	maxRetries  int
	backoffBase time.Duration
	logger      *log.Logger

	userCache   map[string]*slack.User
	userCacheMu sync.RWMutex
}

// FetcherOption configures MessageFetcher.
type FetcherOption func(*MessageFetcher)

// WithRateLimiter overrides the default rate limiter.
func WithRateLimiter(l *rate.Limiter) FetcherOption {
	return func(f *MessageFetcher) {
		f.limiter = l
	}
}

// WithMaxRetries overrides the default retry attempts.
func WithMaxRetries(n int) FetcherOption {
	return func(f *MessageFetcher) {
		if n > 0 {
			f.maxRetries = n
		}
	}
}

// WithBackoffBase overrides the initial backoff duration for retries.
func WithBackoffBase(d time.Duration) FetcherOption {
	return func(f *MessageFetcher) {
		if d > 0 {
			f.backoffBase = d
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *log.Logger) FetcherOption {
	return func(f *MessageFetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewMessageFetcher constructs a MessageFetcher with sensible defaults.
func NewMessageFetcher(client SlackAPI, opts ...FetcherOption) *MessageFetcher {
	fetcher := &MessageFetcher{
		client:      client,
		limiter:     rate.NewLimiter(rate.Limit(0.8), 1), // Slack tier 3 budget
		maxRetries:  3,
		backoffBase: time.Second,
		logger:      log.New(os.Stdout, "slack-fetcher ", log.LstdFlags),
		userCache:   make(map[string]*slack.User),
	}
	for _, opt := range opts {
		opt(fetcher)
	}
	return fetcher
}

// FetchMessages retrieves messages for the specified configuration.
func (f *MessageFetcher) FetchMessages(ctx context.Context, cfg FetchConfig) ([]SlackMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	channels, err := f.resolveChannels(ctx, cfg.ChannelIDs)
	if err != nil {
		return nil, err
	}

	var allMessages []SlackMessage
	for _, ch := range channels {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		messages, err := f.fetchChannelMessages(ctx, ch, cfg)
		if err != nil {
			return nil, err
		}
		allMessages = append(allMessages, messages...)
	}

	return allMessages, nil
}

// ListChannels returns all non-archived channels the token can see. When
// namePatterns is non-empty only channels whose name contains one of the
// patterns are returned.
func (f *MessageFetcher) ListChannels(ctx context.Context, namePatterns []string) ([]Channel, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	raw, err := f.listAllChannels(ctx)
	if err != nil {
		return nil, err
	}

	channels := make([]Channel, 0, len(raw))
	for _, ch := range raw {
		if len(namePatterns) > 0 && !matchesAnyPattern(channelName(ch), namePatterns) {
			continue
		}
		channels = append(channels, convertChannel(ch))
	}
	return channels, nil
}

// GetChannel returns metadata for a single channel by ID.
func (f *MessageFetcher) GetChannel(ctx context.Context, channelID string) (*Channel, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ch, err := f.getChannelInfo(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("get channel info %s: %w", channelID, err)
	}
	converted := convertChannel(*ch)
	return &converted, nil
}

// ListUsers returns the full workspace member list, bots included.
func (f *MessageFetcher) ListUsers(ctx context.Context) ([]User, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var raw []slack.User
	err := f.withRetry(ctx, "users.list", func() error {
		if err := f.waitRate(ctx); err != nil {
			return err
		}
		var err error
		raw, err = f.client.GetUsers()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	users := make([]User, 0, len(raw))
	f.userCacheMu.Lock()
	for i := range raw {
		u := raw[i]
		f.userCache[u.ID] = &raw[i]
		users = append(users, convertUser(u))
	}
	f.userCacheMu.Unlock()
	return users, nil
}

// LookupUserByEmail resolves a workspace member by their email address.
func (f *MessageFetcher) LookupUserByEmail(ctx context.Context, email string) (*User, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var raw *slack.User
	err := f.withRetry(ctx, "users.lookupByEmail", func() error {
		if err := f.waitRate(ctx); err != nil {
			return err
		}
		var err error
		raw, err = f.client.GetUserByEmail(email)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("lookup user by email: %w", err)
	}

	user := convertUser(*raw)
	return &user, nil
}

func (f *MessageFetcher) resolveChannels(ctx context.Context, requested []string) ([]slack.Channel, error) {
	if len(requested) == 0 {
		return f.listAllChannels(ctx)
	}

	var channels []slack.Channel
	for _, id := range requested {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		channel, err := f.getChannelInfo(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("get channel info %s: %w", id, err)
		}
		channels = append(channels, *channel)
	}
	return channels, nil
}

func (f *MessageFetcher) listAllChannels(ctx context.Context) ([]slack.Channel, error) {
	var (
		channels []slack.Channel
		cursor   string
	)
	for {
		params := &slack.GetConversationsParameters{
			Cursor:          cursor,
			ExcludeArchived: true,
			Limit:           200,
			Types:           []string{"public_channel", "private_channel"},
		}
		result, nextCursor, err := f.getConversations(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("list conversations: %w", err)
		}
		channels = append(channels, result...)
		if nextCursor == "" {
			break
		}
		cursor = nextCursor
	}
	return channels, nil
}

func (f *MessageFetcher) fetchChannelMessages(ctx context.Context, channel slack.Channel, cfg FetchConfig) ([]SlackMessage, error) {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 200
	}

	var (
		allMessages []SlackMessage
		cursor      string
		remaining   = cfg.Limit
		fetched     = make(map[string]bool)
		parentTS    = make(map[string]bool)
	)

	for {
		params := &slack.GetConversationHistoryParameters{
			ChannelID:          channel.ID,
			Cursor:             cursor,
			Limit:              pageSize,
			IncludeAllMetadata: true,
		}
		if cfg.From != nil && !cfg.From.IsZero() {
			params.Oldest = toSlackTimestamp(*cfg.From)
		}
		if cfg.To != nil && !cfg.To.IsZero() {
			params.Latest = toSlackTimestamp(*cfg.To)
		}
		if remaining > 0 && remaining < pageSize {
			params.Limit = remaining
		}

		resp, err := f.getConversationHistory(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("history channel=%s: %w", channel.ID, err)
		}

		for _, msg := range resp.Messages {
			if remaining > 0 && len(allMessages) >= cfg.Limit {
				return allMessages, nil
			}
			if !f.shouldIncludeMessage(msg, cfg) {
				continue
			}
			slackMsg, err := f.buildSlackMessage(ctx, channel, msg, false)
			if err != nil {
				return nil, err
			}
			allMessages = append(allMessages, slackMsg)
			fetched[msg.Timestamp] = true
			if msg.ThreadTimestamp != "" && msg.ThreadTimestamp != msg.Timestamp {
				parentTS[msg.ThreadTimestamp] = true
			}

			if cfg.IncludeThreads && msg.ThreadTimestamp != "" && msg.ThreadTimestamp == msg.Timestamp {
				threadMsgs, err := f.fetchThreadReplies(ctx, channel, msg, cfg)
				if err != nil {
					return nil, err
				}
				allMessages = append(allMessages, threadMsgs...)
				for _, threadMsg := range threadMsgs {
					fetched[threadMsg.Timestamp] = true
				}
			}
		}

		if !resp.HasMore || resp.ResponseMetaData.NextCursor == "" {
			break
		}
		if remaining > 0 && len(allMessages) >= cfg.Limit {
			break
		}
		// The cursor changes every page, so looping on fully-filtered
		// pages is safe.
		cursor = resp.ResponseMetaData.NextCursor
	}

	parents, err := f.backfillThreadParents(ctx, channel, parentTS, fetched)
	if err != nil {
		return nil, err
	}
	allMessages = append(allMessages, parents...)

	return allMessages, nil
}

// backfillThreadParents fetches thread root messages referenced by replies in
// the window but themselves outside it, so no thread is left without its
// parent.
func (f *MessageFetcher) backfillThreadParents(ctx context.Context, channel slack.Channel, needed, fetched map[string]bool) ([]SlackMessage, error) {
	var missing []string
	for ts := range needed {
		if !fetched[ts] {
			missing = append(missing, ts)
		}
	}
	sort.Strings(missing)

	var parents []SlackMessage
	for _, ts := range missing {
		params := &slack.GetConversationRepliesParameters{
			ChannelID:          channel.ID,
			Timestamp:          ts,
			Limit:              1,
			IncludeAllMetadata: true,
		}
		messages, _, _, err := f.getConversationReplies(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("thread parent channel=%s ts=%s: %w", channel.ID, ts, err)
		}
		for _, msg := range messages {
			if msg.Timestamp != ts {
				continue
			}
			parent, err := f.buildSlackMessage(ctx, channel, msg, false)
			if err != nil {
				return nil, err
			}
			parents = append(parents, parent)
			break
		}
	}
	return parents, nil
}

// FetchThreadReplies retrieves the replies for a single thread, parent excluded.
func (f *MessageFetcher) FetchThreadReplies(ctx context.Context, channelID, threadTS string) ([]SlackMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	channel, err := f.getChannelInfo(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("get channel info %s: %w", channelID, err)
	}
	parent := slack.Message{Msg: slack.Msg{Timestamp: threadTS, ThreadTimestamp: threadTS}}
	return f.fetchThreadReplies(ctx, *channel, parent, FetchConfig{IncludeThreads: true})
}

func (f *MessageFetcher) fetchThreadReplies(ctx context.Context, channel slack.Channel, parent slack.Message, cfg FetchConfig) ([]SlackMessage, error) {
	var (
		cursor string
		result []SlackMessage
	)

	for {
		params := &slack.GetConversationRepliesParameters{
			ChannelID:          channel.ID,
			Timestamp:          parent.ThreadTimestamp,
			Cursor:             cursor,
			IncludeAllMetadata: true,
		}
		messages, hasMore, next, err := f.getConversationReplies(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("thread messages channel=%s ts=%s: %w", channel.ID, parent.ThreadTimestamp, err)
		}

		for _, msg := range messages {
			// Slack includes the parent message as part of replies; skip duplicates.
			if msg.Timestamp == parent.Timestamp {
				continue
			}
			if !f.shouldIncludeMessage(msg, cfg) {
				continue
			}
			slackMsg, err := f.buildSlackMessage(ctx, channel, msg, true)
			if err != nil {
				return nil, err
			}
			result = append(result, slackMsg)
		}

		if !hasMore || next == "" {
			break
		}
		cursor = next
	}

	return result, nil
}

func (f *MessageFetcher) buildSlackMessage(ctx context.Context, channel slack.Channel, msg slack.Message, isThreadReply bool) (SlackMessage, error) {
	userName := ""
	if msg.User != "" {
		user, err := f.getUser(ctx, msg.User)
		if err != nil {
			return SlackMessage{}, fmt.Errorf("get user %s: %w", msg.User, err)
		}
		if user != nil {
			userName = selectUserName(user)
		}
	}

	permalink := msg.Permalink
	if permalink == "" {
		pl, err := f.getPermalink(ctx, channel.ID, msg.Timestamp)
		if err == nil {
			permalink = pl
		} else {
			f.logf("permalink_error channel=%s ts=%s err=%v", channel.ID, msg.Timestamp, err)
		}
	}

	var editedAt *time.Time
	if msg.Edited != nil && msg.Edited.Timestamp != "" {
		ts := parseSlackTimestamp(msg.Edited.Timestamp)
		if !ts.IsZero() {
			editedAt = &ts
		}
	}

	reactions := make([]SlackReaction, 0, len(msg.Reactions))
	for _, reaction := range msg.Reactions {
		reactions = append(reactions, SlackReaction{
			Name:  reaction.Name,
			Count: reaction.Count,
			Users: append([]string(nil), reaction.Users...),
		})
	}

	return SlackMessage{
		ChannelID:       channel.ID,
		ChannelName:     channelName(channel),
		UserID:          msg.User,
		UserName:        userName,
		Text:            msg.Text,
		Timestamp:       msg.Timestamp,
		ThreadTimestamp: msg.ThreadTimestamp,
		ParentUserID:    msg.ParentUserId,
		Permalink:       permalink,
		IsBot:           isBotMessage(msg),
		IsThreadReply:   isThreadReply,
		EditedTimestamp: editedAt,
		ReplyCount:      msg.ReplyCount,
		ReplyUsers:      append([]string(nil), msg.ReplyUsers...),
		Reactions:       reactions,
	}, nil
}

func (f *MessageFetcher) shouldIncludeMessage(msg slack.Message, cfg FetchConfig) bool {
	if cfg.ExcludeBots && isBotMessage(msg) {
		return false
	}
	if cfg.UserID != "" && msg.User != cfg.UserID {
		return false
	}
	if msg.Text == "" {
		return false
	}
	length := utf8.RuneCountInString(strings.TrimSpace(msg.Text))
	if cfg.MinMessageLength > 0 && length < cfg.MinMessageLength {
		return false
	}
	if msg.SubType != "" && msg.SubType != slack.MsgSubTypeFileShare {
		return false
	}
	return true
}

func (f *MessageFetcher) getConversations(ctx context.Context, params *slack.GetConversationsParameters) ([]slack.Channel, string, error) {
	var (
		result []slack.Channel
		cursor string
	)
	err := f.withRetry(ctx, "conversations.list", func() error {
		if err := f.waitRate(ctx); err != nil {
			return err
		}
		var err error
		result, cursor, err = f.client.GetConversations(params)
		return err
	})
	return result, cursor, err
}

func (f *MessageFetcher) getChannelInfo(ctx context.Context, id string) (*slack.Channel, error) {
	var ch *slack.Channel
	err := f.withRetry(ctx, "conversations.info", func() error {
		if err := f.waitRate(ctx); err != nil {
			return err
		}
		var err error
		ch, err = f.client.GetConversationInfo(&slack.GetConversationInfoInput{ChannelID: id})
		return err
	})
	return ch, err
}

func (f *MessageFetcher) getConversationHistory(ctx context.Context, params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error) {
	var resp *slack.GetConversationHistoryResponse
	err := f.withRetry(ctx, "conversations.history", func() error {
		if err := f.waitRate(ctx); err != nil {
			return err
		}
		var err error
		resp, err = f.client.GetConversationHistory(params)
		return err
	})
	return resp, err
}

func (f *MessageFetcher) getConversationReplies(ctx context.Context, params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error) {
	var (
		messages []slack.Message
		hasMore  bool
		cursor   string
	)
	err := f.withRetry(ctx, "conversations.replies", func() error {
		if err := f.waitRate(ctx); err != nil {
			return err
		}
		var err error
		messages, hasMore, cursor, err = f.client.GetConversationReplies(params)
		return err
	})
	return messages, hasMore, cursor, err
}

func (f *MessageFetcher) getPermalink(ctx context.Context, channelID, timestamp string) (string, error) {
	var permalink string
	err := f.withRetry(ctx, "chat.getPermalink", func() error {
		if err := f.waitRate(ctx); err != nil {
			return err
		}
		var err error
		permalink, err = f.client.GetPermalink(&slack.PermalinkParameters{
			Channel: channelID,
			Ts:      timestamp,
		})
		return err
	})
	return permalink, err
}

func (f *MessageFetcher) getUser(ctx context.Context, userID string) (*slack.User, error) {
	f.userCacheMu.RLock()
	if user, ok := f.userCache[userID]; ok {
		f.userCacheMu.RUnlock()
		return user, nil
	}
	f.userCacheMu.RUnlock()

	var user *slack.User
	err := f.withRetry(ctx, "users.info", func() error {
		if err := f.waitRate(ctx); err != nil {
			return err
		}
		var err error
		user, err = f.client.GetUserInfo(userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	f.userCacheMu.Lock()
	f.userCache[userID] = user
	f.userCacheMu.Unlock()

	return user, nil
}

func (f *MessageFetcher) waitRate(ctx context.Context) error {
	if f.limiter == nil {
		return nil
	}
	return f.limiter.Wait(ctx)
}

func (f *MessageFetcher) withRetry(ctx context.Context, operation string, fn func() error) error {
	var lastErr error
	attempts := f.maxRetries
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !f.shouldRetry(err) || attempt == attempts-1 {
			break
		}

		wait := f.backoffBase * time.Duration(1<<attempt)
		if rle, ok := err.(*slack.RateLimitedError); ok {
			if retryAfter := time.Duration(rle.RetryAfter) * time.Second; retryAfter > wait {
				wait = retryAfter
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", operation, attempts, lastErr)
}

func (f *MessageFetcher) shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Temporary() {
		return true
	}
	if _, ok := err.(*slack.RateLimitedError); ok {
		return true
	}
	var statusErr interface{ StatusCode() int }
	if errors.As(err, &statusErr) {
		code := statusErr.StatusCode()
		return code >= 500
	}
	return false
}

func (f *MessageFetcher) logf(format string, args ...interface{}) {
	if f.logger == nil {
		return
	}
	f.logger.Printf(format, args...)
}

func selectUserName(u *slack.User) string {
	if u == nil {
		return ""
	}
	if u.Profile.DisplayName != "" {
		return u.Profile.DisplayName
	}
	if u.RealName != "" {
		return u.RealName
	}
	return u.Name
}

func isBotMessage(msg slack.Message) bool {
	if msg.BotID != "" {
		return true
	}
	if msg.SubType == slack.MsgSubTypeBotMessage {
		return true
	}
	if msg.SubType == slack.MsgSubTypeMessageChanged && msg.SubMessage != nil {
		return isBotMessage(slack.Message{Msg: *msg.SubMessage})
	}
	return false
}

func channelName(ch slack.Channel) string {
	if ch.NameNormalized != "" {
		return ch.NameNormalized
	}
	return ch.Name
}

func matchesAnyPattern(name string, patterns []string) bool {
	lower := strings.ToLower(name)
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func convertChannel(ch slack.Channel) Channel {
	return Channel{
		ID:         ch.ID,
		Name:       channelName(ch),
		Topic:      ch.Topic.Value,
		Purpose:    ch.Purpose.Value,
		IsPrivate:  ch.IsPrivate,
		IsArchived: ch.IsArchived,
		IsMember:   ch.IsMember,
		NumMembers: ch.NumMembers,
		Created:    time.Unix(int64(ch.Created), 0).UTC(),
	}
}

func convertUser(u slack.User) User {
	return User{
		ID:          u.ID,
		Name:        u.Name,
		RealName:    u.RealName,
		DisplayName: u.Profile.DisplayName,
		Email:       u.Profile.Email,
		Title:       u.Profile.Title,
		Timezone:    u.TZ,
		IsBot:       u.IsBot,
		Deleted:     u.Deleted,
	}
}

func parseSlackTimestamp(ts string) time.Time {
	parts := strings.Split(ts, ".")
	seconds, err := parseInt64(parts[0])
	if err != nil {
		return time.Time{}
	}
	var nanos int64
	if len(parts) > 1 {
		frac := parts[1]
		if len(frac) > 9 {
			frac = frac[:9]
		}
		for len(frac) < 9 {
			frac += "0"
		}
		nanos, err = parseInt64(frac)
		if err != nil {
			nanos = 0
		}
	}
	return time.Unix(seconds, nanos).UTC()
}

func toSlackTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}

func parseInt64(v string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(v), 10, 64)
}
