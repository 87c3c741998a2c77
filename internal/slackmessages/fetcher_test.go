package slackmessages

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func newTestFetcher(mock SlackAPI, opts ...FetcherOption) *MessageFetcher {
	base := []FetcherOption{
		WithRateLimiter(rate.NewLimiter(rate.Every(time.Millisecond), 10)),
		WithLogger(log.New(io.Discard, "", 0)),
		WithBackoffBase(5 * time.Millisecond),
	}
	return NewMessageFetcher(mock, append(base, opts...)...)
}

func TestMessageFetcher_FetchMessagesBasic(t *testing.T) {
	mock := &mockSlackAPI{
		conversationInfoFunc: func(input *slack.GetConversationInfoInput) (*slack.Channel, error) {
			ch := newChannel(input.ChannelID, "candidatelabs-acme")
			return &ch, nil
		},
		historyFunc: func(params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error) {
			return &slack.GetConversationHistoryResponse{
				Messages: []slack.Message{
					{
						Msg: slack.Msg{
							User:      "U123",
							Text:      "New submission: <https://linkedin.com/in/jane-doe|Jane Doe>",
							Timestamp: "1700000000.123456",
							Permalink: "https://slack.example.com/archives/C123/p1700000000123456",
						},
					},
				},
			}, nil
		},
		userInfoFunc: func(user string) (*slack.User, error) {
			return &slack.User{
				Name: "sam",
				Profile: slack.UserProfile{
					DisplayName: "Sam Recruiter",
				},
				RealName: "Samantha Recruiter",
			}, nil
		},
		permalinkFunc: func(params *slack.PermalinkParameters) (string, error) {
			return "https://slack.example.com/archives/C123/p1700000000123456", nil
		},
	}

	fetcher := newTestFetcher(mock)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	messages, err := fetcher.FetchMessages(ctx, FetchConfig{ChannelIDs: []string{"C123"}})
	assert.NoError(t, err)
	if assert.Len(t, messages, 1) {
		msg := messages[0]
		assert.Equal(t, "C123", msg.ChannelID)
		assert.Equal(t, "candidatelabs-acme", msg.ChannelName)
		assert.Equal(t, "U123", msg.UserID)
		assert.Equal(t, "Sam Recruiter", msg.UserName)
		assert.Equal(t, "slack-C123-1700000000.123456", msg.DocumentID())
		assert.True(t, msg.HasLinkedInURL())
		assert.Equal(t, time.Unix(1700000000, 123456000).UTC(), msg.EventTime())
	}
}

func TestMessageFetcher_ExcludeBotsAndShortMessages(t *testing.T) {
	mock := &mockSlackAPI{
		conversationInfoFunc: func(input *slack.GetConversationInfoInput) (*slack.Channel, error) {
			ch := newChannel(input.ChannelID, "alerts")
			return &ch, nil
		},
		historyFunc: func(params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error) {
			return &slack.GetConversationHistoryResponse{
				Messages: []slack.Message{
					{Msg: slack.Msg{User: "U123", Text: "hi", Timestamp: "1700000000.000001"}},
					{Msg: slack.Msg{BotID: "B1", Text: "bot message", Timestamp: "1700000001.000001"}},
				},
			}, nil
		},
		userInfoFunc: func(user string) (*slack.User, error) {
			return &slack.User{Name: "user"}, nil
		},
		permalinkFunc: func(params *slack.PermalinkParameters) (string, error) {
			return "https://example.com", nil
		},
	}

	fetcher := newTestFetcher(mock)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	messages, err := fetcher.FetchMessages(ctx, FetchConfig{
		ChannelIDs:       []string{"C999"},
		ExcludeBots:      true,
		MinMessageLength: 5,
	})
	assert.NoError(t, err)
	assert.Empty(t, messages)
}

func TestMessageFetcher_FilterByUser(t *testing.T) {
	mock := &mockSlackAPI{
		conversationInfoFunc: func(input *slack.GetConversationInfoInput) (*slack.Channel, error) {
			ch := newChannel(input.ChannelID, "submissions")
			return &ch, nil
		},
		historyFunc: func(params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error) {
			return &slack.GetConversationHistoryResponse{
				Messages: []slack.Message{
					{Msg: slack.Msg{User: "U111", Text: "mine to keep", Timestamp: "1700000000.000001"}},
					{Msg: slack.Msg{User: "U222", Text: "someone else", Timestamp: "1700000001.000001"}},
				},
			}, nil
		},
		userInfoFunc: func(user string) (*slack.User, error) {
			return &slack.User{Name: user}, nil
		},
		permalinkFunc: func(params *slack.PermalinkParameters) (string, error) {
			return "https://example.com", nil
		},
	}

	fetcher := newTestFetcher(mock)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	messages, err := fetcher.FetchMessages(ctx, FetchConfig{
		ChannelIDs: []string{"C555"},
		UserID:     "U111",
	})
	assert.NoError(t, err)
	if assert.Len(t, messages, 1) {
		assert.Equal(t, "U111", messages[0].UserID)
	}
}

func TestMessageFetcher_IncludeThreads(t *testing.T) {
	mock := &mockSlackAPI{
		conversationInfoFunc: func(input *slack.GetConversationInfoInput) (*slack.Channel, error) {
			ch := newChannel(input.ChannelID, "support")
			return &ch, nil
		},
		historyFunc: func(params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error) {
			return &slack.GetConversationHistoryResponse{
				Messages: []slack.Message{
					{Msg: slack.Msg{
						User:            "U111",
						Text:            "root message",
						Timestamp:       "1700000002.000001",
						ThreadTimestamp: "1700000002.000001",
					}},
				},
			}, nil
		},
		repliesFunc: func(params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error) {
			return []slack.Message{
				{Msg: slack.Msg{User: "U111", Text: "root message", Timestamp: "1700000002.000001", ThreadTimestamp: "1700000002.000001"}},
				{Msg: slack.Msg{User: "U222", Text: "first reply", Timestamp: "1700000003.000001", ThreadTimestamp: "1700000002.000001"}},
				{Msg: slack.Msg{User: "U333", Text: "second reply", Timestamp: "1700000004.000001", ThreadTimestamp: "1700000002.000001"}},
			}, false, "", nil
		},
		userInfoFunc: func(user string) (*slack.User, error) {
			return &slack.User{
				Name: user,
				Profile: slack.UserProfile{
					DisplayName: strings.ToUpper(user),
				},
			}, nil
		},
		permalinkFunc: func(params *slack.PermalinkParameters) (string, error) {
			return "https://example.com", nil
		},
	}

	fetcher := newTestFetcher(mock)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	messages, err := fetcher.FetchMessages(ctx, FetchConfig{
		ChannelIDs:     []string{"C777"},
		IncludeThreads: true,
	})
	assert.NoError(t, err)
	if assert.Len(t, messages, 3) {
		assert.False(t, messages[0].IsThreadReply)
		assert.True(t, messages[1].IsThreadReply)
		assert.True(t, messages[2].IsThreadReply)
		assert.Equal(t, "first reply", messages[1].Text)
		assert.Equal(t, "second reply", messages[2].Text)
	}
}

func TestMessageFetcher_BackfillsThreadParentOutsideWindow(t *testing.T) {
	var repliesRequested []string
	mock := &mockSlackAPI{
		conversationInfoFunc: func(input *slack.GetConversationInfoInput) (*slack.Channel, error) {
			ch := newChannel(input.ChannelID, "candidatelabs-acme")
			return &ch, nil
		},
		historyFunc: func(params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error) {
			// A broadcast reply inside the window whose parent predates it.
			return &slack.GetConversationHistoryResponse{
				Messages: []slack.Message{
					{Msg: slack.Msg{
						User:            "U222",
						Text:            "feedback on the candidate",
						Timestamp:       "1700000200.000100",
						ThreadTimestamp: "1699990000.000100",
					}},
				},
			}, nil
		},
		repliesFunc: func(params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error) {
			repliesRequested = append(repliesRequested, params.Timestamp)
			return []slack.Message{
				{Msg: slack.Msg{User: "U111", Text: "submission: <https://linkedin.com/in/jane-doe|Jane Doe>", Timestamp: "1699990000.000100", ThreadTimestamp: "1699990000.000100"}},
				{Msg: slack.Msg{User: "U222", Text: "feedback on the candidate", Timestamp: "1700000200.000100", ThreadTimestamp: "1699990000.000100"}},
			}, false, "", nil
		},
		userInfoFunc: func(user string) (*slack.User, error) {
			return &slack.User{Name: user}, nil
		},
		permalinkFunc: func(params *slack.PermalinkParameters) (string, error) {
			return "https://example.com", nil
		},
	}

	fetcher := newTestFetcher(mock)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	messages, err := fetcher.FetchMessages(ctx, FetchConfig{
		ChannelIDs:     []string{"C123"},
		IncludeThreads: true,
	})
	assert.NoError(t, err)
	assert.Equal(t, []string{"1699990000.000100"}, repliesRequested)
	if assert.Len(t, messages, 2) {
		byTS := map[string]SlackMessage{}
		for _, msg := range messages {
			byTS[msg.Timestamp] = msg
		}
		parent, ok := byTS["1699990000.000100"]
		if assert.True(t, ok, "thread parent should be backfilled") {
			assert.False(t, parent.IsThreadReply)
			assert.True(t, parent.HasLinkedInURL())
		}
	}
}

func TestMessageFetcher_PaginatesPastFilteredPage(t *testing.T) {
	var historyCalls int
	mock := &mockSlackAPI{
		conversationInfoFunc: func(input *slack.GetConversationInfoInput) (*slack.Channel, error) {
			ch := newChannel(input.ChannelID, "alerts")
			return &ch, nil
		},
		historyFunc: func(params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error) {
			historyCalls++
			if params.Cursor == "" {
				return &slack.GetConversationHistoryResponse{
					HasMore: true,
					ResponseMetaData: struct {
						NextCursor string `json:"next_cursor"`
					}{NextCursor: "page2"},
					Messages: []slack.Message{
						{Msg: slack.Msg{BotID: "B1", Text: "bot noise", Timestamp: "1700000010.000001"}},
						{Msg: slack.Msg{BotID: "B2", Text: "more bot noise", Timestamp: "1700000011.000001"}},
					},
				}, nil
			}
			return &slack.GetConversationHistoryResponse{
				Messages: []slack.Message{
					{Msg: slack.Msg{User: "U1", Text: "human message on a later page", Timestamp: "1700000012.000001"}},
				},
			}, nil
		},
		userInfoFunc: func(user string) (*slack.User, error) {
			return &slack.User{Name: user}, nil
		},
		permalinkFunc: func(params *slack.PermalinkParameters) (string, error) {
			return "https://example.com", nil
		},
	}

	fetcher := newTestFetcher(mock)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	messages, err := fetcher.FetchMessages(ctx, FetchConfig{
		ChannelIDs:  []string{"C888"},
		ExcludeBots: true,
	})
	assert.NoError(t, err)
	assert.Equal(t, 2, historyCalls)
	if assert.Len(t, messages, 1) {
		assert.Equal(t, "human message on a later page", messages[0].Text)
	}
}

func TestMessageFetcher_RetryOnRateLimit(t *testing.T) {
	var calls int
	mock := &mockSlackAPI{
		conversationInfoFunc: func(input *slack.GetConversationInfoInput) (*slack.Channel, error) {
			ch := newChannel(input.ChannelID, "general")
			return &ch, nil
		},
		historyFunc: func(params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error) {
			calls++
			if calls == 1 {
				return nil, &slack.RateLimitedError{RetryAfter: 0}
			}
			return &slack.GetConversationHistoryResponse{
				Messages: []slack.Message{
					{Msg: slack.Msg{User: "U1", Text: "retry success", Timestamp: "1700000050.000001"}},
				},
			}, nil
		},
		userInfoFunc: func(user string) (*slack.User, error) {
			return &slack.User{Name: user}, nil
		},
		permalinkFunc: func(params *slack.PermalinkParameters) (string, error) {
			return "https://example.com", nil
		},
	}

	fetcher := newTestFetcher(mock, WithMaxRetries(3))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	messages, err := fetcher.FetchMessages(ctx, FetchConfig{ChannelIDs: []string{"C123"}})
	assert.NoError(t, err)
	assert.Len(t, messages, 1)
	assert.Equal(t, 2, calls)
}

func TestMessageFetcher_ListChannelsFiltersByPattern(t *testing.T) {
	mock := &mockSlackAPI{
		conversationsFunc: func(params *slack.GetConversationsParameters) ([]slack.Channel, string, error) {
			return []slack.Channel{
				newChannel("C1", "candidatelabs-acme"),
				newChannel("C2", "random"),
				newChannel("C3", "clientchannel-globex"),
			}, "", nil
		},
	}

	fetcher := newTestFetcher(mock)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	channels, err := fetcher.ListChannels(ctx, []string{"candidatelabs", "clientchannel"})
	assert.NoError(t, err)
	if assert.Len(t, channels, 2) {
		assert.Equal(t, "candidatelabs-acme", channels[0].Name)
		assert.Equal(t, "clientchannel-globex", channels[1].Name)
	}

	all, err := fetcher.ListChannels(ctx, nil)
	assert.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestMessageFetcher_ListUsers(t *testing.T) {
	mock := &mockSlackAPI{
		usersFunc: func(options ...slack.GetUsersOption) ([]slack.User, error) {
			return []slack.User{
				{
					ID:       "U1",
					Name:     "sam",
					RealName: "Samantha Recruiter",
					TZ:       "America/Chicago",
					Profile: slack.UserProfile{
						DisplayName: "Sam",
						Email:       "sam@example.com",
					},
				},
				{ID: "U2", Name: "bot", IsBot: true},
			}, nil
		},
	}

	fetcher := newTestFetcher(mock)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	users, err := fetcher.ListUsers(ctx)
	assert.NoError(t, err)
	if assert.Len(t, users, 2) {
		assert.Equal(t, "Sam", users[0].DisplayLabel())
		assert.Equal(t, "sam@example.com", users[0].Email)
		assert.True(t, users[1].IsBot)
	}
}

func TestMessageFetcher_LookupUserByEmail(t *testing.T) {
	mock := &mockSlackAPI{
		userByEmailFunc: func(email string) (*slack.User, error) {
			if email != "sam@example.com" {
				return nil, errors.New("users_not_found")
			}
			return &slack.User{ID: "U1", Name: "sam"}, nil
		},
	}

	fetcher := newTestFetcher(mock)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	user, err := fetcher.LookupUserByEmail(ctx, "sam@example.com")
	assert.NoError(t, err)
	assert.Equal(t, "U1", user.ID)

	_, err = fetcher.LookupUserByEmail(ctx, "nobody@example.com")
	assert.Error(t, err)
}

type mockSlackAPI struct {
	conversationsFunc    func(params *slack.GetConversationsParameters) ([]slack.Channel, string, error)
	conversationInfoFunc func(input *slack.GetConversationInfoInput) (*slack.Channel, error)
	historyFunc          func(params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error)
	repliesFunc          func(params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error)
	usersFunc            func(options ...slack.GetUsersOption) ([]slack.User, error)
	userInfoFunc         func(userID string) (*slack.User, error)
	userByEmailFunc      func(email string) (*slack.User, error)
	permalinkFunc        func(params *slack.PermalinkParameters) (string, error)
}

func (m *mockSlackAPI) GetConversations(params *slack.GetConversationsParameters) ([]slack.Channel, string, error) {
	if m.conversationsFunc != nil {
		return m.conversationsFunc(params)
	}
	return nil, "", nil
}

func (m *mockSlackAPI) GetConversationInfo(input *slack.GetConversationInfoInput) (*slack.Channel, error) {
	if m.conversationInfoFunc != nil {
		return m.conversationInfoFunc(input)
	}
	return nil, errors.New("not implemented")
}

func (m *mockSlackAPI) GetConversationHistory(params *slack.GetConversationHistoryParameters) (*slack.GetConversationHistoryResponse, error) {
	if m.historyFunc != nil {
		return m.historyFunc(params)
	}
	return nil, errors.New("not implemented")
}

func (m *mockSlackAPI) GetConversationReplies(params *slack.GetConversationRepliesParameters) ([]slack.Message, bool, string, error) {
	if m.repliesFunc != nil {
		return m.repliesFunc(params)
	}
	return nil, false, "", nil
}

func (m *mockSlackAPI) GetUsers(options ...slack.GetUsersOption) ([]slack.User, error) {
	if m.usersFunc != nil {
		return m.usersFunc(options...)
	}
	return nil, errors.New("not implemented")
}

func (m *mockSlackAPI) GetUserInfo(userID string) (*slack.User, error) {
	if m.userInfoFunc != nil {
		return m.userInfoFunc(userID)
	}
	return nil, errors.New("not implemented")
}

func (m *mockSlackAPI) GetUserByEmail(email string) (*slack.User, error) {
	if m.userByEmailFunc != nil {
		return m.userByEmailFunc(email)
	}
	return nil, errors.New("not implemented")
}

func (m *mockSlackAPI) GetPermalink(params *slack.PermalinkParameters) (string, error) {
	if m.permalinkFunc != nil {
		return m.permalinkFunc(params)
	}
	return "", errors.New("not implemented")
}

func newChannel(id, name string) slack.Channel {
	return slack.Channel{
		GroupConversation: slack.GroupConversation{
			Conversation: slack.Conversation{
				ID:             id,
				NameNormalized: name,
			},
			Name: name,
		},
		IsChannel: true,
		IsGeneral: name == "general",
	}
}
