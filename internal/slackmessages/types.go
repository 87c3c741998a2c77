package slackmessages

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SlackMessage represents a normalized Slack message enriched with the
// metadata the warehouse and downstream processing need.
type SlackMessage struct {
	ChannelID       string
	ChannelName     string
	UserID          string
	UserName        string
	Text            string
	Timestamp       string
	ThreadTimestamp string
	ParentUserID    string
	Permalink       string
	IsBot           bool
	IsThreadReply   bool
	EditedTimestamp *time.Time
	ReplyCount      int
	ReplyUsers      []string
	Reactions       []SlackReaction
}

// SlackReaction represents a reaction applied to a Slack message.
type SlackReaction struct {
	Name  string   `json:"name"`
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// Channel is the subset of Slack channel metadata the warehouse keeps.
type Channel struct {
	ID         string
	Name       string
	Topic      string
	Purpose    string
	IsPrivate  bool
	IsArchived bool
	IsMember   bool
	NumMembers int
	Created    time.Time
}

// User is the subset of Slack user metadata the warehouse keeps.
type User struct {
	ID          string
	Name        string
	RealName    string
	DisplayName string
	Email       string
	Title       string
	Timezone    string
	IsBot       bool
	Deleted     bool
}

// DisplayLabel returns the most human-friendly name available for the user.
func (u User) DisplayLabel() string {
	if u.DisplayName != "" {
		return u.DisplayName
	}
	if u.RealName != "" {
		return u.RealName
	}
	return u.Name
}

// FetchConfig defines configuration parameters when fetching Slack messages.
type FetchConfig struct {
	ChannelIDs       []string
	From             *time.Time
	To               *time.Time
	UserID           string
	IncludeThreads   bool
	ExcludeBots      bool
	PageSize         int
	Limit            int
	MinMessageLength int
}

// DocumentID returns the deterministic identifier used when the message is
// indexed into the vector collection.
func (m SlackMessage) DocumentID() string {
	return fmt.Sprintf("slack-%s-%s", m.ChannelID, m.Timestamp)
}

// HasLinkedInURL reports whether the message text carries a LinkedIn profile link.
func (m SlackMessage) HasLinkedInURL() bool {
	return strings.Contains(m.Text, "linkedin.com/in/")
}

// EventTime converts the Slack timestamp into time.Time. Invalid timestamps return the zero time.
func (m SlackMessage) EventTime() time.Time {
	if m.Timestamp == "" {
		return time.Time{}
	}

	parts := strings.Split(m.Timestamp, ".")
	sec, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return time.Time{}
	}

	var nsec int64
	if len(parts) > 1 {
		// Slack uses microseconds in the fractional component.
		frac := parts[1]
		if len(frac) > 9 {
			frac = frac[:9]
		}
		for len(frac) < 9 {
			frac += "0"
		}

		nsec, err = strconv.ParseInt(frac, 10, 64)
		if err != nil {
			nsec = 0
		}
	}

	return time.Unix(sec, nsec).UTC()
}
