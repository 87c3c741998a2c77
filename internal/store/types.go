package store

import (
	"strconv"
	"strings"
	"time"
)

// ChannelRecord is a row in the channels table.
type ChannelRecord struct {
	ID          string
	Name        string
	IsMember    bool
	IsArchived  bool
	LastUpdated time.Time
}

// UserRecord is a row in the users table.
type UserRecord struct {
	ID          string
	Name        string
	Username    string
	Email       string
	LastUpdated time.Time
}

// MessageRecord is a row in the messages table. UserName and UserUsername are
// populated from the users join on read paths and ignored on writes.
type MessageRecord struct {
	ID             string
	ChannelID      string
	ChannelName    string
	UserID         string
	Timestamp      float64
	Datetime       string
	Text           string
	ThreadTS       string
	IsThreadParent bool
	HasLinkedInURL bool

	UserName     string
	UserUsername string
}

// SlackTS recovers the raw Slack timestamp from the message ID, which is
// stored as "{channel_id}_{ts}".
func (m MessageRecord) SlackTS() string {
	if m.ChannelID != "" {
		if ts, ok := strings.CutPrefix(m.ID, m.ChannelID+"_"); ok {
			return ts
		}
	}
	if idx := strings.LastIndex(m.ID, "_"); idx >= 0 {
		return m.ID[idx+1:]
	}
	return strconv.FormatFloat(m.Timestamp, 'f', 6, 64)
}

// IsThreadReply reports whether the message is a reply within a thread
// rather than the thread parent.
func (m MessageRecord) IsThreadReply() bool {
	return m.ThreadTS != "" && m.ThreadTS != m.SlackTS()
}

// DisplayUser returns the best available human label for the author.
func (m MessageRecord) DisplayUser() string {
	if m.UserName != "" {
		return m.UserName
	}
	if m.UserUsername != "" {
		return m.UserUsername
	}
	if m.UserID != "" {
		return m.UserID
	}
	return "Unknown User"
}

// CandidateRecord is a row in the candidates table.
type CandidateRecord struct {
	ID           int64
	Name         string
	LinkedInURL  string
	MessageCount int
}

// MessageCandidate links a message to a candidate with the confidence the
// association was made at.
type MessageCandidate struct {
	MessageID   string
	CandidateID int64
	Confidence  float64
	Candidate   CandidateRecord
}

// SummaryRecord is a stored digest or channel summary.
type SummaryRecord struct {
	ID        int64
	ChannelID string
	Content   string
	CreatedAt time.Time
}

// SyncEntry records that a channel/date-range window was fetched from the API.
type SyncEntry struct {
	Email      string
	ChannelID  string
	StartDate  string
	EndDate    string
	LastSynced time.Time
}

// WarehouseStats summarizes row counts per table.
type WarehouseStats struct {
	Channels   int64
	Users      int64
	Messages   int64
	Candidates int64
	Summaries  int64
	SyncedAt   *time.Time
}
