package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const messageBatchSize = 100

// Warehouse manages SQLite persistence for synced Slack data: channels,
// users, messages, extracted candidates, stored summaries and the sync log.
type Warehouse struct {
	db *sql.DB
}

// Option configures the Warehouse connection pool.
type Option func(*sql.DB)

// WithPoolSettings applies connection pool limits to the underlying database.
func WithPoolSettings(maxOpen, maxIdle int, maxLifetime time.Duration) Option {
	return func(db *sql.DB) {
		if maxOpen > 0 {
			db.SetMaxOpenConns(maxOpen)
		}
		if maxIdle > 0 {
			db.SetMaxIdleConns(maxIdle)
		}
		if maxLifetime > 0 {
			db.SetConnMaxLifetime(maxLifetime)
		}
	}
}

// NewWarehouse creates a Warehouse with the database at <dataDir>/slack.db.
// The directory and database file are created if they don't exist.
func NewWarehouse(dataDir string, opts ...Option) (*Warehouse, error) {
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".slackrag")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return NewWarehouseWithPath(filepath.Join(dataDir, "slack.db"), opts...)
}

// NewWarehouseWithPath creates a Warehouse with a custom database path.
// This is useful for testing.
func NewWarehouseWithPath(dbPath string, opts ...Option) (*Warehouse, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	for _, opt := range opts {
		opt(db)
	}

	w := &Warehouse{db: db}
	if err := w.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return w, nil
}

// NewWarehouseWithDB creates a Warehouse with an existing database connection.
// This allows sharing the connection with other stores.
func NewWarehouseWithDB(db *sql.DB) (*Warehouse, error) {
	w := &Warehouse{db: db}
	if err := w.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return w, nil
}

// DB exposes the underlying connection so other stores can share it.
func (w *Warehouse) DB() *sql.DB {
	return w.db
}

func (w *Warehouse) migrate() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS channels (
			id TEXT PRIMARY KEY,
			name TEXT,
			is_member BOOLEAN,
			is_archived BOOLEAN,
			last_updated INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT,
			username TEXT,
			email TEXT,
			last_updated INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			channel_id TEXT,
			channel_name TEXT,
			user_id TEXT,
			timestamp REAL,
			datetime TEXT,
			text TEXT,
			thread_ts TEXT,
			is_thread_parent BOOLEAN,
			has_linkedin_url BOOLEAN
		);`,
		`CREATE TABLE IF NOT EXISTS candidates (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			linkedin_url TEXT NOT NULL UNIQUE
		);`,
		`CREATE TABLE IF NOT EXISTS message_candidates (
			message_id TEXT NOT NULL,
			candidate_id INTEGER NOT NULL,
			confidence REAL NOT NULL DEFAULT 1.0,
			PRIMARY KEY (message_id, candidate_id)
		);`,
		`CREATE TABLE IF NOT EXISTS summaries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			channel_id TEXT,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS sync_log (
			email TEXT,
			channel_id TEXT,
			start_date TEXT,
			end_date TEXT,
			last_synced INTEGER,
			PRIMARY KEY (email, channel_id, start_date, end_date)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_timestamp ON messages(timestamp);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_channel_id ON messages(channel_id);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread_ts ON messages(thread_ts);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_user_id ON messages(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_message_candidates_candidate ON message_candidates(candidate_id);`,
		`CREATE INDEX IF NOT EXISTS idx_sync_log_last_synced ON sync_log(last_synced);`,
	}
	for _, stmt := range statements {
		if _, err := w.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}
	return nil
}

// UpsertChannels inserts or replaces channel rows, stamping last_updated.
func (w *Warehouse) UpsertChannels(ctx context.Context, channels []ChannelRecord) error {
	if len(channels) == 0 {
		return nil
	}
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().Unix()
	for _, ch := range channels {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO channels (id, name, is_member, is_archived, last_updated) VALUES (?, ?, ?, ?, ?)`,
			ch.ID, ch.Name, ch.IsMember, ch.IsArchived, now,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert channel %s: %w", ch.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit channels: %w", err)
	}
	return nil
}

// UpsertUsers inserts or replaces user rows, stamping last_updated.
func (w *Warehouse) UpsertUsers(ctx context.Context, users []UserRecord) error {
	if len(users) == 0 {
		return nil
	}
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().Unix()
	for _, u := range users {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO users (id, name, username, email, last_updated) VALUES (?, ?, ?, ?, ?)`,
			u.ID, u.Name, u.Username, u.Email, now,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert user %s: %w", u.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit users: %w", err)
	}
	return nil
}

// UpsertMessages inserts or replaces message rows in batches.
func (w *Warehouse) UpsertMessages(ctx context.Context, messages []MessageRecord) error {
	for start := 0; start < len(messages); start += messageBatchSize {
		end := start + messageBatchSize
		if end > len(messages) {
			end = len(messages)
		}
		if err := w.upsertMessageBatch(ctx, messages[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func (w *Warehouse) upsertMessageBatch(ctx context.Context, batch []MessageRecord) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range batch {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO messages
				(id, channel_id, channel_name, user_id, timestamp, datetime, text, thread_ts, is_thread_parent, has_linkedin_url)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ChannelID, m.ChannelName, m.UserID, m.Timestamp, m.Datetime,
			m.Text, m.ThreadTS, m.IsThreadParent, m.HasLinkedInURL,
		)
		if err != nil {
			return fmt.Errorf("failed to upsert message %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit message batch: %w", err)
	}
	return nil
}

// ListChannels returns stored channels. When memberOnly is set, archived
// channels and channels the token is not a member of are excluded.
func (w *Warehouse) ListChannels(ctx context.Context, memberOnly bool) ([]ChannelRecord, error) {
	query := `SELECT id, name, is_member, is_archived, last_updated FROM channels`
	if memberOnly {
		query += ` WHERE is_member = 1 AND is_archived = 0`
	}
	query += ` ORDER BY name`

	rows, err := w.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var channels []ChannelRecord
	for rows.Next() {
		var (
			ch          ChannelRecord
			lastUpdated int64
		)
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.IsMember, &ch.IsArchived, &lastUpdated); err != nil {
			return nil, fmt.Errorf("failed to scan channel row: %w", err)
		}
		ch.LastUpdated = time.Unix(lastUpdated, 0).UTC()
		channels = append(channels, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating channel rows: %w", err)
	}
	return channels, nil
}

// ListUsers returns all stored users ordered by name.
func (w *Warehouse) ListUsers(ctx context.Context) ([]UserRecord, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT id, name, username, email, last_updated FROM users ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []UserRecord
	for rows.Next() {
		var (
			u           UserRecord
			lastUpdated int64
		)
		if err := rows.Scan(&u.ID, &u.Name, &u.Username, &u.Email, &lastUpdated); err != nil {
			return nil, fmt.Errorf("failed to scan user row: %w", err)
		}
		u.LastUpdated = time.Unix(lastUpdated, 0).UTC()
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating user rows: %w", err)
	}
	return users, nil
}

// GetUserByEmail returns the stored user with the given email, or nil.
func (w *Warehouse) GetUserByEmail(ctx context.Context, email string) (*UserRecord, error) {
	row := w.db.QueryRowContext(ctx,
		`SELECT id, name, username, email, last_updated FROM users WHERE email = ? COLLATE NOCASE`, email)

	var (
		u           UserRecord
		lastUpdated int64
	)
	err := row.Scan(&u.ID, &u.Name, &u.Username, &u.Email, &lastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user by email: %w", err)
	}
	u.LastUpdated = time.Unix(lastUpdated, 0).UTC()
	return &u, nil
}

// GetMessagesByDateRange returns messages whose timestamp falls between
// startTS and endTS (unix seconds), newest first, with user names joined in.
// channelID narrows the result to one channel when non-empty.
func (w *Warehouse) GetMessagesByDateRange(ctx context.Context, startTS, endTS float64, channelID string) ([]MessageRecord, error) {
	query := `
		SELECT m.id, m.channel_id, m.channel_name, m.user_id, m.timestamp, m.datetime,
			m.text, m.thread_ts, m.is_thread_parent, m.has_linkedin_url,
			COALESCE(u.name, ''), COALESCE(u.username, '')
		FROM messages m
		LEFT JOIN users u ON m.user_id = u.id
		WHERE m.timestamp >= ? AND m.timestamp <= ?
	`
	args := []any{startTS, endTS}
	if channelID != "" {
		query += " AND m.channel_id = ?"
		args = append(args, channelID)
	}
	query += " ORDER BY m.timestamp DESC"

	return w.queryMessages(ctx, query, args...)
}

// SearchMessages runs a LIKE search over message text, newest first.
func (w *Warehouse) SearchMessages(ctx context.Context, text, channelID string, startTS, endTS float64, limit int) ([]MessageRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT m.id, m.channel_id, m.channel_name, m.user_id, m.timestamp, m.datetime,
			m.text, m.thread_ts, m.is_thread_parent, m.has_linkedin_url,
			COALESCE(u.name, ''), COALESCE(u.username, '')
		FROM messages m
		LEFT JOIN users u ON m.user_id = u.id
		WHERE m.text LIKE ?
	`
	args := []any{"%" + text + "%"}
	if channelID != "" {
		query += " AND m.channel_id = ?"
		args = append(args, channelID)
	}
	if startTS > 0 {
		query += " AND m.timestamp >= ?"
		args = append(args, startTS)
	}
	if endTS > 0 {
		query += " AND m.timestamp <= ?"
		args = append(args, endTS)
	}
	query += " ORDER BY m.timestamp DESC LIMIT ?"
	args = append(args, limit)

	return w.queryMessages(ctx, query, args...)
}

// GetThreadMessages returns all messages belonging to a thread, oldest first.
func (w *Warehouse) GetThreadMessages(ctx context.Context, channelID, threadTS string) ([]MessageRecord, error) {
	query := `
		SELECT m.id, m.channel_id, m.channel_name, m.user_id, m.timestamp, m.datetime,
			m.text, m.thread_ts, m.is_thread_parent, m.has_linkedin_url,
			COALESCE(u.name, ''), COALESCE(u.username, '')
		FROM messages m
		LEFT JOIN users u ON m.user_id = u.id
		WHERE m.channel_id = ? AND m.thread_ts = ?
		ORDER BY m.timestamp ASC
	`
	return w.queryMessages(ctx, query, channelID, threadTS)
}

func (w *Warehouse) queryMessages(ctx context.Context, query string, args ...any) ([]MessageRecord, error) {
	rows, err := w.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []MessageRecord
	for rows.Next() {
		var m MessageRecord
		err := rows.Scan(
			&m.ID, &m.ChannelID, &m.ChannelName, &m.UserID, &m.Timestamp, &m.Datetime,
			&m.Text, &m.ThreadTS, &m.IsThreadParent, &m.HasLinkedInURL,
			&m.UserName, &m.UserUsername,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message rows: %w", err)
	}
	return messages, nil
}

// UpsertCandidate inserts a candidate or refreshes its name, returning the
// candidate's row ID. Candidates are keyed by their LinkedIn URL.
func (w *Warehouse) UpsertCandidate(ctx context.Context, name, linkedinURL string) (int64, error) {
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO candidates (name, linkedin_url) VALUES (?, ?)
		ON CONFLICT(linkedin_url) DO UPDATE SET name = excluded.name`,
		name, linkedinURL,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to upsert candidate: %w", err)
	}

	var id int64
	row := w.db.QueryRowContext(ctx, `SELECT id FROM candidates WHERE linkedin_url = ?`, linkedinURL)
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to read candidate id: %w", err)
	}
	return id, nil
}

// LinkMessageCandidate records an association between a message and a candidate.
func (w *Warehouse) LinkMessageCandidate(ctx context.Context, messageID string, candidateID int64, confidence float64) error {
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO message_candidates (message_id, candidate_id, confidence) VALUES (?, ?, ?)
		ON CONFLICT(message_id, candidate_id) DO UPDATE SET confidence = excluded.confidence`,
		messageID, candidateID, confidence,
	)
	if err != nil {
		return fmt.Errorf("failed to link message %s to candidate %d: %w", messageID, candidateID, err)
	}
	return nil
}

// ListCandidates returns all known candidates ordered by name.
func (w *Warehouse) ListCandidates(ctx context.Context) ([]CandidateRecord, error) {
	rows, err := w.db.QueryContext(ctx,
		`SELECT c.id, c.name, c.linkedin_url, COUNT(mc.message_id)
		 FROM candidates c
		 LEFT JOIN message_candidates mc ON mc.candidate_id = c.id
		 GROUP BY c.id, c.name, c.linkedin_url
		 ORDER BY c.name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var candidates []CandidateRecord
	for rows.Next() {
		var c CandidateRecord
		if err := rows.Scan(&c.ID, &c.Name, &c.LinkedInURL, &c.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan candidate row: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candidate rows: %w", err)
	}
	return candidates, nil
}

// CandidatesForMessage returns candidate associations for a message.
func (w *Warehouse) CandidatesForMessage(ctx context.Context, messageID string) ([]MessageCandidate, error) {
	rows, err := w.db.QueryContext(ctx, `
		SELECT mc.message_id, mc.candidate_id, mc.confidence, c.id, c.name, c.linkedin_url
		FROM message_candidates mc
		JOIN candidates c ON c.id = mc.candidate_id
		WHERE mc.message_id = ?
		ORDER BY mc.confidence DESC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to query message candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var links []MessageCandidate
	for rows.Next() {
		var mc MessageCandidate
		err := rows.Scan(&mc.MessageID, &mc.CandidateID, &mc.Confidence,
			&mc.Candidate.ID, &mc.Candidate.Name, &mc.Candidate.LinkedInURL)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message candidate row: %w", err)
		}
		links = append(links, mc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message candidate rows: %w", err)
	}
	return links, nil
}

// SaveSummary stores generated digest content, optionally tied to a channel.
func (w *Warehouse) SaveSummary(ctx context.Context, channelID, content string) (int64, error) {
	result, err := w.db.ExecContext(ctx,
		`INSERT INTO summaries (channel_id, content, created_at) VALUES (?, ?, ?)`,
		channelID, content, time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to save summary: %w", err)
	}
	return result.LastInsertId()
}

// ListSummaries returns stored summaries, newest first. channelID narrows the
// result when non-empty.
func (w *Warehouse) ListSummaries(ctx context.Context, channelID string, limit int) ([]SummaryRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, channel_id, content, created_at FROM summaries`
	args := []any{}
	if channelID != "" {
		query += ` WHERE channel_id = ?`
		args = append(args, channelID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := w.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query summaries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var summaries []SummaryRecord
	for rows.Next() {
		var (
			s         SummaryRecord
			createdAt int64
		)
		if err := rows.Scan(&s.ID, &s.ChannelID, &s.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan summary row: %w", err)
		}
		s.CreatedAt = time.Unix(createdAt, 0).UTC()
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating summary rows: %w", err)
	}
	return summaries, nil
}

// IsSynced reports whether every channel has a sync log entry for the given
// email and date-range window that is younger than maxAge.
func (w *Warehouse) IsSynced(ctx context.Context, email string, channelIDs []string, startDate, endDate string, maxAge time.Duration) (bool, error) {
	if len(channelIDs) == 0 {
		return false, nil
	}
	cutoff := time.Now().Add(-maxAge).Unix()
	for _, channelID := range channelIDs {
		row := w.db.QueryRowContext(ctx,
			`SELECT last_synced FROM sync_log WHERE email = ? AND channel_id = ? AND start_date = ? AND end_date = ?`,
			email, channelID, startDate, endDate,
		)
		var lastSynced int64
		err := row.Scan(&lastSynced)
		if err == sql.ErrNoRows {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to check sync log: %w", err)
		}
		if lastSynced < cutoff {
			return false, nil
		}
	}
	return true, nil
}

// UpdateSyncLog stamps the sync log for each channel in the window.
func (w *Warehouse) UpdateSyncLog(ctx context.Context, email string, channelIDs []string, startDate, endDate string) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().Unix()
	for _, channelID := range channelIDs {
		_, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO sync_log (email, channel_id, start_date, end_date, last_synced) VALUES (?, ?, ?, ?, ?)`,
			email, channelID, startDate, endDate, now,
		)
		if err != nil {
			return fmt.Errorf("failed to update sync log for %s: %w", channelID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sync log: %w", err)
	}
	return nil
}

// Stats returns row counts per table plus the most recent sync time.
func (w *Warehouse) Stats(ctx context.Context) (*WarehouseStats, error) {
	stats := &WarehouseStats{}
	counts := []struct {
		query string
		dst   *int64
	}{
		{`SELECT COUNT(*) FROM channels`, &stats.Channels},
		{`SELECT COUNT(*) FROM users`, &stats.Users},
		{`SELECT COUNT(*) FROM messages`, &stats.Messages},
		{`SELECT COUNT(*) FROM candidates`, &stats.Candidates},
		{`SELECT COUNT(*) FROM summaries`, &stats.Summaries},
	}
	for _, c := range counts {
		if err := w.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("failed to count rows: %w", err)
		}
	}

	var lastSynced sql.NullInt64
	err := w.db.QueryRowContext(ctx, `SELECT MAX(last_synced) FROM sync_log`).Scan(&lastSynced)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to read last sync time: %w", err)
	}
	if lastSynced.Valid {
		ts := time.Unix(lastSynced.Int64, 0).UTC()
		stats.SyncedAt = &ts
	}
	return stats, nil
}

// Close closes the database connection.
func (w *Warehouse) Close() error {
	if w.db != nil {
		return w.db.Close()
	}
	return nil
}
