package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/stoik/mailsift/internal/models"
)

type migration struct {
	version int
	sql     string
}

// Timestamps are stored as UTC unix nanoseconds so range deletes compare
// integers rather than driver-formatted strings.
var migrations = []migration{
	{
		version: 1,
		sql: `
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);

			CREATE TABLE IF NOT EXISTS credentials (
				user_id    TEXT PRIMARY KEY,
				email      TEXT NOT NULL DEFAULT '',
				creds      TEXT NOT NULL DEFAULT '',
				updated_at INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS messages (
				user_id    TEXT NOT NULL,
				msg_id     TEXT NOT NULL,
				seq        INTEGER NOT NULL,
				subject    TEXT NOT NULL DEFAULT '',
				body       TEXT NOT NULL DEFAULT '',
				fetched_at INTEGER NOT NULL,
				processed  INTEGER NOT NULL DEFAULT 0,
				spam       INTEGER NOT NULL DEFAULT 0,
				event      TEXT,
				summary    TEXT,
				cal_link   TEXT,
				PRIMARY KEY (user_id, msg_id)
			);
			CREATE INDEX IF NOT EXISTS idx_messages_user_processed ON messages(user_id, processed);
			CREATE INDEX IF NOT EXISTS idx_messages_fetched_at ON messages(fetched_at);

			CREATE TABLE IF NOT EXISTS events (
				user_id     TEXT NOT NULL,
				email_id    TEXT NOT NULL,
				title       TEXT NOT NULL,
				date        TEXT NOT NULL,
				start_time  TEXT NOT NULL,
				end_time    TEXT NOT NULL,
				location    TEXT NOT NULL,
				description TEXT NOT NULL,
				added_at    INTEGER NOT NULL,
				PRIMARY KEY (user_id, email_id)
			);
			CREATE INDEX IF NOT EXISTS idx_events_added_at ON events(added_at);

			INSERT INTO schema_version (version) VALUES (1);
		`,
	},
}

// SQLiteStore implements Store on a local SQLite file.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) the database at path, enables WAL mode
// and applies pending migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// A single writer avoids SQLITE_BUSY when sweeps run concurrently.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) runMigrations() error {
	current := 0

	var tables int
	err := s.db.Get(&tables,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tables > 0 {
		if err := s.db.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Messages() MessageStore       { return sqliteMessages{s.db} }
func (s *SQLiteStore) Events() EventStore           { return sqliteEvents{s.db} }
func (s *SQLiteStore) Credentials() CredentialStore { return sqliteCredentials{s.db} }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

type messageRow struct {
	UserID    string         `db:"user_id"`
	MsgID     string         `db:"msg_id"`
	Subject   string         `db:"subject"`
	Body      string         `db:"body"`
	FetchedAt int64          `db:"fetched_at"`
	Processed int            `db:"processed"`
	Spam      int            `db:"spam"`
	Event     sql.NullString `db:"event"`
	Summary   sql.NullString `db:"summary"`
	CalLink   sql.NullString `db:"cal_link"`
}

func (r messageRow) toModel() (models.StoredMessage, error) {
	msg := models.StoredMessage{
		UserID:    r.UserID,
		MsgID:     r.MsgID,
		Subject:   r.Subject,
		Body:      r.Body,
		FetchedAt: fromNanos(r.FetchedAt),
		Processed: r.Processed != 0,
		Spam:      r.Spam != 0,
	}
	if r.Summary.Valid {
		msg.Summary = &r.Summary.String
	}
	if r.CalLink.Valid {
		msg.CalLink = &r.CalLink.String
	}
	if r.Event.Valid {
		ev, err := decodeEvent([]byte(r.Event.String))
		if err != nil {
			return msg, err
		}
		msg.Event = ev
	}
	return msg, nil
}

type sqliteMessages struct{ db *sqlx.DB }

func (m sqliteMessages) InsertIfAbsent(ctx context.Context, msg models.StoredMessage) (bool, error) {
	// seq preserves insertion order for messages sharing a fetched_at.
	res, err := m.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (user_id, msg_id, seq, subject, body, fetched_at, processed)
		VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM messages), ?, ?, ?, ?)`,
		msg.UserID, msg.MsgID, msg.Subject, msg.Body, toNanos(msg.FetchedAt), boolToInt(msg.Processed),
	)
	if err != nil {
		return false, fmt.Errorf("inserting message %s: %w", msg.MsgID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (m sqliteMessages) Exists(ctx context.Context, userID, msgID string) (bool, error) {
	var n int
	err := m.db.GetContext(ctx, &n,
		"SELECT COUNT(*) FROM messages WHERE user_id = ? AND msg_id = ?", userID, msgID)
	if err != nil {
		return false, fmt.Errorf("checking message %s: %w", msgID, err)
	}
	return n > 0, nil
}

const sqliteMessageColumns = `user_id, msg_id, subject, body, fetched_at, processed, spam, event, summary, cal_link`

func (m sqliteMessages) ListUnprocessed(ctx context.Context, userID string) ([]models.StoredMessage, error) {
	return m.selectRows(ctx, `SELECT `+sqliteMessageColumns+` FROM messages
		WHERE user_id = ? AND processed = 0
		ORDER BY seq`, userID)
}

func (m sqliteMessages) ListPage(ctx context.Context, userID string, offset, limit int) ([]models.StoredMessage, error) {
	return m.selectRows(ctx, `SELECT `+sqliteMessageColumns+` FROM messages
		WHERE user_id = ?
		ORDER BY fetched_at DESC, seq
		LIMIT ? OFFSET ?`, userID, limit, offset)
}

func (m sqliteMessages) selectRows(ctx context.Context, query string, args ...interface{}) ([]models.StoredMessage, error) {
	var rows []messageRow
	if err := m.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}

	msgs := make([]models.StoredMessage, 0, len(rows))
	for _, r := range rows {
		msg, err := r.toModel()
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func (m sqliteMessages) UpdateOutcome(ctx context.Context, userID, msgID string, o models.Outcome) error {
	eventJSON, err := encodeEvent(o.Event)
	if err != nil {
		return err
	}

	res, err := m.db.ExecContext(ctx, `
		UPDATE messages
		SET processed = 1, spam = ?, event = ?, summary = ?, cal_link = ?
		WHERE user_id = ? AND msg_id = ? AND processed = 0`,
		boolToInt(o.Spam), eventJSON, o.Summary, o.CalLink, userID, msgID,
	)
	if err != nil {
		return fmt.Errorf("updating message %s: %w", msgID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		exists, err := m.Exists(ctx, userID, msgID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("updating message %s: %w", msgID, ErrAlreadyProcessed)
		}
		return fmt.Errorf("updating message %s: %w", msgID, ErrNotFound)
	}
	return nil
}

func (m sqliteMessages) Count(ctx context.Context, userID string) (int, error) {
	var n int
	if err := m.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM messages WHERE user_id = ?", userID); err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return n, nil
}

func (m sqliteMessages) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := m.db.ExecContext(ctx, "DELETE FROM messages WHERE fetched_at < ?", toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purging messages: %w", err)
	}
	return res.RowsAffected()
}

type eventRow struct {
	UserID      string `db:"user_id"`
	EmailID     string `db:"email_id"`
	Title       string `db:"title"`
	Date        string `db:"date"`
	StartTime   string `db:"start_time"`
	EndTime     string `db:"end_time"`
	Location    string `db:"location"`
	Description string `db:"description"`
	AddedAt     int64  `db:"added_at"`
}

type sqliteEvents struct{ db *sqlx.DB }

func (e sqliteEvents) InsertIfAbsent(ctx context.Context, ev models.CachedEvent) (bool, error) {
	res, err := e.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO events
			(user_id, email_id, title, date, start_time, end_time, location, description, added_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.UserID, ev.EmailID, ev.Title, ev.Date, ev.StartTime, ev.EndTime,
		ev.Location, ev.Description, toNanos(ev.AddedAt),
	)
	if err != nil {
		return false, fmt.Errorf("inserting event for %s: %w", ev.EmailID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (e sqliteEvents) Get(ctx context.Context, userID, emailID string) (*models.CachedEvent, error) {
	var r eventRow
	err := e.db.GetContext(ctx, &r, `
		SELECT user_id, email_id, title, date, start_time, end_time, location, description, added_at
		FROM events WHERE user_id = ? AND email_id = ?`, userID, emailID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting event %s: %w", emailID, err)
	}
	return &models.CachedEvent{
		UserID:  r.UserID,
		EmailID: r.EmailID,
		ExtractedEvent: models.ExtractedEvent{
			Title:       r.Title,
			Date:        r.Date,
			StartTime:   r.StartTime,
			EndTime:     r.EndTime,
			Location:    r.Location,
			Description: r.Description,
		},
		AddedAt: fromNanos(r.AddedAt),
	}, nil
}

func (e sqliteEvents) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := e.db.ExecContext(ctx, "DELETE FROM events WHERE added_at < ?", toNanos(cutoff))
	if err != nil {
		return 0, fmt.Errorf("purging events: %w", err)
	}
	return res.RowsAffected()
}

type sqliteCredentials struct{ db *sqlx.DB }

func (c sqliteCredentials) Put(ctx context.Context, rec models.CredentialRecord) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO credentials (user_id, email, creds, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			email = excluded.email, creds = excluded.creds, updated_at = excluded.updated_at`,
		rec.UserID, rec.Email, rec.Creds, toNanos(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving credential for %s: %w", rec.UserID, err)
	}
	return nil
}

func (c sqliteCredentials) Get(ctx context.Context, userID string) (*models.CredentialRecord, error) {
	var r struct {
		UserID    string `db:"user_id"`
		Email     string `db:"email"`
		Creds     string `db:"creds"`
		UpdatedAt int64  `db:"updated_at"`
	}
	err := c.db.GetContext(ctx, &r,
		"SELECT user_id, email, creds, updated_at FROM credentials WHERE user_id = ?", userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting credential for %s: %w", userID, err)
	}
	return &models.CredentialRecord{
		UserID:    r.UserID,
		Email:     r.Email,
		Creds:     r.Creds,
		UpdatedAt: fromNanos(r.UpdatedAt),
	}, nil
}

func (c sqliteCredentials) ListUsers(ctx context.Context) ([]string, error) {
	var users []string
	if err := c.db.SelectContext(ctx, &users,
		"SELECT user_id FROM credentials WHERE creds <> '' ORDER BY user_id"); err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	return users, nil
}
