package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/stoik/mailsift/internal/models"
)

// PostgresStore implements Store on a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore wraps an open pool. Close closes the pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Messages() MessageStore       { return pgMessages{s.pool} }
func (s *PostgresStore) Events() EventStore           { return pgEvents{s.pool} }
func (s *PostgresStore) Credentials() CredentialStore { return pgCredentials{s.pool} }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

type pgMessages struct{ pool *pgxpool.Pool }

func (m pgMessages) InsertIfAbsent(ctx context.Context, msg models.StoredMessage) (bool, error) {
	query := `
		INSERT INTO messages (user_id, msg_id, subject, body, fetched_at, processed)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, msg_id) DO NOTHING
	`
	tag, err := m.pool.Exec(ctx, query,
		msg.UserID, msg.MsgID, msg.Subject, msg.Body, msg.FetchedAt.UTC(), msg.Processed,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert message %s: %w", msg.MsgID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (m pgMessages) Exists(ctx context.Context, userID, msgID string) (bool, error) {
	var exists bool
	err := m.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE user_id = $1 AND msg_id = $2)`,
		userID, msgID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check message %s: %w", msgID, err)
	}
	return exists, nil
}

const pgMessageColumns = `user_id, msg_id, subject, body, fetched_at, processed, spam, event, summary, cal_link`

func (m pgMessages) ListUnprocessed(ctx context.Context, userID string) ([]models.StoredMessage, error) {
	query := `SELECT ` + pgMessageColumns + ` FROM messages
		WHERE user_id = $1 AND processed = FALSE
		ORDER BY seq`
	return m.query(ctx, query, userID)
}

func (m pgMessages) ListPage(ctx context.Context, userID string, offset, limit int) ([]models.StoredMessage, error) {
	query := `SELECT ` + pgMessageColumns + ` FROM messages
		WHERE user_id = $1
		ORDER BY fetched_at DESC, seq
		OFFSET $2 LIMIT $3`
	return m.query(ctx, query, userID, offset, limit)
}

func (m pgMessages) query(ctx context.Context, query string, args ...any) ([]models.StoredMessage, error) {
	rows, err := m.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.StoredMessage
	for rows.Next() {
		var (
			msg       models.StoredMessage
			eventJSON []byte
		)
		if err := rows.Scan(
			&msg.UserID, &msg.MsgID, &msg.Subject, &msg.Body, &msg.FetchedAt,
			&msg.Processed, &msg.Spam, &eventJSON, &msg.Summary, &msg.CalLink,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if msg.Event, err = decodeEvent(eventJSON); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

func (m pgMessages) UpdateOutcome(ctx context.Context, userID, msgID string, o models.Outcome) error {
	eventJSON, err := encodeEvent(o.Event)
	if err != nil {
		return err
	}

	tag, err := m.pool.Exec(ctx, `
		UPDATE messages
		SET processed = TRUE, spam = $3, event = $4::jsonb, summary = $5, cal_link = $6
		WHERE user_id = $1 AND msg_id = $2 AND processed = FALSE`,
		userID, msgID, o.Spam, eventJSON, o.Summary, o.CalLink,
	)
	if err != nil {
		return fmt.Errorf("failed to update message %s: %w", msgID, err)
	}
	if tag.RowsAffected() == 0 {
		return m.noRowsUpdated(ctx, userID, msgID)
	}
	return nil
}

func (m pgMessages) noRowsUpdated(ctx context.Context, userID, msgID string) error {
	exists, err := m.Exists(ctx, userID, msgID)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("updating message %s: %w", msgID, ErrAlreadyProcessed)
	}
	return fmt.Errorf("updating message %s: %w", msgID, ErrNotFound)
}

func (m pgMessages) Count(ctx context.Context, userID string) (int, error) {
	var n int
	if err := m.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE user_id = $1`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count messages: %w", err)
	}
	return n, nil
}

func (m pgMessages) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := m.pool.Exec(ctx, `DELETE FROM messages WHERE fetched_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge messages: %w", err)
	}
	return tag.RowsAffected(), nil
}

type pgEvents struct{ pool *pgxpool.Pool }

func (e pgEvents) InsertIfAbsent(ctx context.Context, ev models.CachedEvent) (bool, error) {
	query := `
		INSERT INTO events (user_id, email_id, title, date, start_time, end_time, location, description, added_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, email_id) DO NOTHING
	`
	tag, err := e.pool.Exec(ctx, query,
		ev.UserID, ev.EmailID, ev.Title, ev.Date, ev.StartTime, ev.EndTime,
		ev.Location, ev.Description, ev.AddedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert event for %s: %w", ev.EmailID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (e pgEvents) Get(ctx context.Context, userID, emailID string) (*models.CachedEvent, error) {
	var ev models.CachedEvent
	err := e.pool.QueryRow(ctx, `
		SELECT user_id, email_id, title, date, start_time, end_time, location, description, added_at
		FROM events WHERE user_id = $1 AND email_id = $2`,
		userID, emailID,
	).Scan(
		&ev.UserID, &ev.EmailID, &ev.Title, &ev.Date, &ev.StartTime, &ev.EndTime,
		&ev.Location, &ev.Description, &ev.AddedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event %s: %w", emailID, err)
	}
	return &ev, nil
}

func (e pgEvents) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := e.pool.Exec(ctx, `DELETE FROM events WHERE added_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to purge events: %w", err)
	}
	return tag.RowsAffected(), nil
}

type pgCredentials struct{ pool *pgxpool.Pool }

func (c pgCredentials) Put(ctx context.Context, rec models.CredentialRecord) error {
	_, err := c.pool.Exec(ctx, `
		INSERT INTO credentials (user_id, email, creds, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id)
		DO UPDATE SET email = EXCLUDED.email, creds = EXCLUDED.creds, updated_at = EXCLUDED.updated_at`,
		rec.UserID, rec.Email, rec.Creds, rec.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save credential for %s: %w", rec.UserID, err)
	}
	return nil
}

func (c pgCredentials) Get(ctx context.Context, userID string) (*models.CredentialRecord, error) {
	var rec models.CredentialRecord
	err := c.pool.QueryRow(ctx,
		`SELECT user_id, email, creds, updated_at FROM credentials WHERE user_id = $1`, userID,
	).Scan(&rec.UserID, &rec.Email, &rec.Creds, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential for %s: %w", userID, err)
	}
	return &rec, nil
}

func (c pgCredentials) ListUsers(ctx context.Context) ([]string, error) {
	rows, err := c.pool.Query(ctx, `SELECT user_id FROM credentials WHERE creds <> '' ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		users = append(users, id)
	}
	return users, rows.Err()
}
