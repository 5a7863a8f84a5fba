package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/stoik/mailsift/internal/models"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyProcessed is returned by UpdateOutcome when the message
	// already has an outcome. Outcomes are written once.
	ErrAlreadyProcessed = errors.New("message already processed")
)

// MessageStore is the per-user log of fetched messages.
type MessageStore interface {
	// InsertIfAbsent stores m unless (UserID, MsgID) already exists.
	// It reports whether a row was written.
	InsertIfAbsent(ctx context.Context, m models.StoredMessage) (bool, error)
	Exists(ctx context.Context, userID, msgID string) (bool, error)
	// ListUnprocessed returns messages with processed=false in insertion order.
	ListUnprocessed(ctx context.Context, userID string) ([]models.StoredMessage, error)
	// UpdateOutcome marks an unprocessed message processed and records its
	// outcome. It fails with ErrAlreadyProcessed if the message has one.
	UpdateOutcome(ctx context.Context, userID, msgID string, o models.Outcome) error
	ListPage(ctx context.Context, userID string, offset, limit int) ([]models.StoredMessage, error)
	Count(ctx context.Context, userID string) (int, error)
	// PurgeBefore deletes messages fetched strictly before cutoff.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// EventStore holds extracted events keyed by (user, source message).
// Entries are immutable once written.
type EventStore interface {
	InsertIfAbsent(ctx context.Context, e models.CachedEvent) (bool, error)
	Get(ctx context.Context, userID, emailID string) (*models.CachedEvent, error)
	// PurgeBefore deletes events added strictly before cutoff.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// CredentialStore holds one opaque credential blob per user.
type CredentialStore interface {
	Put(ctx context.Context, rec models.CredentialRecord) error
	Get(ctx context.Context, userID string) (*models.CredentialRecord, error)
	// ListUsers returns every user id with a stored credential.
	ListUsers(ctx context.Context) ([]string, error)
}

// Store bundles the three stores behind one handle with a single lifecycle.
type Store interface {
	Messages() MessageStore
	Events() EventStore
	Credentials() CredentialStore
	Close() error
}

func encodeEvent(e *models.ExtractedEvent) (*string, error) {
	if e == nil {
		return nil, nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshaling event: %w", err)
	}
	s := string(b)
	return &s, nil
}

func decodeEvent(raw []byte) (*models.ExtractedEvent, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var e models.ExtractedEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("unmarshaling event: %w", err)
	}
	return &e, nil
}
