package provider

import (
	"context"
	"errors"
	"time"

	"github.com/stoik/mailsift/internal/models"
)

// ErrNoCredential is returned when a user has no stored credential.
var ErrNoCredential = errors.New("no credential for user")

// UnreadQuery selects unread mail outside trash and drafts.
const UnreadQuery = "is:unread -label:trash -label:drafts"

// MailTransport lists and retrieves messages from a user's mailbox.
type MailTransport interface {
	// ListUnread returns up to limit ids of unread messages starting at
	// pageToken, and the token of the following page ("" when exhausted).
	ListUnread(ctx context.Context, cred models.Credential, pageToken string, limit int) ([]string, string, error)

	// GetMessage retrieves the full MIME tree of a message.
	GetMessage(ctx context.Context, cred models.Credential, id string) (*models.RawMessage, error)
}

// CalendarEvent is a timed event to create on a user's calendar.
type CalendarEvent struct {
	Summary     string
	Location    string
	Description string
	Start       time.Time
	End         time.Time
	TimeZone    string
}

// CalendarClient creates events on a user's calendar.
type CalendarClient interface {
	// InsertEvent creates ev and returns its web link.
	InsertEvent(ctx context.Context, cred models.Credential, ev CalendarEvent) (string, error)
}

// CredentialProvider resolves a usable credential for a user.
type CredentialProvider interface {
	// Get returns ErrNoCredential when the user has none stored.
	Get(ctx context.Context, userID string) (models.Credential, error)
}
