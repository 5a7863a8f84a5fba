package models

import (
	"strings"
	"time"
)

// StoredMessage is one fetched mail item and its processing outcome.
// Keyed by (UserID, MsgID); MsgID is unique within a user's store.
type StoredMessage struct {
	UserID    string          `json:"user_id" db:"user_id"`
	MsgID     string          `json:"msg_id" db:"msg_id"`
	Subject   string          `json:"subject" db:"subject"`
	Body      string          `json:"body" db:"body"`
	FetchedAt time.Time       `json:"fetched_at" db:"fetched_at"`
	Processed bool            `json:"processed" db:"processed"`
	Spam      bool            `json:"spam" db:"spam"`
	Event     *ExtractedEvent `json:"event,omitempty"`
	Summary   *string         `json:"summary,omitempty"`
	CalLink   *string         `json:"cal_link,omitempty"`
}

// Outcome is the result of classifying and analyzing one message, written
// back onto its StoredMessage in a single update.
type Outcome struct {
	Spam    bool
	Event   *ExtractedEvent
	Summary *string
	CalLink *string
}

// MessageRef is returned to callers for each newly inserted message.
type MessageRef struct {
	MsgID   string `json:"msg_id"`
	Subject string `json:"subject"`
}

// Document is the classifier input for one message.
type Document struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// Header is a single message header.
type Header struct {
	Name  string
	Value string
}

// MessagePart mirrors one node of a MIME tree as exposed by the mail transport.
// Data is the base64url-encoded body of a leaf part.
type MessagePart struct {
	MimeType string
	Headers  []Header
	Data     string
	Parts    []*MessagePart
}

// RawMessage is a full message as returned by the mail transport.
type RawMessage struct {
	ID string
	// InternalDate is the transport's receive timestamp in epoch milliseconds.
	InternalDate int64
	Payload      *MessagePart
}

// Subject returns the value of the first Subject header, or def.
func (m *RawMessage) Subject(def string) string {
	if m.Payload == nil {
		return def
	}
	for _, h := range m.Payload.Headers {
		if strings.EqualFold(h.Name, "subject") {
			return h.Value
		}
	}
	return def
}
