package models

import (
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Credential is an opaque bearer for the mail and calendar transports.
// The pipeline never looks inside it; only the provider package does.
type Credential struct {
	Token *oauth2.Token
}

// Valid reports whether the credential carries a usable token.
func (c Credential) Valid() bool {
	return c.Token != nil && (c.Token.AccessToken != "" || c.Token.RefreshToken != "")
}

// CredentialRecord is the persisted per-user credential row.
type CredentialRecord struct {
	UserID    string    `db:"user_id"`
	Email     string    `db:"email"`
	Creds     string    `db:"creds"`
	UpdatedAt time.Time `db:"updated_at"`
}

// SanitizeUserID derives a user id from an email address.
func SanitizeUserID(email string) string {
	return strings.NewReplacer("@", "at", ".", "dot").Replace(email)
}
