package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/stoik/mailsift/internal/models"
	"github.com/stoik/mailsift/services/pipeline-service/internal/store"
)

// StoreCredentials resolves credentials from a CredentialStore, refreshing
// expired tokens and writing the refreshed token back.
type StoreCredentials struct {
	store   store.CredentialStore
	oauth   *oauth2.Config
	timeout time.Duration
	log     logrus.FieldLogger
	now     func() time.Time
}

// NewStoreCredentials creates a resolver. timeout bounds one token refresh;
// zero means no bound.
func NewStoreCredentials(s store.CredentialStore, oauth *oauth2.Config, timeout time.Duration, log logrus.FieldLogger) *StoreCredentials {
	return &StoreCredentials{
		store:   s,
		oauth:   oauth,
		timeout: timeout,
		log:     log.WithField("component", "credentials"),
		now:     time.Now,
	}
}

func (c *StoreCredentials) Get(ctx context.Context, userID string) (models.Credential, error) {
	rec, err := c.store.Get(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return models.Credential{}, ErrNoCredential
	}
	if err != nil {
		return models.Credential{}, err
	}
	if rec.Creds == "" {
		return models.Credential{}, ErrNoCredential
	}

	var tok oauth2.Token
	if err := json.Unmarshal([]byte(rec.Creds), &tok); err != nil {
		return models.Credential{}, fmt.Errorf("decoding credential for %s: %w", userID, err)
	}

	if !tok.Valid() && tok.RefreshToken != "" {
		refreshed, err := c.refresh(ctx, &tok)
		if err != nil {
			// Keep the stale token; the transport call will surface the failure.
			c.log.WithError(err).WithField("user_id", userID).Warn("Token refresh failed")
		} else {
			tok = *refreshed
			if err := c.save(ctx, rec.UserID, rec.Email, &tok); err != nil {
				c.log.WithError(err).WithField("user_id", userID).Warn("Failed to persist refreshed token")
			}
		}
	}

	return models.Credential{Token: &tok}, nil
}

func (c *StoreCredentials) refresh(ctx context.Context, tok *oauth2.Token) (*oauth2.Token, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()
	return c.oauth.TokenSource(ctx, tok).Token()
}

// Put stores tok for the user derived from email and returns that user id.
func (c *StoreCredentials) Put(ctx context.Context, email string, tok *oauth2.Token) (string, error) {
	userID := models.SanitizeUserID(email)
	if err := c.save(ctx, userID, email, tok); err != nil {
		return "", err
	}
	return userID, nil
}

func (c *StoreCredentials) save(ctx context.Context, userID, email string, tok *oauth2.Token) error {
	raw, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding credential: %w", err)
	}
	return c.store.Put(ctx, models.CredentialRecord{
		UserID:    userID,
		Email:     email,
		Creds:     string(raw),
		UpdatedAt: c.now(),
	})
}
