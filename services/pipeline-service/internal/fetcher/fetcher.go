package fetcher

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stoik/mailsift/internal/models"
	"github.com/stoik/mailsift/services/pipeline-service/internal/provider"
	"github.com/stoik/mailsift/services/pipeline-service/internal/store"
)

// Result is one page of newly inserted messages.
type Result struct {
	Inserted      []models.MessageRef `json:"emails"`
	NextPageToken string              `json:"next_page_token,omitempty"`
}

// Fetcher pulls unread mail into the MessageStore.
type Fetcher struct {
	mail     provider.MailTransport
	messages store.MessageStore
	timeout  time.Duration
	log      logrus.FieldLogger
	now      func() time.Time
}

// New creates a Fetcher. timeout bounds each transport call; zero disables it.
func New(mail provider.MailTransport, messages store.MessageStore, timeout time.Duration, log logrus.FieldLogger) *Fetcher {
	return &Fetcher{
		mail:     mail,
		messages: messages,
		timeout:  timeout,
		log:      log.WithField("component", "fetcher"),
		now:      time.Now,
	}
}

// FetchUnread lists up to limit unread messages starting at pageToken,
// stores the ones not seen before and returns them newest-first.
//
// An invalid credential yields an empty result. A listing failure returns an
// empty result without a page token together with the error; callers resume
// from the first page. Failures on individual messages are logged and skipped.
func (f *Fetcher) FetchUnread(ctx context.Context, cred models.Credential, userID string, limit int, pageToken string) (Result, error) {
	log := f.log.WithField("user_id", userID)
	if !cred.Valid() {
		log.Warn("Fetch called without a usable credential")
		return Result{}, nil
	}

	listCtx, cancel := f.callContext(ctx)
	ids, next, err := f.mail.ListUnread(listCtx, cred, pageToken, limit)
	cancel()
	if err != nil {
		return Result{}, fmt.Errorf("listing unread for %s: %w", userID, err)
	}
	if len(ids) == 0 {
		log.Debug("No unread messages found")
		return Result{}, nil
	}

	full := make([]*models.RawMessage, 0, len(ids))
	for _, id := range ids {
		getCtx, cancel := f.callContext(ctx)
		msg, err := f.mail.GetMessage(getCtx, cred, id)
		cancel()
		if err != nil {
			log.WithError(err).WithField("msg_id", id).Warn("Could not fetch message")
			continue
		}
		full = append(full, msg)
	}

	// Newest first so that a partial failure keeps the most recent mail.
	sort.SliceStable(full, func(i, j int) bool {
		return full[i].InternalDate > full[j].InternalDate
	})

	res := Result{NextPageToken: next}
	for _, raw := range full {
		if raw.ID == "" {
			continue
		}
		mlog := log.WithField("msg_id", raw.ID)

		seen, err := f.messages.Exists(ctx, userID, raw.ID)
		if err != nil {
			mlog.WithError(err).Error("Dedup check failed")
			continue
		}
		if seen {
			continue
		}

		subject := raw.Subject(DefaultSubject)
		inserted, err := f.messages.InsertIfAbsent(ctx, models.StoredMessage{
			UserID:    userID,
			MsgID:     raw.ID,
			Subject:   subject,
			Body:      ExtractPlainText(raw.Payload),
			FetchedAt: f.now(),
		})
		if err != nil {
			mlog.WithError(err).Error("Insert failed")
			continue
		}
		if !inserted {
			continue
		}
		res.Inserted = append(res.Inserted, models.MessageRef{
			MsgID:   raw.ID,
			Subject: truncateRunes(subject, maxSubjectRunes),
		})
	}

	log.WithFields(logrus.Fields{
		"listed":   len(ids),
		"inserted": len(res.Inserted),
	}).Info("Fetched unread batch")
	return res, nil
}

func (f *Fetcher) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if f.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, f.timeout)
}
