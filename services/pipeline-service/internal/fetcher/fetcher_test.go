package fetcher

import (
	"context"
	"encoding/base64"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/stoik/mailsift/internal/models"
	"github.com/stoik/mailsift/services/pipeline-service/internal/store"
)

type fakeMail struct {
	ids     []string
	next    string
	msgs    map[string]*models.RawMessage
	listErr error
	getErr  map[string]error
	lists   int
}

func (f *fakeMail) ListUnread(_ context.Context, _ models.Credential, _ string, limit int) ([]string, string, error) {
	f.lists++
	if f.listErr != nil {
		return nil, "", f.listErr
	}
	ids := f.ids
	if len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, f.next, nil
}

func (f *fakeMail) GetMessage(_ context.Context, _ models.Credential, id string) (*models.RawMessage, error) {
	if err := f.getErr[id]; err != nil {
		return nil, err
	}
	return f.msgs[id], nil
}

func enc(s string) string { return base64.URLEncoding.EncodeToString([]byte(s)) }

func rawMsg(id string, date int64, subject, body string) *models.RawMessage {
	part := &models.MessagePart{MimeType: "text/plain", Data: enc(body)}
	if subject != "" {
		part.Headers = []models.Header{{Name: "Subject", Value: subject}}
	}
	return &models.RawMessage{ID: id, InternalDate: date, Payload: part}
}

var validCred = models.Credential{Token: &oauth2.Token{AccessToken: "t"}}

func newFetcher(t *testing.T, mail *fakeMail) (*Fetcher, store.MessageStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "f.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	logger, _ := test.NewNullLogger()
	return New(mail, s.Messages(), 0, logger), s.Messages()
}

func TestFetchUnreadNewestFirstAndIdempotent(t *testing.T) {
	mail := &fakeMail{
		ids:  []string{"a", "b", "c"},
		next: "page-2",
		msgs: map[string]*models.RawMessage{
			"a": rawMsg("a", 100, "oldest", "one"),
			"b": rawMsg("b", 300, "newest", "two"),
			"c": rawMsg("c", 200, "", "three"),
		},
	}
	f, msgs := newFetcher(t, mail)
	ctx := context.Background()

	res, err := f.FetchUnread(ctx, validCred, "u1", 10, "")
	require.NoError(t, err)
	assert.Equal(t, "page-2", res.NextPageToken)
	require.Len(t, res.Inserted, 3)
	assert.Equal(t, "b", res.Inserted[0].MsgID)
	assert.Equal(t, "c", res.Inserted[1].MsgID)
	assert.Equal(t, DefaultSubject, res.Inserted[1].Subject)
	assert.Equal(t, "a", res.Inserted[2].MsgID)

	pending, err := msgs.ListUnprocessed(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "two", pending[0].Body)
	assert.False(t, pending[0].Processed)

	res, err = f.FetchUnread(ctx, validCred, "u1", 10, "")
	require.NoError(t, err)
	assert.Empty(t, res.Inserted)

	n, err := msgs.Count(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestFetchUnreadSkipsFailedMessage(t *testing.T) {
	mail := &fakeMail{
		ids: []string{"a", "b"},
		msgs: map[string]*models.RawMessage{
			"b": rawMsg("b", 1, "ok", "fine"),
		},
		getErr: map[string]error{"a": errors.New("503")},
	}
	f, _ := newFetcher(t, mail)

	res, err := f.FetchUnread(context.Background(), validCred, "u1", 10, "")
	require.NoError(t, err)
	require.Len(t, res.Inserted, 1)
	assert.Equal(t, "b", res.Inserted[0].MsgID)
}

func TestFetchUnreadListingFailureDropsToken(t *testing.T) {
	mail := &fakeMail{listErr: errors.New("backend down"), next: "ignored"}
	f, _ := newFetcher(t, mail)

	res, err := f.FetchUnread(context.Background(), validCred, "u1", 10, "tok")
	assert.Error(t, err)
	assert.Empty(t, res.Inserted)
	assert.Empty(t, res.NextPageToken)
}

func TestFetchUnreadWithoutCredential(t *testing.T) {
	mail := &fakeMail{ids: []string{"a"}}
	f, _ := newFetcher(t, mail)

	res, err := f.FetchUnread(context.Background(), models.Credential{}, "u1", 10, "")
	require.NoError(t, err)
	assert.Empty(t, res.Inserted)
	assert.Zero(t, mail.lists)
}

func TestFetchUnreadTruncatesSubject(t *testing.T) {
	long := strings.Repeat("é", 200)
	mail := &fakeMail{
		ids:  []string{"a"},
		msgs: map[string]*models.RawMessage{"a": rawMsg("a", 1, long, "x")},
	}
	f, msgs := newFetcher(t, mail)

	res, err := f.FetchUnread(context.Background(), validCred, "u1", 10, "")
	require.NoError(t, err)
	require.Len(t, res.Inserted, 1)
	assert.Equal(t, strings.Repeat("é", 120), res.Inserted[0].Subject)

	page, err := msgs.ListPage(context.Background(), "u1", 0, 1)
	require.NoError(t, err)
	assert.Equal(t, long, page[0].Subject)
}
