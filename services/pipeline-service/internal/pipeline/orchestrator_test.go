package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/stoik/mailsift/internal/models"
	"github.com/stoik/mailsift/services/pipeline-service/internal/classifier"
	"github.com/stoik/mailsift/services/pipeline-service/internal/fetcher"
	"github.com/stoik/mailsift/services/pipeline-service/internal/provider"
	"github.com/stoik/mailsift/services/pipeline-service/internal/store"
)

type fakeCreds map[string]models.Credential

func (f fakeCreds) Get(_ context.Context, userID string) (models.Credential, error) {
	c, ok := f[userID]
	if !ok {
		return models.Credential{}, provider.ErrNoCredential
	}
	return c, nil
}

type fakeFetcher struct {
	err   error
	calls int
}

func (f *fakeFetcher) FetchUnread(context.Context, models.Credential, string, int, string) (fetcher.Result, error) {
	f.calls++
	return fetcher.Result{}, f.err
}

type fakeClassifier struct {
	labels []any
	err    error
}

func (f *fakeClassifier) Classify(_ context.Context, docs []models.Document) (classifier.RawPredictions, error) {
	if f.err != nil {
		return classifier.RawPredictions{}, f.err
	}
	return classifier.RawPredictions{Shape: classifier.ShapeScalars, Scalars: f.labels}, nil
}

type fakeAnalyzer struct {
	events map[string]bool
	calls  []string
}

func (f *fakeAnalyzer) Analyze(_ context.Context, _, msgID string, _ models.Credential, body string) models.Outcome {
	f.calls = append(f.calls, msgID)
	if f.events[msgID] {
		link := "https://cal/" + msgID
		return models.Outcome{Event: &models.ExtractedEvent{Title: body, Date: "2024-03-01"}, CalLink: &link}
	}
	summary := "summary of " + body
	return models.Outcome{Summary: &summary}
}

// racedMessages writes a competing outcome for raceOn just before the
// orchestrator's own write lands.
type racedMessages struct {
	store.MessageStore
	raceOn string
}

func (r racedMessages) UpdateOutcome(ctx context.Context, userID, msgID string, o models.Outcome) error {
	if msgID == r.raceOn {
		if err := r.MessageStore.UpdateOutcome(ctx, userID, msgID, models.Outcome{Spam: true}); err != nil {
			return err
		}
	}
	return r.MessageStore.UpdateOutcome(ctx, userID, msgID, o)
}

type flakyMessages struct {
	store.MessageStore
	failOn string
}

func (f flakyMessages) UpdateOutcome(ctx context.Context, userID, msgID string, o models.Outcome) error {
	if msgID == f.failOn {
		return errors.New("write timeout")
	}
	return f.MessageStore.UpdateOutcome(ctx, userID, msgID, o)
}

var token = models.Credential{Token: &oauth2.Token{AccessToken: "t"}}

func newMessages(t *testing.T, ids ...string) store.MessageStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "p.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	for _, id := range ids {
		_, err := s.Messages().InsertIfAbsent(context.Background(), models.StoredMessage{
			UserID: "u1", MsgID: id, Subject: "s-" + id, Body: "b-" + id, FetchedAt: time.Now(),
		})
		require.NoError(t, err)
	}
	return s.Messages()
}

func byID(t *testing.T, msgs store.MessageStore) map[string]models.StoredMessage {
	t.Helper()
	page, err := msgs.ListPage(context.Background(), "u1", 0, 100)
	require.NoError(t, err)
	out := map[string]models.StoredMessage{}
	for _, m := range page {
		out[m.MsgID] = m
	}
	return out
}

func newOrchestrator(msgs store.MessageStore, c Classifier, a Analyzer) (*Orchestrator, *test.Hook) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	return New(fakeCreds{"u1": token}, &fakeFetcher{}, msgs, c, a, 10, logger), hook
}

func TestRunWithoutCredential(t *testing.T) {
	logger, _ := test.NewNullLogger()
	f := &fakeFetcher{}
	o := New(fakeCreds{}, f, newMessages(t), &fakeClassifier{}, &fakeAnalyzer{}, 10, logger)

	report, err := o.Run(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, SkippedNoCreds, report.State)
	assert.Zero(t, f.calls)
}

func TestRunWithNothingPending(t *testing.T) {
	o, _ := newOrchestrator(newMessages(t), &fakeClassifier{}, &fakeAnalyzer{})

	report, err := o.Run(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, SkippedNoNewMessages, report.State)
}

func TestRunProcessesEveryPendingMessage(t *testing.T) {
	msgs := newMessages(t, "a", "b", "c", "d")
	an := &fakeAnalyzer{events: map[string]bool{"b": true}}
	o, _ := newOrchestrator(msgs, &fakeClassifier{labels: []any{"Spam", "Not Spam", " sPaM\t", "ham"}}, an)

	report, err := o.Run(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, Done, report.State)
	assert.Equal(t, 4, report.Processed)
	assert.Equal(t, 2, report.Spam)
	assert.Equal(t, []string{"b", "d"}, an.calls)

	got := byID(t, msgs)
	for id, m := range got {
		assert.True(t, m.Processed, id)
	}

	assert.True(t, got["a"].Spam)
	assert.Nil(t, got["a"].Event)
	assert.Nil(t, got["a"].Summary)

	assert.False(t, got["b"].Spam)
	require.NotNil(t, got["b"].Event)
	assert.Equal(t, "https://cal/b", *got["b"].CalLink)
	assert.Nil(t, got["b"].Summary)

	assert.True(t, got["c"].Spam)

	require.NotNil(t, got["d"].Summary)
	assert.Equal(t, "summary of b-d", *got["d"].Summary)
	assert.Nil(t, got["d"].Event)

	pending, err := msgs.ListUnprocessed(context.Background(), "u1")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRunLengthMismatchUpdatesPrefix(t *testing.T) {
	msgs := newMessages(t, "m1", "m2", "m3", "m4", "m5")
	o, hook := newOrchestrator(msgs, &fakeClassifier{labels: []any{"ham", "spam", "ham"}}, &fakeAnalyzer{})

	report, err := o.Run(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Processed)

	var mismatch *logrus.Entry
	for _, e := range hook.AllEntries() {
		if e.Message == "Classification length mismatch" {
			mismatch = e
		}
	}
	require.NotNil(t, mismatch)
	assert.Equal(t, logrus.WarnLevel, mismatch.Level)
	assert.Equal(t, 5, mismatch.Data["docs"])
	assert.Equal(t, 3, mismatch.Data["preds"])

	pending, err := msgs.ListUnprocessed(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "m4", pending[0].MsgID)
	assert.Equal(t, "m5", pending[1].MsgID)
}

func TestRunClassifierFailureLeavesMessagesPending(t *testing.T) {
	msgs := newMessages(t, "a", "b")
	o, _ := newOrchestrator(msgs, &fakeClassifier{err: errors.New("connection refused")}, &fakeAnalyzer{})

	report, err := o.Run(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, Done, report.State)
	assert.Zero(t, report.Processed)

	pending, err := msgs.ListUnprocessed(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestRunPersistenceFailureDoesNotBlockBatch(t *testing.T) {
	msgs := flakyMessages{MessageStore: newMessages(t, "a", "b", "c"), failOn: "b"}
	o, hook := newOrchestrator(msgs, &fakeClassifier{labels: []any{"ham", "ham", "ham"}}, &fakeAnalyzer{})

	report, err := o.Run(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Failed)

	pending, err := msgs.ListUnprocessed(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "b", pending[0].MsgID)

	var logged bool
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel && e.Data["msg_id"] == "b" {
			logged = true
		}
	}
	assert.True(t, logged)
}

func TestRunAbsorbsFetchFailure(t *testing.T) {
	logger, _ := test.NewNullLogger()
	msgs := newMessages(t, "a")
	o := New(fakeCreds{"u1": token}, &fakeFetcher{err: errors.New("listing failed")}, msgs,
		&fakeClassifier{labels: []any{"spam"}}, &fakeAnalyzer{}, 10, logger)

	report, err := o.Run(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
}

func TestRunKeepsOutcomeWrittenByAnotherRun(t *testing.T) {
	msgs := racedMessages{MessageStore: newMessages(t, "a", "b"), raceOn: "a"}
	o, hook := newOrchestrator(msgs, &fakeClassifier{labels: []any{"ham", "ham"}}, &fakeAnalyzer{})

	report, err := o.Run(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.AlreadyProcessed)
	assert.Zero(t, report.Failed)

	got := byID(t, msgs)
	assert.True(t, got["a"].Spam)
	assert.Nil(t, got["a"].Summary)
	require.NotNil(t, got["b"].Summary)

	for _, e := range hook.AllEntries() {
		assert.NotEqual(t, logrus.ErrorLevel, e.Level, e.Message)
	}
}
