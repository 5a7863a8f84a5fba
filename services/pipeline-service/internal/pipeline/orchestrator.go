package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/stoik/mailsift/internal/models"
	"github.com/stoik/mailsift/services/pipeline-service/internal/classifier"
	"github.com/stoik/mailsift/services/pipeline-service/internal/fetcher"
	"github.com/stoik/mailsift/services/pipeline-service/internal/provider"
	"github.com/stoik/mailsift/services/pipeline-service/internal/store"
)

// RunState is the terminal state of one orchestrator run.
type RunState int

const (
	Done RunState = iota
	SkippedNoCreds
	SkippedNoNewMessages
)

func (s RunState) String() string {
	switch s {
	case Done:
		return "done"
	case SkippedNoCreds:
		return "skipped_no_creds"
	case SkippedNoNewMessages:
		return "skipped_no_new_messages"
	default:
		return fmt.Sprintf("RunState(%d)", int(s))
	}
}

type Fetcher interface {
	FetchUnread(ctx context.Context, cred models.Credential, userID string, limit int, pageToken string) (fetcher.Result, error)
}

type Classifier interface {
	Classify(ctx context.Context, docs []models.Document) (classifier.RawPredictions, error)
}

type Analyzer interface {
	Analyze(ctx context.Context, userID, msgID string, cred models.Credential, body string) models.Outcome
}

// Report summarizes one run.
type Report struct {
	State     RunState
	Fetched   int
	Pending   int
	Processed int
	Spam      int
	Failed    int

	// AlreadyProcessed counts messages another run finished first. Their
	// stored outcome is kept.
	AlreadyProcessed int
}

// Orchestrator drives fetch, classify, analyze and persist for one user.
type Orchestrator struct {
	creds      provider.CredentialProvider
	fetcher    Fetcher
	messages   store.MessageStore
	classifier Classifier
	analyzer   Analyzer
	fetchLimit int
	log        logrus.FieldLogger
}

func New(
	creds provider.CredentialProvider,
	f Fetcher,
	messages store.MessageStore,
	c Classifier,
	a Analyzer,
	fetchLimit int,
	log logrus.FieldLogger,
) *Orchestrator {
	return &Orchestrator{
		creds:      creds,
		fetcher:    f,
		messages:   messages,
		classifier: c,
		analyzer:   a,
		fetchLimit: fetchLimit,
		log:        log.WithField("component", "pipeline"),
	}
}

// Run processes every unprocessed message of userID. Failures of external
// calls and of individual record updates are logged and absorbed; an error
// is returned only when the user's credential or pending messages cannot
// be loaded at all.
func (o *Orchestrator) Run(ctx context.Context, userID string) (Report, error) {
	log := o.log.WithField("user_id", userID)

	cred, err := o.creds.Get(ctx, userID)
	if errors.Is(err, provider.ErrNoCredential) {
		log.Debug("No credential, skipping")
		return Report{State: SkippedNoCreds}, nil
	}
	if err != nil {
		return Report{}, fmt.Errorf("loading credential for %s: %w", userID, err)
	}
	if !cred.Valid() {
		log.Debug("Credential carries no token, skipping")
		return Report{State: SkippedNoCreds}, nil
	}

	var report Report
	res, err := o.fetcher.FetchUnread(ctx, cred, userID, o.fetchLimit, "")
	if err != nil {
		log.WithError(err).Warn("Fetch failed, processing stored messages only")
	}
	report.Fetched = len(res.Inserted)

	pending, err := o.messages.ListUnprocessed(ctx, userID)
	if err != nil {
		return report, fmt.Errorf("loading pending messages for %s: %w", userID, err)
	}
	report.Pending = len(pending)
	if len(pending) == 0 {
		report.State = SkippedNoNewMessages
		return report, nil
	}

	docs := make([]models.Document, len(pending))
	for i, m := range pending {
		docs[i] = models.Document{Subject: m.Subject, Body: m.Body}
	}

	var preds []classifier.Prediction
	raw, err := o.classifier.Classify(ctx, docs)
	if err != nil {
		log.WithError(err).Error("Classification failed")
	} else {
		preds = classifier.Normalize(raw)
		log.WithFields(logrus.Fields{"shape": raw.Shape.String(), "predictions": preds}).Debug("Classifier output")
	}

	if len(preds) != len(pending) {
		log.WithFields(logrus.Fields{
			"docs":  len(pending),
			"preds": len(preds),
		}).Warn("Classification length mismatch")
	}

	n := min(len(pending), len(preds))
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			log.WithError(ctx.Err()).Warn("Run cancelled, leaving remaining messages pending")
			break
		}

		msg := pending[i]
		var out models.Outcome
		if preds[i].IsSpam() {
			out.Spam = true
		} else {
			out = o.analyzer.Analyze(ctx, userID, msg.MsgID, cred, msg.Body)
		}

		err := o.messages.UpdateOutcome(ctx, userID, msg.MsgID, out)
		if errors.Is(err, store.ErrAlreadyProcessed) {
			log.WithField("msg_id", msg.MsgID).Info("Message already processed, keeping stored outcome")
			report.AlreadyProcessed++
			continue
		}
		if err != nil {
			log.WithError(err).WithField("msg_id", msg.MsgID).Error("Failed to update message")
			report.Failed++
			continue
		}
		report.Processed++
		if out.Spam {
			report.Spam++
		}
	}

	report.State = Done
	log.WithFields(logrus.Fields{
		"fetched":   report.Fetched,
		"pending":   report.Pending,
		"processed": report.Processed,
		"spam":      report.Spam,
		"failed":    report.Failed,
		"already":   report.AlreadyProcessed,
	}).Info("User run complete")
	return report, nil
}
