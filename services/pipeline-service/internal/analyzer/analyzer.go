package analyzer

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/stoik/mailsift/internal/models"
)

// SummaryFailed is stored when no summary could be produced.
const SummaryFailed = "(summary failed)"

const eventPrompt = `
Extract an EVENT from this email if any exists.
Return JSON with fields: "title", "date", "start_time", "end_time", "location", "description".
Use YYYY-MM-DD for date and HH:MM (24h) for times.
If no event → return {}
Email:
"""%s"""`

const summaryPrompt = "Summarize the following email in 2-3 concise sentences:\n\"\"\"%s\"\"\""

var jsonSpan = regexp.MustCompile(`(?s)\{.*\}`)

// ErrEmptySummary is returned when the generator replies with no text.
var ErrEmptySummary = errors.New("generator returned an empty summary")

// Generator produces free text for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// EventSink caches an event and pushes it to the user's calendar. A non-nil
// error means the cache write failed; an empty link means the push failed.
type EventSink interface {
	CacheAndPush(ctx context.Context, userID, msgID string, cred models.Credential, ev models.ExtractedEvent) (string, error)
}

// Analyzer turns the body of a legitimate message into an event or a summary.
type Analyzer struct {
	gen      Generator
	events   EventSink
	validate *validator.Validate
	log      logrus.FieldLogger
}

func New(gen Generator, events EventSink, log logrus.FieldLogger) *Analyzer {
	return &Analyzer{
		gen:      gen,
		events:   events,
		validate: validator.New(),
		log:      log.WithField("component", "analyzer"),
	}
}

// Analyze tries event extraction first. An accepted event is cached and
// pushed to the calendar; if there is no event, or caching it fails, the
// message is summarized instead. The returned outcome always carries either
// an event or a summary.
func (a *Analyzer) Analyze(ctx context.Context, userID, msgID string, cred models.Credential, body string) models.Outcome {
	log := a.log.WithFields(logrus.Fields{"user_id": userID, "msg_id": msgID})

	ev, err := a.ExtractEvent(ctx, body)
	if err != nil {
		log.WithError(err).Warn("Event extraction failed")
	}

	if ev != nil {
		link, err := a.events.CacheAndPush(ctx, userID, msgID, cred, *ev)
		if err == nil {
			out := models.Outcome{Event: ev}
			if link != "" {
				out.CalLink = &link
			}
			return out
		}
		log.WithError(err).Error("Failed to cache event, summarizing instead")
	}

	summary, err := a.Summarize(ctx, body)
	if err != nil {
		log.WithError(err).Error("Summarization failed")
		summary = SummaryFailed
	}
	return models.Outcome{Summary: &summary}
}

// ExtractEvent asks the generator for an event. It returns nil without an
// error when the reply holds no event or one lacking a title or date.
func (a *Analyzer) ExtractEvent(ctx context.Context, body string) (*models.ExtractedEvent, error) {
	reply, err := a.gen.Generate(ctx, fmt.Sprintf(eventPrompt, body))
	if err != nil {
		return nil, err
	}
	return a.ParseEvent(reply), nil
}

// ParseEvent decodes the first {...} span of reply and applies the validity
// gate and defaults.
func (a *Analyzer) ParseEvent(reply string) *models.ExtractedEvent {
	span := jsonSpan.FindString(reply)
	if span == "" {
		return nil
	}

	var ev models.ExtractedEvent
	if err := json.Unmarshal([]byte(span), &ev); err != nil {
		a.log.WithError(err).Debug("Event reply is not valid JSON")
		return nil
	}
	if err := a.validate.Struct(ev); err != nil {
		return nil
	}
	ev.ApplyDefaults()
	return &ev
}

// Summarize returns a short summary of body. An empty reply is an error.
func (a *Analyzer) Summarize(ctx context.Context, body string) (string, error) {
	reply, err := a.gen.Generate(ctx, fmt.Sprintf(summaryPrompt, body))
	if err != nil {
		return "", err
	}
	if reply == "" {
		return "", ErrEmptySummary
	}
	return reply, nil
}
