package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/stoik/mailsift/internal/models"
	"github.com/stoik/mailsift/services/pipeline-service/internal/config"
)

// NewOAuthConfig returns the OAuth client used for token refresh and for
// authorizing Gmail and Calendar calls.
func NewOAuthConfig(cfg config.GoogleConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes: []string{
			gmail.GmailReadonlyScope,
			calendar.CalendarEventsScope,
		},
		Endpoint: google.Endpoint,
	}
}

// GmailTransport implements MailTransport on the Gmail API.
type GmailTransport struct {
	oauth *oauth2.Config
	cb    *gobreaker.CircuitBreaker
	opts  []option.ClientOption
}

// NewGmailTransport creates a transport. Extra client options are appended
// to every service, e.g. option.WithEndpoint for a local stand-in.
func NewGmailTransport(oauth *oauth2.Config, log logrus.FieldLogger, opts ...option.ClientOption) *GmailTransport {
	return &GmailTransport{
		oauth: oauth,
		cb:    newBreaker("gmail-api", log),
		opts:  opts,
	}
}

func (g *GmailTransport) service(ctx context.Context, cred models.Credential) (*gmail.Service, error) {
	opts := append([]option.ClientOption{
		option.WithTokenSource(g.oauth.TokenSource(ctx, cred.Token)),
	}, g.opts...)
	svc, err := gmail.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}
	return svc, nil
}

func (g *GmailTransport) ListUnread(ctx context.Context, cred models.Credential, pageToken string, limit int) ([]string, string, error) {
	svc, err := g.service(ctx, cred)
	if err != nil {
		return nil, "", err
	}

	call := svc.Users.Messages.List("me").Q(UnreadQuery).MaxResults(int64(limit))
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	var resp *gmail.ListMessagesResponse
	err = execute(ctx, g.cb, func() error {
		var apiErr error
		resp, apiErr = call.Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to list messages: %w", err)
	}

	ids := make([]string, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		ids = append(ids, m.Id)
	}
	return ids, resp.NextPageToken, nil
}

func (g *GmailTransport) GetMessage(ctx context.Context, cred models.Credential, id string) (*models.RawMessage, error) {
	svc, err := g.service(ctx, cred)
	if err != nil {
		return nil, err
	}

	var msg *gmail.Message
	err = execute(ctx, g.cb, func() error {
		var apiErr error
		msg, apiErr = svc.Users.Messages.Get("me", id).Format("full").Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get message %s: %w", id, err)
	}

	return &models.RawMessage{
		ID:           msg.Id,
		InternalDate: msg.InternalDate,
		Payload:      convertPart(msg.Payload),
	}, nil
}

func convertPart(p *gmail.MessagePart) *models.MessagePart {
	if p == nil {
		return nil
	}
	part := &models.MessagePart{MimeType: p.MimeType}
	for _, h := range p.Headers {
		part.Headers = append(part.Headers, models.Header{Name: h.Name, Value: h.Value})
	}
	if p.Body != nil {
		part.Data = p.Body.Data
	}
	for _, child := range p.Parts {
		part.Parts = append(part.Parts, convertPart(child))
	}
	return part
}

// GoogleCalendar implements CalendarClient on the Calendar API.
type GoogleCalendar struct {
	oauth      *oauth2.Config
	calendarID string
	timeout    time.Duration
	cb         *gobreaker.CircuitBreaker
	opts       []option.ClientOption
}

// NewGoogleCalendar creates a client. timeout bounds one insert, including
// any token refresh it triggers; zero means no bound.
func NewGoogleCalendar(oauth *oauth2.Config, calendarID string, timeout time.Duration, log logrus.FieldLogger, opts ...option.ClientOption) *GoogleCalendar {
	return &GoogleCalendar{
		oauth:      oauth,
		calendarID: calendarID,
		timeout:    timeout,
		cb:         newBreaker("calendar-api", log),
		opts:       opts,
	}
}

func (c *GoogleCalendar) InsertEvent(ctx context.Context, cred models.Credential, ev CalendarEvent) (string, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	opts := append([]option.ClientOption{
		option.WithTokenSource(c.oauth.TokenSource(ctx, cred.Token)),
	}, c.opts...)
	svc, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return "", fmt.Errorf("failed to create calendar service: %w", err)
	}

	body := &calendar.Event{
		Summary:     ev.Summary,
		Location:    ev.Location,
		Description: ev.Description,
		Start:       &calendar.EventDateTime{DateTime: ev.Start.Format(time.RFC3339), TimeZone: ev.TimeZone},
		End:         &calendar.EventDateTime{DateTime: ev.End.Format(time.RFC3339), TimeZone: ev.TimeZone},
	}

	var created *calendar.Event
	err = execute(ctx, c.cb, func() error {
		var apiErr error
		created, apiErr = svc.Events.Insert(c.calendarID, body).Context(ctx).Do()
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("failed to insert calendar event: %w", err)
	}
	return created.HtmlLink, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
