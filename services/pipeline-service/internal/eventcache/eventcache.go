package eventcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/stoik/mailsift/internal/models"
	"github.com/stoik/mailsift/services/pipeline-service/internal/provider"
	"github.com/stoik/mailsift/services/pipeline-service/internal/store"
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = "2006-01-02 15:04"
	defaultTitle   = "No Title"
)

// Cache stores extracted events once per source message and pushes them to
// the user's calendar.
type Cache struct {
	events   store.EventStore
	calendar provider.CalendarClient
	loc      *time.Location
	log      logrus.FieldLogger
	now      func() time.Time
}

// New creates a Cache. Event times are interpreted in loc.
func New(events store.EventStore, calendar provider.CalendarClient, loc *time.Location, log logrus.FieldLogger) *Cache {
	return &Cache{
		events:   events,
		calendar: calendar,
		loc:      loc,
		log:      log.WithField("component", "eventcache"),
		now:      time.Now,
	}
}

// CacheAndPush inserts ev for (userID, msgID) unless an entry exists, then
// pushes it to the calendar. The push happens on every call, including
// cache hits.
//
// The returned error reports a cache failure only. A calendar failure is
// logged and yields an empty link.
func (c *Cache) CacheAndPush(ctx context.Context, userID, msgID string, cred models.Credential, ev models.ExtractedEvent) (string, error) {
	log := c.log.WithFields(logrus.Fields{"user_id": userID, "msg_id": msgID})

	_, err := c.events.Get(ctx, userID, msgID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		row := models.CachedEvent{UserID: userID, EmailID: msgID, ExtractedEvent: ev, AddedAt: c.now()}
		if _, err := c.events.InsertIfAbsent(ctx, row); err != nil {
			return "", fmt.Errorf("caching event: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("looking up cached event: %w", err)
	default:
		log.Debug("Event already cached")
	}

	link, err := c.push(ctx, cred, ev)
	if err != nil {
		log.WithError(err).Warn("Calendar push failed")
		return "", nil
	}
	return link, nil
}

func (c *Cache) push(ctx context.Context, cred models.Credential, ev models.ExtractedEvent) (string, error) {
	start, end, err := EventWindow(ev.Date, ev.StartTime, ev.EndTime, c.loc)
	if err != nil {
		return "", err
	}

	title := ev.Title
	if title == "" {
		title = defaultTitle
	}
	return c.calendar.InsertEvent(ctx, cred, provider.CalendarEvent{
		Summary:     title,
		Location:    ev.Location,
		Description: ev.Description,
		Start:       start,
		End:         end,
		TimeZone:    c.loc.String(),
	})
}

// EventWindow combines date with the start and end times in loc. If either
// combination does not parse, the event becomes one hour from midnight of
// date. An unparseable date is an error.
func EventWindow(date, startTime, endTime string, loc *time.Location) (time.Time, time.Time, error) {
	start, errStart := time.ParseInLocation(dateTimeLayout, date+" "+startTime, loc)
	end, errEnd := time.ParseInLocation(dateTimeLayout, date+" "+endTime, loc)
	if errStart == nil && errEnd == nil {
		return start, end, nil
	}

	day, err := time.ParseInLocation(dateLayout, date, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid event date %q: %w", date, err)
	}
	return day, day.Add(time.Hour), nil
}
