package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/stoik/mailsift/internal/models"
	"github.com/stoik/mailsift/services/pipeline-service/internal/fetcher"
	"github.com/stoik/mailsift/services/pipeline-service/internal/provider"
	"github.com/stoik/mailsift/services/pipeline-service/internal/scheduler"
)

const (
	defaultPage     = 1
	defaultPageSize = 10
	defaultLimit    = 10
	maxPageSize     = 100
	noSubject       = "(No subject)"
	noBody          = "(No body)"
)

// Sweeper runs a processing sweep on demand.
type Sweeper interface {
	Sweep(ctx context.Context) (scheduler.SweepResult, error)
	Stats() scheduler.Stats
}

// PageFetcher fetches one page of unread mail for a user.
type PageFetcher interface {
	FetchUnread(ctx context.Context, cred models.Credential, userID string, limit int, pageToken string) (fetcher.Result, error)
}

// MessageReader is the read side of the message store.
type MessageReader interface {
	ListPage(ctx context.Context, userID string, offset, limit int) ([]models.StoredMessage, error)
	Count(ctx context.Context, userID string) (int, error)
}

// Handler serves the HTTP operations of the pipeline service.
type Handler struct {
	sweeper  Sweeper
	creds    provider.CredentialProvider
	fetcher  PageFetcher
	messages MessageReader
	log      logrus.FieldLogger
}

func NewHandler(sweeper Sweeper, creds provider.CredentialProvider, f PageFetcher, messages MessageReader, log logrus.FieldLogger) *Handler {
	return &Handler{
		sweeper:  sweeper,
		creds:    creds,
		fetcher:  f,
		messages: messages,
		log:      log.WithField("component", "api"),
	}
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "stats": h.sweeper.Stats()})
}

// handleSweep runs one processing sweep and answers when it has finished.
func (h *Handler) handleSweep(c *gin.Context) {
	res, err := h.sweeper.Sweep(c.Request.Context())
	if err != nil {
		h.log.WithError(err).Error("Manual sweep failed")
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"message": "Processing sweep completed",
		"sweep":   res,
	})
}

func (h *Handler) handleFetch(c *gin.Context) {
	userID := c.Param("userId")

	limit, err := intQuery(c, "limit", defaultLimit)
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "invalid limit"})
		return
	}
	pageToken := c.Query("page_token")

	cred, err := h.creds.Get(c.Request.Context(), userID)
	if errors.Is(err, provider.ErrNoCredential) {
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "message": "no credential for user"})
		return
	}
	if err != nil {
		h.log.WithError(err).WithField("user_id", userID).Error("Loading credential failed")
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error()})
		return
	}

	res, err := h.fetcher.FetchUnread(c.Request.Context(), cred, userID, limit, pageToken)
	if err != nil {
		// The caller sees an empty page and starts over from the first page.
		h.log.WithError(err).WithField("user_id", userID).Warn("Fetch failed")
	}

	emails := res.Inserted
	if emails == nil {
		emails = []models.MessageRef{}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"emails":          emails,
		"next_page_token": res.NextPageToken,
	})
}

type MessageView struct {
	MsgID   string `json:"msg_id"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	Spam    bool   `json:"spam"`
}

type EventView struct {
	MsgID       string  `json:"msg_id"`
	Subject     string  `json:"subject"`
	Title       string  `json:"title"`
	Date        string  `json:"date"`
	StartTime   string  `json:"start_time"`
	EndTime     string  `json:"end_time"`
	Location    string  `json:"location"`
	Description string  `json:"description"`
	CalLink     *string `json:"cal_link"`
}

type SummaryView struct {
	MsgID   string `json:"msg_id"`
	Subject string `json:"subject"`
	Summary string `json:"summary"`
}

// MessagesPage is the paged display projection of a user's messages.
type MessagesPage struct {
	All         []MessageView `json:"all"`
	Events      []EventView   `json:"events"`
	Summaries   []SummaryView `json:"summaries"`
	HasNext     bool          `json:"has_next"`
	CurrentPage int           `json:"current_page"`
	NextPage    *int          `json:"next_page"`
}

func (h *Handler) handleMessages(c *gin.Context) {
	userID := c.Param("userId")

	page, err := intQuery(c, "page", defaultPage)
	if err != nil || page < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "invalid page"})
		return
	}
	pageSize, err := intQuery(c, "page_size", defaultPageSize)
	if err != nil || pageSize < 1 || pageSize > maxPageSize {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "invalid page_size"})
		return
	}

	out, err := ListMessages(c.Request.Context(), h.messages, userID, page, pageSize)
	if err != nil {
		h.log.WithError(err).WithField("user_id", userID).Error("Listing messages failed")
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, out)
}

// ListMessages builds one page of the display projection. Messages appear in
// All; those carrying an event or a summary also appear in Events or Summaries.
func ListMessages(ctx context.Context, messages MessageReader, userID string, page, pageSize int) (MessagesPage, error) {
	skip := (page - 1) * pageSize

	msgs, err := messages.ListPage(ctx, userID, skip, pageSize)
	if err != nil {
		return MessagesPage{}, err
	}
	total, err := messages.Count(ctx, userID)
	if err != nil {
		return MessagesPage{}, err
	}

	out := MessagesPage{
		All:         make([]MessageView, 0, len(msgs)),
		Events:      []EventView{},
		Summaries:   []SummaryView{},
		HasNext:     total > skip+pageSize,
		CurrentPage: page,
	}
	if out.HasNext {
		next := page + 1
		out.NextPage = &next
	}

	for _, m := range msgs {
		subject := orDefault(m.Subject, noSubject)
		out.All = append(out.All, MessageView{
			MsgID:   m.MsgID,
			Subject: subject,
			Body:    orDefault(m.Body, noBody),
			Spam:    m.Spam,
		})
		if m.Event != nil {
			out.Events = append(out.Events, EventView{
				MsgID:       m.MsgID,
				Subject:     subject,
				Title:       m.Event.Title,
				Date:        m.Event.Date,
				StartTime:   m.Event.StartTime,
				EndTime:     m.Event.EndTime,
				Location:    m.Event.Location,
				Description: m.Event.Description,
				CalLink:     m.CalLink,
			})
		}
		if m.Summary != nil {
			out.Summaries = append(out.Summaries, SummaryView{
				MsgID:   m.MsgID,
				Subject: subject,
				Summary: *m.Summary,
			})
		}
	}
	return out, nil
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
