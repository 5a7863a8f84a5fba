package mock

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/goccy/go-json"

	"github.com/stoik/mailsift/internal/models"
)

const (
	LabelSpam = "spam"
	LabelHam  = "ham"
)

var (
	spamKeywords = []string{
		"winner",
		"lottery",
		"free money",
		"click here",
		"act now",
		"limited offer",
		"claim your prize",
		"wire transfer",
		"unsubscribe",
	}

	datePattern  = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)
	timePattern  = regexp.MustCompile(`\b([01]?\d|2[0-3]):([0-5]\d)\b`)
	emailSection = regexp.MustCompile(`(?s)"""(.*)"""`)

	statsMutex sync.RWMutex
	stats      Stats
)

// Stats counts requests served since start.
type Stats struct {
	Classified   int `json:"classified"`
	Spam         int `json:"spam"`
	EventCalls   int `json:"event_calls"`
	SummaryCalls int `json:"summary_calls"`
}

// GetStats returns a snapshot of the counters.
func GetStats() Stats {
	statsMutex.RLock()
	defer statsMutex.RUnlock()
	return stats
}

// Label classifies one document with a keyword heuristic.
func Label(doc models.Document) string {
	text := strings.ToLower(doc.Subject + " " + doc.Body)
	for _, kw := range spamKeywords {
		if strings.Contains(text, kw) {
			return LabelSpam
		}
	}
	return LabelHam
}

// Classify labels docs and renders the result in the requested shape:
// "table", "records" (default) or "scalars".
func Classify(docs []models.Document, shape string) (any, error) {
	labels := make([]string, len(docs))
	spam := 0
	for i, d := range docs {
		labels[i] = Label(d)
		if labels[i] == LabelSpam {
			spam++
		}
	}

	statsMutex.Lock()
	stats.Classified += len(docs)
	stats.Spam += spam
	statsMutex.Unlock()

	switch shape {
	case "", "records":
		recs := make([]map[string]any, len(docs))
		for i, d := range docs {
			recs[i] = map[string]any{"subject": d.Subject, "body": d.Body, "prediction": labels[i]}
		}
		return recs, nil
	case "table":
		rows := make([][]any, len(docs))
		for i, d := range docs {
			rows[i] = []any{d.Subject, d.Body, labels[i]}
		}
		return map[string]any{
			"columns": []string{"subject", "body", "pred"},
			"data":    rows,
		}, nil
	case "scalars":
		return labels, nil
	default:
		return nil, fmt.Errorf("unknown shape %q", shape)
	}
}

// Generate answers a prompt the way the pipeline's generator would. Event
// extraction prompts get an event when the email mentions an ISO date and
// "{}" otherwise; any other prompt gets a short summary.
func Generate(prompt string) string {
	email := prompt
	if m := emailSection.FindStringSubmatch(prompt); m != nil {
		email = m[1]
	}

	if strings.Contains(prompt, "Extract an EVENT") {
		statsMutex.Lock()
		stats.EventCalls++
		statsMutex.Unlock()
		return extractEvent(email)
	}

	statsMutex.Lock()
	stats.SummaryCalls++
	statsMutex.Unlock()
	return summarize(email)
}

func extractEvent(email string) string {
	date := datePattern.FindString(email)
	if date == "" {
		return "{}"
	}

	start, end := "09:00", "10:00"
	if times := timePattern.FindAllString(email, 2); len(times) > 0 {
		start = zeroPad(times[0])
		end = start
		if len(times) > 1 {
			end = zeroPad(times[1])
		}
	}

	title := firstLine(email)
	if title == "" {
		title = "Meeting"
	}
	ev, err := json.Marshal(models.ExtractedEvent{
		Title:       title,
		Date:        date,
		StartTime:   start,
		EndTime:     end,
		Location:    "Online",
		Description: truncate(strings.TrimSpace(email), 200),
	})
	if err != nil {
		return "{}"
	}
	// Wrapped in a code fence, as the real API often does.
	return "```json\n" + string(ev) + "\n```"
}

func summarize(email string) string {
	text := strings.Join(strings.Fields(email), " ")
	if text == "" {
		return "The email is empty."
	}
	return fmt.Sprintf("This email says: %s", truncate(text, 160))
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return truncate(line, 80)
		}
	}
	return ""
}

func zeroPad(t string) string {
	if len(t) == 4 {
		return "0" + t
	}
	return t
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
