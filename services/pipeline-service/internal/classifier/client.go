package classifier

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"

	"github.com/stoik/mailsift/internal/models"
)

// ErrEmptyResponse is returned when the classifier replies with no body.
var ErrEmptyResponse = errors.New("classifier returned an empty response")

// Client calls a remote spam classifier over HTTP.
type Client struct {
	baseURL string
	client  *http.Client
	log     logrus.FieldLogger
}

func NewClient(baseURL string, timeout time.Duration, log logrus.FieldLogger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		log:     log.WithField("component", "classifier"),
	}
}

type classifyRequest struct {
	Documents []models.Document `json:"documents"`
}

// Classify posts docs to {baseURL}/classify and returns the raw, shape-tagged
// response.
func (c *Client) Classify(ctx context.Context, docs []models.Document) (RawPredictions, error) {
	payload, err := json.Marshal(classifyRequest{Documents: docs})
	if err != nil {
		return RawPredictions{}, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/classify", bytes.NewReader(payload))
	if err != nil {
		return RawPredictions{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return RawPredictions{}, fmt.Errorf("failed to classify: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return RawPredictions{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return RawPredictions{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	raw, err := Decode(body)
	if err != nil {
		return RawPredictions{}, err
	}
	c.log.WithFields(logrus.Fields{"shape": raw.Shape.String(), "documents": len(docs)}).Debug("Classifier response")
	return raw, nil
}

// Decode tags a JSON classifier response by its form: an object is a table,
// an array of objects is records, any other array is scalars, and a bare
// value is a single scalar.
func Decode(body []byte) (RawPredictions, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return RawPredictions{}, ErrEmptyResponse
	}

	switch body[0] {
	case '{':
		var t Table
		if err := json.Unmarshal(body, &t); err != nil {
			return RawPredictions{}, fmt.Errorf("failed to decode table: %w", err)
		}
		return RawPredictions{Shape: ShapeTable, Table: &t}, nil
	case '[':
		var items []any
		if err := json.Unmarshal(body, &items); err != nil {
			return RawPredictions{}, fmt.Errorf("failed to decode list: %w", err)
		}
		if len(items) > 0 {
			if _, ok := items[0].(map[string]any); ok {
				recs := make([]map[string]any, 0, len(items))
				for _, it := range items {
					if m, ok := it.(map[string]any); ok {
						recs = append(recs, m)
					} else {
						recs = append(recs, map[string]any{"prediction": it})
					}
				}
				return RawPredictions{Shape: ShapeRecords, Records: recs}, nil
			}
		}
		return RawPredictions{Shape: ShapeScalars, Scalars: items}, nil
	default:
		var v any
		if err := json.Unmarshal(body, &v); err != nil {
			return RawPredictions{}, fmt.Errorf("failed to decode scalar: %w", err)
		}
		return RawPredictions{Shape: ShapeScalars, Scalars: []any{v}}, nil
	}
}
