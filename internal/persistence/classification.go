package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/convobase/chatcore/internal/logger"
)

// Classification response shape: four optional fields embedded in free
// text, e.g. "Emne(billing) Happy(4) info(no) fallback(yes)".
var (
	emnePattern     = regexp.MustCompile(`Emne\(([^)]*)\)`)
	happyPattern    = regexp.MustCompile(`Happy\(([^)]*)\)`)
	infoPattern     = regexp.MustCompile(`info\(([^)]*)\)`)
	fallbackPattern = regexp.MustCompile(`fallback\(([^)]*)\)`)
)

// Classifier runs the optional post-turn analysis against the tenant's
// prediction endpoint.
type Classifier struct {
	httpClient  *http.Client
	logger      *logger.Logger
	bearerToken string
}

// NewClassifier creates a classifier with the given call timeout.
func NewClassifier(log *logger.Logger, bearerToken string, timeout time.Duration) *Classifier {
	return &Classifier{
		httpClient:  &http.Client{Timeout: timeout},
		logger:      log,
		bearerToken: bearerToken,
	}
}

// Classify posts the full conversation text to the prediction endpoint and
// extracts the derived fields. Fields the response does not supply stay
// nil, so the upsert leaves the stored values alone.
func (c *Classifier) Classify(ctx context.Context, predictionURL string, messages []Message) (DerivedFields, error) {
	body, err := json.Marshal(map[string]interface{}{
		"question": conversationText(messages),
	})
	if err != nil {
		return DerivedFields{}, fmt.Errorf("failed to encode classification request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, predictionURL, bytes.NewReader(body))
	if err != nil {
		return DerivedFields{}, fmt.Errorf("failed to build classification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return DerivedFields{}, fmt.Errorf("classification request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return DerivedFields{}, fmt.Errorf("classification endpoint returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return DerivedFields{}, fmt.Errorf("failed to read classification response: %w", err)
	}

	return ParseClassification(extractText(raw)), nil
}

// extractText unwraps {"text": "..."} responses; anything else is treated
// as the raw prediction text.
func extractText(raw []byte) string {
	var wrapped struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Text != "" {
		return wrapped.Text
	}
	return string(raw)
}

// ParseClassification extracts the Emne/Happy/info/fallback fields from
// the prediction text. Missing fields stay nil.
func ParseClassification(text string) DerivedFields {
	var out DerivedFields

	if m := emnePattern.FindStringSubmatch(text); m != nil && m[1] != "" {
		emne := m[1]
		out.Emne = &emne
	}
	if m := happyPattern.FindStringSubmatch(text); m != nil && m[1] != "" {
		score := m[1]
		out.Score = &score
	}
	if m := infoPattern.FindStringSubmatch(text); m != nil && m[1] != "" {
		lacking := strings.EqualFold(m[1], "yes")
		out.LackingInfo = &lacking
	}
	if m := fallbackPattern.FindStringSubmatch(text); m != nil && m[1] != "" {
		fb := strings.EqualFold(m[1], "yes")
		out.Fallback = &fb
	}

	return out
}

// conversationText flattens the message list for the prediction prompt.
func conversationText(messages []Message) string {
	var b strings.Builder
	for _, msg := range messages {
		if msg.IsUser {
			b.WriteString("User: ")
		} else {
			b.WriteString("Assistant: ")
		}
		b.WriteString(msg.Text)
		b.WriteString("\n")
	}
	return b.String()
}
