package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/convobase/chatcore/internal/logger"
	"github.com/convobase/chatcore/internal/settings"
)

// flow types reported back to the browser.
const (
	flowMain  = "main"
	flowAPI   = "api"
	flowOrder = "order"
)

// selectFlow picks the upstream flow for a request. Order details force
// the order flow; the api flow is an explicit opt-in in the configuration
// bag; everything else uses the main flow.
func selectFlow(cfg requestConfiguration) string {
	if len(cfg.OrderDetails) > 0 && string(cfg.OrderDetails) != "null" {
		return flowOrder
	}
	if cfg.UseAPIFlow {
		return flowAPI
	}
	return flowMain
}

// buildUpstreamBody assembles the request body for the upstream inference
// endpoint. The streaming flag itself is added by the upstream client.
func buildUpstreamBody(req ProcessMessageRequest, cfg requestConfiguration, tenant *settings.Settings, flowType string) map[string]interface{} {
	body := map[string]interface{}{
		"question": req.MessageText,
		"flowKey":  tenant.FlowKeys.KeyFor(flowType),
	}

	if len(req.History) > 0 && string(req.History) != "null" {
		body["history"] = json.RawMessage(req.History)
	}
	if req.ImageData != "" && tenant.ImageUploadEnabled {
		body["imageData"] = req.ImageData
	}
	if flowType == flowOrder {
		body["orderDetails"] = json.RawMessage(cfg.OrderDetails)
	}
	if len(req.Configuration) > 0 && string(req.Configuration) != "null" {
		body["overrideConfig"] = json.RawMessage(req.Configuration)
	}

	return body
}

// imageToText performs the synchronous image-to-text call against the
// tenant's configured image endpoint. Like the other outbound proxy calls
// it uses a bounded timeout and retries network errors and upstream 5xx
// with exponential backoff; other HTTP failures surface immediately.
type imageToText struct {
	httpClient  *http.Client
	logger      *logger.Logger
	bearerToken string
	retries     int
}

func newImageToText(log *logger.Logger, bearerToken string, timeout time.Duration, retries int) *imageToText {
	return &imageToText{
		httpClient:  &http.Client{Timeout: timeout},
		logger:      log,
		bearerToken: bearerToken,
		retries:     retries,
	}
}

// Convert sends the image to the endpoint and returns the extracted text.
func (i *imageToText) Convert(ctx context.Context, endpoint, imageData, messageText string) (string, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"question":  messageText,
		"imageData": imageData,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode image request: %w", err)
	}

	backoff := time.Second
	var lastErr error

	for attempt := 0; attempt <= i.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		text, retryable, err := i.attempt(ctx, endpoint, payload)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retryable {
			return "", err
		}
	}

	return "", lastErr
}

func (i *imageToText) attempt(ctx context.Context, endpoint string, payload []byte) (text string, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", false, fmt.Errorf("failed to build image request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if i.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+i.bearerToken)
	}

	resp, err := i.httpClient.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("image endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", true, fmt.Errorf("failed to read image response: %w", err)
	}

	if resp.StatusCode >= 500 {
		return "", true, fmt.Errorf("image endpoint returned status %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", false, fmt.Errorf("image endpoint returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var wrapped struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && wrapped.Text != "" {
		return wrapped.Text, false, nil
	}
	return strings.TrimSpace(string(raw)), false, nil
}
