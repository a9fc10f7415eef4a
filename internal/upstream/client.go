package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/convobase/chatcore/internal/events"
	"github.com/convobase/chatcore/internal/logger"
	"github.com/convobase/chatcore/internal/markers"
	"github.com/convobase/chatcore/internal/metrics"
	"github.com/convobase/chatcore/internal/settings"
)

// EventAppender is the slice of the event log the consumer writes to.
type EventAppender interface {
	Append(ctx context.Context, streamingSessionID string, ev events.Event) (int64, error)
}

// StatusMarker is the slice of the session registry the consumer drives
// to a terminal state.
type StatusMarker interface {
	MarkCompleted(ctx context.Context, streamingSessionID string, finalResult json.RawMessage) error
	MarkFailed(ctx context.Context, streamingSessionID, errorMessage string) error
}

const (
	// readBufferSize is the chunk size for reads from the upstream body.
	readBufferSize = 16 * 1024

	// maxErrorBodyBytes caps how much of a non-2xx response body is kept
	// for the error message.
	maxErrorBodyBytes = 2048
)

// PersistInput hands a completed turn to the persistence job.
type PersistInput struct {
	ConversationSessionID string
	StreamingSessionID    string
	DisplayText           string
	AnnotatedText         string
	ContextChunks         []events.ContextChunk
	Detected              markers.Flags
	Settings              *settings.Settings
}

// Persister runs after a successful end. It must not block the streaming
// path; failures are its own to log.
type Persister interface {
	PersistCompletedTurn(ctx context.Context, in PersistInput)
}

// Client consumes upstream SSE streams and translates them into event log
// appends. One consumer goroutine per streaming session; the event log is
// the backpressure boundary, so a slow poller only sees a growing backlog.
type Client struct {
	httpClient *http.Client
	eventLog   EventAppender
	registry   StatusMarker
	persister  Persister
	metrics    *metrics.Metrics
	logger     *logger.Logger

	bearerToken string
	retryDelay  time.Duration
}

// NewClient creates an upstream streaming client.
func NewClient(eventLog EventAppender, registry StatusMarker, persister Persister, m *metrics.Metrics, log *logger.Logger, bearerToken string, retryDelay time.Duration) *Client {
	return &Client{
		// No client-side timeout: streams run until the upstream closes
		// them. Lifecycle is bounded by the maintenance purges.
		httpClient:  &http.Client{},
		eventLog:    eventLog,
		registry:    registry,
		persister:   persister,
		metrics:     m,
		logger:      log,
		bearerToken: bearerToken,
		retryDelay:  retryDelay,
	}
}

// Start launches the consumer for one streaming session and returns
// immediately. The consumer runs to completion independently of the
// request that spawned it.
func (c *Client) Start(conversationSessionID, streamingSessionID, upstreamURL string, requestBody map[string]interface{}, cfg *settings.Settings) {
	go c.consume(conversationSessionID, streamingSessionID, upstreamURL, requestBody, cfg)
}

// consume opens the upstream stream and drives it to a terminal state.
func (c *Client) consume(conversationSessionID, streamingSessionID, upstreamURL string, requestBody map[string]interface{}, cfg *settings.Settings) {
	log := c.logger.WithComponent("upstream-client")
	ctx := context.Background()

	c.metrics.StreamsInFlight.Inc()
	defer c.metrics.StreamsInFlight.Dec()

	// One bad stream must not take the server down.
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in upstream consumer",
				slog.Any("panic", r),
				slog.String("streaming_session_id", streamingSessionID))
			c.fail(ctx, streamingSessionID, fmt.Sprintf("panic: %v", r))
		}
	}()

	log.Info("starting upstream stream",
		slog.String("streaming_session_id", streamingSessionID),
		slog.String("upstream_url", upstreamURL))

	body, err := c.open(ctx, upstreamURL, requestBody)
	if err != nil {
		log.Error("upstream connect failed",
			slog.String("streaming_session_id", streamingSessionID),
			slog.String("error", err.Error()))
		c.fail(ctx, streamingSessionID, err.Error())
		return
	}
	defer body.Close()

	machine := markers.NewMachine()
	var contextChunks []events.ContextChunk

	state := &streamState{
		machine:               machine,
		contextChunks:         &contextChunks,
		streamingSessionID:    streamingSessionID,
		conversationSessionID: conversationSessionID,
		settings:              cfg,
	}

	buf := &lineBuffer{}
	chunk := make([]byte, readBufferSize)

	for !state.sawDone {
		n, readErr := body.Read(chunk)
		if n > 0 {
			buf.write(chunk[:n])
			if c.drain(ctx, buf, state, false) {
				return
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			// Mid-stream failure: partial streams fail closed, no retry.
			log.Error("upstream read failed mid-stream",
				slog.String("streaming_session_id", streamingSessionID),
				slog.String("error", readErr.Error()))
			c.fail(ctx, streamingSessionID, "upstream read failed: "+readErr.Error())
			return
		}
	}

	// Final pass over whatever is still buffered: no more bytes are
	// coming, so lines that never resolved into valid JSON are discarded.
	// Nothing after a done sentinel is processed.
	if !state.sawDone && c.drain(ctx, buf, state, true) {
		return
	}

	if tail := buf.tail(); tail != "" {
		log.Warn("discarding unparsed upstream tail",
			slog.String("streaming_session_id", streamingSessionID),
			slog.Int("tail_bytes", len(tail)))
	}

	// The stream was exhausted without an end frame.
	log.Warn("upstream stream terminated without end frame",
		slog.String("streaming_session_id", streamingSessionID),
		slog.Bool("saw_done", state.sawDone))
	c.fail(ctx, streamingSessionID, "upstream stream terminated without end event")
}

// streamState carries the per-stream accumulators through the drain loop.
type streamState struct {
	machine               *markers.Machine
	contextChunks         *[]events.ContextChunk
	streamingSessionID    string
	conversationSessionID string
	settings              *settings.Settings
	sawDone               bool
}

// drain processes complete buffered lines. A data line whose JSON does not
// parse is pushed back onto the buffer head so the next read can complete
// it; in the final pass such a line is discarded instead. Returns true
// when the session reached a terminal state.
func (c *Client) drain(ctx context.Context, buf *lineBuffer, state *streamState, final bool) bool {
	log := c.logger.WithComponent("upstream-client")

	for {
		line, ok := buf.nextLine()
		if !ok {
			return false
		}

		payload, isData := parseDataLine(line)
		if !isData {
			continue
		}

		if payload == doneSentinel {
			state.sawDone = true
			return false
		}

		var f frame
		if err := json.Unmarshal([]byte(payload), &f); err != nil {
			if final {
				log.Warn("discarding malformed upstream frame",
					slog.String("streaming_session_id", state.streamingSessionID),
					slog.Int("line_bytes", len(line)))
				continue
			}
			buf.pushBack(line)
			return false
		}

		done, err := c.handleFrame(ctx, state.streamingSessionID, state.conversationSessionID, state.settings, state.machine, state.contextChunks, f)
		if err != nil {
			log.Error("failed to handle upstream frame",
				slog.String("streaming_session_id", state.streamingSessionID),
				slog.String("event", f.Event),
				slog.String("error", err.Error()))
		}
		if done {
			return true
		}
	}
}

// handleFrame translates one upstream frame into event log appends.
// Returns done=true when the session reached a terminal state.
func (c *Client) handleFrame(ctx context.Context, streamingSessionID, conversationSessionID string, cfg *settings.Settings, machine *markers.Machine, contextChunks *[]events.ContextChunk, f frame) (bool, error) {
	switch f.Event {
	case frameStart:
		c.appendEvent(ctx, streamingSessionID, events.Start{Message: "Stream started"})
		return false, nil

	case frameSourceDocuments:
		chunks := decodeContextChunks(f.Data)
		*contextChunks = chunks
		c.appendEvent(ctx, streamingSessionID, events.Context{Chunks: chunks})
		return false, nil

	case frameToken:
		var text string
		if err := json.Unmarshal(f.Data, &text); err != nil {
			return false, fmt.Errorf("token frame data is not a string: %w", err)
		}
		for _, fragment := range machine.Feed(text) {
			c.appendEvent(ctx, streamingSessionID, events.Token{Text: fragment.Text, Markers: fragment.Markers})
		}
		return false, nil

	case frameEnd:
		// Flush an unterminated product block before assembling the
		// final text.
		for _, fragment := range machine.Finish() {
			c.appendEvent(ctx, streamingSessionID, events.Token{Text: fragment.Text, Markers: fragment.Markers})
		}

		finalText := machine.DisplayText()
		c.appendEvent(ctx, streamingSessionID, events.End{FinalText: finalText, ContextChunks: *contextChunks})

		finalResult, _ := json.Marshal(map[string]interface{}{
			"finalText":     finalText,
			"contextChunks": len(*contextChunks),
		})
		if err := c.registry.MarkCompleted(ctx, streamingSessionID, finalResult); err != nil {
			c.logger.WithComponent("upstream-client").Error("failed to mark session completed",
				slog.String("streaming_session_id", streamingSessionID),
				slog.String("error", err.Error()))
		}
		c.metrics.StreamsCompleted.Inc()

		// Persistence runs after the streaming response is delivered;
		// the client-visible success path does not wait on it.
		go c.persister.PersistCompletedTurn(context.Background(), PersistInput{
			ConversationSessionID: conversationSessionID,
			StreamingSessionID:    streamingSessionID,
			DisplayText:           finalText,
			AnnotatedText:         machine.AnnotatedText(),
			ContextChunks:         *contextChunks,
			Detected:              machine.Detected(),
			Settings:              cfg,
		})
		return true, nil

	case frameError:
		message := decodeErrorMessage(f.Data)
		c.fail(ctx, streamingSessionID, message)
		return true, nil

	default:
		// Unknown frames are ignored; the upstream may add event kinds.
		return false, nil
	}
}

// fail appends an error event and marks the session failed.
func (c *Client) fail(ctx context.Context, streamingSessionID, message string) {
	c.appendEvent(ctx, streamingSessionID, events.Error{Message: message})
	if err := c.registry.MarkFailed(ctx, streamingSessionID, message); err != nil {
		c.logger.WithComponent("upstream-client").Error("failed to mark session failed",
			slog.String("streaming_session_id", streamingSessionID),
			slog.String("error", err.Error()))
	}
	c.metrics.StreamsFailed.Inc()
}

// appendEvent appends to the event log, logging rather than propagating
// failures so one bad append does not abort the stream.
func (c *Client) appendEvent(ctx context.Context, streamingSessionID string, ev events.Event) {
	if _, err := c.eventLog.Append(ctx, streamingSessionID, ev); err != nil {
		c.logger.WithComponent("upstream-client").Error("failed to append event",
			slog.String("streaming_session_id", streamingSessionID),
			slog.String("event_type", ev.Type()),
			slog.String("error", err.Error()))
		return
	}
	c.metrics.EventsAppended.WithLabelValues(ev.Type()).Inc()
}

// open performs the upstream POST, retrying once after the configured
// delay for network-class connect failures. No retry ever happens after
// bytes have been delivered downstream.
func (c *Client) open(ctx context.Context, upstreamURL string, requestBody map[string]interface{}) (io.ReadCloser, error) {
	body, err := c.attempt(ctx, upstreamURL, requestBody)
	if err == nil {
		return body, nil
	}

	if !isNetworkClass(err) {
		return nil, err
	}

	c.metrics.UpstreamRetries.Inc()
	c.logger.WithComponent("upstream-client").Warn("retrying upstream connect",
		slog.String("upstream_url", upstreamURL),
		slog.String("error", err.Error()))
	time.Sleep(c.retryDelay)

	return c.attempt(ctx, upstreamURL, requestBody)
}

// attempt performs a single upstream POST requesting server-sent events.
func (c *Client) attempt(ctx context.Context, upstreamURL string, requestBody map[string]interface{}) (io.ReadCloser, error) {
	payload := make(map[string]interface{}, len(requestBody)+1)
	for k, v := range requestBody {
		payload[k] = v
	}
	payload["streaming"] = true

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode upstream request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Wrapped so the message is recognized as network-class.
		return nil, fmt.Errorf("fetch failed: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		resp.Body.Close()
		return nil, fmt.Errorf("fetch failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	return resp.Body, nil
}

// isNetworkClass reports whether a connect error qualifies for the single
// retry.
func isNetworkClass(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "network") || strings.Contains(msg, "fetch")
}

// decodeContextChunks parses the sourceDocuments payload. Chunks arrive
// either in our shape or as raw retrieval documents with pageContent.
// Content comes from content, pageContent or text; score from score or
// similarity; metadata from a metadata object. Other fields of a document
// are not kept, and a payload that is not an array yields no chunks.
func decodeContextChunks(data json.RawMessage) []events.ContextChunk {
	if len(data) == 0 {
		return []events.ContextChunk{}
	}

	var raw []map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return []events.ContextChunk{}
	}

	chunks := make([]events.ContextChunk, 0, len(raw))
	for _, doc := range raw {
		var chunk events.ContextChunk

		if s, ok := doc["content"].(string); ok {
			chunk.Content = s
		} else if s, ok := doc["pageContent"].(string); ok {
			chunk.Content = s
		} else if s, ok := doc["text"].(string); ok {
			chunk.Content = s
		}

		if f, ok := doc["score"].(float64); ok {
			chunk.Score = f
		} else if f, ok := doc["similarity"].(float64); ok {
			chunk.Score = f
		}

		if m, ok := doc["metadata"].(map[string]interface{}); ok {
			chunk.Metadata = m
		}

		chunks = append(chunks, chunk)
	}
	return chunks
}

// decodeErrorMessage extracts a usable message from an error frame. The
// data field is usually a string but is tolerated as any JSON value.
func decodeErrorMessage(data json.RawMessage) string {
	var message string
	if err := json.Unmarshal(data, &message); err == nil && message != "" {
		return message
	}
	if len(data) > 0 {
		return string(data)
	}
	return "upstream error"
}
