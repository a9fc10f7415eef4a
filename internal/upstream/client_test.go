package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/convobase/chatcore/internal/events"
	"github.com/convobase/chatcore/internal/logger"
	"github.com/convobase/chatcore/internal/markers"
	"github.com/convobase/chatcore/internal/metrics"
	"github.com/convobase/chatcore/internal/session"
	"github.com/convobase/chatcore/internal/settings"
)

type recordedEvent struct {
	SessionID string
	Event     events.Event
}

type fakeEventLog struct {
	mu     sync.Mutex
	events []recordedEvent
	nextID int64
}

func (f *fakeEventLog) Append(ctx context.Context, streamingSessionID string, ev events.Event) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.events = append(f.events, recordedEvent{SessionID: streamingSessionID, Event: ev})
	return f.nextID, nil
}

func (f *fakeEventLog) all() []recordedEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]recordedEvent, len(f.events))
	copy(out, f.events)
	return out
}

type fakeRegistry struct {
	mu       sync.Mutex
	status   string
	errorMsg string
	terminal chan struct{}
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{terminal: make(chan struct{})}
}

func (f *fakeRegistry) MarkCompleted(ctx context.Context, streamingSessionID string, finalResult json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == "" {
		f.status = session.StatusCompleted
		close(f.terminal)
	}
	return nil
}

func (f *fakeRegistry) MarkFailed(ctx context.Context, streamingSessionID, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == "" {
		f.status = session.StatusFailed
		f.errorMsg = errorMessage
		close(f.terminal)
	}
	return nil
}

func (f *fakeRegistry) state() (string, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.errorMsg
}

type fakePersister struct {
	ch chan PersistInput
}

func (f *fakePersister) PersistCompletedTurn(ctx context.Context, in PersistInput) {
	f.ch <- in
}

func testClient(t *testing.T, eventLog *fakeEventLog, registry *fakeRegistry, persister *fakePersister) *Client {
	t.Helper()
	log := logger.New(logger.Config{Level: slog.LevelError})
	return NewClient(eventLog, registry, persister, metrics.New(), log, "test-token", 10*time.Millisecond)
}

func waitTerminal(t *testing.T, registry *fakeRegistry) {
	t.Helper()
	select {
	case <-registry.terminal:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal state")
	}
}

func sseServer(t *testing.T, lines ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("upstream received invalid body: %v", err)
		}
		if streaming, _ := body["streaming"].(bool); !streaming {
			t.Error("upstream request must set streaming: true")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, line := range lines {
			fmt.Fprint(w, line)
			flusher.Flush()
		}
	}))
}

func TestSimpleTurn(t *testing.T) {
	server := sseServer(t,
		"data: {\"event\":\"start\"}\n",
		"data: {\"event\":\"token\",\"data\":\"Hi\"}\n",
		"data: {\"event\":\"token\",\"data\":\" there\"}\n",
		"data: {\"event\":\"end\"}\n",
		"data: [DONE]\n",
	)
	defer server.Close()

	eventLog := &fakeEventLog{}
	registry := newFakeRegistry()
	persister := &fakePersister{ch: make(chan PersistInput, 1)}
	client := testClient(t, eventLog, registry, persister)

	client.Start("conv-1", "stream-1", server.URL, map[string]interface{}{"question": "hello"}, &settings.Settings{})
	waitTerminal(t, registry)

	status, _ := registry.state()
	if status != session.StatusCompleted {
		t.Fatalf("expected completed, got %s", status)
	}

	var types []string
	var tokens []string
	for _, rec := range eventLog.all() {
		types = append(types, rec.Event.Type())
		if token, ok := rec.Event.(events.Token); ok {
			tokens = append(tokens, token.Text)
			if token.Markers.Any() {
				t.Errorf("unexpected marker flags on %q", token.Text)
			}
		}
	}

	wantTypes := []string{"start", "token", "token", "end"}
	if fmt.Sprint(types) != fmt.Sprint(wantTypes) {
		t.Errorf("event types: got %v, want %v", types, wantTypes)
	}
	if fmt.Sprint(tokens) != fmt.Sprint([]string{"Hi", " there"}) {
		t.Errorf("tokens: got %v", tokens)
	}

	last := eventLog.all()[len(eventLog.all())-1]
	end, ok := last.Event.(events.End)
	if !ok {
		t.Fatalf("last event is %T, want End", last.Event)
	}
	if end.FinalText != "Hi there" {
		t.Errorf("final text: got %q", end.FinalText)
	}

	select {
	case in := <-persister.ch:
		if in.DisplayText != "Hi there" || in.AnnotatedText != "Hi there" {
			t.Errorf("persist input: %+v", in)
		}
		if in.ConversationSessionID != "conv-1" || in.StreamingSessionID != "stream-1" {
			t.Errorf("persist ids: %+v", in)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("persistence was not scheduled")
	}
}

func TestMarkerFlagsSurfaceOnTokenEvents(t *testing.T) {
	server := sseServer(t,
		"data: {\"event\":\"start\"}\n",
		"data: {\"event\":\"token\",\"data\":\"Sure%\"}\n",
		"data: {\"event\":\"token\",\"data\":\"%please\"}\n",
		"data: {\"event\":\"end\"}\n",
		"data: [DONE]\n",
	)
	defer server.Close()

	eventLog := &fakeEventLog{}
	registry := newFakeRegistry()
	persister := &fakePersister{ch: make(chan PersistInput, 1)}
	client := testClient(t, eventLog, registry, persister)

	client.Start("conv-1", "stream-1", server.URL, map[string]interface{}{}, &settings.Settings{})
	waitTerminal(t, registry)

	var texts []string
	contactSeen := false
	for _, rec := range eventLog.all() {
		if token, ok := rec.Event.(events.Token); ok {
			texts = append(texts, token.Text)
			if token.Markers.ContactForm {
				contactSeen = true
			}
		}
	}

	if fmt.Sprint(texts) != fmt.Sprint([]string{"Sure", "please"}) {
		t.Errorf("display tokens: got %v", texts)
	}
	if !contactSeen {
		t.Error("expected contactForm flag on a token event")
	}

	in := <-persister.ch
	if in.AnnotatedText != "Sure%%please" {
		t.Errorf("annotated text must keep markers, got %q", in.AnnotatedText)
	}
	if !in.Detected.ContactForm {
		t.Error("expected contactForm in detected flags")
	}
}

func TestProductBlockEvents(t *testing.T) {
	server := sseServer(t,
		"data: {\"event\":\"token\",\"data\":\"See \"}\n",
		"data: {\"event\":\"token\",\"data\":\"XXXitem-1\"}\n",
		"data: {\"event\":\"token\",\"data\":\"YYY and more\"}\n",
		"data: {\"event\":\"end\"}\n",
		"data: [DONE]\n",
	)
	defer server.Close()

	eventLog := &fakeEventLog{}
	registry := newFakeRegistry()
	persister := &fakePersister{ch: make(chan PersistInput, 1)}
	client := testClient(t, eventLog, registry, persister)

	client.Start("conv-1", "stream-1", server.URL, map[string]interface{}{}, &settings.Settings{})
	waitTerminal(t, registry)

	var texts []string
	for _, rec := range eventLog.all() {
		if token, ok := rec.Event.(events.Token); ok {
			texts = append(texts, token.Text)
		}
	}

	want := []string{"See ", markers.BufferingStart, "XXXitem-1YYY" + markers.BufferingEnd, " and more"}
	if fmt.Sprint(texts) != fmt.Sprint(want) {
		t.Errorf("token sequence: got %v, want %v", texts, want)
	}
}

func TestMidStreamErrorFailsClosed(t *testing.T) {
	server := sseServer(t,
		"data: {\"event\":\"start\"}\n",
		"data: {\"event\":\"token\",\"data\":\"partial\"}\n",
		"data: {\"event\":\"error\",\"data\":\"boom\"}\n",
	)
	defer server.Close()

	eventLog := &fakeEventLog{}
	registry := newFakeRegistry()
	persister := &fakePersister{ch: make(chan PersistInput, 1)}
	client := testClient(t, eventLog, registry, persister)

	client.Start("conv-1", "stream-1", server.URL, map[string]interface{}{}, &settings.Settings{})
	waitTerminal(t, registry)

	status, errMsg := registry.state()
	if status != session.StatusFailed {
		t.Fatalf("expected failed, got %s", status)
	}
	if errMsg != "boom" {
		t.Errorf("error message: got %q", errMsg)
	}

	recorded := eventLog.all()
	last := recorded[len(recorded)-1].Event
	errEvent, ok := last.(events.Error)
	if !ok {
		t.Fatalf("last event is %T, want Error", last)
	}
	if errEvent.Message != "boom" {
		t.Errorf("error event message: got %q", errEvent.Message)
	}

	// Prior tokens must still have been delivered.
	sawToken := false
	for _, rec := range recorded {
		if token, ok := rec.Event.(events.Token); ok && token.Text == "partial" {
			sawToken = true
		}
	}
	if !sawToken {
		t.Error("tokens before the error must be delivered")
	}

	select {
	case <-persister.ch:
		t.Error("persistence must not run for failed streams")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnectRetryOnServerError(t *testing.T) {
	var mu sync.Mutex
	attempts := 0

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		first := attempts == 1
		mu.Unlock()

		if first {
			http.Error(w, "temporarily unavailable", http.StatusBadGateway)
			return
		}

		fmt.Fprint(w, "data: {\"event\":\"token\",\"data\":\"ok\"}\n")
		fmt.Fprint(w, "data: {\"event\":\"end\"}\n")
		fmt.Fprint(w, "data: [DONE]\n")
	}))
	defer server.Close()

	eventLog := &fakeEventLog{}
	registry := newFakeRegistry()
	persister := &fakePersister{ch: make(chan PersistInput, 1)}
	client := testClient(t, eventLog, registry, persister)

	client.Start("conv-1", "stream-1", server.URL, map[string]interface{}{}, &settings.Settings{})
	waitTerminal(t, registry)

	status, _ := registry.state()
	if status != session.StatusCompleted {
		t.Fatalf("expected completed after retry, got %s", status)
	}

	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Errorf("expected exactly 2 connect attempts, got %d", attempts)
	}
}

func TestConnectDoubleFailureMarksFailed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	eventLog := &fakeEventLog{}
	registry := newFakeRegistry()
	persister := &fakePersister{ch: make(chan PersistInput, 1)}
	client := testClient(t, eventLog, registry, persister)

	client.Start("conv-1", "stream-1", server.URL, map[string]interface{}{}, &settings.Settings{})
	waitTerminal(t, registry)

	status, errMsg := registry.state()
	if status != session.StatusFailed {
		t.Fatalf("expected failed, got %s", status)
	}
	if errMsg == "" {
		t.Error("expected observed error text on the session")
	}

	recorded := eventLog.all()
	if len(recorded) != 1 {
		t.Fatalf("expected a single error event, got %+v", recorded)
	}
	if recorded[0].Event.Type() != events.TypeError {
		t.Errorf("expected error event, got %s", recorded[0].Event.Type())
	}
}

func TestStreamWithoutEndMarksFailed(t *testing.T) {
	server := sseServer(t,
		"data: {\"event\":\"start\"}\n",
		"data: {\"event\":\"token\",\"data\":\"half\"}\n",
		"data: [DONE]\n",
	)
	defer server.Close()

	eventLog := &fakeEventLog{}
	registry := newFakeRegistry()
	persister := &fakePersister{ch: make(chan PersistInput, 1)}
	client := testClient(t, eventLog, registry, persister)

	client.Start("conv-1", "stream-1", server.URL, map[string]interface{}{}, &settings.Settings{})
	waitTerminal(t, registry)

	status, _ := registry.state()
	if status != session.StatusFailed {
		t.Fatalf("expected failed without end frame, got %s", status)
	}
}

func TestDataLineSplitAcrossSSELines(t *testing.T) {
	// A frame whose JSON is split by a newline: the first line fails to
	// parse, is pushed back, and the continuation completes it.
	server := sseServer(t,
		"data: {\"event\":\"token\",\n",
		"\"data\":\"Hi\"}\n",
		"data: {\"event\":\"end\"}\n",
		"data: [DONE]\n",
	)
	defer server.Close()

	eventLog := &fakeEventLog{}
	registry := newFakeRegistry()
	persister := &fakePersister{ch: make(chan PersistInput, 1)}
	client := testClient(t, eventLog, registry, persister)

	client.Start("conv-1", "stream-1", server.URL, map[string]interface{}{}, &settings.Settings{})
	waitTerminal(t, registry)

	status, _ := registry.state()
	if status != session.StatusCompleted {
		t.Fatalf("expected completed, got %s", status)
	}

	var tokens []string
	for _, rec := range eventLog.all() {
		if token, ok := rec.Event.(events.Token); ok {
			tokens = append(tokens, token.Text)
		}
	}
	if fmt.Sprint(tokens) != fmt.Sprint([]string{"Hi"}) {
		t.Errorf("tokens: got %v", tokens)
	}
}

func TestSourceDocumentsBecomeContextEvent(t *testing.T) {
	server := sseServer(t,
		"data: {\"event\":\"start\"}\n",
		"data: {\"event\":\"sourceDocuments\",\"data\":[{\"pageContent\":\"chunk one\",\"metadata\":{\"source\":\"kb\"}}]}\n",
		"data: {\"event\":\"token\",\"data\":\"answer\"}\n",
		"data: {\"event\":\"end\"}\n",
		"data: [DONE]\n",
	)
	defer server.Close()

	eventLog := &fakeEventLog{}
	registry := newFakeRegistry()
	persister := &fakePersister{ch: make(chan PersistInput, 1)}
	client := testClient(t, eventLog, registry, persister)

	client.Start("conv-1", "stream-1", server.URL, map[string]interface{}{}, &settings.Settings{})
	waitTerminal(t, registry)

	var contextEvent *events.Context
	var endEvent *events.End
	for _, rec := range eventLog.all() {
		switch ev := rec.Event.(type) {
		case events.Context:
			contextEvent = &ev
		case events.End:
			endEvent = &ev
		}
	}

	if contextEvent == nil {
		t.Fatal("expected a context event")
	}
	if len(contextEvent.Chunks) != 1 || contextEvent.Chunks[0].Content != "chunk one" {
		t.Errorf("context chunks: %+v", contextEvent.Chunks)
	}
	if endEvent == nil {
		t.Fatal("expected an end event")
	}
	if len(endEvent.ContextChunks) != 1 {
		t.Errorf("end event must carry the chunk list, got %+v", endEvent.ContextChunks)
	}

	in := <-persister.ch
	if len(in.ContextChunks) != 1 {
		t.Errorf("persist input must carry chunks, got %+v", in.ContextChunks)
	}
}
