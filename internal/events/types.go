package events

import (
	"encoding/json"
	"time"

	"github.com/convobase/chatcore/internal/markers"
)

// Event types appended during a stream. Within one streaming session the
// assigned ids are strictly increasing and pollers observe append order.
const (
	TypeStart   = "start"
	TypeContext = "context"
	TypeToken   = "token"
	TypeEnd     = "end"
	TypeError   = "error"
)

// Event is one tagged payload variant. Every append goes through a single
// encoder so event_data always has a predictable shape per event type.
type Event interface {
	Type() string
}

// ContextChunk is a retrieved knowledge-base fragment accompanying the
// answer. The core treats the similarity store as opaque; chunks arrive
// fully formed on the upstream sourceDocuments event.
type ContextChunk struct {
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	Score    float64                `json:"score,omitempty"`
}

// Start signals that the upstream stream opened.
type Start struct {
	Message string `json:"message"`
}

func (Start) Type() string { return TypeStart }

// Context carries the retrieval chunks accompanying the answer.
// The array may be empty.
type Context struct {
	Chunks []ContextChunk `json:"chunks"`
}

func (Context) Type() string { return TypeContext }

// Token is a display-ready text fragment plus the marker detections that
// overlapped it.
type Token struct {
	Text    string        `json:"text"`
	Markers markers.Flags `json:"markers"`
}

func (Token) Type() string { return TypeToken }

// End carries the final display text and the context chunk list.
type End struct {
	FinalText     string         `json:"finalText"`
	ContextChunks []ContextChunk `json:"contextChunks"`
}

func (End) Type() string { return TypeEnd }

// Error is the fatal error for a session.
type Error struct {
	Message string `json:"message"`
}

func (Error) Type() string { return TypeError }

// StoredEvent is one row of the event log as returned to pollers.
type StoredEvent struct {
	ID                 int64           `json:"id"`
	StreamingSessionID string          `json:"streaming_session_id"`
	EventType          string          `json:"event_type"`
	EventData          json.RawMessage `json:"event_data"`
	CreatedAt          time.Time       `json:"created_at"`
}
