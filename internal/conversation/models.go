package conversation

import (
	"encoding/json"

	"github.com/convobase/chatcore/internal/events"
)

// ProcessMessageRequest is the body of POST /api/process-message.
type ProcessMessageRequest struct {
	UserID        string          `json:"user_id"`
	ChatbotID     string          `json:"chatbot_id"`
	MessageText   string          `json:"message_text"`
	ImageData     string          `json:"image_data,omitempty"`
	ImageFilename string          `json:"image_filename,omitempty"`
	ImageMime     string          `json:"image_mime,omitempty"`
	ImageSize     int64           `json:"image_size,omitempty"`
	History       json.RawMessage `json:"conversation_history,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
}

// ProcessMessageResponse acknowledges the accepted turn. The stream itself
// is delivered by polling the streaming URL.
type ProcessMessageResponse struct {
	Success            bool            `json:"success"`
	SessionID          string          `json:"session_id"`
	StreamingSessionID string          `json:"streaming_session_id"`
	FlowType           string          `json:"flow_type"`
	OrderDetails       json.RawMessage `json:"order_details,omitempty"`
	StreamingURL       string          `json:"streaming_url"`
}

// StreamEventsResponse is one poll result. HasMore is true exactly while
// the session is still active.
type StreamEventsResponse struct {
	Events        []events.StoredEvent `json:"events"`
	SessionStatus string               `json:"session_status"`
	LastEventID   int64                `json:"last_event_id"`
	HasMore       bool                 `json:"has_more"`
}

// ConfigResponse is the settings subset the browser needs.
type ConfigResponse struct {
	ChatbotID          string          `json:"chatbot_id"`
	FirstMessage       string          `json:"first_message,omitempty"`
	HeaderTitle        string          `json:"header_title,omitempty"`
	HeaderSubtitle     string          `json:"header_subtitle,omitempty"`
	InputPlaceholder   string          `json:"input_placeholder,omitempty"`
	ImageUploadEnabled bool            `json:"image_upload_enabled"`
	FeatureFlags       json.RawMessage `json:"feature_flags,omitempty"`
}

// UploadImageRequest is the body of POST /api/upload-image.
type UploadImageRequest struct {
	ChatbotID     string          `json:"chatbot_id"`
	ImageData     string          `json:"image_data"`
	MessageText   string          `json:"message_text,omitempty"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
}

// UploadImageResponse carries the synchronous image-to-text result.
type UploadImageResponse struct {
	Success bool   `json:"success"`
	Text    string `json:"text"`
}

// HealthResponse is the liveness report.
type HealthResponse struct {
	Status                  string `json:"status"`
	ActiveStreamingSessions int    `json:"active_streaming_sessions"`
}

// requestConfiguration is the subset of the opaque configuration bag the
// core itself inspects; everything else is passed through untouched.
type requestConfiguration struct {
	UseAPIFlow   bool            `json:"use_api_flow,omitempty"`
	OrderDetails json.RawMessage `json:"order_details,omitempty"`
}
