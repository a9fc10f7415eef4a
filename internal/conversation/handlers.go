package conversation

import (
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	apierrors "github.com/convobase/chatcore/internal/errors"
	"github.com/convobase/chatcore/internal/events"
	"github.com/convobase/chatcore/internal/logger"
	"github.com/convobase/chatcore/internal/metrics"
	"github.com/convobase/chatcore/internal/session"
	"github.com/convobase/chatcore/internal/settings"
	"github.com/convobase/chatcore/internal/upstream"
)

// Handler wires the conversation endpoints together: settings lookup,
// session creation, upstream launch and the poll-based delivery channel.
type Handler struct {
	db        *sql.DB
	settings  *settings.Service
	registry  *session.Registry
	eventLog  *events.Log
	streamer  *upstream.Client
	images    *imageToText
	metrics   *metrics.Metrics
	logger    *logger.Logger
}

// NewHandler creates the conversation handler.
func NewHandler(db *sql.DB, settingsService *settings.Service, registry *session.Registry, eventLog *events.Log, streamer *upstream.Client, m *metrics.Metrics, log *logger.Logger, bearerToken string, proxyTimeout time.Duration, proxyRetries int) *Handler {
	return &Handler{
		db:       db,
		settings: settingsService,
		registry: registry,
		eventLog: eventLog,
		streamer: streamer,
		images:   newImageToText(log, bearerToken, proxyTimeout, proxyRetries),
		metrics:  m,
		logger:   log,
	}
}

// ProcessMessage handles POST /api/process-message.
// Accepts a user turn, creates the session pair, launches the upstream
// consumer and returns immediately; tokens are delivered via polling.
func (h *Handler) ProcessMessage(c *gin.Context) {
	log := h.logger.WithContext(c.Request.Context()).WithComponent("conversation-handler")

	var req ProcessMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.BadRequest(c, "invalid request body", map[string]interface{}{"details": err.Error()})
		return
	}

	tenant, err := h.settings.Load(c.Request.Context(), req.ChatbotID)
	if errors.Is(err, settings.ErrNotFound) {
		apierrors.BadRequest(c, "unknown chatbot", map[string]interface{}{"chatbot_id": req.ChatbotID})
		return
	}
	if err != nil {
		log.Error("failed to load settings", slog.String("error", err.Error()))
		apierrors.Internal(c, "failed to load chatbot settings", nil)
		return
	}

	var image *session.ImageAttachment
	if req.ImageData != "" {
		image = &session.ImageAttachment{
			Data:     req.ImageData,
			Filename: req.ImageFilename,
			Mime:     req.ImageMime,
			Size:     req.ImageSize,
		}
	}

	sessionID, err := h.registry.CreateConversationSession(c.Request.Context(), session.CreateConversationSessionInput{
		UserID:        req.UserID,
		ChatbotID:     req.ChatbotID,
		MessageText:   req.MessageText,
		Image:         image,
		Configuration: req.Configuration,
	})
	var validationErr *session.ValidationError
	if errors.As(err, &validationErr) {
		apierrors.BadRequest(c, "missing required fields", map[string]interface{}{"field": validationErr.Field})
		return
	}
	if err != nil {
		log.Error("failed to create conversation session", slog.String("error", err.Error()))
		apierrors.Internal(c, "failed to create session", nil)
		return
	}

	var cfg requestConfiguration
	if len(req.Configuration) > 0 {
		// The configuration bag is opaque; only the fields the core
		// understands are inspected, parse failures included.
		_ = json.Unmarshal(req.Configuration, &cfg)
	}

	flowType := selectFlow(cfg)
	body := buildUpstreamBody(req, cfg, tenant, flowType)

	streamingSessionID, err := h.registry.CreateStreamingSession(c.Request.Context(), sessionID, tenant.UpstreamURL)
	if err != nil {
		log.Error("failed to create streaming session", slog.String("error", err.Error()))
		apierrors.Internal(c, "failed to create streaming session", nil)
		return
	}

	h.metrics.StreamsStarted.Inc()
	h.streamer.Start(sessionID, streamingSessionID, tenant.UpstreamURL, body, tenant)

	log.Info("message accepted",
		slog.String("session_id", sessionID),
		slog.String("streaming_session_id", streamingSessionID),
		slog.String("chatbot_id", req.ChatbotID),
		slog.String("flow_type", flowType),
		slog.Bool("has_image", image != nil))

	c.JSON(http.StatusOK, ProcessMessageResponse{
		Success:            true,
		SessionID:          sessionID,
		StreamingSessionID: streamingSessionID,
		FlowType:           flowType,
		OrderDetails:       cfg.OrderDetails,
		StreamingURL:       "/api/stream-events/" + streamingSessionID,
	})
}

// StreamEvents handles GET /api/stream-events/:streamingSessionId.
// Poll-based delivery: returns every event with id greater than
// lastEventId, in append order, plus the session status.
func (h *Handler) StreamEvents(c *gin.Context) {
	log := h.logger.WithContext(c.Request.Context()).WithComponent("conversation-handler")

	streamingSessionID := c.Param("streamingSessionId")

	lastEventID := int64(0)
	if raw := c.Query("lastEventId"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			apierrors.BadRequest(c, "invalid lastEventId", map[string]interface{}{"lastEventId": raw})
			return
		}
		lastEventID = parsed
	}

	status, err := h.registry.GetStatus(c.Request.Context(), streamingSessionID)
	if errors.Is(err, session.ErrNotFound) {
		apierrors.NotFound(c, "streaming session not found", nil)
		return
	}
	if err != nil {
		log.Error("failed to load session status", slog.String("error", err.Error()))
		apierrors.Internal(c, "failed to load session status", nil)
		return
	}

	newEvents, err := h.eventLog.Since(c.Request.Context(), streamingSessionID, lastEventID)
	if err != nil {
		log.Error("failed to read events", slog.String("error", err.Error()))
		apierrors.Internal(c, "failed to read events", nil)
		return
	}

	highWater := lastEventID
	for _, ev := range newEvents {
		if ev.ID > highWater {
			highWater = ev.ID
		}
	}
	if newEvents == nil {
		newEvents = []events.StoredEvent{}
	}

	c.JSON(http.StatusOK, StreamEventsResponse{
		Events:        newEvents,
		SessionStatus: status.Status,
		LastEventID:   highWater,
		HasMore:       status.Status == session.StatusActive,
	})
}

// Config handles GET /api/conversation-config/:chatbotId.
// Returns the settings subset the browser needs to render the widget.
func (h *Handler) Config(c *gin.Context) {
	chatbotID := c.Param("chatbotId")

	tenant, err := h.settings.Load(c.Request.Context(), chatbotID)
	if errors.Is(err, settings.ErrNotFound) {
		apierrors.NotFound(c, "unknown chatbot", map[string]interface{}{"chatbot_id": chatbotID})
		return
	}
	if err != nil {
		h.logger.WithComponent("conversation-handler").Error("failed to load settings",
			slog.String("chatbot_id", chatbotID),
			slog.String("error", err.Error()))
		apierrors.Internal(c, "failed to load chatbot settings", nil)
		return
	}

	c.JSON(http.StatusOK, ConfigResponse{
		ChatbotID:          tenant.ChatbotID,
		FirstMessage:       tenant.FirstMessage,
		HeaderTitle:        tenant.HeaderTitle,
		HeaderSubtitle:     tenant.HeaderSubtitle,
		InputPlaceholder:   tenant.InputPlaceholder,
		ImageUploadEnabled: tenant.ImageUploadEnabled,
		FeatureFlags:       tenant.FeatureFlags,
	})
}

// UploadImage handles POST /api/upload-image.
// Synchronous image-to-text conversion via the tenant's configured
// endpoint; no session is created.
func (h *Handler) UploadImage(c *gin.Context) {
	log := h.logger.WithContext(c.Request.Context()).WithComponent("conversation-handler")

	var req UploadImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.BadRequest(c, "invalid request body", map[string]interface{}{"details": err.Error()})
		return
	}
	if req.ChatbotID == "" || req.ImageData == "" {
		apierrors.BadRequest(c, "missing required fields", map[string]interface{}{
			"required": []string{"chatbot_id", "image_data"},
		})
		return
	}

	tenant, err := h.settings.Load(c.Request.Context(), req.ChatbotID)
	if errors.Is(err, settings.ErrNotFound) {
		apierrors.BadRequest(c, "unknown chatbot", map[string]interface{}{"chatbot_id": req.ChatbotID})
		return
	}
	if err != nil {
		log.Error("failed to load settings", slog.String("error", err.Error()))
		apierrors.Internal(c, "failed to load chatbot settings", nil)
		return
	}

	if !tenant.ImageUploadEnabled || tenant.ImageEndpoint == "" {
		apierrors.BadRequest(c, "image upload not enabled for this chatbot", nil)
		return
	}

	text, err := h.images.Convert(c.Request.Context(), tenant.ImageEndpoint, req.ImageData, req.MessageText)
	if err != nil {
		log.Error("image-to-text conversion failed",
			slog.String("chatbot_id", req.ChatbotID),
			slog.String("error", err.Error()))
		apierrors.Internal(c, "image conversion failed", map[string]interface{}{"details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, UploadImageResponse{Success: true, Text: text})
}

// Health handles GET /api/conversation-health.
// Liveness: database reachable plus the count of active streaming
// sessions started in the last hour.
func (h *Handler) Health(c *gin.Context) {
	if err := h.db.PingContext(c.Request.Context()); err != nil {
		apierrors.Unavailable(c, "database unreachable", map[string]interface{}{"details": err.Error()})
		return
	}

	active, err := h.registry.CountActiveSince(c.Request.Context(), time.Hour)
	if err != nil {
		apierrors.Unavailable(c, "failed to count active sessions", map[string]interface{}{"details": err.Error()})
		return
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:                  "ok",
		ActiveStreamingSessions: active,
	})
}
