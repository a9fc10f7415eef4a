package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/convobase/chatcore/internal/logger"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a streaming session id is unknown.
var ErrNotFound = errors.New("streaming session not found")

// ValidationError reports a missing required field on session creation.
// Handlers map it to a 400 response.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return "missing required field: " + e.Field
}

// Registry manages conversation and streaming session rows.
//
// A conversation session is the immutable input snapshot for one user turn;
// each upstream call gets a child streaming session that owns the event
// ordering and terminal status. Any number of sessions may be in flight for
// a tenant concurrently; the registry does not serialize them.
type Registry struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewRegistry creates a new session registry.
func NewRegistry(db *sql.DB, logger *logger.Logger) *Registry {
	return &Registry{
		db:     db,
		logger: logger,
	}
}

// CreateConversationSession persists the request snapshot and returns a new
// opaque session id. UserID, ChatbotID and MessageText are required.
func (r *Registry) CreateConversationSession(ctx context.Context, in CreateConversationSessionInput) (string, error) {
	log := r.logger.WithComponent("session-registry")

	switch {
	case in.UserID == "":
		return "", &ValidationError{Field: "user_id"}
	case in.ChatbotID == "":
		return "", &ValidationError{Field: "chatbot_id"}
	case in.MessageText == "":
		return "", &ValidationError{Field: "message_text"}
	}

	sessionID := uuid.New().String()

	var (
		imageData     sql.NullString
		imageFilename sql.NullString
		imageMime     sql.NullString
		imageSize     sql.NullInt64
	)
	if in.Image != nil {
		imageData = sql.NullString{String: in.Image.Data, Valid: true}
		if in.Image.Filename != "" {
			imageFilename = sql.NullString{String: in.Image.Filename, Valid: true}
		}
		if in.Image.Mime != "" {
			imageMime = sql.NullString{String: in.Image.Mime, Valid: true}
		}
		if in.Image.Size > 0 {
			imageSize = sql.NullInt64{Int64: in.Image.Size, Valid: true}
		}
	}

	configuration := in.Configuration
	if len(configuration) == 0 {
		configuration = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO conversation_sessions (id, user_id, chatbot_id, message_text, image_data, image_filename, image_mime, image_size, configuration)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		sessionID, in.UserID, in.ChatbotID, in.MessageText,
		imageData, imageFilename, imageMime, imageSize, []byte(configuration))
	if err != nil {
		log.Error("failed to create conversation session",
			slog.String("user_id", in.UserID),
			slog.String("chatbot_id", in.ChatbotID),
			slog.String("error", err.Error()))
		return "", fmt.Errorf("failed to create conversation session: %w", err)
	}

	log.Debug("conversation session created",
		slog.String("session_id", sessionID),
		slog.String("chatbot_id", in.ChatbotID))

	return sessionID, nil
}

// GetConversationSession loads the input snapshot for a conversation session.
func (r *Registry) GetConversationSession(ctx context.Context, sessionID string) (*ConversationSession, error) {
	query := `
		SELECT id, user_id, chatbot_id, message_text, image_data, image_filename, image_mime, image_size, configuration, created_at
		FROM conversation_sessions
		WHERE id = $1
	`

	var (
		out           ConversationSession
		imageData     sql.NullString
		imageFilename sql.NullString
		imageMime     sql.NullString
		imageSize     sql.NullInt64
		configuration []byte
	)

	err := r.db.QueryRowContext(ctx, query, sessionID).Scan(
		&out.ID, &out.UserID, &out.ChatbotID, &out.MessageText,
		&imageData, &imageFilename, &imageMime, &imageSize,
		&configuration, &out.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation session: %w", err)
	}

	if imageData.Valid {
		out.Image = &ImageAttachment{
			Data:     imageData.String,
			Filename: imageFilename.String,
			Mime:     imageMime.String,
			Size:     imageSize.Int64,
		}
	}
	out.Configuration = configuration

	return &out, nil
}

// CreateStreamingSession creates a child session in state active.
func (r *Registry) CreateStreamingSession(ctx context.Context, conversationSessionID, upstreamURL string) (string, error) {
	log := r.logger.WithComponent("session-registry")

	streamingSessionID := uuid.New().String()

	query := `
		INSERT INTO streaming_sessions (id, conversation_session_id, upstream_url, status)
		VALUES ($1, $2, $3, $4)
	`

	_, err := r.db.ExecContext(ctx, query, streamingSessionID, conversationSessionID, upstreamURL, StatusActive)
	if err != nil {
		log.Error("failed to create streaming session",
			slog.String("session_id", conversationSessionID),
			slog.String("error", err.Error()))
		return "", fmt.Errorf("failed to create streaming session: %w", err)
	}

	log.Debug("streaming session created",
		slog.String("streaming_session_id", streamingSessionID),
		slog.String("session_id", conversationSessionID))

	return streamingSessionID, nil
}

// MarkCompleted transitions a streaming session to completed. The first
// terminal status wins; a session already terminal only refreshes the
// final result blob for diagnostics and keeps its status, error and
// completion time.
func (r *Registry) MarkCompleted(ctx context.Context, streamingSessionID string, finalResult json.RawMessage) error {
	log := r.logger.WithComponent("session-registry")

	if len(finalResult) == 0 {
		finalResult = json.RawMessage(`null`)
	}

	query := `
		UPDATE streaming_sessions
		SET status = $2, final_result = $3, completed_at = NOW()
		WHERE id = $1 AND status = $4
	`

	result, err := r.db.ExecContext(ctx, query, streamingSessionID, StatusCompleted, []byte(finalResult), StatusActive)
	if err != nil {
		log.Error("failed to mark streaming session completed",
			slog.String("streaming_session_id", streamingSessionID),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to mark completed: %w", err)
	}

	if affected, _ := result.RowsAffected(); affected == 0 {
		// Already terminal. Absorb the call, keep diagnostics fresh.
		_, err := r.db.ExecContext(ctx,
			`UPDATE streaming_sessions SET final_result = $2 WHERE id = $1`,
			streamingSessionID, []byte(finalResult))
		if err != nil {
			log.Warn("failed to refresh final result on terminal session",
				slog.String("streaming_session_id", streamingSessionID),
				slog.String("error", err.Error()))
		}
		log.Debug("duplicate terminal transition absorbed",
			slog.String("streaming_session_id", streamingSessionID),
			slog.String("attempted_status", StatusCompleted))
	}

	return nil
}

// MarkFailed transitions a streaming session to failed. Like MarkCompleted,
// a session already terminal absorbs the call: the first status and first
// error message are preserved.
func (r *Registry) MarkFailed(ctx context.Context, streamingSessionID, errorMessage string) error {
	log := r.logger.WithComponent("session-registry")

	query := `
		UPDATE streaming_sessions
		SET status = $2, error_message = $3, completed_at = NOW()
		WHERE id = $1 AND status = $4
	`

	result, err := r.db.ExecContext(ctx, query, streamingSessionID, StatusFailed, errorMessage, StatusActive)
	if err != nil {
		log.Error("failed to mark streaming session failed",
			slog.String("streaming_session_id", streamingSessionID),
			slog.String("error", err.Error()))
		return fmt.Errorf("failed to mark failed: %w", err)
	}

	if affected, _ := result.RowsAffected(); affected == 0 {
		log.Debug("duplicate terminal transition absorbed",
			slog.String("streaming_session_id", streamingSessionID),
			slog.String("attempted_status", StatusFailed))
	}

	return nil
}

// GetStatus returns the poll-visible state of a streaming session.
func (r *Registry) GetStatus(ctx context.Context, streamingSessionID string) (*StreamingStatus, error) {
	query := `
		SELECT status, error_message, final_result, completed_at
		FROM streaming_sessions
		WHERE id = $1
	`

	var (
		out         StreamingStatus
		errMsg      sql.NullString
		finalResult []byte
		completedAt sql.NullTime
	)

	err := r.db.QueryRowContext(ctx, query, streamingSessionID).Scan(&out.Status, &errMsg, &finalResult, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load streaming session status: %w", err)
	}

	out.Error = errMsg.String
	out.FinalResult = finalResult
	if completedAt.Valid {
		t := completedAt.Time
		out.CompletedAt = &t
	}

	return &out, nil
}

// CountActiveSince counts streaming sessions created within the window that
// are still active. Used by the health endpoint.
func (r *Registry) CountActiveSince(ctx context.Context, window time.Duration) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM streaming_sessions WHERE status = $1 AND created_at > NOW() - $2::interval`,
		StatusActive, fmt.Sprintf("%d seconds", int(window.Seconds()))).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active sessions: %w", err)
	}
	return count, nil
}

// PurgeOlderThan removes conversation sessions (and their streaming
// sessions via cascade) older than the retention window. Returns the
// number of conversation sessions removed.
func (r *Registry) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	log := r.logger.WithComponent("session-registry")

	result, err := r.db.ExecContext(ctx,
		`DELETE FROM conversation_sessions WHERE created_at < NOW() - $1::interval`,
		fmt.Sprintf("%d seconds", int(retention.Seconds())))
	if err != nil {
		log.Error("failed to purge old sessions", slog.String("error", err.Error()))
		return 0, fmt.Errorf("failed to purge sessions: %w", err)
	}

	purged, _ := result.RowsAffected()
	if purged > 0 {
		log.Info("purged expired sessions", slog.Int64("count", purged))
	}
	return purged, nil
}
