package settings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/convobase/chatcore/internal/logger"
)

// ErrNotFound is returned when no settings row exists for a chatbot.
// The caller maps this to a tenant-unknown rejection.
var ErrNotFound = errors.New("chatbot settings not found")

// Service is a read-through view over the chatbot_settings table.
// The table is small and read once per request, so there is no cache.
type Service struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewService creates a new settings service.
func NewService(db *sql.DB, logger *logger.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger,
	}
}

// Load returns the settings for the given chatbot, or ErrNotFound.
func (s *Service) Load(ctx context.Context, chatbotID string) (*Settings, error) {
	log := s.logger.WithComponent("settings")

	query := `
		SELECT chatbot_id, upstream_url, prediction_url, image_endpoint, image_upload_enabled,
		       flow_keys, first_message, header_title, header_subtitle, input_placeholder, feature_flags
		FROM chatbot_settings
		WHERE chatbot_id = $1
	`

	var (
		out           Settings
		predictionURL sql.NullString
		imageEndpoint sql.NullString
		firstMessage  sql.NullString
		headerTitle   sql.NullString
		headerSub     sql.NullString
		placeholder   sql.NullString
		flowKeysRaw   []byte
		featureFlags  []byte
	)

	err := s.db.QueryRowContext(ctx, query, chatbotID).Scan(
		&out.ChatbotID,
		&out.UpstreamURL,
		&predictionURL,
		&imageEndpoint,
		&out.ImageUploadEnabled,
		&flowKeysRaw,
		&firstMessage,
		&headerTitle,
		&headerSub,
		&placeholder,
		&featureFlags,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		log.Error("failed to load chatbot settings",
			slog.String("chatbot_id", chatbotID),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}

	out.PredictionURL = predictionURL.String
	out.ImageEndpoint = imageEndpoint.String
	out.FirstMessage = firstMessage.String
	out.HeaderTitle = headerTitle.String
	out.HeaderSubtitle = headerSub.String
	out.InputPlaceholder = placeholder.String
	out.FeatureFlags = featureFlags

	if len(flowKeysRaw) > 0 {
		if err := json.Unmarshal(flowKeysRaw, &out.FlowKeys); err != nil {
			log.Warn("malformed flow_keys, using empty set",
				slog.String("chatbot_id", chatbotID),
				slog.String("error", err.Error()))
		}
	}

	return &out, nil
}
