package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/convobase/chatcore/internal/events"
	"github.com/convobase/chatcore/internal/logger"
	"github.com/convobase/chatcore/internal/metrics"
	"github.com/convobase/chatcore/internal/session"
	"github.com/convobase/chatcore/internal/upstream"
)

// Service merges completed turns into the rolling conversation record and
// derives analytics. It runs after the stream has been delivered; nothing
// on the client-visible path waits for it.
type Service struct {
	db         *sql.DB
	registry   *session.Registry
	classifier *Classifier
	metrics    *metrics.Metrics
	logger     *logger.Logger
}

// NewService creates the persistence service.
func NewService(db *sql.DB, registry *session.Registry, classifier *Classifier, m *metrics.Metrics, log *logger.Logger) *Service {
	return &Service{
		db:         db,
		registry:   registry,
		classifier: classifier,
		metrics:    m,
		logger:     log,
	}
}

// PersistCompletedTurn implements upstream.Persister. Failures are logged
// and never re-open the streaming session: the browser has already seen
// the end event.
func (s *Service) PersistCompletedTurn(ctx context.Context, in upstream.PersistInput) {
	log := s.logger.WithComponent("persistence")

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while persisting turn",
				slog.Any("panic", r),
				slog.String("streaming_session_id", in.StreamingSessionID))
		}
	}()

	snapshot, err := s.registry.GetConversationSession(ctx, in.ConversationSessionID)
	if err != nil {
		log.Error("failed to load session snapshot",
			slog.String("session_id", in.ConversationSessionID),
			slog.String("error", err.Error()))
		return
	}

	messages, err := s.loadMessages(ctx, snapshot.UserID, snapshot.ChatbotID)
	if err != nil {
		log.Error("failed to load existing conversation",
			slog.String("user_id", snapshot.UserID),
			slog.String("chatbot_id", snapshot.ChatbotID),
			slog.String("error", err.Error()))
		return
	}

	// A brand new conversation starts with the tenant's configured first
	// message as an assistant turn.
	if len(messages) == 0 && in.Settings != nil && in.Settings.FirstMessage != "" {
		messages = append(messages, Message{Text: in.Settings.FirstMessage, IsUser: false})
	}

	userTurn := Message{Text: snapshot.MessageText, IsUser: true}
	if snapshot.Image != nil {
		userTurn.Image = snapshot.Image.Data
		userTurn.FileName = snapshot.Image.Filename
		userTurn.FileMime = snapshot.Image.Mime
		userTurn.FileSize = snapshot.Image.Size
		userTurn.IsFile = true
	}
	messages = append(messages, userTurn)

	messages = append(messages, Message{
		Text:            in.DisplayText,
		IsUser:          false,
		TextWithMarkers: in.AnnotatedText,
	})
	aiMessageIndex := len(messages) - 1

	conversationID, err := s.upsert(ctx, snapshot.UserID, snapshot.ChatbotID, messages, DerivedFields{})
	if err != nil {
		log.Error("failed to upsert conversation",
			slog.String("user_id", snapshot.UserID),
			slog.String("chatbot_id", snapshot.ChatbotID),
			slog.String("error", err.Error()))
		return
	}

	// Context chunks replace whatever was recorded for this message index.
	// A failure here is logged and ignored; it is independent of the
	// conversation upsert.
	if err := s.replaceContextChunks(ctx, conversationID, aiMessageIndex, in.ContextChunks); err != nil {
		log.Error("failed to write context chunks",
			slog.Int64("conversation_id", conversationID),
			slog.Int("message_index", aiMessageIndex),
			slog.String("error", err.Error()))
	}

	// Classification is best-effort: a failure leaves the derived fields
	// as they were (null for a new conversation) and the turn already
	// persisted.
	if s.classifier != nil && in.Settings != nil && in.Settings.PredictionURL != "" {
		derived, err := s.classifier.Classify(ctx, in.Settings.PredictionURL, messages)
		if err != nil {
			s.metrics.ClassificationOutcomes.WithLabelValues("failed").Inc()
			log.Warn("classification failed",
				slog.String("chatbot_id", snapshot.ChatbotID),
				slog.String("error", err.Error()))
		} else {
			s.metrics.ClassificationOutcomes.WithLabelValues("ok").Inc()
			if _, err := s.upsert(ctx, snapshot.UserID, snapshot.ChatbotID, messages, derived); err != nil {
				log.Error("failed to write classification fields",
					slog.String("chatbot_id", snapshot.ChatbotID),
					slog.String("error", err.Error()))
			}
		}
	}

	log.Info("turn persisted",
		slog.String("user_id", snapshot.UserID),
		slog.String("chatbot_id", snapshot.ChatbotID),
		slog.Int("message_count", len(messages)),
		slog.Int("context_chunks", len(in.ContextChunks)))
}

// loadMessages returns the existing message list for (user, chatbot), or
// nil when no conversation exists yet.
func (s *Service) loadMessages(ctx context.Context, userID, chatbotID string) ([]Message, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT conversation_data FROM conversations WHERE user_id = $1 AND chatbot_id = $2`,
		userID, chatbotID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var messages []Message
	if err := json.Unmarshal(raw, &messages); err != nil {
		return nil, fmt.Errorf("malformed conversation_data: %w", err)
	}
	return messages, nil
}

// upsert writes the full message list for (user, chatbot), refreshing
// created_at. Derived fields only overwrite stored values where a non-null
// new value is supplied.
func (s *Service) upsert(ctx context.Context, userID, chatbotID string, messages []Message, derived DerivedFields) (int64, error) {
	data, err := json.Marshal(messages)
	if err != nil {
		return 0, fmt.Errorf("failed to encode conversation: %w", err)
	}

	query := `
		INSERT INTO conversations (user_id, chatbot_id, conversation_data, emne, score, customer_rating, lacking_info, bug_status, purchase_tracking_enabled, is_livechat, fallback, is_resolved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (user_id, chatbot_id) DO UPDATE SET
			conversation_data = EXCLUDED.conversation_data,
			created_at = NOW(),
			emne = COALESCE(EXCLUDED.emne, conversations.emne),
			score = COALESCE(EXCLUDED.score, conversations.score),
			customer_rating = COALESCE(EXCLUDED.customer_rating, conversations.customer_rating),
			lacking_info = COALESCE(EXCLUDED.lacking_info, conversations.lacking_info),
			bug_status = COALESCE(EXCLUDED.bug_status, conversations.bug_status),
			purchase_tracking_enabled = COALESCE(EXCLUDED.purchase_tracking_enabled, conversations.purchase_tracking_enabled),
			is_livechat = COALESCE(EXCLUDED.is_livechat, conversations.is_livechat),
			fallback = COALESCE(EXCLUDED.fallback, conversations.fallback),
			is_resolved = COALESCE(EXCLUDED.is_resolved, conversations.is_resolved)
		RETURNING id
	`

	var conversationID int64
	err = s.db.QueryRowContext(ctx, query,
		userID, chatbotID, data,
		derived.Emne, derived.Score, derived.CustomerRating, derived.LackingInfo,
		derived.BugStatus, derived.PurchaseTracking, derived.IsLivechat,
		derived.Fallback, derived.IsResolved).Scan(&conversationID)
	if err != nil {
		return 0, err
	}
	return conversationID, nil
}

// replaceContextChunks deletes any existing chunks for the message index
// and inserts the new set within one transaction.
func (s *Service) replaceContextChunks(ctx context.Context, conversationID int64, messageIndex int, chunks []events.ContextChunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin chunk transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`DELETE FROM message_context_chunks WHERE conversation_id = $1 AND message_index = $2`,
		conversationID, messageIndex)
	if err != nil {
		return fmt.Errorf("failed to delete existing chunks: %w", err)
	}

	for _, chunk := range chunks {
		metadata, err := json.Marshal(chunk.Metadata)
		if err != nil || chunk.Metadata == nil {
			metadata = []byte(`{}`)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO message_context_chunks (conversation_id, message_index, content, metadata, similarity_score) VALUES ($1, $2, $3, $4, $5)`,
			conversationID, messageIndex, chunk.Content, metadata, chunk.Score)
		if err != nil {
			return fmt.Errorf("failed to insert chunk: %w", err)
		}
	}

	return tx.Commit()
}
