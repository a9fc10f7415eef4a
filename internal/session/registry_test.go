package session

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/convobase/chatcore/internal/logger"
)

// Validation happens before any database access, so a nil pool is fine.
func TestCreateConversationSessionValidation(t *testing.T) {
	registry := NewRegistry(nil, logger.New(logger.Config{Level: slog.LevelError}))

	tests := []struct {
		name  string
		input CreateConversationSessionInput
		field string
	}{
		{
			name:  "missing user id",
			input: CreateConversationSessionInput{ChatbotID: "bot", MessageText: "hi"},
			field: "user_id",
		},
		{
			name:  "missing chatbot id",
			input: CreateConversationSessionInput{UserID: "u1", MessageText: "hi"},
			field: "chatbot_id",
		},
		{
			name:  "missing message text",
			input: CreateConversationSessionInput{UserID: "u1", ChatbotID: "bot"},
			field: "message_text",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := registry.CreateConversationSession(context.Background(), tt.input)

			var validationErr *ValidationError
			if !errors.As(err, &validationErr) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if validationErr.Field != tt.field {
				t.Errorf("expected field %s, got %s", tt.field, validationErr.Field)
			}
		})
	}
}
