package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/convobase/chatcore/internal/logger"
)

// Log is the append-only, per-streaming-session ordered event sequence.
// It is the sole transport between the upstream consumer and the browser
// poller: the consumer appends, the poller reads Since with its last seen
// id. Durability comes from the streaming_events table; ordering from its
// bigserial id.
type Log struct {
	db     *sql.DB
	logger *logger.Logger
}

// NewLog creates a new event log over the given pool.
func NewLog(db *sql.DB, logger *logger.Logger) *Log {
	return &Log{
		db:     db,
		logger: logger,
	}
}

// Append durably stores one event and returns its assigned id.
func (l *Log) Append(ctx context.Context, streamingSessionID string, event Event) (int64, error) {
	log := l.logger.WithComponent("event-log")

	payload := encodePayload(event)

	var id int64
	err := l.db.QueryRowContext(ctx,
		`INSERT INTO streaming_events (streaming_session_id, event_type, event_data) VALUES ($1, $2, $3) RETURNING id`,
		streamingSessionID, event.Type(), payload).Scan(&id)
	if err != nil {
		log.Error("failed to append event",
			slog.String("streaming_session_id", streamingSessionID),
			slog.String("event_type", event.Type()),
			slog.String("error", err.Error()))
		return 0, fmt.Errorf("failed to append event: %w", err)
	}

	return id, nil
}

// Since returns all events for the session with id > lastEventID, in
// append order. Successive calls with increasing lastEventID observe every
// appended event exactly once.
func (l *Log) Since(ctx context.Context, streamingSessionID string, lastEventID int64) ([]StoredEvent, error) {
	log := l.logger.WithComponent("event-log")

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, streaming_session_id, event_type, event_data, created_at
		 FROM streaming_events
		 WHERE streaming_session_id = $1 AND id > $2
		 ORDER BY id ASC`,
		streamingSessionID, lastEventID)
	if err != nil {
		log.Error("failed to query events",
			slog.String("streaming_session_id", streamingSessionID),
			slog.String("error", err.Error()))
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var ev StoredEvent
		if err := rows.Scan(&ev.ID, &ev.StreamingSessionID, &ev.EventType, &ev.EventData, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return out, nil
}

// PurgeOlderThan removes events older than the retention window.
func (l *Log) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	log := l.logger.WithComponent("event-log")

	result, err := l.db.ExecContext(ctx,
		`DELETE FROM streaming_events WHERE created_at < NOW() - $1::interval`,
		fmt.Sprintf("%d seconds", int(retention.Seconds())))
	if err != nil {
		log.Error("failed to purge events", slog.String("error", err.Error()))
		return 0, fmt.Errorf("failed to purge events: %w", err)
	}

	purged, _ := result.RowsAffected()
	if purged > 0 {
		log.Info("purged expired events", slog.Int64("count", purged))
	}
	return purged, nil
}

// encodePayload serializes an event payload for storage. Payloads that do
// not encode to a JSON object are wrapped as {"value": …} so event_data is
// always an object; a payload that cannot be serialized at all is replaced
// with a diagnostic object rather than dropping the event.
func encodePayload(event Event) []byte {
	raw, err := json.Marshal(event)
	if err != nil {
		diag, _ := json.Marshal(map[string]string{
			"encoding_error": err.Error(),
			"event_type":     event.Type(),
		})
		return diag
	}

	if len(raw) > 0 && raw[0] == '{' {
		return raw
	}

	wrapped, err := json.Marshal(map[string]json.RawMessage{"value": raw})
	if err != nil {
		diag, _ := json.Marshal(map[string]string{
			"encoding_error": err.Error(),
			"event_type":     event.Type(),
		})
		return diag
	}
	return wrapped
}
