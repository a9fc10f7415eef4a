package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/convobase/chatcore/internal/events"
	"github.com/convobase/chatcore/internal/logger"
	"github.com/convobase/chatcore/internal/session"
)

// Purger runs the background retention jobs: streaming events are kept
// for one hour, session snapshots for twenty-four. Abandoned streams are
// harvested here; nothing else ever deletes them.
type Purger struct {
	cron     *cron.Cron
	eventLog *events.Log
	registry *session.Registry
	logger   *logger.Logger

	eventRetention   time.Duration
	sessionRetention time.Duration
}

// NewPurger creates the purger with the given cron schedules.
func NewPurger(eventLog *events.Log, registry *session.Registry, log *logger.Logger, eventRetention, sessionRetention time.Duration, eventsCron, sessionsCron string) (*Purger, error) {
	p := &Purger{
		cron:             cron.New(),
		eventLog:         eventLog,
		registry:         registry,
		logger:           log,
		eventRetention:   eventRetention,
		sessionRetention: sessionRetention,
	}

	if _, err := p.cron.AddFunc(eventsCron, p.purgeEvents); err != nil {
		return nil, err
	}
	if _, err := p.cron.AddFunc(sessionsCron, p.purgeSessions); err != nil {
		return nil, err
	}

	return p, nil
}

// Start begins the schedule in a background goroutine.
func (p *Purger) Start() {
	p.cron.Start()
	p.logger.WithComponent("maintenance").Info("purge jobs scheduled",
		slog.Duration("event_retention", p.eventRetention),
		slog.Duration("session_retention", p.sessionRetention))
}

// Stop halts the schedule and waits for a running job to finish.
func (p *Purger) Stop() {
	ctx := p.cron.Stop()
	<-ctx.Done()
}

func (p *Purger) purgeEvents() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := p.eventLog.PurgeOlderThan(ctx, p.eventRetention); err != nil {
		p.logger.WithComponent("maintenance").Error("event purge failed",
			slog.String("error", err.Error()))
	}
}

func (p *Purger) purgeSessions() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := p.registry.PurgeOlderThan(ctx, p.sessionRetention); err != nil {
		p.logger.WithComponent("maintenance").Error("session purge failed",
			slog.String("error", err.Error()))
	}
}
