package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/secretpredictions/engine/internal/domain"
)

// EventPublisher fans domain events out over the signal bus: a pub/sub
// publish for live subscribers plus a durable stream append for replay.
// Publishing is best effort; a bus outage never fails the operation that
// produced the event.
type EventPublisher struct {
	bus    domain.SignalBus
	logger *slog.Logger
	now    func() time.Time
}

// NewEventPublisher creates an EventPublisher.
func NewEventPublisher(bus domain.SignalBus, logger *slog.Logger) *EventPublisher {
	return &EventPublisher{bus: bus, logger: logger, now: time.Now}
}

// Publish emits one event on channel.
func (p *EventPublisher) Publish(ctx context.Context, channel string, ev domain.Event) {
	if ev.At.IsZero() {
		ev.At = p.now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.ErrorContext(ctx, "events: marshal failed",
			slog.String("type", ev.Type),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := p.bus.Publish(ctx, channel, payload); err != nil {
		p.logger.WarnContext(ctx, "events: publish failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
	if err := p.bus.StreamAppend(ctx, channel, payload); err != nil {
		p.logger.WarnContext(ctx, "events: stream append failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
}
