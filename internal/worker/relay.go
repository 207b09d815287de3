package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/secretpredictions/engine/internal/domain"
)

// Notifier delivers a notification for an event type. Satisfied by
// notify.Notifier.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// relayChannels are the signal bus channels forwarded to operators. Bet
// events are deliberately excluded: per-wager traffic is high-volume and
// carries no operator-actionable information.
var relayChannels = []string{
	domain.ChannelMarkets,
	domain.ChannelReveals,
}

// Relay subscribes to the signal bus and forwards market lifecycle and
// reveal events to the configured notification channels.
type Relay struct {
	bus      domain.SignalBus
	notifier Notifier
	logger   *slog.Logger
}

// NewRelay creates a Relay.
func NewRelay(bus domain.SignalBus, notifier Notifier, logger *slog.Logger) *Relay {
	return &Relay{bus: bus, notifier: notifier, logger: logger}
}

// Run subscribes to all relay channels and forwards events until the
// context is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	merged := make(chan []byte, 64)

	for _, ch := range relayChannels {
		msgCh, err := r.bus.Subscribe(ctx, ch)
		if err != nil {
			return fmt.Errorf("worker: subscribe %s: %w", ch, err)
		}
		go func(in <-chan []byte) {
			for {
				select {
				case <-ctx.Done():
					return
				case data, ok := <-in:
					if !ok {
						return
					}
					select {
					case merged <- data:
					case <-ctx.Done():
						return
					}
				}
			}
		}(msgCh)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-merged:
			r.forward(ctx, data)
		}
	}
}

func (r *Relay) forward(ctx context.Context, data []byte) {
	var ev domain.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		r.logger.WarnContext(ctx, "worker: skipping malformed event", slog.String("error", err.Error()))
		return
	}

	title, message, ok := formatEvent(ev)
	if !ok {
		return
	}

	if err := r.notifier.Notify(ctx, ev.Type, title, message); err != nil {
		r.logger.WarnContext(ctx, "worker: notification failed",
			slog.String("event", ev.Type),
			slog.String("market_id", ev.MarketID),
			slog.String("error", err.Error()),
		)
	}
}

// formatEvent renders an event as a notification title and body. Events
// without an operator-facing rendering return ok=false.
func formatEvent(ev domain.Event) (title, message string, ok bool) {
	question, _ := ev.Data["question"].(string)

	switch ev.Type {
	case domain.EventMarketCreated:
		return "Market created",
			fmt.Sprintf("%s\nMarket %s is open for bets.", question, ev.MarketID),
			true

	case domain.EventMarketLocked:
		return "Market locked",
			fmt.Sprintf("Market %s has reached its end time. Betting is closed.", ev.MarketID),
			true

	case domain.EventMarketResolved:
		outcome := "NO"
		if v, _ := ev.Data["outcome"].(bool); v {
			outcome = "YES"
		}
		return "Market resolved",
			fmt.Sprintf("Market %s resolved %s. Pool reveal is underway.", ev.MarketID, outcome),
			true

	case domain.EventMarketCancelled:
		return "Market cancelled",
			fmt.Sprintf("Market %s was cancelled. All stakes are refundable.", ev.MarketID),
			true

	case domain.EventPoolRevealed:
		yes, _ := ev.Data["yes_pool"].(float64)
		no, _ := ev.Data["no_pool"].(float64)
		return "Pools revealed",
			fmt.Sprintf("Market %s pools are public: yes=%.0f no=%.0f (micro-units). Claims are open.",
				ev.MarketID, yes, no),
			true
	}

	return "", "", false
}
