package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/secretpredictions/engine/internal/domain"
)

// eventChannels maps the public channel names to stream keys.
var eventChannels = map[string]string{
	"markets": domain.ChannelMarkets,
	"bets":    domain.ChannelBets,
	"reveals": domain.ChannelReveals,
}

// EventsHandler serves durable event history from the signal bus streams.
type EventsHandler struct {
	bus    domain.SignalBus
	logger *slog.Logger
}

// NewEventsHandler creates an EventsHandler.
func NewEventsHandler(bus domain.SignalBus, logger *slog.Logger) *EventsHandler {
	return &EventsHandler{bus: bus, logger: logger}
}

// eventEntry pairs a stream cursor with its decoded event.
type eventEntry struct {
	ID    string       `json:"id"`
	Event domain.Event `json:"event"`
}

// ListEvents replays events from a channel's stream.
// GET /api/events/{channel}?last_id=0&limit=100
func (h *EventsHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	stream, ok := eventChannels[pathParam(r, "channel")]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown event channel")
		return
	}

	lastID := r.URL.Query().Get("last_id")
	if lastID == "" {
		lastID = "0"
	}
	opts := parseListOpts(r)

	msgs, err := h.bus.StreamRead(r.Context(), stream, lastID, opts.Limit)
	if err != nil {
		writeDomainErr(w, r, h.logger, err)
		return
	}

	entries := make([]eventEntry, 0, len(msgs))
	for _, m := range msgs {
		var ev domain.Event
		if err := json.Unmarshal(m.Payload, &ev); err != nil {
			h.logger.WarnContext(r.Context(), "handler: skipping malformed event",
				slog.String("stream", stream),
				slog.String("id", m.ID),
			)
			continue
		}
		entries = append(entries, eventEntry{ID: m.ID, Event: ev})
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": entries})
}
