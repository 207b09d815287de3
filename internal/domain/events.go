package domain

import "time"

// Event channel names carried over the signal bus. The same names are used
// as stream keys for durable replay.
const (
	ChannelMarkets = "events:markets"
	ChannelBets    = "events:bets"
	ChannelReveals = "events:reveals"
)

// Event types.
const (
	EventMarketCreated   = "market_created"
	EventMarketLocked    = "market_locked"
	EventMarketResolved  = "market_resolved"
	EventMarketCancelled = "market_cancelled"
	EventBetAccepted     = "bet_accepted"
	EventPoolRevealed    = "pool_revealed"
	EventPayoutClaimed   = "payout_claimed"
)

// Event is the wire form published on the signal bus and relayed to
// websocket clients. Payload fields never contain bet amounts or sides;
// revealed pool totals appear only after resolution.
type Event struct {
	Type     string         `json:"type"`
	MarketID string         `json:"market_id"`
	At       time.Time      `json:"at"`
	Data     map[string]any `json:"data,omitempty"`
}
