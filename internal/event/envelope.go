package event

import (
	"time"
)

// EventType discriminator for outbound ledger events
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypePositionOpened
	EventTypePositionIncreased
	EventTypePositionReduced
	EventTypePositionClosed
	EventTypeTradeRejected
	EventTypeLedgerRecomputed
)

// Envelope wraps every event the ledger publishes downstream.
type Envelope struct {
	EventType EventType `json:"-"`
	Type      string    `json:"type"`

	// Trade that caused the event (empty for recompute)
	TradeID string `json:"trade_id,omitempty"`

	Asset    string `json:"asset,omitempty"`
	VenueKey string `json:"venue_key,omitempty"`

	// Trade timestamp, NOT wall-clock
	Timestamp time.Time `json:"timestamp"`

	Payload interface{} `json:"payload,omitempty"`
}

// NewEnvelope fills in the string form of the type.
func NewEnvelope(et EventType, tradeID, asset, venueKey string, ts time.Time, payload interface{}) Envelope {
	return Envelope{
		EventType: et,
		Type:      et.String(),
		TradeID:   tradeID,
		Asset:     asset,
		VenueKey:  venueKey,
		Timestamp: ts,
		Payload:   payload,
	}
}

func (et EventType) String() string {
	switch et {
	case EventTypePositionOpened:
		return "PositionOpened"
	case EventTypePositionIncreased:
		return "PositionIncreased"
	case EventTypePositionReduced:
		return "PositionReduced"
	case EventTypePositionClosed:
		return "PositionClosed"
	case EventTypeTradeRejected:
		return "TradeRejected"
	case EventTypeLedgerRecomputed:
		return "LedgerRecomputed"
	default:
		return "Unknown"
	}
}
