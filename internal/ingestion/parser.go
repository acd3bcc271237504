package ingestion

import (
	"TradeLedger/internal/event"
	"TradeLedger/internal/id"
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformed marks a payload that cannot be decoded into a trade. Like a
// validation failure it is terminal.
var ErrMalformed = errors.New("malformed trade payload")

// ParseOptions controls how missing fields are treated.
type ParseOptions struct {
	// GenerateIDs assigns a ULID (at the trade's timestamp) to trades with
	// neither id nor source+external_id. Only safe for one-shot imports:
	// a redelivered message would get a different id.
	GenerateIDs bool
}

// --- JSON wire format ---
// Field names use snake_case to match upstream producers. Decimals may be
// JSON strings or numbers.

type tradeJSON struct {
	ID          string              `json:"id"`
	Source      string              `json:"source,omitempty"`
	ExternalID  string              `json:"external_id,omitempty"`
	VenueKey    string              `json:"venue_key"`
	Asset       string              `json:"asset"`
	Side        string              `json:"side"`
	Price       decimal.NullDecimal `json:"price"`
	Quantity    decimal.NullDecimal `json:"quantity"`
	Fee         decimal.NullDecimal `json:"fee"`
	Timestamp   string              `json:"timestamp"`
	TimestampMs *int64              `json:"timestamp_ms,omitempty"`
}

// ParseTrade decodes one trade. Decoding problems wrap ErrMalformed; shape
// problems (bad side, missing price) come back as *event.ValidationError.
func ParseTrade(data []byte, opts ParseOptions) (*event.Trade, error) {
	var j tradeJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	t := &event.Trade{
		ID:       strings.TrimSpace(j.ID),
		VenueKey: j.VenueKey,
		Asset:    j.Asset,
		Price:    j.Price.Decimal,
		Quantity: j.Quantity.Decimal,
		Fee:      decimal.Zero,
	}
	if j.Fee.Valid {
		t.Fee = j.Fee.Decimal
	}
	if t.ID == "" && j.Source != "" && j.ExternalID != "" {
		t.ID = j.Source + ":" + j.ExternalID
	}

	side, err := event.ParseSide(j.Side)
	if err != nil {
		return nil, &event.ValidationError{TradeID: t.ID, Field: "side", Reason: err.Error()}
	}
	t.Side = side

	switch {
	case j.Timestamp != "":
		ts, err := time.Parse(time.RFC3339Nano, j.Timestamp)
		if err != nil {
			return nil, &event.ValidationError{TradeID: t.ID, Field: "timestamp", Reason: err.Error()}
		}
		t.Timestamp = ts
	case j.TimestampMs != nil:
		t.Timestamp = time.UnixMilli(*j.TimestampMs)
	}

	for _, f := range []struct {
		name string
		v    decimal.NullDecimal
	}{{"price", j.Price}, {"quantity", j.Quantity}} {
		if !f.v.Valid {
			return nil, &event.ValidationError{TradeID: t.ID, Field: f.name, Reason: "is required"}
		}
	}

	if t.ID == "" && opts.GenerateIDs && !t.Timestamp.IsZero() {
		generated, err := id.NewAt(t.Timestamp)
		if err != nil {
			return nil, &event.ValidationError{Field: "timestamp", Reason: err.Error()}
		}
		t.ID = generated
	}

	t.Normalize()
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// LineError is a per-line failure of ParseLines.
type LineError struct {
	Line int
	Err  error
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

// ParseLines reads JSON-lines trades. Blank lines and lines starting with
// '#' are skipped. Bad lines are collected, not fatal; the returned error is
// only for read failures.
func ParseLines(r io.Reader, opts ParseOptions) ([]*event.Trade, []LineError, error) {
	var (
		trades []*event.Trade
		bad    []LineError
	)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 || raw[0] == '#' {
			continue
		}
		t, err := ParseTrade(raw, opts)
		if err != nil {
			bad = append(bad, LineError{Line: line, Err: err})
			continue
		}
		trades = append(trades, t)
	}
	if err := sc.Err(); err != nil {
		return trades, bad, fmt.Errorf("read trades: %w", err)
	}
	return trades, bad, nil
}

// EncodeTrade is the inverse of ParseTrade, used by producers and tests.
func EncodeTrade(t *event.Trade) ([]byte, error) {
	return json.Marshal(tradeJSON{
		ID:        t.ID,
		VenueKey:  t.VenueKey,
		Asset:     t.Asset,
		Side:      string(t.Side),
		Price:     decimal.NewNullDecimal(t.Price),
		Quantity:  decimal.NewNullDecimal(t.Quantity),
		Fee:       decimal.NewNullDecimal(t.Fee),
		Timestamp: t.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}
