package ingestion

import (
	"TradeLedger/internal/core"
	"TradeLedger/internal/event"
	"TradeLedger/internal/state"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// BatchSubmitter applies trades in (timestamp, id) order per book.
// Implemented by *core.Engine.
type BatchSubmitter interface {
	SubmitBatch(ctx context.Context, trades []*event.Trade) []*core.Result
}

// TradeOutcome is the per-trade answer of a manual submission.
type TradeOutcome struct {
	Index     int    `json:"index"` // Position in the request body
	TradeID   string `json:"trade_id,omitempty"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}

// ManualIngestService accepts trades over the admin API, for corrections
// and backfills. High-throughput producers use NATS instead.
type ManualIngestService struct {
	engine BatchSubmitter
}

func NewManualIngestService(engine BatchSubmitter) *ManualIngestService {
	return &ManualIngestService{engine: engine}
}

// Ingest accepts a JSON object or array of trades. Undecodable entries are
// reported as rejected; the rest go through the engine. Trades without an
// id are rejected, since a retried request must hit the same ids.
func (s *ManualIngestService) Ingest(ctx context.Context, body []byte) ([]TradeOutcome, error) {
	items, err := splitBody(body)
	if err != nil {
		return nil, err
	}

	outcomes := make([]TradeOutcome, len(items))
	var trades []*event.Trade
	indexOf := make(map[*event.Trade]int)
	for i, raw := range items {
		t, err := ParseTrade(raw, ParseOptions{})
		if err != nil {
			outcomes[i] = TradeOutcome{Index: i, Status: core.StatusRejected.String(), Error: err.Error()}
			var ve *event.ValidationError
			if errors.As(err, &ve) {
				outcomes[i].TradeID = ve.TradeID
			}
			continue
		}
		indexOf[t] = i
		trades = append(trades, t)
	}

	if len(trades) == 0 {
		return outcomes, nil
	}

	// SubmitBatch answers in (timestamp, id) order; sort first so results
	// line up with sorted
	sorted := make([]*event.Trade, len(trades))
	copy(sorted, trades)
	state.SortTrades(sorted)
	results := s.engine.SubmitBatch(ctx, sorted)
	for i, res := range results {
		idx := indexOf[sorted[i]]
		o := TradeOutcome{Index: idx, TradeID: res.TradeID, Status: res.Status.String(), Retryable: res.Retryable}
		if res.Err != nil {
			o.Error = res.Err.Error()
		}
		outcomes[idx] = o
	}
	return outcomes, nil
}

func splitBody(body []byte) ([]json.RawMessage, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformed)
	}
	if body[0] != '[' {
		return []json.RawMessage{body}, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return items, nil
}
