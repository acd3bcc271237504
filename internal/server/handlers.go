package server

import (
	"TradeLedger/internal/ledger"
	"TradeLedger/internal/query"
	"TradeLedger/internal/state"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxTradeBody bounds POST /v1/trades.
const maxTradeBody = 8 << 20

// ============================================================================
// Positions
// ============================================================================

func (s *HTTPServer) listPositions(r *http.Request, _ map[string]string) (int, interface{}, error) {
	q := r.URL.Query()
	pq := query.PositionQuery{
		Asset:    q.Get("asset"),
		VenueKey: q.Get("venue_key"),
	}
	if v := q.Get("status"); v != "" {
		st, err := state.ParseStatus(strings.ToUpper(v))
		if err != nil {
			return 0, nil, &ParamError{Param: "status", Reason: err.Error()}
		}
		pq.Status = st
	}
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		return 0, nil, err
	}
	pq.Limit = limit

	views, err := s.deps.Query.ListPositions(r.Context(), pq)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]interface{}{
		"positions": views,
		"count":     len(views),
	}, nil
}

func (s *HTTPServer) getPosition(r *http.Request, params map[string]string) (int, interface{}, error) {
	id, err := uuid.Parse(params["id"])
	if err != nil {
		return 0, nil, &ParamError{Param: "id", Reason: err.Error()}
	}
	detail, err := s.deps.Query.GetPosition(r.Context(), id)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, detail, nil
}

func (s *HTTPServer) getBook(r *http.Request, params map[string]string) (int, interface{}, error) {
	view, err := s.deps.Query.GetBook(r.Context(), params["asset"], params["venue_key"])
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, view, nil
}

// ============================================================================
// P&L
// ============================================================================

func (s *HTTPServer) pnlReport(r *http.Request, _ map[string]string) (int, interface{}, error) {
	q := r.URL.Query()
	f, err := filterParams(q.Get("start"), q.Get("end"))
	if err != nil {
		return 0, nil, err
	}
	f.Asset = q.Get("asset")
	bucket, err := query.ParseBucket(q.Get("bucket"))
	if err != nil {
		return 0, nil, err
	}

	rep, err := s.deps.Query.Report(r.Context(), f, bucket)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, rep, nil
}

func (s *HTTPServer) pnlSeries(r *http.Request, _ map[string]string) (int, interface{}, error) {
	q := r.URL.Query()
	f, err := filterParams(q.Get("start"), q.Get("end"))
	if err != nil {
		return 0, nil, err
	}
	if f.Start == nil || f.End == nil {
		return 0, nil, &ParamError{Param: "start/end", Reason: "both are required"}
	}
	bucket, err := query.ParseBucket(q.Get("bucket"))
	if err != nil {
		return 0, nil, err
	}

	series, err := s.deps.Query.SeriesByBucket(r.Context(), *f.Start, *f.End, bucket)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]interface{}{
		"bucket": bucket,
		"start":  f.Start,
		"end":    f.End,
		"series": series,
	}, nil
}

func (s *HTTPServer) assetSummary(r *http.Request, params map[string]string) (int, interface{}, error) {
	sum, err := s.deps.Query.AssetSummary(r.Context(), params["asset"])
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, sum, nil
}

// ============================================================================
// Trades
// ============================================================================

func (s *HTTPServer) listTrades(r *http.Request, _ map[string]string) (int, interface{}, error) {
	q := r.URL.Query()
	tq := query.TradeQuery{
		Asset:    q.Get("asset"),
		VenueKey: q.Get("venue_key"),
	}
	var err error
	if tq.Start, err = ParseTimeParam("start", q.Get("start"), false); err != nil {
		return 0, nil, err
	}
	if tq.End, err = ParseTimeParam("end", q.Get("end"), true); err != nil {
		return 0, nil, err
	}
	if tq.Limit, err = intParam(q.Get("limit"), "limit"); err != nil {
		return 0, nil, err
	}

	trades, err := s.deps.Query.ListTrades(r.Context(), tq)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]interface{}{
		"trades": trades,
		"count":  len(trades),
	}, nil
}

func (s *HTTPServer) submitTrades(r *http.Request, _ map[string]string) (int, interface{}, error) {
	if s.deps.Ingest == nil {
		return 0, nil, fmt.Errorf("manual ingestion disabled")
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTradeBody+1))
	if err != nil {
		return 0, nil, &ParamError{Param: "body", Reason: err.Error()}
	}
	if len(body) > maxTradeBody {
		return 0, nil, &ParamError{Param: "body", Reason: fmt.Sprintf("larger than %d bytes", maxTradeBody)}
	}

	outcomes, err := s.deps.Ingest.Ingest(r.Context(), body)
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, map[string]interface{}{"results": outcomes}, nil
}

// ============================================================================
// Admin
// ============================================================================

func (s *HTTPServer) recompute(r *http.Request, _ map[string]string) (int, interface{}, error) {
	res, err := s.deps.Admin.Recompute(r.Context())
	if err != nil {
		return 0, nil, err
	}
	return http.StatusOK, res, nil
}

func (s *HTTPServer) integrity(r *http.Request, _ map[string]string) (int, interface{}, error) {
	report, err := s.deps.Admin.Ledger().VerifyIntegrity(r.Context())
	if err != nil {
		return 0, nil, err
	}
	if report.NeedsRecompute() {
		s.deps.Admin.RequestRecompute("integrity check")
	}
	return http.StatusOK, report, nil
}

// StatusReport is the body of GET /v1/admin/status.
type StatusReport struct {
	Ready            bool                    `json:"ready"`
	Recomputing      bool                    `json:"recomputing"`
	PendingRecompute bool                    `json:"pending_recompute"`
	PendingReason    string                  `json:"pending_reason,omitempty"`
	HaltedKeys       []ledger.HaltedKey      `json:"halted_keys"`
	LastRecompute    *ledger.RecomputeResult `json:"last_recompute,omitempty"`
	StartedAt        time.Time               `json:"started_at"`
	Uptime           string                  `json:"uptime"`
}

func (s *HTTPServer) status(_ *http.Request, _ map[string]string) (int, interface{}, error) {
	l := s.deps.Admin.Ledger()
	pending, reason := s.deps.Admin.PendingRecompute()
	halted := l.HaltedKeys()
	if halted == nil {
		halted = []ledger.HaltedKey{}
	}
	return http.StatusOK, StatusReport{
		Ready:            s.deps.Health.IsReady(),
		Recomputing:      l.IsRecomputing(),
		PendingRecompute: pending,
		PendingReason:    reason,
		HaltedKeys:       halted,
		LastRecompute:    l.LastRecompute(),
		StartedAt:        s.deps.StartTime.UTC(),
		Uptime:           time.Since(s.deps.StartTime).Round(time.Second).String(),
	}, nil
}

// ============================================================================
// Parameters
// ============================================================================

func intParam(v, name string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, &ParamError{Param: name, Reason: fmt.Sprintf("%q is not a non-negative integer", v)}
	}
	return n, nil
}

func filterParams(start, end string) (query.Filter, error) {
	var f query.Filter
	var err error
	if f.Start, err = ParseTimeParam("start", start, false); err != nil {
		return f, err
	}
	if f.End, err = ParseTimeParam("end", end, true); err != nil {
		return f, err
	}
	return f, nil
}

// ParseTimeParam accepts RFC3339 or a bare YYYY-MM-DD date (UTC). A bare
// end date covers the whole day, so end bounds stay inclusive. Empty
// returns nil.
func ParseTimeParam(name, v string, end bool) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
		ts = ts.UTC()
		return &ts, nil
	}
	day, err := time.ParseInLocation("2006-01-02", v, time.UTC)
	if err != nil {
		return nil, &ParamError{Param: name, Reason: fmt.Sprintf("%q is neither RFC3339 nor YYYY-MM-DD", v)}
	}
	if end {
		day = day.AddDate(0, 0, 1).Add(-time.Microsecond)
	}
	return &day, nil
}
