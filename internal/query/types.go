package query

import (
	"TradeLedger/internal/state"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Bucket is the granularity of a P&L series.
type Bucket string

const (
	BucketDay   Bucket = "day"   // YYYY-MM-DD
	BucketWeek  Bucket = "week"  // ISO-8601 YYYY-Www
	BucketMonth Bucket = "month" // YYYY-MM
)

// ErrInvalidQuery marks caller mistakes: bad range, bucket or missing asset.
var ErrInvalidQuery = errors.New("invalid query")

// ParseBucket accepts day/week/month in any case; empty means day.
func ParseBucket(s string) (Bucket, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "day":
		return BucketDay, nil
	case "week":
		return BucketWeek, nil
	case "month":
		return BucketMonth, nil
	default:
		return "", fmt.Errorf("%w: unknown bucket %q (want day, week or month)", ErrInvalidQuery, s)
	}
}

// Filter restricts a summary. Start and End bound closed_at inclusively;
// OPEN positions are always included since they are ongoing.
type Filter struct {
	Start *time.Time
	End   *time.Time
	Asset string
}

// PositionRef identifies a notable closed position.
type PositionRef struct {
	ID          uuid.UUID       `json:"id"`
	Asset       string          `json:"asset"`
	VenueKey    string          `json:"venue_key"`
	RealizedPnL decimal.Decimal `json:"realized_pnl"`
}

// Summary is the aggregate P&L view.
type Summary struct {
	Asset string `json:"asset,omitempty"`

	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TotalFees     decimal.Decimal `json:"total_fees"` // Closed in range; AssetSummary adds OpenFees
	OpenFees      decimal.Decimal `json:"open_fees"`  // Fees already paid on OPEN positions
	NetPnL        decimal.Decimal `json:"net_pnl"`    // realized + unrealized - fees

	ClosedPositions   int     `json:"closed_positions"`
	WinningPositions  int     `json:"winning_positions"`
	LosingPositions   int     `json:"losing_positions"`
	WinRate           float64 `json:"win_rate"`
	OpenPositions     int     `json:"open_positions"`
	UnpricedPositions int     `json:"unpriced_positions"`

	Best  *PositionRef `json:"best,omitempty"`
	Worst *PositionRef `json:"worst,omitempty"`

	MeanRealized   float64 `json:"mean_realized"`
	StdDevRealized float64 `json:"stddev_realized"`

	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
	AsOf time.Time  `json:"as_of"`
}

// SeriesPoint is one bucket of realized P&L.
type SeriesPoint struct {
	Bucket string          `json:"bucket"`
	PnL    decimal.Decimal `json:"pnl"`
	Fees   decimal.Decimal `json:"fees"`
	Closed int             `json:"closed"`
}

// PositionView is a position plus values derived at query time.
type PositionView struct {
	*state.Position
	CurrentPrice  *decimal.Decimal `json:"current_price,omitempty"`
	UnrealizedPnL *decimal.Decimal `json:"unrealized_pnl,omitempty"`
}

// PositionDetail is a position with its allocation audit trail.
type PositionDetail struct {
	PositionView
	Allocations []AllocationView `json:"allocations"`
}

// AllocationView is one trade slice matched to a position.
type AllocationView struct {
	TradeID         string          `json:"trade_id"`
	Leg             int             `json:"leg"`
	MatchedQuantity decimal.Decimal `json:"matched_quantity"`
}

// TradeQuery filters the trade history. Start and End bound the trade
// timestamp inclusively.
type TradeQuery struct {
	Asset    string
	VenueKey string
	Start    *time.Time
	End      *time.Time
	Limit    int
}

// PositionQuery filters position listings.
type PositionQuery struct {
	Status   state.Status
	Asset    string
	VenueKey string
	Limit    int
}
