package persistence

import (
	"TradeLedger/internal/event"
	"TradeLedger/internal/state"
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

// SnapshotFormatVersion is bumped whenever the wire layout changes.
const SnapshotFormatVersion = 1

// Snapshot is a point-in-time copy of every derived row plus the
// fingerprint that identifies it. Decimals travel as strings.
type Snapshot struct {
	FormatVersion int                  `msgpack:"format_version"`
	RunID         string               `msgpack:"run_id"`
	Fingerprint   string               `msgpack:"fingerprint"`
	CreatedAt     time.Time            `msgpack:"created_at"`
	Positions     []PositionSnapshot   `msgpack:"positions"`
	Allocations   []AllocationSnapshot `msgpack:"allocations"`
}

// PositionSnapshot is a serializable position.
type PositionSnapshot struct {
	ID                string     `msgpack:"id"`
	Asset             string     `msgpack:"asset"`
	VenueKey          string     `msgpack:"venue_key"`
	Side              string     `msgpack:"side"`
	Status            string     `msgpack:"status"`
	OpenQuantity      string     `msgpack:"open_quantity"`
	ClosedQuantity    string     `msgpack:"closed_quantity"`
	RemainingQuantity string     `msgpack:"remaining_quantity"`
	AvgOpenPrice      string     `msgpack:"avg_open_price"`
	AvgClosePrice     string     `msgpack:"avg_close_price,omitempty"`
	RealizedPnL       string     `msgpack:"realized_pnl"`
	TotalFees         string     `msgpack:"total_fees"`
	OpenedAt          time.Time  `msgpack:"opened_at"`
	ClosedAt          *time.Time `msgpack:"closed_at,omitempty"`
	Version           int64      `msgpack:"version"`
}

// AllocationSnapshot is a serializable allocation.
type AllocationSnapshot struct {
	TradeID         string `msgpack:"trade_id"`
	Leg             int    `msgpack:"leg"`
	PositionID      string `msgpack:"position_id"`
	MatchedQuantity string `msgpack:"matched_quantity"`
}

// NewSnapshot captures positions and allocations.
func NewSnapshot(runID string, positions []*state.Position, allocations []state.Allocation, createdAt time.Time) *Snapshot {
	snap := &Snapshot{
		FormatVersion: SnapshotFormatVersion,
		RunID:         runID,
		Fingerprint:   state.Fingerprint(positions, allocations),
		CreatedAt:     createdAt.UTC(),
		Positions:     make([]PositionSnapshot, 0, len(positions)),
		Allocations:   make([]AllocationSnapshot, 0, len(allocations)),
	}

	for _, p := range positions {
		ps := PositionSnapshot{
			ID:                p.ID.String(),
			Asset:             p.Asset,
			VenueKey:          p.VenueKey,
			Side:              string(p.Side),
			Status:            string(p.Status),
			OpenQuantity:      p.OpenQuantity.String(),
			ClosedQuantity:    p.ClosedQuantity.String(),
			RemainingQuantity: p.RemainingQuantity.String(),
			AvgOpenPrice:      p.AvgOpenPrice.String(),
			RealizedPnL:       p.RealizedPnL.String(),
			TotalFees:         p.TotalFees.String(),
			OpenedAt:          p.OpenedAt.UTC(),
			ClosedAt:          p.ClosedAt,
			Version:           p.Version,
		}
		if p.AvgClosePrice.Valid {
			ps.AvgClosePrice = p.AvgClosePrice.Decimal.String()
		}
		snap.Positions = append(snap.Positions, ps)
	}

	for _, a := range allocations {
		snap.Allocations = append(snap.Allocations, AllocationSnapshot{
			TradeID:         a.TradeID,
			Leg:             a.Leg,
			PositionID:      a.PositionID.String(),
			MatchedQuantity: a.MatchedQuantity.String(),
		})
	}

	return snap
}

// Restore converts the snapshot back into ledger rows and checks the
// fingerprint.
func (s *Snapshot) Restore() ([]*state.Position, []state.Allocation, error) {
	positions := make([]*state.Position, 0, len(s.Positions))
	for _, ps := range s.Positions {
		p, err := ps.toPosition()
		if err != nil {
			return nil, nil, fmt.Errorf("restore position %s: %w", ps.ID, err)
		}
		positions = append(positions, p)
	}

	allocations := make([]state.Allocation, 0, len(s.Allocations))
	for _, as := range s.Allocations {
		pid, err := uuid.Parse(as.PositionID)
		if err != nil {
			return nil, nil, fmt.Errorf("restore allocation %s/%d: %w", as.TradeID, as.Leg, err)
		}
		qty, err := decimal.NewFromString(as.MatchedQuantity)
		if err != nil {
			return nil, nil, fmt.Errorf("restore allocation %s/%d: %w", as.TradeID, as.Leg, err)
		}
		allocations = append(allocations, state.Allocation{
			PositionID:      pid,
			TradeID:         as.TradeID,
			Leg:             as.Leg,
			MatchedQuantity: qty,
		})
	}

	if fp := state.Fingerprint(positions, allocations); fp != s.Fingerprint {
		return nil, nil, fmt.Errorf("snapshot %s fingerprint mismatch: stored %s, computed %s", s.RunID, s.Fingerprint, fp)
	}
	return positions, allocations, nil
}

func (ps PositionSnapshot) toPosition() (*state.Position, error) {
	id, err := uuid.Parse(ps.ID)
	if err != nil {
		return nil, err
	}

	p := &state.Position{
		ID:       id,
		Asset:    ps.Asset,
		VenueKey: ps.VenueKey,
		Side:     event.Side(ps.Side),
		Status:   state.Status(ps.Status),
		OpenedAt: ps.OpenedAt.UTC(),
		Version:  ps.Version,
	}
	if ps.ClosedAt != nil {
		ts := ps.ClosedAt.UTC()
		p.ClosedAt = &ts
	}

	fields := []struct {
		src string
		dst *decimal.Decimal
	}{
		{ps.OpenQuantity, &p.OpenQuantity},
		{ps.ClosedQuantity, &p.ClosedQuantity},
		{ps.RemainingQuantity, &p.RemainingQuantity},
		{ps.AvgOpenPrice, &p.AvgOpenPrice},
		{ps.RealizedPnL, &p.RealizedPnL},
		{ps.TotalFees, &p.TotalFees},
	}
	for _, f := range fields {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, err
		}
	}

	if ps.AvgClosePrice != "" {
		avg, err := decimal.NewFromString(ps.AvgClosePrice)
		if err != nil {
			return nil, err
		}
		p.AvgClosePrice = decimal.NewNullDecimal(avg)
	}
	return p, nil
}

func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	data, err := msgpack.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	if s.FormatVersion != SnapshotFormatVersion {
		return nil, fmt.Errorf("unsupported snapshot format %d", s.FormatVersion)
	}
	return &s, nil
}

// ObjectPutter is the subset of the S3 client the archiver needs.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchiveConfig configures the S3 snapshot archive.
type ArchiveConfig struct {
	Bucket   string
	Prefix   string
	Region   string
	Endpoint string // Non-empty for S3-compatible stores (MinIO, localstack)
}

// S3Archiver uploads encoded snapshots to S3.
type S3Archiver struct {
	client ObjectPutter
	bucket string
	prefix string
	logger zerolog.Logger
}

// NewS3Archiver builds an archiver from the default AWS credential chain.
func NewS3Archiver(ctx context.Context, cfg ArchiveConfig, logger zerolog.Logger) (*S3Archiver, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3ArchiverWithClient(client, cfg.Bucket, cfg.Prefix, logger), nil
}

func NewS3ArchiverWithClient(client ObjectPutter, bucket, prefix string, logger zerolog.Logger) *S3Archiver {
	return &S3Archiver{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

// Archive uploads the snapshot to s3://bucket/prefix/<run-id>.msgpack and
// returns the object key.
func (a *S3Archiver) Archive(ctx context.Context, snap *Snapshot) (string, error) {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return "", err
	}

	key := path.Join(a.prefix, snap.RunID+".msgpack")
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/msgpack"),
		Metadata: map[string]string{
			"fingerprint": snap.Fingerprint,
			"positions":   fmt.Sprintf("%d", len(snap.Positions)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", a.bucket, key, err)
	}

	a.logger.Info().
		Str("bucket", a.bucket).
		Str("key", key).
		Int("bytes", len(data)).
		Str("fingerprint", snap.Fingerprint).
		Msg("snapshot archived")
	return key, nil
}
