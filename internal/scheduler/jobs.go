package scheduler

import (
	"TradeLedger/internal/ledger"
	"TradeLedger/internal/persistence"
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Default schedules.
const (
	DefaultRecomputeSchedule = "@every 30s"
	DefaultIntegritySchedule = "@every 10m"
	DefaultArchiveSchedule   = "@daily"
)

// PendingRecomputer drains recompute requests. Implemented by *core.Engine.
type PendingRecomputer interface {
	RunPendingRecompute(ctx context.Context) (*ledger.RecomputeResult, error)
}

// RecomputeRequester raises a recompute request. Implemented by *core.Engine.
type RecomputeRequester interface {
	RequestRecompute(reason string)
}

// IntegrityVerifier checks the stored ledger. Implemented by *ledger.Ledger.
type IntegrityVerifier interface {
	VerifyIntegrity(ctx context.Context) (*ledger.IntegrityReport, error)
}

// Snapshotter captures derived state. Implemented by *ledger.Ledger.
type Snapshotter interface {
	Snapshot(ctx context.Context) (*persistence.Snapshot, error)
}

// Archiver stores a snapshot and returns where. Implemented by
// *persistence.S3Archiver.
type Archiver interface {
	Archive(ctx context.Context, snap *persistence.Snapshot) (string, error)
}

// ============================================================================
// recompute-pending
// ============================================================================

// RecomputeJob rebuilds the ledger when out-of-order trades or
// consistency violations asked for it.
type RecomputeJob struct {
	engine PendingRecomputer
	log    zerolog.Logger
}

func NewRecomputeJob(engine PendingRecomputer, log zerolog.Logger) *RecomputeJob {
	return &RecomputeJob{engine: engine, log: log.With().Str("job", "recompute-pending").Logger()}
}

func (j *RecomputeJob) Name() string { return "recompute-pending" }

func (j *RecomputeJob) Run(ctx context.Context) error {
	res, err := j.engine.RunPendingRecompute(ctx)
	if err != nil {
		return fmt.Errorf("pending recompute: %w", err)
	}
	if res != nil {
		j.log.Info().
			Str("run_id", res.RunID).
			Int("trades", res.Trades).
			Int("positions", res.Positions).
			Str("fingerprint", res.Fingerprint).
			Msg("pending recompute done")
	}
	return nil
}

// ============================================================================
// integrity
// ============================================================================

// IntegrityJob verifies stored positions. Deferred trades always request a
// recompute; violations do when autoRecompute is set, otherwise their keys
// stay halted for an operator.
type IntegrityJob struct {
	verifier      IntegrityVerifier
	requester     RecomputeRequester
	autoRecompute bool
	log           zerolog.Logger
}

func NewIntegrityJob(verifier IntegrityVerifier, requester RecomputeRequester, autoRecompute bool, log zerolog.Logger) *IntegrityJob {
	return &IntegrityJob{
		verifier:      verifier,
		requester:     requester,
		autoRecompute: autoRecompute,
		log:           log.With().Str("job", "integrity").Logger(),
	}
}

func (j *IntegrityJob) Name() string { return "integrity" }

func (j *IntegrityJob) Run(ctx context.Context) error {
	report, err := j.verifier.VerifyIntegrity(ctx)
	if err != nil {
		return fmt.Errorf("verify integrity: %w", err)
	}

	switch {
	case !report.OK() && j.autoRecompute:
		j.requester.RequestRecompute(fmt.Sprintf("integrity: %d violations", len(report.Violations)))
	case !report.OK():
		j.log.Warn().Int("violations", len(report.Violations)).Msg("violations found, keys halted until recompute")
	case report.PendingTrades > 0:
		j.requester.RequestRecompute(fmt.Sprintf("integrity: %d unallocated trades", report.PendingTrades))
	}
	return nil
}

// ============================================================================
// archive
// ============================================================================

// ArchiveJob uploads a msgpack snapshot of positions and allocations.
type ArchiveJob struct {
	snapshots Snapshotter
	archiver  Archiver
	log       zerolog.Logger
}

func NewArchiveJob(snapshots Snapshotter, archiver Archiver, log zerolog.Logger) *ArchiveJob {
	return &ArchiveJob{snapshots: snapshots, archiver: archiver, log: log.With().Str("job", "archive").Logger()}
}

func (j *ArchiveJob) Name() string { return "archive" }

func (j *ArchiveJob) Run(ctx context.Context) error {
	snap, err := j.snapshots.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	key, err := j.archiver.Archive(ctx, snap)
	if err != nil {
		return err
	}
	j.log.Info().
		Str("key", key).
		Str("run_id", snap.RunID).
		Int("positions", len(snap.Positions)).
		Int("allocations", len(snap.Allocations)).
		Msg("snapshot archived")
	return nil
}
