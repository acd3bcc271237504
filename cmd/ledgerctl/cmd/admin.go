package cmd

import (
	"TradeLedger/internal/persistence"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newRecomputeCmd(rc *RootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "recompute",
		Short: "Rebuild every position and allocation from the stored trades",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := rc.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.ledger.RecomputeFromStore(ctx)
			if err != nil {
				return err
			}
			if rc.JSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "run=%s trades=%d positions=%d allocations=%d fingerprint=%s\n",
				res.RunID, res.Trades, res.Positions, res.Allocations, res.Fingerprint)
			return nil
		},
	}
}

func newVerifyCmd(rc *RootConfig) *cobra.Command {
	var fix bool

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check stored positions against their allocations and the trade history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := rc.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			report, err := s.ledger.VerifyIntegrity(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if rc.JSON {
				if err := printJSON(out, report); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "positions=%d allocations=%d trades=%d pending=%d fingerprint=%s\n",
					report.Positions, report.Allocations, report.Trades, report.PendingTrades, report.Fingerprint)
				for _, v := range report.ViolationTexts {
					fmt.Fprintln(out, "violation:", v)
				}
			}

			if !report.NeedsRecompute() {
				return nil
			}
			if !fix {
				return errors.New("ledger needs a recompute (run with --fix)")
			}
			res, err := s.ledger.RecomputeFromStore(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "recomputed: trades=%d positions=%d fingerprint=%s\n",
				res.Trades, res.Positions, res.Fingerprint)
			return nil
		},
	}

	cmd.Flags().BoolVar(&fix, "fix", false, "recompute when violations or unallocated trades are found")
	return cmd
}

func newArchiveCmd(rc *RootConfig) *cobra.Command {
	var (
		bucket string
		prefix string
		out    string
	)

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Write a msgpack snapshot of positions and allocations to S3 or a file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := rc.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			snap, err := s.ledger.Snapshot(ctx)
			if err != nil {
				return err
			}

			if out != "" {
				data, err := persistence.EncodeSnapshot(snap)
				if err != nil {
					return err
				}
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return fmt.Errorf("write snapshot: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s positions=%d allocations=%d fingerprint=%s\n",
					out, len(snap.Positions), len(snap.Allocations), snap.Fingerprint)
				return nil
			}

			if bucket == "" {
				bucket = s.cfg.S3Bucket
			}
			if prefix == "" {
				prefix = s.cfg.S3Prefix
			}
			if bucket == "" {
				return errors.New("archive needs --bucket, --out or s3_bucket in the config")
			}
			archiver, err := persistence.NewS3Archiver(ctx, persistence.ArchiveConfig{
				Bucket:   bucket,
				Prefix:   prefix,
				Region:   s.cfg.S3Region,
				Endpoint: s.cfg.S3Endpoint,
			}, s.logger)
			if err != nil {
				return err
			}
			key, err := archiver.Archive(ctx, snap)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "s3://%s/%s\n", bucket, key)
			return nil
		},
	}

	cmd.Flags().StringVar(&bucket, "bucket", "", "S3 bucket (default s3_bucket from config)")
	cmd.Flags().StringVar(&prefix, "prefix", "", "key prefix (default s3_prefix from config)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write the snapshot to a local file instead")
	return cmd
}
