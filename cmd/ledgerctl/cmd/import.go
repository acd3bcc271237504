package cmd

import (
	"TradeLedger/internal/core"
	"TradeLedger/internal/ingestion"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// ImportSummary counts what an import did.
type ImportSummary struct {
	Lines      int            `json:"lines"`
	BadLines   int            `json:"bad_lines"`
	Statuses   map[string]int `json:"statuses"`
	Failures   []string       `json:"failures,omitempty"`
	Recomputed bool           `json:"recomputed"`
}

func newImportCmd(rc *RootConfig) *cobra.Command {
	var noRecompute bool

	cmd := &cobra.Command{
		Use:   "import <file|->",
		Short: "Apply a JSON-lines trade file",
		Long: `Reads one trade per line ('-' for stdin), applies them in (timestamp, id)
order and reports what happened to each. Trades without an id get a ULID
derived from their timestamp. Out-of-order trades are stored and picked up
by a recompute at the end unless --no-recompute is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var in io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return fmt.Errorf("open trades: %w", err)
				}
				defer f.Close()
				in = f
			}

			trades, bad, err := ingestion.ParseLines(in, ingestion.ParseOptions{GenerateIDs: true})
			if err != nil {
				return err
			}

			s, err := rc.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			engine := core.NewEngine(s.ledger, core.Config{
				Shards:        s.cfg.Shards,
				LRUCapacity:   s.cfg.IdempotencyLRUCapacity,
				AutoRecompute: s.cfg.AutoRecompute,
			}, nil, &s.logger)
			if err := engine.WarmDedup(ctx); err != nil {
				return err
			}
			engine.Start(ctx)
			defer engine.Stop()

			sum := ImportSummary{
				Lines:    len(trades) + len(bad),
				BadLines: len(bad),
				Statuses: make(map[string]int),
			}
			for _, le := range bad {
				sum.Failures = append(sum.Failures, le.Error())
			}

			for _, res := range engine.SubmitBatch(ctx, trades) {
				sum.Statuses[res.Status.String()]++
				if res.Status == core.StatusRejected || res.Status == core.StatusFailed {
					sum.Failures = append(sum.Failures, fmt.Sprintf("trade %s: %s: %v", res.TradeID, res.Status, res.Err))
				}
			}

			if pending, _ := engine.PendingRecompute(); pending && !noRecompute {
				if _, err := engine.RunPendingRecompute(ctx); err != nil {
					return fmt.Errorf("recompute after import: %w", err)
				}
				sum.Recomputed = true
			}

			out := cmd.OutOrStdout()
			if rc.JSON {
				if err := printJSON(out, sum); err != nil {
					return err
				}
			} else {
				for _, f := range sum.Failures {
					fmt.Fprintln(out, f)
				}
				fmt.Fprintf(out, "lines=%d applied=%d duplicate=%d deferred=%d rejected=%d failed=%d bad=%d recomputed=%t\n",
					sum.Lines,
					sum.Statuses[core.StatusApplied.String()],
					sum.Statuses[core.StatusDuplicate.String()],
					sum.Statuses[core.StatusDeferred.String()],
					sum.Statuses[core.StatusRejected.String()],
					sum.Statuses[core.StatusFailed.String()],
					sum.BadLines,
					sum.Recomputed,
				)
			}

			if len(sum.Failures) > 0 {
				return fmt.Errorf("%d trades not applied", len(sum.Failures))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noRecompute, "no-recompute", false, "leave out-of-order trades for the service to recompute")
	return cmd
}
