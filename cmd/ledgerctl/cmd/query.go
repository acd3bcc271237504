package cmd

import (
	"TradeLedger/internal/query"
	"TradeLedger/internal/server"
	"TradeLedger/internal/state"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newPositionsCmd(rc *RootConfig) *cobra.Command {
	var (
		status   string
		asset    string
		venueKey string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "positions",
		Short: "List positions, OPEN ones priced at the latest trade",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := query.PositionQuery{Asset: asset, VenueKey: venueKey, Limit: limit}
			if status != "" {
				st, err := state.ParseStatus(strings.ToUpper(status))
				if err != nil {
					return err
				}
				q.Status = st
			}

			ctx := cmd.Context()
			s, err := rc.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			views, err := query.NewQueryService(s.store, nil).ListPositions(ctx, q)
			if err != nil {
				return err
			}

			if rc.JSON {
				return printJSON(cmd.OutOrStdout(), views)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tASSET\tVENUE\tSIDE\tSTATUS\tREMAINING\tAVG OPEN\tREALIZED\tUNREALIZED\tFEES")
			for _, v := range views {
				unrealized := "-"
				if v.UnrealizedPnL != nil {
					unrealized = v.UnrealizedPnL.String()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					v.ID, v.Asset, v.VenueKey, v.Side, v.Status,
					v.RemainingQuantity, v.AvgOpenPrice, v.RealizedPnL, unrealized, v.TotalFees)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "open or closed")
	cmd.Flags().StringVar(&asset, "asset", "", "filter by asset")
	cmd.Flags().StringVar(&venueKey, "venue", "", "filter by venue key")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows (default 500)")
	return cmd
}

func newTradesCmd(rc *RootConfig) *cobra.Command {
	var (
		asset    string
		venueKey string
		start    string
		end      string
		limit    int
	)

	cmd := &cobra.Command{
		Use:   "trades",
		Short: "List stored trades, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := query.TradeQuery{Asset: asset, VenueKey: venueKey, Limit: limit}
			var err error
			if q.Start, err = server.ParseTimeParam("start", start, false); err != nil {
				return err
			}
			if q.End, err = server.ParseTimeParam("end", end, true); err != nil {
				return err
			}

			ctx := cmd.Context()
			s, err := rc.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			trades, err := query.NewQueryService(s.store, nil).ListTrades(ctx, q)
			if err != nil {
				return err
			}

			if rc.JSON {
				return printJSON(cmd.OutOrStdout(), trades)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tID\tASSET\tVENUE\tSIDE\tPRICE\tQUANTITY\tFEE")
			for _, t := range trades {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					t.Timestamp.Format(time.RFC3339Nano), t.ID, t.Asset, t.VenueKey, t.Side, t.Price, t.Quantity, t.Fee)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&asset, "asset", "", "filter by asset")
	cmd.Flags().StringVar(&venueKey, "venue", "", "filter by venue key")
	cmd.Flags().StringVar(&start, "start", "", "earliest trade time (inclusive)")
	cmd.Flags().StringVar(&end, "end", "", "latest trade time (inclusive)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows (default 100)")
	return cmd
}

func newPnLCmd(rc *RootConfig) *cobra.Command {
	var (
		start  string
		end    string
		asset  string
		bucket string
	)

	cmd := &cobra.Command{
		Use:   "pnl",
		Short: "Report realized and unrealized P&L",
		Long: `Summarizes P&L over positions closed in [--start, --end] plus every OPEN
position. Dates are RFC3339 or YYYY-MM-DD (UTC); a bare end date covers the
whole day. With both bounds the realized P&L is also bucketed by --bucket.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := query.ParseBucket(bucket)
			if err != nil {
				return err
			}
			f := query.Filter{Asset: asset}
			if f.Start, err = server.ParseTimeParam("start", start, false); err != nil {
				return err
			}
			if f.End, err = server.ParseTimeParam("end", end, true); err != nil {
				return err
			}

			ctx := cmd.Context()
			s, err := rc.open(ctx, cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			rep, err := query.NewQueryService(s.store, nil).Report(ctx, f, b)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if rc.JSON {
				return printJSON(out, rep)
			}
			sum := rep.Summary
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintf(tw, "realized\t%s\n", sum.RealizedPnL)
			fmt.Fprintf(tw, "unrealized\t%s\n", sum.UnrealizedPnL)
			fmt.Fprintf(tw, "fees\t%s\n", sum.TotalFees)
			fmt.Fprintf(tw, "net\t%s\n", sum.NetPnL)
			fmt.Fprintf(tw, "closed\t%d (won %d, lost %d, win rate %.2f)\n",
				sum.ClosedPositions, sum.WinningPositions, sum.LosingPositions, sum.WinRate)
			fmt.Fprintf(tw, "open\t%d (unpriced %d)\n", sum.OpenPositions, sum.UnpricedPositions)
			if len(rep.Series) > 0 {
				fmt.Fprintln(tw)
				fmt.Fprintf(tw, "%s\tPNL\tFEES\tCLOSED\n", strings.ToUpper(string(rep.Bucket)))
				for _, p := range rep.Series {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", p.Bucket, p.PnL, p.Fees, p.Closed)
				}
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&start, "start", "", "earliest close (inclusive)")
	cmd.Flags().StringVar(&end, "end", "", "latest close (inclusive)")
	cmd.Flags().StringVar(&asset, "asset", "", "restrict to one asset")
	cmd.Flags().StringVar(&bucket, "bucket", "day", "series bucket: day, week or month")
	return cmd
}
