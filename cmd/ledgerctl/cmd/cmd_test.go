package cmd_test

import (
	"TradeLedger/cmd/ledgerctl/cmd"
	"TradeLedger/internal/ledger"
	"TradeLedger/internal/persistence"
	"TradeLedger/internal/query"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tradeFile = `# SOL round trip, BTC left open
{"id":"t1","venue_key":"kraken:1","asset":"SOL","side":"buy","price":"10","quantity":"2","fee":"0","timestamp":"2024-03-01T09:00:00Z"}
{"venue_key":"kraken:1","asset":"SOL","side":"sell","price":"12","quantity":"2","fee":"0","timestamp":"2024-03-01T10:00:00Z"}
{"id":"t3","venue_key":"kraken:1","asset":"BTC","side":"buy","price":"50000","quantity":"1","fee":"5","timestamp":"2024-03-02T09:00:00Z"}
not json
`

type cli struct {
	t  *testing.T
	db string
}

func newCLI(t *testing.T) *cli {
	t.Helper()
	t.Setenv("TRADELEDGER_SQLITE_DRIVER", "sqlite")
	t.Setenv("TRADELEDGER_LOG_LEVEL", "error")
	return &cli{t: t, db: filepath.Join(t.TempDir(), "ledger.db")}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	root := cmd.NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--store", "sqlite", "--sqlite", c.db}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func (c *cli) writeTrades(name, body string) string {
	c.t.Helper()
	path := filepath.Join(c.t.TempDir(), name)
	require.NoError(c.t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// ============================================================================
// Test: import
// ============================================================================

func TestImport_ReportsEveryLine(t *testing.T) {
	c := newCLI(t)

	out, err := c.run("--json", "import", c.writeTrades("trades.jsonl", tradeFile))
	require.Error(t, err, "a bad line fails the import")

	var sum cmd.ImportSummary
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, 4, sum.Lines)
	assert.Equal(t, 1, sum.BadLines)
	assert.Equal(t, 3, sum.Statuses["applied"])
	require.Len(t, sum.Failures, 1)
	assert.Contains(t, sum.Failures[0], "line 5")
	assert.False(t, sum.Recomputed)
}

func TestImport_DuplicatesAreHarmless(t *testing.T) {
	c := newCLI(t)
	path := c.writeTrades("t.jsonl", `{"id":"a1","venue_key":"v","asset":"ETH","side":"buy","price":"100","quantity":"1","timestamp":"2024-03-01T09:00:00Z"}`)

	_, err := c.run("import", path)
	require.NoError(t, err)

	out, err := c.run("import", path)
	require.NoError(t, err)
	assert.Contains(t, out, "applied=0 duplicate=1")
}

func TestImport_OutOfOrderThenVerify(t *testing.T) {
	c := newCLI(t)
	late := c.writeTrades("late.jsonl", `{"id":"b2","venue_key":"v","asset":"ETH","side":"buy","price":"110","quantity":"1","timestamp":"2024-03-01T10:00:00Z"}`)
	early := c.writeTrades("early.jsonl", `{"id":"b1","venue_key":"v","asset":"ETH","side":"buy","price":"100","quantity":"1","timestamp":"2024-03-01T09:00:00Z"}`)

	_, err := c.run("import", late)
	require.NoError(t, err)
	out, err := c.run("import", "--no-recompute", early)
	require.NoError(t, err)
	assert.Contains(t, out, "deferred=1")
	assert.Contains(t, out, "recomputed=false")

	out, err = c.run("verify")
	require.Error(t, err, "unallocated trade needs a recompute")
	assert.Contains(t, out, "pending=1")

	_, err = c.run("verify", "--fix")
	require.NoError(t, err)

	out, err = c.run("verify")
	require.NoError(t, err)
	assert.Contains(t, out, "pending=0")

	out, err = c.run("--json", "positions", "--asset", "ETH")
	require.NoError(t, err)
	var views []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "105", views[0]["avg_open_price"])
}

// ============================================================================
// Test: queries
// ============================================================================

func importFixture(t *testing.T) *cli {
	t.Helper()
	c := newCLI(t)
	good := strings.Replace(tradeFile, "not json\n", "", 1)
	_, err := c.run("import", c.writeTrades("trades.jsonl", good))
	require.NoError(t, err)
	return c
}

func TestPositions(t *testing.T) {
	c := importFixture(t)

	out, err := c.run("positions")
	require.NoError(t, err)
	assert.Contains(t, out, "STATUS")
	assert.Contains(t, out, "SOL")
	assert.Contains(t, out, "BTC")

	out, err = c.run("--json", "positions", "--status", "closed")
	require.NoError(t, err)
	var views []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "SOL", views[0]["asset"])
	assert.Equal(t, "4", views[0]["realized_pnl"])

	_, err = c.run("positions", "--status", "pending")
	assert.Error(t, err)
}

func TestTrades(t *testing.T) {
	c := importFixture(t)

	out, err := c.run("trades")
	require.NoError(t, err)
	assert.Contains(t, out, "QUANTITY")
	assert.Contains(t, out, "t3")

	out, err = c.run("--json", "trades", "--asset", "SOL", "--venue", "kraken:1")
	require.NoError(t, err)
	var trades []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &trades))
	require.Len(t, trades, 2)
	assert.Equal(t, "SELL", trades[0]["side"], "newest first")
	assert.Len(t, trades[0]["id"], 26, "generated ULID")
	assert.Equal(t, "t1", trades[1]["id"])

	out, err = c.run("--json", "trades", "--start", "2024-03-02")
	require.NoError(t, err)
	trades = nil
	require.NoError(t, json.Unmarshal([]byte(out), &trades))
	require.Len(t, trades, 1)
	assert.Equal(t, "t3", trades[0]["id"])

	_, err = c.run("trades", "--end", "march")
	assert.Error(t, err)
}

func TestPnL(t *testing.T) {
	c := importFixture(t)

	out, err := c.run("--json", "pnl", "--start", "2024-03-01", "--end", "2024-03-01")
	require.NoError(t, err)

	var rep query.PnLReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	require.NotNil(t, rep.Summary)
	assert.Equal(t, "4", rep.Summary.RealizedPnL.String())
	assert.Equal(t, 1, rep.Summary.ClosedPositions)
	assert.Equal(t, 1, rep.Summary.OpenPositions)
	require.Len(t, rep.Series, 1)
	assert.Equal(t, "2024-03-01", rep.Series[0].Bucket)

	out, err = c.run("pnl", "--asset", "SOL")
	require.NoError(t, err)
	assert.Contains(t, out, "realized")

	_, err = c.run("pnl", "--bucket", "fortnight")
	assert.Error(t, err)
	_, err = c.run("pnl", "--start", "March")
	assert.Error(t, err)
}

// ============================================================================
// Test: admin
// ============================================================================

func TestRecompute(t *testing.T) {
	c := importFixture(t)

	out, err := c.run("--json", "recompute")
	require.NoError(t, err)

	var res ledger.RecomputeResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 3, res.Trades)
	assert.Equal(t, 2, res.Positions)
	assert.Equal(t, 3, res.Allocations)
	assert.NotEmpty(t, res.Fingerprint)
}

func TestArchive_ToFile(t *testing.T) {
	c := importFixture(t)
	path := filepath.Join(t.TempDir(), "snap.msgpack")

	_, err := c.run("archive", "--out", path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	snap, err := persistence.DecodeSnapshot(data)
	require.NoError(t, err)
	assert.Len(t, snap.Positions, 2)
	assert.Len(t, snap.Allocations, 3)

	_, err = c.run("archive")
	assert.Error(t, err, "no bucket and no file")
}

func TestRoot_BadStore(t *testing.T) {
	root := cmd.NewRootCmd()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"--store", "mongo", "verify"})
	if err := root.Execute(); err == nil {
		t.Error("expected error for unknown store")
	}
}
