package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"capeledger/internal/cape"
)

func TestObserverCounters(t *testing.T) {
	c := NewCollector()
	c.BlockCommitted(2, 5*time.Millisecond)
	c.BlockRejected(&cape.TxError{Index: 0, Kind: cape.TxBurn, Err: cape.ErrInsufficientEscrowBalance}, time.Millisecond)
	c.BlockRejected(cape.ErrStaleAnchorRoot, time.Millisecond)
	c.BlockRejected(cape.ErrStaleAnchorRoot, time.Millisecond)

	require.Equal(t, 1.0, testutil.ToFloat64(c.blocksCommitted))
	require.Equal(t, 2.0, testutil.ToFloat64(c.blocksRejected.WithLabelValues("stale_anchor_root")))
	require.Equal(t, 1.0, testutil.ToFloat64(c.blocksRejected.WithLabelValues("insufficient_escrow_balance")))
}

func TestRecordBlockAndEscrow(t *testing.T) {
	c := NewCollector()
	c.RecordBlock(cape.BlockCommitted{
		Height: 3,
		Events: []cape.TxEvent{{Kind: cape.TxMint}, {Kind: cape.TxTransfer}, {Kind: cape.TxTransfer}},
	}, 5, 2)
	c.RecordEscrow(&cape.Snapshot{
		Assets:   []cape.AssetType{{Code: "USDC"}, {Code: "DAI"}},
		Balances: map[cape.AssetCode]*uint256.Int{"USDC": uint256.NewInt(250)},
	})

	require.Equal(t, 3.0, testutil.ToFloat64(c.height))
	require.Equal(t, 5.0, testutil.ToFloat64(c.records))
	require.Equal(t, 2.0, testutil.ToFloat64(c.transactions.WithLabelValues("transfer")))
	require.Equal(t, 250.0, testutil.ToFloat64(c.escrow.WithLabelValues("USDC")))
	require.Equal(t, 0.0, testutil.ToFloat64(c.escrow.WithLabelValues("DAI")))
}

func TestHandlerServesText(t *testing.T) {
	c := NewCollector()
	c.RecordRateLimited("relayer-1")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), `cape_rate_limited_total{relayer="relayer-1"} 1`)
	require.Contains(t, string(body), "go_goroutines")
}
