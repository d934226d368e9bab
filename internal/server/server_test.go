package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capeledger/internal/cape"
	"capeledger/internal/erc20"
	"capeledger/internal/metrics"
)

var (
	usdcToken = common.HexToAddress("0xAAA")
	alice     = common.HexToAddress("0x0000000000000000000000000000000000001111")
	bob       = common.HexToAddress("0x0000000000000000000000000000000000002222")
	vaultAddr = common.HexToAddress("0x000000000000000000000000000000000000CAFE")
)

type fakeVerifier struct{}

func (fakeVerifier) check(proof []byte) error {
	if string(proof) == "bad" {
		return errors.New("pairing check failed")
	}
	return nil
}

func (v fakeVerifier) VerifyMint(_ cape.Root, tx *cape.MintTx) error { return v.check(tx.Proof) }
func (v fakeVerifier) VerifyTransfer(_ cape.Root, tx *cape.TransferTx) error {
	return v.check(tx.Proof)
}
func (v fakeVerifier) VerifyBurn(_ cape.Root, tx *cape.BurnTx) error { return v.check(tx.Proof) }

type testAPI struct {
	t       *testing.T
	ledger  *cape.Ledger
	tokens  *erc20.Ledger
	metrics *metrics.Collector
	server  *Server
	http    *httptest.Server
}

func newTestAPI(t *testing.T, opts ...Option) *testAPI {
	t.Helper()
	tokens := erc20.New()
	collector := metrics.NewCollector()
	l, err := cape.Open(nil, fakeVerifier{}, tokens,
		cape.WithTreeDepth(8),
		cape.WithVaultAddress(vaultAddr),
		cape.WithObserver(collector))
	require.NoError(t, err)

	opts = append([]Option{WithTokens(tokens), WithMetrics(collector)}, opts...)
	s := New(l, opts...)
	ctx, cancel := context.WithCancel(context.Background())
	s.Run(ctx)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		s.Hub().Close()
	})
	return &testAPI{t: t, ledger: l, tokens: tokens, metrics: collector, server: s, http: ts}
}

func (a *testAPI) do(method, path string, body interface{}, header ...string) (*http.Response, []byte) {
	a.t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(a.t, err)
		r = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, a.http.URL+path, r)
	require.NoError(a.t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := a.http.Client().Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(a.t, err)
	return resp, out
}

func (a *testAPI) sponsorUSDC() {
	resp, body := a.do(http.MethodPost, "/assets", sponsorRequest{Code: "USDC", Token: usdcToken, Policy: []byte{1}})
	require.Equal(a.t, http.StatusCreated, resp.StatusCode, string(body))
}

// fund mints tokens to user, approves the vault and escrows them for cm through the API.
func (a *testAPI) fund(user common.Address, amount uint64, cm cape.Commitment) cape.PendingDeposit {
	amt := uint256.NewInt(amount)
	resp, body := a.do(http.MethodPost, "/tokens/"+usdcToken.Hex()+"/mint", tokenRequest{To: user, Amount: amt})
	require.Equal(a.t, http.StatusOK, resp.StatusCode, string(body))
	resp, body = a.do(http.MethodPost, "/tokens/"+usdcToken.Hex()+"/approve",
		tokenRequest{Owner: user, Spender: vaultAddr, Amount: amt})
	require.Equal(a.t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = a.do(http.MethodPost, "/deposits", depositRequest{Code: "USDC", Amount: amt, Depositor: user, Commitment: cm})
	require.Equal(a.t, http.StatusCreated, resp.StatusCode, string(body))
	var d cape.PendingDeposit
	require.NoError(a.t, json.Unmarshal(body, &d))
	return d
}

func mintBlock(anchor cape.Root, d cape.PendingDeposit) *cape.Block {
	return &cape.Block{Anchor: anchor, Transactions: []cape.Transaction{
		cape.NewMintTransaction(&cape.MintTx{
			DepositID: d.ID, Code: d.Code, Amount: d.Amount, Commitment: d.Commitment, Proof: []byte("proof"),
		}),
	}}
}

func burnBlock(anchor cape.Root, nf cape.Nullifier, amount uint64, to common.Address) *cape.Block {
	return &cape.Block{Anchor: anchor, Transactions: []cape.Transaction{
		cape.NewBurnTransaction(&cape.BurnTx{
			Nullifier: nf, Code: "USDC", Amount: uint256.NewInt(amount), Recipient: to, Proof: []byte("proof"),
		}),
	}}
}

func decodeError(t *testing.T, body []byte) errorResponse {
	t.Helper()
	var e errorResponse
	require.NoError(t, json.Unmarshal(body, &e), string(body))
	return e
}

func TestSponsorAndLookup(t *testing.T) {
	api := newTestAPI(t)
	api.sponsorUSDC()

	resp, body := api.do(http.MethodPost, "/assets", sponsorRequest{Code: "USDC", Token: usdcToken})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "already_sponsored", decodeError(t, body).Reason)

	resp, body = api.do(http.MethodGet, "/assets/USDC", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var asset cape.AssetType
	require.NoError(t, json.Unmarshal(body, &asset))
	assert.Equal(t, usdcToken, asset.Token)

	resp, body = api.do(http.MethodGet, "/assets/DAI", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "unknown_asset_type", decodeError(t, body).Reason)

	resp, _ = api.do(http.MethodPost, "/assets", map[string]string{"token": usdcToken.Hex()})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWrapAndUnwrapOverHTTP(t *testing.T) {
	api := newTestAPI(t)
	api.sponsorUSDC()
	sk := cape.NewSpendingKey()
	rec := cape.NewRecord("USDC", uint256.NewInt(100), sk)
	cm := rec.Commitment()
	d := api.fund(alice, 100, cm)

	resp, body := api.do(http.MethodGet, "/deposits", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var pending []cape.PendingDeposit
	require.NoError(t, json.Unmarshal(body, &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, cm, pending[0].Commitment)

	resp, body = api.do(http.MethodPost, "/blocks", mintBlock(api.ledger.Root(), d))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var res cape.BlockResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, uint64(1), res.Height)
	assert.Equal(t, []uint64{0}, res.UIDs)

	resp, body = api.do(http.MethodGet, "/balances/USDC", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"code":"USDC","balance":"100"}`, string(body))

	resp, body = api.do(http.MethodGet, "/paths/0", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var path struct {
		Commitment cape.Commitment `json:"commitment"`
		Path       cape.MerklePath `json:"path"`
		Root       cape.Root       `json:"root"`
	}
	require.NoError(t, json.Unmarshal(body, &path))
	assert.Equal(t, cm, path.Commitment)
	assert.Equal(t, res.Root, path.Root)
	assert.Len(t, path.Path.Siblings, 8)

	resp, _ = api.do(http.MethodGet, "/paths/5", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	nf := cape.DeriveNullifier(sk, cm)
	resp, body = api.do(http.MethodPost, "/blocks", burnBlock(api.ledger.Root(), nf, 100, bob))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, uint64(100), api.tokens.BalanceOf(usdcToken, bob).Uint64())

	resp, body = api.do(http.MethodGet, "/nullifiers/"+nf.Hex(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"nullifier":"`+nf.Hex()+`","spent":true,"height":2}`, string(body))

	resp, body = api.do(http.MethodPost, "/blocks", burnBlock(api.ledger.Root(), nf, 100, bob))
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	e := decodeError(t, body)
	assert.Equal(t, "double_spent_nullifier", e.Reason)
	require.NotNil(t, e.TxIndex)
	assert.Equal(t, 0, *e.TxIndex)
	assert.Equal(t, "burn", e.TxKind)

	resp, body = api.do(http.MethodGet, "/state", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var state StateResponse
	require.NoError(t, json.Unmarshal(body, &state))
	assert.Equal(t, uint64(2), state.Height)
	assert.Equal(t, uint64(1), state.NumRecords)
	assert.Equal(t, 1, state.NumNullifiers)
	assert.Equal(t, api.ledger.StateCommitment(), state.StateCommitment)
	assert.Equal(t, vaultAddr, state.Vault)
}

func TestBlockRejections(t *testing.T) {
	api := newTestAPI(t)
	api.sponsorUSDC()
	cm := cape.NewRecord("USDC", uint256.NewInt(50), cape.NewSpendingKey()).Commitment()
	d := api.fund(alice, 50, cm)

	stale := cape.HexToRoot("0x01")
	resp, body := api.do(http.MethodPost, "/blocks", mintBlock(stale, d))
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "stale_anchor_root", decodeError(t, body).Reason)

	bad := mintBlock(api.ledger.Root(), d)
	bad.Transactions[0].Mint.Proof = []byte("bad")
	resp, body = api.do(http.MethodPost, "/blocks", bad)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "invalid_proof", decodeError(t, body).Reason)

	resp, body = api.do(http.MethodPost, "/blocks", &cape.Block{Anchor: api.ledger.Root()})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "malformed_block", decodeError(t, body).Reason)

	resp, _ = api.do(http.MethodPost, "/blocks", map[string]string{"nonsense": "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var outOfField cape.Commitment
	for i := range outOfField {
		outOfField[i] = 0xff
	}
	resp, body = api.do(http.MethodPost, "/deposits",
		depositRequest{Code: "USDC", Amount: uint256.NewInt(1), Depositor: alice, Commitment: outOfField})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "non_canonical", decodeError(t, body).Reason)

	assert.Equal(t, uint64(0), api.ledger.Height())
}

func TestRateLimitPerRelayer(t *testing.T) {
	api := newTestAPI(t, WithRateLimiter(NewRelayerRateLimiter(1, 1, time.Hour)))
	empty := &cape.Block{Anchor: api.ledger.Root()}

	resp, _ := api.do(http.MethodPost, "/blocks", empty, RelayerHeader, "relayer-a")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := api.do(http.MethodPost, "/blocks", empty, RelayerHeader, "relayer-a")
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "rate_limited", decodeError(t, body).Reason)

	resp, _ = api.do(http.MethodPost, "/blocks", empty, RelayerHeader, "relayer-b")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestReadOnlyRefusesWrites(t *testing.T) {
	api := newTestAPI(t, WithReadOnly(true))

	resp, body := api.do(http.MethodPost, "/assets", sponsorRequest{Code: "USDC", Token: usdcToken})
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "read_only", decodeError(t, body).Reason)

	resp, _ = api.do(http.MethodGet, "/state", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthAndMetrics(t *testing.T) {
	api := newTestAPI(t)

	resp, body := api.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var h SystemHealth
	require.NoError(t, json.Unmarshal(body, &h))
	assert.Equal(t, Healthy, h.OverallStatus)
	require.Len(t, h.Components, 2)
	assert.Equal(t, "ledger", h.Components[0].Name)
	assert.Equal(t, "store", h.Components[1].Name)

	api.server.Health().RegisterComponent("prover", func() error { return errors.New("keys missing") })
	resp, _ = api.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, body = api.do(http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "cape_blocks_committed_total")
}

func TestEventStream(t *testing.T) {
	api := newTestAPI(t)
	api.sponsorUSDC()
	cm := cape.NewRecord("USDC", uint256.NewInt(25), cape.NewSpendingKey()).Commitment()
	d := api.fund(alice, 25, cm)

	url := "ws" + strings.TrimPrefix(api.http.URL, "http") + "/events"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return api.server.Hub().Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, err = api.ledger.SubmitBlock(context.Background(), mintBlock(api.ledger.Root(), d))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type string              `json:"type"`
		Data cape.BlockCommitted `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &msg))
	assert.Equal(t, "block_committed", msg.Type)
	assert.Equal(t, uint64(1), msg.Data.Height)
	require.Len(t, msg.Data.Events, 1)
	require.NotNil(t, msg.Data.Events[0].Minted)
	assert.Equal(t, cm, msg.Data.Events[0].Minted.Commitment)
}
