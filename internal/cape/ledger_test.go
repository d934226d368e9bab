package cape

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"capeledger/internal/erc20"
)

var (
	usdcToken = common.HexToAddress("0xAAA")
	user1     = common.HexToAddress("0x0000000000000000000000000000000000001111")
	user2     = common.HexToAddress("0x0000000000000000000000000000000000002222")
	vaultAddr = common.HexToAddress("0x000000000000000000000000000000000000CAFE")

	goodProof = []byte("proof")
	badProof  = []byte("bad")
)

// fakeVerifier accepts every proof except badProof.
type fakeVerifier struct{}

func (fakeVerifier) check(proof []byte) error {
	if string(proof) == string(badProof) {
		return errors.New("pairing check failed")
	}
	return nil
}

func (v fakeVerifier) VerifyMint(_ Root, tx *MintTx) error         { return v.check(tx.Proof) }
func (v fakeVerifier) VerifyTransfer(_ Root, tx *TransferTx) error { return v.check(tx.Proof) }
func (v fakeVerifier) VerifyBurn(_ Root, tx *BurnTx) error         { return v.check(tx.Proof) }

type testEnv struct {
	t      *testing.T
	ctx    context.Context
	ledger *Ledger
	tokens *erc20.Ledger
}

func newTestEnv(t *testing.T, store *Store, opts ...Option) *testEnv {
	t.Helper()
	tokens := erc20.New()
	opts = append([]Option{WithTreeDepth(8), WithVaultAddress(vaultAddr)}, opts...)
	l, err := Open(store, fakeVerifier{}, tokens, opts...)
	require.NoError(t, err)
	return &testEnv{t: t, ctx: context.Background(), ledger: l, tokens: tokens}
}

func (e *testEnv) sponsorUSDC() {
	_, err := e.ledger.Sponsor(e.ctx, "USDC", usdcToken, []byte("viewing-policy"))
	require.NoError(e.t, err)
}

// deposit funds user on the token ledger and escrows amount for the record cm.
func (e *testEnv) deposit(user common.Address, amount uint64, cm Commitment) PendingDeposit {
	amt := uint256.NewInt(amount)
	require.NoError(e.t, e.tokens.Mint(usdcToken, user, amt))
	require.NoError(e.t, e.tokens.Approve(usdcToken, user, vaultAddr, amt))
	d, err := e.ledger.Deposit(e.ctx, "USDC", amt, user, cm)
	require.NoError(e.t, err)
	return d
}

func (e *testEnv) submit(txs ...Transaction) (*BlockResult, error) {
	return e.ledger.SubmitBlock(e.ctx, &Block{Anchor: e.ledger.Root(), Transactions: txs})
}

// mintTx consumes d by creating the record it was made for.
func mintTx(d PendingDeposit) Transaction {
	return NewMintTransaction(&MintTx{
		DepositID:  d.ID,
		Code:       d.Code,
		Amount:     d.Amount,
		Commitment: d.Commitment,
		Proof:      goodProof,
	})
}

func burnTx(nf Nullifier, amount uint64, recipient common.Address) Transaction {
	return NewBurnTransaction(&BurnTx{
		Nullifier: nf,
		Code:      "USDC",
		Amount:    uint256.NewInt(amount),
		Recipient: recipient,
		Proof:     goodProof,
	})
}

func transferTx(nfs []Nullifier, cms []Commitment) Transaction {
	return NewTransferTransaction(&TransferTx{Nullifiers: nfs, Commitments: cms, Proof: goodProof})
}

func requireTxError(t *testing.T, err error, index int, target error) {
	t.Helper()
	require.ErrorIs(t, err, target)
	var txErr *TxError
	require.True(t, errors.As(err, &txErr), "expected *TxError, got %v", err)
	require.Equal(t, index, txErr.Index)
}

func TestWrapThenUnwrap(t *testing.T) {
	e := newTestEnv(t, nil)
	e.sponsorUSDC()

	sk := NewSpendingKey()
	rec := NewRecord("USDC", uint256.NewInt(100), sk)
	c1 := rec.Commitment()

	d := e.deposit(user1, 100, c1)
	require.Equal(t, uint64(100), e.tokens.BalanceOf(usdcToken, vaultAddr).Uint64())
	require.True(t, e.ledger.Balance("USDC").IsZero(), "deposits are not committed escrow")
	require.Len(t, e.ledger.PendingDeposits(), 1)
	require.Equal(t, c1, e.ledger.PendingDeposits()[0].Commitment)
	r0 := e.ledger.Root()

	res, err := e.submit(mintTx(d))
	require.NoError(t, err)
	r1 := res.Root
	require.NotEqual(t, r0, r1)
	require.Equal(t, []uint64{0}, res.UIDs)
	require.Equal(t, uint64(1), res.Height)
	require.Equal(t, uint64(100), e.ledger.Balance("USDC").Uint64())
	require.Empty(t, e.ledger.Snapshot().Nullifiers)
	require.Empty(t, e.ledger.PendingDeposits())

	path, leaf, err := e.ledger.Path(0)
	require.NoError(t, err)
	require.Equal(t, c1, leaf)
	require.Equal(t, r1, path.ComputeRoot(c1))

	nf := DeriveNullifier(sk, c1)
	res, err = e.submit(burnTx(nf, 100, user2))
	require.NoError(t, err)
	require.Equal(t, r1, res.Root, "burns do not append commitments")
	require.Empty(t, res.UIDs)
	require.True(t, e.ledger.Balance("USDC").IsZero())
	require.Equal(t, uint64(100), e.tokens.BalanceOf(usdcToken, user2).Uint64())
	require.True(t, e.tokens.BalanceOf(usdcToken, vaultAddr).IsZero())
	require.True(t, e.ledger.Contains(nf))
	require.Equal(t, StatusIdle, e.ledger.Status())
}

func TestStaleAnchorRejected(t *testing.T) {
	e := newTestEnv(t, nil)
	e.sponsorUSDC()
	d1, d2 := e.deposit(user1, 10, HexToCommitment("0x01")), e.deposit(user1, 20, HexToCommitment("0x02"))

	r1 := e.ledger.Root()
	_, err := e.submit(mintTx(d1))
	require.NoError(t, err)

	_, err = e.ledger.SubmitBlock(e.ctx, &Block{
		Anchor:       r1,
		Transactions: []Transaction{mintTx(d2)},
	})
	require.ErrorIs(t, err, ErrStaleAnchorRoot)
	require.Equal(t, uint64(10), e.ledger.Balance("USDC").Uint64())
	require.Len(t, e.ledger.PendingDeposits(), 1)
}

func TestRejectedBlockLeavesStateUntouched(t *testing.T) {
	e := newTestEnv(t, nil)
	e.sponsorUSDC()
	d0 := e.deposit(user1, 50, HexToCommitment("0x01"))
	spentNf := HexToNullifier("0xdead")
	_, err := e.submit(mintTx(d0), transferTx([]Nullifier{spentNf}, []Commitment{HexToCommitment("0x02")}))
	require.NoError(t, err)

	d1 := e.deposit(user1, 70, HexToCommitment("0x03"))
	before := e.ledger.Snapshot()
	vaultTokens := e.tokens.BalanceOf(usdcToken, vaultAddr)

	_, err = e.submit(
		mintTx(d1),
		transferTx([]Nullifier{spentNf}, []Commitment{HexToCommitment("0x04")}),
	)
	requireTxError(t, err, 1, ErrDoubleSpentNullifier)

	require.Equal(t, before, e.ledger.Snapshot())
	require.Equal(t, vaultTokens, e.tokens.BalanceOf(usdcToken, vaultAddr))
	require.Equal(t, StatusIdle, e.ledger.Status())
}

func TestIntraBlockDoubleSpendRejectsWholeBlock(t *testing.T) {
	e := newTestEnv(t, nil)
	nf := HexToNullifier("0xbeef")
	before := e.ledger.Snapshot()

	_, err := e.submit(
		transferTx([]Nullifier{nf}, []Commitment{HexToCommitment("0x01")}),
		transferTx([]Nullifier{nf}, []Commitment{HexToCommitment("0x02")}),
	)
	requireTxError(t, err, 1, ErrDoubleSpentNullifier)
	require.Equal(t, before, e.ledger.Snapshot())

	// Repeated within one transaction as well.
	_, err = e.submit(transferTx([]Nullifier{nf, nf}, []Commitment{HexToCommitment("0x01")}))
	requireTxError(t, err, 0, ErrDoubleSpentNullifier)
	var se *SpentError
	require.True(t, errors.As(err, &se))
	require.Equal(t, 1, se.Index)
}

func TestInvalidProofRejected(t *testing.T) {
	e := newTestEnv(t, nil)
	bad := NewTransferTransaction(&TransferTx{
		Nullifiers:  []Nullifier{HexToNullifier("0x02")},
		Commitments: []Commitment{HexToCommitment("0x02")},
		Proof:       badProof,
	})
	_, err := e.submit(transferTx([]Nullifier{HexToNullifier("0x01")}, []Commitment{HexToCommitment("0x01")}), bad)
	requireTxError(t, err, 1, ErrInvalidProof)
	require.Zero(t, e.ledger.NumRecords())
	require.False(t, e.ledger.Contains(HexToNullifier("0x01")))
}

func TestMintValidation(t *testing.T) {
	e := newTestEnv(t, nil)
	e.sponsorUSDC()
	d := e.deposit(user1, 40, HexToCommitment("0x01"))

	cases := []struct {
		name   string
		txs    []Transaction
		index  int
		target error
	}{
		{
			name:   "unknown deposit",
			txs:    []Transaction{mintTx(PendingDeposit{ID: 99, Code: "USDC", Amount: uint256.NewInt(40), Commitment: d.Commitment})},
			target: ErrUnknownDeposit,
		},
		{
			name:   "amount mismatch",
			txs:    []Transaction{mintTx(PendingDeposit{ID: d.ID, Code: "USDC", Amount: uint256.NewInt(39), Commitment: d.Commitment})},
			target: ErrDepositMismatch,
		},
		{
			name:   "record other than the deposited one",
			txs:    []Transaction{mintTx(PendingDeposit{ID: d.ID, Code: "USDC", Amount: uint256.NewInt(40), Commitment: HexToCommitment("0x99")})},
			target: ErrDepositMismatch,
		},
		{
			name:   "unknown asset",
			txs:    []Transaction{mintTx(PendingDeposit{ID: d.ID, Code: "DAI", Amount: uint256.NewInt(40), Commitment: d.Commitment})},
			target: ErrUnknownAssetType,
		},
		{
			name:   "deposit referenced twice",
			txs:    []Transaction{mintTx(d), mintTx(d)},
			index:  1,
			target: ErrMalformedBlock,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.submit(tc.txs...)
			requireTxError(t, err, tc.index, tc.target)
			require.True(t, e.ledger.Balance("USDC").IsZero())
			require.Len(t, e.ledger.PendingDeposits(), 1)
		})
	}
}

func TestMalformedBlocks(t *testing.T) {
	e := newTestEnv(t, nil)

	_, err := e.submit()
	require.ErrorIs(t, err, ErrMalformedBlock)

	_, err = e.submit(Transaction{Kind: TxBurn, Mint: &MintTx{}})
	requireTxError(t, err, 0, ErrMalformedBlock)

	_, err = e.submit(Transaction{Kind: TxMint, Mint: &MintTx{}, Burn: &BurnTx{}})
	requireTxError(t, err, 0, ErrMalformedBlock)

	_, err = e.submit(transferTx(nil, []Commitment{HexToCommitment("0x01")}))
	requireTxError(t, err, 0, ErrMalformedBlock)
}

func TestBurnsLimitedToCommittedEscrow(t *testing.T) {
	e := newTestEnv(t, nil)
	e.sponsorUSDC()
	_, err := e.submit(mintTx(e.deposit(user1, 100, HexToCommitment("0x01"))))
	require.NoError(t, err)

	// Two burns that each fit but together exceed the escrow.
	_, err = e.submit(
		burnTx(HexToNullifier("0x01"), 60, user2),
		burnTx(HexToNullifier("0x02"), 60, user2),
	)
	requireTxError(t, err, 1, ErrInsufficientEscrowBalance)
	require.True(t, e.tokens.BalanceOf(usdcToken, user2).IsZero())

	// A mint in the same block does not fund the burn.
	d := e.deposit(user1, 50, HexToCommitment("0x02"))
	_, err = e.submit(
		mintTx(d),
		burnTx(HexToNullifier("0x03"), 150, user2),
	)
	requireTxError(t, err, 1, ErrInsufficientEscrowBalance)
	require.Equal(t, uint64(100), e.ledger.Balance("USDC").Uint64())

	res, err := e.submit(
		mintTx(d),
		burnTx(HexToNullifier("0x03"), 100, user2),
	)
	require.NoError(t, err)
	require.Len(t, res.Events, 2)
	require.Equal(t, uint64(50), e.ledger.Balance("USDC").Uint64())
	require.Equal(t, uint64(100), e.tokens.BalanceOf(usdcToken, user2).Uint64())
}

func TestBurnTotalsCannotWrap(t *testing.T) {
	e := newTestEnv(t, nil)
	e.sponsorUSDC()
	_, err := e.submit(mintTx(e.deposit(user1, 100, HexToCommitment("0x01"))))
	require.NoError(t, err)

	// 60 + (2^256 - 10) wraps to 50, which the escrow could cover.
	huge := new(uint256.Int).Sub(new(uint256.Int).SetAllOne(), uint256.NewInt(9))
	wrap := burnTx(HexToNullifier("0x02"), 0, user2)
	wrap.Burn.Amount = huge
	_, err = e.submit(burnTx(HexToNullifier("0x01"), 60, user2), wrap)
	requireTxError(t, err, 1, ErrInsufficientEscrowBalance)
	require.Equal(t, uint64(100), e.ledger.Balance("USDC").Uint64())
	require.True(t, e.tokens.BalanceOf(usdcToken, user2).IsZero())
}

// shiftByModulus returns b + p, the same field element under a second encoding.
func shiftByModulus(b [32]byte) [32]byte {
	var out [32]byte
	new(big.Int).Add(new(big.Int).SetBytes(b[:]), fr.Modulus()).FillBytes(out[:])
	return out
}

func TestNonCanonicalEncodingsRejected(t *testing.T) {
	e := newTestEnv(t, nil)
	e.sponsorUSDC()
	sk := NewSpendingKey()
	cm := NewRecord("USDC", uint256.NewInt(100), sk).Commitment()
	_, err := e.submit(mintTx(e.deposit(user1, 100, cm)))
	require.NoError(t, err)
	_, err = e.submit(mintTx(e.deposit(user2, 100, HexToCommitment("0x02"))))
	require.NoError(t, err)

	nf := DeriveNullifier(sk, cm)
	_, err = e.submit(burnTx(nf, 100, user2))
	require.NoError(t, err)

	// nf + p reduces to the spent nullifier inside a proof.
	_, err = e.submit(burnTx(Nullifier(shiftByModulus(nf)), 100, user2))
	requireTxError(t, err, 0, ErrNonCanonical)
	require.ErrorIs(t, err, ErrMalformedBlock)
	require.Equal(t, uint64(100), e.ledger.Balance("USDC").Uint64())

	_, err = e.submit(transferTx([]Nullifier{Nullifier(shiftByModulus(HexToNullifier("0x05")))}, []Commitment{HexToCommitment("0x06")}))
	requireTxError(t, err, 0, ErrNonCanonical)
	_, err = e.submit(transferTx([]Nullifier{HexToNullifier("0x05")}, []Commitment{Commitment(shiftByModulus(HexToCommitment("0x06")))}))
	requireTxError(t, err, 0, ErrNonCanonical)

	before := e.ledger.Snapshot()
	_, err = e.ledger.Deposit(e.ctx, "USDC", uint256.NewInt(1), user1, Commitment(shiftByModulus(cm)))
	require.ErrorIs(t, err, ErrNonCanonical)
	require.Equal(t, before, e.ledger.Snapshot())
}

func TestConservation(t *testing.T) {
	e := newTestEnv(t, nil)
	e.sponsorUSDC()

	var wrapped, unwrapped uint64
	for i, amount := range []uint64{30, 45, 25} {
		_, err := e.submit(mintTx(e.deposit(user1, amount, HexToCommitment(string(rune('a'+i))))))
		require.NoError(t, err)
		wrapped += amount
		require.Equal(t, wrapped-unwrapped, e.ledger.Balance("USDC").Uint64())
	}
	for i, amount := range []uint64{10, 55} {
		_, err := e.submit(burnTx(HexToNullifier(string(rune('a'+i))), amount, user2))
		require.NoError(t, err)
		unwrapped += amount
		require.Equal(t, wrapped-unwrapped, e.ledger.Balance("USDC").Uint64())
	}

	e.deposit(user1, 5, HexToCommitment("0x05"))
	escrowed := e.ledger.Balance("USDC")
	escrowed.Add(escrowed, e.ledger.vault.PendingTotal("USDC"))
	require.Equal(t, escrowed, e.tokens.BalanceOf(usdcToken, vaultAddr))
}

func TestTreeCapacityRejectsBlock(t *testing.T) {
	e := newTestEnv(t, nil, WithTreeDepth(1))
	cms := []Commitment{HexToCommitment("0x01"), HexToCommitment("0x02"), HexToCommitment("0x03")}
	_, err := e.submit(transferTx([]Nullifier{HexToNullifier("0x01")}, cms))
	require.ErrorIs(t, err, ErrTreeCapacityExceeded)
	require.False(t, e.ledger.Contains(HexToNullifier("0x01")))

	res, err := e.submit(transferTx([]Nullifier{HexToNullifier("0x01")}, cms[:2]))
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 1}, res.UIDs)
}

func TestSpentSetIsMonotonic(t *testing.T) {
	e := newTestEnv(t, nil)
	var all []Nullifier
	for i := 0; i < 4; i++ {
		nf := HexToNullifier(string(rune('a' + i)))
		_, err := e.submit(transferTx([]Nullifier{nf}, []Commitment{HexToCommitment(string(rune('a' + i)))}))
		require.NoError(t, err)
		all = append(all, nf)

		_, err = e.submit(transferTx([]Nullifier{all[0]}, []Commitment{HexToCommitment("0xff")}))
		require.ErrorIs(t, err, ErrDoubleSpentNullifier)
		for j, n := range all {
			require.True(t, e.ledger.Contains(n))
			h, ok := e.ledger.SpentAt(n)
			require.True(t, ok)
			require.Equal(t, uint64(j+1), h)
		}
	}
}

func TestStateCommitmentChain(t *testing.T) {
	e := newTestEnv(t, nil)
	genesis := e.ledger.StateCommitment()
	require.Equal(t, genesisCommitment(0, 0), genesis)

	b := &Block{
		Anchor:       e.ledger.Root(),
		Transactions: []Transaction{transferTx([]Nullifier{HexToNullifier("0x01")}, []Commitment{HexToCommitment("0x01")})},
	}
	res, err := e.ledger.SubmitBlock(e.ctx, b)
	require.NoError(t, err)
	require.Equal(t, b.Hash(), res.BlockHash)
	require.Equal(t, chainCommitment(genesis, b.Hash()), res.StateCommitment)
	require.Equal(t, res.StateCommitment, e.ledger.StateCommitment())
}

func TestEventsPublishedOnCommit(t *testing.T) {
	e := newTestEnv(t, nil)
	e.sponsorUSDC()
	ch := make(chan BlockCommitted, 1)
	sub := e.ledger.SubscribeEvents(ch)
	defer sub.Unsubscribe()

	cm := HexToCommitment("0x08")
	res, err := e.submit(mintTx(e.deposit(user1, 8, cm)))
	require.NoError(t, err)

	select {
	case ev := <-ch:
		require.Equal(t, res.Height, ev.Height)
		require.Equal(t, res.Root, ev.Root)
		require.Len(t, ev.Events, 1)
		require.NotNil(t, ev.Events[0].Minted)
		require.Equal(t, cm, ev.Events[0].Minted.Commitment)
		require.Equal(t, uint64(8), ev.Events[0].Minted.Amount.Uint64())
	case <-time.After(time.Second):
		t.Fatal("no BlockCommitted event")
	}
}

func TestJournalOrder(t *testing.T) {
	e := newTestEnv(t, nil)
	ch := make(chan JournalEntry, 8)
	sub := e.ledger.SubscribeJournal(ch)
	defer sub.Unsubscribe()

	e.sponsorUSDC()
	d := e.deposit(user1, 3, HexToCommitment("0x03"))
	_, err := e.submit(mintTx(d))
	require.NoError(t, err)
	_, err = e.submit(mintTx(d))
	require.ErrorIs(t, err, ErrUnknownDeposit)

	var kinds []string
	for len(ch) > 0 {
		entry := <-ch
		kinds = append(kinds, entry.Kind)
		switch entry.Kind {
		case JournalAssetSponsored:
			require.Equal(t, AssetCode("USDC"), entry.Asset.Code)
		case JournalDepositMade:
			require.Equal(t, d.ID, entry.Deposit.ID)
		case JournalBlockCommitted:
			require.Equal(t, uint64(1), entry.Block.Height)
		}
	}
	require.Equal(t, []string{JournalAssetSponsored, JournalDepositMade, JournalBlockCommitted}, kinds,
		"rejected blocks never reach the journal")
}

// refusingTokens is a token ledger whose transfers to one address fail.
type refusingTokens struct {
	*erc20.Ledger
	refuse common.Address
}

func (r *refusingTokens) Transfer(token, from, to common.Address, amount *uint256.Int) error {
	if to == r.refuse {
		return errors.New("recipient rejects the transfer")
	}
	return r.Ledger.Transfer(token, from, to, amount)
}

func TestFailedReleaseUndoesEarlierPayouts(t *testing.T) {
	blocked := common.HexToAddress("0x0000000000000000000000000000000000003333")
	tokens := erc20.New()
	l, err := Open(nil, fakeVerifier{}, &refusingTokens{Ledger: tokens, refuse: blocked},
		WithTreeDepth(8), WithVaultAddress(vaultAddr))
	require.NoError(t, err)
	e := &testEnv{t: t, ctx: context.Background(), ledger: l, tokens: tokens}
	e.sponsorUSDC()
	_, err = e.submit(mintTx(e.deposit(user1, 100, HexToCommitment("0x01"))))
	require.NoError(t, err)

	before := e.ledger.Snapshot()
	_, err = e.submit(
		burnTx(HexToNullifier("0x01"), 30, user2),
		burnTx(HexToNullifier("0x02"), 40, blocked),
	)
	require.ErrorContains(t, err, "recipient rejects the transfer")
	require.False(t, IsFatal(err))

	require.Equal(t, before, e.ledger.Snapshot())
	require.True(t, tokens.BalanceOf(usdcToken, user2).IsZero(), "first payout reversed")
	require.Equal(t, uint64(100), tokens.BalanceOf(usdcToken, vaultAddr).Uint64())
	require.Equal(t, StatusIdle, e.ledger.Status())

	// The reverted nullifiers are still spendable.
	_, err = e.submit(burnTx(HexToNullifier("0x01"), 30, user2))
	require.NoError(t, err)
	require.Equal(t, uint64(30), tokens.BalanceOf(usdcToken, user2).Uint64())
}

func TestStoreFailureUndoesPayouts(t *testing.T) {
	e := newTestEnv(t, nil)
	e.sponsorUSDC()
	_, err := e.submit(mintTx(e.deposit(user1, 100, HexToCommitment("0x01"))))
	require.NoError(t, err)

	before := e.ledger.Snapshot()
	require.NoError(t, e.ledger.store.Close())

	_, err = e.submit(burnTx(HexToNullifier("0x01"), 30, user2))
	require.ErrorIs(t, err, ErrStorage)
	require.True(t, IsFatal(err))
	require.Equal(t, before, e.ledger.Snapshot())
	require.True(t, e.tokens.BalanceOf(usdcToken, user2).IsZero())
	require.Equal(t, uint64(100), e.tokens.BalanceOf(usdcToken, vaultAddr).Uint64())
	require.False(t, e.ledger.Contains(HexToNullifier("0x01")))
}

func TestBusyLedger(t *testing.T) {
	e := newTestEnv(t, nil, WithExclusiveSubmit(true))
	require.True(t, e.ledger.sem.TryAcquire(1))
	_, err := e.submit(transferTx([]Nullifier{HexToNullifier("0x01")}, []Commitment{HexToCommitment("0x01")}))
	require.ErrorIs(t, err, ErrLedgerBusy)
	e.ledger.sem.Release(1)

	w := newTestEnv(t, nil)
	require.True(t, w.ledger.sem.TryAcquire(1))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = w.ledger.SubmitBlock(ctx, &Block{Anchor: w.ledger.Root()})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	w.ledger.sem.Release(1)
}

func TestLedgerSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(dir)
	require.NoError(t, err)
	e := newTestEnv(t, store)
	e.sponsorUSDC()
	_, err = e.submit(mintTx(e.deposit(user1, 100, HexToCommitment("0x01"))))
	require.NoError(t, err)
	_, err = e.submit(
		transferTx([]Nullifier{HexToNullifier("0x01")}, []Commitment{HexToCommitment("0x02"), HexToCommitment("0x03")}),
		burnTx(HexToNullifier("0x02"), 25, user2),
	)
	require.NoError(t, err)
	e.deposit(user1, 7, HexToCommitment("0x07"))

	before := e.ledger.Snapshot()
	require.NoError(t, e.ledger.Close())

	store, err = OpenStore(dir)
	require.NoError(t, err)
	reopened, err := Open(store, fakeVerifier{}, e.tokens, WithTreeDepth(8), WithVaultAddress(vaultAddr))
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, before, reopened.Snapshot())

	// The next deposit id continues after the persisted ones.
	d, err := reopened.Deposit(e.ctx, "USDC", uint256.NewInt(1), user1, HexToCommitment("0x11"))
	require.Error(t, err, "user1 has no allowance left")
	require.NoError(t, e.tokens.Mint(usdcToken, user1, uint256.NewInt(1)))
	require.NoError(t, e.tokens.Approve(usdcToken, user1, vaultAddr, uint256.NewInt(1)))
	d, err = reopened.Deposit(e.ctx, "USDC", uint256.NewInt(1), user1, HexToCommitment("0x11"))
	require.NoError(t, err)
	require.Equal(t, before.Pending[0].ID+1, d.ID)
}

func TestEscrowSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	open := func() (*Ledger, *erc20.Ledger) {
		store, err := OpenStore(filepath.Join(dir, "ledger"))
		require.NoError(t, err)
		tokens, err := erc20.Open(filepath.Join(dir, "tokens"))
		require.NoError(t, err)
		l, err := Open(store, fakeVerifier{}, tokens, WithTreeDepth(8), WithVaultAddress(vaultAddr))
		require.NoError(t, err)
		return l, tokens
	}

	l, tokens := open()
	e := &testEnv{t: t, ctx: context.Background(), ledger: l, tokens: tokens}
	e.sponsorUSDC()
	_, err := e.submit(mintTx(e.deposit(user1, 100, HexToCommitment("0x01"))))
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, tokens.Close())

	l, tokens = open()
	defer l.Close()
	defer tokens.Close()
	require.Equal(t, uint64(100), tokens.BalanceOf(usdcToken, vaultAddr).Uint64())
	require.Equal(t, uint64(100), l.Balance("USDC").Uint64())

	_, err = l.SubmitBlock(context.Background(), &Block{
		Anchor:       l.Root(),
		Transactions: []Transaction{burnTx(HexToNullifier("0x01"), 70, user2)},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(70), tokens.BalanceOf(usdcToken, user2).Uint64())
	require.Equal(t, uint64(30), tokens.BalanceOf(usdcToken, vaultAddr).Uint64())
}

func TestOpenDetectsCorruptRoot(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenStore(dir)
	require.NoError(t, err)
	e := newTestEnv(t, store)
	_, err = e.submit(transferTx([]Nullifier{HexToNullifier("0x01")}, []Commitment{HexToCommitment("0x01")}))
	require.NoError(t, err)

	bogus := HexToRoot("0x1234")
	require.NoError(t, store.db.Put(keyRoot, bogus[:], nil))
	require.NoError(t, e.ledger.Close())

	store, err = OpenStore(dir)
	require.NoError(t, err)
	defer store.Close()
	_, err = Open(store, fakeVerifier{}, erc20.New(), WithTreeDepth(8))
	require.ErrorIs(t, err, ErrCorruptState)
	require.True(t, IsFatal(err))
}
