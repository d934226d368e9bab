// ledger.go - The shielded ledger state machine.
//
// Ledger owns the registry, commitment tree, spent set and vault. Blocks go through
// SubmitBlock, which validates the whole block against one anchor root on a staged view
// and then commits it in a single step:
//
//	Idle -> Validating -> {Committed, Rejected} -> Idle
//
// Submissions are serialized by a weight-1 semaphore. Queries take the read lock and see
// either the state before a block or the state after it, never a mix.

package cape

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const DefaultTreeDepth = 24

// ProofVerifier checks transaction proofs against the block's anchor root.
// Implementations must be safe for concurrent use.
type ProofVerifier interface {
	VerifyMint(anchor Root, tx *MintTx) error
	VerifyTransfer(anchor Root, tx *TransferTx) error
	VerifyBurn(anchor Root, tx *BurnTx) error
}

// Observer receives block outcomes, e.g. for metrics.
type Observer interface {
	BlockCommitted(txs int, elapsed time.Duration)
	BlockRejected(reason error, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) BlockCommitted(int, time.Duration)  {}
func (nopObserver) BlockRejected(error, time.Duration) {}

type options struct {
	log       zerolog.Logger
	workers   int
	exclusive bool
	observer  Observer
	depth     int
	vault     common.Address
}

// Option configures Open.
type Option func(*options)

func WithLogger(log zerolog.Logger) Option { return func(o *options) { o.log = log } }

// WithWorkers bounds the number of proofs verified in parallel.
func WithWorkers(n int) Option { return func(o *options) { o.workers = n } }

// WithExclusiveSubmit makes SubmitBlock fail with ErrLedgerBusy instead of waiting.
func WithExclusiveSubmit(exclusive bool) Option { return func(o *options) { o.exclusive = exclusive } }

func WithObserver(obs Observer) Option { return func(o *options) { o.observer = obs } }

// WithTreeDepth sets the depth of a fresh tree. An existing store keeps its own depth.
func WithTreeDepth(depth int) Option { return func(o *options) { o.depth = depth } }

// WithVaultAddress sets the escrow account on the token ledger.
func WithVaultAddress(addr common.Address) Option { return func(o *options) { o.vault = addr } }

// BlockResult describes a committed block.
type BlockResult struct {
	Status          Status      `json:"status"`
	Root            Root        `json:"root"`
	Height          uint64      `json:"height"`
	StateCommitment common.Hash `json:"state_commitment"`
	BlockHash       common.Hash `json:"block_hash"`
	UIDs            []uint64    `json:"uids"`
	Events          []TxEvent   `json:"events"`
}

// Ledger is the single mutable ledger state.
type Ledger struct {
	sem *semaphore.Weighted

	// mu guards the fields below it. Writers also hold sem, so code running under
	// sem may read them without mu.
	mu              sync.RWMutex
	registry        *Registry
	tree            *Tree
	spent           *SpentSet
	vault           *Vault
	height          uint64
	stateCommitment common.Hash

	status   atomic.Int32
	store    *Store
	verifier ProofVerifier
	feed     event.Feed
	journal  event.Feed
	log      zerolog.Logger
	opts     options
}

// Open restores the ledger from store, or initializes it if the store is empty.
// A nil store uses in-memory storage.
func Open(store *Store, verifier ProofVerifier, tokens TokenLedger, opts ...Option) (*Ledger, error) {
	o := options{
		log:      zerolog.Nop(),
		workers:  4,
		observer: nopObserver{},
		depth:    DefaultTreeDepth,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.workers < 1 {
		o.workers = 1
	}
	if verifier == nil {
		return nil, errors.New("ledger needs a proof verifier")
	}
	if tokens == nil {
		return nil, errors.New("ledger needs a token ledger")
	}
	if store == nil {
		var err error
		if store, err = OpenStore(""); err != nil {
			return nil, err
		}
	}

	st, err := store.load()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}

	l := &Ledger{
		sem:      semaphore.NewWeighted(1),
		registry: NewRegistry(),
		spent:    NewSpentSet(),
		vault:    NewVault(o.vault, tokens),
		store:    store,
		verifier: verifier,
		log:      o.log.With().Str("component", "ledger").Logger(),
		opts:     o,
	}

	if st.fresh {
		if l.tree, err = NewTree(o.depth); err != nil {
			return nil, err
		}
		l.stateCommitment = genesisCommitment(0, 0)
		if err := store.writeGenesis(o.depth, l.tree.Root(), l.stateCommitment); err != nil {
			return nil, fmt.Errorf("%w: write genesis: %v", ErrStorage, err)
		}
		l.log.Info().Int("depth", o.depth).Str("root", l.tree.Root().Hex()).Msg("initialized empty ledger")
		return l, nil
	}

	if st.depth != o.depth {
		l.log.Warn().Int("stored", st.depth).Int("requested", o.depth).Msg("using stored tree depth")
	}
	if l.tree, err = NewTree(st.depth); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if _, err := l.tree.AppendBatch(st.commitments); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptState, err)
	}
	if l.tree.Root() != st.root {
		return nil, fmt.Errorf("%w: rebuilt root %s, stored root %s", ErrCorruptState, l.tree.Root(), st.root)
	}
	for n, h := range st.nullifiers {
		l.spent.spent[n] = h
	}
	for _, a := range st.assets {
		l.registry.insert(a)
	}
	l.vault.applyCommitted(st.balances, nil)
	for _, d := range st.deposits {
		l.vault.recordDeposit(d)
	}
	if st.nextDeposit > l.vault.nextDeposit {
		l.vault.nextDeposit = st.nextDeposit
	}
	l.height = st.height
	l.stateCommitment = st.stateCommitment

	l.log.Info().
		Uint64("height", l.height).
		Uint64("records", l.tree.Size()).
		Int("nullifiers", l.spent.Len()).
		Str("root", l.tree.Root().Hex()).
		Msg("restored ledger")
	return l, nil
}

// Close closes the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}

func (l *Ledger) acquire(ctx context.Context, tryOnly bool) error {
	if tryOnly {
		if !l.sem.TryAcquire(1) {
			return ErrLedgerBusy
		}
		return nil
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("wait for ledger: %w", err)
	}
	return nil
}

// Sponsor registers a new asset type bound to an external token.
func (l *Ledger) Sponsor(ctx context.Context, code AssetCode, token common.Address, policy []byte) (AssetType, error) {
	if err := l.acquire(ctx, false); err != nil {
		return AssetType{}, err
	}
	defer l.sem.Release(1)

	asset, err := l.registry.sponsor(code, token, policy, l.height)
	if err != nil {
		return AssetType{}, err
	}
	if err := l.store.putAsset(asset); err != nil {
		return AssetType{}, fmt.Errorf("%w: persist asset %s: %v", ErrStorage, code, err)
	}
	l.mu.Lock()
	l.registry.insert(asset)
	l.mu.Unlock()
	l.journal.Send(JournalEntry{Kind: JournalAssetSponsored, Asset: &asset})

	l.log.Info().Str("code", string(code)).Str("token", token.Hex()).Msg("asset sponsored")
	return asset, nil
}

// Lookup returns the sponsored asset for code.
func (l *Ledger) Lookup(code AssetCode) (AssetType, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.registry.Lookup(code)
}

// Assets lists every sponsored asset.
func (l *Ledger) Assets() []AssetType {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.registry.All()
}

// Deposit escrows amount of code's token from depositor for the record commitment cm.
// The tokens move immediately; the escrow balance only grows when a Mint creating
// exactly cm from this deposit commits.
func (l *Ledger) Deposit(ctx context.Context, code AssetCode, amount *uint256.Int, depositor common.Address, cm Commitment) (PendingDeposit, error) {
	if !canonical(cm) {
		return PendingDeposit{}, fmt.Errorf("%w: deposit commitment %s", ErrNonCanonical, cm)
	}
	if err := l.acquire(ctx, false); err != nil {
		return PendingDeposit{}, err
	}
	defer l.sem.Release(1)

	asset, err := l.registry.Lookup(code)
	if err != nil {
		return PendingDeposit{}, err
	}
	d, err := l.vault.deposit(asset, amount, depositor, cm, l.height)
	if err != nil {
		return PendingDeposit{}, err
	}
	if err := l.store.putDeposit(d); err != nil {
		if rerr := l.vault.refund(asset, d); rerr != nil {
			l.log.Error().Err(rerr).Uint64("deposit", d.ID).Msg("refund after failed persist")
		}
		return PendingDeposit{}, fmt.Errorf("%w: persist deposit: %v", ErrStorage, err)
	}
	l.mu.Lock()
	l.vault.recordDeposit(d)
	l.mu.Unlock()
	l.journal.Send(JournalEntry{Kind: JournalDepositMade, Deposit: &d})

	l.log.Info().
		Uint64("id", d.ID).
		Str("code", string(code)).
		Str("amount", amount.Dec()).
		Str("depositor", depositor.Hex()).
		Msg("deposit escrowed")
	return d, nil
}

// scheduledRelease is an external payout executed at commit.
type scheduledRelease struct {
	asset     AssetType
	amount    *uint256.Int
	recipient common.Address
}

// stagedBlock is the scratch view of a validated block.
type stagedBlock struct {
	hash        common.Hash
	commitments []Commitment
	nullifiers  []Nullifier
	balances    map[AssetCode]*uint256.Int
	consumed    []uint64
	releases    []scheduledRelease
	events      []TxEvent
	uids        []uint64
	root        Root
}

// SubmitBlock validates b as one atomic batch against b.Anchor and commits it.
// A rejected block leaves the ledger exactly as it was; the returned error wraps one
// of the rejection sentinels, usually inside a *TxError naming the failing transaction.
func (l *Ledger) SubmitBlock(ctx context.Context, b *Block) (*BlockResult, error) {
	if err := l.acquire(ctx, l.opts.exclusive); err != nil {
		return nil, err
	}
	defer l.sem.Release(1)

	start := time.Now()
	l.status.Store(int32(StatusValidating))
	defer l.status.Store(int32(StatusIdle))

	staged, err := l.validate(ctx, b)
	if err == nil {
		var res *BlockResult
		if res, err = l.commit(b, staged); err == nil {
			l.status.Store(int32(StatusCommitted))
			l.opts.observer.BlockCommitted(len(b.Transactions), time.Since(start))
			return res, nil
		}
	}

	l.status.Store(int32(StatusRejected))
	l.opts.observer.BlockRejected(err, time.Since(start))
	if IsFatal(err) {
		l.log.Error().Err(err).Msg("block commit failed")
	} else {
		l.log.Warn().Err(err).Msg("block rejected")
	}
	return nil, err
}

func (l *Ledger) validate(ctx context.Context, b *Block) (*stagedBlock, error) {
	if b == nil || len(b.Transactions) == 0 {
		return nil, fmt.Errorf("%w: empty block", ErrMalformedBlock)
	}
	if current := l.tree.Root(); b.Anchor != current {
		return nil, fmt.Errorf("%w: block anchored at %s, current root %s", ErrStaleAnchorRoot, b.Anchor, current)
	}
	for i := range b.Transactions {
		tx := &b.Transactions[i]
		if err := tx.checkShape(); err != nil {
			return nil, &TxError{Index: i, Kind: tx.Kind, Err: err}
		}
	}

	proofErrs, err := l.verifyProofs(ctx, b)
	if err != nil {
		return nil, err
	}

	s := &stagedBlock{
		hash:     b.Hash(),
		balances: make(map[AssetCode]*uint256.Int),
	}
	seen := make(map[Nullifier]struct{})
	deposits := make(map[uint64]struct{})
	burned := make(map[AssetCode]*uint256.Int)
	nextUID := l.tree.Size()

	spend := func(n Nullifier, input int) error {
		if _, dup := seen[n]; dup || l.spent.Contains(n) {
			return &SpentError{Index: input, Nullifier: n}
		}
		seen[n] = struct{}{}
		s.nullifiers = append(s.nullifiers, n)
		return nil
	}
	balance := func(code AssetCode) *uint256.Int {
		if bal, ok := s.balances[code]; ok {
			return bal
		}
		bal := l.vault.Balance(code)
		s.balances[code] = bal
		return bal
	}
	appendOutput := func(c Commitment) uint64 {
		uid := nextUID
		nextUID++
		s.commitments = append(s.commitments, c)
		s.uids = append(s.uids, uid)
		return uid
	}

	for i := range b.Transactions {
		tx := &b.Transactions[i]
		ev := TxEvent{Index: i, Kind: tx.Kind, Hash: tx.Hash()}

		var terr error
		switch tx.Kind {
		case TxMint:
			m := tx.Mint
			terr = func() error {
				if _, err := l.registry.Lookup(m.Code); err != nil {
					return err
				}
				if m.Amount == nil || m.Amount.IsZero() {
					return ErrInvalidAmount
				}
				if _, dup := deposits[m.DepositID]; dup {
					return fmt.Errorf("%w: deposit %d referenced twice", ErrMalformedBlock, m.DepositID)
				}
				d, ok := l.vault.PendingDeposit(m.DepositID)
				if !ok {
					return fmt.Errorf("%w: %d", ErrUnknownDeposit, m.DepositID)
				}
				if d.Code != m.Code || !d.Amount.Eq(m.Amount) {
					return fmt.Errorf("%w: deposit %d holds %s %s, mint claims %s %s",
						ErrDepositMismatch, d.ID, d.Amount.Dec(), d.Code, m.Amount.Dec(), m.Code)
				}
				if d.Commitment != m.Commitment {
					return fmt.Errorf("%w: deposit %d was made for record %s, mint creates %s",
						ErrDepositMismatch, d.ID, d.Commitment, m.Commitment)
				}
				if proofErrs[i] != nil {
					return proofErrs[i]
				}
				deposits[m.DepositID] = struct{}{}
				s.consumed = append(s.consumed, m.DepositID)
				bal := balance(m.Code)
				bal.Add(bal, m.Amount)
				ev.Minted = &Minted{Code: m.Code, Amount: new(uint256.Int).Set(m.Amount), Commitment: m.Commitment, UID: appendOutput(m.Commitment)}
				return nil
			}()

		case TxTransfer:
			t := tx.Transfer
			terr = func() error {
				for j, n := range t.Nullifiers {
					if err := spend(n, j); err != nil {
						return err
					}
				}
				if proofErrs[i] != nil {
					return proofErrs[i]
				}
				ev.Transferred = &Transferred{Nullifiers: t.Nullifiers, Commitments: t.Commitments}
				for _, c := range t.Commitments {
					ev.Transferred.UIDs = append(ev.Transferred.UIDs, appendOutput(c))
				}
				return nil
			}()

		case TxBurn:
			bn := tx.Burn
			terr = func() error {
				asset, err := l.registry.Lookup(bn.Code)
				if err != nil {
					return err
				}
				if bn.Amount == nil || bn.Amount.IsZero() {
					return ErrInvalidAmount
				}
				if err := spend(bn.Nullifier, 0); err != nil {
					return err
				}
				if proofErrs[i] != nil {
					return proofErrs[i]
				}
				// Only escrow committed before this block can fund a burn.
				spent, ok := burned[bn.Code]
				if !ok {
					spent = new(uint256.Int)
					burned[bn.Code] = spent
				}
				available := l.vault.Balance(bn.Code)
				total, overflow := new(uint256.Int).AddOverflow(spent, bn.Amount)
				if overflow {
					return fmt.Errorf("%w: %s burns in block exceed 2^256", ErrInsufficientEscrowBalance, bn.Code)
				}
				if available.Lt(total) {
					return fmt.Errorf("%w: %s escrow %s, block burns %s",
						ErrInsufficientEscrowBalance, bn.Code, available.Dec(), total.Dec())
				}
				spent.Add(spent, bn.Amount)
				bal := balance(bn.Code)
				bal.Sub(bal, bn.Amount)
				s.releases = append(s.releases, scheduledRelease{
					asset:     asset,
					amount:    new(uint256.Int).Set(bn.Amount),
					recipient: bn.Recipient,
				})
				ev.Burned = &Burned{Nullifier: bn.Nullifier, Code: bn.Code, Amount: new(uint256.Int).Set(bn.Amount), Recipient: bn.Recipient}
				return nil
			}()
		}
		if terr != nil {
			return nil, &TxError{Index: i, Kind: tx.Kind, Err: terr}
		}
		s.events = append(s.events, ev)
	}

	root, err := l.tree.RootAfter(s.commitments)
	if err != nil {
		return nil, err
	}
	s.root = root
	return s, nil
}

// verifyProofs checks every proof against the block anchor using up to opts.workers
// goroutines. The returned slice holds one entry per transaction.
func (l *Ledger) verifyProofs(ctx context.Context, b *Block) ([]error, error) {
	errs := make([]error, len(b.Transactions))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.opts.workers)
	for i := range b.Transactions {
		tx := &b.Transactions[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			var err error
			switch tx.Kind {
			case TxMint:
				err = l.verifier.VerifyMint(b.Anchor, tx.Mint)
			case TxTransfer:
				err = l.verifier.VerifyTransfer(b.Anchor, tx.Transfer)
			case TxBurn:
				err = l.verifier.VerifyBurn(b.Anchor, tx.Burn)
			}
			if err != nil && !errors.Is(err, ErrInvalidProof) {
				err = fmt.Errorf("%w: %v", ErrInvalidProof, err)
			}
			errs[i] = err
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("proof verification aborted: %w", err)
	}
	return errs, nil
}

// commit executes the staged block. Payouts run first and are reversed if the durable
// write fails; memory is updated last, under the write lock.
func (l *Ledger) commit(b *Block, s *stagedBlock) (*BlockResult, error) {
	height := l.height + 1
	stateCommitment := chainCommitment(l.stateCommitment, s.hash)

	for i, r := range s.releases {
		if err := l.vault.release(r.asset, r.amount, r.recipient); err != nil {
			l.reverseReleases(s.releases[:i])
			return nil, fmt.Errorf("release %s %s to %s: %w", r.amount.Dec(), r.asset.Code, r.recipient.Hex(), err)
		}
	}

	w := &blockWrite{
		firstPosition:   l.tree.Size(),
		commitments:     s.commitments,
		nullifiers:      s.nullifiers,
		balances:        s.balances,
		consumed:        s.consumed,
		root:            s.root,
		height:          height,
		stateCommitment: stateCommitment,
	}
	if err := l.store.writeBlock(w); err != nil {
		l.reverseReleases(s.releases)
		return nil, fmt.Errorf("%w: write block %d: %v", ErrStorage, height, err)
	}

	l.mu.Lock()
	_, terr := l.tree.AppendBatch(s.commitments)
	nerr := l.spent.InsertBatch(s.nullifiers, height)
	l.vault.applyCommitted(s.balances, s.consumed)
	l.height = height
	l.stateCommitment = stateCommitment
	root := l.tree.Root()
	l.mu.Unlock()

	if terr != nil || nerr != nil || root != s.root {
		return nil, fmt.Errorf("%w: in-memory state diverged from block %d (tree: %v, nullifiers: %v)",
			ErrCorruptState, height, terr, nerr)
	}

	res := &BlockResult{
		Status:          StatusCommitted,
		Root:            root,
		Height:          height,
		StateCommitment: stateCommitment,
		BlockHash:       s.hash,
		UIDs:            s.uids,
		Events:          s.events,
	}
	ev := BlockCommitted{
		Height:          height,
		Root:            root,
		StateCommitment: stateCommitment,
		BlockHash:       s.hash,
		Block:           b,
		Events:          s.events,
	}
	l.feed.Send(ev)
	l.journal.Send(JournalEntry{Kind: JournalBlockCommitted, Block: &ev})
	l.log.Info().
		Uint64("height", height).
		Int("txs", len(b.Transactions)).
		Int("records", len(s.commitments)).
		Int("nullifiers", len(s.nullifiers)).
		Str("root", root.Hex()).
		Msg("block committed")
	return res, nil
}

// reverseReleases pulls already executed payouts back into escrow.
func (l *Ledger) reverseReleases(done []scheduledRelease) {
	for i := len(done) - 1; i >= 0; i-- {
		r := done[i]
		if err := l.vault.tokens.Transfer(r.asset.Token, r.recipient, l.vault.address, r.amount); err != nil {
			l.log.Error().Err(err).
				Str("code", string(r.asset.Code)).
				Str("recipient", r.recipient.Hex()).
				Msg("could not reverse escrow release")
		}
	}
}

// SubscribeEvents delivers a BlockCommitted for every committed block.
func (l *Ledger) SubscribeEvents(ch chan<- BlockCommitted) event.Subscription {
	return l.feed.Subscribe(ch)
}

// SubscribeJournal delivers every sponsorship, deposit and committed block in ledger
// order. The ledger waits for the subscriber, so ch should be buffered and drained.
func (l *Ledger) SubscribeJournal(ch chan<- JournalEntry) event.Subscription {
	return l.journal.Subscribe(ch)
}

// Status reports where block processing currently is.
func (l *Ledger) Status() Status {
	return Status(l.status.Load())
}

func (l *Ledger) Root() Root {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tree.Root()
}

// Height is the number of committed blocks.
func (l *Ledger) Height() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.height
}

func (l *Ledger) StateCommitment() common.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.stateCommitment
}

// NumRecords is the number of commitments in the tree, i.e. the next record UID.
func (l *Ledger) NumRecords() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tree.Size()
}

func (l *Ledger) TreeDepth() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tree.Depth()
}

// Balance returns the committed escrow balance of code.
func (l *Ledger) Balance(code AssetCode) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.vault.Balance(code)
}

// Contains reports whether n has been spent.
func (l *Ledger) Contains(n Nullifier) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.spent.Contains(n)
}

func (l *Ledger) NumNullifiers() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.spent.Len()
}

// SpentAt returns the height of the block that spent n.
func (l *Ledger) SpentAt(n Nullifier) (uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.spent.SpentAt(n)
}

// NextDepositID is the identifier the next deposit will receive.
func (l *Ledger) NextDepositID() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.vault.nextDeposit
}

func (l *Ledger) PendingDeposits() []PendingDeposit {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.vault.PendingDeposits()
}

// Path returns the authentication path of the record at position against the current root.
func (l *Ledger) Path(position uint64) (MerklePath, Commitment, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	leaf, err := l.tree.Leaf(position)
	if err != nil {
		return MerklePath{}, Commitment{}, err
	}
	path, err := l.tree.Path(position)
	return path, leaf, err
}

// VaultAddress is the escrow account on the token ledger.
func (l *Ledger) VaultAddress() common.Address {
	return l.vault.Address()
}

// Ping checks the backing store.
func (l *Ledger) Ping() error {
	return l.store.Ping()
}
