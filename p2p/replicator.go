package p2p

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"capeledger/internal/cape"
	"capeledger/internal/erc20"
)

// ErrDiverged means a follower's ledger no longer matches the leader's.
var ErrDiverged = errors.New("follower diverged from leader")

const (
	peerQueueSize = 1024
	maxBackoff    = 5 * time.Second
)

// Replicator ships the leader's ledger journal to followers and replays it on them.
// Followers re-validate every block through their own ledger.
type Replicator struct {
	node      *Node
	ledger    *cape.Ledger
	tokens    *erc20.Ledger
	log       zerolog.Logger
	queueSize int

	mu       sync.Mutex // serializes replay on followers
	diverged error

	lagMu   sync.Mutex
	lagging map[string]struct{}
}

// NewReplicator binds node to ledger. tokens is the follower's local token mirror and
// may be nil on a leader.
func NewReplicator(node *Node, ledger *cape.Ledger, tokens *erc20.Ledger, log zerolog.Logger) *Replicator {
	return &Replicator{
		node:      node,
		ledger:    ledger,
		tokens:    tokens,
		log:       log.With().Str("component", "replicator").Logger(),
		queueSize: peerQueueSize,
		lagging:   make(map[string]struct{}),
	}
}

// Lead streams every journal entry to every peer until ctx ends. Each peer has its own
// ordered queue; a failed delivery is retried before the next entry is sent. A peer
// whose queue overflows is marked lagging and gets nothing further, so the ledger never
// waits on a slow follower. Lead subscribes before returning, so mutations made after
// it returns are never missed. The returned channel closes once streaming stopped.
func (r *Replicator) Lead(ctx context.Context) <-chan struct{} {
	queues := make(map[string]chan Message)
	var wg sync.WaitGroup
	for _, id := range r.node.PeerIDs() {
		q := make(chan Message, r.queueSize)
		queues[id] = q
		wg.Add(1)
		go func(peer string) {
			defer wg.Done()
			r.deliver(ctx, peer, q)
		}(id)
	}

	entries := make(chan cape.JournalEntry, r.queueSize)
	sub := r.ledger.SubscribeJournal(entries)
	done := make(chan struct{})
	r.log.Info().Int("peers", len(queues)).Msg("leading replication")

	go func() {
		defer close(done)
		defer func() {
			sub.Unsubscribe()
			for _, q := range queues {
				close(q)
			}
			wg.Wait()
		}()
		for {
			select {
			case e := <-entries:
				msg, err := journalMessage(r.node.ID, e)
				if err != nil {
					r.log.Error().Err(err).Msg("cannot encode journal entry")
					continue
				}
				for peer, q := range queues {
					select {
					case q <- msg:
					default:
						r.markLagging(peer)
						close(q)
						delete(queues, peer)
					}
				}
			case err := <-sub.Err():
				if err != nil {
					r.log.Error().Err(err).Msg("journal subscription failed")
				}
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return done
}

func (r *Replicator) markLagging(peer string) {
	r.lagMu.Lock()
	r.lagging[peer] = struct{}{}
	r.lagMu.Unlock()
	r.log.Error().Str("peer", peer).Int("queue", r.queueSize).Msg("peer fell behind, replication to it stopped")
}

// Lagging lists the peers dropped from the stream because their queue overflowed.
func (r *Replicator) Lagging() []string {
	r.lagMu.Lock()
	defer r.lagMu.Unlock()
	peers := make([]string, 0, len(r.lagging))
	for p := range r.lagging {
		peers = append(peers, p)
	}
	sort.Strings(peers)
	return peers
}

func (r *Replicator) deliver(ctx context.Context, peer string, queue <-chan Message) {
	for msg := range queue {
		if ctx.Err() != nil {
			return
		}
		r.deliverOne(ctx, peer, msg)
	}
}

func (r *Replicator) deliverOne(ctx context.Context, peer string, msg Message) {
	backoff := 100 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := r.node.send(ctx, peer, msg)
		if err == nil {
			return
		}
		var perr *PeerError
		if errors.As(err, &perr) && !perr.Temporary() {
			r.log.Error().Err(err).Str("peer", peer).Str("type", msg.Type).Msg("peer refused journal entry")
			return
		}
		r.log.Warn().Err(err).Str("peer", peer).Int("attempt", attempt).Msg("delivery failed, retrying")
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = min(2*backoff, maxBackoff)
	}
}

// Follow registers the replay handlers on the node.
func (r *Replicator) Follow() {
	r.node.RegisterHandler(MsgAssetSponsored, r.handleAssetSponsored)
	r.node.RegisterHandler(MsgDepositMade, r.handleDepositMade)
	r.node.RegisterHandler(MsgBlockCommitted, r.handleBlockCommitted)
}

// Diverged returns the divergence that stopped replay, or nil.
func (r *Replicator) Diverged() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.diverged
}

// replay runs fn under the follower lock unless replay already stopped.
func (r *Replicator) replay(fn func(ctx context.Context) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.diverged != nil {
		return r.diverged
	}
	err := fn(context.Background())
	if errors.Is(err, ErrDiverged) {
		r.diverged = err
		r.log.Error().Err(err).Msg("replication stopped")
	}
	if errors.Is(err, cape.ErrLedgerBusy) {
		return &RetryableError{Err: err}
	}
	return err
}

func (r *Replicator) handleAssetSponsored(_ *Node, msg Message) error {
	var p AssetSponsoredPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("decode %s: %w", msg.Type, err)
	}
	return r.replay(func(ctx context.Context) error {
		if existing, err := r.ledger.Lookup(p.Asset.Code); err == nil {
			if existing.Token != p.Asset.Token {
				return fmt.Errorf("%w: asset %s bound to %s locally, %s on leader",
					ErrDiverged, p.Asset.Code, existing.Token.Hex(), p.Asset.Token.Hex())
			}
			return nil
		}
		_, err := r.ledger.Sponsor(ctx, p.Asset.Code, p.Asset.Token, p.Asset.Policy)
		return err
	})
}

// handleDepositMade mirrors the depositor's tokens locally, then escrows them. Deposit
// identifiers are sequential, so the local one must equal the leader's.
func (r *Replicator) handleDepositMade(_ *Node, msg Message) error {
	var p DepositMadePayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("decode %s: %w", msg.Type, err)
	}
	d := p.Deposit
	return r.replay(func(ctx context.Context) error {
		next := r.ledger.NextDepositID()
		switch {
		case d.ID < next:
			return nil
		case d.ID > next:
			return fmt.Errorf("%w: deposit %d arrived, expected %d", ErrDiverged, d.ID, next)
		}
		if r.tokens == nil {
			return errors.New("follower has no token ledger")
		}
		asset, err := r.ledger.Lookup(d.Code)
		if err != nil {
			return err
		}
		vault := r.ledger.VaultAddress()
		if err := r.tokens.Mint(asset.Token, d.Depositor, d.Amount); err != nil {
			return fmt.Errorf("mirror deposit %d: %w", d.ID, err)
		}
		allowance := new(uint256.Int).Add(r.tokens.Allowance(asset.Token, d.Depositor, vault), d.Amount)
		if err := r.tokens.Approve(asset.Token, d.Depositor, vault, allowance); err != nil {
			return fmt.Errorf("mirror deposit %d: %w", d.ID, err)
		}
		local, err := r.ledger.Deposit(ctx, d.Code, d.Amount, d.Depositor, d.Commitment)
		if err != nil {
			return err
		}
		if local.ID != d.ID {
			return fmt.Errorf("%w: deposit %d recorded as %d", ErrDiverged, d.ID, local.ID)
		}
		return nil
	})
}

func (r *Replicator) handleBlockCommitted(_ *Node, msg Message) error {
	var p BlockCommittedPayload
	if err := json.Unmarshal(msg.Payload, &p); err != nil {
		return fmt.Errorf("decode %s: %w", msg.Type, err)
	}
	if p.Block == nil {
		return fmt.Errorf("%s without block", msg.Type)
	}
	return r.replay(func(ctx context.Context) error {
		height := r.ledger.Height()
		switch {
		case p.Height <= height:
			return nil
		case p.Height > height+1:
			return fmt.Errorf("%w: block %d arrived at height %d", ErrDiverged, p.Height, height)
		}
		res, err := r.ledger.SubmitBlock(ctx, p.Block)
		if err != nil {
			if errors.Is(err, cape.ErrLedgerBusy) {
				return err
			}
			return fmt.Errorf("%w: block %d rejected locally: %v", ErrDiverged, p.Height, err)
		}
		if res.Root != p.Root || res.StateCommitment != p.StateCommitment {
			return fmt.Errorf("%w: block %d reached root %s, leader has %s",
				ErrDiverged, p.Height, res.Root.Hex(), p.Root.Hex())
		}
		r.log.Info().Uint64("height", res.Height).Str("root", res.Root.Hex()).Msg("replicated block")
		return nil
	})
}
