package cape

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Minted is emitted for each committed Mint.
type Minted struct {
	Code       AssetCode    `json:"code"`
	Amount     *uint256.Int `json:"amount"`
	Commitment Commitment   `json:"commitment"`
	UID        uint64       `json:"uid"`
}

// Transferred is emitted for each committed Transfer.
type Transferred struct {
	Nullifiers  []Nullifier  `json:"nullifiers"`
	Commitments []Commitment `json:"commitments"`
	UIDs        []uint64     `json:"uids"`
}

// Burned is emitted for each committed Burn.
type Burned struct {
	Nullifier Nullifier      `json:"nullifier"`
	Code      AssetCode      `json:"code"`
	Amount    *uint256.Int   `json:"amount"`
	Recipient common.Address `json:"recipient"`
}

// TxEvent carries exactly one of Minted, Transferred or Burned, matching Kind.
type TxEvent struct {
	Index       int          `json:"index"`
	Kind        TxKind       `json:"kind"`
	Hash        common.Hash  `json:"hash"`
	Minted      *Minted      `json:"minted,omitempty"`
	Transferred *Transferred `json:"transferred,omitempty"`
	Burned      *Burned      `json:"burned,omitempty"`
}

// BlockCommitted is published on the ledger feed after every committed block.
type BlockCommitted struct {
	Height          uint64      `json:"height"`
	Root            Root        `json:"root"`
	StateCommitment common.Hash `json:"state_commitment"`
	BlockHash       common.Hash `json:"block_hash"`
	Block           *Block      `json:"block"`
	Events          []TxEvent   `json:"events"`
}

// Journal entry kinds, one per ledger mutation.
const (
	JournalAssetSponsored = "asset_sponsored"
	JournalDepositMade    = "deposit_made"
	JournalBlockCommitted = "block_committed"
)

// JournalEntry is one ledger mutation. Entries are sent while the mutation still holds
// the ledger, so a single subscriber sees them in the order they were applied.
type JournalEntry struct {
	Kind    string          `json:"kind"`
	Asset   *AssetType      `json:"asset,omitempty"`
	Deposit *PendingDeposit `json:"deposit,omitempty"`
	Block   *BlockCommitted `json:"block,omitempty"`
}
