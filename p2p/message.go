package p2p

import (
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"capeledger/internal/cape"
)

// Message is the envelope for everything sent between nodes.
type Message struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"senderId"`
}

// Replication message types. They mirror the ledger journal kinds.
const (
	MsgAssetSponsored = cape.JournalAssetSponsored
	MsgDepositMade    = cape.JournalDepositMade
	MsgBlockCommitted = cape.JournalBlockCommitted
)

type AssetSponsoredPayload struct {
	Asset cape.AssetType `json:"asset"`
}

type DepositMadePayload struct {
	Deposit cape.PendingDeposit `json:"deposit"`
}

// BlockCommittedPayload carries the block together with the state the leader reached
// after committing it, so followers can detect divergence.
type BlockCommittedPayload struct {
	Height          uint64      `json:"height"`
	Block           *cape.Block `json:"block"`
	Root            cape.Root   `json:"root"`
	StateCommitment common.Hash `json:"state_commitment"`
}

// journalMessage converts a ledger journal entry to its wire form.
func journalMessage(senderID string, e cape.JournalEntry) (Message, error) {
	var payload interface{}
	switch e.Kind {
	case cape.JournalAssetSponsored:
		payload = AssetSponsoredPayload{Asset: *e.Asset}
	case cape.JournalDepositMade:
		payload = DepositMadePayload{Deposit: *e.Deposit}
	case cape.JournalBlockCommitted:
		payload = BlockCommittedPayload{
			Height:          e.Block.Height,
			Block:           e.Block.Block,
			Root:            e.Block.Root,
			StateCommitment: e.Block.StateCommitment,
		}
	default:
		return Message{}, fmt.Errorf("unknown journal entry kind %q", e.Kind)
	}
	return newMessage(senderID, e.Kind, payload)
}

func newMessage(senderID, messageType string, payload interface{}) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return Message{Type: messageType, Payload: raw, SenderID: senderID}, nil
}
