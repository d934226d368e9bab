package cape

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// AssetCode identifies a sponsored asset type (e.g. "USDC").
type AssetCode string

// Commitment is an opaque record commitment stored as a tree leaf.
type Commitment [32]byte

// Nullifier marks a record as spent.
type Nullifier [32]byte

// Root is a commitment tree root (also used for interior tree nodes).
type Root [32]byte

func (c Commitment) Hex() string    { return hexutil.Encode(c[:]) }
func (c Commitment) String() string { return c.Hex() }

func (c Commitment) MarshalText() ([]byte, error) { return hexutil.Bytes(c[:]).MarshalText() }

func (c *Commitment) UnmarshalText(input []byte) error {
	return hexutil.UnmarshalFixedText("Commitment", input, c[:])
}

func (n Nullifier) Hex() string    { return hexutil.Encode(n[:]) }
func (n Nullifier) String() string { return n.Hex() }

func (n Nullifier) MarshalText() ([]byte, error) { return hexutil.Bytes(n[:]).MarshalText() }

func (n *Nullifier) UnmarshalText(input []byte) error {
	return hexutil.UnmarshalFixedText("Nullifier", input, n[:])
}

func (r Root) Hex() string    { return hexutil.Encode(r[:]) }
func (r Root) String() string { return r.Hex() }

func (r Root) MarshalText() ([]byte, error) { return hexutil.Bytes(r[:]).MarshalText() }

func (r *Root) UnmarshalText(input []byte) error {
	return hexutil.UnmarshalFixedText("Root", input, r[:])
}

// HexToCommitment left-pads the decoded hex string into a Commitment.
func HexToCommitment(s string) Commitment {
	return Commitment(common.BytesToHash(common.FromHex(s)))
}

// HexToNullifier left-pads the decoded hex string into a Nullifier.
func HexToNullifier(s string) Nullifier {
	return Nullifier(common.BytesToHash(common.FromHex(s)))
}

// HexToRoot left-pads the decoded hex string into a Root.
func HexToRoot(s string) Root {
	return Root(common.BytesToHash(common.FromHex(s)))
}

// AssetType is a sponsored asset. Entries are immutable once registered.
type AssetType struct {
	Code        AssetCode      `json:"code"`
	Token       common.Address `json:"token"`
	Policy      hexutil.Bytes  `json:"policy"`
	SponsoredAt uint64         `json:"sponsored_at"`
}

// PendingDeposit describes tokens already moved into escrow that a Mint has not consumed yet.
type PendingDeposit struct {
	ID        uint64         `json:"id"`
	Code      AssetCode      `json:"code"`
	Amount    *uint256.Int   `json:"amount"`
	Depositor common.Address `json:"depositor"`
	// Commitment is the record the deposit pays for. Only a Mint creating it can consume
	// the deposit.
	Commitment Commitment `json:"commitment"`
	Height     uint64     `json:"height"`
}

// Status is the block-processing state of the ledger.
type Status int32

const (
	StatusIdle Status = iota
	StatusValidating
	StatusCommitted
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusValidating:
		return "validating"
	case StatusCommitted:
		return "committed"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(input []byte) error {
	for _, st := range []Status{StatusIdle, StatusValidating, StatusCommitted, StatusRejected} {
		if st.String() == string(input) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", input)
}
