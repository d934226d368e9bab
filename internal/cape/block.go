package cape

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"
)

// TxKind tags the transaction variant.
type TxKind uint8

const (
	TxMint TxKind = iota + 1
	TxTransfer
	TxBurn
)

func (k TxKind) String() string {
	switch k {
	case TxMint:
		return "mint"
	case TxTransfer:
		return "transfer"
	case TxBurn:
		return "burn"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// MintTx wraps a pending deposit into a shielded record.
type MintTx struct {
	DepositID  uint64        `json:"deposit_id"`
	Code       AssetCode     `json:"code"`
	Amount     *uint256.Int  `json:"amount"`
	Commitment Commitment    `json:"commitment"`
	Proof      hexutil.Bytes `json:"proof"`
}

// TransferTx spends records and creates new ones without revealing amounts.
type TransferTx struct {
	Nullifiers  []Nullifier   `json:"nullifiers"`
	Commitments []Commitment  `json:"commitments"`
	Proof       hexutil.Bytes `json:"proof"`
}

// BurnTx spends one record and releases its value to an external address.
type BurnTx struct {
	Nullifier Nullifier      `json:"nullifier"`
	Code      AssetCode      `json:"code"`
	Amount    *uint256.Int   `json:"amount"`
	Recipient common.Address `json:"recipient"`
	Proof     hexutil.Bytes  `json:"proof"`
}

// Transaction is a closed union: Kind selects exactly one non-nil variant.
type Transaction struct {
	Kind     TxKind      `json:"kind"`
	Mint     *MintTx     `json:"mint,omitempty"`
	Transfer *TransferTx `json:"transfer,omitempty"`
	Burn     *BurnTx     `json:"burn,omitempty"`
}

func NewMintTransaction(tx *MintTx) Transaction {
	return Transaction{Kind: TxMint, Mint: tx}
}

func NewTransferTransaction(tx *TransferTx) Transaction {
	return Transaction{Kind: TxTransfer, Transfer: tx}
}

func NewBurnTransaction(tx *BurnTx) Transaction {
	return Transaction{Kind: TxBurn, Burn: tx}
}

// checkShape verifies the tag matches exactly one populated variant and that every
// nullifier and commitment is a canonical field element.
func (tx *Transaction) checkShape() error {
	set := 0
	if tx.Mint != nil {
		set++
	}
	if tx.Transfer != nil {
		set++
	}
	if tx.Burn != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: transaction carries %d variants", ErrMalformedBlock, set)
	}
	switch tx.Kind {
	case TxMint:
		if tx.Mint == nil {
			return fmt.Errorf("%w: mint tag without mint body", ErrMalformedBlock)
		}
		if !canonical(tx.Mint.Commitment) {
			return fmt.Errorf("%w: %w: mint commitment", ErrMalformedBlock, ErrNonCanonical)
		}
	case TxTransfer:
		if tx.Transfer == nil {
			return fmt.Errorf("%w: transfer tag without transfer body", ErrMalformedBlock)
		}
		if len(tx.Transfer.Nullifiers) == 0 || len(tx.Transfer.Commitments) == 0 {
			return fmt.Errorf("%w: transfer needs inputs and outputs", ErrMalformedBlock)
		}
		for i, nf := range tx.Transfer.Nullifiers {
			if !canonical(nf) {
				return fmt.Errorf("%w: %w: nullifier %d", ErrMalformedBlock, ErrNonCanonical, i)
			}
		}
		for i, cm := range tx.Transfer.Commitments {
			if !canonical(cm) {
				return fmt.Errorf("%w: %w: commitment %d", ErrMalformedBlock, ErrNonCanonical, i)
			}
		}
	case TxBurn:
		if tx.Burn == nil {
			return fmt.Errorf("%w: burn tag without burn body", ErrMalformedBlock)
		}
		if !canonical(tx.Burn.Nullifier) {
			return fmt.Errorf("%w: %w: burn nullifier", ErrMalformedBlock, ErrNonCanonical)
		}
	default:
		return fmt.Errorf("%w: unknown transaction kind %d", ErrMalformedBlock, tx.Kind)
	}
	return nil
}

// Hash is Keccak256(kind || rlp(variant)).
func (tx *Transaction) Hash() common.Hash {
	var (
		enc []byte
		err error
	)
	switch tx.Kind {
	case TxMint:
		enc, err = rlp.EncodeToBytes(tx.Mint)
	case TxTransfer:
		enc, err = rlp.EncodeToBytes(tx.Transfer)
	case TxBurn:
		enc, err = rlp.EncodeToBytes(tx.Burn)
	}
	if err != nil {
		return common.Hash{}
	}
	return crypto.Keccak256Hash([]byte{byte(tx.Kind)}, enc)
}

// Block is an ordered batch of transactions proven against one anchor root.
type Block struct {
	Anchor       Root          `json:"anchor"`
	Transactions []Transaction `json:"transactions"`
}

// Hash commits to the ordered transaction hashes.
func (b *Block) Hash() common.Hash {
	hashes := make([][]byte, 0, len(b.Transactions))
	for i := range b.Transactions {
		h := b.Transactions[i].Hash()
		hashes = append(hashes, h[:])
	}
	return crypto.Keccak256Hash(hashes...)
}
