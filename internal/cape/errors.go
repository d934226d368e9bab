package cape

import (
	"errors"
	"fmt"
)

// Rejection reasons. Every one of them leaves the ledger untouched.
var (
	ErrAlreadySponsored          = errors.New("asset type already sponsored")
	ErrUnknownAssetType          = errors.New("unknown asset type")
	ErrStaleAnchorRoot           = errors.New("stale anchor root")
	ErrInvalidProof              = errors.New("invalid proof")
	ErrDoubleSpentNullifier      = errors.New("nullifier already spent")
	ErrInsufficientEscrowBalance = errors.New("insufficient escrow balance")
	ErrTreeCapacityExceeded      = errors.New("record commitment tree is full")
	ErrMalformedBlock            = errors.New("malformed block")
	ErrUnknownDeposit            = errors.New("unknown or consumed deposit")
	ErrDepositMismatch           = errors.New("deposit does not match mint")
	ErrInvalidAmount             = errors.New("amount must be positive")
	ErrNonCanonical              = errors.New("value is not a canonical field element")
	ErrLedgerBusy                = errors.New("ledger is processing another block")
)

// Fatal conditions. The process should stop using the ledger after seeing one.
var (
	ErrCorruptState = errors.New("corrupt ledger state")
	ErrStorage      = errors.New("ledger storage failure")
)

// TxError attributes a rejection to one transaction of a block.
type TxError struct {
	Index int
	Kind  TxKind
	Err   error
}

func (e *TxError) Error() string {
	return fmt.Sprintf("tx %d (%s): %v", e.Index, e.Kind, e.Err)
}

func (e *TxError) Unwrap() error { return e.Err }

// SpentError reports the first offending entry of a nullifier batch.
type SpentError struct {
	Index     int
	Nullifier Nullifier
}

func (e *SpentError) Error() string {
	return fmt.Sprintf("nullifier %s at index %d: %v", e.Nullifier, e.Index, ErrDoubleSpentNullifier)
}

func (e *SpentError) Unwrap() error { return ErrDoubleSpentNullifier }

// IsFatal reports whether err signals a storage-level failure rather than a rejection.
func IsFatal(err error) bool {
	return errors.Is(err, ErrCorruptState) || errors.Is(err, ErrStorage)
}

var reasonCodes = []struct {
	err  error
	code string
}{
	{ErrCorruptState, "corrupt_state"},
	{ErrStorage, "storage"},
	{ErrLedgerBusy, "busy"},
	{ErrStaleAnchorRoot, "stale_anchor_root"},
	{ErrInvalidProof, "invalid_proof"},
	{ErrDoubleSpentNullifier, "double_spent_nullifier"},
	{ErrInsufficientEscrowBalance, "insufficient_escrow_balance"},
	{ErrTreeCapacityExceeded, "tree_capacity_exceeded"},
	{ErrUnknownDeposit, "unknown_deposit"},
	{ErrDepositMismatch, "deposit_mismatch"},
	{ErrUnknownAssetType, "unknown_asset_type"},
	{ErrAlreadySponsored, "already_sponsored"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrMalformedBlock, "malformed_block"},
	{ErrNonCanonical, "non_canonical"},
}

// ReasonCode returns a stable identifier for the sentinel err wraps, or "internal".
func ReasonCode(err error) string {
	for _, rc := range reasonCodes {
		if errors.Is(err, rc.err) {
			return rc.code
		}
	}
	return "internal"
}
