// note.go - Record openings for the shielded ledger.
//
// A RecordOpening is the secret side of a record commitment: asset, amount, owner key
// and blinding. The ledger only ever sees the commitment; wallets and provers keep the opening.

package cape

import "github.com/holiman/uint256"

// RecordOpening holds everything needed to recompute a record commitment.
type RecordOpening struct {
	Code     AssetCode    `json:"code"`
	Amount   *uint256.Int `json:"amount"`
	OwnerPk  []byte       `json:"owner_pk"`
	Blinding []byte       `json:"blinding"`
}

// NewRecord creates a record for the owner of sk with fresh blinding.
func NewRecord(code AssetCode, amount *uint256.Int, sk []byte) RecordOpening {
	return RecordOpening{
		Code:     code,
		Amount:   amount,
		OwnerPk:  OwnerPublicKey(sk),
		Blinding: RandomFieldBytes(),
	}
}

// Commitment returns the record commitment for this opening.
func (r RecordOpening) Commitment() Commitment {
	return RecordCommitment(r.Code, r.Amount, r.OwnerPk, r.Blinding)
}

// NewSpendingKey returns a random record spending key.
func NewSpendingKey() []byte {
	return RandomFieldBytes()
}
