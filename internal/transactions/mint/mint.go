// Package mint builds and checks the proofs that turn an escrowed deposit into a
// shielded record.
package mint

import (
	"errors"
	"math/big"

	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"

	"capeledger/internal/cape"
	"capeledger/internal/transactions/zk"
)

// NewCircuit returns the circuit definition to compile.
func NewCircuit() *CircuitMint {
	return &CircuitMint{}
}

// BuildMintWitness constructs the full assignment for CircuitMint.
func BuildMintWitness(rec cape.RecordOpening) *CircuitMint {
	cm := rec.Commitment()
	return &CircuitMint{
		AssetCode:  cape.AssetField(rec.Code),
		Amount:     cape.AmountField(rec.Amount),
		Commitment: new(big.Int).SetBytes(cm[:]),
		OwnerPk:    cape.FieldElement(rec.OwnerPk),
		Blinding:   cape.FieldElement(rec.Blinding),
	}
}

// publicWitness is the assignment the verifier rebuilds from the transaction.
func publicWitness(tx *cape.MintTx) *CircuitMint {
	return &CircuitMint{
		AssetCode:  cape.AssetField(tx.Code),
		Amount:     cape.AmountField(tx.Amount),
		Commitment: new(big.Int).SetBytes(tx.Commitment[:]),
	}
}

// Mint proves rec and returns the transaction consuming deposit.
func Mint(deposit cape.PendingDeposit, rec cape.RecordOpening, ccs constraint.ConstraintSystem, pk groth16.ProvingKey) (*cape.MintTx, error) {
	if rec.Code != deposit.Code || rec.Amount == nil || !rec.Amount.Eq(deposit.Amount) {
		return nil, errors.New("record does not match deposit")
	}
	if rec.Commitment() != deposit.Commitment {
		return nil, errors.New("deposit was made for a different record")
	}
	proof, err := zk.Prove(ccs, pk, BuildMintWitness(rec))
	if err != nil {
		return nil, err
	}
	return &cape.MintTx{
		DepositID:  deposit.ID,
		Code:       rec.Code,
		Amount:     rec.Amount,
		Commitment: rec.Commitment(),
		Proof:      proof,
	}, nil
}

// VerifyMint verifies a mint transaction and its proof.
func VerifyMint(tx *cape.MintTx, vk groth16.VerifyingKey) error {
	return zk.Verify(vk, tx.Proof, publicWitness(tx))
}

var _ frontend.Circuit = (*CircuitMint)(nil)
