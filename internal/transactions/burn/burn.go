// Package burn builds and checks the proofs that unwrap a shielded record back into
// external tokens.
package burn

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/ethereum/go-ethereum/common"

	"capeledger/internal/cape"
	"capeledger/internal/transactions/zk"
)

// NewCircuit allocates the circuit for a tree of the given depth.
func NewCircuit(depth int) *CircuitBurn {
	return &CircuitBurn{Input: zk.NewSpend(depth)}
}

func toVar(b []byte) *big.Int { return new(big.Int).SetBytes(b) }

// BuildBurnWitness constructs the full assignment for CircuitBurn.
func BuildBurnWitness(anchor cape.Root, rec cape.RecordOpening, sk []byte, path cape.MerklePath, recipient common.Address) *CircuitBurn {
	nf := cape.DeriveNullifier(sk, rec.Commitment())
	w := &CircuitBurn{
		Anchor:    toVar(anchor[:]),
		Nullifier: toVar(nf[:]),
		AssetCode: cape.AssetField(rec.Code),
		Amount:    cape.AmountField(rec.Amount),
		Recipient: cape.AddressField(recipient),
		Input: zk.Spend{
			Amount:   cape.AmountField(rec.Amount),
			OwnerSk:  cape.FieldElement(sk),
			Blinding: cape.FieldElement(rec.Blinding),
			Path:     zk.PathVar{Position: path.Position, Siblings: make([]frontend.Variable, len(path.Siblings))},
		},
	}
	for i, s := range path.Siblings {
		w.Input.Path.Siblings[i] = toVar(s[:])
	}
	return w
}

func publicWitness(anchor cape.Root, tx *cape.BurnTx) *CircuitBurn {
	return &CircuitBurn{
		Anchor:    toVar(anchor[:]),
		Nullifier: toVar(tx.Nullifier[:]),
		AssetCode: cape.AssetField(tx.Code),
		Amount:    cape.AmountField(tx.Amount),
		Recipient: cape.AddressField(tx.Recipient),
	}
}

// Burn proves the spend of rec under anchor and returns the transaction paying recipient.
func Burn(anchor cape.Root, rec cape.RecordOpening, sk []byte, path cape.MerklePath, recipient common.Address,
	ccs constraint.ConstraintSystem, pk groth16.ProvingKey) (*cape.BurnTx, error) {
	if recipient == (common.Address{}) {
		return nil, errors.New("burn recipient is the zero address")
	}
	if path.ComputeRoot(rec.Commitment()) != anchor {
		return nil, fmt.Errorf("record is not under anchor %s", anchor)
	}
	proof, err := zk.Prove(ccs, pk, BuildBurnWitness(anchor, rec, sk, path, recipient))
	if err != nil {
		return nil, err
	}
	return &cape.BurnTx{
		Nullifier: cape.DeriveNullifier(sk, rec.Commitment()),
		Code:      rec.Code,
		Amount:    rec.Amount,
		Recipient: recipient,
		Proof:     proof,
	}, nil
}

// VerifyBurn verifies a burn and its proof against anchor.
func VerifyBurn(anchor cape.Root, tx *cape.BurnTx, vk groth16.VerifyingKey) error {
	return zk.Verify(vk, tx.Proof, publicWitness(anchor, tx))
}
