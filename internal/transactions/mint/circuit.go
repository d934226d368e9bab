package mint

import (
	"github.com/consensys/gnark/frontend"

	"capeledger/internal/transactions/zk"
)

// CircuitMint proves that Commitment opens to the public asset and amount of a deposit.
type CircuitMint struct {
	// Public
	AssetCode  frontend.Variable `gnark:",public"`
	Amount     frontend.Variable `gnark:",public"`
	Commitment frontend.Variable `gnark:",public"`

	// Private
	OwnerPk  frontend.Variable
	Blinding frontend.Variable
}

func (c *CircuitMint) Define(api frontend.API) error {
	h, err := zk.NewHasher(api)
	if err != nil {
		return err
	}
	zk.AssertAmount(api, c.Amount)
	api.AssertIsEqual(c.Commitment, h.RecordCommitment(c.AssetCode, c.Amount, c.OwnerPk, c.Blinding))
	return nil
}
