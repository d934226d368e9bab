package burn

import (
	"github.com/consensys/gnark/frontend"

	"capeledger/internal/transactions/zk"
)

// CircuitBurn spends one record under Anchor and reveals its asset and amount so the
// escrow can pay Recipient.
type CircuitBurn struct {
	// Public
	Anchor    frontend.Variable `gnark:",public"`
	Nullifier frontend.Variable `gnark:",public"`
	AssetCode frontend.Variable `gnark:",public"`
	Amount    frontend.Variable `gnark:",public"`
	Recipient frontend.Variable `gnark:",public"`

	// Private
	Input zk.Spend
}

func (c *CircuitBurn) Define(api frontend.API) error {
	h, err := zk.NewHasher(api)
	if err != nil {
		return err
	}
	api.AssertIsEqual(c.Input.Amount, c.Amount)
	api.AssertIsEqual(c.Nullifier, h.Nullifier(api, c.AssetCode, c.Anchor, c.Input))
	api.AssertIsDifferent(c.Recipient, 0)
	return nil
}
