package transfer

import (
	"fmt"

	"github.com/consensys/gnark/frontend"

	"capeledger/internal/transactions/zk"
)

// Output is the opening of a created record.
type Output struct {
	Amount   frontend.Variable
	OwnerPk  frontend.Variable
	Blinding frontend.Variable
}

// CircuitTransfer spends len(Inputs) records of one asset under Anchor and creates
// len(Outputs) records of the same asset with the same total value.
type CircuitTransfer struct {
	// Public
	Anchor      frontend.Variable   `gnark:",public"`
	Nullifiers  []frontend.Variable `gnark:",public"`
	Commitments []frontend.Variable `gnark:",public"`

	// Private
	AssetCode frontend.Variable
	Inputs    []zk.Spend
	Outputs   []Output
}

func (c *CircuitTransfer) Define(api frontend.API) error {
	if len(c.Inputs) != len(c.Nullifiers) || len(c.Outputs) != len(c.Commitments) {
		return fmt.Errorf("transfer circuit shape mismatch: %d/%d inputs, %d/%d outputs",
			len(c.Inputs), len(c.Nullifiers), len(c.Outputs), len(c.Commitments))
	}
	h, err := zk.NewHasher(api)
	if err != nil {
		return err
	}

	var in, out frontend.Variable = 0, 0
	for i, s := range c.Inputs {
		api.AssertIsEqual(c.Nullifiers[i], h.Nullifier(api, c.AssetCode, c.Anchor, s))
		in = api.Add(in, s.Amount)
	}
	for i, o := range c.Outputs {
		zk.AssertAmount(api, o.Amount)
		api.AssertIsEqual(c.Commitments[i], h.RecordCommitment(c.AssetCode, o.Amount, o.OwnerPk, o.Blinding))
		out = api.Add(out, o.Amount)
	}
	api.AssertIsEqual(in, out)
	return nil
}
