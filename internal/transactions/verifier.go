package transactions

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"capeledger/internal/cape"
	"capeledger/internal/transactions/burn"
	"capeledger/internal/transactions/mint"
	"capeledger/internal/transactions/transfer"
)

// Verifier checks Groth16 proofs for the ledger. Safe for concurrent use.
type Verifier struct {
	keys *KeySet
}

func NewVerifier(keys *KeySet) *Verifier {
	return &Verifier{keys: keys}
}

var _ cape.ProofVerifier = (*Verifier)(nil)

// VerifyMint ignores the anchor: a mint proves an opening, not membership.
func (v *Verifier) VerifyMint(_ cape.Root, tx *cape.MintTx) error {
	if err := mint.VerifyMint(tx, v.keys.Mint.VK); err != nil {
		return fmt.Errorf("%w: mint: %v", cape.ErrInvalidProof, err)
	}
	return nil
}

func (v *Verifier) VerifyTransfer(anchor cape.Root, tx *cape.TransferTx) error {
	shape := transfer.ShapeOf(tx)
	c, ok := v.keys.Transfers[shape]
	if !ok {
		return fmt.Errorf("%w: no verifying key for %s transfer", cape.ErrInvalidProof, shape)
	}
	if err := transfer.VerifyTransfer(anchor, tx, c.VK); err != nil {
		return fmt.Errorf("%w: transfer: %v", cape.ErrInvalidProof, err)
	}
	return nil
}

func (v *Verifier) VerifyBurn(anchor cape.Root, tx *cape.BurnTx) error {
	if err := burn.VerifyBurn(anchor, tx, v.keys.Burn.VK); err != nil {
		return fmt.Errorf("%w: burn: %v", cape.ErrInvalidProof, err)
	}
	return nil
}

// Prover creates transactions with the proving keys of a KeySet.
type Prover struct {
	keys *KeySet
}

func NewProver(keys *KeySet) *Prover {
	return &Prover{keys: keys}
}

func (p *Prover) Mint(deposit cape.PendingDeposit, rec cape.RecordOpening) (*cape.MintTx, error) {
	return mint.Mint(deposit, rec, p.keys.Mint.CCS, p.keys.Mint.PK)
}

func (p *Prover) Transfer(anchor cape.Root, inputs []transfer.Input, outputs []cape.RecordOpening) (*cape.TransferTx, error) {
	shape := transfer.Shape{Inputs: len(inputs), Outputs: len(outputs)}
	c, ok := p.keys.Transfers[shape]
	if !ok {
		return nil, fmt.Errorf("no proving key for %s transfer", shape)
	}
	return transfer.Transfer(anchor, inputs, outputs, c.CCS, c.PK)
}

func (p *Prover) Burn(anchor cape.Root, rec cape.RecordOpening, sk []byte, path cape.MerklePath, recipient common.Address) (*cape.BurnTx, error) {
	return burn.Burn(anchor, rec, sk, path, recipient, p.keys.Burn.CCS, p.keys.Burn.PK)
}
