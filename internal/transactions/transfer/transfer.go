// Package transfer builds and checks the proofs for shielded transfers.
//
// A transfer circuit is compiled per Shape: the number of records spent and created is
// part of the public input layout, so each shape has its own keys.
package transfer

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/holiman/uint256"

	"capeledger/internal/cape"
	"capeledger/internal/transactions/zk"
)

// Shape is the number of inputs and outputs of a transfer.
type Shape struct {
	Inputs  int `json:"inputs" yaml:"inputs"`
	Outputs int `json:"outputs" yaml:"outputs"`
}

func (s Shape) String() string { return fmt.Sprintf("%dx%d", s.Inputs, s.Outputs) }

// ShapeOf returns the shape of tx.
func ShapeOf(tx *cape.TransferTx) Shape {
	return Shape{Inputs: len(tx.Nullifiers), Outputs: len(tx.Commitments)}
}

// Input is a record being spent together with the secrets needed to spend it.
type Input struct {
	Record  cape.RecordOpening
	OwnerSk []byte
	Path    cape.MerklePath
}

// NewCircuit allocates the circuit for shape over a tree of the given depth.
func NewCircuit(shape Shape, depth int) *CircuitTransfer {
	c := &CircuitTransfer{
		Nullifiers:  make([]frontend.Variable, shape.Inputs),
		Commitments: make([]frontend.Variable, shape.Outputs),
		Inputs:      make([]zk.Spend, shape.Inputs),
		Outputs:     make([]Output, shape.Outputs),
	}
	for i := range c.Inputs {
		c.Inputs[i] = zk.NewSpend(depth)
	}
	return c
}

func toVar(b []byte) *big.Int { return new(big.Int).SetBytes(b) }

func pathVar(p cape.MerklePath) zk.PathVar {
	v := zk.PathVar{Position: p.Position, Siblings: make([]frontend.Variable, len(p.Siblings))}
	for i, s := range p.Siblings {
		v.Siblings[i] = toVar(s[:])
	}
	return v
}

// check validates the inputs natively so a bad transfer fails before proving.
func check(anchor cape.Root, inputs []Input, outputs []cape.RecordOpening) error {
	if len(inputs) == 0 || len(outputs) == 0 {
		return errors.New("transfer needs at least one input and one output")
	}
	code := inputs[0].Record.Code
	in, out := new(uint256.Int), new(uint256.Int)
	for i, input := range inputs {
		if input.Record.Code != code {
			return fmt.Errorf("input %d is %s, transfer is %s", i, input.Record.Code, code)
		}
		if input.Path.ComputeRoot(input.Record.Commitment()) != anchor {
			return fmt.Errorf("input %d is not under anchor %s", i, anchor)
		}
		in.Add(in, input.Record.Amount)
	}
	for i, o := range outputs {
		if o.Code != code {
			return fmt.Errorf("output %d is %s, transfer is %s", i, o.Code, code)
		}
		out.Add(out, o.Amount)
	}
	if !in.Eq(out) {
		return fmt.Errorf("inputs total %s, outputs total %s", in.Dec(), out.Dec())
	}
	return nil
}

// BuildTransferWitness constructs the full assignment for CircuitTransfer.
func BuildTransferWitness(anchor cape.Root, inputs []Input, outputs []cape.RecordOpening) *CircuitTransfer {
	w := NewCircuit(Shape{Inputs: len(inputs), Outputs: len(outputs)}, 0)
	w.Anchor = toVar(anchor[:])
	w.AssetCode = cape.AssetField(inputs[0].Record.Code)
	for i, input := range inputs {
		nf := cape.DeriveNullifier(input.OwnerSk, input.Record.Commitment())
		w.Nullifiers[i] = toVar(nf[:])
		w.Inputs[i] = zk.Spend{
			Amount:   cape.AmountField(input.Record.Amount),
			OwnerSk:  cape.FieldElement(input.OwnerSk),
			Blinding: cape.FieldElement(input.Record.Blinding),
			Path:     pathVar(input.Path),
		}
	}
	for i, o := range outputs {
		cm := o.Commitment()
		w.Commitments[i] = toVar(cm[:])
		w.Outputs[i] = Output{
			Amount:   cape.AmountField(o.Amount),
			OwnerPk:  cape.FieldElement(o.OwnerPk),
			Blinding: cape.FieldElement(o.Blinding),
		}
	}
	return w
}

func publicWitness(anchor cape.Root, tx *cape.TransferTx) *CircuitTransfer {
	w := &CircuitTransfer{
		Anchor:      toVar(anchor[:]),
		Nullifiers:  make([]frontend.Variable, len(tx.Nullifiers)),
		Commitments: make([]frontend.Variable, len(tx.Commitments)),
	}
	for i, nf := range tx.Nullifiers {
		w.Nullifiers[i] = toVar(nf[:])
	}
	for i, cm := range tx.Commitments {
		w.Commitments[i] = toVar(cm[:])
	}
	return w
}

// Transfer proves that inputs, all under anchor, are spent into outputs.
func Transfer(anchor cape.Root, inputs []Input, outputs []cape.RecordOpening, ccs constraint.ConstraintSystem, pk groth16.ProvingKey) (*cape.TransferTx, error) {
	if err := check(anchor, inputs, outputs); err != nil {
		return nil, err
	}
	witness := BuildTransferWitness(anchor, inputs, outputs)
	proof, err := zk.Prove(ccs, pk, witness)
	if err != nil {
		return nil, err
	}
	tx := &cape.TransferTx{Proof: proof}
	for _, input := range inputs {
		tx.Nullifiers = append(tx.Nullifiers, cape.DeriveNullifier(input.OwnerSk, input.Record.Commitment()))
	}
	for _, o := range outputs {
		tx.Commitments = append(tx.Commitments, o.Commitment())
	}
	return tx, nil
}

// VerifyTransfer verifies a transfer and its proof against anchor.
func VerifyTransfer(anchor cape.Root, tx *cape.TransferTx, vk groth16.VerifyingKey) error {
	return zk.Verify(vk, tx.Proof, publicWitness(anchor, tx))
}
