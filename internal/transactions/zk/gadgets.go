// Package zk holds the circuit gadgets and Groth16 plumbing shared by the mint,
// transfer and burn circuits.
//
// All hashing is MiMC over the BN254 scalar field, matching the native hashing in
// internal/cape, so a commitment or root computed outside a circuit equals the one
// computed inside it.
package zk

import (
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash"
	"github.com/consensys/gnark/std/hash/mimc"
)

// AmountBits bounds every amount proven in a circuit.
const AmountBits = 128

// Hasher computes independent MiMC digests inside a circuit.
type Hasher struct {
	h hash.FieldHasher
}

func NewHasher(api frontend.API) (*Hasher, error) {
	h, err := mimc.NewMiMC(api)
	if err != nil {
		return nil, err
	}
	return &Hasher{h: &h}, nil
}

// Hash returns H(inputs...) with a fresh state.
func (h *Hasher) Hash(inputs ...frontend.Variable) frontend.Variable {
	h.h.Reset()
	h.h.Write(inputs...)
	return h.h.Sum()
}

// PathVar is a Merkle authentication path. Position is the leaf index; its bits
// pick the side at each level, least significant bit first.
type PathVar struct {
	Position frontend.Variable
	Siblings []frontend.Variable
}

// NewPathVar allocates a path for a tree of the given depth.
func NewPathVar(depth int) PathVar {
	return PathVar{Siblings: make([]frontend.Variable, depth)}
}

// MerkleRoot folds leaf up the path.
func (h *Hasher) MerkleRoot(api frontend.API, leaf frontend.Variable, path PathVar) frontend.Variable {
	bits := api.ToBinary(path.Position, len(path.Siblings))
	cur := leaf
	for i, sib := range path.Siblings {
		left := api.Select(bits[i], sib, cur)
		right := api.Select(bits[i], cur, sib)
		cur = h.Hash(left, right)
	}
	return cur
}

// RecordCommitment computes H(asset, amount, ownerPk, blinding).
func (h *Hasher) RecordCommitment(asset, amount, ownerPk, blinding frontend.Variable) frontend.Variable {
	return h.Hash(asset, amount, ownerPk, blinding)
}

// AssertAmount constrains x to AmountBits bits.
func AssertAmount(api frontend.API, x frontend.Variable) {
	api.ToBinary(x, AmountBits)
}

// Spend proves ownership of a record under anchor and returns its nullifier.
type Spend struct {
	Amount   frontend.Variable
	OwnerSk  frontend.Variable
	Blinding frontend.Variable
	Path     PathVar
}

func NewSpend(depth int) Spend {
	return Spend{Path: NewPathVar(depth)}
}

// Nullifier constrains the spent record to sit under anchor and returns H(sk, cm).
func (h *Hasher) Nullifier(api frontend.API, asset, anchor frontend.Variable, s Spend) frontend.Variable {
	AssertAmount(api, s.Amount)
	pk := h.Hash(s.OwnerSk)
	cm := h.RecordCommitment(asset, s.Amount, pk, s.Blinding)
	api.AssertIsEqual(h.MerkleRoot(api, cm, s.Path), anchor)
	return h.Hash(s.OwnerSk, cm)
}
