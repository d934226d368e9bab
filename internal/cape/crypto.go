// crypto.go - MiMC hashing over the BN254 scalar field.
//
// Tree nodes, record commitments, owner keys and nullifiers all use the same MiMC
// construction as the circuits in internal/transactions, so native values and
// in-circuit values agree. Inputs are reduced into the field before hashing.

package cape

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	mimcNative "github.com/consensys/gnark-crypto/ecc/bn254/fr/mimc"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// fieldBytes reduces b modulo the scalar field and returns its canonical encoding.
func fieldBytes(b []byte) []byte {
	var e fr.Element
	e.SetBytes(b)
	out := e.Bytes()
	return out[:]
}

// mimcHash hashes each input as one field element.
func mimcHash(inputs ...[]byte) [32]byte {
	h := mimcNative.NewMiMC()
	for _, in := range inputs {
		h.Write(fieldBytes(in))
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// HashPair hashes two tree nodes into their parent.
func HashPair(left, right Root) Root {
	return Root(mimcHash(left[:], right[:]))
}

// FieldElement returns b reduced into the scalar field.
func FieldElement(b []byte) *big.Int {
	return new(big.Int).SetBytes(fieldBytes(b))
}

// AssetField maps an asset code to the field element used inside proofs.
func AssetField(code AssetCode) *big.Int {
	return FieldElement(crypto.Keccak256([]byte(code)))
}

// AmountField returns the amount as a field element.
func AmountField(amount *uint256.Int) *big.Int {
	if amount == nil {
		return new(big.Int)
	}
	return amount.ToBig()
}

// AddressField returns the address as a field element.
func AddressField(addr common.Address) *big.Int {
	return new(big.Int).SetBytes(addr.Bytes())
}

// OwnerPublicKey derives the record owner key pk = H(sk).
func OwnerPublicKey(sk []byte) []byte {
	pk := mimcHash(sk)
	return pk[:]
}

// RecordCommitment computes cm = H(asset, amount, pk, blinding).
func RecordCommitment(code AssetCode, amount *uint256.Int, ownerPk, blinding []byte) Commitment {
	assetBytes := AssetField(code).Bytes()
	amountBytes := AmountField(amount).Bytes()
	return Commitment(mimcHash(assetBytes, amountBytes, ownerPk, blinding))
}

// DeriveNullifier computes nf = H(sk, cm).
func DeriveNullifier(sk []byte, cm Commitment) Nullifier {
	return Nullifier(mimcHash(sk, cm[:]))
}

var entropy io.Reader = rand.Reader

// randomBytes reads n bytes from the entropy source. Keys and blindings come from here, so
// a failing entropy source is not recoverable.
func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(entropy, b); err != nil {
		panic(fmt.Sprintf("cape: read random bytes: %v", err))
	}
	return b
}

// canonical reports whether b is the canonical big-endian encoding of a field element.
// Proof verification reduces public inputs modulo the field, so b and b+p would both
// verify while naming different leaves or spent-set entries.
func canonical(b [32]byte) bool {
	var e fr.Element
	return e.SetBytesCanonical(b[:]) == nil
}

// RandomFieldBytes returns 32 random bytes already reduced into the field.
func RandomFieldBytes() []byte {
	return fieldBytes(randomBytes(32))
}

// genesisCommitment is the state commitment before any block.
func genesisCommitment(height, numRecords uint64) common.Hash {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], height)
	binary.LittleEndian.PutUint64(buf[8:], numRecords)
	return crypto.Keccak256Hash([]byte("initial"), buf[:])
}

// chainCommitment folds a committed block into the state commitment.
func chainCommitment(prev, block common.Hash) common.Hash {
	return crypto.Keccak256Hash([]byte("block"), prev[:], block[:])
}
