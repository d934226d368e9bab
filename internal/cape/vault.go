package cape

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// TokenLedger is the external ERC-20 ledger holding the escrowed tokens.
type TokenLedger interface {
	// TransferFrom moves amount from `from` to `to` using spender's allowance.
	TransferFrom(token, spender, from, to common.Address, amount *uint256.Int) error
	// Transfer moves amount from `from` to `to`.
	Transfer(token, from, to common.Address, amount *uint256.Int) error
	BalanceOf(token, holder common.Address) *uint256.Int
}

// Vault tracks committed escrow balances per asset and deposits awaiting a Mint.
// Balances only move when a block commits.
type Vault struct {
	address     common.Address
	tokens      TokenLedger
	balances    map[AssetCode]*uint256.Int
	pending     map[uint64]PendingDeposit
	nextDeposit uint64
}

func NewVault(address common.Address, tokens TokenLedger) *Vault {
	return &Vault{
		address:  address,
		tokens:   tokens,
		balances: make(map[AssetCode]*uint256.Int),
		pending:  make(map[uint64]PendingDeposit),
	}
}

// Address is the escrow account on the token ledger.
func (v *Vault) Address() common.Address { return v.address }

// Balance returns a copy of the committed escrow balance for code.
func (v *Vault) Balance(code AssetCode) *uint256.Int {
	if b, ok := v.balances[code]; ok {
		return new(uint256.Int).Set(b)
	}
	return new(uint256.Int)
}

// Balances returns a copy of every non-zero committed balance.
func (v *Vault) Balances() map[AssetCode]*uint256.Int {
	out := make(map[AssetCode]*uint256.Int, len(v.balances))
	for code, b := range v.balances {
		if !b.IsZero() {
			out[code] = new(uint256.Int).Set(b)
		}
	}
	return out
}

// PendingDeposit looks up an unconsumed deposit.
func (v *Vault) PendingDeposit(id uint64) (PendingDeposit, bool) {
	d, ok := v.pending[id]
	return d, ok
}

// PendingDeposits returns unconsumed deposits ordered by id.
func (v *Vault) PendingDeposits() []PendingDeposit {
	out := make([]PendingDeposit, 0, len(v.pending))
	for _, d := range v.pending {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PendingTotal sums the unconsumed deposits of code.
func (v *Vault) PendingTotal(code AssetCode) *uint256.Int {
	total := new(uint256.Int)
	for _, d := range v.pending {
		if d.Code == code {
			total.Add(total, d.Amount)
		}
	}
	return total
}

// deposit pulls amount of asset's token from depositor into escrow and returns the
// descriptor a Mint must later reference. The pulled tokens are not part of the
// committed balance until that Mint commits.
func (v *Vault) deposit(asset AssetType, amount *uint256.Int, depositor common.Address, cm Commitment, height uint64) (PendingDeposit, error) {
	if amount == nil || amount.IsZero() {
		return PendingDeposit{}, ErrInvalidAmount
	}
	if err := v.tokens.TransferFrom(asset.Token, v.address, depositor, v.address, amount); err != nil {
		return PendingDeposit{}, fmt.Errorf("escrow transfer from %s: %w", depositor.Hex(), err)
	}
	d := PendingDeposit{
		ID:         v.nextDeposit,
		Code:       asset.Code,
		Amount:     new(uint256.Int).Set(amount),
		Depositor:  depositor,
		Commitment: cm,
		Height:     height,
	}
	return d, nil
}

// refund returns a deposit's tokens when it could not be recorded.
func (v *Vault) refund(asset AssetType, d PendingDeposit) error {
	return v.tokens.Transfer(asset.Token, v.address, d.Depositor, d.Amount)
}

func (v *Vault) recordDeposit(d PendingDeposit) {
	v.pending[d.ID] = d
	if d.ID >= v.nextDeposit {
		v.nextDeposit = d.ID + 1
	}
}

// release pays amount of asset's token to recipient. It checks the escrow account first so
// the transfer either happens in full or not at all.
func (v *Vault) release(asset AssetType, amount *uint256.Int, recipient common.Address) error {
	held := v.tokens.BalanceOf(asset.Token, v.address)
	if held.Lt(amount) {
		return fmt.Errorf("%w: escrow holds %s of %s, release needs %s",
			ErrInsufficientEscrowBalance, held.Dec(), asset.Code, amount.Dec())
	}
	return v.tokens.Transfer(asset.Token, v.address, recipient, amount)
}

// applyCommitted installs post-block balances and drops consumed deposits.
func (v *Vault) applyCommitted(balances map[AssetCode]*uint256.Int, consumed []uint64) {
	for code, b := range balances {
		v.balances[code] = new(uint256.Int).Set(b)
	}
	for _, id := range consumed {
		delete(v.pending, id)
	}
}
