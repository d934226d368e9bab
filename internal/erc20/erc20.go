// Package erc20 is a multi-token ERC-20 ledger, kept in memory and optionally written
// through to LevelDB.
//
// It stands in for the external token contracts the shielded ledger escrows. Each token
// keeps balances, allowances and a total supply with the usual guards:
//   - transfer: balances[from] >= amount && to != address(0)
//   - transferFrom: additionally allowances[from][spender] >= amount
//   - mint: to != address(0)
//   - burn: balances[from] >= amount
//
// sum(balances) == totalSupply holds for every token after every call.
//
// On disk every value is 32 bytes big endian:
//
//	s_<token>                   total supply
//	b_<token><holder>           balance
//	a_<token><owner><spender>   allowance
package erc20

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/syndtr/goleveldb/leveldb"
)

var (
	ErrInsufficientBalance   = errors.New("erc20: transfer amount exceeds balance")
	ErrInsufficientAllowance = errors.New("erc20: insufficient allowance")
	ErrZeroAddress           = errors.New("erc20: zero address")
	ErrOverflow              = errors.New("erc20: supply overflow")
	ErrPersist               = errors.New("erc20: persist")
)

var (
	prefixSupply    = []byte("s_")
	prefixBalance   = []byte("b_")
	prefixAllowance = []byte("a_")
)

func key(prefix []byte, addrs ...common.Address) []byte {
	k := make([]byte, 0, len(prefix)+len(addrs)*common.AddressLength)
	k = append(k, prefix...)
	for _, a := range addrs {
		k = append(k, a.Bytes()...)
	}
	return k
}

func word(v *uint256.Int) []byte {
	b := v.Bytes32()
	return b[:]
}

type token struct {
	totalSupply *uint256.Int
	balances    map[common.Address]*uint256.Int
	allowances  map[common.Address]map[common.Address]*uint256.Int
}

func newToken() *token {
	return &token{
		totalSupply: new(uint256.Int),
		balances:    make(map[common.Address]*uint256.Int),
		allowances:  make(map[common.Address]map[common.Address]*uint256.Int),
	}
}

func (t *token) balance(addr common.Address) *uint256.Int {
	b, ok := t.balances[addr]
	if !ok {
		b = new(uint256.Int)
		t.balances[addr] = b
	}
	return b
}

// Ledger holds every token, keyed by contract address. Safe for concurrent use.
type Ledger struct {
	mu     sync.RWMutex
	tokens map[common.Address]*token
	db     *leveldb.DB
}

// New returns a ledger that lives in memory only.
func New() *Ledger {
	return &Ledger{tokens: make(map[common.Address]*token)}
}

// Open loads the ledger persisted at path, creating it if needed. Every later mutation is
// written to disk before it takes effect in memory.
func Open(path string) (*Ledger, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open token ledger at %q: %w", path, err)
	}
	l := &Ledger{tokens: make(map[common.Address]*token), db: db}
	if err := l.load(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Ledger) load() error {
	iter := l.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		k, v := iter.Key(), iter.Value()
		if len(k) < 2+common.AddressLength || len(v) != 32 {
			return fmt.Errorf("erc20: corrupt entry %x", k)
		}
		body := k[2:]
		t := l.token(common.BytesToAddress(body[:common.AddressLength]))
		body = body[common.AddressLength:]
		amount := new(uint256.Int).SetBytes(v)
		switch {
		case string(k[:2]) == string(prefixSupply) && len(body) == 0:
			t.totalSupply = amount
		case string(k[:2]) == string(prefixBalance) && len(body) == common.AddressLength:
			t.balances[common.BytesToAddress(body)] = amount
		case string(k[:2]) == string(prefixAllowance) && len(body) == 2*common.AddressLength:
			owner := common.BytesToAddress(body[:common.AddressLength])
			a, ok := t.allowances[owner]
			if !ok {
				a = make(map[common.Address]*uint256.Int)
				t.allowances[owner] = a
			}
			a[common.BytesToAddress(body[common.AddressLength:])] = amount
		default:
			return fmt.Errorf("erc20: corrupt entry %x", k)
		}
	}
	return iter.Error()
}

// Close releases the database. It is a no-op for in-memory ledgers.
func (l *Ledger) Close() error {
	if l.db == nil {
		return nil
	}
	return l.db.Close()
}

// persist writes b when the ledger is backed by disk. Callers hold mu and change memory
// only after persist succeeded.
func (l *Ledger) persist(b *leveldb.Batch) error {
	if l.db == nil {
		return nil
	}
	if err := l.db.Write(b, nil); err != nil {
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}

func (l *Ledger) token(addr common.Address) *token {
	t, ok := l.tokens[addr]
	if !ok {
		t = newToken()
		l.tokens[addr] = t
	}
	return t
}

// Mint creates amount new units of tok for to.
func (l *Ledger) Mint(tok, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.token(tok)
	supply, overflow := new(uint256.Int).AddOverflow(t.totalSupply, amount)
	if overflow {
		return ErrOverflow
	}
	bal := new(uint256.Int).Add(t.balance(to), amount)
	b := new(leveldb.Batch)
	b.Put(key(prefixSupply, tok), word(supply))
	b.Put(key(prefixBalance, tok, to), word(bal))
	if err := l.persist(b); err != nil {
		return err
	}
	t.totalSupply = supply
	t.balances[to] = bal
	return nil
}

// Burn destroys amount units of tok held by from.
func (l *Ledger) Burn(tok, from common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.token(tok)
	held := t.balance(from)
	if held.Lt(amount) {
		return fmt.Errorf("%w: %s holds %s, burn needs %s", ErrInsufficientBalance, from.Hex(), held.Dec(), amount.Dec())
	}
	bal := new(uint256.Int).Sub(held, amount)
	supply := new(uint256.Int).Sub(t.totalSupply, amount)
	b := new(leveldb.Batch)
	b.Put(key(prefixSupply, tok), word(supply))
	b.Put(key(prefixBalance, tok, from), word(bal))
	if err := l.persist(b); err != nil {
		return err
	}
	t.totalSupply = supply
	t.balances[from] = bal
	return nil
}

// Approve sets spender's allowance over owner's tok balance.
func (l *Ledger) Approve(tok, owner, spender common.Address, amount *uint256.Int) error {
	if owner == (common.Address{}) || spender == (common.Address{}) {
		return ErrZeroAddress
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b := new(leveldb.Batch)
	b.Put(key(prefixAllowance, tok, owner, spender), word(amount))
	if err := l.persist(b); err != nil {
		return err
	}
	t := l.token(tok)
	a, ok := t.allowances[owner]
	if !ok {
		a = make(map[common.Address]*uint256.Int)
		t.allowances[owner] = a
	}
	a[spender] = new(uint256.Int).Set(amount)
	return nil
}

func (l *Ledger) Allowance(tok, owner, spender common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if t, ok := l.tokens[tok]; ok {
		if a, ok := t.allowances[owner][spender]; ok {
			return new(uint256.Int).Set(a)
		}
	}
	return new(uint256.Int)
}

// Transfer moves amount of tok from `from` to `to`.
func (l *Ledger) Transfer(tok, from, to common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.token(tok)
	b := new(leveldb.Batch)
	apply, err := l.transfer(b, tok, t, from, to, amount)
	if err != nil {
		return err
	}
	if err := l.persist(b); err != nil {
		return err
	}
	apply()
	return nil
}

// TransferFrom moves amount of tok from `from` to `to`, spending spender's allowance.
func (l *Ledger) TransferFrom(tok, spender, from, to common.Address, amount *uint256.Int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.token(tok)
	allowed := new(uint256.Int)
	if a, ok := t.allowances[from][spender]; ok {
		allowed = a
	}
	if allowed.Lt(amount) {
		return fmt.Errorf("%w: %s allows %s %s, transfer needs %s",
			ErrInsufficientAllowance, from.Hex(), spender.Hex(), allowed.Dec(), amount.Dec())
	}
	b := new(leveldb.Batch)
	apply, err := l.transfer(b, tok, t, from, to, amount)
	if err != nil {
		return err
	}
	left := new(uint256.Int).Sub(allowed, amount)
	b.Put(key(prefixAllowance, tok, from, spender), word(left))
	if err := l.persist(b); err != nil {
		return err
	}
	apply()
	if _, ok := t.allowances[from]; !ok {
		t.allowances[from] = make(map[common.Address]*uint256.Int)
	}
	t.allowances[from][spender] = left
	return nil
}

// transfer checks a move of amount from `from` to `to` and queues the new balances on b.
// The returned func applies them in memory.
func (l *Ledger) transfer(b *leveldb.Batch, tok common.Address, t *token, from, to common.Address, amount *uint256.Int) (func(), error) {
	if to == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	src := t.balance(from)
	if src.Lt(amount) {
		return nil, fmt.Errorf("%w: %s holds %s, transfer needs %s", ErrInsufficientBalance, from.Hex(), src.Dec(), amount.Dec())
	}
	if from == to {
		return func() {}, nil
	}
	newSrc := new(uint256.Int).Sub(src, amount)
	newDst := new(uint256.Int).Add(t.balance(to), amount)
	b.Put(key(prefixBalance, tok, from), word(newSrc))
	b.Put(key(prefixBalance, tok, to), word(newDst))
	return func() {
		t.balances[from] = newSrc
		t.balances[to] = newDst
	}, nil
}

func (l *Ledger) BalanceOf(tok, holder common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if t, ok := l.tokens[tok]; ok {
		if b, ok := t.balances[holder]; ok {
			return new(uint256.Int).Set(b)
		}
	}
	return new(uint256.Int)
}

func (l *Ledger) TotalSupply(tok common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if t, ok := l.tokens[tok]; ok {
		return new(uint256.Int).Set(t.totalSupply)
	}
	return new(uint256.Int)
}

// SumBalances adds up every holder's balance of tok.
func (l *Ledger) SumBalances(tok common.Address) *uint256.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sum := new(uint256.Int)
	if t, ok := l.tokens[tok]; ok {
		for _, b := range t.balances {
			sum.Add(sum, b)
		}
	}
	return sum
}
