// store.go - LevelDB persistence for committed ledger state.
//
// Layout:
//   as_<code>        asset type (JSON)
//   cm_<position>    record commitment
//   nf_<hex>         spent nullifier -> height
//   bal_<code>       committed escrow balance (32-byte big endian)
//   dp_<id>          pending deposit (JSON)
//   m_*              root, height, state commitment, tree depth, next deposit id
//
// A committed block is written with a single leveldb.Batch.

package cape

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var (
	keyRoot        = []byte("m_root")
	keyHeight      = []byte("m_height")
	keyState       = []byte("m_state")
	keyDepth       = []byte("m_depth")
	keyNextDeposit = []byte("m_next_deposit")

	prefixAsset      = []byte("as_")
	prefixCommitment = []byte("cm_")
	prefixNullifier  = []byte("nf_")
	prefixBalance    = []byte("bal_")
	prefixDeposit    = []byte("dp_")
)

// Store persists committed ledger state.
type Store struct {
	db *leveldb.DB
}

// OpenStore opens or creates the store at path. An empty path uses in-memory storage.
func OpenStore(path string) (*Store, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open ledger store at %q: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database answers reads.
func (s *Store) Ping() error {
	_, err := s.db.GetProperty("leveldb.stats")
	return err
}

// persistedState is everything Open needs to rebuild the ledger.
type persistedState struct {
	fresh           bool
	depth           int
	root            Root
	height          uint64
	stateCommitment common.Hash
	nextDeposit     uint64
	assets          []AssetType
	commitments     []Commitment
	nullifiers      map[Nullifier]uint64
	balances        map[AssetCode]*uint256.Int
	deposits        []PendingDeposit
}

// blockWrite is the staged result of a validated block.
type blockWrite struct {
	firstPosition   uint64
	commitments     []Commitment
	nullifiers      []Nullifier
	balances        map[AssetCode]*uint256.Int
	consumed        []uint64
	root            Root
	height          uint64
	stateCommitment common.Hash
}

func commitmentKey(position uint64) []byte {
	return []byte(fmt.Sprintf("cm_%020d", position))
}

func nullifierKey(n Nullifier) []byte {
	return []byte("nf_" + hex.EncodeToString(n[:]))
}

func depositKey(id uint64) []byte {
	return []byte(fmt.Sprintf("dp_%020d", id))
}

func assetKey(code AssetCode) []byte {
	return append(append([]byte{}, prefixAsset...), code...)
}

func balanceKey(code AssetCode) []byte {
	return append(append([]byte{}, prefixBalance...), code...)
}

func encodeUint64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

// writeGenesis records the parameters of a fresh ledger.
func (s *Store) writeGenesis(depth int, root Root, state common.Hash) error {
	batch := new(leveldb.Batch)
	batch.Put(keyDepth, encodeUint64(uint64(depth)))
	batch.Put(keyRoot, root[:])
	batch.Put(keyHeight, encodeUint64(0))
	batch.Put(keyState, state[:])
	batch.Put(keyNextDeposit, encodeUint64(0))
	return s.db.Write(batch, nil)
}

// putAsset persists a sponsored asset.
func (s *Store) putAsset(a AssetType) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return s.db.Put(assetKey(a.Code), data, nil)
}

// putDeposit persists a pending deposit together with the next free id.
func (s *Store) putDeposit(d PendingDeposit) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Put(depositKey(d.ID), data)
	batch.Put(keyNextDeposit, encodeUint64(d.ID+1))
	return s.db.Write(batch, nil)
}

// writeBlock applies a committed block atomically.
func (s *Store) writeBlock(w *blockWrite) error {
	batch := new(leveldb.Batch)
	for i, c := range w.commitments {
		batch.Put(commitmentKey(w.firstPosition+uint64(i)), c[:])
	}
	for _, n := range w.nullifiers {
		batch.Put(nullifierKey(n), encodeUint64(w.height))
	}
	for code, b := range w.balances {
		v := b.Bytes32()
		batch.Put(balanceKey(code), v[:])
	}
	for _, id := range w.consumed {
		batch.Delete(depositKey(id))
	}
	batch.Put(keyRoot, w.root[:])
	batch.Put(keyHeight, encodeUint64(w.height))
	batch.Put(keyState, w.stateCommitment[:])
	return s.db.Write(batch, &opt.WriteOptions{Sync: true})
}

func (s *Store) get(key []byte) ([]byte, bool, error) {
	data, err := s.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %s: %w", key, err)
	}
	return data, true, nil
}

// load reads the full committed state.
func (s *Store) load() (*persistedState, error) {
	st := &persistedState{
		nullifiers: make(map[Nullifier]uint64),
		balances:   make(map[AssetCode]*uint256.Int),
	}
	depth, ok, err := s.get(keyDepth)
	if err != nil {
		return nil, err
	}
	if !ok {
		st.fresh = true
		return st, nil
	}
	st.depth = int(binary.BigEndian.Uint64(depth))

	if v, ok, err := s.get(keyRoot); err != nil {
		return nil, err
	} else if ok {
		copy(st.root[:], v)
	}
	if v, ok, err := s.get(keyHeight); err != nil {
		return nil, err
	} else if ok {
		st.height = binary.BigEndian.Uint64(v)
	}
	if v, ok, err := s.get(keyState); err != nil {
		return nil, err
	} else if ok {
		st.stateCommitment = common.BytesToHash(v)
	}
	if v, ok, err := s.get(keyNextDeposit); err != nil {
		return nil, err
	} else if ok {
		st.nextDeposit = binary.BigEndian.Uint64(v)
	}

	err = s.iterate(prefixAsset, func(_ string, value []byte) error {
		var a AssetType
		if err := json.Unmarshal(value, &a); err != nil {
			return err
		}
		st.assets = append(st.assets, a)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// cm_ keys are zero padded, so key order is position order.
	var expect uint64
	err = s.iterate(prefixCommitment, func(key string, value []byte) error {
		pos, err := strconv.ParseUint(strings.TrimPrefix(key, "cm_"), 10, 64)
		if err != nil {
			return err
		}
		if pos != expect {
			return fmt.Errorf("commitment gap: expected position %d, found %d", expect, pos)
		}
		expect++
		var c Commitment
		copy(c[:], value)
		st.commitments = append(st.commitments, c)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = s.iterate(prefixNullifier, func(key string, value []byte) error {
		raw, err := hex.DecodeString(strings.TrimPrefix(key, "nf_"))
		if err != nil || len(raw) != 32 {
			return fmt.Errorf("invalid nullifier key %q", key)
		}
		var n Nullifier
		copy(n[:], raw)
		st.nullifiers[n] = binary.BigEndian.Uint64(value)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = s.iterate(prefixBalance, func(key string, value []byte) error {
		st.balances[AssetCode(strings.TrimPrefix(key, "bal_"))] = new(uint256.Int).SetBytes(value)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = s.iterate(prefixDeposit, func(_ string, value []byte) error {
		var d PendingDeposit
		if err := json.Unmarshal(value, &d); err != nil {
			return err
		}
		st.deposits = append(st.deposits, d)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Store) iterate(prefix []byte, fn func(key string, value []byte) error) error {
	iter := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		value := make([]byte, len(iter.Value()))
		copy(value, iter.Value())
		if err := fn(string(iter.Key()), value); err != nil {
			return fmt.Errorf("decode %s: %w", iter.Key(), err)
		}
	}
	return iter.Error()
}
