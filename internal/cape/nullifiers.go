package cape

import (
	"bytes"
	"sort"
)

// SpentSet is the monotonic set of spent nullifiers. Entries are never removed.
type SpentSet struct {
	spent map[Nullifier]uint64
}

func NewSpentSet() *SpentSet {
	return &SpentSet{spent: make(map[Nullifier]uint64)}
}

func (s *SpentSet) Contains(n Nullifier) bool {
	_, ok := s.spent[n]
	return ok
}

// SpentAt returns the height of the block that spent n.
func (s *SpentSet) SpentAt(n Nullifier) (uint64, bool) {
	h, ok := s.spent[n]
	return h, ok
}

func (s *SpentSet) Len() int { return len(s.spent) }

// Insert marks n spent at height.
func (s *SpentSet) Insert(n Nullifier, height uint64) error {
	return s.InsertBatch([]Nullifier{n}, height)
}

// InsertBatch inserts all of ns or none. A duplicate of an existing entry or of an earlier
// entry in the same batch fails the whole batch and reports the first offending index.
func (s *SpentSet) InsertBatch(ns []Nullifier, height uint64) error {
	if err := s.check(ns); err != nil {
		return err
	}
	for _, n := range ns {
		s.spent[n] = height
	}
	return nil
}

func (s *SpentSet) check(ns []Nullifier) error {
	seen := make(map[Nullifier]struct{}, len(ns))
	for i, n := range ns {
		if _, dup := seen[n]; dup || s.Contains(n) {
			return &SpentError{Index: i, Nullifier: n}
		}
		seen[n] = struct{}{}
	}
	return nil
}

// All returns the spent nullifiers in byte order.
func (s *SpentSet) All() []Nullifier {
	out := make([]Nullifier, 0, len(s.spent))
	for n := range s.spent {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
