package cape

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
)

// Registry binds asset codes to external tokens. Entries are never updated or removed.
type Registry struct {
	assets map[AssetCode]AssetType
}

func NewRegistry() *Registry {
	return &Registry{assets: make(map[AssetCode]AssetType)}
}

// sponsor validates a new entry without inserting it.
func (r *Registry) sponsor(code AssetCode, token common.Address, policy []byte, height uint64) (AssetType, error) {
	if code == "" {
		return AssetType{}, fmt.Errorf("%w: empty asset code", ErrUnknownAssetType)
	}
	if _, ok := r.assets[code]; ok {
		return AssetType{}, fmt.Errorf("%w: %s", ErrAlreadySponsored, code)
	}
	p := make([]byte, len(policy))
	copy(p, policy)
	return AssetType{Code: code, Token: token, Policy: p, SponsoredAt: height}, nil
}

// Sponsor registers code. It fails with ErrAlreadySponsored if code exists.
func (r *Registry) Sponsor(code AssetCode, token common.Address, policy []byte, height uint64) (AssetType, error) {
	asset, err := r.sponsor(code, token, policy, height)
	if err != nil {
		return AssetType{}, err
	}
	r.insert(asset)
	return asset, nil
}

func (r *Registry) insert(asset AssetType) {
	r.assets[asset.Code] = asset
}

// Lookup returns the asset registered under code.
func (r *Registry) Lookup(code AssetCode) (AssetType, error) {
	asset, ok := r.assets[code]
	if !ok {
		return AssetType{}, fmt.Errorf("%w: %s", ErrUnknownAssetType, code)
	}
	return asset, nil
}

func (r *Registry) Len() int { return len(r.assets) }

// All returns the registered assets ordered by code.
func (r *Registry) All() []AssetType {
	out := make([]AssetType, 0, len(r.assets))
	for _, a := range r.assets {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}
