// Package pathindex holds the static trigger_pool -> []Path mapping built
// once at startup from the configured pool/path catalog.
package pathindex

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	mapset "github.com/deckarep/golang-set/v2"
)

// Path is one immutable triangular cycle: token_a -> token_b -> token_c ->
// token_a over pool1/pool2/pool3, each hop trading exactly the two tokens
// either side of it.
type Path struct {
	ID          uint64
	TriggerPool common.Address
	TokenA      common.Address
	TokenB      common.Address
	TokenC      common.Address
	Pool1       common.Address
	Pool2       common.Address
	Pool3       common.Address
	Priority    int
	Enabled     bool
}

// Index answers the two queries the scanner and the notional gate need:
// pool -> triggered paths, and path id -> path record.
type Index struct {
	byTrigger map[common.Address][]Path
	byID      map[uint64]Path
	byToken   map[common.Address]mapset.Set[uint64]
}

// New builds an Index from a flat path catalog, grouping by trigger pool and
// sorting each bucket by (priority ascending, path_id ascending).
func New(paths []Path) (*Index, error) {
	idx := &Index{
		byTrigger: make(map[common.Address][]Path),
		byID:      make(map[uint64]Path),
		byToken:   make(map[common.Address]mapset.Set[uint64]),
	}

	for _, p := range paths {
		if err := validate(p); err != nil {
			return nil, fmt.Errorf("path %d: %w", p.ID, err)
		}
		if _, exists := idx.byID[p.ID]; exists {
			return nil, fmt.Errorf("duplicate path id %d", p.ID)
		}
		idx.byID[p.ID] = p
		idx.byTrigger[p.TriggerPool] = append(idx.byTrigger[p.TriggerPool], p)

		for _, tok := range []common.Address{p.TokenA, p.TokenB, p.TokenC} {
			set, ok := idx.byToken[tok]
			if !ok {
				set = mapset.NewThreadUnsafeSet[uint64]()
				idx.byToken[tok] = set
			}
			set.Add(p.ID)
		}
	}

	for trigger, bucket := range idx.byTrigger {
		sort.Slice(bucket, func(i, j int) bool {
			if bucket[i].Priority != bucket[j].Priority {
				return bucket[i].Priority < bucket[j].Priority
			}
			return bucket[i].ID < bucket[j].ID
		})
		idx.byTrigger[trigger] = bucket
	}

	return idx, nil
}

func validate(p Path) error {
	if p.TokenA == p.TokenB || p.TokenB == p.TokenC || p.TokenA == p.TokenC {
		return fmt.Errorf("tokens must be pairwise distinct")
	}
	if p.TriggerPool != p.Pool1 && p.TriggerPool != p.Pool2 && p.TriggerPool != p.Pool3 {
		return fmt.Errorf("trigger pool %s is not one of the path's three pools", p.TriggerPool.Hex())
	}
	return nil
}

// ByTrigger returns the ordered, enabled candidate paths for a pool; the
// slice is non-nil and empty if that pool triggers no enabled path.
func (idx *Index) ByTrigger(pool common.Address) []Path {
	bucket := idx.byTrigger[pool]
	out := make([]Path, 0, len(bucket))
	for _, p := range bucket {
		if p.Enabled {
			out = append(out, p)
		}
	}
	return out
}

// ByID returns the path with the given id.
func (idx *Index) ByID(id uint64) (Path, bool) {
	p, ok := idx.byID[id]
	return p, ok
}

// PathsTouchingToken returns the ids of every path that uses token anywhere
// in its cycle, used by the notional gate to decide which paths a price
// update affects.
func (idx *Index) PathsTouchingToken(token common.Address) []uint64 {
	set, ok := idx.byToken[token]
	if !ok {
		return nil
	}
	return set.ToSlice()
}
