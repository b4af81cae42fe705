package catalog

import (
	"sort"
	"sync"

	"github.com/jrife/grouse/master/registry"
)

// PlacementStrategy picks the initial replica set for a tablet from
// the currently LIVE nodes. The exact policy is pluggable, callers
// must only rely on the returned nodes being distinct members of
// candidates and exactly rf of them.
type PlacementStrategy interface {
	// Name returns the name of the strategy
	Name() string
	// Place returns the ids of rf distinct nodes chosen from
	// candidates. It returns ErrNotEnoughNodes if candidates has
	// fewer than rf members.
	Place(rf int, candidates []registry.Node) ([]string, error)
}

var _ PlacementStrategy = (*RoundRobin)(nil)

// RoundRobin spreads consecutive placements across the candidate set
// by rotating the starting node between calls. Ties and ordering are
// broken by lowest node id.
type RoundRobin struct {
	mu   sync.Mutex
	next int
}

func (strategy *RoundRobin) Name() string {
	return "round-robin"
}

func (strategy *RoundRobin) Place(rf int, candidates []registry.Node) ([]string, error) {
	if rf < 1 || len(candidates) < rf {
		return nil, ErrNotEnoughNodes
	}

	ids := make([]string, len(candidates))

	for i, node := range candidates {
		ids[i] = node.ID
	}

	sort.Strings(ids)

	strategy.mu.Lock()
	start := strategy.next
	strategy.next = (strategy.next + rf) % len(ids)
	strategy.mu.Unlock()

	replicas := make([]string, rf)

	for i := 0; i < rf; i++ {
		replicas[i] = ids[(start+i)%len(ids)]
	}

	return replicas, nil
}

var _ PlacementStrategy = (*LoadWeighted)(nil)

// LoadWeighted prefers the nodes hosting the fewest tablet replicas
// as reported by their last heartbeat. Ties are broken by lowest
// node id.
type LoadWeighted struct {
}

func (strategy *LoadWeighted) Name() string {
	return "load-weighted"
}

func (strategy *LoadWeighted) Place(rf int, candidates []registry.Node) ([]string, error) {
	if rf < 1 || len(candidates) < rf {
		return nil, ErrNotEnoughNodes
	}

	ordered := make([]registry.Node, len(candidates))
	copy(ordered, candidates)

	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].ReportedTabletCount != ordered[j].ReportedTabletCount {
			return ordered[i].ReportedTabletCount < ordered[j].ReportedTabletCount
		}

		return ordered[i].ID < ordered[j].ID
	})

	replicas := make([]string, rf)

	for i := 0; i < rf; i++ {
		replicas[i] = ordered[i].ID
	}

	return replicas, nil
}
