package catalog_test

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/grouse/master/catalog"
	"github.com/jrife/grouse/master/registry"
)

func nodesWithLoad(loads map[string]int) []registry.Node {
	nodes := make([]registry.Node, 0, len(loads))

	for id, load := range loads {
		nodes = append(nodes, registry.Node{ID: id, ReportedTabletCount: load, State: registry.StateLive})
	}

	return nodes
}

func TestRoundRobinSpreadsPlacements(t *testing.T) {
	strategy := &catalog.RoundRobin{}
	candidates := nodesWithLoad(map[string]int{"n1": 0, "n2": 0, "n3": 0, "n4": 0})

	counts := map[string]int{}

	// 4 placements of 2 replicas over 4 nodes must land exactly
	// twice on each node
	for i := 0; i < 4; i++ {
		replicas, err := strategy.Place(2, candidates)

		if err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}

		if len(replicas) != 2 || replicas[0] == replicas[1] {
			t.Fatalf("expected 2 distinct replicas, got %v", replicas)
		}

		for _, replica := range replicas {
			counts[replica]++
		}
	}

	expected := map[string]int{"n1": 2, "n2": 2, "n3": 2, "n4": 2}

	if diff := cmp.Diff(expected, counts); diff != "" {
		t.Fatalf("placement counts (-want +got): %s", diff)
	}
}

func TestLoadWeightedPrefersLeastLoaded(t *testing.T) {
	strategy := &catalog.LoadWeighted{}

	replicas, err := strategy.Place(2, nodesWithLoad(map[string]int{"n1": 7, "n2": 1, "n3": 3}))

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if diff := cmp.Diff([]string{"n2", "n3"}, replicas); diff != "" {
		t.Fatalf("replicas (-want +got): %s", diff)
	}
}

func TestLoadWeightedBreaksTiesByLowestID(t *testing.T) {
	strategy := &catalog.LoadWeighted{}

	replicas, err := strategy.Place(2, nodesWithLoad(map[string]int{"n3": 1, "n1": 1, "n2": 1}))

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if diff := cmp.Diff([]string{"n1", "n2"}, replicas); diff != "" {
		t.Fatalf("replicas (-want +got): %s", diff)
	}
}

func TestPlaceNotEnoughNodes(t *testing.T) {
	for _, strategy := range []catalog.PlacementStrategy{&catalog.RoundRobin{}, &catalog.LoadWeighted{}} {
		t.Run(strategy.Name(), func(t *testing.T) {
			if _, err := strategy.Place(3, nodesWithLoad(map[string]int{"n1": 0})); !errors.Is(err, catalog.ErrNotEnoughNodes) {
				t.Fatalf("expected ErrNotEnoughNodes, got %#v", err)
			}
		})
	}
}
