package master

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/jrife/grouse/master/catalog"
	"github.com/jrife/grouse/master/registry"
)

// Proposal is one proposed replica re-assignment. Expected is the
// replica set the plan was computed from and is used for the
// optimistic check when the proposal is applied.
type Proposal struct {
	TabletID string
	Expected []string
	Next     []string
}

// PlanReplacements computes the re-assignments needed to bring every
// tablet back to its table's replication factor using only LIVE
// nodes. It is a pure function of its inputs: it performs no I/O and
// mutates neither snapshot, which keeps the placement decision logic
// testable apart from the concurrency and persistence plumbing.
//
// Surviving replicas are kept in their original order. Replacements
// are drawn from live nodes not already in the replica set, least
// loaded first, ties broken by lowest node id. A tablet that cannot
// be brought up to its replication factor right now yields no
// proposal; a later sweep will retry once capacity returns.
func PlanReplacements(tablets []catalog.TabletState, live []registry.Node) []Proposal {
	liveIDs := mapset.NewThreadUnsafeSet[string]()

	for _, node := range live {
		liveIDs.Add(node.ID)
	}

	candidates := make([]registry.Node, len(live))
	copy(candidates, live)

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].ReportedTabletCount != candidates[j].ReportedTabletCount {
			return candidates[i].ReportedTabletCount < candidates[j].ReportedTabletCount
		}

		return candidates[i].ID < candidates[j].ID
	})

	var proposals []Proposal

	for _, state := range tablets {
		tablet := state.Tablet
		members := mapset.NewThreadUnsafeSet(tablet.Replicas...)

		surviving := make([]string, 0, len(tablet.Replicas))

		for _, replica := range tablet.Replicas {
			if liveIDs.Contains(replica) {
				surviving = append(surviving, replica)
			}
		}

		if len(surviving) == len(tablet.Replicas) && len(surviving) >= state.ReplicationFactor {
			continue
		}

		needed := state.ReplicationFactor - len(surviving)

		if needed <= 0 {
			continue
		}

		next := append([]string(nil), surviving...)

		for _, candidate := range candidates {
			if needed == 0 {
				break
			}

			if members.Contains(candidate.ID) {
				continue
			}

			next = append(next, candidate.ID)
			needed--
		}

		if needed > 0 {
			continue
		}

		proposals = append(proposals, Proposal{
			TabletID: tablet.ID,
			Expected: append([]string(nil), tablet.Replicas...),
			Next:     next,
		})
	}

	return proposals
}
