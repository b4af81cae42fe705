package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
)

var (
	// ErrInvalidHeartbeat is returned when a heartbeat is missing a
	// node id or an address. The heartbeat is rejected without
	// mutating any state.
	ErrInvalidHeartbeat = errors.New("heartbeat is missing a node id or address")
	// ErrNoSuchNode is returned when an operation refers to a node
	// that was never registered or was decommissioned.
	ErrNoSuchNode = errors.New("no such node")
)

// NodeState is the liveness state of a storage node
type NodeState int

const (
	// StateUnknown means the node has never sent a heartbeat
	StateUnknown NodeState = iota
	// StateLive means a heartbeat was received within the liveness timeout
	StateLive
	// StateDead means no heartbeat was received within the liveness timeout
	StateDead
)

func (state NodeState) String() string {
	switch state {
	case StateLive:
		return "LIVE"
	case StateDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Node is the registry's record of a single storage node. Nodes are
// created on first heartbeat and removed only by an explicit
// decommission.
type Node struct {
	// ID is the node's opaque unique identifier
	ID string
	// Address is the host:port the node serves on
	Address string
	// SeqNo is the logical sequence number of the last applied
	// heartbeat. Heartbeats from the same node are applied in
	// arrival order: an older sequence number is a no-op.
	SeqNo int64
	// LastHeartbeat is the time the last heartbeat was applied
	LastHeartbeat time.Time
	// ReportedTabletCount is the tablet replica count the node
	// reported with its last heartbeat
	ReportedTabletCount int
	// State is the node's current liveness state
	State NodeState
}

// RegistryConfig contains configuration for a Registry
type RegistryConfig struct {
	Logger *zap.Logger
	// Clock overrides the time source. Intended for tests, defaults
	// to time.Now.
	Clock func() time.Time
}

// Registry tracks the live set of storage nodes based on their
// heartbeats. All methods are safe for concurrent use.
type Registry struct {
	logger *zap.Logger
	clock  func() time.Time

	mu    sync.RWMutex
	nodes map[string]*Node
	live  mapset.Set[string]
}

// New creates an empty Registry
func New(config RegistryConfig) *Registry {
	registry := &Registry{
		logger: config.Logger,
		clock:  config.Clock,
		nodes:  map[string]*Node{},
		live:   mapset.NewThreadUnsafeSet[string](),
	}

	if registry.logger == nil {
		registry.logger = zap.L()
	}

	if registry.clock == nil {
		registry.clock = time.Now
	}

	return registry
}

// RecordHeartbeat upserts the node and refreshes its liveness. It
// returns true if the node transitioned to LIVE, meaning it was
// previously unknown or DEAD and the caller should consider replica
// re-assignment. A heartbeat whose sequence number is older than one
// already applied for the same node is a no-op.
func (registry *Registry) RecordHeartbeat(id string, address string, seqno int64, reportedTablets int) (bool, error) {
	if id == "" || address == "" {
		return false, ErrInvalidHeartbeat
	}

	registry.mu.Lock()
	defer registry.mu.Unlock()

	node, ok := registry.nodes[id]

	if !ok {
		node = &Node{ID: id}
		registry.nodes[id] = node
	} else if seqno < node.SeqNo {
		registry.logger.Debug("ignoring stale heartbeat",
			zap.String("node", id),
			zap.Int64("seqno", seqno),
			zap.Int64("applied_seqno", node.SeqNo))

		return false, nil
	}

	transitioned := node.State != StateLive

	node.Address = address
	node.SeqNo = seqno
	node.ReportedTabletCount = reportedTablets
	node.LastHeartbeat = registry.clock()
	node.State = StateLive
	registry.live.Add(id)

	if transitioned {
		registry.logger.Info("node transitioned to LIVE",
			zap.String("node", id),
			zap.String("address", address))
	}

	return transitioned, nil
}

// ListLiveNodes returns a snapshot of all nodes currently in state
// LIVE, ordered by node id.
func (registry *Registry) ListLiveNodes() []Node {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	nodes := make([]Node, 0, registry.live.Cardinality())

	for id := range registry.live.Iter() {
		nodes = append(nodes, *registry.nodes[id])
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	return nodes
}

// Node returns a snapshot of the node with this id
func (registry *Registry) Node(id string) (Node, bool) {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	node, ok := registry.nodes[id]

	if !ok {
		return Node{}, false
	}

	return *node, true
}

// ListNodes returns a snapshot of every registered node regardless of
// state, ordered by node id.
func (registry *Registry) ListNodes() []Node {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	nodes := make([]Node, 0, len(registry.nodes))

	for _, node := range registry.nodes {
		nodes = append(nodes, *node)
	}

	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })

	return nodes
}

// CountLive returns the number of nodes currently in state LIVE
func (registry *Registry) CountLive() int {
	registry.mu.RLock()
	defer registry.mu.RUnlock()

	return registry.live.Cardinality()
}

// SweepExpired transitions to DEAD every LIVE node whose last
// heartbeat is older than timeout relative to now. It returns the ids
// of the nodes that transitioned, ordered by node id, for the caller
// to act on.
func (registry *Registry) SweepExpired(now time.Time, timeout time.Duration) []string {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	var expired []string

	for id := range registry.live.Iter() {
		node := registry.nodes[id]

		if now.Sub(node.LastHeartbeat) > timeout {
			node.State = StateDead
			expired = append(expired, id)
		}
	}

	for _, id := range expired {
		registry.live.Remove(id)

		registry.logger.Info("node transitioned to DEAD",
			zap.String("node", id),
			zap.Time("last_heartbeat", registry.nodes[id].LastHeartbeat))
	}

	sort.Strings(expired)

	return expired
}

// Decommission removes the node from the registry entirely. Nodes are
// never removed automatically, a DEAD node stays registered until it
// is decommissioned or it heartbeats again.
func (registry *Registry) Decommission(id string) error {
	registry.mu.Lock()
	defer registry.mu.Unlock()

	if _, ok := registry.nodes[id]; !ok {
		return ErrNoSuchNode
	}

	delete(registry.nodes, id)
	registry.live.Remove(id)

	registry.logger.Info("node decommissioned", zap.String("node", id))

	return nil
}
