package master

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jrife/grouse/master/catalog"
	"github.com/jrife/grouse/master/registry"
	"github.com/jrife/grouse/storage/kv"
	"github.com/jrife/grouse/utils/log"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrIllegalState is returned when a lifecycle transition is not
	// valid from the current state, such as calling Start before Init.
	ErrIllegalState = errors.New("operation is not valid in the current lifecycle state")
	// ErrNotRunning is returned by every serving operation while the
	// master is not in the Running state.
	ErrNotRunning = errors.New("master is not running")
)

// State is the master's lifecycle state. Transitions are
// Stopped -> Initialized -> Running -> Stopped and nothing else.
type State int

const (
	// StateStopped is the initial and final state
	StateStopped State = iota
	// StateInitialized means Init succeeded and the catalog was recovered
	StateInitialized
	// StateRunning means the master is serving and sweeping
	StateRunning
)

func (state State) String() string {
	switch state {
	case StateInitialized:
		return "INITIALIZED"
	case StateRunning:
		return "RUNNING"
	default:
		return "STOPPED"
	}
}

const (
	// DefaultHeartbeatTimeout is the liveness timeout: a LIVE node
	// that has not heartbeated for this long transitions to DEAD.
	DefaultHeartbeatTimeout = 30 * time.Second
	// DefaultSweepInterval is how often the background sweep runs
	DefaultSweepInterval = 5 * time.Second
)

// MasterConfig contains configuration for a Master
type MasterConfig struct {
	Logger *zap.Logger
	// Store is the durable kv store holding the catalog
	Store kv.Store
	// Placement picks initial replica sets. Defaults to
	// catalog.LoadWeighted.
	Placement catalog.PlacementStrategy
	// HeartbeatTimeout defaults to DefaultHeartbeatTimeout
	HeartbeatTimeout time.Duration
	// SweepInterval defaults to DefaultSweepInterval
	SweepInterval time.Duration
}

// Master is the control-plane coordinator. It exclusively owns the
// node registry and the catalog for the process lifetime and drives
// the reaction logic between them: when a node's liveness changes,
// tablets whose replica sets no longer meet their table's replication
// factor are repaired by an optimistic re-assignment. Repairs that
// lose the optimistic check are dropped and retried by a later sweep.
type Master struct {
	logger *zap.Logger
	config MasterConfig

	mu    sync.Mutex
	state State

	registry *registry.Registry
	catalog  *catalog.Catalog

	// healthy flips to false when the background loop observes an
	// unexpected persistence failure. It is a degradation signal for
	// external monitoring, not a crash.
	healthy *atomic.Bool

	stop     chan struct{}
	kick     chan struct{}
	loopDone sync.WaitGroup
	inflight sync.WaitGroup
}

// New creates a Master in the Stopped state
func New(config MasterConfig) *Master {
	master := &Master{
		logger:  config.Logger,
		config:  config,
		state:   StateStopped,
		healthy: atomic.NewBool(true),
		kick:    make(chan struct{}, 1),
	}

	if master.logger == nil {
		master.logger = zap.L()
	}

	if master.config.HeartbeatTimeout <= 0 {
		master.config.HeartbeatTimeout = DefaultHeartbeatTimeout
	}

	if master.config.SweepInterval <= 0 {
		master.config.SweepInterval = DefaultSweepInterval
	}

	return master
}

// Init constructs the node registry and the catalog and recovers
// persisted catalog state. A structurally corrupted catalog is fatal:
// Init returns the error and the process cannot proceed. Init is only
// valid from the Stopped state.
func (master *Master) Init() error {
	master.mu.Lock()
	defer master.mu.Unlock()

	if master.state != StateStopped {
		return fmt.Errorf("%w: Init from %s", ErrIllegalState, master.state)
	}

	master.registry = registry.New(registry.RegistryConfig{
		Logger: master.logger.Named("registry"),
	})

	cat, err := catalog.Open(catalog.CatalogConfig{
		Logger:    master.logger.Named("catalog"),
		Store:     master.config.Store,
		Nodes:     master.registry,
		Placement: master.config.Placement,
	})

	if err != nil {
		return fmt.Errorf("could not recover catalog: %w", err)
	}

	master.catalog = cat
	master.state = StateInitialized

	master.logger.Info("master initialized")

	return nil
}

// Start begins serving and starts the heartbeat-timeout sweep. It is
// only valid from the Initialized state.
func (master *Master) Start() error {
	master.mu.Lock()
	defer master.mu.Unlock()

	if master.state != StateInitialized {
		return fmt.Errorf("%w: Start from %s", ErrIllegalState, master.state)
	}

	master.stop = make(chan struct{})
	master.loopDone.Add(1)

	go master.sweepLoop()

	master.state = StateRunning

	master.logger.Info("master running",
		zap.Duration("heartbeat_timeout", master.config.HeartbeatTimeout),
		zap.Duration("sweep_interval", master.config.SweepInterval))

	return nil
}

// Shutdown stops accepting new operations, waits for in-flight
// catalog mutations to complete and releases resources. It is
// idempotent: calling it on a Stopped master is a no-op.
func (master *Master) Shutdown() error {
	master.mu.Lock()
	previous := master.state
	master.state = StateStopped
	master.mu.Unlock()

	if previous == StateStopped {
		return nil
	}

	if previous == StateRunning {
		close(master.stop)
		master.loopDone.Wait()
	}

	master.inflight.Wait()

	var err error

	if master.catalog != nil {
		err = multierr.Append(err, master.catalog.Close())
	}

	master.logger.Info("master stopped")

	return err
}

// State returns the current lifecycle state
func (master *Master) State() State {
	master.mu.Lock()
	defer master.mu.Unlock()

	return master.state
}

// Healthy reports whether the background control loop has observed
// an unexpected persistence failure since startup
func (master *Master) Healthy() bool {
	return master.healthy.Load()
}

// Registry returns the node registry owned by this master
func (master *Master) Registry() *registry.Registry {
	return master.registry
}

// Catalog returns the catalog owned by this master
func (master *Master) Catalog() *catalog.Catalog {
	return master.catalog
}

func (master *Master) requireRunning() error {
	master.mu.Lock()
	defer master.mu.Unlock()

	if master.state != StateRunning {
		return ErrNotRunning
	}

	master.inflight.Add(1)

	return nil
}

// Heartbeat records a storage node heartbeat. If the node transitions
// to LIVE the repair loop is woken so under-replicated tablets can
// take advantage of the new capacity.
func (master *Master) Heartbeat(ctx context.Context, nodeID string, address string, seqno int64, reportedTablets int) (bool, error) {
	if err := master.requireRunning(); err != nil {
		return false, err
	}

	defer master.inflight.Done()

	transitioned, err := master.registry.RecordHeartbeat(nodeID, address, seqno, reportedTablets)

	if err != nil {
		return false, err
	}

	if transitioned {
		master.wakeRepair()
	}

	return transitioned, nil
}

// CreateTable creates a table and its initial tablets
func (master *Master) CreateTable(ctx context.Context, spec catalog.TableSpec) (string, error) {
	if err := master.requireRunning(); err != nil {
		return "", err
	}

	defer master.inflight.Done()

	return master.catalog.CreateTable(ctx, spec)
}

// DeleteTable tombstones a table and its tablets
func (master *Master) DeleteTable(ctx context.Context, name string) error {
	if err := master.requireRunning(); err != nil {
		return err
	}

	defer master.inflight.Done()

	return master.catalog.DeleteTable(ctx, name)
}

// GetTableInfo returns a table and its tablets
func (master *Master) GetTableInfo(ctx context.Context, name string) (catalog.TableInfo, error) {
	if err := master.requireRunning(); err != nil {
		return catalog.TableInfo{}, err
	}

	defer master.inflight.Done()

	return master.catalog.GetTableInfo(name)
}

// ListTables returns a summary of every live table
func (master *Master) ListTables(ctx context.Context) ([]catalog.TableSummary, error) {
	if err := master.requireRunning(); err != nil {
		return nil, err
	}

	defer master.inflight.Done()

	return master.catalog.ListTables(), nil
}

// ListNodes returns every registered node
func (master *Master) ListNodes(ctx context.Context) ([]registry.Node, error) {
	if err := master.requireRunning(); err != nil {
		return nil, err
	}

	defer master.inflight.Done()

	return master.registry.ListNodes(), nil
}

// DecommissionNode removes a node from the registry and wakes the
// repair loop to move its replicas elsewhere
func (master *Master) DecommissionNode(ctx context.Context, nodeID string) error {
	if err := master.requireRunning(); err != nil {
		return err
	}

	defer master.inflight.Done()

	if err := master.registry.Decommission(nodeID); err != nil {
		return err
	}

	master.wakeRepair()

	return nil
}

func (master *Master) wakeRepair() {
	select {
	case master.kick <- struct{}{}:
	default:
	}
}

func (master *Master) sweepLoop() {
	defer master.loopDone.Done()

	ticker := time.NewTicker(master.config.SweepInterval)
	defer ticker.Stop()

	ctx := log.WithFields(context.Background(), zap.String("component", "sweep"))

	for {
		select {
		case <-ticker.C:
			master.sweepOnce(ctx, time.Now())
		case <-master.kick:
			master.repair(ctx)
		case <-master.stop:
			return
		}
	}
}

// sweepOnce expires silent nodes and runs a repair pass. Repair runs
// even when no node transitioned so that proposals dropped by an
// earlier optimistic conflict are retried.
func (master *Master) sweepOnce(ctx context.Context, now time.Time) {
	expired := master.registry.SweepExpired(now, master.config.HeartbeatTimeout)

	if len(expired) > 0 {
		master.logger.Info("sweep expired nodes", zap.Strings("nodes", expired))
	}

	master.repair(ctx)
}

// repair plans replica replacements from the current catalog and
// live-node snapshots and applies them with optimistic concurrency.
// Conflicts and capacity shortfalls are dropped, the next sweep
// retries them. Unexpected persistence failures mark the master
// unhealthy without crashing it.
func (master *Master) repair(ctx context.Context) {
	proposals := PlanReplacements(master.catalog.TabletStates(), master.registry.ListLiveNodes())

	for _, proposal := range proposals {
		err := master.catalog.ReassignReplicas(ctx, proposal.TabletID, proposal.Expected, proposal.Next)

		switch {
		case err == nil:
			master.logger.Info("reassigned tablet replicas",
				zap.String("tablet", proposal.TabletID),
				zap.Strings("replicas", proposal.Next))
		case errors.Is(err, catalog.ErrReplicaSetConflict),
			errors.Is(err, catalog.ErrNotEnoughNodes),
			errors.Is(err, catalog.ErrNoSuchTablet):
			master.logger.Debug("dropped re-assignment proposal",
				zap.String("tablet", proposal.TabletID),
				zap.Error(err))
		default:
			master.logger.Error("re-assignment failed",
				zap.String("tablet", proposal.TabletID),
				zap.Error(err))
			master.healthy.Store(false)
		}
	}
}
