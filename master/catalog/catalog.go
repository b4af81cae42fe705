package catalog

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/jrife/grouse/master/registry"
	"github.com/jrife/grouse/storage/kv"
	"github.com/jrife/grouse/utils/log"
	"github.com/jrife/grouse/utils/uuid"
	"go.uber.org/zap"
)

var (
	// ErrNoSuchTable is returned when an operation refers to a table
	// that does not exist or was deleted.
	ErrNoSuchTable = errors.New("no such table")
	// ErrNoSuchTablet is returned when an operation refers to a
	// tablet that does not exist or was tombstoned.
	ErrNoSuchTablet = errors.New("no such tablet")
	// ErrTableExists is returned when a table with the requested
	// name already exists.
	ErrTableExists = errors.New("table already exists")
	// ErrNotEnoughNodes is returned when fewer LIVE nodes exist than
	// the requested replication factor.
	ErrNotEnoughNodes = errors.New("not enough live nodes for the replication factor")
	// ErrReplicaSetConflict is returned when an optimistic replica
	// re-assignment observes a replica set different from the one the
	// caller read. State is never mutated in this case.
	ErrReplicaSetConflict = errors.New("replica set changed since it was read")
	// ErrInvalidSpec is returned when a table spec is malformed. It
	// is rejected before any state change.
	ErrInvalidSpec = errors.New("invalid table spec")
	// ErrCorrupted is returned by Open when the persisted catalog is
	// structurally inconsistent. The process cannot proceed.
	ErrCorrupted = errors.New("catalog is structurally corrupted")
)

// NodeSource is the registry view the catalog needs for initial
// replica placement
type NodeSource interface {
	// ListLiveNodes returns a snapshot of the nodes currently LIVE
	ListLiveNodes() []registry.Node
}

// CatalogConfig contains configuration for a Catalog
type CatalogConfig struct {
	Logger *zap.Logger
	// Store is the durable kv store holding the catalog records
	Store kv.Store
	// Nodes supplies the live node set for placement decisions
	Nodes NodeSource
	// Placement picks initial replica sets. Defaults to LoadWeighted.
	Placement PlacementStrategy
}

// Catalog is the authoritative, durable record of tables and their
// tablet-to-replica assignments. Every table and its initial tablets
// are committed in a single store transaction so partial visibility
// is never observable. All mutations are serialized through a single
// commit mutex; reads are lock-free with respect to in-flight commits
// because the in-memory index is only swapped after a commit succeeds.
type Catalog struct {
	logger    *zap.Logger
	store     kv.Store
	nodes     NodeSource
	placement PlacementStrategy

	// commitMu serializes all mutating operations
	commitMu sync.Mutex
	// mu guards the in-memory index below
	mu             sync.RWMutex
	tablesByID     map[string]*TableRecord
	tableIDsByName map[string]string
	tabletsByID    map[string]*TabletRecord
	// tabletsByTable orders each table's tablets by start key
	tabletsByTable map[string]*treemap.Map
	// pendingDeletes holds tombstoned tablets awaiting cleanup by
	// their storage nodes
	pendingDeletes []TabletRecord
}

// Open creates a Catalog over the given store and recovers any
// persisted state by scanning the catalog buckets once. It fails with
// ErrCorrupted if a live tablet references a table that does not
// exist.
func Open(config CatalogConfig) (*Catalog, error) {
	catalog := &Catalog{
		logger:         config.Logger,
		store:          config.Store,
		nodes:          config.Nodes,
		placement:      config.Placement,
		tablesByID:     map[string]*TableRecord{},
		tableIDsByName: map[string]string{},
		tabletsByID:    map[string]*TabletRecord{},
		tabletsByTable: map[string]*treemap.Map{},
	}

	if catalog.logger == nil {
		catalog.logger = zap.L()
	}

	if catalog.placement == nil {
		catalog.placement = &LoadWeighted{}
	}

	if err := catalog.ensureBuckets(); err != nil {
		return nil, err
	}

	if err := catalog.recover(); err != nil {
		return nil, err
	}

	return catalog, nil
}

func (catalog *Catalog) ensureBuckets() error {
	transaction, err := catalog.store.Begin(true)

	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}

	defer transaction.Rollback()

	for _, name := range [][]byte{tablesBucket, tabletsBucket} {
		if _, err := transaction.CreateBucketIfNotExists(name); err != nil {
			return fmt.Errorf("could not ensure catalog buckets exist: %w", err)
		}
	}

	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}

	return nil
}

// recover re-derives the in-memory index from the persisted records
func (catalog *Catalog) recover() error {
	transaction, err := catalog.store.Begin(false)

	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}

	defer transaction.Rollback()

	tables, err := transaction.Bucket(tablesBucket)

	if err != nil {
		return fmt.Errorf("could not open tables bucket: %w", err)
	}

	if err := tables.ForEach(func(key []byte, value []byte) error {
		table, err := decodeTable(value)

		if err != nil {
			return fmt.Errorf("%w: table %s: %s", ErrCorrupted, key, err)
		}

		if table.Deleted {
			return nil
		}

		if _, ok := catalog.tableIDsByName[table.Name]; ok {
			return fmt.Errorf("%w: two live tables named %q", ErrCorrupted, table.Name)
		}

		catalog.tablesByID[table.ID] = table
		catalog.tableIDsByName[table.Name] = table.ID
		catalog.tabletsByTable[table.ID] = treemap.NewWithStringComparator()

		return nil
	}); err != nil {
		return err
	}

	tablets, err := transaction.Bucket(tabletsBucket)

	if err != nil {
		return fmt.Errorf("could not open tablets bucket: %w", err)
	}

	if err := tablets.ForEach(func(key []byte, value []byte) error {
		tablet, err := decodeTablet(value)

		if err != nil {
			return fmt.Errorf("%w: tablet %s: %s", ErrCorrupted, key, err)
		}

		if tablet.Tombstoned {
			catalog.pendingDeletes = append(catalog.pendingDeletes, *tablet)

			return nil
		}

		if _, ok := catalog.tablesByID[tablet.TableID]; !ok {
			return fmt.Errorf("%w: tablet %s references nonexistent table %s", ErrCorrupted, tablet.ID, tablet.TableID)
		}

		catalog.tabletsByID[tablet.ID] = tablet
		catalog.tabletsByTable[tablet.TableID].Put(tablet.StartKey, tablet)

		return nil
	}); err != nil {
		return err
	}

	catalog.logger.Info("catalog recovered",
		zap.Int("tables", len(catalog.tablesByID)),
		zap.Int("tablets", len(catalog.tabletsByID)),
		zap.Int("pending_deletes", len(catalog.pendingDeletes)))

	return nil
}

func validateSpec(spec TableSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("%w: name is empty", ErrInvalidSpec)
	}

	if spec.ReplicationFactor < 1 {
		return fmt.Errorf("%w: replication factor must be >= 1", ErrInvalidSpec)
	}

	if len(spec.Schema) == 0 {
		return fmt.Errorf("%w: schema has no columns", ErrInvalidSpec)
	}

	columns := mapset.NewThreadUnsafeSet[string]()

	for _, column := range spec.Schema {
		if column.Name == "" {
			return fmt.Errorf("%w: schema has a column with no name", ErrInvalidSpec)
		}

		if !columns.Add(column.Name) {
			return fmt.Errorf("%w: duplicate column %q", ErrInvalidSpec, column.Name)
		}
	}

	for i, key := range spec.SplitKeys {
		if key == "" {
			return fmt.Errorf("%w: split keys must not be empty", ErrInvalidSpec)
		}

		if i > 0 && spec.SplitKeys[i-1] >= key {
			return fmt.Errorf("%w: split keys must be sorted and distinct", ErrInvalidSpec)
		}
	}

	return nil
}

// CreateTable assigns tablet key ranges per the spec's split keys,
// places each tablet's replicas on LIVE nodes and commits the table
// together with all of its tablets atomically. N split keys produce
// N+1 tablets covering the whole key space contiguously.
func (catalog *Catalog) CreateTable(ctx context.Context, spec TableSpec) (string, error) {
	logger := log.WithContext(ctx, catalog.logger).With(zap.String("operation", "CreateTable"), zap.String("table", spec.Name))
	logger.Debug("start CreateTable()")

	if err := validateSpec(spec); err != nil {
		return "", err
	}

	catalog.commitMu.Lock()
	defer catalog.commitMu.Unlock()

	catalog.mu.RLock()
	_, nameInUse := catalog.tableIDsByName[spec.Name]
	catalog.mu.RUnlock()

	if nameInUse {
		return "", ErrTableExists
	}

	live := catalog.nodes.ListLiveNodes()

	if len(live) < spec.ReplicationFactor {
		return "", ErrNotEnoughNodes
	}

	table := &TableRecord{
		ID:                uuid.MustUUID(),
		Name:              spec.Name,
		Schema:            append([]ColumnSchema(nil), spec.Schema...),
		SplitKeys:         append([]string(nil), spec.SplitKeys...),
		ReplicationFactor: spec.ReplicationFactor,
		CreatedAt:         time.Now().UTC(),
	}

	tablets := make([]*TabletRecord, 0, len(spec.SplitKeys)+1)
	bounds := append(append([]string{""}, spec.SplitKeys...), "")

	for i := 0; i+1 < len(bounds); i++ {
		replicas, err := catalog.placement.Place(spec.ReplicationFactor, live)

		if err != nil {
			return "", err
		}

		tablets = append(tablets, &TabletRecord{
			ID:         uuid.MustUUID(),
			TableID:    table.ID,
			StartKey:   bounds[i],
			EndKey:     bounds[i+1],
			Replicas:   replicas,
			LeaderHint: replicas[0],
		})
	}

	if err := catalog.commit(table, tablets); err != nil {
		logger.Error("could not commit table", zap.Error(err))

		return "", err
	}

	catalog.mu.Lock()
	catalog.tablesByID[table.ID] = table
	catalog.tableIDsByName[table.Name] = table.ID
	byStart := treemap.NewWithStringComparator()

	for _, tablet := range tablets {
		catalog.tabletsByID[tablet.ID] = tablet
		byStart.Put(tablet.StartKey, tablet)
	}

	catalog.tabletsByTable[table.ID] = byStart
	catalog.mu.Unlock()

	logger.Debug("return from CreateTable()", zap.String("table_id", table.ID), zap.Int("tablets", len(tablets)))

	return table.ID, nil
}

// commit writes a table record and any tablet records in one store
// transaction
func (catalog *Catalog) commit(table *TableRecord, tablets []*TabletRecord) error {
	transaction, err := catalog.store.Begin(true)

	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}

	defer transaction.Rollback()

	tablesB, err := transaction.Bucket(tablesBucket)

	if err != nil {
		return fmt.Errorf("could not open tables bucket: %w", err)
	}

	raw, err := encodeTable(table)

	if err != nil {
		return err
	}

	if err := tablesB.Put([]byte(table.ID), raw); err != nil {
		return fmt.Errorf("could not write table %s: %w", table.ID, err)
	}

	tabletsB, err := transaction.Bucket(tabletsBucket)

	if err != nil {
		return fmt.Errorf("could not open tablets bucket: %w", err)
	}

	for _, tablet := range tablets {
		raw, err := encodeTablet(tablet)

		if err != nil {
			return err
		}

		if err := tabletsB.Put([]byte(tablet.ID), raw); err != nil {
			return fmt.Errorf("could not write tablet %s: %w", tablet.ID, err)
		}
	}

	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("could not commit transaction: %w", err)
	}

	return nil
}

// DeleteTable tombstones the table and all of its tablets in one
// atomic commit. The tombstoned tablets become deletion intents for
// the storage nodes to reconcile asynchronously.
func (catalog *Catalog) DeleteTable(ctx context.Context, name string) error {
	logger := log.WithContext(ctx, catalog.logger).With(zap.String("operation", "DeleteTable"), zap.String("table", name))
	logger.Debug("start DeleteTable()")

	catalog.commitMu.Lock()
	defer catalog.commitMu.Unlock()

	catalog.mu.RLock()
	tableID, ok := catalog.tableIDsByName[name]

	if !ok {
		catalog.mu.RUnlock()

		return ErrNoSuchTable
	}

	table := *catalog.tablesByID[tableID]
	table.Deleted = true

	var tablets []*TabletRecord

	catalog.tabletsByTable[tableID].Each(func(key interface{}, value interface{}) {
		tablet := *(value.(*TabletRecord))
		tablet.Tombstoned = true
		tablets = append(tablets, &tablet)
	})
	catalog.mu.RUnlock()

	if err := catalog.commit(&table, tablets); err != nil {
		logger.Error("could not commit tombstones", zap.Error(err))

		return err
	}

	catalog.mu.Lock()
	delete(catalog.tableIDsByName, name)
	delete(catalog.tablesByID, tableID)
	delete(catalog.tabletsByTable, tableID)

	for _, tablet := range tablets {
		delete(catalog.tabletsByID, tablet.ID)
		catalog.pendingDeletes = append(catalog.pendingDeletes, *tablet)
	}

	catalog.mu.Unlock()

	logger.Debug("return from DeleteTable()", zap.Int("tombstoned_tablets", len(tablets)))

	return nil
}

// GetTableInfo returns the table and its tablets ordered by start key
func (catalog *Catalog) GetTableInfo(name string) (TableInfo, error) {
	catalog.mu.RLock()
	defer catalog.mu.RUnlock()

	tableID, ok := catalog.tableIDsByName[name]

	if !ok {
		return TableInfo{}, ErrNoSuchTable
	}

	info := TableInfo{Table: *catalog.tablesByID[tableID]}

	catalog.tabletsByTable[tableID].Each(func(key interface{}, value interface{}) {
		tablet := *(value.(*TabletRecord))
		tablet.Replicas = append([]string(nil), tablet.Replicas...)
		info.Tablets = append(info.Tablets, tablet)
	})

	return info, nil
}

// ListTables returns a summary of every live table ordered by name
func (catalog *Catalog) ListTables() []TableSummary {
	catalog.mu.RLock()
	defer catalog.mu.RUnlock()

	summaries := make([]TableSummary, 0, len(catalog.tablesByID))

	for _, table := range catalog.tablesByID {
		summaries = append(summaries, TableSummary{
			ID:                table.ID,
			Name:              table.Name,
			TabletCount:       catalog.tabletsByTable[table.ID].Size(),
			ReplicationFactor: table.ReplicationFactor,
		})
	}

	sort.Slice(summaries, func(i, j int) bool { return summaries[i].Name < summaries[j].Name })

	return summaries
}

// GetTablet returns the tablet with this id
func (catalog *Catalog) GetTablet(id string) (TabletRecord, error) {
	catalog.mu.RLock()
	defer catalog.mu.RUnlock()

	tablet, ok := catalog.tabletsByID[id]

	if !ok {
		return TabletRecord{}, ErrNoSuchTablet
	}

	snapshot := *tablet
	snapshot.Replicas = append([]string(nil), tablet.Replicas...)

	return snapshot, nil
}

// TabletStates returns a snapshot of every live tablet together with
// its table's replication factor
func (catalog *Catalog) TabletStates() []TabletState {
	catalog.mu.RLock()
	defer catalog.mu.RUnlock()

	states := make([]TabletState, 0, len(catalog.tabletsByID))

	for _, tablet := range catalog.tabletsByID {
		snapshot := *tablet
		snapshot.Replicas = append([]string(nil), tablet.Replicas...)

		states = append(states, TabletState{
			Tablet:            snapshot,
			ReplicationFactor: catalog.tablesByID[tablet.TableID].ReplicationFactor,
		})
	}

	sort.Slice(states, func(i, j int) bool { return states[i].Tablet.ID < states[j].Tablet.ID })

	return states
}

// PendingDeletions returns the tombstoned tablets awaiting cleanup
func (catalog *Catalog) PendingDeletions() []TabletRecord {
	catalog.mu.RLock()
	defer catalog.mu.RUnlock()

	return append([]TabletRecord(nil), catalog.pendingDeletes...)
}

// ReassignReplicas atomically replaces a tablet's replica set. The
// caller supplies the replica set it based its decision on: if the
// tablet's current replica set no longer matches, the update fails
// with ErrReplicaSetConflict and nothing is mutated. This optimistic
// check prevents lost updates from concurrent re-assignment decisions.
func (catalog *Catalog) ReassignReplicas(ctx context.Context, tabletID string, expected []string, next []string) error {
	logger := log.WithContext(ctx, catalog.logger).With(zap.String("operation", "ReassignReplicas"), zap.String("tablet", tabletID))
	logger.Debug("start ReassignReplicas()", zap.Strings("next", next))

	if len(next) == 0 {
		return fmt.Errorf("%w: new replica set is empty", ErrInvalidSpec)
	}

	if mapset.NewThreadUnsafeSet(next...).Cardinality() != len(next) {
		return fmt.Errorf("%w: new replica set has duplicate nodes", ErrInvalidSpec)
	}

	catalog.commitMu.Lock()
	defer catalog.commitMu.Unlock()

	catalog.mu.RLock()
	current, ok := catalog.tabletsByID[tabletID]
	catalog.mu.RUnlock()

	if !ok {
		return ErrNoSuchTablet
	}

	if !mapset.NewThreadUnsafeSet(current.Replicas...).Equal(mapset.NewThreadUnsafeSet(expected...)) {
		return ErrReplicaSetConflict
	}

	updated := *current
	updated.Replicas = append([]string(nil), next...)

	if updated.LeaderHint != "" && !mapset.NewThreadUnsafeSet(next...).Contains(updated.LeaderHint) {
		updated.LeaderHint = next[0]
	}

	transaction, err := catalog.store.Begin(true)

	if err != nil {
		return fmt.Errorf("could not begin transaction: %w", err)
	}

	defer transaction.Rollback()

	tabletsB, err := transaction.Bucket(tabletsBucket)

	if err != nil {
		return fmt.Errorf("could not open tablets bucket: %w", err)
	}

	raw, err := encodeTablet(&updated)

	if err != nil {
		return err
	}

	if err := tabletsB.Put([]byte(updated.ID), raw); err != nil {
		return fmt.Errorf("could not write tablet %s: %w", updated.ID, err)
	}

	if err := transaction.Commit(); err != nil {
		logger.Error("could not commit re-assignment", zap.Error(err))

		return fmt.Errorf("could not commit transaction: %w", err)
	}

	catalog.mu.Lock()
	catalog.tabletsByID[tabletID] = &updated
	catalog.tabletsByTable[updated.TableID].Put(updated.StartKey, &updated)
	catalog.mu.Unlock()

	logger.Debug("return from ReassignReplicas()")

	return nil
}

// Close closes the underlying store. The catalog must not be used
// after Close returns.
func (catalog *Catalog) Close() error {
	return catalog.store.Close()
}
