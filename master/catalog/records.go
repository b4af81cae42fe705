package catalog

import (
	"encoding/json"
	"fmt"
	"time"
)

var (
	tablesBucket  = []byte("tables")
	tabletsBucket = []byte("tablets")
)

// ColumnSchema is one column of a table's schema
type ColumnSchema struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

// TableRecord is the durable record for a table. A table's id is
// immutable and its schema is immutable after creation.
type TableRecord struct {
	ID                string         `json:"id"`
	Name              string         `json:"name"`
	Schema            []ColumnSchema `json:"schema"`
	SplitKeys         []string       `json:"split_keys"`
	ReplicationFactor int            `json:"replication_factor"`
	CreatedAt         time.Time      `json:"created_at"`
	// Deleted marks the table tombstoned. Tombstoned records stay in
	// the store as deletion intents for storage nodes to reconcile.
	Deleted bool `json:"deleted"`
}

// TabletRecord is the durable record for a tablet: a contiguous key
// range of a table replicated across storage nodes. StartKey is
// inclusive and EndKey is exclusive. An empty StartKey means the
// lowest possible key, an empty EndKey means the highest.
type TabletRecord struct {
	ID       string   `json:"id"`
	TableID  string   `json:"table_id"`
	StartKey string   `json:"start_key"`
	EndKey   string   `json:"end_key"`
	Replicas []string `json:"replicas"`
	// LeaderHint is the node believed to lead the tablet's replica
	// set. It is advisory only.
	LeaderHint string `json:"leader_hint,omitempty"`
	Tombstoned bool   `json:"tombstoned"`
}

// TableSpec is the input to CreateTable
type TableSpec struct {
	Name string
	// Schema is the ordered list of columns
	Schema []ColumnSchema
	// SplitKeys are the partition boundaries. N split keys produce
	// N+1 tablets whose ranges are contiguous and cover the whole
	// key space. Keys must be sorted and distinct.
	SplitKeys []string
	// ReplicationFactor is the number of replicas per tablet, >= 1
	ReplicationFactor int
}

// TableSummary is one row of ListTables
type TableSummary struct {
	ID                string
	Name              string
	TabletCount       int
	ReplicationFactor int
}

// TableInfo is the full view of a table and its tablets, ordered by
// tablet start key
type TableInfo struct {
	Table   TableRecord
	Tablets []TabletRecord
}

// TabletState pairs a tablet with its table's replication factor. It
// is the input to replica re-assignment planning.
type TabletState struct {
	Tablet            TabletRecord
	ReplicationFactor int
}

func encodeTable(table *TableRecord) ([]byte, error) {
	raw, err := json.Marshal(table)

	if err != nil {
		return nil, fmt.Errorf("could not encode table %s: %w", table.ID, err)
	}

	return raw, nil
}

func decodeTable(raw []byte) (*TableRecord, error) {
	var table TableRecord

	if err := json.Unmarshal(raw, &table); err != nil {
		return nil, fmt.Errorf("could not decode table record: %w", err)
	}

	return &table, nil
}

func encodeTablet(tablet *TabletRecord) ([]byte, error) {
	raw, err := json.Marshal(tablet)

	if err != nil {
		return nil, fmt.Errorf("could not encode tablet %s: %w", tablet.ID, err)
	}

	return raw, nil
}

func decodeTablet(raw []byte) (*TabletRecord, error) {
	var tablet TabletRecord

	if err := json.Unmarshal(raw, &tablet); err != nil {
		return nil, fmt.Errorf("could not decode tablet record: %w", err)
	}

	return &tablet, nil
}
