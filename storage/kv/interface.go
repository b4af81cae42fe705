package kv

import (
	"errors"
)

var (
	// ErrClosed indicates that the store was closed
	ErrClosed = errors.New("store was closed")
	// ErrNoSuchBucket indicates that the requested bucket doesn't exist.
	// Either it hasn't been created or it was deleted.
	ErrNoSuchBucket = errors.New("bucket does not exist")
)

// PluginOptions is a generic set of options for a storage plugin
type PluginOptions map[string]interface{}

// Plugin represents a kv storage plugin
type Plugin interface {
	// Name returns the name of the storage plugin
	Name() string
	// NewStore returns an instance of the plugin store
	NewStore(options PluginOptions) (Store, error)
	// NewTempStore returns an instance of the plugin store
	// initialized with some sane defaults. It is meant for
	// tests that need an initialized instance of the plugin's
	// store without knowing how to initialize it
	NewTempStore() (Store, error)
}

// Store is a durable sorted key-value store organized into named
// buckets. All writes made within a single transaction become visible
// atomically when the transaction commits: readers never observe a
// partially applied set of writes.
type Store interface {
	// Begin starts a transaction. writable should be true for
	// read-write transactions and false for read-only transactions.
	// Read-only transactions never block behind a writer. Begin must
	// return ErrClosed if its invocation starts after Close() returns.
	Begin(writable bool) (Transaction, error)
	// Close closes the store. Close must not return until all
	// concurrent transactions have either rolled back or committed.
	// Transactions started after Close returns must have no effect
	// and return ErrClosed.
	Close() error
	// Delete closes then deletes this store and all its contents
	Delete() error
}

// Transaction is a transaction for a store. It must only be
// used by one goroutine at a time.
type Transaction interface {
	// Bucket returns a handle to the bucket with this name.
	// It returns ErrNoSuchBucket if the bucket hasn't been created.
	Bucket(name []byte) (Bucket, error)
	// CreateBucketIfNotExists creates the bucket with this name if it
	// does not exist and returns a handle to it. It requires a
	// writable transaction.
	CreateBucketIfNotExists(name []byte) (Bucket, error)
	// Commit commits the transaction
	Commit() error
	// Rollback rolls back the transaction. Rolling back a committed
	// transaction has no effect.
	Rollback() error
}

// Bucket is a sorted key-value map inside a transaction
type Bucket interface {
	// Get gets a key. It must observe updates to that key made
	// previously by this transaction. It returns nil if the
	// requested key does not exist.
	Get(key []byte) ([]byte, error)
	// Put puts a key. Put must return an error
	// if either key or value is nil or empty.
	Put(key, value []byte) error
	// Delete deletes a key. If the key doesn't exist it has no
	// effect and returns nil.
	Delete(key []byte) error
	// ForEach invokes fn for every key in the bucket in ascending
	// lexicographical key order. Returning an error from fn stops
	// the iteration and returns that error from ForEach.
	ForEach(fn func(key []byte, value []byte) error) error
	// Cursor returns a cursor over the keys of this bucket
	Cursor() Cursor
}

// Cursor iterates over the keys of a bucket in lexicographical order.
// It must only be used by one goroutine at a time and only while its
// parent transaction is open.
type Cursor interface {
	// First moves the cursor to the first key
	First() (key []byte, value []byte)
	// Last moves the cursor to the last key
	Last() (key []byte, value []byte)
	// Next moves the cursor to the next key
	Next() (key []byte, value []byte)
	// Prev moves the cursor to the previous key
	Prev() (key []byte, value []byte)
	// Seek moves the cursor to the first key >= seek
	Seek(seek []byte) (key []byte, value []byte)
}
