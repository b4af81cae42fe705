package bbolt

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jrife/grouse/storage/kv"
	"github.com/jrife/grouse/utils/uuid"
	bolt "go.etcd.io/bbolt"
)

const (
	DriverName = "bbolt"
)

// Plugins returns the kv plugins implemented by this package
func Plugins() []kv.Plugin {
	return []kv.Plugin{
		&BBoltPlugin{},
	}
}

type BBoltPlugin struct {
}

func (plugin *BBoltPlugin) Name() string {
	return DriverName
}

func (plugin *BBoltPlugin) NewStore(options kv.PluginOptions) (kv.Store, error) {
	var config BBoltStoreConfig

	if path, ok := options["path"]; !ok {
		return nil, fmt.Errorf("\"path\" is required")
	} else if pathString, ok := path.(string); !ok {
		return nil, fmt.Errorf("\"path\" must be a string")
	} else {
		config.Path = pathString
	}

	store, err := New(config)

	if err != nil {
		return nil, err
	}

	return store, nil
}

func (plugin *BBoltPlugin) NewTempStore() (kv.Store, error) {
	dir, err := os.MkdirTemp("", "bbolt-")

	if err != nil {
		return nil, fmt.Errorf("could not create temp dir: %w", err)
	}

	return plugin.NewStore(kv.PluginOptions{
		"path": filepath.Join(dir, fmt.Sprintf("%s.db", uuid.MustUUID())),
	})
}

// BBoltStoreConfig contains configuration for a bbolt store
type BBoltStoreConfig struct {
	Path string
}

var _ kv.Store = (*BBoltStore)(nil)

// New creates a bbolt-backed kv store at the configured path
func New(config BBoltStoreConfig) (*BBoltStore, error) {
	db, err := bolt.Open(config.Path, 0666, nil)

	if err != nil {
		return nil, fmt.Errorf("could not open bbolt store at %s: %w", config.Path, err)
	}

	return &BBoltStore{db: db}, nil
}

// BBoltStore implements kv.Store on top of a single bbolt database file
type BBoltStore struct {
	db *bolt.DB
}

func (store *BBoltStore) Begin(writable bool) (kv.Transaction, error) {
	transaction, err := store.db.Begin(writable)

	if err != nil {
		if errors.Is(err, bolt.ErrDatabaseNotOpen) {
			return nil, kv.ErrClosed
		}

		return nil, fmt.Errorf("could not begin transaction: %w", err)
	}

	return &BBoltTransaction{transaction: transaction}, nil
}

func (store *BBoltStore) Close() error {
	return store.db.Close()
}

func (store *BBoltStore) Delete() error {
	path := store.db.Path()

	if err := store.Close(); err != nil {
		return fmt.Errorf("could not close store: %w", err)
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("could not remove path %s: %w", path, err)
	}

	return nil
}

var _ kv.Transaction = (*BBoltTransaction)(nil)

type BBoltTransaction struct {
	transaction *bolt.Tx
}

func (transaction *BBoltTransaction) Bucket(name []byte) (kv.Bucket, error) {
	bucket := transaction.transaction.Bucket(name)

	if bucket == nil {
		return nil, kv.ErrNoSuchBucket
	}

	return &BBoltBucket{bucket: bucket}, nil
}

func (transaction *BBoltTransaction) CreateBucketIfNotExists(name []byte) (kv.Bucket, error) {
	bucket, err := transaction.transaction.CreateBucketIfNotExists(name)

	if err != nil {
		return nil, fmt.Errorf("could not create bucket %s: %w", name, err)
	}

	return &BBoltBucket{bucket: bucket}, nil
}

func (transaction *BBoltTransaction) Commit() error {
	return transaction.transaction.Commit()
}

func (transaction *BBoltTransaction) Rollback() error {
	err := transaction.transaction.Rollback()

	if errors.Is(err, bolt.ErrTxClosed) {
		return nil
	}

	return err
}

var _ kv.Bucket = (*BBoltBucket)(nil)

type BBoltBucket struct {
	bucket *bolt.Bucket
}

func (bucket *BBoltBucket) Get(key []byte) ([]byte, error) {
	return bucket.bucket.Get(key), nil
}

func (bucket *BBoltBucket) Put(key []byte, value []byte) error {
	return bucket.bucket.Put(key, value)
}

func (bucket *BBoltBucket) Delete(key []byte) error {
	return bucket.bucket.Delete(key)
}

func (bucket *BBoltBucket) ForEach(fn func(key []byte, value []byte) error) error {
	return bucket.bucket.ForEach(fn)
}

func (bucket *BBoltBucket) Cursor() kv.Cursor {
	return &BBoltCursor{cursor: bucket.bucket.Cursor()}
}

var _ kv.Cursor = (*BBoltCursor)(nil)

type BBoltCursor struct {
	cursor *bolt.Cursor
}

func (cursor *BBoltCursor) First() (key []byte, value []byte) {
	return cursor.cursor.First()
}

func (cursor *BBoltCursor) Last() (key []byte, value []byte) {
	return cursor.cursor.Last()
}

func (cursor *BBoltCursor) Next() (key []byte, value []byte) {
	return cursor.cursor.Next()
}

func (cursor *BBoltCursor) Prev() (key []byte, value []byte) {
	return cursor.cursor.Prev()
}

func (cursor *BBoltCursor) Seek(seek []byte) (key []byte, value []byte) {
	return cursor.cursor.Seek(seek)
}
