package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Store is the durable queue of deferred writes.
// Records are grouped in independent namespaces.
// Iteration order is not part of the contract.
type Store interface {
	// Put stores rec in the namespace. A record without a key gets a generated one.
	Put(ctx context.Context, namespace string, rec TaskRecord) (TaskRecord, error)
	// Iterate calls fn for every record of the namespace.
	// It stops at the first error, including a record that cannot be decoded.
	Iterate(ctx context.Context, namespace string, fn func(TaskRecord) error) error
	// Clear removes every record of the namespace in one atomic operation.
	Clear(ctx context.Context, namespace string) error
	// Delete removes the records with the given keys in one atomic operation.
	// Records added since the keys were read are left alone.
	Delete(ctx context.Context, namespace string, keys []string) error
	// Len returns the number of records in the namespace.
	Len(ctx context.Context, namespace string) (int, error)
	Close() error
}

// LevelDBQueue is a Store persisted in a LevelDB database.
type LevelDBQueue struct {
	db *leveldb.DB
}

var _ Store = (*LevelDBQueue)(nil)

// OpenLevelDBQueue opens the queue database at path.
// The path "memory" opens a non-persistent database.
func OpenLevelDBQueue(path string) (*LevelDBQueue, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "memory" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	return &LevelDBQueue{db: db}, nil
}

func (q *LevelDBQueue) Close() error {
	return q.db.Close()
}

func namespacePrefix(namespace string) ([]byte, error) {
	if namespace == "" || strings.ContainsRune(namespace, 0) {
		return nil, fmt.Errorf("invalid queue namespace %q", namespace)
	}
	return []byte("q\x00" + namespace + "\x00"), nil
}

func (q *LevelDBQueue) Put(ctx context.Context, namespace string, rec TaskRecord) (TaskRecord, error) {
	if err := ctx.Err(); err != nil {
		return rec, err
	}
	prefix, err := namespacePrefix(namespace)
	if err != nil {
		return rec, err
	}
	if err := rec.Validate(); err != nil {
		return rec, err
	}
	if rec.Key == "" {
		rec.Key = uuid.NewString()
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return rec, fmt.Errorf("encode task record: %w", err)
	}
	if err := q.db.Put(append(prefix, rec.Key...), b, nil); err != nil {
		return rec, fmt.Errorf("put task record: %w", err)
	}
	return rec, nil
}

func (q *LevelDBQueue) Iterate(ctx context.Context, namespace string, fn func(TaskRecord) error) error {
	prefix, err := namespacePrefix(namespace)
	if err != nil {
		return err
	}
	it := q.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()

	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := string(bytes.TrimPrefix(it.Key(), prefix))
		rec, err := ParseTaskRecord(key, it.Value())
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return it.Error()
}

func (q *LevelDBQueue) Clear(ctx context.Context, namespace string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prefix, err := namespacePrefix(namespace)
	if err != nil {
		return err
	}
	it := q.db.NewIterator(util.BytesPrefix(prefix), nil)
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return fmt.Errorf("scan queue: %w", err)
	}
	if err := q.db.Write(batch, nil); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	return nil
}

func (q *LevelDBQueue) Delete(ctx context.Context, namespace string, keys []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	prefix, err := namespacePrefix(namespace)
	if err != nil {
		return err
	}
	batch := new(leveldb.Batch)
	for _, key := range keys {
		batch.Delete(append(append([]byte(nil), prefix...), key...))
	}
	if err := q.db.Write(batch, nil); err != nil {
		return fmt.Errorf("delete queued tasks: %w", err)
	}
	return nil
}

func (q *LevelDBQueue) Len(ctx context.Context, namespace string) (int, error) {
	n := 0
	err := q.Iterate(ctx, namespace, func(TaskRecord) error {
		n++
		return nil
	})
	return n, err
}
