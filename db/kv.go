package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"github.com/yixinin/pairup/stderr"
)

var ErrNotFound = errors.New("key not found")

type Storage struct {
	db *badger.DB
}

// Open opens the badger database in dir. An in-memory database ignores dir.
func Open(dir string, inMemory bool) (*Storage, error) {
	opts := badger.DefaultOptions(dir)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(logrus.WithField("component", "badger")).
		WithLoggingLevel(badger.WARNING)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, stderr.Wrap(err)
	}
	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func Set[T any](ctx context.Context, s *Storage, key string, value T, ttl int) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if ttl <= 0 {
			return txn.Set([]byte(key), data)
		}
		e := badger.NewEntry([]byte(key), data).
			WithTTL(time.Second * time.Duration(ttl))
		return txn.SetEntry(e)
	})
}

func Get[T any](ctx context.Context, s *Storage, key string) (T, error) {
	var t T
	return t, s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &t)
		})
	})
}

// Delete removes key. Deleting a missing key is not an error.
func Delete(ctx context.Context, s *Storage, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Scan decodes up to limit values under prefix in key order; limit <= 0
// means no limit.
func Scan[T any](ctx context.Context, s *Storage, prefix string, limit int) ([]T, error) {
	var ts = make([]T, 0)
	return ts, s.db.View(func(txn *badger.Txn) error {
		var opt = badger.DefaultIteratorOptions
		if prefix != "" {
			opt.Prefix = []byte(prefix)
		}
		iter := txn.NewIterator(opt)
		defer iter.Close()
		for iter.Rewind(); iter.Valid(); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var t T
			err := iter.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &t)
			})
			if err != nil {
				return err
			}
			ts = append(ts, t)
			if limit > 0 && len(ts) == limit {
				return nil
			}
		}
		return nil
	})
}
