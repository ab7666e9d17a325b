package storage

import (
	"context"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type BadgerBackend struct {
	db  *badger.DB
	log *logrus.Entry
}

// NewBadgerBackend opens (or creates) a badger database in dir. An empty dir
// opens an in-memory database.
func NewBadgerBackend(dir string, logger *logrus.Logger) (*BadgerBackend, error) {
	if logger == nil {
		logger = logrus.New()
	}
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	opts.SyncWrites = true
	opts.ValueLogFileSize = 16 << 20

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "cannot open badger store")
	}
	return &BadgerBackend{db: db, log: logger.WithField("component", "badger")}, nil
}

func (b *BadgerBackend) Get(_ context.Context, key string) (string, error) {
	var value []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return "", ErrNotFound
	}
	if err != nil {
		return "", errors.Wrapf(err, "cannot read key %q", key)
	}
	return string(value), nil
}

func (b *BadgerBackend) GetAll(ctx context.Context, keys []string) (map[string]string, error) {
	if keys == nil {
		return b.Scan(ctx, "")
	}
	out := make(map[string]string, len(keys))
	err := b.db.View(func(txn *badger.Txn) error {
		for _, k := range keys {
			item, err := txn.Get([]byte(k))
			if err == badger.ErrKeyNotFound {
				continue
			}
			if err != nil {
				return err
			}
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[k] = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "cannot read keys")
	}
	return out, nil
}

// Set writes all items in one transaction.
func (b *BadgerBackend) Set(_ context.Context, items map[string]string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		for k, v := range items {
			if err := txn.Set([]byte(k), []byte(v)); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrap(err, "cannot write keys")
}

func (b *BadgerBackend) Remove(_ context.Context, keys []string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, k := range keys {
			if err := txn.Delete([]byte(k)); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrap(err, "cannot remove keys")
}

func (b *BadgerBackend) Scan(_ context.Context, prefix string) (map[string]string, error) {
	out := make(map[string]string)
	p := []byte(prefix)
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out[string(item.KeyCopy(nil))] = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "cannot scan prefix %q", prefix)
	}
	return out, nil
}

func (b *BadgerBackend) Close(_ context.Context) error {
	if err := b.db.Sync(); err != nil {
		b.log.WithError(err).Warn("sync before close failed")
	}
	return b.db.Close()
}
