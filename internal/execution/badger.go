package execution

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const (
	statePrefix = "exec/"
	keyPrefix   = "idem/"
)

// BadgerConfig configures a BadgerStore.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in RAM, for tests.
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
}

// BadgerStore persists execution state in BadgerDB so executions survive
// restarts.
type BadgerStore struct {
	db *badger.DB
}

type badgerLogger struct {
	l *zap.SugaredLogger
}

func (b badgerLogger) Errorf(f string, args ...interface{})   { b.l.Errorf(f, args...) }
func (b badgerLogger) Warningf(f string, args ...interface{}) { b.l.Warnf(f, args...) }
func (b badgerLogger) Infof(f string, args ...interface{})    { b.l.Debugf(f, args...) }
func (b badgerLogger) Debugf(f string, args ...interface{})   { b.l.Debugf(f, args...) }

// OpenBadger opens or creates a BadgerStore.
func OpenBadger(cfg BadgerConfig, logger *zap.Logger) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger store: path is required")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if logger != nil {
		opts = opts.WithLogger(badgerLogger{l: logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger store: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func getState(txn *badger.Txn, id string) (*State, error) {
	item, err := txn.Get([]byte(statePrefix + id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var st State
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &st) }); err != nil {
		return nil, fmt.Errorf("decode execution %s: %w", id, err)
	}
	return &st, nil
}

func putState(txn *badger.Txn, st *State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode execution %s: %w", st.ExecutionID, err)
	}
	return txn.Set([]byte(statePrefix+st.ExecutionID), data)
}

// conflict maps badger's optimistic transaction conflict onto ErrConflict.
func conflict(err error) error {
	if errors.Is(err, badger.ErrConflict) {
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}

func (b *BadgerStore) Create(ctx context.Context, st *State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(statePrefix + st.ExecutionID))
		if err == nil {
			return fmt.Errorf("%w: %s", ErrExists, st.ExecutionID)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		next := st.Clone()
		next.Version = 1
		return putState(txn, next)
	})
	if err != nil {
		return conflict(err)
	}
	st.Version = 1
	return nil
}

func (b *BadgerStore) Get(ctx context.Context, id string) (*State, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var st *State
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		st, err = getState(txn, id)
		return err
	})
	return st, err
}

func (b *BadgerStore) Update(ctx context.Context, st *State) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		cur, err := getState(txn, st.ExecutionID)
		if err != nil {
			return err
		}
		if cur.Version != st.Version {
			return fmt.Errorf("%w: %s at version %d, have %d", ErrConflict, st.ExecutionID, cur.Version, st.Version)
		}
		next := st.Clone()
		next.Version++
		return putState(txn, next)
	})
	if err != nil {
		return conflict(err)
	}
	st.Version++
	return nil
}

func (b *BadgerStore) MapIdempotencyKey(ctx context.Context, key, id string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	owner := id
	err := b.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err == nil {
			return item.Value(func(v []byte) error {
				owner = string(v)
				return nil
			})
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set([]byte(keyPrefix+key), []byte(id))
	})
	if errors.Is(err, badger.ErrConflict) {
		// a concurrent writer claimed the key first
		existing, ok, lerr := b.LookupIdempotencyKey(ctx, key)
		if lerr != nil {
			return "", lerr
		}
		if ok {
			return existing, nil
		}
	}
	if err != nil {
		return "", err
	}
	return owner, nil
}

func (b *BadgerStore) LookupIdempotencyKey(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	var id string
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		id = string(v)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// Close closes the database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}
