// Package badger stores artifacts in an embedded BadgerDB database.
package badger

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"sort"

	"github.com/cockroachdb/errors"
	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/amirkhaki/interleave/pkg/store"
)

const (
	artifactPrefix = "artifact/"
	seqPrefix      = "seq/"
)

// Config holds configuration for the database.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in memory; used by tests.
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// Logger receives BadgerDB's own log output. Nil silences it.
	Logger *zap.Logger
}

// DefaultConfig returns the configuration for a persistent database at path.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// zapLogger adapts zap to badger.Logger.
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l zapLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l zapLogger) Infof(format string, args ...interface{})    { l.s.Infof(format, args...) }
func (l zapLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }

// Store is a BadgerDB-backed artifact store.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence
}

// Open opens or creates the database described by cfg.
func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("path is required for a persistent artifact database")
		}
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, errors.Wrapf(err, "create database directory %s", cfg.Path)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(zapLogger{s: cfg.Logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Wrap(err, "open artifact database")
	}
	seq, err := db.GetSequence([]byte("meta/seq"), 16)
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "open artifact sequence")
	}
	return &Store{db: db, seq: seq}, nil
}

func artifactKey(id string) []byte { return []byte(artifactPrefix + id) }

// seqKey orders artifacts by insertion; the value is the artifact id.
func seqKey(n uint64) []byte {
	k := make([]byte, len(seqPrefix)+8)
	copy(k, seqPrefix)
	binary.BigEndian.PutUint64(k[len(seqPrefix):], n)
	return k
}

func (s *Store) Save(ctx context.Context, a *store.Artifact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := store.Marshal(a)
	if err != nil {
		return err
	}
	n, err := s.seq.Next()
	if err != nil {
		return errors.Wrap(err, "next artifact sequence")
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(artifactKey(a.ID))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			if err := txn.Set(seqKey(n), []byte(a.ID)); err != nil {
				return err
			}
		case err != nil:
			return err
		}
		return txn.Set(artifactKey(a.ID), data)
	})
	return errors.Wrapf(err, "save artifact %s", a.ID)
}

func (s *Store) Load(ctx context.Context, id string) (*store.Artifact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(artifactKey(id))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load artifact %s", id)
	}
	return store.Unmarshal(data)
}

func (s *Store) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	type entry struct {
		n  uint64
		id string
	}
	var entries []entry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(seqPrefix), PrefetchValues: true, PrefetchSize: 64})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			n := binary.BigEndian.Uint64(item.Key()[len(seqPrefix):])
			entries = append(entries, entry{n: n, id: string(v)})
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "list artifacts")
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].n < entries[j].n })
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		stale, err := seqKeysOf(txn, id)
		if err != nil {
			return err
		}
		for _, k := range append(stale, artifactKey(id)) {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	return errors.Wrapf(err, "delete artifact %s", id)
}

func seqKeysOf(txn *badger.Txn, id string) ([][]byte, error) {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(seqPrefix), PrefetchValues: true})
	defer it.Close()
	var keys [][]byte
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		err := item.Value(func(v []byte) error {
			if string(v) == id {
				keys = append(keys, item.KeyCopy(nil))
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return keys, nil
}

// Close releases the sequence and closes the database.
func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		_ = s.db.Close()
		return errors.Wrap(err, "release artifact sequence")
	}
	return s.db.Close()
}

func (s *Store) String() string {
	return fmt.Sprintf("badger(%s)", s.db.Opts().Dir)
}
