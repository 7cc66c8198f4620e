// Package redis stores artifacts in Redis so that several machines running
// searches can share what they find.
package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	backend "github.com/redis/go-redis/v9"

	"github.com/amirkhaki/interleave/pkg/store"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "interleave:artifact:"

// Store implements store.Store on a Redis server.
type Store struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

type Option func(*Store)

// WithTTL expires artifacts after ttl; 0 keeps them forever.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New connects to the server at address.
func New(address, password string, db int, opts ...Option) *Store {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient wraps an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) key(id string) string {
	return s.prefix + id
}

// indexKey is a sorted set of ids scored by creation time in nanoseconds.
func (s *Store) indexKey() string {
	return s.prefix + "index"
}

// expiryKey is a sorted set of ids scored by their expiry in unix seconds.
func (s *Store) expiryKey() string {
	return s.prefix + "expiry"
}

func (s *Store) Save(ctx context.Context, a *store.Artifact) error {
	data, err := store.Marshal(a)
	if err != nil {
		return err
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.key(a.ID), data, s.ttl)
	pipe.ZAddNX(ctx, s.indexKey(), backend.Z{Score: float64(created.UnixNano()), Member: a.ID})
	if s.ttl > 0 {
		pipe.ZAdd(ctx, s.expiryKey(), backend.Z{Score: float64(time.Now().Add(s.ttl).Unix()), Member: a.ID})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "save artifact %s to redis", a.ID)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, id string) (*store.Artifact, error) {
	val, err := s.client.Get(ctx, s.key(id)).Bytes()
	if errors.Is(err, backend.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "load artifact %s from redis", id)
	}
	return store.Unmarshal(val)
}

// List prunes expired ids from the index before reading it.
func (s *Store) List(ctx context.Context) ([]string, error) {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	expired, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &backend.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "read artifact expiry index")
	}
	if len(expired) > 0 {
		members := make([]interface{}, len(expired))
		for i, id := range expired {
			members[i] = id
		}
		pipe := s.client.TxPipeline()
		pipe.ZRem(ctx, s.indexKey(), members...)
		pipe.ZRem(ctx, s.expiryKey(), members...)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, errors.Wrap(err, "prune expired artifacts")
		}
	}

	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "list artifacts")
	}
	return ids, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(id))
	pipe.ZRem(ctx, s.indexKey(), id)
	pipe.ZRem(ctx, s.expiryKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "delete artifact %s from redis", id)
	}
	return nil
}

// Close closes the redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
