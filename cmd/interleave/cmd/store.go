package cmd

import (
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/amirkhaki/interleave/internal/config"
	"github.com/amirkhaki/interleave/internal/logging"
	"github.com/amirkhaki/interleave/pkg/store"
	"github.com/amirkhaki/interleave/pkg/store/badger"
	"github.com/amirkhaki/interleave/pkg/store/file"
	"github.com/amirkhaki/interleave/pkg/store/memory"
	"github.com/amirkhaki/interleave/pkg/store/redis"
)

// openStore opens the configured artifact store. It returns nil for the
// none store.
func openStore(c config.StoreConfig, log *zap.Logger) (store.Store, error) {
	var (
		s   store.Store
		err error
	)
	switch c.Kind {
	case config.StoreNone, "":
		return nil, nil
	case config.StoreMemory:
		s = memory.New()
	case config.StoreFile:
		s, err = file.New(c.Path)
	case config.StoreBadger:
		bc := badger.DefaultConfig(c.Path)
		bc.Logger = log.Named("badger")
		s, err = badger.Open(bc)
	case config.StoreRedis:
		s = redis.New(c.Redis.Addr, c.Redis.Password, c.Redis.DB,
			redis.WithPrefix(c.Redis.Prefix), redis.WithTTL(c.Redis.TTL))
	default:
		return nil, errors.Newf("unknown store %q", c.Kind)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s store", c.Kind)
	}
	log.Debug("store opened", zap.String(logging.FieldStore, c.Kind))
	return s, nil
}

// requireStore opens the configured store and fails when there is none.
func requireStore() (store.Store, error) {
	s, err := openStore(cfg.Store, logger)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, errors.WithHint(errors.New("no artifact store configured"), "set --store and --store-path")
	}
	return s, nil
}
