package metarelay

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/ethdb/leveldb"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
	"github.com/go-redis/redis/v8"
)

// StateStore is the string key/value store behind the recovery record.
type StateStore interface {
	// Get returns the value of key and whether it is present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Apply writes every Set entry and removes every Delete key atomically.
	Apply(ctx context.Context, update StateUpdate) error
	Close() error
}

// StateUpdate is an atomic multi-key change.
type StateUpdate struct {
	Set    map[string]string
	Delete []string
}

// kvStateStore adapts an ethdb key/value database.
type kvStateStore struct {
	db ethdb.KeyValueStore
}

// NewMemoryStateStore creates a non-durable store
func NewMemoryStateStore() StateStore {
	return &kvStateStore{db: memorydb.New()}
}

// NewLevelDBStateStore opens or creates a LevelDB store at path
func NewLevelDBStateStore(path string) (StateStore, error) {
	db, err := leveldb.New(path, 16, 16, "metarelay/state/", false)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database %s: %w", path, err)
	}
	return &kvStateStore{db: db}, nil
}

func (s *kvStateStore) Get(ctx context.Context, key string) (string, bool, error) {
	has, err := s.db.Has([]byte(key))
	if err != nil || !has {
		return "", false, err
	}
	value, err := s.db.Get([]byte(key))
	if err != nil {
		return "", false, err
	}
	return string(value), true, nil
}

func (s *kvStateStore) Apply(ctx context.Context, update StateUpdate) error {
	batch := s.db.NewBatch()
	for k, v := range update.Set {
		if err := batch.Put([]byte(k), []byte(v)); err != nil {
			return err
		}
	}
	for _, k := range update.Delete {
		if err := batch.Delete([]byte(k)); err != nil {
			return err
		}
	}
	return batch.Write()
}

func (s *kvStateStore) Close() error {
	return s.db.Close()
}

// RedisStateStore keeps state in Redis so several relay processes share one
// recovery record.
type RedisStateStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStateStore creates a store whose keys are prefixed with prefix
func NewRedisStateStore(client redis.UniversalClient, prefix string) *RedisStateStore {
	return &RedisStateStore{client: client, prefix: prefix}
}

func (s *RedisStateStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (s *RedisStateStore) Apply(ctx context.Context, update StateUpdate) error {
	pipe := s.client.TxPipeline()
	for k, v := range update.Set {
		pipe.Set(ctx, s.prefix+k, v, 0)
	}
	if len(update.Delete) > 0 {
		keys := make([]string, len(update.Delete))
		for i, k := range update.Delete {
			keys[i] = s.prefix + k
		}
		pipe.Del(ctx, keys...)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStateStore) Close() error {
	return s.client.Close()
}

// OpenStateStore opens the backend selected by cfg
func OpenStateStore(cfg StoreConfig) (StateStore, error) {
	switch cfg.Backend {
	case StoreMemory:
		return NewMemoryStateStore(), nil
	case StoreLevelDB, "":
		return NewLevelDBStateStore(cfg.Path)
	case StoreRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.RedisAddr}})
		return NewRedisStateStore(client, cfg.RedisPrefix), nil
	}
	return nil, fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, cfg.Backend)
}
