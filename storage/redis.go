package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/songzhibin97/billflow/types"
)

const (
	defaultKeyPrefix = "billflow:"
	billPrefix       = "bill:"
	orderKey         = "bills:order"

	// maxTxRetries bounds optimistic lock retries on a contended bill.
	maxTxRetries = 16
)

// RedisStorage is a Redis-backed implementation of the Repository interface.
// Each bill is a JSON string; insertion order is kept in a list.
type RedisStorage struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	// KeyPrefix namespaces every key written by the storage.
	KeyPrefix string
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisStorage{client: client, prefix: prefix, now: time.Now}, nil
}

func (s *RedisStorage) billKey(id string) string {
	return s.prefix + billPrefix + id
}

func (s *RedisStorage) orderKey() string {
	return s.prefix + orderKey
}

func decodeBill(key string, data []byte) (types.Bill, error) {
	var bill types.Bill
	if err := json.Unmarshal(data, &bill); err != nil {
		return types.Bill{}, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return bill, nil
}

// watch runs txf under WATCH on key, retrying when another writer touched
// the key before EXEC.
func (s *RedisStorage) watch(ctx context.Context, key string, txf func(tx *redis.Tx) error) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("failed to write %s: too much contention", key)
}

// Create stores the bill and appends its ID to the order list in one
// transaction. The key must be unused.
func (s *RedisStorage) Create(ctx context.Context, bill types.Bill) error {
	return withContextError(ctx, func() error {
		data, err := json.Marshal(bill)
		if err != nil {
			return fmt.Errorf("failed to marshal bill %s: %w", bill.ID, err)
		}
		key := s.billKey(bill.ID)
		return s.watch(ctx, key, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return fmt.Errorf("failed to check %s in Redis: %w", key, err)
			}
			if n > 0 {
				return fmt.Errorf("%w: id=%s", ErrDuplicateID, bill.ID)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, data, 0)
				pipe.RPush(ctx, s.orderKey(), bill.ID)
				return nil
			})
			if err != nil && !errors.Is(err, redis.TxFailedErr) {
				return fmt.Errorf("failed to store %s in Redis: %w", key, err)
			}
			return err
		})
	})
}

// Get retrieves a bill from Redis.
func (s *RedisStorage) Get(ctx context.Context, id string) (types.Bill, error) {
	return withContext(ctx, func() (types.Bill, error) {
		key := s.billKey(id)
		data, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return types.Bill{}, fmt.Errorf("%w: id=%s", ErrBillNotFound, id)
		} else if err != nil {
			return types.Bill{}, fmt.Errorf("failed to get %s from Redis: %w", key, err)
		}
		return decodeBill(key, data)
	})
}

// Update runs fn inside a WATCH/MULTI transaction, retrying when another
// writer changed the bill in between.
func (s *RedisStorage) Update(ctx context.Context, id string, fn UpdateFunc) (types.Bill, error) {
	return withContext(ctx, func() (types.Bill, error) {
		key := s.billKey(id)
		var updated types.Bill

		txf := func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err == redis.Nil {
				return fmt.Errorf("%w: id=%s", ErrBillNotFound, id)
			} else if err != nil {
				return fmt.Errorf("failed to get %s from Redis: %w", key, err)
			}
			current, err := decodeBill(key, data)
			if err != nil {
				return err
			}
			next, err := applyUpdate(current, fn, s.now())
			if err != nil {
				return err
			}
			out, err := json.Marshal(next)
			if err != nil {
				return fmt.Errorf("failed to marshal bill %s: %w", id, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, out, 0)
				return nil
			})
			if err != nil {
				return err
			}
			updated = next
			return nil
		}

		if err := s.watch(ctx, key, txf); err != nil {
			return types.Bill{}, err
		}
		return updated, nil
	})
}

// Delete removes the bill and its order entry in one transaction.
func (s *RedisStorage) Delete(ctx context.Context, id string) error {
	return withContextError(ctx, func() error {
		key := s.billKey(id)
		return s.watch(ctx, key, func(tx *redis.Tx) error {
			n, err := tx.Exists(ctx, key).Result()
			if err != nil {
				return fmt.Errorf("failed to check %s in Redis: %w", key, err)
			}
			if n == 0 {
				return fmt.Errorf("%w: id=%s", ErrBillNotFound, id)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				pipe.LRem(ctx, s.orderKey(), 1, id)
				return nil
			})
			if err != nil && !errors.Is(err, redis.TxFailedErr) {
				return fmt.Errorf("failed to delete %s: %w", key, err)
			}
			return err
		})
	})
}

// Filter loads all bills in order with a single MGET and filters locally.
func (s *RedisStorage) Filter(ctx context.Context, filter types.Filter) ([]types.Bill, error) {
	return withContext(ctx, func() ([]types.Bill, error) {
		ids, err := s.client.LRange(ctx, s.orderKey(), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to list bill ids: %w", err)
		}
		out := make([]types.Bill, 0, len(ids))
		if len(ids) == 0 {
			return out, nil
		}

		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = s.billKey(id)
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load bills: %w", err)
		}

		for i, v := range values {
			str, ok := v.(string)
			if !ok {
				// deleted between LRANGE and MGET
				continue
			}
			bill, err := decodeBill(keys[i], []byte(str))
			if err != nil {
				return nil, err
			}
			if filter.Match(bill) {
				out = append(out, bill)
			}
		}
		return out, nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
