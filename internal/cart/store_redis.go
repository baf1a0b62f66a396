package cart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "cart:"

// RedisStore keeps each cart as a JSON value. Updates run inside WATCH/MULTI so a
// concurrent write to the same key aborts and retries.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	locks  cartLocks
}

// NewRedisStore expires carts ttl after their last write; zero keeps them forever.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func redisKey(cartID string) string { return redisKeyPrefix + cartID }

func (s *RedisStore) Ping(ctx context.Context) error {
	return withTimeout(ctx, pingTimeout, func(ctx context.Context) error {
		return s.client.Ping(ctx).Err()
	})
}

func (s *RedisStore) Close(context.Context) error {
	return s.client.Close()
}

func (s *RedisStore) Get(ctx context.Context, cartID string) (Cart, bool, error) {
	var data []byte
	err := withTimeout(ctx, queryTimeout, func(ctx context.Context) error {
		var err error
		data, err = s.client.Get(ctx, redisKey(cartID)).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return Cart{}, false, nil
	}
	if err != nil {
		return Cart{}, false, fmt.Errorf("redis get cart: %w", err)
	}

	c, err := decodeRedisCart(cartID, data)
	if err != nil {
		return Cart{}, false, err
	}
	return c, true, nil
}

func (s *RedisStore) Update(ctx context.Context, cartID string, fn Mutation) (Cart, error) {
	defer s.locks.lock(cartID)()

	key := redisKey(cartID)
	return retryStale(ctx, func() (Cart, error) {
		var out Cart
		err := withTimeout(ctx, queryTimeout, func(ctx context.Context) error {
			return s.client.Watch(ctx, func(tx *redis.Tx) error {
				c := New(cartID)
				exists := true

				data, err := tx.Get(ctx, key).Bytes()
				switch {
				case errors.Is(err, redis.Nil):
					exists = false
				case err != nil:
					return fmt.Errorf("redis get cart: %w", err)
				default:
					if c, err = decodeRedisCart(cartID, data); err != nil {
						return err
					}
				}

				if err := apply(&c, exists, fn); err != nil {
					return err
				}

				payload, err := json.Marshal(c)
				if err != nil {
					return fmt.Errorf("marshal cart: %w", err)
				}

				_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
					p.Set(ctx, key, payload, s.ttl)
					return nil
				})
				out = c
				return err
			}, key)
		})
		if errors.Is(err, redis.TxFailedErr) {
			return Cart{}, errStale
		}
		if err != nil {
			return Cart{}, err
		}
		return out, nil
	})
}

func (s *RedisStore) Take(ctx context.Context, cartID string) (Cart, bool, error) {
	var data []byte
	err := withTimeout(ctx, queryTimeout, func(ctx context.Context) error {
		var err error
		data, err = s.client.GetDel(ctx, redisKey(cartID)).Bytes()
		return err
	})
	if errors.Is(err, redis.Nil) {
		return Cart{}, false, nil
	}
	if err != nil {
		return Cart{}, false, fmt.Errorf("redis getdel cart: %w", err)
	}

	c, err := decodeRedisCart(cartID, data)
	if err != nil {
		return Cart{}, false, err
	}
	return c, true, nil
}

func decodeRedisCart(cartID string, data []byte) (Cart, error) {
	c := New(cartID)
	if err := json.Unmarshal(data, &c); err != nil {
		return Cart{}, fmt.Errorf("unmarshal cart: %w", err)
	}
	c.CartID = cartID
	c.Recalculate()
	return c, nil
}
