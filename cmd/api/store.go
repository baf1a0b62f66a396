package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"MiniCart/internal/cart"
	"MiniCart/internal/config"
)

func openStore(ctx context.Context, cfg *config.Config) (cart.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverMongo:
		db, err := cart.ConnectMongo(ctx, cfg.MongoURL, cfg.MongoDatabase)
		if err != nil {
			return nil, err
		}
		s := cart.NewMongoStore(db)
		if err := s.EnsureIndexes(ctx); err != nil {
			_ = s.Close(context.Background())
			return nil, err
		}
		return s, nil

	case config.DriverPostgres:
		pool, err := cart.ConnectPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		s := cart.NewPostgresStore(pool)
		if err := s.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure carts schema: %w", err)
		}
		return s, nil

	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		s := cart.NewRedisStore(client, cfg.CartTTL)
		if err := s.Ping(ctx); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		return s, nil

	case config.DriverMemory:
		return cart.NewMemStore(), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}
