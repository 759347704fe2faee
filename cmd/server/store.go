package main

import (
	"context"
	"fmt"
	"log/slog"

	"livestream-status/internal/livestream"
	"livestream-status/internal/platform/config"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "livestream:"

// openStore builds the Store selected by STORE_BACKEND. The returned close
// func releases backend connections.
func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (livestream.Store, func(), error) {
	switch cfg.StoreBackend {
	case "", "memory":
		return livestream.NewInMemoryStore(), func() {}, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.RedisAddr,
			Password:     cfg.RedisPassword,
			DB:           cfg.RedisDB,
			DialTimeout:  cfg.StoreTimeout,
			ReadTimeout:  cfg.StoreTimeout,
			WriteTimeout: cfg.StoreTimeout,
		})
		pingCtx, cancel := context.WithTimeout(ctx, cfg.StoreTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
		}
		log.Info("using redis store", slog.String("addr", cfg.RedisAddr))
		return livestream.NewRedisStore(client, redisKeyPrefix), func() { _ = client.Close() }, nil

	case "dynamodb":
		awsCfg := aws.NewConfig().WithRegion(cfg.AWSRegion)
		if cfg.DynamoDBEndpoint != "" {
			awsCfg = awsCfg.WithEndpoint(cfg.DynamoDBEndpoint)
		}
		sess, err := session.NewSession(awsCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("aws session: %w", err)
		}
		store := livestream.NewDynamoDBStore(dynamodb.New(sess), cfg.DynamoDBTable)
		if cfg.DynamoDBEndpoint != "" {
			if err := store.EnsureTable(ctx); err != nil {
				return nil, nil, err
			}
		}
		log.Info("using dynamodb store",
			slog.String("table", cfg.DynamoDBTable),
			slog.String("region", cfg.AWSRegion))
		return store, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
	}
}
