package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultStreamMaxLen = 10000

// NewRedisClient creates a Redis client that is pinged on start and closed on stop
func NewRedisClient(lc fx.Lifecycle, logger *zap.Logger, addr, password string, db int) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("attempting to connect to redis...", zap.String("addr", addr))
			if err := client.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("[REDIS CONNECTION FAILED] cannot reach redis at %s: %w", addr, err)
			}
			logger.Info("redis connection established successfully")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := client.Close(); err != nil {
				logger.Error("failed to close redis connection", zap.Error(err))
				return err
			}
			logger.Info("redis connection closed")
			return nil
		},
	})

	return client
}

// RedisSink appends events to a capped Redis stream for the dashboard feed
type RedisSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisSink creates a sink writing to stream
func NewRedisSink(client *redis.Client, stream string) *RedisSink {
	return &RedisSink{
		client: client,
		stream: stream,
		maxLen: defaultStreamMaxLen,
	}
}

func (s *RedisSink) Name() string { return "redis" }

// Publish adds the event as {type, data, timestamp} to the stream
func (s *RedisSink) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":      string(event.Type),
			"data":      string(data),
			"timestamp": time.Now().Unix(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to add event to stream %s: %w", s.stream, err)
	}
	return nil
}
