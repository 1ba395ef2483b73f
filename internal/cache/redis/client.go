// Package redis caches completed assessments so repeated queries for
// the same business skip the full pipeline. The cache is best-effort:
// every failure degrades to a miss.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/closurewatch/backend/pkg/logger"
)

type Client struct {
	client *redis.Client
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx := context.Background()
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// SetAssessment caches a completed assessment under the query hash.
func (c *Client) SetAssessment(ctx context.Context, queryHash string, assessment interface{}, ttl time.Duration) error {
	data, err := json.Marshal(assessment)
	if err != nil {
		return fmt.Errorf("failed to marshal assessment: %w", err)
	}

	err = c.client.Set(ctx, fmt.Sprintf("assessment:%s", queryHash), data, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set assessment cache: %w", err)
	}

	logger.Debug("Assessment cached", zap.String("query_hash", queryHash), zap.Duration("ttl", ttl))
	return nil
}

// GetAssessment loads a cached assessment into out; false means miss.
func (c *Client) GetAssessment(ctx context.Context, queryHash string, out interface{}) (bool, error) {
	data, err := c.client.Get(ctx, fmt.Sprintf("assessment:%s", queryHash)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get assessment cache: %w", err)
	}

	err = json.Unmarshal(data, out)
	if err != nil {
		return false, fmt.Errorf("failed to unmarshal assessment: %w", err)
	}

	logger.Debug("Assessment cache hit", zap.String("query_hash", queryHash))
	return true, nil
}

// InvalidateAssessments drops every cached assessment. Used after a
// model artifact or calibration refresh, when cached scores go stale.
func (c *Client) InvalidateAssessments(ctx context.Context) error {
	iter := c.client.Scan(ctx, 0, "assessment:*", 0).Iterator()
	for iter.Next(ctx) {
		err := c.client.Del(ctx, iter.Val()).Err()
		if err != nil {
			logger.Warn("Failed to delete cache key", zap.Error(err))
		}
	}

	if err := iter.Err(); err != nil {
		return fmt.Errorf("failed to iterate cache keys: %w", err)
	}

	logger.Info("Assessment cache invalidated")
	return nil
}

func (c *Client) IncrementMetric(ctx context.Context, metricName string) error {
	return c.client.Incr(ctx, fmt.Sprintf("metric:%s", metricName)).Err()
}

func (c *Client) GetMetric(ctx context.Context, metricName string) (int64, error) {
	val, err := c.client.Get(ctx, fmt.Sprintf("metric:%s", metricName)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}
