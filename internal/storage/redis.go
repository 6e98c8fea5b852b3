package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/gosight/gosight/attribution/internal/config"
	"github.com/gosight/gosight/attribution/internal/model"
)

const attributedKeyPrefix = "attributed:"

// Redis keeps the latest attribution of every page view in a hash keyed by
// page view id
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedis connects to Redis and verifies the connection
func NewRedis(cfg config.RedisConfig) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		return nil, err
	}

	return &Redis{client: rdb, ttl: cfg.TTL}, nil
}

// AttributedKey returns the hash key of a page view
func AttributedKey(pageViewID string) string {
	return attributedKeyPrefix + pageViewID
}

// AttributedFields returns the hash fields written for a page view. Absent
// attribution is written as empty strings so a revision always overwrites
// every field.
func AttributedFields(pv model.AttributedPageView) map[string]interface{} {
	return map[string]interface{}{
		"page_view_id":           pv.PageViewID,
		"user_id":                pv.UserID,
		"event_time":             pv.EventTime.UTC().Format(model.EventTimeLayout),
		"url":                    pv.URL,
		"attributed_campaign_id": pv.CampaignID(),
		"attributed_click_id":    pv.ClickID(),
	}
}

// Write upserts the page view hash and refreshes its TTL
func (r *Redis) Write(ctx context.Context, pv model.AttributedPageView) error {
	key := AttributedKey(pv.PageViewID)

	// Use Redis pipeline for efficiency
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, key, AttributedFields(pv))
	if r.ttl > 0 {
		pipe.Expire(ctx, key, r.ttl)
	}

	_, err := pipe.Exec(ctx)
	if err != nil {
		log.Error().Err(err).Str("page_view_id", pv.PageViewID).Msg("Failed to write attribution to Redis")
	}
	return err
}

func (r *Redis) Name() string {
	return "redis"
}

// Close closes the client
func (r *Redis) Close() error {
	return r.client.Close()
}
