// Package redis provides Redis caching and pub/sub functionality.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/virtpack/virtpack/internal/config"
	"github.com/virtpack/virtpack/internal/domain"
)

// ErrCacheMiss indicates the key was not found in cache.
var ErrCacheMiss = errors.New("cache miss")

// Cache wraps a Redis client for caching operations.
type Cache struct {
	client *redis.Client
	logger *zap.Logger
}

// NewCache creates a new Redis cache connection.
func NewCache(cfg config.RedisConfig, logger *zap.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis", zap.String("addr", cfg.Address()))

	return &Cache{client: client, logger: logger}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Health checks if Redis is reachable.
func (c *Cache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Get retrieves a value from cache and unmarshals it into dest.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("redis get error: %w", err)
	}

	return json.Unmarshal([]byte(val), dest)
}

// Set stores a value in cache with a TTL.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	return c.client.Set(ctx, key, data, ttl).Err()
}

// Delete removes a key from cache.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// =============================================================================
// Plan Cache Operations
// =============================================================================

const planCacheTTL = 10 * time.Minute

// GetPlan retrieves a plan from cache.
func (c *Cache) GetPlan(ctx context.Context, id string) (*domain.ConsolidationPlan, error) {
	key := fmt.Sprintf("plan:%s", id)
	var p domain.ConsolidationPlan
	if err := c.Get(ctx, key, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SetPlan stores a plan in cache.
func (c *Cache) SetPlan(ctx context.Context, p *domain.ConsolidationPlan) error {
	key := fmt.Sprintf("plan:%s", p.ID)
	return c.Set(ctx, key, p, planCacheTTL)
}

// InvalidatePlan removes a plan from cache.
func (c *Cache) InvalidatePlan(ctx context.Context, id string) error {
	key := fmt.Sprintf("plan:%s", id)
	return c.Delete(ctx, key)
}

// GetLatestPlan retrieves the most recent plan produced by the analysis loop.
func (c *Cache) GetLatestPlan(ctx context.Context) (*domain.ConsolidationPlan, error) {
	var p domain.ConsolidationPlan
	if err := c.Get(ctx, "plan:latest", &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SetLatestPlan stores the most recent plan.
func (c *Cache) SetLatestPlan(ctx context.Context, p *domain.ConsolidationPlan) error {
	return c.Set(ctx, "plan:latest", p, planCacheTTL)
}

// =============================================================================
// Pub/Sub Operations for Real-time Updates
// =============================================================================

// Event represents a real-time event.
type Event struct {
	Type       string      `json:"type"` // "plan.created", "plan.approved", "plan.applied", etc.
	ResourceID string      `json:"resource_id"`
	Data       interface{} `json:"data,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Publish publishes an event to a channel.
func (c *Cache) Publish(ctx context.Context, channel string, event Event) error {
	event.Timestamp = time.Now()
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return c.client.Publish(ctx, channel, data).Err()
}

// Subscribe subscribes to a channel and returns a message channel.
func (c *Cache) Subscribe(ctx context.Context, channels ...string) <-chan Event {
	pubsub := c.client.Subscribe(ctx, channels...)
	events := make(chan Event, 100)

	go func() {
		defer close(events)
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-pubsub.Channel():
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					c.logger.Warn("Failed to unmarshal event", zap.Error(err))
					continue
				}
				events <- event
			}
		}
	}()

	return events
}

// PublishPlanEvent publishes a plan-related event.
func (c *Cache) PublishPlanEvent(ctx context.Context, eventType string, p *domain.ConsolidationPlan) error {
	return c.Publish(ctx, "events:plan", Event{
		Type:       eventType,
		ResourceID: p.ID,
		Data:       p,
	})
}
