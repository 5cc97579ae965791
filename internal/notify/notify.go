// Package notify delivers leaderboard and save-status events to live
// subscribers.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Event names pushed to subscribers.
const (
	EventLeaderboardUpdate = "leaderboardUpdate"
	EventSaveStatus        = "saveStatus"
	EventBotStatus         = "botStatus"
)

// DefaultChannel is the Redis pub/sub channel events are published on.
const DefaultChannel = "voiceboard:events"

// Event is one message to subscribers.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Fanout publishes to every publisher and joins their errors.
type Fanout []Publisher

// Publish implements Publisher.
func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RedisPublisher publishes events as JSON on a Redis channel.
type RedisPublisher struct {
	rdb     *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisPublisher creates a publisher on channel, or DefaultChannel when empty.
func NewRedisPublisher(rdb *redis.Client, channel string, logger *zap.Logger) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{rdb: rdb, channel: channel, logger: logger.Named("notify")}
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Name, err)
	}
	receivers, err := p.rdb.Publish(ctx, p.channel, data).Result()
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", ev.Name, err)
	}
	p.logger.Debug("Published event",
		zap.String("event", ev.Name),
		zap.Int64("receivers", receivers))
	return nil
}
