package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fleetsignal/fleetsignal/internal/classify"
)

// DefaultChannelPrefix is the Redis pub/sub channel prefix for flush
// announcements. The vehicle ID is appended per message.
const DefaultChannelPrefix = "fleetsignal:incidents"

// flushEnvelope is the JSON document published for each flush.
type flushEnvelope struct {
	VehicleID   int64               `json:"vehicle_id"`
	FlushedAt   time.Time           `json:"flushed_at"`
	Coordinates string              `json:"coordinates,omitempty"`
	Incidents   []classify.Incident `json:"incidents"`
}

// RedisPublisher announces flushed incident windows on a Redis pub/sub
// channel so downstream consumers (dashboards, escalation workers) can
// react without coupling to the engine.
type RedisPublisher struct {
	client  *redis.Client
	prefix  string
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewRedisPublisher wraps an existing Redis client. prefix may be empty,
// in which case DefaultChannelPrefix is used.
func NewRedisPublisher(client *redis.Client, prefix string, logger *slog.Logger) *RedisPublisher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisPublisher{
		client:  client,
		prefix:  prefix,
		logger:  logger,
		nowFunc: time.Now,
	}
}

func (p *RedisPublisher) Name() string { return "redis" }

// HandleFlush publishes the snapshot to <prefix>:<vehicleID>.
func (p *RedisPublisher) HandleFlush(ctx context.Context, vehicleID int64, snapshot []classify.Incident) error {
	env := flushEnvelope{
		VehicleID:   vehicleID,
		FlushedAt:   p.nowFunc().UTC(),
		Coordinates: LastValidCoords(snapshot),
		Incidents:   snapshot,
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal flush envelope: %w", err)
	}

	channel := fmt.Sprintf("%s:%d", p.prefix, vehicleID)
	if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}

	p.logger.Debug("flush published", "channel", channel, "incidents", len(snapshot))
	return nil
}
