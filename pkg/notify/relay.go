package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const relayChannelPrefix = "huddle:events:"

// RedisRelay bridges event fan-out across API instances over Redis pub/sub.
// Each instance publishes its events to a per-topic channel and replays
// everything it hears into its local registry, skipping its own echoes.
// Relay delivery is as best-effort as local push; pollers remain the
// correctness backstop.
type RedisRelay struct {
	client     *redis.Client
	local      *Registry
	instanceID string
	log        *zap.Logger
}

// RelayConfig holds Redis connection configuration for the relay.
type RelayConfig struct {
	Addr         string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRelayConfig returns production defaults.
func DefaultRelayConfig(addr string) RelayConfig {
	return RelayConfig{
		Addr:         addr,
		PoolSize:     100,
		MinIdleConns: 10,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisRelay connects to Redis and verifies the connection.
func NewRedisRelay(cfg RelayConfig, local *Registry, instanceID string, log *zap.Logger) (*RedisRelay, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisRelay{
		client:     client,
		local:      local,
		instanceID: instanceID,
		log:        log,
	}, nil
}

func (r *RedisRelay) Close() error {
	return r.client.Close()
}

// Publish delivers locally first, then relays to other instances. A Redis
// failure is reported but the local delivery already happened; committed
// state is never affected.
func (r *RedisRelay) Publish(ctx context.Context, event Event) error {
	r.local.Broadcast(event)

	event.Origin = r.instanceID
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, relayChannelPrefix+event.Topic(), payload).Err(); err != nil {
		return fmt.Errorf("failed to relay event: %w", err)
	}
	return nil
}

// Run subscribes to the relay channels and feeds foreign events into the
// local registry until the context is cancelled.
func (r *RedisRelay) Run(ctx context.Context) {
	sub := r.client.PSubscribe(ctx, relayChannelPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				r.log.Warn("dropping malformed relay event",
					zap.String("channel", msg.Channel), zap.Error(err))
				continue
			}
			if event.Origin == r.instanceID {
				continue
			}
			if !strings.HasSuffix(msg.Channel, event.Topic()) {
				r.log.Warn("relay event topic mismatch",
					zap.String("channel", msg.Channel), zap.String("topic", event.Topic()))
				continue
			}
			r.local.Broadcast(event)
		}
	}
}
