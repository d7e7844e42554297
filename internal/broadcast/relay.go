package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/example/parking-match/internal/models"
)

// RedisRelay shares events between server instances over a Redis pub/sub
// channel. Each instance forwards its own events and delivers the others'.
type RedisRelay struct {
	client  RelayClient
	channel string
	origin  string
	logger  *slog.Logger
}

// RelayClient is the slice of *redis.Client the relay needs.
type RelayClient interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

func NewRedisRelay(client RelayClient, channel, origin string, logger *slog.Logger) *RedisRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRelay{client: client, channel: channel, origin: origin, logger: logger}
}

// Forward implements Forwarder. Events already relayed from elsewhere are not
// sent back out.
func (r *RedisRelay) Forward(ctx context.Context, ev models.Event) error {
	if ev.Origin != r.origin {
		return nil
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return r.client.Publish(ctx, r.channel, b).Err()
}

// Run subscribes to the relay channel and hands foreign events to deliver
// until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context, deliver func(models.Event)) error {
	ps := r.client.Subscribe(ctx, r.channel)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(msg.Payload, deliver)
		}
	}
}

func (r *RedisRelay) handle(payload string, deliver func(models.Event)) {
	var ev models.Event
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		r.logger.Warn("relay_decode_failed", "channel", r.channel, "error", err)
		return
	}
	if ev.Origin == r.origin || ev.Origin == "" {
		return
	}
	deliver(ev)
}
