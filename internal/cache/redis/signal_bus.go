package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/perparb/internal/domain"
)

// attemptLogMaxLen caps the attempt log with XADD MAXLEN ~.
const attemptLogMaxLen int64 = 10000

// SignalBus publishes engine events under the client namespace.
// Opportunities and attempt transitions go out over pub/sub; terminal
// attempts are also appended to a capped stream so a late consumer can read
// the recent history.
type SignalBus struct {
	client *Client
}

// NewSignalBus creates a SignalBus.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{client: c}
}

// Publish sends payload on a namespaced pub/sub channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := sb.client.rdb.Publish(ctx, sb.client.Key(channel), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", channel, err)
	}
	return nil
}

// StreamAppend adds payload to a namespaced stream under the "payload" field.
func (sb *SignalBus) StreamAppend(ctx context.Context, stream string, payload []byte) error {
	err := sb.client.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: sb.client.Key(stream),
		MaxLen: attemptLogMaxLen,
		Approx: true,
		Values: map[string]any{"payload": payload},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis: stream append %s: %w", stream, err)
	}
	return nil
}

var _ domain.SignalBus = (*SignalBus)(nil)
