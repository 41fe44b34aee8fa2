package domain

import (
	"context"
	"time"
)

// LockManager hands out leased locks. A held lock is ErrLockHeld.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus publishes engine events to other processes. Publish is
// fire-and-forget pub/sub; StreamAppend is durable and ordered.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// Bus channel and stream names. Implementations may namespace them.
const (
	ChannelOpportunities = "opportunities"
	ChannelAttempts      = "attempts"
	StreamAttempts       = "attempts:log"
)
