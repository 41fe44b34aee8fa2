package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perparb/internal/domain"
)

func TestKeyJoinsUnderNamespace(t *testing.T) {
	c := &Client{namespace: "perparb"}
	assert.Equal(t, "perparb:lock:pair:sol-basis", c.Key("lock", "pair:sol-basis"))
	assert.Equal(t, "perparb:attempts:log", c.Key(domain.StreamAttempts))
}

// openTestRedis connects to PERPARB_TEST_REDIS_ADDR under a fresh namespace,
// skipping when unset.
func openTestRedis(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("PERPARB_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("PERPARB_TEST_REDIS_ADDR not set")
	}
	c, err := New(t.Context(), ClientConfig{
		Addr:      addr,
		PoolSize:  4,
		Namespace: ":perparb-test-" + uuid.NewString() + ":",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNamespaceTrimmed(t *testing.T) {
	c := openTestRedis(t)
	assert.NotContains(t, c.Key("x"), "::")
}

func TestLockHeldAcrossAcquirers(t *testing.T) {
	c := openTestRedis(t)
	first := NewLockManager(c)
	second := NewLockManager(c)

	unlock, err := first.Acquire(t.Context(), "pair:sol", time.Minute)
	require.NoError(t, err)

	_, err = second.Acquire(t.Context(), "pair:sol", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	_, err = second.Acquire(t.Context(), "pair:eth", time.Minute)
	assert.NoError(t, err, "other pairs are independent")

	unlock()
	unlock()
	again, err := second.Acquire(t.Context(), "pair:sol", time.Minute)
	require.NoError(t, err)
	again()
}

func TestExpiredHolderCannotReleaseNextHolder(t *testing.T) {
	c := openTestRedis(t)
	lm := NewLockManager(c)

	stale, err := lm.Acquire(t.Context(), "pair:sol", 50*time.Millisecond)
	require.NoError(t, err)

	var next func()
	require.Eventually(t, func() bool {
		next, err = lm.Acquire(t.Context(), "pair:sol", time.Minute)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	stale()
	_, err = lm.Acquire(t.Context(), "pair:sol", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld, "stale unlock must not release the new holder")

	next()
	last, err := lm.Acquire(t.Context(), "pair:sol", time.Minute)
	require.NoError(t, err)
	last()
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	c := openTestRedis(t)
	rl := NewRateLimiter(c, "rpc", 2, 200*time.Millisecond)

	for range 2 {
		ok, err := rl.Allow(t.Context())
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(t.Context())
	require.NoError(t, err)
	assert.False(t, ok, "third request inside the window")

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, rl.Wait(ctx), context.DeadlineExceeded)

	start := time.Now()
	require.NoError(t, rl.Wait(t.Context()))
	assert.Less(t, time.Since(start), time.Second)

	// A second limiter on the same key shares the budget.
	shared := NewRateLimiter(c, "rpc", 2, 200*time.Millisecond)
	_, _ = shared.Allow(t.Context())
	ok, err = rl.Allow(t.Context())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSignalBusNamespacesChannelsAndStreams(t *testing.T) {
	c := openTestRedis(t)
	bus := NewSignalBus(c)

	sub := c.rdb.Subscribe(t.Context(), c.Key(domain.ChannelAttempts))
	defer sub.Close()
	_, err := sub.Receive(t.Context())
	require.NoError(t, err)

	require.NoError(t, bus.Publish(t.Context(), domain.ChannelAttempts, []byte(`{"state":"confirmed"}`)))
	select {
	case msg := <-sub.Channel():
		assert.Equal(t, `{"state":"confirmed"}`, msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("no message on namespaced channel")
	}

	stream := c.Key(domain.StreamAttempts)
	t.Cleanup(func() { _ = c.rdb.Del(context.Background(), stream).Err() })
	for i := range 3 {
		require.NoError(t, bus.StreamAppend(t.Context(), domain.StreamAttempts, []byte{byte('a' + i)}))
	}
	msgs, err := c.rdb.XRange(t.Context(), stream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "a", msgs[0].Values["payload"])

	n, err := c.rdb.Exists(t.Context(), domain.StreamAttempts).Result()
	require.NoError(t, err)
	assert.Zero(t, n, "nothing written outside the namespace")
}
