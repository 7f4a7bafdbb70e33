package presence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNop(t *testing.T) {
	var d Directory = Nop{}
	ctx := context.Background()
	require.NoError(t, d.Announce(ctx, "d1"))
	require.NoError(t, d.Withdraw(ctx, "d1"))
	_, ok, err := d.Lookup(ctx, "d1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewRedisRejectsBadURL(t *testing.T) {
	_, err := NewRedis("not-a-url", "i1", time.Minute)
	assert.Error(t, err)
}

// Runs against a real server when FLEETLINK_TEST_REDIS_URL is set.
func TestRedisClaims(t *testing.T) {
	url := os.Getenv("FLEETLINK_TEST_REDIS_URL")
	if url == "" {
		t.Skip("FLEETLINK_TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	device := "test-" + uuid.NewString()

	a, err := NewRedis(url, "instance-a", time.Minute)
	require.NoError(t, err)
	defer a.Close()
	b, err := NewRedis(url, "instance-b", time.Minute)
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, a.Ping(ctx))

	require.NoError(t, a.Announce(ctx, device))
	require.NoError(t, b.Announce(ctx, device))

	// A stale withdraw from instance a must not drop b's claim.
	require.NoError(t, a.Withdraw(ctx, device))
	owner, ok, err := a.Lookup(ctx, device)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "instance-b", owner)

	require.NoError(t, b.Withdraw(ctx, device))
	_, ok, err = b.Lookup(ctx, device)
	require.NoError(t, err)
	assert.False(t, ok)
}
