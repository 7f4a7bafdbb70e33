// Package presence mirrors device ownership into a shared directory so that
// several fleetlink instances can route submissions to the instance holding a
// device's session.
package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Directory records which instance currently holds a device session.
type Directory interface {
	// Announce claims the device for this instance.
	Announce(ctx context.Context, deviceID string) error
	// Withdraw releases the claim if this instance still holds it.
	Withdraw(ctx context.Context, deviceID string) error
	// Lookup returns the instance holding the device, if any.
	Lookup(ctx context.Context, deviceID string) (string, bool, error)
}

// Nop is a Directory for single-instance deployments.
type Nop struct{}

func (Nop) Announce(context.Context, string) error { return nil }
func (Nop) Withdraw(context.Context, string) error { return nil }
func (Nop) Lookup(context.Context, string) (string, bool, error) {
	return "", false, nil
}

const keyPrefix = "fleetlink:presence:"

// withdrawScript deletes the key only if it still names this instance, so a
// late withdraw never removes a newer claim by another instance.
var withdrawScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a Directory backed by Redis keys with a TTL. Claims expire unless
// refreshed, so a crashed instance releases its devices on its own.
type Redis struct {
	client   *redis.Client
	instance string
	ttl      time.Duration
}

// NewRedis connects to the Redis server at url (redis://...).
func NewRedis(url, instance string, ttl time.Duration) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Redis{
		client:   redis.NewClient(opts),
		instance: instance,
		ttl:      ttl,
	}, nil
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Announce(ctx context.Context, deviceID string) error {
	if err := r.client.Set(ctx, keyPrefix+deviceID, r.instance, r.ttl).Err(); err != nil {
		return fmt.Errorf("announce %s: %w", deviceID, err)
	}
	return nil
}

func (r *Redis) Withdraw(ctx context.Context, deviceID string) error {
	if err := withdrawScript.Run(ctx, r.client, []string{keyPrefix + deviceID}, r.instance).Err(); err != nil {
		return fmt.Errorf("withdraw %s: %w", deviceID, err)
	}
	return nil
}

func (r *Redis) Lookup(ctx context.Context, deviceID string) (string, bool, error) {
	instance, err := r.client.Get(ctx, keyPrefix+deviceID).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup %s: %w", deviceID, err)
	}
	return instance, true, nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}
