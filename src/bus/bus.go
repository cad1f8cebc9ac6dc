// Package bus is the coordination fabric of the system: a pub/sub channel
// plus key/value surface backed by Redis. Components never share memory;
// everything crosses this boundary.
package bus

import (
	"context"
	"errors"
	"time"
)

// ErrNoMessage is returned by BRPop when the wait times out without a job.
var ErrNoMessage = errors.New("no message available")

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload string
}

// Subscription is a live pub/sub subscription. Close releases it; Messages
// is closed afterwards.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Conn is the narrow connection surface the core needs. The production
// implementation wraps a Redis client; Memory provides the same semantics
// in-process for tests and local development.
type Conn interface {
	HSet(ctx context.Context, key string, fields map[string]interface{}) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Keys(ctx context.Context, pattern string) ([]string, error)

	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channels ...string) Subscription

	LPush(ctx context.Context, key, payload string) error
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, error)

	ZAdd(ctx context.Context, key string, score float64, member string) error
	PopDue(ctx context.Context, key string, maxScore float64) ([]string, error)

	Close() error
}
