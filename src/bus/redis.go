package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	logger "github.com/sirupsen/logrus"
)

// Redis implements Conn on top of go-redis.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to Redis using the package config and verifies the
// connection with a ping.
func NewRedis() (*Redis, error) {
	config := GetConfig()

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", config.RedisHost, config.RedisPort),
		Password: config.RedisPassword,
		DB:       config.RedisDB,

		PoolSize:     config.PoolSize,
		MinIdleConns: config.MinIdleConns,

		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s:%d: %w", config.RedisHost, config.RedisPort, err)
	}

	logger.WithFields(logger.Fields{
		"host": config.RedisHost,
		"port": config.RedisPort,
		"db":   config.RedisDB,
	}).Info("[bus] connected to Redis")

	return &Redis{client: client}, nil
}

func (r *Redis) HSet(ctx context.Context, key string, fields map[string]interface{}) error {
	return r.client.HSet(ctx, key, fields).Err()
}

func (r *Redis) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := r.client.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return r.client.HGetAll(ctx, key).Result()
}

func (r *Redis) HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error) {
	return r.client.HIncrBy(ctx, key, field, delta).Result()
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	return n > 0, err
}

func (r *Redis) Del(ctx context.Context, keys ...string) error {
	return r.client.Del(ctx, keys...).Err()
}

// Keys uses SCAN rather than KEYS so a large keyspace cannot stall Redis.
func (r *Redis) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := r.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	return out, iter.Err()
}

func (r *Redis) Publish(ctx context.Context, channel, payload string) error {
	return r.client.Publish(ctx, channel, payload).Err()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan Message
	done   chan struct{}
}

func (s *redisSubscription) Messages() <-chan Message {
	return s.out
}

func (s *redisSubscription) Close() error {
	close(s.done)
	return s.pubsub.Close()
}

func (r *Redis) Subscribe(ctx context.Context, channels ...string) Subscription {
	pubsub := r.client.Subscribe(ctx, channels...)
	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan Message, 16),
		done:   make(chan struct{}),
	}

	go func() {
		defer close(sub.out)
		ch := pubsub.Channel()
		for {
			select {
			case <-sub.done:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case sub.out <- Message{Channel: msg.Channel, Payload: msg.Payload}:
				case <-sub.done:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return sub
}

func (r *Redis) LPush(ctx context.Context, key, payload string) error {
	return r.client.LPush(ctx, key, payload).Err()
}

func (r *Redis) BRPop(ctx context.Context, timeout time.Duration, keys ...string) (string, string, error) {
	res, err := r.client.BRPop(ctx, timeout, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", ErrNoMessage
	}
	if err != nil {
		return "", "", err
	}
	if len(res) != 2 {
		return "", "", ErrNoMessage
	}
	return res[0], res[1], nil
}

func (r *Redis) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return r.client.ZAdd(ctx, key, &redis.Z{Score: score, Member: member}).Err()
}

// PopDue atomically removes and returns members with score <= maxScore.
func (r *Redis) PopDue(ctx context.Context, key string, maxScore float64) ([]string, error) {
	members, err := r.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%f", maxScore),
	}).Result()
	if err != nil || len(members) == 0 {
		return nil, err
	}

	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.ZRem(ctx, key, args...).Err(); err != nil {
		return nil, err
	}
	return members, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
