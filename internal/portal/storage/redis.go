package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const redisKeyPrefix = "portal:storage:"

// Redis is an Area stored as a Redis hash. Each mutation is published on a
// namespace channel so portal replicas holding the same namespace observe it.
type Redis struct {
	client    redis.UniversalClient
	namespace string
	logger    *zap.Logger
}

// NewRedis returns an Area for namespace backed by client.
func NewRedis(client redis.UniversalClient, namespace string, logger *zap.Logger) (*Redis, error) {
	if client == nil {
		return nil, errors.New("storage: redis client is required")
	}
	if namespace == "" {
		return nil, errors.New("storage: redis namespace is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Redis{client: client, namespace: namespace, logger: logger}, nil
}

func (r *Redis) hashKey() string {
	return redisKeyPrefix + r.namespace
}

func (r *Redis) channel() string {
	return redisKeyPrefix + r.namespace + ":changes"
}

// Get returns the value stored under key.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.HGet(ctx, r.hashKey(), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("storage: redis get %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key. Setting an empty value removes the key.
func (r *Redis) Set(ctx context.Context, key, value string) error {
	if value == "" {
		return r.Remove(ctx, key)
	}
	old, _, err := r.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := r.client.HSet(ctx, r.hashKey(), key, value).Err(); err != nil {
		return fmt.Errorf("storage: redis set %s: %w", key, err)
	}
	if old != value {
		r.publish(ctx, Change{Key: key, OldValue: old, NewValue: value})
	}
	return nil
}

// Remove deletes key.
func (r *Redis) Remove(ctx context.Context, key string) error {
	old, ok, err := r.Get(ctx, key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if err := r.client.HDel(ctx, r.hashKey(), key).Err(); err != nil {
		return fmt.Errorf("storage: redis remove %s: %w", key, err)
	}
	r.publish(ctx, Change{Key: key, OldValue: old})
	return nil
}

// Clear removes every key in the namespace.
func (r *Redis) Clear(ctx context.Context) error {
	before, err := r.client.HGetAll(ctx, r.hashKey()).Result()
	if err != nil {
		return fmt.Errorf("storage: redis clear: %w", err)
	}
	if len(before) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, r.hashKey()).Err(); err != nil {
		return fmt.Errorf("storage: redis clear: %w", err)
	}
	for _, change := range diff(before, nil) {
		r.publish(ctx, change)
	}
	return nil
}

// Keys returns the stored keys in sorted order.
func (r *Redis) Keys(ctx context.Context) ([]string, error) {
	keys, err := r.client.HKeys(ctx, r.hashKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("storage: redis keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Watch subscribes to the namespace change channel until ctx is cancelled.
func (r *Redis) Watch(ctx context.Context) (<-chan Change, error) {
	pubsub := r.client.Subscribe(ctx, r.channel())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("storage: redis subscribe: %w", err)
	}

	out := make(chan Change, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()
		messages := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var change Change
				if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
					r.logger.Warn("storage change decode failed", zap.String("namespace", r.namespace), zap.Error(err))
					continue
				}
				select {
				case out <- change:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (r *Redis) publish(ctx context.Context, change Change) {
	payload, err := json.Marshal(change)
	if err != nil {
		return
	}
	if err := r.client.Publish(ctx, r.channel(), payload).Err(); err != nil {
		r.logger.Warn("storage change publish failed", zap.String("namespace", r.namespace), zap.Error(err))
	}
}
