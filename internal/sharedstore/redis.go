package sharedstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var compareAndDeleteScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var compareAndSwapScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
else
	redis.call("SET", KEYS[1], ARGV[2])
end
return 1
`)

var setRemoveScript = redis.NewScript(`
redis.call("SREM", KEYS[1], ARGV[1])
if redis.call("SCARD", KEYS[1]) == 0 then
	redis.call("DEL", KEYS[1])
end
return 1
`)

var incrWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// RedisConfig describes how to reach the shared Redis instance.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// NewRedisClient opens a client and verifies connectivity.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	if cfg.Address == "" {
		return nil, errors.New("sharedstore: redis address required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("sharedstore: redis ping: %w", err)
	}
	return client, nil
}

// Redis implements Store on top of a go-redis client.
type Redis struct {
	client redis.UniversalClient
}

// NewRedis wraps an existing client.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// Get returns ErrNotFound for a missing key.
func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	value, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// Set stores value with SET EX semantics; a zero ttl keeps the key forever.
func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, key, value, ttl).Err()
}

// Delete removes key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// CompareAndDelete runs GET and DEL in one script.
func (r *Redis) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	deleted, err := compareAndDeleteScript.Run(ctx, r.client, []string{key}, expected).Int64()
	if err != nil {
		return false, err
	}
	return deleted > 0, nil
}

// CompareAndSwap runs GET and SET in one script.
func (r *Redis) CompareAndSwap(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	swapped, err := compareAndSwapScript.Run(ctx, r.client, []string{key}, expected, value, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return swapped > 0, nil
}

// MGet omits keys that do not exist.
func (r *Redis) MGet(ctx context.Context, keys ...string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	if len(keys) == 0 {
		return result, nil
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for index, value := range values {
		if text, ok := value.(string); ok {
			result[keys[index]] = text
		}
	}
	return result, nil
}

// SetMany pipelines one SET per entry.
func (r *Redis) SetMany(ctx context.Context, values map[string]string, ttl time.Duration) error {
	if len(values) == 0 {
		return nil
	}
	pipe := r.client.Pipeline()
	for key, value := range values {
		pipe.Set(ctx, key, value, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// SetAdd reports SADD's reply as whether member was added.
func (r *Redis) SetAdd(ctx context.Context, key, member string) (bool, error) {
	added, err := r.client.SAdd(ctx, key, member).Result()
	if err != nil {
		return false, err
	}
	return added > 0, nil
}

// SetRemove runs SREM and drops the key once the set is empty.
func (r *Redis) SetRemove(ctx context.Context, key, member string) error {
	return setRemoveScript.Run(ctx, r.client, []string{key}, member).Err()
}

// SetMembers returns an empty slice for a missing set.
func (r *Redis) SetMembers(ctx context.Context, key string) ([]string, error) {
	return r.client.SMembers(ctx, key).Result()
}

// SetIsMember wraps SISMEMBER.
func (r *Redis) SetIsMember(ctx context.Context, key, member string) (bool, error) {
	return r.client.SIsMember(ctx, key, member).Result()
}

// IncrWindow runs INCR and sets the expiry only on a fresh counter.
func (r *Redis) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	values, err := incrWindowScript.Run(ctx, r.client, []string{key}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(values) != 2 {
		return 0, 0, fmt.Errorf("sharedstore: unexpected window reply %v", values)
	}
	return values[0], time.Duration(values[1]) * time.Millisecond, nil
}
