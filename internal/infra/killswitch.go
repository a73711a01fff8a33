package infra

import (
	"context"
	"errors"
	"fmt"
	"os"

	"l2_trader/internal/domain"

	"github.com/redis/go-redis/v9"
)

// FileKillSwitch is triggered while the control file exists.
type FileKillSwitch struct {
	Path string
}

// Triggered reports whether the control file exists.
func (f FileKillSwitch) Triggered(_ context.Context) (bool, error) {
	if f.Path == "" {
		return false, nil
	}
	_, err := os.Stat(f.Path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("kill switch file %s: %w", f.Path, err)
	}
}

// RedisExister is the subset of the redis client used by RedisKillSwitch.
type RedisExister interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisKillSwitch is triggered while a key exists in Redis, so an operator
// can halt every instance sharing the account at once.
type RedisKillSwitch struct {
	client RedisExister
	key    string
}

// NewRedisKillSwitch builds a kill switch on an existing client.
func NewRedisKillSwitch(client RedisExister, key string) *RedisKillSwitch {
	return &RedisKillSwitch{client: client, key: key}
}

// DialRedisKillSwitch connects to addr and verifies the connection.
func DialRedisKillSwitch(ctx context.Context, addr, key string) (*RedisKillSwitch, func() error, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return NewRedisKillSwitch(client, key), client.Close, nil
}

// Triggered reports whether the key exists.
func (r *RedisKillSwitch) Triggered(ctx context.Context) (bool, error) {
	n, err := r.client.Exists(ctx, r.key).Result()
	if err != nil {
		return false, fmt.Errorf("kill switch key %s: %w", r.key, err)
	}
	return n > 0, nil
}

// AnyKillSwitch is triggered when any member is. Errors do not mask a
// trigger from another member.
type AnyKillSwitch []domain.KillSwitchIndicator

func (a AnyKillSwitch) Triggered(ctx context.Context) (bool, error) {
	var errs []error
	for _, ks := range a {
		on, err := ks.Triggered(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if on {
			return true, nil
		}
	}
	return false, errors.Join(errs...)
}
