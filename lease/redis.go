package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/casualjim/parley/pkg/errorx"
	"github.com/redis/go-redis/v9"
)

// Redis stores each lease as a key holding the owner, expiring with the
// lease ttl.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "parley:lease:"
	}
	return &Redis{client: client, prefix: prefix}
}

var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

func (r *Redis) key(chatID string) string { return r.prefix + chatID }

func (r *Redis) Acquire(ctx context.Context, chatID, owner string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		return Lease{}, fmt.Errorf("lease ttl must be positive, got %s", ttl)
	}
	ok, err := r.client.SetNX(ctx, r.key(chatID), owner, ttl).Result()
	if err != nil {
		return Lease{}, fmt.Errorf("acquire lease on %s: %w", chatID, err)
	}
	if ok {
		return Lease{ChatID: chatID, Owner: owner, Expires: time.Now().Add(ttl)}, nil
	}

	cur, held, err := r.Current(ctx, chatID)
	if err != nil {
		return Lease{}, err
	}
	if held && cur.Owner == owner {
		return r.Renew(ctx, chatID, owner, ttl)
	}
	if !held {
		// expired between SET NX and GET
		return r.Acquire(ctx, chatID, owner, ttl)
	}
	return Lease{}, errorx.TurnConflict(chatID, cur.Owner)
}

func (r *Redis) Renew(ctx context.Context, chatID, owner string, ttl time.Duration) (Lease, error) {
	n, err := renewScript.Run(ctx, r.client, []string{r.key(chatID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return Lease{}, fmt.Errorf("renew lease on %s: %w", chatID, err)
	}
	if n == 0 {
		return Lease{}, fmt.Errorf("%w: chat %s", ErrNotHeld, chatID)
	}
	return Lease{ChatID: chatID, Owner: owner, Expires: time.Now().Add(ttl)}, nil
}

func (r *Redis) Release(ctx context.Context, chatID, owner string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.key(chatID)}, owner).Err(); err != nil {
		return fmt.Errorf("release lease on %s: %w", chatID, err)
	}
	return nil
}

func (r *Redis) Current(ctx context.Context, chatID string) (Lease, bool, error) {
	pipe := r.client.Pipeline()
	get := pipe.Get(ctx, r.key(chatID))
	ttl := pipe.PTTL(ctx, r.key(chatID))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Lease{}, false, fmt.Errorf("read lease on %s: %w", chatID, err)
	}
	owner, err := get.Result()
	if errors.Is(err, redis.Nil) {
		return Lease{}, false, nil
	}
	if err != nil {
		return Lease{}, false, err
	}
	return Lease{ChatID: chatID, Owner: owner, Expires: time.Now().Add(ttl.Val())}, true, nil
}
