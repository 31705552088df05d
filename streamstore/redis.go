package streamstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/casualjim/parley/chunk"
	"github.com/casualjim/parley/pkg/errorx"
	"github.com/fogfish/opts"
	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

// Redis keeps every stream as a Redis stream of encoded chunks plus a meta
// hash. Entry ids are 0-(seq+1) so replay from a sequence number is a plain
// XRANGE.
type Redis struct {
	client      redis.UniversalClient
	prefix      string
	retention   time.Duration
	maxLifetime time.Duration
	block       time.Duration
	batch       int64
}

type RedisOption = opts.Option[Redis]

func WithKeyPrefix(prefix string) RedisOption {
	return opts.Type[Redis](func(r *Redis) error {
		r.prefix = prefix
		return nil
	})
}

func WithRedisRetention(d time.Duration) RedisOption {
	return opts.Type[Redis](func(r *Redis) error {
		if d <= 0 {
			return fmt.Errorf("retention must be positive, got %s", d)
		}
		r.retention = d
		return nil
	})
}

func WithRedisMaxLifetime(d time.Duration) RedisOption {
	return opts.Type[Redis](func(r *Redis) error {
		if d <= 0 {
			return fmt.Errorf("max lifetime must be positive, got %s", d)
		}
		r.maxLifetime = d
		return nil
	})
}

// WithBlock sets how long a live subscriber blocks in XREAD before it
// re-checks the seal flag.
func WithBlock(d time.Duration) RedisOption {
	return opts.Type[Redis](func(r *Redis) error {
		r.block = d
		return nil
	})
}

func NewRedis(client redis.UniversalClient, options ...RedisOption) (*Redis, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	r := &Redis{
		client:      client,
		prefix:      "parley:stream:",
		retention:   DefaultRetention,
		maxLifetime: DefaultMaxLifetime,
		block:       time.Second,
		batch:       256,
	}
	if err := opts.Apply(r, options); err != nil {
		return nil, err
	}
	return r, nil
}

var createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return redis.error_reply('EXISTS')
end
redis.call('HSET', KEYS[1], 'turn_id', ARGV[1], 'chat_id', ARGV[2], 'next', 0, 'sealed', '0', 'deadline', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return 1
`)

var appendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('EXPIRED')
end
if redis.call('HGET', KEYS[1], 'sealed') == '1' then
  return redis.error_reply('SEALED')
end
local nxt = tonumber(redis.call('HGET', KEYS[1], 'next'))
if nxt ~= tonumber(ARGV[1]) then
  return redis.error_reply('GAP ' .. nxt)
end
redis.call('XADD', KEYS[2], '0-' .. (nxt + 1), 'c', ARGV[2])
redis.call('HSET', KEYS[1], 'next', nxt + 1)
local ttl = redis.call('PTTL', KEYS[1])
if ttl > 0 then
  redis.call('PEXPIRE', KEYS[2], ttl)
end
return nxt + 1
`)

var sealScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('EXPIRED')
end
if redis.call('HGET', KEYS[1], 'sealed') == '1' then
  return 0
end
redis.call('HSET', KEYS[1], 'sealed', '1', 'deadline', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[1])
if redis.call('EXISTS', KEYS[2]) == 1 then
  redis.call('PEXPIRE', KEYS[2], ARGV[1])
end
return 1
`)

func (r *Redis) metaKey(id string) string { return r.prefix + id + ":meta" }
func (r *Redis) logKey(id string) string  { return r.prefix + id + ":log" }

func entryID(seq uint64) string {
	return "0-" + strconv.FormatUint(seq+1, 10)
}

func (r *Redis) Create(ctx context.Context, streamID string, meta Meta) error {
	deadline := time.Now().Add(r.maxLifetime)
	err := createScript.Run(ctx, r.client,
		[]string{r.metaKey(streamID)},
		meta.TurnID, meta.ChatID, r.maxLifetime.Milliseconds(), deadline.UnixMilli(),
	).Err()
	if err != nil {
		if strings.Contains(err.Error(), "EXISTS") {
			return fmt.Errorf("%w: %s", ErrExists, streamID)
		}
		return fmt.Errorf("create stream %s: %w", streamID, err)
	}
	return nil
}

func (r *Redis) Append(ctx context.Context, streamID string, c chunk.Chunk) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return err
	}
	err = appendScript.Run(ctx, r.client,
		[]string{r.metaKey(streamID), r.logKey(streamID)},
		c.Seq, string(payload),
	).Err()
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "EXPIRED"):
		return errorx.StreamExpired(streamID)
	case strings.Contains(msg, "SEALED"):
		return fmt.Errorf("%w: %s", ErrSealed, streamID)
	case strings.Contains(msg, "GAP"):
		return fmt.Errorf("%w: stream %s, got %d (%s)", ErrOutOfSequence, streamID, c.Seq, msg)
	default:
		return fmt.Errorf("append to stream %s: %w", streamID, err)
	}
}

func (r *Redis) Seal(ctx context.Context, streamID string) error {
	deadline := time.Now().Add(r.retention)
	err := sealScript.Run(ctx, r.client,
		[]string{r.metaKey(streamID), r.logKey(streamID)},
		r.retention.Milliseconds(), deadline.UnixMilli(),
	).Err()
	if err != nil {
		if strings.Contains(err.Error(), "EXPIRED") {
			return errorx.StreamExpired(streamID)
		}
		return fmt.Errorf("seal stream %s: %w", streamID, err)
	}
	return nil
}

func (r *Redis) Info(ctx context.Context, streamID string) (Info, error) {
	fields, err := r.client.HGetAll(ctx, r.metaKey(streamID)).Result()
	if err != nil {
		return Info{}, fmt.Errorf("read stream %s: %w", streamID, err)
	}
	if len(fields) == 0 {
		return Info{}, errorx.StreamExpired(streamID)
	}
	next, _ := strconv.ParseUint(fields["next"], 10, 64)
	deadline, _ := strconv.ParseInt(fields["deadline"], 10, 64)
	return Info{
		StreamID: streamID,
		Meta:     Meta{TurnID: fields["turn_id"], ChatID: fields["chat_id"]},
		Next:     next,
		Sealed:   fields["sealed"] == "1",
		Deadline: time.UnixMilli(deadline),
	}, nil
}

func (r *Redis) Subscribe(ctx context.Context, streamID string, from uint64) (iter.Seq2[chunk.Chunk, error], error) {
	if _, err := r.Info(ctx, streamID); err != nil {
		return nil, err
	}
	metaKey, logKey := r.metaKey(streamID), r.logKey(streamID)

	return func(yield func(chunk.Chunk, error) bool) {
		next := from
		for {
			// the seal flag is read before the range so a sealed stream is
			// fully drained by the range that follows it
			state, err := r.client.HGet(ctx, metaKey, "sealed").Result()
			if errors.Is(err, redis.Nil) {
				yield(chunk.Chunk{}, errorx.StreamExpired(streamID))
				return
			}
			if err != nil {
				yield(chunk.Chunk{}, err)
				return
			}

			entries, err := r.client.XRangeN(ctx, logKey, entryID(next), "+", r.batch).Result()
			if err != nil {
				yield(chunk.Chunk{}, err)
				return
			}
			for _, entry := range entries {
				c, err := decodeEntry(entry)
				if err != nil {
					yield(chunk.Chunk{}, err)
					return
				}
				if !yield(c, nil) {
					return
				}
				next = c.Seq + 1
			}
			if len(entries) > 0 {
				continue
			}
			if state == "1" {
				return
			}

			// wait for the next entry, the range above reads it
			err = r.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{logKey, "0-" + strconv.FormatUint(next, 10)},
				Count:   1,
				Block:   r.block,
			}).Err()
			if err != nil && !errors.Is(err, redis.Nil) {
				if ctx.Err() != nil {
					err = ctx.Err()
				}
				yield(chunk.Chunk{}, err)
				return
			}
		}
	}, nil
}

func decodeEntry(entry redis.XMessage) (chunk.Chunk, error) {
	raw, ok := entry.Values["c"].(string)
	if !ok {
		return chunk.Chunk{}, fmt.Errorf("stream entry %s has no chunk", entry.ID)
	}
	var c chunk.Chunk
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return chunk.Chunk{}, fmt.Errorf("decode stream entry %s: %w", entry.ID, err)
	}
	return c, nil
}
