package streamstore

import (
	"context"
	"errors"
	"iter"
	"time"

	"github.com/casualjim/parley/chunk"
)

const (
	// DefaultRetention is how long a sealed stream stays replayable.
	DefaultRetention = 10 * time.Minute
	// DefaultMaxLifetime bounds how long an unsealed stream may stay open.
	DefaultMaxLifetime = time.Hour
)

var (
	ErrSealed        = errors.New("stream is sealed")
	ErrOutOfSequence = errors.New("chunk is out of sequence")
	ErrExists        = errors.New("stream already exists")
)

// Meta identifies the turn a stream belongs to.
type Meta struct {
	TurnID string `json:"turn_id"`
	ChatID string `json:"chat_id"`
}

type Info struct {
	StreamID string
	Meta     Meta
	// Next is the sequence number the next appended chunk must carry.
	Next     uint64
	Sealed   bool
	Deadline time.Time
}

// Store is a durable, append-only and time bounded chunk log keyed by stream
// id. Unknown and evicted ids both fail with errorx.StreamExpired.
type Store interface {
	// Create opens an empty, unsealed stream.
	Create(ctx context.Context, streamID string, meta Meta) error
	// Append adds c to the log. c.Seq must equal Info.Next.
	Append(ctx context.Context, streamID string, c chunk.Chunk) error
	// Seal makes the stream read-only and starts its retention window.
	// Sealing a sealed stream is a no-op.
	Seal(ctx context.Context, streamID string) error
	// Subscribe replays every chunk with a sequence number >= from and then,
	// while the stream is unsealed, keeps yielding chunks as they are
	// appended. Every subscriber sees every chunk.
	Subscribe(ctx context.Context, streamID string, from uint64) (iter.Seq2[chunk.Chunk, error], error)
	Info(ctx context.Context, streamID string) (Info, error)
}
