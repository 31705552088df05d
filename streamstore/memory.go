package streamstore

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/parley/chunk"
	"github.com/casualjim/parley/pkg/errorx"
	"github.com/fogfish/opts"
)

const defaultJanitorInterval = time.Second

type Memory struct {
	records         *haxmap.Map[string, *record]
	retention       time.Duration
	maxLifetime     time.Duration
	janitorInterval time.Duration
	now             func() time.Time

	stop      chan struct{}
	closeOnce sync.Once
}

type MemoryOption = opts.Option[Memory]

// WithRetention sets how long sealed streams stay replayable.
func WithRetention(d time.Duration) MemoryOption {
	return opts.Type[Memory](func(m *Memory) error {
		if d <= 0 {
			return fmt.Errorf("retention must be positive, got %s", d)
		}
		m.retention = d
		return nil
	})
}

// WithMaxLifetime bounds how long unsealed streams are kept.
func WithMaxLifetime(d time.Duration) MemoryOption {
	return opts.Type[Memory](func(m *Memory) error {
		if d <= 0 {
			return fmt.Errorf("max lifetime must be positive, got %s", d)
		}
		m.maxLifetime = d
		return nil
	})
}

// WithJanitorInterval sets how often expired records are evicted.
func WithJanitorInterval(d time.Duration) MemoryOption {
	return opts.Type[Memory](func(m *Memory) error {
		if d <= 0 {
			return fmt.Errorf("janitor interval must be positive, got %s", d)
		}
		m.janitorInterval = d
		return nil
	})
}

// NewMemory creates an in-process store and starts its eviction loop. Call
// Close to stop it.
func NewMemory(options ...MemoryOption) (*Memory, error) {
	m := &Memory{
		records:         haxmap.New[string, *record](),
		retention:       DefaultRetention,
		maxLifetime:     DefaultMaxLifetime,
		janitorInterval: defaultJanitorInterval,
		now:             time.Now,
		stop:            make(chan struct{}),
	}
	if err := opts.Apply(m, options); err != nil {
		return nil, err
	}
	go m.janitor()
	return m, nil
}

func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.stop) })
	return nil
}

type record struct {
	mu       sync.Mutex
	meta     Meta
	chunks   []chunk.Chunk
	sealed   bool
	evicted  bool
	deadline time.Time
	changed  chan struct{}
}

// notifyLocked wakes every subscriber waiting on the record.
func (r *record) notifyLocked() {
	close(r.changed)
	r.changed = make(chan struct{})
}

func (r *record) expiredLocked(now time.Time) bool {
	return r.evicted || !now.Before(r.deadline)
}

func (m *Memory) Create(_ context.Context, streamID string, meta Meta) error {
	now := m.now()
	if rec, ok := m.records.Get(streamID); ok {
		rec.mu.Lock()
		stale := rec.expiredLocked(now)
		rec.mu.Unlock()
		if !stale {
			return fmt.Errorf("%w: %s", ErrExists, streamID)
		}
		m.evict(streamID, rec)
	}

	fresh := &record{
		meta:     meta,
		deadline: now.Add(m.maxLifetime),
		changed:  make(chan struct{}),
	}
	if _, loaded := m.records.GetOrSet(streamID, fresh); loaded {
		return fmt.Errorf("%w: %s", ErrExists, streamID)
	}
	return nil
}

func (m *Memory) lookup(streamID string) (*record, error) {
	rec, ok := m.records.Get(streamID)
	if !ok {
		return nil, errorx.StreamExpired(streamID)
	}
	return rec, nil
}

func (m *Memory) Append(_ context.Context, streamID string, c chunk.Chunk) error {
	rec, err := m.lookup(streamID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.expiredLocked(m.now()) {
		return errorx.StreamExpired(streamID)
	}
	if rec.sealed {
		return fmt.Errorf("%w: %s", ErrSealed, streamID)
	}
	if next := uint64(len(rec.chunks)); c.Seq != next {
		return fmt.Errorf("%w: stream %s expects %d, got %d", ErrOutOfSequence, streamID, next, c.Seq)
	}
	rec.chunks = append(rec.chunks, c)
	rec.notifyLocked()
	return nil
}

func (m *Memory) Seal(_ context.Context, streamID string) error {
	rec, err := m.lookup(streamID)
	if err != nil {
		return err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	now := m.now()
	if rec.expiredLocked(now) {
		return errorx.StreamExpired(streamID)
	}
	if rec.sealed {
		return nil
	}
	rec.sealed = true
	rec.deadline = now.Add(m.retention)
	rec.notifyLocked()
	return nil
}

func (m *Memory) Info(_ context.Context, streamID string) (Info, error) {
	rec, err := m.lookup(streamID)
	if err != nil {
		return Info{}, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.expiredLocked(m.now()) {
		return Info{}, errorx.StreamExpired(streamID)
	}
	return Info{
		StreamID: streamID,
		Meta:     rec.meta,
		Next:     uint64(len(rec.chunks)),
		Sealed:   rec.sealed,
		Deadline: rec.deadline,
	}, nil
}

func (m *Memory) Subscribe(ctx context.Context, streamID string, from uint64) (iter.Seq2[chunk.Chunk, error], error) {
	if _, err := m.Info(ctx, streamID); err != nil {
		return nil, err
	}
	rec, err := m.lookup(streamID)
	if err != nil {
		return nil, err
	}

	return func(yield func(chunk.Chunk, error) bool) {
		next := from
		for {
			rec.mu.Lock()
			if rec.expiredLocked(m.now()) {
				rec.mu.Unlock()
				yield(chunk.Chunk{}, errorx.StreamExpired(streamID))
				return
			}
			var batch []chunk.Chunk
			if next < uint64(len(rec.chunks)) {
				batch = slices.Clone(rec.chunks[next:])
			}
			sealed, changed, deadline := rec.sealed, rec.changed, rec.deadline
			rec.mu.Unlock()

			for _, c := range batch {
				if !yield(c, nil) {
					return
				}
				next = c.Seq + 1
			}
			if len(batch) > 0 {
				continue
			}
			if sealed {
				return
			}

			timer := time.NewTimer(time.Until(deadline))
			select {
			case <-ctx.Done():
				timer.Stop()
				yield(chunk.Chunk{}, ctx.Err())
				return
			case <-changed:
			case <-timer.C:
			}
			timer.Stop()
		}
	}, nil
}

func (m *Memory) janitor() {
	ticker := time.NewTicker(m.janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

func (m *Memory) evictExpired() {
	now := m.now()
	var expired []string
	m.records.ForEach(func(id string, rec *record) bool {
		rec.mu.Lock()
		if rec.expiredLocked(now) {
			expired = append(expired, id)
		}
		rec.mu.Unlock()
		return true
	})
	for _, id := range expired {
		if rec, ok := m.records.Get(id); ok {
			m.evict(id, rec)
		}
	}
}

func (m *Memory) evict(id string, rec *record) {
	rec.mu.Lock()
	if !rec.evicted {
		rec.evicted = true
		rec.chunks = nil
		rec.notifyLocked()
	}
	rec.mu.Unlock()
	m.records.Del(id)
}
