package lease

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/casualjim/parley/pkg/errorx"
)

type Memory struct {
	mu     sync.Mutex
	leases map[string]Lease
	now    func() time.Time
}

func NewMemory() *Memory {
	return &Memory{leases: make(map[string]Lease), now: time.Now}
}

func (m *Memory) Acquire(_ context.Context, chatID, owner string, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		return Lease{}, fmt.Errorf("lease ttl must be positive, got %s", ttl)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.leases[chatID]; ok && now.Before(cur.Expires) && cur.Owner != owner {
		return Lease{}, errorx.TurnConflict(chatID, cur.Owner)
	}
	l := Lease{ChatID: chatID, Owner: owner, Expires: now.Add(ttl)}
	m.leases[chatID] = l
	return l, nil
}

func (m *Memory) Renew(_ context.Context, chatID, owner string, ttl time.Duration) (Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cur, ok := m.leases[chatID]
	if !ok || cur.Owner != owner || !now.Before(cur.Expires) {
		return Lease{}, fmt.Errorf("%w: chat %s", ErrNotHeld, chatID)
	}
	cur.Expires = now.Add(ttl)
	m.leases[chatID] = cur
	return cur, nil
}

func (m *Memory) Release(_ context.Context, chatID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cur, ok := m.leases[chatID]; ok && cur.Owner == owner {
		delete(m.leases, chatID)
	}
	return nil
}

func (m *Memory) Current(_ context.Context, chatID string) (Lease, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.leases[chatID]
	if !ok {
		return Lease{}, false, nil
	}
	if !m.now().Before(cur.Expires) {
		delete(m.leases, chatID)
		return Lease{}, false, nil
	}
	return cur, true, nil
}
