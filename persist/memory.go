package persist

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/casualjim/parley/artifact"
	"github.com/casualjim/parley/assembler"
	"github.com/casualjim/parley/messages"
	"github.com/casualjim/parley/pkg/errorx"
)

var (
	_ assembler.Store = (*Memory)(nil)
	_ artifact.Store  = (*Memory)(nil)
)

type Memory struct {
	mu        sync.RWMutex
	messages  map[string]messages.Message
	order     map[string][]string
	artifacts map[string]artifact.Artifact
	versions  map[string][]artifact.Version
}

func NewMemory() *Memory {
	return &Memory{
		messages:  make(map[string]messages.Message),
		order:     make(map[string][]string),
		artifacts: make(map[string]artifact.Artifact),
		versions:  make(map[string][]artifact.Version),
	}
}

func (m *Memory) SaveMessage(_ context.Context, msg messages.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, exists := m.messages[msg.ID]
	if !exists {
		m.order[msg.ChatID] = append(m.order[msg.ChatID], msg.ID)
	} else {
		// parts saved individually survive a header-only save
		for _, p := range prev.Parts {
			if !slices.ContainsFunc(msg.Parts, func(q messages.Part) bool { return q.Index == p.Index }) {
				msg.Parts = append(msg.Parts, p)
			}
		}
	}
	msg.Parts = sortParts(slices.Clone(msg.Parts))
	m.messages[msg.ID] = msg
	return nil
}

func (m *Memory) SavePart(_ context.Context, messageID string, part messages.Part) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok {
		return errorx.New(errorx.CodeNotFound, "message %s not found", messageID)
	}
	parts := slices.Clone(msg.Parts)
	if i := slices.IndexFunc(parts, func(p messages.Part) bool { return p.Index == part.Index }); i >= 0 {
		parts[i] = part
	} else {
		parts = append(parts, part)
	}
	msg.Parts = sortParts(parts)
	m.messages[messageID] = msg
	return nil
}

func sortParts(parts []messages.Part) []messages.Part {
	slices.SortFunc(parts, func(a, b messages.Part) int { return cmp.Compare(a.Index, b.Index) })
	return parts
}

func (m *Memory) Message(_ context.Context, id string) (messages.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msg, ok := m.messages[id]
	if !ok {
		return messages.Message{}, errorx.New(errorx.CodeNotFound, "message %s not found", id)
	}
	msg.Parts = slices.Clone(msg.Parts)
	return msg, nil
}

func (m *Memory) Messages(_ context.Context, chatID string, limit int) ([]messages.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.order[chatID]
	if limit > 0 && len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}
	out := make([]messages.Message, 0, len(ids))
	for _, id := range ids {
		msg := m.messages[id]
		msg.Parts = slices.Clone(msg.Parts)
		out = append(out, msg)
	}
	return out, nil
}

func (m *Memory) Artifact(_ context.Context, id string) (artifact.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.artifacts[id]
	if !ok {
		return artifact.Artifact{}, errorx.New(errorx.CodeNotFound, "artifact %s not found", id)
	}
	return a, nil
}

func (m *Memory) Version(_ context.Context, id string, number int) (artifact.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	versions := m.versions[id]
	if number < 1 || number > len(versions) {
		return artifact.Version{}, errorx.New(errorx.CodeNotFound, "artifact %s has no version %d", id, number)
	}
	return versions[number-1], nil
}

func (m *Memory) Versions(_ context.Context, id string) ([]artifact.Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.versions[id]), nil
}

func (m *Memory) VersionByCallKey(_ context.Context, id, callKey string) (artifact.Version, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, v := range m.versions[id] {
		if v.CallKey == callKey {
			return v, true, nil
		}
	}
	return artifact.Version{}, false, nil
}

func (m *Memory) Commit(_ context.Context, a artifact.Artifact, base int, v artifact.Version) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.artifacts[a.ID]
	switch {
	case base == 0 && exists:
		return errorx.VersionConflict(a.ID, 0, current.CurrentVersion)
	case base > 0 && !exists:
		return errorx.New(errorx.CodeNotFound, "artifact %s not found", a.ID)
	case exists && current.CurrentVersion != base:
		return errorx.VersionConflict(a.ID, base, current.CurrentVersion)
	}
	if v.Number != base+1 {
		return errorx.VersionConflict(a.ID, base, v.Number-1)
	}
	m.artifacts[a.ID] = a
	m.versions[a.ID] = append(m.versions[a.ID], v)
	return nil
}
