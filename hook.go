package parley

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alphadose/haxmap"
	"github.com/casualjim/parley/chunk"
	"github.com/casualjim/parley/pkg/slogx"
	"github.com/casualjim/parley/tool"
)

// Hook observes turns. OnChunk runs while the turn holds its emission lock,
// so implementations must not call back into the orchestrator from it.
type Hook interface {
	OnTurnStart(context.Context, Turn)
	OnChunk(context.Context, Turn, chunk.Chunk)
	// OnToolResult runs when an invocation reaches a terminal state, also
	// when its result is discarded because the turn was stopped.
	OnToolResult(context.Context, Turn, tool.Invocation)
	OnTurnEnd(context.Context, Turn)
}

// NoopHook implements Hook with empty methods. Embed it to observe only some
// events.
type NoopHook struct{}

func (NoopHook) OnTurnStart(context.Context, Turn)                   {}
func (NoopHook) OnChunk(context.Context, Turn, chunk.Chunk)          {}
func (NoopHook) OnToolResult(context.Context, Turn, tool.Invocation) {}
func (NoopHook) OnTurnEnd(context.Context, Turn)                     {}

type compositeHook []Hook

// CompositeHook calls every hook in order.
func CompositeHook(hooks ...Hook) Hook {
	return compositeHook(hooks)
}

func (c compositeHook) OnTurnStart(ctx context.Context, t Turn) {
	for _, h := range c {
		h.OnTurnStart(ctx, t)
	}
}

func (c compositeHook) OnChunk(ctx context.Context, t Turn, ch chunk.Chunk) {
	for _, h := range c {
		h.OnChunk(ctx, t, ch)
	}
}

func (c compositeHook) OnToolResult(ctx context.Context, t Turn, inv tool.Invocation) {
	for _, h := range c {
		h.OnToolResult(ctx, t, inv)
	}
}

func (c compositeHook) OnTurnEnd(ctx context.Context, t Turn) {
	for _, h := range c {
		h.OnTurnEnd(ctx, t)
	}
}

type loggingHook struct {
	logger *slog.Logger
}

// LoggingHook logs the lifecycle of every turn through logger, or the default
// slog logger when logger is nil.
func LoggingHook(logger *slog.Logger) Hook {
	if logger == nil {
		logger = slog.Default()
	}
	return loggingHook{logger: logger.With(slogx.LoggerName("parley.turn"))}
}

func (l loggingHook) OnTurnStart(ctx context.Context, t Turn) {
	l.logger.InfoContext(ctx, "turn started",
		slogx.TurnID(t.ID), slogx.ChatID(t.ChatID), slogx.StreamID(t.StreamID), slog.String("model", t.Model))
}

func (l loggingHook) OnChunk(ctx context.Context, t Turn, c chunk.Chunk) {
	l.logger.DebugContext(ctx, "chunk", slogx.StreamID(t.StreamID), slog.Uint64("seq", c.Seq), slog.String("type", string(c.Kind())))
}

func (l loggingHook) OnToolResult(ctx context.Context, t Turn, inv tool.Invocation) {
	attrs := []any{slogx.TurnID(t.ID), slogx.Tool(inv.Name), slogx.CallID(inv.CallID), slog.String("state", string(inv.State))}
	if inv.Err != nil {
		l.logger.WarnContext(ctx, "tool failed", append(attrs, slogx.Error(inv.Err))...)
		return
	}
	l.logger.DebugContext(ctx, "tool completed", attrs...)
}

func (l loggingHook) OnTurnEnd(ctx context.Context, t Turn) {
	attrs := []any{
		slogx.TurnID(t.ID), slogx.ChatID(t.ChatID), slog.String("status", string(t.Status)),
		slog.Int("steps", t.Steps), slog.Int64("total_tokens", t.Usage.TotalTokens),
	}
	if t.Error != nil {
		l.logger.WarnContext(ctx, "turn ended", append(attrs, slog.String("error", t.Error.Message))...)
		return
	}
	l.logger.InfoContext(ctx, "turn ended", attrs...)
}

// UsageCounter accumulates the token usage of ended turns per chat.
type UsageCounter struct {
	NoopHook
	chats *haxmap.Map[string, *usageTotal]
}

type usageTotal struct {
	mu    sync.Mutex
	usage chunk.Usage
	turns int
}

func NewUsageCounter() *UsageCounter {
	return &UsageCounter{chats: haxmap.New[string, *usageTotal]()}
}

func (u *UsageCounter) OnTurnEnd(_ context.Context, t Turn) {
	total, _ := u.chats.GetOrCompute(t.ChatID, func() *usageTotal { return &usageTotal{} })
	total.mu.Lock()
	defer total.mu.Unlock()
	total.usage.Add(&t.Usage)
	total.turns++
}

// Usage returns the accumulated usage of a chat and the number of turns it
// covers.
func (u *UsageCounter) Usage(chatID string) (chunk.Usage, int) {
	total, ok := u.chats.Get(chatID)
	if !ok {
		return chunk.Usage{}, 0
	}
	total.mu.Lock()
	defer total.mu.Unlock()
	return total.usage, total.turns
}
