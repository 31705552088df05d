// Package assembler folds the chunk sequence of a turn into the ordered parts
// of one assistant message and persists them while the turn is streaming.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/casualjim/parley/chunk"
	"github.com/casualjim/parley/messages"
	"github.com/fogfish/opts"
	"github.com/go-openapi/strfmt"
)

// DefaultFlushEvery is how many deltas an open text part accumulates before
// it is written again.
const DefaultFlushEvery = 8

// Store persists messages and their parts. SavePart upserts by message id and
// part index.
type Store interface {
	SaveMessage(ctx context.Context, msg messages.Message) error
	SavePart(ctx context.Context, messageID string, part messages.Part) error
	Message(ctx context.Context, id string) (messages.Message, error)
	// Messages returns the last limit messages of a chat, oldest first. A
	// limit <= 0 returns all of them.
	Messages(ctx context.Context, chatID string, limit int) ([]messages.Message, error)
}

type Option = opts.Option[Assembler]

var WithFlushEvery = opts.ForName[Assembler, int]("flushEvery")

// Assembler consumes the chunks of one turn. It is not safe for concurrent
// use; the orchestrator feeds it from the goroutine that assigns sequence
// numbers.
type Assembler struct {
	store      Store
	flushEvery int
	now        func() time.Time

	msg     messages.Message
	next    uint64
	pending map[uint64]chunk.Chunk
	done    bool

	// open is the index of the growing text or reasoning part, or -1.
	open     int
	unsaved  int
	toolCall map[string]int
	// dirty holds parts whose last write failed. They are written again with
	// the next part save and always with the final message.
	dirty map[int]struct{}
}

// New starts assembling msg, which must carry its id, chat id and turn id. The
// message is saved immediately with status streaming.
func New(ctx context.Context, store Store, msg messages.Message, options ...Option) (*Assembler, error) {
	a := &Assembler{
		store:      store,
		flushEvery: DefaultFlushEvery,
		now:        time.Now,
		pending:    make(map[uint64]chunk.Chunk),
		open:       -1,
		toolCall:   make(map[string]int),
		dirty:      make(map[int]struct{}),
	}
	if err := opts.Apply(a, options); err != nil {
		return nil, err
	}
	if a.flushEvery < 1 {
		a.flushEvery = 1
	}
	if msg.ID == "" {
		return nil, fmt.Errorf("message id is required")
	}

	at := strfmt.DateTime(a.now().UTC())
	msg.Role = messages.RoleAssistant
	msg.Status = messages.StatusStreaming
	if time.Time(msg.CreatedAt).IsZero() {
		msg.CreatedAt = at
	}
	msg.UpdatedAt = at
	a.msg = msg
	if err := store.SaveMessage(ctx, a.snapshot()); err != nil {
		return nil, fmt.Errorf("save message %s: %w", msg.ID, err)
	}
	return a, nil
}

// OnChunk applies c. Chunks may arrive out of order; they are buffered until
// the gap before them is filled. Chunks with an already applied sequence
// number are ignored.
//
// A failed write does not hold back later chunks: the chunk is applied to the
// in-memory message, the part is written again later and the error is
// returned.
func (a *Assembler) OnChunk(ctx context.Context, c chunk.Chunk) error {
	if a.done || c.Seq < a.next {
		return nil
	}
	if c.Seq > a.next {
		a.pending[c.Seq] = c
		return nil
	}
	err := a.apply(ctx, c)
	a.next++
	for !a.done {
		n, ok := a.pending[a.next]
		if !ok {
			break
		}
		delete(a.pending, a.next)
		err = errors.Join(err, a.apply(ctx, n))
		a.next++
	}
	return err
}

// Message returns a copy of the message as assembled so far.
func (a *Assembler) Message() messages.Message { return a.snapshot() }

// Done reports whether a terminal chunk was applied.
func (a *Assembler) Done() bool { return a.done }

// Next is the sequence number the assembler waits for.
func (a *Assembler) Next() uint64 { return a.next }

func (a *Assembler) snapshot() messages.Message {
	m := a.msg
	m.Parts = slices.Clone(a.msg.Parts)
	return m
}

func (a *Assembler) apply(ctx context.Context, c chunk.Chunk) error {
	switch p := c.Payload.(type) {
	case chunk.TextDelta:
		return a.grow(ctx, messages.PartText, p.Text)
	case chunk.ReasoningDelta:
		return a.grow(ctx, messages.PartReasoning, p.Text)

	case chunk.ToolCallStart:
		if err := a.closeOpen(ctx); err != nil {
			return err
		}
		idx := a.add(messages.Part{Kind: messages.PartToolCall, Open: true, ToolCallID: p.CallID, ToolName: p.Name})
		a.toolCall[p.CallID] = idx
		return nil

	case chunk.ToolCallDelta:
		if err := a.closeOpen(ctx); err != nil {
			return err
		}
		idx, ok := a.toolCall[p.CallID]
		if !ok || !p.ArgsComplete {
			return nil
		}
		part := &a.msg.Parts[idx]
		part.Args = p.Args
		part.Open = false
		return a.savePart(ctx, idx)

	case chunk.ToolResult:
		if err := a.closeOpen(ctx); err != nil {
			return err
		}
		idx := a.add(messages.Part{
			Kind:       messages.PartToolResult,
			ToolCallID: p.CallID,
			ToolName:   p.Name,
			Output:     p.Output,
			Error:      p.Error,
		})
		if err := a.savePart(ctx, idx); err != nil {
			return err
		}
		if p.File != nil {
			file := *p.File
			idx = a.add(messages.Part{Kind: messages.PartFile, ToolCallID: p.CallID, File: &file})
			return a.savePart(ctx, idx)
		}
		return nil

	case chunk.Finish:
		status := messages.StatusFinished
		if p.Reason == chunk.FinishStopped {
			status = messages.StatusStopped
		}
		return a.finish(ctx, status)
	case chunk.Error:
		return a.finish(ctx, messages.StatusErrored)
	default:
		return fmt.Errorf("chunk %d has no payload", c.Seq)
	}
}

// grow appends text to the open part of kind, opening a new part when the open
// one has another kind. Text of both kinds therefore reads back in sequence
// order.
func (a *Assembler) grow(ctx context.Context, kind messages.PartKind, text string) error {
	if a.open >= 0 && a.msg.Parts[a.open].Kind != kind {
		if err := a.closeOpen(ctx); err != nil {
			return err
		}
	}
	if a.open < 0 {
		a.open = a.add(messages.Part{Kind: kind, Open: true})
	}
	a.msg.Parts[a.open].Text += text
	a.unsaved++
	if a.unsaved >= a.flushEvery {
		return a.savePart(ctx, a.open)
	}
	return nil
}

func (a *Assembler) closeOpen(ctx context.Context) error {
	if a.open < 0 {
		return nil
	}
	idx := a.open
	a.open, a.unsaved = -1, 0
	a.msg.Parts[idx].Open = false
	return a.savePart(ctx, idx)
}

func (a *Assembler) add(p messages.Part) int {
	p.Index = len(a.msg.Parts)
	a.msg.Parts = append(a.msg.Parts, p)
	return p.Index
}

// savePart writes the part at idx after the parts whose earlier write failed.
func (a *Assembler) savePart(ctx context.Context, idx int) error {
	part := a.msg.Parts[idx]
	if err := part.Validate(); err != nil {
		return fmt.Errorf("part %d of message %s: %w", idx, a.msg.ID, err)
	}
	if idx == a.open {
		a.unsaved = 0
	}
	err := a.retryDirty(ctx, idx)
	return errors.Join(err, a.write(ctx, idx))
}

func (a *Assembler) retryDirty(ctx context.Context, skip int) error {
	var err error
	for _, idx := range slices.Sorted(maps.Keys(a.dirty)) {
		if idx != skip {
			err = errors.Join(err, a.write(ctx, idx))
		}
	}
	return err
}

func (a *Assembler) write(ctx context.Context, idx int) error {
	if err := a.store.SavePart(ctx, a.msg.ID, a.msg.Parts[idx]); err != nil {
		a.dirty[idx] = struct{}{}
		return fmt.Errorf("save part %d of message %s: %w", idx, a.msg.ID, err)
	}
	delete(a.dirty, idx)
	return nil
}

// finish closes every part and writes the whole message, parts included, with
// its terminal status.
func (a *Assembler) finish(ctx context.Context, status messages.Status) error {
	if a.open >= 0 {
		a.msg.Parts[a.open].Open = false
		a.open, a.unsaved = -1, 0
	}
	for _, idx := range a.toolCall {
		a.msg.Parts[idx].Open = false
	}
	a.done = true
	clear(a.pending)
	a.msg.Status = status
	a.msg.UpdatedAt = strfmt.DateTime(a.now().UTC())
	if err := a.store.SaveMessage(ctx, a.snapshot()); err != nil {
		return fmt.Errorf("save message %s: %w", a.msg.ID, err)
	}
	clear(a.dirty)
	return nil
}
