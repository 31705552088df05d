package tool

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/casualjim/parley/chunk"
	json "github.com/goccy/go-json"
)

// State is the lifecycle position of one tool invocation.
type State string

const (
	StateCallStarted  State = "call-started"
	StateArgsComplete State = "args-complete"
	StateExecuting    State = "executing"
	StateResultReady  State = "result-ready"
	StateFailed       State = "failed"
)

var transitions = map[State][]State{
	StateCallStarted:  {StateArgsComplete, StateFailed},
	StateArgsComplete: {StateExecuting, StateFailed},
	StateExecuting:    {StateResultReady, StateFailed},
}

func (s State) Terminal() bool {
	return s == StateResultReady || s == StateFailed
}

// Result is the successful outcome of an invocation.
type Result struct {
	CallID string
	Name   string
	Output json.RawMessage
	File   *chunk.File
}

// Attachment is implemented by tool outputs that reference a file, such as a
// rendered image.
type Attachment interface {
	Attachment() *chunk.File
}

// Invocation is a point in time view of one tool call.
type Invocation struct {
	TurnID     string
	CallID     string
	Name       string
	State      State
	Result     Result
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

type invocation struct {
	mu   sync.Mutex
	snap Invocation
}

func newInvocation(turnID, callID, name string) *invocation {
	return &invocation{snap: Invocation{
		TurnID:    turnID,
		CallID:    callID,
		Name:      name,
		State:     StateCallStarted,
		StartedAt: time.Now(),
	}}
}

func (i *invocation) snapshot() Invocation {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.snap
}

func (i *invocation) transition(to State) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.transitionLocked(to)
}

func (i *invocation) transitionLocked(to State) error {
	if !slices.Contains(transitions[i.snap.State], to) {
		return fmt.Errorf("invalid tool invocation transition %s -> %s", i.snap.State, to)
	}
	i.snap.State = to
	if to.Terminal() {
		i.snap.FinishedAt = time.Now()
	}
	return nil
}

func (i *invocation) succeed(res Result) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.transitionLocked(StateResultReady); err == nil {
		i.snap.Result = res
	}
}

func (i *invocation) fail(err error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if terr := i.transitionLocked(StateFailed); terr == nil {
		i.snap.Err = err
	}
}
