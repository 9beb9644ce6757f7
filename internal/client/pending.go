package client

import (
	"time"

	"github.com/civitasdev/civitas/internal/messages"
	"github.com/civitasdev/civitas/internal/protocol"
)

const (
	// DefaultActionTimeout is how long an action may stay Pending before
	// it is marked TimedOut.
	DefaultActionTimeout = 5 * time.Second

	// DefaultActionRetention is how long a resolved action stays visible
	// before eviction, so the UI can render its outcome.
	DefaultActionRetention = 10 * time.Second
)

// ActionState is the lifecycle phase of a tracked action.
type ActionState uint8

const (
	// ActionPending means the input was sent and awaits the server's verdict.
	ActionPending ActionState = iota + 1
	// ActionConfirmed means a matching InputAck arrived.
	ActionConfirmed
	// ActionRejected means a matching InputRejected arrived.
	ActionRejected
	// ActionTimedOut means no verdict arrived within the timeout.
	ActionTimedOut
)

// String returns a stable name for logs.
func (s ActionState) String() string {
	switch s {
	case ActionPending:
		return "Pending"
	case ActionConfirmed:
		return "Confirmed"
	case ActionRejected:
		return "Rejected"
	case ActionTimedOut:
		return "TimedOut"
	default:
		return "Unknown"
	}
}

// PendingAction is one client-sent input awaiting or holding its verdict.
type PendingAction struct {
	Sequence protocol.SequenceNumber
	Kind     messages.InputKind
	Target   protocol.GridPosition
	Param1   uint32
	Param2   uint32
	Value    int32

	State      ActionState
	Reason     messages.InputRejectReason
	Message    string
	SentAt     time.Time
	ResolvedAt time.Time
}

// Resolved reports whether the action left the Pending state.
func (a *PendingAction) Resolved() bool {
	return a.State != ActionPending
}

// RejectionFeedback is the UI-facing record of one refused action.
type RejectionFeedback struct {
	Target       protocol.GridPosition
	Kind         messages.InputKind
	Reason       messages.InputRejectReason
	Message      string
	At           time.Time
	Acknowledged bool
}

// PendingTracker mirrors the server's pending-action list on the client:
// every sent input is tracked until acknowledged, rejected, or timed out,
// indexed by sequence and by grid position so the UI can shade the tiles
// whose fate is still open. Not safe for concurrent use; the client's
// update goroutine owns it.
type PendingTracker struct {
	timeout   time.Duration
	retention time.Duration

	bySeq map[protocol.SequenceNumber]*PendingAction
	byPos map[protocol.GridPosition][]*PendingAction

	feedback    []RejectionFeedback
	onRejection func(RejectionFeedback)

	tracked   uint64
	confirmed uint64
	rejected  uint64
	timedOut  uint64
}

// NewPendingTracker returns a tracker with the given limits; zero values
// select the defaults.
func NewPendingTracker(timeout, retention time.Duration) *PendingTracker {
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}
	if retention <= 0 {
		retention = DefaultActionRetention
	}
	return &PendingTracker{
		timeout:   timeout,
		retention: retention,
		bySeq:     make(map[protocol.SequenceNumber]*PendingAction),
		byPos:     make(map[protocol.GridPosition][]*PendingAction),
	}
}

// OnRejectionFeedback registers fn to run for every rejection, after the
// action is marked and the feedback record is queued.
func (t *PendingTracker) OnRejectionFeedback(fn func(RejectionFeedback)) {
	t.onRejection = fn
}

// Track records a sent input as Pending.
func (t *PendingTracker) Track(in *messages.Input, now time.Time) {
	a := &PendingAction{
		Sequence: in.Sequence,
		Kind:     in.Kind,
		Target:   in.Target,
		Param1:   in.Param1,
		Param2:   in.Param2,
		Value:    in.Value,
		State:    ActionPending,
		SentAt:   now,
	}
	t.bySeq[a.Sequence] = a
	t.byPos[a.Target] = append(t.byPos[a.Target], a)
	t.tracked++
}

// OnAck resolves the matching action to Confirmed. Unknown sequences are
// ignored; they belong to an earlier session or already timed out.
func (t *PendingTracker) OnAck(seq protocol.SequenceNumber, now time.Time) bool {
	a, ok := t.bySeq[seq]
	if !ok || a.Resolved() {
		return false
	}
	a.State = ActionConfirmed
	a.ResolvedAt = now
	t.confirmed++
	return true
}

// OnRejection resolves the matching action to Rejected and emits a
// feedback record.
func (t *PendingTracker) OnRejection(seq protocol.SequenceNumber, reason messages.InputRejectReason, message string, now time.Time) (RejectionFeedback, bool) {
	a, ok := t.bySeq[seq]
	if !ok || a.Resolved() {
		return RejectionFeedback{}, false
	}
	a.State = ActionRejected
	a.Reason = reason
	a.Message = message
	a.ResolvedAt = now
	t.rejected++

	fb := RejectionFeedback{
		Target:  a.Target,
		Kind:    a.Kind,
		Reason:  reason,
		Message: message,
		At:      now,
	}
	t.feedback = append(t.feedback, fb)
	if t.onRejection != nil {
		t.onRejection(fb)
	}
	return fb, true
}

// Expire times out long-Pending actions and evicts resolved ones past the
// retention window. It returns how many actions newly timed out.
func (t *PendingTracker) Expire(now time.Time) int {
	expired := 0
	for seq, a := range t.bySeq {
		switch {
		case a.State == ActionPending && now.Sub(a.SentAt) >= t.timeout:
			a.State = ActionTimedOut
			a.ResolvedAt = now
			t.timedOut++
			expired++
		case a.Resolved() && now.Sub(a.ResolvedAt) >= t.retention:
			delete(t.bySeq, seq)
			t.dropFromPos(a)
		}
	}
	return expired
}

func (t *PendingTracker) dropFromPos(a *PendingAction) {
	list := t.byPos[a.Target]
	for i, other := range list {
		if other == a {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(t.byPos, a.Target)
		return
	}
	t.byPos[a.Target] = list
}

// Get returns the tracked action for a sequence.
func (t *PendingTracker) Get(seq protocol.SequenceNumber) (*PendingAction, bool) {
	a, ok := t.bySeq[seq]
	return a, ok
}

// At returns the actions touching a grid position, oldest first.
func (t *PendingTracker) At(pos protocol.GridPosition) []*PendingAction {
	list := t.byPos[pos]
	out := make([]*PendingAction, len(list))
	copy(out, list)
	return out
}

// PendingCount returns how many actions still await a verdict.
func (t *PendingTracker) PendingCount() int {
	n := 0
	for _, a := range t.bySeq {
		if !a.Resolved() {
			n++
		}
	}
	return n
}

// PollFeedback pops the oldest unconsumed rejection feedback.
func (t *PendingTracker) PollFeedback() (RejectionFeedback, bool) {
	if len(t.feedback) == 0 {
		return RejectionFeedback{}, false
	}
	fb := t.feedback[0]
	t.feedback = t.feedback[1:]
	return fb, true
}

// Reset drops every tracked action and queued feedback, for a fresh join
// under a new session.
func (t *PendingTracker) Reset() {
	t.bySeq = make(map[protocol.SequenceNumber]*PendingAction)
	t.byPos = make(map[protocol.GridPosition][]*PendingAction)
	t.feedback = nil
}

// Stats returns lifetime counters: tracked, confirmed, rejected, timed out.
func (t *PendingTracker) Stats() (tracked, confirmed, rejected, timedOut uint64) {
	return t.tracked, t.confirmed, t.rejected, t.timedOut
}
