// Package ledger tracks the per-pixel dispatch outcome state machine and
// applies the owning target's retry policy when a task must be requeued.
package ledger

import (
	"container/list"
	"fmt"
	"strings"
	"time"

	"mural"
	"mural/internal/check"
)

// Policy decides the requeue position of failed and overwritten tasks.
type Policy uint8

const (
	// PolicyNormal retries failures at the queue head and overwrites at the tail.
	PolicyNormal Policy = iota
	// PolicyStrict retries both failures and overwrites at the head.
	PolicyStrict
	// PolicyLoop retries both at the tail.
	PolicyLoop
)

func (p Policy) String() string {
	switch p {
	case PolicyNormal:
		return "normal"
	case PolicyStrict:
		return "strict"
	case PolicyLoop:
		return "loop"
	default:
		return "unknown"
	}
}

// ParsePolicy maps a config string to a Policy. The empty string selects
// PolicyNormal.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PolicyNormal, nil
	case "strict":
		return PolicyStrict, nil
	case "loop":
		return PolicyLoop, nil
	default:
		return 0, fmt.Errorf("invalid retry policy %q", s)
	}
}

// State is the lifecycle state of one pixel task.
type State uint8

const (
	StatePending State = iota + 1
	StateInFlight
	StateConfirmed
	StateFailed
	StateOverwritten
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInFlight:
		return "in_flight"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	case StateOverwritten:
		return "overwritten"
	default:
		return "unknown"
	}
}

// Transition validates a state change and returns the new state. Failed and
// overwritten are transit states: they immediately re-enter pending.
func (s State) Transition(to State) State {
	ok := false
	switch s {
	case StatePending:
		ok = to == StateInFlight
	case StateInFlight:
		ok = to == StateConfirmed || to == StateFailed
	case StateConfirmed:
		ok = to == StateOverwritten
	case StateFailed, StateOverwritten:
		ok = to == StatePending
	}
	check.Assertf(ok, "ledger transition: %s -> %s", s, to)
	if !ok {
		return s
	}
	return to
}

type entry struct {
	cell        mural.Cell
	state       State
	elem        *list.Element // non-nil while queued
	attempts    int
	lastAttempt time.Time
}

// Ledger owns one target's pending queue and per-coordinate outcome records.
// Not safe for concurrent use on its own: the engine serializes every queue
// pop and push together with scheduler selection under one lock.
type Ledger struct {
	policy  Policy
	queue   *list.List // of mural.Point, head = next to dispatch
	entries map[mural.Point]*entry
}

// New returns an empty ledger with the given retry policy.
func New(policy Policy) *Ledger {
	return &Ledger{
		policy:  policy,
		queue:   list.New(),
		entries: make(map[mural.Point]*entry),
	}
}

func (l *Ledger) Policy() Policy { return l.policy }

// Fill reconciles the ledger with a fresh diff pass. Cells without a record
// enqueue as pending in diff order. A confirmed record reappearing in the
// diff was overwritten while its push event went missing; it reopens at the
// policy's overwrite position. Pending records absent from the diff are
// satisfied (someone painted them for us) and dropped. Returns the number of
// newly queued tasks.
func (l *Ledger) Fill(cells []mural.Cell) int {
	queued := 0
	want := make(map[mural.Point]struct{}, len(cells))
	for _, c := range cells {
		want[c.At] = struct{}{}
		e, ok := l.entries[c.At]
		if !ok {
			e = &entry{cell: c, state: StatePending}
			e.elem = l.queue.PushBack(c.At)
			l.entries[c.At] = e
			queued++
			continue
		}
		if e.state == StateConfirmed {
			e.state = e.state.Transition(StateOverwritten)
			l.reopen(e, l.overwriteAtHead())
			queued++
		}
	}
	for p, e := range l.entries {
		if e.state != StatePending {
			continue
		}
		if _, ok := want[p]; !ok {
			l.queue.Remove(e.elem)
			delete(l.entries, p)
		}
	}
	return queued
}

// Next pops the head task and marks it in flight.
func (l *Ledger) Next(now time.Time) (mural.Cell, bool) {
	front := l.queue.Front()
	if front == nil {
		return mural.Cell{}, false
	}
	p := front.Value.(mural.Point)
	l.queue.Remove(front)

	e := l.entries[p]
	e.state = e.state.Transition(StateInFlight)
	e.elem = nil
	e.attempts++
	e.lastAttempt = now
	return e.cell, true
}

// Confirm marks an in-flight task as acknowledged and matching the mirror.
func (l *Ledger) Confirm(p mural.Point) bool {
	e, ok := l.entries[p]
	if !ok || e.state != StateInFlight {
		return false
	}
	e.state = e.state.Transition(StateConfirmed)
	return true
}

// Fail requeues an in-flight task at the policy's failure position.
func (l *Ledger) Fail(p mural.Point) bool {
	e, ok := l.entries[p]
	if !ok || e.state != StateInFlight {
		return false
	}
	e.state = e.state.Transition(StateFailed)
	l.reopen(e, l.failAtHead())
	return true
}

// Overwrite reopens a confirmed task whose coordinate moved away from the
// desired color, at the policy's overwrite position.
func (l *Ledger) Overwrite(p mural.Point) bool {
	e, ok := l.entries[p]
	if !ok || e.state != StateConfirmed {
		return false
	}
	e.state = e.state.Transition(StateOverwritten)
	l.reopen(e, l.overwriteAtHead())
	return true
}

// ObservePixel feeds one board change into overwrite detection. It reports
// whether a confirmed task was reopened.
func (l *Ledger) ObservePixel(ev mural.PixelEvent) bool {
	e, ok := l.entries[ev.At]
	if !ok || e.state != StateConfirmed || ev.Color == e.cell.Color {
		return false
	}
	return l.Overwrite(ev.At)
}

// Satisfy drops a pending task whose coordinate already matches the mirror;
// no send is owed for it.
func (l *Ledger) Satisfy(p mural.Point) {
	e, ok := l.entries[p]
	if !ok || e.state != StatePending {
		return
	}
	if e.elem != nil {
		l.queue.Remove(e.elem)
	}
	delete(l.entries, p)
}

// State reports the recorded state for a coordinate.
func (l *Ledger) State(p mural.Point) (State, bool) {
	e, ok := l.entries[p]
	if !ok {
		return 0, false
	}
	return e.state, true
}

// Attempts reports how many times a coordinate has been dispatched.
func (l *Ledger) Attempts(p mural.Point) int {
	e, ok := l.entries[p]
	if !ok {
		return 0
	}
	return e.attempts
}

// PendingLen is the number of queued tasks.
func (l *Ledger) PendingLen() int { return l.queue.Len() }

// InFlightLen is the number of tasks handed to workers and not yet resolved.
func (l *Ledger) InFlightLen() int {
	n := 0
	for _, e := range l.entries {
		if e.state == StateInFlight {
			n++
		}
	}
	return n
}

// PendingHead returns the coordinate next in line, for inspection.
func (l *Ledger) PendingHead() (mural.Point, bool) {
	front := l.queue.Front()
	if front == nil {
		return mural.Point{}, false
	}
	return front.Value.(mural.Point), true
}

func (l *Ledger) reopen(e *entry, atHead bool) {
	e.state = e.state.Transition(StatePending)
	p := e.cell.At
	if atHead {
		e.elem = l.queue.PushFront(p)
	} else {
		e.elem = l.queue.PushBack(p)
	}
}

func (l *Ledger) failAtHead() bool {
	return l.policy == PolicyNormal || l.policy == PolicyStrict
}

func (l *Ledger) overwriteAtHead() bool {
	return l.policy == PolicyStrict
}
