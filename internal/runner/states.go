package runner

import (
	"errors"
	"fmt"
)

// State is the position of one subscription within a run.
//
//	PENDING ──► MATCHING ──► NO_MATCH ──────────────► DONE
//	                │
//	                └──────► MATCHED ──► DISPATCHED ──► DONE
//	                            │
//	                            └──────► SKIPPED ─────► DONE
//
// Every non-terminal state may also move to ERRORED. DONE and ERRORED are
// terminal.
type State string

const (
	StatePending    State = "PENDING"
	StateMatching   State = "MATCHING"
	StateNoMatch    State = "NO_MATCH"
	StateMatched    State = "MATCHED"
	StateDispatched State = "DISPATCHED"
	StateSkipped    State = "SKIPPED"
	StateDone       State = "DONE"
	StateErrored    State = "ERRORED"
)

// ErrIllegalTransition is returned by Transition for a move the graph does
// not allow.
var ErrIllegalTransition = errors.New("illegal state transition")

var validTransitions = map[State][]State{
	StatePending:    {StateMatching, StateErrored},
	StateMatching:   {StateNoMatch, StateMatched, StateErrored},
	StateNoMatch:    {StateDone, StateErrored},
	StateMatched:    {StateDispatched, StateSkipped, StateErrored},
	StateDispatched: {StateDone, StateErrored},
	StateSkipped:    {StateDone, StateErrored},
}

// ParseState converts a raw string to a State.
func ParseState(s string) (State, error) {
	st := State(s)
	switch st {
	case StatePending, StateMatching, StateNoMatch, StateMatched,
		StateDispatched, StateSkipped, StateDone, StateErrored:
		return st, nil
	}
	return "", fmt.Errorf("unknown subscription state %q", s)
}

func (s State) String() string { return string(s) }

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	_, ok := validTransitions[s]
	return !ok
}

// IsTransitionAllowed returns true when moving from → to is permitted.
func IsTransitionAllowed(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition returns to when the move is allowed.
func Transition(from, to State) (State, error) {
	if !IsTransitionAllowed(from, to) {
		return from, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return to, nil
}

// progress walks one subscription through the graph and remembers the last
// meaningful state before DONE for metrics.
type progress struct {
	state State
	last  State
}

func newProgress() *progress {
	return &progress{state: StatePending, last: StatePending}
}

// to advances the state. An illegal move is a programming error and panics;
// the subscription boundary recovers it into ERRORED.
func (p *progress) to(next State) {
	st, err := Transition(p.state, next)
	if err != nil {
		panic(err)
	}
	if next != StateDone {
		p.last = next
	}
	p.state = st
}

// fail marks the subscription ERRORED. Every non-terminal state allows it;
// from DONE it only happens when a panic follows completion.
func (p *progress) fail() {
	p.state = StateErrored
	p.last = StateErrored
}
