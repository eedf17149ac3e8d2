package session

import (
	"context"
	"sync"
)

// State is the connection and command state of a Session.
type State int

const (
	StateDisconnected State = iota
	StateNotReady
	StateReady
	StateInFlight
)

var stateNames = []string{"disconnected", "not_ready", "ready", "in_flight"}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "invalid"
}

// Connected reports whether the transport is up.
func (s State) Connected() bool { return s != StateDisconnected }

// gate is the ready cell. Every change closes the current broadcast channel
// so waiters re-check without missing a transition.
//
// ackPending and awaitStart describe the command in flight. They are read
// and written under mu together with state.
type gate struct {
	mu         sync.Mutex
	state      State
	changed    chan struct{}
	notify     func(State)
	ackPending bool
	awaitStart bool
}

func newGate(notify func(State)) *gate {
	return &gate{changed: make(chan struct{}), notify: notify}
}

func (g *gate) Load() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Set stores s, forgets any command in flight, and returns the previous state.
func (g *gate) Set(s State) State {
	g.mu.Lock()
	prev := g.state
	g.ackPending, g.awaitStart = false, false
	changed := g.moveLocked(s)
	g.mu.Unlock()
	g.report(changed, s)
	return prev
}

// Transition moves to "to" only when the current state is one of from.
func (g *gate) Transition(to State, from ...State) bool {
	g.mu.Lock()
	ok := g.inLocked(from...)
	changed := ok && g.moveLocked(to)
	g.mu.Unlock()
	g.report(changed, to)
	return ok
}

// Begin claims the channel for one command: Ready becomes InFlight and the
// command's expectations are recorded in the same step. It reports false
// when the state is not Ready.
func (g *gate) Begin(expectAck, awaitStart bool) bool {
	g.mu.Lock()
	ok := g.state == StateReady
	if ok {
		g.ackPending, g.awaitStart = expectAck, awaitStart
		g.moveLocked(StateInFlight)
	}
	g.mu.Unlock()
	g.report(ok, StateInFlight)
	return ok
}

// Acked records that the acknowledgement arrived or was given up on. With
// settle set the channel also returns to Ready.
func (g *gate) Acked(settle bool) {
	g.mu.Lock()
	g.ackPending = false
	changed := false
	if settle && g.state == StateInFlight {
		g.awaitStart = false
		changed = g.moveLocked(StateReady)
	}
	g.mu.Unlock()
	g.report(changed, StateReady)
}

// Release frees the channel after a status notification. It holds while an
// acknowledgement is outstanding, and a COMPLETED that arrives before the
// started run reports in belongs to the previous run.
func (g *gate) Release(completed bool) bool {
	g.mu.Lock()
	hold := g.ackPending || (g.awaitStart && completed)
	changed := false
	if !hold && g.inLocked(StateInFlight, StateNotReady) {
		g.awaitStart = false
		changed = g.moveLocked(StateReady)
	}
	g.mu.Unlock()
	g.report(changed, StateReady)
	return !hold
}

func (g *gate) inLocked(from ...State) bool {
	for _, f := range from {
		if g.state == f {
			return true
		}
	}
	return false
}

func (g *gate) moveLocked(to State) bool {
	if g.state == to {
		return false
	}
	g.state = to
	close(g.changed)
	g.changed = make(chan struct{})
	return true
}

func (g *gate) report(changed bool, to State) {
	if changed && g.notify != nil {
		g.notify(to)
	}
}

// AwaitReady blocks until the state is Ready. It fails with ErrNotConnected
// as soon as the state is Disconnected.
func (g *gate) AwaitReady(ctx context.Context) error {
	for {
		g.mu.Lock()
		cur, ch := g.state, g.changed
		g.mu.Unlock()
		switch cur {
		case StateReady:
			return nil
		case StateDisconnected:
			return ErrNotConnected
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}
