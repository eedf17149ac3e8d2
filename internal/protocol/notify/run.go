package notify

import "fmt"

// Run follows the states of one protocol run and flags regressions.
// STARTED after a terminal state begins a new run. ERROR is accepted from any
// state. UNKNOWN is ignored.
type Run struct {
	last    State
	history []State
}

func (r *Run) Observe(s State) error {
	if s == StateUnknown {
		return nil
	}
	prev := r.last
	if prev.Terminal() && s == StateStarted {
		r.reset()
		prev = StateUnknown
	}
	r.last = s
	r.history = append(r.history, s)
	switch {
	case s == StateError, prev == StateUnknown:
		return nil
	case prev.Terminal(), s < prev:
		return fmt.Errorf("%w: %s after %s", ErrRegression, s, prev)
	}
	return nil
}

func (r *Run) Last() State { return r.last }

// History returns the states observed in the current run.
func (r *Run) History() []State {
	return append([]State(nil), r.history...)
}

func (r *Run) reset() {
	r.last = StateUnknown
	r.history = nil
}
