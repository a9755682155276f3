package publish

import "sync/atomic"

// stateValue is an atomically readable State, letting hosts query the
// session state without touching the Run goroutine.
type stateValue struct {
	v atomic.Int32
}

func (s *stateValue) load() State {
	return State(s.v.Load())
}

func (s *stateValue) swap(st State) State {
	return State(s.v.Swap(int32(st)))
}
