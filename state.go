package hio

import "sync/atomic"

// LoopState is the lifecycle state of a Loop.
//
//	StateAwake (created, not yet run)
//	  -> StateRunning   (Run called)
//	StateRunning/StateSleeping -> StateTerminating (Stop requested)
//	StateTerminating -> StateTerminated (drain complete)
//
// StateSleeping is part of the state set, but Run never enters it: the
// loop stays in StateRunning while it blocks in the poller.
type LoopState uint32

const (
	StateAwake LoopState = iota
	StateRunning
	StateSleeping
	StateTerminating
	StateTerminated
)

func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "awake"
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// loopState is a lock-free state holder for Loop's lifecycle.
type loopState struct {
	v atomic.Uint32
}

func newLoopState() *loopState {
	s := &loopState{}
	s.v.Store(uint32(StateAwake))
	return s
}

func (s *loopState) Load() LoopState { return LoopState(s.v.Load()) }

func (s *loopState) Store(v LoopState) { s.v.Store(uint32(v)) }

func (s *loopState) CAS(from, to LoopState) bool {
	return s.v.CompareAndSwap(uint32(from), uint32(to))
}

func (s *loopState) CanAcceptWork() bool {
	switch s.Load() {
	case StateAwake, StateRunning, StateSleeping, StateTerminating:
		return true
	default:
		return false
	}
}
