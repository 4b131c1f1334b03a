package rag

import (
	"errors"
	"fmt"
	"sync"
)

// State is a step of the request lifecycle.
type State int

const (
	StateReceived State = iota
	StateCacheCheck
	StateCacheHit
	StateCacheMiss
	StateRetrieving
	StateReranking
	StateSynthesizing
	StateCacheWrite
	StateResponding
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateReceived:     "RECEIVED",
	StateCacheCheck:   "CACHE_CHECK",
	StateCacheHit:     "CACHE_HIT",
	StateCacheMiss:    "CACHE_MISS",
	StateRetrieving:   "RETRIEVING",
	StateReranking:    "RERANKING",
	StateSynthesizing: "SYNTHESIZING",
	StateCacheWrite:   "CACHE_WRITE",
	StateResponding:   "RESPONDING",
	StateDone:         "DONE",
	StateFailed:       "FAILED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// next lists the forward transitions. FAILED is reachable from every
// non-terminal state and is not listed.
var next = map[State][]State{
	StateReceived:     {StateCacheCheck},
	StateCacheCheck:   {StateCacheHit, StateCacheMiss},
	StateCacheHit:     {StateResponding},
	StateCacheMiss:    {StateRetrieving},
	StateRetrieving:   {StateReranking},
	StateReranking:    {StateSynthesizing},
	StateSynthesizing: {StateCacheWrite},
	StateCacheWrite:   {StateResponding},
	StateResponding:   {StateDone},
}

// CanTransition reports whether from -> to is a legal lifecycle step.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	for _, s := range next[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrIllegalTransition marks a lifecycle step the state machine forbids.
var ErrIllegalTransition = errors.New("illegal state transition")

// Observer is told about every transition of every request.
type Observer func(reqID string, from, to State)

// lifecycle tracks one request. Its methods are safe to call from the
// request goroutine and from cleanup paths.
type lifecycle struct {
	mu       sync.Mutex
	reqID    string
	state    State
	observer Observer
}

func newLifecycle(reqID string, observer Observer) *lifecycle {
	return &lifecycle{reqID: reqID, state: StateReceived, observer: observer}
}

// to moves the request to s, rejecting illegal transitions.
func (l *lifecycle) to(s State) error {
	l.mu.Lock()
	from := l.state
	if !CanTransition(from, s) {
		l.mu.Unlock()
		return fmt.Errorf("rag: %s -> %s: %w", from, s, ErrIllegalTransition)
	}
	l.state = s
	l.mu.Unlock()

	if l.observer != nil {
		l.observer(l.reqID, from, s)
	}
	return nil
}

// fail moves a live request to FAILED. It reports false when the request
// had already terminated.
func (l *lifecycle) fail() bool {
	return l.to(StateFailed) == nil
}

func (l *lifecycle) current() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}
