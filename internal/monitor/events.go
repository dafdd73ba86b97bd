package monitor

import (
	"sync"
	"time"

	"github.com/dialtide/voicebridge/internal/types"
)

// Transition is one observed call status change
type Transition struct {
	CallID    string              `json:"callId"`
	Status    types.CallStatus    `json:"status"`
	Direction types.CallDirection `json:"direction"`
	Timestamp time.Time           `json:"timestamp"`
}

// TransitionLog buffers status changes between feed broadcasts
type TransitionLog struct {
	transitions []Transition
	mu          sync.RWMutex
}

// NewTransitionLog creates an empty transition log
func NewTransitionLog() *TransitionLog {
	return &TransitionLog{
		transitions: make([]Transition, 0, 256),
	}
}

// Record appends a call's status change. Wire it as the lifecycle
// service's transition observer.
func (l *TransitionLog) Record(call types.Call) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transitions = append(l.transitions, Transition{
		CallID:    call.CallID,
		Status:    call.Status,
		Direction: call.Direction,
		Timestamp: time.Now(),
	})
}

// GetAndClear returns all buffered transitions and clears the log
func (l *TransitionLog) GetAndClear() []Transition {
	l.mu.Lock()
	defer l.mu.Unlock()

	transitions := l.transitions
	l.transitions = make([]Transition, 0, 256)
	return transitions
}

// Size returns the current number of buffered transitions
func (l *TransitionLog) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.transitions)
}
