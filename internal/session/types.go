package session

import (
	"time"
)

// Status is the lifecycle state of a session. Completed and Abandoned are
// terminal; LeftEarly may still resolve to Completed, Pending (extension)
// or Abandoned through the verdict flow.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusLeftEarly Status = "left_early"
	StatusAbandoned Status = "abandoned"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusLeftEarly, StatusAbandoned:
		return true
	}
	return false
}

// Terminal reports whether a session in this status can never transition again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusAbandoned
}

// CanTransition reports whether moving from s to next is a legal transition.
func (s Status) CanTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusCompleted || next == StatusLeftEarly || next == StatusAbandoned
	case StatusLeftEarly:
		// Verdict branches: completed, re-armed via extension, or abandoned.
		return next == StatusCompleted || next == StatusPending || next == StatusAbandoned
	}
	return false
}

const (
	// MinDuration and MaxDuration bound the declared task length in minutes.
	MinDuration = 1
	MaxDuration = 180
)

// Session is one user's task-and-deadline commitment tied to a presence
// episode in a monitored chat. Sessions are never deleted; terminal states
// are retained for history.
type Session struct {
	ID        int64
	UserID    int64
	Task      string
	Duration  int // minutes, including any extensions
	EndTime   time.Time
	Status    Status
	CreatedAt time.Time
}

// Due reports whether the session's deadline has passed at t.
func (s Session) Due(t time.Time) bool {
	return !s.EndTime.After(t)
}
