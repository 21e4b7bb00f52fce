package shutter

import (
	"time"

	"github.com/google/uuid"
)

// Timings holds the full-travel durations of the motor. Moves that start
// from an intermediate position are scaled by the remaining travel.
type Timings struct {
	OpenDelay            time.Duration
	CloseDelay           time.Duration
	CloseToHalfOpenDelay time.Duration
	HalfOpenToOpenDelay  time.Duration
	HalfOpenToCloseDelay time.Duration
	HalfOpenPosition     int
}

func DefaultTimings() Timings {
	return Timings{
		OpenDelay:            42 * time.Second,
		CloseDelay:           42 * time.Second,
		CloseToHalfOpenDelay: 4500 * time.Millisecond,
		HalfOpenToOpenDelay:  30 * time.Second,
		HalfOpenToCloseDelay: 10 * time.Second,
		HalfOpenPosition:     20,
	}
}

// Transition is one simulated move. It is immutable once armed.
type Transition struct {
	ID uuid.UUID

	FromState    State
	FromPosition int
	Command      Command

	TransitionState State
	ToState         State
	TargetPosition  int

	Duration  time.Duration
	StartedAt time.Time
}

// Compute returns the transition a command triggers from the given state and
// estimated position. Combinations the table does not know resolve to an
// unknown transition of zero duration.
func (t Timings) Compute(from State, position int, cmd Command) Transition {
	position = clampPosition(position)
	tr := Transition{
		FromState:    from,
		FromPosition: position,
		Command:      cmd,
	}

	switch cmd {
	case OpenCommand:
		tr.TransitionState, tr.ToState, tr.TargetPosition = OpeningState, OpenState, FullOpenPosition
	case CloseCommand:
		tr.TransitionState, tr.ToState, tr.TargetPosition = ClosingState, ClosedState, FullClosePosition
	case HalfOpenCommand:
		tr.TransitionState, tr.ToState, tr.TargetPosition = OpeningState, HalfOpenState, t.halfOpenPosition()
	case StopCommand:
		tr.TransitionState, tr.ToState, tr.TargetPosition = StoppedState, StoppedState, position
		return tr
	default:
		tr.TransitionState, tr.ToState, tr.TargetPosition = UnknownState, UnknownState, position
		return tr
	}

	tr.Duration = t.duration(from, position, cmd)
	if tr.Duration < 0 {
		tr.Duration = 0
	}

	return tr
}

func (t Timings) duration(from State, position int, cmd Command) time.Duration {
	switch from {
	case ClosedState:
		switch cmd {
		case OpenCommand:
			return t.OpenDelay
		case HalfOpenCommand:
			return t.CloseToHalfOpenDelay
		}
		return 0
	case OpenState:
		switch cmd {
		case CloseCommand:
			return t.CloseDelay
		case HalfOpenCommand:
			// the motor has to reach the closed stop before rising again
			return t.CloseDelay + t.CloseToHalfOpenDelay
		}
		return 0
	case HalfOpenState:
		switch cmd {
		case OpenCommand:
			return t.HalfOpenToOpenDelay
		case CloseCommand:
			return t.HalfOpenToCloseDelay
		}
		return 0
	}

	closing := t.CloseDelay * time.Duration(position) / 100
	switch cmd {
	case OpenCommand:
		return t.OpenDelay * time.Duration(FullOpenPosition-position) / 100
	case CloseCommand:
		return closing
	case HalfOpenCommand:
		return closing + t.CloseToHalfOpenDelay
	}

	return 0
}

func (t Timings) halfOpenPosition() int {
	return clampPosition(t.HalfOpenPosition)
}
