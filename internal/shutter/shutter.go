package shutter

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// State is the logical state of a shutter as simulated by the bridge.
type State string

const (
	OpenState     State = "open"
	ClosedState   State = "closed"
	OpeningState  State = "opening"
	ClosingState  State = "closing"
	HalfOpenState State = "half_open"
	StoppedState  State = "stopped"
	UnknownState  State = "unknown"
)

// Command is a discrete instruction a shutter accepts.
type Command string

const (
	OpenCommand     Command = "open"
	CloseCommand    Command = "close"
	HalfOpenCommand Command = "half_open"
	StopCommand     Command = "stop"
)

const (
	FullClosePosition = 0
	FullOpenPosition  = 100

	// UnknownPosition is assumed for a device nothing is known about.
	UnknownPosition = 50
)

var (
	ErrUnknownDevice  = errors.New("unknown device")
	ErrUnknownCommand = errors.New("unknown command")
	ErrDispatch       = errors.New("command dispatch failed")
)

func ParseState(s string) (State, bool) {
	switch st := State(strings.ToLower(strings.TrimSpace(s))); st {
	case OpenState, ClosedState, OpeningState, ClosingState, HalfOpenState, StoppedState, UnknownState:
		return st, true
	}

	return UnknownState, false
}

func ParseCommand(s string) (Command, error) {
	switch cmd := Command(strings.ToLower(strings.TrimSpace(s))); cmd {
	case OpenCommand, CloseCommand, HalfOpenCommand, StopCommand:
		return cmd, nil
	}

	return "", errors.Wrapf(ErrUnknownCommand, "%q", s)
}

// Device is the bridge's view of one vendor shutter. Position is an estimate,
// never a sensor reading.
type Device struct {
	ID        string
	Name      string
	State     State
	Position  int
	Reachable bool
	LastSeen  time.Time

	known      bool
	generation uint64
}

// Known reports whether the state came from a command, a recovered retained
// message or a poll rather than the discovery default.
func (d Device) Known() bool {
	return d.known
}

// NewDevice returns a freshly discovered device in the "nothing known" state.
func NewDevice(id, name string) Device {
	return Device{ID: id, Name: name, State: UnknownState, Position: UnknownPosition}
}

// NormalizeName lower-cases a vendor display name and strips decorative words.
func NormalizeName(name string, decorative []string) string {
	name = strings.ToLower(name)
	for _, word := range decorative {
		word = strings.ToLower(strings.TrimSpace(word))
		if word == "" {
			continue
		}
		name = strings.ReplaceAll(name, word, "")
	}

	return strings.Join(strings.Fields(name), " ")
}

// Commander sends a physical command to the vendor. It only reports whether
// the vendor accepted the command, not whether the shutter finished moving.
type Commander interface {
	Send(ctx context.Context, deviceID string, cmd Command) error
}

// Publisher mirrors device changes onto the message bus.
type Publisher interface {
	PublishState(d Device) error
	PublishStatus(d Device) error
}

// PersistedState is a state recovered from a retained bus message.
type PersistedState struct {
	State    State
	Position int
}

// PollResult is the vendor's periodic truth about one device. Position is
// only set when the vendor reports a coarse open/closed reading.
type PollResult struct {
	DeviceID  string
	Reachable bool
	LastSeen  time.Time
	Position  *int
}

func clampPosition(p int) int {
	if p < FullClosePosition {
		return FullClosePosition
	}
	if p > FullOpenPosition {
		return FullOpenPosition
	}

	return p
}
