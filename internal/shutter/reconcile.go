package shutter

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// UnknownStatePolicy decides what happens to devices nothing is known about
// once startup recovery settled.
type UnknownStatePolicy string

const (
	// StopUnknown assumes the device stands still half way.
	StopUnknown UnknownStatePolicy = "stopped"
	// CloseUnknown drives the device to a known state by closing it.
	CloseUnknown UnknownStatePolicy = "close"
)

func ParseUnknownStatePolicy(s string) (UnknownStatePolicy, error) {
	switch p := UnknownStatePolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case StopUnknown, CloseUnknown:
		return p, nil
	case "":
		return StopUnknown, nil
	}

	return "", errors.Errorf("%q is not a supported unknown state policy", s)
}

// Reconciler merges the engine's optimistic state with state recovered from
// retained messages and with vendor polling results. A transition in flight
// always wins over recovered state.
type Reconciler struct {
	engine *Engine
}

func NewReconciler(e *Engine) *Reconciler {
	return &Reconciler{engine: e}
}

// OnPersistedStateRecovered applies a recovered state unless the device is
// moving. It reports whether anything was published.
func (r *Reconciler) OnPersistedStateRecovered(deviceID string, s PersistedState) bool {
	e := r.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	dev, ok := e.devices[deviceID]
	if !ok {
		logrus.Warnf("%s: recovered state for unknown shutter ignored", deviceID)
		return false
	}

	if _, moving := e.timers.Active(deviceID); moving {
		logrus.Debugf("%s: transition in flight, recovered state %s ignored", deviceID, s.State)
		return false
	}

	s = settled(s)
	dev.State = s.State
	dev.Position = clampPosition(s.Position)
	dev.known = true

	if !e.view.remember(*dev) {
		return false
	}

	logrus.Infof("%s: state restored to %s, position %d", deviceID, dev.State, dev.Position)
	if err := e.publisher.PublishState(*dev); err != nil {
		logrus.Errorf("%s: state publish failed: %s", deviceID, err)
	}

	return true
}

// settled turns a recovered moving state into a resting one at the same
// position. No timer survives a restart to ever complete it.
func settled(s PersistedState) PersistedState {
	if s.State != OpeningState && s.State != ClosingState {
		return s
	}

	switch clampPosition(s.Position) {
	case FullOpenPosition:
		s.State = OpenState
	case FullClosePosition:
		s.State = ClosedState
	default:
		s.State = StoppedState
	}

	return s
}

// OnPollResult records vendor reachability. A coarse vendor position seeds
// the state of a device that is still unknown. It reports whether anything
// was published.
func (r *Reconciler) OnPollResult(deviceID string, p PollResult) bool {
	e := r.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	dev, ok := e.devices[deviceID]
	if !ok {
		logrus.Debugf("%s: poll result for unknown shutter ignored", deviceID)
		return false
	}

	dev.Reachable = p.Reachable
	dev.LastSeen = p.LastSeen

	seeded := false
	if _, moving := e.timers.Active(deviceID); !dev.known && !moving && p.Position != nil {
		switch *p.Position {
		case FullOpenPosition:
			dev.State, dev.Position, dev.known, seeded = OpenState, FullOpenPosition, true, true
		case FullClosePosition:
			dev.State, dev.Position, dev.known, seeded = ClosedState, FullClosePosition, true, true
		}
	}

	if !e.view.remember(*dev) {
		return false
	}

	if err := e.publisher.PublishStatus(*dev); err != nil {
		logrus.Errorf("%s: status publish failed: %s", deviceID, err)
	}

	if seeded {
		logrus.Infof("%s: state seeded from vendor as %s", deviceID, dev.State)
		if err := e.publisher.PublishState(*dev); err != nil {
			logrus.Errorf("%s: state publish failed: %s", deviceID, err)
		}
	}

	return true
}

// Persisted returns the last published state of a device.
func (r *Reconciler) Persisted(deviceID string) (PersistedState, bool) {
	e := r.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.view.persisted[deviceID]

	return s, ok
}

// ResolveUnknown applies the startup policy to every device whose state is
// still unknown and which is not moving.
func (r *Reconciler) ResolveUnknown(ctx context.Context, policy UnknownStatePolicy) {
	e := r.engine
	e.mu.Lock()

	var unknown []string
	for id, dev := range e.devices {
		if _, moving := e.timers.Active(id); dev.known || moving {
			continue
		}

		if policy == CloseUnknown {
			unknown = append(unknown, id)
			continue
		}

		logrus.Infof("%s: state unknown, assuming %s at %d", id, StoppedState, UnknownPosition)
		e.publish(dev, StoppedState, UnknownPosition)
	}
	e.mu.Unlock()

	for _, id := range unknown {
		logrus.Infof("%s: state unknown, closing", id)
		if err := e.HandleCommand(ctx, id, string(CloseCommand)); err != nil {
			logrus.Warnf("%s: close on unknown state failed: %s", id, err)
		}
	}
}
