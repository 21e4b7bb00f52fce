package shutter

import (
	"sync"

	"github.com/jkaflik/idiamant2mqtt/internal/clock"
	"github.com/sirupsen/logrus"
)

type pending struct {
	transition Transition
	timer      clock.Timer
}

// Registry keeps at most one armed transition timer per device.
type Registry struct {
	clock clock.Clock

	mu      sync.Mutex
	pending map[string]*pending
	closed  bool
}

func NewRegistry(c clock.Clock) *Registry {
	return &Registry{clock: c, pending: map[string]*pending{}}
}

// Arm schedules onFire once the transition's duration elapsed since
// StartedAt. Any transition already armed for the device is cancelled first.
// StartedAt is stamped from the registry clock when unset. It reports false
// once the registry is closed.
func (r *Registry) Arm(deviceID string, t Transition, onFire func(Transition)) (Transition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		logrus.Warnf("%s: timer registry closed, transition %s not armed", deviceID, t.ID)
		return t, false
	}

	if prev, ok := r.pending[deviceID]; ok {
		logrus.Debugf("%s: found previous transition %s, cancel", deviceID, prev.transition.ID)
		prev.timer.Stop()
		delete(r.pending, deviceID)
	}

	now := r.clock.Now()
	if t.StartedAt.IsZero() {
		t.StartedAt = now
	}
	remaining := t.Duration - now.Sub(t.StartedAt)
	if remaining < 0 {
		remaining = 0
	}

	p := &pending{transition: t}
	p.timer = r.clock.AfterFunc(remaining, func() {
		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return
		}

		onFire(t)
	})
	r.pending[deviceID] = p

	return t, true
}

// CancelAndSample cancels the armed transition of a device and returns it
// with its estimated position at the moment of cancellation. It reports false
// when nothing was armed.
func (r *Registry) CancelAndSample(deviceID string) (Transition, int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[deviceID]
	if !ok {
		return Transition{}, 0, false
	}

	position := EstimatePosition(p.transition, r.clock.Now())
	p.timer.Stop()
	delete(r.pending, deviceID)

	logrus.Debugf("%s: transition %s cancelled at position %d", deviceID, p.transition.ID, position)

	return p.transition, position, true
}

// Active returns the transition currently armed for a device.
func (r *Registry) Active(deviceID string) (Transition, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pending[deviceID]
	if !ok {
		return Transition{}, false
	}

	return p.transition, true
}

// Clear forgets the device's entry without sampling it.
func (r *Registry) Clear(deviceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pending[deviceID]; ok {
		p.timer.Stop()
		delete(r.pending, deviceID)
	}
}

// Close cancels every armed transition without firing it. Later Arm calls are
// ignored.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for deviceID, p := range r.pending {
		p.timer.Stop()
		delete(r.pending, deviceID)
		logrus.Infof("%s: transition %s stopped", deviceID, p.transition.ID)
	}
	r.closed = true
}
