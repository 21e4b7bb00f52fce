package shutter

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/jkaflik/idiamant2mqtt/internal/clock"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Engine turns discrete commands into simulated, time bounded shutter
// transitions and publishes the resulting states.
//
// A new command for a device always cancels the running transition and
// starts from its estimated position. The engine lock is released while the
// vendor command is in flight; a command superseded meanwhile by a newer one
// for the same device is dropped after dispatch.
type Engine struct {
	timings   Timings
	commander Commander
	publisher Publisher
	timers    *Registry

	mu      sync.Mutex
	devices map[string]*Device
	view    *stateView
}

func NewEngine(c clock.Clock, timings Timings, commander Commander, publisher Publisher) *Engine {
	return &Engine{
		timings:   timings,
		commander: commander,
		publisher: publisher,
		timers:    NewRegistry(c),
		devices:   map[string]*Device{},
		view:      newStateView(),
	}
}

// Register adds a discovered device. Registering a known id only refreshes
// its display name; the device set is append only.
func (e *Engine) Register(d Device) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.devices[d.ID]; ok {
		existing.Name = d.Name
		return
	}

	dev := d
	e.devices[d.ID] = &dev
	e.view.baseline(dev)
	logrus.Infof("%s: registered shutter %q", d.ID, d.Name)
}

func (e *Engine) Device(id string) (Device, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	d, ok := e.devices[id]
	if !ok {
		return Device{}, false
	}

	return *d, true
}

// Devices returns a snapshot of every registered device ordered by id.
func (e *Engine) Devices() []Device {
	e.mu.Lock()
	defer e.mu.Unlock()

	devices := make([]Device, 0, len(e.devices))
	for _, d := range e.devices {
		devices = append(devices, *d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

	return devices
}

// Transition returns the transition in flight for a device, if any.
func (e *Engine) Transition(deviceID string) (Transition, bool) {
	return e.timers.Active(deviceID)
}

// HandleCommand is the entry point of the inbound command subscription.
// Every failure is logged and contained; the returned error only tells the
// caller why nothing happened.
func (e *Engine) HandleCommand(ctx context.Context, deviceID string, command string) error {
	e.mu.Lock()
	dev, ok := e.devices[deviceID]
	if !ok {
		e.mu.Unlock()
		logrus.Errorf("%s: shutter not found, %s command ignored", deviceID, command)
		return errors.Wrapf(ErrUnknownDevice, "%s", deviceID)
	}

	cmd, err := ParseCommand(command)
	if err != nil {
		e.mu.Unlock()
		logrus.Errorf("%s: unsupported %q command received", deviceID, command)
		return err
	}

	current := dev.Position
	interrupted, sampled, moving := e.timers.CancelAndSample(deviceID)
	if moving {
		current = sampled
		dev.Position = sampled
	}
	from := dev.State
	dev.generation++
	generation := dev.generation
	e.mu.Unlock()

	logrus.Infof("%s: %s from %s at position %d", deviceID, cmd, from, current)

	if err := e.commander.Send(ctx, deviceID, cmd); err != nil {
		logrus.Errorf("%s: %s command dispatch failed: %s", deviceID, cmd, err)
		if moving {
			e.resume(deviceID, generation, interrupted)
		}
		return errors.Wrapf(ErrDispatch, "%s: %s: %s", deviceID, cmd, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if dev.generation != generation {
		logrus.Debugf("%s: %s command superseded by a newer one", deviceID, cmd)
		return nil
	}

	if cmd == StopCommand {
		e.publish(dev, StoppedState, current)
		return nil
	}

	t := e.timings.Compute(from, current, cmd)
	t.ID = uuid.New()

	e.publish(dev, t.TransitionState, current)

	if t.Duration == 0 {
		e.publish(dev, t.ToState, t.TargetPosition)
		return nil
	}

	if t, armed := e.arm(deviceID, t); armed {
		logrus.Debugf("%s: transition %s armed, %s in %s", deviceID, t.ID, t.ToState, t.Duration)
	}

	return nil
}

// resume re-arms a transition interrupted by a command the vendor rejected.
// The device never left for the new target, so the previous one still holds.
func (e *Engine) resume(deviceID string, generation uint64, t Transition) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.devices[deviceID].generation != generation {
		return
	}

	if _, armed := e.arm(deviceID, t); armed {
		logrus.Infof("%s: transition %s resumed, %s at %s", deviceID, t.ID, t.ToState, t.StartedAt.Add(t.Duration))
	}
}

// arm schedules the completion of t. Callers hold e.mu.
func (e *Engine) arm(deviceID string, t Transition) (Transition, bool) {
	return e.timers.Arm(deviceID, t, func(t Transition) {
		e.complete(deviceID, t)
	})
}

func (e *Engine) complete(deviceID string, t Transition) {
	e.mu.Lock()
	defer e.mu.Unlock()

	active, ok := e.timers.Active(deviceID)
	if !ok || active.ID != t.ID {
		logrus.Debugf("%s: transition %s fired after being superseded, ignored", deviceID, t.ID)
		return
	}
	e.timers.Clear(deviceID)

	dev := e.devices[deviceID]
	e.publish(dev, t.ToState, t.TargetPosition)
	logrus.Infof("%s: updated state %s, position %d", deviceID, dev.State, dev.Position)
}

// publish updates the device record, mirrors it into the persisted state
// view and hands it to the bus. Bus failures do not roll anything back.
// Callers hold e.mu.
func (e *Engine) publish(dev *Device, state State, position int) {
	dev.State = state
	dev.Position = clampPosition(position)
	dev.known = true
	e.view.remember(*dev)

	if err := e.publisher.PublishState(*dev); err != nil {
		logrus.Errorf("%s: state publish failed: %s", dev.ID, err)
	}
}

// Close cancels every pending transition without publishing it.
func (e *Engine) Close() {
	e.timers.Close()
}
