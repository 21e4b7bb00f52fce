package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jkaflik/idiamant2mqtt/internal/shutter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// BridgeDeviceID is the pseudo device carrying the gateway topics.
	BridgeDeviceID = "bridge"

	RefreshTokenCommand = "refreshToken"

	Online  = "online"
	Offline = "offline"

	commandQueueSize = 16
)

const (
	cmdTopic           = "cmd"
	stateTopic         = "state"
	stateLabelTopic    = "state_fr"
	positionTopic      = "current_position"
	coverStateTopic    = "cover_state"
	snapshotTopic      = "snapshot"
	lwtTopic           = "lwt"
	lastSeenTopic      = "last_seen"
	attributesTopic    = "attributes"
	expireAtTopic      = "expire_at"
	expireAtStampTopic = "expire_at_ts"
)

var stateLabels = map[shutter.State]string{
	shutter.OpenState:     "Ouvert",
	shutter.ClosedState:   "Fermé",
	shutter.OpeningState:  "Ouverture",
	shutter.ClosingState:  "Fermeture",
	shutter.HalfOpenState: "Mi-ouvert",
	shutter.StoppedState:  "Arrêté",
}

// StateLabel returns the French display label of a state.
func StateLabel(s shutter.State) string {
	if label, ok := stateLabels[s]; ok {
		return label
	}

	return "Inconnu"
}

// CoverState returns the state as understood by a Home Assistant cover,
// which has no half open state.
func CoverState(s shutter.State) string {
	if s == shutter.HalfOpenState {
		return string(shutter.StoppedState)
	}

	return string(s)
}

// CommandHandler executes an inbound shutter command.
type CommandHandler interface {
	HandleCommand(ctx context.Context, deviceID string, command string) error
}

// StateRecoverer accepts states recovered from retained messages.
type StateRecoverer interface {
	OnPersistedStateRecovered(deviceID string, s shutter.PersistedState) bool
}

// Bridge maps shutter devices onto MQTT topics under a common prefix. It is
// the shutter.Publisher of the engine.
type Bridge struct {
	bus              Bus
	prefix           string
	halfOpenPosition int

	refreshToken func() error

	mu        sync.Mutex
	restoring map[string]bool
	snapshots map[string]bool
	queues    map[string]chan func()
}

func NewBridge(bus Bus, prefix string, halfOpenPosition int) *Bridge {
	return &Bridge{
		bus:              bus,
		prefix:           strings.TrimRight(prefix, "/"),
		halfOpenPosition: halfOpenPosition,
		restoring:        map[string]bool{},
		snapshots:        map[string]bool{},
		queues:           map[string]chan func(){},
	}
}

// OnRefreshToken sets what the bridge refreshToken command runs.
func (b *Bridge) OnRefreshToken(f func() error) {
	b.refreshToken = f
}

// Topic returns the topic of a device leaf, e.g. <prefix>/<id>/state.
func Topic(prefix, deviceID, leaf string) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimRight(prefix, "/"), deviceID, leaf)
}

// AvailabilityTopic is the lwt topic of a device or of the bridge itself.
func AvailabilityTopic(prefix, deviceID string) string {
	return Topic(prefix, deviceID, lwtTopic)
}

func (b *Bridge) Topic(deviceID, leaf string) string {
	return Topic(b.prefix, deviceID, leaf)
}

func (b *Bridge) CommandTopic(deviceID string) string {
	return b.Topic(deviceID, cmdTopic)
}

func (b *Bridge) AvailabilityTopic(deviceID string) string {
	return AvailabilityTopic(b.prefix, deviceID)
}

func (b *Bridge) PublishState(d shutter.Device) error {
	snapshot, err := json.Marshal(shutter.PersistedState{State: d.State, Position: d.Position})
	if err != nil {
		return err
	}

	var p publisher
	p.publish(b.bus, b.Topic(d.ID, stateTopic), []byte(d.State), true)
	p.publish(b.bus, b.Topic(d.ID, stateLabelTopic), []byte(StateLabel(d.State)), true)
	p.publish(b.bus, b.Topic(d.ID, positionTopic), []byte(strconv.Itoa(d.Position)), true)
	p.publish(b.bus, b.Topic(d.ID, coverStateTopic), []byte(CoverState(d.State)), true)
	p.publish(b.bus, b.Topic(d.ID, snapshotTopic), snapshot, true)

	if p.err == nil {
		logrus.Debugf("%s: MQTT state %s, position %d published", d.ID, d.State, d.Position)
	}

	return p.err
}

type attributes struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Reachable       bool          `json:"reachable"`
	LastSeen        string        `json:"last_seen,omitempty"`
	State           shutter.State `json:"state"`
	CurrentPosition int           `json:"current_position"`
	IsOpen          bool          `json:"is_open"`
	IsClose         bool          `json:"is_close"`
}

func (b *Bridge) PublishStatus(d shutter.Device) error {
	attrs := attributes{
		ID:              d.ID,
		Name:            d.Name,
		Reachable:       d.Reachable,
		State:           d.State,
		CurrentPosition: d.Position,
		IsOpen:          d.State == shutter.OpenState,
		IsClose:         d.State == shutter.ClosedState,
	}
	if !d.LastSeen.IsZero() {
		attrs.LastSeen = d.LastSeen.UTC().Format(time.RFC3339)
	}
	payload, err := json.Marshal(attrs)
	if err != nil {
		return err
	}

	availability := Offline
	if d.Reachable {
		availability = Online
	}

	var p publisher
	p.publish(b.bus, b.AvailabilityTopic(d.ID), []byte(availability), true)
	if attrs.LastSeen != "" {
		p.publish(b.bus, b.Topic(d.ID, lastSeenTopic), []byte(attrs.LastSeen), true)
	}
	p.publish(b.bus, b.Topic(d.ID, attributesTopic), payload, false)

	return p.err
}

// PublishAvailability sets the bridge lwt topic.
func (b *Bridge) PublishAvailability(online bool) error {
	payload := Offline
	if online {
		payload = Online
	}

	return b.bus.Publish(b.AvailabilityTopic(BridgeDeviceID), []byte(payload), true)
}

// PublishTokenExpiry exposes when the vendor access token expires.
func (b *Bridge) PublishTokenExpiry(expiry time.Time) error {
	var p publisher
	p.publish(b.bus, b.Topic(BridgeDeviceID, expireAtTopic), []byte(expiry.UTC().Format(time.RFC3339)), true)
	p.publish(b.bus, b.Topic(BridgeDeviceID, expireAtStampTopic), []byte(strconv.FormatInt(expiry.UnixMilli(), 10)), true)

	return p.err
}

// Subscribe listens to the command topic of every device. The bus must
// deliver messages in arrival order. Commands of one device run in that order
// on a worker of their own, so a slow vendor call only delays its device.
func (b *Bridge) Subscribe(ctx context.Context, h CommandHandler) error {
	topic := b.CommandTopic("+")
	if err := b.bus.Subscribe(topic, b.onCommandHandler(ctx, h)); err != nil {
		return err
	}
	logrus.Infof("MQTT command topic %s subscribed", topic)

	return nil
}

func (b *Bridge) Unsubscribe() error {
	return b.bus.Unsubscribe(b.CommandTopic("+"))
}

func (b *Bridge) onCommandHandler(ctx context.Context, h CommandHandler) Handler {
	return func(topic string, payload []byte) {
		deviceID, ok := b.deviceFromTopic(topic, cmdTopic)
		if !ok {
			logrus.Warnf("MQTT command on unexpected topic %s ignored", topic)
			return
		}
		cmd := strings.TrimSpace(string(payload))

		if deviceID == BridgeDeviceID {
			b.enqueue(ctx, deviceID, func() { b.onBridgeCommand(cmd) })
			return
		}

		b.enqueue(ctx, deviceID, func() {
			// Failures are logged by the handler.
			_ = h.HandleCommand(ctx, deviceID, cmd)
		})
	}
}

// enqueue hands f to the worker of a device, starting it on first use.
func (b *Bridge) enqueue(ctx context.Context, deviceID string, f func()) {
	b.mu.Lock()
	q, ok := b.queues[deviceID]
	if !ok {
		q = make(chan func(), commandQueueSize)
		b.queues[deviceID] = q
		go runQueue(ctx, q)
	}
	b.mu.Unlock()

	select {
	case q <- f:
	case <-ctx.Done():
		logrus.Warnf("%s: shutting down, MQTT command dropped", deviceID)
	}
}

func runQueue(ctx context.Context, q <-chan func()) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-q:
			f()
		}
	}
}

func (b *Bridge) onBridgeCommand(cmd string) {
	if cmd != RefreshTokenCommand || b.refreshToken == nil {
		logrus.Errorf("%s: MQTT unsupported %q command received", BridgeDeviceID, cmd)
		return
	}

	logrus.Infof("%s: token refresh requested", BridgeDeviceID)
	if err := b.refreshToken(); err != nil {
		logrus.Errorf("%s: token refresh failed: %s", BridgeDeviceID, err)
	}
}

func (b *Bridge) deviceFromTopic(topic, leaf string) (string, bool) {
	rest := strings.TrimPrefix(topic, b.prefix+"/")
	if rest == topic {
		return "", false
	}
	id := strings.TrimSuffix(rest, "/"+leaf)
	if id == rest || id == "" || strings.Contains(id, "/") {
		return "", false
	}

	return id, true
}

// Restore subscribes once to the retained snapshot and state topics of every
// device. Each topic is unsubscribed after its first message. A snapshot
// wins over a bare state of the same device.
func (b *Bridge) Restore(deviceIDs []string, r StateRecoverer) error {
	for _, id := range deviceIDs {
		for _, leaf := range []string{snapshotTopic, stateTopic} {
			topic := b.Topic(id, leaf)

			b.mu.Lock()
			b.restoring[topic] = true
			b.mu.Unlock()

			if err := b.bus.Subscribe(topic, b.onRestoreHandler(id, leaf, r)); err != nil {
				return errors.Wrapf(err, "%s: MQTT state restore", id)
			}
		}
	}

	return nil
}

// EndRestore drops every restore subscription that received nothing.
func (b *Bridge) EndRestore() error {
	b.mu.Lock()
	topics := make([]string, 0, len(b.restoring))
	for topic := range b.restoring {
		topics = append(topics, topic)
	}
	b.restoring = map[string]bool{}
	b.mu.Unlock()

	if len(topics) == 0 {
		return nil
	}
	logrus.Debugf("MQTT %d restore topics without retained state unsubscribed", len(topics))

	return b.bus.Unsubscribe(topics...)
}

func (b *Bridge) onRestoreHandler(deviceID, leaf string, r StateRecoverer) Handler {
	return func(topic string, payload []byte) {
		b.mu.Lock()
		if !b.restoring[topic] {
			b.mu.Unlock()
			return
		}
		delete(b.restoring, topic)
		skip := leaf == stateTopic && b.snapshots[deviceID]
		b.mu.Unlock()

		// Waiting for the broker inside a handler would stall the bus.
		go func() {
			if err := b.bus.Unsubscribe(topic); err != nil {
				logrus.Errorf("%s: MQTT restore topic unsubscribe failed: %s", deviceID, err)
			}
		}()

		if skip {
			logrus.Debugf("%s: MQTT %s ignored, snapshot already restored", deviceID, leaf)
			return
		}

		s, ok := shutter.ParsePersistedState(payload, b.halfOpenPosition)
		if !ok {
			logrus.Warnf("%s: MQTT unusable retained %s %q ignored", deviceID, leaf, payload)
			return
		}

		if leaf == snapshotTopic {
			b.mu.Lock()
			b.snapshots[deviceID] = true
			b.mu.Unlock()
		}

		r.OnPersistedStateRecovered(deviceID, s)
	}
}

// publisher keeps publishing after a failure and remembers the first error.
type publisher struct {
	err error
}

func (p *publisher) publish(bus Bus, topic string, payload []byte, retained bool) {
	if err := bus.Publish(topic, payload, retained); err != nil && p.err == nil {
		p.err = err
	}
}
