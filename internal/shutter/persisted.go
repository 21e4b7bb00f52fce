package shutter

import (
	"bytes"
	"encoding/json"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/sirupsen/logrus"
)

// ReferencePosition is the position assumed for a state recovered without
// one.
func ReferencePosition(s State, halfOpen int) (int, bool) {
	switch s {
	case OpenState, OpeningState:
		return FullOpenPosition, true
	case ClosedState, ClosingState:
		return FullClosePosition, true
	case HalfOpenState, StoppedState:
		return clampPosition(halfOpen), true
	}

	return 0, false
}

type persistedPayload struct {
	State    *string `json:"state"`
	Position *int    `json:"position"`
}

// ParsePersistedState decodes a retained state payload. Both a bare state
// string and a JSON object with state and position are accepted. Anything
// malformed yields false, meaning "nothing recovered".
func ParsePersistedState(payload []byte, halfOpen int) (PersistedState, bool) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return PersistedState{}, false
	}

	if payload[0] != '{' {
		state, ok := ParseState(string(bytes.Trim(payload, `"`)))
		if !ok || state == UnknownState {
			return PersistedState{}, false
		}
		position, _ := ReferencePosition(state, halfOpen)

		return PersistedState{State: state, Position: position}, true
	}

	var p persistedPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.State == nil {
		return PersistedState{}, false
	}

	state, ok := ParseState(*p.State)
	if !ok || state == UnknownState {
		return PersistedState{}, false
	}

	if p.Position == nil {
		position, _ := ReferencePosition(state, halfOpen)
		return PersistedState{State: state, Position: position}, true
	}

	if *p.Position < FullClosePosition || *p.Position > FullOpenPosition {
		return PersistedState{}, false
	}

	return PersistedState{State: state, Position: *p.Position}, true
}

// MarshalJSON renders the payload ParsePersistedState reads back.
func (s PersistedState) MarshalJSON() ([]byte, error) {
	state := string(s.State)
	position := s.Position

	return json.Marshal(persistedPayload{State: &state, Position: &position})
}

type fingerprint struct {
	State     State
	Position  int
	Reachable bool
	LastSeen  int64
}

// stateView is the last published content of every device: what a restart
// would recover from the bus.
type stateView struct {
	persisted map[string]PersistedState
	hashes    map[string]uint64
}

func newStateView() *stateView {
	return &stateView{
		persisted: map[string]PersistedState{},
		hashes:    map[string]uint64{},
	}
}

func contentHash(d Device) uint64 {
	h, err := hashstructure.Hash(fingerprint{
		State:     d.State,
		Position:  d.Position,
		Reachable: d.Reachable,
		LastSeen:  d.LastSeen.Unix(),
	}, hashstructure.FormatV2, nil)
	if err != nil {
		logrus.Errorf("%s: content hash failed: %s", d.ID, err)
		return 0
	}

	return h
}

// remember records d as published and reports whether its content differs
// from the previous record.
func (v *stateView) remember(d Device) bool {
	h := contentHash(d)
	prev, seen := v.hashes[d.ID]
	v.hashes[d.ID] = h
	v.persisted[d.ID] = PersistedState{State: d.State, Position: d.Position}

	return !seen || prev != h
}

// baseline records the content of a device that has not been published.
func (v *stateView) baseline(d Device) {
	v.hashes[d.ID] = contentHash(d)
}
