package shutter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intPtr(i int) *int {
	return &i
}

func TestReconcilerRecovery(t *testing.T) {
	t.Run("restores an idle device once", func(t *testing.T) {
		f := newEngineFixture(t)

		assert.True(t, f.reconcile.OnPersistedStateRecovered("salon", PersistedState{State: OpenState, Position: 100}))
		assert.Equal(t, []published{stateUpdate(OpenState, 100)}, f.publisher.take())

		assert.False(t, f.reconcile.OnPersistedStateRecovered("salon", PersistedState{State: OpenState, Position: 100}))
		assert.Empty(t, f.publisher.take())

		d, _ := f.engine.Device("salon")
		assert.True(t, d.Known())

		s, ok := f.reconcile.Persisted("salon")
		require.True(t, ok)
		assert.Equal(t, PersistedState{State: OpenState, Position: 100}, s)
	})

	t.Run("never overrides a transition in flight", func(t *testing.T) {
		f := newEngineFixture(t)
		f.at(ClosedState, 0)
		require.NoError(t, f.engine.HandleCommand(context.Background(), "salon", "open"))
		f.publisher.take()

		assert.False(t, f.reconcile.OnPersistedStateRecovered("salon", PersistedState{State: ClosedState, Position: 0}))
		assert.Empty(t, f.publisher.take())

		d, _ := f.engine.Device("salon")
		assert.Equal(t, OpeningState, d.State)

		f.clock.Advance(42 * time.Second)
		assert.Equal(t, []published{stateUpdate(OpenState, 100)}, f.publisher.take())
	})

	t.Run("moving states are restored at rest", func(t *testing.T) {
		tests := []struct {
			recovered PersistedState
			want      published
		}{
			{PersistedState{State: OpeningState, Position: 63}, stateUpdate(StoppedState, 63)},
			{PersistedState{State: ClosingState, Position: 0}, stateUpdate(ClosedState, 0)},
			{PersistedState{State: OpeningState, Position: 100}, stateUpdate(OpenState, 100)},
		}

		for _, tt := range tests {
			f := newEngineFixture(t)

			assert.True(t, f.reconcile.OnPersistedStateRecovered("salon", tt.recovered))
			assert.Equal(t, []published{tt.want}, f.publisher.take())

			_, ok := f.engine.Transition("salon")
			assert.False(t, ok)
		}
	})

	t.Run("ignores unknown devices", func(t *testing.T) {
		f := newEngineFixture(t)
		assert.False(t, f.reconcile.OnPersistedStateRecovered("garage", PersistedState{State: OpenState, Position: 100}))
	})
}

func TestReconcilerPoll(t *testing.T) {
	seen := epoch.Add(-time.Minute)

	t.Run("publishes reachability only when it changed", func(t *testing.T) {
		f := newEngineFixture(t)
		f.at(OpenState, 100)

		assert.True(t, f.reconcile.OnPollResult("salon", PollResult{Reachable: true, LastSeen: seen}))
		assert.Equal(t, []published{{"status", OpenState, 100}}, f.publisher.take())

		assert.False(t, f.reconcile.OnPollResult("salon", PollResult{Reachable: true, LastSeen: seen}))
		assert.Empty(t, f.publisher.take())

		assert.True(t, f.reconcile.OnPollResult("salon", PollResult{Reachable: false, LastSeen: seen}))
		d, _ := f.engine.Device("salon")
		assert.False(t, d.Reachable)
		assert.Equal(t, seen, d.LastSeen)
	})

	t.Run("updates reachability while moving without touching the estimate", func(t *testing.T) {
		f := newEngineFixture(t)
		f.at(ClosedState, 0)
		require.NoError(t, f.engine.HandleCommand(context.Background(), "salon", "open"))
		f.publisher.take()

		f.reconcile.OnPollResult("salon", PollResult{Reachable: true, LastSeen: seen, Position: intPtr(0)})

		d, _ := f.engine.Device("salon")
		assert.True(t, d.Reachable)
		assert.Equal(t, OpeningState, d.State)
	})

	t.Run("coarse position seeds an unknown device", func(t *testing.T) {
		f := newEngineFixture(t)

		assert.True(t, f.reconcile.OnPollResult("salon", PollResult{Reachable: true, LastSeen: seen, Position: intPtr(100)}))
		assert.Equal(t, []published{{"status", OpenState, 100}, stateUpdate(OpenState, 100)}, f.publisher.take())

		f.reconcile.OnPollResult("salon", PollResult{Reachable: true, LastSeen: seen.Add(time.Minute), Position: intPtr(0)})
		d, _ := f.engine.Device("salon")
		assert.Equal(t, OpenState, d.State, "a known state is never overridden by a poll")
	})
}

func TestReconcilerResolveUnknown(t *testing.T) {
	t.Run("stopped policy assumes half way", func(t *testing.T) {
		f := newEngineFixture(t)
		f.engine.Register(NewDevice("cuisine", "cuisine"))
		f.reconcile.OnPersistedStateRecovered("cuisine", PersistedState{State: ClosedState, Position: 0})
		f.publisher.take()

		f.reconcile.ResolveUnknown(context.Background(), StopUnknown)
		assert.Equal(t, []published{stateUpdate(StoppedState, 50)}, f.publisher.take())
		assert.Empty(t, f.commander.sent)
	})

	t.Run("close policy closes", func(t *testing.T) {
		f := newEngineFixture(t)

		f.reconcile.ResolveUnknown(context.Background(), CloseUnknown)
		assert.Equal(t, []Command{CloseCommand}, f.commander.sent)
		assert.Equal(t, []published{stateUpdate(ClosingState, 50)}, f.publisher.take())

		f.clock.Advance(21 * time.Second)
		assert.Equal(t, []published{stateUpdate(ClosedState, 0)}, f.publisher.take())
	})
}

func TestParseUnknownStatePolicy(t *testing.T) {
	p, err := ParseUnknownStatePolicy("")
	assert.NoError(t, err)
	assert.Equal(t, StopUnknown, p)

	p, err = ParseUnknownStatePolicy("Close")
	assert.NoError(t, err)
	assert.Equal(t, CloseUnknown, p)

	_, err = ParseUnknownStatePolicy("open")
	assert.Error(t, err)
}
