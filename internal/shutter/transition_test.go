package shutter

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTimingsCompute(t *testing.T) {
	timings := DefaultTimings()

	tests := []struct {
		from     State
		position int
		cmd      Command

		transition State
		to         State
		target     int
		duration   time.Duration
	}{
		{ClosedState, 0, OpenCommand, OpeningState, OpenState, 100, 42 * time.Second},
		{ClosedState, 0, HalfOpenCommand, OpeningState, HalfOpenState, 20, 4500 * time.Millisecond},
		{ClosedState, 0, CloseCommand, ClosingState, ClosedState, 0, 0},
		{OpenState, 100, CloseCommand, ClosingState, ClosedState, 0, 42 * time.Second},
		{OpenState, 100, HalfOpenCommand, OpeningState, HalfOpenState, 20, 46500 * time.Millisecond},
		{OpenState, 100, OpenCommand, OpeningState, OpenState, 100, 0},
		{HalfOpenState, 20, OpenCommand, OpeningState, OpenState, 100, 30 * time.Second},
		{HalfOpenState, 20, CloseCommand, ClosingState, ClosedState, 0, 10 * time.Second},
		{HalfOpenState, 20, HalfOpenCommand, OpeningState, HalfOpenState, 20, 0},
		{OpeningState, 50, CloseCommand, ClosingState, ClosedState, 0, 21 * time.Second},
		{OpeningState, 25, OpenCommand, OpeningState, OpenState, 100, 31500 * time.Millisecond},
		{ClosingState, 50, HalfOpenCommand, OpeningState, HalfOpenState, 20, 25500 * time.Millisecond},
		{StoppedState, 50, OpenCommand, OpeningState, OpenState, 100, 21 * time.Second},
		{UnknownState, 50, CloseCommand, ClosingState, ClosedState, 0, 21 * time.Second},
		{OpeningState, 37, StopCommand, StoppedState, StoppedState, 37, 0},
		{OpenState, 100, StopCommand, StoppedState, StoppedState, 100, 0},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s at %d receives %s", tt.from, tt.position, tt.cmd), func(t *testing.T) {
			tr := timings.Compute(tt.from, tt.position, tt.cmd)

			assert.Equal(t, tt.transition, tr.TransitionState)
			assert.Equal(t, tt.to, tr.ToState)
			assert.Equal(t, tt.target, tr.TargetPosition)
			assert.Equal(t, tt.duration, tr.Duration)
			assert.Equal(t, tt.position, tr.FromPosition)
		})
	}
}

func TestTimingsComputeBounds(t *testing.T) {
	timings := DefaultTimings()
	states := []State{OpenState, ClosedState, OpeningState, ClosingState, HalfOpenState, StoppedState, UnknownState}
	commands := []Command{OpenCommand, CloseCommand, HalfOpenCommand, StopCommand, Command("tilt")}

	for _, from := range states {
		for _, cmd := range commands {
			for position := -10; position <= 110; position += 5 {
				tr := timings.Compute(from, position, cmd)

				assert.GreaterOrEqual(t, tr.Duration, time.Duration(0), "%s/%d/%s", from, position, cmd)
				assert.GreaterOrEqual(t, tr.TargetPosition, 0, "%s/%d/%s", from, position, cmd)
				assert.LessOrEqual(t, tr.TargetPosition, 100, "%s/%d/%s", from, position, cmd)
			}
		}
	}
}

func TestTimingsComputeDegenerate(t *testing.T) {
	tr := DefaultTimings().Compute(OpenState, 100, Command("tilt"))

	assert.Equal(t, UnknownState, tr.TransitionState)
	assert.Equal(t, UnknownState, tr.ToState)
	assert.Zero(t, tr.Duration)
	assert.Equal(t, 100, tr.TargetPosition)
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "salon", NormalizeName("Volet Salon", []string{"volet"}))
	assert.Equal(t, "chambre parents", NormalizeName("  VOLET  Chambre   Parents ", []string{"Volet"}))
	assert.Equal(t, "cuisine", NormalizeName("Cuisine", nil))
}
