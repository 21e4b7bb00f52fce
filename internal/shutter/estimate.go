package shutter

import (
	"math"
	"time"
)

// EstimatePosition interpolates the position of a running transition at now.
// A zero duration transition is complete immediately.
func EstimatePosition(t Transition, now time.Time) int {
	fraction := 1.0
	if t.Duration > 0 {
		elapsed := now.Sub(t.StartedAt)
		if elapsed < 0 {
			elapsed = 0
		}
		fraction = math.Min(1, float64(elapsed)/float64(t.Duration))
	}

	travel := float64(t.TargetPosition - t.FromPosition)

	return clampPosition(t.FromPosition + int(math.Round(travel*fraction)))
}
