// Package poller periodically reads the vendor status and feeds it to the
// reconciler.
package poller

import (
	"context"
	"time"

	"github.com/jkaflik/idiamant2mqtt/internal/clock"
	"github.com/jkaflik/idiamant2mqtt/internal/shutter"
	"github.com/sirupsen/logrus"
)

type Source interface {
	Poll(ctx context.Context) ([]shutter.PollResult, error)
}

type Sink interface {
	OnPollResult(deviceID string, p shutter.PollResult) bool
}

type Poller struct {
	source   Source
	sink     Sink
	clock    clock.Clock
	interval time.Duration
}

func New(source Source, sink Sink, c clock.Clock, interval time.Duration) *Poller {
	return &Poller{source: source, sink: sink, clock: c, interval: interval}
}

// PollOnce runs a single poll and returns how many devices changed.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	results, err := p.source.Poll(ctx)
	if err != nil {
		return 0, err
	}

	changed := 0
	for _, r := range results {
		if p.sink.OnPollResult(r.DeviceID, r) {
			changed++
		}
	}

	return changed, nil
}

// Run polls right away and then every interval until ctx is done. A failed
// poll is logged and retried on the next tick.
func (p *Poller) Run(ctx context.Context) {
	for {
		changed, err := p.PollOnce(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			logrus.Errorf("poller: vendor status poll failed: %s", err)
		case err == nil:
			logrus.Debugf("poller: %d shutters changed", changed)
		}

		select {
		case <-ctx.Done():
			logrus.Debug("poller: stopped")
			return
		case <-p.clock.After(p.interval):
		}
	}
}
