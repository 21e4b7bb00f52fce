// Package driver holds shutter.Commander implementations and wrappers.
package driver

import (
	"context"
	"sync"
	"time"

	"github.com/jkaflik/idiamant2mqtt/internal/shutter"
	"github.com/sirupsen/logrus"
)

// PoolProxy bounds the number of commands in flight across every commander
// sharing the same pool.
type PoolProxy struct {
	c    shutter.Commander
	pool chan struct{}
}

func NewPoolProxy(c shutter.Commander, pool chan struct{}) *PoolProxy {
	return &PoolProxy{c: c, pool: pool}
}

func (p *PoolProxy) Send(ctx context.Context, deviceID string, cmd shutter.Command) error {
	select {
	case p.pool <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() {
		<-p.pool
	}()

	return p.c.Send(ctx, deviceID, cmd)
}

// Dumb accepts every command without touching the vendor. Used in dry run
// mode.
type Dumb struct {
	// Latency simulates the vendor round trip.
	Latency time.Duration

	mu   sync.Mutex
	sent []shutter.Command
}

func (d *Dumb) Send(ctx context.Context, deviceID string, cmd shutter.Command) error {
	logrus.Warnf("%s: dry run, %s command not sent", deviceID, cmd)

	if d.Latency > 0 {
		select {
		case <-time.After(d.Latency):
		case <-ctx.Done():
			logrus.Warnf("%s: dry run %s command exit", deviceID, cmd)
			return ctx.Err()
		}
	}

	d.mu.Lock()
	d.sent = append(d.sent, cmd)
	d.mu.Unlock()

	return nil
}

// Sent returns the commands accepted so far.
func (d *Dumb) Sent() []shutter.Command {
	d.mu.Lock()
	defer d.mu.Unlock()

	return append([]shutter.Command(nil), d.sent...)
}
