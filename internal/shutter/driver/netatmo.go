package driver

import (
	"context"

	"github.com/jkaflik/idiamant2mqtt/internal/netatmo"
	"github.com/jkaflik/idiamant2mqtt/internal/shutter"
	"github.com/pkg/errors"
)

// TargetSetter is the part of the Netatmo client the commander needs.
type TargetSetter interface {
	SetTargetPosition(ctx context.Context, moduleID string, target int) error
}

// StatusReader is the part of the Netatmo client the status source needs.
type StatusReader interface {
	HomeStatus(ctx context.Context) ([]netatmo.ModuleStatus, error)
}

// Target maps a command onto a setstate target position.
func Target(cmd shutter.Command) (int, error) {
	switch cmd {
	case shutter.OpenCommand:
		return shutter.FullOpenPosition, nil
	case shutter.CloseCommand:
		return shutter.FullClosePosition, nil
	case shutter.HalfOpenCommand:
		return netatmo.TargetHalfOpen, nil
	case shutter.StopCommand:
		return netatmo.TargetStop, nil
	}

	return 0, errors.Wrapf(shutter.ErrUnknownCommand, "%q", cmd)
}

// Netatmo sends commands through the setstate endpoint.
type Netatmo struct {
	client TargetSetter
}

func NewNetatmo(client TargetSetter) *Netatmo {
	return &Netatmo{client: client}
}

func (n *Netatmo) Send(ctx context.Context, deviceID string, cmd shutter.Command) error {
	target, err := Target(cmd)
	if err != nil {
		return err
	}

	return n.client.SetTargetPosition(ctx, deviceID, target)
}

// NetatmoStatus turns the home status into poll results for shutter modules.
type NetatmoStatus struct {
	client StatusReader
}

func NewNetatmoStatus(client StatusReader) *NetatmoStatus {
	return &NetatmoStatus{client: client}
}

func (s *NetatmoStatus) Poll(ctx context.Context) ([]shutter.PollResult, error) {
	modules, err := s.client.HomeStatus(ctx)
	if err != nil {
		return nil, err
	}

	var results []shutter.PollResult
	for _, m := range modules {
		if m.Type != netatmo.ShutterModuleType {
			continue
		}

		r := shutter.PollResult{DeviceID: m.ID, Reachable: m.Reachable, LastSeen: m.LastSeenTime()}
		if m.CurrentPosition != nil {
			p := *m.CurrentPosition
			r.Position = &p
		}

		results = append(results, r)
	}

	return results, nil
}
