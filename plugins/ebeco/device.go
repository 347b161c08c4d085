package ebeco

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	ErrNoData          = errors.New("ebeco: no device data")
	ErrIdentityChanged = errors.New("ebeco: device id changed")
)

// DeviceAPI is the part of Client a Session needs.
type DeviceAPI interface {
	Device(ctx context.Context, id int64) (*Device, error)
	SetPower(ctx context.Context, id int64, on bool) error
	SetTemperature(ctx context.Context, id int64, value float64, heatingEnabled bool) error
	SetPreset(ctx context.Context, id int64, preset Preset) error
}

// Session caches one device's record and applies changes to it.
type Session struct {
	deviceID int64
	api      DeviceAPI
	logger   *zap.Logger

	mu     sync.RWMutex
	device *Device
}

func NewSession(deviceID int64, api DeviceAPI, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		deviceID: deviceID,
		api:      api,
		logger:   logger.With(zap.Int64("device_id", deviceID)),
	}
}

func (s *Session) DeviceID() int64 {
	return s.deviceID
}

// Refresh replaces the cached record with the vendor's current one.
func (s *Session) Refresh(ctx context.Context) (*Device, error) {
	device, err := s.api.Device(ctx, s.deviceID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, ErrNoData
	}
	if device.ID != s.deviceID {
		return nil, fmt.Errorf("%w: got %d", ErrIdentityChanged, device.ID)
	}

	s.mu.Lock()
	s.device = device
	s.mu.Unlock()
	return device.Clone(), nil
}

// Current returns a copy of the cached record, nil before the first refresh.
func (s *Session) Current() *Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.device.Clone()
}

// Apply sends change to the vendor and, once accepted, patches only the
// affected fields of the cached record. It never returns an error.
func (s *Session) Apply(ctx context.Context, change Change) (ok bool) {
	logger := s.logger.With(
		zap.String("change_id", change.ID.String()),
		zap.String("action", string(change.Action)),
	)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("unable to update thermostat", zap.Any("panic", r))
			ok = false
		}
	}()

	if change.DeviceID != 0 && change.DeviceID != s.deviceID {
		logger.Error("change targets another device", zap.Int64("target", change.DeviceID))
		return false
	}

	var (
		err   error
		patch func(*Device)
	)
	switch change.Action {
	case ActionSetPowerState:
		on := change.PowerOn
		err = s.api.SetPower(ctx, s.deviceID, on)
		patch = func(d *Device) { d.PowerOn = boolPtr(on) }
	case ActionSetTargetTemperature:
		value := change.Temperature
		err = s.api.SetTemperature(ctx, s.deviceID, value, true)
		patch = func(d *Device) {
			d.PowerOn = boolPtr(true)
			d.TemperatureSet = floatPtr(value)
		}
	case ActionSetPresetMode:
		preset := change.Preset
		err = s.api.SetPreset(ctx, s.deviceID, preset)
		patch = func(d *Device) { d.SelectedProgram = string(preset) }
	default:
		logger.Error("attempted to apply unsupported change")
		return false
	}
	if err != nil {
		logger.Error("unable to update thermostat", zap.Error(err))
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.device == nil {
		logger.Warn("change accepted before first refresh, nothing to patch")
		return false
	}
	next := s.device.Clone()
	patch(next)
	s.device = next
	logger.Debug("change applied")
	return true
}
