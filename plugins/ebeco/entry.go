package ebeco

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Entry is one configured thermostat with its own client and coordinator.
type Entry struct {
	cfg         Config
	client      *Client
	coordinator *Coordinator
}

func NewEntry(cfg Config, logger *zap.Logger) (*Entry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("entry", cfg.Name))
	client, err := NewClient(cfg, logger)
	if err != nil {
		return nil, err
	}
	session := NewSession(cfg.DeviceID, client, logger)
	return &Entry{
		cfg:         cfg,
		client:      client,
		coordinator: NewCoordinator(cfg.Name, session, cfg.PollInterval, logger),
	}, nil
}

func (e *Entry) Name() string {
	return e.cfg.Name
}

func (e *Entry) Config() Config {
	return e.cfg
}

func (e *Entry) Coordinator() *Coordinator {
	return e.coordinator
}

// Devices lists the account's devices for picking.
func (e *Entry) Devices(ctx context.Context) ([]DeviceSummary, error) {
	return ListDevices(ctx, e.client)
}

// State is the externally visible view of an entry.
type State struct {
	Entry      string     `json:"entry"`
	DeviceID   int64      `json:"device_id"`
	Ready      bool       `json:"ready"`
	Source     Source     `json:"source,omitempty"`
	Sequence   uint64     `json:"sequence"`
	UpdatedAt  *time.Time `json:"updated_at,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	Device     *Device    `json:"device,omitempty"`
	Entities   *Entities  `json:"entities,omitempty"`
	MainSensor MainSensor `json:"main_sensor"`
}

func (e *Entry) State() State {
	out := State{
		Entry:      e.cfg.Name,
		DeviceID:   e.cfg.DeviceID,
		Ready:      e.coordinator.Ready(),
		LastError:  e.coordinator.Stats().LastError,
		MainSensor: e.cfg.MainSensor,
	}
	snap, ok := e.coordinator.Snapshot()
	if !ok {
		return out
	}
	return stateFromSnapshot(out, snap)
}

func stateFromSnapshot(base State, snap Snapshot) State {
	entities := Project(snap.Device, base.MainSensor)
	updated := snap.UpdatedAt
	base.Source = snap.Source
	base.Sequence = snap.Sequence
	base.UpdatedAt = &updated
	base.Device = snap.Device
	base.Entities = &entities
	return base
}
