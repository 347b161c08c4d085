package ebeco

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNoDevices     = errors.New("ebeco: no devices on account")
	ErrUnknownDevice = errors.New("ebeco: device not on account")
)

// DeviceLister is satisfied by Client.
type DeviceLister interface {
	Devices(ctx context.Context) ([]Device, error)
}

// ListDevices returns the devices a user can pick from at setup time.
func ListDevices(ctx context.Context, lister DeviceLister) ([]DeviceSummary, error) {
	devices, err := lister.Devices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}
	out := make([]DeviceSummary, 0, len(devices))
	for _, device := range devices {
		out = append(out, DeviceSummary{ID: device.ID, DisplayName: device.DisplayName})
	}
	return out, nil
}

// ResolveEntry checks a device pick and returns the entry title.
func ResolveEntry(summaries []DeviceSummary, deviceID int64, mainSensor string) (string, MainSensor, error) {
	sensor, err := ParseMainSensor(mainSensor)
	if err != nil {
		return "", "", err
	}
	for _, summary := range summaries {
		if summary.ID == deviceID {
			return summary.DisplayName, sensor, nil
		}
	}
	return "", "", fmt.Errorf("%w: %d", ErrUnknownDevice, deviceID)
}
