package ebeco

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/google/uuid"
	"github.com/jinzhu/copier"
)

// Device is the vendor's per-device record as returned by GetUserDeviceById.
// Every field besides ID may be missing; unknown fields are ignored.
type Device struct {
	ID                       int64    `json:"id"`
	DisplayName              string   `json:"displayName,omitempty"`
	PowerOn                  *bool    `json:"powerOn,omitempty"`
	TemperatureSet           *float64 `json:"temperatureSet,omitempty"`
	TemperatureRoom          *float64 `json:"temperatureRoom,omitempty"`
	TemperatureFloor         *float64 `json:"temperatureFloor,omitempty"`
	TemperatureRoomDecimals  *float64 `json:"temperatureRoomDecimals,omitempty"`
	TemperatureFloorDecimals *float64 `json:"temperatureFloorDecimals,omitempty"`
	SelectedProgram          string   `json:"selectedProgram,omitempty"`
	RelayOn                  *bool    `json:"relayOn,omitempty"`
	InstalledEffect          *float64 `json:"installedEffect,omitempty"`
	TodaysOnMinutes          *float64 `json:"todaysOnMinutes,omitempty"`
	HasError                 *bool    `json:"hasError,omitempty"`
	ErrorMessage             string   `json:"errorMessage,omitempty"`
	Building                 Building `json:"building"`
	RemoteInput              Text     `json:"remoteInput,omitempty"`
	MinutesToTarget          *float64 `json:"minutesToTarget,omitempty"`
	ProgramState             Text     `json:"programState,omitempty"`
}

type Building struct {
	Name string `json:"name,omitempty"`
}

// Clone returns a deep copy so holders of a snapshot never share pointers
// with the session cache.
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	out := &Device{}
	if err := copier.CopyWithOption(out, d, copier.Option{DeepCopy: true}); err != nil {
		// copier only fails on mismatched kinds, which cannot happen for same-type copies.
		panic(err)
	}
	return out
}

// Text accepts any JSON value and keeps its textual form.
// The vendor is not consistent about the type of a few status fields.
type Text string

func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = Text(s)
		return nil
	}
	if _, err := strconv.ParseFloat(string(data), 64); err == nil {
		*t = Text(data)
		return nil
	}
	if b, err := strconv.ParseBool(string(data)); err == nil {
		*t = Text(strconv.FormatBool(b))
		return nil
	}
	// Objects and arrays are kept as compact raw JSON so one odd field does
	// not make the whole record unreadable.
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		*t = ""
		return nil
	}
	*t = Text(compact.String())
	return nil
}

// Preset is the vendor's program selector.
type Preset string

const (
	PresetManual Preset = "Manual"
	PresetWeek   Preset = "Home"
	PresetTimer  Preset = "Timer"
)

// Presets lists the accepted presets in display order.
var Presets = []Preset{PresetManual, PresetWeek, PresetTimer}

func (p Preset) Valid() bool {
	for _, known := range Presets {
		if p == known {
			return true
		}
	}
	return false
}

// Action identifies what a Change does.
type Action string

const (
	ActionSetPowerState        Action = "set_powerstate"
	ActionSetTargetTemperature Action = "set_room_target_temperature"
	ActionSetPresetMode        Action = "set_preset_mode"
)

// Change is a user command. Only the field matching Action is read.
type Change struct {
	ID          uuid.UUID
	DeviceID    int64
	Action      Action
	PowerOn     bool
	Temperature float64
	Preset      Preset
}

func PowerChange(on bool) Change {
	return Change{ID: uuid.New(), Action: ActionSetPowerState, PowerOn: on}
}

func TemperatureChange(value float64) Change {
	return Change{ID: uuid.New(), Action: ActionSetTargetTemperature, Temperature: value}
}

func PresetChange(preset Preset) Change {
	return Change{ID: uuid.New(), Action: ActionSetPresetMode, Preset: preset}
}

// DeviceSummary is the minimal identity shown when picking a device.
type DeviceSummary struct {
	ID          int64  `json:"id"`
	DisplayName string `json:"display_name"`
}

func boolPtr(v bool) *bool {
	return &v
}

func floatPtr(v float64) *float64 {
	return &v
}
