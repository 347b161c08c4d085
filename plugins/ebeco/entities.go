package ebeco

import (
	"fmt"
	"math"
	"strconv"
)

const (
	Manufacturer  = "Ebeco"
	SuggestedArea = "Bathroom"

	MinTemperature  = 5.0
	MaxTemperature  = 35.0
	TemperatureStep = 1.0
)

// MainSensor picks which sensor drives the climate entity's current temperature.
type MainSensor string

const (
	SensorFloor MainSensor = "floor"
	SensorRoom  MainSensor = "room"
)

func ParseMainSensor(raw string) (MainSensor, error) {
	switch MainSensor(raw) {
	case "", SensorFloor:
		return SensorFloor, nil
	case SensorRoom:
		return SensorRoom, nil
	default:
		return "", fmt.Errorf("main sensor must be floor or room, got %q", raw)
	}
}

type HVACMode string

const (
	HVACHeat HVACMode = "heat"
	HVACOff  HVACMode = "off"
)

type HVACAction string

const (
	ActionHeating HVACAction = "heating"
	ActionIdle    HVACAction = "idle"
	ActionOff     HVACAction = "off"
)

type DeviceInfo struct {
	Identifier    string     `json:"identifier"`
	Manufacturer  string     `json:"manufacturer"`
	Name          string     `json:"name"`
	Building      string     `json:"building,omitempty"`
	SuggestedArea string     `json:"suggested_area"`
	MainSensor    MainSensor `json:"main_sensor"`
}

type Climate struct {
	UniqueID           string     `json:"unique_id"`
	Name               string     `json:"name"`
	Icon               string     `json:"icon"`
	HVACMode           HVACMode   `json:"hvac_mode"`
	HVACModes          []HVACMode `json:"hvac_modes"`
	HVACAction         HVACAction `json:"hvac_action"`
	CurrentTemperature *float64   `json:"current_temperature"`
	TargetTemperature  *float64   `json:"target_temperature"`
	MinTemp            float64    `json:"min_temp"`
	MaxTemp            float64    `json:"max_temp"`
	TargetTempStep     float64    `json:"target_temp_step"`
	TemperatureUnit    string     `json:"temperature_unit"`
	PresetMode         string     `json:"preset_mode,omitempty"`
	PresetModes        []Preset   `json:"preset_modes"`
	HasError           bool       `json:"has_error"`
	ErrorMessage       string     `json:"error_message,omitempty"`
}

// Sensor is one read-only value derived from the record. Binary sensors
// carry On, numeric ones carry Value.
type Sensor struct {
	Key            string   `json:"key"`
	UniqueID       string   `json:"unique_id"`
	Name           string   `json:"name"`
	Binary         bool     `json:"binary"`
	DeviceClass    string   `json:"device_class"`
	StateClass     string   `json:"state_class,omitempty"`
	Unit           string   `json:"unit,omitempty"`
	EntityCategory string   `json:"entity_category,omitempty"`
	Value          *float64 `json:"value,omitempty"`
	On             *bool    `json:"on,omitempty"`
}

type Entities struct {
	Device  DeviceInfo `json:"device"`
	Climate Climate    `json:"climate"`
	Sensors []Sensor   `json:"sensors"`
}

// Project derives the entity view of a record.
func Project(d *Device, main MainSensor) Entities {
	if d == nil {
		return Entities{}
	}
	id := strconv.FormatInt(d.ID, 10)
	return Entities{
		Device: DeviceInfo{
			Identifier:    id,
			Manufacturer:  Manufacturer,
			Name:          d.DisplayName,
			Building:      d.Building.Name,
			SuggestedArea: SuggestedArea,
			MainSensor:    main,
		},
		Climate: projectClimate(id, d, main),
		Sensors: projectSensors(id, d),
	}
}

func projectClimate(id string, d *Device, main MainSensor) Climate {
	mode := HVACOff
	icon := "mdi:radiator-off"
	if isTrue(d.PowerOn) {
		mode = HVACHeat
		icon = "mdi:radiator"
	}
	return Climate{
		UniqueID:           id,
		Name:               d.DisplayName,
		Icon:               icon,
		HVACMode:           mode,
		HVACModes:          []HVACMode{HVACHeat, HVACOff},
		HVACAction:         hvacAction(d),
		CurrentTemperature: currentTemperature(d, main),
		TargetTemperature:  d.TemperatureSet,
		MinTemp:            MinTemperature,
		MaxTemp:            MaxTemperature,
		TargetTempStep:     TemperatureStep,
		TemperatureUnit:    "°C",
		PresetMode:         d.SelectedProgram,
		PresetModes:        Presets,
		HasError:           isTrue(d.HasError),
		ErrorMessage:       d.ErrorMessage,
	}
}

func hvacAction(d *Device) HVACAction {
	if !isTrue(d.PowerOn) {
		return ActionOff
	}
	if isTrue(d.RelayOn) {
		return ActionHeating
	}
	return ActionIdle
}

func currentTemperature(d *Device, main MainSensor) *float64 {
	if main == SensorRoom {
		return firstSet(d.TemperatureRoomDecimals, d.TemperatureRoom)
	}
	return firstSet(d.TemperatureFloorDecimals, d.TemperatureFloor)
}

func projectSensors(id string, d *Device) []Sensor {
	return []Sensor{
		{
			Key:            "relay",
			UniqueID:       id + "-relay",
			Name:           "Relay",
			Binary:         true,
			DeviceClass:    "heat",
			EntityCategory: "diagnostic",
			On:             boolPtr(isTrue(d.RelayOn)),
		},
		{
			Key:            "power",
			UniqueID:       id + "-power",
			Name:           "Power",
			DeviceClass:    "power",
			StateClass:     "measurement",
			Unit:           "W",
			EntityCategory: "diagnostic",
			Value:          currentPower(d),
		},
		{
			Key:            "installed_power",
			UniqueID:       id + "-installed-power",
			Name:           "Installed power",
			DeviceClass:    "power",
			StateClass:     "measurement",
			Unit:           "W",
			EntityCategory: "diagnostic",
			Value:          d.InstalledEffect,
		},
		{
			Key:         "energy",
			UniqueID:    id + "-energy",
			Name:        "Energy today",
			DeviceClass: "energy",
			StateClass:  "total_increasing",
			Unit:        "kWh",
			Value:       EnergyToday(d),
		},
		{
			Key:         "temperature_floor",
			UniqueID:    id + "-temperature-Floor",
			Name:        "Floor temperature",
			DeviceClass: "temperature",
			StateClass:  "measurement",
			Unit:        "°C",
			Value:       d.TemperatureFloor,
		},
		{
			Key:         "temperature_room",
			UniqueID:    id + "-temperature-Room",
			Name:        "Room temperature",
			DeviceClass: "temperature",
			StateClass:  "measurement",
			Unit:        "°C",
			Value:       d.TemperatureRoom,
		},
	}
}

func currentPower(d *Device) *float64 {
	if d.InstalledEffect == nil {
		return nil
	}
	if isTrue(d.RelayOn) {
		return floatPtr(*d.InstalledEffect)
	}
	return floatPtr(0)
}

// EnergyToday estimates kWh from today's relay-on minutes and installed watts.
func EnergyToday(d *Device) *float64 {
	if d == nil || d.TodaysOnMinutes == nil || d.InstalledEffect == nil {
		return nil
	}
	kwh := (*d.TodaysOnMinutes / 60) * (*d.InstalledEffect / 1000)
	return floatPtr(math.Round(kwh*100) / 100)
}

// HVACModeChange maps a climate mode to a power change. Unknown modes map to nothing.
func HVACModeChange(mode HVACMode) (Change, bool) {
	switch mode {
	case HVACHeat:
		return PowerChange(true), true
	case HVACOff:
		return PowerChange(false), true
	default:
		return Change{}, false
	}
}

// TargetTemperatureChange ignores calls that carry no temperature.
func TargetTemperatureChange(value *float64) (Change, bool) {
	if value == nil {
		return Change{}, false
	}
	return TemperatureChange(*value), true
}

// PresetModeChange rejects presets the vendor does not know.
func PresetModeChange(preset Preset) (Change, bool) {
	if !preset.Valid() {
		return Change{}, false
	}
	return PresetChange(preset), true
}

func isTrue(v *bool) bool {
	return v != nil && *v
}

func firstSet(values ...*float64) *float64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
