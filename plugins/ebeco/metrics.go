package ebeco

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector exports the shared state cell of every entry. It never
// calls the vendor API.
type MetricsCollector struct {
	coordinators []*Coordinator

	mu              sync.Mutex
	roomTemp        *prometheus.GaugeVec
	floorTemp       *prometheus.GaugeVec
	setpoint        *prometheus.GaugeVec
	powerOn         *prometheus.GaugeVec
	relayOn         *prometheus.GaugeVec
	hasError        *prometheus.GaugeVec
	installedEffect *prometheus.GaugeVec
	onMinutes       *prometheus.GaugeVec
	energy          *prometheus.GaugeVec
	lastUpdated     *prometheus.GaugeVec
	source          *prometheus.GaugeVec
	pollSuccess     *prometheus.GaugeVec
	changesApplied  *prometheus.GaugeVec
	changesFailed   *prometheus.GaugeVec
}

func NewMetricsCollector(coordinators []*Coordinator) *MetricsCollector {
	labels := []string{"entry", "device_id", "device_name"}
	gauge := func(name, help string, labels []string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	}
	return &MetricsCollector{
		coordinators:    coordinators,
		roomTemp:        gauge("gohome_ebeco_room_temperature_celsius", "Room temperature", labels),
		floorTemp:       gauge("gohome_ebeco_floor_temperature_celsius", "Floor temperature", labels),
		setpoint:        gauge("gohome_ebeco_setpoint_celsius", "Target temperature", labels),
		powerOn:         gauge("gohome_ebeco_power_on_bool", "Thermostat switched on (1=on, 0=off)", labels),
		relayOn:         gauge("gohome_ebeco_relay_on_bool", "Heating relay closed (1=heating, 0=idle)", labels),
		hasError:        gauge("gohome_ebeco_has_error_bool", "Device reports an error (1=error)", labels),
		installedEffect: gauge("gohome_ebeco_installed_effect_watts", "Installed heating power", labels),
		onMinutes:       gauge("gohome_ebeco_todays_on_minutes", "Minutes the relay has been on today", labels),
		energy:          gauge("gohome_ebeco_energy_today_kwh", "Estimated energy used today", labels),
		lastUpdated:     gauge("gohome_ebeco_last_update_timestamp_seconds", "Last time the state cell changed (epoch seconds)", labels),
		source:          gauge("gohome_ebeco_update_source", "Write path of the current state (1 for the active source)", append(append([]string{}, labels...), "source")),
		pollSuccess:     gauge("gohome_ebeco_poll_success", "Last poll success (1=ok, 0=error)", []string{"entry"}),
		changesApplied:  gauge("gohome_ebeco_changes_applied", "Changes accepted since start", []string{"entry"}),
		changesFailed:   gauge("gohome_ebeco_changes_failed", "Changes rejected since start", []string{"entry"}),
	}
}

func (c *MetricsCollector) vecs() []*prometheus.GaugeVec {
	return []*prometheus.GaugeVec{
		c.roomTemp, c.floorTemp, c.setpoint, c.powerOn, c.relayOn, c.hasError,
		c.installedEffect, c.onMinutes, c.energy, c.lastUpdated, c.source,
		c.pollSuccess, c.changesApplied, c.changesFailed,
	}
}

func (c *MetricsCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, vec := range c.vecs() {
		vec.Describe(ch)
	}
}

func (c *MetricsCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, vec := range c.vecs() {
		vec.Reset()
	}

	for _, coordinator := range c.coordinators {
		entry := coordinator.Name()
		stats := coordinator.Stats()
		c.pollSuccess.WithLabelValues(entry).Set(boolToFloat(stats.LastPollOK))
		c.changesApplied.WithLabelValues(entry).Set(float64(stats.ChangesApplied))
		c.changesFailed.WithLabelValues(entry).Set(float64(stats.ChangesFailed))

		snap, ok := coordinator.Snapshot()
		if !ok || snap.Device == nil {
			continue
		}
		d := snap.Device
		labels := prometheus.Labels{
			"entry":       entry,
			"device_id":   strconv.FormatInt(d.ID, 10),
			"device_name": d.DisplayName,
		}
		setIf(c.roomTemp.With(labels), firstSet(d.TemperatureRoomDecimals, d.TemperatureRoom))
		setIf(c.floorTemp.With(labels), firstSet(d.TemperatureFloorDecimals, d.TemperatureFloor))
		setIf(c.setpoint.With(labels), d.TemperatureSet)
		setIf(c.installedEffect.With(labels), d.InstalledEffect)
		setIf(c.onMinutes.With(labels), d.TodaysOnMinutes)
		setIf(c.energy.With(labels), EnergyToday(d))
		if d.PowerOn != nil {
			c.powerOn.With(labels).Set(boolToFloat(*d.PowerOn))
		}
		if d.RelayOn != nil {
			c.relayOn.With(labels).Set(boolToFloat(*d.RelayOn))
		}
		if d.HasError != nil {
			c.hasError.With(labels).Set(boolToFloat(*d.HasError))
		}
		c.lastUpdated.With(labels).Set(float64(snap.UpdatedAt.Unix()))
		sourceLabels := prometheus.Labels{"source": string(snap.Source)}
		for k, v := range labels {
			sourceLabels[k] = v
		}
		c.source.With(sourceLabels).Set(1)
	}

	for _, vec := range c.vecs() {
		vec.Collect(ch)
	}
}

func setIf(g prometheus.Gauge, value *float64) {
	if value != nil {
		g.Set(*value)
	}
}

func boolToFloat(value bool) float64 {
	if value {
		return 1
	}
	return 0
}
