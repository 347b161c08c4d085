package ebeco

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

const (
	payloadOnline  = "online"
	payloadOffline = "offline"
	payloadOn      = "ON"
	payloadOff     = "OFF"

	commandTimeout = time.Minute
	disconnectWait = 250
)

type MQTTConfig struct {
	BrokerURL       string
	ClientID        string
	DiscoveryPrefix string
	BaseTopic       string
	QoS             byte
	Username        string
	Password        string
}

// MQTTBridge publishes Home Assistant discovery and state for every entry
// and turns command topics into changes.
type MQTTBridge struct {
	cfg     MQTTConfig
	entries entrySet
	logger  *zap.Logger

	newClient func(*mqtt.ClientOptions) mqtt.Client
	client    mqtt.Client

	mu        sync.Mutex
	ctx       context.Context
	announced map[string]bool
}

func NewMQTTBridge(cfg MQTTConfig, entries []*Entry, logger *zap.Logger) (*MQTTBridge, error) {
	if cfg.BrokerURL == "" {
		return nil, errors.New("mqtt: broker url is required")
	}
	if cfg.QoS > 1 {
		return nil, errors.New("mqtt: qos must be 0 or 1")
	}
	if cfg.DiscoveryPrefix == "" {
		cfg.DiscoveryPrefix = "homeassistant"
	}
	if cfg.BaseTopic == "" {
		cfg.BaseTopic = "gohome/ebeco"
	}
	cfg.BaseTopic = strings.TrimRight(cfg.BaseTopic, "/")
	if cfg.ClientID == "" {
		cfg.ClientID = "gohome-ebeco"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MQTTBridge{
		cfg:       cfg,
		entries:   newEntrySet(entries),
		logger:    logger.Named("mqtt"),
		newClient: mqtt.NewClient,
		ctx:       context.Background(),
		announced: map[string]bool{},
	}, nil
}

// Run connects, mirrors every published snapshot, and disconnects when
// ctx ends.
func (b *MQTTBridge) Run(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(b.cfg.BrokerURL).
		SetClientID(b.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(2*time.Second).
		SetOrderMatters(false).
		SetWill(b.availabilityTopic(), payloadOffline, b.cfg.QoS, true)
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}
	opts.SetOnConnectHandler(b.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		b.logger.Warn("connection lost", zap.Error(err))
	})

	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()

	b.client = b.newClient(opts)
	tok := b.client.Connect()
	select {
	case <-tok.Done():
		if err := tok.Error(); err != nil {
			return fmt.Errorf("mqtt connect: %w", err)
		}
	case <-ctx.Done():
		b.client.Disconnect(disconnectWait)
		return ctx.Err()
	}

	var wg sync.WaitGroup
	for _, entry := range b.entries.list {
		updates, cancel := entry.Coordinator().Subscribe()
		if snap, ok := entry.Coordinator().Snapshot(); ok {
			b.publishEntry(b.client, entry, snap)
		}
		wg.Add(1)
		go func(entry *Entry) {
			defer wg.Done()
			defer cancel()
			for {
				select {
				case <-ctx.Done():
					return
				case snap, ok := <-updates:
					if !ok {
						return
					}
					b.publishEntry(b.client, entry, snap)
				}
			}
		}(entry)
	}

	<-ctx.Done()
	wg.Wait()
	b.client.Publish(b.availabilityTopic(), b.cfg.QoS, true, payloadOffline).WaitTimeout(time.Second)
	b.client.Disconnect(disconnectWait)
	return ctx.Err()
}

func (b *MQTTBridge) onConnect(client mqtt.Client) {
	b.logger.Info("connected", zap.String("broker", b.cfg.BrokerURL))
	if tok := client.Subscribe(b.cfg.BaseTopic+"/+/set/+", b.cfg.QoS, b.onMessage); tok.Wait() && tok.Error() != nil {
		b.logger.Error("subscribe failed", zap.Error(tok.Error()))
	}
	client.Publish(b.availabilityTopic(), b.cfg.QoS, true, payloadOnline)

	b.mu.Lock()
	b.announced = map[string]bool{}
	b.mu.Unlock()
	for _, entry := range b.entries.list {
		if snap, ok := entry.Coordinator().Snapshot(); ok {
			b.publishEntry(client, entry, snap)
		}
	}
}

func (b *MQTTBridge) publishEntry(client mqtt.Client, entry *Entry, snap Snapshot) {
	entities := Project(snap.Device, entry.Config().MainSensor)

	b.mu.Lock()
	announce := !b.announced[entry.Name()]
	b.announced[entry.Name()] = true
	b.mu.Unlock()

	if announce {
		msgs, err := discoveryMessages(b.cfg, entry.Name(), entities)
		if err != nil {
			b.logger.Error("build discovery", zap.String("entry", entry.Name()), zap.Error(err))
			return
		}
		for _, msg := range msgs {
			client.Publish(msg.Topic, b.cfg.QoS, true, msg.Payload)
		}
	}

	payload, err := json.Marshal(statePayload(entities))
	if err != nil {
		b.logger.Error("encode state", zap.String("entry", entry.Name()), zap.Error(err))
		return
	}
	client.Publish(stateTopic(b.cfg, entry.Name()), b.cfg.QoS, true, payload)
}

func (b *MQTTBridge) onMessage(_ mqtt.Client, msg mqtt.Message) {
	name, field, ok := parseCommandTopic(b.cfg.BaseTopic, msg.Topic())
	if !ok {
		return
	}
	logger := b.logger.With(zap.String("entry", name), zap.String("command", field))

	entry, err := b.entries.resolve(name)
	if err != nil {
		logger.Warn("command for unknown entry", zap.Error(err))
		return
	}
	cmd, err := parseCommand(field, msg.Payload())
	if err != nil {
		logger.Warn("invalid command", zap.Error(err))
		return
	}

	b.mu.Lock()
	parent := b.ctx
	b.mu.Unlock()
	ctx, cancel := context.WithTimeout(parent, commandTimeout)
	defer cancel()
	if _, err := entry.Execute(ctx, cmd); err != nil {
		logger.Warn("command failed", zap.Error(err))
	}
}

func (b *MQTTBridge) availabilityTopic() string {
	return b.cfg.BaseTopic + "/status"
}

type mqttMessage struct {
	Topic   string
	Payload []byte
}

func stateTopic(cfg MQTTConfig, entry string) string {
	return cfg.BaseTopic + "/" + entry + "/state"
}

func commandTopic(cfg MQTTConfig, entry, field string) string {
	return cfg.BaseTopic + "/" + entry + "/set/" + field
}

func parseCommandTopic(base, topic string) (entry, field string, ok bool) {
	rest, found := strings.CutPrefix(topic, base+"/")
	if !found {
		return "", "", false
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[1] != "set" || parts[0] == "" {
		return "", "", false
	}
	return parts[0], parts[2], true
}

// parseCommand reads the plain payloads Home Assistant sends on command topics.
func parseCommand(field string, payload []byte) (Command, error) {
	raw := strings.TrimSpace(string(payload))
	switch field {
	case "mode":
		return Command{Mode: raw}, nil
	case "preset":
		return Command{Preset: raw}, nil
	case "temperature":
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Command{}, fmt.Errorf("%w: temperature %q", ErrInvalidCommand, raw)
		}
		return Command{Temperature: &value}, nil
	case "power":
		switch strings.ToUpper(raw) {
		case payloadOn:
			return Command{Power: boolPtr(true)}, nil
		case payloadOff:
			return Command{Power: boolPtr(false)}, nil
		}
		return Command{}, fmt.Errorf("%w: power %q", ErrInvalidCommand, raw)
	default:
		return Command{}, fmt.Errorf("%w: unknown command %q", ErrInvalidCommand, field)
	}
}

// statePayload flattens the entity view into the document templates read.
func statePayload(e Entities) map[string]any {
	out := map[string]any{
		"hvac_mode":           e.Climate.HVACMode,
		"hvac_action":         e.Climate.HVACAction,
		"current_temperature": e.Climate.CurrentTemperature,
		"target_temperature":  e.Climate.TargetTemperature,
		"preset_mode":         e.Climate.PresetMode,
		"has_error":           e.Climate.HasError,
	}
	for _, s := range e.Sensors {
		if s.Binary {
			out[s.Key] = payloadOff
			if isTrue(s.On) {
				out[s.Key] = payloadOn
			}
			continue
		}
		out[s.Key] = s.Value
	}
	return out
}

type discoveryConfig struct {
	component string
	id        string
	body      map[string]any
}

func discoveryMessages(cfg MQTTConfig, entry string, e Entities) ([]mqttMessage, error) {
	device := map[string]any{
		"identifiers":    []string{"ebeco_" + e.Device.Identifier},
		"manufacturer":   e.Device.Manufacturer,
		"name":           e.Device.Name,
		"suggested_area": e.Device.SuggestedArea,
	}
	state := stateTopic(cfg, entry)
	availability := cfg.BaseTopic + "/status"

	climateID := "ebeco_" + e.Climate.UniqueID
	configs := []discoveryConfig{{
		component: "climate",
		id:        climateID,
		body: map[string]any{
			"name":                         nil,
			"unique_id":                    climateID,
			"device":                       device,
			"icon":                         e.Climate.Icon,
			"availability_topic":           availability,
			"modes":                        e.Climate.HVACModes,
			"mode_state_topic":             state,
			"mode_state_template":          "{{ value_json.hvac_mode }}",
			"mode_command_topic":           commandTopic(cfg, entry, "mode"),
			"action_topic":                 state,
			"action_template":              "{{ value_json.hvac_action }}",
			"current_temperature_topic":    state,
			"current_temperature_template": "{{ value_json.current_temperature }}",
			"temperature_state_topic":      state,
			"temperature_state_template":   "{{ value_json.target_temperature }}",
			"temperature_command_topic":    commandTopic(cfg, entry, "temperature"),
			"preset_modes":                 e.Climate.PresetModes,
			"preset_mode_state_topic":      state,
			"preset_mode_value_template":   "{{ value_json.preset_mode }}",
			"preset_mode_command_topic":    commandTopic(cfg, entry, "preset"),
			"min_temp":                     e.Climate.MinTemp,
			"max_temp":                     e.Climate.MaxTemp,
			"temp_step":                    e.Climate.TargetTempStep,
			"temperature_unit":             "C",
		},
	}}

	for _, s := range e.Sensors {
		id := "ebeco_" + s.UniqueID
		body := map[string]any{
			"name":               s.Name,
			"unique_id":          id,
			"device":             device,
			"availability_topic": availability,
			"state_topic":        state,
			"value_template":     "{{ value_json." + s.Key + " }}",
			"device_class":       s.DeviceClass,
		}
		if s.StateClass != "" {
			body["state_class"] = s.StateClass
		}
		if s.Unit != "" {
			body["unit_of_measurement"] = s.Unit
		}
		if s.EntityCategory != "" {
			body["entity_category"] = s.EntityCategory
		}
		component := "sensor"
		if s.Binary {
			component = "binary_sensor"
			body["payload_on"] = payloadOn
			body["payload_off"] = payloadOff
		}
		configs = append(configs, discoveryConfig{component: component, id: id, body: body})
	}

	msgs := make([]mqttMessage, 0, len(configs))
	for _, c := range configs {
		payload, err := json.Marshal(c.body)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, mqttMessage{
			Topic:   cfg.DiscoveryPrefix + "/" + c.component + "/" + c.id + "/config",
			Payload: payload,
		})
	}
	return msgs, nil
}
