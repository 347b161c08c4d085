package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	SchemaVersion          = 1
	DefaultPath            = "/etc/gohome/config.yaml"
	DefaultGRPCAddr        = "0.0.0.0:9000"
	DefaultHTTPAddr        = "0.0.0.0:8080"
	DefaultDashboardDir    = "/var/lib/gohome/dashboards"
	DefaultDiscoveryPrefix = "homeassistant"
	DefaultBaseTopic       = "gohome/ebeco"
	DefaultModbusAddr      = "0.0.0.0:5020"
	DefaultPollInterval    = time.Minute
	DefaultMainSensor      = "floor"

	envPrefix = "GOHOME_"
)

type Config struct {
	SchemaVersion int          `koanf:"schema_version"`
	Core          CoreConfig   `koanf:"core"`
	MQTT          MQTTConfig   `koanf:"mqtt"`
	Modbus        ModbusConfig `koanf:"modbus"`
	Ebeco         []EbecoEntry `koanf:"ebeco"`
}

type CoreConfig struct {
	GRPCAddr     string `koanf:"grpc_addr"`
	HTTPAddr     string `koanf:"http_addr"`
	DashboardDir string `koanf:"dashboard_dir"`
	Debug        bool   `koanf:"debug"`
}

type MQTTConfig struct {
	Enabled         bool   `koanf:"enabled"`
	BrokerURL       string `koanf:"broker_url"`
	ClientID        string `koanf:"client_id"`
	DiscoveryPrefix string `koanf:"discovery_prefix"`
	BaseTopic       string `koanf:"base_topic"`
	QoS             int    `koanf:"qos"`
	Username        string `koanf:"username"`
	Password        string `koanf:"password"`
}

type ModbusConfig struct {
	Enabled bool   `koanf:"enabled"`
	Addr    string `koanf:"addr"`
	UnitID  int    `koanf:"unit_id"`
	// Entry picks which ebeco entry the register map serves. Empty means the first.
	Entry string `koanf:"entry"`
}

// EbecoEntry is one configured thermostat: one account, one device.
type EbecoEntry struct {
	Name               string        `koanf:"name"`
	Email              string        `koanf:"email"`
	Password           string        `koanf:"password"`
	PasswordFile       string        `koanf:"password_file"`
	DeviceID           int64         `koanf:"device_id"`
	MainSensor         string        `koanf:"main_sensor"`
	BaseURL            string        `koanf:"base_url"`
	PollInterval       time.Duration `koanf:"poll_interval"`
	RateLimitPerMinute int           `koanf:"rate_limit_per_minute"`
}

func defaults() Config {
	return Config{
		SchemaVersion: SchemaVersion,
		Core: CoreConfig{
			GRPCAddr:     DefaultGRPCAddr,
			HTTPAddr:     DefaultHTTPAddr,
			DashboardDir: DefaultDashboardDir,
		},
		MQTT: MQTTConfig{
			ClientID:        "gohome-ebeco",
			DiscoveryPrefix: DefaultDiscoveryPrefix,
			BaseTopic:       DefaultBaseTopic,
		},
		Modbus: ModbusConfig{
			Addr:   DefaultModbusAddr,
			UnitID: 1,
		},
	}
}

// Load layers defaults, the config file and GOHOME_* environment variables,
// then validates. A .env file next to the process is honoured if present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		parser, err := parserFor(path)
		if err != nil {
			return nil, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix:        envPrefix,
		TransformFunc: envKey,
	}), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := applyDefaults(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	default:
		return nil, fmt.Errorf("unsupported config extension %q", ext)
	}
}

// envKey maps GOHOME_CORE__HTTP_ADDR to core.http_addr.
func envKey(key, value string) (string, any) {
	key = strings.TrimPrefix(key, envPrefix)
	key = strings.ToLower(strings.ReplaceAll(key, "__", "."))
	return key, value
}

func applyDefaults(cfg *Config) error {
	for i := range cfg.Ebeco {
		entry := &cfg.Ebeco[i]
		if entry.MainSensor == "" {
			entry.MainSensor = DefaultMainSensor
		}
		if entry.PollInterval == 0 {
			entry.PollInterval = DefaultPollInterval
		}
		if entry.Password == "" && entry.PasswordFile != "" {
			data, err := os.ReadFile(entry.PasswordFile)
			if err != nil {
				return fmt.Errorf("ebeco[%d].password_file: %w", i, err)
			}
			entry.Password = strings.TrimSpace(string(data))
		}
	}
	return nil
}

// Validate enforces required invariants beyond field typing.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if cfg.SchemaVersion != SchemaVersion {
		return fmt.Errorf("schema_version must be %d", SchemaVersion)
	}

	if cfg.Core.GRPCAddr == "" {
		return fmt.Errorf("core.grpc_addr is required")
	}
	if cfg.Core.HTTPAddr == "" {
		return fmt.Errorf("core.http_addr is required")
	}
	if cfg.Core.DashboardDir == "" {
		return fmt.Errorf("core.dashboard_dir is required")
	}

	if cfg.MQTT.Enabled {
		if cfg.MQTT.BrokerURL == "" {
			return fmt.Errorf("mqtt.broker_url is required")
		}
		if cfg.MQTT.QoS < 0 || cfg.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}

	if cfg.Modbus.Enabled {
		if cfg.Modbus.Addr == "" {
			return fmt.Errorf("modbus.addr is required")
		}
		if len(cfg.Ebeco) == 0 {
			return fmt.Errorf("modbus requires an ebeco entry")
		}
	}

	names := make(map[string]bool, len(cfg.Ebeco))
	for i, entry := range cfg.Ebeco {
		if entry.Name == "" {
			return fmt.Errorf("ebeco[%d].name is required", i)
		}
		if names[entry.Name] {
			return fmt.Errorf("ebeco entry %q is duplicated", entry.Name)
		}
		names[entry.Name] = true
		if entry.Email == "" {
			return fmt.Errorf("ebeco[%d].email is required", i)
		}
		if entry.Password == "" {
			return fmt.Errorf("ebeco[%d].password is required", i)
		}
		if entry.DeviceID <= 0 {
			return fmt.Errorf("ebeco[%d].device_id is required", i)
		}
		if entry.MainSensor != "floor" && entry.MainSensor != "room" {
			return fmt.Errorf("ebeco[%d].main_sensor must be floor or room", i)
		}
		if entry.PollInterval < 0 {
			return fmt.Errorf("ebeco[%d].poll_interval must be positive", i)
		}
	}
	if cfg.Modbus.Enabled && cfg.Modbus.Entry != "" && !names[cfg.Modbus.Entry] {
		return fmt.Errorf("modbus.entry %q does not match an ebeco entry", cfg.Modbus.Entry)
	}

	return nil
}

// EnabledPlugins maps enabled plugin IDs based on config presence.
func EnabledPlugins(cfg *Config) map[string]bool {
	enabled := make(map[string]bool)
	if cfg == nil {
		return enabled
	}
	if len(cfg.Ebeco) > 0 {
		enabled["ebeco"] = true
	}
	return enabled
}
