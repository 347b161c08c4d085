package ebeco

import (
	"fmt"
	"time"

	"github.com/joshp123/gohome-ebeco/internal/config"
)

const defaultPollInterval = time.Minute

// Config holds one entry's runtime settings.
type Config struct {
	Name               string
	Email              string
	Password           string
	DeviceID           int64
	MainSensor         MainSensor
	BaseURL            string
	PollInterval       time.Duration
	RateLimitPerMinute int
}

func ConfigFromEntry(entry config.EbecoEntry) (Config, error) {
	if entry.Name == "" {
		return Config{}, fmt.Errorf("ebeco name is required")
	}
	if entry.Email == "" {
		return Config{}, fmt.Errorf("ebeco email is required")
	}
	if entry.Password == "" {
		return Config{}, fmt.Errorf("ebeco password is required")
	}
	if entry.DeviceID <= 0 {
		return Config{}, fmt.Errorf("ebeco device_id is required")
	}

	sensor, err := ParseMainSensor(entry.MainSensor)
	if err != nil {
		return Config{}, err
	}

	interval := entry.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	return Config{
		Name:               entry.Name,
		Email:              entry.Email,
		Password:           entry.Password,
		DeviceID:           entry.DeviceID,
		MainSensor:         sensor,
		BaseURL:            entry.BaseURL,
		PollInterval:       interval,
		RateLimitPerMinute: entry.RateLimitPerMinute,
	}, nil
}
