// Package config loads the JSON configuration file and writes a default
// one when none exists.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

type Server struct {
	IP        string `json:"ip"`
	Port      int    `json:"port"`
	Discovery bool   `json:"discovery"`
}

type Serial struct {
	Port           string  `json:"port"`
	Baud           int     `json:"baud"`
	TimeoutSec     float64 `json:"timeout_sec"`
	AutoDiscover   bool    `json:"auto_discover"`
	ScanTimeoutSec float64 `json:"scan_timeout_sec"`
}

type Focuser struct {
	StepSizeMicrons float64 `json:"step_size_microns"`
	MaxStep         int     `json:"max_step"`
	MinStep         int     `json:"min_step"`
	MaxIncrement    int     `json:"max_increment"`
	PollMovingMs    int     `json:"poll_moving_ms"`
	PollIdleMs      int     `json:"poll_idle_ms"`
	Backlash        int     `json:"backlash"`
}

type Logging struct {
	Level string `json:"level"`
	File  string `json:"file"`
}

type MQTT struct {
	Enabled     bool   `json:"enabled"`
	Broker      string `json:"broker"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicRoot   string `json:"topic_root"`
	IntervalSec int    `json:"interval_sec"`
}

type Simulator struct {
	Enabled         bool    `json:"enabled"`
	InitialPosition int     `json:"initial_position"`
	StepsPerSecond  int     `json:"steps_per_second"`
	Firmware        string  `json:"firmware"`
	Temperature     float64 `json:"temperature"`
	Noise           float64 `json:"noise"`
	Drift           float64 `json:"drift"`
}

type Config struct {
	Server    Server    `json:"server"`
	Serial    Serial    `json:"serial"`
	Focuser   Focuser   `json:"focuser"`
	Logging   Logging   `json:"logging"`
	MQTT      MQTT      `json:"mqtt"`
	Simulator Simulator `json:"simulator"`
}

func Default() Config {
	return Config{
		Server: Server{
			IP:        "0.0.0.0",
			Port:      11111,
			Discovery: true,
		},
		Serial: Serial{
			Baud:           9600,
			TimeoutSec:     5,
			AutoDiscover:   true,
			ScanTimeoutSec: 1,
		},
		Focuser: Focuser{
			StepSizeMicrons: 2.0,
			MaxStep:         60000,
			MinStep:         0,
			MaxIncrement:    5000,
			PollMovingMs:    100,
			PollIdleMs:      5000,
		},
		Logging: Logging{
			Level: "info",
		},
		MQTT: MQTT{
			Broker:      "tcp://localhost:1883",
			TopicRoot:   "observatory/focuser",
			IntervalSec: 10,
		},
		Simulator: Simulator{
			InitialPosition: 30000,
			StepsPerSecond:  400,
			Firmware:        "003330",
			Temperature:     15.0,
		},
	}
}

// Load reads the configuration at path. When the file does not exist it
// writes the defaults there and returns them.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		cfg := Default()
		if err := Save(path, cfg); err != nil {
			return Config{}, fmt.Errorf("cannot write default config: %w", err)
		}
		return cfg, nil
	}
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("cannot parse %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func Save(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

func (c Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port out of range: %d", c.Server.Port)
	}
	if c.Serial.Baud <= 0 {
		return fmt.Errorf("invalid baud rate: %d", c.Serial.Baud)
	}
	if c.Focuser.MaxStep <= 0 {
		return fmt.Errorf("invalid max step: %d", c.Focuser.MaxStep)
	}
	if c.Focuser.MinStep < 0 || c.Focuser.MinStep >= c.Focuser.MaxStep {
		return fmt.Errorf("invalid min step: %d", c.Focuser.MinStep)
	}
	if c.Focuser.MaxIncrement <= 0 {
		return fmt.Errorf("invalid max increment: %d", c.Focuser.MaxIncrement)
	}
	return nil
}

func (s Serial) Timeout() time.Duration {
	return time.Duration(s.TimeoutSec * float64(time.Second))
}

func (f Focuser) PollMoving() time.Duration {
	return time.Duration(f.PollMovingMs) * time.Millisecond
}

func (f Focuser) PollIdle() time.Duration {
	return time.Duration(f.PollIdleMs) * time.Millisecond
}

func (m MQTT) Interval() time.Duration {
	return time.Duration(m.IntervalSec) * time.Second
}
