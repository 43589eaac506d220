// Package config defines the typed configuration surface core accepts.
// Core never parses a config file itself (external shells do that); it only
// validates and consumes a populated Config value.
package config

import (
	"fmt"

	apperrors "github.com/airplay-multiroom/server/internal/errors"
)

// Config is the complete set of values core consumes at startup. It is not
// re-read after Validate succeeds.
type Config struct {
	Airplay        Airplay        `yaml:"airplay"`
	Devices        Devices        `yaml:"devices"`
	Synchronization Synchronization `yaml:"synchronization"`
	Network        Network        `yaml:"network"`
	Performance    Performance    `yaml:"performance"`
}

type Airplay struct {
	Port        int    `yaml:"port"`
	ServiceName string `yaml:"service_name"`
	SampleRate  int    `yaml:"sample_rate"`
	BitDepth    int    `yaml:"bit_depth"`
	Channels    int    `yaml:"channels"`
}

type Devices struct {
	AutoDiscovery     bool           `yaml:"auto_discovery"`
	DiscoveryTimeoutS int            `yaml:"discovery_timeout"`
	MaxConnections    int            `yaml:"max_connections"`
	ManualDevices     []ManualDevice `yaml:"manual_devices"`
}

type ManualDevice struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	Name string `yaml:"name"`
}

type Synchronization struct {
	GlobalDelayS   float64            `yaml:"global_delay"`
	DeviceDelays   map[string]float64 `yaml:"device_delays"`
	SyncAlgorithm  string             `yaml:"sync_algorithm"`
	SyncToleranceMs int               `yaml:"sync_tolerance"`
}

type Network struct {
	IPv6Enabled bool       `yaml:"ipv6_enabled"`
	MDNSDomain  string     `yaml:"mdns_domain"`
	Timeouts    Timeouts   `yaml:"timeouts"`
}

type Timeouts struct {
	ConnectionS int `yaml:"connection"`
}

type Performance struct {
	AudioBuffer AudioBuffer `yaml:"audio_buffer"`
}

type AudioBuffer struct {
	BufferCount int `yaml:"buffer_count"`
}

// Defaults returns a Config populated with the spec's documented defaults.
func Defaults() Config {
	return Config{
		Airplay: Airplay{
			Port:        5001,
			ServiceName: "Multiroom Audio",
			SampleRate:  44100,
			BitDepth:    16,
			Channels:    2,
		},
		Devices: Devices{
			AutoDiscovery:     true,
			DiscoveryTimeoutS: 30,
			MaxConnections:    0,
		},
		Synchronization: Synchronization{
			GlobalDelayS:    0.5,
			DeviceDelays:    map[string]float64{},
			SyncAlgorithm:   "advanced",
			SyncToleranceMs: 50,
		},
		Network: Network{
			IPv6Enabled: true,
			MDNSDomain:  "local",
			Timeouts:    Timeouts{ConnectionS: 10},
		},
		Performance: Performance{
			AudioBuffer: AudioBuffer{BufferCount: 172},
		},
	}
}

var validSampleRates = map[int]bool{44100: true, 48000: true, 88200: true, 96000: true}

// Validate checks every value §6/§7 names as a configuration error and
// collects every offending key, as the spec requires ("print every
// offending key") rather than failing on the first bad value.
func (c Config) Validate() error {
	var bad []string

	if c.Airplay.Port < 1 || c.Airplay.Port > 65535 {
		bad = append(bad, "airplay.port")
	}
	if !validSampleRates[c.Airplay.SampleRate] {
		bad = append(bad, "airplay.sample_rate")
	}
	if c.Airplay.BitDepth <= 0 {
		bad = append(bad, "airplay.bit_depth")
	}
	if c.Airplay.Channels <= 0 {
		bad = append(bad, "airplay.channels")
	}
	if c.Synchronization.GlobalDelayS < 0 {
		bad = append(bad, "synchronization.global_delay")
	}
	if c.Synchronization.SyncToleranceMs < 0 {
		bad = append(bad, "synchronization.sync_tolerance")
	}
	switch c.Synchronization.SyncAlgorithm {
	case "advanced", "simple":
	default:
		bad = append(bad, "synchronization.sync_algorithm")
	}
	if c.Devices.MaxConnections < 0 {
		bad = append(bad, "devices.max_connections")
	}
	for _, d := range c.Devices.ManualDevices {
		if d.Host == "" {
			bad = append(bad, "devices.manual_devices[].host")
		}
	}

	if len(bad) == 0 {
		return nil
	}
	return apperrors.NewConfigError(fmt.Sprintf("%v", bad), fmt.Errorf("%d invalid key(s)", len(bad)))
}
