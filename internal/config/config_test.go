package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	assert.NoError(t, cfg.Validate())
}

func TestValidateCollectsEveryBadKey(t *testing.T) {
	cfg := Defaults()
	cfg.Airplay.Port = 0
	cfg.Airplay.SampleRate = 22050
	cfg.Synchronization.SyncAlgorithm = "bogus"
	cfg.Devices.ManualDevices = []ManualDevice{{Host: "", Port: 5000}}

	err := cfg.Validate()
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "airplay.port")
	assert.Contains(t, msg, "airplay.sample_rate")
	assert.Contains(t, msg, "synchronization.sync_algorithm")
	assert.Contains(t, msg, "devices.manual_devices[].host")
}

func TestValidateRejectsNegativeTolerance(t *testing.T) {
	cfg := Defaults()
	cfg.Synchronization.SyncToleranceMs = -1
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "synchronization.sync_tolerance")
}
