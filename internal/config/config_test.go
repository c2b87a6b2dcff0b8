package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(NewViper())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:5000", cfg.HTTPAddress)
	assert.Equal(t, "0.0.0.0:8765", cfg.HardwareAddress)
	assert.Equal(t, "tally.db", cfg.DatabasePath)
	assert.Equal(t, int64(2), cfg.Device.ConsumptionLimit)
	assert.Equal(t, int64(86400), cfg.Device.CycleDurationSeconds)
	assert.Equal(t, 1.5, cfg.Device.PenaltyMultiplier)
	assert.Equal(t, "I am not lying", cfg.ConfirmationPhrase)
	assert.Equal(t, 8*time.Hour, cfg.DisplayOffset)
	assert.Equal(t, 2*time.Second, cfg.HardwareReplyTimeout)
	assert.Equal(t, "@every 30s", cfg.SweepSchedule)
	assert.True(t, cfg.MetricsEnabled)
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("TALLY_DEVICE_CONSUMPTION_LIMIT", "4")
	t.Setenv("TALLY_DISPLAY_UTC_OFFSET", "-5h30m")
	t.Setenv("TALLY_LOG_FORMAT", "console")

	cfg, err := Load(NewViper())
	require.NoError(t, err)

	assert.Equal(t, int64(4), cfg.Device.ConsumptionLimit)
	assert.Equal(t, "console", cfg.LogFormat)

	location := cfg.DisplayLocation()
	name, offset := time.Date(2026, 3, 1, 0, 0, 0, 0, location).Zone()
	assert.Equal(t, "UTC-05:30", name)
	assert.Equal(t, -(5*3600 + 1800), offset)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	testCases := []struct {
		name  string
		key   string
		value any
	}{
		{name: "empty database path", key: "database.path", value: " "},
		{name: "zero limit", key: "device.consumption_limit", value: 0},
		{name: "multiplier below one", key: "device.penalty_multiplier", value: 0.5},
		{name: "empty phrase", key: "device.confirmation_phrase", value: ""},
		{name: "zero reply timeout", key: "hardware.reply_timeout", value: "0s"},
		{name: "offset out of range", key: "display.utc_offset", value: "15h"},
		{name: "zero burst", key: "http.rate_limit_burst", value: 0},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set(testCase.key, testCase.value)
			_, err := Load(configViper)
			require.Error(t, err)
		})
	}
}

func TestDisplayLocationDefaultsToUTC(t *testing.T) {
	assert.Equal(t, time.UTC, AppConfig{}.DisplayLocation())
}
