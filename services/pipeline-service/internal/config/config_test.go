package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	v := viper.New()
	SetDefaults(v)

	cfg, err := Load(v)
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.ProcessInterval)
	assert.Equal(t, time.Hour, cfg.Scheduler.RetentionInterval)
	assert.Equal(t, 24*time.Hour, cfg.Scheduler.Retention)
	assert.Equal(t, 10, cfg.Fetch.Limit)
	assert.Equal(t, "primary", cfg.Calendar.ID)
	assert.Equal(t, 30*time.Second, cfg.Calendar.Timeout)
	assert.Equal(t, 30*time.Second, cfg.Google.Timeout)
	assert.Empty(t, cfg.Guard.RedisAddr)
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("database.driver", "mongo")

	_, err := Load(v)
	assert.ErrorContains(t, err, "database.driver")
}

func TestLoadRejectsBadTimezone(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("calendar.timezone", "Mars/Olympus")

	_, err := Load(v)
	assert.ErrorContains(t, err, "calendar.timezone")
}

func TestLoadClampsWorkers(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("scheduler.workers", 0)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Scheduler.Workers)
}
