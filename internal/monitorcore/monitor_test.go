package monitorcore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kleascm/faultmonitor/internal/inject"
	"github.com/kleascm/faultmonitor/internal/monitorcore"
)

func validConfig() monitorcore.Config {
	return monitorcore.Config{
		PID:     1,
		Workers: 2,
		Inject: inject.Config{
			Mode:        inject.BitFlip,
			ErrorLimit:  1,
			ClassQuotas: inject.ClassQuotas{0, 0, 0, 0},
		},
	}
}

func TestNewRejectsInvalidPID(t *testing.T) {
	cfg := validConfig()
	cfg.PID = 0
	_, err := monitorcore.New(cfg)
	assert.Error(t, err)
}

func TestNewRejectsInvalidInjectConfig(t *testing.T) {
	cfg := validConfig()
	cfg.Inject.ErrorLimit = 0
	_, err := monitorcore.New(cfg)
	assert.Error(t, err)
}

func TestNewDefaultsWorkersAndMode(t *testing.T) {
	cfg := validConfig()
	cfg.Workers = 0
	cfg.Mode = ""
	m, err := monitorcore.New(cfg)
	require.NoError(t, err)
	require.NotNil(t, m)
}

func TestStopBeforeStartFails(t *testing.T) {
	m, err := monitorcore.New(validConfig())
	require.NoError(t, err)
	assert.Error(t, m.Stop())
}

func TestGetStatsStartsAtZero(t *testing.T) {
	m, err := monitorcore.New(validConfig())
	require.NoError(t, err)
	stats := m.GetStats()
	assert.Zero(t, stats.Scans)
	assert.Zero(t, stats.Checkpoints)
	assert.Zero(t, stats.Restores)
}
