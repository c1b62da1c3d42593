package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kleascm/faultmonitor/internal/inject"
	"github.com/kleascm/faultmonitor/internal/monitorcore"
	"github.com/kleascm/faultmonitor/pkg/config"
)

func validConfig() *config.MonitorConfig {
	cfg := config.DefaultMonitorConfig()
	cfg.PID = 1234
	return cfg
}

func TestDefaultMonitorConfigValidates(t *testing.T) {
	cfg := validConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsNonPositivePID(t *testing.T) {
	cfg := validConfig()
	cfg.PID = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadMode(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "sometimes"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsBadInjectMode(t *testing.T) {
	cfg := validConfig()
	cfg.InjectMode = "quantum-flip"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsIdenticalSignals(t *testing.T) {
	cfg := validConfig()
	cfg.RequestSignal = 3
	cfg.ResponseSignal = 3
	assert.Error(t, cfg.Validate())
}

func TestToMonitorConfigTranslatesFields(t *testing.T) {
	cfg := validConfig()
	cfg.Mode = "command"
	cfg.InjectMode = "stuck-at-one"
	cfg.HeapQuota = 5
	cfg.StackQuota = 6
	cfg.StaticQuota = 7
	cfg.OtherQuota = 8
	cfg.WildQuota = 9

	mc := cfg.ToMonitorConfig()
	assert.Equal(t, cfg.PID, mc.PID)
	assert.Equal(t, monitorcore.CommandDriven, mc.Mode)
	assert.Equal(t, inject.StuckAtOne, mc.Inject.Mode)
	assert.Equal(t, inject.ClassQuotas{8, 5, 6, 7}, mc.Inject.ClassQuotas)
	assert.Equal(t, 9, mc.Inject.WildcardQuota)
}

func TestParseIntervalFallsBackOnBadDuration(t *testing.T) {
	cfg := validConfig()
	cfg.Interval = "not-a-duration"
	assert.NotZero(t, cfg.ParseInterval())
}
