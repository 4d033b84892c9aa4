package config

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizedAppliesDefaults(t *testing.T) {
	cfg := Config{}.Normalized()

	assert.Equal(t, DefaultBufferSize, cfg.BufferSize)
	assert.Equal(t, runtime.NumCPU(), cfg.MaxConcurrency)
	assert.Equal(t, DefaultShutdownTimeout, cfg.ShutdownTimeout)
	assert.Equal(t, DefaultSchedulerNamePrefix, cfg.SchedulerNamePrefix)
	assert.Equal(t, runtime.NumCPU(), cfg.LightPoolSize)
	assert.Equal(t, 4*runtime.NumCPU(), cfg.BlockingPoolSize)
	assert.Equal(t, runtime.NumCPU(), cfg.CPUIntensivePoolSize)
	assert.Equal(t, DefaultPolicyIngressCapacity, cfg.PolicyIngressCapacity)
}

func TestNormalizedKeepsExplicitValues(t *testing.T) {
	cfg := Config{
		BufferSize:            64,
		MaxConcurrency:        2,
		ShutdownTimeout:       time.Second,
		SchedulerNamePrefix:   "orders",
		PolicyIngressCapacity: 8,
	}.Normalized()

	assert.Equal(t, 64, cfg.BufferSize)
	assert.Equal(t, 2, cfg.MaxConcurrency)
	assert.Equal(t, time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "orders", cfg.SchedulerNamePrefix)
	assert.Equal(t, 8, cfg.PolicyIngressCapacity)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"zero config is valid", Config{}, false},
		{"explicit values", Config{BufferSize: 128, MaxConcurrency: 4}, false},
		{"negative buffer size", Config{BufferSize: -1}, true},
		{"negative max concurrency", Config{MaxConcurrency: -2}, true},
		{"negative shutdown timeout", Config{ShutdownTimeout: -time.Second}, true},
		{"negative ingress capacity", Config{PolicyIngressCapacity: -1}, true},
		{"buffer smaller than concurrency", Config{BufferSize: 2, MaxConcurrency: 8}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateJoinsAllFailures(t *testing.T) {
	cfg := Config{BufferSize: -1, MaxConcurrency: -1}

	err := cfg.Validate()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "buffer size")
	assert.Contains(t, err.Error(), "max concurrency")
}

func TestValidateConfig(t *testing.T) {
	assert.Error(t, ValidateConfig(nil))
	assert.NoError(t, ValidateConfig(&Config{}))
}
