package config

import (
	"errors"
	"fmt"
	"runtime"
	"time"
)

// Default values applied by Normalized for zero-valued fields.
const (
	DefaultBufferSize            = 1024
	DefaultShutdownTimeout       = 5 * time.Second
	DefaultSchedulerNamePrefix   = "fluxpipe"
	DefaultPolicyIngressCapacity = 256
)

// Config groups the settings required to run the event-processing engine.
// Zero values fall back to the documented defaults.
type Config struct {
	// BufferSize is the total event buffer capacity, split evenly across the
	// sink partitions. Defaults to 1024.
	BufferSize int

	// MaxConcurrency caps the number of concurrently in-flight pipeline
	// instances. The effective partition count is
	// min(MaxConcurrency, runtime.NumCPU()). Defaults to runtime.NumCPU().
	MaxConcurrency int

	// ShutdownTimeout bounds how long sink disposal waits for in-flight
	// events to drain. Defaults to 5s.
	ShutdownTimeout time.Duration

	// SchedulerNamePrefix names the executor pools obtained from the pool
	// provider, e.g. "fluxpipe.blocking". Defaults to "fluxpipe".
	SchedulerNamePrefix string

	// Pool sizes used by the default goroutine pool provider. Ignored when a
	// custom PoolProvider is supplied. Zero values default to
	// runtime.NumCPU() workers for light and cpu-intensive pools and
	// 4*runtime.NumCPU() for the blocking pool.
	LightPoolSize        int
	BlockingPoolSize     int
	CPUIntensivePoolSize int

	// PolicyIngressCapacity bounds the multi-producer ingress feeding the
	// policy chain's shared execution loop. Defaults to 256.
	PolicyIngressCapacity int

	// ThreadLoggingEnabled turns on per-dispatch worker attribution logging,
	// correlated by the event's context id.
	ThreadLoggingEnabled bool

	// MetricsEnabled registers the engine's Prometheus collectors.
	MetricsEnabled bool
}

// Normalized returns a copy of the configuration with defaults applied to
// zero values.
func (c Config) Normalized() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = runtime.NumCPU()
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.SchedulerNamePrefix == "" {
		c.SchedulerNamePrefix = DefaultSchedulerNamePrefix
	}
	if c.LightPoolSize <= 0 {
		c.LightPoolSize = runtime.NumCPU()
	}
	if c.BlockingPoolSize <= 0 {
		c.BlockingPoolSize = 4 * runtime.NumCPU()
	}
	if c.CPUIntensivePoolSize <= 0 {
		c.CPUIntensivePoolSize = runtime.NumCPU()
	}
	if c.PolicyIngressCapacity <= 0 {
		c.PolicyIngressCapacity = DefaultPolicyIngressCapacity
	}
	return c
}

// Validate checks the configuration for values that cannot be normalized
// away. Zero values are valid because Normalized substitutes defaults.
func (c *Config) Validate() error {
	var errs []error

	if c.BufferSize < 0 {
		errs = append(errs, errors.New("buffer size cannot be negative"))
	}
	if c.MaxConcurrency < 0 {
		errs = append(errs, errors.New("max concurrency cannot be negative"))
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("shutdown timeout cannot be negative"))
	}
	if c.PolicyIngressCapacity < 0 {
		errs = append(errs, errors.New("policy ingress capacity cannot be negative"))
	}
	if c.BufferSize > 0 && c.MaxConcurrency > 0 && c.BufferSize < c.MaxConcurrency {
		errs = append(errs, fmt.Errorf("buffer size %d is smaller than max concurrency %d, some partitions would get no capacity", c.BufferSize, c.MaxConcurrency))
	}

	return errors.Join(errs...)
}

// ValidateConfig is a convenience function to validate a config pointer.
// Returns nil if the config is valid.
func ValidateConfig(c *Config) error {
	if c == nil {
		return errors.New("config is nil")
	}
	return c.Validate()
}
