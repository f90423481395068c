package config

import (
	"time"

	"go.uber.org/zap/zapcore"

	"github.com/dshills/nbkernel/internal/kernel/connection"
	"github.com/dshills/nbkernel/internal/kernel/kernelspec"
)

// Config is the complete nbkernel configuration.
type Config struct {
	Logging LoggingConfig `toml:"logging" yaml:"logging"`
	Kernel  KernelConfig  `toml:"kernel" yaml:"kernel"`
	Metrics MetricsConfig `toml:"metrics" yaml:"metrics"`
}

// LoggingConfig configures the root zap logger.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level" yaml:"level"`

	// Development selects zap's development encoder.
	Development bool `toml:"development" yaml:"development"`
}

// KernelConfig controls kernel discovery, launch and teardown.
type KernelConfig struct {
	// SpecDirs are searched for kernel specs in order. Empty means the
	// conventional Jupyter locations.
	SpecDirs []string `toml:"spec_dirs" yaml:"spec_dirs"`

	// ConnectionDir holds connection files. Empty means the system temp dir.
	ConnectionDir string `toml:"connection_dir" yaml:"connection_dir"`

	Transport string `toml:"transport" yaml:"transport"`

	// IP is the tcp bind address or the ipc path prefix. Empty picks the
	// transport default.
	IP string `toml:"ip" yaml:"ip"`

	BindTimeout      Duration `toml:"bind_timeout" yaml:"bind_timeout"`
	HandshakeTimeout Duration `toml:"handshake_timeout" yaml:"handshake_timeout"`
	ShutdownGrace    Duration `toml:"shutdown_grace" yaml:"shutdown_grace"`

	// StderrTail bounds the stderr kept for launch failure reports, in bytes.
	StderrTail int `toml:"stderr_tail" yaml:"stderr_tail"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	// Addr is the listen address for /metrics. Empty disables the endpoint.
	Addr      string `toml:"addr" yaml:"addr"`
	Namespace string `toml:"namespace" yaml:"namespace"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level: "info",
		},
		Kernel: KernelConfig{
			Transport:        connection.TransportTCP,
			BindTimeout:      Duration(30 * time.Second),
			HandshakeTimeout: Duration(60 * time.Second),
			ShutdownGrace:    Duration(5 * time.Second),
			StderrTail:       8 << 10,
		},
		Metrics: MetricsConfig{
			Namespace: "nbkernel",
		},
	}
}

// Dirs returns the kernel spec directories to search.
func (k KernelConfig) Dirs() []string {
	if len(k.SpecDirs) == 0 {
		return kernelspec.DefaultDirs()
	}
	return k.SpecDirs
}

// ConnectionOptions returns the descriptor options for new kernels.
func (k KernelConfig) ConnectionOptions() connection.Options {
	return connection.Options{Transport: k.Transport, IP: k.IP}
}

// Validate checks every setting and returns the first failure as a
// *ValidationError.
func (c *Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return &ValidationError{Setting: "logging.level", Value: c.Logging.Level, Message: "unknown log level"}
	}

	switch c.Kernel.Transport {
	case connection.TransportTCP, connection.TransportIPC:
	default:
		return &ValidationError{Setting: "kernel.transport", Value: c.Kernel.Transport, Message: "must be tcp or ipc"}
	}

	durations := []struct {
		setting string
		value   Duration
	}{
		{"kernel.bind_timeout", c.Kernel.BindTimeout},
		{"kernel.handshake_timeout", c.Kernel.HandshakeTimeout},
		{"kernel.shutdown_grace", c.Kernel.ShutdownGrace},
	}
	for _, d := range durations {
		if d.value < 0 {
			return &ValidationError{Setting: d.setting, Value: d.value, Message: "must not be negative"}
		}
	}

	if c.Kernel.StderrTail < 0 {
		return &ValidationError{Setting: "kernel.stderr_tail", Value: c.Kernel.StderrTail, Message: "must not be negative"}
	}
	return nil
}
