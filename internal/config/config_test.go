package config

import (
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memFS is an in-memory FileSystem.
type memFS map[string]string

func (m memFS) ReadFile(path string) ([]byte, error) {
	data, ok := m[path]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return []byte(data), nil
}

func env(vars map[string]string) LoaderOption {
	return WithLookupEnv(func(name string) (string, bool) {
		v, ok := vars[name]
		return v, ok
	})
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "tcp", cfg.Kernel.Transport)
	assert.Equal(t, 30*time.Second, cfg.Kernel.BindTimeout.Std())
	assert.NotEmpty(t, cfg.Kernel.Dirs())
}

func TestLoadMissingFile(t *testing.T) {
	l := NewLoader(WithFS(memFS{}), env(nil))

	cfg, err := l.Load("/etc/nbkernel.toml")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = l.Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadTOML(t *testing.T) {
	files := memFS{"/cfg/nbkernel.toml": `
[logging]
level = "debug"
development = true

[kernel]
spec_dirs = ["/opt/kernels", "/srv/kernels"]
transport = "ipc"
bind_timeout = "10s"
shutdown_grace = "1500ms"

[metrics]
addr = ":9464"
`}
	cfg, err := NewLoader(WithFS(files), env(nil)).Load("/cfg/nbkernel.toml")
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Development)
	assert.Equal(t, []string{"/opt/kernels", "/srv/kernels"}, cfg.Kernel.Dirs())
	assert.Equal(t, "ipc", cfg.Kernel.ConnectionOptions().Transport)
	assert.Equal(t, 10*time.Second, cfg.Kernel.BindTimeout.Std())
	assert.Equal(t, 1500*time.Millisecond, cfg.Kernel.ShutdownGrace.Std())
	// Unset values keep their defaults.
	assert.Equal(t, 60*time.Second, cfg.Kernel.HandshakeTimeout.Std())
	assert.Equal(t, ":9464", cfg.Metrics.Addr)
	assert.Equal(t, "nbkernel", cfg.Metrics.Namespace)
}

func TestLoadYAML(t *testing.T) {
	files := memFS{"/cfg/nbkernel.yml": `
logging:
  level: warn
kernel:
  connection_dir: /run/nbkernel
  handshake_timeout: 2m
  stderr_tail: 1024
`}
	cfg, err := NewLoader(WithFS(files), env(nil)).Load("/cfg/nbkernel.yml")
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "/run/nbkernel", cfg.Kernel.ConnectionDir)
	assert.Equal(t, 2*time.Minute, cfg.Kernel.HandshakeTimeout.Std())
	assert.Equal(t, 1024, cfg.Kernel.StderrTail)
}

func TestLoadYAMLRejectsBareDuration(t *testing.T) {
	files := memFS{"/c.yaml": "kernel:\n  bind_timeout: 30\n"}
	_, err := NewLoader(WithFS(files), env(nil)).Load("/c.yaml")

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "/c.yaml", perr.Path)
}

func TestLoadParseErrors(t *testing.T) {
	files := memFS{
		"/bad.toml":     "[kernel]\nbind_timeout = \n",
		"/unknown.toml": "[kernel]\nflavour = \"vanilla\"\n",
		"/bad.ini":      "x=1",
		"/dur.toml":     "[kernel]\nbind_timeout = \"soon\"\n",
	}
	l := NewLoader(WithFS(files), env(nil))

	_, err := l.Load("/bad.toml")
	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 2, perr.Line)
	assert.Contains(t, err.Error(), "/bad.toml at line 2")

	_, err = l.Load("/unknown.toml")
	assert.ErrorAs(t, err, &perr)

	_, err = l.Load("/dur.toml")
	assert.ErrorAs(t, err, &perr)

	_, err = l.Load("/bad.ini")
	assert.ErrorIs(t, err, ErrUnknownFormat)
}

func TestLoadReadError(t *testing.T) {
	l := NewLoader(WithFS(failingFS{}), env(nil))
	_, err := l.Load("/cfg.toml")
	assert.ErrorContains(t, err, "permission denied")
}

type failingFS struct{}

func (failingFS) ReadFile(string) ([]byte, error) {
	return nil, errors.New("permission denied")
}

func TestEnvOverrides(t *testing.T) {
	files := memFS{"/cfg.toml": "[logging]\nlevel = \"debug\"\n"}
	vars := map[string]string{
		"NBKERNEL_LOG_LEVEL":         "error",
		"NBKERNEL_SPEC_DIRS":         "/a:/b",
		"NBKERNEL_TRANSPORT":         "ipc",
		"NBKERNEL_IP":                "/tmp/kern",
		"NBKERNEL_BIND_TIMEOUT":      "5s",
		"NBKERNEL_HANDSHAKE_TIMEOUT": "0s",
		"NBKERNEL_STDERR_TAIL":       "64",
		"NBKERNEL_METRICS_ADDR":      "",
	}
	cfg, err := NewLoader(WithFS(files), env(vars)).Load("/cfg.toml")
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.Logging.Level)
	assert.Equal(t, []string{"/a", "/b"}, cfg.Kernel.SpecDirs)
	assert.Equal(t, "ipc", cfg.Kernel.Transport)
	assert.Equal(t, "/tmp/kern", cfg.Kernel.IP)
	assert.Equal(t, 5*time.Second, cfg.Kernel.BindTimeout.Std())
	assert.Zero(t, cfg.Kernel.HandshakeTimeout)
	assert.Equal(t, 64, cfg.Kernel.StderrTail)
	assert.Empty(t, cfg.Metrics.Addr)
}

func TestEnvOverrideParseError(t *testing.T) {
	l := NewLoader(WithFS(memFS{}), env(map[string]string{"NBKERNEL_SHUTDOWN_GRACE": "forever"}))
	_, err := l.Load("")

	var perr *ParseError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "NBKERNEL_SHUTDOWN_GRACE", perr.Path)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		setting string
	}{
		{"log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"transport", func(c *Config) { c.Kernel.Transport = "udp" }, "kernel.transport"},
		{"bind timeout", func(c *Config) { c.Kernel.BindTimeout = Duration(-time.Second) }, "kernel.bind_timeout"},
		{"handshake timeout", func(c *Config) { c.Kernel.HandshakeTimeout = -1 }, "kernel.handshake_timeout"},
		{"shutdown grace", func(c *Config) { c.Kernel.ShutdownGrace = -1 }, "kernel.shutdown_grace"},
		{"stderr tail", func(c *Config) { c.Kernel.StderrTail = -1 }, "kernel.stderr_tail"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()

			assert.ErrorIs(t, err, ErrValidationFailed)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.setting, verr.Setting)
		})
	}
}

func TestLoadValidates(t *testing.T) {
	files := memFS{"/c.toml": "[kernel]\ntransport = \"udp\"\n"}
	_, err := NewLoader(WithFS(files), env(nil)).Load("/c.toml")
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestDurationText(t *testing.T) {
	d := Duration(90 * time.Second)
	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))

	var back Duration
	require.NoError(t, back.UnmarshalText(text))
	assert.Equal(t, d, back)
	assert.Error(t, back.UnmarshalText([]byte("90")))
}
