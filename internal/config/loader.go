package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NBKERNEL_"

// FileSystem abstracts file reads so tests can supply files in memory.
type FileSystem interface {
	ReadFile(path string) ([]byte, error)
}

// OSFS reads from the real file system.
type OSFS struct{}

func (OSFS) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// Loader reads a config file and applies environment overrides.
type Loader struct {
	fs     FileSystem
	lookup func(string) (string, bool)
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithFS sets the file system config files are read from.
func WithFS(fsys FileSystem) LoaderOption {
	return func(l *Loader) {
		l.fs = fsys
	}
}

// WithLookupEnv replaces os.LookupEnv.
func WithLookupEnv(fn func(string) (string, bool)) LoaderOption {
	return func(l *Loader) {
		l.lookup = fn
	}
}

// NewLoader creates a Loader reading the OS file system and environment.
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{
		fs:     OSFS{},
		lookup: os.LookupEnv,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load reads path with the default Loader.
func Load(path string) (*Config, error) {
	return NewLoader().Load(path)
}

// Load returns the defaults overlaid with path (if it exists and path is
// not empty) and then the environment. The result is validated.
func (l *Loader) Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := l.loadFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := l.applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (l *Loader) loadFile(cfg *Config, path string) error {
	data, err := l.fs.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		return decodeTOML(path, data, cfg)
	case ".yaml", ".yml":
		return decodeYAML(path, data, cfg)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
}

func decodeTOML(path string, data []byte, cfg *Config) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		perr := &ParseError{Path: path, Err: err}
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			perr.Line, perr.Column = derr.Position()
		}
		return perr
	}
	return nil
}

func decodeYAML(path string, data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return &ParseError{Path: path, Err: err}
	}
	return nil
}

// envBindings maps each override to the setting it replaces.
var envBindings = map[string]func(c *Config, v string) error{
	"LOG_LEVEL": func(c *Config, v string) error {
		c.Logging.Level = v
		return nil
	},
	"LOG_DEVELOPMENT": func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		c.Logging.Development = b
		return err
	},
	"SPEC_DIRS": func(c *Config, v string) error {
		c.Kernel.SpecDirs = filepath.SplitList(v)
		return nil
	},
	"CONNECTION_DIR": func(c *Config, v string) error {
		c.Kernel.ConnectionDir = v
		return nil
	},
	"TRANSPORT": func(c *Config, v string) error {
		c.Kernel.Transport = v
		return nil
	},
	"IP": func(c *Config, v string) error {
		c.Kernel.IP = v
		return nil
	},
	"BIND_TIMEOUT": func(c *Config, v string) error {
		return c.Kernel.BindTimeout.UnmarshalText([]byte(v))
	},
	"HANDSHAKE_TIMEOUT": func(c *Config, v string) error {
		return c.Kernel.HandshakeTimeout.UnmarshalText([]byte(v))
	},
	"SHUTDOWN_GRACE": func(c *Config, v string) error {
		return c.Kernel.ShutdownGrace.UnmarshalText([]byte(v))
	},
	"STDERR_TAIL": func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		c.Kernel.StderrTail = n
		return err
	},
	"METRICS_ADDR": func(c *Config, v string) error {
		c.Metrics.Addr = v
		return nil
	},
	"METRICS_NAMESPACE": func(c *Config, v string) error {
		c.Metrics.Namespace = v
		return nil
	},
}

// applyEnv applies set NBKERNEL_* variables. An empty value is a value,
// not an unset variable.
func (l *Loader) applyEnv(cfg *Config) error {
	for name, set := range envBindings {
		v, ok := l.lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		if err := set(cfg, v); err != nil {
			return &ParseError{Path: EnvPrefix + name, Err: err}
		}
	}
	return nil
}
