package staticd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort           = 8080
	defaultCacheEntries   = 32
	defaultCacheFileSize  = 64 * 1024
	defaultShutdownWait   = 10 * time.Second
	defaultCompressMinLen = 256
)

type Config struct {
	Server struct {
		Host          string `yaml:"host"`
		Port          int    `yaml:"port" validate:"min=0,max=65535"`
		ContentRoot   string `yaml:"contentRoot" validate:"required"`
		ShowExtension bool   `yaml:"showExtension"`
		PoolSize      int    `yaml:"poolSize" validate:"min=0,max=4096"`
		QueueSize     int    `yaml:"queueSize" validate:"min=0"`

		// Deadlines are off unless set; a stalled client then holds its
		// worker until it disconnects.
		ReadTimeout     string `yaml:"readTimeout"`
		WriteTimeout    string `yaml:"writeTimeout"`
		ShutdownTimeout string `yaml:"shutdownTimeout"`
	} `yaml:"server"`

	Cache struct {
		Disabled    bool   `yaml:"disabled"`
		MaxEntries  int    `yaml:"maxEntries" validate:"min=0"`
		MaxFileSize string `yaml:"maxFileSize"`
	} `yaml:"cache"`

	Compression struct {
		Enabled bool   `yaml:"enabled"`
		Level   int    `yaml:"level" validate:"min=-1,max=9"`
		MinSize string `yaml:"minSize"`
	} `yaml:"compression"`

	Logging struct {
		Level         string `yaml:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error"`
		AccessLog     bool   `yaml:"accessLog"`
		AccessLogFile string `yaml:"accessLogFile"`
		LogStatsEvery string `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	Storage struct {
		// StateDir holds the leveldb database with lifetime counters.
		// Empty disables persistence.
		StateDir string `yaml:"stateDir"`
	} `yaml:"storage"`

	Metrics struct {
		Port int `yaml:"port" validate:"min=0,max=65535"`
	} `yaml:"metrics"`

	// compiled
	readTimeout      time.Duration
	writeTimeout     time.Duration
	shutdownTimeout  time.Duration
	logStatsEvery    time.Duration
	cacheMaxFileSize int64
	compressMinSize  int64
}

var validate = validator.New()

// ReadConfig reads the yaml file at path without compiling it, so callers
// can apply overrides first.
func ReadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// LoadConfig reads the yaml file at path and compiles it.
func LoadConfig(path string) (Config, error) {
	cfg, err := ReadConfig(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Compile applies defaults, validates the config and fills the derived
// fields. It must be called before the config is handed to NewServer; configs
// built in code (flags, tests) go through it as well.
func (c *Config) Compile() error {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Server.PoolSize == 0 {
		c.Server.PoolSize = runtime.NumCPU() * 2
	}
	if c.Server.QueueSize == 0 {
		c.Server.QueueSize = c.Server.PoolSize * 4
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = defaultCacheEntries
	}
	if c.Compression.Level == 0 {
		c.Compression.Level = -1
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
	c.Logging.Level = strings.ToUpper(c.Logging.Level)

	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}

	root := strings.TrimSpace(c.Server.ContentRoot)
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("server.contentRoot: %w", err)
	}
	st, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("server.contentRoot: %w", err)
	}
	if !st.IsDir() {
		return fmt.Errorf("server.contentRoot: %s is not a directory", abs)
	}
	c.Server.ContentRoot = abs

	if c.readTimeout, err = parseOptionalDuration(c.Server.ReadTimeout); err != nil {
		return fmt.Errorf("server.readTimeout: %w", err)
	}
	if c.writeTimeout, err = parseOptionalDuration(c.Server.WriteTimeout); err != nil {
		return fmt.Errorf("server.writeTimeout: %w", err)
	}
	if c.shutdownTimeout, err = parseOptionalDuration(c.Server.ShutdownTimeout); err != nil {
		return fmt.Errorf("server.shutdownTimeout: %w", err)
	}
	if c.shutdownTimeout == 0 {
		c.shutdownTimeout = defaultShutdownWait
	}
	if c.logStatsEvery, err = parseOptionalDuration(c.Logging.LogStatsEvery); err != nil {
		return fmt.Errorf("logging.logStatsEvery: %w", err)
	}

	c.cacheMaxFileSize = defaultCacheFileSize
	if c.Cache.MaxFileSize != "" {
		n, err := humanize.ParseBytes(c.Cache.MaxFileSize)
		if err != nil {
			return fmt.Errorf("cache.maxFileSize: %w", err)
		}
		if n == 0 || n > defaultCacheFileSize {
			return fmt.Errorf("cache.maxFileSize: %s outside 1B..%s", c.Cache.MaxFileSize, humanize.IBytes(defaultCacheFileSize))
		}
		c.cacheMaxFileSize = int64(n)
	}
	c.compressMinSize = defaultCompressMinLen
	if c.Compression.MinSize != "" {
		n, err := humanize.ParseBytes(c.Compression.MinSize)
		if err != nil {
			return fmt.Errorf("compression.minSize: %w", err)
		}
		c.compressMinSize = int64(n)
	}
	return nil
}

// Addr is the host:port the listener binds. "localhost" maps to the IPv4
// loopback and "any" (or empty) to every interface.
func (c *Config) Addr() string {
	host := strings.TrimSpace(c.Server.Host)
	switch strings.ToLower(host) {
	case "localhost":
		host = "127.0.0.1"
	case "any":
		host = ""
	}
	return fmt.Sprintf("%s:%d", host, c.Server.Port)
}

func (c *Config) ShutdownTimeout() time.Duration { return c.shutdownTimeout }

func parseOptionalDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
