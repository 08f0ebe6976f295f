package config

import (
	"io"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/snadrus/fsbridge/internal/vfs"
)

// Prefix is prepended to every variable name, e.g. FSBRIDGE_BLOCK_SIZE.
const Prefix = "FSBRIDGE"

// Config holds settings read from the environment. Command-line flags
// override them.
type Config struct {
	BlockSize int    `envconfig:"BLOCK_SIZE" default:"1048576"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogJSON   bool   `envconfig:"LOG_JSON" default:"false"`

	// SSH
	KnownHostsFile  string        `envconfig:"KNOWN_HOSTS"`
	IdentityFile    string        `envconfig:"IDENTITY_FILE"`
	InsecureHostKey bool          `envconfig:"INSECURE_HOST_KEY" default:"false"`
	DialTimeout     time.Duration `envconfig:"DIAL_TIMEOUT" default:"30s"`

	// warm
	WarmInterval time.Duration `envconfig:"WARM_INTERVAL" default:"0s"`
	LockTimeout  time.Duration `envconfig:"LOCK_TIMEOUT" default:"6h"`
	Exclude      []string      `envconfig:"EXCLUDE"`
	MetricsAddr  string        `envconfig:"METRICS_ADDR"`
}

// Load reads the environment and checks the result.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, errors.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.BlockSize <= 0 {
		return errors.Errorf("%s_BLOCK_SIZE must be positive, got %d", Prefix, c.BlockSize)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	if c.WarmInterval < 0 {
		return errors.Errorf("%s_WARM_INTERVAL must not be negative", Prefix)
	}
	if c.LockTimeout <= 0 {
		return errors.Errorf("%s_LOCK_TIMEOUT must be positive", Prefix)
	}
	return nil
}

func (c *Config) Level() (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(c.LogLevel)
	if err != nil {
		return zerolog.NoLevel, errors.Errorf("invalid %s_LOG_LEVEL %q: %w", Prefix, c.LogLevel, err)
	}
	return lvl, nil
}

func (c *Config) DialOptions() vfs.DialOptions {
	return vfs.DialOptions{
		IdentityFile:    c.IdentityFile,
		KnownHostsFile:  c.KnownHostsFile,
		InsecureHostKey: c.InsecureHostKey,
		Timeout:         c.DialTimeout,
	}
}

// Usage writes a table of the recognised variables and their defaults.
func Usage(w io.Writer) error {
	return envconfig.Usagef(Prefix, &Config{}, w, envconfig.DefaultTableFormat)
}
