package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHost      = "127.0.0.1"
	DefaultPort      = 5000
	DefaultDBPath    = "./deployments.db"
	DefaultTableName = "GitHubDeployments"
	DefaultLogFile   = "./deptrack.log"
	DefaultRateLimit = 60
)

// Config is the deptrack.yaml file.
type Config struct {
	Listen  ListenConfig  `yaml:"listen"`
	Storage StorageConfig `yaml:"storage"`
	LogFile string        `yaml:"log_file"`

	// RateLimit is requests per minute per client IP; zero uses the default
	// and -1 disables limiting.
	RateLimit int `yaml:"rate_limit"`
}

type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type StorageConfig struct {
	Path  string `yaml:"path"`
	Table string `yaml:"table"`
}

// Load reads and validates the configuration file, applying defaults. A
// missing file is fine: the defaults stand alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	cfg.applyDefaults()

	if errs := cfg.validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration:\n%s", strings.Join(errs, "\n"))
	}

	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Listen.Host == "" {
		c.Listen.Host = DefaultHost
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultPort
	}
	if c.Storage.Path == "" {
		c.Storage.Path = DefaultDBPath
	}
	if c.Storage.Table == "" {
		c.Storage.Table = DefaultTableName
	}
	if c.LogFile == "" {
		c.LogFile = DefaultLogFile
	}
	if c.RateLimit == 0 {
		c.RateLimit = DefaultRateLimit
	}
}

func (c *Config) validate() []string {
	var errs []string

	if c.Listen.Port < 1 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Sprintf("  - listen.port must be between 1 and 65535, got %d", c.Listen.Port))
	}
	if c.RateLimit < -1 {
		errs = append(errs, fmt.Sprintf("  - rate_limit must be -1, 0, or positive, got %d", c.RateLimit))
	}
	for _, r := range c.Storage.Table {
		if r != '_' && !('a' <= r && r <= 'z') && !('A' <= r && r <= 'Z') && !('0' <= r && r <= '9') {
			errs = append(errs, fmt.Sprintf("  - storage.table contains invalid character %q", r))
			break
		}
	}

	return errs
}
