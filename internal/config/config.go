package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"serialkv/internal/log"
	"serialkv/internal/replica"
)

const (
	EnvHTTPAddr  = "SERIALKV_HTTP_ADDR"
	EnvMasterURL = "SERIALKV_MASTER_URL"

	ChangelogFile = "changelog.log"
)

const (
	defaultLongPollTimeout  = 30 * time.Second
	defaultRetryInterval    = time.Second
	defaultBackoffCoeff     = 2
	defaultMaxRetryInterval = 30 * time.Second
	defaultStopGracePeriod  = 10 * time.Second
)

type Config struct {
	RootDirectory string
	// ListenAddr is the host:port the HTTP server binds.
	ListenAddr string
	// MasterURL is empty on the master. A replica follows the changelog served
	// at this URL and rejects local writes.
	MasterURL        string
	LogLevel         log.Level
	LongPollTimeout  time.Duration
	RetryInterval    time.Duration
	RetryBackoff     int
	MaxRetryInterval time.Duration
	StopGracePeriod  time.Duration
}

func (c *Config) IsReplica() bool {
	return c.MasterURL != ""
}

// ReplicaConfig is the retry policy of the replica loop.
func (c *Config) ReplicaConfig() replica.Config {
	return replica.Config{
		RetryInterval:    c.RetryInterval,
		BackoffCoeff:     c.RetryBackoff,
		MaxRetryInterval: c.MaxRetryInterval,
	}
}

func (c *Config) ChangelogPath() string {
	return filepath.Join(c.RootDirectory, ChangelogFile)
}

// Load reads and parses the YAML file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	c := &Config{}
	if err := c.Parse(data); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	return c, nil
}

// Parse fills c from YAML. The environment overrides the listen address and
// master URL, and the log level is applied to the global logger.
func (c *Config) Parse(data []byte) error {
	var aux struct {
		RootDirectory     string `yaml:"root_directory"`
		ListenURL         string `yaml:"listen_url"`
		MasterURL         string `yaml:"master_url"`
		LogLevel          string `yaml:"log_level"`
		LongPollTimeout   int    `yaml:"long_poll_timeout"`
		RetryInterval     int    `yaml:"retry_interval"`
		RetryBackoffCoeff int    `yaml:"retry_backoff_coeff"`
		MaxRetryInterval  int    `yaml:"max_retry_interval"`
		StopGracePeriod   int    `yaml:"stop_grace_period"`
	}

	if err := yaml.Unmarshal(data, &aux); err != nil {
		return err
	}

	aux.ListenURL = envOrDefault(EnvHTTPAddr, aux.ListenURL)
	aux.MasterURL = envOrDefault(EnvMasterURL, aux.MasterURL)

	if aux.RootDirectory == "" {
		return errors.New("invalid root directory")
	}
	if aux.ListenURL == "" {
		return errors.New("invalid listen url")
	}
	if aux.LongPollTimeout < 0 || aux.RetryInterval < 0 || aux.MaxRetryInterval < 0 || aux.StopGracePeriod < 0 {
		return errors.New("durations must not be negative")
	}
	if aux.RetryBackoffCoeff < 0 {
		return errors.Errorf("retry_backoff_coeff must be at least 1, got %d", aux.RetryBackoffCoeff)
	}

	c.RootDirectory = aux.RootDirectory
	c.ListenAddr = listenAddr(aux.ListenURL)
	c.MasterURL = strings.TrimRight(aux.MasterURL, "/")

	c.LogLevel = log.INFO
	if aux.LogLevel != "" {
		c.LogLevel = log.ParseLevel(aux.LogLevel)
	}
	log.SetLevel(c.LogLevel)

	c.LongPollTimeout = defaultLongPollTimeout
	if aux.LongPollTimeout > 0 {
		c.LongPollTimeout = time.Duration(aux.LongPollTimeout) * time.Second
	}
	c.RetryInterval = defaultRetryInterval
	if aux.RetryInterval > 0 {
		c.RetryInterval = time.Duration(aux.RetryInterval) * time.Millisecond
	}
	c.RetryBackoff = defaultBackoffCoeff
	if aux.RetryBackoffCoeff > 0 {
		c.RetryBackoff = aux.RetryBackoffCoeff
	}
	c.MaxRetryInterval = defaultMaxRetryInterval
	if aux.MaxRetryInterval > 0 {
		c.MaxRetryInterval = time.Duration(aux.MaxRetryInterval) * time.Second
	}
	c.StopGracePeriod = defaultStopGracePeriod
	if aux.StopGracePeriod > 0 {
		c.StopGracePeriod = time.Duration(aux.StopGracePeriod) * time.Second
	}
	return nil
}

// listenAddr accepts either host:port or an http URL.
func listenAddr(s string) string {
	s = strings.TrimPrefix(s, "http://")
	return strings.TrimRight(s, "/")
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
