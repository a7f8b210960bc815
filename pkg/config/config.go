package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process configuration, loaded from an optional YAML
// file and overridable through ZANE_* environment variables.
type Config struct {
	LogLevel   string `yaml:"log_level"`
	LogJSON    bool   `yaml:"log_json"`
	ListenAddr string `yaml:"listen_addr"`
	DataDir    string `yaml:"data_dir"`

	// RootDomain hosts the generated per-deployment URLs
	// (<hash>-<port>.<root domain>).
	RootDomain string `yaml:"root_domain"`

	Temporal TemporalConfig `yaml:"temporal"`
	Redis    RedisConfig    `yaml:"redis"`
	Docker   DockerConfig   `yaml:"docker"`
	Proxy    ProxyConfig    `yaml:"proxy"`
	Build    BuildConfig    `yaml:"build"`
	Secrets  SecretsConfig  `yaml:"secrets"`
}

// TemporalConfig locates the workflow service.
type TemporalConfig struct {
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
	TaskQueue string `yaml:"task_queue"`

	// DeployTimeout bounds one deployment workflow end to end.
	DeployTimeoutMinutes int `yaml:"deploy_timeout_minutes"`
}

// DeployTimeout returns the workflow execution timeout.
func (t TemporalConfig) DeployTimeout() time.Duration {
	if t.DeployTimeoutMinutes <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(t.DeployTimeoutMinutes) * time.Minute
}

// RedisConfig locates the cache.
type RedisConfig struct {
	Addr string `yaml:"addr"`
	DB   int    `yaml:"db"`
}

// DockerConfig locates the runtime engine. An empty host uses the
// standard DOCKER_HOST environment resolution.
type DockerConfig struct {
	Host string `yaml:"host"`
}

// ProxyConfig locates the reverse proxy's admin API.
type ProxyConfig struct {
	AdminURL string `yaml:"admin_url"`
}

// BuildConfig controls where git checkouts and build contexts live.
type BuildConfig struct {
	Dir string `yaml:"dir"`
}

// SecretsConfig holds the key encrypting git app credentials at rest.
// The key must be 64 hex characters (32 bytes).
type SecretsConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
}

// Default returns a configuration suitable for a single-node install.
func Default() *Config {
	return &Config{
		LogLevel:   "info",
		LogJSON:    true,
		ListenAddr: ":8000",
		DataDir:    "./zane-data",
		RootDomain: "zane.local",
		Temporal: TemporalConfig{
			Address:              "127.0.0.1:7233",
			Namespace:            "default",
			TaskQueue:            "zane-deployments",
			DeployTimeoutMinutes: 30,
		},
		Redis: RedisConfig{Addr: "127.0.0.1:6379"},
		Proxy: ProxyConfig{AdminURL: "http://127.0.0.1:2019"},
		Build: BuildConfig{Dir: filepath.Join(os.TempDir(), "zane-builds")},
	}
}

// Load reads the config file at path (if non-empty), then applies
// environment overrides on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	envStr("ZANE_LOG_LEVEL", &c.LogLevel)
	envStr("ZANE_LISTEN_ADDR", &c.ListenAddr)
	envStr("ZANE_DATA_DIR", &c.DataDir)
	envStr("ZANE_ROOT_DOMAIN", &c.RootDomain)
	envStr("ZANE_TEMPORAL_ADDRESS", &c.Temporal.Address)
	envStr("ZANE_TEMPORAL_NAMESPACE", &c.Temporal.Namespace)
	envStr("ZANE_TEMPORAL_TASK_QUEUE", &c.Temporal.TaskQueue)
	envStr("ZANE_REDIS_ADDR", &c.Redis.Addr)
	envStr("ZANE_DOCKER_HOST", &c.Docker.Host)
	envStr("ZANE_PROXY_ADMIN_URL", &c.Proxy.AdminURL)
	envStr("ZANE_BUILD_DIR", &c.Build.Dir)
	envStr("ZANE_ENCRYPTION_KEY", &c.Secrets.EncryptionKey)
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.RootDomain == "" {
		return fmt.Errorf("root_domain is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Temporal.TaskQueue == "" {
		return fmt.Errorf("temporal.task_queue is required")
	}
	if k := c.Secrets.EncryptionKey; k != "" && len(k) != 64 {
		return fmt.Errorf("secrets.encryption_key must be 64 hex characters")
	}
	return nil
}

// StorePath is the bbolt database location under the data dir.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "zane.db")
}
