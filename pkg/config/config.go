package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Auto is the config value that lets the manager pick a count.
const Auto = "auto"

// Config is the manager's configuration.
type Config struct {
	Dev      bool   `mapstructure:"dev"`
	Token    string `mapstructure:"token"`
	TokenDev string `mapstructure:"token_dev"`

	Manager   ManagerConfig   `mapstructure:"manager"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Alerts    AlertConfig     `mapstructure:"alerts"`
	API       APIConfig       `mapstructure:"api"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ManagerConfig controls how clusters are laid out and spawned.
type ManagerConfig struct {
	Executable       string        `mapstructure:"executable"`
	Args             []string      `mapstructure:"args"`
	TotalShards      string        `mapstructure:"total_shards"`
	TotalClusters    string        `mapstructure:"total_clusters"`
	ShardsPerCluster int           `mapstructure:"shards_per_cluster"`
	Respawn          bool          `mapstructure:"respawn"`
	QueueMode        string        `mapstructure:"queue_mode"`
	SpawnDelay       time.Duration `mapstructure:"spawn_delay"`
	SpawnTimeout     time.Duration `mapstructure:"spawn_timeout"`
	GuildsPerShard   int           `mapstructure:"guilds_per_shard"`
	Restarts         RestartConfig `mapstructure:"restarts"`
}

// RestartConfig bounds automatic respawns of one cluster.
type RestartConfig struct {
	Max      int           `mapstructure:"max"`
	Interval time.Duration `mapstructure:"interval"`
}

// HeartbeatConfig controls the heartbeat plugin.
type HeartbeatConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	MaxMissed int           `mapstructure:"max_missed"`
	// SkipRespawn only reports clusters that stop answering.
	SkipRespawn bool `mapstructure:"skip_respawn"`
}

// AlertConfig holds the Discord webhooks lifecycle events are posted to.
type AlertConfig struct {
	WebhookURL      string `mapstructure:"webhook_url"`
	ErrorWebhookURL string `mapstructure:"error_webhook_url"`
	Username        string `mapstructure:"username"`
}

// APIConfig configures the HTTP status server.
type APIConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// StorageConfig configures the bolt store.
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// LoggingConfig configures zerolog.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// Load reads .env, then configPath (or flow.yaml in the usual places),
// then FLOW_ prefixed environment variables.
func Load(configPath string, dev bool) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("flow")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/flow")
	}

	setDefaults(v)

	v.SetEnvPrefix("FLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("token", "FLOW_TOKEN", "TOKEN_MAIN", "DISCORD_TOKEN")
	_ = v.BindEnv("token_dev", "FLOW_TOKEN_DEV", "TOKEN_DEV")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if dev {
		cfg.Dev = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dev", false)
	v.SetDefault("token", "")
	v.SetDefault("token_dev", "")

	v.SetDefault("manager.executable", "")
	v.SetDefault("manager.args", []string{})
	v.SetDefault("manager.total_shards", Auto)
	v.SetDefault("manager.total_clusters", Auto)
	v.SetDefault("manager.shards_per_cluster", 16)
	v.SetDefault("manager.respawn", true)
	v.SetDefault("manager.queue_mode", "auto")
	v.SetDefault("manager.spawn_delay", 7*time.Second)
	v.SetDefault("manager.spawn_timeout", time.Duration(-1))
	v.SetDefault("manager.guilds_per_shard", 1000)
	v.SetDefault("manager.restarts.max", 3)
	v.SetDefault("manager.restarts.interval", time.Hour)

	v.SetDefault("heartbeat.enabled", true)
	v.SetDefault("heartbeat.interval", 60*time.Second)
	v.SetDefault("heartbeat.max_missed", 5)
	v.SetDefault("heartbeat.skip_respawn", false)

	v.SetDefault("alerts.webhook_url", "")
	v.SetDefault("alerts.error_webhook_url", "")
	v.SetDefault("alerts.username", "Flow Manager")

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.addr", "127.0.0.1:9090")

	v.SetDefault("storage.data_dir", "./data")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)
}

// Validate checks values the manager cannot recover from and normalizes
// paths.
func (c *Config) Validate() error {
	if _, err := ParseCount(c.Manager.TotalShards); err != nil {
		return fmt.Errorf("manager.total_shards: %w", err)
	}
	if _, err := ParseCount(c.Manager.TotalClusters); err != nil {
		return fmt.Errorf("manager.total_clusters: %w", err)
	}
	if c.Manager.ShardsPerCluster < 0 {
		return fmt.Errorf("manager.shards_per_cluster must not be negative")
	}
	switch c.Manager.QueueMode {
	case "auto", "manual":
	default:
		return fmt.Errorf("manager.queue_mode must be auto or manual, got %q", c.Manager.QueueMode)
	}
	if c.Manager.Restarts.Max < 0 {
		return fmt.Errorf("manager.restarts.max must not be negative")
	}
	if c.Manager.Restarts.Interval <= 0 {
		return fmt.Errorf("manager.restarts.interval must be positive")
	}
	if c.Heartbeat.Enabled && c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be positive")
	}

	c.Storage.DataDir = filepath.Clean(c.Storage.DataDir)
	return nil
}

// ActiveToken returns the token for the selected environment.
func (c *Config) ActiveToken() string {
	if c.Dev {
		return c.TokenDev
	}
	return c.Token
}

// ParseCount parses a positive count or "auto", which yields -1.
func ParseCount(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, Auto) {
		return -1, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid count %q", s)
	}
	if n < 1 {
		return 0, fmt.Errorf("count must be at least 1, got %d", n)
	}
	return n, nil
}
