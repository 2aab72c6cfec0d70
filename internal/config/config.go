// Package config loads the service configuration. Tunables come from an
// optional YAML file; endpoints and secrets come from the environment and
// always win over file values, so container deployments can override a
// baked-in config without editing it.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v2"
)

// DefaultPath is probed when no explicit config path is given.
const DefaultPath = "config.yaml"

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Supabase SupabaseConfig `yaml:"supabase"`
	Redis    RedisConfig    `yaml:"redis"`
	PubSub   PubSubConfig   `yaml:"pubsub"`
	Queue    QueueConfig    `yaml:"queue"`
	Manager  ManagerConfig  `yaml:"manager"`
	Realtime RealtimeConfig `yaml:"realtime"`
	AI       AIConfig       `yaml:"ai"`
	Logging  LoggingConfig  `yaml:"logging"`

	// Vault holds the secrets; they are never read from the file.
	Vault VaultConfig `yaml:"-"`
}

type ServerConfig struct {
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`

	// AdminToken guards the management endpoints when set (env
	// VIGIA_ADMIN_TOKEN). Agent, webhook and realtime surfaces carry
	// their own authentication and are not affected.
	AdminToken string `yaml:"-"`
}

type DatabaseConfig struct {
	URL string `yaml:"url"`
}

type SupabaseConfig struct {
	URL        string `yaml:"url"`
	ServiceKey string `yaml:"-"`
}

type RedisConfig struct {
	Addr    string `yaml:"addr"`
	Channel string `yaml:"channel"`
}

type PubSubConfig struct {
	ProjectID       string `yaml:"project_id"`
	TopicID         string `yaml:"topic_id"`
	AlertTopicID    string `yaml:"alert_topic_id"`
	CredentialsFile string `yaml:"credentials_file"`
}

type VaultConfig struct {
	MasterKey    string
	FallbackSeed string
}

type QueueConfig struct {
	Workers        int `yaml:"workers"`
	MaxPending     int `yaml:"max_pending"`
	BaseDelayMS    int `yaml:"base_delay_ms"`
	HistoryCap     int `yaml:"history_cap"`
	RetentionHours int `yaml:"retention_hours"`
}

type ManagerConfig struct {
	SweepEverySec int `yaml:"sweep_every_sec"`
	SinkBuffer    int `yaml:"sink_buffer"`
}

type RealtimeConfig struct {
	SendBuffer int  `yaml:"send_buffer"`
	SocketIO   bool `yaml:"socketio"`
}

type AIConfig struct {
	ParserAddr string `yaml:"parser_addr"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Load reads the file at path, then overlays the environment. An empty path
// probes DefaultPath and silently skips it when absent; an explicit path
// must exist.
func Load(path string) (*Config, error) {
	cfg := defaults()

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// no file is fine, environment carries everything
	default:
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server:  ServerConfig{Port: "8080", AllowedOrigins: []string{"*"}},
		Logging: LoggingConfig{Level: "info", JSON: true},
	}
}

func (c *Config) applyEnv() {
	envString("PORT", &c.Server.Port)
	envString("VIGIA_ADMIN_TOKEN", &c.Server.AdminToken)
	envString("DATABASE_URL", &c.Database.URL)
	envString("SUPABASE_URL", &c.Supabase.URL)
	envString("SUPABASE_SERVICE_KEY", &c.Supabase.ServiceKey)
	envString("REDIS_ADDR", &c.Redis.Addr)
	envString("REDIS_CHANNEL", &c.Redis.Channel)
	envString("PUBSUB_PROJECT_ID", &c.PubSub.ProjectID)
	envString("PUBSUB_TOPIC", &c.PubSub.TopicID)
	envString("PUBSUB_ALERT_TOPIC", &c.PubSub.AlertTopicID)
	envString("PUBSUB_CREDENTIALS_FILE", &c.PubSub.CredentialsFile)
	envString("AI_PARSER_ADDR", &c.AI.ParserAddr)
	envString("VIGIA_MASTER_KEY", &c.Vault.MasterKey)
	envString("VIGIA_JWT_SECRET", &c.Vault.FallbackSeed)
	envString("LOG_LEVEL", &c.Logging.Level)
	envBool("LOG_JSON", &c.Logging.JSON)
	envInt("QUEUE_WORKERS", &c.Queue.Workers)
	envInt("QUEUE_MAX_PENDING", &c.Queue.MaxPending)
}

func (c *Config) validate() error {
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("config: server port %q is not a number", c.Server.Port)
	}
	if c.Queue.Workers < 0 || c.Queue.MaxPending < 0 || c.Queue.BaseDelayMS < 0 {
		return fmt.Errorf("config: queue tunables must not be negative")
	}
	if c.Manager.SweepEverySec < 0 || c.Manager.SinkBuffer < 0 {
		return fmt.Errorf("config: manager tunables must not be negative")
	}
	if c.Supabase.URL != "" && c.Database.URL == "" && c.Supabase.ServiceKey == "" {
		return fmt.Errorf("config: supabase url set without SUPABASE_SERVICE_KEY")
	}
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
