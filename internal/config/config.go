// Package config loads service configuration from defaults, an optional YAML
// file and environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete service configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Store     StoreConfig     `yaml:"store"`
	Notifier  NotifierConfig  `yaml:"notifier"`
	Directory DirectoryConfig `yaml:"directory"`
	Catalog   CatalogConfig   `yaml:"catalog"`
}

type ServiceConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
	LogLevel    string `yaml:"log_level"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	GRPCPort        int           `yaml:"grpc_port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Host        string        `yaml:"host"`
	Port        int           `yaml:"port"`
	User        string        `yaml:"user"`
	Password    string        `yaml:"password"`
	Database    string        `yaml:"database"`
	SSLMode     string        `yaml:"ssl_mode"`
	MaxConns    int32         `yaml:"max_conns"`
	MinConns    int32         `yaml:"min_conns"`
	MaxConnTime time.Duration `yaml:"max_conn_time"`
	MaxIdleTime time.Duration `yaml:"max_idle_time"`
	HealthCheck time.Duration `yaml:"health_check"`
	MaxRetries  uint64        `yaml:"max_retries"`
}

// StoreConfig selects the persistence driver: "postgres" or "memory".
type StoreConfig struct {
	Driver string `yaml:"driver"`
}

// NotifierConfig selects the notification backend: "nats", "redis" or "log".
// StageReadyRole receives stage_ready events that have no actor.
type NotifierConfig struct {
	Driver         string `yaml:"driver"`
	NATSURL        string `yaml:"nats_url"`
	RedisAddr      string `yaml:"redis_addr"`
	SubjectPrefix  string `yaml:"subject_prefix"`
	StageReadyRole string `yaml:"stage_ready_role"`
}

// DirectoryConfig selects the user/role directory: "static" or "redis".
type DirectoryConfig struct {
	Driver    string              `yaml:"driver"`
	RedisAddr string              `yaml:"redis_addr"`
	KeyPrefix string              `yaml:"key_prefix"`
	Roles     map[string][]string `yaml:"roles"`
}

type CatalogConfig struct {
	Path string `yaml:"path"`
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode)
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "be-pm-lifecycle",
			Version:     "0.1.0",
			Environment: "development",
			LogLevel:    "info",
		},
		Server: ServerConfig{
			Port:            8086,
			GRPCPort:        9086,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:        "localhost",
			Port:        5432,
			User:        "postgres",
			Database:    "pm_lifecycle",
			SSLMode:     "disable",
			MaxConns:    20,
			MinConns:    2,
			MaxConnTime: time.Hour,
			MaxIdleTime: 30 * time.Minute,
			HealthCheck: time.Minute,
			MaxRetries:  3,
		},
		Store:     StoreConfig{Driver: "postgres"},
		Notifier:  NotifierConfig{Driver: "log", NATSURL: "nats://localhost:4222", RedisAddr: "localhost:6379", SubjectPrefix: "notifications.pm", StageReadyRole: "PROJECT_MANAGER"},
		Directory: DirectoryConfig{Driver: "static", RedisAddr: "localhost:6379", KeyPrefix: "pm:role:"},
	}
}

// Load builds the configuration. PM_CONFIG_FILE names an optional YAML file.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("PM_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	setString(&c.Service.Environment, "ENVIRONMENT")
	setString(&c.Service.LogLevel, "LOG_LEVEL")
	setInt(&c.Server.Port, "PORT")
	setInt(&c.Server.GRPCPort, "GRPC_PORT")

	setString(&c.Database.Host, "DB_HOST")
	setInt(&c.Database.Port, "DB_PORT")
	setString(&c.Database.User, "DB_USER")
	setString(&c.Database.Password, "DB_PASSWORD")
	setString(&c.Database.Database, "DB_NAME")
	setString(&c.Database.SSLMode, "DB_SSLMODE")

	setString(&c.Store.Driver, "STORE_DRIVER")
	setString(&c.Notifier.Driver, "NOTIFIER_DRIVER")
	setString(&c.Notifier.NATSURL, "NATS_URL")
	setString(&c.Notifier.RedisAddr, "REDIS_ADDR")
	setString(&c.Notifier.StageReadyRole, "STAGE_READY_ROLE")
	setString(&c.Directory.Driver, "DIRECTORY_DRIVER")
	setString(&c.Directory.RedisAddr, "REDIS_ADDR")
	setString(&c.Catalog.Path, "CATALOG_FILE")
}

// Validate rejects unknown drivers.
func (c *Config) Validate() error {
	if !oneOf(c.Store.Driver, "postgres", "memory") {
		return fmt.Errorf("store.driver %q must be postgres or memory", c.Store.Driver)
	}
	if !oneOf(c.Notifier.Driver, "nats", "redis", "log") {
		return fmt.Errorf("notifier.driver %q must be nats, redis or log", c.Notifier.Driver)
	}
	if !oneOf(c.Directory.Driver, "static", "redis") {
		return fmt.Errorf("directory.driver %q must be static or redis", c.Directory.Driver)
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if strings.EqualFold(v, a) {
			return true
		}
	}
	return false
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
