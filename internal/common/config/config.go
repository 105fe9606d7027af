// Package config provides configuration management for the Aiden control
// plane. It supports loading configuration from environment variables, a
// config file, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/aidenhq/aiden/internal/common/logger"
)

// Known deployment environments.
const (
	EnvDev     = "dev"
	EnvTest    = "test"
	EnvStaging = "staging"
	EnvProd    = "prod"
)

// Config holds all configuration sections for the control plane.
type Config struct {
	Env          string               `mapstructure:"env"`
	Server       ServerConfig         `mapstructure:"server"`
	Database     DatabaseConfig       `mapstructure:"database"`
	Broker       BrokerConfig         `mapstructure:"broker"`
	Tasks        TasksConfig          `mapstructure:"tasks"`
	Pool         PoolConfig           `mapstructure:"pool"`
	Health       HealthConfig         `mapstructure:"health"`
	Auth         AuthConfig           `mapstructure:"auth"`
	Metrics      MetricsConfig        `mapstructure:"metrics"`
	Logging      logger.LoggingConfig `mapstructure:"logging"`
	Environments map[string]EnvConfig `mapstructure:"environments"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration. Driver selects
// between SQLite (dev/test) and Postgres (staging/prod).
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite or postgres
	Path     string `mapstructure:"path"`   // sqlite file path
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
}

// BrokerConfig holds task-engine broker (NATS) configuration.
// An empty URL selects the in-process dispatcher.
type BrokerConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// TasksConfig holds worker-pool configuration for the task engine.
type TasksConfig struct {
	Workers int `mapstructure:"workers"`
}

// PoolConfig bounds the warm runtime pool.
type PoolConfig struct {
	IdleSize  int `mapstructure:"idleSize"`  // max unattached runtimes kept warm
	Increment int `mapstructure:"increment"` // runtimes provisioned per pool-empty trigger
}

// HealthConfig holds the reconciler cadence.
type HealthConfig struct {
	IntervalSeconds int `mapstructure:"intervalSeconds"`
}

// AuthConfig holds JWT verification configuration.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

// MetricsConfig holds basic-auth credentials for the metrics endpoint.
type MetricsConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// EnvConfig carries the per-environment fabric coordinates and CORS
// allow-list.
type EnvConfig struct {
	Fabric      FabricConfig `mapstructure:"fabric"`
	CORSOrigins []string     `mapstructure:"corsOrigins"`
}

// FabricConfig identifies the cloud resources a runtime is provisioned
// against and how its public URL is derived.
type FabricConfig struct {
	VPCID                string   `mapstructure:"vpcId"`
	HTTPListenerARN      string   `mapstructure:"httpListenerArn"`
	HTTPSListenerARN     string   `mapstructure:"httpsListenerArn"`
	Cluster              string   `mapstructure:"cluster"`
	TaskDefinitionFamily string   `mapstructure:"taskDefinitionFamily"`
	Subnets              []string `mapstructure:"subnets"`
	SecurityGroups       []string `mapstructure:"securityGroups"`
	HostDomain           string   `mapstructure:"hostDomain"`        // e.g. aiden.gg
	SubdomainTemplate    string   `mapstructure:"subdomainTemplate"` // e.g. runtime-%d
	TargetGroupPrefix    string   `mapstructure:"targetGroupPrefix"`
	ServicePrefix        string   `mapstructure:"servicePrefix"`
}

// Subdomain renders the subdomain for a service number.
func (f *FabricConfig) Subdomain(serviceNo int) string {
	return fmt.Sprintf(f.SubdomainTemplate, serviceNo)
}

// HostPattern renders the listener-rule host pattern for a service number.
func (f *FabricConfig) HostPattern(serviceNo int) string {
	return fmt.Sprintf("%s.%s", f.Subdomain(serviceNo), f.HostDomain)
}

// RuntimeURL derives the public base URL for a service number.
func (f *FabricConfig) RuntimeURL(serviceNo int) string {
	return "https://" + f.HostPattern(serviceNo)
}

// TargetGroupName renders the target-group name for a service number.
func (f *FabricConfig) TargetGroupName(serviceNo int) string {
	return fmt.Sprintf("%s-%d", f.TargetGroupPrefix, serviceNo)
}

// ServiceName renders the container-service name for a service number.
func (f *FabricConfig) ServiceName(serviceNo int) string {
	return fmt.Sprintf("%s-%d", f.ServicePrefix, serviceNo)
}

// Environment returns the active per-environment block.
func (c *Config) Environment() EnvConfig {
	return c.Environments[c.Env]
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Interval returns the reconciler cadence as a time.Duration.
func (h *HealthConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("env", EnvDev)

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults: SQLite for dev, Postgres coordinates for the rest
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./aiden.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "postgres")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)

	// Broker defaults - empty URL means in-process dispatch
	v.SetDefault("broker.url", "")
	v.SetDefault("broker.clientId", "aiden-control-plane")
	v.SetDefault("broker.maxReconnects", 10)

	// Task engine defaults
	v.SetDefault("tasks.workers", 4)

	// Runtime pool defaults
	v.SetDefault("pool.idleSize", 2)
	v.SetDefault("pool.increment", 2)

	// Health reconciler defaults
	v.SetDefault("health.intervalSeconds", 300)

	// Auth defaults
	v.SetDefault("auth.jwtSecret", "")

	// Metrics defaults
	v.SetDefault("metrics.username", "admin")
	v.SetDefault("metrics.password", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")

	// Per-environment fabric defaults. Real coordinates come from the
	// config file or AIDEN_* env vars; dev ships usable naming defaults.
	for _, env := range []string{EnvDev, EnvTest, EnvStaging, EnvProd} {
		prefix := "environments." + env
		v.SetDefault(prefix+".fabric.subdomainTemplate", "runtime-%d")
		v.SetDefault(prefix+".fabric.targetGroupPrefix", env+"-runtime-tg")
		v.SetDefault(prefix+".fabric.servicePrefix", env+"-runtime")
		v.SetDefault(prefix+".fabric.taskDefinitionFamily", env+"-agent-runtime")
		v.SetDefault(prefix+".corsOrigins", []string{"http://localhost:3000"})
	}
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix AIDEN_ with underscores
// replacing dots.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AIDEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("env", "AIDEN_ENV", "ENV")
	_ = v.BindEnv("broker.url", "AIDEN_BROKER_URL", "CELERY_BROKER_URL")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/aiden/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	switch cfg.Env {
	case EnvDev, EnvTest, EnvStaging, EnvProd:
	default:
		errs = append(errs, fmt.Sprintf("env must be one of dev, test, staging, prod (got %q)", cfg.Env))
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	switch cfg.Database.Driver {
	case "sqlite":
		if cfg.Database.Path == "" {
			errs = append(errs, "database.path is required for the sqlite driver")
		}
	case "postgres":
		if cfg.Database.Host == "" {
			errs = append(errs, "database.host is required for the postgres driver")
		}
	default:
		errs = append(errs, "database.driver must be sqlite or postgres")
	}

	if cfg.Pool.IdleSize < 0 {
		errs = append(errs, "pool.idleSize must not be negative")
	}
	if cfg.Pool.Increment <= 0 {
		errs = append(errs, "pool.increment must be positive")
	}
	if cfg.Tasks.Workers <= 0 {
		errs = append(errs, "tasks.workers must be positive")
	}
	if cfg.Health.IntervalSeconds <= 0 {
		errs = append(errs, "health.intervalSeconds must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
