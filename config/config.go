package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of config.yaml.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	Mail     MailConfig     `yaml:"mail"`
	Files    FilesConfig    `yaml:"files"`
	Workflow WorkflowConfig `yaml:"workflow"`
	Auth     AuthConfig     `yaml:"auth"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
	Mode string `yaml:"mode"` // gin mode: debug / release / test
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // memory / redis / database
	Seed   bool   `yaml:"seed"`   // apply default roles, forms and templates at startup
}

type DatabaseConfig struct {
	Driver          string `yaml:"driver"` // mysql / postgres / sqlite
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	DBName          string `yaml:"dbname"`
	Path            string `yaml:"path"` // sqlite file
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime"` // seconds
	AutoMigrate     bool   `yaml:"auto_migrate"`
}

type RedisConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	PoolSize     int    `yaml:"pool_size"`
	MinIdleConns int    `yaml:"min_idle_conns"`
	IdleTimeout  int    `yaml:"idle_timeout"` // seconds
	KeyPrefix    string `yaml:"key_prefix"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug / info / warn / error
	Output string `yaml:"output"` // console / file / both
	File   string `yaml:"file"`
}

// MailConfig configures the SMTP notifier. An empty host logs notifications instead.
type MailConfig struct {
	Host      string   `yaml:"host"`
	Port      int      `yaml:"port"`
	Username  string   `yaml:"username"`
	Password  string   `yaml:"password"`
	From      string   `yaml:"from"`
	DefaultTo []string `yaml:"default_to"`
}

type FilesConfig struct {
	Root string `yaml:"root"`
}

type WorkflowConfig struct {
	RejectPolicy   string `yaml:"reject_policy"`   // advance / loop_back / end_on_reject
	CounterTimeout int    `yaml:"counter_timeout"` // milliseconds
	Casbin         bool   `yaml:"casbin"`          // resolve roles through the casbin enforcer
	NodeID         int64  `yaml:"node_id"`         // snowflake node
	EventBuffer    int    `yaml:"event_buffer"`    // queued events before publishes are dropped
	EventTimeout   int    `yaml:"event_timeout"`   // seconds per asynchronous delivery
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// Load reads path, applies defaults and environment overrides, then validates.
// An empty path yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills zero values.
func (c *Config) SetDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "release"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	c.Database.SetDefaults()
	c.Redis.SetDefaults()
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "console"
	}
	if c.Mail.Port == 0 {
		c.Mail.Port = 25
	}
	if c.Mail.From == "" {
		c.Mail.From = "noreply@example.com"
	}
	if c.Files.Root == "" {
		c.Files.Root = "uploads"
	}
	if c.Workflow.RejectPolicy == "" {
		c.Workflow.RejectPolicy = "advance"
	}
	if c.Workflow.CounterTimeout == 0 {
		c.Workflow.CounterTimeout = 2000
	}
	if c.Workflow.NodeID == 0 {
		c.Workflow.NodeID = 1
	}
	if c.Workflow.EventBuffer == 0 {
		c.Workflow.EventBuffer = 100
	}
	if c.Workflow.EventTimeout == 0 {
		c.Workflow.EventTimeout = 30
	}
}

// SetDefaults fills database zero values.
func (c *DatabaseConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = "mysql"
	}
	if c.Port == 0 {
		switch c.Driver {
		case "postgres", "postgresql":
			c.Port = 5432
		default:
			c.Port = 3306
		}
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 10
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 100
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 3600
	}
}

// SetDefaults fills redis zero values.
func (c *RedisConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6379
	}
	if c.PoolSize == 0 {
		c.PoolSize = 10
	}
	if c.MinIdleConns == 0 {
		c.MinIdleConns = 2
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 300
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = "ticketflow:"
	}
}

// Validate rejects unusable combinations.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "redis", "database":
	default:
		return fmt.Errorf("unsupported storage driver: %s (supported: memory, redis, database)", c.Storage.Driver)
	}
	if c.Storage.Driver == "database" {
		switch c.Database.Driver {
		case "mysql", "postgres", "postgresql":
			if c.Database.Host == "" || c.Database.DBName == "" {
				return fmt.Errorf("database host and dbname are required for driver %s", c.Database.Driver)
			}
		case "sqlite":
			if c.Database.Path == "" {
				return fmt.Errorf("database path is required for driver sqlite")
			}
		default:
			return fmt.Errorf("unsupported database driver: %s (supported: mysql, postgres, sqlite)", c.Database.Driver)
		}
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		return fmt.Errorf("invalid redis port: %d", c.Redis.Port)
	}
	switch c.Workflow.RejectPolicy {
	case "advance", "loop_back", "end_on_reject":
	default:
		return fmt.Errorf("unsupported reject policy: %s", c.Workflow.RejectPolicy)
	}
	if c.Workflow.EventBuffer < 0 {
		return fmt.Errorf("invalid event buffer: %d", c.Workflow.EventBuffer)
	}
	if c.Workflow.CounterTimeout < 0 {
		return fmt.Errorf("invalid counter timeout: %d", c.Workflow.CounterTimeout)
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	return nil
}

// DSN builds the driver-specific connection string.
func (c *DatabaseConfig) DSN() string {
	switch c.Driver {
	case "postgres", "postgresql":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			c.Host, c.Port, c.User, c.Password, c.DBName)
	case "sqlite":
		return c.Path
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.User, c.Password, c.Host, c.Port, c.DBName)
}

// Addr returns host:port of the redis server.
func (c *RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// CounterTimeoutDuration converts the configured milliseconds.
func (c WorkflowConfig) CounterTimeoutDuration() time.Duration {
	return time.Duration(c.CounterTimeout) * time.Millisecond
}

func (c *Config) applyEnv() {
	setString(&c.Storage.Driver, "TICKETFLOW_STORAGE_DRIVER")

	setString(&c.Database.Driver, "DB_DRIVER")
	setString(&c.Database.Host, "DB_HOST")
	setInt(&c.Database.Port, "DB_PORT")
	setString(&c.Database.User, "DB_USER")
	setString(&c.Database.Password, "DB_PASSWORD")
	setString(&c.Database.DBName, "DB_NAME")
	setString(&c.Database.Path, "DB_PATH")

	setString(&c.Redis.Host, "REDIS_HOST")
	setInt(&c.Redis.Port, "REDIS_PORT")
	setString(&c.Redis.Password, "REDIS_PASSWORD")
	setInt(&c.Redis.DB, "REDIS_DB")

	setString(&c.Mail.Host, "SMTP_HOST")
	setInt(&c.Mail.Port, "SMTP_PORT")
	setString(&c.Mail.Username, "SMTP_USERNAME")
	setString(&c.Mail.Password, "SMTP_PASSWORD")
	setString(&c.Mail.From, "SMTP_FROM")
	if v := os.Getenv("SMTP_DEFAULT_TO"); v != "" {
		c.Mail.DefaultTo = strings.Split(v, ",")
	}

	setString(&c.Auth.JWTSecret, "JWT_SECRET")
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
