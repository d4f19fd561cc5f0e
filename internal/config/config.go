package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"github.com/ComfyAssets/Kiko-Creator-sub000/internal/logger"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	ComfyUI  ComfyUIConfig  `yaml:"comfyui"`
	Database DatabaseConfig `yaml:"database"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  logger.Config  `yaml:"logging"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port" validate:"gte=0,lte=65535"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type ComfyUIConfig struct {
	// BaseURL is the HTTP address of the ComfyUI instance, e.g. http://127.0.0.1:8188
	BaseURL string `yaml:"base_url" validate:"required,url"`
	// ClientIDPrefix is prepended to generated session tokens
	ClientIDPrefix string        `yaml:"client_id_prefix"`
	Timeout        time.Duration `yaml:"timeout"`
	// FetchGraceDelay is the wait applied before the progress-100% fallback
	// fetch, giving the executing(node=null) signal a chance to arrive first.
	FetchGraceDelay time.Duration `yaml:"fetch_grace_delay"`
}

type DatabaseConfig struct {
	MySQL MySQLConfig `yaml:"mysql"`
	Redis RedisConfig `yaml:"redis"`
}

type MySQLConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"pool_size"`
	ModelTTL time.Duration `yaml:"model_ttl"`
}

type StorageConfig struct {
	// FlushInterval is the coalescing window for debounced persistence writes.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Load reads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()

	// Apply environment variable overrides
	if url := os.Getenv("COMFYUI_URL"); url != "" {
		cfg.ComfyUI.BaseURL = url
	}
	if pass := os.Getenv("MYSQL_PASSWORD"); pass != "" {
		cfg.Database.MySQL.Password = pass
	}
	if pass := os.Getenv("REDIS_PASSWORD"); pass != "" {
		cfg.Database.Redis.Password = pass
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 3000
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}
	if c.ComfyUI.BaseURL == "" {
		c.ComfyUI.BaseURL = "http://127.0.0.1:8188"
	}
	if c.ComfyUI.ClientIDPrefix == "" {
		c.ComfyUI.ClientIDPrefix = "kiko-creator"
	}
	if c.ComfyUI.Timeout == 0 {
		c.ComfyUI.Timeout = 120 * time.Second
	}
	if c.ComfyUI.FetchGraceDelay == 0 {
		c.ComfyUI.FetchGraceDelay = time.Second
	}
	if c.Database.Redis.ModelTTL == 0 {
		c.Database.Redis.ModelTTL = 5 * time.Minute
	}
	if c.Storage.FlushInterval == 0 {
		c.Storage.FlushInterval = 500 * time.Millisecond
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}
