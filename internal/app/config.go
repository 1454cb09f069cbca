package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/taskhub/internal/access"
)

type Config struct {
	Brand string `yaml:"brand"`

	Server     ServerConfig      `yaml:"server"`
	Database   DatabaseConfig    `yaml:"database"`
	Redis      RedisConfig       `yaml:"redis"`
	Mail       MailConfig        `yaml:"mail"`
	Upload     UploadConfig      `yaml:"upload"`
	Features   map[string]bool   `yaml:"features"`
	Security   SecurityConfig    `yaml:"security"`
	APIKeys    map[string]string `yaml:"api_keys"`
	Scheduler  SchedulerConfig   `yaml:"scheduler"`
	DataAccess *access.Tables    `yaml:"data_access"`
	Logging    LoggingConfig     `yaml:"logging"`
	Deploy     DeployConfig      `yaml:"deploy"`
}

type ServerConfig struct {
	Listen           string `yaml:"listen"`
	ReadTimeout      string `yaml:"read_timeout"`
	WriteTimeout     string `yaml:"write_timeout"`
	IdleTimeout      string `yaml:"idle_timeout"`
	MaxContentLength int64  `yaml:"max_content_length"`
}

type DatabaseConfig struct {
	URL      string `yaml:"url"`
	MaxConns int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	URL         string `yaml:"url"`
	KeyPrefix   string `yaml:"key_prefix"`
	MaxIdle     int    `yaml:"max_idle"`
	IdleTimeout string `yaml:"idle_timeout"`
}

type MailConfig struct {
	Server        string `yaml:"server"`
	Port          int    `yaml:"port"`
	UseTLS        bool   `yaml:"use_tls"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	DefaultSender string `yaml:"default_sender"`
}

type UploadConfig struct {
	Method            string   `yaml:"method"`
	Folder            string   `yaml:"folder"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
	MaxContentLength  int64    `yaml:"max_content_length"`
}

type SecurityConfig struct {
	SecretKey        string `yaml:"secret_key"`
	SecureAppAccess  bool   `yaml:"secure_app_access"`
	EnableEncryption bool   `yaml:"enable_encryption"`
}

type SchedulerConfig struct {
	// Seconds a presented task stays locked for a user.
	Timeout  int `yaml:"timeout"`
	MaxLimit int `yaml:"max_limit"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json
}

type DeployConfig struct {
	InstallPath     string   `yaml:"install_path"`
	Keep            int      `yaml:"keep"`
	Services        []string `yaml:"services"`
	StopTimeout     string   `yaml:"stop_timeout"`
	TimestampLayout string   `yaml:"timestamp_layout"`
}

func DefaultConfig() *Config {
	return &Config{
		Brand: "taskhub",
		Server: ServerConfig{
			Listen:           ":5000",
			ReadTimeout:      "15s",
			WriteTimeout:     "30s",
			IdleTimeout:      "60s",
			MaxContentLength: 16 << 20,
		},
		Redis: RedisConfig{
			URL:         "redis://localhost:6379/0",
			KeyPrefix:   "taskhub",
			MaxIdle:     8,
			IdleTimeout: "240s",
		},
		Mail: MailConfig{
			Server: "localhost",
			Port:   25,
		},
		Upload: UploadConfig{
			Method:            "local",
			Folder:            "uploads",
			AllowedExtensions: []string{".jpg", ".jpeg", ".png", ".webp", ".csv"},
			MaxContentLength:  16 << 20,
		},
		Features: map[string]bool{},
		APIKeys:  map[string]string{},
		Scheduler: SchedulerConfig{
			Timeout:  3600,
			MaxLimit: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Deploy: DeployConfig{
			InstallPath:     "/opt/taskhub",
			Keep:            3,
			Services:        []string{"supervisor", "nginx"},
			StopTimeout:     "30s",
			TimestampLayout: "20060102150405",
		},
	}
}

// Load reads the optional .env file next to path, then the YAML file, then
// applies environment overrides. A missing YAML file yields the defaults.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	if path != "" {
		envFile := filepath.Join(filepath.Dir(path), ".env")
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("app: load %s: %w", envFile, err)
		}

		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			logrus.Debugf("Config file %s not found, using defaults", path)
		case err != nil:
			return nil, fmt.Errorf("app: read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("app: parse config: %w", err)
			}
		}
	}

	config.applyEnvOverrides()
	return config, nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("TASKHUB_DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("TASKHUB_REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("TASKHUB_SECRET_KEY"); v != "" {
		c.Security.SecretKey = v
	}
	if v := os.Getenv("TASKHUB_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("TASKHUB_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TASKHUB_INSTALL_PATH"); v != "" {
		c.Deploy.InstallPath = v
	}
}

// Validate reports every setting that does not hold a value of its type.
func (c *Config) Validate() error {
	var errs []error

	for name, value := range map[string]string{
		"server.read_timeout":  c.Server.ReadTimeout,
		"server.write_timeout": c.Server.WriteTimeout,
		"server.idle_timeout":  c.Server.IdleTimeout,
		"redis.idle_timeout":   c.Redis.IdleTimeout,
		"deploy.stop_timeout":  c.Deploy.StopTimeout,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	if c.Server.MaxContentLength <= 0 {
		errs = append(errs, fmt.Errorf("server.max_content_length: must be positive, got %d", c.Server.MaxContentLength))
	}
	if c.Upload.MaxContentLength <= 0 {
		errs = append(errs, fmt.Errorf("upload.max_content_length: must be positive, got %d", c.Upload.MaxContentLength))
	}
	if c.Mail.Port < 1 || c.Mail.Port > 65535 {
		errs = append(errs, fmt.Errorf("mail.port: out of range: %d", c.Mail.Port))
	}
	if c.Database.MaxConns < 0 {
		errs = append(errs, fmt.Errorf("database.max_conns: must not be negative, got %d", c.Database.MaxConns))
	}
	if c.Redis.MaxIdle < 0 {
		errs = append(errs, fmt.Errorf("redis.max_idle: must not be negative, got %d", c.Redis.MaxIdle))
	}
	if c.Scheduler.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.timeout: must be positive, got %d", c.Scheduler.Timeout))
	}
	if c.Scheduler.MaxLimit <= 0 {
		errs = append(errs, fmt.Errorf("scheduler.max_limit: must be positive, got %d", c.Scheduler.MaxLimit))
	}
	if c.Deploy.Keep < 0 {
		errs = append(errs, fmt.Errorf("deploy.keep: must not be negative, got %d", c.Deploy.Keep))
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format: unknown format %q", c.Logging.Format))
	}
	if c.DataAccess != nil {
		if err := c.DataAccess.Check(); err != nil {
			errs = append(errs, fmt.Errorf("data_access: %w", err))
		}
	}
	if c.Security.EnableEncryption && c.Security.SecretKey == "" {
		errs = append(errs, errors.New("security.secret_key: required when enable_encryption is set"))
	}

	return errors.Join(errs...)
}

func (c *Config) Feature(name string) bool {
	return c.Features[name]
}

func (c *Config) AccessPolicy() *access.Policy {
	return access.NewPolicy(c.DataAccess)
}

func (c *Config) ReadTimeout() time.Duration  { return duration(c.Server.ReadTimeout, 15*time.Second) }
func (c *Config) WriteTimeout() time.Duration { return duration(c.Server.WriteTimeout, 30*time.Second) }
func (c *Config) IdleTimeout() time.Duration  { return duration(c.Server.IdleTimeout, 60*time.Second) }
func (c *Config) RedisIdleTimeout() time.Duration {
	return duration(c.Redis.IdleTimeout, 240*time.Second)
}
func (c *Config) StopTimeout() time.Duration { return duration(c.Deploy.StopTimeout, 30*time.Second) }

func (c *Config) SchedulerTimeout() time.Duration {
	if c.Scheduler.Timeout <= 0 {
		return time.Hour
	}
	return time.Duration(c.Scheduler.Timeout) * time.Second
}

func (c *Config) MailAddress() string {
	return c.Mail.Server + ":" + strconv.Itoa(c.Mail.Port)
}

func duration(value string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
