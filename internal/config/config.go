package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shaiso/agentrun/internal/orchestrator"
	"github.com/shaiso/agentrun/internal/retry"
)

// Драйверы хранилища.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config — конфигурация сервера agentrun.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Store     StoreConfig     `yaml:"store"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Retry     retry.Config    `yaml:"retry"`
	Events    EventsConfig    `yaml:"events"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Redis     RedisConfig     `yaml:"redis"`
	Log       LogConfig       `yaml:"log"`
}

// HTTPConfig — HTTP API.
type HTTPConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr возвращает адрес для http.Server.
func (c HTTPConfig) Addr() string {
	return ":" + c.Port
}

// StoreConfig — хранилище runs.
type StoreConfig struct {
	Driver     string `yaml:"driver"`
	DSN        string `yaml:"dsn"`
	SQLitePath string `yaml:"sqlite_path"`
}

// SchedulerConfig — лимиты и таймауты Scheduler.
type SchedulerConfig struct {
	orchestrator.Limits `yaml:",inline"`

	StepTimeout time.Duration `yaml:"step_timeout"`
}

// EventsConfig — in-process поток событий.
type EventsConfig struct {
	// SubscriberBuffer — буфер одного подписчика Hub.
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// RabbitMQConfig — публикация событий и команды отмены.
type RabbitMQConfig struct {
	URL string `yaml:"url"`
}

// Enabled возвращает true, если RabbitMQ настроен.
func (c RabbitMQConfig) Enabled() bool {
	return c.URL != ""
}

// RedisConfig — зеркалирование событий в Redis Streams.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	MaxLen   int64         `yaml:"max_len"`
	TTL      time.Duration `yaml:"ttl"`
}

// Enabled возвращает true, если Redis настроен.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// LogConfig — логирование.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default возвращает конфигурацию по умолчанию.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Port:            "8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Driver:     DriverMemory,
			SQLitePath: "agentrun.db",
		},
		Scheduler: SchedulerConfig{
			Limits: orchestrator.Limits{
				MaxGlobal:     16,
				MaxPerProject: 2,
			},
			StepTimeout: 5 * time.Minute,
		},
		Retry: retry.Config{
			MaxAttempts: retry.DefaultMaxAttempts,
			BaseDelay:   retry.DefaultBaseDelay,
			MaxDelay:    retry.DefaultMaxDelay,
			Backoff:     retry.BackoffExponential,
		},
		Events: EventsConfig{
			SubscriberBuffer: 64,
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "json",
		},
	}
}

// Load читает конфигурацию из path (пустой path — только defaults и
// окружение), применяет переменные окружения и проверяет результат.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode накладывает YAML поверх текущих значений. Неизвестные поля —
// ошибка.
func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: parse yaml: %w", ErrInvalidConfig, err)
	}
	return nil
}

// applyEnv применяет переменные окружения.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	env := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	env("API_PORT", &c.HTTP.Port)
	env("STORE_DRIVER", &c.Store.Driver)
	env("DB_URL", &c.Store.DSN)
	env("SQLITE_PATH", &c.Store.SQLitePath)
	env("RABBITMQ_URL", &c.RabbitMQ.URL)
	env("REDIS_ADDR", &c.Redis.Addr)
	env("LOG_LEVEL", &c.Log.Level)
	env("LOG_FORMAT", &c.Log.Format)

	// DB_URL без STORE_DRIVER — значит PostgreSQL.
	if _, ok := lookup("STORE_DRIVER"); !ok && c.Store.DSN != "" && c.Store.Driver == DriverMemory {
		c.Store.Driver = DriverPostgres
	}
}

// Validate проверяет конфигурацию.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case DriverMemory, DriverPostgres:
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}

	if _, err := strconv.Atoi(c.HTTP.Port); err != nil {
		errs = append(errs, fmt.Errorf("http.port must be a number, got %q", c.HTTP.Port))
	}
	if c.Scheduler.MaxGlobal <= 0 {
		errs = append(errs, errors.New("scheduler.max_global must be > 0"))
	}
	if c.Scheduler.MaxPerProject <= 0 {
		errs = append(errs, errors.New("scheduler.max_per_project must be > 0"))
	}
	if c.Scheduler.QueueDepth < 0 {
		errs = append(errs, errors.New("scheduler.queue_depth must be >= 0"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be >= 1"))
	}
	if c.Retry.Backoff != "" && c.Retry.Backoff != retry.BackoffExponential && c.Retry.Backoff != retry.BackoffFixed {
		errs = append(errs, fmt.Errorf("unknown retry.backoff %q", c.Retry.Backoff))
	}
	if f := strings.ToLower(c.Log.Format); f != "json" && f != "text" {
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
