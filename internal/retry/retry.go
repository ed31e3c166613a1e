package retry

import (
	"time"

	"github.com/shaiso/agentrun/internal/domain"
)

// Значения по умолчанию.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
)

// Backoff — стратегия роста задержки.
type Backoff string

const (
	// BackoffExponential — delay = base * 2^(attempt-1), не больше max.
	BackoffExponential Backoff = "exponential"

	// BackoffFixed — delay = base.
	BackoffFixed Backoff = "fixed"
)

// Decision — решение политики после неудачной попытки.
type Decision struct {
	// Retry — нужно ли повторить шаг.
	Retry bool

	// Delay — пауза перед следующей попыткой.
	Delay time.Duration
}

// Policy решает, повторять ли шаг после ошибки.
//
// attempt — номер только что завершившейся попытки (начиная с 1).
type Policy interface {
	ShouldRetry(step domain.StepDescriptor, attempt int, kind domain.ErrorKind) Decision
}

// Config — параметры политики.
type Config struct {
	// MaxAttempts — максимум попыток, включая первую.
	MaxAttempts int `yaml:"max_attempts"`

	// BaseDelay — начальная задержка.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay — потолок задержки.
	MaxDelay time.Duration `yaml:"max_delay"`

	// Backoff — стратегия (exponential по умолчанию).
	Backoff Backoff `yaml:"backoff"`
}

// Exponential — политика по умолчанию: retry только временных ошибок,
// задержка растёт экспоненциально.
type Exponential struct {
	cfg Config
}

// New создаёт политику, подставляя значения по умолчанию.
func New(cfg Config) *Exponential {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = cfg.BaseDelay
	}
	if cfg.Backoff == "" {
		cfg.Backoff = BackoffExponential
	}
	return &Exponential{cfg: cfg}
}

// Config возвращает итоговую конфигурацию.
func (p *Exponential) Config() Config {
	return p.cfg
}

// ShouldRetry реализует Policy.
func (p *Exponential) ShouldRetry(_ domain.StepDescriptor, attempt int, kind domain.ErrorKind) Decision {
	if !kind.Retryable() {
		return Decision{}
	}
	if attempt >= p.cfg.MaxAttempts {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.Backoff(attempt)}
}

// Backoff вычисляет задержку после попытки attempt.
func (p *Exponential) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if p.cfg.Backoff == BackoffFixed {
		return p.cfg.BaseDelay
	}

	// delay = base * 2^(attempt-1)
	delay := p.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.cfg.MaxDelay {
			return p.cfg.MaxDelay
		}
	}
	return delay
}

// NewPolicy выбирает политику по конфигурации: MaxAttempts = 1
// отключает повторы.
func NewPolicy(cfg Config) Policy {
	if cfg.MaxAttempts == 1 {
		return Never{}
	}
	return New(cfg)
}

// Never — политика без повторов.
type Never struct{}

// ShouldRetry всегда отказывает.
func (Never) ShouldRetry(domain.StepDescriptor, int, domain.ErrorKind) Decision {
	return Decision{}
}
